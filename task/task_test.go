// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package task_test

import (
	"errors"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/mkos-project/ipc/ipc"
	"github.com/mkos-project/ipc/task"
)

func TestExitCancelsContextAndIsIdempotent(t *testing.T) {
	disp := ipc.NewDispatcher()
	tk := task.New(1)

	select {
	case <-tk.Context.Done():
		t.Fatalf("context already cancelled before Exit")
	default:
	}

	tk.Exit(disp, 7)

	select {
	case <-tk.Context.Done():
	default:
		t.Fatalf("context not cancelled after Exit")
	}

	// A second Exit must not panic or overwrite the recorded retval.
	tk.Exit(disp, 99)

	retval, exited := tk.Retval()
	if !exited || retval != 7 {
		t.Fatalf("Retval() = %d, %v, want 7, true", retval, exited)
	}
}

func TestExitUnblocksWaitForCall(t *testing.T) {
	disp := ipc.NewDispatcher()
	tk := task.New(1)

	done := make(chan *ipc.Status, 1)
	go func() {
		_, _, err := disp.WaitForCall(tk.Context, tk.Box)
		done <- err
	}()

	// Give the goroutine a chance to block.
	time.Sleep(10 * time.Millisecond)
	tk.Exit(disp, 0)

	// Exit cancels the context before DestroyTask tears down the answerbox,
	// and WaitForCall reports a done context ahead of a destroyed answerbox,
	// so this waiter sees cancellation; sender-gone is what a waiter whose
	// context outlives the task sees. Either is a correct teardown signal.
	select {
	case err := <-done:
		if !errors.Is(err, ipc.ErrSenderGone) && !errors.Is(err, ipc.ErrCancelled) {
			t.Fatalf("err = %v, want sender-gone or cancellation", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("WaitForCall did not return after Exit")
	}
}

func TestRegistrySpawnStampsClock(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := timeutil.NewSimulatedClock(start)
	r := task.NewRegistryWithClock(clock)

	a := r.Spawn()
	if !a.SpawnedAt.Equal(start) {
		t.Fatalf("SpawnedAt = %v, want %v", a.SpawnedAt, start)
	}

	clock.AdvanceTime(time.Minute)
	b := r.Spawn()
	if !b.SpawnedAt.Equal(start.Add(time.Minute)) {
		t.Fatalf("SpawnedAt = %v, want %v", b.SpawnedAt, start.Add(time.Minute))
	}
}

func TestRegistrySpawnAssignsDistinctIDs(t *testing.T) {
	r := task.NewRegistry()

	a := r.Spawn()
	b := r.Spawn()
	if a.ID == b.ID {
		t.Fatalf("Spawn assigned duplicate ids: %d == %d", a.ID, b.ID)
	}

	got, ok := r.Lookup(a.ID)
	if !ok || got != a {
		t.Fatalf("Lookup(%d) = %v, %v", a.ID, got, ok)
	}

	r.Forget(a.ID)
	if _, ok := r.Lookup(a.ID); ok {
		t.Fatalf("Lookup(%d) still found after Forget", a.ID)
	}
}
