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

// Package task glues an answerbox and a capability table together into the
// unit spec.md section 5 calls a task: a kernel thread's worth of IPC state
// whose teardown must drain queues and revoke phones atomically.
package task

import (
	"context"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/mkos-project/ipc/captable"
	"github.com/mkos-project/ipc/ipc"
)

// ID identifies a task for the lifetime of the process. 0 is never issued.
type ID uint64

// Task bundles the per-task state the rest of the module operates on: its
// answerbox, its capability table, a context cancelled at exit (so blocked
// WaitForCall/SendSync calls observe KindCancelled per spec.md section 5),
// and its exit value for the naming service's task-wait bookkeeping.
type Task struct {
	ID      ID
	Box     *ipc.Answerbox
	Caps    *captable.Table
	Context context.Context

	// SpawnedAt is the wall-clock time the task's Registry recorded at
	// Spawn, using its timeutil.Clock (a real clock in production, a fake
	// one in tests that need deterministic task-age assertions). Tasks
	// built directly with New rather than through a Registry leave this
	// zero.
	SpawnedAt time.Time

	cancel context.CancelFunc

	mu     sync.Mutex
	exited bool
	retval int64
}

// New creates a task with a fresh answerbox and capability table.
func New(id ID, opts ...captable.Option) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{
		ID:      id,
		Box:     ipc.NewAnswerbox(),
		Caps:    captable.New(opts...),
		Context: ctx,
		cancel:  cancel,
	}
}

// Exit tears the task down: its context is cancelled (unblocking any of its
// threads parked in WaitForCall/SendSync with KindCancelled), its answerbox
// is destroyed via disp.DestroyTask (draining queued calls with
// sender-gone and hanging up connected phones), and retval is recorded for
// later collection via TASK_WAIT.
func (t *Task) Exit(disp *ipc.Dispatcher, retval int64) {
	t.mu.Lock()
	if t.exited {
		t.mu.Unlock()
		return
	}
	t.exited = true
	t.retval = retval
	t.mu.Unlock()

	t.cancel()
	disp.DestroyTask(t.Box)
}

// Retval returns the task's recorded exit value and whether Exit has been
// called yet.
func (t *Task) Retval() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retval, t.exited
}

// Registry tracks live and exited tasks for the naming service's
// task-id-intro/task-retval/task-wait trio (spec.md section 4.4).
type Registry struct {
	mu    sync.Mutex
	tasks map[ID]*Task
	seq   uint64
	clock timeutil.Clock
}

// NewRegistry returns an empty task registry that stamps each spawned
// task's SpawnedAt with the real wall clock.
func NewRegistry() *Registry {
	return NewRegistryWithClock(timeutil.RealClock())
}

// NewRegistryWithClock is NewRegistry with an injectable clock, for tests
// that need deterministic task-age assertions.
func NewRegistryWithClock(clock timeutil.Clock) *Registry {
	return &Registry{tasks: make(map[ID]*Task), clock: clock}
}

// Spawn allocates a fresh task id and registers a new Task under it.
func (r *Registry) Spawn(opts ...captable.Option) *Task {
	r.mu.Lock()
	r.seq++
	id := ID(r.seq)
	t := New(id, opts...)
	t.SpawnedAt = r.clock.Now()
	r.tasks[id] = t
	r.mu.Unlock()
	return t
}

// Lookup returns the task registered under id, if any.
func (r *Registry) Lookup(id ID) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Forget removes a task from the registry once its exit value has been
// delivered to every waiter; it does not affect the task's own state.
func (r *Registry) Forget(id ID) {
	r.mu.Lock()
	delete(r.tasks, id)
	r.mu.Unlock()
}
