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

package bufpool_test

import (
	"errors"
	"testing"

	"github.com/mkos-project/ipc/bufpool"
	"github.com/mkos-project/ipc/ipc"
)

func TestClassForRoundsUpToPowerOfTwo(t *testing.T) {
	cases := []struct {
		size int
		want int
	}{
		{0, bufpool.MinClassBits},
		{1, bufpool.MinClassBits},
		{256, bufpool.MinClassBits},
		{257, bufpool.MinClassBits + 1},
		{65536, bufpool.MaxClassBits},
	}
	for _, c := range cases {
		got, ok := bufpool.ClassFor(c.size)
		if !ok {
			t.Fatalf("ClassFor(%d): not ok", c.size)
		}
		if got != c.want {
			t.Fatalf("ClassFor(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestClassForRejectsOversize(t *testing.T) {
	if _, ok := bufpool.ClassFor(1 << 20); ok {
		t.Fatalf("ClassFor(1<<20): expected not ok")
	}
}

func TestAcquireRejectsOutOfRangeClass(t *testing.T) {
	p := bufpool.New()
	_, err := p.Acquire(bufpool.MaxClassBits + 1)
	if !errors.Is(err, ipc.ErrBadSize) {
		t.Fatalf("err = %v, want ErrBadSize", err)
	}
}

func TestAcquireGivesDistinctIDs(t *testing.T) {
	p := bufpool.New()
	b1, err := p.Acquire(bufpool.MinClassBits)
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	b2, err := p.Acquire(bufpool.MinClassBits)
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	if b1.ID() == b2.ID() {
		t.Fatalf("two live buffers share id %d", b1.ID())
	}
}

// TestImportSharesUnderlyingMemory is the handoff property bufpool exists
// for: a buffer acquired in one "task" and passed by id is resolved by
// Import in another to the exact same backing bytes.
func TestImportSharesUnderlyingMemory(t *testing.T) {
	p := bufpool.New()
	b, err := p.Acquire(bufpool.MinClassBits)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b.SetLen(4)
	copy(b.Bytes(), []byte{1, 2, 3, 4})

	imported, ok := p.Import(b.ID())
	if !ok {
		t.Fatalf("Import(%d): not found", b.ID())
	}
	if &imported.Bytes()[0] != &b.Bytes()[0] {
		t.Fatalf("Import returned different backing memory")
	}

	// Two live references now; releasing once must not retire the id. The
	// probing Import takes a reference of its own, released right after.
	p.Release(b)
	probe, ok := p.Import(imported.ID())
	if !ok {
		t.Fatalf("id retired after only one of two references released")
	}
	p.Release(probe)
	p.Release(imported)
	if _, ok := p.Import(imported.ID()); ok {
		t.Fatalf("id still resolves after last reference released")
	}
}

func TestReleaseReturnsBufferToFreeListForReuse(t *testing.T) {
	p := bufpool.New()
	b1, err := p.Acquire(bufpool.MinClassBits)
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	addr := &b1.Bytes()[:1][0]
	b1.SetLen(1)
	p.Release(b1)

	b2, err := p.Acquire(bufpool.MinClassBits)
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	if len(b2.Bytes()) != 0 {
		t.Fatalf("reused buffer has nonzero length before caller grows it")
	}
	b2.SetLen(1)
	if &b2.Bytes()[0] != addr {
		t.Fatalf("Acquire after Release did not reuse the freed backing array")
	}
}

func TestRetainRequiresMatchingRelease(t *testing.T) {
	p := bufpool.New()
	b, err := p.Acquire(bufpool.MinClassBits)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b.Retain()

	// The probing Import takes a reference of its own, released right after.
	p.Release(b)
	probe, ok := p.Import(b.ID())
	if !ok {
		t.Fatalf("id retired after release count (2) still above zero")
	}
	p.Release(probe)
	p.Release(b)
	if _, ok := p.Import(b.ID()); ok {
		t.Fatalf("id still live after matching release count")
	}
}
