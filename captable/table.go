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

// Package captable implements the per-task capability table (spec.md
// section 4.3): a sparse, densely-numbered mapping from small non-negative
// handles to phones, with lowest-free-index allocation.
//
// It is grounded on connection.go's cancelFuncs map
// (map[uint64]func() guarded by a single mutex), generalized from "map keyed
// by kernel request id" to "dense slice with free-index reuse."
package captable

import (
	"container/heap"
	"sync"

	"github.com/mkos-project/ipc/ipc"
)

// DefaultCapacity is the per-task phone-table size named as a design
// parameter in spec.md section 4.3 ("a bounded cap of 64 phones per task
// matches the source's intent").
const DefaultCapacity = 64

// NSHandle is the reserved handle for the well-known phone to the naming
// service, pre-installed in every task at creation (spec.md section 4.4).
const NSHandle = 0

// freeHeap is a min-heap of free handle indices, so allocation always
// picks the lowest free index (spec.md section 4.3; testable property 5).
type freeHeap []int

func (h freeHeap) Len() int            { return len(h) }
func (h freeHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h freeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *freeHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *freeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// Table is a per-task capability table. The zero value is not usable; use
// New.
type Table struct {
	mu       sync.Mutex
	slots    []*ipc.Phone
	free     freeHeap
	capacity int
}

// Option configures a Table at construction time.
type Option func(*Table)

// WithCapacity overrides DefaultCapacity.
func WithCapacity(n int) Option {
	return func(t *Table) { t.capacity = n }
}

// New returns an empty capability table.
func New(opts ...Option) *Table {
	t := &Table{capacity: DefaultCapacity}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Alloc reserves the lowest free handle for phone, growing the table up to
// its capacity. Returns KindNoMemory at the table-full boundary without
// mutating any state (spec.md section 8's boundary behaviour).
func (t *Table) Alloc(phone *ipc.Phone) (handle int, err *ipc.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.free) > 0 {
		h := heap.Pop(&t.free).(int)
		t.slots[h] = phone
		return h, nil
	}

	if len(t.slots) >= t.capacity {
		return 0, ipc.Errorf(ipc.KindNoMemory, "capability table full (capacity %d)", t.capacity)
	}

	t.slots = append(t.slots, phone)
	return len(t.slots) - 1, nil
}

// Reserve inserts phone at an exact handle (used for the well-known NS
// handle 0; Transfer goes through Alloc instead), failing if the handle is
// already occupied or out of the table's addressable range.
func (t *Table) Reserve(handle int, phone *ipc.Phone) *ipc.Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if handle < 0 || handle >= t.capacity {
		return ipc.Errorf(ipc.KindInvalidHandle, "handle %d out of range", handle)
	}

	for len(t.slots) <= handle {
		t.slots = append(t.slots, nil)
	}
	if t.slots[handle] != nil {
		return ipc.Errorf(ipc.KindInvalidHandle, "handle %d already occupied", handle)
	}
	t.slots[handle] = phone
	return nil
}

// Free releases handle, making it eligible for reuse by the next Alloc
// before the table grows further (testable property 5: "successive
// cap_alloc after cap_free reuses the freed slot before extending the
// table").
//
// Per spec.md section 4.3, entries may be freed only when the phone is in a
// terminal state; Free enforces this rather than trusting the caller.
func (t *Table) Free(handle int) *ipc.Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if handle < 0 || handle >= len(t.slots) || t.slots[handle] == nil {
		return ipc.Errorf(ipc.KindInvalidHandle, "handle %d not allocated", handle)
	}

	phone := t.slots[handle]
	if phone.State() != ipc.PhoneHungup {
		return ipc.Errorf(ipc.KindInvalidHandle, "handle %d: phone not in a terminal state", handle)
	}

	t.slots[handle] = nil
	heap.Push(&t.free, handle)
	return nil
}

// Get returns the phone installed at handle.
func (t *Table) Get(handle int) (*ipc.Phone, *ipc.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if handle < 0 || handle >= len(t.slots) || t.slots[handle] == nil {
		return nil, ipc.Errorf(ipc.KindInvalidHandle, "handle %d not allocated", handle)
	}
	return t.slots[handle], nil
}

// Transfer installs phone into dst's table, used when a server hands a
// client a new phone through the reply of a connect call (spec.md section
// 4.3). It returns the destination handle the reply should carry.
func Transfer(dst *Table, phone *ipc.Phone) (handle int, err *ipc.Status) {
	return dst.Alloc(phone)
}
