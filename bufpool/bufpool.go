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

// Package bufpool implements the packet/datagram buffer pool (spec.md
// section 1, "a packet/datagram buffer pool used by network servers"):
// size-classed, reference-counted buffers that can be handed from one task
// to another by numeric identifier carried in an ipc.Call payload word,
// the way internal/buffer.Buffer grows a single contiguous segment for one
// message — generalized here into many reusable, class-sized segments
// shared across tasks instead of one segment built for one reply.
package bufpool

import (
	"sync"

	"github.com/mkos-project/ipc/ipc"
)

// Size classes run from 256B (1<<MinClassBits) to 64KiB (1<<MaxClassBits),
// powers of two, matching common network MTU/page-multiple sizing.
const (
	MinClassBits = 8
	MaxClassBits = 16
)

// ClassFor returns the smallest size class able to hold size bytes, or
// false if size exceeds the largest class.
func ClassFor(size int) (class int, ok bool) {
	for c := MinClassBits; c <= MaxClassBits; c++ {
		if size <= 1<<c {
			return c, true
		}
	}
	return 0, false
}

// ID identifies a live buffer for cross-task handoff: a server that wants
// to pass a datagram to another task writes this value into a call's
// payload word instead of the bytes themselves; the receiving task calls
// Pool.Import to resolve it back to the same underlying memory.
type ID uint64

// Buffer is one size-classed, reference-counted segment. The zero value is
// not usable; obtain one from Pool.Acquire or Pool.Import.
type Buffer struct {
	pool  *Pool
	id    ID
	class int
	data  []byte

	refcount int32
}

// ID returns the identifier other tasks pass to Pool.Import to share this
// buffer.
func (b *Buffer) ID() ID { return b.id }

// Class returns this buffer's size class (1<<Class bytes of capacity).
func (b *Buffer) Class() int { return b.class }

// Bytes returns the buffer's backing slice, length zero until grown or
// filled by the caller; capacity is always exactly 1<<Class.
func (b *Buffer) Bytes() []byte { return b.data }

// SetLen resizes the visible portion of the buffer within its capacity.
func (b *Buffer) SetLen(n int) {
	b.data = b.data[:n]
}

// Retain increments the buffer's reference count. Every Retain (including
// the implicit one from Acquire/Import) must be matched by exactly one
// Release.
func (b *Buffer) Retain() {
	b.pool.mu.Lock()
	b.refcount++
	b.pool.mu.Unlock()
}

// Pool is a size-classed free list of buffers, shared by every task in the
// simulation (bufpool has no notion of per-task ownership; ownership is
// expressed purely through refcounts and ID handoff).
type Pool struct {
	mu       sync.Mutex
	free     [MaxClassBits + 1][]*Buffer
	seq      uint64
	imported map[ID]*Buffer
}

// New returns an empty pool.
func New() *Pool {
	return &Pool{imported: make(map[ID]*Buffer)}
}

// Acquire returns a buffer of at least the requested class, reused from the
// free list for that class if one is available, with a reference count of
// one.
func (p *Pool) Acquire(class int) (*Buffer, *ipc.Status) {
	if class < MinClassBits || class > MaxClassBits {
		return nil, ipc.Errorf(ipc.KindBadSize, "bufpool: class %d out of range [%d, %d]", class, MinClassBits, MaxClassBits)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var b *Buffer
	if free := p.free[class]; len(free) > 0 {
		b = free[len(free)-1]
		p.free[class] = free[:len(free)-1]
		b.data = b.data[:0]
	} else {
		b = &Buffer{pool: p, class: class, data: make([]byte, 0, 1<<class)}
	}

	p.seq++
	b.id = ID(p.seq)
	b.refcount = 1
	p.imported[b.id] = b
	return b, nil
}

// Import resolves id (as produced by Buffer.ID on some earlier Acquire) to
// the live buffer it names, bumping its reference count. This is the
// first-touch map lookup plus refcount bump that stands in for the kernel
// mediating a cross-task handle the way cap_transfer does for phones.
func (p *Pool) Import(id ID) (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.imported[id]
	if !ok {
		return nil, false
	}
	b.refcount++
	return b, true
}

// FreeListLen returns the number of buffers currently idle in class's free
// list. It exists for tests and monitoring that want to confirm a pool is
// actually reclaiming buffers rather than growing without bound.
func (p *Pool) FreeListLen(class int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free[class])
}

// Release drops one reference to b. When the count reaches zero, the
// buffer is returned to its class's free list for reuse and its id is
// retired: no Import can resolve it again.
//
// The decrement and the retire-or-keep decision happen under the same lock
// Import uses for its lookup-and-bump, so a concurrent Import can never
// observe a buffer that Release has already decided to hand back to the
// free list (and vice versa).
func (p *Pool) Release(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b.refcount--
	if b.refcount > 0 {
		return
	}
	delete(p.imported, b.id)
	p.free[b.class] = append(p.free[b.class], b)
}
