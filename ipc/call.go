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

package ipc

import "sync/atomic"

// Flags is a bitmask carried by every Call describing its role and history.
type Flags uint32

const (
	// FlagRequest marks a call as an unanswered request.
	FlagRequest Flags = 1 << iota

	// FlagAnswer marks a call as having been answered; its Retval/Args hold
	// the reply payload.
	FlagAnswer

	// FlagNotification marks a kernel-originated call (hangup, IRQ-like
	// event) rather than a normal request from a peer task.
	FlagNotification

	// FlagForwarded marks a call that has been forwarded at least once.
	FlagForwarded

	// FlagHangup marks a synthetic call generated by phone_hangup so the
	// peer observes the disconnection even if idle.
	FlagHangup
)

// owner identifies which of the four queues named in spec.md section 3
// currently holds a Call. It exists to make "exactly one owner at any
// moment" an assertable invariant rather than a comment.
type owner int32

const (
	ownerNone owner = iota
	ownerPendingAnswers
	ownerPhoneInTransit
	ownerAnswerboxIncoming
	ownerAnswerboxAnswers
	ownerDispatched
)

// correlationSeq hands out monotonically increasing correlation handles for
// calls, process-wide. A real kernel would scope this per task; a single
// global counter is equivalent for our purposes (handles are never compared
// across tasks) and avoids plumbing task identity through call_alloc.
var correlationSeq uint64

// Call is the atomic unit of IPC communication: a request, or its matching
// answer. See spec.md section 3 for the full invariant list.
type Call struct {
	// Method occupies slot 0; Args holds the five payload words.
	Method uint64
	Args   [5]uint64

	// Retval is meaningful only once Flags has FlagAnswer set.
	Retval int64

	Flags Flags

	// Correlation is the handle by which the originating caller recognises
	// its reply. Assigned once, at call_alloc, and never reused while the
	// call is alive.
	Correlation uint64

	// PhoneOfOrigin is the phone the request was sent over. It is set once,
	// by SendSync/SendAsync, and never changed by Forward: per-phone FIFO
	// and the call quota are both scoped to this phone/task, not to
	// whichever phone most recently carried the call.
	PhoneOfOrigin *Phone

	// originAnswerbox is where the answer must ultimately be delivered,
	// regardless of how many times the call is forwarded.
	originAnswerbox *Answerbox

	// answered is set by Answer and checked by Forward: "forwarding a call
	// that has already been answered is an error" (spec.md section 4.2).
	answered bool

	// owner is guarded by whichever queue's lock currently holds the call;
	// it is only inspected by the dispatcher while holding that lock.
	owner owner

	// queuedSeq is stamped by whichever of enqueueIncoming/enqueueAnswer
	// last queued this call, so popAny can compare the two queues' fronts
	// by true arrival order instead of always favoring incoming.
	queuedSeq uint64
}

// newCall allocates a zeroed request call with a fresh correlation handle.
// Kept unexported: callers go through callpool.Pool or Dispatcher.NewCall so
// that pooling can be introduced without changing call sites.
func newCall() *Call {
	return &Call{
		Flags:       FlagRequest,
		Correlation: atomic.AddUint64(&correlationSeq, 1),
		owner:       ownerNone,
	}
}

// Reset restores a Call to its just-allocated state so it can be reused from
// a pool. It does not reset Correlation: pooled reuse always goes through
// callpool.Pool.Get, which assigns a fresh one.
func (c *Call) Reset() {
	c.Method = 0
	c.Args = [5]uint64{}
	c.Retval = 0
	c.Flags = FlagRequest
	c.PhoneOfOrigin = nil
	c.originAnswerbox = nil
	c.answered = false
	c.owner = ownerNone
}

// Recycle resets a previously-used Call to its just-allocated state and
// assigns it a fresh correlation handle, so a pool can hand it out again as
// an unrelated request without the old correlation lingering.
func (c *Call) Recycle() {
	c.Reset()
	c.Correlation = atomic.AddUint64(&correlationSeq, 1)
}

// IsAnswer reports whether this call carries a reply.
func (c *Call) IsAnswer() bool { return c.Flags&FlagAnswer != 0 }

// IsNotification reports whether this call is a kernel-originated event
// rather than a peer request.
func (c *Call) IsNotification() bool { return c.Flags&FlagNotification != 0 }

// IsHangup reports whether this call is the synthetic hangup notification.
func (c *Call) IsHangup() bool { return c.Flags&FlagHangup != 0 }

// CallerBox returns the answerbox that sent this call — the same box that
// will receive its answer. Naming-service-style callback connections
// (spec.md section 4.4's CONNECT_TO_ME_CALLBACK, and REGISTER's need for a
// phone back to the registering server) are built by pointing a fresh Phone
// at this box, exactly mirroring the kernel's ability to address "whoever
// sent this call" without the caller having offered up a capability for it.
func (c *Call) CallerBox() *Answerbox { return c.originAnswerbox }
