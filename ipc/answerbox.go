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

import (
	"container/list"
	"context"
	"sync"
)

// Answerbox is a task's inbox: an ordered queue of incoming calls, an
// ordered queue of returned answers for that task, the set of phones
// connected to it (for bulk hangup), and a liveness flag. See spec.md
// section 3.
//
// Each Answerbox is protected by its own lock, held only during queue
// manipulation, per spec.md section 5's shared-resource policy.
type Answerbox struct {
	mu sync.Mutex

	incoming *list.List // of *Call, requests and notifications
	answers  *list.List // of *Call, answers in issuance order

	phones map[*Phone]struct{}

	alive bool

	// waiters is signalled whenever incoming or answers gains an item, so
	// WaitForCall can block efficiently instead of polling.
	waiters *sync.Cond

	// quota and outstanding implement the per-task call quota from spec.md
	// section 3: "the total number of outstanding calls from one task is
	// bounded by a per-task quota." Guarded by mu.
	quota       int64
	outstanding int64

	// queueSeq stamps each call pushed onto incoming or answers with its
	// arrival order across both queues combined, so popAny can serve
	// "whichever comes first" (spec.md section 4.2) by true timestamp
	// rather than always draining incoming ahead of answers.
	queueSeq uint64
}

// DefaultQuota is the per-task outstanding-call ceiling. spec.md section 9
// leaves the exact value as an open question; DESIGN.md pins it here.
const DefaultQuota = 256

// NewAnswerbox returns a live, empty answerbox with the default call quota.
func NewAnswerbox() *Answerbox {
	return NewAnswerboxWithQuota(DefaultQuota)
}

// NewAnswerboxWithQuota returns a live, empty answerbox with a custom call
// quota (mainly for tests exercising the quota-exceeded boundary).
func NewAnswerboxWithQuota(quota int64) *Answerbox {
	ab := &Answerbox{
		incoming: list.New(),
		answers:  list.New(),
		phones:   make(map[*Phone]struct{}),
		alive:    true,
		quota:    quota,
	}
	ab.waiters = sync.NewCond(&ab.mu)
	return ab
}

// acquireQuota reserves one outstanding-call slot. If blocking is true (the
// synchronous send path) it waits for room; otherwise it fails immediately
// with KindQuotaExceeded (the asynchronous send path).
func (ab *Answerbox) acquireQuota(blocking bool) *Status {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	for ab.outstanding >= ab.quota {
		if !blocking {
			return newStatus(KindQuotaExceeded, "per-task call quota exceeded")
		}
		ab.waiters.Wait()
		if !ab.alive {
			return newStatus(KindCancelled, "task exited while waiting for quota")
		}
	}
	ab.outstanding++
	return nil
}

// releaseQuota returns one outstanding-call slot, waking anyone blocked in
// acquireQuota.
func (ab *Answerbox) releaseQuota() {
	ab.mu.Lock()
	ab.outstanding--
	ab.waiters.Broadcast()
	ab.mu.Unlock()
}

// addPhone registers a phone as targeting this answerbox, for later bulk
// hangup. Returns false if the answerbox is no longer alive.
func (ab *Answerbox) addPhone(p *Phone) bool {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if !ab.alive {
		return false
	}
	ab.phones[p] = struct{}{}
	return true
}

func (ab *Answerbox) removePhone(p *Phone) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	delete(ab.phones, p)
}

// enqueueIncoming appends a request or notification call to the incoming
// queue, waking every blocked waiter. Fails with KindHungup if the
// answerbox has been destroyed.
func (ab *Answerbox) enqueueIncoming(c *Call) *Status {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if !ab.alive {
		return newStatus(KindHungup, "enqueue on destroyed answerbox")
	}

	c.owner = ownerAnswerboxIncoming
	ab.queueSeq++
	c.queuedSeq = ab.queueSeq
	ab.incoming.PushBack(c)
	ab.waiters.Broadcast()
	return nil
}

// enqueueAnswer appends an answered call to the answer queue, in the order
// Answer was called (not request order), waking every blocked waiter. If
// the answerbox has been destroyed, its task is gone and the answer is
// discarded instead of queued.
func (ab *Answerbox) enqueueAnswer(c *Call) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if !ab.alive {
		return
	}

	c.owner = ownerAnswerboxAnswers
	ab.queueSeq++
	c.queuedSeq = ab.queueSeq
	ab.answers.PushBack(c)
	ab.waiters.Broadcast()
}

// popAny removes and returns whichever of (incoming, answers) has the older
// queuedSeq, i.e. whichever actually arrived first, matching "whichever
// comes first" from spec.md section 4.2 across both queues rather than just
// within each. A steady stream of incoming requests can no longer starve an
// answer that has been sitting since before most of them arrived: each
// incoming call only jumps ahead of a queued answer if it was enqueued
// before that answer was. FIFO within each individual stream still holds,
// since queuedSeq is monotonic and list.List preserves push order.
func (ab *Answerbox) popAny() (c *Call, isAnswer bool, ok bool) {
	incomingFront := ab.incoming.Front()
	answersFront := ab.answers.Front()

	switch {
	case incomingFront == nil && answersFront == nil:
		return nil, false, false
	case answersFront == nil:
		ab.incoming.Remove(incomingFront)
		return incomingFront.Value.(*Call), false, true
	case incomingFront == nil:
		ab.answers.Remove(answersFront)
		return answersFront.Value.(*Call), true, true
	}

	if incomingFront.Value.(*Call).queuedSeq <= answersFront.Value.(*Call).queuedSeq {
		ab.incoming.Remove(incomingFront)
		return incomingFront.Value.(*Call), false, true
	}
	ab.answers.Remove(answersFront)
	return answersFront.Value.(*Call), true, true
}

// popAnswer removes and returns the answer call matching correlation, if one
// is already queued.
func (ab *Answerbox) popAnswer(correlation uint64) (*Call, bool) {
	for e := ab.answers.Front(); e != nil; e = e.Next() {
		if e.Value.(*Call).Correlation == correlation {
			ab.answers.Remove(e)
			return e.Value.(*Call), true
		}
	}
	return nil, false
}

// waitLocked blocks on ab.waiters until cond() is true, the answerbox dies,
// or ctx is done, returning which of those woke it. A done ctx is reported
// ahead of a destroyed answerbox, so a task whose context is cancelled
// before its answerbox is destroyed (task.Task.Exit) observes cancellation.
// Must be called with ab.mu held; ab.mu is held again on return.
func (ab *Answerbox) waitLocked(ctx context.Context, cond func() bool) (woke bool, err *Status) {
	if cond() {
		return true, nil
	}
	if ctx.Err() != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return false, newStatus(KindTimeout, "")
		}
		return false, newStatus(KindCancelled, "")
	}
	if !ab.alive {
		return false, newStatus(KindSenderGone, "answerbox destroyed")
	}

	stop := context.AfterFunc(ctx, func() {
		ab.mu.Lock()
		ab.waiters.Broadcast()
		ab.mu.Unlock()
	})
	defer stop()

	for !cond() {
		if err := ctx.Err(); err != nil {
			if err == context.DeadlineExceeded {
				return false, newStatus(KindTimeout, "")
			}
			return false, newStatus(KindCancelled, "")
		}
		if !ab.alive {
			return false, newStatus(KindSenderGone, "answerbox destroyed")
		}
		ab.waiters.Wait()
	}
	return true, nil
}

// waitForAnswer blocks until the answer matching correlation arrives, the
// answerbox dies, or ctx is done.
func (ab *Answerbox) waitForAnswer(ctx context.Context, correlation uint64) (*Call, *Status) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	var found *Call
	_, err := ab.waitLocked(ctx, func() bool {
		c, ok := ab.popAnswer(correlation)
		if ok {
			found = c
		}
		return ok
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// waitForEvent blocks until either queue has an item, the answerbox dies, or
// ctx is done, returning the popped call and whether it came from the
// answers queue.
func (ab *Answerbox) waitForEvent(ctx context.Context) (c *Call, isAnswer bool, err *Status) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	_, werr := ab.waitLocked(ctx, func() bool {
		cc, ia, ok := ab.popAny()
		if ok {
			c, isAnswer = cc, ia
		}
		return ok
	})
	if werr != nil {
		return nil, false, werr
	}
	return c, isAnswer, nil
}

// hasPendingPoke reports whether an unconsumed Poke notification is already
// sitting in the incoming queue, so repeated pokes collapse to one spurious
// wake (spec.md section 8's idempotence law).
func (ab *Answerbox) hasPendingPoke() bool {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	for e := ab.incoming.Front(); e != nil; e = e.Next() {
		if e.Value.(*Call).Method == methodPoke {
			return true
		}
	}
	return false
}

// destroy marks the answerbox dead, hangs up every connected phone, and
// drains both queues, returning the drained incoming calls so the caller
// (Dispatcher) can auto-answer them with sender-gone. Per spec.md section 3:
// "on task exit all phones targeting it transition to hungup and all queued
// calls are drained with a sender-vanished status."
func (ab *Answerbox) destroy() (drained []*Call, phones []*Phone) {
	ab.mu.Lock()
	ab.alive = false

	for e := ab.incoming.Front(); e != nil; e = e.Next() {
		drained = append(drained, e.Value.(*Call))
	}
	ab.incoming.Init()
	ab.answers.Init()

	for p := range ab.phones {
		phones = append(phones, p)
	}
	ab.phones = make(map[*Phone]struct{})

	ab.waiters.Broadcast()
	ab.mu.Unlock()

	return drained, phones
}

// Alive reports whether the answerbox has not yet been destroyed.
func (ab *Answerbox) Alive() bool {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.alive
}
