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

// Package ipc implements the synchronous message-passing primitive: calls,
// phones, answerboxes, and the dispatcher that routes between them. It is
// the direct generalization of the teacher's Connection/ReadOp/Reply
// request-correlation loop (connection.go) from "one FUSE mount" to
// "arbitrarily many tasks."
package ipc

import (
	"context"
)

// EventKind distinguishes the five things WaitForCall may return.
type EventKind int

const (
	// EventNone is never returned with a nil error.
	EventNone EventKind = iota

	// EventRequest is a new incoming call from a peer.
	EventRequest

	// EventAnswer is the reply to a previously sent call.
	EventAnswer

	// EventNotification is a kernel-originated event (hangup, poke).
	EventNotification

	// EventTimeout means the deadline passed with nothing to report.
	EventTimeout

	// EventCancelled means the wait was aborted by task exit or an
	// explicit cancel.
	EventCancelled
)

// Dispatcher enqueues calls onto answerboxes, matches replies to their
// originating callers, enforces per-phone FIFO ordering, and handles
// forwarding, hangup propagation, and notifications. It holds no
// process-wide state of its own; every method operates purely on the
// Phone/Answerbox arguments it is given, so a Dispatcher value is stateless
// and safe to share (or to construct afresh per call).
type Dispatcher struct{}

// NewDispatcher returns a ready-to-use Dispatcher.
func NewDispatcher() *Dispatcher { return &Dispatcher{} }

// NewCall allocates a fresh request call. Exported so callers outside this
// package (callpool, async) can build calls without reaching into
// unexported fields.
func (d *Dispatcher) NewCall() *Call { return newCall() }

// SendSync enqueues call on phone's target answerbox and blocks the caller
// until the matching answer arrives. callerBox is the calling task's own
// answerbox, where the answer will be delivered and where the per-task call
// quota is charged.
func (d *Dispatcher) SendSync(ctx context.Context, callerBox *Answerbox, phone *Phone, call *Call) (*Call, *Status) {
	return d.send(ctx, callerBox, phone, call, true)
}

// SendAsync enqueues call and returns its correlation handle immediately;
// the caller later retrieves the answer via WaitForCall. Unlike SendSync,
// exceeding the per-task quota fails immediately instead of blocking.
func (d *Dispatcher) SendAsync(callerBox *Answerbox, phone *Phone, call *Call) (correlation uint64, err *Status) {
	_, serr := d.send(context.Background(), callerBox, phone, call, false)
	if serr != nil && serr.Kind != KindSenderGone {
		// KindSenderGone on the async path is not a send failure: the
		// call was accepted and its auto-answer is now queued for
		// WaitForCall to retrieve, matching scenario S6.
		return 0, serr
	}
	return call.Correlation, nil
}

// send is the shared implementation of SendSync/SendAsync. When wait is
// true it blocks for the answer and returns it; when wait is false it
// enqueues and returns, and a non-nil *Status of KindSenderGone indicates
// the call was auto-answered inline (still a successful send, not a
// failure) because the target vanished between validation and enqueue.
func (d *Dispatcher) send(ctx context.Context, callerBox *Answerbox, phone *Phone, call *Call, wait bool) (*Call, *Status) {
	if qerr := callerBox.acquireQuota(wait); qerr != nil {
		return nil, qerr
	}

	if berr := phone.beginSend(); berr != nil {
		callerBox.releaseQuota()
		return nil, berr
	}

	call.PhoneOfOrigin = phone
	call.originAnswerbox = callerBox

	target := phone.Target()
	var enqueueErr *Status
	if target == nil {
		enqueueErr = newStatus(KindHungup, "phone has no target")
	} else {
		enqueueErr = target.enqueueIncoming(call)
	}

	if enqueueErr != nil {
		// Target answerbox disappeared mid-flight (or was never
		// connected): the kernel auto-answers so the caller never blocks
		// forever (spec.md section 4.2, "failure semantics").
		answer := d.synthesizeAnswer(call, KindSenderGone)
		phone.endSend()
		if wait {
			// No later WaitForCall will ever consume this answer, so this
			// is the only release the quota slot gets.
			callerBox.releaseQuota()
			return answer, nil
		}
		// The answer is queued for a later WaitForCall, whose EventAnswer
		// branch releases the quota slot when it's consumed; releasing it
		// here too would double-release and drive outstanding negative.
		callerBox.enqueueAnswer(answer)
		return nil, newStatus(KindSenderGone, "target vanished before enqueue")
	}

	if !wait {
		return nil, nil
	}

	answer, werr := callerBox.waitForAnswer(ctx, call.Correlation)
	if werr != nil {
		return nil, werr
	}
	callerBox.releaseQuota()
	return answer, nil
}

// synthesizeAnswer builds a kernel-generated answer for a call that will
// never reach its real target, carrying the given status kind in Retval.
func (d *Dispatcher) synthesizeAnswer(call *Call, kind Kind) *Call {
	call.answered = true
	call.Flags |= FlagAnswer
	call.Retval = int64(kind)
	return call
}

// WaitForCall blocks until either a new incoming call is available on box,
// or an answer to a previously sent async call is available, whichever
// comes first. ctx's deadline (if any) bounds the wait; a context with no
// deadline blocks indefinitely (the "infinite" timeout from spec.md section
// 4.2); a context already past its deadline polls once and returns
// EventTimeout immediately without blocking.
func (d *Dispatcher) WaitForCall(ctx context.Context, box *Answerbox) (*Call, EventKind, *Status) {
	call, isAnswer, err := box.waitForEvent(ctx)
	if err != nil {
		switch err.Kind {
		case KindTimeout:
			return nil, EventTimeout, err
		case KindCancelled:
			return nil, EventCancelled, err
		default:
			return nil, EventCancelled, err
		}
	}

	if isAnswer {
		box.releaseQuota()
		return call, EventAnswer, nil
	}

	call.owner = ownerDispatched
	if call.IsNotification() {
		return call, EventNotification, nil
	}
	return call, EventRequest, nil
}

// Answer marks call as answered and routes it back to its originator's
// answerbox, waking the originator if it is blocked in SendSync or
// WaitForCall.
func (d *Dispatcher) Answer(call *Call, retval int64, args ...uint64) *Status {
	if call.answered {
		return Errorf(KindInvalidHandle, "call already answered")
	}
	if call.originAnswerbox == nil {
		return Errorf(KindInvalidHandle, "call has no origin to answer")
	}

	call.answered = true
	call.Flags |= FlagAnswer
	call.Retval = retval
	for i := 0; i < len(args) && i < len(call.Args); i++ {
		call.Args[i] = args[i]
	}

	if call.PhoneOfOrigin != nil {
		call.PhoneOfOrigin.endSend()
	}
	call.originAnswerbox.enqueueAnswer(call)
	return nil
}

// Forward replaces call's method slot and re-enqueues it on target's
// answerbox, transferring the obligation to answer to target while leaving
// the original answer routing untouched, so forwarding is transparent to
// the caller (spec.md section 4.2). Forwarding an already-answered call is
// an error.
//
// Per DESIGN.md's resolution of the corresponding Open Question, forwarding
// across a hungup target is not surfaced as a distinct forward-failure: it
// synthesizes the same transparent sender-gone answer a direct send to a
// dead answerbox would produce.
func (d *Dispatcher) Forward(call *Call, target *Phone, newMethod uint64) *Status {
	if call.answered {
		return Errorf(KindInvalidHandle, "forward of already-answered call")
	}

	call.Method = newMethod
	call.Flags |= FlagForwarded

	ab := target.Target()
	var err *Status
	if ab == nil {
		err = newStatus(KindHungup, "forward target has no answerbox")
	} else {
		err = ab.enqueueIncoming(call)
	}

	if err != nil {
		d.synthesizeAnswer(call, KindSenderGone)
		if call.PhoneOfOrigin != nil {
			call.PhoneOfOrigin.endSend()
		}
		call.originAnswerbox.enqueueAnswer(call)
		return nil
	}

	return nil
}

// Poke enqueues a lightweight notification on phone's target answerbox so
// its next WaitForCall returns spuriously, even if otherwise idle. Multiple
// pokes queued before the peer next waits collapse to at most one spurious
// wake, per spec.md section 8's idempotence law: once one poke notification
// is pending and unconsumed, further pokes are no-ops.
func (d *Dispatcher) Poke(phone *Phone) *Status {
	target := phone.Target()
	if target == nil {
		return newStatus(KindHungup, "poke on unconnected phone")
	}
	if target.hasPendingPoke() {
		return nil
	}
	poke := &Call{Flags: FlagRequest | FlagNotification, Correlation: 0}
	poke.Method = methodPoke
	return target.enqueueIncoming(poke)
}

// methodPoke is the notification method id used to tag Poke-generated
// calls so a manager loop can tell them apart from a real hangup.
const methodPoke = ^uint64(0)

// Hangup moves phone to the terminal state and, if this is the first of
// possibly two simultaneous hangups, enqueues a synthetic hangup
// notification on the peer so it observes the disconnection even if idle
// (spec.md section 4.1).
func (d *Dispatcher) Hangup(phone *Phone) {
	target, shouldNotify := phone.hangup()
	if !shouldNotify || target == nil {
		return
	}

	notice := &Call{
		Flags:         FlagRequest | FlagNotification | FlagHangup,
		PhoneOfOrigin: phone,
	}
	// Best-effort: if the peer's answerbox is already gone there is no one
	// left to notify, which is fine — hangup convergence only promises
	// delivery while the peer is still alive to observe it.
	_ = target.enqueueIncoming(notice)
}

// DestroyTask tears down box: every phone connected to it is hung up (so
// peers observe the disconnection), and every call still sitting in its
// incoming queue is auto-answered with sender-gone so no caller blocks
// forever on a task that will never answer (spec.md section 3, "answerbox
// lifecycle").
func (d *Dispatcher) DestroyTask(box *Answerbox) {
	drained, phones := box.destroy()

	for _, p := range phones {
		p.forceHangup()
	}

	for _, call := range drained {
		d.synthesizeAnswer(call, KindSenderGone)
		if call.PhoneOfOrigin != nil {
			call.PhoneOfOrigin.endSend()
		}
		if call.originAnswerbox != nil {
			call.originAnswerbox.enqueueAnswer(call)
		}
	}
}

// PhoneAlloc reserves a phone in the PhoneFree state. Capability-table
// bookkeeping (which slot holds it) is captable's job; this just
// constructs the phone object itself.
func (d *Dispatcher) PhoneAlloc() *Phone { return newPhone() }

// PhoneConnect moves phone from PhoneFree to PhoneConnected, targeting ab.
func (d *Dispatcher) PhoneConnect(phone *Phone, ab *Answerbox) *Status {
	return phone.connect(ab)
}
