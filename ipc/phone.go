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
	"sync"
	"sync/atomic"
)

// PhoneState is one of the four states a Phone may be in, per spec.md
// section 3.
type PhoneState int32

const (
	// PhoneFree means the capability-table slot backing this phone is
	// unused.
	PhoneFree PhoneState = iota

	// PhoneConnecting means the first call on this phone has been sent but
	// not yet answered.
	PhoneConnecting

	// PhoneConnected is the normal, usable state.
	PhoneConnected

	// PhoneHungup means one side has torn the phone down. Terminal.
	PhoneHungup
)

// Phone is a unidirectional capability referring to exactly one Answerbox.
// See spec.md section 3.
type Phone struct {
	mu sync.Mutex

	state  PhoneState
	target *Answerbox

	// backLink lets the target Answerbox find and revoke this phone in bulk
	// when it is destroyed (spec.md section 3, "answerbox ... set of phones
	// currently connected to it, for bulk hangup").
	backLink *Answerbox

	// inTransit counts requests sent but not yet answered on this phone.
	// Sends do not wait on it: per-phone FIFO follows from each answerbox's
	// single ordered incoming queue. Answer and the dispatcher's sender-gone
	// auto-answers decrement it.
	inTransit int64

	// hangupNotified is set the first time a hangup notification for this
	// phone is enqueued, so simultaneous hangups from both ends only
	// generate one notification (spec.md section 4.1 tie-break).
	hangupNotified int32
}

// newPhone returns a phone in the PhoneFree state.
func newPhone() *Phone {
	return &Phone{state: PhoneFree}
}

// State returns the phone's current state.
func (p *Phone) State() PhoneState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Target returns the answerbox this phone refers to, or nil if the phone is
// not connected.
func (p *Phone) Target() *Answerbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// connect moves PhoneFree to PhoneConnected, registering the phone with its
// target answerbox's phone set for bulk hangup. Fails with KindHungup if the
// answerbox is shutting down.
func (p *Phone) connect(target *Answerbox) *Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != PhoneFree {
		return Errorf(KindInvalidHandle, "phone_connect: not free")
	}
	if !target.addPhone(p) {
		return newStatus(KindHungup, "phone_connect: target answerbox shutting down")
	}

	p.state = PhoneConnected
	p.target = target
	p.backLink = target
	return nil
}

// hangup moves any non-terminal state to PhoneHungup and returns the target
// answerbox that should receive the synthetic hangup notification, along
// with whether this call is the one that should emit it (the tie-break for
// simultaneous hangups from both ends).
func (p *Phone) hangup() (target *Answerbox, shouldNotify bool) {
	p.mu.Lock()
	wasTerminal := p.state == PhoneHungup
	p.state = PhoneHungup
	target = p.target
	p.mu.Unlock()

	if wasTerminal {
		return target, false
	}
	if target != nil {
		target.removePhone(p)
	}
	shouldNotify = atomic.CompareAndSwapInt32(&p.hangupNotified, 0, 1)
	return target, shouldNotify
}

// forceHangup marks the phone terminal without attempting to notify its
// target, because the caller (Dispatcher.DestroyTask) is cleaning up
// exactly because that target answerbox has just been destroyed — there is
// no one left at that address to notify. The holder of this phone instead
// learns of the teardown the ordinary way: the next send fails with
// KindHungup, and any call already in flight over this phone is unblocked
// by the sender-gone auto-answers DestroyTask issues for the target's
// drained incoming queue.
func (p *Phone) forceHangup() {
	p.mu.Lock()
	p.state = PhoneHungup
	p.target = nil
	p.mu.Unlock()
}

// beginSend marks one more request in transit on this phone, failing if the
// phone is not usable for sending.
func (p *Phone) beginSend() *Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case PhoneHungup:
		return newStatus(KindHungup, "send on hungup phone")
	case PhoneFree:
		return newStatus(KindInvalidHandle, "send on unconnected phone")
	}

	atomic.AddInt64(&p.inTransit, 1)
	return nil
}

// endSend records that one in-transit request on this phone reached a
// terminal state (answered, or auto-answered with sender-gone).
func (p *Phone) endSend() {
	atomic.AddInt64(&p.inTransit, -1)
}

// InTransit returns the number of requests sent over this phone that have
// not yet been answered.
func (p *Phone) InTransit() int64 {
	return atomic.LoadInt64(&p.inTransit)
}
