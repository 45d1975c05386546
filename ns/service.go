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

package ns

import (
	"sync"

	"github.com/mkos-project/ipc/ipc"
)

// pendingConn ferries the freshly-minted per-connection phone a service
// handler produces back to the client's ConnectToService call, keyed by
// that call's correlation handle. Like bulk's pending-buffer registry,
// this stands in for what a real kernel does inline (cap_transfer) because
// Call only carries scalar payload words, not arbitrary Go values.
var pendingConn sync.Map // map[uint64]*ipc.Phone

// handleRegister implements register-service(id, phone) (spec.md section
// 4.4). The "phone" half is not a call argument: it is built from
// call.CallerBox(), the registering server's own answerbox, exactly the
// connect-to-me-callback trick spec.md section 6 names for this purpose.
func (s *Server) handleRegister(call *ipc.Call) {
	id := ServiceID(call.Args[0])
	clonable := call.Args[1] != 0

	phone := s.disp.PhoneAlloc()
	if err := s.disp.PhoneConnect(phone, call.CallerBox()); err != nil {
		s.answerStatus(call, err.Kind)
		return
	}

	s.mu.Lock()
	if clonable {
		s.clonablePending[id] = append(s.clonablePending[id], registration{phone: phone})
		s.mu.Unlock()
		s.drainConnectWaiting(id)
		s.answerStatus(call, ipc.KindNone)
		return
	}

	if _, exists := s.registered[id]; exists {
		s.mu.Unlock()
		s.answerStatus(call, ipc.KindAlreadyExists)
		return
	}
	s.registered[id] = phone
	s.mu.Unlock()

	s.drainConnectWaiting(id)
	s.answerStatus(call, ipc.KindNone)
}

// drainConnectWaiting forwards every client connect request already queued
// for id to servers that have since registered. Called after every
// registration, per spec.md section 4.4's re-scan-on-every-event rule.
func (s *Server) drainConnectWaiting(id ServiceID) {
	for {
		s.mu.Lock()
		waiters := s.connectWaiting[id]
		if len(waiters) == 0 {
			s.mu.Unlock()
			return
		}
		target, ok := s.pickServerLocked(id)
		if !ok {
			s.mu.Unlock()
			return
		}
		call := waiters[0]
		s.connectWaiting[id] = waiters[1:]
		s.mu.Unlock()

		s.forwardConnect(call, target)
	}
}

// pickServerLocked returns a phone able to serve one more connection to
// id: the registered non-clonable server, or the oldest queued clonable
// registration (consumed on return). Must be called with s.mu held.
func (s *Server) pickServerLocked(id ServiceID) (*ipc.Phone, bool) {
	if p, ok := s.registered[id]; ok {
		return p, true
	}
	if regs := s.clonablePending[id]; len(regs) > 0 {
		s.clonablePending[id] = regs[1:]
		return regs[0].phone, true
	}
	return nil, false
}

// handleConnectToService implements connect-to-service(id) (spec.md
// section 4.4): forward to an available server, transparently to the
// client (spec.md section 4.2, property 4 / scenario S4), or queue the
// request if none is available yet.
func (s *Server) handleConnectToService(call *ipc.Call) {
	id := ServiceID(call.Args[0])

	s.mu.Lock()
	target, ok := s.pickServerLocked(id)
	if !ok {
		s.connectWaiting[id] = append(s.connectWaiting[id], call)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.forwardConnect(call, target)
}

// forwardConnect hands call to target as a connect-to-me-callback request.
// Forwarding is transparent: the client's original SendSync is answered by
// target directly via the normal Answer path, never by this Server.
func (s *Server) forwardConnect(call *ipc.Call, target *ipc.Phone) {
	if err := s.disp.Forward(call, target, uint64(MethodConnectToMeCallback)); err != nil {
		s.answerStatus(call, err.Kind)
	}
}

// Accept is called by a service's own request loop when it pops a forwarded
// MethodConnectToMeCallback call off its answerbox: it builds a fresh
// per-connection answerbox/phone pair, hands the phone to the connecting
// client via the pendingConn registry, and answers with success so the
// client's ConnectToService returns.
func Accept(disp *ipc.Dispatcher, call *ipc.Call) (*ipc.Answerbox, *ipc.Status) {
	connBox := ipc.NewAnswerbox()
	phone := disp.PhoneAlloc()
	if err := disp.PhoneConnect(phone, connBox); err != nil {
		return nil, err
	}

	pendingConn.Store(call.Correlation, phone)
	if err := disp.Answer(call, int64(ipc.KindNone)); err != nil {
		pendingConn.Delete(call.Correlation)
		return nil, err
	}
	return connBox, nil
}

func (s *Server) answerStatus(call *ipc.Call, kind ipc.Kind) {
	if err := s.disp.Answer(call, int64(kind)); err != nil {
		s.logf(s.errorLogger, "ns: answering call %d: %v", call.Correlation, err)
	}
}
