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
	"github.com/mkos-project/ipc/ipc"
	"github.com/mkos-project/ipc/task"
)

// handlePing implements PING: an immediate, content-free liveness check.
func (s *Server) handlePing(call *ipc.Call) {
	s.answerStatus(call, ipc.KindNone)
}

// handleTaskIDIntro implements task-id-intro(id): a new task announces
// itself. The naming service has nothing further to do with the
// announcement itself (task.Registry already assigned the id); this
// exists so task-wait/task-retval below always have a naming-service call
// to hang their bookkeeping on, per spec.md section 4.4's operation table.
func (s *Server) handleTaskIDIntro(call *ipc.Call) {
	s.answerStatus(call, ipc.KindNone)
}

// handleRetval implements task-retval(value): the exiting task records its
// exit value, waking anyone already blocked in task-wait for it.
func (s *Server) handleRetval(call *ipc.Call) {
	id := task.ID(call.Args[0])
	retval := int64(call.Args[1])

	s.mu.Lock()
	s.taskExited[id] = retval
	waiters := s.taskWaiters[id]
	delete(s.taskWaiters, id)
	s.mu.Unlock()

	for _, w := range waiters {
		if err := s.disp.Answer(w, retval); err != nil {
			s.logf(s.errorLogger, "ns: answering task-wait for %d: %v", id, err)
		}
	}

	s.answerStatus(call, ipc.KindNone)
}

// handleTaskWait implements task-wait(id): block (by queuing) until id
// exits, then deliver its retval. If id has already exited, answer
// immediately — spec.md section 4.4's "processed on every event" rule
// applied to the degenerate case of an event that already happened.
func (s *Server) handleTaskWait(call *ipc.Call) {
	id := task.ID(call.Args[0])

	s.mu.Lock()
	retval, exited := s.taskExited[id]
	if !exited {
		s.taskWaiters[id] = append(s.taskWaiters[id], call)
	}
	s.mu.Unlock()

	if exited {
		if err := s.disp.Answer(call, retval); err != nil {
			s.logf(s.errorLogger, "ns: answering task-wait for %d: %v", id, err)
		}
	}
}
