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

// Package ns implements the naming service (spec.md section 4.4): the one
// distinguished task whose phone is pre-installed at handle 0 in every
// other task. It bootstraps connections between otherwise-unrelated tasks
// (service registration and connect-to-service) and tracks task lifecycle
// (task-id-intro, retval collection, task-wait).
//
// Modeled as one manager goroutine reading its own ipc.Answerbox through
// Dispatcher.WaitForCall in a loop, the way server.go's Serve reads and
// type-switches on incoming fuse requests.
package ns

import (
	"context"
	"log"
	"sync"

	"github.com/mkos-project/ipc/captable"
	"github.com/mkos-project/ipc/ipc"
	"github.com/mkos-project/ipc/task"
)

// Method is one of the fixed numeric methods the naming-service protocol
// recognises in payload slot 0 (spec.md section 6).
type Method uint64

const (
	MethodRegister Method = 100 + iota
	MethodConnectToService
	MethodConnectToMeCallback
	MethodPing
	MethodTaskWait
	MethodTaskIDIntro
	MethodRetval
)

// ServiceID is a member of the closed service-id enumeration spec.md
// section 6 names: "file-system, logger, location, device-manager,
// networking, etc." Typed here (rather than left as a raw int) so
// connect-to-service call sites are checked at compile time; this adds no
// functionality beyond what section 6 already lists.
type ServiceID int

const (
	ServiceVFS ServiceID = iota + 1
	ServiceLoader
	ServiceLogger
	ServiceLocation
	ServiceDeviceManager
	ServiceNet
)

// Config configures a Server's ambient logging, mirroring the teacher's
// debugLogger/errorLogger gated-pair idiom (debug.go).
type Config struct {
	DebugLogger *log.Logger
	ErrorLogger *log.Logger

	// Capacity bounds the naming service's own answerbox quota. Zero means
	// ipc.DefaultQuota.
	Capacity int64
}

// registration is one clonable server instance waiting to serve its first
// (and only) client.
type registration struct {
	phone *ipc.Phone
}

// Server is the naming service. One Server instance corresponds to one
// running NS task; NSHandle (captable.NSHandle) is pre-installed in every
// other task's capability table pointing at it.
type Server struct {
	disp *ipc.Dispatcher
	Box  *ipc.Answerbox

	debugLogger *log.Logger
	errorLogger *log.Logger

	mu sync.Mutex

	// registered holds the single phone for a non-clonable service id.
	registered map[ServiceID]*ipc.Phone

	// clonablePending holds server phones registered for a clonable id but
	// not yet claimed by a client; connectWaiting holds the mirror image,
	// client connect requests queued because no clonable registration was
	// available yet. At most one of the two is ever non-empty for a given
	// id at rest (spec.md section 4.4, "pending-connection/pending-wait
	// queues must be processed on every event").
	clonablePending map[ServiceID][]registration
	connectWaiting  map[ServiceID][]*ipc.Call

	taskExited  map[task.ID]int64
	taskWaiters map[task.ID][]*ipc.Call
}

// New returns a naming service ready to Serve. disp is the dispatcher every
// task in the system shares.
func New(disp *ipc.Dispatcher, cfg Config) *Server {
	s := &Server{
		disp:            disp,
		Box:             ipc.NewAnswerboxWithQuota(quotaOrDefault(cfg.Capacity)),
		debugLogger:     cfg.DebugLogger,
		errorLogger:     cfg.ErrorLogger,
		registered:      make(map[ServiceID]*ipc.Phone),
		clonablePending: make(map[ServiceID][]registration),
		connectWaiting:  make(map[ServiceID][]*ipc.Call),
		taskExited:      make(map[task.ID]int64),
		taskWaiters:     make(map[task.ID][]*ipc.Call),
	}
	return s
}

func quotaOrDefault(capacity int64) int64 {
	if capacity <= 0 {
		return ipc.DefaultQuota
	}
	return capacity
}

// InstallWellKnownPhone connects a phone targeting the naming service into
// tbl at captable.NSHandle, the slot every task has pre-installed at
// creation (spec.md section 4.4).
func (s *Server) InstallWellKnownPhone(tbl *captable.Table) *ipc.Status {
	phone := s.disp.PhoneAlloc()
	if err := s.disp.PhoneConnect(phone, s.Box); err != nil {
		return err
	}
	return tbl.Reserve(captable.NSHandle, phone)
}

func (s *Server) logf(logger *log.Logger, format string, args ...interface{}) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

// Serve runs the naming service's manager loop until ctx is done. It is
// meant to be run in its own goroutine, one per Server.
func (s *Server) Serve(ctx context.Context) {
	for {
		call, kind, err := s.disp.WaitForCall(ctx, s.Box)
		if err != nil {
			s.logf(s.debugLogger, "ns: Serve exiting: %v", err)
			return
		}
		if kind != ipc.EventRequest {
			continue
		}
		s.dispatch(call)
	}
}

func (s *Server) dispatch(call *ipc.Call) {
	switch Method(call.Method) {
	case MethodRegister:
		s.handleRegister(call)
	case MethodConnectToService:
		s.handleConnectToService(call)
	case MethodPing:
		s.handlePing(call)
	case MethodTaskIDIntro:
		s.handleTaskIDIntro(call)
	case MethodRetval:
		s.handleRetval(call)
	case MethodTaskWait:
		s.handleTaskWait(call)
	default:
		if err := s.disp.Answer(call, int64(ipc.KindInvalidHandle)); err != nil {
			s.logf(s.errorLogger, "ns: answering unknown method %d: %v", call.Method, err)
		}
	}
}
