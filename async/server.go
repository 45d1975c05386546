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

package async

import (
	"context"
	"log"
	"sync"

	"github.com/mkos-project/ipc/ipc"
	"github.com/mkos-project/ipc/ns"
)

// ConnectHandler drives one accepted connection until it hangs up. It runs
// in its own goroutine, one per connection (spec.md section 4.5,
// "New-connection dispatch": "the manager fibril ... spawns a fresh
// fibril running the constructor; that fibril drives all subsequent calls
// on that connection until hangup").
type ConnectHandler func(ctx context.Context, connBox *ipc.Answerbox)

// Server is the manager fibril for a service registered with the naming
// service: it owns the answerbox the service registered (spec.md section
// 4.4), recognises connect-to-me-callback requests forwarded by ns, and
// spawns a fresh goroutine per new connection running the registered
// ConnectHandler.
type Server struct {
	disp *ipc.Dispatcher
	Box  *ipc.Answerbox

	debugLogger *log.Logger
	errorLogger *log.Logger

	mu        sync.Mutex
	onConnect ConnectHandler
}

// ServerConfig configures a Server's ambient logging.
type ServerConfig struct {
	DebugLogger *log.Logger
	ErrorLogger *log.Logger
}

// NewServer returns a Server reading requests from box.
func NewServer(disp *ipc.Dispatcher, box *ipc.Answerbox, cfg ServerConfig) *Server {
	return &Server{disp: disp, Box: box, debugLogger: cfg.DebugLogger, errorLogger: cfg.ErrorLogger}
}

// RegisterConnectHandler sets the constructor spawned for each new
// connection. It must be called before Serve starts accepting.
func (s *Server) RegisterConnectHandler(fn ConnectHandler) {
	s.mu.Lock()
	s.onConnect = fn
	s.mu.Unlock()
}

// Serve drives the manager fibril until ctx is done: connect-to-me-
// callback requests are accepted and dispatched to a fresh goroutine;
// other requests are handed to handleOther, if non-nil (a service that
// also takes ordinary requests directly on its registration answerbox,
// as opposed to per-connection answerboxes — unusual, but not
// disallowed). Answers and notifications that arrive on Box are consumed
// and discarded.
func (s *Server) Serve(ctx context.Context, handleOther func(call *ipc.Call)) {
	for {
		call, kind, err := s.disp.WaitForCall(ctx, s.Box)
		if err != nil {
			s.logf(s.debugLogger, "async: Serve exiting: %v", err)
			return
		}
		if kind != ipc.EventRequest {
			continue
		}

		if ns.Method(call.Method) == ns.MethodConnectToMeCallback {
			s.accept(ctx, call)
			continue
		}

		if handleOther != nil {
			handleOther(call)
		}
	}
}

func (s *Server) accept(ctx context.Context, call *ipc.Call) {
	connBox, err := ns.Accept(s.disp, call)
	if err != nil {
		s.logf(s.errorLogger, "async: accept: %v", err)
		return
	}

	s.mu.Lock()
	handler := s.onConnect
	s.mu.Unlock()
	if handler == nil {
		return
	}

	go handler(ctx, connBox)
}

func (s *Server) logf(logger *log.Logger, format string, args ...interface{}) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
