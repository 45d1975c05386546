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
	"sync"

	"github.com/mkos-project/ipc/ipc"
)

// Client runs the manager fibril for one task's async sends: a single
// goroutine that owns WaitForCall on the task's answerbox and, upon
// receipt of an answer, correlates it to a pending Future and wakes
// whichever fibril is waiting on it (spec.md section 4.5, "Async send").
type Client struct {
	disp *ipc.Dispatcher
	Box  *ipc.Answerbox

	mu      sync.Mutex
	pending map[uint64]chan asyncResult
}

type asyncResult struct {
	call *ipc.Call
	err  *ipc.Status
}

// Future is a handle to an async send's eventual answer.
type Future struct {
	correlation uint64
	ch          chan asyncResult
}

// Correlation returns the handle this future's answer is matched against —
// the same value spec.md section 4.5 calls "the call's handle assigned at
// send time."
func (f *Future) Correlation() uint64 { return f.correlation }

// Wait blocks until the answer arrives or ctx is done.
func (f *Future) Wait(ctx context.Context) (*ipc.Call, *ipc.Status) {
	select {
	case r := <-f.ch:
		return r.call, r.err
	case <-ctx.Done():
		return nil, ipc.Errorf(ipc.KindCancelled, "future wait: %v", ctx.Err())
	}
}

// NewClient returns a Client whose manager fibril is Run, not yet started.
func NewClient(disp *ipc.Dispatcher, box *ipc.Answerbox) *Client {
	return &Client{disp: disp, Box: box, pending: make(map[uint64]chan asyncResult)}
}

// SendAsync sends call over phone and returns immediately with a Future for
// its eventual answer (spec.md section 4.5). The manager fibril (Run) must
// be running concurrently for the future to ever resolve.
func (c *Client) SendAsync(phone *ipc.Phone, call *ipc.Call) (*Future, *ipc.Status) {
	ch := make(chan asyncResult, 1)

	c.mu.Lock()
	c.pending[call.Correlation] = ch
	c.mu.Unlock()

	if _, err := c.disp.SendAsync(c.Box, phone, call); err != nil {
		c.mu.Lock()
		delete(c.pending, call.Correlation)
		c.mu.Unlock()
		return nil, err
	}

	return &Future{correlation: call.Correlation, ch: ch}, nil
}

// RequestHandler processes an incoming request call. It must answer or
// forward the call before returning (or hand it off to code that will).
type RequestHandler func(call *ipc.Call)

// Run drives the manager fibril: it loops on WaitForCall, routing answers
// to their Future and incoming requests to handleRequest, until ctx is
// done. handleRequest may be nil if this client never receives requests
// (a pure caller).
func (c *Client) Run(ctx context.Context, handleRequest RequestHandler) {
	for {
		call, kind, err := c.disp.WaitForCall(ctx, c.Box)
		if err != nil {
			c.failAllPending(err)
			return
		}

		switch kind {
		case ipc.EventAnswer:
			c.mu.Lock()
			ch, ok := c.pending[call.Correlation]
			delete(c.pending, call.Correlation)
			c.mu.Unlock()
			if ok {
				ch <- asyncResult{call: call}
			}
		case ipc.EventRequest, ipc.EventNotification:
			if handleRequest != nil {
				handleRequest(call)
			}
		}
	}
}

// failAllPending delivers err to every Future still waiting, so task exit
// (spec.md section 4.5, "Cancellation") never leaves a fibril blocked
// forever.
func (c *Client) failAllPending(err *ipc.Status) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan asyncResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- asyncResult{err: err}
	}
}
