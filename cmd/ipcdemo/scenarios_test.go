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

package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/mkos-project/ipc/bulk"
	"github.com/mkos-project/ipc/captable"
	"github.com/mkos-project/ipc/ipc"
	"github.com/mkos-project/ipc/ns"
	"github.com/mkos-project/ipc/task"
	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
)

func TestScenarios(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

const demoServiceID ns.ServiceID = 17

// ScenariosTest wires up one dispatcher and one naming service shared by
// every scenario, walking the six end-to-end behaviours spec.md section 8
// names (S1 through S6).
type ScenariosTest struct {
	disp     *ipc.Dispatcher
	ns       *ns.Server
	registry *task.Registry
	ctx      context.Context
	cancel   context.CancelFunc
}

func init() { RegisterTestSuite(&ScenariosTest{}) }

var _ SetUpInterface = &ScenariosTest{}
var _ TearDownInterface = &ScenariosTest{}

func (t *ScenariosTest) SetUp(ti *TestInfo) {
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.disp = ipc.NewDispatcher()
	t.ns = ns.New(t.disp, ns.Config{})
	t.registry = task.NewRegistry()
	go t.ns.Serve(t.ctx)
}

func (t *ScenariosTest) TearDown() {
	t.cancel()
}

func (t *ScenariosTest) newTaskWithNS() *task.Task {
	tsk := t.registry.Spawn()
	AssertEq(nil, t.ns.InstallWellKnownPhone(tsk.Caps))
	return tsk
}

func (t *ScenariosTest) nsPhone(tsk *task.Task) *ipc.Phone {
	phone, err := tsk.Caps.Get(captable.NSHandle)
	AssertEq(nil, err)
	return phone
}

////////////////////////////////////////////////////////////////////////
// Test functions
////////////////////////////////////////////////////////////////////////

// RegisterAndConnect is S1: server registers under 17, client connects,
// server's first wait_for_call returns the connect call, and the first
// subsequent send on the new handle reaches the server.
func (t *ScenariosTest) RegisterAndConnect() {
	server := t.newTaskWithNS()
	AssertEq(nil, ns.Register(t.ctx, t.disp, server.Box, t.nsPhone(server), demoServiceID, false))

	client := t.newTaskWithNS()

	type connectResult struct {
		handle int
		err    *ipc.Status
	}
	connected := make(chan connectResult, 1)
	go func() {
		handle, err := ns.ConnectToService(t.ctx, t.disp, client.Box, client.Caps, t.nsPhone(client), demoServiceID)
		connected <- connectResult{handle, err}
	}()

	call, kind, werr := t.disp.WaitForCall(t.ctx, server.Box)
	AssertEq(nil, werr)
	AssertEq(ipc.EventRequest, kind)

	connBox, aerr := ns.Accept(t.disp, call)
	AssertEq(nil, aerr)

	var res connectResult
	select {
	case res = <-connected:
	case <-time.After(time.Second):
		AssertTrue(false, "client never observed a connect answer")
	}
	AssertEq(nil, res.err)
	ExpectTrue(res.handle >= 1)

	connPhone, gerr := client.Caps.Get(res.handle)
	AssertEq(nil, gerr)

	req := t.disp.NewCall()
	req.Method = 55
	go func() { t.disp.SendSync(t.ctx, client.Box, connPhone, req) }()

	first, kind, werr := t.disp.WaitForCall(t.ctx, connBox)
	AssertEq(nil, werr)
	AssertEq(ipc.EventRequest, kind)
	ExpectEq(uint64(55), first.Method)
}

// FIFO is S2: async-sent requests with payloads 1..5 arrive at the server
// in the order they were sent, regardless of answer timing.
func (t *ScenariosTest) FIFO() {
	serverBox := ipc.NewAnswerbox()
	clientBox := ipc.NewAnswerbox()
	phone := t.disp.PhoneAlloc()
	AssertEq(nil, t.disp.PhoneConnect(phone, serverBox))

	for i := uint64(1); i <= 5; i++ {
		call := t.disp.NewCall()
		call.Args[0] = i
		_, err := t.disp.SendAsync(clientBox, phone, call)
		AssertEq(nil, err)
	}

	var seen []uint64
	for i := 0; i < 5; i++ {
		call, kind, err := t.disp.WaitForCall(t.ctx, serverBox)
		AssertEq(nil, err)
		AssertEq(ipc.EventRequest, kind)
		seen = append(seen, call.Args[0])
		AssertEq(nil, t.disp.Answer(call, 0))
	}

	ExpectThat(seen, ElementsAre(uint64(1), uint64(2), uint64(3), uint64(4), uint64(5)))
}

// Hangup is S3: the server's next wait_for_call after the client hangs up
// returns a hangup notification for the same phone.
func (t *ScenariosTest) Hangup() {
	serverBox := ipc.NewAnswerbox()
	phone := t.disp.PhoneAlloc()
	AssertEq(nil, t.disp.PhoneConnect(phone, serverBox))

	t.disp.Hangup(phone)

	call, kind, err := t.disp.WaitForCall(t.ctx, serverBox)
	AssertEq(nil, err)
	AssertEq(ipc.EventNotification, kind)
	ExpectTrue(call.IsHangup())
}

// Forward is S4: the naming service forwards CONNECT_TO_SERVICE to the
// registered server transparently; the client's original connect call
// resolves exactly as if the naming service had answered directly.
func (t *ScenariosTest) Forward() {
	const id ns.ServiceID = 42

	server := t.newTaskWithNS()
	AssertEq(nil, ns.Register(t.ctx, t.disp, server.Box, t.nsPhone(server), id, false))

	client := t.newTaskWithNS()

	done := make(chan *ipc.Status, 1)
	resultHandle := make(chan int, 1)
	go func() {
		handle, err := ns.ConnectToService(t.ctx, t.disp, client.Box, client.Caps, t.nsPhone(client), id)
		resultHandle <- handle
		done <- err
	}()

	call, kind, werr := t.disp.WaitForCall(t.ctx, server.Box)
	AssertEq(nil, werr)
	AssertEq(ipc.EventRequest, kind)
	AssertEq(ns.MethodConnectToMeCallback, ns.Method(call.Method))

	_, aerr := ns.Accept(t.disp, call)
	AssertEq(nil, aerr)

	AssertEq(nil, <-done)
	ExpectTrue(<-resultHandle >= 1)
}

// BulkRead is S5: the client requests 4096 bytes, the server has 1234 to
// give, and the client observes exactly 1234 bytes with an OK status.
func (t *ScenariosTest) BulkRead() {
	serverBox := ipc.NewAnswerbox()
	clientBox := ipc.NewAnswerbox()
	phone := t.disp.PhoneAlloc()
	AssertEq(nil, t.disp.PhoneConnect(phone, serverBox))

	serverData := make([]byte, 1234)
	for i := range serverData {
		serverData[i] = byte(i)
	}

	go func() {
		call, kind, werr := t.disp.WaitForCall(t.ctx, serverBox)
		if werr != nil || kind != ipc.EventRequest {
			return
		}
		bulk.ServeDataRead(t.disp, call, serverData)
	}()

	dst := make([]byte, 4096)
	n, err := bulk.Read(t.ctx, t.disp, clientBox, phone, dst)
	AssertEq(nil, err)
	ExpectEq(1234, n)
	ExpectTrue(bytes.Equal(dst[:n], serverData))
}

// SenderGone is S6: the client sends async then exits; the server's
// wait_for_call still yields the already-enqueued request, the server
// answers it, and the kernel discards the answer silently with no leak.
func (t *ScenariosTest) SenderGone() {
	serverBox := ipc.NewAnswerbox()
	client := t.registry.Spawn()
	phone := t.disp.PhoneAlloc()
	AssertEq(nil, t.disp.PhoneConnect(phone, serverBox))

	call := t.disp.NewCall()
	call.Args[0] = 99
	_, err := t.disp.SendAsync(client.Box, phone, call)
	AssertEq(nil, err)

	client.Exit(t.disp, 0)

	req, kind, werr := t.disp.WaitForCall(t.ctx, serverBox)
	AssertEq(nil, werr)
	AssertEq(ipc.EventRequest, kind)
	ExpectEq(uint64(99), req.Args[0])

	// The client is gone; answering must not panic or block, and the
	// answer is simply dropped rather than delivered anywhere.
	AssertEq(nil, t.disp.Answer(req, 0))
}
