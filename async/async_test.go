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

package async_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mkos-project/ipc/async"
	"github.com/mkos-project/ipc/captable"
	"github.com/mkos-project/ipc/ipc"
	"github.com/mkos-project/ipc/ns"
)

// TestExchangeSerializesAccessToPhone is the exchange-serialisation
// property (spec.md section 8, property 6): a second Begin on the same
// phone blocks until the first Exchange ends.
func TestExchangeSerializesAccessToPhone(t *testing.T) {
	disp := ipc.NewDispatcher()
	ab := ipc.NewAnswerbox()
	phone := disp.PhoneAlloc()
	if err := disp.PhoneConnect(phone, ab); err != nil {
		t.Fatalf("PhoneConnect: %v", err)
	}

	ex1, err := async.Begin(context.Background(), phone)
	if err != nil {
		t.Fatalf("Begin 1: %v", err)
	}

	secondAcquired := make(chan struct{})
	go func() {
		ex2, err := async.Begin(context.Background(), phone)
		if err != nil {
			t.Errorf("Begin 2: %v", err)
			return
		}
		close(secondAcquired)
		ex2.End()
	}()

	select {
	case <-secondAcquired:
		t.Fatalf("second Begin acquired the phone while the first Exchange was still open")
	case <-time.After(50 * time.Millisecond):
	}

	ex1.End()

	select {
	case <-secondAcquired:
	case <-time.After(time.Second):
		t.Fatalf("second Begin never acquired the phone after the first ended")
	}
}

func TestExchangeEndIsIdempotent(t *testing.T) {
	disp := ipc.NewDispatcher()
	ab := ipc.NewAnswerbox()
	phone := disp.PhoneAlloc()
	if err := disp.PhoneConnect(phone, ab); err != nil {
		t.Fatalf("PhoneConnect: %v", err)
	}

	ex, err := async.Begin(context.Background(), phone)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	ex.End()
	ex.End() // must not panic or double-release the semaphore

	if !ex.Ended() {
		t.Fatalf("Ended() = false after End()")
	}

	// A fresh Begin must succeed: the semaphore was released exactly once.
	ex2, err := async.Begin(context.Background(), phone)
	if err != nil {
		t.Fatalf("Begin after double End: %v", err)
	}
	ex2.End()
}

func TestSendAsyncFutureResolves(t *testing.T) {
	disp := ipc.NewDispatcher()
	clientBox := ipc.NewAnswerbox()
	serverBox := ipc.NewAnswerbox()
	phone := disp.PhoneAlloc()
	if err := disp.PhoneConnect(phone, serverBox); err != nil {
		t.Fatalf("PhoneConnect: %v", err)
	}

	client := async.NewClient(disp, clientBox)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx, nil)

	go func() {
		call, kind, err := disp.WaitForCall(context.Background(), serverBox)
		if err != nil || kind != ipc.EventRequest {
			t.Errorf("server WaitForCall: kind=%v err=%v", kind, err)
			return
		}
		if err := disp.Answer(call, 123); err != nil {
			t.Errorf("Answer: %v", err)
		}
	}()

	call := disp.NewCall()
	call.Method = 7
	future, err := client.SendAsync(phone, call)
	if err != nil {
		t.Fatalf("SendAsync: %v", err)
	}

	answer, werr := future.Wait(context.Background())
	if werr != nil {
		t.Fatalf("Future.Wait: %v", werr)
	}
	if answer.Retval != 123 {
		t.Fatalf("Retval = %d, want 123", answer.Retval)
	}
}

func TestRunCancellationFailsPendingFutures(t *testing.T) {
	disp := ipc.NewDispatcher()
	clientBox := ipc.NewAnswerbox()
	serverBox := ipc.NewAnswerbox()
	phone := disp.PhoneAlloc()
	if err := disp.PhoneConnect(phone, serverBox); err != nil {
		t.Fatalf("PhoneConnect: %v", err)
	}

	client := async.NewClient(disp, clientBox)
	ctx, cancel := context.WithCancel(context.Background())
	go client.Run(ctx, nil)

	call := disp.NewCall()
	call.Method = 9
	future, err := client.SendAsync(phone, call)
	if err != nil {
		t.Fatalf("SendAsync: %v", err)
	}

	cancel()

	_, werr := future.Wait(context.Background())
	if !errors.Is(werr, ipc.ErrCancelled) {
		t.Fatalf("err = %v, want cancelled", werr)
	}
}

// TestServerDispatchesNewConnection exercises "new-connection dispatch":
// a client connects via the naming service, async.Server's manager fibril
// recognises the forwarded connect-to-me-callback call, accepts it, and
// spawns the registered handler in its own goroutine, which then serves
// subsequent requests on the new connection.
func TestServerDispatchesNewConnection(t *testing.T) {
	disp := ipc.NewDispatcher()
	nsServer := ns.New(disp, ns.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go nsServer.Serve(ctx)

	serviceBox := ipc.NewAnswerbox()
	serviceTbl := captable.New()
	if err := nsServer.InstallWellKnownPhone(serviceTbl); err != nil {
		t.Fatalf("InstallWellKnownPhone: %v", err)
	}
	servicePhone, gerr := serviceTbl.Get(captable.NSHandle)
	if gerr != nil {
		t.Fatalf("Get(NSHandle): %v", gerr)
	}

	handled := make(chan uint64, 1)
	asyncServer := async.NewServer(disp, serviceBox, async.ServerConfig{})
	asyncServer.RegisterConnectHandler(func(ctx context.Context, connBox *ipc.Answerbox) {
		call, kind, err := disp.WaitForCall(ctx, connBox)
		if err != nil || kind != ipc.EventRequest {
			return
		}
		handled <- call.Method
		_ = disp.Answer(call, 0)
	})

	// Register's answer arrives on serviceBox, so Serve starts only after
	// Register has collected it.
	if err := ns.Register(context.Background(), disp, serviceBox, servicePhone, 55, false); err != nil {
		t.Fatalf("Register: %v", err)
	}
	go asyncServer.Serve(ctx, nil)

	clientBox := ipc.NewAnswerbox()
	clientTbl := captable.New()
	if err := nsServer.InstallWellKnownPhone(clientTbl); err != nil {
		t.Fatalf("InstallWellKnownPhone (client): %v", err)
	}
	clientNSPhone, gerr := clientTbl.Get(captable.NSHandle)
	if gerr != nil {
		t.Fatalf("Get(NSHandle) client: %v", gerr)
	}

	handle, cerr := ns.ConnectToService(context.Background(), disp, clientBox, clientTbl, clientNSPhone, 55)
	if cerr != nil {
		t.Fatalf("ConnectToService: %v", cerr)
	}

	connPhone, gerr := clientTbl.Get(handle)
	if gerr != nil {
		t.Fatalf("Get(handle): %v", gerr)
	}

	req := disp.NewCall()
	req.Method = 4242
	if _, err := disp.SendSync(context.Background(), clientBox, connPhone, req); err != nil {
		t.Fatalf("SendSync: %v", err)
	}

	select {
	case method := <-handled:
		if method != 4242 {
			t.Fatalf("handler saw method %d, want 4242", method)
		}
	case <-time.After(time.Second):
		t.Fatalf("connection handler never ran")
	}
}
