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

// Command ipcdemo wires up one in-process kernel simulation (a naming
// service, a pair of tasks, and the async/bulk subprotocols) and drives the
// register/connect/bulk-read round trip end to end, printing each step. It
// exists as a runnable demonstration of the packages under this module; the
// scenarios it walks through are exercised properly, with assertions, by
// the test suite alongside it.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/mkos-project/ipc/bulk"
	"github.com/mkos-project/ipc/captable"
	"github.com/mkos-project/ipc/ipc"
	"github.com/mkos-project/ipc/ns"
	"github.com/mkos-project/ipc/task"
)

var fDebug = flag.Bool("debug", false, "Enable debug logging.")
var fServiceID = flag.Int("service_id", 17, "Service id the demo server registers under.")

func main() {
	flag.Parse()

	var debugLogger *log.Logger
	if *fDebug {
		debugLogger = log.New(os.Stderr, "ipcdemo: ", 0)
	}
	errorLogger := log.New(os.Stderr, "ipcdemo: ", 0)

	if err := run(ns.ServiceID(*fServiceID), debugLogger, errorLogger); err != nil {
		log.Fatalf("run: %v", err)
	}
}

// run wires a naming service plus a server and a client task, registers the
// server under id, connects the client to it, and exercises one bulk
// data-read round trip, logging each step through debugLogger (nil
// suppresses debug output). errorLogger reports failures inside the server
// goroutine; every other failure is returned as run's error.
func run(id ns.ServiceID, debugLogger, errorLogger *log.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disp := ipc.NewDispatcher()
	registry := task.NewRegistry()

	nsServer := ns.New(disp, ns.Config{DebugLogger: debugLogger, ErrorLogger: errorLogger})
	go nsServer.Serve(ctx)

	server := registry.Spawn()
	if err := nsServer.InstallWellKnownPhone(server.Caps); err != nil {
		return err
	}
	serverNSPhone, err := server.Caps.Get(captable.NSHandle)
	if err != nil {
		return err
	}

	if serr := ns.Register(ctx, disp, server.Box, serverNSPhone, id, false); serr != nil {
		return serr
	}
	logf(debugLogger, "server registered under service id %d", id)

	payload := []byte("hello from the demo server")
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		call, kind, werr := disp.WaitForCall(ctx, server.Box)
		if werr != nil || kind != ipc.EventRequest {
			logf(errorLogger, "server: unexpected wait result kind=%v err=%v", kind, werr)
			return
		}
		connBox, aerr := ns.Accept(disp, call)
		if aerr != nil {
			logf(errorLogger, "server: accept: %v", aerr)
			return
		}
		logf(debugLogger, "server accepted a new connection")

		readCall, kind, werr := disp.WaitForCall(ctx, connBox)
		if werr != nil || kind != ipc.EventRequest {
			logf(errorLogger, "server: unexpected connection wait result kind=%v err=%v", kind, werr)
			return
		}
		if serr := bulk.ServeDataRead(disp, readCall, payload); serr != nil {
			logf(errorLogger, "server: ServeDataRead: %v", serr)
		}
	}()

	client := registry.Spawn()
	if err := nsServer.InstallWellKnownPhone(client.Caps); err != nil {
		return err
	}
	clientNSPhone, err := client.Caps.Get(captable.NSHandle)
	if err != nil {
		return err
	}

	handle, cerr := ns.ConnectToService(ctx, disp, client.Box, client.Caps, clientNSPhone, id)
	if cerr != nil {
		return cerr
	}
	logf(debugLogger, "client connected, handle %d", handle)

	connPhone, gerr := client.Caps.Get(handle)
	if gerr != nil {
		return gerr
	}

	dst := make([]byte, 4096)
	n, rerr := bulk.Read(ctx, disp, client.Box, connPhone, dst)
	if rerr != nil {
		return rerr
	}
	logf(debugLogger, "client read %d bytes: %q", n, dst[:n])

	<-serverDone
	server.Exit(disp, 0)
	client.Exit(disp, 0)
	return nil
}

func logf(logger *log.Logger, format string, args ...interface{}) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
