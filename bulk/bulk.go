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

// Package bulk implements the data-read/data-write subprotocol (spec.md
// section 4.6): a request call coupled to one out-of-band copy between
// tasks. There is no real cross-process page table here, so the "kernel
// mediated copy" is a plain copy() between caller-visible []byte values;
// what survives from the kernel's contract is the coupling (one call, one
// transfer, no orphans) and the ordering guarantee (the copy is complete
// before the answer is enqueued, so it's always observable to the caller
// by the time the call returns).
//
// This mirrors internal/buffer's OutMessage/InMessage pairing: a header
// (here, the Call) glued to a payload segment grown or copied in one place
// immediately before the message becomes visible to its reader.
package bulk

import (
	"context"
	"sync"

	"github.com/mkos-project/ipc/ipc"
)

// Method numbers below the reserved cutoff (spec.md section 6) that this
// package claims for itself.
const (
	MethodDataRead  uint64 = 1
	MethodDataWrite uint64 = 2
)

// MaxTransferSize is the per-transfer size limit spec.md section 4.6
// requires the kernel to enforce. The 4 MiB value is chosen here; nothing
// in spec.md names one.
const MaxTransferSize = 4 << 20 // 4 MiB

// bulkAnswerMarker distinguishes a real ServeDataRead/ServeDataWrite answer
// (Args[0] holds this marker) from one of the dispatcher's own synthesized
// answers (sender-gone, etc.), whose Retval instead directly encodes an
// ipc.Kind per Dispatcher.synthesizeAnswer. Without this marker a transfer
// of exactly as many bytes as some Kind's numeric value would be
// indistinguishable from that failure.
const bulkAnswerMarker = 0xb07c0de

var (
	pendingMu sync.Mutex
	pending   = make(map[uint64][]byte)
)

func registerBuffer(correlation uint64, buf []byte) {
	pendingMu.Lock()
	pending[correlation] = buf
	pendingMu.Unlock()
}

func takeBuffer(correlation uint64) ([]byte, bool) {
	pendingMu.Lock()
	defer pendingMu.Unlock()
	buf, ok := pending[correlation]
	if ok {
		delete(pending, correlation)
	}
	return buf, ok
}

// Read issues a data-read request over phone and blocks until the server
// has copied into dst and answered, returning the number of bytes actually
// written (which may be less than len(dst)).
func Read(ctx context.Context, disp *ipc.Dispatcher, callerBox *ipc.Answerbox, phone *ipc.Phone, dst []byte) (int, *ipc.Status) {
	return transfer(ctx, disp, callerBox, phone, MethodDataRead, dst)
}

// Write issues a data-write request over phone, handing src to the server
// to copy from, and blocks until it has done so and answered.
func Write(ctx context.Context, disp *ipc.Dispatcher, callerBox *ipc.Answerbox, phone *ipc.Phone, src []byte) (int, *ipc.Status) {
	return transfer(ctx, disp, callerBox, phone, MethodDataWrite, src)
}

func transfer(ctx context.Context, disp *ipc.Dispatcher, callerBox *ipc.Answerbox, phone *ipc.Phone, method uint64, buf []byte) (int, *ipc.Status) {
	if len(buf) > MaxTransferSize {
		return 0, ipc.Errorf(ipc.KindBadSize, "transfer of %d bytes exceeds MaxTransferSize (%d)", len(buf), MaxTransferSize)
	}

	call := disp.NewCall()
	call.Method = method
	call.Args[0] = uint64(len(buf))

	registerBuffer(call.Correlation, buf)
	answer, err := disp.SendSync(ctx, callerBox, phone, call)
	takeBuffer(call.Correlation) // no-op if the server already consumed it

	if err != nil {
		return 0, err
	}
	return decodeAnswer(answer)
}

func decodeAnswer(answer *ipc.Call) (int, *ipc.Status) {
	if answer.Args[0] != bulkAnswerMarker {
		return 0, &ipc.Status{Kind: ipc.Kind(answer.Retval)}
	}
	if answer.Retval < 0 {
		return 0, &ipc.Status{Kind: ipc.Kind(answer.Args[1])}
	}
	return int(answer.Retval), nil
}

// ServeDataRead implements the server side of a data-read request: it
// copies from src (the server's own data) into the buffer the client
// registered for call, then answers with the number of bytes copied. It
// must be called with call freshly popped off the server's answerbox via
// Dispatcher.WaitForCall and call.Method == MethodDataRead.
func ServeDataRead(disp *ipc.Dispatcher, call *ipc.Call, src []byte) *ipc.Status {
	dst, ok := takeBuffer(call.Correlation)
	if !ok {
		return disp.Answer(call, -1, bulkAnswerMarker, uint64(ipc.KindInvalidHandle))
	}

	n := len(src)
	if requested := int(call.Args[0]); requested < n {
		n = requested
	}
	if len(dst) < n {
		n = len(dst)
	}
	copy(dst, src[:n])

	return disp.Answer(call, int64(n), bulkAnswerMarker)
}

// ServeDataWrite implements the server side of a data-write request: it
// copies from the buffer the client registered for call into dst (the
// server's own data), then answers with the number of bytes copied.
func ServeDataWrite(disp *ipc.Dispatcher, call *ipc.Call, dst []byte) *ipc.Status {
	src, ok := takeBuffer(call.Correlation)
	if !ok {
		return disp.Answer(call, -1, bulkAnswerMarker, uint64(ipc.KindInvalidHandle))
	}

	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}
	copy(dst, src[:n])

	return disp.Answer(call, int64(n), bulkAnswerMarker)
}
