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

// Package abi is the syscall glue layer named in spec.md section 1 as a
// "thin integration ... specified only via the contracts it consumes": one
// method per ABI call, bound once per task to the ipc/captable/bulk/ns
// packages so that an external client (a category directory, a
// device-manager-style driver) gets a stable contract without pulling this
// module's internals into its own scope.
package abi

import (
	"context"

	"github.com/mkos-project/ipc/bulk"
	"github.com/mkos-project/ipc/captable"
	"github.com/mkos-project/ipc/ipc"
	"github.com/mkos-project/ipc/ns"
	"github.com/mkos-project/ipc/task"
)

// Syscalls is the full ABI surface a bound task exposes: register-only
// "fast" calls alongside "slow" calls that additionally move a bulk payload
// through the bulk subprotocol, matching how a real microkernel splits a
// cheap register-passing path from one that must also copy memory.
type Syscalls interface {
	// CallSyncFast sends method/args over the phone at handle and blocks for
	// the answer, with no payload beyond the five register-sized args.
	CallSyncFast(ctx context.Context, handle int, method uint64, args [5]uint64) (*ipc.Call, *ipc.Status)

	// CallSyncSlow is CallSyncFast plus a bulk.Write of payload before the
	// call and a bulk.Read of up to len(reply) bytes after it.
	CallSyncSlow(ctx context.Context, handle int, method uint64, payload []byte, reply []byte) (*ipc.Call, int, *ipc.Status)

	// CallAsyncFast sends method/args without blocking, returning the
	// correlation handle the eventual answer will carry.
	CallAsyncFast(handle int, method uint64, args [5]uint64) (uint64, *ipc.Status)

	// CallAsyncSlow is CallAsyncFast preceded by a bulk.Write of payload.
	CallAsyncSlow(ctx context.Context, handle int, method uint64, payload []byte) (uint64, *ipc.Status)

	// AnswerFast answers call with retval and up to five reply words.
	AnswerFast(call *ipc.Call, retval int64, args ...uint64) *ipc.Status

	// AnswerSlow serves payload as a data-read reply to call (spec.md
	// section 4's bulk subprotocol) rather than answering directly.
	AnswerSlow(call *ipc.Call, payload []byte) *ipc.Status

	// ForwardFast hands call to the phone at handle unchanged.
	ForwardFast(call *ipc.Call, handle int) *ipc.Status

	// ForwardSlow hands call to the phone at handle with its method
	// rewritten to newMethod (spec.md section 4.2's forward-with-rewrite
	// form, used by the naming service's connect-to-me-callback).
	ForwardSlow(call *ipc.Call, handle int, newMethod uint64) *ipc.Status

	// Wait blocks for the next event on this task's own answerbox.
	Wait(ctx context.Context) (*ipc.Call, ipc.EventKind, *ipc.Status)

	// Poke sends a zero-payload notification over the phone at handle.
	Poke(handle int) *ipc.Status

	// Hangup disconnects the phone at handle.
	Hangup(handle int) *ipc.Status

	// ConnectToMe resolves a naming-service ServiceID to a fresh connected
	// phone installed in this task's own capability table, returning its
	// handle.
	ConnectToMe(ctx context.Context, nsHandle int, id ns.ServiceID) (int, *ipc.Status)

	// Grant installs the phone at handle into dst's capability table (a
	// capability transfer outside the normal connect/reply path — e.g. a
	// device manager handing a driver phone to a freshly spawned driver
	// task), returning the destination handle.
	Grant(handle int, dst *captable.Table) (int, *ipc.Status)

	// Revoke frees handle in this task's own table. The underlying phone
	// must already be hungup (captable.Table.Free's own invariant).
	Revoke(handle int) *ipc.Status
}

// binding implements Syscalls for one task, bound once at task creation.
type binding struct {
	disp *ipc.Dispatcher
	t    *task.Task
}

// Bind returns the Syscalls implementation for t, backed by disp.
func Bind(disp *ipc.Dispatcher, t *task.Task) Syscalls {
	return &binding{disp: disp, t: t}
}

func (b *binding) phone(handle int) (*ipc.Phone, *ipc.Status) {
	return b.t.Caps.Get(handle)
}

func (b *binding) CallSyncFast(ctx context.Context, handle int, method uint64, args [5]uint64) (*ipc.Call, *ipc.Status) {
	phone, err := b.phone(handle)
	if err != nil {
		return nil, err
	}
	call := b.disp.NewCall()
	call.Method = method
	call.Args = args
	return b.disp.SendSync(ctx, b.t.Box, phone, call)
}

func (b *binding) CallSyncSlow(ctx context.Context, handle int, method uint64, payload []byte, reply []byte) (*ipc.Call, int, *ipc.Status) {
	phone, err := b.phone(handle)
	if err != nil {
		return nil, 0, err
	}

	var args [5]uint64
	if len(payload) > 0 {
		n, werr := bulk.Write(ctx, b.disp, b.t.Box, phone, payload)
		if werr != nil {
			return nil, 0, werr
		}
		args[0] = uint64(n)
	}

	call := b.disp.NewCall()
	call.Method = method
	call.Args = args
	answer, serr := b.disp.SendSync(ctx, b.t.Box, phone, call)
	if serr != nil {
		return nil, 0, serr
	}

	if len(reply) == 0 {
		return answer, 0, nil
	}
	n, rerr := bulk.Read(ctx, b.disp, b.t.Box, phone, reply)
	if rerr != nil {
		return answer, 0, rerr
	}
	return answer, n, nil
}

func (b *binding) CallAsyncFast(handle int, method uint64, args [5]uint64) (uint64, *ipc.Status) {
	phone, err := b.phone(handle)
	if err != nil {
		return 0, err
	}
	call := b.disp.NewCall()
	call.Method = method
	call.Args = args
	return b.disp.SendAsync(b.t.Box, phone, call)
}

func (b *binding) CallAsyncSlow(ctx context.Context, handle int, method uint64, payload []byte) (uint64, *ipc.Status) {
	phone, err := b.phone(handle)
	if err != nil {
		return 0, err
	}

	var args [5]uint64
	if len(payload) > 0 {
		n, werr := bulk.Write(ctx, b.disp, b.t.Box, phone, payload)
		if werr != nil {
			return 0, werr
		}
		args[0] = uint64(n)
	}

	call := b.disp.NewCall()
	call.Method = method
	call.Args = args
	return b.disp.SendAsync(b.t.Box, phone, call)
}

func (b *binding) AnswerFast(call *ipc.Call, retval int64, args ...uint64) *ipc.Status {
	return b.disp.Answer(call, retval, args...)
}

func (b *binding) AnswerSlow(call *ipc.Call, payload []byte) *ipc.Status {
	return bulk.ServeDataRead(b.disp, call, payload)
}

func (b *binding) ForwardFast(call *ipc.Call, handle int) *ipc.Status {
	phone, err := b.phone(handle)
	if err != nil {
		return err
	}
	return b.disp.Forward(call, phone, call.Method)
}

func (b *binding) ForwardSlow(call *ipc.Call, handle int, newMethod uint64) *ipc.Status {
	phone, err := b.phone(handle)
	if err != nil {
		return err
	}
	return b.disp.Forward(call, phone, newMethod)
}

func (b *binding) Wait(ctx context.Context) (*ipc.Call, ipc.EventKind, *ipc.Status) {
	return b.disp.WaitForCall(ctx, b.t.Box)
}

func (b *binding) Poke(handle int) *ipc.Status {
	phone, err := b.phone(handle)
	if err != nil {
		return err
	}
	return b.disp.Poke(phone)
}

func (b *binding) Hangup(handle int) *ipc.Status {
	phone, err := b.phone(handle)
	if err != nil {
		return err
	}
	b.disp.Hangup(phone)
	return nil
}

func (b *binding) ConnectToMe(ctx context.Context, nsHandle int, id ns.ServiceID) (int, *ipc.Status) {
	nsPhone, err := b.phone(nsHandle)
	if err != nil {
		return 0, err
	}
	return ns.ConnectToService(ctx, b.disp, b.t.Box, b.t.Caps, nsPhone, id)
}

func (b *binding) Grant(handle int, dst *captable.Table) (int, *ipc.Status) {
	phone, err := b.phone(handle)
	if err != nil {
		return 0, err
	}
	return captable.Transfer(dst, phone)
}

func (b *binding) Revoke(handle int) *ipc.Status {
	return b.t.Caps.Free(handle)
}
