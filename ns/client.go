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
	"context"

	"github.com/mkos-project/ipc/captable"
	"github.com/mkos-project/ipc/ipc"
	"github.com/mkos-project/ipc/task"
)

// Register announces callerBox as the answerbox of the server for id over
// nsPhone (handle 0 in a normal task's capability table). If clonable is
// true, every future connection gets a fresh registration consumed
// exactly once; register again after each connection to keep serving more
// clients.
func Register(ctx context.Context, disp *ipc.Dispatcher, callerBox *ipc.Answerbox, nsPhone *ipc.Phone, id ServiceID, clonable bool) *ipc.Status {
	call := disp.NewCall()
	call.Method = uint64(MethodRegister)
	call.Args[0] = uint64(id)
	if clonable {
		call.Args[1] = 1
	}

	answer, err := disp.SendSync(ctx, callerBox, nsPhone, call)
	if err != nil {
		return err
	}
	return statusFromAnswer(answer)
}

// ConnectToService requests a connection to service id, installs the
// resulting phone into callerTable, and returns its handle. Forwarding
// through the naming service is transparent: from this function's
// perspective it looks exactly like the naming service answered directly
// (spec.md section 4.2, section 8 property 4).
func ConnectToService(ctx context.Context, disp *ipc.Dispatcher, callerBox *ipc.Answerbox, callerTable *captable.Table, nsPhone *ipc.Phone, id ServiceID) (int, *ipc.Status) {
	call := disp.NewCall()
	call.Method = uint64(MethodConnectToService)
	call.Args[0] = uint64(id)
	correlation := call.Correlation

	answer, err := disp.SendSync(ctx, callerBox, nsPhone, call)
	if err != nil {
		return 0, err
	}
	if serr := statusFromAnswer(answer); serr != nil {
		return 0, serr
	}

	v, ok := pendingConn.LoadAndDelete(correlation)
	if !ok {
		return 0, ipc.Errorf(ipc.KindInvalidHandle, "connect-to-service: server accepted but produced no phone")
	}
	return callerTable.Alloc(v.(*ipc.Phone))
}

// Ping performs a content-free liveness check against the naming service.
func Ping(ctx context.Context, disp *ipc.Dispatcher, callerBox *ipc.Answerbox, nsPhone *ipc.Phone) *ipc.Status {
	call := disp.NewCall()
	call.Method = uint64(MethodPing)
	answer, err := disp.SendSync(ctx, callerBox, nsPhone, call)
	if err != nil {
		return err
	}
	return statusFromAnswer(answer)
}

// TaskIDIntro announces id as the caller's own task id.
func TaskIDIntro(ctx context.Context, disp *ipc.Dispatcher, callerBox *ipc.Answerbox, nsPhone *ipc.Phone, id task.ID) *ipc.Status {
	call := disp.NewCall()
	call.Method = uint64(MethodTaskIDIntro)
	call.Args[0] = uint64(id)
	answer, err := disp.SendSync(ctx, callerBox, nsPhone, call)
	if err != nil {
		return err
	}
	return statusFromAnswer(answer)
}

// TaskRetval records id's exit value, waking anyone already blocked on
// TaskWait(id).
func TaskRetval(ctx context.Context, disp *ipc.Dispatcher, callerBox *ipc.Answerbox, nsPhone *ipc.Phone, id task.ID, retval int64) *ipc.Status {
	call := disp.NewCall()
	call.Method = uint64(MethodRetval)
	call.Args[0] = uint64(id)
	call.Args[1] = uint64(retval)
	answer, err := disp.SendSync(ctx, callerBox, nsPhone, call)
	if err != nil {
		return err
	}
	return statusFromAnswer(answer)
}

// TaskWait blocks until id exits (or already has), returning its retval.
func TaskWait(ctx context.Context, disp *ipc.Dispatcher, callerBox *ipc.Answerbox, nsPhone *ipc.Phone, id task.ID) (int64, *ipc.Status) {
	call := disp.NewCall()
	call.Method = uint64(MethodTaskWait)
	call.Args[0] = uint64(id)
	answer, err := disp.SendSync(ctx, callerBox, nsPhone, call)
	if err != nil {
		return 0, err
	}
	return answer.Retval, nil
}

// statusFromAnswer converts a naming-service answer (Retval holding an
// ipc.Kind, per the package's answerStatus convention) into a *ipc.Status,
// nil on KindNone.
func statusFromAnswer(answer *ipc.Call) *ipc.Status {
	kind := ipc.Kind(answer.Retval)
	if kind == ipc.KindNone {
		return nil
	}
	return &ipc.Status{Kind: kind}
}
