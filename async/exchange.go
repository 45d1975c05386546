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

// Package async layers the fibril-based framework of spec.md section 4.5
// on top of ipc/captable/ns. Fibrils themselves need no modeling: a Go
// goroutine already is a cooperative-enough user thread for this
// simulation's purposes (Design Notes section 9, "in a target language
// with native async, the async framework IS the async runtime"), so this
// package only needs to supply what goroutines don't give you for free —
// phone exchange reservation, async send/receive correlation, and
// new-connection dispatch.
package async

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/mkos-project/ipc/ipc"
)

// phoneLocks holds one binary semaphore per phone, created on first use.
// A phone is shared by every fibril (goroutine) in a task; Exchange is
// what lets one of them claim it exclusively for a request-plus-bulk-
// transfer transaction (spec.md section 4.5, "Exchange").
var phoneLocks sync.Map // map[*ipc.Phone]*semaphore.Weighted

func semaphoreFor(phone *ipc.Phone) *semaphore.Weighted {
	v, _ := phoneLocks.LoadOrStore(phone, semaphore.NewWeighted(1))
	return v.(*semaphore.Weighted)
}

// Exchange is a scoped reservation of one phone for one fibril's coherent
// request/reply (and optional bulk) transaction. Begin acquires; End
// releases. Failing to call End leaks the reservation — every other
// fibril wanting the phone blocks forever; Ended reports whether this has
// happened yet, so tests can attach their own runtime.SetFinalizer to an
// Exchange and flag it if the finalizer runs before Ended is true.
type Exchange struct {
	phone *ipc.Phone
	sem   *semaphore.Weighted
	ended int32
}

// Begin reserves phone exclusively for the calling fibril, blocking until
// any other fibril's Exchange on the same phone has Ended, or until ctx is
// done.
func Begin(ctx context.Context, phone *ipc.Phone) (*Exchange, *ipc.Status) {
	sem := semaphoreFor(phone)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, ipc.Errorf(ipc.KindCancelled, "exchange begin: %v", err)
	}
	return &Exchange{phone: phone, sem: sem}, nil
}

// End releases the reservation. Calling End more than once is a no-op, not
// an error, so deferred End calls compose with an early explicit End.
func (e *Exchange) End() {
	if !atomic.CompareAndSwapInt32(&e.ended, 0, 1) {
		return
	}
	e.sem.Release(1)
}

// Ended reports whether End has already been called.
func (e *Exchange) Ended() bool {
	return atomic.LoadInt32(&e.ended) != 0
}

// Phone returns the phone this exchange reserves.
func (e *Exchange) Phone() *ipc.Phone { return e.phone }
