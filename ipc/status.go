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

package ipc

import "fmt"

// Kind is one of the error kinds named in the IPC error taxonomy. It is not
// an error itself; Status wraps a Kind to form one.
type Kind int

const (
	// KindNone is the zero value; never carried by a real error.
	KindNone Kind = iota

	// KindInvalidHandle means a phone handle was out of range or free.
	KindInvalidHandle

	// KindHungup means the phone was already in the terminal state.
	KindHungup

	// KindQuotaExceeded means too many outstanding calls from this task.
	KindQuotaExceeded

	// KindNotFound means no server is registered for a requested service.
	KindNotFound

	// KindAlreadyExists means a service id is already registered.
	KindAlreadyExists

	// KindTimeout means a WaitForCall deadline expired.
	KindTimeout

	// KindCancelled means an operation was aborted by task exit or an
	// explicit cancel.
	KindCancelled

	// KindSenderGone means the peer died with the call still in flight; the
	// dispatcher synthesised this as an auto-answer.
	KindSenderGone

	// KindNoMemory means the call or buffer allocator is exhausted.
	KindNoMemory

	// KindBadSize means a bulk transfer exceeded its limit or targeted
	// invalid memory.
	KindBadSize
)

func (k Kind) String() string {
	switch k {
	case KindInvalidHandle:
		return "invalid-handle"
	case KindHungup:
		return "hungup"
	case KindQuotaExceeded:
		return "quota-exceeded"
	case KindNotFound:
		return "not-found"
	case KindAlreadyExists:
		return "already-exists"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindSenderGone:
		return "sender-gone"
	case KindNoMemory:
		return "no-memory"
	case KindBadSize:
		return "bad-size"
	default:
		return "none"
	}
}

// Status is the error type returned by every operation in this module. It
// always carries a Kind, drawn from the taxonomy in spec.md section 7, plus
// an optional human-readable detail and wrapped cause.
type Status struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (s *Status) Error() string {
	if s.Detail == "" {
		return s.Kind.String()
	}
	return fmt.Sprintf("%s: %s", s.Kind, s.Detail)
}

func (s *Status) Unwrap() error {
	return s.Cause
}

// Is reports whether target names the same Kind, so callers can write
// errors.Is(err, ipc.ErrHungup) instead of type-switching on *Status.
func (s *Status) Is(target error) bool {
	t, ok := target.(*Status)
	if !ok {
		return false
	}
	return t.Kind == s.Kind
}

func newStatus(kind Kind, detail string) *Status {
	return &Status{Kind: kind, Detail: detail}
}

// Sentinel statuses, one per Kind, for use with errors.Is.
var (
	ErrInvalidHandle = newStatus(KindInvalidHandle, "")
	ErrHungup        = newStatus(KindHungup, "")
	ErrQuotaExceeded = newStatus(KindQuotaExceeded, "")
	ErrNotFound      = newStatus(KindNotFound, "")
	ErrAlreadyExists = newStatus(KindAlreadyExists, "")
	ErrTimeout       = newStatus(KindTimeout, "")
	ErrCancelled     = newStatus(KindCancelled, "")
	ErrSenderGone    = newStatus(KindSenderGone, "")
	ErrNoMemory      = newStatus(KindNoMemory, "")
	ErrBadSize       = newStatus(KindBadSize, "")
)

// Errorf builds a Status of the given kind with a formatted detail message.
func Errorf(kind Kind, format string, args ...interface{}) *Status {
	return &Status{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
