// Package queueerr defines the stable error-code enum and structured
// error type returned across the devqueue public API.
package queueerr

import (
	"context"
	"errors"
	"fmt"
)

// Code is a stable small integer identifying the category of a
// terminal command outcome or a synchronous API failure.
type Code int

const (
	Success Code = iota
	CommFailed
	Timeout
	InvalidParameter
	NotConnected
	QueueFull
	OperationFailed
	Cancelled
	InvalidState
	PartialData
	OutOfMemory
	ThreadCreate
)

var codeNames = map[Code]string{
	Success:           "success",
	CommFailed:        "comm failed",
	Timeout:           "timeout",
	InvalidParameter:  "invalid parameter",
	NotConnected:      "not connected",
	QueueFull:         "queue full",
	OperationFailed:   "operation failed",
	Cancelled:         "cancelled",
	InvalidState:      "invalid state",
	PartialData:       "partial data",
	OutOfMemory:       "out of memory",
	ThreadCreate:      "thread create failed",
}

// String implements fmt.Stringer, mirroring the teacher's
// getErrorString contract from spec.md section 4.A/6.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error makes a bare Code usable as an errors.Is target.
func (c Code) Error() string {
	return c.String()
}

// Error is a structured error carrying the op that failed, the
// device-log tag of the queue that produced it, the priority queue
// involved (when applicable), the stable Code, and any wrapped cause.
//
// Grounded on the teacher's *ublk.Error (errors.go): Op/DevID/Queue/
// Code/Errno/Msg/Inner, with Unwrap/Is for errors.Is/As support.
type Error struct {
	Op        string
	DeviceTag string
	Priority  int
	Code      Code
	Msg       string
	Inner     error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Op == "" {
		return fmt.Sprintf("devqueue: %s", msg)
	}
	if e.DeviceTag != "" {
		return fmt.Sprintf("devqueue: %s: %s [%s]", e.Op, msg, e.DeviceTag)
	}
	return fmt.Sprintf("devqueue: %s: %s", e.Op, msg)
}

// Unwrap supports errors.Is/As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is allows comparing against a bare Code or another *Error by code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if tc, ok := target.(Code); ok {
		return e.Code == tc
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// New creates a structured error for the given operation and code.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// Newf is New with a formatted message.
func Newf(op string, code Code, format string, args ...any) *Error {
	return &Error{Op: op, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap wraps an arbitrary error with devqueue context, mapping common
// stdlib causes (context deadline/cancel) to a Code the same way the
// teacher's WrapError maps syscall.Errno via mapErrnoToCode.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if qe, ok := inner.(*Error); ok {
		return &Error{
			Op:        op,
			DeviceTag: qe.DeviceTag,
			Priority:  qe.Priority,
			Code:      qe.Code,
			Msg:       qe.Msg,
			Inner:     qe.Inner,
		}
	}
	return &Error{
		Op:    op,
		Code:  mapCauseToCode(inner),
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapCauseToCode maps common non-devqueue error causes to a stable
// Code, the same role the teacher's mapErrnoToCode plays for
// syscall.Errno.
func mapCauseToCode(err error) Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, context.Canceled):
		return Cancelled
	default:
		return CommFailed
	}
}

// WithDeviceTag returns a copy of e tagged with the given log-device
// tag, used by the manager to annotate errors from a specific queue
// instance (spec.md's "log-device tag" introspection field).
func (e *Error) WithDeviceTag(tag string) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.DeviceTag = tag
	return &cp
}

// AsCode extracts the Code from err if it is (or wraps) a *Error,
// otherwise returns CommFailed as the conservative default.
func AsCode(err error) Code {
	if err == nil {
		return Success
	}
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code
	}
	return CommFailed
}
