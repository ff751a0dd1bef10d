package fiberrt

import (
	"errors"
	"fmt"
	"syscall"
)

// Code categorizes an Error the way ublk's UblkErrorCode categorizes
// device failures, generalized to the runtime's own failure modes
// (spec.md 7).
type Code string

const (
	CodeSystem    Code = "system failure"
	CodeTimeout   Code = "timeout"
	CodeCancelled Code = "cancelled"
	CodeClosed    Code = "closed resource"
	CodeArgument  Code = "invalid argument"
	CodeBug       Code = "internal bug"
)

// Error is the structured error type every runtime-facing failure is
// reported as, mirroring ehrlich-b-go-ublk's *Error (Op/Code/Errno/Msg/
// Inner, with Is/Unwrap support for errors.Is/As).
type Error struct {
	Op    string // operation that failed, e.g. "read", "accept", "switch"
	Code  Code
	Errno syscall.Errno // kernel errno, 0 if not applicable
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Errno != 0 {
		return fmt.Sprintf("fiberrt: %s: %s (errno=%d)", e.Op, msg, e.Errno)
	}
	return fmt.Sprintf("fiberrt: %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is reports whether target is an *Error with the same Code, so callers
// can write errors.Is(err, fiberrt.ErrClosed) against the sentinels
// below instead of comparing codes directly.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	if te.Code == "" {
		return false
	}
	return e.Code == te.Code
}

// Sentinels usable with errors.Is; only Code is populated so Is matches
// on category regardless of Op/Msg/Errno.
var (
	ErrClosed     = &Error{Code: CodeClosed}
	ErrTimeout    = &Error{Code: CodeTimeout}
	ErrCancelled  = &Error{Code: CodeCancelled}
	ErrArgument   = &Error{Code: CodeArgument}
)

// ClosedResourceError reports use of a fiber, pipe, queue, or thread
// after it was closed (spec.md 7).
func ClosedResourceError(op string) error {
	return &Error{Op: op, Code: CodeClosed, Msg: "resource is closed"}
}

// SystemError wraps a syscall failure as a structured Error, extracting
// its errno when possible the way ublk's errno-mapping constructors do.
func SystemError(op string, err error) error {
	if err == nil {
		return nil
	}
	e := &Error{Op: op, Code: CodeSystem, Msg: err.Error(), Inner: err}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		e.Errno = errno
	}
	return e
}

// TimeoutError reports an operation's deadline elapsing before it
// completed.
func TimeoutError(op string) error {
	return &Error{Op: op, Code: CodeTimeout, Msg: "deadline exceeded"}
}

// ArgumentError reports a caller-supplied argument the runtime rejects
// up front (spec.md 7's validation boundary).
func ArgumentError(op, msg string) error {
	return &Error{Op: op, Code: CodeArgument, Msg: msg}
}

// BugError reports an invariant violation that indicates a runtime bug
// rather than any caller or environment fault; it is never expected to
// be handled, only logged or panicked on by the caller.
func BugError(op, msg string) error {
	return &Error{Op: op, Code: CodeBug, Msg: msg}
}

// cancelledError is returned internally when a fiber's blocking
// operation is interrupted by the fiber terminating or its owning
// thread shutting down; spec.md 7 keeps this category internal-only, so
// it has no public constructor beyond the ErrCancelled sentinel.
func cancelledError(op string) error {
	return &Error{Op: op, Code: CodeCancelled, Msg: "operation was cancelled"}
}
