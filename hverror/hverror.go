// Package hverror defines the status codes returned by the hypervisor core.
package hverror

import (
	"errors"
	"fmt"
)

// Status is a hypervisor status code.
type Status int32

const (
	OK                Status = 0
	Internal          Status = -1
	NotSupported      Status = -2
	ResourceExhausted Status = -3
	InvalidArgument   Status = -10
	BadState          Status = -20
	ShouldWait        Status = -22
	Canceled          Status = -23
	NotFound          Status = -25
	AlreadyExists     Status = -26
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case Internal:
		return "INTERNAL"
	case NotSupported:
		return "NOT_SUPPORTED"
	case ResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case BadState:
		return "BAD_STATE"
	case ShouldWait:
		return "SHOULD_WAIT"
	case Canceled:
		return "CANCELED"
	case NotFound:
		return "NOT_FOUND"
	case AlreadyExists:
		return "ALREADY_EXISTS"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// Error carries a Status together with the failing operation and an
// optional cause.
type Error struct {
	Status Status
	Op     string
	Err    error
}

func (e *Error) Error() string {
	msg := "hv: " + e.Status.String()
	if e.Op != "" {
		msg = "hv: " + e.Op + ": " + e.Status.String()
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Status, so that
// errors.Is(err, ErrBadState) matches any BadState error.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}

	return t.Op == "" && t.Err == nil && t.Status == e.Status
}

var (
	ErrInternal          = &Error{Status: Internal}
	ErrNotSupported      = &Error{Status: NotSupported}
	ErrResourceExhausted = &Error{Status: ResourceExhausted}
	ErrInvalidArgument   = &Error{Status: InvalidArgument}
	ErrBadState          = &Error{Status: BadState}
	ErrShouldWait        = &Error{Status: ShouldWait}
	ErrCanceled          = &Error{Status: Canceled}
	ErrNotFound          = &Error{Status: NotFound}
	ErrAlreadyExists     = &Error{Status: AlreadyExists}
)

// New returns an error with the given status.
func New(s Status, op string, err error) error {
	return &Error{Status: s, Op: op, Err: err}
}

// Errorf returns an error with the given status and a formatted cause.
func Errorf(s Status, op, format string, args ...any) error {
	return &Error{Status: s, Op: op, Err: fmt.Errorf(format, args...)}
}

// StatusOf returns the Status carried by err. Errors that carry no Status
// map to Internal, and nil maps to OK.
func StatusOf(err error) Status {
	if err == nil {
		return OK
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}

	return Internal
}
