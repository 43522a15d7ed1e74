package swmc

import (
	"errors"
	"fmt"
)

// ErrorCode enumerates the error kinds exposed by the core (spec §7).
type ErrorCode int

const (
	// Unknown represents an unspecified error condition.
	Unknown ErrorCode = iota
	// OutOfResources indicates handle/ring/replica allocation failed after retry.
	// The caller should retry after a sleep.
	OutOfResources
	// TransportUnavailable indicates no transport ops vector is registered. The fault
	// engine does not special-case it: like any other transport error it is returned to
	// the fault's caller, and the local path does not complete.
	TransportUnavailable
	// Nacked indicates a peer refused the transaction.
	Nacked
	// RetryFault indicates another writer raced, or a wait station collapsed. The
	// caller must re-drive the fault from scratch after a brief sleep.
	RetryFault
	// InvalidMessage indicates a message type out of range or a malformed header.
	InvalidMessage
	// InvariantViolation indicates the action table was dispatched the declared-invalid
	// {REPLICATED, NEEDWRITE, MODIFIED, SHARED} cell.
	InvariantViolation
)

func (c ErrorCode) String() string {
	switch c {
	case OutOfResources:
		return "OutOfResources"
	case TransportUnavailable:
		return "TransportUnavailable"
	case Nacked:
		return "Nacked"
	case RetryFault:
		return "RetryFault"
	case InvalidMessage:
		return "InvalidMessage"
	case InvariantViolation:
		return "InvariantViolation"
	default:
		return "Unknown"
	}
}

// Error is the error type raised across this module. It carries a Code (see
// ErrorCode), the wrapped cause (if any) and optional UserData for diagnostics.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("swmc: %s (data: %v)", e.Code, e.UserData)
	}
	return fmt.Errorf("swmc: %s (data: %v): %w", e.Code, e.UserData, e.Err).Error()
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped cause.
func (e Error) Unwrap() error {
	return e.Err
}

// NewError constructs an Error with the given code, optional cause and user data.
func NewError(code ErrorCode, err error, userData any) error {
	return Error{Code: code, Err: err, UserData: userData}
}

// Code returns the ErrorCode carried by err, or Unknown if err is not (or does not
// wrap) an Error.
func Code(err error) ErrorCode {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// Is reports whether err carries (or wraps) the given ErrorCode.
func Is(err error, code ErrorCode) bool {
	return Code(err) == code
}
