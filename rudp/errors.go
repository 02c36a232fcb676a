package rudp

import (
	"errors"
	"fmt"
)

// Error represents a protocol or session error
type Error struct {
	// Type is the error type
	Type ErrorType

	// Message is a human-readable error message
	Message string

	// Flag is the flag of the frame that caused the error, if any
	Flag Flag

	// Err is the underlying cause, if any
	Err error
}

// ErrorType categorizes errors
type ErrorType int

const (
	// ErrMalformedFrame indicates a datagram too short to hold a header
	ErrMalformedFrame ErrorType = iota

	// ErrChecksumMismatch indicates a payload that does not match its checksum
	ErrChecksumMismatch

	// ErrTimeout indicates no response within one retry window
	ErrTimeout

	// ErrPeerUnreachable indicates an exhausted retry budget
	ErrPeerUnreachable

	// ErrInvalidConfiguration indicates rejected settings
	ErrInvalidConfiguration

	// ErrBusyRejection indicates an operation is already outstanding
	ErrBusyRejection

	// ErrNotConnected indicates an operation that needs a connected session
	ErrNotConnected

	// ErrIO indicates a local file or socket error
	ErrIO

	// ErrInvalidInput indicates an unusable argument (empty text, directory
	// instead of file, oversized file name)
	ErrInvalidInput
)

func (e *Error) Error() string {
	msg := fmt.Sprintf("rudp %s: %s", e.Type, e.Message)
	if e.Flag != 0 {
		msg += fmt.Sprintf(" (frame: %s)", e.Flag)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (t ErrorType) String() string {
	switch t {
	case ErrMalformedFrame:
		return "malformed frame"
	case ErrChecksumMismatch:
		return "checksum mismatch"
	case ErrTimeout:
		return "timeout"
	case ErrPeerUnreachable:
		return "peer unreachable"
	case ErrInvalidConfiguration:
		return "invalid configuration"
	case ErrBusyRejection:
		return "busy"
	case ErrNotConnected:
		return "not connected"
	case ErrIO:
		return "I/O error"
	case ErrInvalidInput:
		return "invalid input"
	default:
		return "unknown error"
	}
}

// NewError creates a new error
func NewError(errType ErrorType, message string) *Error {
	return &Error{Type: errType, Message: message}
}

// NewFrameError creates a new error with the offending frame flag
func NewFrameError(errType ErrorType, message string, flag Flag) *Error {
	return &Error{Type: errType, Message: message, Flag: flag}
}

// WrapError creates a new error around a cause
func WrapError(errType ErrorType, message string, err error) *Error {
	return &Error{Type: errType, Message: message, Err: err}
}

// isType reports whether any *Error in the chain of err has type t, so an
// exhausted retry budget is both unreachable and a timeout.
func isType(err error, t ErrorType) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Type == t {
			return true
		}
		err = e.Err
	}
	return false
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool { return isType(err, ErrTimeout) }

// IsPeerUnreachable checks if an error reports an exhausted retry budget
func IsPeerUnreachable(err error) bool { return isType(err, ErrPeerUnreachable) }

// IsInvalidConfiguration checks if an error reports rejected settings
func IsInvalidConfiguration(err error) bool { return isType(err, ErrInvalidConfiguration) }

// IsBusy checks if an error reports an outstanding operation
func IsBusy(err error) bool { return isType(err, ErrBusyRejection) }

// IsNotConnected checks if an error reports a missing connection
func IsNotConnected(err error) bool { return isType(err, ErrNotConnected) }

// IsMalformed checks if an error reports a short datagram
func IsMalformed(err error) bool { return isType(err, ErrMalformedFrame) }

// IsInvalidInput checks if an error reports an unusable payload or argument
func IsInvalidInput(err error) bool { return isType(err, ErrInvalidInput) }

// IsChecksumMismatch checks if an error reports a corrupted payload
func IsChecksumMismatch(err error) bool { return isType(err, ErrChecksumMismatch) }
