package xfer

import (
	"errors"
	"fmt"
)

// Error represents a transfer failure.
type Error struct {
	// Type is the error type
	Type ErrorType

	// Message is a human-readable error message
	Message string

	// Err is the underlying cause, if any
	Err error
}

// ErrorType categorizes transfer errors.
type ErrorType int

const (
	// ErrTransport indicates a socket-level failure: connect, accept, read
	// or write failing for a reason other than a graceful close.
	ErrTransport ErrorType = iota

	// ErrConnectionTerminated indicates the peer closed the connection while
	// frame bytes were still owed.
	ErrConnectionTerminated

	// ErrDecode indicates decryption or decompression of a payload failed.
	ErrDecode

	// ErrFilesystem indicates a source file could not be read or a
	// destination file could not be written.
	ErrFilesystem
)

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("xfer %s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("xfer %s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func (t ErrorType) String() string {
	switch t {
	case ErrTransport:
		return "transport error"
	case ErrConnectionTerminated:
		return "connection terminated"
	case ErrDecode:
		return "decode error"
	case ErrFilesystem:
		return "filesystem error"
	default:
		return "unknown error"
	}
}

// NewError creates a new transfer error.
func NewError(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
	}
}

// WrapError creates a new transfer error with an underlying cause.
func WrapError(errType ErrorType, message string, err error) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

func isType(err error, errType ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == errType
	}
	return false
}

// IsTransport checks if an error is a transport error.
func IsTransport(err error) bool {
	return isType(err, ErrTransport)
}

// IsConnectionTerminated checks if the peer closed the connection mid-frame.
func IsConnectionTerminated(err error) bool {
	return isType(err, ErrConnectionTerminated)
}

// IsDecode checks if an error is a decode error.
func IsDecode(err error) bool {
	return isType(err, ErrDecode)
}

// IsFilesystem checks if an error is a filesystem error.
func IsFilesystem(err error) bool {
	return isType(err, ErrFilesystem)
}
