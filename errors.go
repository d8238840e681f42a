package blkio

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured blkio error with context and errno mapping
type Error struct {
	Op     string        // Operation that failed (e.g., "connect", "start", "do-io")
	Driver string        // Driver name ("" if not applicable)
	Code   ErrorCode     // High-level error category
	Errno  syscall.Errno // Errno reported by the driver (0 if not applicable)
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	switch {
	case e.Op != "" && e.Driver != "":
		return fmt.Sprintf("blkio: %s (op=%s driver=%s)", msg, e.Op, e.Driver)
	case e.Op != "":
		return fmt.Sprintf("blkio: %s (op=%s)", msg, e.Op)
	default:
		return fmt.Sprintf("blkio: %s", msg)
	}
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support comparing by error code
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	// ErrCodeConfiguration covers missing or invalid required settings
	// and invalid policy combinations, detected before any driver
	// resource exists.
	ErrCodeConfiguration ErrorCode = "invalid configuration"

	// ErrCodeBackend covers any failing call into the block-device
	// abstraction: create, connect, start, property set, queue retrieval
	// and memory-region operations.
	ErrCodeBackend ErrorCode = "backend failure"

	// ErrCodeUnsupportedOp marks an operation kind the engine cannot
	// service. It is the only synchronous per-operation failure.
	ErrCodeUnsupportedOp ErrorCode = "unsupported operation"

	// ErrCodeProtocol marks a malformed completion-descriptor exchange,
	// such as a short eventfd read.
	ErrCodeProtocol ErrorCode = "protocol violation"
)

// Error constructors

// NewConfigError creates a configuration error
func NewConfigError(op, msg string) *Error {
	return &Error{Op: op, Code: ErrCodeConfiguration, Msg: msg}
}

// NewBackendError wraps a failing driver call
func NewBackendError(op, driver string, inner error) *Error {
	e := &Error{
		Op:     op,
		Driver: driver,
		Code:   ErrCodeBackend,
		Inner:  inner,
	}
	if inner != nil {
		e.Msg = inner.Error()
		var errno syscall.Errno
		if errors.As(inner, &errno) {
			e.Errno = errno
		}
	}
	return e
}

// NewUnsupportedOpError reports an operation kind the engine rejects
// synchronously.
func NewUnsupportedOpError(kind OpKind) *Error {
	return &Error{
		Op:    "submit",
		Code:  ErrCodeUnsupportedOp,
		Errno: syscall.ENOTSUP,
		Msg:   fmt.Sprintf("operation kind %d not supported", kind),
	}
}

// NewProtocolError reports a malformed notification-descriptor exchange
func NewProtocolError(op, msg string) *Error {
	return &Error{Op: op, Code: ErrCodeProtocol, Msg: msg}
}

// WrapError wraps an existing error with engine context, preserving the
// code of an already-structured error.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if be, ok := inner.(*Error); ok {
		return &Error{
			Op:     op,
			Driver: be.Driver,
			Code:   be.Code,
			Errno:  be.Errno,
			Msg:    be.Msg,
			Inner:  be.Inner,
		}
	}

	e := &Error{Op: op, Code: ErrCodeBackend, Msg: inner.Error(), Inner: inner}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
	}
	return e
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Errno == errno
	}
	return false
}
