package fwspace

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-fwspace/internal/gate"
	"github.com/ehrlich-b/go-fwspace/internal/ring"
	"github.com/ehrlich-b/go-fwspace/internal/store"
)

// Error is a structured address-space error with context
type Error struct {
	Op      string    // Operation that failed (e.g., "ACKNOWLEDGE", "ACTIVATE")
	Space   string    // Base address of the space ("" if not applicable)
	Command uint32    // Command ID involved (0 if not applicable)
	Code    ErrorCode // High-level error category
	Msg     string    // Human-readable message
	Inner   error     // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Space != "" {
		parts = append(parts, fmt.Sprintf("space=%s", e.Space))
	}

	if e.Command != 0 {
		parts = append(parts, fmt.Sprintf("cmd=%d", e.Command))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("fwspace: %s (%s)", msg, parts[0])
	}

	return fmt.Sprintf("fwspace: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches on error code against SpaceError constants and other *Error values
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if se, ok := target.(SpaceError); ok {
		return e.Code == ErrorCode(se)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
	ErrCodeNotActive         ErrorCode = "address space not active"
	ErrCodeTornDown          ErrorCode = "address space torn down"
	ErrCodeBusUnavailable    ErrorCode = "bus allocation failed"
	ErrCodeNoOutstanding     ErrorCode = "no notification outstanding"
	ErrCodeCommandMismatch   ErrorCode = "acknowledged command does not match"
	ErrCodeRingExhausted     ErrorCode = "descriptor ring exhausted"
	ErrCodeNoChannel         ErrorCode = "no notification channel"
	ErrCodeInvalidKind       ErrorCode = "invalid notification kind"
	ErrCodeBufferError       ErrorCode = "buffer error"
	ErrCodeInternal          ErrorCode = "internal error"
)

// SpaceError is a plain sentinel comparable with errors.Is against *Error
type SpaceError string

func (e SpaceError) Error() string {
	return string(e)
}

// Sentinel errors
const (
	ErrInvalidParameters SpaceError = "invalid parameters"
	ErrNotActive         SpaceError = "address space not active"
	ErrTornDown          SpaceError = "address space torn down"
	ErrNoOutstanding     SpaceError = "no notification outstanding"
	ErrCommandMismatch   SpaceError = "acknowledged command does not match"
	ErrRingExhausted     SpaceError = "descriptor ring exhausted"
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Code: code,
		Msg:  msg,
	}
}

// NewSpaceError creates an error tied to one address space
func NewSpaceError(op, space string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Space: space,
		Code:  code,
		Msg:   msg,
	}
}

// WrapError wraps an existing error with operation context, mapping errors
// from the ring, store and gate to codes
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	var se *Error
	if errors.As(inner, &se) {
		return &Error{
			Op:      op,
			Space:   se.Space,
			Command: se.Command,
			Code:    se.Code,
			Msg:     se.Msg,
			Inner:   se.Inner,
		}
	}

	return &Error{
		Op:    op,
		Code:  mapErrorToCode(inner),
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrorToCode maps internal sentinel errors to error codes
func mapErrorToCode(err error) ErrorCode {
	switch {
	case errors.Is(err, gate.ErrNoOutstanding):
		return ErrCodeNoOutstanding
	case errors.Is(err, gate.ErrCommandMismatch):
		return ErrCodeCommandMismatch
	case errors.Is(err, gate.ErrNoChannel):
		return ErrCodeNoChannel
	case errors.Is(err, gate.ErrInvalidKind):
		return ErrCodeInvalidKind
	case errors.Is(err, ring.ErrExhausted):
		return ErrCodeRingExhausted
	case errors.Is(err, ring.ErrEmpty):
		return ErrCodeNoOutstanding
	case errors.Is(err, store.ErrNoBuffer):
		return ErrCodeBufferError
	default:
		return ErrCodeInternal
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
