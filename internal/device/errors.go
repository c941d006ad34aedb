package device

import (
	"errors"
	"fmt"

	"github.com/go-ble/ble"
)

// ErrorKind classifies an operation failure
type ErrorKind string

const (
	KindInvalidState      ErrorKind = "invalid_state"
	KindUnknownPeripheral ErrorKind = "unknown_peripheral"
	KindInvalidAttribute  ErrorKind = "invalid_attribute"
	KindDisconnected      ErrorKind = "disconnected"
	KindCancelled         ErrorKind = "cancelled"
	KindDriverFailure     ErrorKind = "driver_failure"
	KindClosed            ErrorKind = "closed"
)

// OperationError is the failure every pending operation resolves with when it does not succeed
type OperationError struct {
	Kind  ErrorKind
	Msg   string
	Cause error
}

// Error implements the error interface
func (e *OperationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Msg)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Is allows errors.Is to compare OperationError values by Kind
func (e *OperationError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*OperationError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Unwrap exposes the underlying cause, if any
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Predefined sentinel errors, one per kind
var (
	ErrInvalidState      = &OperationError{Kind: KindInvalidState}
	ErrUnknownPeripheral = &OperationError{Kind: KindUnknownPeripheral}
	ErrInvalidAttribute  = &OperationError{Kind: KindInvalidAttribute}
	ErrDisconnected      = &OperationError{Kind: KindDisconnected}
	ErrCancelled         = &OperationError{Kind: KindCancelled}
	ErrDriverFailure     = &OperationError{Kind: KindDriverFailure}
	ErrClosed            = &OperationError{Kind: KindClosed}
)

// NewError creates an OperationError of the given kind with a formatted message
func NewError(kind ErrorKind, format string, args ...any) error {
	return &OperationError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Cancelled creates a cancellation failure. The cause is kept so that
// errors.Is(err, context.Canceled) holds for externally cancelled operations.
func Cancelled(msg string, cause error) error {
	return &OperationError{Kind: KindCancelled, Msg: msg, Cause: cause}
}

// DriverFailure wraps a failure reported by the radio driver.
// Errors that already carry a kind are returned unchanged.
func DriverFailure(cause error) error {
	if cause == nil {
		return nil
	}
	var opErr *OperationError
	if errors.As(cause, &opErr) {
		return cause
	}
	return &OperationError{Kind: KindDriverFailure, Cause: cause}
}

// KindOf returns the kind of err, or an empty kind if err is not an OperationError
func KindOf(err error) ErrorKind {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	var attrErr *InvalidAttributeError
	if errors.As(err, &attrErr) {
		return KindInvalidAttribute
	}
	return ""
}

// InvalidAttributeError reports a service, characteristic or descriptor that is unknown:
// never discovered, or discovered and then invalidated by a disconnect or re-discovery.
type InvalidAttributeError struct {
	Resource string // "service", "characteristic", "descriptor"
	UUID     ble.UUID
}

func (e *InvalidAttributeError) Error() string {
	if len(e.UUID) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %q not found", e.Resource, UUIDString(e.UUID))
}

// Is matches ErrInvalidAttribute
func (e *InvalidAttributeError) Is(target error) bool {
	t, ok := target.(*OperationError)
	return ok && t.Kind == KindInvalidAttribute
}
