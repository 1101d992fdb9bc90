package sip

import "github.com/sipward/sipua/internal/errorutil"

// Common errors.
const (
	ErrInvalidArgument = errorutil.ErrInvalidArgument
	ErrInvalidState    = errorutil.ErrInvalidState
)

// Transaction errors.
const (
	ErrTransactionNotFound   Error = "transaction not found"
	ErrTransactionNotMatched Error = "message not matched to transaction"
	ErrTransactionTimedOut   Error = "transaction timed out"
	ErrTransactionExists     Error = "transaction already exists"
)

// Transport errors.
const (
	// ErrTransportClosed is returned when attempting to use a closed transport.
	ErrTransportClosed  Error = "transport closed"
	ErrTransportFailure Error = "transport failure"
)

// Message errors.
const (
	ErrInvalidMessage   Error = "invalid message"
	ErrMethodNotAllowed Error = "request method not allowed"
	ErrMissingContact   Error = "missing Contact header"
	ErrMissingBody      Error = "missing message body"
)

// Dialog and session errors.
const (
	ErrDialogGone        Error = "dialog gone"
	ErrSessionTerminated Error = "session terminated"
	ErrNotSupported      Error = "not supported"
	ErrBusy              Error = "busy"
)

// Error represents a SIP error.
// See [errorutil.Error].
type Error = errorutil.Error

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...)
}

// NewInvalidStateError creates a new error with [ErrInvalidState] or
// wraps provided error with [ErrInvalidState].
func NewInvalidStateError(args ...any) error {
	return errorutil.NewInvalidStateError(args...)
}
