package sip

import "github.com/ghettovoice/siptx/internal/errorutil"

// Common errors.
const (
	ErrInvalidArgument        = errorutil.ErrInvalidArgument
	ErrActionNotAllowed Error = "action not allowed"
)

// Message errors.
const (
	// ErrMalformedMessage is returned when a mandatory header is missing or unusable.
	// The message must be rejected, retrying will not help.
	ErrMalformedMessage Error = "malformed message"
)

// Transaction errors.
const (
	// ErrTransactionNotFound is returned by lookups by id when no such transaction is registered
	// and by the layer when a response or CANCEL does not match any transaction.
	ErrTransactionNotFound Error = "transaction not found"
	// ErrTransactionInitiated is returned when a driver is asked to start
	// a transaction that has already left the init state.
	ErrTransactionInitiated Error = "transaction already initiated"
	// ErrLayerClosed is returned when a new transaction is requested from a closed layer.
	ErrLayerClosed Error = "transaction layer closed"
)

// Error represents a SIP error.
// See [errorutil.Error].
type Error = errorutil.Error

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

// NewMalformedMessageError creates a new error with [ErrMalformedMessage] or
// wraps provided error with [ErrMalformedMessage].
func NewMalformedMessageError(args ...any) error {
	return errorutil.NewWrapperError(ErrMalformedMessage, args...) //errtrace:skip
}
