package sip

import (
	"fmt"

	"github.com/ghettovoice/siptu/internal/errorutil"
)

// Common errors.
const (
	ErrInvalidArgument        = errorutil.ErrInvalidArgument
	ErrActionNotAllowed Error = "action not allowed"
)

// Transport errors.
const (
	// ErrTransportClosed is returned when attempting to use a closed transport.
	ErrTransportClosed Error = "transport closed"
	// ErrTransactionNotFound is returned when the transport has no transaction for a response.
	ErrTransactionNotFound Error = "transaction not found"
)

// Message errors.
const (
	ErrInvalidMessage   Error = "invalid message"
	ErrMethodNotAllowed Error = "request method not allowed"
)

// Error represents a SIP error.
// See [errorutil.Error].
type Error = errorutil.Error

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

// NewInvalidMessageError creates a new error with [ErrInvalidMessage] or
// wraps provided error with [ErrInvalidMessage].
func NewInvalidMessageError(args ...any) error {
	return errorutil.NewWrapperError(ErrInvalidMessage, args...) //errtrace:skip
}

// ResponseError is returned when an outgoing request is rejected locally
// as if the remote side answered it with the status.
type ResponseError struct {
	Status ResponseStatus
	Reason ResponseReason
}

// NewResponseError creates a response error with the default reason phrase.
func NewResponseError(sts ResponseStatus) *ResponseError {
	return &ResponseError{Status: sts, Reason: sts.Reason()}
}

func (e *ResponseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("sip response error: %d %s", e.Status, e.Reason)
}
