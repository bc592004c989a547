package tu

import (
	"github.com/ghettovoice/siptu/internal/errorutil"
	"github.com/ghettovoice/siptu/sip"
)

// Error is a string sentinel error.
type Error = errorutil.Error

const (
	// ErrInvalidSession is returned when the engine behind a handle is gone.
	ErrInvalidSession Error = "invalid session"
	// ErrContainerClosed is returned by a closed container.
	ErrContainerClosed Error = "container closed"
	// ErrForkingDisabled is returned when a derived session tries to fork again.
	ErrForkingDisabled Error = "forking disabled"
	// ErrNoPendingInvite is returned when CANCEL has no INVITE to cancel.
	ErrNoPendingInvite Error = "no pending INVITE"
	// ErrNotInitialRequest is returned when a request can no longer be proxied.
	ErrNotInitialRequest Error = "not an initial request"
)

// ErrInvalidArgument is returned for invalid input.
const ErrInvalidArgument = errorutil.ErrInvalidArgument

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

func newActionNotAllowedError(msg string) error {
	return errorutil.NewWrapperError(sip.ErrActionNotAllowed, msg) //errtrace:skip
}
