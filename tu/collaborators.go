package tu

import (
	"context"
	"time"

	"github.com/ghettovoice/siptu/dialog"
	"github.com/ghettovoice/siptu/sip"
)

// ServletDescriptor names the application code a session is bound to.
type ServletDescriptor struct {
	Name   string            `json:"name,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// ApplicationInvoker delivers messages to application code.
// It is the only way the core calls the application.
type ApplicationInvoker interface {
	// Invoke delivers an inbound request or response.
	// Exactly one of req and res is non-nil. listener is the handle the message
	// belongs to; the application answers requests and sends new ones through it.
	Invoke(ctx context.Context, req *sip.Request, res *sip.Response, servlet ServletDescriptor, listener *Handle) error
}

// ApplicationInvokerFunc is a function adapter of [ApplicationInvoker].
type ApplicationInvokerFunc func(ctx context.Context, req *sip.Request, res *sip.Response, servlet ServletDescriptor, listener *Handle) error

func (f ApplicationInvokerFunc) Invoke(
	ctx context.Context,
	req *sip.Request,
	res *sip.Response,
	servlet ServletDescriptor,
	listener *Handle,
) error {
	return f(ctx, req, res, servlet, listener) //errtrace:skip
}

// SessionStore replicates handles.
// Keys are handle shared ids.
type SessionStore interface {
	Put(ctx context.Context, key string, h *Handle) error
	Get(ctx context.Context, key string) (*Handle, bool, error)
	Remove(ctx context.Context, key string) error
}

// TimerHandle identifies a scheduled timer.
type TimerHandle interface {
	// Deadline returns the time of the next expiration.
	Deadline() time.Time
}

// TimerService schedules callbacks.
type TimerService interface {
	// Schedule calls fn after delay, and then every delay if repeating.
	Schedule(delay time.Duration, repeating bool, fn func()) (TimerHandle, error)
	// Cancel cancels the timer. Cancelling a fired or cancelled timer is a no-op.
	Cancel(th TimerHandle)
}

// Role is a transaction user role.
type Role string

const (
	RoleUAC   Role = "uac"
	RoleUAS   Role = "uas"
	RoleProxy Role = "proxy"
)

// MetricsSink receives core events.
type MetricsSink interface {
	HandleCreated(role Role)
	HandleReclaimed(role Role)
	HandleExpired(role Role)
	DialogStateChanged(from, to dialog.Phase)
	RequestRejected(method sip.RequestMethod, status sip.ResponseStatus)
	ResponseRetransmitted(method sip.RequestMethod, status sip.ResponseStatus)
}

type noopMetrics struct{}

// NoopMetrics is a [MetricsSink] that drops all events.
var NoopMetrics MetricsSink = noopMetrics{}

func (noopMetrics) HandleCreated(Role) {}

func (noopMetrics) HandleReclaimed(Role) {}

func (noopMetrics) HandleExpired(Role) {}

func (noopMetrics) DialogStateChanged(dialog.Phase, dialog.Phase) {}

func (noopMetrics) RequestRejected(sip.RequestMethod, sip.ResponseStatus) {}

func (noopMetrics) ResponseRetransmitted(sip.RequestMethod, sip.ResponseStatus) {}
