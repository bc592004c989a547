package tu

import (
	"log/slog"
	"strings"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptu/internal/log"
	"github.com/ghettovoice/siptu/internal/util"
	"github.com/ghettovoice/siptu/sip"
)

// CountingRule decides how transactions delegated to a [ProxyBranch] are counted.
type CountingRule int

const (
	// CountingCorrected counts the shared branch counter while a handle is associated
	// with a branch, so a final response on any fork releases every derived handle.
	CountingCorrected CountingRule = iota
	// CountingLegacy counts only the transactions a handle completed itself.
	// Derived handles of a resolved branch stay busy until their own final response.
	CountingLegacy
)

func (r CountingRule) String() string {
	switch r {
	case CountingCorrected:
		return "corrected"
	case CountingLegacy:
		return "legacy"
	}
	return "unknown"
}

// ParseCountingRule parses "corrected" or "legacy".
func ParseCountingRule(s string) (CountingRule, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "corrected":
		return CountingCorrected, nil
	case "legacy":
		return CountingLegacy, nil
	}
	return 0, errtrace.Wrap(NewInvalidArgumentError("unknown counting rule %q", s))
}

// ContainerOptions configures a [Container].
// All fields are optional.
type ContainerOptions struct {
	// Log is the logger. Defaults to [log.Default].
	Log *slog.Logger
	// Timings are the SIP timers. Defaults to RFC 3261 values.
	Timings sip.TimingConfig
	// Store replicates handles. Defaults to a [MemorySessionStore].
	Store SessionStore
	// Timers schedules timers. Defaults to [NewTimerService].
	Timers TimerService
	// Metrics receives core events. Defaults to [NoopMetrics].
	Metrics MetricsSink

	// KeyPoolSize is the number of idle dialog keys kept for lookups.
	KeyPoolSize int
	// EnginePoolSize is the number of idle engines kept for reuse.
	EnginePoolSize int
	// KeyTableShards is the number of shards of the dialog key table.
	KeyTableShards uint

	// SessionTTL is the session lifetime, refreshed by [Handle.SetExpires].
	// Negative disables expiration.
	SessionTTL time.Duration
	// ExpirationStatus is the status sent to an unanswered incoming INVITE
	// when its session is invalidated. Defaults to 408.
	ExpirationStatus sip.ResponseStatus
	// CountingRule selects how branch-delegated transactions are counted.
	CountingRule CountingRule
	// KeepIdle disables invalidation of sessions that completed their last transaction
	// and have no live dialog.
	KeepIdle bool

	// RecordRoute is the URI the container inserts into Record-Route of proxied requests.
	RecordRoute sip.URI
	// Via is the template of the Via header field pushed onto generated and proxied requests.
	// The branch parameter is always generated.
	Via sip.Via

	// NewID generates shared ids, application session ids and proxy session ids.
	NewID func() string
	// Router selects the servlet of a new incoming session.
	Router func(req *sip.Request) ServletDescriptor
}

const (
	DefaultKeyPoolSize    = 1024
	DefaultEnginePoolSize = 1024
	DefaultKeyTableShards = 32
	DefaultSessionTTL     = 30 * time.Minute
)

func (o *ContainerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

func (o *ContainerOptions) timings() sip.TimingConfig {
	if o == nil {
		return sip.TimingConfig{}
	}
	return o.Timings
}

func (o *ContainerOptions) store() SessionStore {
	if o == nil || o.Store == nil {
		return NewMemorySessionStore()
	}
	return o.Store
}

func (o *ContainerOptions) timers() TimerService {
	if o == nil || o.Timers == nil {
		return NewTimerService()
	}
	return o.Timers
}

func (o *ContainerOptions) metrics() MetricsSink {
	if o == nil || o.Metrics == nil {
		return NoopMetrics
	}
	return o.Metrics
}

func (o *ContainerOptions) keyPoolSize() int {
	if o == nil || o.KeyPoolSize <= 0 {
		return DefaultKeyPoolSize
	}
	return o.KeyPoolSize
}

func (o *ContainerOptions) enginePoolSize() int {
	if o == nil || o.EnginePoolSize <= 0 {
		return DefaultEnginePoolSize
	}
	return o.EnginePoolSize
}

func (o *ContainerOptions) keyTableShards() uint {
	if o == nil || o.KeyTableShards == 0 {
		return DefaultKeyTableShards
	}
	return o.KeyTableShards
}

func (o *ContainerOptions) sessionTTL() time.Duration {
	if o == nil || o.SessionTTL == 0 {
		return DefaultSessionTTL
	}
	return o.SessionTTL
}

func (o *ContainerOptions) expirationStatus() sip.ResponseStatus {
	if o == nil || !o.ExpirationStatus.IsFinal() {
		return sip.ResponseStatusRequestTimeout
	}
	return o.ExpirationStatus
}

func (o *ContainerOptions) countingRule() CountingRule {
	if o == nil {
		return CountingCorrected
	}
	return o.CountingRule
}

func (o *ContainerOptions) keepIdle() bool { return o != nil && o.KeepIdle }

func (o *ContainerOptions) recordRoute() sip.URI {
	if o == nil || o.RecordRoute.IsZero() {
		return sip.URI{Scheme: "sip", Host: o.via().Host, Port: o.via().Port}
	}
	return o.RecordRoute.Clone()
}

func (o *ContainerOptions) via() sip.Via {
	var v sip.Via
	if o != nil {
		v = o.Via.Clone()
	}
	v.Transport = util.Coalesce(v.Transport, "UDP")
	v.Host = util.Coalesce(v.Host, "localhost")
	return v
}

func (o *ContainerOptions) newID() string {
	if o == nil || o.NewID == nil {
		return util.NewID()
	}
	return o.NewID()
}

func (o *ContainerOptions) route(req *sip.Request) ServletDescriptor {
	if o == nil || o.Router == nil {
		return ServletDescriptor{}
	}
	return o.Router(req)
}
