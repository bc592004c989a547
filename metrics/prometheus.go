package metrics

import (
	"strconv"

	"braces.dev/errtrace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ghettovoice/siptu/dialog"
	"github.com/ghettovoice/siptu/internal/pool"
	"github.com/ghettovoice/siptu/sip"
	"github.com/ghettovoice/siptu/tu"
)

// Options configure [Prometheus].
type Options struct {
	// Namespace prefixes metric names. Defaults to "siptu".
	Namespace string
	// Subsystem is the second part of metric names. Defaults to "tu".
	Subsystem string
	// Registerer registers the collectors. Defaults to [prometheus.DefaultRegisterer].
	Registerer prometheus.Registerer
}

func (o *Options) namespace() string {
	if o == nil || o.Namespace == "" {
		return "siptu"
	}
	return o.Namespace
}

func (o *Options) subsystem() string {
	if o == nil || o.Subsystem == "" {
		return "tu"
	}
	return o.Subsystem
}

func (o *Options) registerer() prometheus.Registerer {
	if o == nil || o.Registerer == nil {
		return prometheus.DefaultRegisterer
	}
	return o.Registerer
}

// Prometheus is a [tu.MetricsSink] backed by Prometheus collectors.
type Prometheus struct {
	ns, sub string
	reg     prometheus.Registerer

	created       *prometheus.CounterVec
	reclaimed     *prometheus.CounterVec
	expired       *prometheus.CounterVec
	active        *prometheus.GaugeVec
	transitions   *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	retransmitted *prometheus.CounterVec
}

var _ tu.MetricsSink = (*Prometheus)(nil)

// New creates the sink and registers its collectors. Options are optional.
// It panics if the collectors are already registered.
func New(opts *Options) *Prometheus {
	ns, sub := opts.namespace(), opts.subsystem()
	f := promauto.With(opts.registerer())
	return &Prometheus{
		ns:  ns,
		sub: sub,
		reg: opts.registerer(),
		created: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "handles_created_total",
			Help:      "Number of sessions created.",
		}, []string{"role"}),
		reclaimed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "handles_reclaimed_total",
			Help:      "Number of sessions whose engine was reclaimed.",
		}, []string{"role"}),
		expired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "handles_expired_total",
			Help:      "Number of sessions invalidated by expiration.",
		}, []string{"role"}),
		active: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "handles_active",
			Help:      "Number of sessions with a live engine.",
		}, []string{"role"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "dialog_transitions_total",
			Help:      "Number of dialog state transitions.",
		}, []string{"from", "to"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "requests_rejected_total",
			Help:      "Number of requests answered locally with an error.",
		}, []string{"method", "status"}),
		retransmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "responses_retransmitted_total",
			Help:      "Number of retransmitted 2xx and reliable provisional responses.",
		}, []string{"method", "status"}),
	}
}

func (m *Prometheus) HandleCreated(role tu.Role) {
	m.created.WithLabelValues(string(role)).Inc()
	m.active.WithLabelValues(string(role)).Inc()
}

// HandleReclaimed counts the reclamation under the role the session had at the end,
// a UAS switched to the proxy role moves between the active gauges.
func (m *Prometheus) HandleReclaimed(role tu.Role) {
	m.reclaimed.WithLabelValues(string(role)).Inc()
	m.active.WithLabelValues(string(role)).Dec()
}

func (m *Prometheus) HandleExpired(role tu.Role) {
	m.expired.WithLabelValues(string(role)).Inc()
}

func (m *Prometheus) DialogStateChanged(from, to dialog.Phase) {
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Prometheus) RequestRejected(method sip.RequestMethod, status sip.ResponseStatus) {
	m.rejected.WithLabelValues(string(method), strconv.Itoa(int(status))).Inc()
}

func (m *Prometheus) ResponseRetransmitted(method sip.RequestMethod, status sip.ResponseStatus) {
	m.retransmitted.WithLabelValues(string(method), strconv.Itoa(int(status))).Inc()
}

// StatsSource reports pool counters, e.g. [tu.Container.EngineStats].
type StatsSource func() pool.Stats

// RegisterEnginePool exports the engine pool counters of the source
// under the sink namespace.
func (m *Prometheus) RegisterEnginePool(src StatsSource) error {
	cs := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: m.ns,
			Subsystem: m.sub,
			Name:      "engine_pool_idle",
			Help:      "Number of idle engines kept for reuse.",
		}, func() float64 { return float64(src().Idle) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: m.ns,
			Subsystem: m.sub,
			Name:      "engine_pool_gets_total",
			Help:      "Number of engines taken from the pool.",
		}, func() float64 { return float64(src().Gets) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: m.ns,
			Subsystem: m.sub,
			Name:      "engine_pool_allocs_total",
			Help:      "Number of engines allocated because the pool was empty.",
		}, func() float64 { return float64(src().Allocs) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: m.ns,
			Subsystem: m.sub,
			Name:      "engine_pool_drops_total",
			Help:      "Number of engines dropped because the pool was full.",
		}, func() float64 { return float64(src().Drops) }),
	}
	for _, c := range cs {
		if err := m.reg.Register(c); err != nil {
			return errtrace.Wrap(err)
		}
	}
	return nil
}
