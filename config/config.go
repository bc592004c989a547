package config

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/ghettovoice/siptu/dns"
	"github.com/ghettovoice/siptu/internal/errorutil"
	"github.com/ghettovoice/siptu/internal/log"
	"github.com/ghettovoice/siptu/metrics"
	"github.com/ghettovoice/siptu/sip"
	"github.com/ghettovoice/siptu/tu"
)

// ErrInvalidConfig is returned when a configuration fails validation.
const ErrInvalidConfig errorutil.Error = "invalid config"

// Config is the root configuration.
type Config struct {
	Log         Log      `yaml:"log"`
	Timings     Timings  `yaml:"timings"`
	Pools       Pools    `yaml:"pools"`
	Sessions    Sessions `yaml:"sessions"`
	Via         Endpoint `yaml:"via"`
	RecordRoute Endpoint `yaml:"record_route"`
	Metrics     Metrics  `yaml:"metrics"`
	Transport   Listen   `yaml:"transport"`
	DNS         DNS      `yaml:"dns"`
}

type Log struct {
	// Format is one of console, dev, json or none.
	Format    string `yaml:"format"`
	Level     string `yaml:"level"`
	AddSource bool   `yaml:"add_source"`
}

// Timings are the RFC 3261 base timers. Zero values keep the RFC defaults.
type Timings struct {
	T1 time.Duration `yaml:"t1"`
	T2 time.Duration `yaml:"t2"`
	T4 time.Duration `yaml:"t4"`
}

type Pools struct {
	KeyPoolSize    int  `yaml:"key_pool_size"`
	EnginePoolSize int  `yaml:"engine_pool_size"`
	KeyTableShards uint `yaml:"key_table_shards"`
}

type Sessions struct {
	// TTL is the session lifetime. Negative disables expiration.
	TTL              time.Duration `yaml:"ttl"`
	ExpirationStatus uint          `yaml:"expiration_status"`
	KeepIdle         bool          `yaml:"keep_idle"`
	// CountingRule is either corrected or legacy.
	CountingRule string `yaml:"counting_rule"`
}

// Endpoint is the sent-by address written into Via or Record-Route.
type Endpoint struct {
	Transport string `yaml:"transport"`
	Host      string `yaml:"host"`
	Port      uint16 `yaml:"port"`
}

type Metrics struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
	// Listen is the address of the HTTP exposition endpoint.
	Listen string `yaml:"listen"`
}

// DNS enables RFC 3263 location of the next hop of outgoing requests.
type DNS struct {
	Enabled    bool          `yaml:"enabled"`
	NameServer string        `yaml:"nameserver"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Listen is the SIP listening socket.
type Listen struct {
	Network string `yaml:"network"`
	Addr    string `yaml:"addr"`
}

// Default returns the configuration used for omitted fields.
func Default() *Config {
	return &Config{
		Log: Log{
			Format: string(log.FormatConsole),
			Level:  "info",
		},
		Pools: Pools{
			KeyPoolSize:    tu.DefaultKeyPoolSize,
			EnginePoolSize: tu.DefaultEnginePoolSize,
			KeyTableShards: tu.DefaultKeyTableShards,
		},
		Sessions: Sessions{
			TTL:              tu.DefaultSessionTTL,
			ExpirationStatus: uint(sip.ResponseStatusRequestTimeout),
			CountingRule:     tu.CountingCorrected.String(),
		},
		Via: Endpoint{
			Transport: "UDP",
			Host:      "localhost",
			Port:      5060,
		},
		Metrics: Metrics{
			Namespace: "siptu",
			Subsystem: "tu",
			Listen:    ":9090",
		},
		Transport: Listen{
			Network: "udp",
			Addr:    "0.0.0.0:5060",
		},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(Parse(data))
}

// Read is like [Load] but reads from r.
func Read(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(Parse(data))
}

// Parse decodes YAML over [Default] and validates the result.
// Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, err))
	}
	if err := c.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return c, nil
}

// Validate checks every section and returns all problems at once.
func (c *Config) Validate() error {
	var errs []error
	switch log.Format(c.Log.Format) {
	case log.FormatConsole, log.FormatDev, log.FormatJSON, log.FormatNone:
	default:
		errs = append(errs, errorutil.NewWrapperError(ErrInvalidConfig, "unknown log format %q", c.Log.Format))
	}
	if _, err := c.level(); err != nil {
		errs = append(errs, errorutil.NewWrapperError(ErrInvalidConfig, "log level: %v", err))
	}
	for name, d := range map[string]time.Duration{
		"t1": c.Timings.T1,
		"t2": c.Timings.T2,
		"t4": c.Timings.T4,
	} {
		if d < 0 {
			errs = append(errs, errorutil.NewWrapperError(ErrInvalidConfig, "timings.%s is negative", name))
		}
	}
	if c.Timings.T1 > 0 && c.Timings.T2 > 0 && c.Timings.T2 < c.Timings.T1 {
		errs = append(errs, errorutil.NewWrapperError(ErrInvalidConfig, "timings.t2 is less than timings.t1"))
	}
	if c.Pools.KeyPoolSize < 0 || c.Pools.EnginePoolSize < 0 {
		errs = append(errs, errorutil.NewWrapperError(ErrInvalidConfig, "pool size is negative"))
	}
	if sts := c.Sessions.ExpirationStatus; sts != 0 && !sip.ResponseStatus(sts).IsFinal() {
		errs = append(errs, errorutil.NewWrapperError(ErrInvalidConfig, "sessions.expiration_status %d is not final", sts))
	}
	if _, err := tu.ParseCountingRule(c.Sessions.CountingRule); err != nil {
		errs = append(errs, errorutil.NewWrapperError(ErrInvalidConfig, err))
	}
	if c.Via.Host == "" {
		errs = append(errs, errorutil.NewWrapperError(ErrInvalidConfig, "via.host is empty"))
	}
	if c.DNS.Timeout < 0 {
		errs = append(errs, errorutil.NewWrapperError(ErrInvalidConfig, "dns.timeout is negative"))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errorutil.NewWrapperError(ErrInvalidConfig, "metrics.listen is empty"))
	}
	return errtrace.Wrap(errorutil.JoinPrefix("config", errs...))
}

func (c *Config) level() (slog.Level, error) {
	var lvl slog.Level
	if c.Log.Level == "" {
		return lvl, nil
	}
	return lvl, errtrace.Wrap(lvl.UnmarshalText([]byte(c.Log.Level)))
}

// Logger builds the logger described by the log section.
func (c *Config) Logger(out io.Writer) *slog.Logger {
	lvl, _ := c.level()
	return log.New(&log.Options{
		Format:    log.Format(c.Log.Format),
		Level:     lvl,
		Output:    out,
		AddSource: c.Log.AddSource,
	})
}

// MetricsSink returns a Prometheus sink registered in reg when metrics are enabled
// and [tu.NoopMetrics] otherwise.
func (c *Config) MetricsSink(reg prometheus.Registerer) tu.MetricsSink {
	if !c.Metrics.Enabled {
		return tu.NoopMetrics
	}
	return metrics.New(&metrics.Options{
		Namespace:  c.Metrics.Namespace,
		Subsystem:  c.Metrics.Subsystem,
		Registerer: reg,
	})
}

// Resolver returns the DNS resolver of outgoing requests or nil when DNS location is disabled.
func (c *Config) Resolver() dns.Resolver {
	if !c.DNS.Enabled {
		return nil
	}
	return &dns.Client{NameServer: c.DNS.NameServer, Timeout: c.DNS.Timeout}
}

// ContainerOptions converts the configuration into container options.
// Collaborators that are not configurable here (store, timers, metrics, router)
// are left for the caller to set.
func (c *Config) ContainerOptions(logger *slog.Logger) (*tu.ContainerOptions, error) {
	rule, err := tu.ParseCountingRule(c.Sessions.CountingRule)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, err))
	}
	opts := &tu.ContainerOptions{
		Log:              logger,
		Timings:          sip.NewTimings(c.Timings.T1, c.Timings.T2, c.Timings.T4),
		KeyPoolSize:      c.Pools.KeyPoolSize,
		EnginePoolSize:   c.Pools.EnginePoolSize,
		KeyTableShards:   c.Pools.KeyTableShards,
		SessionTTL:       c.Sessions.TTL,
		ExpirationStatus: sip.ResponseStatus(c.Sessions.ExpirationStatus),
		CountingRule:     rule,
		KeepIdle:         c.Sessions.KeepIdle,
		Via: sip.Via{
			Transport: strings.ToUpper(c.Via.Transport),
			Host:      c.Via.Host,
			Port:      c.Via.Port,
		},
	}
	if rr := c.RecordRoute; rr.Host != "" {
		opts.RecordRoute = sip.URI{Scheme: "sip", Host: rr.Host, Port: rr.Port}
		if rr.Transport != "" {
			opts.RecordRoute.Params = sip.Values{"transport": strings.ToLower(rr.Transport)}
		}
	}
	return opts, nil
}
