package sip

import "time"

// Base SIP timers, RFC 3261 section 17.
const (
	// T1 is the round-trip time estimate.
	T1 = 500 * time.Millisecond
	// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum duration a message remains in the network.
	T4 = 5 * time.Second
)

// TimingConfig holds the base timers the transaction user derives its timeouts from.
// The zero value uses [T1], [T2] and [T4].
type TimingConfig struct {
	t1, t2, t4 time.Duration
}

// NewTimings returns the timing config with the given base values.
// Zero values fall back to defaults.
func NewTimings(t1, t2, t4 time.Duration) TimingConfig {
	return TimingConfig{t1: t1, t2: t2, t4: t4}
}

func (c TimingConfig) T1() time.Duration { return orDefault(c.t1, T1) }

func (c TimingConfig) T2() time.Duration { return orDefault(c.t2, T2) }

func (c TimingConfig) T4() time.Duration { return orDefault(c.t4, T4) }

// TimeB is how long an initial INVITE of a session may stay unanswered, 64*T1.
func (c TimingConfig) TimeB() time.Duration { return 64 * c.T1() }

// TimeG is the fixed 2xx retransmit interval, T1.
func (c TimingConfig) TimeG() time.Duration { return c.T1() }

// TimeH is how long a 2xx response waits for its ACK, 64*T1.
func (c TimingConfig) TimeH() time.Duration { return 64 * c.T1() }

// TimePRACK is how long a reliable provisional response waits for its PRACK
// before the INVITE is rejected with 504, 64*T1 (RFC 3262).
func (c TimingConfig) TimePRACK() time.Duration { return 64 * c.T1() }

func orDefault(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}
