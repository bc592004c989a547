package timeutil

import (
	"encoding/json"
	"sync"
	"time"

	"braces.dev/errtrace"
)

// TimerState represents the current state of a serializable timer.
type TimerState string

const (
	// TimerStateRunning indicates the timer is armed.
	TimerStateRunning TimerState = "running"
	// TimerStateStopped indicates the timer was stopped before expiration.
	TimerStateStopped TimerState = "stopped"
	// TimerStateExpired indicates a one-shot timer has fired.
	TimerStateExpired TimerState = "expired"
)

// SerializableTimer is a one-shot or repeating timer that tracks its own timing
// metadata next to the underlying [time.Timer].
// The callback runs in its own goroutine, never under the timer lock.
type SerializableTimer struct {
	mu        sync.Mutex
	startTime time.Time
	duration  time.Duration
	repeat    bool
	state     TimerState
	stopTime  time.Time
	fired     uint

	callback func()
	gen      uint64
	rt       *time.Timer
}

// AfterFunc starts a one-shot timer that calls f after the duration.
func AfterFunc(d time.Duration, f func()) *SerializableTimer {
	t := &SerializableTimer{callback: f}
	t.mu.Lock()
	t.startUnsafe(time.Now(), d, false)
	t.mu.Unlock()
	return t
}

// Every starts a repeating timer that calls f every period until stopped.
func Every(period time.Duration, f func()) *SerializableTimer {
	t := &SerializableTimer{callback: f}
	t.mu.Lock()
	t.startUnsafe(time.Now(), period, true)
	t.mu.Unlock()
	return t
}

func (t *SerializableTimer) startUnsafe(start time.Time, d time.Duration, repeat bool) {
	if t.rt != nil {
		t.rt.Stop()
		t.rt = nil
	}

	t.startTime = start
	t.duration = d
	t.repeat = repeat
	t.state = TimerStateRunning
	t.stopTime = time.Time{}
	t.gen++
	t.armUnsafe(max(d-time.Since(start), 0))
}

func (t *SerializableTimer) armUnsafe(after time.Duration) {
	if t.callback == nil {
		return
	}
	gen := t.gen
	t.rt = time.AfterFunc(after, func() { t.fire(gen) })
}

func (t *SerializableTimer) fire(gen uint64) {
	t.mu.Lock()
	if t.gen != gen || t.state != TimerStateRunning {
		t.mu.Unlock()
		return
	}

	t.fired++
	now := time.Now()
	if t.repeat {
		t.startTime = now
		t.armUnsafe(t.duration)
	} else {
		t.state = TimerStateExpired
		t.stopTime = now
		t.rt = nil
	}
	cb := t.callback
	t.mu.Unlock()

	cb()
}

// State returns the current timer state.
func (t *SerializableTimer) State() TimerState {
	if t == nil {
		return ""
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Duration returns the timer duration or period.
func (t *SerializableTimer) Duration() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

// Repeating reports whether the timer was created by [Every].
func (t *SerializableTimer) Repeating() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.repeat
}

// Fired returns how many times the callback was invoked.
func (t *SerializableTimer) Fired() uint {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Left returns the time remaining until the next expiration.
// It returns 0 when the timer is not running.
func (t *SerializableTimer) Left() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TimerStateRunning {
		return 0
	}
	return max(t.duration-time.Since(t.startTime), 0)
}

// Deadline returns the time of the next expiration.
func (t *SerializableTimer) Deadline() time.Time {
	if t == nil {
		return time.Time{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startTime.Add(t.duration)
}

// Stop stops the timer. It returns false if the timer was not running.
// A stopped timer never calls its callback.
func (t *SerializableTimer) Stop() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TimerStateRunning {
		return false
	}
	t.state = TimerStateStopped
	t.stopTime = time.Now()
	t.gen++
	if t.rt != nil {
		t.rt.Stop()
		t.rt = nil
	}
	return true
}

// Reset restarts the timer with a new duration counted from now.
// Stopped and expired timers are rearmed with the same callback.
func (t *SerializableTimer) Reset(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startUnsafe(time.Now(), d, t.repeat)
}

// TimerSnapshot is a serializable view of a timer.
type TimerSnapshot struct {
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Repeat    bool          `json:"repeat,omitempty"`
	State     TimerState    `json:"state"`
	StopTime  time.Time     `json:"stop_time,omitzero"`
	Fired     uint          `json:"fired,omitempty"`
}

// Snapshot returns the timer state.
func (t *SerializableTimer) Snapshot() *TimerSnapshot {
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return &TimerSnapshot{
		StartTime: t.startTime,
		Duration:  t.duration,
		Repeat:    t.repeat,
		State:     t.state,
		StopTime:  t.stopTime,
		Fired:     t.fired,
	}
}

// MarshalJSON implements [json.Marshaler].
func (t *SerializableTimer) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(t.Snapshot()))
}

// RestoreTimer recreates a timer from the snapshot and attaches the callback.
// A running timer whose deadline has passed fires immediately;
// a repeating one continues with its period afterwards.
func RestoreTimer(snap *TimerSnapshot, f func()) *SerializableTimer {
	if snap == nil {
		return nil
	}

	t := &SerializableTimer{
		callback: f,
		fired:    snap.Fired,
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if snap.State == TimerStateRunning {
		t.startUnsafe(snap.StartTime, snap.Duration, snap.Repeat)
		return t
	}
	t.startTime = snap.StartTime
	t.duration = snap.Duration
	t.repeat = snap.Repeat
	t.state = snap.State
	t.stopTime = snap.StopTime
	return t
}
