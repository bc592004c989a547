package tu

import (
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptu/internal/timeutil"
)

type timerService struct{}

// NewTimerService returns a [TimerService] backed by [timeutil.SerializableTimer],
// so scheduled timers can be included in handle snapshots.
func NewTimerService() TimerService { return timerService{} }

func (timerService) Schedule(delay time.Duration, repeating bool, fn func()) (TimerHandle, error) {
	if repeating {
		return timeutil.Every(delay, fn), nil
	}
	return timeutil.AfterFunc(delay, fn), nil
}

func (timerService) Cancel(th TimerHandle) {
	if t, ok := th.(*timeutil.SerializableTimer); ok {
		t.Stop()
	}
}

func (timerService) Restore(snap *timeutil.TimerSnapshot, fn func()) (TimerHandle, error) {
	t := timeutil.RestoreTimer(snap, fn)
	if t == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("nil timer snapshot"))
	}
	return t, nil
}

// timerRestorer is implemented by timer services whose timers can be recreated
// from snapshots.
type timerRestorer interface {
	Restore(snap *timeutil.TimerSnapshot, fn func()) (TimerHandle, error)
}

type timerSnapshotter interface {
	Snapshot() *timeutil.TimerSnapshot
}

func snapshotTimer(th TimerHandle) *timeutil.TimerSnapshot {
	if ts, ok := th.(timerSnapshotter); ok {
		return ts.Snapshot()
	}
	return nil
}
