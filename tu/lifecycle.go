package tu

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/siptu/sip"
)

// Lifecycle is the lifecycle state of a [Handle].
type Lifecycle string

const (
	// LifecycleActive handles accept requests.
	LifecycleActive Lifecycle = "active"
	// LifecycleInvalidating handles wait for open transactions before reclamation.
	LifecycleInvalidating Lifecycle = "invalidating"
	// LifecyclePartiallyInvalidated handles wait for a provisional response
	// to send the CANCEL created by invalidation.
	LifecyclePartiallyInvalidated Lifecycle = "partially_invalidated"
	// LifecycleReclaimed handles have no engine anymore.
	LifecycleReclaimed Lifecycle = "reclaimed"
)

const (
	trigInvalidate = "invalidate"
	trigDefer      = "defer"
	trigReclaim    = "reclaim"
)

// invalidation carries the parameters of an invalidation, kept by the engine
// while the invalidation is deferred.
type invalidation struct {
	removeFromOwner  bool
	removeFromLookup bool
	// status answers unanswered incoming INVITEs.
	status sip.ResponseStatus
	// force drops pending transactions instead of waiting for them.
	force bool
}

func (h *Handle) initFSM() {
	h.fsm = stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) { return h.Lifecycle(), nil },
		func(_ context.Context, st stateless.State) error {
			h.lifecycle.Store(st.(Lifecycle)) //nolint:forcetypeassert
			return nil
		},
		stateless.FiringImmediate,
	)

	h.fsm.Configure(LifecycleActive).
		Permit(trigInvalidate, LifecycleInvalidating)

	h.fsm.Configure(LifecycleInvalidating).
		Permit(trigDefer, LifecyclePartiallyInvalidated).
		Permit(trigReclaim, LifecycleReclaimed).
		Ignore(trigInvalidate)

	h.fsm.Configure(LifecyclePartiallyInvalidated).
		Permit(trigInvalidate, LifecycleInvalidating)

	h.fsm.Configure(LifecycleReclaimed).
		OnEntry(h.actReclaim).
		Ignore(trigInvalidate).
		Ignore(trigDefer).
		Ignore(trigReclaim)
}

// fireLocked fires the lifecycle trigger. It must be called with h.mu held.
func (h *Handle) fireLocked(trig string) error {
	return errtrace.Wrap(h.fsm.Fire(trig))
}

func (h *Handle) fire(trig string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return errtrace.Wrap(h.fireLocked(trig))
}

// actReclaim releases everything the handle owns and returns the engine to the pool.
func (h *Handle) actReclaim(context.Context, ...any) error {
	c := h.c
	rec, ok := c.arena.Del(h.id)
	if !ok {
		return nil
	}
	e := rec.engine
	e.stopTimers(c.timers)
	e.unregisterKeys(c, h)
	e.unindexAll(c, h.id)
	rec.id.invalidate(c.timers)
	c.detach(rec.id.as, h.id)
	if b := h.branch; b != nil {
		h.branch = nil
		b.dissociate(h)
	}
	clear(h.open)
	h.inherited = 0
	h.terminating = 0
	rec.engine = nil
	c.enginePool.Put(e)
	c.metrics.HandleReclaimed(h.Role())
	return nil
}

// invalidateLocked invalidates the session. It must be called with Locks.Sync held.
func (h *Handle) invalidateLocked(o *op, inv invalidation) {
	switch h.Lifecycle() {
	case LifecycleInvalidating, LifecycleReclaimed:
		return
	case LifecyclePartiallyInvalidated:
		// repeated invalidation joins the deferred one while the CANCEL is queued
		if e := o.engine(); !inv.force && e.queuedCancel != nil && e.deferred != nil {
			e.deferred.removeFromOwner = e.deferred.removeFromOwner || inv.removeFromOwner
			e.deferred.removeFromLookup = e.deferred.removeFromLookup || inv.removeFromLookup
			return
		}
	}
	if inv.status == 0 {
		inv.status = o.c.opts.expirationStatus()
	}
	if err := h.fire(trigInvalidate); err != nil {
		o.log(slog.LevelWarn, "failed to invalidate session", slog.Any("error", err))
		return
	}
	h.notify(LifecycleInvalidating)

	e := o.engine()
	if e.abortPending(o, inv) {
		e.deferred = &inv
		if err := h.fire(trigDefer); err != nil {
			o.log(slog.LevelWarn, "failed to defer session invalidation", slog.Any("error", err))
		} else {
			h.notify(LifecyclePartiallyInvalidated)
		}
		h.scheduleExpiration(o.rec, o.c.timings.TimeB())
		o.log(slog.LevelDebug, "session invalidation deferred until CANCEL is sent")
		return
	}

	e.deferred = nil
	e.stopTimers(o.c.timers)
	o.rec.id.invalidate(o.c.timers)
	if inv.removeFromLookup {
		e.unregisterKeys(o.c, h)
	}
	if inv.removeFromOwner {
		o.c.detach(o.rec.id.as, h.id)
	}
	if err := o.c.store.Remove(o.ctx, o.rec.id.sharedID); err != nil {
		o.log(slog.LevelWarn, "failed to remove session from the store", slog.Any("error", err))
	}
	o.log(slog.LevelDebug, "session invalidated")
}

// abortPending terminates transactions that would keep the session alive forever.
// An unanswered incoming INVITE is answered with the invalidation status, a
// pending outgoing INVITE is cancelled. It reports whether the CANCEL had to be
// queued until a provisional response, so invalidation must be deferred.
func (e *Engine) abortPending(o *op, inv invalidation) bool {
	if pi := e.inInvite; pi != nil {
		if _, ok := e.isProxy(); !ok {
			if err := e.onOutgoingResponse(o, pi.req.NewResponse(inv.status, "")); err != nil {
				o.log(slog.LevelWarn, "failed to answer pending INVITE", slog.Any("request", pi.req), slog.Any("error", err))
			}
		}
	}

	if inv.force {
		e.queuedCancel = nil
		e.outInvite = nil
		e.inInvite = nil
		o.h.dropTransactions()
		o.h.SetProxyBranch(nil)
		return false
	}
	// forks share the INVITE transaction of the session that sent it
	if e.derived {
		return false
	}

	pi := e.outInvite
	if pi == nil {
		return false
	}
	if pi.cancelled {
		return e.queuedCancel != nil
	}
	pi.cancelled = true
	pi.cancelForced = true
	o.h.beginTerminating()
	cancel := pi.req.NewCancel()
	o.h.openTx(outTxKey(cancel), cancel)
	if !pi.provisional {
		e.queuedCancel = cancel
		return true
	}
	if err := e.flushCancel(o, cancel); err != nil {
		o.log(slog.LevelWarn, "failed to send CANCEL", slog.Any("request", cancel), slog.Any("error", err))
	}
	return false
}
