package tu

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/siptu/dialog"
	"github.com/ghettovoice/siptu/internal/timeutil"
	"github.com/ghettovoice/siptu/internal/types"
	"github.com/ghettovoice/siptu/sip"
)

// HandleID is the arena id of a handle, unique within its container.
type HandleID uint64

// record is the arena entry of a handle.
type record struct {
	h      *Handle
	id     *Identity
	engine *Engine
}

// Handle is the stable reference to a session.
//
// The handle holds only its id and bookkeeping: the engine behind it lives in
// the container arena while transactions are open or an operation runs against it.
// Every engine access is bracketed by [Handle.BeginUse] and [Handle.EndUse];
// the engine is reclaimed once the handle is invalidated and idle.
type Handle struct {
	id HandleID
	c  *Container

	role      atomic.Value // Role
	lifecycle atomic.Value // Lifecycle

	mu          sync.Mutex
	fsm         *stateless.StateMachine
	inflight    int
	open        map[txKey]*sip.Request
	inherited   int
	terminating int
	branch      *ProxyBranch

	listeners types.CallbackManager[func(*Handle, Lifecycle)]
}

func makeHandle(id HandleID, c *Container, r Role) *Handle {
	h := &Handle{id: id, c: c, open: make(map[txKey]*sip.Request)}
	h.role.Store(r)
	h.lifecycle.Store(LifecycleActive)
	h.initFSM()
	return h
}

// ID returns the handle id.
func (h *Handle) ID() HandleID { return h.id }

// Role returns the current role of the session.
func (h *Handle) Role() Role {
	r, _ := h.role.Load().(Role)
	return r
}

// Lifecycle returns the lifecycle state of the handle.
func (h *Handle) Lifecycle() Lifecycle {
	lc, _ := h.lifecycle.Load().(Lifecycle)
	return lc
}

// IsValid reports whether the session was not invalidated.
func (h *Handle) IsValid() bool { return h.Lifecycle() == LifecycleActive }

// OnLifecycle registers a callback called on every lifecycle change.
func (h *Handle) OnLifecycle(fn func(h *Handle, lc Lifecycle)) (remove func()) {
	return h.listeners.Add(fn)
}

func (h *Handle) notify(lc Lifecycle) {
	for fn := range h.listeners.All() {
		fn(h, lc)
	}
}

// BeginUse marks the engine as in use so it cannot be reclaimed until [Handle.EndUse].
// It returns false when the engine is gone; with strict set it returns [ErrInvalidSession] instead.
func (h *Handle) BeginUse(strict bool) (bool, error) {
	rec, err := h.acquire(strict)
	return rec != nil, errtrace.Wrap(err)
}

// EndUse releases the engine acquired by [Handle.BeginUse] and reclaims it if the
// handle is invalidated and idle.
func (h *Handle) EndUse() {
	h.mu.Lock()
	if h.inflight > 0 {
		h.inflight--
	}
	h.mu.Unlock()
	h.reuseIfIdle()
}

func (h *Handle) acquire(strict bool) (*record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.c.arena.Get(h.id)
	if !ok || rec.engine == nil || h.Lifecycle() == LifecycleReclaimed {
		if strict {
			return nil, errtrace.Wrap(ErrInvalidSession)
		}
		return nil, nil
	}
	h.inflight++
	return rec, nil
}

// HasOpenTransactions reports whether the session has transactions in progress.
func (h *Handle) HasOpenTransactions() bool { return h.OpenTransactions() > 0 }

// OpenTransactions returns the number of transactions in progress according to
// the container counting rule.
func (h *Handle) OpenTransactions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.openCountLocked()
}

func (h *Handle) openCountLocked() int {
	n := len(h.open) + h.terminating
	if h.branch != nil && h.c.opts.countingRule() == CountingCorrected {
		return n + h.branch.Count()
	}
	return n + h.inherited
}

func (h *Handle) openTx(k txKey, req *sip.Request) {
	h.mu.Lock()
	h.open[k] = req
	h.mu.Unlock()
}

func (h *Handle) closeTx(k txKey) {
	h.mu.Lock()
	delete(h.open, k)
	h.mu.Unlock()
}

func (h *Handle) txRequest(k txKey) (*sip.Request, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	req, ok := h.open[k]
	return req, ok
}

// delegateTx hands the counting of the transaction over to the proxy branch.
func (h *Handle) delegateTx(k txKey, b *ProxyBranch) {
	h.mu.Lock()
	delete(h.open, k)
	h.inherited = 1
	h.mu.Unlock()
	h.SetProxyBranch(b)
}

func (h *Handle) inherit(n int) {
	h.mu.Lock()
	h.inherited = n
	h.mu.Unlock()
}

// branchDone completes the branch transaction counted by this handle itself.
func (h *Handle) branchDone() {
	h.mu.Lock()
	if h.inherited > 0 {
		h.inherited--
	}
	h.mu.Unlock()
}

func (h *Handle) beginTerminating() {
	h.mu.Lock()
	h.terminating++
	h.mu.Unlock()
}

func (h *Handle) terminated() {
	h.mu.Lock()
	if h.terminating > 0 {
		h.terminating--
	}
	h.mu.Unlock()
}

func (h *Handle) dropTransactions() {
	h.mu.Lock()
	clear(h.open)
	h.inherited = 0
	h.terminating = 0
	h.mu.Unlock()
}

// ProxyBranch returns the proxy branch the handle is associated with.
func (h *Handle) ProxyBranch() *ProxyBranch {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.branch
}

// SetProxyBranch associates the handle with the proxy branch.
// With [CountingCorrected] the branch counter replaces the transactions
// the handle inherited from it.
func (h *Handle) SetProxyBranch(b *ProxyBranch) {
	h.mu.Lock()
	old := h.branch
	h.branch = b
	h.mu.Unlock()
	if old != nil && old != b {
		old.dissociate(h)
	}
	if b != nil {
		b.associate(h)
	}
}

// reuseIfIdle reclaims the engine of an invalidated handle once no transaction
// is open and no operation runs against it. Later completions call it again.
func (h *Handle) reuseIfIdle() {
	h.mu.Lock()
	if h.Lifecycle() != LifecycleInvalidating || h.inflight > 0 || h.openCountLocked() > 0 {
		h.mu.Unlock()
		return
	}
	err := h.fireLocked(trigReclaim)
	h.mu.Unlock()
	if err != nil {
		h.c.log.LogAttrs(context.Background(), slog.LevelWarn, "failed to reclaim session",
			slog.Any("session", h),
			slog.Any("error", err),
		)
		return
	}
	h.c.log.LogAttrs(context.Background(), slog.LevelDebug, "session reclaimed", slog.Any("session", h))
	h.notify(LifecycleReclaimed)
}

// do runs fn against the engine with the dialog lock held.
// Inbound processing also takes the service lock, so application deliveries
// of one session never run concurrently.
func (h *Handle) do(ctx context.Context, strict, service bool, fn func(o *op) error) error {
	rec, err := h.acquire(strict)
	if rec == nil {
		return errtrace.Wrap(err)
	}
	defer h.EndUse()

	locks := rec.id.locks
	if service {
		locks.Service.Lock()
		defer locks.Service.Unlock()
	}
	o := newOp(ctx, h, rec)
	locks.Sync.Lock()
	err = fn(o)
	o.settle()
	locks.Sync.Unlock()
	o.finish()
	return errtrace.Wrap(err)
}

// read runs fn against the engine with the dialog lock held, without side effects.
func (h *Handle) read(fn func(rec *record)) error {
	rec, err := h.acquire(true)
	if err != nil {
		return errtrace.Wrap(err)
	}
	defer h.EndUse()
	rec.id.locks.Sync.Lock()
	defer rec.id.locks.Sync.Unlock()
	fn(rec)
	return nil
}

func (h *Handle) runTimer(fn func(o *op)) {
	_ = h.do(context.Background(), false, true, func(o *op) error {
		fn(o)
		return nil
	})
}

func (h *Handle) recvRequest(ctx context.Context, req *sip.Request) error {
	return errtrace.Wrap(h.do(ctx, true, true, func(o *op) error {
		return errtrace.Wrap(o.engine().onIncomingRequest(o, req))
	}))
}

func (h *Handle) recvResponse(ctx context.Context, res *sip.Response, ent txEntry) error {
	return errtrace.Wrap(h.do(ctx, true, true, func(o *op) error {
		if ent.proxied {
			return errtrace.Wrap(o.engine().proxyResponse(o, ent, res))
		}
		return errtrace.Wrap(o.engine().onIncomingResponse(o, res))
	}))
}

// settle invalidates sessions that have nothing left to do and resumes
// deferred invalidation once the queued CANCEL is gone.
func (h *Handle) settle(o *op) {
	e := o.engine()
	switch h.Lifecycle() {
	case LifecyclePartiallyInvalidated:
		if e.queuedCancel == nil && e.deferred != nil {
			h.invalidateLocked(o, *e.deferred)
		}
	case LifecycleActive:
		if !o.c.opts.keepIdle() && e.idle(o.dialog()) && !h.HasOpenTransactions() {
			h.invalidateLocked(o, invalidation{
				removeFromOwner:  true,
				removeFromLookup: true,
				status:           o.c.opts.expirationStatus(),
			})
		}
	}
}

// SharedID returns the cluster-wide id of the session.
func (h *Handle) SharedID() string {
	var id string
	_ = h.read(func(rec *record) { id = rec.id.sharedID })
	return id
}

// AppSessionID returns the id of the application session owning the handle.
func (h *Handle) AppSessionID() string {
	var id string
	_ = h.read(func(rec *record) { id = rec.id.AppSessionID() })
	return id
}

// Servlet returns the servlet the session is bound to.
func (h *Handle) Servlet() ServletDescriptor {
	var s ServletDescriptor
	_ = h.read(func(rec *record) { s = rec.id.servlet })
	return s
}

// DialogPhase returns the state of the session dialog.
func (h *Handle) DialogPhase() (dialog.Phase, error) {
	var ph dialog.Phase
	err := h.read(func(rec *record) { ph = rec.id.dialog.Phase() })
	return ph, errtrace.Wrap(err)
}

// FinalStatus returns the first final status sent or received for the method.
func (h *Handle) FinalStatus(m sip.RequestMethod) (sip.ResponseStatus, bool) {
	var (
		sts sip.ResponseStatus
		ok  bool
	)
	_ = h.read(func(rec *record) { sts, ok = rec.engine.finalStatus(m) })
	return sts, ok
}

// ExpiresAt returns the expiration time of the session.
func (h *Handle) ExpiresAt() time.Time {
	var t time.Time
	_ = h.read(func(rec *record) { t = rec.id.expiresAt })
	return t
}

// Peer returns the linked leg of a B2BUA session.
func (h *Handle) Peer() (*Handle, bool) {
	var (
		id HandleID
		ok bool
	)
	_ = h.read(func(rec *record) { id, ok = b2buaPeer(rec.engine.role) })
	if !ok {
		return nil, false
	}
	return h.c.Handle(id)
}

// SendRequest sends a request within the session.
// The first request of a UAC session is its initial request; later requests
// get the dialog identifiers stamped. CSeq, Via branch and local tag are assigned.
// An INVITE overlapping another INVITE transaction fails with [sip.ResponseError] 491.
func (h *Handle) SendRequest(ctx context.Context, req *sip.Request) error {
	if req == nil {
		return errtrace.Wrap(NewInvalidArgumentError("nil request"))
	}
	req.Method = req.Method.ToUpper()
	return errtrace.Wrap(h.do(ctx, true, false, func(o *op) error {
		if !o.valid() {
			return errtrace.Wrap(ErrInvalidSession)
		}
		return errtrace.Wrap(o.engine().onOutgoingRequest(o, req))
	}))
}

// SendResponse answers a request received by the session.
func (h *Handle) SendResponse(ctx context.Context, res *sip.Response) error {
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(h.do(ctx, true, false, func(o *op) error {
		return errtrace.Wrap(o.engine().onOutgoingResponse(o, res))
	}))
}

// Cancel cancels the pending outgoing INVITE of the session.
func (h *Handle) Cancel(ctx context.Context) error {
	return errtrace.Wrap(h.SendRequest(ctx, &sip.Request{Method: sip.RequestMethodCancel}))
}

// NewRequest creates a request within the established dialog.
// PRACK requests acknowledge the last reliable provisional response.
func (h *Handle) NewRequest(m sip.RequestMethod) (*sip.Request, error) {
	var req *sip.Request
	err := h.read(func(rec *record) {
		if rec.engine.callID != "" {
			req = rec.engine.newInDialogRequest(m.ToUpper())
		}
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if req == nil {
		return nil, errtrace.Wrap(newActionNotAllowedError("session has no dialog"))
	}
	return req, nil
}

// Proxy forwards the initial request of a UAS session to the target and switches
// the session to the stateful proxy role. Sessions that already sent a response
// with a local tag keep handling requests addressed to that tag as UAS.
func (h *Handle) Proxy(ctx context.Context, target sip.URI) (*ProxyBranch, error) {
	if target.IsZero() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("empty proxy target"))
	}
	var b *ProxyBranch
	err := h.do(ctx, true, false, func(o *op) error {
		var err error
		b, err = o.engine().startProxy(o, target)
		if b != nil {
			h.role.Store(RoleProxy)
		}
		return errtrace.Wrap(err)
	})
	return b, errtrace.Wrap(err)
}

// EnableForking lets the session spawn derived sessions for forked responses.
// Derived sessions start with forking disabled.
func (h *Handle) EnableForking() error {
	return errtrace.Wrap(h.read(func(rec *record) { rec.engine.forking = true }))
}

// SetExpires reschedules the session expiration. A negative duration disables it.
func (h *Handle) SetExpires(ctx context.Context, d time.Duration) error {
	return errtrace.Wrap(h.do(ctx, true, false, func(o *op) error {
		if !o.valid() {
			return errtrace.Wrap(ErrInvalidSession)
		}
		h.scheduleExpiration(o.rec, d)
		return nil
	}))
}

func (h *Handle) scheduleExpiration(rec *record, d time.Duration) {
	ts := h.c.timers
	if d < 0 {
		rec.id.setExpiration(ts, nil, time.Time{})
		return
	}
	th, err := ts.Schedule(d, false, h.expire)
	if err != nil {
		h.c.log.LogAttrs(context.Background(), slog.LevelWarn, "failed to schedule session expiration",
			slog.Any("session", h),
			slog.Any("error", err),
		)
		rec.id.setExpiration(ts, nil, time.Time{})
		return
	}
	rec.id.setExpiration(ts, th, time.Now().Add(d))
}

// restoreExpiration resumes the expiration timer of a restored session.
// Timer services that can restore timers get the timer snapshot,
// the others are scheduled for the rest of the time until ExpiresAt.
func (h *Handle) restoreExpiration(rec *record, snap *HandleSnapshot) {
	ts := h.c.timers
	if tr, ok := ts.(timerRestorer); ok && snap.Expiration != nil && snap.Expiration.State == timeutil.TimerStateRunning {
		th, err := tr.Restore(snap.Expiration, h.expire)
		if err == nil {
			rec.id.setExpiration(ts, th, th.Deadline())
			return
		}
		h.c.log.LogAttrs(context.Background(), slog.LevelWarn, "failed to restore session expiration",
			slog.Any("session", h),
			slog.Any("error", err),
		)
	}
	if !snap.ExpiresAt.IsZero() {
		h.scheduleExpiration(rec, max(time.Until(snap.ExpiresAt), 0))
	}
}

func (h *Handle) expire() {
	h.runTimer(func(o *op) {
		if h.Lifecycle() == LifecycleInvalidating {
			return
		}
		o.c.metrics.HandleExpired(h.Role())
		o.log(slog.LevelInfo, "session expired")
		h.invalidateLocked(o, invalidation{
			removeFromOwner:  true,
			removeFromLookup: true,
			status:           o.c.opts.expirationStatus(),
			force:            true,
		})
	})
}

// Invalidate invalidates the session.
//
// Unanswered incoming INVITEs are answered with the container expiration status and
// pending outgoing INVITEs are cancelled. While the CANCEL waits for a provisional
// response the handle is partially invalidated and invalidation resumes later.
// The engine is reclaimed once all transactions complete.
// Invalidating an invalidated handle is a no-op.
func (h *Handle) Invalidate(ctx context.Context, removeFromOwner, removeFromLookup bool) error {
	return errtrace.Wrap(h.do(ctx, false, false, func(o *op) error {
		h.invalidateLocked(o, invalidation{
			removeFromOwner:  removeFromOwner,
			removeFromLookup: removeFromLookup,
			status:           o.c.opts.expirationStatus(),
		})
		return nil
	}))
}

func (h *Handle) LogValue() slog.Value {
	if h == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Uint64("id", uint64(h.id)),
		slog.String("role", string(h.Role())),
		slog.String("lifecycle", string(h.Lifecycle())),
	)
}
