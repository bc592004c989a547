package tu

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptu/dialog"
	"github.com/ghettovoice/siptu/internal/pool"
	"github.com/ghettovoice/siptu/internal/syncutil"
	"github.com/ghettovoice/siptu/sip"
)

// Container owns all sessions of a node.
//
// Inbound messages are pushed by the transport through [Container.RecvRequest]
// and [Container.RecvResponse]; the container finds the session by its dialog key
// or client transaction and runs it. Requests that create sessions get a new UAS handle.
type Container struct {
	tp      sip.Transport
	app     ApplicationInvoker
	opts    *ContainerOptions
	log     *slog.Logger
	timers  TimerService
	timings sip.TimingConfig
	metrics MetricsSink
	store   SessionStore

	nextID      atomic.Uint64
	closed      atomic.Bool
	arena       *syncutil.ShardMap[HandleID, *record]
	keys        *dialog.KeyTable[*Handle]
	keyPool     *dialog.KeyPool
	enginePool  *pool.Pool[*Engine]
	clientTx    syncutil.RWMap[txIndexKey, txEntry]
	appSessions syncutil.RWMap[string, *appSession]
}

// NewContainer creates a container sending messages through tp and delivering
// them to app. Options are optional.
func NewContainer(tp sip.Transport, app ApplicationInvoker, opts *ContainerOptions) *Container {
	c := &Container{
		tp:      tp,
		app:     app,
		opts:    opts,
		log:     opts.log(),
		timers:  opts.timers(),
		timings: opts.timings(),
		metrics: opts.metrics(),
		store:   opts.store(),
		keyPool: dialog.NewKeyPool(opts.keyPoolSize()),
		keys:    dialog.NewKeyTable[*Handle](opts.keyTableShards()),
		arena:   syncutil.NewShardMap[HandleID, *record](syncutil.ShardsNum(opts.keyTableShards())),
	}
	c.enginePool = pool.New(opts.enginePoolSize(), newEngine, (*Engine).clean)
	return c
}

// Len returns the number of sessions with a live engine.
func (c *Container) Len() int { return c.arena.Size() }

// Handle returns the handle by its id.
func (c *Container) Handle(id HandleID) (*Handle, bool) {
	rec, ok := c.arena.Get(id)
	if !ok {
		return nil, false
	}
	return rec.h, true
}

// Lookup returns the handle registered with the dialog key.
func (c *Container) Lookup(k *dialog.Key) (*Handle, bool) {
	if k == nil {
		return nil, false
	}
	return c.keys.Get(k)
}

// EngineStats returns engine pool counters.
func (c *Container) EngineStats() pool.Stats { return c.enginePool.Stats() }

// RecvRequest processes a request received by the transport.
//
// Requests matching no session are rejected with 481, except ACK which is dropped,
// and out-of-dialog requests which create a new UAS session.
func (c *Container) RecvRequest(ctx context.Context, req *sip.Request) error {
	if c.closed.Load() {
		return errtrace.Wrap(ErrContainerClosed)
	}
	if err := req.Validate(); err != nil {
		if req != nil && !req.Method.Equal(sip.RequestMethodAck) {
			c.rejectStateless(ctx, req, sip.ResponseStatusBadRequest)
		}
		return errtrace.Wrap(err)
	}
	req.Method = req.Method.ToUpper()
	req.CSeq.Method = req.Method

	if h := c.route(req); h != nil {
		err := h.recvRequest(ctx, req)
		if !errors.Is(err, ErrInvalidSession) {
			return errtrace.Wrap(err)
		}
	}

	switch {
	case req.Method == sip.RequestMethodAck:
		c.log.LogAttrs(ctx, slog.LevelDebug, "ACK without session dropped", slog.Any("request", req))
		return nil
	case req.Method == sip.RequestMethodCancel, !req.IsOutOfDialog():
		c.reject(ctx, req, sip.ResponseStatusCallTransactionDoesNotExist)
		return nil
	}
	return errtrace.Wrap(c.newUAS(ctx, req))
}

// route finds the session of the request.
func (c *Container) route(req *sip.Request) *Handle {
	k := c.keyPool.Get()
	defer c.keyPool.Put(k)

	fromTag, toTag := req.From.Tag(), req.To.Tag()
	if sid := req.SessionID(); sid != "" {
		if h, ok := c.keys.Get(k.Setup(fromTag, toTag, sid, true)); ok {
			return h
		}
	}
	if toTag != "" {
		if h, ok := c.keys.Get(k.Setup(toTag, fromTag, req.CallID, false)); ok {
			return h
		}
		// NOTIFY may arrive before the 2xx to SUBSCRIBE
		if h, ok := c.keys.Get(k.Setup(toTag, "", req.CallID, false)); ok {
			return h
		}
		return nil
	}
	if req.Method == sip.RequestMethodCancel || req.Method == sip.RequestMethodAck {
		if h, ok := c.keys.Get(k.Setup("", fromTag, req.CallID, false)); ok {
			return h
		}
	}
	return nil
}

func (c *Container) newUAS(ctx context.Context, req *sip.Request) error {
	as := c.appSession("")
	h, _ := c.newHandle(as, c.opts.route(req), &uasRole{}, nil)

	var other *Handle
	err := h.do(ctx, true, true, func(o *op) error {
		k := dialog.NewKey("", req.From.Tag(), req.CallID, false)
		if cur, loaded := c.keys.SetIfAbsent(k, h); loaded {
			other = cur
			h.invalidateLocked(o, invalidation{removeFromOwner: true, removeFromLookup: true, force: true})
			return nil
		}
		e := o.engine()
		e.keys = append(e.keys, *k)
		return errtrace.Wrap(e.onIncomingRequest(o, req))
	})
	if other != nil {
		return errtrace.Wrap(other.recvRequest(ctx, req))
	}
	if err != nil {
		_ = h.Invalidate(ctx, true, true)
		return errtrace.Wrap(err)
	}
	if rec, _ := h.acquire(false); rec != nil {
		c.replicate(ctx, h, rec)
		h.EndUse()
	}
	return nil
}

// RecvResponse processes a response to a request sent by a session.
// Responses matching no client transaction are dropped.
func (c *Container) RecvResponse(ctx context.Context, res *sip.Response) error {
	if c.closed.Load() {
		return errtrace.Wrap(ErrContainerClosed)
	}
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(err)
	}
	res.CSeq.Method = res.CSeq.Method.ToUpper()
	ent, ok := c.clientTx.Get(txIndexKey{res.Branch(), res.CSeq.Method})
	if !ok {
		c.log.LogAttrs(ctx, slog.LevelDebug, "response without transaction dropped", slog.Any("response", res))
		return nil
	}
	h, ok := c.Handle(ent.id)
	if !ok {
		return nil
	}
	if err := h.recvResponse(ctx, res, ent); err != nil && !errors.Is(err, ErrInvalidSession) {
		return errtrace.Wrap(err)
	}
	return nil
}

// NewUAC creates a UAC session. The first request sent through the handle is
// its initial request. An empty appSessionID creates a new application session.
func (c *Container) NewUAC(ctx context.Context, appSessionID string, servlet ServletDescriptor) (*Handle, error) {
	if c.closed.Load() {
		return nil, errtrace.Wrap(ErrContainerClosed)
	}
	h, rec := c.newHandle(c.appSession(appSessionID), servlet, &uacRole{}, nil)
	c.replicate(ctx, h, rec)
	return h, nil
}

// NewB2BUALeg creates the UAC leg of a back-to-back user agent linked to the UAS session peer.
// Both legs share the application session; CANCEL received by the UAS leg is
// propagated to the UAC leg.
func (c *Container) NewB2BUALeg(ctx context.Context, peer *Handle) (*Handle, error) {
	if c.closed.Load() {
		return nil, errtrace.Wrap(ErrContainerClosed)
	}
	if peer == nil || peer.c != c {
		return nil, errtrace.Wrap(NewInvalidArgumentError("peer does not belong to the container"))
	}
	var (
		leg *Handle
		rec *record
	)
	err := peer.do(ctx, true, false, func(o *op) error {
		if !o.valid() {
			return errtrace.Wrap(ErrInvalidSession)
		}
		ur, ok := o.engine().role.(*uasRole)
		if !ok {
			return errtrace.Wrap(newActionNotAllowedError("only UAS sessions can be linked"))
		}
		leg, rec = c.newHandle(o.rec.id.as, o.rec.id.servlet, &uacRole{b2bua: true, peer: peer.id}, nil)
		ur.b2bua = true
		ur.peer = leg.id
		return nil
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	c.replicate(ctx, leg, rec)
	return leg, nil
}

// Restore recreates a session from its snapshot, e.g. replicated from another node.
// Only dialog state is restored, transactions in progress are not.
// The restored handle gets a new id; links between B2BUA legs are not restored.
func (c *Container) Restore(ctx context.Context, snap *HandleSnapshot) (*Handle, error) {
	if c.closed.Load() {
		return nil, errtrace.Wrap(ErrContainerClosed)
	}
	if snap == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("nil snapshot"))
	}
	var r role
	switch snap.Role {
	case RoleUAC:
		r = &uacRole{b2bua: snap.B2BUA}
	case RoleUAS:
		r = &uasRole{b2bua: snap.B2BUA}
	case RoleProxy:
		r = &proxyRole{sessionID: snap.SessionID, downstreamTag: snap.DownstreamTag, combined: snap.Combined}
	default:
		return nil, errtrace.Wrap(NewInvalidArgumentError("unknown role %q", snap.Role))
	}

	h, rec := c.newHandle(c.appSession(snap.AppSessionID), snap.Servlet, r, dialog.RestoreState(snap.Dialog))
	if snap.SharedID != "" {
		rec.id.sharedID = snap.SharedID
	}
	err := h.do(ctx, true, false, func(o *op) error {
		e := o.engine()
		e.callID = snap.CallID
		e.localTag = snap.LocalTag
		e.remoteTag = snap.RemoteTag
		e.localAddr = snap.LocalAddr.Clone()
		e.remoteAddr = snap.RemoteAddr.Clone()
		if snap.LocalContact != nil {
			lc := snap.LocalContact.Clone()
			e.localContact = &lc
		}
		e.localCSeq = snap.LocalCSeq
		e.remoteCSeq = snap.RemoteCSeq
		e.remoteCSeqSet = snap.RemoteCSeqSet || snap.RemoteCSeq != 0
		e.remoteTarget = snap.RemoteTarget.Clone()
		e.routeSet = cloneAddrs(snap.RouteSet)
		e.initialDone = true

		if p, ok := e.isProxy(); ok {
			if p.downstreamTag != "" {
				e.registerKey(o, dialog.NewKey(e.remoteTag, p.downstreamTag, p.sessionID, true))
			}
		} else if e.localTag != "" && e.remoteTag != "" {
			e.registerKey(o, dialog.NewKey(e.localTag, e.remoteTag, e.callID, false))
		}
		h.restoreExpiration(o.rec, snap)
		return nil
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	c.log.LogAttrs(ctx, slog.LevelDebug, "session restored", slog.Any("session", h))
	return h, nil
}

// Close invalidates all sessions dropping their transactions.
// Messages received after Close are rejected with [ErrContainerClosed].
func (c *Container) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var hs []*Handle
	for _, rec := range c.arena.Items() {
		hs = append(hs, rec.h)
	}
	for _, h := range hs {
		_ = h.do(ctx, false, false, func(o *op) error {
			h.invalidateLocked(o, invalidation{
				removeFromOwner:  true,
				removeFromLookup: true,
				force:            true,
			})
			return nil
		})
	}
	c.log.LogAttrs(ctx, slog.LevelDebug, "container closed", slog.Int("sessions", len(hs)))
	return nil
}

func (c *Container) appSession(id string) *appSession {
	if id == "" {
		id = c.opts.newID()
	}
	as, _ := c.appSessions.GetOrSet(id, func() *appSession { return newAppSession(id) })
	return as
}

func (c *Container) detach(as *appSession, id HandleID) {
	if as.detach(id) {
		c.appSessions.DelFunc(as.id, func(v *appSession) bool { return v == as && v.len() == 0 })
	}
}

// newHandle creates a session with a fresh engine from the pool.
func (c *Container) newHandle(as *appSession, servlet ServletDescriptor, r role, dlg *dialog.State) (*Handle, *record) {
	h := makeHandle(HandleID(c.nextID.Add(1)), c, roleKind(r))
	e := c.enginePool.Get()
	e.role = r
	ident := newIdentity(c.opts.newID(), as, servlet, dlg)
	ident.dialog.OnChange(func(from, to dialog.Phase) { c.metrics.DialogStateChanged(from, to) })
	rec := &record{h: h, id: ident, engine: e}
	c.arena.Set(h.id, rec)
	as.attach(h.id)
	h.scheduleExpiration(rec, c.opts.sessionTTL())
	c.metrics.HandleCreated(h.Role())
	c.log.LogAttrs(context.Background(), slog.LevelDebug, "session created", slog.Any("session", h))
	return h, rec
}

// newDerived creates the session of a forked response to origin.
// The returned handle is acquired.
func (c *Container) newDerived(o *op, origin *sip.Request) (*Handle, *record) {
	pe := o.engine()
	h, _ := c.newHandle(o.rec.id.as, o.rec.id.servlet, cloneRole(pe.role), o.dialog().CloneWithUsages())
	rec, _ := h.acquire(false)
	rec.engine.deriveFrom(pe)
	rec.engine.forkParent = o.h.id
	pe.forks = append(pe.forks, h.id)
	if b := o.h.ProxyBranch(); b != nil {
		h.SetProxyBranch(b)
		h.inherit(1)
	} else if pe.outInvite != nil {
		h.openTx(outTxKey(origin), origin)
	}
	o.log(slog.LevelDebug, "derived session created", slog.Any("derived", h))
	return h, rec
}

func (c *Container) replicate(ctx context.Context, h *Handle, rec *record) {
	if err := c.store.Put(ctx, rec.id.sharedID, h); err != nil {
		c.log.LogAttrs(ctx, slog.LevelWarn, "failed to replicate session",
			slog.Any("session", h),
			slog.Any("error", err),
		)
	}
}

func (c *Container) newVia() sip.Via {
	v := c.opts.via()
	v.Params.Set("branch", sip.NewBranch())
	return v
}

func (c *Container) reject(ctx context.Context, req *sip.Request, sts sip.ResponseStatus) {
	c.metrics.RequestRejected(req.Method, sts)
	res := req.NewResponse(sts, "")
	if err := c.tp.SendResponse(ctx, res); err != nil {
		c.log.LogAttrs(ctx, slog.LevelWarn, "failed to send response",
			slog.Any("response", res),
			slog.Any("error", err),
		)
	}
}

func (c *Container) rejectStateless(ctx context.Context, req *sip.Request, sts sip.ResponseStatus) {
	c.metrics.RequestRejected(req.Method, sts)
	res := req.NewResponse(sts, "")
	if err := c.tp.SendResponseStateless(ctx, res); err != nil {
		c.log.LogAttrs(ctx, slog.LevelWarn, "failed to send response",
			slog.Any("response", res),
			slog.Any("error", err),
		)
	}
}
