package tu

import (
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ghettovoice/siptu/dialog"
	"github.com/ghettovoice/siptu/sip"
)

type pendingInvite struct {
	req *sip.Request
	// provisional is set once a provisional response arrived, CANCEL may be sent after it.
	provisional bool
	// cancelled is set once CANCEL was created for the INVITE, queued or sent.
	cancelled bool
	// cancelForced is set when invalidation cancelled the INVITE.
	cancelForced bool
}

type retxTimer struct {
	th      TimerHandle
	res     *sip.Response
	elapsed time.Duration
}

// Engine is the protocol state of a transaction user.
// It lives in the container arena and is accessed only through its [Handle]
// with the dialog lock held. Engines are pooled, see [Engine.clean].
type Engine struct {
	role role

	callID       string
	localTag     string
	remoteTag    string
	localAddr    sip.Address
	remoteAddr   sip.Address
	localContact *sip.Address
	localCSeq    uint32
	remoteCSeq   uint32
	remoteTarget sip.URI
	routeSet     []sip.Address
	// remoteCSeqSet tells a received CSeq 0 from no request received yet.
	remoteCSeqSet bool

	initialReq  *sip.Request
	initialDone bool

	inInvite     *pendingInvite
	outInvite    *pendingInvite
	inRefer      *sip.Request
	queuedCancel *sip.Request
	retx         map[uint32]*retxTimer
	acks         map[uint32]*sip.Request
	lastInvite   uint32
	finals       map[sip.RequestMethod]sip.ResponseStatus

	rel          reliableProcessor
	rseqIn       uint32
	lastReliable *sip.Response

	derived    bool
	forking    bool
	forkParent HandleID
	forks      []HandleID
	keys       []dialog.Key
	txIdx      []txIndexKey
	deferred   *invalidation
}

func newEngine() *Engine {
	return &Engine{
		retx:   make(map[uint32]*retxTimer),
		acks:   make(map[uint32]*sip.Request),
		finals: make(map[sip.RequestMethod]sip.ResponseStatus),
	}
}

// clean zeroes the engine before it returns to the pool.
// Timers must be stopped before.
func (e *Engine) clean() {
	retx, acks, finals := e.retx, e.acks, e.finals
	clear(retx)
	clear(acks)
	clear(finals)
	clear(e.keys)
	clear(e.txIdx)
	keys, txIdx, forks := e.keys[:0], e.txIdx[:0], e.forks[:0]
	e.rel.reset()
	*e = Engine{
		retx:   retx,
		acks:   acks,
		finals: finals,
		keys:   keys,
		txIdx:  txIdx,
		forks:  forks,
	}
}

// deriveFrom initializes the engine of a forked session.
// Addressing, route and sequence state is copied, the remote tag is left to be
// learned from the forked response. Forking stays disabled until [Handle.EnableForking].
func (e *Engine) deriveFrom(p *Engine) {
	e.role = cloneRole(p.role)
	e.callID = p.callID
	e.localTag = p.localTag
	e.localAddr = p.localAddr.Clone()
	e.remoteAddr = p.remoteAddr.Clone()
	e.remoteAddr.SetTag("")
	if p.localContact != nil {
		c := p.localContact.Clone()
		e.localContact = &c
	}
	e.localCSeq = p.localCSeq
	e.remoteCSeq = p.remoteCSeq
	e.remoteCSeqSet = p.remoteCSeqSet
	e.remoteTarget = p.remoteTarget.Clone()
	if p.initialReq != nil && p.initialReq.Route != nil {
		e.routeSet = cloneAddrs(p.initialReq.Route)
	}
	e.initialReq = p.initialReq
	if p.outInvite != nil {
		e.outInvite = &pendingInvite{req: p.outInvite.req, provisional: true, cancelled: p.outInvite.cancelled}
	}
	if p.inInvite != nil {
		e.inInvite = &pendingInvite{req: p.inInvite.req}
	}
	e.derived = true
	e.forking = false
}

func (e *Engine) registerKey(o *op, k *dialog.Key) {
	o.c.keys.Set(k, o.h)
	e.keys = append(e.keys, *k)
}

func (e *Engine) unregisterKey(o *op, k *dialog.Key) {
	o.c.keys.DelFunc(k, func(h *Handle) bool { return h == o.h })
	e.keys = slices.DeleteFunc(e.keys, func(k2 dialog.Key) bool { return k2.Equal(k) })
}

func (e *Engine) unregisterKeys(c *Container, h *Handle) {
	for i := range e.keys {
		c.keys.DelFunc(&e.keys[i], func(v *Handle) bool { return v == h })
	}
	clear(e.keys)
	e.keys = e.keys[:0]
}

func (e *Engine) indexTx(o *op, branch string, m sip.RequestMethod, ent txEntry) {
	k := txIndexKey{branch, m}
	o.c.clientTx.Set(k, ent)
	e.txIdx = append(e.txIdx, k)
}

func (e *Engine) unindexTx(o *op, branch string, m sip.RequestMethod) {
	k := txIndexKey{branch, m}
	id := o.h.id
	o.c.clientTx.DelFunc(k, func(ent txEntry) bool { return ent.id == id })
	e.txIdx = slices.DeleteFunc(e.txIdx, func(k2 txIndexKey) bool { return k2 == k })
}

func (e *Engine) unindexAll(c *Container, id HandleID) {
	for _, k := range e.txIdx {
		c.clientTx.DelFunc(k, func(ent txEntry) bool { return ent.id == id })
	}
	clear(e.txIdx)
	e.txIdx = e.txIdx[:0]
}

// stopTimers cancels 2xx and reliable provisional retransmissions.
func (e *Engine) stopTimers(ts TimerService) {
	for seq, rt := range e.retx {
		if rt.th != nil {
			ts.Cancel(rt.th)
		}
		delete(e.retx, seq)
	}
	e.rel.stop(ts)
}

func (e *Engine) recordFinal(m sip.RequestMethod, sts sip.ResponseStatus) {
	if _, ok := e.finals[m]; !ok {
		e.finals[m] = sts
	}
}

// finalStatus returns the first final status seen for the method.
func (e *Engine) finalStatus(m sip.RequestMethod) (sip.ResponseStatus, bool) {
	sts, ok := e.finals[m]
	return sts, ok
}

// idle reports whether the session has nothing left to do:
// its dialog is terminated or was never established.
func (e *Engine) idle(dlg *dialog.State) bool {
	switch dlg.Phase() {
	case dialog.PhaseTerminated:
		return true
	case dialog.PhaseInitial:
		return e.initialDone
	}
	return false
}

func (e *Engine) isProxy() (*proxyRole, bool) {
	p, ok := e.role.(*proxyRole)
	return p, ok
}

// handledLocally reports whether a request reaching a proxy session is addressed
// to the UAS part of a combined session.
func (e *Engine) handledLocally(req *sip.Request) bool {
	p, ok := e.isProxy()
	if !ok {
		return true
	}
	return p.combined && e.localTag != "" && req.To.Tag() == e.localTag
}

func (e *Engine) applyDialog(o *op, req *sip.Request, res *sip.Response, outbound bool) {
	dlg := o.dialog()
	var err error
	if dialog.IsDialogCapableMethod(req.Method) {
		err = dlg.ApplyResponse(o.ctx, dialog.ResponseEvent{
			Status:      res.Status,
			Usage:       usageOf(req),
			HasToTag:    res.To.Tag() != "",
			Termination: terminationOf(req, res),
			Outbound:    outbound,
		})
	} else if res.Status.IsFinal() && terminationOf(req, res) == dialog.TerminationAll &&
		dlg.Phase() != dialog.PhaseInitial {
		err = dlg.Terminate(o.ctx)
	}
	if err != nil {
		o.log(slog.LevelWarn, "failed to update dialog state",
			slog.Any("response", res),
			slog.Any("error", err),
		)
	}
}

func (e *Engine) newInDialogRequest(m sip.RequestMethod) *sip.Request {
	req := &sip.Request{
		Method:      m,
		URI:         e.remoteTarget.Clone(),
		From:        e.localAddr.Clone(),
		To:          e.remoteAddr.Clone(),
		CallID:      e.callID,
		CSeq:        sip.CSeq{Method: m},
		MaxForwards: 70,
		Route:       cloneAddrs(e.routeSet),
	}
	req.From.SetTag(e.localTag)
	req.To.SetTag(e.remoteTag)
	if e.localContact != nil {
		c := e.localContact.Clone()
		req.Contact = &c
	}
	if m == sip.RequestMethodPrack && e.lastReliable != nil {
		req.RAck = &sip.RAck{
			RSeq:   e.lastReliable.RSeq,
			CSeq:   e.lastReliable.CSeq.Seq,
			Method: e.lastReliable.CSeq.Method,
		}
	}
	return req
}

// reject answers the request locally and drops it.
func (e *Engine) reject(o *op, req *sip.Request, sts sip.ResponseStatus, reason sip.ResponseReason, retryAfter uint32) {
	res := req.NewResponse(sts, reason)
	res.RetryAfter = retryAfter
	if res.To.Tag() == "" && e.localTag != "" {
		res.To.SetTag(e.localTag)
	}
	o.c.metrics.RequestRejected(req.Method, sts)
	o.log(slog.LevelDebug, "request rejected",
		slog.Any("request", req),
		slog.Int("status", int(sts)),
	)
	if err := o.c.tp.SendResponse(o.ctx, res); err != nil {
		o.log(slog.LevelWarn, "failed to send response", slog.Any("response", res), slog.Any("error", err))
	}
}

func (e *Engine) LogValue() slog.Value {
	if e == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("role", string(roleKind(e.role))),
		slog.String("call_id", e.callID),
		slog.String("local_tag", e.localTag),
		slog.String("remote_tag", e.remoteTag),
		slog.Uint64("local_cseq", uint64(e.localCSeq)),
		slog.Uint64("remote_cseq", uint64(e.remoteCSeq)),
	)
}

// usageOf returns the dialog usage created by the request.
// SUBSCRIBE and NOTIFY share the subscription usage of the event package,
// REFER creates the implicit "refer" subscription.
func usageOf(req *sip.Request) dialog.Usage {
	switch req.Method {
	case sip.RequestMethodInvite:
		return dialog.MethodUsage(sip.RequestMethodInvite)
	case sip.RequestMethodSubscribe, sip.RequestMethodNotify:
		return dialog.NewUsage(sip.RequestMethodSubscribe, eventPackage(req))
	case sip.RequestMethodRefer:
		return dialog.NewUsage(sip.RequestMethodSubscribe, "refer")
	}
	return dialog.Usage{}
}

func terminationOf(req *sip.Request, res *sip.Response) dialog.Termination {
	switch {
	case !res.Status.IsFinal():
		return dialog.TerminationNone
	case req.Method == sip.RequestMethodBye,
		res.Status == sip.ResponseStatusCallTransactionDoesNotExist && !req.IsOutOfDialog():
		return dialog.TerminationAll
	case req.Method == sip.RequestMethodNotify && res.Status.IsSuccessful():
		if st, _ := req.Headers.Get("subscription-state"); headerValue(st) == "terminated" {
			return dialog.TerminationUsage
		}
	case req.Method == sip.RequestMethodSubscribe && res.Status.IsSuccessful():
		if exp, _ := req.Headers.Get("expires"); strings.TrimSpace(exp) == "0" {
			return dialog.TerminationUsage
		}
	}
	return dialog.TerminationNone
}

func eventPackage(req *sip.Request) string {
	ev, _ := req.Headers.Get("event")
	return headerValue(ev)
}

// headerValue strips parameters from a header field value.
func headerValue(s string) string {
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(strings.TrimSpace(s))
}

func cloneAddrs(addrs []sip.Address) []sip.Address {
	if addrs == nil {
		return nil
	}
	out := make([]sip.Address, len(addrs))
	for i := range addrs {
		out[i] = addrs[i].Clone()
	}
	return out
}

func reversedAddrs(addrs []sip.Address) []sip.Address {
	out := cloneAddrs(addrs)
	slices.Reverse(out)
	return out
}
