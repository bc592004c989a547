package tu

import (
	"log/slog"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptu/dialog"
	"github.com/ghettovoice/siptu/sip"
)

// startProxy switches a UAS session into the stateful proxy role and forwards
// its initial request to the target.
func (e *Engine) startProxy(o *op, target sip.URI) (*ProxyBranch, error) {
	if _, ok := e.role.(*uasRole); !ok {
		return nil, errtrace.Wrap(newActionNotAllowedError("only UAS sessions can be proxied"))
	}
	req := e.initialReq
	if req == nil || e.initialDone {
		return nil, errtrace.Wrap(ErrNotInitialRequest)
	}
	key := inTxKey(req)
	if _, ok := o.h.txRequest(key); !ok {
		return nil, errtrace.Wrap(ErrNotInitialRequest)
	}

	p := &proxyRole{
		sessionID: o.c.opts.newID(),
		combined:  e.localTag != "",
	}
	fwd := req.Clone()
	fwd.URI = target.Clone()
	if fwd.MaxForwards > 0 {
		fwd.MaxForwards--
	}
	rr := sip.Address{URI: o.c.opts.recordRoute()}
	rr.URI.Params.Set("lr", "")
	rr.URI.Params.Set(sip.SessionIDParam, p.sessionID)
	fwd.RecordRoute = append([]sip.Address{rr}, fwd.RecordRoute...)
	via := o.c.newVia()
	fwd.Via = append([]sip.Via{via}, fwd.Via...)

	b := newProxyBranch(req, fwd)
	e.role = p
	o.h.delegateTx(key, b)
	e.indexTx(o, via.Branch(), fwd.Method, txEntry{id: o.h.id, branch: b, proxied: true})
	if fwd.Method == sip.RequestMethodInvite {
		e.outInvite = &pendingInvite{req: fwd}
	}
	o.log(slog.LevelDebug, "request proxied", slog.Any("request", fwd), slog.String("sid", p.sessionID))

	if err := o.c.tp.SendRequest(o.ctx, fwd); err != nil {
		e.unindexTx(o, via.Branch(), fwd.Method)
		e.outInvite = nil
		e.inInvite = nil
		e.initialDone = true
		b.Resolve(o.h)
		o.h.branchDone()
		res := req.NewResponse(sip.ResponseStatusServiceUnavailable, "")
		if err := o.c.tp.SendResponse(o.ctx, res); err != nil {
			o.log(slog.LevelWarn, "failed to send response", slog.Any("response", res), slog.Any("error", err))
		}
		return b, errtrace.Wrap(err)
	}
	return b, nil
}

// forwardRequest prepares a subsequent request for the next hop:
// our Route entry is removed, Max-Forwards decremented and a Via pushed.
func (e *Engine) forwardRequest(o *op, req *sip.Request) *sip.Request {
	fwd := req.Clone()
	if p, ok := e.isProxy(); ok && len(fwd.Route) > 0 && fwd.SessionID() == p.sessionID {
		fwd.Route = fwd.Route[1:]
	}
	if fwd.MaxForwards > 0 {
		fwd.MaxForwards--
	}
	fwd.Via = append([]sip.Via{o.c.newVia()}, fwd.Via...)
	return fwd
}

// proxyRequest forwards a subsequent request of the proxied dialog.
func (e *Engine) proxyRequest(o *op, req *sip.Request) error {
	if err := o.dialog().ApplyRequest(usageOf(req)); err != nil {
		e.reject(o, req, sip.ResponseStatusCallTransactionDoesNotExist, "", 0)
		return nil
	}
	fwd := e.forwardRequest(o, req)
	key := inTxKey(req)
	o.h.openTx(key, req)
	e.indexTx(o, fwd.Branch(), fwd.Method, txEntry{id: o.h.id, proxied: true})
	if err := o.c.tp.SendRequest(o.ctx, fwd); err != nil {
		o.h.closeTx(key)
		e.unindexTx(o, fwd.Branch(), fwd.Method)
		o.log(slog.LevelWarn, "failed to forward request", slog.Any("request", fwd), slog.Any("error", err))
		e.reject(o, req, sip.ResponseStatusServiceUnavailable, "", 0)
	}
	return nil
}

// proxyAck forwards ACK to a 2xx, it has no transaction.
// ACK to a non-2xx final response ends at this hop.
func (e *Engine) proxyAck(o *op, req *sip.Request) error {
	if p, ok := e.isProxy(); ok && p.inviteSeq == req.CSeq.Seq && p.inviteStatus >= 300 {
		o.log(slog.LevelDebug, "ACK to non-2xx response absorbed", slog.Any("request", req))
		return nil
	}
	fwd := e.forwardRequest(o, req)
	return errtrace.Wrap(o.c.tp.SendRequest(o.ctx, fwd))
}

// proxyCancel cancels the forwarded INVITE after the upstream CANCEL was answered.
func (e *Engine) proxyCancel(o *op) {
	inv := e.outInvite
	if inv == nil || inv.cancelled {
		return
	}
	inv.cancelled = true
	cancel := inv.req.NewCancel()
	o.h.openTx(outTxKey(cancel), cancel)
	if !inv.provisional {
		e.queuedCancel = cancel
		return
	}
	if err := e.flushCancel(o, cancel); err != nil {
		o.log(slog.LevelWarn, "failed to send CANCEL", slog.Any("request", cancel), slog.Any("error", err))
	}
}

// proxyResponse relays a downstream response upstream.
func (e *Engine) proxyResponse(o *op, ent txEntry, res *sip.Response) error {
	fwd := res.Clone()
	if len(fwd.Via) > 0 {
		fwd.Via = fwd.Via[1:]
	}

	if res.CSeq.Method == sip.RequestMethodCancel {
		if res.Status.IsFinal() {
			o.h.closeTx(resTxKey(res, dirOut))
			e.unindexTx(o, res.Branch(), sip.RequestMethodCancel)
		}
		return nil
	}
	if ent.branch == nil {
		return errtrace.Wrap(e.relaySubsequent(o, res, fwd))
	}

	b := ent.branch
	req := b.Upstream()
	if req.Method == sip.RequestMethodInvite && res.Status.IsProvisional() {
		e.gotProvisional(o, b.Downstream())
	}
	toTag := res.To.Tag()
	if toTag != "" && res.Status != sip.ResponseStatusTrying && dialog.IsDialogCapableMethod(req.Method) &&
		(res.Status.IsProvisional() || res.Status.IsSuccessful()) {
		p, _ := e.isProxy()
		switch {
		case p.downstreamTag == "":
			p.downstreamTag = toTag
			e.registerKey(o, dialog.NewKey(req.From.Tag(), toTag, p.sessionID, true))
		case toTag != p.downstreamTag:
			return errtrace.Wrap(e.proxyFork(o, b, p, res, fwd))
		}
	}
	return errtrace.Wrap(e.relayResponse(o, b, res, fwd))
}

func (e *Engine) relayResponse(o *op, b *ProxyBranch, res, fwd *sip.Response) error {
	req := b.Upstream()
	if res.Status != sip.ResponseStatusTrying {
		e.applyDialog(o, req, res, false)
	}
	if res.Status.IsFinal() {
		first := b.Resolve(o.h)
		o.h.branchDone()
		if first {
			e.recordFinal(req.Method, res.Status)
			e.recordProxyInvite(req, res)
			e.inInvite = nil
			if inv := e.outInvite; inv != nil && inv.cancelForced {
				o.h.terminated()
			}
			e.outInvite = nil
			if cancel := e.queuedCancel; cancel != nil {
				e.queuedCancel = nil
				o.h.closeTx(outTxKey(cancel))
			}
			if req.Method != sip.RequestMethodInvite {
				e.unindexTx(o, b.Branch(), req.Method)
			}
		} else if !res.Status.IsSuccessful() {
			o.log(slog.LevelDebug, "final response of a resolved branch dropped", slog.Any("response", res))
			return nil
		}
		e.initialDone = true
	}
	if err := o.c.tp.SendResponse(o.ctx, fwd); err != nil {
		o.log(slog.LevelWarn, "failed to relay response", slog.Any("response", fwd), slog.Any("error", err))
	}
	if res.Status != sip.ResponseStatusTrying {
		o.deliver(nil, fwd)
	}
	return nil
}

// proxyFork relays a response with a new To tag through the derived session of the fork.
func (e *Engine) proxyFork(o *op, b *ProxyBranch, p *proxyRole, res, fwd *sip.Response) error {
	k := dialog.NewKey(b.Upstream().From.Tag(), res.To.Tag(), p.sessionID, true)

	var do *op
	if dh, ok := o.c.keys.Get(k); ok && dh != o.h {
		rec, _ := dh.acquire(false)
		if rec == nil {
			return nil
		}
		do = o.with(dh, rec, true)
	} else {
		dh, rec := o.c.newDerived(o, b.Upstream())
		do = o.with(dh, rec, true)
		de := do.engine()
		if dp, ok := de.isProxy(); ok {
			dp.downstreamTag = res.To.Tag()
		}
		de.registerKey(do, k)
	}
	return errtrace.Wrap(do.engine().relayResponse(do, b, res, fwd))
}

// relaySubsequent relays a response to a subsequent request of the proxied dialog.
func (e *Engine) relaySubsequent(o *op, res, fwd *sip.Response) error {
	key := resTxKey(res, dirIn)
	req, ok := o.h.txRequest(key)
	if !ok {
		o.log(slog.LevelDebug, "response without transaction dropped", slog.Any("response", res))
		return nil
	}
	if res.Status != sip.ResponseStatusTrying {
		e.applyDialog(o, req, res, false)
	}
	if res.Status.IsFinal() {
		o.h.closeTx(key)
		e.unindexTx(o, res.Branch(), res.CSeq.Method)
		e.recordProxyInvite(req, res)
	}
	if err := o.c.tp.SendResponse(o.ctx, fwd); err != nil {
		o.log(slog.LevelWarn, "failed to relay response", slog.Any("response", fwd), slog.Any("error", err))
	}
	if res.Status != sip.ResponseStatusTrying {
		o.deliver(nil, fwd)
	}
	return nil
}

func (e *Engine) recordProxyInvite(req *sip.Request, res *sip.Response) {
	if p, ok := e.isProxy(); ok && req.Method == sip.RequestMethodInvite {
		p.inviteSeq, p.inviteStatus = req.CSeq.Seq, res.Status
	}
}
