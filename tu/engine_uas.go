package tu

import (
	"log/slog"
	"math/rand/v2"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptu/dialog"
	"github.com/ghettovoice/siptu/internal/util"
	"github.com/ghettovoice/siptu/sip"
)

const reasonCSeqOutOfOrder sip.ResponseReason = "CSeq Out of Order"

func (e *Engine) onIncomingRequest(o *op, req *sip.Request) error {
	switch req.Method {
	case sip.RequestMethodAck:
		return errtrace.Wrap(e.recvAck(o, req))
	case sip.RequestMethodCancel:
		return errtrace.Wrap(e.recvCancel(o, req))
	}
	if !e.handledLocally(req) {
		return errtrace.Wrap(e.proxyRequest(o, req))
	}
	return errtrace.Wrap(e.recvRequest(o, req))
}

// recvAck stops the retransmission of the acknowledged 2xx and delivers that first
// ACK to the application once. Duplicates and ACKs to non-2xx responses are absorbed.
func (e *Engine) recvAck(o *op, req *sip.Request) error {
	if !e.handledLocally(req) {
		return errtrace.Wrap(e.proxyAck(o, req))
	}
	rt, ok := e.retx[req.CSeq.Seq]
	if !ok {
		o.log(slog.LevelDebug, "ACK absorbed", slog.Any("request", req))
		return nil
	}
	delete(e.retx, req.CSeq.Seq)
	if rt.th != nil {
		o.c.timers.Cancel(rt.th)
	}
	o.deliver(req, nil)
	return nil
}

func (e *Engine) recvCancel(o *op, req *sip.Request) error {
	inv := e.inInvite
	if inv == nil || inv.req.CSeq.Seq != req.CSeq.Seq {
		e.reject(o, req, sip.ResponseStatusCallTransactionDoesNotExist, "", 0)
		return nil
	}

	res := req.NewResponse(sip.ResponseStatusOK, "")
	if res.To.Tag() == "" && e.localTag != "" {
		res.To.SetTag(e.localTag)
	}
	if err := o.c.tp.SendResponse(o.ctx, res); err != nil {
		o.log(slog.LevelWarn, "failed to send response", slog.Any("response", res), slog.Any("error", err))
	}

	if _, ok := e.isProxy(); ok {
		e.proxyCancel(o)
		o.deliver(req, nil)
		return nil
	}

	if err := e.onOutgoingResponse(o, inv.req.NewResponse(sip.ResponseStatusRequestTerminated, "")); err != nil {
		o.log(slog.LevelWarn, "failed to terminate INVITE", slog.Any("request", inv.req), slog.Any("error", err))
	}
	o.deliver(req, nil)

	if peer, ok := b2buaPeer(e.role); ok {
		e.cancelPeer(o, peer)
	}
	return nil
}

// cancelPeer propagates CANCEL to the linked UAC leg.
func (e *Engine) cancelPeer(o *op, id HandleID) {
	ph, ok := o.c.Handle(id)
	if !ok {
		return
	}
	rec, _ := ph.acquire(false)
	if rec == nil {
		return
	}
	po := o.with(ph, rec, true)
	pe := po.engine()
	if pe.outInvite == nil {
		return
	}
	if err := pe.sendCancel(po, &sip.Request{Method: sip.RequestMethodCancel}); err != nil {
		po.log(slog.LevelWarn, "failed to propagate CANCEL", slog.Any("error", err))
	}
}

// recvRequest handles a request addressed to this user agent.
func (e *Engine) recvRequest(o *op, req *sip.Request) error {
	seq := req.CSeq.Seq
	if e.remoteCSeqSet && seq <= e.remoteCSeq {
		e.reject(o, req, sip.ResponseStatusServerInternalError, reasonCSeqOutOfOrder, 0)
		return nil
	}

	switch req.Method {
	case sip.RequestMethodInvite:
		if e.inInvite != nil {
			e.reject(o, req, sip.ResponseStatusServerInternalError, "", rand.Uint32N(11))
			return nil
		}
		if e.outInvite != nil {
			e.reject(o, req, sip.ResponseStatusRequestPending, "", 0)
			return nil
		}
	case sip.RequestMethodRefer:
		if e.inRefer != nil {
			e.reject(o, req, sip.ResponseStatusRequestPending, "", 0)
			return nil
		}
	case sip.RequestMethodPrack:
		if !e.rel.matches(req.RAck) {
			e.reject(o, req, sip.ResponseStatusCallTransactionDoesNotExist, "", 0)
			return nil
		}
	}

	if err := o.dialog().ApplyRequest(usageOf(req)); err != nil {
		e.reject(o, req, sip.ResponseStatusCallTransactionDoesNotExist, "", 0)
		return nil
	}
	e.remoteCSeq = seq
	e.remoteCSeqSet = true

	if e.initialReq == nil {
		e.learnIncoming(o, req)
	} else {
		e.refreshTarget(o, req)
	}

	o.h.openTx(inTxKey(req), req)
	switch req.Method {
	case sip.RequestMethodInvite:
		e.inInvite = &pendingInvite{req: req}
	case sip.RequestMethodRefer:
		e.inRefer = req
	case sip.RequestMethodPrack:
		e.ackReliable(o)
	}
	o.deliver(req, nil)
	return nil
}

// learnIncoming initializes the UAS side of the session from its initial request.
func (e *Engine) learnIncoming(o *op, req *sip.Request) {
	e.initialReq = req
	e.callID = req.CallID
	e.remoteTag = req.From.Tag()
	e.remoteAddr = req.From.Clone()
	e.localAddr = req.To.Clone()
	if req.Contact != nil {
		e.remoteTarget = req.Contact.URI.Clone()
	} else {
		e.remoteTarget = req.From.URI.Clone()
	}
	e.routeSet = cloneAddrs(req.RecordRoute)
	o.dialog().ClassifyInitialMethod(req.Method)
}

// refreshTarget applies target refresh requests and learns the remote tag of a
// subscription notified before its 2xx arrived.
func (e *Engine) refreshTarget(o *op, req *sip.Request) {
	switch req.Method {
	case sip.RequestMethodInvite, sip.RequestMethodUpdate, sip.RequestMethodSubscribe, sip.RequestMethodNotify:
		if req.Contact != nil {
			e.remoteTarget = req.Contact.URI.Clone()
		}
	}
	if req.Method == sip.RequestMethodNotify && e.remoteTag == "" {
		e.remoteTag = req.From.Tag()
		e.remoteAddr.SetTag(e.remoteTag)
		e.routeSet = cloneAddrs(req.RecordRoute)
		e.registerKey(o, dialog.NewKey(e.localTag, e.remoteTag, e.callID, false))
	}
}

// onOutgoingResponse processes a response sent by this user agent.
func (e *Engine) onOutgoingResponse(o *op, res *sip.Response) error {
	key := resTxKey(res, dirIn)
	req, ok := o.h.txRequest(key)
	if !ok {
		return errtrace.Wrap(sip.ErrTransactionNotFound)
	}

	if res.Status != sip.ResponseStatusTrying {
		if tag := res.To.Tag(); tag == "" {
			if e.localTag == "" {
				e.localTag = util.NewTag()
			}
			res.To.SetTag(e.localTag)
		} else if e.localTag == "" {
			e.localTag = tag
		}
	}

	if req == e.initialReq && dialog.IsDialogCapableMethod(req.Method) &&
		res.Status != sip.ResponseStatusTrying && (res.Status.IsProvisional() || res.Status.IsSuccessful()) {
		e.installDialog(o, res)
	}

	if req.Method == sip.RequestMethodInvite && res.Status.IsProvisional() &&
		res.Status != sip.ResponseStatusTrying && res.Requires(sip.Extension100rel) {
		return errtrace.Wrap(e.sendReliable(o, req, res))
	}

	e.applyDialog(o, req, res, true)
	if res.Status.IsFinal() {
		o.h.closeTx(key)
		e.recordFinal(req.Method, res.Status)
		switch req.Method {
		case sip.RequestMethodInvite:
			if e.inInvite != nil && e.inInvite.req == req {
				e.inInvite = nil
			}
			e.rel.stop(o.c.timers)
			if res.Status.IsSuccessful() {
				e.arm2xx(o, res)
			}
		case sip.RequestMethodRefer:
			if e.inRefer == req {
				e.inRefer = nil
			}
		}
		if req == e.initialReq {
			e.initialDone = true
		}
	}
	return errtrace.Wrap(o.c.tp.SendResponse(o.ctx, res))
}

// installDialog registers the full dialog key once the local tag is known.
func (e *Engine) installDialog(o *op, res *sip.Response) {
	e.localAddr.SetTag(e.localTag)
	if res.Contact != nil && e.localContact == nil {
		c := res.Contact.Clone()
		e.localContact = &c
	}
	k := dialog.NewKey(e.localTag, e.remoteTag, e.callID, false)
	for i := range e.keys {
		if e.keys[i].Equal(k) {
			return
		}
	}
	e.registerKey(o, k)
}

// arm2xx starts retransmission of the 2xx response to INVITE every T1 until ACK arrives.
func (e *Engine) arm2xx(o *op, res *sip.Response) {
	seq := res.CSeq.Seq
	if old := e.retx[seq]; old != nil && old.th != nil {
		o.c.timers.Cancel(old.th)
	}
	rt := &retxTimer{res: res.Clone()}
	h := o.h
	th, err := o.c.timers.Schedule(o.c.timings.TimeG(), true, func() {
		h.runTimer(func(o *op) { o.engine().retransmit2xx(o, seq, rt) })
	})
	if err != nil {
		o.log(slog.LevelWarn, "failed to schedule 2xx retransmission", slog.Any("error", err))
		return
	}
	rt.th = th
	e.retx[seq] = rt
}

func (e *Engine) retransmit2xx(o *op, seq uint32, rt *retxTimer) {
	if e.retx[seq] != rt {
		return
	}
	rt.elapsed += o.c.timings.TimeG()
	if rt.elapsed >= o.c.timings.TimeH() {
		delete(e.retx, seq)
		o.c.timers.Cancel(rt.th)
		o.log(slog.LevelWarn, "2xx response was not acknowledged, terminating the dialog",
			slog.Any("response", rt.res),
		)
		if o.dialog().Phase() == dialog.PhaseConfirmed {
			if err := e.onOutgoingRequest(o, e.newInDialogRequest(sip.RequestMethodBye)); err != nil {
				o.log(slog.LevelWarn, "failed to send BYE", slog.Any("error", err))
			}
		}
		if err := o.dialog().Terminate(o.ctx); err != nil {
			o.log(slog.LevelWarn, "failed to terminate dialog", slog.Any("error", err))
		}
		return
	}
	if err := o.c.tp.SendResponseStateless(o.ctx, rt.res); err != nil {
		o.log(slog.LevelWarn, "failed to retransmit response", slog.Any("response", rt.res), slog.Any("error", err))
	}
	o.c.metrics.ResponseRetransmitted(rt.res.CSeq.Method, rt.res.Status)
}
