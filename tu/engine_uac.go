package tu

import (
	"log/slog"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptu/dialog"
	"github.com/ghettovoice/siptu/internal/util"
	"github.com/ghettovoice/siptu/sip"
)

const reasonTooLate sip.ResponseReason = "Too Late"

// onOutgoingRequest processes a request sent by this user agent.
func (e *Engine) onOutgoingRequest(o *op, req *sip.Request) error {
	if p, ok := e.isProxy(); ok && !p.combined {
		return errtrace.Wrap(newActionNotAllowedError("proxy session cannot send requests"))
	}

	switch req.Method {
	case sip.RequestMethodAck:
		return errtrace.Wrap(e.sendAck(o, req))
	case sip.RequestMethodCancel:
		return errtrace.Wrap(e.sendCancel(o, req))
	case sip.RequestMethodInvite:
		if e.outInvite != nil || e.inInvite != nil {
			return errtrace.Wrap(sip.NewResponseError(sip.ResponseStatusRequestPending))
		}
	}

	initial := e.initialReq == nil
	if initial {
		e.learnOutgoing(o, req)
	} else {
		e.fillInDialog(req)
	}
	if err := o.dialog().ApplyRequest(usageOf(req)); err != nil {
		return errtrace.Wrap(err)
	}

	if initial && req.CSeq.Seq != 0 {
		e.localCSeq = req.CSeq.Seq
	} else {
		e.localCSeq++
	}
	req.CSeq = sip.CSeq{Seq: e.localCSeq, Method: req.Method}
	if req.MaxForwards == 0 {
		req.MaxForwards = 70
	}
	if req.Branch() == "" {
		req.Via = append([]sip.Via{o.c.newVia()}, req.Via...)
	}
	if initial {
		e.initialReq = req
	}

	key := outTxKey(req)
	o.h.openTx(key, req)
	e.indexTx(o, req.Branch(), req.Method, txEntry{id: o.h.id})
	if req.Method == sip.RequestMethodInvite {
		e.outInvite = &pendingInvite{req: req}
		// each INVITE transaction starts its own RSeq space
		e.rseqIn, e.lastReliable = 0, nil
	}
	if err := o.c.tp.SendRequest(o.ctx, req); err != nil {
		o.h.closeTx(key)
		e.unindexTx(o, req.Branch(), req.Method)
		if e.outInvite != nil && e.outInvite.req == req {
			e.outInvite = nil
		}
		return errtrace.Wrap(err)
	}
	return nil
}

// learnOutgoing initializes the UAC side of the session from its initial request.
func (e *Engine) learnOutgoing(o *op, req *sip.Request) {
	if req.CallID == "" {
		req.CallID = o.c.opts.newID()
	}
	if req.From.Tag() == "" {
		req.From.SetTag(util.NewTag())
	}
	e.callID = req.CallID
	e.localTag = req.From.Tag()
	e.localAddr = req.From.Clone()
	e.remoteAddr = req.To.Clone()
	e.remoteTarget = req.URI.Clone()
	e.routeSet = cloneAddrs(req.Route)
	if req.Contact != nil {
		c := req.Contact.Clone()
		e.localContact = &c
	}
	if o.dialog().ClassifyInitialMethod(req.Method) {
		e.registerKey(o, dialog.NewKey(e.localTag, "", e.callID, false))
	}
}

// fillInDialog stamps dialog identifiers onto a request sent within the dialog.
func (e *Engine) fillInDialog(req *sip.Request) {
	req.CallID = e.callID
	req.From = e.localAddr.Clone()
	req.From.SetTag(e.localTag)
	req.To = e.remoteAddr.Clone()
	req.To.SetTag(e.remoteTag)
	if req.URI.IsZero() {
		req.URI = e.remoteTarget.Clone()
	}
	if req.Route == nil {
		req.Route = cloneAddrs(e.routeSet)
	}
	if req.Contact == nil && e.localContact != nil {
		c := e.localContact.Clone()
		req.Contact = &c
	}
}

// sendAck acknowledges a 2xx response to INVITE.
// ACK reuses the INVITE CSeq and is sent outside of any transaction.
func (e *Engine) sendAck(o *op, req *sip.Request) error {
	seq := req.CSeq.Seq
	if seq == 0 {
		seq = e.lastInvite
	}
	if seq == 0 {
		return errtrace.Wrap(newActionNotAllowedError("no INVITE to acknowledge"))
	}
	e.fillInDialog(req)
	req.CSeq = sip.CSeq{Seq: seq, Method: sip.RequestMethodAck}
	if req.MaxForwards == 0 {
		req.MaxForwards = 70
	}
	req.Via = []sip.Via{o.c.newVia()}
	e.acks[seq] = req.Clone()
	return errtrace.Wrap(o.c.tp.SendRequest(o.ctx, req))
}

// sendCancel cancels the pending outgoing INVITE.
// Until a provisional response arrives the CANCEL is queued.
func (e *Engine) sendCancel(o *op, req *sip.Request) error {
	inv := e.outInvite
	if inv == nil {
		return errtrace.Wrap(ErrNoPendingInvite)
	}
	if inv.cancelled {
		return nil
	}
	inv.cancelled = true
	cancel := inv.req.NewCancel()
	cancel.Headers = req.Headers.Clone()
	o.h.openTx(outTxKey(cancel), cancel)
	if !inv.provisional {
		e.queuedCancel = cancel
		o.log(slog.LevelDebug, "CANCEL queued until a provisional response", slog.Any("request", cancel))
		return nil
	}
	return errtrace.Wrap(e.flushCancel(o, cancel))
}

func (e *Engine) flushCancel(o *op, cancel *sip.Request) error {
	ent := txEntry{id: o.h.id}
	if _, ok := e.isProxy(); ok {
		ent.proxied = true
	}
	e.indexTx(o, cancel.Branch(), sip.RequestMethodCancel, ent)
	if err := o.c.tp.SendRequest(o.ctx, cancel); err != nil {
		o.h.closeTx(outTxKey(cancel))
		e.unindexTx(o, cancel.Branch(), sip.RequestMethodCancel)
		return errtrace.Wrap(err)
	}
	return nil
}

// onIncomingResponse processes a response to a request sent by this user agent.
func (e *Engine) onIncomingResponse(o *op, res *sip.Response) error {
	key := resTxKey(res, dirOut)
	req, ok := o.h.txRequest(key)
	if !ok {
		e.strayResponse(o, res)
		return nil
	}

	if res.CSeq.Method == sip.RequestMethodCancel {
		if res.Status.IsFinal() {
			o.h.closeTx(key)
			e.unindexTx(o, res.Branch(), sip.RequestMethodCancel)
		}
		return nil
	}

	isInvite := req.Method == sip.RequestMethodInvite
	if isInvite && res.Status.IsProvisional() {
		e.gotProvisional(o, req)
	}
	if res.Status == sip.ResponseStatusTrying {
		return nil
	}
	if isInvite && res.IsReliableProvisional() && !e.acceptRSeq(res) {
		o.log(slog.LevelDebug, "reliable provisional response out of sequence dropped", slog.Any("response", res))
		return nil
	}

	toTag := res.To.Tag()
	initiating := req == e.initialReq && dialog.IsDialogCapableMethod(req.Method)
	if initiating && toTag != "" && (res.Status.IsProvisional() || res.Status.IsSuccessful()) {
		if e.remoteTag != "" && toTag != "" && toTag != e.remoteTag {
			return errtrace.Wrap(e.forkResponse(o, req, res))
		}
		if e.remoteTag == "" && toTag != "" {
			e.learnRemote(o, res)
		}
	} else if !initiating && res.Status.IsSuccessful() && res.Contact != nil &&
		(isInvite || req.Method == sip.RequestMethodUpdate || req.Method == sip.RequestMethodSubscribe) {
		e.remoteTarget = res.Contact.URI.Clone()
	}

	e.applyDialog(o, req, res, false)
	if initiating && res.Status.IsFailure() && o.dialog().Phase() == dialog.PhaseInitial && e.remoteTag != "" {
		// the early dialog is gone, a retry may reach another UAS
		e.unregisterKey(o, dialog.NewKey(e.localTag, e.remoteTag, e.callID, false))
		e.remoteTag = ""
		e.remoteAddr.SetTag("")
	}

	if res.Status.IsFinal() {
		e.completeOutgoing(o, key, req, res)
	}
	o.deliver(nil, res)
	return nil
}

// strayResponse handles responses of completed transactions:
// retransmitted 2xx to INVITE are acknowledged again.
func (e *Engine) strayResponse(o *op, res *sip.Response) {
	if res.CSeq.Method != sip.RequestMethodInvite || !res.Status.IsSuccessful() {
		o.log(slog.LevelDebug, "response without transaction dropped", slog.Any("response", res))
		return
	}
	if toTag := res.To.Tag(); toTag != e.remoteTag {
		// retransmitted 2xx of a fork belongs to its derived session
		k := o.c.keyPool.Get()
		defer o.c.keyPool.Put(k)
		if dh, ok := o.c.keys.Get(k.Setup(e.localTag, toTag, e.callID, false)); ok && dh != o.h {
			if rec, _ := dh.acquire(false); rec != nil {
				do := o.with(dh, rec, true)
				do.engine().strayResponse(do, res)
				return
			}
		}
	}
	if ack := e.acks[res.CSeq.Seq]; ack != nil && ack.To.Tag() == res.To.Tag() {
		if err := o.c.tp.SendRequest(o.ctx, ack.Clone()); err != nil {
			o.log(slog.LevelWarn, "failed to retransmit ACK", slog.Any("error", err))
		}
		return
	}
	e.ackAndBye(o, res)
}

// ackAndBye acknowledges a 2xx of a fork that completed after the INVITE
// transaction and closes its dialog right away (RFC 3261 section 13.2.2.4).
func (e *Engine) ackAndBye(o *op, res *sip.Response) {
	if res.Contact == nil {
		return
	}
	route := reversedAddrs(res.RecordRoute)
	build := func(m sip.RequestMethod, seq uint32) *sip.Request {
		from := e.localAddr.Clone()
		from.SetTag(e.localTag)
		return &sip.Request{
			Method:      m,
			URI:         res.Contact.URI.Clone(),
			Via:         []sip.Via{o.c.newVia()},
			From:        from,
			To:          res.To.Clone(),
			CallID:      res.CallID,
			CSeq:        sip.CSeq{Seq: seq, Method: m},
			MaxForwards: 70,
			Route:       cloneAddrs(route),
		}
	}
	o.log(slog.LevelDebug, "closing the dialog of a late 2xx", slog.Any("response", res))
	for _, req := range []*sip.Request{
		build(sip.RequestMethodAck, res.CSeq.Seq),
		build(sip.RequestMethodBye, res.CSeq.Seq+1),
	} {
		if err := o.c.tp.SendRequest(o.ctx, req); err != nil {
			o.log(slog.LevelWarn, "failed to send request", slog.Any("request", req), slog.Any("error", err))
		}
	}
}

// gotProvisional marks the INVITE as answered provisionally and flushes a queued CANCEL.
func (e *Engine) gotProvisional(o *op, req *sip.Request) {
	inv := e.outInvite
	if inv == nil || inv.req != req || inv.provisional {
		return
	}
	inv.provisional = true
	if cancel := e.queuedCancel; cancel != nil {
		e.queuedCancel = nil
		if err := e.flushCancel(o, cancel); err != nil {
			o.log(slog.LevelWarn, "failed to send CANCEL", slog.Any("request", cancel), slog.Any("error", err))
		}
	}
}

func (e *Engine) learnRemote(o *op, res *sip.Response) {
	e.remoteTag = res.To.Tag()
	e.remoteAddr.SetTag(e.remoteTag)
	e.routeSet = reversedAddrs(res.RecordRoute)
	if res.Contact != nil {
		e.remoteTarget = res.Contact.URI.Clone()
	}
	e.registerKey(o, dialog.NewKey(e.localTag, e.remoteTag, e.callID, false))
}

// completeOutgoing closes the client transaction on its final response.
func (e *Engine) completeOutgoing(o *op, key txKey, req *sip.Request, res *sip.Response) {
	o.h.closeTx(key)
	if req.Method != sip.RequestMethodInvite {
		e.unindexTx(o, req.Branch(), req.Method)
	}
	e.recordFinal(req.Method, res.Status)
	if req == e.initialReq {
		e.initialDone = true
	}
	if req.Method != sip.RequestMethodInvite {
		return
	}

	if inv := e.outInvite; inv != nil && inv.req == req {
		e.outInvite = nil
		if inv.cancelForced {
			o.h.terminated()
		}
	}
	if req == e.initialReq {
		e.completeForkGroup(o, res)
	}
	if cancel := e.queuedCancel; cancel != nil {
		e.queuedCancel = nil
		o.h.closeTx(outTxKey(cancel))
		tooLate := cancel.NewResponse(sip.ResponseStatusCallTransactionDoesNotExist, reasonTooLate)
		o.deliver(nil, tooLate)
	}
	if !res.Status.IsSuccessful() {
		return
	}
	e.lastInvite = res.CSeq.Seq
	if o.h.Lifecycle() != LifecycleActive {
		// the session is going away, the late 2xx must still be acknowledged and the dialog closed
		if err := e.sendAck(o, &sip.Request{Method: sip.RequestMethodAck}); err != nil {
			o.log(slog.LevelWarn, "failed to send ACK", slog.Any("error", err))
		}
		if err := e.onOutgoingRequest(o, e.newInDialogRequest(sip.RequestMethodBye)); err != nil {
			o.log(slog.LevelWarn, "failed to send BYE", slog.Any("error", err))
		}
	}
}

// forkResponse hands a response with a new To tag to the derived session of the fork.
func (e *Engine) forkResponse(o *op, req *sip.Request, res *sip.Response) error {
	k := o.c.keyPool.Get()
	defer o.c.keyPool.Put(k)
	k.Setup(e.localTag, res.To.Tag(), e.callID, false)

	var do *op
	if dh, ok := o.c.keys.Get(k); ok && dh != o.h {
		rec, _ := dh.acquire(false)
		if rec == nil {
			return nil
		}
		do = o.with(dh, rec, true)
	} else {
		if !e.forking {
			o.log(slog.LevelDebug, "forked response dropped", slog.Any("response", res), slog.Any("error", ErrForkingDisabled))
			return nil
		}
		dh, rec := o.c.newDerived(o, req)
		do = o.with(dh, rec, true)
	}
	return errtrace.Wrap(do.engine().onIncomingResponse(do, res))
}

// completeForkGroup completes the shared INVITE transaction for the other sessions
// created by forking. Their early dialogs cannot be confirmed anymore, late 2xx
// responses of other forks are acknowledged and closed by [Engine.ackAndBye].
func (e *Engine) completeForkGroup(o *op, res *sip.Response) {
	members := e.forks
	if e.forkParent != 0 {
		members = []HandleID{e.forkParent}
		if ph, ok := o.c.Handle(e.forkParent); ok {
			if rec, _ := ph.acquire(false); rec != nil {
				po := o.with(ph, rec, true)
				members = append(members, po.engine().forks...)
			}
		}
	}
	for _, id := range members {
		if id == o.h.id {
			continue
		}
		fh, ok := o.c.Handle(id)
		if !ok {
			continue
		}
		rec, _ := fh.acquire(false)
		if rec == nil {
			continue
		}
		fo := o.with(fh, rec, true)
		fe := fo.engine()
		inv := fe.outInvite
		if inv == nil || inv.req.CSeq.Seq != res.CSeq.Seq {
			continue
		}
		fe.outInvite = nil
		fe.initialDone = true
		fh.closeTx(outTxKey(inv.req))
		if inv.cancelForced {
			fh.terminated()
		}
		if cancel := fe.queuedCancel; cancel != nil {
			fe.queuedCancel = nil
			fh.closeTx(outTxKey(cancel))
		}
		if fo.dialog().Phase() != dialog.PhaseConfirmed {
			if err := fo.dialog().Terminate(fo.ctx); err != nil {
				fo.log(slog.LevelWarn, "failed to terminate dialog", slog.Any("error", err))
			}
		}
	}
}
