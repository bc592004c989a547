package tu

import (
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptu/internal/types"
	"github.com/ghettovoice/siptu/sip"
)

// reliableProcessor sequences reliable provisional responses of the UAS (RFC 3262).
// Only one reliable provisional response is unacknowledged at a time,
// the following ones wait in the queue until PRACK arrives.
type reliableProcessor struct {
	rseq    uint32
	pending *reliableTx
	queue   types.Deque[*sip.Response]
}

type reliableTx struct {
	res      *sip.Response
	invite   *sip.Request
	th       TimerHandle
	interval time.Duration
	elapsed  time.Duration
}

func (p *reliableProcessor) nextRSeq() uint32 {
	if p.rseq == 0 {
		p.rseq = rand.Uint32N(1<<31-1) + 1
		return p.rseq
	}
	p.rseq++
	return p.rseq
}

func (p *reliableProcessor) matches(rack *sip.RAck) bool {
	if p.pending == nil || rack == nil {
		return false
	}
	res := p.pending.res
	return rack.RSeq == res.RSeq && rack.CSeq == res.CSeq.Seq && rack.Method.Equal(res.CSeq.Method)
}

func (p *reliableProcessor) stop(ts TimerService) {
	if p.pending != nil && p.pending.th != nil {
		ts.Cancel(p.pending.th)
	}
	p.pending = nil
	p.queue.Drain()
}

func (p *reliableProcessor) reset() {
	p.rseq = 0
	p.pending = nil
	p.queue.Drain()
}

// sendReliable sends a reliable provisional response or queues it behind
// the unacknowledged one.
func (e *Engine) sendReliable(o *op, req *sip.Request, res *sip.Response) error {
	if !req.Supports(sip.Extension100rel) {
		return errtrace.Wrap(NewInvalidArgumentError("request does not support %s", sip.Extension100rel))
	}
	if !slices.ContainsFunc(res.Require, func(s string) bool { return s == sip.Extension100rel }) {
		res.Require = append(res.Require, sip.Extension100rel)
	}
	if e.rel.pending != nil {
		e.rel.queue.Append(res)
		o.log(slog.LevelDebug, "reliable provisional response queued", slog.Any("response", res))
		return nil
	}
	return errtrace.Wrap(e.sendReliableNow(o, req, res))
}

func (e *Engine) sendReliableNow(o *op, req *sip.Request, res *sip.Response) error {
	res.RSeq = e.rel.nextRSeq()
	e.applyDialog(o, req, res, true)
	rt := &reliableTx{res: res.Clone(), invite: req, interval: o.c.timings.T1()}
	e.rel.pending = rt
	e.scheduleReliable(o, rt)
	return errtrace.Wrap(o.c.tp.SendResponse(o.ctx, res))
}

func (e *Engine) scheduleReliable(o *op, rt *reliableTx) {
	h := o.h
	th, err := o.c.timers.Schedule(rt.interval, false, func() {
		h.runTimer(func(o *op) { o.engine().retransmitReliable(o, rt) })
	})
	if err != nil {
		o.log(slog.LevelWarn, "failed to schedule reliable provisional retransmission", slog.Any("error", err))
		return
	}
	rt.th = th
}

// retransmitReliable resends the unacknowledged response with doubling interval
// and gives up with 504 once 64*T1 passed without PRACK.
func (e *Engine) retransmitReliable(o *op, rt *reliableTx) {
	if e.rel.pending != rt {
		return
	}
	rt.elapsed += rt.interval
	if rt.elapsed >= o.c.timings.TimePRACK() {
		e.rel.pending = nil
		e.rel.queue.Drain()
		o.log(slog.LevelWarn, "reliable provisional response was not acknowledged", slog.Any("response", rt.res))
		res := rt.invite.NewResponse(sip.ResponseStatusGatewayTimeout, "")
		if err := e.onOutgoingResponse(o, res); err != nil {
			o.log(slog.LevelWarn, "failed to send response", slog.Any("response", res), slog.Any("error", err))
		}
		return
	}
	if err := o.c.tp.SendResponse(o.ctx, rt.res); err != nil {
		o.log(slog.LevelWarn, "failed to retransmit response", slog.Any("response", rt.res), slog.Any("error", err))
	}
	o.c.metrics.ResponseRetransmitted(rt.res.CSeq.Method, rt.res.Status)
	rt.interval *= 2
	e.scheduleReliable(o, rt)
}

// ackReliable completes the unacknowledged response on a matching PRACK
// and sends the next queued one.
func (e *Engine) ackReliable(o *op) {
	rt := e.rel.pending
	if rt == nil {
		return
	}
	if rt.th != nil {
		o.c.timers.Cancel(rt.th)
	}
	e.rel.pending = nil
	next, ok := e.rel.queue.PopFirst()
	if !ok {
		return
	}
	if err := e.sendReliableNow(o, rt.invite, next); err != nil {
		o.log(slog.LevelWarn, "failed to send response", slog.Any("response", next), slog.Any("error", err))
	}
}

// acceptRSeq applies the UAC rules of reliable provisional sequencing:
// the first RSeq initializes the sequence, only the next number is accepted later.
func (e *Engine) acceptRSeq(res *sip.Response) bool {
	if e.rseqIn != 0 && res.RSeq != e.rseqIn+1 {
		return false
	}
	e.rseqIn = res.RSeq
	e.lastReliable = res
	return true
}
