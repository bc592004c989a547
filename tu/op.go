package tu

import (
	"context"
	"log/slog"

	"github.com/ghettovoice/siptu/dialog"
	"github.com/ghettovoice/siptu/sip"
)

type txDir uint8

const (
	dirIn txDir = iota
	dirOut
)

// txKey identifies a transaction within a handle.
// The From tag separates the CSeq spaces of both ends of a proxied dialog.
type txKey struct {
	method sip.RequestMethod
	cseq   uint32
	dir    txDir
	tag    string
}

func inTxKey(req *sip.Request) txKey {
	return txKey{req.Method, req.CSeq.Seq, dirIn, req.From.Tag()}
}

func outTxKey(req *sip.Request) txKey {
	return txKey{req.Method, req.CSeq.Seq, dirOut, req.From.Tag()}
}

func resTxKey(res *sip.Response, dir txDir) txKey {
	return txKey{res.CSeq.Method, res.CSeq.Seq, dir, res.From.Tag()}
}

// txIndexKey matches responses to client transactions sent by the container.
// CANCEL shares the branch of its INVITE, so the method is a part of the key.
type txIndexKey struct {
	branch string
	method sip.RequestMethod
}

type txEntry struct {
	id HandleID
	// branch is set for the forwarded initial request of a proxy.
	branch *ProxyBranch
	// proxied is set for every forwarded request.
	proxied bool
}

type delivery struct {
	h       *Handle
	servlet ServletDescriptor
	req     *sip.Request
	res     *sip.Response
}

type opTarget struct {
	h       *Handle
	rec     *record
	release bool
	phase   dialog.Phase
	dirty   bool
	valid   bool
}

type opState struct {
	deliveries []delivery
	targets    []*opTarget
}

// op is the environment of one engine operation.
// Engine methods receive it with Locks.Sync held.
type op struct {
	ctx context.Context
	c   *Container
	h   *Handle
	rec *record
	st  *opState
}

func newOp(ctx context.Context, h *Handle, rec *record) *op {
	o := &op{ctx: ctx, c: h.c, h: h, rec: rec, st: new(opState)}
	o.st.targets = append(o.st.targets, &opTarget{h: h, rec: rec, phase: rec.id.dialog.Phase()})
	return o
}

// with returns the environment of another handle of the same application session.
// release is set when the handle was acquired for the operation.
func (o *op) with(h *Handle, rec *record, release bool) *op {
	o2 := &op{ctx: o.ctx, c: o.c, h: h, rec: rec, st: o.st}
	for _, t := range o.st.targets {
		if t.h == h {
			if release {
				h.EndUse()
			}
			return o2
		}
	}
	o.st.targets = append(o.st.targets, &opTarget{h: h, rec: rec, release: release, phase: rec.id.dialog.Phase()})
	return o2
}

func (o *op) engine() *Engine { return o.rec.engine }

func (o *op) dialog() *dialog.State { return o.rec.id.dialog }

func (o *op) log(level slog.Level, msg string, attrs ...slog.Attr) {
	attrs = append(attrs, slog.Any("session", o.h))
	o.c.log.LogAttrs(o.ctx, level, msg, attrs...)
}

func (o *op) deliver(req *sip.Request, res *sip.Response) {
	o.st.deliveries = append(o.st.deliveries, delivery{h: o.h, servlet: o.rec.id.servlet, req: req, res: res})
}

// settle runs the post-processing of every handle touched by the operation.
// It must be called with Locks.Sync held.
func (o *op) settle() {
	for i := 0; i < len(o.st.targets); i++ {
		t := o.st.targets[i]
		o2 := &op{ctx: o.ctx, c: o.c, h: t.h, rec: t.rec, st: o.st}
		t.h.settle(o2)
		if ph := t.rec.id.dialog.Phase(); ph != t.phase {
			t.phase = ph
			t.dirty = true
		}
		t.valid = t.rec.id.IsValid()
	}
}

// finish delivers collected messages to the application, replicates changed
// sessions and releases handles acquired by the operation.
// It must be called after Locks.Sync is released.
func (o *op) finish() {
	for _, d := range o.st.deliveries {
		if err := o.c.app.Invoke(o.ctx, d.req, d.res, d.servlet, d.h); err != nil {
			o.c.log.LogAttrs(o.ctx, slog.LevelWarn, "application failed to handle the message",
				slog.Any("session", d.h),
				slog.Any("request", d.req),
				slog.Any("response", d.res),
				slog.Any("error", err),
			)
			if d.req != nil && d.req.Method != sip.RequestMethodAck {
				// answers only if the application left the transaction open
				_ = d.h.SendResponse(o.ctx, d.req.NewResponse(sip.ResponseStatusServerInternalError, ""))
			}
		}
	}
	for _, t := range o.st.targets {
		if t.dirty && t.valid {
			o.c.replicate(o.ctx, t.h, t.rec)
		}
		if t.release {
			t.h.EndUse()
		}
	}
}

// valid reports whether the application may still act on the session.
// Partially invalidated sessions keep a valid identity until the queued CANCEL is sent.
func (o *op) valid() bool { return o.h.IsValid() && o.rec.id.IsValid() }
