package sipgotp

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo"
	sgsip "github.com/emiago/sipgo/sip"

	"github.com/ghettovoice/siptu/dns"
	"github.com/ghettovoice/siptu/internal/errorutil"
	"github.com/ghettovoice/siptu/internal/log"
	"github.com/ghettovoice/siptu/internal/syncutil"
	"github.com/ghettovoice/siptu/sip"
)

// ErrNoTransaction is returned by [Transport.SendResponse] when the server
// transaction of the response is gone.
const ErrNoTransaction errorutil.Error = "server transaction not found"

// Receiver accepts messages received by the transport.
// [tu.Container] implements it.
//
// [tu.Container]: github.com/ghettovoice/siptu/tu.Container
type Receiver interface {
	RecvRequest(ctx context.Context, req *sip.Request) error
	RecvResponse(ctx context.Context, res *sip.Response) error
}

// Options configures a [Transport].
type Options struct {
	Log *slog.Logger
	// Resolver locates the next hop of outgoing requests (RFC 3263).
	// Without it sipgo resolves the Request-URI host, loose routed requests go
	// to the host and port of the first Route.
	Resolver dns.Resolver
}

func (o *Options) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

func (o *Options) resolver() dns.Resolver {
	if o == nil {
		return nil
	}
	return o.Resolver
}

var methods = []sgsip.RequestMethod{
	sgsip.INVITE, sgsip.ACK, sgsip.CANCEL, sgsip.BYE, sgsip.OPTIONS, sgsip.REGISTER,
	sgsip.INFO, sgsip.UPDATE, sgsip.PRACK, sgsip.MESSAGE, sgsip.SUBSCRIBE, sgsip.NOTIFY,
	sgsip.REFER, sgsip.PUBLISH,
}

type stxKey struct {
	branch string
	method sip.RequestMethod
}

// Transport sends core messages with a sipgo client and server.
type Transport struct {
	srv  *sipgo.Server
	cli  *sipgo.Client
	log  *slog.Logger
	rslv dns.Resolver

	rcv  atomic.Pointer[Receiver]
	stxs syncutil.RWMap[stxKey, sgsip.ServerTransaction]
}

var _ sip.Transport = (*Transport)(nil)

// New creates a transport over the user agent.
func New(ua *sipgo.UserAgent, opts *Options) (*Transport, error) {
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	cli, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	t := &Transport{
		srv:  srv,
		cli:  cli,
		log:  opts.log(),
		rslv: opts.resolver(),
	}
	for _, m := range methods {
		srv.OnRequest(m, t.onRequest)
	}
	srv.OnNoRoute(t.onRequest)
	return t, nil
}

// Bind sets the receiver of inbound messages.
// Messages received before the first call are rejected with 503.
func (t *Transport) Bind(rcv Receiver) { t.rcv.Store(&rcv) }

// ListenAndServe binds rcv and serves the network address until ctx is done.
func (t *Transport) ListenAndServe(ctx context.Context, rcv Receiver, network, addr string) error {
	t.Bind(rcv)
	return errtrace.Wrap(t.srv.ListenAndServe(ctx, network, addr))
}

func (t *Transport) receiver() Receiver {
	if p := t.rcv.Load(); p != nil {
		return *p
	}
	return nil
}

func (t *Transport) onRequest(in *sgsip.Request, tx sgsip.ServerTransaction) {
	ctx := context.Background()
	rcv := t.receiver()
	if rcv == nil {
		if tx != nil && in.Method != sgsip.ACK {
			_ = tx.Respond(sgsip.NewResponseFromRequest(in, sgsip.StatusServiceUnavailable, "", nil))
		}
		return
	}

	req, err := FromRequest(in)
	if err != nil {
		t.log.LogAttrs(ctx, slog.LevelWarn, "failed to convert request",
			slog.Any("request", log.FmtValue(in, false)), slog.Any("error", err))
		if tx != nil && in.Method != sgsip.ACK {
			_ = tx.Respond(sgsip.NewResponseFromRequest(in, sgsip.StatusBadRequest, "", nil))
		}
		return
	}

	if tx != nil && req.Method != sip.RequestMethodAck {
		key := stxKey{req.Branch(), req.CSeq.Method}
		t.stxs.Set(key, tx)
		go func() {
			<-tx.Done()
			t.stxs.DelFunc(key, func(cur sgsip.ServerTransaction) bool { return cur == tx })
		}()
	}
	if err := rcv.RecvRequest(ctx, req); err != nil {
		t.log.LogAttrs(ctx, slog.LevelDebug, "request not accepted", slog.Any("request", req), slog.Any("error", err))
	}
}

// SendRequest sends ACK statelessly and everything else within a sipgo client transaction.
// Responses of the transaction are pushed into the receiver; a transaction that ends
// without a final response is reported as 408.
func (t *Transport) SendRequest(ctx context.Context, req *sip.Request) error {
	out := ToRequest(req)
	if err := t.setDestination(ctx, out, req); err != nil {
		return errtrace.Wrap(err)
	}
	if req.Method == sip.RequestMethodAck {
		return errtrace.Wrap(t.cli.WriteRequest(out))
	}
	tx, err := t.cli.TransactionRequest(ctx, out)
	if err != nil {
		return errtrace.Wrap(err)
	}
	go t.readResponses(req, tx)
	return nil
}

func (t *Transport) readResponses(req *sip.Request, tx sgsip.ClientTransaction) {
	defer tx.Terminate()

	ctx := context.Background()
	var final bool
	for {
		select {
		case in := <-tx.Responses():
			res, err := FromResponse(in)
			if err != nil {
				t.log.LogAttrs(ctx, slog.LevelWarn, "failed to convert response",
					slog.Any("response", log.FmtValue(in, false)), slog.Any("error", err))
				continue
			}
			final = final || res.Status.IsFinal()
			t.deliver(ctx, res)
		case <-tx.Done():
			if !final && tx.Err() != nil {
				t.log.LogAttrs(ctx, slog.LevelDebug, "client transaction failed",
					slog.Any("request", req), slog.Any("error", tx.Err()))
				t.deliver(ctx, req.NewResponse(sip.ResponseStatusRequestTimeout, ""))
			}
			return
		}
	}
}

func (t *Transport) deliver(ctx context.Context, res *sip.Response) {
	rcv := t.receiver()
	if rcv == nil {
		return
	}
	if err := rcv.RecvResponse(ctx, res); err != nil {
		t.log.LogAttrs(ctx, slog.LevelDebug, "response not accepted", slog.Any("response", res), slog.Any("error", err))
	}
}

// SendResponse responds within the server transaction matched by the top Via branch
// and the CSeq method.
func (t *Transport) SendResponse(_ context.Context, res *sip.Response) error {
	tx, ok := t.stxs.Get(stxKey{res.Branch(), res.CSeq.Method})
	if !ok {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrNoTransaction, "branch %q method %s", res.Branch(), res.CSeq.Method))
	}
	return errtrace.Wrap(tx.Respond(ToResponse(res)))
}

// SendResponseStateless writes the response directly to the transport layer.
func (t *Transport) SendResponseStateless(_ context.Context, res *sip.Response) error {
	return errtrace.Wrap(t.srv.WriteResponse(ToResponse(res)))
}

// Close releases sipgo client resources. The user agent is closed by its owner.
func (t *Transport) Close() error { return errtrace.Wrap(t.cli.Close()) }

// nextHop returns the URI the request is sent to: the first Route when it is
// a loose router, the Request-URI otherwise.
func nextHop(req *sip.Request) (sip.URI, bool) {
	if len(req.Route) > 0 {
		if u := req.Route[0].URI; u.Params.Has("lr") {
			return u, true
		}
	}
	return req.URI, false
}

func (t *Transport) setDestination(ctx context.Context, out *sgsip.Request, req *sip.Request) error {
	hop, routed := nextHop(req)
	if t.rslv == nil {
		if routed {
			port := hop.Port
			if port == 0 {
				port = dns.DefaultPort
			}
			out.SetDestination(net.JoinHostPort(hop.Host, strconv.Itoa(int(port))))
		}
		return nil
	}

	targets, err := dns.Locate(ctx, t.rslv, hop)
	if err != nil {
		return errtrace.Wrap(err)
	}
	t.log.LogAttrs(ctx, slog.LevelDebug, "next hop located",
		slog.Any("request", req), slog.Any("hop", hop), slog.Any("target", targets[0]))
	out.SetDestination(targets[0].Addr.String())
	return nil
}
