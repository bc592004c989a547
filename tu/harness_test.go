package tu_test

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ghettovoice/siptu/internal/log"
	"github.com/ghettovoice/siptu/internal/timeutil"
	"github.com/ghettovoice/siptu/sip"
	"github.com/ghettovoice/siptu/tu"
)

type stubTransport struct {
	mu        sync.Mutex
	reqs      []*sip.Request
	ress      []*sip.Response
	stateless []*sip.Response
	reqErr    error
}

func (tp *stubTransport) SendRequest(_ context.Context, req *sip.Request) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.reqErr != nil {
		return tp.reqErr
	}
	tp.reqs = append(tp.reqs, req.Clone())
	return nil
}

func (tp *stubTransport) SendResponse(_ context.Context, res *sip.Response) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.ress = append(tp.ress, res.Clone())
	return nil
}

func (tp *stubTransport) SendResponseStateless(_ context.Context, res *sip.Response) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.stateless = append(tp.stateless, res.Clone())
	return nil
}

func (tp *stubTransport) requests(m sip.RequestMethod) []*sip.Request {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	var out []*sip.Request
	for _, req := range tp.reqs {
		if req.Method == m {
			out = append(out, req)
		}
	}
	return out
}

func (tp *stubTransport) lastRequest(t *testing.T, m sip.RequestMethod) *sip.Request {
	t.Helper()

	reqs := tp.requests(m)
	if len(reqs) == 0 {
		t.Fatalf("transport sent no %s requests", m)
	}
	return reqs[len(reqs)-1]
}

func (tp *stubTransport) responses(sts sip.ResponseStatus) []*sip.Response {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	var out []*sip.Response
	for _, res := range tp.ress {
		if res.Status == sts {
			out = append(out, res)
		}
	}
	return out
}

func (tp *stubTransport) lastResponse(t *testing.T) *sip.Response {
	t.Helper()

	tp.mu.Lock()
	defer tp.mu.Unlock()
	if len(tp.ress) == 0 {
		t.Fatal("transport sent no responses")
	}
	return tp.ress[len(tp.ress)-1]
}

func (tp *stubTransport) statelessCount() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.stateless)
}

// manualTimers fires scheduled timers only when the test asks.
type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	delay     time.Duration
	repeating bool
	fn        func()
	deadline  time.Time
	active    bool
}

func (t *manualTimer) Deadline() time.Time { return t.deadline }

func (t *manualTimer) Snapshot() *timeutil.TimerSnapshot {
	st := timeutil.TimerStateStopped
	if t.active {
		st = timeutil.TimerStateRunning
	}
	return &timeutil.TimerSnapshot{
		StartTime: t.deadline.Add(-t.delay),
		Duration:  t.delay,
		Repeat:    t.repeating,
		State:     st,
	}
}

func (m *manualTimers) Schedule(delay time.Duration, repeating bool, fn func()) (tu.TimerHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{delay: delay, repeating: repeating, fn: fn, deadline: time.Now().Add(delay), active: true}
	m.timers = append(m.timers, t)
	return t, nil
}

// Restore schedules the snapshotted timer with its original delay and deadline.
func (m *manualTimers) Restore(snap *timeutil.TimerSnapshot, fn func()) (tu.TimerHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{
		delay:     snap.Duration,
		repeating: snap.Repeat,
		fn:        fn,
		deadline:  snap.StartTime.Add(snap.Duration),
		active:    true,
	}
	m.timers = append(m.timers, t)
	return t, nil
}

func (m *manualTimers) Cancel(th tu.TimerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := th.(*manualTimer); ok {
		t.active = false
	}
}

// fire runs every active timer scheduled with the delay once and returns their number.
func (m *manualTimers) fire(delay time.Duration) int {
	m.mu.Lock()
	var due []*manualTimer
	for _, t := range m.timers {
		if t.active && t.delay == delay {
			if !t.repeating {
				t.active = false
			}
			due = append(due, t)
		}
	}
	m.timers = slices.DeleteFunc(m.timers, func(t *manualTimer) bool { return !t.active && !slices.Contains(due, t) })
	m.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
	return len(due)
}

// fireShortest runs the active timers with the smallest delay.
func (m *manualTimers) fireShortest() int {
	m.mu.Lock()
	var (
		d  time.Duration
		ok bool
	)
	for _, t := range m.timers {
		if t.active && (!ok || t.delay < d) {
			d, ok = t.delay, true
		}
	}
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return m.fire(d)
}

func (m *manualTimers) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if t.active {
			n++
		}
	}
	return n
}

type invocation struct {
	req *sip.Request
	res *sip.Response
	h   *tu.Handle
}

// recordingApp records every delivered message and calls onRequest for requests.
type recordingApp struct {
	mu        sync.Mutex
	calls     []invocation
	onRequest func(ctx context.Context, req *sip.Request, h *tu.Handle)
}

func (app *recordingApp) Invoke(
	ctx context.Context,
	req *sip.Request,
	res *sip.Response,
	_ tu.ServletDescriptor,
	h *tu.Handle,
) error {
	app.mu.Lock()
	app.calls = append(app.calls, invocation{req, res, h})
	fn := app.onRequest
	app.mu.Unlock()

	if req != nil && fn != nil {
		fn(ctx, req, h)
	}
	return nil
}

func (app *recordingApp) requests(m sip.RequestMethod) []invocation {
	app.mu.Lock()
	defer app.mu.Unlock()
	var out []invocation
	for _, c := range app.calls {
		if c.req != nil && c.req.Method == m {
			out = append(out, c)
		}
	}
	return out
}

func (app *recordingApp) responses(sts sip.ResponseStatus) []invocation {
	app.mu.Lock()
	defer app.mu.Unlock()
	var out []invocation
	for _, c := range app.calls {
		if c.res != nil && c.res.Status == sts {
			out = append(out, c)
		}
	}
	return out
}

func (app *recordingApp) lastHandle(t *testing.T) *tu.Handle {
	t.Helper()

	app.mu.Lock()
	defer app.mu.Unlock()
	if len(app.calls) == 0 {
		t.Fatal("application got no messages")
	}
	return app.calls[len(app.calls)-1].h
}

type env struct {
	c      *tu.Container
	tp     *stubTransport
	timers *manualTimers
	app    *recordingApp
}

func newEnv(t *testing.T, opts *tu.ContainerOptions) *env {
	t.Helper()

	if opts == nil {
		opts = new(tu.ContainerOptions)
	}
	e := &env{
		tp:     new(stubTransport),
		timers: new(manualTimers),
		app:    new(recordingApp),
	}
	opts.Timers = e.timers
	if opts.SessionTTL == 0 {
		opts.SessionTTL = -1
	}
	if opts.Log == nil {
		opts.Log = log.Noop
	}
	e.c = tu.NewContainer(e.tp, e.app, opts)
	t.Cleanup(func() { _ = e.c.Close(context.Background()) })
	return e
}

func (e *env) recvRequest(t *testing.T, req *sip.Request) {
	t.Helper()

	if err := e.c.RecvRequest(t.Context(), req); err != nil {
		t.Fatalf("c.RecvRequest(%v) error = %v, want nil", req, err)
	}
}

func (e *env) recvResponse(t *testing.T, res *sip.Response) {
	t.Helper()

	if err := e.c.RecvResponse(t.Context(), res); err != nil {
		t.Fatalf("c.RecvResponse(%v) error = %v, want nil", res, err)
	}
}

var (
	alice = sip.Address{URI: sip.URI{Scheme: "sip", User: "alice", Host: "atlanta.example.com"}}
	bob   = sip.Address{URI: sip.URI{Scheme: "sip", User: "bob", Host: "biloxi.example.com"}}
)

func tagged(a sip.Address, tag string) sip.Address {
	a = a.Clone()
	if tag != "" {
		a.SetTag(tag)
	}
	return a
}

func contact(host string) *sip.Address {
	return &sip.Address{URI: sip.URI{Scheme: "sip", Host: host, Port: 5060}}
}

// remoteRequest builds a request sent by the remote party alice to bob.
func remoteRequest(m sip.RequestMethod, callID, fromTag, toTag string, seq uint32) *sip.Request {
	return &sip.Request{
		Method: m,
		URI:    bob.URI.Clone(),
		Via: []sip.Via{{
			Transport: "UDP",
			Host:      "pc33.atlanta.example.com",
			Port:      5060,
			Params:    sip.Values{"branch": sip.NewBranch()},
		}},
		From:        tagged(alice, fromTag),
		To:          tagged(bob, toTag),
		CallID:      callID,
		CSeq:        sip.CSeq{Seq: seq, Method: m},
		MaxForwards: 70,
		Contact:     contact("pc33.atlanta.example.com"),
	}
}

// localRequest builds a request sent by the local party bob to alice.
func localRequest(m sip.RequestMethod) *sip.Request {
	return &sip.Request{
		Method:  m,
		URI:     alice.URI.Clone(),
		From:    bob.Clone(),
		To:      alice.Clone(),
		Contact: contact("client.biloxi.example.com"),
	}
}

// remoteResponse builds a response of the remote party to a request sent through the transport.
func remoteResponse(req *sip.Request, sts sip.ResponseStatus, toTag string) *sip.Response {
	res := req.NewResponse(sts, "")
	if toTag != "" {
		res.To.SetTag(toTag)
	}
	if sts != sip.ResponseStatusTrying {
		res.Contact = contact("pc33.atlanta.example.com")
	}
	return res
}

func reliable(res *sip.Response, rseq uint32) *sip.Response {
	res.RSeq = rseq
	res.Require = append(res.Require, sip.Extension100rel)
	return res
}

func answer(t *testing.T, h *tu.Handle, req *sip.Request, sts sip.ResponseStatus) *sip.Response {
	t.Helper()

	res := req.NewResponse(sts, "")
	if sts != sip.ResponseStatusTrying {
		res.Contact = contact("client.biloxi.example.com")
	}
	if err := h.SendResponse(t.Context(), res); err != nil {
		t.Fatalf("h.SendResponse(%d) error = %v, want nil", sts, err)
	}
	return res
}

func lifecycleOf(t *testing.T, h *tu.Handle, want tu.Lifecycle) {
	t.Helper()

	if got := h.Lifecycle(); got != want {
		t.Fatalf("h.Lifecycle() = %q, want %q", got, want)
	}
}

var callSeq struct {
	sync.Mutex
	n int
}

func newCallID() string {
	callSeq.Lock()
	defer callSeq.Unlock()
	callSeq.n++
	return "call-" + strconv.Itoa(callSeq.n) + "@atlanta.example.com"
}
