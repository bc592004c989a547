package tu_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/mock/gomock"

	"github.com/ghettovoice/siptu/internal/testutil/tumock"
	"github.com/ghettovoice/siptu/sip"
	"github.com/ghettovoice/siptu/tu"
)

type lifecycleRecorder struct {
	mu  sync.Mutex
	got []tu.Lifecycle
}

func (r *lifecycleRecorder) record(_ *tu.Handle, lc tu.Lifecycle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, lc)
}

func (r *lifecycleRecorder) states() []tu.Lifecycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tu.Lifecycle(nil), r.got...)
}

func TestHandle_Invalidate_Partial(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	h, invite := sendInvite(t, e, nil)
	rec := new(lifecycleRecorder)
	h.OnLifecycle(rec.record)

	if err := h.Invalidate(t.Context(), true, true); err != nil {
		t.Fatalf("h.Invalidate() error = %v, want nil", err)
	}
	lifecycleOf(t, h, tu.LifecyclePartiallyInvalidated)
	if got := len(e.tp.requests(sip.RequestMethodCancel)); got != 0 {
		t.Fatalf("sent CANCEL = %d, want 0", got)
	}
	if h.IsValid() {
		t.Fatal("h.IsValid() = true, want false")
	}
	if err := h.SendRequest(t.Context(), localRequest(sip.RequestMethodMessage)); !errors.Is(err, tu.ErrInvalidSession) {
		t.Fatalf("h.SendRequest() error = %v, want %v", err, tu.ErrInvalidSession)
	}

	e.recvResponse(t, remoteResponse(invite, sip.ResponseStatusRinging, "b1"))
	lifecycleOf(t, h, tu.LifecycleInvalidating)
	cancel := e.tp.lastRequest(t, sip.RequestMethodCancel)

	e.recvResponse(t, remoteResponse(cancel, sip.ResponseStatusOK, "b1"))
	lifecycleOf(t, h, tu.LifecycleInvalidating)
	e.recvResponse(t, remoteResponse(invite, sip.ResponseStatusRequestTerminated, "b1"))
	lifecycleOf(t, h, tu.LifecycleReclaimed)

	want := []tu.Lifecycle{
		tu.LifecycleInvalidating,
		tu.LifecyclePartiallyInvalidated,
		tu.LifecycleInvalidating,
		tu.LifecycleReclaimed,
	}
	if diff := cmp.Diff(rec.states(), want); diff != "" {
		t.Fatalf("lifecycle changes diff (-got +want):\n%v", diff)
	}
}

func TestHandle_Invalidate_Concurrent(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	h, invite := sendInvite(t, e, nil)
	rec := new(lifecycleRecorder)
	h.OnLifecycle(rec.record)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = h.Invalidate(context.Background(), i%2 == 0, true)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("h.Invalidate() #%d error = %v, want nil", i, err)
		}
	}
	lifecycleOf(t, h, tu.LifecyclePartiallyInvalidated)
	if h.OpenTransactions() == 0 {
		t.Fatal("h.OpenTransactions() = 0, want the INVITE transaction open")
	}
	if got, want := e.c.Len(), 1; got != want {
		t.Fatalf("c.Len() = %d, want %d", got, want)
	}

	e.recvResponse(t, remoteResponse(invite, sip.ResponseStatusRinging, "b1"))
	cancels := e.tp.requests(sip.RequestMethodCancel)
	if got, want := len(cancels), 1; got != want {
		t.Fatalf("sent CANCEL = %d, want %d", got, want)
	}
	lifecycleOf(t, h, tu.LifecycleInvalidating)

	e.recvResponse(t, remoteResponse(cancels[0], sip.ResponseStatusOK, "b1"))
	lifecycleOf(t, h, tu.LifecycleInvalidating)
	e.recvResponse(t, remoteResponse(invite, sip.ResponseStatusRequestTerminated, "b1"))
	lifecycleOf(t, h, tu.LifecycleReclaimed)
	if got := e.c.Len(); got != 0 {
		t.Fatalf("c.Len() = %d, want 0", got)
	}

	want := []tu.Lifecycle{
		tu.LifecycleInvalidating,
		tu.LifecyclePartiallyInvalidated,
		tu.LifecycleInvalidating,
		tu.LifecycleReclaimed,
	}
	if diff := cmp.Diff(rec.states(), want); diff != "" {
		t.Fatalf("lifecycle changes diff (-got +want):\n%v", diff)
	}
}

func TestHandle_Invalidate_Provisional(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	h, invite := sendInvite(t, e, nil)
	e.recvResponse(t, remoteResponse(invite, sip.ResponseStatusRinging, "b1"))

	if err := h.Invalidate(t.Context(), true, true); err != nil {
		t.Fatalf("h.Invalidate() error = %v, want nil", err)
	}
	lifecycleOf(t, h, tu.LifecycleInvalidating)
	cancel := e.tp.lastRequest(t, sip.RequestMethodCancel)

	// the INVITE was answered before CANCEL took effect
	e.recvResponse(t, remoteResponse(cancel, sip.ResponseStatusOK, "b1"))
	e.recvResponse(t, remoteResponse(invite, sip.ResponseStatusOK, "b1"))

	if got, want := len(e.tp.requests(sip.RequestMethodAck)), 1; got != want {
		t.Fatalf("sent ACK = %d, want %d", got, want)
	}
	bye := e.tp.lastRequest(t, sip.RequestMethodBye)
	lifecycleOf(t, h, tu.LifecycleInvalidating)

	e.recvResponse(t, remoteResponse(bye, sip.ResponseStatusOK, ""))
	lifecycleOf(t, h, tu.LifecycleReclaimed)
}

func TestHandle_BeginUse(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	h, err := e.c.NewUAC(t.Context(), "", tu.ServletDescriptor{})
	if err != nil {
		t.Fatalf("c.NewUAC() error = %v, want nil", err)
	}

	if ok, err := h.BeginUse(true); !ok || err != nil {
		t.Fatalf("h.BeginUse(true) = %v, %v, want true, nil", ok, err)
	}
	if err := h.Invalidate(t.Context(), true, true); err != nil {
		t.Fatalf("h.Invalidate() error = %v, want nil", err)
	}
	lifecycleOf(t, h, tu.LifecycleInvalidating)
	if got, want := e.c.Len(), 1; got != want {
		t.Fatalf("c.Len() = %d, want %d", got, want)
	}

	h.EndUse()
	lifecycleOf(t, h, tu.LifecycleReclaimed)
	if got := e.c.Len(); got != 0 {
		t.Fatalf("c.Len() = %d, want 0", got)
	}

	if ok, err := h.BeginUse(true); ok || !errors.Is(err, tu.ErrInvalidSession) {
		t.Fatalf("h.BeginUse(true) = %v, %v, want false, %v", ok, err, tu.ErrInvalidSession)
	}
	if ok, err := h.BeginUse(false); ok || err != nil {
		t.Fatalf("h.BeginUse(false) = %v, %v, want false, nil", ok, err)
	}
	if err := h.Invalidate(t.Context(), true, true); err != nil {
		t.Fatalf("second h.Invalidate() error = %v, want nil", err)
	}
	if _, err := h.DialogPhase(); !errors.Is(err, tu.ErrInvalidSession) {
		t.Fatalf("h.DialogPhase() error = %v, want %v", err, tu.ErrInvalidSession)
	}
	if stats := e.c.EngineStats(); stats.Idle == 0 {
		t.Fatalf("c.EngineStats() = %+v, want the reclaimed engine idle", stats)
	}
}

func TestHandle_OnLifecycle_Remove(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	h, err := e.c.NewUAC(t.Context(), "", tu.ServletDescriptor{})
	if err != nil {
		t.Fatalf("c.NewUAC() error = %v, want nil", err)
	}
	rec := new(lifecycleRecorder)
	remove := h.OnLifecycle(rec.record)
	remove()

	if err := h.Invalidate(t.Context(), true, true); err != nil {
		t.Fatalf("h.Invalidate() error = %v, want nil", err)
	}
	if got := rec.states(); len(got) != 0 {
		t.Fatalf("lifecycle changes = %v, want none", got)
	}
}

func TestHandle_Expire(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	metrics := tumock.NewMockMetricsSink(ctrl)
	metrics.EXPECT().HandleCreated(tu.RoleUAS).Times(1)
	metrics.EXPECT().HandleExpired(tu.RoleUAS).Times(1)
	metrics.EXPECT().HandleReclaimed(tu.RoleUAS).Times(1)
	metrics.EXPECT().DialogStateChanged(gomock.Any(), gomock.Any()).AnyTimes()
	metrics.EXPECT().RequestRejected(gomock.Any(), gomock.Any()).AnyTimes()
	metrics.EXPECT().ResponseRetransmitted(gomock.Any(), gomock.Any()).AnyTimes()

	e := newEnv(t, &tu.ContainerOptions{SessionTTL: time.Minute, Metrics: metrics})
	e.recvRequest(t, remoteRequest(sip.RequestMethodInvite, newCallID(), "a1", "", 1))
	h := e.app.lastHandle(t)

	if at := h.ExpiresAt(); at.IsZero() {
		t.Fatal("h.ExpiresAt() is zero, want the session expiration")
	}
	if n := e.timers.fire(time.Minute); n != 1 {
		t.Fatalf("timers.fire(1m) = %d, want 1", n)
	}

	if got, want := len(e.tp.responses(sip.ResponseStatusRequestTimeout)), 1; got != want {
		t.Fatalf("408 responses = %d, want %d", got, want)
	}
	lifecycleOf(t, h, tu.LifecycleReclaimed)
}

func TestHandle_SetExpires(t *testing.T) {
	t.Parallel()

	e := newEnv(t, &tu.ContainerOptions{SessionTTL: time.Minute})
	h, err := e.c.NewUAC(t.Context(), "", tu.ServletDescriptor{})
	if err != nil {
		t.Fatalf("c.NewUAC() error = %v, want nil", err)
	}

	if err := h.SetExpires(t.Context(), time.Hour); err != nil {
		t.Fatalf("h.SetExpires(1h) error = %v, want nil", err)
	}
	if n := e.timers.fire(time.Minute); n != 0 {
		t.Fatalf("timers.fire(1m) = %d, want 0", n)
	}
	if err := h.SetExpires(t.Context(), -1); err != nil {
		t.Fatalf("h.SetExpires(-1) error = %v, want nil", err)
	}
	if at := h.ExpiresAt(); !at.IsZero() {
		t.Fatalf("h.ExpiresAt() = %v, want zero", at)
	}
	if n := e.timers.activeCount(); n != 0 {
		t.Fatalf("active timers = %d, want 0", n)
	}
	lifecycleOf(t, h, tu.LifecycleActive)
}

func TestContainer_SessionStore(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := tumock.NewMockSessionStore(ctrl)

	var key string
	store.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any()).
		Do(func(_ any, k string, _ *tu.Handle) { key = k }).
		Return(nil).
		MinTimes(1)
	store.EXPECT().Remove(gomock.Any(), gomock.Any()).
		Do(func(_ any, k string) {
			if k != key {
				t.Errorf("store.Remove(%q), want %q", k, key)
			}
		}).
		Return(nil).
		Times(1)

	e := newEnv(t, &tu.ContainerOptions{Store: store})
	callID := newCallID()
	h, _, tag := confirmedUAS(t, e, callID)
	e.recvRequest(t, remoteRequest(sip.RequestMethodAck, callID, "a1", tag, 1))

	e.app.onRequest = func(_ context.Context, req *sip.Request, h *tu.Handle) {
		answer(t, h, req, sip.ResponseStatusOK)
	}
	e.recvRequest(t, remoteRequest(sip.RequestMethodBye, callID, "a1", tag, 2))
	lifecycleOf(t, h, tu.LifecycleReclaimed)
}

func TestMemorySessionStore(t *testing.T) {
	t.Parallel()

	store := tu.NewMemorySessionStore()
	e := newEnv(t, &tu.ContainerOptions{Store: store, KeepIdle: true})
	h, err := e.c.NewUAC(t.Context(), "", tu.ServletDescriptor{})
	if err != nil {
		t.Fatalf("c.NewUAC() error = %v, want nil", err)
	}

	got, ok, err := store.Get(t.Context(), h.SharedID())
	if err != nil || !ok || got != h {
		t.Fatalf("store.Get() = %v, %v, %v, want %v, true, nil", got, ok, err, h)
	}
	if err := h.Invalidate(t.Context(), true, true); err != nil {
		t.Fatalf("h.Invalidate() error = %v, want nil", err)
	}
	if n := store.Len(); n != 0 {
		t.Fatalf("store.Len() = %d, want 0", n)
	}
}
