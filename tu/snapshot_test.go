package tu_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/siptu/dialog"
	"github.com/ghettovoice/siptu/internal/timeutil"
	"github.com/ghettovoice/siptu/sip"
	"github.com/ghettovoice/siptu/tu"
)

func TestContainer_Restore(t *testing.T) {
	t.Parallel()

	src := newEnv(t, nil)
	callID := newCallID()
	h, _, tag := confirmedUAS(t, src, callID)
	src.recvRequest(t, remoteRequest(sip.RequestMethodAck, callID, "a1", tag, 1))

	snap, err := h.Snapshot()
	if err != nil {
		t.Fatalf("h.Snapshot() error = %v, want nil", err)
	}
	if snap.Role != tu.RoleUAS || snap.LocalTag != tag || snap.RemoteTag != "a1" || snap.RemoteCSeq != 1 {
		t.Fatalf("h.Snapshot() = %+v, want the confirmed UAS dialog", snap)
	}
	if snap.Dialog.Phase != dialog.PhaseConfirmed {
		t.Fatalf("snap.Dialog.Phase = %q, want %q", snap.Dialog.Phase, dialog.PhaseConfirmed)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("json.Marshal(snap) error = %v, want nil", err)
	}
	var got tu.HandleSnapshot
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("json.Unmarshal(snap) error = %v, want nil", err)
	}
	if diff := cmp.Diff(&got, snap); diff != "" {
		t.Fatalf("snapshot round trip diff (-got +want):\n%v", diff)
	}

	dst := newEnv(t, nil)
	h2, err := dst.c.Restore(t.Context(), &got)
	if err != nil {
		t.Fatalf("c.Restore() error = %v, want nil", err)
	}
	if h2.SharedID() != h.SharedID() {
		t.Fatalf("h2.SharedID() = %q, want %q", h2.SharedID(), h.SharedID())
	}
	if ph, _ := h2.DialogPhase(); ph != dialog.PhaseConfirmed {
		t.Fatalf("h2.DialogPhase() = %q, want %q", ph, dialog.PhaseConfirmed)
	}

	dst.app.onRequest = func(_ context.Context, req *sip.Request, rh *tu.Handle) {
		if rh != h2 {
			t.Errorf("request delivered to %v, want %v", rh, h2)
		}
		answer(t, rh, req, sip.ResponseStatusOK)
	}
	dst.recvRequest(t, remoteRequest(sip.RequestMethodBye, callID, "a1", tag, 2))
	lifecycleOf(t, h2, tu.LifecycleReclaimed)
	lifecycleOf(t, h, tu.LifecycleActive)

	// requests of the restored dialog keep their CSeq space
	bye, err := h.NewRequest(sip.RequestMethodBye)
	if err != nil {
		t.Fatalf("h.NewRequest(BYE) error = %v, want nil", err)
	}
	if bye.To.Tag() != "a1" || bye.From.Tag() != tag {
		t.Fatalf("BYE tags = %q -> %q, want %q -> a1", bye.From.Tag(), bye.To.Tag(), tag)
	}
}

func TestContainer_Restore_Expiration(t *testing.T) {
	t.Parallel()

	src := newEnv(t, &tu.ContainerOptions{SessionTTL: time.Minute})
	callID := newCallID()
	h, _, tag := confirmedUAS(t, src, callID)
	src.recvRequest(t, remoteRequest(sip.RequestMethodAck, callID, "a1", tag, 1))

	snap, err := h.Snapshot()
	if err != nil {
		t.Fatalf("h.Snapshot() error = %v, want nil", err)
	}
	if snap.Expiration == nil || snap.Expiration.State != timeutil.TimerStateRunning {
		t.Fatalf("snap.Expiration = %+v, want a running timer", snap.Expiration)
	}
	if got, want := snap.Expiration.Duration, time.Minute; got != want {
		t.Fatalf("snap.Expiration.Duration = %v, want %v", got, want)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("json.Marshal(snap) error = %v, want nil", err)
	}
	var got tu.HandleSnapshot
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("json.Unmarshal(snap) error = %v, want nil", err)
	}

	dst := newEnv(t, &tu.ContainerOptions{SessionTTL: time.Minute})
	h2, err := dst.c.Restore(t.Context(), &got)
	if err != nil {
		t.Fatalf("c.Restore() error = %v, want nil", err)
	}
	want := snap.Expiration.StartTime.Add(snap.Expiration.Duration)
	if at := h2.ExpiresAt(); !at.Equal(want) {
		t.Fatalf("h2.ExpiresAt() = %v, want %v", at, want)
	}

	if n := dst.timers.fire(time.Minute); n != 1 {
		t.Fatalf("timers.fire(1m) = %d, want 1", n)
	}
	lifecycleOf(t, h2, tu.LifecycleReclaimed)
	lifecycleOf(t, h, tu.LifecycleActive)
}

func TestContainer_Restore_Errors(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	if _, err := e.c.Restore(t.Context(), nil); err == nil {
		t.Fatal("c.Restore(nil) error = nil, want error")
	}
	if _, err := e.c.Restore(t.Context(), &tu.HandleSnapshot{Role: "registrar"}); err == nil {
		t.Fatal("c.Restore(unknown role) error = nil, want error")
	}
}
