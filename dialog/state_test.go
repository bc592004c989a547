package dialog_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/siptu/dialog"
	"github.com/ghettovoice/siptu/sip"
)

var inviteUsage = dialog.MethodUsage(sip.RequestMethodInvite)

func newInviteState(t *testing.T) *dialog.State {
	t.Helper()

	s := dialog.NewState()
	if !s.ClassifyInitialMethod(sip.RequestMethodInvite) {
		t.Fatal("s.ClassifyInitialMethod(INVITE) = false, want true")
	}
	return s
}

func applyResponse(t *testing.T, s *dialog.State, ev dialog.ResponseEvent) {
	t.Helper()

	if err := s.ApplyResponse(t.Context(), ev); err != nil {
		t.Fatalf("s.ApplyResponse(%+v) error = %v, want nil", ev, err)
	}
}

func TestState_Transitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		events []dialog.ResponseEvent
		want   dialog.Phase
	}{
		{
			"provisional without to tag",
			[]dialog.ResponseEvent{{Status: 180, Usage: inviteUsage}},
			dialog.PhaseInitial,
		},
		{
			"early",
			[]dialog.ResponseEvent{{Status: 180, Usage: inviteUsage, HasToTag: true}},
			dialog.PhaseEarly,
		},
		{
			"confirmed",
			[]dialog.ResponseEvent{
				{Status: 183, Usage: inviteUsage, HasToTag: true},
				{Status: 200, Usage: inviteUsage, HasToTag: true},
			},
			dialog.PhaseConfirmed,
		},
		{
			"provisional after confirmed",
			[]dialog.ResponseEvent{
				{Status: 200, Usage: inviteUsage, HasToTag: true},
				{Status: 180, Usage: inviteUsage, HasToTag: true},
			},
			dialog.PhaseConfirmed,
		},
		{
			"received failure rolls back",
			[]dialog.ResponseEvent{
				{Status: 180, Usage: inviteUsage, HasToTag: true},
				{Status: 486, Usage: inviteUsage, HasToTag: true},
			},
			dialog.PhaseInitial,
		},
		{
			"sent failure terminates",
			[]dialog.ResponseEvent{
				{Status: 180, Usage: inviteUsage, HasToTag: true, Outbound: true},
				{Status: 486, Usage: inviteUsage, HasToTag: true, Outbound: true},
			},
			dialog.PhaseTerminated,
		},
		{
			"failure keeps confirmed",
			[]dialog.ResponseEvent{
				{Status: 200, Usage: inviteUsage, HasToTag: true},
				{Status: 491, Usage: inviteUsage, HasToTag: true},
			},
			dialog.PhaseConfirmed,
		},
		{
			"bye terminates all",
			[]dialog.ResponseEvent{
				{Status: 200, Usage: inviteUsage, HasToTag: true},
				{Status: 200, HasToTag: true, Termination: dialog.TerminationAll},
			},
			dialog.PhaseTerminated,
		},
		{
			"termination ignored on provisional",
			[]dialog.ResponseEvent{
				{Status: 200, Usage: inviteUsage, HasToTag: true},
				{Status: 180, HasToTag: true, Termination: dialog.TerminationAll},
			},
			dialog.PhaseConfirmed,
		},
		{
			"terminated is absorbing",
			[]dialog.ResponseEvent{
				{Status: 500, Usage: inviteUsage, Outbound: true},
				{Status: 200, Usage: inviteUsage, HasToTag: true},
			},
			dialog.PhaseTerminated,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			s := newInviteState(t)
			for _, ev := range c.events {
				applyResponse(t, s, ev)
			}
			if got := s.Phase(); got != c.want {
				t.Errorf("s.Phase() = %q, want %q", got, c.want)
			}
		})
	}
}

func TestState_NotDialogCapable(t *testing.T) {
	t.Parallel()

	s := dialog.NewState()
	if s.ClassifyInitialMethod(sip.RequestMethodOptions) {
		t.Fatal("s.ClassifyInitialMethod(OPTIONS) = true, want false")
	}
	// only the first classification counts
	if s.ClassifyInitialMethod(sip.RequestMethodInvite) {
		t.Fatal("s.ClassifyInitialMethod(INVITE) after OPTIONS = true, want false")
	}

	applyResponse(t, s, dialog.ResponseEvent{Status: 200, HasToTag: true, Usage: dialog.MethodUsage(sip.RequestMethodOptions)})
	applyResponse(t, s, dialog.ResponseEvent{Status: 486, Outbound: true})
	if got, want := s.Phase(), dialog.PhaseInitial; got != want {
		t.Fatalf("s.Phase() = %q, want %q", got, want)
	}
	if !s.CanBeInvalidated() {
		t.Fatal("s.CanBeInvalidated() = false, want true")
	}
}

func TestState_UsageTermination(t *testing.T) {
	t.Parallel()

	sub1 := dialog.NewUsage(sip.RequestMethodSubscribe, "presence;id=1")
	sub2 := dialog.NewUsage(sip.RequestMethodSubscribe, "presence;id=2")

	s := dialog.NewState()
	s.ClassifyInitialMethod(sip.RequestMethodSubscribe)
	applyResponse(t, s, dialog.ResponseEvent{Status: 202, Usage: sub1, HasToTag: true})
	applyResponse(t, s, dialog.ResponseEvent{Status: 202, Usage: sub2, HasToTag: true})

	applyResponse(t, s, dialog.ResponseEvent{Status: 200, Usage: sub1, HasToTag: true, Termination: dialog.TerminationUsage})
	if got, want := s.Phase(), dialog.PhaseConfirmed; got != want {
		t.Fatalf("s.Phase() = %q, want %q", got, want)
	}
	if s.CanBeInvalidated() {
		t.Fatal("s.CanBeInvalidated() = true, want false")
	}

	applyResponse(t, s, dialog.ResponseEvent{Status: 200, Usage: sub2, HasToTag: true, Termination: dialog.TerminationUsage})
	if got, want := s.Phase(), dialog.PhaseTerminated; got != want {
		t.Fatalf("s.Phase() = %q, want %q", got, want)
	}
}

func TestState_Hook(t *testing.T) {
	t.Parallel()

	s := newInviteState(t)
	var calls int
	s.SetHook(func() { calls++ })

	var changes [][2]dialog.Phase
	s.OnChange(func(from, to dialog.Phase) { changes = append(changes, [2]dialog.Phase{from, to}) })

	applyResponse(t, s, dialog.ResponseEvent{Status: 200, Usage: inviteUsage, HasToTag: true})
	if err := s.Terminate(t.Context()); err != nil {
		t.Fatalf("s.Terminate() error = %v, want nil", err)
	}
	if err := s.Terminate(t.Context()); err != nil {
		t.Fatalf("s.Terminate() error = %v, want nil", err)
	}
	applyResponse(t, s, dialog.ResponseEvent{Status: 200, HasToTag: true, Termination: dialog.TerminationAll})

	if calls != 1 {
		t.Fatalf("hook calls = %d, want 1", calls)
	}
	want := [][2]dialog.Phase{
		{dialog.PhaseInitial, dialog.PhaseConfirmed},
		{dialog.PhaseConfirmed, dialog.PhaseTerminated},
	}
	if diff := cmp.Diff(changes, want); diff != "" {
		t.Fatalf("phase changes = unexpected result\ndiff (-got +want):\n%v", diff)
	}
	usages := s.Usages()
	if !usages.IsEmpty() {
		t.Fatal("terminated dialog still has usages")
	}
}

func TestState_ApplyRequest(t *testing.T) {
	t.Parallel()

	s := newInviteState(t)
	if s.AfterInitial() {
		t.Fatal("s.AfterInitial() = true, want false")
	}
	if err := s.ApplyRequest(inviteUsage); err != nil {
		t.Fatalf("s.ApplyRequest() error = %v, want nil", err)
	}
	if !s.AfterInitial() {
		t.Fatal("s.AfterInitial() = false, want true")
	}

	if err := s.Terminate(t.Context()); err != nil {
		t.Fatalf("s.Terminate() error = %v, want nil", err)
	}
	if err := s.ApplyRequest(inviteUsage); !errors.Is(err, dialog.ErrDialogTerminated) {
		t.Fatalf("s.ApplyRequest() error = %v, want %v", err, dialog.ErrDialogTerminated)
	}
}

func TestState_CloneWithUsages(t *testing.T) {
	t.Parallel()

	s := newInviteState(t)
	s.SetHook(func() { t.Error("parent hook called for the clone") })
	applyResponse(t, s, dialog.ResponseEvent{Status: 180, Usage: inviteUsage, HasToTag: true})

	clone := s.CloneWithUsages()
	if diff := cmp.Diff(clone.Snapshot(), s.Snapshot()); diff != "" {
		t.Fatalf("clone.Snapshot() = unexpected result\ndiff (-got +want):\n%v", diff)
	}
	if err := clone.Terminate(t.Context()); err != nil {
		t.Fatalf("clone.Terminate() error = %v, want nil", err)
	}
	if got, want := s.Phase(), dialog.PhaseEarly; got != want {
		t.Fatalf("s.Phase() = %q, want %q", got, want)
	}

	s.Reset()
	if got, want := s.Phase(), dialog.PhaseInitial; got != want {
		t.Fatalf("s.Phase() after Reset = %q, want %q", got, want)
	}
	if s.IsDialogCapable() {
		t.Fatal("s.IsDialogCapable() after Reset = true, want false")
	}
}

func TestRestoreState(t *testing.T) {
	t.Parallel()

	s := newInviteState(t)
	applyResponse(t, s, dialog.ResponseEvent{Status: 200, Usage: inviteUsage, HasToTag: true})

	restored := dialog.RestoreState(s.Snapshot())
	if diff := cmp.Diff(restored.Snapshot(), s.Snapshot()); diff != "" {
		t.Fatalf("restored.Snapshot() = unexpected result\ndiff (-got +want):\n%v", diff)
	}
	if err := restored.Terminate(t.Context()); err != nil {
		t.Fatalf("restored.Terminate() error = %v, want nil", err)
	}
	if got, want := restored.Phase(), dialog.PhaseTerminated; got != want {
		t.Fatalf("restored.Phase() = %q, want %q", got, want)
	}

	if got, want := dialog.RestoreState(dialog.StateSnapshot{}).Phase(), dialog.PhaseInitial; got != want {
		t.Fatalf("RestoreState(zero).Phase() = %q, want %q", got, want)
	}
}
