package dialog

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/siptu/sip"
)

// Phase is a dialog state.
type Phase string

const (
	PhaseInitial    Phase = "initial"
	PhaseEarly      Phase = "early"
	PhaseConfirmed  Phase = "confirmed"
	PhaseTerminated Phase = "terminated"
)

// Termination tells how a final response affects the dialog usages.
type Termination int

const (
	// TerminationNone keeps the dialog.
	TerminationNone Termination = iota
	// TerminationUsage removes the response usage; the dialog terminates with its last usage.
	TerminationUsage
	// TerminationAll terminates the dialog with all its usages, e.g. BYE.
	TerminationAll
)

// ResponseEvent describes a response seen by the dialog.
type ResponseEvent struct {
	Status sip.ResponseStatus
	// Usage is the usage created by the request of the response.
	// The zero usage is used for requests that do not create usages.
	Usage    Usage
	HasToTag bool
	// Termination applies only to final responses.
	Termination Termination
	// Outbound is set when the response was generated by this node acting as UAS.
	Outbound bool
}

const (
	trigProvisional = "provisional"
	trigSuccess     = "success"
	trigRollback    = "rollback"
	trigTerminate   = "terminate"
)

// State is the state of a dialog and the set of its usages.
type State struct {
	phase         Phase
	classified    bool
	dialogCapable bool
	afterInitial  bool
	usages        UsageSet
	hook          func()
	onChange      func(from, to Phase)
	fsm           *stateless.StateMachine
}

// NewState creates a dialog state in the [PhaseInitial] phase.
func NewState() *State {
	s := &State{phase: PhaseInitial}
	s.initFSM()
	return s
}

func (s *State) initFSM() {
	s.fsm = stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) { return s.phase, nil },
		func(_ context.Context, st stateless.State) error {
			s.phase = st.(Phase) //nolint:forcetypeassert
			return nil
		},
		stateless.FiringImmediate,
	)

	s.fsm.Configure(PhaseInitial).
		Permit(trigProvisional, PhaseEarly).
		Permit(trigSuccess, PhaseConfirmed).
		Ignore(trigRollback).
		Permit(trigTerminate, PhaseTerminated)

	s.fsm.Configure(PhaseEarly).
		Ignore(trigProvisional).
		Permit(trigSuccess, PhaseConfirmed).
		Permit(trigRollback, PhaseInitial).
		Permit(trigTerminate, PhaseTerminated)

	s.fsm.Configure(PhaseConfirmed).
		Ignore(trigProvisional).
		Ignore(trigSuccess).
		Ignore(trigRollback).
		Permit(trigTerminate, PhaseTerminated)

	s.fsm.Configure(PhaseTerminated).
		OnEntry(s.actTerminated).
		Ignore(trigProvisional).
		Ignore(trigSuccess).
		Ignore(trigRollback).
		Ignore(trigTerminate)

	s.fsm.OnTransitioned(func(_ context.Context, tr stateless.Transition) {
		if s.onChange != nil && tr.Source != tr.Destination {
			s.onChange(tr.Source.(Phase), tr.Destination.(Phase)) //nolint:forcetypeassert
		}
	})
}

func (s *State) actTerminated(context.Context, ...any) error {
	s.usages.Clear()
	if hook := s.hook; hook != nil {
		s.hook = nil
		hook()
	}
	return nil
}

// Phase returns the current dialog state.
func (s *State) Phase() Phase { return s.phase }

// Usages returns a copy of the dialog usages.
func (s *State) Usages() UsageSet { return s.usages.Clone() }

// IsDialogCapable reports whether the initial method may create a dialog.
func (s *State) IsDialogCapable() bool { return s.dialogCapable }

// AfterInitial reports whether a request was already applied to the dialog.
func (s *State) AfterInitial() bool { return s.afterInitial }

// SetHook sets the function called once when the dialog terminates.
func (s *State) SetHook(fn func()) { s.hook = fn }

// OnChange sets the function called on every phase change.
func (s *State) OnChange(fn func(from, to Phase)) { s.onChange = fn }

// IsDialogCapableMethod reports whether a request with the method may create a dialog.
func IsDialogCapableMethod(m sip.RequestMethod) bool {
	switch m.ToUpper() {
	case sip.RequestMethodInvite, sip.RequestMethodSubscribe, sip.RequestMethodRefer, sip.RequestMethodNotify:
		return true
	}
	return false
}

// ClassifyInitialMethod records whether the initial request method can create a dialog.
// Only the first call has effect. Sessions that are not dialog-capable never
// leave [PhaseInitial].
func (s *State) ClassifyInitialMethod(m sip.RequestMethod) bool {
	if !s.classified {
		s.classified = true
		s.dialogCapable = IsDialogCapableMethod(m)
	}
	return s.dialogCapable
}

// ApplyRequest registers a request of the dialog.
func (s *State) ApplyRequest(Usage) error {
	if s.phase == PhaseTerminated {
		return errtrace.Wrap(ErrDialogTerminated)
	}
	s.afterInitial = true
	return nil
}

// ApplyResponse updates the dialog with a sent or received response.
//
// Provisional responses with a To tag create early usages, 2xx confirm the
// dialog. Failures roll an unconfirmed dialog back to [PhaseInitial] unless
// the failure was sent by this node, which terminates it. Confirmed dialogs
// are not affected by failures. Final responses then apply the event termination.
func (s *State) ApplyResponse(ctx context.Context, ev ResponseEvent) error {
	if !s.dialogCapable || s.phase == PhaseTerminated {
		return nil
	}

	switch sts := ev.Status; {
	case sts.IsProvisional():
		if !ev.HasToTag {
			return nil
		}
		s.addUsage(ev.Usage)
		if err := s.fsm.FireCtx(ctx, trigProvisional); err != nil {
			return errtrace.Wrap(err)
		}
		return nil
	case sts.IsSuccessful():
		s.addUsage(ev.Usage)
		if err := s.fsm.FireCtx(ctx, trigSuccess); err != nil {
			return errtrace.Wrap(err)
		}
	case sts.IsFailure():
		if s.phase != PhaseConfirmed {
			if ev.Outbound {
				return errtrace.Wrap(s.fsm.FireCtx(ctx, trigTerminate))
			}
			s.usages.Clear()
			return errtrace.Wrap(s.fsm.FireCtx(ctx, trigRollback))
		}
	default:
		return nil
	}

	switch ev.Termination {
	case TerminationAll:
		return errtrace.Wrap(s.fsm.FireCtx(ctx, trigTerminate))
	case TerminationUsage:
		if !ev.Usage.IsZero() {
			s.usages.Remove(ev.Usage)
		}
		if s.usages.IsEmpty() {
			return errtrace.Wrap(s.fsm.FireCtx(ctx, trigTerminate))
		}
	}
	return nil
}

func (s *State) addUsage(u Usage) {
	if !u.IsZero() {
		s.usages.Add(u)
	}
}

// Terminate forces the dialog to [PhaseTerminated].
func (s *State) Terminate(ctx context.Context) error {
	return errtrace.Wrap(s.fsm.FireCtx(ctx, trigTerminate))
}

// CanBeInvalidated reports whether the dialog has no live usages,
// i.e. it is either not established yet or already terminated.
func (s *State) CanBeInvalidated() bool {
	return s.phase == PhaseInitial || s.phase == PhaseTerminated
}

// Reset returns the state to a fresh [PhaseInitial] state without hooks.
func (s *State) Reset() {
	s.phase = PhaseInitial
	s.classified = false
	s.dialogCapable = false
	s.afterInitial = false
	s.usages.Clear()
	s.hook = nil
	s.onChange = nil
}

// CloneWithUsages returns a copy of the state for a derived session.
// Hooks are not copied.
func (s *State) CloneWithUsages() *State {
	s2 := &State{
		phase:         s.phase,
		classified:    s.classified,
		dialogCapable: s.dialogCapable,
		afterInitial:  s.afterInitial,
		usages:        s.usages.Clone(),
	}
	s2.initFSM()
	return s2
}

// StateSnapshot is a serializable view of the dialog state.
type StateSnapshot struct {
	Phase         Phase   `json:"phase"`
	DialogCapable bool    `json:"dialog_capable"`
	Usages        []Usage `json:"usages,omitempty"`
}

// Snapshot returns the serializable view of the state.
func (s *State) Snapshot() StateSnapshot {
	snap := StateSnapshot{Phase: s.phase, DialogCapable: s.dialogCapable}
	for u := range s.usages.All() {
		snap.Usages = append(snap.Usages, u)
	}
	return snap
}

// RestoreState rebuilds a dialog state from its snapshot.
func RestoreState(snap StateSnapshot) *State {
	s := &State{
		phase:         snap.Phase,
		classified:    true,
		dialogCapable: snap.DialogCapable,
		afterInitial:  snap.Phase != PhaseInitial,
	}
	if s.phase == "" {
		s.phase = PhaseInitial
		s.classified = false
	}
	for _, u := range snap.Usages {
		s.usages.Add(u)
	}
	s.initFSM()
	return s
}

func (s *State) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("phase", string(s.phase)),
		slog.Bool("dialog_capable", s.dialogCapable),
		slog.Int("usages", s.usages.Len()),
	)
}
