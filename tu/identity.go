package tu

import (
	"sync"
	"time"

	"github.com/ghettovoice/siptu/dialog"
)

// Locks is the lock pair of an application session.
// Every handle created under the session shares the same pair.
type Locks struct {
	// Sync serializes protocol state mutation of the dialogs.
	Sync sync.Mutex
	// Service serializes application dispatch.
	Service sync.Mutex
}

// Identity is the protocol-independent part of a session: its shared id,
// dialog state, locks, expiration and servlet binding.
type Identity struct {
	sharedID  string
	as        *appSession
	servlet   ServletDescriptor
	dialog    *dialog.State
	locks     *Locks
	expiresAt time.Time
	expTimer  TimerHandle
	valid     bool
}

func newIdentity(sharedID string, as *appSession, servlet ServletDescriptor, dlg *dialog.State) *Identity {
	if dlg == nil {
		dlg = dialog.NewState()
	}
	return &Identity{
		sharedID: sharedID,
		as:       as,
		servlet:  servlet,
		dialog:   dlg,
		locks:    as.locks,
		valid:    true,
	}
}

// SharedID returns the cluster-wide id of the session.
func (id *Identity) SharedID() string { return id.sharedID }

// AppSessionID returns the id of the owning application session.
func (id *Identity) AppSessionID() string { return id.as.id }

// Servlet returns the servlet the session is bound to.
func (id *Identity) Servlet() ServletDescriptor { return id.servlet }

// Dialog returns the dialog state. It must be accessed with Locks.Sync held.
func (id *Identity) Dialog() *dialog.State { return id.dialog }

// Locks returns the lock pair of the application session.
func (id *Identity) Locks() *Locks { return id.locks }

// ExpiresAt returns the expiration time, zero if the session never expires.
func (id *Identity) ExpiresAt() time.Time { return id.expiresAt }

// IsValid reports whether the identity was not invalidated yet.
func (id *Identity) IsValid() bool { return id.valid }

func (id *Identity) setExpiration(ts TimerService, th TimerHandle, at time.Time) {
	if id.expTimer != nil {
		ts.Cancel(id.expTimer)
	}
	id.expTimer = th
	id.expiresAt = at
}

func (id *Identity) invalidate(ts TimerService) {
	if id.expTimer != nil {
		ts.Cancel(id.expTimer)
		id.expTimer = nil
	}
	id.valid = false
}

type appSession struct {
	id    string
	locks *Locks

	mu      sync.Mutex
	handles map[HandleID]struct{}
}

func newAppSession(id string) *appSession {
	return &appSession{
		id:      id,
		locks:   new(Locks),
		handles: make(map[HandleID]struct{}),
	}
}

func (as *appSession) attach(id HandleID) {
	as.mu.Lock()
	as.handles[id] = struct{}{}
	as.mu.Unlock()
}

// detach removes the handle and reports whether the session became empty.
func (as *appSession) detach(id HandleID) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	delete(as.handles, id)
	return len(as.handles) == 0
}

func (as *appSession) len() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return len(as.handles)
}
