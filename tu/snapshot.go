package tu

import (
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptu/dialog"
	"github.com/ghettovoice/siptu/internal/timeutil"
	"github.com/ghettovoice/siptu/sip"
)

// HandleSnapshot is a serializable view of a session.
// It is what [SessionStore] implementations replicate; [Container.Restore]
// recreates the session from it.
type HandleSnapshot struct {
	ID           HandleID          `json:"id"`
	SharedID     string            `json:"shared_id"`
	AppSessionID string            `json:"app_session_id"`
	Servlet      ServletDescriptor `json:"servlet,omitzero"`
	Role         Role              `json:"role"`
	Lifecycle    Lifecycle         `json:"lifecycle"`

	B2BUA         bool   `json:"b2bua,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	DownstreamTag string `json:"downstream_tag,omitempty"`
	Combined      bool   `json:"combined,omitempty"`

	Dialog       dialog.StateSnapshot `json:"dialog"`
	CallID       string               `json:"call_id,omitempty"`
	LocalTag     string               `json:"local_tag,omitempty"`
	RemoteTag    string               `json:"remote_tag,omitempty"`
	LocalAddr    sip.Address          `json:"local_addr,omitzero"`
	RemoteAddr   sip.Address          `json:"remote_addr,omitzero"`
	LocalContact *sip.Address         `json:"local_contact,omitempty"`
	LocalCSeq    uint32               `json:"local_cseq,omitempty"`
	RemoteCSeq   uint32               `json:"remote_cseq,omitempty"`
	RemoteTarget sip.URI              `json:"remote_target,omitzero"`
	RouteSet     []sip.Address        `json:"route_set,omitempty"`
	// RemoteCSeqSet is set once a request was received, RemoteCSeq may be 0.
	RemoteCSeqSet bool `json:"remote_cseq_set,omitempty"`

	OpenTransactions int                     `json:"open_transactions"`
	ExpiresAt        time.Time               `json:"expires_at,omitzero"`
	Expiration       *timeutil.TimerSnapshot `json:"expiration,omitempty"`
}

// Snapshot returns the serializable view of the session.
func (h *Handle) Snapshot() (*HandleSnapshot, error) {
	var snap *HandleSnapshot
	err := h.read(func(rec *record) {
		e := rec.engine
		snap = &HandleSnapshot{
			ID:               h.id,
			SharedID:         rec.id.sharedID,
			AppSessionID:     rec.id.AppSessionID(),
			Servlet:          rec.id.servlet,
			Role:             roleKind(e.role),
			Lifecycle:        h.Lifecycle(),
			Dialog:           rec.id.dialog.Snapshot(),
			CallID:           e.callID,
			LocalTag:         e.localTag,
			RemoteTag:        e.remoteTag,
			LocalAddr:        e.localAddr.Clone(),
			RemoteAddr:       e.remoteAddr.Clone(),
			LocalCSeq:        e.localCSeq,
			RemoteCSeq:       e.remoteCSeq,
			RemoteCSeqSet:    e.remoteCSeqSet,
			RemoteTarget:     e.remoteTarget.Clone(),
			RouteSet:         cloneAddrs(e.routeSet),
			OpenTransactions: h.OpenTransactions(),
			ExpiresAt:        rec.id.expiresAt,
			Expiration:       snapshotTimer(rec.id.expTimer),
		}
		if e.localContact != nil {
			lc := e.localContact.Clone()
			snap.LocalContact = &lc
		}
		switch r := e.role.(type) {
		case *uacRole:
			snap.B2BUA = r.b2bua
		case *uasRole:
			snap.B2BUA = r.b2bua
		case *proxyRole:
			snap.SessionID = r.sessionID
			snap.DownstreamTag = r.downstreamTag
			snap.Combined = r.combined
		}
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return snap, nil
}
