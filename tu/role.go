package tu

import "github.com/ghettovoice/siptu/sip"

// role is the transaction user variant of an engine.
// Exactly one of uacRole, uasRole and proxyRole is set.
type role interface {
	kind() Role
}

type uacRole struct {
	b2bua bool
	peer  HandleID
}

func (*uacRole) kind() Role { return RoleUAC }

type uasRole struct {
	b2bua bool
	peer  HandleID
}

func (*uasRole) kind() Role { return RoleUAS }

type proxyRole struct {
	sessionID string
	// downstreamTag is the To tag of the dialog established downstream.
	downstreamTag string
	// combined is set when the session already acted as UAS before it was proxied.
	// In-dialog requests addressed to the local tag are then handled as UAS.
	combined bool
	// inviteSeq and inviteStatus are the CSeq and final status of the last relayed INVITE.
	// ACK to a non-2xx final response is hop-by-hop and is not forwarded.
	inviteSeq    uint32
	inviteStatus sip.ResponseStatus
}

func (*proxyRole) kind() Role { return RoleProxy }

func roleKind(r role) Role {
	if r == nil {
		return ""
	}
	return r.kind()
}

func b2buaPeer(r role) (HandleID, bool) {
	switch r := r.(type) {
	case *uacRole:
		return r.peer, r.b2bua && r.peer != 0
	case *uasRole:
		return r.peer, r.b2bua && r.peer != 0
	}
	return 0, false
}

func cloneRole(r role) role {
	switch r := r.(type) {
	case *uacRole:
		r2 := *r
		return &r2
	case *uasRole:
		r2 := *r
		return &r2
	case *proxyRole:
		r2 := *r
		r2.combined = false
		r2.downstreamTag = ""
		r2.inviteSeq, r2.inviteStatus = 0, 0
		return &r2
	}
	return nil
}
