// Package tu implements the transaction user core of a SIP container.
//
// A [Container] tracks every in-progress dialog through a [Handle]. Handles are the only
// objects collaborators keep; the protocol [Engine] behind a handle lives in the container
// arena and is pooled once the handle is invalidated and idle. The engine plays one of the
// UAC, UAS or stateful proxy roles (B2BUA legs are UAC/UAS engines linked to each other),
// drives the dialog state machine, validates CSeq sequencing, queues CANCEL until a
// provisional response exists, retransmits 2xx responses to INVITE, sequences reliable
// provisional responses and spawns derived handles for forked responses.
//
// Transport, application dispatch, session replication, timers and metrics are consumed
// through [sip.Transport], [ApplicationInvoker], [SessionStore], [TimerService] and
// [MetricsSink].
//
// Locking: every application session owns one [Locks] pair shared by all its handles.
// Inbound messages take the service lock and then the dialog lock; application callbacks
// run after the dialog lock is released, so they may call back into any handle of the
// session. Outbound operations take the dialog lock only.
package tu

//go:generate errtrace -w .
//go:generate mockgen -destination=../internal/testutil/tumock/tumock.go -package=tumock . SessionStore,ApplicationInvoker,MetricsSink
