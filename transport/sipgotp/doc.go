// Package sipgotp implements [sip.Transport] on top of github.com/emiago/sipgo.
//
// sipgo owns sockets and the transaction layer; this package converts messages
// between the sipgo model and the core model, keeps server transactions until the
// core answers them and pushes received messages into a [Receiver], usually a
// [tu.Container].
//
// [sip.Transport]: github.com/ghettovoice/siptu/sip.Transport
// [tu.Container]: github.com/ghettovoice/siptu/tu.Container
package sipgotp
