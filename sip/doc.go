// Package sip holds the parsed SIP message model consumed by the transaction user core,
// request methods and response statuses, RFC 3261 timing configuration and the
// transport contract. Parsing and serialization belong to the transport implementation.
package sip

//go:generate errtrace -w .
