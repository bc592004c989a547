package sip

import "context"

// Transport sends messages on behalf of the transaction user core.
// Implementations own the transaction layer: retransmission of requests and
// non-2xx responses, transaction matching and connection management.
// Received messages are pushed by the transport into the core.
type Transport interface {
	// SendRequest sends the request within a new client transaction.
	// ACK requests are sent outside of any transaction.
	SendRequest(ctx context.Context, req *Request) error
	// SendResponse sends the response within the server transaction of its request.
	SendResponse(ctx context.Context, res *Response) error
	// SendResponseStateless sends the response without a server transaction.
	// It is used for 2xx retransmissions and for answers to requests that were
	// rejected before a transaction was bound to them.
	SendResponseStateless(ctx context.Context, res *Response) error
}
