package amq

import "context"

// Dispatcher is the handler registry: an external collaborator that maps an
// opaque handler identifier to a function and invokes it. amq neither
// interprets nor validates handler identifiers; it only hands one, together
// with the sender's rank and the message payload, to Dispatch on the
// draining thread.
//
// Dispatch is called synchronously from the reader protocol, once per
// message, in deposit order within a frozen buffer. A handler may call back
// into the inbox (e.g. BufferedSend) from within Dispatch.
type Dispatcher interface {
	Dispatch(ctx context.Context, handlerID int64, senderID int, payload []byte) error
}

// DispatcherFunc adapts a function to a Dispatcher, mirroring the standard
// library's http.HandlerFunc idiom.
type DispatcherFunc func(ctx context.Context, handlerID int64, senderID int, payload []byte) error

func (f DispatcherFunc) Dispatch(ctx context.Context, handlerID int64, senderID int, payload []byte) error {
	return f(ctx, handlerID, senderID, payload)
}
