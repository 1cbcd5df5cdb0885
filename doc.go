// Package grpchub provides a hub of named methods that clients invoke over a
// single long-lived gRPC stream, called a session.
//
// A hub method is unary (one result), a stream (the hub sends a sequence of
// items as they are produced), or an upload (the client sends a sequence of
// items). Any number of invocations can be in flight on one session at once.
// Items are flow controlled: the receiving side grants credit as its consumer
// takes items, so a producer never runs further ahead of its consumer than the
// consumer's buffer allows. Either side can cancel an invocation, and the
// producer observes the cancellation.
//
// The items of a stream are handled locally with package streams, which
// offers two ways to produce them: cooperatively, where each item is computed
// when the consumer asks for it, and buffered, where an independent producer
// writes into a buffer.
//
// On the server, register methods on a Hub with HandleUnary, HandleStream and
// HandleUpload, and serve it with a HubServiceHandler. On the client, open a
// Session with Connect and use Session.Invoke, Stream and Upload.
//
// Sessions can also run over a WebSocket; see package wsconn.
package grpchub
