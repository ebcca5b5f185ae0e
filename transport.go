package codelink

import (
	"context"
	"errors"
	"iter"
)

// ErrSessionClosed is returned by session operations after the session
// stopped or the peer went away.
var ErrSessionClosed = errors.New("session closed")

// ServerTransport provides the server-side communication layer.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they
	// are accepted. Each yielded Session represents a unique client
	// connection. The implementation must guarantee that each session ID is
	// unique across all active connections.
	//
	// The implementation should exit the iteration when Shutdown is called.
	Sessions() iter.Seq[Session]

	// Shutdown releases the transport's resources, including its listener.
	// The implementation should not stop the sessions it produced, the
	// caller already does that before calling this method. The caller is
	// guaranteed to call this method only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer.
type ClientTransport interface {
	// StartSession connects to the server and returns the established
	// session. Operations are canceled when the context is canceled, and
	// appropriate errors are returned for connection or authorization
	// failures.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents a bidirectional communication channel between server
// and client.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits a message to the peer. Sends are serialized; it is
	// safe to call Send from multiple goroutines.
	Send(ctx context.Context, msg Message) error

	// Messages returns an iterator that yields messages received from the
	// peer in arrival order. The iteration ends when the session closes.
	Messages() iter.Seq[Message]

	// Stop closes the session. The caller is guaranteed to call this
	// method at most once.
	Stop()
}

// RequestClientFunc sends a request to the connected client and blocks
// until the client responds, the context is canceled, or the connection
// closes. Tool handlers use it when they need an answer from the client
// while a call is in flight.
//
// A client-side error response is surfaced as an RPCError.
type RequestClientFunc func(ctx context.Context, req Request) (Response, error)
