// Package transport abstracts the message-oriented channel a relay
// stream sends and receives framed protocol messages over, and
// provides the default websocket-backed implementation that talks to a
// cloud tunneling endpoint.
//
// Following the Server/NullServer split in the event-notification
// client this package was adapted from, Adapter and Channel are
// interfaces so the relay package's tests can swap in an in-memory Fake
// instead of dialing a real endpoint.
package transport

import "context"

// Channel is one transport-level connection carrying framed protocol
// messages. A Channel is used by at most one reader and one writer
// concurrently, matching the concurrency contract in spec.md §5.
type Channel interface {
	// Receive blocks until the next message arrives, the channel is
	// closed (in which case status is non-nil), or ctx is done. Exactly
	// one of (message, status, err) is meaningful on return: a message on
	// success, a CloseStatus on server-initiated close, or a non-nil err
	// for anything else (including ctx.Err()).
	Receive(ctx context.Context) (message []byte, status *CloseStatus, err error)
	// Send transmits message atomically as one transport-level frame.
	Send(ctx context.Context, message []byte) error
	// Close performs a client-initiated close of the channel. Idempotent.
	Close() error
}

// Adapter abstracts the underlying transport. Implementations open
// connections to the tunneling endpoint; the relay package never talks
// to the transport directly.
type Adapter interface {
	// Connect opens a fresh connection for a brand-new session. The
	// session id is learned later from the first CONNECT_SUCCESS_SID
	// message received on the returned Channel.
	Connect(ctx context.Context) (Channel, error)
	// Reconnect opens a connection that resumes an existing session at
	// the given already-acknowledged byte offset. The server responds
	// with RECONNECT_SUCCESS_ACK on the returned Channel.
	Reconnect(ctx context.Context, sessionID []byte, bytesAckedTotal uint64) (Channel, error)
}
