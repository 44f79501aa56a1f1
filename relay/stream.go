// Package relay implements the public byte-stream façade: it drives
// the protocol codec, consumes frames from a transport.Channel, manages
// the unacknowledged send queue, and owns the connect/reconnect state
// machine described in spec.md §4.4.
package relay

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/relaycore/tcprelay/metrics"
	"github.com/relaycore/tcprelay/protocol"
	"github.com/relaycore/tcprelay/queue"
	"github.com/relaycore/tcprelay/transport"
)

// EventLogger receives informational log lines from a Stream. Stream
// never requires one; a nil Logger is a silent no-op. sessionlog.Logger
// implements this interface.
type EventLogger interface {
	Eventf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Eventf(string, ...interface{}) {}

// Stream is the public façade described in spec.md §4.4 / §6: a
// reliable, reconnecting byte stream layered over a transport.Adapter.
//
// Following the single-exclusive-guard model in spec.md §5, all mutable
// state — the current channel, the send queue, the byte counters, the
// session id, and the state-machine variable — is protected by mu. mu
// is held only across state transitions and queue mutations; it is
// released before every blocking transport call.
type Stream struct {
	adapter transport.Adapter
	Logger  EventLogger

	mu        sync.Mutex
	state     State
	channel   transport.Channel
	sessionID []byte
	q         *queue.Queue

	everReceivedData bool
	eofReached       bool
	fatalErr         *protocol.Error
	notifyCh         chan struct{}

	// driving single-flights processOne's connect-handshake step: a
	// Read's own loop and a concurrent Write's awaitConnectable can both
	// notice state is NotConnected/Connecting at once (spec.md §5
	// explicitly allows a read and a write to proceed simultaneously),
	// but only one of them may actually dial and receive during that
	// window. See processOne.
	driving bool

	connectCount   int
	reconnectCount int
}

// New returns a Stream in state NotConnected, bound to adapter.
func New(adapter transport.Adapter) *Stream {
	return &Stream{
		adapter:  adapter,
		Logger:   noopLogger{},
		state:    NotConnected,
		q:        queue.New(),
		notifyCh: make(chan struct{}),
	}
}

// MinReadSize is the smallest caller read buffer Read will accept.
func (s *Stream) MinReadSize() int { return protocol.MinReadSize }

// UnacknowledgedMessageCount reports the number of send-queue entries
// still awaiting acknowledgement. Testing introspection hook (spec.md §6).
func (s *Stream) UnacknowledgedMessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Len()
}

// BytesSentTotal reports the cumulative bytes ever handed to Write.
func (s *Stream) BytesSentTotal() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.BytesSentTotal()
}

// ExpectedAck reports the number of sent bytes still outstanding —
// i.e. how much further bytesAckedTotal must advance before the send
// queue is fully drained. Testing introspection hook (spec.md §6).
func (s *Stream) ExpectedAck() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.UnackedBytes()
}

// ConnectCount reports how many times adapter.Connect has been called.
func (s *Stream) ConnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectCount
}

// ReconnectCount reports how many times adapter.Reconnect has been called.
func (s *Stream) ReconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectCount
}

// State reports the current lifecycle state. Exposed mainly for tests.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState must be called with mu held. It updates the state machine
// variable and wakes every goroutine waiting on a state change (e.g. a
// Write blocked because the stream is Reconnecting).
func (s *Stream) setState(ns State) {
	s.state = ns
	close(s.notifyCh)
	s.notifyCh = make(chan struct{})
}

// Open eagerly drives the stream to Connected, instead of waiting for
// the first Read or Write to do so lazily. Calling it is optional: both
// Read and Write perform the same lazy connect if Open was never called.
func (s *Stream) Open(ctx context.Context) error {
	return s.awaitConnectable(ctx)
}

// Read pulls the next DATA frame the server emitted and copies its
// payload into buf, per spec.md §4.4. It returns 1..len(buf) bytes on
// success, or 0 exactly once the stream has reached a graceful
// end-of-stream (every subsequent Read also returns 0).
func (s *Stream) Read(ctx context.Context, buf []byte) (int, error) {
	if len(buf) < protocol.MinReadSize {
		return 0, protocol.ErrBufferTooSmall(len(buf), protocol.MinReadSize)
	}

	s.mu.Lock()
	if s.state == Closed {
		err := s.fatalErr
		s.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return 0, protocol.ErrStreamClosed()
	}
	if s.eofReached {
		s.mu.Unlock()
		return 0, nil
	}
	s.mu.Unlock()

	for {
		data, terminal, err := s.processOne(ctx)
		if err != nil {
			return 0, err
		}
		if terminal {
			return 0, nil
		}
		if data != nil {
			n := copy(buf, data)
			return n, nil
		}
		// Handshake/ACK/ignored frame: keep servicing this Read call.
	}
}

// Write sends buf as a single DATA frame and returns once it has been
// handed to the current channel (not once acknowledged). A write issued
// before any read lazily connects; a write issued while Reconnecting
// blocks until the resume completes.
//
// A transport error observed here is classified exactly like one
// observed by the read loop (spec.md §7): a recoverable close drives the
// reconnect state machine silently and this frame is retried against
// whatever channel the reconnect lands on, instead of unconditionally
// killing the stream.
func (s *Stream) Write(ctx context.Context, buf []byte) error {
	for {
		if err := s.awaitConnectable(ctx); err != nil {
			return err
		}

		s.mu.Lock()
		if s.state == Closed {
			err := s.fatalErr
			s.mu.Unlock()
			if err != nil {
				return err
			}
			return protocol.ErrStreamClosed()
		}
		ch := s.channel
		s.mu.Unlock()

		frame := protocol.EncodeData(buf)
		sendErr := ch.Send(ctx, frame)
		if sendErr == nil {
			s.mu.Lock()
			s.q.Append(buf)
			metrics.UnackedBytesGauge.Set(float64(s.q.UnackedBytes()))
			s.mu.Unlock()
			return nil
		}
		if ctx.Err() != nil {
			return protocol.ErrCancelled()
		}

		s.mu.Lock()
		stale := s.channel != ch
		eof := s.eofReached
		s.mu.Unlock()
		if stale {
			// The read loop already observed this channel's close and
			// drove the state machine past it; retry against wherever
			// it landed instead of acting on a superseded channel.
			continue
		}
		if eof {
			// The server already closed this session gracefully; there
			// is nothing left to reconnect to.
			return protocol.ErrServerClosed(transport.CloseNormalClosure, "graceful close")
		}

		status := &transport.CloseStatus{Code: transport.CloseAbnormalClosure, Reason: sendErr.Error()}
		_, terminal, hcErr := s.handleClose(ctx, status)
		if hcErr != nil {
			return hcErr
		}
		if terminal {
			// Graceful end-of-stream: the server will accept no further
			// data on this session.
			return protocol.ErrServerClosed(transport.CloseNormalClosure, "graceful close")
		}
		// Recoverable: handleClose already moved the state machine to
		// Connecting or Reconnecting. Loop back to await the new channel
		// and retry this same frame.
	}
}

// Close sends a client-initiated close to the current channel and
// transitions to Closed. Idempotent.
func (s *Stream) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	ch := s.channel
	s.channel = nil
	s.setState(Closed)
	s.mu.Unlock()
	metrics.StreamsClosedTotal.With(prometheus.Labels{"reason": "client"}).Inc()

	if ch != nil {
		return ch.Close()
	}
	return nil
}

// awaitConnectable blocks until the stream reaches Connected, Closed,
// or ctx is done. While NotConnected or Connecting it actively drives
// the connect handshake itself (so a Write issued before any Read still
// makes progress); while Reconnecting it only waits, since resuming a
// session is driven exclusively by the read loop's handling of
// RECONNECT_SUCCESS_ACK.
func (s *Stream) awaitConnectable(ctx context.Context) error {
	for {
		s.mu.Lock()
		switch s.state {
		case Closed:
			err := s.fatalErr
			s.mu.Unlock()
			if err != nil {
				return err
			}
			return protocol.ErrStreamClosed()
		case Connected:
			s.mu.Unlock()
			return nil
		case Reconnecting:
			ch := s.notifyCh
			s.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return protocol.ErrCancelled()
			}
			continue
		default: // NotConnected, Connecting
			s.mu.Unlock()
		}

		if _, _, err := s.processOne(ctx); err != nil {
			return err
		}
	}
}
