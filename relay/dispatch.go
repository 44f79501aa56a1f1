package relay

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/relaycore/tcprelay/metrics"
	"github.com/relaycore/tcprelay/protocol"
	"github.com/relaycore/tcprelay/transport"
)

// processOne drives exactly one step of the connect/receive/dispatch
// state machine in spec.md §4.4. It manages its own locking, releasing
// mu across every suspension point (adapter.Connect, adapter.Reconnect,
// channel.Receive, channel.Send during replay), per spec.md §5.
//
// Return values (at most one is meaningful):
//   - data != nil: a DATA payload the caller should copy out and return.
//   - terminal == true: graceful end-of-stream; caller should return 0.
//   - err != nil: either a *protocol.Error (KindCancelled leaves the
//     stream as it was; every other kind means the stream is now
//     Closed) or a plain error from a failed fresh connect (the stream
//     is left usable — NotConnected — per spec.md §7's "no built-in
//     retry" rule).
//
// Otherwise the step consumed a handshake, ACK, or ignorable frame and
// the caller should call processOne again.
func (s *Stream) processOne(ctx context.Context) (data []byte, terminal bool, err error) {
	s.mu.Lock()
	if s.state == Closed {
		fe := s.fatalErr
		s.mu.Unlock()
		if fe != nil {
			return nil, false, fe
		}
		return nil, false, protocol.ErrStreamClosed()
	}

	state := s.state
	// NotConnected/Connecting is the one window where a Read's own loop
	// and a concurrent Write's awaitConnectable can both be trying to
	// drive the connect handshake at once (spec.md §5 permits a read and
	// a write to proceed simultaneously). Only one goroutine may dial
	// and receive during that window; a concurrent arrival waits for it
	// to finish and returns a no-op step instead of independently
	// calling adapter.Connect or racing a Receive on the channel the
	// first goroutine produces — the caller's own loop then re-evaluates
	// state from scratch, so only the genuine driver ever consumes a
	// frame while it's the one establishing the channel.
	solo := state == NotConnected || state == Connecting
	if solo && s.driving {
		wake := s.notifyCh
		s.mu.Unlock()
		select {
		case <-wake:
			return nil, false, nil
		case <-ctx.Done():
			return nil, false, protocol.ErrCancelled()
		}
	}
	if solo {
		s.driving = true
	}
	ch := s.channel
	s.mu.Unlock()

	if solo {
		defer func() {
			s.mu.Lock()
			s.driving = false
			s.mu.Unlock()
		}()
	}

	if ch == nil {
		newCh, cerr := s.establishChannel(ctx, state)
		if cerr != nil {
			return nil, false, cerr
		}
		ch = newCh
	}

	msg, status, recvErr := ch.Receive(ctx)
	if recvErr != nil {
		if ctx.Err() != nil {
			return nil, false, protocol.ErrCancelled()
		}
		// No close frame was delivered, just a raw transport error.
		// Treat it the same as an abnormal closure so the usual
		// recoverable/unrecoverable classification applies.
		status = &transport.CloseStatus{Code: transport.CloseAbnormalClosure, Reason: recvErr.Error()}
	}

	if status != nil {
		return s.handleClose(ctx, status)
	}
	return s.dispatch(ctx, msg)
}

// establishChannel opens a fresh or resuming channel depending on
// state, updating connectCount/reconnectCount and s.channel. A dial
// failure during a fresh connect leaves the stream at NotConnected for
// the caller to retry (spec.md §7); a dial failure while resuming is
// treated as a failed reconnect attempt and is fatal, matching the
// "any close status on the second attempt" rule in spec.md §4.4.
func (s *Stream) establishChannel(ctx context.Context, state State) (transport.Channel, error) {
	switch state {
	case Reconnecting:
		s.mu.Lock()
		sid := s.sessionID
		acked := s.q.BytesAckedTotal()
		s.mu.Unlock()

		ch, err := s.adapter.Reconnect(ctx, sid, acked)
		s.mu.Lock()
		s.reconnectCount++
		if err != nil {
			metrics.ReconnectTotal.With(prometheus.Labels{"result": "error"}).Inc()
			s.setState(Closed)
			s.fatalErr = protocol.ErrServerClosed(transport.CloseAbnormalClosure, err.Error())
			fe := s.fatalErr
			s.mu.Unlock()
			return nil, fe
		}
		metrics.ReconnectTotal.With(prometheus.Labels{"result": "ok"}).Inc()
		s.channel = ch
		s.mu.Unlock()
		s.Logger.Eventf("reconnected, resuming session")
		return ch, nil

	default: // NotConnected or Connecting
		ch, err := s.adapter.Connect(ctx)
		s.mu.Lock()
		s.connectCount++
		if err != nil {
			metrics.ConnectTotal.With(prometheus.Labels{"result": "error"}).Inc()
			s.setState(NotConnected)
			s.mu.Unlock()
			return nil, fmt.Errorf("connect: %w", err)
		}
		metrics.ConnectTotal.With(prometheus.Labels{"result": "ok"}).Inc()
		s.channel = ch
		s.setState(Connecting)
		s.mu.Unlock()
		s.Logger.Eventf("connected, awaiting session handshake")
		return ch, nil
	}
}

// handleClose applies spec.md §4.4's close-status classification. It
// only discards s.channel on the paths that require a fresh dial
// (reconnect or fatal); a graceful close leaves the dead channel in
// place so a Write racing the close observes a Send failure through
// the normal error path instead of a nil channel.
func (s *Stream) handleClose(ctx context.Context, status *transport.CloseStatus) ([]byte, bool, error) {
	s.mu.Lock()
	state := s.state

	if state == Reconnecting {
		oldCh := s.channel
		s.channel = nil
		s.setState(Closed)
		s.fatalErr = protocol.ErrServerClosed(status.Code, status.Reason)
		fe := s.fatalErr
		s.mu.Unlock()
		metrics.StreamsClosedTotal.With(prometheus.Labels{"reason": "close_during_reconnect"}).Inc()
		if oldCh != nil {
			oldCh.Close()
		}
		return nil, false, fe
	}

	disposition := transport.Classify(status.Code)
	switch disposition {
	case transport.DispositionGraceful:
		s.eofReached = true
		// The channel is left in place: per spec.md §4.4, reads become
		// terminal from here on but the stream is not closed for
		// writes-pending purposes, so Write must still have something
		// to call Send on (once that Send fails, Write returns
		// ServerClosedStream instead of attempting a reconnect).
		s.mu.Unlock()
		metrics.StreamsClosedTotal.With(prometheus.Labels{"reason": "graceful"}).Inc()
		return nil, true, nil

	case transport.DispositionSessionUnrecoverable:
		oldCh := s.channel
		s.channel = nil
		s.setState(Closed)
		s.fatalErr = protocol.ErrServerClosed(status.Code, status.Reason)
		fe := s.fatalErr
		s.mu.Unlock()
		metrics.StreamsClosedTotal.With(prometheus.Labels{"reason": "session_unrecoverable"}).Inc()
		if oldCh != nil {
			oldCh.Close()
		}
		return nil, false, fe

	default: // DispositionRecoverable
		oldCh := s.channel
		s.channel = nil
		freshStart := !s.everReceivedData && s.q.BytesSentTotal() == 0
		if freshStart {
			s.setState(Connecting)
			s.mu.Unlock()
			if oldCh != nil {
				oldCh.Close()
			}
			s.Logger.Eventf("transport closed (status=%d) before any data; starting a fresh session", status.Code)
			return nil, false, nil
		}
		s.setState(Reconnecting)
		s.mu.Unlock()
		if oldCh != nil {
			oldCh.Close()
		}
		s.Logger.Eventf("transport closed (status=%d); resuming session", status.Code)
		return nil, false, nil
	}
}

// dispatch decodes one received message and applies spec.md §4.4's
// per-tag handling. Called with no lock held.
func (s *Stream) dispatch(ctx context.Context, msg []byte) ([]byte, bool, error) {
	decoded, decErr := protocol.Decode(msg)

	s.mu.Lock()
	state := s.state

	if decErr != nil {
		if decErr.Forbidden && state == Connected {
			// Lenient mid-stream unknown-tag handling (SPEC_FULL.md §4):
			// once the handshake has completed, an unrecognized tag is
			// dropped instead of killing the stream.
			metrics.FramesDroppedTotal.Inc()
			s.mu.Unlock()
			return nil, false, nil
		}
		s.setState(Closed)
		s.fatalErr = decErr
		fe := s.fatalErr
		s.mu.Unlock()
		metrics.StreamsClosedTotal.With(prometheus.Labels{"reason": decErr.Kind.String()}).Inc()
		return nil, false, fe
	}

	metrics.FramesReceivedTotal.With(prometheus.Labels{"tag": tagName(decoded.Tag)}).Inc()

	switch decoded.Tag {
	case protocol.TagConnectSuccessSID:
		if state != Connecting {
			s.setState(Closed)
			s.fatalErr = protocol.ErrForbiddenTag(decoded.Tag)
			fe := s.fatalErr
			s.mu.Unlock()
			return nil, false, fe
		}
		s.sessionID = decoded.SessionID
		s.setState(Connected)
		s.mu.Unlock()
		s.Logger.Eventf("session established")
		return nil, false, nil

	case protocol.TagReconnectSuccessACK:
		if state != Reconnecting {
			s.setState(Closed)
			s.fatalErr = protocol.ErrForbiddenTag(decoded.Tag)
			fe := s.fatalErr
			s.mu.Unlock()
			return nil, false, fe
		}
		if trimErr := s.q.ResumeAck(decoded.AckedBytes); trimErr != nil {
			s.setState(Closed)
			s.fatalErr = trimErr
			s.mu.Unlock()
			return nil, false, trimErr
		}
		metrics.UnackedBytesGauge.Set(float64(s.q.UnackedBytes()))
		replay := s.q.ReplayAll()
		ch := s.channel
		s.mu.Unlock()

		if err := s.replaySends(ctx, ch, replay); err != nil {
			s.mu.Lock()
			s.setState(Closed)
			s.fatalErr = err
			fe := s.fatalErr
			s.mu.Unlock()
			metrics.StreamsClosedTotal.With(prometheus.Labels{"reason": err.Kind.String()}).Inc()
			return nil, false, fe
		}
		metrics.ReplayedFramesTotal.Add(float64(len(replay)))

		s.mu.Lock()
		s.setState(Connected)
		s.mu.Unlock()
		s.Logger.Eventf("resume complete, replayed %d queued frames", len(replay))
		return nil, false, nil

	case protocol.TagACK:
		if state != Connected {
			s.setState(Closed)
			s.fatalErr = protocol.ErrForbiddenTag(decoded.Tag)
			fe := s.fatalErr
			s.mu.Unlock()
			return nil, false, fe
		}
		if trimErr := s.q.TrimTo(decoded.AckedBytes); trimErr != nil {
			s.setState(Closed)
			s.fatalErr = trimErr
			s.mu.Unlock()
			metrics.StreamsClosedTotal.With(prometheus.Labels{"reason": trimErr.Kind.String()}).Inc()
			return nil, false, trimErr
		}
		metrics.UnackedBytesGauge.Set(float64(s.q.UnackedBytes()))
		s.mu.Unlock()
		return nil, false, nil

	case protocol.TagData:
		if state != Connected {
			s.setState(Closed)
			s.fatalErr = protocol.ErrForbiddenTag(decoded.Tag)
			fe := s.fatalErr
			s.mu.Unlock()
			return nil, false, fe
		}
		s.everReceivedData = true
		s.mu.Unlock()
		if len(decoded.Payload) == 0 {
			// Consumed and ignored: surfacing a 0-length read here would
			// be indistinguishable from the graceful-EOF return value.
			return nil, false, nil
		}
		payload := make([]byte, len(decoded.Payload))
		copy(payload, decoded.Payload)
		return payload, false, nil

	default:
		// Decode never returns a Message with any other tag.
		s.mu.Unlock()
		return nil, false, protocol.ErrForbiddenTag(decoded.Tag)
	}
}

// replaySends re-sends every queued payload on ch, in order, with no
// lock held (each Send is a suspension point per spec.md §5).
func (s *Stream) replaySends(ctx context.Context, ch transport.Channel, payloads [][]byte) *protocol.Error {
	for _, p := range payloads {
		frame := protocol.EncodeData(p)
		if err := ch.Send(ctx, frame); err != nil {
			return protocol.ErrServerClosed(transport.CloseAbnormalClosure, err.Error())
		}
	}
	return nil
}

func tagName(tag protocol.Tag) string {
	switch tag {
	case protocol.TagConnectSuccessSID:
		return "connect_success_sid"
	case protocol.TagReconnectSuccessACK:
		return "reconnect_success_ack"
	case protocol.TagACK:
		return "ack"
	case protocol.TagData:
		return "data"
	default:
		return "other"
	}
}
