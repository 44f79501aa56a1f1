// Package queue keeps the ordered record of outbound DATA payloads a
// relay stream has sent but that the server has not yet acknowledged,
// so they can be replayed after a reconnect.
//
// Queue is NOT threadsafe: like cache.Cache in the socket-diagnostics
// collector this module was adapted from, callers are expected to
// serialize access themselves (the relay package does so with its
// single exclusive guard, per spec.md §5).
package queue

import "github.com/relaycore/tcprelay/protocol"

// entry is one outstanding, unacknowledged send.
type entry struct {
	payload []byte
	// cumulativeEnd is bytesSentTotal immediately after payload was sent.
	cumulativeEnd uint64
}

// Queue is the ordered set of unacknowledged sends for one stream,
// together with the byte counters spec.md §3 defines alongside it.
type Queue struct {
	entries        []entry
	bytesSentTotal uint64
	bytesAckedTotal uint64
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{}
}

// BytesSentTotal returns the cumulative bytes ever handed to Append.
func (q *Queue) BytesSentTotal() uint64 { return q.bytesSentTotal }

// BytesAckedTotal returns the highest cumulative value ever accepted by TrimTo.
func (q *Queue) BytesAckedTotal() uint64 { return q.bytesAckedTotal }

// Len returns the number of unacknowledged entries currently retained.
func (q *Queue) Len() int { return len(q.entries) }

// UnackedBytes returns the aggregate payload length of all retained
// entries, which is always bytesSentTotal - bytesAckedTotal.
func (q *Queue) UnackedBytes() uint64 {
	return q.bytesSentTotal - q.bytesAckedTotal
}

// Append records payload as freshly sent, advancing bytesSentTotal.
// Callers must call Append only after the payload has actually been
// handed to the transport, in submission order.
func (q *Queue) Append(payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	q.bytesSentTotal += uint64(len(cp))
	q.entries = append(q.entries, entry{payload: cp, cumulativeEnd: q.bytesSentTotal})
}

// TrimTo discards every entry whose cumulative-bytes-sent-at-end is at
// or below ackedTotal. ackedTotal must strictly exceed the previous
// bytesAckedTotal, must not exceed bytesSentTotal, and must equal the
// cumulativeEnd of the last entry it discards exactly (an ack that
// discards no entry is rejected), so that acks always land on a frame
// boundary. Any violation is a protocol
// error and is reported instead of silently applied.
func (q *Queue) TrimTo(ackedTotal uint64) *protocol.Error {
	if ackedTotal <= q.bytesAckedTotal {
		return protocol.ErrNonMonotonicAck(ackedTotal, q.bytesAckedTotal)
	}
	if ackedTotal > q.bytesSentTotal {
		return protocol.ErrAckExceedsSent(ackedTotal, q.bytesSentTotal)
	}

	i := 0
	for ; i < len(q.entries); i++ {
		if q.entries[i].cumulativeEnd > ackedTotal {
			break
		}
	}
	if i == 0 || q.entries[i-1].cumulativeEnd != ackedTotal {
		return protocol.ErrAckOffBoundary(ackedTotal)
	}

	q.entries = q.entries[i:]
	q.bytesAckedTotal = ackedTotal
	return nil
}

// ResumeAck applies the cumulative received-byte count carried by a
// RECONNECT_SUCCESS_ACK. Unlike TrimTo, ackedTotal may legitimately
// repeat the previous bytesAckedTotal (including zero, when the server
// has not durably received anything yet) since a reconnect simply
// restates where the server's receive cursor is rather than announcing
// new progress. It still must not exceed bytesSentTotal, and any
// advance must land on a frame boundary.
func (q *Queue) ResumeAck(ackedTotal uint64) *protocol.Error {
	if ackedTotal < q.bytesAckedTotal {
		return protocol.ErrNonMonotonicAck(ackedTotal, q.bytesAckedTotal)
	}
	if ackedTotal > q.bytesSentTotal {
		return protocol.ErrAckExceedsSent(ackedTotal, q.bytesSentTotal)
	}
	if ackedTotal == q.bytesAckedTotal {
		return nil
	}

	i := 0
	for ; i < len(q.entries); i++ {
		if q.entries[i].cumulativeEnd > ackedTotal {
			break
		}
	}
	if i == 0 || q.entries[i-1].cumulativeEnd != ackedTotal {
		return protocol.ErrAckOffBoundary(ackedTotal)
	}

	q.entries = q.entries[i:]
	q.bytesAckedTotal = ackedTotal
	return nil
}

// ReplayAll returns the ordered payloads of every entry still retained,
// for re-sending on a freshly (re)connected channel. The returned
// slices are defensive copies; mutating them does not affect the queue.
func (q *Queue) ReplayAll() [][]byte {
	out := make([][]byte, len(q.entries))
	for i, e := range q.entries {
		cp := make([]byte, len(e.payload))
		copy(cp, e.payload)
		out[i] = cp
	}
	return out
}
