package protocol

import "fmt"

// Kind identifies one of the error taxonomy members a relay stream
// operation can fail with. Every API and internal boundary in this
// module returns one of these instead of relying on ad hoc error
// values, so callers can switch on Kind without string matching.
type Kind int

const (
	// KindBufferTooSmall means a caller-supplied read buffer was below
	// MinReadSize. The call failed before any I/O; the stream is unaffected.
	KindBufferTooSmall Kind = iota
	// KindInvalidServerResponse means the server sent something the wire
	// protocol forbids: a truncated message, an unknown or reserved tag at
	// the start of a session, or an ACK that is zero, non-monotonic, past
	// bytesSentTotal, or off a frame boundary. Fatal for the stream.
	KindInvalidServerResponse
	// KindServerClosedStream means the server closed the channel with an
	// unrecoverable close code, or closed during a reconnect attempt. Fatal.
	KindServerClosedStream
	// KindStreamClosed means the operation was invoked after Close or after
	// a fatal error already closed the stream.
	KindStreamClosed
	// KindCancelled means the caller's cancellation signal fired before the
	// operation completed.
	KindCancelled
)

// String implements fmt.Stringer for use in log lines.
func (k Kind) String() string {
	switch k {
	case KindBufferTooSmall:
		return "BufferTooSmall"
	case KindInvalidServerResponse:
		return "InvalidServerResponse"
	case KindServerClosedStream:
		return "ServerClosedStream"
	case KindStreamClosed:
		return "StreamClosed"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned for every Kind in the
// taxonomy above. Use errors.As to recover it and inspect Kind.
type Error struct {
	Kind Kind
	Msg  string
	// Err is the underlying cause, if any (e.g. a transport error that
	// triggered KindServerClosedStream). May be nil.
	Err error
	// Forbidden is set only on the "tag is unrecognized or reserved"
	// variant of KindInvalidServerResponse (as opposed to a truncated
	// message). The relay package uses it to apply the lenient
	// mid-stream unknown-tag rule from SPEC_FULL.md §4 without
	// re-parsing the message.
	Forbidden bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// newErr builds an *Error of the given kind with a formatted message.
func newErr(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// wrapErr builds an *Error of the given kind wrapping an underlying cause.
func wrapErr(k Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), Err: err}
}

// ErrBufferTooSmall reports that buf is too small to ever hold a frame.
func ErrBufferTooSmall(have, want int) *Error {
	return newErr(KindBufferTooSmall, "read buffer has %d bytes, need at least %d", have, want)
}

// ErrTruncated reports a message buffer shorter than its declared fields.
func ErrTruncated(tag Tag, have, want int) *Error {
	return newErr(KindInvalidServerResponse, "tag %#04x: message has %d bytes, need at least %d", uint16(tag), have, want)
}

// ErrForbiddenTag reports a tag that is never valid on the wire, or that
// is valid but out of place for the stream's current state.
func ErrForbiddenTag(tag Tag) *Error {
	e := newErr(KindInvalidServerResponse, "forbidden or unexpected tag %#04x", uint16(tag))
	e.Forbidden = true
	return e
}

// ErrNonMonotonicAck reports an ACK that does not strictly increase
// bytesAckedTotal.
func ErrNonMonotonicAck(acked, previous uint64) *Error {
	return newErr(KindInvalidServerResponse, "ack %d does not exceed previous ack %d", acked, previous)
}

// ErrAckExceedsSent reports an ACK beyond what the client has ever sent.
func ErrAckExceedsSent(acked, sent uint64) *Error {
	return newErr(KindInvalidServerResponse, "ack %d exceeds bytesSentTotal %d", acked, sent)
}

// ErrAckOffBoundary reports an ACK that does not land on a queued frame's
// cumulative-bytes-sent-at-end boundary.
func ErrAckOffBoundary(acked uint64) *Error {
	return newErr(KindInvalidServerResponse, "ack %d does not land on a frame boundary", acked)
}

// ErrServerClosed reports a fatal close: an unrecoverable close code, or
// any close encountered while attempting a reconnect.
func ErrServerClosed(status int, reason string) *Error {
	return newErr(KindServerClosedStream, "server closed stream: status=%d reason=%q", status, reason)
}

// ErrStreamClosed reports use of a stream after Close or a fatal error.
func ErrStreamClosed() *Error {
	return newErr(KindStreamClosed, "stream is closed")
}

// ErrCancelled reports that the caller's cancellation signal fired.
func ErrCancelled() *Error {
	return newErr(KindCancelled, "operation cancelled")
}
