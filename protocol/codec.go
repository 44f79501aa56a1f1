package protocol

import "encoding/binary"

// EncodeData frames payload as a DATA message: a 2-byte tag, a 4-byte
// big-endian length, and the payload bytes themselves. The caller is
// responsible for keeping len(payload) within MaxPayloadSize; neither
// EncodeData nor relay.Stream.Write, which frames whatever it is given,
// enforces it.
func EncodeData(payload []byte) []byte {
	buf := make([]byte, DataFrameHeaderLen+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(TagData))
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[6:], payload)
	return buf
}

// EncodeACK frames an ACK message carrying the given cumulative
// received-byte count. Included for symmetry and for tests that need to
// script a fake server; this client never sends one itself (see
// SPEC_FULL.md §4 — ACK is server-to-client only in this protocol).
func EncodeACK(ackedTotal uint64) []byte {
	buf := make([]byte, tagLen+ackFieldLen)
	binary.BigEndian.PutUint16(buf[0:2], uint16(TagACK))
	binary.BigEndian.PutUint64(buf[2:10], ackedTotal)
	return buf
}

// Decode parses a single received message buffer into a Message. It
// never retains buf itself for anything other than Payload, which
// aliases it directly: callers that need to hold onto Payload past the
// next decode must copy it out.
func Decode(buf []byte) (Message, *Error) {
	if len(buf) < tagLen {
		return Message{}, ErrTruncated(TagUnused, len(buf), tagLen)
	}
	tag := Tag(binary.BigEndian.Uint16(buf[0:2]))
	rest := buf[tagLen:]

	switch tag {
	case TagConnectSuccessSID:
		return decodeConnectSuccess(rest)
	case TagReconnectSuccessACK:
		return decodeAckLike(tag, rest)
	case TagACK:
		return decodeAckLike(tag, rest)
	case TagData:
		return decodeData(rest)
	default:
		// TagUnused, TagDeprecated, TagACKLatency, TagReplyLatency, and any
		// value outside the recognized set are all forbidden here. Whether
		// a forbidden tag is fatal depends on stream state, which this
		// pure codec does not know about: the relay package applies the
		// lenient-mid-stream rule (SPEC_FULL.md §4) on top of this result.
		return Message{}, ErrForbiddenTag(tag)
	}
}

func decodeConnectSuccess(rest []byte) (Message, *Error) {
	if len(rest) < lenFieldLen {
		return Message{}, ErrTruncated(TagConnectSuccessSID, len(rest), lenFieldLen)
	}
	sidLen := binary.BigEndian.Uint32(rest[0:4])
	body := rest[lenFieldLen:]
	if uint32(len(body)) < sidLen {
		return Message{}, ErrTruncated(TagConnectSuccessSID, len(body), int(sidLen))
	}
	sid := make([]byte, sidLen)
	copy(sid, body[:sidLen])
	return Message{Tag: TagConnectSuccessSID, SessionID: sid}, nil
}

func decodeAckLike(tag Tag, rest []byte) (Message, *Error) {
	if len(rest) < ackFieldLen {
		return Message{}, ErrTruncated(tag, len(rest), ackFieldLen)
	}
	acked := binary.BigEndian.Uint64(rest[0:8])
	return Message{Tag: tag, AckedBytes: acked}, nil
}

func decodeData(rest []byte) (Message, *Error) {
	if len(rest) < lenFieldLen {
		return Message{}, ErrTruncated(TagData, len(rest), lenFieldLen)
	}
	dataLen := binary.BigEndian.Uint32(rest[0:4])
	if dataLen > MaxPayloadSize {
		return Message{}, newErr(KindInvalidServerResponse, "data frame length %d exceeds MaxPayloadSize %d", dataLen, MaxPayloadSize)
	}
	body := rest[lenFieldLen:]
	if uint32(len(body)) < dataLen {
		return Message{}, ErrTruncated(TagData, len(body), int(dataLen))
	}
	return Message{Tag: TagData, Payload: body[:dataLen]}, nil
}
