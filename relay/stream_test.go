package relay_test

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaycore/tcprelay/protocol"
	"github.com/relaycore/tcprelay/relay"
	"github.com/relaycore/tcprelay/transport"
)

// frameConnectSuccessSID builds a raw CONNECT_SUCCESS_SID frame, which
// this client only ever decodes; package protocol exports no encoder
// for it.
func frameConnectSuccessSID(sid []byte) []byte {
	buf := make([]byte, 2+4+len(sid))
	binary.BigEndian.PutUint16(buf[0:2], uint16(protocol.TagConnectSuccessSID))
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(sid)))
	copy(buf[6:], sid)
	return buf
}

func frameReconnectSuccessACK(acked uint64) []byte {
	buf := make([]byte, 2+8)
	binary.BigEndian.PutUint16(buf[0:2], uint16(protocol.TagReconnectSuccessACK))
	binary.BigEndian.PutUint64(buf[2:10], acked)
	return buf
}

func frameACK(acked uint64) []byte {
	return protocol.EncodeACK(acked)
}

func frameData(payload []byte) []byte {
	return protocol.EncodeData(payload)
}

func frameForbidden(tag protocol.Tag) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf[0:2], uint16(tag))
	return buf
}

func readBuf() []byte {
	return make([]byte, protocol.MinReadSize)
}

func ctxWithTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 2*time.Second)
}

func TestFirstReadOpensConnection(t *testing.T) {
	adapter := &transport.FakeAdapter{}
	ch := &transport.ScriptedChannel{Messages: [][]byte{frameConnectSuccessSID([]byte("sid-1"))}}
	adapter.QueueConnect(ch)
	s := relay.New(adapter)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Read(ctx, readBuf())
	if perr, ok := err.(*protocol.Error); !ok || perr.Kind != protocol.KindCancelled {
		t.Fatalf("Read() err = %v, want Cancelled (idle transport)", err)
	}
	if adapter.ConnectCount != 1 {
		t.Fatalf("ConnectCount = %d, want 1", adapter.ConnectCount)
	}
	if s.State() != relay.Connected {
		t.Fatalf("State() = %v, want Connected", s.State())
	}
}

func TestReadRejectsSmallBuffer(t *testing.T) {
	adapter := &transport.FakeAdapter{}
	s := relay.New(adapter)
	_, err := s.Read(context.Background(), make([]byte, 4))
	perr, ok := err.(*protocol.Error)
	if !ok || perr.Kind != protocol.KindBufferTooSmall {
		t.Fatalf("Read() err = %v, want BufferTooSmall", err)
	}
	if adapter.ConnectCount != 0 {
		t.Fatalf("ConnectCount = %d, want 0 (buffer check precedes connect)", adapter.ConnectCount)
	}
}

func TestTruncatedMessageIsFatal(t *testing.T) {
	adapter := &transport.FakeAdapter{}
	ch := &transport.ScriptedChannel{Messages: [][]byte{{0x00}}}
	adapter.QueueConnect(ch)
	s := relay.New(adapter)

	ctx, cancel := ctxWithTimeout(t)
	defer cancel()
	_, err := s.Read(ctx, readBuf())
	perr, ok := err.(*protocol.Error)
	if !ok || perr.Kind != protocol.KindInvalidServerResponse {
		t.Fatalf("Read() err = %v, want InvalidServerResponse", err)
	}
	if s.State() != relay.Closed {
		t.Fatalf("State() = %v, want Closed", s.State())
	}
}

func TestUnrecognizedTagAtHandshakeIsFatal(t *testing.T) {
	adapter := &transport.FakeAdapter{}
	ch := &transport.ScriptedChannel{Messages: [][]byte{frameForbidden(protocol.TagUnused)}}
	adapter.QueueConnect(ch)
	s := relay.New(adapter)

	ctx, cancel := ctxWithTimeout(t)
	defer cancel()
	_, err := s.Read(ctx, readBuf())
	perr, ok := err.(*protocol.Error)
	if !ok || perr.Kind != protocol.KindInvalidServerResponse {
		t.Fatalf("Read() err = %v, want InvalidServerResponse", err)
	}
}

func TestUnrecognizedTagAfterHandshakeIsDroppedLeniently(t *testing.T) {
	adapter := &transport.FakeAdapter{}
	ch := &transport.ScriptedChannel{Messages: [][]byte{
		frameConnectSuccessSID([]byte("sid-1")),
		frameForbidden(protocol.TagACKLatency),
		frameData([]byte{0x0A, 0x0B}),
	}}
	adapter.QueueConnect(ch)
	s := relay.New(adapter)

	ctx, cancel := ctxWithTimeout(t)
	defer cancel()
	buf := readBuf()
	n, err := s.Read(ctx, buf)
	if err != nil {
		t.Fatalf("Read() err = %v, want nil", err)
	}
	if n != 2 || buf[0] != 0x0A || buf[1] != 0x0B {
		t.Fatalf("Read() = %d bytes %v, want [0x0A 0x0B]", n, buf[:n])
	}
}

func TestACKTrimmingAdvancesQueue(t *testing.T) {
	adapter := &transport.FakeAdapter{}
	ch := &transport.ScriptedChannel{Messages: [][]byte{
		frameConnectSuccessSID([]byte("sid-1")),
		frameACK(4),
		frameACK(12),
	}}
	adapter.QueueConnect(ch)
	s := relay.New(adapter)

	ctx, cancel := ctxWithTimeout(t)
	defer cancel()
	for i := 0; i < 3; i++ {
		if err := s.Write(ctx, []byte{byte(i), byte(i), byte(i), byte(i)}); err != nil {
			t.Fatalf("Write() #%d err = %v", i, err)
		}
	}

	shortCtx, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	_, _ = s.Read(shortCtx, readBuf())

	if got := s.UnacknowledgedMessageCount(); got != 0 {
		t.Fatalf("UnacknowledgedMessageCount() = %d, want 0", got)
	}
	if got := s.ExpectedAck(); got != 0 {
		t.Fatalf("ExpectedAck() = %d, want 0", got)
	}
}

func TestZeroACKIsRejected(t *testing.T) {
	adapter := &transport.FakeAdapter{}
	ch := &transport.ScriptedChannel{Messages: [][]byte{
		frameConnectSuccessSID([]byte("sid-1")),
		frameACK(0),
	}}
	adapter.QueueConnect(ch)
	s := relay.New(adapter)

	ctx, cancel := ctxWithTimeout(t)
	defer cancel()
	if err := s.Write(ctx, []byte("abcd")); err != nil {
		t.Fatalf("Write() err = %v", err)
	}
	_, err := s.Read(ctx, readBuf())
	perr, ok := err.(*protocol.Error)
	if !ok || perr.Kind != protocol.KindInvalidServerResponse {
		t.Fatalf("Read() err = %v, want InvalidServerResponse", err)
	}
}

func TestMismatchedACKIsRejected(t *testing.T) {
	adapter := &transport.FakeAdapter{}
	ch := &transport.ScriptedChannel{Messages: [][]byte{
		frameConnectSuccessSID([]byte("sid-1")),
		frameACK(999),
	}}
	adapter.QueueConnect(ch)
	s := relay.New(adapter)

	ctx, cancel := ctxWithTimeout(t)
	defer cancel()
	if err := s.Write(ctx, []byte("abcd")); err != nil {
		t.Fatalf("Write() err = %v", err)
	}
	_, err := s.Read(ctx, readBuf())
	perr, ok := err.(*protocol.Error)
	if !ok || perr.Kind != protocol.KindInvalidServerResponse {
		t.Fatalf("Read() err = %v, want InvalidServerResponse", err)
	}
}

func TestGracefulCloseIsTerminalNotFatal(t *testing.T) {
	adapter := &transport.FakeAdapter{}
	ch := &transport.ScriptedChannel{
		Messages:    [][]byte{frameConnectSuccessSID([]byte("sid-1")), frameData([]byte{0x01})},
		CloseStatus: &transport.CloseStatus{Code: transport.CloseNormalClosure, Reason: "done"},
	}
	adapter.QueueConnect(ch)
	s := relay.New(adapter)

	ctx, cancel := ctxWithTimeout(t)
	defer cancel()
	buf := readBuf()
	n, err := s.Read(ctx, buf)
	if err != nil || n != 1 {
		t.Fatalf("first Read() = (%d, %v), want (1, nil)", n, err)
	}
	n, err = s.Read(ctx, buf)
	if err != nil || n != 0 {
		t.Fatalf("second Read() = (%d, %v), want (0, nil)", n, err)
	}
}

func TestRecoverableCloseBeforeDataRetriesFreshConnect(t *testing.T) {
	adapter := &transport.FakeAdapter{}
	first := &transport.ScriptedChannel{CloseStatus: &transport.CloseStatus{Code: transport.CloseProtocolError}}
	second := &transport.ScriptedChannel{Messages: [][]byte{
		frameConnectSuccessSID([]byte("sid-1")),
		frameData([]byte{0x01, 0x02}),
	}}
	adapter.QueueConnect(first)
	adapter.QueueConnect(second)
	s := relay.New(adapter)

	ctx, cancel := ctxWithTimeout(t)
	defer cancel()
	buf := readBuf()
	n, err := s.Read(ctx, buf)
	if err != nil {
		t.Fatalf("Read() err = %v", err)
	}
	if n != 2 {
		t.Fatalf("Read() = %d bytes, want 2", n)
	}
	if adapter.ConnectCount != 2 {
		t.Fatalf("ConnectCount = %d, want 2", adapter.ConnectCount)
	}
	if adapter.ReconnectCount != 0 {
		t.Fatalf("ReconnectCount = %d, want 0 (no data was ever exchanged on the first channel)", adapter.ReconnectCount)
	}
}

func TestRecoverableCloseAfterDataReconnects(t *testing.T) {
	adapter := &transport.FakeAdapter{}
	first := &transport.ScriptedChannel{
		Messages:    [][]byte{frameConnectSuccessSID([]byte("sid-1")), frameData([]byte{0x01})},
		CloseStatus: &transport.CloseStatus{Code: transport.CloseProtocolError},
	}
	second := &transport.ScriptedChannel{Messages: [][]byte{
		frameReconnectSuccessACK(0),
		frameData([]byte{0x01, 0x02}),
	}}
	adapter.QueueConnect(first)
	adapter.QueueReconnect(second)
	s := relay.New(adapter)

	ctx, cancel := ctxWithTimeout(t)
	defer cancel()
	buf := readBuf()

	n, err := s.Read(ctx, buf)
	if err != nil || n != 1 {
		t.Fatalf("first Read() = (%d, %v), want (1, nil)", n, err)
	}
	n, err = s.Read(ctx, buf)
	if err != nil || n != 2 {
		t.Fatalf("second Read() = (%d, %v), want (2, nil)", n, err)
	}
	if adapter.ConnectCount != 1 || adapter.ReconnectCount != 1 {
		t.Fatalf("ConnectCount=%d ReconnectCount=%d, want 1,1", adapter.ConnectCount, adapter.ReconnectCount)
	}
}

func TestRecoverableCloseAfterWriteReconnectsAndReplays(t *testing.T) {
	adapter := &transport.FakeAdapter{}
	first := &transport.ScriptedChannel{
		Messages:    [][]byte{frameConnectSuccessSID([]byte("sid-1"))},
		CloseStatus: &transport.CloseStatus{Code: transport.CloseProtocolError},
	}
	second := &transport.ScriptedChannel{Messages: [][]byte{
		frameReconnectSuccessACK(0),
		frameData([]byte{0x01}),
	}}
	adapter.QueueConnect(first)
	adapter.QueueReconnect(second)
	s := relay.New(adapter)

	ctx, cancel := ctxWithTimeout(t)
	defer cancel()

	payload := []byte{0xAA, 0xBB, 0xCC}
	if err := s.Write(ctx, payload); err != nil {
		t.Fatalf("Write() err = %v", err)
	}

	buf := readBuf()
	n, err := s.Read(ctx, buf)
	if err != nil || n != 1 {
		t.Fatalf("Read() = (%d, %v), want (1, nil)", n, err)
	}
	if adapter.ReconnectCount != 1 {
		t.Fatalf("ReconnectCount = %d, want 1", adapter.ReconnectCount)
	}
	if len(second.Sent) != 1 {
		t.Fatalf("second.Sent has %d frames, want 1 replayed frame", len(second.Sent))
	}
	replayed := protocol.EncodeData(payload)
	if string(second.Sent[0]) != string(replayed) {
		t.Fatalf("replayed frame mismatch")
	}
}

func TestUnrecoverableCloseOnReconnectIsFatal(t *testing.T) {
	adapter := &transport.FakeAdapter{}
	first := &transport.ScriptedChannel{
		Messages:    [][]byte{frameConnectSuccessSID([]byte("sid-1")), frameData([]byte{0x01})},
		CloseStatus: &transport.CloseStatus{Code: transport.CloseProtocolError},
	}
	second := &transport.ScriptedChannel{
		CloseStatus: &transport.CloseStatus{Code: transport.CloseSIDUnknown},
	}
	adapter.QueueConnect(first)
	adapter.QueueReconnect(second)
	s := relay.New(adapter)

	ctx, cancel := ctxWithTimeout(t)
	defer cancel()
	buf := readBuf()

	if _, err := s.Read(ctx, buf); err != nil {
		t.Fatalf("first Read() err = %v, want nil", err)
	}
	_, err := s.Read(ctx, buf)
	perr, ok := err.(*protocol.Error)
	if !ok || perr.Kind != protocol.KindServerClosedStream {
		t.Fatalf("second Read() err = %v, want ServerClosedStream", err)
	}
	if s.State() != relay.Closed {
		t.Fatalf("State() = %v, want Closed", s.State())
	}
}

func TestPostCloseReadReturnsStreamClosed(t *testing.T) {
	adapter := &transport.FakeAdapter{}
	ch := &transport.ScriptedChannel{Messages: [][]byte{frameConnectSuccessSID([]byte("sid-1"))}}
	adapter.QueueConnect(ch)
	s := relay.New(adapter)

	ctx, cancel := ctxWithTimeout(t)
	defer cancel()
	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open() err = %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close() err = %v", err)
	}
	_, err := s.Read(ctx, readBuf())
	perr, ok := err.(*protocol.Error)
	if !ok || perr.Kind != protocol.KindStreamClosed {
		t.Fatalf("Read() err = %v, want StreamClosed", err)
	}
	if !ch.Closed() {
		t.Fatalf("underlying channel was not closed")
	}
}

func TestWriteSendFailureReconnectsInsteadOfFatal(t *testing.T) {
	adapter := &transport.FakeAdapter{}
	first := &transport.ScriptedChannel{
		Messages: [][]byte{frameConnectSuccessSID([]byte("sid-1"))},
	}
	second := &transport.ScriptedChannel{
		Messages: [][]byte{frameConnectSuccessSID([]byte("sid-2"))},
	}
	adapter.QueueConnect(first)
	adapter.QueueConnect(second)
	s := relay.New(adapter)

	ctx, cancel := ctxWithTimeout(t)
	defer cancel()
	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open() err = %v", err)
	}

	// Simulate a momentary, recoverable network blip observed only on
	// the send path: Write treats a raw transport error as
	// CloseAbnormalClosure, which Classify maps to recoverable. Since
	// no data has ever been sent or received, this is a "fresh start"
	// recoverable close (spec.md §4.4) and must drive a brand-new
	// connect rather than killing the stream.
	first.SendErr = errors.New("write: connection reset by peer")

	payload := []byte{0x01, 0x02, 0x03}
	if err := s.Write(ctx, payload); err != nil {
		t.Fatalf("Write() err = %v, want nil (recoverable close should reconnect silently)", err)
	}
	if s.State() != relay.Connected {
		t.Fatalf("State() = %v, want Connected", s.State())
	}
	if adapter.ConnectCount != 2 {
		t.Fatalf("ConnectCount = %d, want 2 (fresh start after the recoverable send failure)", adapter.ConnectCount)
	}
	if len(second.Sent) != 1 || string(second.Sent[0]) != string(protocol.EncodeData(payload)) {
		t.Fatalf("second.Sent = %v, want the retried frame", second.Sent)
	}
	if !first.Closed() {
		t.Fatalf("first channel was not closed after the recoverable close")
	}
}

func TestConcurrentReadAndWriteShareOneConnect(t *testing.T) {
	adapter := &transport.FakeAdapter{}
	ch := &transport.ScriptedChannel{Messages: [][]byte{
		frameConnectSuccessSID([]byte("sid-1")),
		frameData([]byte{0x01}),
	}}
	adapter.QueueConnect(ch)
	s := relay.New(adapter)

	ctx, cancel := ctxWithTimeout(t)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	errs := make(chan error, 2)
	go func() {
		defer wg.Done()
		if _, err := s.Read(ctx, readBuf()); err != nil {
			errs <- err
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.Write(ctx, []byte("abcd")); err != nil {
			errs <- err
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}

	if adapter.ConnectCount != 1 {
		t.Fatalf("ConnectCount = %d, want 1 (single-flight connect)", adapter.ConnectCount)
	}
}
