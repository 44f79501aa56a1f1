package transport

import (
	"context"
	"sync"
)

// ScriptedChannel is an in-memory Channel that replays a fixed sequence
// of server messages and then either delivers a close status or blocks
// until its context is cancelled, matching the boundary scenarios in
// spec.md §8 ("transport idle", "first channel immediately closes",
// etc). It is the relay-stream analogue of eventsocket's NullServer: a
// trivial stand-in that lets tests exercise the state machine without a
// real endpoint.
type ScriptedChannel struct {
	// Messages are delivered, in order, to successive Receive calls.
	Messages [][]byte
	// CloseStatus, if non-nil, is delivered once Messages is exhausted.
	// If nil, Receive blocks (honoring ctx) once Messages is exhausted,
	// simulating an idle transport.
	CloseStatus *CloseStatus

	// SendErr, if set, is returned (and cleared) by the next Send call
	// instead of recording the message, simulating a transport-level
	// write failure racing a server-initiated close.
	SendErr error

	mu       sync.Mutex
	idx      int
	delivered bool
	Sent     [][]byte
	closed   bool
}

// Receive implements Channel.
func (c *ScriptedChannel) Receive(ctx context.Context) ([]byte, *CloseStatus, error) {
	c.mu.Lock()
	if c.idx < len(c.Messages) {
		msg := c.Messages[c.idx]
		c.idx++
		c.mu.Unlock()
		return msg, nil, nil
	}
	if c.CloseStatus != nil && !c.delivered {
		c.delivered = true
		status := c.CloseStatus
		c.mu.Unlock()
		return nil, status, nil
	}
	c.mu.Unlock()

	<-ctx.Done()
	return nil, nil, ctx.Err()
}

// Send implements Channel.
func (c *ScriptedChannel) Send(ctx context.Context, message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		err := c.SendErr
		c.SendErr = nil
		return err
	}
	cp := make([]byte, len(message))
	copy(cp, message)
	c.Sent = append(c.Sent, cp)
	return nil
}

// Close implements Channel.
func (c *ScriptedChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close has been called, for test assertions.
func (c *ScriptedChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FakeAdapter hands out pre-scripted channels in the order tests queue
// them, counting Connect and Reconnect calls the way the real relay
// state machine's connectCount/reconnectCount hooks require (spec.md
// §6, §8 invariant 4).
type FakeAdapter struct {
	mu sync.Mutex

	connectQueue   []*ScriptedChannel
	reconnectQueue []*ScriptedChannel

	ConnectCount   int
	ReconnectCount int

	// ConnectErr, if set, is returned by the next Connect call instead of
	// a channel, simulating a transient dial failure (spec.md §7).
	ConnectErr error
}

// QueueConnect appends a channel to be returned by the next Connect call.
func (a *FakeAdapter) QueueConnect(c *ScriptedChannel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectQueue = append(a.connectQueue, c)
}

// QueueReconnect appends a channel to be returned by the next Reconnect call.
func (a *FakeAdapter) QueueReconnect(c *ScriptedChannel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reconnectQueue = append(a.reconnectQueue, c)
}

// Connect implements Adapter.
func (a *FakeAdapter) Connect(ctx context.Context) (Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ConnectCount++
	if a.ConnectErr != nil {
		err := a.ConnectErr
		a.ConnectErr = nil
		return nil, err
	}
	if len(a.connectQueue) == 0 {
		return &ScriptedChannel{}, nil
	}
	c := a.connectQueue[0]
	a.connectQueue = a.connectQueue[1:]
	return c, nil
}

// Reconnect implements Adapter.
func (a *FakeAdapter) Reconnect(ctx context.Context, sessionID []byte, bytesAckedTotal uint64) (Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ReconnectCount++
	if len(a.reconnectQueue) == 0 {
		return &ScriptedChannel{}, nil
	}
	c := a.reconnectQueue[0]
	a.reconnectQueue = a.reconnectQueue[1:]
	return c, nil
}
