package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
)

// Default dial parameters for the cloud tunneling endpoint, matching
// the relay tunnel protocol family this client targets (see
// SPEC_FULL.md §3 — grounded on cedws-goiap/iap.go).
const (
	defaultHost        = "relay.tunnel.example.internal"
	connectPath        = "/v1/connect"
	reconnectPath      = "/v1/reconnect"
	relaySubprotocol   = "relay.tunnel.example.internal.v1"
	defaultOriginHeader = "bot:relaycore-tunneler"
)

// WSAdapter is the default Adapter implementation: it dials the cloud
// tunneling endpoint over a TLS websocket and exposes the resulting
// connection as a Channel.
type WSAdapter struct {
	// Host overrides defaultHost, mainly for tests pointed at a local
	// websocket test server.
	Host string
	// Scheme overrides "wss", mainly for tests ("ws" against a plaintext
	// httptest server).
	Scheme string
	// Target identifies the destination VM/port to the tunneling
	// endpoint; its fields are passed through as query parameters.
	Target TargetSpec
	// AuthHeader, if non-empty, is sent as the Authorization header on
	// every dial (e.g. "Bearer <token>"). Acquiring the token is outside
	// this core's scope (spec.md §1) — callers supply it already formed.
	AuthHeader string
}

// TargetSpec names the destination the tunneling endpoint should relay
// bytes to once this channel is established.
type TargetSpec struct {
	Project  string
	Zone     string
	Instance string
	Port     string
}

func (t TargetSpec) queryValues() url.Values {
	v := url.Values{}
	if t.Project != "" {
		v.Set("project", t.Project)
	}
	if t.Zone != "" {
		v.Set("zone", t.Zone)
	}
	if t.Instance != "" {
		v.Set("instance", t.Instance)
	}
	if t.Port != "" {
		v.Set("port", t.Port)
	}
	return v
}

func (a *WSAdapter) scheme() string {
	if a.Scheme != "" {
		return a.Scheme
	}
	return "wss"
}

func (a *WSAdapter) host() string {
	if a.Host != "" {
		return a.Host
	}
	return defaultHost
}

func (a *WSAdapter) connectURL() string {
	u := url.URL{Scheme: a.scheme(), Host: a.host(), Path: connectPath, RawQuery: a.Target.queryValues().Encode()}
	return u.String()
}

func (a *WSAdapter) reconnectURL(sessionID []byte, bytesAckedTotal uint64) string {
	q := a.Target.queryValues()
	q.Set("sid", base64.RawURLEncoding.EncodeToString(sessionID))
	q.Set("ack", fmt.Sprintf("%d", bytesAckedTotal))
	u := url.URL{Scheme: a.scheme(), Host: a.host(), Path: reconnectPath, RawQuery: q.Encode()}
	return u.String()
}

func (a *WSAdapter) dial(ctx context.Context, target string) (Channel, error) {
	header := make(http.Header)
	header.Set("Origin", defaultOriginHeader)
	if a.AuthHeader != "" {
		header.Set("Authorization", a.AuthHeader)
	}

	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader:      header,
		Subprotocols:    []string{relaySubprotocol},
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &wsChannel{conn: conn}, nil
}

// Connect implements Adapter.
func (a *WSAdapter) Connect(ctx context.Context) (Channel, error) {
	return a.dial(ctx, a.connectURL())
}

// Reconnect implements Adapter.
func (a *WSAdapter) Reconnect(ctx context.Context, sessionID []byte, bytesAckedTotal uint64) (Channel, error) {
	return a.dial(ctx, a.reconnectURL(sessionID, bytesAckedTotal))
}

// wsChannel adapts a *websocket.Conn to the Channel interface.
type wsChannel struct {
	conn *websocket.Conn
}

func (c *wsChannel) Receive(ctx context.Context) ([]byte, *CloseStatus, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, &CloseStatus{Code: int(closeErr.Code), Reason: closeErr.Reason}, nil
		}
		return nil, nil, err
	}
	return data, nil, nil
}

func (c *wsChannel) Send(ctx context.Context, message []byte) error {
	return c.conn.Write(ctx, websocket.MessageBinary, message)
}

func (c *wsChannel) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
