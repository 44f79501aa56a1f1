// Package metrics defines prometheus metric types for the relay stream
// pipeline: frame counts by tag, connect/reconnect activity, and the
// outstanding-bytes gauge tracked by the send queue.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesReceivedTotal counts successfully decoded frames by tag name.
	FramesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcprelay_frames_received_total",
			Help: "Frames decoded off the transport, by tag.",
		}, []string{"tag"})

	// FramesDroppedTotal counts frames discarded by the lenient
	// mid-stream unknown-tag rule, rather than killing the stream.
	FramesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tcprelay_frames_dropped_total",
			Help: "Forbidden or unrecognized tags dropped after the handshake completed.",
		},
	)

	// ConnectTotal counts calls to Adapter.Connect, by outcome.
	ConnectTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcprelay_connect_total",
			Help: "Connect attempts, partitioned by result.",
		}, []string{"result"})

	// ReconnectTotal counts calls to Adapter.Reconnect, by outcome.
	ReconnectTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcprelay_reconnect_total",
			Help: "Reconnect attempts, partitioned by result.",
		}, []string{"result"})

	// StreamsClosedTotal counts terminal stream outcomes by reason: the
	// error kind for protocol violations and failed replays,
	// "close_during_reconnect" or "session_unrecoverable" for fatal server
	// closes, or "graceful"/"client" for non-error closes.
	StreamsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcprelay_streams_closed_total",
			Help: "Streams that reached a terminal state, by reason.",
		}, []string{"reason"})

	// UnackedBytesGauge tracks the current outstanding (sent, not yet
	// acknowledged) byte count for the most recently updated stream.
	// Set by the relay package whenever a stream's send queue changes.
	UnackedBytesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tcprelay_unacked_bytes",
			Help: "Bytes handed to the transport but not yet acknowledged by the server.",
		},
	)

	// ReplayedFramesTotal counts DATA frames re-sent during a reconnect resume.
	ReplayedFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tcprelay_replayed_frames_total",
			Help: "Queued DATA frames re-sent after a successful reconnect.",
		},
	)
)
