// Package sessionlog implements relay.EventLogger: it tags every event
// line from a *relay.Stream with a per-stream correlation id, the way
// the teacher's collector tags every saved TCP_INFO record with the
// owning socket's UUID. It also records a one-line-per-session summary
// that cmd/relaystat can later turn into CSV, the way the teacher's
// ArchiveRecord stream feeds cmd/csvtool.
package sessionlog

import (
	"encoding/json"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/m-lab/go/logx"
	"github.com/m-lab/uuid"
)

// streamSeq mints a distinct cookie per process-local Stream instance.
// The teacher derives its UUID input from a real socket inode; a relay
// stream has no socket of its own to borrow one from, so a monotonic
// counter fills the same role as a per-instance source of uniqueness.
var streamSeq uint64

// Logger implements relay.EventLogger, prefixing every line with a
// correlation id so concurrent streams' logs can be told apart.
type Logger struct {
	id      string
	every   *logx.LogEvery
	verbose bool
}

// New mints a fresh correlation id and returns a Logger bound to it.
// When verbose is false, only one line per throttle window is actually
// written, whatever its format string, mirroring the teacher's
// oneSecondLog pattern for noisy per-packet diagnostics.
func New(verbose bool) *Logger {
	cookie := atomic.AddUint64(&streamSeq, 1)
	return &Logger{
		id:      uuid.FromCookie(cookie),
		every:   logx.NewLogEvery(nil, time.Second),
		verbose: verbose,
	}
}

// ID returns the correlation id this Logger tags every line with.
func (l *Logger) ID() string { return l.id }

// Eventf implements relay.EventLogger.
func (l *Logger) Eventf(format string, args ...interface{}) {
	if l.verbose {
		log.Printf("["+l.id+"] "+format, args...)
		return
	}
	l.every.Printf("["+l.id+"] "+format, args...)
}

// Summary is a one-line-per-session record of how a *relay.Stream's
// lifetime went, written as JSON lines by WriteSummary and read back by
// cmd/relaystat for conversion to CSV via gocsv.
type Summary struct {
	ID             string `json:"id" csv:"id"`
	Target         string `json:"target" csv:"target"`
	ConnectCount   int    `json:"connect_count" csv:"connect_count"`
	ReconnectCount int    `json:"reconnect_count" csv:"reconnect_count"`
	BytesSent      uint64 `json:"bytes_sent" csv:"bytes_sent"`
	UnackedBytes   uint64 `json:"unacked_bytes" csv:"unacked_bytes"`
	FinalState     string `json:"final_state" csv:"final_state"`
	Err            string `json:"error,omitempty" csv:"error"`
}

// WriteSummary appends one JSON-encoded Summary line to w.
func WriteSummary(w io.Writer, s Summary) error {
	enc := json.NewEncoder(w)
	return enc.Encode(s)
}

// ReadSummaries decodes a stream of newline-delimited Summary records,
// as written by WriteSummary, stopping at io.EOF.
func ReadSummaries(r io.Reader) ([]Summary, error) {
	dec := json.NewDecoder(r)
	var out []Summary
	for {
		var s Summary
		if err := dec.Decode(&s); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, err
		}
		out = append(out, s)
	}
}
