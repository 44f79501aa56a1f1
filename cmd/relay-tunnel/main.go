// Command relay-tunnel runs a local TCP listener that relays every
// accepted connection's byte stream through a relay.Stream bound to a
// cloud tunneling endpoint, the way IAP's desktop tunneling client
// bridges a local RDP/SSH client to the cloud-side relay.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"golang.org/x/sys/unix"

	"github.com/relaycore/tcprelay/protocol"
	"github.com/relaycore/tcprelay/relay"
	"github.com/relaycore/tcprelay/sessionlog"
	"github.com/relaycore/tcprelay/transport"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	listenAddr = flag.String("listen", "127.0.0.1:2222", "Local address to accept byte-stream clients on.")
	promPort   = flag.String("prom", ":9090", "Prometheus metrics export address and port.")
	host       = flag.String("relay-host", "", "Tunneling endpoint host. Empty uses the adapter default.")
	project    = flag.String("project", "", "Destination project, passed through to the tunneling endpoint.")
	zone       = flag.String("zone", "", "Destination zone.")
	instance   = flag.String("instance", "", "Destination instance name.")
	port       = flag.String("port", "22", "Destination port on the instance.")
	authHeader = flag.String("auth-header", "", "Authorization header value sent on every dial.")
	verbose    = flag.Bool("verbose", false, "Log every stream event instead of throttling to one per second.")
	sessionLog = flag.String("session-log", "", "Append one JSON-lines sessionlog.Summary record here per closed connection. Empty disables it.")

	sessionLogMu sync.Mutex
	sessionLogFh *os.File
)

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	if *sessionLog != "" {
		fh, err := os.OpenFile(*sessionLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		rtx.Must(err, "could not open session log %s", *sessionLog)
		defer fh.Close()
		sessionLogFh = fh
	}

	promSrv := prometheusx.MustStartPrometheus(*promPort)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer promSrv.Shutdown(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	listener, err := net.Listen("tcp", *listenAddr)
	rtx.Must(err, "could not listen on %s", *listenAddr)
	defer listener.Close()
	log.Printf("relay-tunnel: listening on %s", *listenAddr)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("accept: %v", err)
			continue
		}
		go handleConn(ctx, conn)
	}
}

func handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	tuneKeepalive(conn)

	logger := sessionlog.New(*verbose)
	adapter := &transport.WSAdapter{
		Host:       *host,
		AuthHeader: *authHeader,
		Target: transport.TargetSpec{
			Project:  *project,
			Zone:     *zone,
			Instance: *instance,
			Port:     *port,
		},
	}
	stream := relay.New(adapter)
	stream.Logger = logger

	target := *project + "/" + *zone + "/" + *instance + ":" + *port

	if err := stream.Open(ctx); err != nil {
		log.Printf("[%s] open: %v", logger.ID(), err)
		writeSessionSummary(logger, stream, target, err)
		return
	}

	errs := make(chan error, 2)
	go pumpLocalToRelay(ctx, stream, conn, errs)
	go pumpRelayToLocal(ctx, stream, conn, errs)
	pumpErr := <-errs
	if pumpErr != nil {
		log.Printf("[%s] %v", logger.ID(), pumpErr)
	}

	stream.Close(ctx)
	writeSessionSummary(logger, stream, target, pumpErr)
}

func writeSessionSummary(logger *sessionlog.Logger, stream *relay.Stream, target string, pumpErr error) {
	if sessionLogFh == nil {
		return
	}
	summary := sessionlog.Summary{
		ID:             logger.ID(),
		Target:         target,
		ConnectCount:   stream.ConnectCount(),
		ReconnectCount: stream.ReconnectCount(),
		BytesSent:      stream.BytesSentTotal(),
		UnackedBytes:   stream.ExpectedAck(),
		FinalState:     stream.State().String(),
	}
	if pumpErr != nil {
		summary.Err = pumpErr.Error()
	}

	sessionLogMu.Lock()
	defer sessionLogMu.Unlock()
	if err := sessionlog.WriteSummary(sessionLogFh, summary); err != nil {
		log.Printf("session log write: %v", err)
	}
}

func pumpLocalToRelay(ctx context.Context, stream *relay.Stream, conn net.Conn, errs chan<- error) {
	buf := make([]byte, protocol.MaxPayloadSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := stream.Write(ctx, buf[:n]); werr != nil {
				errs <- werr
				return
			}
		}
		if err != nil {
			errs <- nil
			return
		}
	}
}

func pumpRelayToLocal(ctx context.Context, stream *relay.Stream, conn net.Conn, errs chan<- error) {
	buf := make([]byte, stream.MinReadSize())
	for {
		n, err := stream.Read(ctx, buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				errs <- nil
				return
			}
		}
		if err != nil {
			errs <- err
			return
		}
		if n == 0 {
			errs <- nil
			return
		}
	}
}

// tuneKeepalive enables TCP keepalive on accepted connections with a
// short idle threshold, since a stalled RDP/SSH client is otherwise
// indistinguishable from a slow one until the relay itself times out.
func tuneKeepalive(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 30)
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10)
	})
}
