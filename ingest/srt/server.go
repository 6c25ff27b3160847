// Package srt accepts SRT publish connections and hands their MPEG-TS
// payload to a stream handler. Network ingest is the pace-uncontrolled
// case the clock's drift and jitter estimators exist for.
package srt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"
)

// publishLatencyNs is the receive latency budget applied to incoming
// publishes, in nanoseconds (120ms). It bounds how long SRT holds
// packets back for retransmission before delivery.
const publishLatencyNs = 120_000_000

// Handler is invoked once per accepted publish with the connection as
// its transport-stream reader. It should return when the stream ends or
// the context is cancelled; the connection is closed afterwards.
type Handler func(ctx context.Context, streamKey string, input io.Reader)

// Server accepts incoming SRT publish connections.
type Server struct {
	log     *slog.Logger
	addr    string
	handler Handler
}

// NewServer creates an SRT server that listens on addr and invokes
// handler per accepted stream. If log is nil, slog.Default() is used.
func NewServer(addr string, handler Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:     log.With("component", "srt-server"),
		addr:    addr,
		handler: handler,
	}
}

// Serve accepts publishes until the context is cancelled, running the
// handler for each in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	l, err := s.listen()
	if err != nil {
		return err
	}
	s.log.Info("listening", "addr", s.addr)

	// Cancellation tears down the listener, which fails the blocked
	// Accept below.
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) listen() (*srtgo.Listener, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = publishLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}

	// Handlers are keyed by stream id, so a publish that presents none
	// has nowhere to go; refuse it at the handshake.
	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		return 0
	})

	return l, nil
}

// serveConn runs the handler for one publish, closing the connection
// when the handler returns or the server shuts down.
func (s *Server) serveConn(ctx context.Context, conn *srtgo.Conn) {
	key := streamKeyFromID(conn.StreamID())
	log := s.log.With("stream_key", key)
	log.Info("publish accepted", "remote", conn.RemoteAddr())

	// Closing the connection on cancellation unblocks any read the
	// handler has in flight.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	s.handler(ctx, key, conn)
	log.Info("publish ended")
}

// streamKeyFromID derives the handler's stream key from the SRT stream
// id, dropping the conventional "live/" routing prefix publishers send.
func streamKeyFromID(id string) string {
	key := strings.TrimPrefix(id, "/")
	key = strings.TrimPrefix(key, "live/")
	if key == "" {
		return "default"
	}
	return key
}
