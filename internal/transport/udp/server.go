// Package udp serves the matchmaking protocol over UDP. Each datagram
// carries one CBOR request and is answered by one datagram sent back to
// its source. There is no session, so subscriptions are refused.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/matchmaking/internal/config"
	"github.com/cory-johannsen/matchmaking/internal/protocol"
	"github.com/cory-johannsen/matchmaking/internal/transport"
)

const (
	// DefaultMaxDatagramSize applies when the configuration leaves it unset.
	DefaultMaxDatagramSize = 8192
	// Workers bounds the number of datagrams handled concurrently.
	Workers = 32
)

// Server reads request datagrams and writes response datagrams.
type Server struct {
	cfg     config.UDPConfig
	handler transport.Handler
	codec   protocol.Codec
	logger  *zap.Logger

	mu      sync.Mutex
	conn    net.PacketConn
	running bool
	stopped bool
	done    chan struct{}
}

// NewServer creates a Server.
//
// Precondition: handler and logger must be non-nil.
func NewServer(cfg config.UDPConfig, handler transport.Handler, logger *zap.Logger) *Server {
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = DefaultMaxDatagramSize
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		codec:   protocol.CBORCodec{},
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// ListenAndServe reads datagrams until Stop is called. In-flight
// datagrams are answered before it returns. After Stop it returns nil
// without reading.
func (s *Server) ListenAndServe() error {
	conn, err := net.ListenPacket("udp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conn = conn
	s.running = true
	s.mu.Unlock()
	defer close(s.done)

	s.logger.Info("udp server listening", zap.String("addr", conn.LocalAddr().String()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g errgroup.Group
	g.SetLimit(Workers)

	for {
		buf := make([]byte, s.cfg.MaxDatagramSize)
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("reading datagram", zap.Error(err))
			continue
		}
		datagram := buf[:n]
		g.Go(func() error {
			s.handleDatagram(ctx, conn, datagram, addr)
			return nil
		})
	}

	_ = g.Wait()
	return nil
}

// Start implements server.Service.
func (s *Server) Start() error {
	return s.ListenAndServe()
}

func (s *Server) handleDatagram(ctx context.Context, conn net.PacketConn, data []byte, addr net.Addr) {
	out, err := transport.RoundTrip(ctx, s.handler, s.codec, data, protocol.SourceFromAddr(addr), nil)
	if err != nil {
		s.logger.Error("encoding response", zap.String("remote_addr", addr.String()), zap.Error(err))
		return
	}
	if len(out) > s.cfg.MaxDatagramSize {
		s.logger.Warn("response exceeds datagram size",
			zap.String("remote_addr", addr.String()),
			zap.Int("size", len(out)),
			zap.Int("max", s.cfg.MaxDatagramSize),
		)
		out, err = s.codec.Marshal(protocol.NewInternalServerError("ResponseTooLarge", "response does not fit in a datagram"))
		if err != nil {
			return
		}
	}
	if _, err := conn.WriteTo(out, addr); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("writing datagram", zap.String("remote_addr", addr.String()), zap.Error(err))
	}
}

// Stop closes the socket and waits for in-flight datagrams until ctx
// expires.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	s.stopped = true
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	conn := s.conn
	s.mu.Unlock()

	_ = conn.Close()
	select {
	case <-s.done:
		s.logger.Info("udp server stopped")
	case <-ctx.Done():
		s.logger.Warn("udp server stop timed out", zap.Error(ctx.Err()))
	}
}

// Addr returns the bound address, or "" before ListenAndServe binds.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.LocalAddr().String()
	}
	return ""
}

// IsRunning reports whether the server is reading datagrams.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
