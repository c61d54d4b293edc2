// Package grpcstream serves the matchmaking protocol as a bidirectional
// gRPC stream, matchmaking.Matchmaker/Session. Messages are CBOR encoded
// and each stream is a push session.
package grpcstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"

	"github.com/cory-johannsen/matchmaking/internal/config"
	"github.com/cory-johannsen/matchmaking/internal/protocol"
	"github.com/cory-johannsen/matchmaking/internal/session"
	"github.com/cory-johannsen/matchmaking/internal/transport"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "matchmaking.Matchmaker"
	// SessionMethod is the full method name of the session stream.
	SessionMethod = "/" + ServiceName + "/Session"
)

// MatchmakerServer is the server API of the matchmaking service.
type MatchmakerServer interface {
	Session(stream grpc.ServerStream) error
}

// ServiceDesc describes the matchmaking service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MatchmakerServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(MatchmakerServer).Session(stream)
}

// Server runs the matchmaking gRPC service.
type Server struct {
	cfg     config.GRPCConfig
	handler transport.Handler
	codec   protocol.Codec
	logger  *zap.Logger
	grpc    *grpc.Server

	mu       sync.Mutex
	listener net.Listener
	running  bool
	stopped  bool
	quit     chan struct{}
}

// NewServer creates a Server and registers the service on a new
// grpc.Server. Additional server options are passed through.
//
// Precondition: handler and logger must be non-nil.
func NewServer(cfg config.GRPCConfig, handler transport.Handler, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	s := &Server{
		cfg:     cfg,
		handler: handler,
		codec:   protocol.CBORCodec{},
		logger:  logger,
		quit:    make(chan struct{}),
	}
	opts = append([]grpc.ServerOption{grpc.ChainStreamInterceptor(s.logStream)}, opts...)
	s.grpc = grpc.NewServer(opts...)
	s.grpc.RegisterService(&ServiceDesc, s)
	return s
}

// ListenAndServe listens on the configured address and serves until Stop.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(lis)
}

// Serve serves on lis until Stop. After Stop it closes lis and returns nil.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = lis.Close()
		return nil
	}
	s.listener = lis
	s.running = true
	s.mu.Unlock()

	s.logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving grpc: %w", err)
	}
	return nil
}

// Start implements server.Service.
func (s *Server) Start() error {
	return s.ListenAndServe()
}

// Stop ends every open stream and stops the gRPC server gracefully,
// forcing it closed if ctx expires first.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	s.stopped = true
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.quit)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("grpc server stopped")
	case <-ctx.Done():
		s.grpc.Stop()
		s.logger.Warn("grpc server stop timed out", zap.Error(ctx.Err()))
	}
}

// Addr returns the listening address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Session implements MatchmakerServer. Requests on one stream are
// answered in arrival order; pushes are interleaved between responses.
func (s *Server) Session(stream grpc.ServerStream) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	var addr net.Addr
	if p, ok := peer.FromContext(ctx); ok {
		addr = p.Addr
	}
	remote := ""
	if addr != nil {
		remote = addr.String()
	}
	src := protocol.SourceFromAddr(addr)
	logger := s.logger.With(zap.String("remote_addr", remote))

	sess := s.handler.OpenSession(remote)
	out := &streamWriter{stream: stream}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pushLoop(ctx, out, sess, logger)
	}()

	recvErr := make(chan error, 1)
	go func() {
		recvErr <- s.serve(ctx, stream, out, sess, src)
	}()

	var err error
	select {
	case err = <-recvErr:
	case <-s.quit:
	}
	cancel()
	out.close()
	s.handler.CloseSession(sess)
	wg.Wait()

	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Server) serve(ctx context.Context, stream grpc.ServerStream, out *streamWriter, sess *session.Session, src protocol.Source) error {
	for {
		var msg RawMessage
		if err := stream.RecvMsg(&msg); err != nil {
			return err
		}
		data, err := transport.RoundTrip(ctx, s.handler, s.codec, msg, src, sess)
		if err != nil {
			return err
		}
		raw := RawMessage(data)
		if err := out.send(&raw); err != nil {
			return fmt.Errorf("sending response: %w", err)
		}
	}
}

func (s *Server) pushLoop(ctx context.Context, out *streamWriter, sess *session.Session, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-sess.Outbound():
			if !ok {
				return
			}
			if err := out.send(resp); err != nil {
				logger.Debug("sending push", zap.Error(err))
				return
			}
		}
	}
}

// logStream logs each stream's duration and outcome.
func (s *Server) logStream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	fields := []zap.Field{zap.String("method", info.FullMethod), zap.Duration("duration", time.Since(start))}
	if err != nil {
		s.logger.Debug("grpc stream ended", append(fields, zap.Error(err))...)
		return err
	}
	s.logger.Info("grpc stream ended cleanly", fields...)
	return nil
}

var errStreamClosed = errors.New("stream closed")

// streamWriter serializes SendMsg, which gRPC forbids calling concurrently
// or after the handler returns.
type streamWriter struct {
	mu     sync.Mutex
	stream grpc.ServerStream
	closed bool
}

func (w *streamWriter) send(m any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errStreamClosed
	}
	return w.stream.SendMsg(m)
}

func (w *streamWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}
