// Package tcp serves the matchmaking protocol over TCP. Every message is a
// CBOR document preceded by its length as a big-endian uint32. Each
// connection is a push session.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/matchmaking/internal/config"
	"github.com/cory-johannsen/matchmaking/internal/protocol"
	"github.com/cory-johannsen/matchmaking/internal/session"
	"github.com/cory-johannsen/matchmaking/internal/transport"
)

// DefaultMaxFrameSize applies when the configuration leaves it unset.
const DefaultMaxFrameSize = 1 << 20

// Acceptor listens for TCP connections and serves each one until it closes.
type Acceptor struct {
	cfg     config.TCPConfig
	handler transport.Handler
	codec   protocol.Codec
	logger  *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	mu       sync.Mutex
	conns    map[*Conn]struct{}
	running  bool
	stopped  bool
}

// NewAcceptor creates an Acceptor.
//
// Precondition: handler and logger must be non-nil.
// Postcondition: Returns an Acceptor ready for ListenAndServe.
func NewAcceptor(cfg config.TCPConfig, handler transport.Handler, logger *zap.Logger) *Acceptor {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	return &Acceptor{
		cfg:     cfg,
		handler: handler,
		codec:   protocol.CBORCodec{},
		logger:  logger,
		quit:    make(chan struct{}),
		conns:   make(map[*Conn]struct{}),
	}
}

// ListenAndServe accepts connections until Stop is called.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns. After
// Stop it returns nil without accepting.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	a.listener = listener
	a.running = true
	a.mu.Unlock()

	a.logger.Info("tcp acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	for {
		raw, err := listener.Accept()
		if err != nil {
			select {
			case <-a.quit:
				return nil
			default:
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				a.logger.Error("accepting connection", zap.Error(err))
				continue
			}
		}

		conn := NewConn(raw, a.cfg.ReadTimeout, a.cfg.WriteTimeout, a.cfg.MaxFrameSize)
		if !a.track(conn) {
			_ = conn.Close()
			return nil
		}
		a.wg.Add(1)
		go a.handleConn(conn)
	}
}

// Start implements server.Service.
func (a *Acceptor) Start() error {
	return a.ListenAndServe()
}

func (a *Acceptor) track(c *Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return false
	}
	a.conns[c] = struct{}{}
	return true
}

func (a *Acceptor) untrack(c *Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.conns, c)
}

// handleConn serves one connection. Requests are answered in arrival
// order; pushes are written by a separate goroutine between responses.
func (a *Acceptor) handleConn(conn *Conn) {
	defer a.wg.Done()
	defer a.untrack(conn)
	defer conn.Close()

	start := time.Now()
	addr := conn.RemoteAddr().String()
	src := protocol.SourceFromAddr(conn.RemoteAddr())
	logger := a.logger.With(zap.String("remote_addr", addr))
	logger.Info("client connected")

	sess := a.handler.OpenSession(addr)
	var pushWG sync.WaitGroup
	pushWG.Add(1)
	go func() {
		defer pushWG.Done()
		a.pushLoop(conn, sess, logger)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := a.serve(ctx, conn, sess, src)
	a.handler.CloseSession(sess)
	pushWG.Wait()

	if err != nil && !errors.Is(err, io.EOF) {
		logger.Debug("connection ended",
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return
	}
	logger.Info("connection ended cleanly", zap.Duration("duration", time.Since(start)))
}

func (a *Acceptor) serve(ctx context.Context, conn *Conn, sess *session.Session, src protocol.Source) error {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		out, err := transport.RoundTrip(ctx, a.handler, a.codec, frame, src, sess)
		if err != nil {
			return err
		}
		if err := conn.WriteFrame(out); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
	}
}

func (a *Acceptor) pushLoop(conn *Conn, sess *session.Session, logger *zap.Logger) {
	for resp := range sess.Outbound() {
		out, err := a.codec.Marshal(resp)
		if err != nil {
			logger.Error("encoding push", zap.String("kind", string(resp.Kind)), zap.Error(err))
			continue
		}
		if err := conn.WriteFrame(out); err != nil {
			logger.Debug("writing push", zap.Error(err))
			_ = conn.Close()
			return
		}
	}
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines until ctx expires.
//
// Postcondition: No new connections are accepted.
func (a *Acceptor) Stop(ctx context.Context) {
	a.mu.Lock()
	a.stopped = true
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.quit)
	if a.listener != nil {
		_ = a.listener.Close()
	}
	for c := range a.conns {
		_ = c.Close()
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.logger.Info("tcp acceptor stopped")
	case <-ctx.Done():
		a.logger.Warn("tcp acceptor stop timed out", zap.Error(ctx.Err()))
	}
}

// Addr returns the listening address, or "" before ListenAndServe binds.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning reports whether the acceptor is accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
