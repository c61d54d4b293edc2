// Package websocket serves the matchmaking protocol over WebSocket. Each
// text message is one JSON request or response, and each connection is a
// push session.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/matchmaking/internal/config"
	"github.com/cory-johannsen/matchmaking/internal/protocol"
	"github.com/cory-johannsen/matchmaking/internal/session"
	"github.com/cory-johannsen/matchmaking/internal/transport"
)

const (
	// DefaultPongWait applies when the configuration leaves it unset.
	DefaultPongWait = 60 * time.Second
	// DefaultMaxMessageSize applies when the configuration leaves it unset.
	DefaultMaxMessageSize = 1 << 20

	writeWait = 10 * time.Second
	// replyBuffer bounds responses waiting behind pushes in the write pump.
	replyBuffer = 16
)

// Server upgrades HTTP requests on the configured path and serves each
// WebSocket until it closes.
type Server struct {
	cfg      config.WebSocketConfig
	handler  transport.Handler
	codec    protocol.Codec
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	conns    map[*websocket.Conn]struct{}
	running  bool
	stopped  bool
	wg       sync.WaitGroup
}

// NewServer creates a Server.
//
// Precondition: handler and logger must be non-nil.
func NewServer(cfg config.WebSocketConfig, handler transport.Handler, logger *zap.Logger) *Server {
	if cfg.PongWait <= 0 {
		cfg.PongWait = DefaultPongWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	s := &Server{
		cfg:     cfg,
		handler: handler,
		codec:   protocol.JSONCodec{},
		logger:  logger,
		conns:   make(map[*websocket.Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin accepts requests without an Origin header, which come from
// non-browser clients.
func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAllOrigins {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, origin)
}

// Handler returns the HTTP routes: the upgrade endpoint and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.serveWS)
	if s.cfg.Path != "/healthz" {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = fmt.Fprint(w, "ok")
		})
	}
	return mux
}

// ListenAndServe serves HTTP until Stop is called. After Stop it returns
// nil without serving.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	s.listener = listener
	s.http = srv
	s.running = true
	s.mu.Unlock()

	s.logger.Info("websocket server listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", s.cfg.Path),
	)
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

// Start implements server.Service.
func (s *Server) Start() error {
	return s.ListenAndServe()
}

func (s *Server) track(c *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running && s.http != nil {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "websocket endpoint only accepts GET", http.StatusMethodNotAllowed)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)
	s.serveConn(conn, r.RemoteAddr)
}

// serveConn runs the read loop on the calling goroutine and the write
// pump on another. Only the write pump writes to conn.
func (s *Server) serveConn(conn *websocket.Conn, remote string) {
	start := time.Now()
	logger := s.logger.With(zap.String("remote_addr", remote))
	logger.Info("websocket client connected")

	sess := s.handler.OpenSession(remote)
	replies := make(chan []byte, replyBuffer)
	quit := make(chan struct{})

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		s.writePump(conn, replies, sess.Outbound(), quit, logger)
	}()

	err := s.readLoop(conn, remote, sess, replies, pumpDone)
	close(quit)
	s.handler.CloseSession(sess)
	<-pumpDone
	_ = conn.Close()

	if err != nil && !isExpectedClose(err) {
		logger.Debug("websocket ended", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return
	}
	logger.Info("websocket ended cleanly", zap.Duration("duration", time.Since(start)))
}

func (s *Server) readLoop(conn *websocket.Conn, remote string, sess *session.Session, replies chan<- []byte, pumpDone <-chan struct{}) error {
	conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	src := sourceFromRemote(remote)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		var out []byte
		if msgType != websocket.TextMessage {
			out, err = s.codec.Marshal(protocol.NewBadRequest("expected a text message"))
		} else {
			out, err = transport.RoundTrip(ctx, s.handler, s.codec, data, src, sess)
		}
		if err != nil {
			return err
		}
		select {
		case replies <- out:
		case <-pumpDone:
			return nil
		}
	}
}

// writePump serializes responses, pushes and pings onto conn. It returns
// when quit closes, the push channel closes, or a write fails.
func (s *Server) writePump(conn *websocket.Conn, replies <-chan []byte, pushes <-chan *protocol.Response, quit <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(s.cfg.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case out := <-replies:
			if err := s.write(conn, websocket.TextMessage, out); err != nil {
				logger.Debug("writing response", zap.Error(err))
				_ = conn.Close()
				return
			}
		case resp, ok := <-pushes:
			if !ok {
				_ = s.write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = conn.Close()
				return
			}
			out, err := s.codec.Marshal(resp)
			if err != nil {
				logger.Error("encoding push", zap.String("kind", string(resp.Kind)), zap.Error(err))
				continue
			}
			if err := s.write(conn, websocket.TextMessage, out); err != nil {
				logger.Debug("writing push", zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := s.write(conn, websocket.PingMessage, nil); err != nil {
				logger.Debug("writing ping", zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-quit:
			return
		}
	}
}

func (s *Server) write(conn *websocket.Conn, msgType int, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(msgType, data)
}

// Stop shuts down the HTTP server and closes every open WebSocket, then
// waits for the connection goroutines until ctx expires.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	s.stopped = true
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	srv := s.http
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("websocket http shutdown", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("websocket server stopped")
	case <-ctx.Done():
		s.logger.Warn("websocket server stop timed out", zap.Error(ctx.Err()))
	}
}

// Addr returns the listening address, or "" before ListenAndServe binds.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// IsRunning reports whether the server is accepting upgrades.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func sourceFromRemote(remote string) protocol.Source {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	return protocol.SourceFromIP(net.ParseIP(host))
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, net.ErrClosed)
}
