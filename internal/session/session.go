// Package session tracks persistent client connections that can receive
// pushed responses outside the request/response cycle.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cory-johannsen/matchmaking/internal/protocol"
)

var (
	// ErrClosed is returned by Push after Close.
	ErrClosed = errors.New("session closed")
	// ErrBufferFull is returned by Push when the outbound buffer is full.
	ErrBufferFull = errors.New("session outbound buffer full")
)

// DefaultBufferSize is used when a non-positive buffer size is requested.
const DefaultBufferSize = 64

// Session routes pushed responses to a channel drained by the transport
// writer. Sessions compare by pointer identity.
type Session struct {
	id       string
	remote   string
	outbound chan *protocol.Response
	done     chan struct{}

	mu     sync.Mutex
	closed bool
}

// New creates a Session.
//
// Precondition: id must be non-empty.
// Postcondition: Returns a Session with an open outbound channel.
func New(id, remote string, bufferSize int) *Session {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Session{
		id:       id,
		remote:   remote,
		outbound: make(chan *protocol.Response, bufferSize),
		done:     make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Remote returns the peer address the session was opened for.
func (s *Session) Remote() string {
	return s.remote
}

// Push enqueues resp without blocking.
//
// Postcondition: resp is enqueued, or ErrClosed / ErrBufferFull is returned.
func (s *Session) Push(resp *protocol.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("session %s: %w", s.id, ErrClosed)
	}
	select {
	case s.outbound <- resp:
		return nil
	default:
		return fmt.Errorf("session %s: %w", s.id, ErrBufferFull)
	}
}

// Outbound returns the channel the transport writer drains. It is closed
// when the session closes.
func (s *Session) Outbound() <-chan *protocol.Response {
	return s.outbound
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close marks the session closed. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.outbound)
		close(s.done)
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
