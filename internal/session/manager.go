package session

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CloseFunc observes session termination.
type CloseFunc func(*Session)

// Manager tracks the open sessions.
// All methods are safe for concurrent use.
type Manager struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	onClose    []CloseFunc
	bufferSize int
	logger     *zap.Logger
}

// NewManager creates an empty Manager whose sessions buffer bufferSize
// pushed responses.
func NewManager(logger *zap.Logger, bufferSize int) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions:   make(map[string]*Session),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// OnClose registers fn to run once for every session closed through the
// Manager. Callbacks run in registration order.
func (m *Manager) OnClose(fn CloseFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = append(m.onClose, fn)
}

// Open creates and tracks a session for a newly connected peer.
func (m *Manager) Open(remote string) *Session {
	s := New(uuid.NewString(), remote, m.bufferSize)

	m.mu.Lock()
	m.sessions[s.id] = s
	n := len(m.sessions)
	m.mu.Unlock()

	m.logger.Debug("session opened",
		zap.String("session", s.id),
		zap.String("remote", remote),
		zap.Int("open", n),
	)
	return s
}

// Get returns the open session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close closes and forgets the session, then runs the close callbacks.
//
// Postcondition: Returns false if the session was not open; callbacks run
// at most once per session.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	callbacks := append([]CloseFunc(nil), m.onClose...)
	m.mu.Unlock()

	if !ok {
		return false
	}
	_ = s.Close()
	m.logger.Debug("session closed", zap.String("session", id), zap.String("remote", s.remote))
	for _, fn := range callbacks {
		fn(s)
	}
	return true
}

// CloseAll closes every open session.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Close(id)
	}
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
