package matchserver

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/matchmaking/internal/protocol"
	"github.com/cory-johannsen/matchmaking/internal/room"
	"github.com/cory-johannsen/matchmaking/internal/session"
)

// Notifier pushes room changes to subscribed sessions. Updates carry a
// GetRoomDataResponse, destruction a DestroyRoomResponse; neither has a
// ResponseTo.
type Notifier struct {
	mu        sync.Mutex
	subs      map[string]map[*session.Session]struct{}
	bySession map[*session.Session]map[string]struct{}
	// versions holds the last version pushed per room so that changes
	// delivered out of order are dropped.
	versions map[string]uint64
	logger   *zap.Logger
}

// NewNotifier creates a Notifier with no subscriptions.
func NewNotifier(logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		subs:      make(map[string]map[*session.Session]struct{}),
		bySession: make(map[*session.Session]map[string]struct{}),
		versions:  make(map[string]uint64),
		logger:    logger,
	}
}

// Subscribe registers sess for updates of roomID. Subscribing twice is a no-op.
func (n *Notifier) Subscribe(roomID string, sess *session.Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs[roomID] == nil {
		n.subs[roomID] = make(map[*session.Session]struct{})
	}
	n.subs[roomID][sess] = struct{}{}
	if n.bySession[sess] == nil {
		n.bySession[sess] = make(map[string]struct{})
	}
	n.bySession[sess][roomID] = struct{}{}
}

// Unsubscribe removes one subscription.
func (n *Notifier) Unsubscribe(roomID string, sess *session.Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unsubscribeLocked(roomID, sess)
}

func (n *Notifier) unsubscribeLocked(roomID string, sess *session.Session) {
	if set, ok := n.subs[roomID]; ok {
		delete(set, sess)
		if len(set) == 0 {
			delete(n.subs, roomID)
		}
	}
	if set, ok := n.bySession[sess]; ok {
		delete(set, roomID)
		if len(set) == 0 {
			delete(n.bySession, sess)
		}
	}
}

// SessionClosed drops every subscription held by sess.
func (n *Notifier) SessionClosed(sess *session.Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for roomID := range n.bySession[sess] {
		n.unsubscribeLocked(roomID, sess)
	}
}

// Subscribers returns the number of sessions subscribed to roomID.
func (n *Notifier) Subscribers(roomID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[roomID])
}

// RoomChanged is a room.ChangeListener.
func (n *Notifier) RoomChanged(c room.Change) {
	n.mu.Lock()
	defer n.mu.Unlock()

	targets := n.subs[c.RoomID]
	var resp *protocol.Response
	if c.Destroyed {
		delete(n.versions, c.RoomID)
		resp = protocol.OK(protocol.KindDestroyRoomResponse, "")
		resp.Destroy = &protocol.DestroyResult{RoomID: c.RoomID, RoomDestroyed: true}
	} else {
		if c.Room.Version <= n.versions[c.RoomID] {
			return
		}
		if len(targets) == 0 {
			return
		}
		n.versions[c.RoomID] = c.Room.Version
		resp = protocol.OK(protocol.KindGetRoomDataResponse, "")
		resp.Room = toRoomData(c.Room)
	}

	for sess := range targets {
		err := sess.Push(resp)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrClosed):
			n.unsubscribeLocked(c.RoomID, sess)
		default:
			n.logger.Warn("dropping room update",
				zap.String("room", c.RoomID),
				zap.String("session", sess.ID()),
				zap.Error(err),
			)
		}
	}
	if c.Destroyed {
		for sess := range targets {
			n.unsubscribeLocked(c.RoomID, sess)
		}
	}
}
