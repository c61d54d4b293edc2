package room

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HostPolicy decides what happens to a room when its host leaves while
// other members remain.
type HostPolicy int

const (
	// PromoteOnHostLeave hands the room to the longest-standing remaining member.
	PromoteOnHostLeave HostPolicy = iota
	// DestroyOnHostLeave destroys the room.
	DestroyOnHostLeave
)

// Operation selects what JoinOrCreate may do.
type Operation int

const (
	OpJoinOrCreate Operation = iota
	OpJoin
	OpCreate
)

// Outcome reports what JoinOrCreate did.
type Outcome int

const (
	Joined Outcome = iota
	Created
)

// Candidate describes a pending join for an Admitter.
type Candidate struct {
	RoomID       string
	ConnectionID string
	UserName     string
	MemberCount  int
}

// Admitter may veto joins. Admit runs while the room is locked and must
// not call back into the Registry.
type Admitter interface {
	Admit(ctx context.Context, c Candidate) error
}

// AdmitterFunc adapts a function to Admitter.
type AdmitterFunc func(ctx context.Context, c Candidate) error

// Admit implements Admitter.
func (f AdmitterFunc) Admit(ctx context.Context, c Candidate) error { return f(ctx, c) }

// Change describes a mutation. Room is nil when Destroyed is true.
type Change struct {
	RoomID    string
	Room      *Room
	Destroyed bool
}

// ChangeListener observes mutations. It is called after the room lock is
// released, so calls for the same room may arrive out of order; Room.Version
// orders them.
type ChangeListener func(Change)

// Option configures a Registry.
type Option func(*Registry)

// WithHostPolicy sets the host departure policy.
func WithHostPolicy(p HostPolicy) Option {
	return func(r *Registry) { r.hostPolicy = p }
}

// WithDefaultMaxSize sets the MaxSize used when a room is created without one.
func WithDefaultMaxSize(n int) Option {
	return func(r *Registry) { r.defaultMaxSize = n }
}

// WithChangeListener registers l to observe every mutation.
func WithChangeListener(l ChangeListener) Option {
	return func(r *Registry) { r.listeners = append(r.listeners, l) }
}

// WithAdmitter installs an admission policy consulted on every join.
func WithAdmitter(a Admitter) Option {
	return func(r *Registry) { r.admitter = a }
}

type entry struct {
	mu   sync.Mutex
	seq  uint64
	dead bool
	room Room
}

// Registry holds the live rooms.
// All methods are safe for concurrent use.
//
// Lock order: an entry's mutex may be held while acquiring the registry
// mutex, never the reverse.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*entry
	seq   uint64

	hostPolicy     HostPolicy
	defaultMaxSize int
	admitter       Admitter
	listeners      []ChangeListener
	logger         *zap.Logger
}

// NewRegistry returns an empty Registry.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		rooms:  make(map[string]*entry),
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HostPolicy returns the configured host departure policy.
func (r *Registry) HostPolicy() HostPolicy {
	return r.hostPolicy
}

// CreateRoom creates an Open room whose only member is host.
//
// Precondition: host.ConnectionID must be non-empty.
// Postcondition: Returns a snapshot of the new room.
func (r *Registry) CreateRoom(_ context.Context, host User, settings Settings) (*Room, error) {
	if host.ConnectionID == "" {
		return nil, fmt.Errorf("creating room: empty host connection id")
	}
	if settings.MaxSize == 0 {
		settings.MaxSize = r.defaultMaxSize
	}
	if settings.MinSize < 0 || settings.MaxSize < 0 ||
		(settings.MaxSize > 0 && settings.MinSize > settings.MaxSize) {
		return nil, fmt.Errorf("creating room with min %d max %d: %w", settings.MinSize, settings.MaxSize, ErrInvalidSettings)
	}
	settings.UserList = slices.Clone(settings.UserList)

	r.mu.Lock()
	id := uuid.NewString()
	for r.rooms[id] != nil {
		id = uuid.NewString()
	}
	r.seq++
	e := &entry{
		seq: r.seq,
		room: Room{
			ID:               id,
			HostConnectionID: host.ConnectionID,
			Members:          []User{host},
			State:            Open,
			Settings:         settings,
			Version:          1,
		},
	}
	r.rooms[id] = e
	snap := e.room.clone()
	r.mu.Unlock()

	r.logger.Debug("room created",
		zap.String("room", id),
		zap.String("host", host.ConnectionID),
	)
	r.notify(Change{RoomID: id, Room: snap})
	return snap, nil
}

// JoinOptions parameterize JoinOrCreate.
type JoinOptions struct {
	Operation Operation
	// RoomID names the room to join. Empty means any open room.
	RoomID string
	User   User
	// Settings apply when a room is created.
	Settings Settings
}

// JoinOrCreate joins an existing room or creates one, as permitted by
// opts.Operation. Joining a room the user is already in returns it
// unchanged.
//
// Postcondition: On success the user is a member of the returned room.
func (r *Registry) JoinOrCreate(ctx context.Context, opts JoinOptions) (*Room, Outcome, error) {
	if opts.Operation == OpCreate {
		rm, err := r.CreateRoom(ctx, opts.User, opts.Settings)
		return rm, Created, err
	}

	rm, err := r.join(ctx, opts.RoomID, opts.User)
	if err == nil {
		return rm, Joined, nil
	}
	if opts.Operation == OpJoin {
		return nil, Joined, err
	}
	if !isJoinRefusal(err) {
		return nil, Joined, err
	}
	rm, err = r.CreateRoom(ctx, opts.User, opts.Settings)
	return rm, Created, err
}

func isJoinRefusal(err error) bool {
	for _, target := range []error{
		ErrRoomNotFound, ErrRoomFull, ErrGameStarted,
		ErrUserRejected, ErrAdmissionDenied, ErrNoOpenRoom,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (r *Registry) join(ctx context.Context, roomID string, u User) (*Room, error) {
	if roomID != "" {
		e := r.lookup(roomID)
		if e == nil {
			return nil, fmt.Errorf("joining %s: %w", roomID, ErrRoomNotFound)
		}
		return r.joinEntry(ctx, e, u)
	}

	for _, e := range r.entries() {
		rm, err := r.joinEntry(ctx, e, u)
		if err == nil {
			return rm, nil
		}
		if !isJoinRefusal(err) {
			return nil, err
		}
	}
	return nil, ErrNoOpenRoom
}

func (r *Registry) joinEntry(ctx context.Context, e *entry, u User) (*Room, error) {
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return nil, fmt.Errorf("joining: %w", ErrRoomNotFound)
	}
	rm := &e.room
	if rm.HasMember(u.ConnectionID) {
		snap := rm.clone()
		e.mu.Unlock()
		return snap, nil
	}

	var err error
	switch {
	case rm.State != Open:
		err = ErrGameStarted
	case rm.IsFull():
		err = ErrRoomFull
	case !rm.admitsName(u.UserName):
		err = ErrUserRejected
	case r.admitter != nil:
		err = r.admitter.Admit(ctx, Candidate{
			RoomID:       rm.ID,
			ConnectionID: u.ConnectionID,
			UserName:     u.UserName,
			MemberCount:  len(rm.Members),
		})
	}
	if err != nil {
		id := rm.ID
		e.mu.Unlock()
		return nil, fmt.Errorf("joining %s: %w", id, err)
	}

	rm.Members = append(rm.Members, u)
	rm.Version++
	snap := rm.clone()
	e.mu.Unlock()

	r.logger.Debug("room joined",
		zap.String("room", snap.ID),
		zap.String("connection", u.ConnectionID),
		zap.Int("members", len(snap.Members)),
	)
	r.notify(Change{RoomID: snap.ID, Room: snap})
	return snap, nil
}

// GetRoom returns a snapshot of the room.
func (r *Registry) GetRoom(_ context.Context, roomID string) (*Room, error) {
	e := r.lookup(roomID)
	if e == nil {
		return nil, fmt.Errorf("getting %s: %w", roomID, ErrRoomNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return nil, fmt.Errorf("getting %s: %w", roomID, ErrRoomNotFound)
	}
	return e.room.clone(), nil
}

// DestroyRoom removes the room on behalf of its host.
//
// Postcondition: On ErrNotHost the room is unchanged and still registered.
func (r *Registry) DestroyRoom(_ context.Context, roomID, requester string) error {
	e := r.lookup(roomID)
	if e == nil {
		return fmt.Errorf("destroying %s: %w", roomID, ErrRoomNotFound)
	}
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return fmt.Errorf("destroying %s: %w", roomID, ErrRoomNotFound)
	}
	if e.room.HostConnectionID != requester {
		e.mu.Unlock()
		return fmt.Errorf("destroying %s: %w", roomID, ErrNotHost)
	}
	r.removeLocked(e)
	e.mu.Unlock()

	r.logger.Debug("room destroyed", zap.String("room", roomID), zap.String("by", requester))
	r.notify(Change{RoomID: roomID, Destroyed: true})
	return nil
}

// Departure reports the effect of RemoveMember.
type Departure struct {
	// Room is the remaining room, nil if it was destroyed.
	Room      *Room
	Destroyed bool
	// NewHost is set when the host left and another member was promoted.
	NewHost string
}

// RemoveMember removes connectionID from the room. A room left empty is
// destroyed. When the host leaves the HostPolicy applies.
func (r *Registry) RemoveMember(_ context.Context, roomID, connectionID string) (Departure, error) {
	e := r.lookup(roomID)
	if e == nil {
		return Departure{}, fmt.Errorf("leaving %s: %w", roomID, ErrRoomNotFound)
	}
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return Departure{}, fmt.Errorf("leaving %s: %w", roomID, ErrRoomNotFound)
	}
	rm := &e.room
	idx := rm.memberIndex(connectionID)
	if idx < 0 {
		e.mu.Unlock()
		return Departure{}, fmt.Errorf("leaving %s: %w", roomID, ErrNotMember)
	}
	rm.Members = slices.Delete(rm.Members, idx, idx+1)
	wasHost := rm.HostConnectionID == connectionID

	if len(rm.Members) == 0 || (wasHost && r.hostPolicy == DestroyOnHostLeave) {
		r.removeLocked(e)
		e.mu.Unlock()
		r.logger.Debug("room destroyed on departure",
			zap.String("room", roomID),
			zap.String("connection", connectionID),
			zap.Bool("host", wasHost),
		)
		r.notify(Change{RoomID: roomID, Destroyed: true})
		return Departure{Destroyed: true}, nil
	}

	var dep Departure
	if wasHost {
		rm.HostConnectionID = rm.Members[0].ConnectionID
		dep.NewHost = rm.HostConnectionID
	}
	rm.Version++
	snap := rm.clone()
	e.mu.Unlock()

	if dep.NewHost != "" {
		r.logger.Debug("host promoted", zap.String("room", roomID), zap.String("host", dep.NewHost))
	}
	r.notify(Change{RoomID: roomID, Room: snap})
	dep.Room = snap
	return dep, nil
}

// RemoveConnection removes connectionID from every room it belongs to.
//
// Postcondition: left lists every room the connection was removed from;
// destroyed is the subset that no longer exists.
func (r *Registry) RemoveConnection(ctx context.Context, connectionID string) (left, destroyed []string, err error) {
	for _, id := range r.RoomsOf(connectionID) {
		dep, err := r.RemoveMember(ctx, id, connectionID)
		if errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrNotMember) {
			continue
		}
		if err != nil {
			return left, destroyed, err
		}
		left = append(left, id)
		if dep.Destroyed {
			destroyed = append(destroyed, id)
		}
	}
	return left, destroyed, nil
}

// UpdateGameData replaces the room's game data and drops the host
// messages named in processed. Only the host may do this.
func (r *Registry) UpdateGameData(_ context.Context, roomID, requester string, data []byte, processed []string) (*Room, error) {
	return r.mutate(roomID, "updating game data of", func(rm *Room) error {
		if rm.HostConnectionID != requester {
			return ErrNotHost
		}
		rm.GameData = slices.Clone(data)
		if len(processed) > 0 {
			rm.DataForHost = slices.DeleteFunc(rm.DataForHost, func(m HostMessage) bool {
				return slices.Contains(processed, m.ID)
			})
		}
		return nil
	})
}

// StartGame moves the room from Open to Started. Only the host may do this.
func (r *Registry) StartGame(_ context.Context, roomID, requester string) (*Room, error) {
	return r.mutate(roomID, "starting", func(rm *Room) error {
		switch {
		case rm.HostConnectionID != requester:
			return ErrNotHost
		case rm.State != Open:
			return ErrGameStarted
		case len(rm.Members) < rm.Settings.MinSize:
			return ErrNotEnoughPlayers
		}
		rm.State = Started
		return nil
	})
}

// SendDataToHost queues data from a member for the host.
//
// Postcondition: Returns the id assigned to the queued message.
func (r *Registry) SendDataToHost(_ context.Context, roomID, from string, data []byte) (string, error) {
	msgID := uuid.NewString()
	_, err := r.mutate(roomID, "sending data to host of", func(rm *Room) error {
		if !rm.HasMember(from) {
			return ErrNotMember
		}
		rm.DataForHost = append(rm.DataForHost, HostMessage{
			ID:               msgID,
			FromConnectionID: from,
			Data:             slices.Clone(data),
		})
		return nil
	})
	if err != nil {
		return "", err
	}
	return msgID, nil
}

// RoomsOf returns the ids of the rooms connectionID belongs to, oldest first.
func (r *Registry) RoomsOf(connectionID string) []string {
	var ids []string
	for _, e := range r.entries() {
		e.mu.Lock()
		if !e.dead && e.room.HasMember(connectionID) {
			ids = append(ids, e.room.ID)
		}
		e.mu.Unlock()
	}
	return ids
}

// Count returns the number of live rooms.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// mutate applies fn to the locked room. The version is bumped and
// listeners are notified only when fn succeeds.
func (r *Registry) mutate(roomID, action string, fn func(rm *Room) error) (*Room, error) {
	e := r.lookup(roomID)
	if e == nil {
		return nil, fmt.Errorf("%s %s: %w", action, roomID, ErrRoomNotFound)
	}
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return nil, fmt.Errorf("%s %s: %w", action, roomID, ErrRoomNotFound)
	}
	if err := fn(&e.room); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("%s %s: %w", action, roomID, err)
	}
	e.room.Version++
	snap := e.room.clone()
	e.mu.Unlock()

	r.notify(Change{RoomID: roomID, Room: snap})
	return snap, nil
}

func (r *Registry) lookup(roomID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

// entries returns the live entries in creation order.
func (r *Registry) entries() []*entry {
	r.mu.RLock()
	out := make([]*entry, 0, len(r.rooms))
	for _, e := range r.rooms {
		out = append(out, e)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *entry) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

// removeLocked unregisters e. The caller holds e.mu.
func (r *Registry) removeLocked(e *entry) {
	e.dead = true
	r.mu.Lock()
	delete(r.rooms, e.room.ID)
	r.mu.Unlock()
}

// notify hands every listener its own copy of the snapshot.
func (r *Registry) notify(c Change) {
	for _, l := range r.listeners {
		lc := c
		if c.Room != nil {
			lc.Room = c.Room.clone()
		}
		l(lc)
	}
}
