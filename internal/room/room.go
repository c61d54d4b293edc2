// Package room owns the set of live rooms. Every room is guarded by its
// own mutex so that operations on different rooms never contend.
package room

import (
	"errors"
	"slices"
)

var (
	// ErrRoomNotFound means the room does not exist or was destroyed.
	ErrRoomNotFound = errors.New("room not found")
	// ErrNotHost means the requester is not the room's host.
	ErrNotHost = errors.New("requester is not the host of the room")
	// ErrNotMember means the connection is not a member of the room.
	ErrNotMember = errors.New("connection is not a member of the room")
	// ErrRoomFull means the room reached its maximum size.
	ErrRoomFull = errors.New("room is full")
	// ErrGameStarted means the room has left the Open state.
	ErrGameStarted = errors.New("game already started")
	// ErrUserRejected means the room's user list excludes the user name.
	ErrUserRejected = errors.New("user name rejected by the room's user list")
	// ErrAdmissionDenied means the admission policy refused the join.
	ErrAdmissionDenied = errors.New("admission denied")
	// ErrNotEnoughPlayers means the room has fewer members than its minimum size.
	ErrNotEnoughPlayers = errors.New("not enough players to start")
	// ErrNoOpenRoom means a join without a room id found nothing to join.
	ErrNoOpenRoom = errors.New("no open room available")
	// ErrInvalidSettings means the requested room sizes are inconsistent.
	ErrInvalidSettings = errors.New("invalid room settings")
)

// State is the lifecycle state of a room. It only moves from Open to Started.
type State int

const (
	Open State = iota
	Started
)

func (s State) String() string {
	if s == Started {
		return "Started"
	}
	return "Open"
}

// ListMode controls how a room's user list is applied to joiners.
type ListMode int

const (
	ListIgnored ListMode = iota
	ListWhitelist
	ListBlacklist
)

// User is a room member.
type User struct {
	ConnectionID string
	UserName     string
	IPv4         string
	IPv6         string
}

// HostMessage is opaque data a member queued for the host.
type HostMessage struct {
	ID               string
	FromConnectionID string
	Data             []byte
}

// Settings are fixed when a room is created.
type Settings struct {
	// MinSize is the member count required before the host may start.
	MinSize int
	// MaxSize caps the member count. Zero means unlimited.
	MaxSize      int
	UserList     []string
	UserListMode ListMode
}

// Room is a snapshot of a room. Snapshots never alias registry state.
type Room struct {
	ID               string
	HostConnectionID string
	// Members in join order. The host is always among them.
	Members     []User
	State       State
	GameData    []byte
	Settings    Settings
	DataForHost []HostMessage
	// Version increases with every mutation of the room.
	Version uint64
}

// HasMember reports whether connectionID is in the member list.
func (r *Room) HasMember(connectionID string) bool {
	return r.memberIndex(connectionID) >= 0
}

func (r *Room) memberIndex(connectionID string) int {
	return slices.IndexFunc(r.Members, func(u User) bool { return u.ConnectionID == connectionID })
}

// IsFull reports whether no further member may join.
func (r *Room) IsFull() bool {
	return r.Settings.MaxSize > 0 && len(r.Members) >= r.Settings.MaxSize
}

// admitsName applies the user list.
func (r *Room) admitsName(name string) bool {
	switch r.Settings.UserListMode {
	case ListWhitelist:
		return slices.Contains(r.Settings.UserList, name)
	case ListBlacklist:
		return !slices.Contains(r.Settings.UserList, name)
	}
	return true
}

func (r *Room) clone() *Room {
	c := *r
	c.Members = slices.Clone(r.Members)
	c.GameData = slices.Clone(r.GameData)
	c.Settings.UserList = slices.Clone(r.Settings.UserList)
	if r.DataForHost != nil {
		c.DataForHost = make([]HostMessage, len(r.DataForHost))
		for i, m := range r.DataForHost {
			m.Data = slices.Clone(m.Data)
			c.DataForHost[i] = m
		}
	}
	return &c
}
