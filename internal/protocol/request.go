package protocol

import (
	"errors"
	"fmt"
	"net"
)

// ErrBadRequest marks caller-supplied input as malformed. Handler errors
// wrapping it are reported as BadRequestException.
var ErrBadRequest = errors.New("bad request")

// BadRequestf returns an error wrapping ErrBadRequest.
func BadRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// Source carries the address metadata of the peer that sent a request.
// Either field may be nil.
type Source struct {
	IPv4 net.IP
	IPv6 net.IP
}

// SourceFromAddr classifies addr into the IPv4 or IPv6 slot.
func SourceFromAddr(addr net.Addr) Source {
	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		if addr == nil {
			return Source{}
		}
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return Source{}
		}
		ip = net.ParseIP(host)
	}
	return SourceFromIP(ip)
}

// SourceFromIP classifies ip into the IPv4 or IPv6 slot.
func SourceFromIP(ip net.IP) Source {
	if ip == nil {
		return Source{}
	}
	if v4 := ip.To4(); v4 != nil {
		return Source{IPv4: v4}
	}
	return Source{IPv6: ip}
}

// String renders whichever address is set.
func (s Source) String() string {
	switch {
	case s.IPv4 != nil:
		return s.IPv4.String()
	case s.IPv6 != nil:
		return s.IPv6.String()
	}
	return ""
}

// JoinOperation selects what a JoinOrCreateRoomRequest may do.
type JoinOperation string

const (
	OperationJoinRoom         JoinOperation = "JoinRoom"
	OperationCreateRoom       JoinOperation = "CreateRoom"
	OperationJoinOrCreateRoom JoinOperation = "JoinOrCreateRoom"
)

// UserListMode controls how a room's user list is interpreted.
type UserListMode string

const (
	UserListIgnored   UserListMode = "Ignored"
	UserListWhitelist UserListMode = "Whitelist"
	UserListBlacklist UserListMode = "Blacklist"
)

// JoinOrCreateRoom is the payload of a JoinOrCreateRoomRequest.
type JoinOrCreateRoom struct {
	Operation    JoinOperation `json:"operation"`
	UserName     string        `json:"userName"`
	RoomID       string        `json:"roomId,omitempty"`
	UserList     []string      `json:"userList,omitempty"`
	UserListMode UserListMode  `json:"userListMode,omitempty"`
	MinRoomSize  int           `json:"minRoomSize,omitempty"`
	MaxRoomSize  int           `json:"maxRoomSize,omitempty"`
}

// RoomRef names a room. It is the payload of every room-scoped request
// that carries nothing else.
type RoomRef struct {
	RoomID string `json:"roomId"`
}

// SendDataToHost is the payload of a SendDataToHostRequest.
type SendDataToHost struct {
	RoomID string `json:"roomId"`
	Data   []byte `json:"data"`
}

// UpdateGameState is the payload of an UpdateGameStateRequest.
type UpdateGameState struct {
	RoomID   string `json:"roomId"`
	GameData []byte `json:"gameData"`
	// ProcessedIDs lists host messages the host has consumed; they are
	// removed from the room's host queue.
	ProcessedIDs []string `json:"processedIds,omitempty"`
}

// Request is a decoded client request.
type Request struct {
	ConnectionID string `json:"connectionId,omitempty"`
	Password     string `json:"password,omitempty"`
	RequestID    string `json:"requestId,omitempty"`
	Kind         Kind   `json:"kind"`

	JoinOrCreate    *JoinOrCreateRoom `json:"joinOrCreate,omitempty"`
	Room            *RoomRef          `json:"room,omitempty"`
	SendDataToHost  *SendDataToHost   `json:"sendDataToHost,omitempty"`
	UpdateGameState *UpdateGameState  `json:"updateGameState,omitempty"`
}

// Validate checks that the request's payload matches its kind.
//
// Postcondition: Returns nil or an error wrapping ErrBadRequest.
func (r *Request) Validate() error {
	if r == nil {
		return BadRequestf("request is nil")
	}
	if r.Kind == "" {
		return BadRequestf("request kind is empty")
	}
	switch r.Kind {
	case KindJoinOrCreateRoomRequest:
		if r.JoinOrCreate == nil {
			return BadRequestf("%s requires a joinOrCreate payload", r.Kind)
		}
		return r.JoinOrCreate.validate()
	case KindDestroyRoomRequest, KindGetRoomDataRequest, KindStartGameRequest, KindSubscribeToRoomRequest:
		if r.Room == nil || r.Room.RoomID == "" {
			return BadRequestf("%s requires a room id", r.Kind)
		}
	case KindSendDataToHostRequest:
		if r.SendDataToHost == nil || r.SendDataToHost.RoomID == "" {
			return BadRequestf("%s requires a room id", r.Kind)
		}
	case KindUpdateGameStateRequest:
		if r.UpdateGameState == nil || r.UpdateGameState.RoomID == "" {
			return BadRequestf("%s requires a room id", r.Kind)
		}
	}
	return nil
}

func (j *JoinOrCreateRoom) validate() error {
	switch j.Operation {
	case OperationJoinRoom, OperationCreateRoom, OperationJoinOrCreateRoom:
	default:
		return BadRequestf("unknown join operation %q", j.Operation)
	}
	switch j.UserListMode {
	case "", UserListIgnored, UserListWhitelist, UserListBlacklist:
	default:
		return BadRequestf("unknown user list mode %q", j.UserListMode)
	}
	if j.MinRoomSize < 0 || j.MaxRoomSize < 0 {
		return BadRequestf("room sizes must not be negative")
	}
	if j.MaxRoomSize > 0 && j.MinRoomSize > j.MaxRoomSize {
		return BadRequestf("minRoomSize %d exceeds maxRoomSize %d", j.MinRoomSize, j.MaxRoomSize)
	}
	return nil
}
