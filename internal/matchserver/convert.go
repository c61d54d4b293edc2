package matchserver

import (
	"errors"
	"fmt"

	"github.com/cory-johannsen/matchmaking/internal/protocol"
	"github.com/cory-johannsen/matchmaking/internal/room"
)

func toRoomData(r *room.Room) *protocol.RoomData {
	if r == nil {
		return nil
	}
	members := make([]protocol.User, len(r.Members))
	for i, m := range r.Members {
		members[i] = protocol.User{
			ConnectionID: m.ConnectionID,
			UserName:     m.UserName,
			IPv4:         m.IPv4,
			IPv6:         m.IPv6,
		}
	}
	var queued []protocol.HostMessage
	for _, m := range r.DataForHost {
		queued = append(queued, protocol.HostMessage{
			ID:               m.ID,
			FromConnectionID: m.FromConnectionID,
			Data:             m.Data,
		})
	}
	return &protocol.RoomData{
		ID:               r.ID,
		HostConnectionID: r.HostConnectionID,
		Members:          members,
		Started:          r.State == room.Started,
		GameData:         r.GameData,
		MinRoomSize:      r.Settings.MinSize,
		MaxRoomSize:      r.Settings.MaxSize,
		UserList:         r.Settings.UserList,
		UserListMode:     toProtocolListMode(r.Settings.UserListMode),
		DataForHost:      queued,
	}
}

func toProtocolListMode(m room.ListMode) protocol.UserListMode {
	switch m {
	case room.ListWhitelist:
		return protocol.UserListWhitelist
	case room.ListBlacklist:
		return protocol.UserListBlacklist
	}
	return protocol.UserListIgnored
}

func toRoomListMode(m protocol.UserListMode) room.ListMode {
	switch m {
	case protocol.UserListWhitelist:
		return room.ListWhitelist
	case protocol.UserListBlacklist:
		return room.ListBlacklist
	}
	return room.ListIgnored
}

func toOperation(op protocol.JoinOperation) room.Operation {
	switch op {
	case protocol.OperationJoinRoom:
		return room.OpJoin
	case protocol.OperationCreateRoom:
		return room.OpCreate
	}
	return room.OpJoinOrCreate
}

func userFrom(req *protocol.Request, userName string, src protocol.Source) room.User {
	u := room.User{ConnectionID: req.ConnectionID, UserName: userName}
	if src.IPv4 != nil {
		u.IPv4 = src.IPv4.String()
	}
	if src.IPv6 != nil {
		u.IPv6 = src.IPv6.String()
	}
	return u
}

// roomRefusals are registry outcomes caused by what the client asked for.
var roomRefusals = []error{
	room.ErrRoomNotFound,
	room.ErrNotHost,
	room.ErrNotMember,
	room.ErrRoomFull,
	room.ErrGameStarted,
	room.ErrUserRejected,
	room.ErrAdmissionDenied,
	room.ErrNotEnoughPlayers,
	room.ErrNoOpenRoom,
	room.ErrInvalidSettings,
}

// asClientError marks registry refusals as bad requests and leaves every
// other error untouched.
func asClientError(err error) error {
	for _, target := range roomRefusals {
		if errors.Is(err, target) {
			return fmt.Errorf("%w: %w", protocol.ErrBadRequest, err)
		}
	}
	return err
}
