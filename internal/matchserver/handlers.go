package matchserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/cory-johannsen/matchmaking/internal/identity"
	"github.com/cory-johannsen/matchmaking/internal/protocol"
	"github.com/cory-johannsen/matchmaking/internal/room"
	"github.com/cory-johannsen/matchmaking/internal/session"
)

// kindHandler supplies CanHandle and NeedsAuthentication for handlers
// bound to one request kind.
type kindHandler struct {
	kind protocol.Kind
	auth bool
}

func (k kindHandler) CanHandle(req *protocol.Request) bool {
	return req.Kind == k.kind
}

func (k kindHandler) NeedsAuthentication(*protocol.Request) bool {
	return k.auth
}

// GetConnectionIDHandler issues identities. It is the only handler that
// does not require one.
type GetConnectionIDHandler struct {
	kindHandler
	store identity.Store
}

// NewGetConnectionIDHandler creates a GetConnectionIDHandler.
func NewGetConnectionIDHandler(store identity.Store) *GetConnectionIDHandler {
	return &GetConnectionIDHandler{
		kindHandler: kindHandler{kind: protocol.KindGetConnectionIDRequest},
		store:       store,
	}
}

// Handle implements dispatch.Handler.
func (h *GetConnectionIDHandler) Handle(ctx context.Context, _ *protocol.Request, _ protocol.Source) (*protocol.Response, error) {
	id, err := h.store.Register(ctx)
	if err != nil {
		return nil, fmt.Errorf("issuing connection id: %w", err)
	}
	resp := protocol.OK(protocol.KindGetConnectionIDResponse, id.ConnectionID)
	resp.Identity = &protocol.Identity{ConnectionID: id.ConnectionID, Password: id.Password}
	return resp, nil
}

// JoinOrCreateRoomHandler joins or creates rooms.
type JoinOrCreateRoomHandler struct {
	kindHandler
	rooms *room.Registry
}

// NewJoinOrCreateRoomHandler creates a JoinOrCreateRoomHandler.
func NewJoinOrCreateRoomHandler(rooms *room.Registry) *JoinOrCreateRoomHandler {
	return &JoinOrCreateRoomHandler{
		kindHandler: kindHandler{kind: protocol.KindJoinOrCreateRoomRequest, auth: true},
		rooms:       rooms,
	}
}

// Handle implements dispatch.Handler. A join-only request that finds no
// admissible room answers with result Nothing.
func (h *JoinOrCreateRoomHandler) Handle(ctx context.Context, req *protocol.Request, src protocol.Source) (*protocol.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p := req.JoinOrCreate
	rm, outcome, err := h.rooms.JoinOrCreate(ctx, room.JoinOptions{
		Operation: toOperation(p.Operation),
		RoomID:    p.RoomID,
		User:      userFrom(req, p.UserName, src),
		Settings: room.Settings{
			MinSize:      p.MinRoomSize,
			MaxSize:      p.MaxRoomSize,
			UserList:     p.UserList,
			UserListMode: toRoomListMode(p.UserListMode),
		},
	})

	resp := protocol.OK(protocol.KindJoinOrCreateRoomResponse, req.ConnectionID)
	switch {
	case err == nil && outcome == room.Created:
		resp.JoinOrCreate = &protocol.JoinOrCreateResult{Result: protocol.RoomCreated, RoomID: rm.ID}
	case err == nil:
		resp.JoinOrCreate = &protocol.JoinOrCreateResult{Result: protocol.RoomJoined, RoomID: rm.ID}
	case errors.Is(err, room.ErrInvalidSettings):
		return nil, asClientError(err)
	case errors.Is(asClientError(err), protocol.ErrBadRequest):
		resp.JoinOrCreate = &protocol.JoinOrCreateResult{Result: protocol.Nothing}
	default:
		return nil, err
	}
	return resp, nil
}

// DestroyRoomHandler lets a host destroy its room.
type DestroyRoomHandler struct {
	kindHandler
	rooms *room.Registry
}

// NewDestroyRoomHandler creates a DestroyRoomHandler.
func NewDestroyRoomHandler(rooms *room.Registry) *DestroyRoomHandler {
	return &DestroyRoomHandler{
		kindHandler: kindHandler{kind: protocol.KindDestroyRoomRequest, auth: true},
		rooms:       rooms,
	}
}

// Handle implements dispatch.Handler. Unknown rooms and non-host
// requesters get RoomDestroyed false.
func (h *DestroyRoomHandler) Handle(ctx context.Context, req *protocol.Request, _ protocol.Source) (*protocol.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	roomID := req.Room.RoomID
	err := h.rooms.DestroyRoom(ctx, roomID, req.ConnectionID)
	if err != nil && !errors.Is(err, room.ErrRoomNotFound) && !errors.Is(err, room.ErrNotHost) {
		return nil, err
	}
	resp := protocol.OK(protocol.KindDestroyRoomResponse, req.ConnectionID)
	resp.Destroy = &protocol.DestroyResult{RoomID: roomID, RoomDestroyed: err == nil}
	return resp, nil
}

// DisconnectHandler removes the requester from every room.
type DisconnectHandler struct {
	kindHandler
	rooms *room.Registry
}

// NewDisconnectHandler creates a DisconnectHandler.
func NewDisconnectHandler(rooms *room.Registry) *DisconnectHandler {
	return &DisconnectHandler{
		kindHandler: kindHandler{kind: protocol.KindDisconnectRequest, auth: true},
		rooms:       rooms,
	}
}

// Handle implements dispatch.Handler.
func (h *DisconnectHandler) Handle(ctx context.Context, req *protocol.Request, _ protocol.Source) (*protocol.Response, error) {
	left, destroyed, err := h.rooms.RemoveConnection(ctx, req.ConnectionID)
	if err != nil {
		return nil, err
	}
	resp := protocol.OK(protocol.KindDisconnectResponse, req.ConnectionID)
	resp.Disconnect = &protocol.DisconnectResult{
		DisconnectedRooms: nonNil(left),
		DestroyedRooms:    nonNil(destroyed),
	}
	return resp, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// GetRoomDataHandler returns room snapshots.
type GetRoomDataHandler struct {
	kindHandler
	rooms *room.Registry
}

// NewGetRoomDataHandler creates a GetRoomDataHandler.
func NewGetRoomDataHandler(rooms *room.Registry) *GetRoomDataHandler {
	return &GetRoomDataHandler{
		kindHandler: kindHandler{kind: protocol.KindGetRoomDataRequest, auth: true},
		rooms:       rooms,
	}
}

// Handle implements dispatch.Handler. An unknown room yields a response
// without room data.
func (h *GetRoomDataHandler) Handle(ctx context.Context, req *protocol.Request, _ protocol.Source) (*protocol.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	rm, err := h.rooms.GetRoom(ctx, req.Room.RoomID)
	if err != nil && !errors.Is(err, room.ErrRoomNotFound) {
		return nil, err
	}
	resp := protocol.OK(protocol.KindGetRoomDataResponse, req.ConnectionID)
	resp.Room = toRoomData(rm)
	return resp, nil
}

// SendDataToHostHandler queues member data for the host.
type SendDataToHostHandler struct {
	kindHandler
	rooms *room.Registry
}

// NewSendDataToHostHandler creates a SendDataToHostHandler.
func NewSendDataToHostHandler(rooms *room.Registry) *SendDataToHostHandler {
	return &SendDataToHostHandler{
		kindHandler: kindHandler{kind: protocol.KindSendDataToHostRequest, auth: true},
		rooms:       rooms,
	}
}

// Handle implements dispatch.Handler.
func (h *SendDataToHostHandler) Handle(ctx context.Context, req *protocol.Request, _ protocol.Source) (*protocol.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p := req.SendDataToHost
	if _, err := h.rooms.SendDataToHost(ctx, p.RoomID, req.ConnectionID, p.Data); err != nil {
		return nil, asClientError(err)
	}
	resp := protocol.OK(protocol.KindSendDataToHostResponse, req.ConnectionID)
	resp.RoomAck = &protocol.RoomAck{RoomID: p.RoomID}
	return resp, nil
}

// StartGameHandler lets the host start the game.
type StartGameHandler struct {
	kindHandler
	rooms *room.Registry
}

// NewStartGameHandler creates a StartGameHandler.
func NewStartGameHandler(rooms *room.Registry) *StartGameHandler {
	return &StartGameHandler{
		kindHandler: kindHandler{kind: protocol.KindStartGameRequest, auth: true},
		rooms:       rooms,
	}
}

// Handle implements dispatch.Handler.
func (h *StartGameHandler) Handle(ctx context.Context, req *protocol.Request, _ protocol.Source) (*protocol.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	rm, err := h.rooms.StartGame(ctx, req.Room.RoomID, req.ConnectionID)
	if err != nil {
		return nil, asClientError(err)
	}
	resp := protocol.OK(protocol.KindStartGameResponse, req.ConnectionID)
	resp.StartGame = &protocol.StartGameResult{RoomID: rm.ID, GameStarted: rm.State == room.Started}
	return resp, nil
}

// UpdateGameStateHandler lets the host replace the game data.
type UpdateGameStateHandler struct {
	kindHandler
	rooms *room.Registry
}

// NewUpdateGameStateHandler creates an UpdateGameStateHandler.
func NewUpdateGameStateHandler(rooms *room.Registry) *UpdateGameStateHandler {
	return &UpdateGameStateHandler{
		kindHandler: kindHandler{kind: protocol.KindUpdateGameStateRequest, auth: true},
		rooms:       rooms,
	}
}

// Handle implements dispatch.Handler.
func (h *UpdateGameStateHandler) Handle(ctx context.Context, req *protocol.Request, _ protocol.Source) (*protocol.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p := req.UpdateGameState
	if _, err := h.rooms.UpdateGameData(ctx, p.RoomID, req.ConnectionID, p.GameData, p.ProcessedIDs); err != nil {
		return nil, asClientError(err)
	}
	resp := protocol.OK(protocol.KindUpdateGameStateResponse, req.ConnectionID)
	resp.RoomAck = &protocol.RoomAck{RoomID: p.RoomID}
	return resp, nil
}

// SubscribeToRoomHandler registers the requesting session for pushed room
// updates. It only runs for requests that arrived on a session.
type SubscribeToRoomHandler struct {
	kindHandler
	rooms    *room.Registry
	notifier *Notifier
}

// NewSubscribeToRoomHandler creates a SubscribeToRoomHandler.
func NewSubscribeToRoomHandler(rooms *room.Registry, notifier *Notifier) *SubscribeToRoomHandler {
	return &SubscribeToRoomHandler{
		kindHandler: kindHandler{kind: protocol.KindSubscribeToRoomRequest, auth: true},
		rooms:       rooms,
		notifier:    notifier,
	}
}

// RequiresSession implements dispatch.SessionHandler.
func (h *SubscribeToRoomHandler) RequiresSession() bool { return true }

// Handle implements dispatch.Handler. The dispatcher never selects this
// handler without a session.
func (h *SubscribeToRoomHandler) Handle(context.Context, *protocol.Request, protocol.Source) (*protocol.Response, error) {
	return nil, errors.New("subscribing to a room requires a session")
}

// HandleSession implements dispatch.SessionHandler.
func (h *SubscribeToRoomHandler) HandleSession(ctx context.Context, sess *session.Session, req *protocol.Request, _ protocol.Source) (*protocol.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	roomID := req.Room.RoomID
	h.notifier.Subscribe(roomID, sess)

	// Checked after subscribing so a concurrent destroy is either observed
	// here or pushed to the session.
	rm, err := h.rooms.GetRoom(ctx, roomID)
	if err != nil {
		h.notifier.Unsubscribe(roomID, sess)
		return nil, asClientError(err)
	}
	resp := protocol.OK(protocol.KindSubscribeToRoomResponse, req.ConnectionID)
	resp.Room = toRoomData(rm)
	return resp, nil
}

// OnSessionClosed implements dispatch.SessionHandler.
func (h *SubscribeToRoomHandler) OnSessionClosed(sess *session.Session) {
	h.notifier.SessionClosed(sess)
}
