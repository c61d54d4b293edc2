package matchserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cory-johannsen/matchmaking/internal/identity"
	"github.com/cory-johannsen/matchmaking/internal/protocol"
	"github.com/cory-johannsen/matchmaking/internal/room"
	"github.com/cory-johannsen/matchmaking/internal/scripting"
	"github.com/cory-johannsen/matchmaking/internal/session"
)

type client struct {
	t   *testing.T
	srv *Context
	id  identity.ID
	src protocol.Source
	n   int
}

func newServer(t *testing.T, opts Options) *Context {
	t.Helper()
	return NewContext(identity.NewMemoryStore(), opts, zaptest.NewLogger(t))
}

func newClient(t *testing.T, srv *Context) *client {
	t.Helper()
	resp := srv.DispatchOrCreateError(context.Background(), &protocol.Request{
		Kind:      protocol.KindGetConnectionIDRequest,
		RequestID: "hello",
	}, protocol.Source{}, nil)
	require.Equal(t, protocol.StatusOK, resp.StatusCode)
	require.NotNil(t, resp.Identity)
	return &client{
		t:   t,
		srv: srv,
		id:  identity.ID{ConnectionID: resp.Identity.ConnectionID, Password: resp.Identity.Password},
		src: protocol.SourceFromIP(net.ParseIP("192.0.2.10")),
	}
}

func (c *client) send(req *protocol.Request, sess *session.Session) *protocol.Response {
	c.t.Helper()
	c.n++
	req.ConnectionID = c.id.ConnectionID
	req.Password = c.id.Password
	req.RequestID = fmt.Sprintf("%s-%d", c.id.ConnectionID, c.n)
	resp := c.srv.DispatchOrCreateError(context.Background(), req, c.src, sess)
	require.NotNil(c.t, resp)
	assert.Equal(c.t, req.RequestID, resp.ResponseTo)
	return resp
}

func (c *client) join(op protocol.JoinOperation, roomID string) *protocol.Response {
	return c.send(&protocol.Request{
		Kind: protocol.KindJoinOrCreateRoomRequest,
		JoinOrCreate: &protocol.JoinOrCreateRoom{
			Operation: op,
			UserName:  "user-" + c.id.ConnectionID[:4],
			RoomID:    roomID,
		},
	}, nil)
}

func (c *client) roomReq(kind protocol.Kind, roomID string, sess *session.Session) *protocol.Response {
	return c.send(&protocol.Request{Kind: kind, Room: &protocol.RoomRef{RoomID: roomID}}, sess)
}

func TestResetHandlers_RegistersDefaultsInOrder(t *testing.T) {
	srv := newServer(t, Options{})
	srv.ResetHandlers()
	hs := srv.Dispatcher.Handlers()
	require.Len(t, hs, 9)
	assert.IsType(t, &GetConnectionIDHandler{}, hs[0])
	assert.IsType(t, &JoinOrCreateRoomHandler{}, hs[1])
	assert.IsType(t, &SubscribeToRoomHandler{}, hs[7])
	assert.IsType(t, &UpdateGameStateHandler{}, hs[8])
}

func TestGetConnectionID_IssuesWorkingIdentity(t *testing.T) {
	srv := newServer(t, Options{})
	c := newClient(t, srv)
	res, err := srv.Identity.IsAuthorized(context.Background(), c.id)
	require.NoError(t, err)
	assert.Equal(t, identity.Authorized, res)
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv := newServer(t, Options{})
	resp := srv.DispatchOrCreateError(context.Background(), &protocol.Request{
		ConnectionID: "ghost",
		RequestID:    "r1",
		Kind:         protocol.KindDisconnectRequest,
	}, protocol.Source{}, nil)
	assert.Equal(t, protocol.KindUnknownConnectionID, resp.Kind)
	assert.Equal(t, "r1", resp.ResponseTo)

	c := newClient(t, srv)
	c.id.Password = "wrong"
	resp = c.send(&protocol.Request{Kind: protocol.KindDisconnectRequest}, nil)
	assert.Equal(t, protocol.KindAuthorization, resp.Kind)
}

func TestUnknownKindIsServerError(t *testing.T) {
	srv := newServer(t, Options{})
	c := newClient(t, srv)
	resp := c.send(&protocol.Request{Kind: "FlyToTheMoonRequest"}, nil)
	assert.Equal(t, protocol.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "No response generated by server", resp.Error.Message)
}

func TestMissingPayloadIsBadRequest(t *testing.T) {
	srv := newServer(t, Options{})
	c := newClient(t, srv)
	resp := c.send(&protocol.Request{Kind: protocol.KindGetRoomDataRequest}, nil)
	assert.Equal(t, protocol.KindBadRequest, resp.Kind)
}

func TestJoinOrCreate_Flow(t *testing.T) {
	srv := newServer(t, Options{})
	host := newClient(t, srv)
	guest := newClient(t, srv)

	created := host.join(protocol.OperationJoinOrCreateRoom, "")
	require.Equal(t, protocol.RoomCreated, created.JoinOrCreate.Result)
	roomID := created.JoinOrCreate.RoomID

	joined := guest.join(protocol.OperationJoinRoom, roomID)
	assert.Equal(t, protocol.RoomJoined, joined.JoinOrCreate.Result)
	assert.Equal(t, roomID, joined.JoinOrCreate.RoomID)

	data := guest.roomReq(protocol.KindGetRoomDataRequest, roomID, nil)
	require.NotNil(t, data.Room)
	assert.Equal(t, host.id.ConnectionID, data.Room.HostConnectionID)
	require.Len(t, data.Room.Members, 2)
	assert.Equal(t, "192.0.2.10", data.Room.Members[1].IPv4)
}

func TestJoinRoom_NothingWhenNoRoom(t *testing.T) {
	srv := newServer(t, Options{})
	c := newClient(t, srv)
	resp := c.join(protocol.OperationJoinRoom, "")
	assert.Equal(t, protocol.StatusOK, resp.StatusCode)
	assert.Equal(t, protocol.Nothing, resp.JoinOrCreate.Result)
	assert.Zero(t, srv.Rooms.Count())
}

func TestJoinOrCreate_InvalidSizesIsBadRequest(t *testing.T) {
	srv := newServer(t, Options{})
	c := newClient(t, srv)
	resp := c.send(&protocol.Request{
		Kind: protocol.KindJoinOrCreateRoomRequest,
		JoinOrCreate: &protocol.JoinOrCreateRoom{
			Operation:   protocol.OperationCreateRoom,
			MinRoomSize: 5,
			MaxRoomSize: 2,
		},
	}, nil)
	assert.Equal(t, protocol.KindBadRequest, resp.Kind)
}

func TestDestroyRoom_HostOnly(t *testing.T) {
	srv := newServer(t, Options{})
	host := newClient(t, srv)
	guest := newClient(t, srv)
	roomID := host.join(protocol.OperationCreateRoom, "").JoinOrCreate.RoomID
	guest.join(protocol.OperationJoinRoom, roomID)

	resp := guest.roomReq(protocol.KindDestroyRoomRequest, roomID, nil)
	assert.False(t, resp.Destroy.RoomDestroyed)
	assert.Equal(t, 1, srv.Rooms.Count())

	resp = host.roomReq(protocol.KindDestroyRoomRequest, roomID, nil)
	assert.True(t, resp.Destroy.RoomDestroyed)
	assert.Zero(t, srv.Rooms.Count())

	data := host.roomReq(protocol.KindGetRoomDataRequest, roomID, nil)
	assert.Equal(t, protocol.StatusOK, data.StatusCode)
	assert.Nil(t, data.Room)
}

func TestDisconnect_LeavesEveryRoom(t *testing.T) {
	srv := newServer(t, Options{})
	host := newClient(t, srv)
	guest := newClient(t, srv)
	solo := guest.join(protocol.OperationCreateRoom, "").JoinOrCreate.RoomID
	shared := host.join(protocol.OperationCreateRoom, "").JoinOrCreate.RoomID
	guest.join(protocol.OperationJoinRoom, shared)

	resp := guest.send(&protocol.Request{Kind: protocol.KindDisconnectRequest}, nil)
	assert.ElementsMatch(t, []string{solo, shared}, resp.Disconnect.DisconnectedRooms)
	assert.Equal(t, []string{solo}, resp.Disconnect.DestroyedRooms)
	assert.Equal(t, 1, srv.Rooms.Count())
}

func TestDisconnect_HostLeavingPromotes(t *testing.T) {
	srv := newServer(t, Options{HostPolicy: room.PromoteOnHostLeave})
	host := newClient(t, srv)
	guest := newClient(t, srv)
	roomID := host.join(protocol.OperationCreateRoom, "").JoinOrCreate.RoomID
	guest.join(protocol.OperationJoinRoom, roomID)

	host.send(&protocol.Request{Kind: protocol.KindDisconnectRequest}, nil)
	data := guest.roomReq(protocol.KindGetRoomDataRequest, roomID, nil)
	require.NotNil(t, data.Room)
	assert.Equal(t, guest.id.ConnectionID, data.Room.HostConnectionID)
}

func TestDisconnect_HostLeavingDestroys(t *testing.T) {
	srv := newServer(t, Options{HostPolicy: room.DestroyOnHostLeave})
	host := newClient(t, srv)
	guest := newClient(t, srv)
	roomID := host.join(protocol.OperationCreateRoom, "").JoinOrCreate.RoomID
	guest.join(protocol.OperationJoinRoom, roomID)

	resp := host.send(&protocol.Request{Kind: protocol.KindDisconnectRequest}, nil)
	assert.Equal(t, []string{roomID}, resp.Disconnect.DestroyedRooms)
	assert.Zero(t, srv.Rooms.Count())
}

func TestGameFlow_SendDataStartAndUpdate(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t, Options{})
	host := newClient(t, srv)
	guest := newClient(t, srv)
	roomID := host.join(protocol.OperationCreateRoom, "").JoinOrCreate.RoomID
	guest.join(protocol.OperationJoinRoom, roomID)

	resp := guest.roomReq(protocol.KindStartGameRequest, roomID, nil)
	assert.Equal(t, protocol.KindBadRequest, resp.Kind, "only the host may start")

	resp = host.roomReq(protocol.KindStartGameRequest, roomID, nil)
	require.Equal(t, protocol.StatusOK, resp.StatusCode)
	assert.True(t, resp.StartGame.GameStarted)

	resp = guest.send(&protocol.Request{
		Kind:           protocol.KindSendDataToHostRequest,
		SendDataToHost: &protocol.SendDataToHost{RoomID: roomID, Data: []byte("move")},
	}, nil)
	require.Equal(t, protocol.StatusOK, resp.StatusCode)

	rm, err := srv.Rooms.GetRoom(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, rm.DataForHost, 1)
	msgID := rm.DataForHost[0].ID

	resp = guest.send(&protocol.Request{
		Kind:            protocol.KindUpdateGameStateRequest,
		UpdateGameState: &protocol.UpdateGameState{RoomID: roomID, GameData: []byte("cheat")},
	}, nil)
	assert.Equal(t, protocol.KindBadRequest, resp.Kind)

	resp = host.send(&protocol.Request{
		Kind:            protocol.KindUpdateGameStateRequest,
		UpdateGameState: &protocol.UpdateGameState{RoomID: roomID, GameData: []byte("board"), ProcessedIDs: []string{msgID}},
	}, nil)
	require.Equal(t, protocol.StatusOK, resp.StatusCode)

	data := guest.roomReq(protocol.KindGetRoomDataRequest, roomID, nil)
	assert.Equal(t, []byte("board"), data.Room.GameData)
	assert.Empty(t, data.Room.DataForHost)
	assert.True(t, data.Room.Started)
}

func TestSubscribe_RequiresSession(t *testing.T) {
	srv := newServer(t, Options{})
	c := newClient(t, srv)
	roomID := c.join(protocol.OperationCreateRoom, "").JoinOrCreate.RoomID

	resp := c.roomReq(protocol.KindSubscribeToRoomRequest, roomID, nil)
	assert.Equal(t, protocol.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "No response generated by server", resp.Error.Message)
}

func receive(t *testing.T, sess *session.Session) *protocol.Response {
	t.Helper()
	select {
	case resp := <-sess.Outbound():
		return resp
	case <-time.After(time.Second):
		t.Fatal("no push received")
		return nil
	}
}

func TestSubscribe_PushesUpdatesAndDestroy(t *testing.T) {
	srv := newServer(t, Options{})
	host := newClient(t, srv)
	guest := newClient(t, srv)
	roomID := host.join(protocol.OperationCreateRoom, "").JoinOrCreate.RoomID

	sess := srv.OpenSession("192.0.2.10:5000")
	resp := host.roomReq(protocol.KindSubscribeToRoomRequest, roomID, sess)
	require.Equal(t, protocol.KindSubscribeToRoomResponse, resp.Kind)
	require.NotNil(t, resp.Room)
	assert.Equal(t, 1, srv.Notifier.Subscribers(roomID))

	guest.join(protocol.OperationJoinRoom, roomID)
	push := receive(t, sess)
	assert.Equal(t, protocol.KindGetRoomDataResponse, push.Kind)
	assert.Empty(t, push.ResponseTo)
	assert.Len(t, push.Room.Members, 2)

	host.roomReq(protocol.KindDestroyRoomRequest, roomID, nil)
	push = receive(t, sess)
	assert.Equal(t, protocol.KindDestroyRoomResponse, push.Kind)
	assert.True(t, push.Destroy.RoomDestroyed)
	assert.Zero(t, srv.Notifier.Subscribers(roomID))
}

func TestSubscribe_UnknownRoom(t *testing.T) {
	srv := newServer(t, Options{})
	c := newClient(t, srv)
	sess := srv.OpenSession("")
	resp := c.roomReq(protocol.KindSubscribeToRoomRequest, "nope", sess)
	assert.Equal(t, protocol.KindBadRequest, resp.Kind)
	assert.Zero(t, srv.Notifier.Subscribers("nope"))
}

func TestCloseSession_DropsSubscriptions(t *testing.T) {
	srv := newServer(t, Options{})
	c := newClient(t, srv)
	roomID := c.join(protocol.OperationCreateRoom, "").JoinOrCreate.RoomID
	sess := srv.OpenSession("")
	c.roomReq(protocol.KindSubscribeToRoomRequest, roomID, sess)
	require.Equal(t, 1, srv.Notifier.Subscribers(roomID))

	srv.CloseSession(sess)
	assert.Zero(t, srv.Notifier.Subscribers(roomID))
	assert.Zero(t, srv.Sessions.Count())
}

func TestNotifier_DropsStaleVersions(t *testing.T) {
	n := NewNotifier(zaptest.NewLogger(t))
	sess := session.New("s", "", 4)
	n.Subscribe("r", sess)

	n.RoomChanged(room.Change{RoomID: "r", Room: &room.Room{ID: "r", Version: 3}})
	n.RoomChanged(room.Change{RoomID: "r", Room: &room.Room{ID: "r", Version: 2}})
	n.RoomChanged(room.Change{RoomID: "r", Room: &room.Room{ID: "r", Version: 4}})

	assert.Len(t, sess.Outbound(), 2)
}

func TestNotifier_ClosedSessionUnsubscribed(t *testing.T) {
	n := NewNotifier(zaptest.NewLogger(t))
	sess := session.New("s", "", 4)
	n.Subscribe("r", sess)
	require.NoError(t, sess.Close())

	n.RoomChanged(room.Change{RoomID: "r", Room: &room.Room{ID: "r", Version: 1}})
	assert.Zero(t, n.Subscribers("r"))
}

func TestAdmissionPolicy_Wired(t *testing.T) {
	policy, err := scripting.NewAdmissionPolicy(`
		function can_join(room_id, connection_id, user_name, member_count)
			return member_count < 2, "room capped by policy"
		end
	`, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(policy.Close)

	srv := newServer(t, Options{Admission: policy})
	host := newClient(t, srv)
	roomID := host.join(protocol.OperationCreateRoom, "").JoinOrCreate.RoomID

	first := newClient(t, srv)
	assert.Equal(t, protocol.RoomJoined, first.join(protocol.OperationJoinRoom, roomID).JoinOrCreate.Result)

	second := newClient(t, srv)
	assert.Equal(t, protocol.Nothing, second.join(protocol.OperationJoinRoom, roomID).JoinOrCreate.Result)
}

func TestAdmissionPolicy_SlowHookDoesNotDelayOtherRooms(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	policy, err := scripting.NewAdmissionPolicy(`
		function can_join(room_id, connection_id, user_name)
			if user_name == "slow" then
				matchmaking.log("slow admission")
				while true do end
			end
			return true
		end
	`, 30_000_000, zap.New(core))
	require.NoError(t, err)
	t.Cleanup(policy.Close)

	srv := newServer(t, Options{Admission: policy})
	hostA := newClient(t, srv)
	hostB := newClient(t, srv)
	roomA := hostA.join(protocol.OperationCreateRoom, "").JoinOrCreate.RoomID
	roomB := hostB.join(protocol.OperationCreateRoom, "").JoinOrCreate.RoomID
	slow := newClient(t, srv)
	fast := newClient(t, srv)

	joinAs := func(c *client, roomID, userName string) *protocol.Response {
		return srv.DispatchOrCreateError(context.Background(), &protocol.Request{
			ConnectionID: c.id.ConnectionID,
			Password:     c.id.Password,
			Kind:         protocol.KindJoinOrCreateRoomRequest,
			JoinOrCreate: &protocol.JoinOrCreateRoom{
				Operation: protocol.OperationJoinRoom,
				RoomID:    roomID,
				UserName:  userName,
			},
		}, protocol.Source{}, nil)
	}

	slowDone := make(chan *protocol.Response, 1)
	go func() { slowDone <- joinAs(slow, roomA, "slow") }()
	require.Eventually(t, func() bool { return logs.FilterMessage("admission script").Len() == 1 },
		2*time.Second, time.Millisecond)

	fastDone := make(chan *protocol.Response, 1)
	go func() { fastDone <- joinAs(fast, roomB, "fast") }()
	select {
	case resp := <-fastDone:
		assert.Equal(t, protocol.RoomJoined, resp.JoinOrCreate.Result)
	case resp := <-slowDone:
		t.Fatalf("slow admission finished first: %+v", resp.JoinOrCreate)
	case <-time.After(10 * time.Second):
		t.Fatal("join into room b never finished")
	}

	resp := <-slowDone
	assert.Equal(t, protocol.Nothing, resp.JoinOrCreate.Result, "exhausted budget denies")
}

func TestConcurrentJoinsThroughDispatcher(t *testing.T) {
	srv := newServer(t, Options{})
	host := newClient(t, srv)
	roomID := host.join(protocol.OperationCreateRoom, "").JoinOrCreate.RoomID

	const n = 50
	clients := make([]*client, n)
	for i := range clients {
		clients[i] = newClient(t, srv)
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := c.srv.DispatchOrCreateError(context.Background(), &protocol.Request{
				ConnectionID: c.id.ConnectionID,
				Password:     c.id.Password,
				Kind:         protocol.KindJoinOrCreateRoomRequest,
				JoinOrCreate: &protocol.JoinOrCreateRoom{
					Operation: protocol.OperationJoinRoom,
					RoomID:    roomID,
				},
			}, protocol.Source{}, nil)
			assert.Equal(t, protocol.RoomJoined, resp.JoinOrCreate.Result)
		}()
	}
	wg.Wait()

	rm, err := srv.Rooms.GetRoom(context.Background(), roomID)
	require.NoError(t, err)
	assert.Len(t, rm.Members, n+1)
}
