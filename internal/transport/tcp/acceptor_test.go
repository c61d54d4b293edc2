package tcp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/matchmaking/internal/config"
	"github.com/cory-johannsen/matchmaking/internal/identity"
	"github.com/cory-johannsen/matchmaking/internal/matchserver"
	"github.com/cory-johannsen/matchmaking/internal/protocol"
)

func startAcceptor(t *testing.T) (*Acceptor, *matchserver.Context) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	srv := matchserver.NewContext(identity.NewMemoryStore(), matchserver.Options{}, logger)
	acc := NewAcceptor(config.TCPConfig{
		Host:         "127.0.0.1",
		Port:         0,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}, srv, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- acc.ListenAndServe() }()

	deadline := time.After(2 * time.Second)
	for !(acc.IsRunning() && acc.Addr() != "") {
		select {
		case <-deadline:
			t.Fatal("acceptor did not start in time")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		acc.Stop(ctx)
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("ListenAndServe did not return")
		}
	})
	return acc, srv
}

type testClient struct {
	t    *testing.T
	conn *Conn
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	raw, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return &testClient{t: t, conn: NewConn(raw, 2*time.Second, 2*time.Second, DefaultMaxFrameSize)}
}

func (c *testClient) send(req *protocol.Request) {
	c.t.Helper()
	data, err := protocol.CBORCodec{}.Marshal(req)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteFrame(data))
}

func (c *testClient) receive() *protocol.Response {
	c.t.Helper()
	frame, err := c.conn.ReadFrame()
	require.NoError(c.t, err)
	var resp protocol.Response
	require.NoError(c.t, protocol.CBORCodec{}.Unmarshal(frame, &resp))
	return &resp
}

func (c *testClient) call(req *protocol.Request) *protocol.Response {
	c.t.Helper()
	c.send(req)
	return c.receive()
}

func TestAcceptor_RequestResponse(t *testing.T) {
	acc, _ := startAcceptor(t)
	c := dial(t, acc.Addr())

	resp := c.call(&protocol.Request{Kind: protocol.KindGetConnectionIDRequest, RequestID: "r1"})
	assert.Equal(t, protocol.StatusOK, resp.StatusCode)
	assert.Equal(t, "r1", resp.ResponseTo)
	require.NotNil(t, resp.Identity)
	assert.NotEmpty(t, resp.Identity.Password)
}

func TestAcceptor_GarbageIsBadRequest(t *testing.T) {
	acc, _ := startAcceptor(t)
	c := dial(t, acc.Addr())

	require.NoError(t, c.conn.WriteFrame([]byte{0xff, 0xfe}))
	resp := c.receive()
	assert.Equal(t, protocol.KindBadRequest, resp.Kind)

	resp = c.call(&protocol.Request{Kind: protocol.KindGetConnectionIDRequest})
	assert.Equal(t, protocol.StatusOK, resp.StatusCode, "connection survives a bad request")
}

func TestAcceptor_PushesRoomUpdates(t *testing.T) {
	acc, _ := startAcceptor(t)
	host := dial(t, acc.Addr())
	guest := dial(t, acc.Addr())

	hostID := host.call(&protocol.Request{Kind: protocol.KindGetConnectionIDRequest}).Identity
	guestID := guest.call(&protocol.Request{Kind: protocol.KindGetConnectionIDRequest}).Identity

	created := host.call(&protocol.Request{
		ConnectionID: hostID.ConnectionID,
		Password:     hostID.Password,
		Kind:         protocol.KindJoinOrCreateRoomRequest,
		JoinOrCreate: &protocol.JoinOrCreateRoom{Operation: protocol.OperationCreateRoom, UserName: "host"},
	})
	require.Equal(t, protocol.RoomCreated, created.JoinOrCreate.Result)
	roomID := created.JoinOrCreate.RoomID

	sub := host.call(&protocol.Request{
		ConnectionID: hostID.ConnectionID,
		Password:     hostID.Password,
		Kind:         protocol.KindSubscribeToRoomRequest,
		Room:         &protocol.RoomRef{RoomID: roomID},
	})
	require.Equal(t, protocol.KindSubscribeToRoomResponse, sub.Kind)

	joined := guest.call(&protocol.Request{
		ConnectionID: guestID.ConnectionID,
		Password:     guestID.Password,
		Kind:         protocol.KindJoinOrCreateRoomRequest,
		JoinOrCreate: &protocol.JoinOrCreateRoom{Operation: protocol.OperationJoinRoom, RoomID: roomID, UserName: "guest"},
	})
	require.Equal(t, protocol.RoomJoined, joined.JoinOrCreate.Result)

	push := host.receive()
	assert.Equal(t, protocol.KindGetRoomDataResponse, push.Kind)
	assert.Empty(t, push.ResponseTo)
	require.NotNil(t, push.Room)
	assert.Len(t, push.Room.Members, 2)
}

func TestAcceptor_DisconnectClosesSession(t *testing.T) {
	acc, srv := startAcceptor(t)
	c := dial(t, acc.Addr())
	c.call(&protocol.Request{Kind: protocol.KindGetConnectionIDRequest})
	require.Equal(t, 1, srv.Sessions.Count())

	require.NoError(t, c.conn.Close())
	require.Eventually(t, func() bool { return srv.Sessions.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestAcceptor_StopClosesConnections(t *testing.T) {
	acc, srv := startAcceptor(t)
	c := dial(t, acc.Addr())
	c.call(&protocol.Request{Kind: protocol.KindGetConnectionIDRequest})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	acc.Stop(ctx)
	assert.False(t, acc.IsRunning())
	assert.Zero(t, srv.Sessions.Count())

	_, err := c.conn.ReadFrame()
	assert.Error(t, err)
}

func TestAcceptor_StopBeforeListenAndServe(t *testing.T) {
	a := NewAcceptor(config.TCPConfig{Host: "127.0.0.1"}, nil, zaptest.NewLogger(t))
	a.Stop(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- a.ListenAndServe() }()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ListenAndServe served after Stop")
	}
	assert.False(t, a.IsRunning())
}
