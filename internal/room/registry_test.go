package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	return NewRegistry(zaptest.NewLogger(t), opts...)
}

func user(id string) User {
	return User{ConnectionID: id, UserName: "user-" + id}
}

func TestCreateRoom(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	rm, err := r.CreateRoom(ctx, user("host"), Settings{})
	require.NoError(t, err)
	assert.NotEmpty(t, rm.ID)
	assert.Equal(t, "host", rm.HostConnectionID)
	assert.Equal(t, Open, rm.State)
	require.Len(t, rm.Members, 1)
	assert.Equal(t, "host", rm.Members[0].ConnectionID)
	assert.Equal(t, 1, r.Count())
}

func TestCreateRoom_UniqueIDs(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	seen := map[string]bool{}
	for i := range 50 {
		rm, err := r.CreateRoom(ctx, user(fmt.Sprint(i)), Settings{})
		require.NoError(t, err)
		require.False(t, seen[rm.ID])
		seen[rm.ID] = true
	}
}

func TestCreateRoom_InvalidSettings(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.CreateRoom(context.Background(), user("h"), Settings{MinSize: 4, MaxSize: 2})
	assert.ErrorIs(t, err, ErrInvalidSettings)
	assert.Zero(t, r.Count())
}

func TestCreateRoom_DefaultMaxSize(t *testing.T) {
	r := newTestRegistry(t, WithDefaultMaxSize(3))
	rm, err := r.CreateRoom(context.Background(), user("h"), Settings{})
	require.NoError(t, err)
	assert.Equal(t, 3, rm.Settings.MaxSize)
}

func TestSnapshotsDoNotAlias(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	rm, err := r.CreateRoom(ctx, user("h"), Settings{})
	require.NoError(t, err)

	rm.Members[0].ConnectionID = "mutated"
	rm.HostConnectionID = "mutated"

	again, err := r.GetRoom(ctx, rm.ID)
	require.NoError(t, err)
	assert.Equal(t, "h", again.HostConnectionID)
	assert.Equal(t, "h", again.Members[0].ConnectionID)
}

func TestJoinOrCreate_JoinsExistingRoom(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	rm, err := r.CreateRoom(ctx, user("h"), Settings{})
	require.NoError(t, err)

	joined, outcome, err := r.JoinOrCreate(ctx, JoinOptions{RoomID: rm.ID, User: user("a")})
	require.NoError(t, err)
	assert.Equal(t, Joined, outcome)
	assert.Equal(t, rm.ID, joined.ID)
	assert.True(t, joined.HasMember("a"))
	assert.Equal(t, "h", joined.HostConnectionID)
}

func TestJoinOrCreate_CreatesWhenMissing(t *testing.T) {
	r := newTestRegistry(t)
	rm, outcome, err := r.JoinOrCreate(context.Background(), JoinOptions{RoomID: "nope", User: user("a")})
	require.NoError(t, err)
	assert.Equal(t, Created, outcome)
	assert.NotEqual(t, "nope", rm.ID)
	assert.Equal(t, "a", rm.HostConnectionID)
}

func TestJoinOrCreate_CreatesWhenNoneRequestedAndNoneOpen(t *testing.T) {
	r := newTestRegistry(t)
	_, outcome, err := r.JoinOrCreate(context.Background(), JoinOptions{User: user("a")})
	require.NoError(t, err)
	assert.Equal(t, Created, outcome)
}

func TestJoinOrCreate_QuickMatchJoinsOldestOpenRoom(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	first, err := r.CreateRoom(ctx, user("h1"), Settings{MaxSize: 1})
	require.NoError(t, err)
	second, err := r.CreateRoom(ctx, user("h2"), Settings{})
	require.NoError(t, err)
	_, err = r.CreateRoom(ctx, user("h3"), Settings{})
	require.NoError(t, err)

	rm, outcome, err := r.JoinOrCreate(ctx, JoinOptions{Operation: OpJoin, User: user("a")})
	require.NoError(t, err)
	assert.Equal(t, Joined, outcome)
	assert.NotEqual(t, first.ID, rm.ID, "full room skipped")
	assert.Equal(t, second.ID, rm.ID)
}

func TestJoinOrCreate_JoinOnlyFails(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, _, err := r.JoinOrCreate(ctx, JoinOptions{Operation: OpJoin, RoomID: "nope", User: user("a")})
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, _, err = r.JoinOrCreate(ctx, JoinOptions{Operation: OpJoin, User: user("a")})
	assert.ErrorIs(t, err, ErrNoOpenRoom)
	assert.Zero(t, r.Count())
}

func TestJoinOrCreate_CreateOnlyIgnoresRoomID(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	existing, err := r.CreateRoom(ctx, user("h"), Settings{})
	require.NoError(t, err)

	rm, outcome, err := r.JoinOrCreate(ctx, JoinOptions{Operation: OpCreate, RoomID: existing.ID, User: user("a")})
	require.NoError(t, err)
	assert.Equal(t, Created, outcome)
	assert.NotEqual(t, existing.ID, rm.ID)
	assert.Equal(t, 2, r.Count())
}

func TestJoin_RejoinIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	rm, err := r.CreateRoom(ctx, user("h"), Settings{})
	require.NoError(t, err)

	for range 3 {
		_, _, err := r.JoinOrCreate(ctx, JoinOptions{Operation: OpJoin, RoomID: rm.ID, User: user("a")})
		require.NoError(t, err)
	}
	got, err := r.GetRoom(ctx, rm.ID)
	require.NoError(t, err)
	assert.Len(t, got.Members, 2)
}

func TestJoin_RoomFull(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	rm, err := r.CreateRoom(ctx, user("h"), Settings{MaxSize: 2})
	require.NoError(t, err)

	_, _, err = r.JoinOrCreate(ctx, JoinOptions{Operation: OpJoin, RoomID: rm.ID, User: user("a")})
	require.NoError(t, err)
	_, _, err = r.JoinOrCreate(ctx, JoinOptions{Operation: OpJoin, RoomID: rm.ID, User: user("b")})
	assert.ErrorIs(t, err, ErrRoomFull)
}

func TestJoin_StartedRoomRejects(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	rm, err := r.CreateRoom(ctx, user("h"), Settings{})
	require.NoError(t, err)
	_, err = r.StartGame(ctx, rm.ID, "h")
	require.NoError(t, err)

	_, _, err = r.JoinOrCreate(ctx, JoinOptions{Operation: OpJoin, RoomID: rm.ID, User: user("a")})
	assert.ErrorIs(t, err, ErrGameStarted)
}

func TestJoin_UserLists(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	white, err := r.CreateRoom(ctx, user("h"), Settings{UserListMode: ListWhitelist, UserList: []string{"alice"}})
	require.NoError(t, err)
	black, err := r.CreateRoom(ctx, user("h"), Settings{UserListMode: ListBlacklist, UserList: []string{"alice"}})
	require.NoError(t, err)

	_, _, err = r.JoinOrCreate(ctx, JoinOptions{Operation: OpJoin, RoomID: white.ID, User: User{ConnectionID: "1", UserName: "bob"}})
	assert.ErrorIs(t, err, ErrUserRejected)
	_, _, err = r.JoinOrCreate(ctx, JoinOptions{Operation: OpJoin, RoomID: white.ID, User: User{ConnectionID: "2", UserName: "alice"}})
	assert.NoError(t, err)

	_, _, err = r.JoinOrCreate(ctx, JoinOptions{Operation: OpJoin, RoomID: black.ID, User: User{ConnectionID: "3", UserName: "alice"}})
	assert.ErrorIs(t, err, ErrUserRejected)
	_, _, err = r.JoinOrCreate(ctx, JoinOptions{Operation: OpJoin, RoomID: black.ID, User: User{ConnectionID: "4", UserName: "bob"}})
	assert.NoError(t, err)
}

func TestJoin_AdmitterVeto(t *testing.T) {
	ctx := context.Background()
	var seen Candidate
	r := newTestRegistry(t, WithAdmitter(AdmitterFunc(func(_ context.Context, c Candidate) error {
		seen = c
		if c.UserName == "mallory" {
			return fmt.Errorf("%w: banned", ErrAdmissionDenied)
		}
		return nil
	})))
	rm, err := r.CreateRoom(ctx, user("h"), Settings{})
	require.NoError(t, err)

	_, _, err = r.JoinOrCreate(ctx, JoinOptions{Operation: OpJoin, RoomID: rm.ID, User: User{ConnectionID: "m", UserName: "mallory"}})
	assert.ErrorIs(t, err, ErrAdmissionDenied)
	assert.Equal(t, Candidate{RoomID: rm.ID, ConnectionID: "m", UserName: "mallory", MemberCount: 1}, seen)

	_, outcome, err := r.JoinOrCreate(ctx, JoinOptions{RoomID: rm.ID, User: User{ConnectionID: "m", UserName: "mallory"}})
	require.NoError(t, err)
	assert.Equal(t, Created, outcome, "JoinOrCreate falls back to creating")
}

func TestJoin_AdmitterFailureIsNotRefusal(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	r := newTestRegistry(t, WithAdmitter(AdmitterFunc(func(context.Context, Candidate) error { return boom })))
	rm, err := r.CreateRoom(ctx, user("h"), Settings{})
	require.NoError(t, err)

	_, _, err = r.JoinOrCreate(ctx, JoinOptions{RoomID: rm.ID, User: user("a")})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, r.Count())
}

func TestConcurrentJoins_NoLostUpdates(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	rm, err := r.CreateRoom(ctx, user("host"), Settings{})
	require.NoError(t, err)

	const n = 100
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, outcome, err := r.JoinOrCreate(ctx, JoinOptions{RoomID: rm.ID, User: user(fmt.Sprintf("c%d", i))})
			assert.NoError(t, err)
			assert.Equal(t, Joined, outcome)
		}()
	}
	wg.Wait()

	got, err := r.GetRoom(ctx, rm.ID)
	require.NoError(t, err)
	assert.Len(t, got.Members, n+1)
	ids := map[string]bool{}
	for _, m := range got.Members {
		assert.False(t, ids[m.ConnectionID], "duplicate member %s", m.ConnectionID)
		ids[m.ConnectionID] = true
	}
	assert.Equal(t, uint64(n+1), got.Version)
}

func TestConcurrentJoins_CapacityHolds(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	rm, err := r.CreateRoom(ctx, user("host"), Settings{MaxSize: 10})
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		joined int
	)
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := r.JoinOrCreate(ctx, JoinOptions{Operation: OpJoin, RoomID: rm.ID, User: user(fmt.Sprint(i))})
			if err == nil {
				mu.Lock()
				joined++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrRoomFull)
		}()
	}
	wg.Wait()

	got, err := r.GetRoom(ctx, rm.ID)
	require.NoError(t, err)
	assert.Len(t, got.Members, 10)
	assert.Equal(t, 9, joined)
}

func TestLockedRoomDoesNotBlockOtherRooms(t *testing.T) {
	ctx := context.Background()
	var lockedID string
	entered := make(chan struct{})
	release := make(chan struct{})
	r := newTestRegistry(t, WithAdmitter(AdmitterFunc(func(_ context.Context, c Candidate) error {
		if c.RoomID == lockedID {
			close(entered)
			<-release
		}
		return nil
	})))

	a, err := r.CreateRoom(ctx, user("ha"), Settings{})
	require.NoError(t, err)
	b, err := r.CreateRoom(ctx, user("hb"), Settings{})
	require.NoError(t, err)
	lockedID = a.ID

	joinedA := make(chan error, 1)
	go func() {
		_, _, err := r.JoinOrCreate(ctx, JoinOptions{Operation: OpJoin, RoomID: a.ID, User: user("wait")})
		joinedA <- err
	}()
	<-entered

	done := make(chan error, 1)
	go func() {
		if _, _, err := r.JoinOrCreate(ctx, JoinOptions{Operation: OpJoin, RoomID: b.ID, User: user("gb")}); err != nil {
			done <- err
			return
		}
		if _, err := r.GetRoom(ctx, b.ID); err != nil {
			done <- err
			return
		}
		if _, err := r.UpdateGameData(ctx, b.ID, "hb", []byte("state"), nil); err != nil {
			done <- err
			return
		}
		_, err := r.CreateRoom(ctx, user("hc"), Settings{})
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("operations on room b waited for room a's lock")
	}

	close(release)
	require.NoError(t, <-joinedA)
	got, err := r.GetRoom(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, got.Members, 2)
}

func TestDestroyRoom_ByHost(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	rm, err := r.CreateRoom(ctx, user("h"), Settings{})
	require.NoError(t, err)

	require.NoError(t, r.DestroyRoom(ctx, rm.ID, "h"))
	_, err = r.GetRoom(ctx, rm.ID)
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.ErrorIs(t, r.DestroyRoom(ctx, rm.ID, "h"), ErrRoomNotFound)
}

func TestDestroyRoom_NonHostLeavesRoomIntact(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	rm, err := r.CreateRoom(ctx, user("h"), Settings{})
	require.NoError(t, err)
	_, _, err = r.JoinOrCreate(ctx, JoinOptions{RoomID: rm.ID, User: user("a")})
	require.NoError(t, err)

	assert.ErrorIs(t, r.DestroyRoom(ctx, rm.ID, "a"), ErrNotHost)
	got, err := r.GetRoom(ctx, rm.ID)
	require.NoError(t, err)
	assert.Len(t, got.Members, 2)
	assert.Equal(t, 1, r.Count())
}

func TestRemoveMember_PromotesLongestStanding(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	rm, err := r.CreateRoom(ctx, user("h"), Settings{})
	require.NoError(t, err)
	for _, id := range []string{"a", "b"} {
		_, _, err := r.JoinOrCreate(ctx, JoinOptions{RoomID: rm.ID, User: user(id)})
		require.NoError(t, err)
	}

	dep, err := r.RemoveMember(ctx, rm.ID, "h")
	require.NoError(t, err)
	assert.False(t, dep.Destroyed)
	assert.Equal(t, "a", dep.NewHost)
	assert.Equal(t, "a", dep.Room.HostConnectionID)
	assert.True(t, dep.Room.HasMember(dep.Room.HostConnectionID))
}

func TestRemoveMember_DestroyPolicy(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, WithHostPolicy(DestroyOnHostLeave))
	rm, err := r.CreateRoom(ctx, user("h"), Settings{})
	require.NoError(t, err)
	_, _, err = r.JoinOrCreate(ctx, JoinOptions{RoomID: rm.ID, User: user("a")})
	require.NoError(t, err)

	dep, err := r.RemoveMember(ctx, rm.ID, "h")
	require.NoError(t, err)
	assert.True(t, dep.Destroyed)
	assert.Nil(t, dep.Room)
	assert.Zero(t, r.Count())
}

func TestRemoveMember_NonHostKeepsHost(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, WithHostPolicy(DestroyOnHostLeave))
	rm, err := r.CreateRoom(ctx, user("h"), Settings{})
	require.NoError(t, err)
	_, _, err = r.JoinOrCreate(ctx, JoinOptions{RoomID: rm.ID, User: user("a")})
	require.NoError(t, err)

	dep, err := r.RemoveMember(ctx, rm.ID, "a")
	require.NoError(t, err)
	assert.False(t, dep.Destroyed)
	assert.Empty(t, dep.NewHost)
	assert.Equal(t, "h", dep.Room.HostConnectionID)
}

func TestRemoveMember_LastMemberDestroysRoom(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	rm, err := r.CreateRoom(ctx, user("h"), Settings{})
	require.NoError(t, err)

	dep, err := r.RemoveMember(ctx, rm.ID, "h")
	require.NoError(t, err)
	assert.True(t, dep.Destroyed)
	assert.Zero(t, r.Count())
}

func TestRemoveMember_Errors(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	rm, err := r.CreateRoom(ctx, user("h"), Settings{})
	require.NoError(t, err)

	_, err = r.RemoveMember(ctx, "nope", "h")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = r.RemoveMember(ctx, rm.ID, "stranger")
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestRemoveConnection(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	solo, err := r.CreateRoom(ctx, user("x"), Settings{})
	require.NoError(t, err)
	shared, err := r.CreateRoom(ctx, user("h"), Settings{})
	require.NoError(t, err)
	_, _, err = r.JoinOrCreate(ctx, JoinOptions{RoomID: shared.ID, User: user("x")})
	require.NoError(t, err)
	_, err = r.CreateRoom(ctx, user("other"), Settings{})
	require.NoError(t, err)

	assert.Equal(t, []string{solo.ID, shared.ID}, r.RoomsOf("x"))

	left, destroyed, err := r.RemoveConnection(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, []string{solo.ID, shared.ID}, left)
	assert.Equal(t, []string{solo.ID}, destroyed)
	assert.Empty(t, r.RoomsOf("x"))
	assert.Equal(t, 2, r.Count())
}

func TestUpdateGameData_HostOnly(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	rm, err := r.CreateRoom(ctx, user("h"), Settings{})
	require.NoError(t, err)
	_, _, err = r.JoinOrCreate(ctx, JoinOptions{RoomID: rm.ID, User: user("a")})
	require.NoError(t, err)

	_, err = r.UpdateGameData(ctx, rm.ID, "a", []byte("cheat"), nil)
	assert.ErrorIs(t, err, ErrNotHost)

	got, err := r.UpdateGameData(ctx, rm.ID, "h", []byte("state"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), got.GameData)

	_, err = r.UpdateGameData(ctx, "nope", "h", nil, nil)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestSendDataToHost_QueueAndDrain(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	rm, err := r.CreateRoom(ctx, user("h"), Settings{})
	require.NoError(t, err)
	_, _, err = r.JoinOrCreate(ctx, JoinOptions{RoomID: rm.ID, User: user("a")})
	require.NoError(t, err)

	_, err = r.SendDataToHost(ctx, rm.ID, "stranger", []byte("x"))
	assert.ErrorIs(t, err, ErrNotMember)

	first, err := r.SendDataToHost(ctx, rm.ID, "a", []byte("move 1"))
	require.NoError(t, err)
	second, err := r.SendDataToHost(ctx, rm.ID, "a", []byte("move 2"))
	require.NoError(t, err)

	got, err := r.GetRoom(ctx, rm.ID)
	require.NoError(t, err)
	require.Len(t, got.DataForHost, 2)
	assert.Equal(t, first, got.DataForHost[0].ID)
	assert.Equal(t, "a", got.DataForHost[0].FromConnectionID)

	got, err = r.UpdateGameData(ctx, rm.ID, "h", []byte("s"), []string{first})
	require.NoError(t, err)
	require.Len(t, got.DataForHost, 1)
	assert.Equal(t, second, got.DataForHost[0].ID)
}

func TestStartGame(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	rm, err := r.CreateRoom(ctx, user("h"), Settings{MinSize: 2})
	require.NoError(t, err)

	_, err = r.StartGame(ctx, rm.ID, "h")
	assert.ErrorIs(t, err, ErrNotEnoughPlayers)

	_, _, err = r.JoinOrCreate(ctx, JoinOptions{RoomID: rm.ID, User: user("a")})
	require.NoError(t, err)

	_, err = r.StartGame(ctx, rm.ID, "a")
	assert.ErrorIs(t, err, ErrNotHost)

	got, err := r.StartGame(ctx, rm.ID, "h")
	require.NoError(t, err)
	assert.Equal(t, Started, got.State)

	_, err = r.StartGame(ctx, rm.ID, "h")
	assert.ErrorIs(t, err, ErrGameStarted)
}

func TestChangeListener(t *testing.T) {
	ctx := context.Background()
	var (
		mu      sync.Mutex
		changes []Change
	)
	r := newTestRegistry(t, WithChangeListener(func(c Change) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, c)
	}))
	rm, err := r.CreateRoom(ctx, user("h"), Settings{})
	require.NoError(t, err)
	_, _, err = r.JoinOrCreate(ctx, JoinOptions{RoomID: rm.ID, User: user("a")})
	require.NoError(t, err)
	assert.ErrorIs(t, r.DestroyRoom(ctx, rm.ID, "a"), ErrNotHost)
	require.NoError(t, r.DestroyRoom(ctx, rm.ID, "h"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 3, "failed mutations are not reported")
	assert.Equal(t, uint64(1), changes[0].Room.Version)
	assert.Equal(t, uint64(2), changes[1].Room.Version)
	assert.True(t, changes[2].Destroyed)
	assert.Nil(t, changes[2].Room)
}

// Property: under any sequence of joins and departures the host is
// always a member and empty rooms never survive.
func TestPropertyHostIsAlwaysMember(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		policy := HostPolicy(rapid.IntRange(0, 1).Draw(t, "policy"))
		r := NewRegistry(nil, WithHostPolicy(policy))
		rm, err := r.CreateRoom(ctx, user("c0"), Settings{})
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for range steps {
			conn := fmt.Sprintf("c%d", rapid.IntRange(0, 5).Draw(t, "conn"))
			if rapid.Bool().Draw(t, "join") {
				_, _, _ = r.JoinOrCreate(ctx, JoinOptions{Operation: OpJoin, RoomID: rm.ID, User: user(conn)})
			} else {
				_, _ = r.RemoveMember(ctx, rm.ID, conn)
			}

			got, err := r.GetRoom(ctx, rm.ID)
			if errors.Is(err, ErrRoomNotFound) {
				return
			}
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if len(got.Members) == 0 {
				t.Fatalf("empty room %s survived", got.ID)
			}
			if !got.HasMember(got.HostConnectionID) {
				t.Fatalf("host %s not a member of %v", got.HostConnectionID, got.Members)
			}
		}
	})
}
