package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon/internal/keyspace"
	"beacon/internal/presence"
	"beacon/internal/rooms"
	"beacon/internal/testutil"
	"beacon/internal/typing"
	"beacon/internal/wire"
)

type statusRecorder struct {
	mu       sync.Mutex
	statuses map[uint]string
}

func (r *statusRecorder) SetUserStatus(_ context.Context, userID uint, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = make(map[uint]string)
	}
	r.statuses[userID] = status
	return nil
}

func (r *statusRecorder) get(userID uint) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[userID]
}

func newTestManager(t *testing.T, cfg ManagerConfig) (*Manager, *presence.Ledger, *statusRecorder) {
	t.Helper()
	ks, _ := testutil.NewTestKeyspace(t)
	rec := &statusRecorder{}
	pl := presence.NewLedger(ks, 15*time.Minute, rec)
	tl := typing.NewLedger(ks, 5*time.Second)
	m := NewManager(pl, tl, rec, rooms.NewCache(ks), cfg)
	t.Cleanup(m.Stop)
	return m, pl, rec
}

func TestRegisterReportsFirstSession(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})

	s1 := NewSession(m, nil, 7, "ada", "dev-1")
	first, err := m.Register(s1)
	require.NoError(t, err)
	assert.True(t, first)

	s2 := NewSession(m, nil, 7, "ada", "dev-2")
	first, err = m.Register(s2)
	require.NoError(t, err)
	assert.False(t, first)

	assert.Equal(t, 2, m.UserSessionCount(7))
	assert.Equal(t, 2, m.SessionCount())
}

func TestPerUserCap(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{MaxPerUser: 2})

	for i := 0; i < 2; i++ {
		_, err := m.Register(NewSession(m, nil, 7, "ada", ""))
		require.NoError(t, err)
	}

	_, err := m.Register(NewSession(m, nil, 7, "ada", ""))
	require.Error(t, err)
	var werr *wire.Error
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, wire.KindRateLimited, werr.Kind)
}

func TestTotalCap(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{MaxTotal: 2})

	_, err := m.Register(NewSession(m, nil, 1, "a", ""))
	require.NoError(t, err)
	_, err = m.Register(NewSession(m, nil, 2, "b", ""))
	require.NoError(t, err)

	_, err = m.Register(NewSession(m, nil, 3, "c", ""))
	require.Error(t, err)
	var werr *wire.Error
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, wire.KindNotAvailable, werr.Kind)
}

func TestLastUnregisterFinalizesOfflineAfterGrace(t *testing.T) {
	m, pl, rec := newTestManager(t, ManagerConfig{Grace: 50 * time.Millisecond})
	ctx := context.Background()

	s := NewSession(m, nil, 7, "ada", "")
	_, err := m.Register(s)
	require.NoError(t, err)
	require.NoError(t, pl.SetOnline(ctx, 7, presence.StatusOnline, ""))

	m.Unregister(s)

	assert.Eventually(t, func() bool {
		status, err := pl.GlobalStatus(ctx, 7)
		return err == nil && status == presence.StatusOffline
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return rec.get(7) == string(presence.StatusOffline)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGraceExpiryCleansRoomMembership(t *testing.T) {
	ks, _ := testutil.NewTestKeyspace(t)
	rec := &statusRecorder{}
	pl := presence.NewLedger(ks, 15*time.Minute, rec)
	tl := typing.NewLedger(ks, 5*time.Second)
	rc := rooms.NewCache(ks)
	m := NewManager(pl, tl, rec, rc, ManagerConfig{Grace: 200 * time.Millisecond})
	t.Cleanup(m.Stop)
	ctx := context.Background()

	s := NewSession(m, nil, 7, "ada", "")
	_, err := m.Register(s)
	require.NoError(t, err)
	require.NoError(t, pl.SetOnline(ctx, 7, presence.StatusOnline, ""))
	require.NoError(t, rc.AddUserToRoom(ctx, 7, 3))

	sub := ks.Subscribe(ctx, keyspace.ChannelRoomEvent)
	t.Cleanup(func() { _ = sub.Close() })
	events := make(chan string, 4)
	go func() {
		for msg := range sub.Channel() {
			events <- msg.Payload
		}
	}()

	m.Unregister(s)

	assert.Eventually(t, func() bool {
		members, merr := rc.RoomUsers(ctx, 3)
		return merr == nil && len(members) == 0
	}, 2*time.Second, 20*time.Millisecond, "room membership must not outlive the grace window")

	joined, err := rc.UserRooms(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, joined, "the reverse index is cleaned with the room")

	select {
	case payload := <-events:
		var event rooms.Event
		require.NoError(t, json.Unmarshal([]byte(payload), &event))
		assert.Equal(t, wire.FrameUserLeft, event.FrameType)
		assert.Equal(t, uint(3), event.RoomID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a user:left event for the joined room")
	}
}

func TestReconnectWithinGraceStaysOnline(t *testing.T) {
	m, pl, _ := newTestManager(t, ManagerConfig{Grace: 80 * time.Millisecond})
	ctx := context.Background()

	s1 := NewSession(m, nil, 7, "ada", "")
	_, err := m.Register(s1)
	require.NoError(t, err)
	require.NoError(t, pl.SetOnline(ctx, 7, presence.StatusOnline, ""))

	m.Unregister(s1)

	s2 := NewSession(m, nil, 7, "ada", "")
	first, err := m.Register(s2)
	require.NoError(t, err)
	assert.True(t, first, "registry was empty, so this counts as a first session")
	m.CancelGrace(ctx, 7)

	assert.Never(t, func() bool {
		status, err := pl.GlobalStatus(ctx, 7)
		return err == nil && status == presence.StatusOffline
	}, 300*time.Millisecond, 20*time.Millisecond)
}

func TestRemainingSessionKeepsUserOnline(t *testing.T) {
	m, pl, _ := newTestManager(t, ManagerConfig{Grace: 50 * time.Millisecond})
	ctx := context.Background()

	s1 := NewSession(m, nil, 7, "ada", "")
	s2 := NewSession(m, nil, 7, "ada", "")
	_, err := m.Register(s1)
	require.NoError(t, err)
	_, err = m.Register(s2)
	require.NoError(t, err)
	require.NoError(t, pl.SetOnline(ctx, 7, presence.StatusOnline, ""))

	m.Unregister(s1)

	assert.Never(t, func() bool {
		status, err := pl.GlobalStatus(ctx, 7)
		return err == nil && status == presence.StatusOffline
	}, 300*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, 1, m.UserSessionCount(7))
}

func TestMarkerClaimedElsewhereSkipsOfflining(t *testing.T) {
	m, pl, _ := newTestManager(t, ManagerConfig{Grace: 50 * time.Millisecond})
	ctx := context.Background()

	s := NewSession(m, nil, 7, "ada", "")
	_, err := m.Register(s)
	require.NoError(t, err)
	require.NoError(t, pl.SetOnline(ctx, 7, presence.StatusOnline, ""))

	m.Unregister(s)

	// Another instance saw the user reconnect and claimed the marker.
	claimed, err := pl.CancelDisconnectGrace(ctx, 7)
	require.NoError(t, err)
	require.True(t, claimed)

	assert.Never(t, func() bool {
		status, err := pl.GlobalStatus(ctx, 7)
		return err == nil && status == presence.StatusOffline
	}, 300*time.Millisecond, 20*time.Millisecond)
}

func TestSendToRoomSkipsExcludedAndOutsiders(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})

	in := NewSession(m, nil, 1, "a", "")
	excluded := NewSession(m, nil, 2, "b", "")
	outside := NewSession(m, nil, 3, "c", "")
	for _, s := range []*Session{in, excluded, outside} {
		_, err := m.Register(s)
		require.NoError(t, err)
	}
	in.JoinRoom(3)
	excluded.JoinRoom(3)

	n := m.SendToRoom(3, []byte("hi"), 2)
	assert.Equal(t, 1, n)

	select {
	case msg := <-in.Send:
		assert.Equal(t, "hi", string(msg))
	default:
		t.Fatal("in-room session should have received the message")
	}
	assert.Empty(t, excluded.Send)
	assert.Empty(t, outside.Send)
}

func TestSendFrameToUserReachesEverySession(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})

	s1 := NewSession(m, nil, 7, "ada", "")
	s2 := NewSession(m, nil, 7, "ada", "")
	_, err := m.Register(s1)
	require.NoError(t, err)
	_, err = m.Register(s2)
	require.NoError(t, err)

	n := m.SendFrameToUser(7, wire.MustFrame(wire.FramePresenceUpdate, wire.PresenceUpdatePayload{UserID: 7, Status: "ONLINE"}))
	assert.Equal(t, 2, n)

	for _, s := range []*Session{s1, s2} {
		select {
		case msg := <-s.Send:
			assert.Contains(t, string(msg), `"presence:update"`)
		default:
			t.Fatal("session should have received the frame")
		}
	}
}

func TestTrySendFullBufferQueuesGapNotice(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})
	s := NewSession(m, nil, 7, "ada", "")

	for i := 0; i < sendBuffer; i++ {
		s.TrySend([]byte("x"))
	}
	// Buffer is full now; the drop notice replaces nothing and is itself
	// dropped, so nothing panics or blocks.
	s.TrySend([]byte("overflow"))

	assert.Len(t, s.Send, sendBuffer)
}

func TestTrySendOnClosedChannelDoesNotPanic(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})
	s := NewSession(m, nil, 7, "ada", "")
	_, err := m.Register(s)
	require.NoError(t, err)

	m.Unregister(s)

	assert.NotPanics(t, func() { s.TrySend([]byte("late")) })
}
