package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"beacon/internal/bus"
	"beacon/internal/connectors"
	"beacon/internal/keyspace"
	"beacon/internal/models"
	"beacon/internal/presence"
	"beacon/internal/ratelimit"
	"beacon/internal/rooms"
	"beacon/internal/session"
	"beacon/internal/testutil"
	"beacon/internal/typing"
	"beacon/internal/wire"
)

type fixture struct {
	g   *Gateway
	db  *gorm.DB
	ks  *keyspace.Client
	mgr *session.Manager
	ctx context.Context
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithConfig(t, Config{})
}

func newFixtureWithConfig(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	ks, _ := testutil.NewTestKeyspace(t)

	bundle := connectors.NewBundle(db, connectors.Options{
		JWTSecret:      "test-secret",
		AccessTokenTTL: 15 * time.Minute,
		UserCacheTTL:   time.Millisecond, // tests flip user flags mid-flight
	})
	pl := presence.NewLedger(ks, 15*time.Minute, bundle.Users)
	tl := typing.NewLedger(ks, 5*time.Second)
	rc := rooms.NewCache(ks)
	mgr := session.NewManager(pl, tl, bundle.Users, rc, session.ManagerConfig{})
	b := bus.New(ks, mgr, tl)

	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	t.Cleanup(func() {
		cancel()
		mgr.Stop()
	})

	g := New(mgr, pl, tl, rc, ratelimit.New(ks), bundle, b, cfg)
	return &fixture{g: g, db: db, ks: ks, mgr: mgr, ctx: ctx}
}

func (f *fixture) connect(t *testing.T, user *models.User) *session.Session {
	t.Helper()
	s := session.NewSession(f.mgr, nil, user.ID, user.Username, "dev-1")
	_, err := f.mgr.Register(s)
	require.NoError(t, err)
	return s
}

func (f *fixture) send(t *testing.T, s *session.Session, frameType string, ack uint64, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(wire.Frame{Type: frameType, Ack: ack, Payload: raw})
	require.NoError(t, err)
	f.g.dispatch(f.ctx, s, frame)
}

// nextFrame pops the next queued outbound frame.
func nextFrame(t *testing.T, s *session.Session) wire.Frame {
	t.Helper()
	select {
	case raw := <-s.Send:
		var f wire.Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		return f
	default:
		t.Fatal("expected an outbound frame")
		return wire.Frame{}
	}
}

// waitFrame waits for a frame of the given type, draining others.
func waitFrame(t *testing.T, s *session.Session, frameType string) wire.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-s.Send:
			var f wire.Frame
			require.NoError(t, json.Unmarshal(raw, &f))
			if f.Type == frameType {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", frameType)
			return wire.Frame{}
		}
	}
}

func errorCode(t *testing.T, f wire.Frame) string {
	t.Helper()
	require.Equal(t, wire.FrameError, f.Type)
	var payload wire.ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &payload))
	return payload.Code
}

func TestMalformedFrameGetsErrorFrame(t *testing.T) {
	f := newFixture(t)
	user := testutil.SeedUser(t, f.db)
	s := f.connect(t, user)

	f.g.dispatch(f.ctx, s, []byte("{not json"))

	frame := nextFrame(t, s)
	assert.Equal(t, wire.CodeBadFrame, errorCode(t, frame))
}

func TestUnknownFrameTypeEchoesAck(t *testing.T) {
	f := newFixture(t)
	user := testutil.SeedUser(t, f.db)
	s := f.connect(t, user)

	f.send(t, s, "no:such:frame", 42, struct{}{})

	frame := nextFrame(t, s)
	assert.Equal(t, wire.CodeBadFrame, errorCode(t, frame))
	assert.Equal(t, uint64(42), frame.Ack)
}

func TestRoomJoinHappyPath(t *testing.T) {
	f := newFixture(t)
	user := testutil.SeedUser(t, f.db)
	room := testutil.SeedRoom(t, f.db, 0)
	s := f.connect(t, user)

	f.send(t, s, wire.FrameRoomJoin, 7, wire.RoomJoinRequest{RoomID: room.ID})

	frame := waitFrame(t, s, wire.FrameRoomJoin)
	assert.Equal(t, uint64(7), frame.Ack)
	var ack wire.RoomJoinAck
	require.NoError(t, json.Unmarshal(frame.Payload, &ack))
	assert.Equal(t, room.ID, ack.RoomID)
	assert.Equal(t, room.Name, ack.RoomName)
	assert.Equal(t, 1, ack.MemberCount)

	assert.True(t, s.InRoom(room.ID))
	members, err := f.ks.SMembers(f.ctx, keyspace.RoomUsersKey(room.ID))
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestRoomJoinUnknownRoom(t *testing.T) {
	f := newFixture(t)
	user := testutil.SeedUser(t, f.db)
	s := f.connect(t, user)

	f.send(t, s, wire.FrameRoomJoin, 0, wire.RoomJoinRequest{RoomID: 999})

	frame := waitFrame(t, s, wire.FrameError)
	assert.Equal(t, wire.CodeJoinFailed, errorCode(t, frame))
	assert.False(t, s.InRoom(999))
}

func TestRoomLeave(t *testing.T) {
	f := newFixture(t)
	user := testutil.SeedUser(t, f.db)
	room := testutil.SeedRoom(t, f.db, 0)
	s := f.connect(t, user)

	f.send(t, s, wire.FrameRoomJoin, 0, wire.RoomJoinRequest{RoomID: room.ID})
	waitFrame(t, s, wire.FrameRoomJoin)

	f.send(t, s, wire.FrameRoomLeave, 0, wire.RoomLeaveRequest{RoomID: room.ID})
	frame := waitFrame(t, s, wire.FrameRoomLeave)
	var ack wire.RoomLeaveAck
	require.NoError(t, json.Unmarshal(frame.Payload, &ack))
	assert.True(t, ack.Success)
	assert.False(t, s.InRoom(room.ID))

	members, err := f.ks.SMembers(f.ctx, keyspace.RoomUsersKey(room.ID))
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestMessageSendPersistsAndAcks(t *testing.T) {
	f := newFixture(t)
	user := testutil.SeedUser(t, f.db)
	room := testutil.SeedRoom(t, f.db, 0)
	testutil.SeedMember(t, f.db, room.ID, user.ID)
	s := f.connect(t, user)

	f.send(t, s, wire.FrameMessageSend, 3, wire.MessageSendRequest{RoomID: room.ID, Content: "hello"})

	frame := waitFrame(t, s, wire.FrameMessageSend)
	assert.Equal(t, uint64(3), frame.Ack)
	var payload wire.MessagePayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, "hello", payload.Content)
	assert.Equal(t, user.ID, payload.SenderID)
	assert.NotZero(t, payload.CreatedAt)

	var count int64
	require.NoError(t, f.db.Model(&models.Message{}).Where("room_id = ?", room.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestMessageSendValidatesContent(t *testing.T) {
	f := newFixture(t)
	user := testutil.SeedUser(t, f.db)
	room := testutil.SeedRoom(t, f.db, 0)
	testutil.SeedMember(t, f.db, room.ID, user.ID)
	s := f.connect(t, user)

	f.send(t, s, wire.FrameMessageSend, 0, wire.MessageSendRequest{RoomID: room.ID, Content: ""})
	frame := waitFrame(t, s, wire.FrameError)
	assert.Equal(t, wire.CodeBadFrame, errorCode(t, frame))

	long := strings.Repeat("a", maxMessageLength+1)
	f.send(t, s, wire.FrameMessageSend, 0, wire.MessageSendRequest{RoomID: room.ID, Content: long})
	frame = waitFrame(t, s, wire.FrameError)
	assert.Equal(t, wire.CodeBadFrame, errorCode(t, frame))

	// The limit counts characters: 4000 two-byte runes are over 4000
	// bytes but still a valid message.
	wide := strings.Repeat("é", maxMessageLength)
	f.send(t, s, wire.FrameMessageSend, 0, wire.MessageSendRequest{RoomID: room.ID, Content: wide})
	frame = waitFrame(t, s, wire.FrameMessageSend)
	var payload wire.MessagePayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, wide, payload.Content)

	tooWide := strings.Repeat("é", maxMessageLength+1)
	f.send(t, s, wire.FrameMessageSend, 0, wire.MessageSendRequest{RoomID: room.ID, Content: tooWide})
	frame = waitFrame(t, s, wire.FrameError)
	assert.Equal(t, wire.CodeBadFrame, errorCode(t, frame))
}

func TestExpiredHandlerBudgetReportsTimeout(t *testing.T) {
	f := newFixtureWithConfig(t, Config{HandlerTimeout: time.Nanosecond})
	user := testutil.SeedUser(t, f.db)
	s := f.connect(t, user)

	f.send(t, s, wire.FrameHeartbeat, 4, struct{}{})

	frame := waitFrame(t, s, wire.FrameError)
	assert.Equal(t, wire.CodeTimeout, errorCode(t, frame))
	assert.Equal(t, uint64(4), frame.Ack)
}

func TestMessageSendRateLimited(t *testing.T) {
	f := newFixture(t)
	user := testutil.SeedUser(t, f.db)
	room := testutil.SeedRoom(t, f.db, 0)
	testutil.SeedMember(t, f.db, room.ID, user.ID)
	s := f.connect(t, user)

	for i := 0; i < 60; i++ {
		f.send(t, s, wire.FrameMessageSend, 0, wire.MessageSendRequest{RoomID: room.ID, Content: "spam"})
		waitFrame(t, s, wire.FrameMessageSend)
	}

	f.send(t, s, wire.FrameMessageSend, 0, wire.MessageSendRequest{RoomID: room.ID, Content: "one too many"})
	frame := waitFrame(t, s, wire.FrameError)
	var payload wire.ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, wire.CodeRateLimited, payload.Code)
	assert.GreaterOrEqual(t, payload.RetryAfter, 1)
}

func TestShadowBannedSenderIsAckedButNotBroadcast(t *testing.T) {
	f := newFixture(t)
	banned := testutil.SeedUser(t, f.db)
	require.NoError(t, f.db.Model(&models.User{}).Where("id = ?", banned.ID).
		Update("shadow_banned", true).Error)
	watcherUser := testutil.SeedUser(t, f.db)
	room := testutil.SeedRoom(t, f.db, 0)
	testutil.SeedMember(t, f.db, room.ID, banned.ID)
	testutil.SeedMember(t, f.db, room.ID, watcherUser.ID)

	sender := f.connect(t, banned)
	watcher := f.connect(t, watcherUser)
	watcher.JoinRoom(room.ID)

	f.send(t, sender, wire.FrameMessageSend, 0, wire.MessageSendRequest{RoomID: room.ID, Content: "whisper"})
	waitFrame(t, sender, wire.FrameMessageSend)

	assert.Never(t, func() bool {
		select {
		case raw := <-watcher.Send:
			var frame wire.Frame
			return json.Unmarshal(raw, &frame) == nil && frame.Type == wire.FrameMessageNew
		default:
			return false
		}
	}, 300*time.Millisecond, 20*time.Millisecond, "the room must never hear a shadow-banned sender")

	var count int64
	require.NoError(t, f.db.Model(&models.Message{}).Where("sender_id = ?", banned.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count, "the message is still persisted")
}

func TestTypingOutsideRoomIsSilentlyDropped(t *testing.T) {
	f := newFixture(t)
	user := testutil.SeedUser(t, f.db)
	s := f.connect(t, user)

	f.send(t, s, wire.FrameTypingStart, 0, wire.TypingStartStopRequest{RoomID: 3})

	select {
	case raw := <-s.Send:
		t.Fatalf("expected silence, got %s", raw)
	default:
	}
}

func TestTypingStartAcksRoster(t *testing.T) {
	f := newFixture(t)
	user := testutil.SeedUser(t, f.db)
	room := testutil.SeedRoom(t, f.db, 0)
	s := f.connect(t, user)
	s.JoinRoom(room.ID)

	f.send(t, s, wire.FrameTypingStart, 5, wire.TypingStartStopRequest{RoomID: room.ID})

	frame := waitFrame(t, s, wire.FrameTypingUpdate)
	var ack wire.TypingAck
	require.NoError(t, json.Unmarshal(frame.Payload, &ack))
	require.Len(t, ack.TypingUsers, 1)
	assert.Equal(t, user.ID, ack.TypingUsers[0].UserID)
}

func TestLegacyTypingFrame(t *testing.T) {
	f := newFixture(t)
	user := testutil.SeedUser(t, f.db)
	room := testutil.SeedRoom(t, f.db, 0)
	s := f.connect(t, user)
	s.JoinRoom(room.ID)

	f.send(t, s, wire.FrameTyping, 0, wire.TypingRequest{RoomID: room.ID, IsTyping: true})
	frame := waitFrame(t, s, wire.FrameTypingUpdate)
	var ack wire.TypingAck
	require.NoError(t, json.Unmarshal(frame.Payload, &ack))
	assert.Len(t, ack.TypingUsers, 1)

	f.send(t, s, wire.FrameTyping, 0, wire.TypingRequest{RoomID: room.ID, IsTyping: false})
	frame = waitFrame(t, s, wire.FrameTypingUpdate)
	require.NoError(t, json.Unmarshal(frame.Payload, &ack))
	assert.Empty(t, ack.TypingUsers)
}

func TestHeartbeatAck(t *testing.T) {
	f := newFixture(t)
	user := testutil.SeedUser(t, f.db)
	s := f.connect(t, user)

	before := s.LastHeartbeat()
	time.Sleep(5 * time.Millisecond)

	f.send(t, s, wire.FrameHeartbeat, 9, struct{}{})

	frame := waitFrame(t, s, wire.FrameHeartbeat)
	assert.Equal(t, uint64(9), frame.Ack)
	var ack wire.HeartbeatAck
	require.NoError(t, json.Unmarshal(frame.Payload, &ack))
	assert.NotZero(t, ack.Timestamp)
	assert.True(t, s.LastHeartbeat().After(before), "heartbeat must touch the session")
}

func TestPresenceStatusRejectsOffline(t *testing.T) {
	f := newFixture(t)
	user := testutil.SeedUser(t, f.db)
	s := f.connect(t, user)

	f.send(t, s, wire.FramePresenceStatus, 0, wire.PresenceStatusRequest{Status: "OFFLINE"})
	frame := waitFrame(t, s, wire.FrameError)
	assert.Equal(t, wire.CodeBadFrame, errorCode(t, frame))

	f.send(t, s, wire.FramePresenceStatus, 0, wire.PresenceStatusRequest{Status: "BUSY"})
	frame = waitFrame(t, s, wire.FramePresenceStatus)
	var ack wire.SuccessAck
	require.NoError(t, json.Unmarshal(frame.Payload, &ack))
	assert.True(t, ack.Success)
}

func TestPresenceRoomSnapshot(t *testing.T) {
	f := newFixture(t)
	user := testutil.SeedUser(t, f.db)
	room := testutil.SeedRoom(t, f.db, 0)
	s := f.connect(t, user)

	f.send(t, s, wire.FrameRoomJoin, 0, wire.RoomJoinRequest{RoomID: room.ID})
	waitFrame(t, s, wire.FrameRoomJoin)

	f.send(t, s, wire.FramePresenceRoom, 0, wire.PresenceRoomRequest{RoomID: room.ID})
	frame := waitFrame(t, s, wire.FramePresenceRoom)
	var ack wire.PresenceRoomAck
	require.NoError(t, json.Unmarshal(frame.Payload, &ack))
	require.Len(t, ack.Members, 1)
	assert.Equal(t, user.ID, ack.Members[0].UserID)
	assert.Equal(t, 1, ack.TotalOnline)
}

func TestMessageReadNotifiesSender(t *testing.T) {
	f := newFixture(t)
	author := testutil.SeedUser(t, f.db)
	reader := testutil.SeedUser(t, f.db)
	room := testutil.SeedRoom(t, f.db, 0)
	testutil.SeedMember(t, f.db, room.ID, author.ID)
	testutil.SeedMember(t, f.db, room.ID, reader.ID)
	msg := testutil.SeedMessage(t, f.db, uuid.NewString(), room.ID, author.ID, "hi")

	authorSess := f.connect(t, author)
	readerSess := f.connect(t, reader)

	f.send(t, readerSess, wire.FrameMessageRead, 0, wire.MessageReadRequest{RoomID: room.ID, MessageID: msg.ID})

	ackFrame := waitFrame(t, readerSess, wire.FrameMessageRead)
	var ack wire.SuccessAck
	require.NoError(t, json.Unmarshal(ackFrame.Payload, &ack))
	assert.True(t, ack.Success)

	notice := waitFrame(t, authorSess, wire.FrameMessageRead)
	var broadcast wire.MessageReadBroadcast
	require.NoError(t, json.Unmarshal(notice.Payload, &broadcast))
	assert.Equal(t, msg.ID, broadcast.MessageID)
	assert.Equal(t, reader.ID, broadcast.UserID)
}

func TestMessageReadOptedOutIsSilentSuccess(t *testing.T) {
	f := newFixture(t)
	author := testutil.SeedUser(t, f.db)
	reader := testutil.SeedUser(t, f.db)
	disabled := false
	require.NoError(t, f.db.Model(&models.User{}).Where("id = ?", reader.ID).
		Update("read_receipts_enabled", &disabled).Error)
	room := testutil.SeedRoom(t, f.db, 0)
	msg := testutil.SeedMessage(t, f.db, uuid.NewString(), room.ID, author.ID, "hi")

	readerSess := f.connect(t, reader)
	f.send(t, readerSess, wire.FrameMessageRead, 0, wire.MessageReadRequest{RoomID: room.ID, MessageID: msg.ID})

	frame := waitFrame(t, readerSess, wire.FrameMessageRead)
	var ack wire.SuccessAck
	require.NoError(t, json.Unmarshal(frame.Payload, &ack))
	assert.True(t, ack.Success)

	var count int64
	require.NoError(t, f.db.Model(&models.MessageRead{}).Where("user_id = ?", reader.ID).Count(&count).Error)
	assert.Zero(t, count, "opted-out readers leave no receipt rows")
}

func TestReadReceiptsGet(t *testing.T) {
	f := newFixture(t)
	author := testutil.SeedUser(t, f.db)
	reader := testutil.SeedUser(t, f.db)
	room := testutil.SeedRoom(t, f.db, 0)
	msg := testutil.SeedMessage(t, f.db, uuid.NewString(), room.ID, author.ID, "hi")
	require.NoError(t, f.db.Create(&models.MessageRead{
		MessageID: msg.ID, UserID: reader.ID, RoomID: room.ID,
	}).Error)

	s := f.connect(t, author)
	f.send(t, s, wire.FrameReadReceiptsGet, 0, wire.ReadReceiptsRequest{RoomID: room.ID, MessageID: msg.ID})

	frame := waitFrame(t, s, wire.FrameReadReceiptsGet)
	var ack wire.ReadReceiptsAck
	require.NoError(t, json.Unmarshal(frame.Payload, &ack))
	require.Len(t, ack.Readers, 1)
	assert.Equal(t, reader.ID, ack.Readers[0].UserID)
}

func TestAuthRefreshOverSocket(t *testing.T) {
	f := newFixture(t)
	user := testutil.SeedUser(t, f.db)
	s := f.connect(t, user)

	tokens := connectors.NewTokenConnector(f.db, connectors.Options{JWTSecret: "test-secret"})
	refresh, err := tokens.IssueRefreshToken(f.ctx, user.ID, "dev-1")
	require.NoError(t, err)

	f.send(t, s, wire.FrameAuthRefresh, 11, wire.AuthRefreshRequest{RefreshToken: refresh})

	// The dedicated auth:refreshed frame lands first, then the ack.
	refreshed := waitFrame(t, s, wire.FrameAuthRefreshed)
	var pushed wire.AuthRefreshAck
	require.NoError(t, json.Unmarshal(refreshed.Payload, &pushed))
	assert.NotEmpty(t, pushed.AccessToken)

	ackFrame := waitFrame(t, s, wire.FrameAuthRefresh)
	assert.Equal(t, uint64(11), ackFrame.Ack)
	var ack wire.AuthRefreshAck
	require.NoError(t, json.Unmarshal(ackFrame.Payload, &ack))
	assert.Equal(t, pushed.RefreshToken, ack.RefreshToken)

	claims, err := f.g.bundle.Tokens.VerifyAccessToken(ack.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
}

func TestAuthRefreshRejectsForgedToken(t *testing.T) {
	f := newFixture(t)
	user := testutil.SeedUser(t, f.db)
	s := f.connect(t, user)

	f.send(t, s, wire.FrameAuthRefresh, 0, wire.AuthRefreshRequest{RefreshToken: "forged"})

	frame := waitFrame(t, s, wire.FrameError)
	assert.Equal(t, wire.CodeTokenRefreshFailed, errorCode(t, frame))
}
