package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon/internal/keyspace"
	"beacon/internal/presence"
	"beacon/internal/rooms"
	"beacon/internal/session"
	"beacon/internal/testutil"
	"beacon/internal/typing"
	"beacon/internal/wire"
)

type fixture struct {
	ks     *keyspace.Client
	pl     *presence.Ledger
	tl     *typing.Ledger
	rc     *rooms.Cache
	mgr    *session.Manager
	bus    *Bus
	ctx    context.Context
	cancel context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ks, _ := testutil.NewTestKeyspace(t)
	pl := presence.NewLedger(ks, 15*time.Minute, nil)
	tl := typing.NewLedger(ks, 5*time.Second)
	rc := rooms.NewCache(ks)
	mgr := session.NewManager(pl, tl, nil, rc, session.ManagerConfig{})
	b := New(ks, mgr, tl)

	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	t.Cleanup(func() {
		cancel()
		mgr.Stop()
	})
	return &fixture{ks: ks, pl: pl, tl: tl, rc: rc, mgr: mgr, bus: b, ctx: ctx, cancel: cancel}
}

func (f *fixture) addSession(t *testing.T, userID uint, username string, roomIDs ...uint) *session.Session {
	t.Helper()
	s := session.NewSession(f.mgr, nil, userID, username, "")
	_, err := f.mgr.Register(s)
	require.NoError(t, err)
	for _, roomID := range roomIDs {
		s.JoinRoom(roomID)
	}
	return s
}

// receivedFrame drains s.Send looking for a frame of the given type.
func receivedFrame(s *session.Session, frameType string) (wire.Frame, bool) {
	for {
		select {
		case raw := <-s.Send:
			var f wire.Frame
			if err := json.Unmarshal(raw, &f); err == nil && f.Type == frameType {
				return f, true
			}
		default:
			return wire.Frame{}, false
		}
	}
}

func TestRoomEventReachesRoomSessions(t *testing.T) {
	f := newFixture(t)
	inRoom := f.addSession(t, 1, "a", 3)
	outside := f.addSession(t, 2, "b")

	payload := wire.MessagePayload{ID: "m1", RoomID: 3, SenderID: 9, Content: "hi"}
	assert.Eventually(t, func() bool {
		require.NoError(t, f.rc.PublishFrame(f.ctx, 3, wire.FrameMessageNew, payload))
		frame, ok := receivedFrame(inRoom, wire.FrameMessageNew)
		if !ok {
			return false
		}
		var decoded wire.MessagePayload
		require.NoError(t, json.Unmarshal(frame.Payload, &decoded))
		assert.Equal(t, "hi", decoded.Content)
		return true
	}, 2*time.Second, 50*time.Millisecond)

	_, ok := receivedFrame(outside, wire.FrameMessageNew)
	assert.False(t, ok, "session outside the room must not receive the event")
}

func TestTypingEventCarriesFullRosterAndExcludesTypist(t *testing.T) {
	f := newFixture(t)
	typist := f.addSession(t, 7, "ada", 3)
	watcher := f.addSession(t, 8, "grace", 3)

	assert.Eventually(t, func() bool {
		require.NoError(t, f.tl.Start(f.ctx, 7, 3, "ada"))
		frame, ok := receivedFrame(watcher, wire.FrameTypingUpdate)
		if !ok {
			return false
		}
		var ack wire.TypingAck
		require.NoError(t, json.Unmarshal(frame.Payload, &ack))
		require.Len(t, ack.TypingUsers, 1)
		assert.Equal(t, uint(7), ack.TypingUsers[0].UserID)
		assert.Equal(t, "ada", ack.TypingUsers[0].Username)
		return true
	}, 2*time.Second, 50*time.Millisecond)

	_, ok := receivedFrame(typist, wire.FrameTypingUpdate)
	assert.False(t, ok, "the typist must not see their own typing event")
}

func TestUserStatusEventIsBroadcast(t *testing.T) {
	f := newFixture(t)
	s := f.addSession(t, 1, "a")

	assert.Eventually(t, func() bool {
		require.NoError(t, f.pl.SetOnline(f.ctx, 7, presence.StatusAway, ""))
		frame, ok := receivedFrame(s, wire.FramePresenceUpdate)
		if !ok {
			return false
		}
		var payload wire.PresenceUpdatePayload
		require.NoError(t, json.Unmarshal(frame.Payload, &payload))
		assert.Equal(t, uint(7), payload.UserID)
		assert.Equal(t, string(presence.StatusAway), payload.Status)
		return true
	}, 2*time.Second, 50*time.Millisecond)
}

func TestRoomPresenceEventTargetsRoom(t *testing.T) {
	f := newFixture(t)
	inRoom := f.addSession(t, 1, "a", 3)
	outside := f.addSession(t, 2, "b")

	assert.Eventually(t, func() bool {
		require.NoError(t, f.pl.SetRoomStatus(f.ctx, 7, 3, presence.StatusOnline))
		frame, ok := receivedFrame(inRoom, wire.FramePresenceUpdate)
		if !ok {
			return false
		}
		var payload wire.PresenceUpdatePayload
		require.NoError(t, json.Unmarshal(frame.Payload, &payload))
		assert.Equal(t, uint(3), payload.RoomID)
		assert.Equal(t, uint(7), payload.UserID)
		return true
	}, 2*time.Second, 50*time.Millisecond)

	frame, ok := receivedFrame(outside, wire.FramePresenceUpdate)
	if ok {
		// The outside session may still see global user-status broadcasts,
		// but never a room-scoped one.
		var payload wire.PresenceUpdatePayload
		require.NoError(t, json.Unmarshal(frame.Payload, &payload))
		assert.Zero(t, payload.RoomID)
	}
}

func TestReceiptReachesOnlyTheSender(t *testing.T) {
	f := newFixture(t)
	sender := f.addSession(t, 7, "ada")
	bystander := f.addSession(t, 8, "grace")

	event := ReceiptEvent{
		SenderID: 7,
		Broadcast: wire.MessageReadBroadcast{
			RoomID:    3,
			MessageID: "m1",
			UserID:    8,
			Username:  "grace",
			ReadAt:    time.Now().UnixMilli(),
		},
	}
	assert.Eventually(t, func() bool {
		require.NoError(t, f.bus.PublishReceipt(f.ctx, event))
		frame, ok := receivedFrame(sender, wire.FrameMessageRead)
		if !ok {
			return false
		}
		var decoded wire.MessageReadBroadcast
		require.NoError(t, json.Unmarshal(frame.Payload, &decoded))
		assert.Equal(t, "m1", decoded.MessageID)
		assert.Equal(t, uint(8), decoded.UserID)
		return true
	}, 2*time.Second, 50*time.Millisecond)

	_, ok := receivedFrame(bystander, wire.FrameMessageRead)
	assert.False(t, ok, "receipts are private to the message sender")
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	f := newFixture(t)
	s := f.addSession(t, 1, "a", 3)

	// A garbage payload must not take the dispatcher down.
	for i := 0; i < 5; i++ {
		require.NoError(t, f.ks.Publish(f.ctx, keyspace.ChannelRoomEvent, "{not json"))
	}

	payload := wire.MessagePayload{ID: "m1", RoomID: 3, SenderID: 9, Content: "still alive"}
	assert.Eventually(t, func() bool {
		require.NoError(t, f.rc.PublishFrame(f.ctx, 3, wire.FrameMessageNew, payload))
		_, ok := receivedFrame(s, wire.FrameMessageNew)
		return ok
	}, 2*time.Second, 50*time.Millisecond)
}
