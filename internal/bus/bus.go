// Package bus bridges the keyspace pub/sub channels to local sessions.
// Every instance runs one Bus; an event published anywhere in the fleet
// reaches every instance, and each instance delivers it to whichever of
// its own sessions care.
package bus

import (
	"context"
	"encoding/json"
	"log"
	"runtime/debug"

	"beacon/internal/keyspace"
	"beacon/internal/observability"
	"beacon/internal/presence"
	"beacon/internal/rooms"
	"beacon/internal/session"
	"beacon/internal/typing"
	"beacon/internal/wire"
)

// ReceiptEvent is published on the read-receipt channel. SenderID routes
// it to the original sender's sessions; the embedded broadcast is what
// they receive.
type ReceiptEvent struct {
	SenderID  uint                      `json:"senderId"`
	Broadcast wire.MessageReadBroadcast `json:"broadcast"`
}

// Bus is the per-instance subscriber over the coordination channels.
type Bus struct {
	ks     *keyspace.Client
	mgr    *session.Manager
	typing *typing.Ledger
}

// New returns a Bus.
func New(ks *keyspace.Client, mgr *session.Manager, tl *typing.Ledger) *Bus {
	return &Bus{ks: ks, mgr: mgr, typing: tl}
}

// Start subscribes to every coordination channel and dispatches until ctx
// is cancelled. The underlying pub/sub connection reconnects on its own; a
// panic in one handler never takes the dispatcher down.
func (b *Bus) Start(ctx context.Context) {
	sub := b.ks.Subscribe(ctx,
		keyspace.ChannelUserStatus,
		keyspace.ChannelPresence,
		keyspace.ChannelTyping,
		keyspace.ChannelReadReceipt,
		keyspace.ChannelRoomEvent,
	)
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							log.Printf("PANIC in bus dispatcher: %v\n%s", r, debug.Stack())
						}
					}()
					b.dispatch(ctx, msg.Channel, msg.Payload)
				}()
			}
		}
	}()
}

// PublishReceipt puts a read receipt on the wire for whichever instance
// holds the sender's sessions.
func (b *Bus) PublishReceipt(ctx context.Context, event ReceiptEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return wire.WrapError(wire.KindTransient, "encode receipt event", err)
	}
	return b.ks.Publish(ctx, keyspace.ChannelReadReceipt, string(raw))
}

func (b *Bus) dispatch(ctx context.Context, channel, payload string) {
	observability.BusEvents.WithLabelValues(channel).Inc()

	switch channel {
	case keyspace.ChannelUserStatus:
		var event presence.StatusEvent
		if !b.decode(channel, payload, &event) {
			return
		}
		if event.Status != presence.StatusOffline {
			// The user surfaced somewhere in the fleet; a pending local
			// grace timer must not mark them offline.
			b.mgr.CancelGraceIfPending(event.UserID)
		}
		b.mgr.BroadcastFrame(wire.MustFrame(wire.FramePresenceUpdate, wire.PresenceUpdatePayload{
			UserID:    event.UserID,
			Status:    string(event.Status),
			Timestamp: event.Timestamp,
		}))

	case keyspace.ChannelPresence:
		var event presence.RoomStatusEvent
		if !b.decode(channel, payload, &event) {
			return
		}
		b.mgr.SendFrameToRoom(event.RoomID, wire.MustFrame(wire.FramePresenceUpdate, wire.PresenceUpdatePayload{
			RoomID:    event.RoomID,
			UserID:    event.UserID,
			Status:    string(event.Status),
			Timestamp: event.Timestamp,
		}))

	case keyspace.ChannelTyping:
		var event typing.Event
		if !b.decode(channel, payload, &event) {
			return
		}
		// Re-read the full roster so every client renders the same list
		// regardless of event ordering.
		users, err := b.typing.TypingUsers(ctx, event.RoomID)
		if err != nil {
			log.Printf("bus: typing roster for room %d: %v", event.RoomID, err)
			observability.BusDropped.WithLabelValues(channel).Inc()
			return
		}
		b.mgr.SendFrameToRoom(event.RoomID, wire.MustFrame(wire.FrameTypingUpdate, wire.TypingAck{
			RoomID:      event.RoomID,
			TypingUsers: users,
		}), event.UserID)

	case keyspace.ChannelReadReceipt:
		var event ReceiptEvent
		if !b.decode(channel, payload, &event) {
			return
		}
		if !b.mgr.HasLocalSessions(event.SenderID) {
			return
		}
		b.mgr.SendFrameToUser(event.SenderID, wire.MustFrame(wire.FrameMessageRead, event.Broadcast))

	case keyspace.ChannelRoomEvent:
		var event rooms.Event
		if !b.decode(channel, payload, &event) {
			return
		}
		b.mgr.SendFrameToRoom(event.RoomID, wire.Frame{Type: event.FrameType, Payload: event.Payload})

	default:
		observability.BusDropped.WithLabelValues(channel).Inc()
	}
}

func (b *Bus) decode(channel, payload string, into interface{}) bool {
	if err := json.Unmarshal([]byte(payload), into); err != nil {
		log.Printf("bus: bad payload on %s: %v", channel, err)
		observability.BusDropped.WithLabelValues(channel).Inc()
		return false
	}
	return true
}
