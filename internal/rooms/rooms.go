// Package rooms maintains the cross-instance room membership index and the
// room-event fan-out channel. Membership here mirrors the persisted
// room_members table; the keyspace copy exists so any instance can resolve
// "who is in this room" without a database round trip.
package rooms

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"beacon/internal/keyspace"
	"beacon/internal/wire"
)

// Event is the envelope published on the room-event channel. Every
// instance, including the publisher, delivers it to its local sessions in
// the room, which keeps single-instance and multi-instance delivery on the
// same code path.
type Event struct {
	RoomID    uint            `json:"roomId"`
	FrameType string          `json:"frameType"`
	Payload   json.RawMessage `json:"payload"`
}

// onlineWindow bounds how old a heartbeat may be before a room member no
// longer counts as online.
const onlineWindow = 15 * time.Minute

// Cache is the keyspace-backed membership index.
type Cache struct {
	ks *keyspace.Client
}

// NewCache returns a Cache.
func NewCache(ks *keyspace.Client) *Cache {
	return &Cache{ks: ks}
}

// AddUserToRoom records membership in both directions. The reverse index
// is what lets disconnect paths clean up without enumerating every room.
func (c *Cache) AddUserToRoom(ctx context.Context, userID, roomID uint) error {
	if err := c.ks.SAdd(ctx, keyspace.RoomUsersKey(roomID), uidMember(userID)); err != nil {
		return err
	}
	return c.ks.SAdd(ctx, keyspace.UserRoomsKey(userID), ridMember(roomID))
}

// RemoveUserFromRoom drops membership in both directions and clears the
// user's presence footprint in the room.
func (c *Cache) RemoveUserFromRoom(ctx context.Context, userID, roomID uint) error {
	if err := c.ks.SRem(ctx, keyspace.RoomUsersKey(roomID), uidMember(userID)); err != nil {
		return err
	}
	if err := c.ks.SRem(ctx, keyspace.UserRoomsKey(userID), ridMember(roomID)); err != nil {
		return err
	}
	if err := c.ks.ZRem(ctx, keyspace.RoomPresenceSetKey(roomID), uidMember(userID)); err != nil {
		log.Printf("rooms: trim room %d presence index: %v", roomID, err)
	}
	if _, err := c.ks.Del(ctx, keyspace.RoomPresenceEntryKey(roomID, userID)); err != nil {
		log.Printf("rooms: drop room %d presence entry for user %d: %v", roomID, userID, err)
	}
	return nil
}

// RoomUsers returns every member of roomID.
func (c *Cache) RoomUsers(ctx context.Context, roomID uint) ([]uint, error) {
	members, err := c.ks.SMembers(ctx, keyspace.RoomUsersKey(roomID))
	if err != nil {
		return nil, err
	}
	return parseUints(members), nil
}

// UserRooms returns every room userID belongs to.
func (c *Cache) UserRooms(ctx context.Context, userID uint) ([]uint, error) {
	members, err := c.ks.SMembers(ctx, keyspace.UserRoomsKey(userID))
	if err != nil {
		return nil, err
	}
	return parseUints(members), nil
}

// OnlineUsersInRoom intersects room membership with the global online
// index: a member counts as online when their heartbeat score is inside
// the online window.
func (c *Cache) OnlineUsersInRoom(ctx context.Context, roomID uint) ([]uint, error) {
	members, err := c.ks.SMembers(ctx, keyspace.RoomUsersKey(roomID))
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []uint{}, nil
	}

	userIDs := make([]uint, 0, len(members))
	cmds := make([]*redis.FloatCmd, 0, len(members))
	_, err = c.ks.Pipeline(ctx, func(pipe redis.Pipeliner) error {
		for _, raw := range members {
			uid, perr := parseUint(raw)
			if perr != nil {
				continue
			}
			userIDs = append(userIDs, uid)
			cmds = append(cmds, pipe.ZScore(ctx, keyspace.OnlineSetKey, raw))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	cutoff := float64(time.Now().Add(-onlineWindow).UnixMilli())
	online := make([]uint, 0, len(userIDs))
	for i, uid := range userIDs {
		score, serr := cmds[i].Result()
		if serr != nil || score < cutoff {
			continue
		}
		online = append(online, uid)
	}
	return online, nil
}

// PublishFrame fans a server frame out to every session in roomID across
// all instances via the room-event channel.
func (c *Cache) PublishFrame(ctx context.Context, roomID uint, frameType string, payload interface{}) error {
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return wire.WrapError(wire.KindTransient, "encode room event payload", err)
	}
	event := Event{RoomID: roomID, FrameType: frameType, Payload: rawPayload}
	raw, err := json.Marshal(event)
	if err != nil {
		return wire.WrapError(wire.KindTransient, "encode room event", err)
	}
	return c.ks.Publish(ctx, keyspace.ChannelRoomEvent, string(raw))
}

func uidMember(userID uint) string {
	return strconv.FormatUint(uint64(userID), 10)
}

func ridMember(roomID uint) string {
	return strconv.FormatUint(uint64(roomID), 10)
}

func parseUint(raw string) (uint, error) {
	v, err := strconv.ParseUint(raw, 10, 32)
	return uint(v), err
}

func parseUints(raw []string) []uint {
	out := make([]uint, 0, len(raw))
	for _, r := range raw {
		if v, err := parseUint(r); err == nil {
			out = append(out, v)
		}
	}
	return out
}
