package keyspace

import (
	"fmt"
	"strconv"
)

// Key schema shared by every instance. Changing any of these breaks
// interoperation with already-running instances.
//
// presence:{userId}                  JSON presence record
// presence:online                    ZSET userId -> lastSeenAt ms
// room:{roomId}:users                SET of connected userIds
// user:{userId}:rooms                SET of roomIds the user is connected to
// room_presence:{roomId}             ZSET userId -> lastSeenAt ms
// room_presence:{roomId}:{userId}    JSON per-room presence entry
// typing:{roomId}                    SET of typing userIds
// typing:{roomId}:{userId}           JSON typing record
// disconnect_grace:{userId}          STRING with TTL, pending-offline marker
// rate_limit:{scope}:{key}           ZSET of sampled event timestamps

// OnlineSetKey indexes all non-offline users by lastSeenAt.
const OnlineSetKey = "presence:online"

// PresenceKey holds a user's global presence record.
func PresenceKey(userID uint) string {
	return "presence:" + strconv.FormatUint(uint64(userID), 10)
}

// RoomUsersKey holds the connected users of a room.
func RoomUsersKey(roomID uint) string {
	return fmt.Sprintf("room:%d:users", roomID)
}

// UserRoomsKey holds the rooms a user is connected to.
func UserRoomsKey(userID uint) string {
	return fmt.Sprintf("user:%d:rooms", userID)
}

// RoomPresenceSetKey indexes a room's present users by lastSeenAt.
func RoomPresenceSetKey(roomID uint) string {
	return fmt.Sprintf("room_presence:%d", roomID)
}

// RoomPresenceEntryKey holds one user's presence detail within a room.
func RoomPresenceEntryKey(roomID, userID uint) string {
	return fmt.Sprintf("room_presence:%d:%d", roomID, userID)
}

// TypingSetKey enumerates the typing users of a room.
func TypingSetKey(roomID uint) string {
	return fmt.Sprintf("typing:%d", roomID)
}

// TypingEntryKey holds one user's typing record within a room.
func TypingEntryKey(roomID, userID uint) string {
	return fmt.Sprintf("typing:%d:%d", roomID, userID)
}

// DisconnectGraceKey marks a user as pending offlining.
func DisconnectGraceKey(userID uint) string {
	return "disconnect_grace:" + strconv.FormatUint(uint64(userID), 10)
}

// RateLimitKey holds the sliding window for one (scope, key) pair.
func RateLimitKey(scope, key string) string {
	return fmt.Sprintf("rate_limit:%s:%s", scope, key)
}

// Pub/sub channels fanned out by the cross-instance bus.
const (
	ChannelUserStatus  = "user-status"
	ChannelPresence    = "presence-update"
	ChannelTyping      = "typing-update"
	ChannelReadReceipt = "read-receipt-update"
	ChannelRoomEvent   = "room-event"
)
