// Package presence owns the distributed presence state machine: the global
// per-user record, per-room presence sorted sets, idle/away derivation, and
// the disconnect grace marker shared across instances.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"beacon/internal/connectors"
	"beacon/internal/keyspace"
	"beacon/internal/wire"
)

// Status is a user's presence state.
type Status string

// Presence statuses. AWAY and BUSY are explicit user intent; IDLE and
// OFFLINE are derived from lastSeenAt on read.
const (
	StatusOnline  Status = "ONLINE"
	StatusIdle    Status = "IDLE"
	StatusAway    Status = "AWAY"
	StatusBusy    Status = "BUSY"
	StatusOffline Status = "OFFLINE"
)

// Valid reports whether s is a settable status.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusIdle, StatusAway, StatusBusy:
		return true
	}
	return false
}

const (
	idleAfter    = 5 * time.Minute
	offlineAfter = 15 * time.Minute

	// maxRoomPresenceLimit caps presence:room reads.
	maxRoomPresenceLimit = 500
)

// Derive computes the effective status from the stored intent and the age
// of the last heartbeat. Explicit AWAY/BUSY stick until changed.
func Derive(stored Status, lastSeenAt, now time.Time) Status {
	switch stored {
	case StatusAway, StatusBusy:
		return stored
	case StatusOffline:
		return StatusOffline
	}
	elapsed := now.Sub(lastSeenAt)
	if elapsed >= offlineAfter {
		return StatusOffline
	}
	if elapsed >= idleAfter {
		return StatusIdle
	}
	return StatusOnline
}

// Record is the global presence record stored under presence:{userId}.
type Record struct {
	UserID     uint   `json:"userId"`
	Status     Status `json:"status"`
	LastSeenAt int64  `json:"lastSeenAt"` // unix ms
	DeviceID   string `json:"deviceId,omitempty"`
}

// RoomEntry is the per-(room, user) detail row.
type RoomEntry struct {
	Status     Status `json:"status"`
	LastSeenAt int64  `json:"lastSeenAt"` // unix ms
}

// Member is one row of a room presence snapshot with its effective status.
type Member struct {
	UserID     uint
	Status     Status
	LastSeenAt int64
}

// StatusEvent is published on the user-status channel.
type StatusEvent struct {
	UserID    uint   `json:"userId"`
	Status    Status `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// RoomStatusEvent is published on the presence-update channel.
type RoomStatusEvent struct {
	RoomID    uint   `json:"roomId"`
	UserID    uint   `json:"userId"`
	Status    Status `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Ledger reads and writes presence state in the shared keyspace.
type Ledger struct {
	ks          *keyspace.Client
	presenceTTL time.Duration
	users       connectors.UserStatusWriter
}

// NewLedger returns a Ledger. users may be nil when no user store is
// attached (the sweep then only cleans the keyspace).
func NewLedger(ks *keyspace.Client, presenceTTL time.Duration, users connectors.UserStatusWriter) *Ledger {
	if presenceTTL <= 0 {
		presenceTTL = offlineAfter
	}
	return &Ledger{ks: ks, presenceTTL: presenceTTL, users: users}
}

// SetOnline writes the presence record, indexes the user in the online
// sorted set, and publishes the status change. The publish deliberately
// follows the keyspace write; consumers treat events as hints.
func (l *Ledger) SetOnline(ctx context.Context, userID uint, status Status, deviceID string) error {
	if !status.Valid() {
		status = StatusOnline
	}
	now := time.Now().UnixMilli()

	rec := Record{UserID: userID, Status: status, LastSeenAt: now, DeviceID: deviceID}
	if err := l.ks.SetJSON(ctx, keyspace.PresenceKey(userID), rec, l.presenceTTL); err != nil {
		return err
	}
	if err := l.ks.ZAdd(ctx, keyspace.OnlineSetKey, float64(now), uidMember(userID)); err != nil {
		return err
	}
	l.publishStatus(ctx, userID, status, now)
	return nil
}

// SetOffline flips the record to OFFLINE, removes the user from the online
// index and from every room presence set found via the user->rooms index,
// and publishes an OFFLINE event. Per-room failures do not stop cleanup.
func (l *Ledger) SetOffline(ctx context.Context, userID uint) error {
	now := time.Now().UnixMilli()

	rec := Record{UserID: userID, Status: StatusOffline, LastSeenAt: now}
	if err := l.ks.SetJSON(ctx, keyspace.PresenceKey(userID), rec, l.presenceTTL); err != nil {
		return err
	}
	if err := l.ks.ZRem(ctx, keyspace.OnlineSetKey, uidMember(userID)); err != nil {
		return err
	}

	rooms, err := l.ks.SMembers(ctx, keyspace.UserRoomsKey(userID))
	if err != nil {
		log.Printf("presence: list rooms for user %d: %v", userID, err)
	}
	for _, raw := range rooms {
		roomID, perr := parseUint(raw)
		if perr != nil {
			continue
		}
		if err := l.ks.ZRem(ctx, keyspace.RoomPresenceSetKey(roomID), uidMember(userID)); err != nil {
			log.Printf("presence: remove user %d from room %d set: %v", userID, roomID, err)
		}
		if _, err := l.ks.Del(ctx, keyspace.RoomPresenceEntryKey(roomID, userID)); err != nil {
			log.Printf("presence: delete room entry for user %d room %d: %v", userID, roomID, err)
		}
	}

	l.publishStatus(ctx, userID, StatusOffline, now)
	return nil
}

// Heartbeat refreshes lastSeenAt and re-indexes the user in the online
// sorted set. An OFFLINE record is promoted back to ONLINE; explicit
// AWAY/BUSY intent is preserved.
func (l *Ledger) Heartbeat(ctx context.Context, userID uint) error {
	now := time.Now().UnixMilli()

	var rec Record
	promoted := false
	err := l.ks.GetJSON(ctx, keyspace.PresenceKey(userID), &rec)
	switch {
	case errors.Is(err, keyspace.ErrMiss):
		rec = Record{UserID: userID, Status: StatusOnline}
		promoted = true
	case err != nil:
		return err
	case rec.Status == StatusOffline:
		rec.Status = StatusOnline
		promoted = true
	}
	rec.LastSeenAt = now

	if err := l.ks.SetJSON(ctx, keyspace.PresenceKey(userID), rec, l.presenceTTL); err != nil {
		return err
	}
	if err := l.ks.ZAdd(ctx, keyspace.OnlineSetKey, float64(now), uidMember(userID)); err != nil {
		return err
	}
	if promoted {
		l.publishStatus(ctx, userID, rec.Status, now)
	}
	return nil
}

// SetRoomStatus writes the per-(room, user) entry, indexes it in the room
// sorted set, and publishes on the presence-update channel.
func (l *Ledger) SetRoomStatus(ctx context.Context, userID, roomID uint, status Status) error {
	if !status.Valid() {
		status = StatusOnline
	}
	now := time.Now().UnixMilli()

	entry := RoomEntry{Status: status, LastSeenAt: now}
	if err := l.ks.SetJSON(ctx, keyspace.RoomPresenceEntryKey(roomID, userID), entry, l.presenceTTL); err != nil {
		return err
	}
	if err := l.ks.ZAdd(ctx, keyspace.RoomPresenceSetKey(roomID), float64(now), uidMember(userID)); err != nil {
		return err
	}

	event := RoomStatusEvent{RoomID: roomID, UserID: userID, Status: status, Timestamp: now}
	if err := l.publish(ctx, keyspace.ChannelPresence, event); err != nil {
		log.Printf("presence: publish room status for user %d room %d: %v", userID, roomID, err)
	}
	return nil
}

// RoomPresence returns the members of roomID seen within threshold, at
// most limit rows (clamped to 500). Detail rows are read in one pipeline;
// a missing row counts as ONLINE at now, and the effective status is
// re-derived from lastSeenAt.
func (l *Ledger) RoomPresence(ctx context.Context, roomID uint, threshold time.Duration, limit int) ([]Member, error) {
	if threshold <= 0 {
		threshold = offlineAfter
	}
	if limit <= 0 || limit > maxRoomPresenceLimit {
		limit = maxRoomPresenceLimit
	}
	now := time.Now()
	minScore := strconv.FormatInt(now.Add(-threshold).UnixMilli(), 10)

	members, err := l.ks.ZRangeByScore(ctx, keyspace.RoomPresenceSetKey(roomID), minScore, "+inf", 0, int64(limit))
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []Member{}, nil
	}

	userIDs := make([]uint, 0, len(members))
	cmds := make([]*redis.StringCmd, 0, len(members))
	_, err = l.ks.Pipeline(ctx, func(pipe redis.Pipeliner) error {
		for _, raw := range members {
			uid, perr := parseUint(raw)
			if perr != nil {
				continue
			}
			userIDs = append(userIDs, uid)
			cmds = append(cmds, pipe.Get(ctx, keyspace.RoomPresenceEntryKey(roomID, uid)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Member, 0, len(userIDs))
	for i, uid := range userIDs {
		entry := RoomEntry{Status: StatusOnline, LastSeenAt: now.UnixMilli()}
		if raw, gerr := cmds[i].Result(); gerr == nil {
			if uerr := json.Unmarshal([]byte(raw), &entry); uerr != nil {
				entry = RoomEntry{Status: StatusOnline, LastSeenAt: now.UnixMilli()}
			}
		}
		effective := Derive(entry.Status, time.UnixMilli(entry.LastSeenAt), now)
		out = append(out, Member{UserID: uid, Status: effective, LastSeenAt: entry.LastSeenAt})
	}
	return out, nil
}

// GlobalStatus returns the derived status for one user, OFFLINE when the
// record is missing.
func (l *Ledger) GlobalStatus(ctx context.Context, userID uint) (Status, error) {
	var rec Record
	err := l.ks.GetJSON(ctx, keyspace.PresenceKey(userID), &rec)
	if errors.Is(err, keyspace.ErrMiss) {
		return StatusOffline, nil
	}
	if err != nil {
		return StatusOffline, err
	}
	return Derive(rec.Status, time.UnixMilli(rec.LastSeenAt), time.Now()), nil
}

// StartDisconnectGrace marks userID as pending offlining. The marker's TTL
// is the grace window, never below one second.
func (l *Ledger) StartDisconnectGrace(ctx context.Context, userID uint, grace time.Duration) error {
	ttl := grace
	if rem := ttl % time.Second; rem != 0 {
		ttl += time.Second - rem
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return l.ks.Set(ctx, keyspace.DisconnectGraceKey(userID), "1", ttl)
}

// CancelDisconnectGrace deletes the marker, reporting whether it existed.
func (l *Ledger) CancelDisconnectGrace(ctx context.Context, userID uint) (bool, error) {
	n, err := l.ks.Del(ctx, keyspace.DisconnectGraceKey(userID))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GracePending reports whether the pending-offline marker is still set.
func (l *Ledger) GracePending(ctx context.Context, userID uint) (bool, error) {
	return l.ks.Exists(ctx, keyspace.DisconnectGraceKey(userID))
}

// HandleReconnection cancels any pending grace, sets the user ONLINE, and
// re-asserts presence in every room from the user->rooms index. A failure
// in one room does not prevent the others.
func (l *Ledger) HandleReconnection(ctx context.Context, userID uint, deviceID string) error {
	if _, err := l.CancelDisconnectGrace(ctx, userID); err != nil {
		log.Printf("presence: cancel grace for user %d: %v", userID, err)
	}
	if err := l.SetOnline(ctx, userID, StatusOnline, deviceID); err != nil {
		return err
	}

	rooms, err := l.ks.SMembers(ctx, keyspace.UserRoomsKey(userID))
	if err != nil {
		return err
	}
	for _, raw := range rooms {
		roomID, perr := parseUint(raw)
		if perr != nil {
			continue
		}
		if err := l.SetRoomStatus(ctx, userID, roomID, StatusOnline); err != nil {
			log.Printf("presence: re-assert room %d for user %d: %v", roomID, userID, err)
		}
	}
	return nil
}

func (l *Ledger) publishStatus(ctx context.Context, userID uint, status Status, ts int64) {
	event := StatusEvent{UserID: userID, Status: status, Timestamp: ts}
	if err := l.publish(ctx, keyspace.ChannelUserStatus, event); err != nil {
		log.Printf("presence: publish status for user %d: %v", userID, err)
	}
}

func (l *Ledger) publish(ctx context.Context, channel string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return wire.WrapError(wire.KindTransient, "encode presence event", err)
	}
	return l.ks.Publish(ctx, channel, string(raw))
}

func uidMember(userID uint) string {
	return strconv.FormatUint(uint64(userID), 10)
}

func parseUint(raw string) (uint, error) {
	v, err := strconv.ParseUint(raw, 10, 32)
	return uint(v), err
}
