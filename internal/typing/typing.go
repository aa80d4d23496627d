// Package typing tracks who is composing in which room. Entries are
// TTL-bound so an instance crash can never leave a user typing forever.
package typing

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"beacon/internal/keyspace"
	"beacon/internal/wire"
)

// Entry is the per-(room, user) typing detail row.
type Entry struct {
	Username  string `json:"username"`
	StartedAt int64  `json:"startedAt"` // unix ms
}

// Event is published on the typing-update channel.
type Event struct {
	RoomID    uint   `json:"roomId"`
	UserID    uint   `json:"userId"`
	Username  string `json:"username"`
	IsTyping  bool   `json:"isTyping"`
	Timestamp int64  `json:"timestamp"`
}

// Ledger owns the typing keyspace. Each accepted start also arms a local
// expiry timer: the keyspace drops a lapsed entry on its own but publishes
// nothing, so the stop broadcast has to come from the instance that
// accepted the start.
type Ledger struct {
	ks  *keyspace.Client
	ttl time.Duration

	mu     sync.Mutex
	timers map[timerKey]*time.Timer
}

type timerKey struct {
	roomID uint
	userID uint
}

// NewLedger returns a Ledger with the given entry TTL.
func NewLedger(ks *keyspace.Client, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Ledger{ks: ks, ttl: ttl, timers: make(map[timerKey]*time.Timer)}
}

// Start marks userID as typing in roomID. Repeated starts refresh the
// entry TTL, so a client holding a key down just keeps calling Start. The
// room set's TTL rides slightly behind the entries so an abandoned set
// eventually disappears on its own.
func (l *Ledger) Start(ctx context.Context, userID, roomID uint, username string) error {
	now := time.Now().UnixMilli()

	entry := Entry{Username: username, StartedAt: now}
	if err := l.ks.SetJSON(ctx, keyspace.TypingEntryKey(roomID, userID), entry, l.ttl); err != nil {
		return err
	}
	setKey := keyspace.TypingSetKey(roomID)
	if err := l.ks.SAdd(ctx, setKey, uidMember(userID)); err != nil {
		return err
	}
	if err := l.ks.Expire(ctx, setKey, l.ttl*2); err != nil {
		log.Printf("typing: refresh set ttl for room %d: %v", roomID, err)
	}

	l.publish(ctx, Event{RoomID: roomID, UserID: userID, Username: username, IsTyping: true, Timestamp: now})
	l.armExpiry(userID, roomID, username)
	return nil
}

// Stop clears userID's typing state in roomID. Stopping when not typing is
// a no-op on the wire: no event goes out.
func (l *Ledger) Stop(ctx context.Context, userID, roomID uint, username string) error {
	l.cancelExpiry(userID, roomID)
	existed, err := l.ks.Del(ctx, keyspace.TypingEntryKey(roomID, userID))
	if err != nil {
		return err
	}
	if err := l.ks.SRem(ctx, keyspace.TypingSetKey(roomID), uidMember(userID)); err != nil {
		return err
	}
	if existed > 0 {
		l.publish(ctx, Event{RoomID: roomID, UserID: userID, Username: username, IsTyping: false, Timestamp: time.Now().UnixMilli()})
	}
	return nil
}

// TypingUsers returns everyone currently typing in roomID. Set members
// whose detail entry has expired are stale; they are dropped from the
// result and pruned from the set off the request path.
func (l *Ledger) TypingUsers(ctx context.Context, roomID uint) ([]wire.TypingUser, error) {
	members, err := l.ks.SMembers(ctx, keyspace.TypingSetKey(roomID))
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []wire.TypingUser{}, nil
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
			cmds = append(cmds, pipe.Get(ctx, keyspace.TypingEntryKey(roomID, uid)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]wire.TypingUser, 0, len(userIDs))
	var stale []string
	for i, uid := range userIDs {
		raw, gerr := cmds[i].Result()
		if gerr != nil {
			stale = append(stale, uidMember(uid))
			continue
		}
		var entry Entry
		if uerr := json.Unmarshal([]byte(raw), &entry); uerr != nil {
			stale = append(stale, uidMember(uid))
			continue
		}
		out = append(out, wire.TypingUser{UserID: uid, Username: entry.Username})
	}

	if len(stale) > 0 {
		go func(members []string) {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.ks.SRem(cctx, keyspace.TypingSetKey(roomID), members...); err != nil {
				log.Printf("typing: prune %d stale members in room %d: %v", len(members), roomID, err)
			}
		}(stale)
	}
	return out, nil
}

// RemoveFromAllRooms clears userID's typing state everywhere, using the
// user->rooms index. Called when a session closes for good.
func (l *Ledger) RemoveFromAllRooms(ctx context.Context, userID uint, username string) {
	rooms, err := l.ks.SMembers(ctx, keyspace.UserRoomsKey(userID))
	if err != nil {
		log.Printf("typing: list rooms for user %d: %v", userID, err)
		return
	}
	for _, raw := range rooms {
		roomID, perr := parseUint(raw)
		if perr != nil {
			continue
		}
		if err := l.Stop(ctx, userID, roomID, username); err != nil {
			log.Printf("typing: stop user %d in room %d: %v", userID, roomID, err)
		}
	}
}

// armExpiry schedules the lapse broadcast for (room, user). A repeated
// start pushes the timer out, a stop cancels it, so it only fires for an
// entry that aged out without a stop frame.
func (l *Ledger) armExpiry(userID, roomID uint, username string) {
	key := timerKey{roomID: roomID, userID: userID}
	l.mu.Lock()
	if t, ok := l.timers[key]; ok {
		t.Stop()
	}
	l.timers[key] = time.AfterFunc(l.ttl, func() {
		l.expire(userID, roomID, username)
	})
	l.mu.Unlock()
}

func (l *Ledger) cancelExpiry(userID, roomID uint) {
	key := timerKey{roomID: roomID, userID: userID}
	l.mu.Lock()
	if t, ok := l.timers[key]; ok {
		t.Stop()
		delete(l.timers, key)
	}
	l.mu.Unlock()
}

// expire clears whatever is left of the lapsed entry and broadcasts the
// stop, so watchers see the roster shrink even when the client just went
// quiet.
func (l *Ledger) expire(userID, roomID uint, username string) {
	l.mu.Lock()
	delete(l.timers, timerKey{roomID: roomID, userID: userID})
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := l.ks.Del(ctx, keyspace.TypingEntryKey(roomID, userID)); err != nil {
		log.Printf("typing: drop lapsed entry for user %d in room %d: %v", userID, roomID, err)
	}
	if err := l.ks.SRem(ctx, keyspace.TypingSetKey(roomID), uidMember(userID)); err != nil {
		log.Printf("typing: prune lapsed member %d in room %d: %v", userID, roomID, err)
	}
	l.publish(ctx, Event{RoomID: roomID, UserID: userID, Username: username, IsTyping: false, Timestamp: time.Now().UnixMilli()})
}

func (l *Ledger) publish(ctx context.Context, event Event) {
	raw, err := json.Marshal(event)
	if err != nil {
		log.Printf("typing: encode event: %v", err)
		return
	}
	if err := l.ks.Publish(ctx, keyspace.ChannelTyping, string(raw)); err != nil {
		log.Printf("typing: publish for room %d: %v", event.RoomID, err)
	}
}

func uidMember(userID uint) string {
	return strconv.FormatUint(uint64(userID), 10)
}

func parseUint(raw string) (uint, error) {
	v, err := strconv.ParseUint(raw, 10, 32)
	return uint(v), err
}
