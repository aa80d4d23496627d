package presence

import (
	"context"
	"log"
	"strconv"
	"time"

	"beacon/internal/keyspace"
	"beacon/internal/observability"
)

// StartSweep launches the background reaper that evicts stale presence
// index entries. It stops when ctx is cancelled.
func (l *Ledger) StartSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.SweepOnce(ctx)
			}
		}
	}()
}

// SweepOnce removes every user from the online index whose last heartbeat
// is older than the offline threshold, cleans their room presence entries,
// and mirrors the OFFLINE transition into the user store. One bad user does
// not abort the sweep.
func (l *Ledger) SweepOnce(ctx context.Context) {
	now := time.Now()
	cutoff := strconv.FormatInt(now.Add(-offlineAfter).UnixMilli(), 10)

	stale, err := l.ks.ZRangeByScore(ctx, keyspace.OnlineSetKey, "-inf", cutoff, 0, 0)
	if err != nil {
		log.Printf("presence sweep: list stale users: %v", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	if _, err := l.ks.ZRemRangeByScore(ctx, keyspace.OnlineSetKey, "-inf", cutoff); err != nil {
		log.Printf("presence sweep: trim online index: %v", err)
	}

	for _, raw := range stale {
		userID, perr := parseUint(raw)
		if perr != nil {
			continue
		}
		l.sweepUser(ctx, userID, now)
		observability.SweepRemovals.WithLabelValues("online").Inc()
	}
	log.Printf("presence sweep: marked %d stale users offline", len(stale))
}

func (l *Ledger) sweepUser(ctx context.Context, userID uint, now time.Time) {
	rec := Record{UserID: userID, Status: StatusOffline, LastSeenAt: now.UnixMilli()}
	if err := l.ks.SetJSON(ctx, keyspace.PresenceKey(userID), rec, l.presenceTTL); err != nil {
		log.Printf("presence sweep: mark user %d offline: %v", userID, err)
	}

	rooms, err := l.ks.SMembers(ctx, keyspace.UserRoomsKey(userID))
	if err != nil {
		log.Printf("presence sweep: list rooms for user %d: %v", userID, err)
	}
	for _, raw := range rooms {
		roomID, perr := parseUint(raw)
		if perr != nil {
			continue
		}
		if err := l.ks.ZRem(ctx, keyspace.RoomPresenceSetKey(roomID), uidMember(userID)); err != nil {
			log.Printf("presence sweep: trim room %d index: %v", roomID, err)
		}
		if _, err := l.ks.Del(ctx, keyspace.RoomPresenceEntryKey(roomID, userID)); err != nil {
			log.Printf("presence sweep: drop room %d entry for user %d: %v", roomID, userID, err)
		}
		observability.SweepRemovals.WithLabelValues("room").Inc()
	}

	if l.users != nil {
		if err := l.users.SetUserStatus(ctx, userID, string(StatusOffline)); err != nil {
			log.Printf("presence sweep: persist offline for user %d: %v", userID, err)
		}
	}
	l.publishStatus(ctx, userID, StatusOffline, now.UnixMilli())
}
