package session

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"beacon/internal/connectors"
	"beacon/internal/observability"
	"beacon/internal/presence"
	"beacon/internal/rooms"
	"beacon/internal/typing"
	"beacon/internal/wire"
)

const opTimeout = 5 * time.Second

// Manager is the per-instance session registry. It enforces connection
// caps, fans frames out to local sessions, and runs the local half of the
// disconnect grace protocol: the distributed marker in the keyspace decides
// which instance gets to finalize a user offline.
type Manager struct {
	presence *presence.Ledger
	typing   *typing.Ledger
	rooms    *rooms.Cache
	users    connectors.UserStatusWriter

	maxPerUser int
	maxTotal   int
	grace      time.Duration

	mu          sync.RWMutex
	byUser      map[uint]map[*Session]struct{}
	total       int
	graceTimers map[uint]*time.Timer

	stopOnce sync.Once
	stopCh   chan struct{}
}

// ManagerConfig carries the registry limits and the grace window.
type ManagerConfig struct {
	MaxPerUser int
	MaxTotal   int
	Grace      time.Duration
}

// NewManager returns a Manager. users may be nil when no user store is
// attached; rc may be nil when no room membership cache is attached.
func NewManager(pl *presence.Ledger, tl *typing.Ledger, users connectors.UserStatusWriter, rc *rooms.Cache, cfg ManagerConfig) *Manager {
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = 12
	}
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = 10000
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	return &Manager{
		presence:    pl,
		typing:      tl,
		rooms:       rc,
		users:       users,
		maxPerUser:  cfg.MaxPerUser,
		maxTotal:    cfg.MaxTotal,
		grace:       cfg.Grace,
		byUser:      make(map[uint]map[*Session]struct{}),
		graceTimers: make(map[uint]*time.Timer),
		stopCh:      make(chan struct{}),
	}
}

// Register adds s to the registry. It reports whether this is the user's
// first session on this instance, which tells the caller whether to run the
// reconnect path. Cap violations reject the session before any state is
// touched.
func (m *Manager) Register(s *Session) (first bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.total >= m.maxTotal {
		return false, wire.NewError(wire.KindNotAvailable, "server is at connection capacity")
	}
	if len(m.byUser[s.UserID]) >= m.maxPerUser {
		return false, wire.NewError(wire.KindRateLimited, "too many connections for this user")
	}

	if t, ok := m.graceTimers[s.UserID]; ok {
		t.Stop()
		delete(m.graceTimers, s.UserID)
		observability.GraceTimersActive.Dec()
	}

	sessions, ok := m.byUser[s.UserID]
	if !ok {
		sessions = make(map[*Session]struct{})
		m.byUser[s.UserID] = sessions
	}
	first = len(sessions) == 0
	sessions[s] = struct{}{}
	m.total++
	observability.ActiveSockets.Inc()
	return first, nil
}

// Unregister removes s. When the user's last local session goes away the
// grace protocol starts: a local timer plus the shared keyspace marker, so
// a reconnect to any instance within the window cancels the offlining.
func (m *Manager) Unregister(s *Session) {
	m.mu.Lock()
	sessions, ok := m.byUser[s.UserID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, present := sessions[s]; !present {
		m.mu.Unlock()
		return
	}
	delete(sessions, s)
	m.total--
	observability.ActiveSockets.Dec()
	close(s.Send)

	last := len(sessions) == 0
	if last {
		delete(m.byUser, s.UserID)
		if t, prev := m.graceTimers[s.UserID]; prev {
			t.Stop()
			observability.GraceTimersActive.Dec()
		}
		userID := s.UserID
		username := s.Username
		m.graceTimers[userID] = time.AfterFunc(m.grace, func() {
			m.finalizeOffline(userID, username)
		})
		observability.GraceTimersActive.Inc()
	}
	m.mu.Unlock()

	if last {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := m.presence.StartDisconnectGrace(ctx, s.UserID, m.grace); err != nil {
			log.Printf("session: start grace marker for user %d: %v", s.UserID, err)
		}
	}
}

// CancelGrace stops the local timer and claims the shared marker. Called
// when the user reconnects to this instance.
func (m *Manager) CancelGrace(ctx context.Context, userID uint) {
	m.mu.Lock()
	if t, ok := m.graceTimers[userID]; ok {
		t.Stop()
		delete(m.graceTimers, userID)
		observability.GraceTimersActive.Dec()
	}
	m.mu.Unlock()

	if _, err := m.presence.CancelDisconnectGrace(ctx, userID); err != nil {
		log.Printf("session: cancel grace marker for user %d: %v", userID, err)
	}
}

// CancelGraceIfPending stops the local timer only, without touching the
// shared marker. The bus calls this when another instance reports the user
// back online; that instance already claimed the marker.
func (m *Manager) CancelGraceIfPending(userID uint) {
	m.mu.Lock()
	if t, ok := m.graceTimers[userID]; ok {
		t.Stop()
		delete(m.graceTimers, userID)
		observability.GraceTimersActive.Dec()
	}
	m.mu.Unlock()
}

// finalizeOffline runs when the local grace timer fires. The shared marker
// arbitrates across instances: whoever deletes it wins the right to mark
// the user offline. A reconnect elsewhere deletes it first, so we skip.
func (m *Manager) finalizeOffline(userID uint, username string) {
	m.mu.Lock()
	delete(m.graceTimers, userID)
	observability.GraceTimersActive.Dec()
	if len(m.byUser[userID]) > 0 {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	claimed, err := m.presence.CancelDisconnectGrace(ctx, userID)
	if err != nil {
		log.Printf("session: claim grace marker for user %d: %v", userID, err)
		return
	}
	if !claimed {
		// Another instance saw the user reconnect.
		return
	}

	if err := m.presence.SetOffline(ctx, userID); err != nil {
		log.Printf("session: set user %d offline: %v", userID, err)
	}
	m.typing.RemoveFromAllRooms(ctx, userID, username)
	m.leaveAllRooms(ctx, userID, username)
	if m.users != nil {
		if err := m.users.SetUserStatus(ctx, userID, string(presence.StatusOffline)); err != nil {
			log.Printf("session: persist offline for user %d: %v", userID, err)
		}
	}
	log.Printf("session: user %d finalized offline after grace", userID)
}

// leaveAllRooms treats a grace expiry as a leave in every joined room: the
// membership cache has no TTL, so nothing else would ever reclaim these
// entries, and each room gets its user:left event.
func (m *Manager) leaveAllRooms(ctx context.Context, userID uint, username string) {
	if m.rooms == nil {
		return
	}
	roomIDs, err := m.rooms.UserRooms(ctx, userID)
	if err != nil {
		log.Printf("session: list rooms for user %d: %v", userID, err)
		return
	}
	for _, roomID := range roomIDs {
		if err := m.rooms.PublishFrame(ctx, roomID, wire.FrameUserLeft, wire.RoomActionPayload{
			UserID:   userID,
			Username: username,
			RoomID:   roomID,
			Action:   "left",
		}); err != nil {
			log.Printf("session: publish leave for user %d in room %d: %v", userID, roomID, err)
		}
		if err := m.rooms.RemoveUserFromRoom(ctx, userID, roomID); err != nil {
			log.Printf("session: remove user %d from room %d: %v", userID, roomID, err)
		}
	}
}

// SendToUser queues raw bytes on every session of userID, returning how
// many sessions received it.
func (m *Manager) SendToUser(userID uint, message []byte) int {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.byUser[userID]))
	for s := range m.byUser[userID] {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.TrySend(message)
	}
	return len(sessions)
}

// SendToRoom queues raw bytes on every local session subscribed to roomID,
// skipping the excluded users.
func (m *Manager) SendToRoom(roomID uint, message []byte, exclude ...uint) int {
	skip := make(map[uint]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	m.mu.RLock()
	var sessions []*Session
	for userID, set := range m.byUser {
		if _, skipped := skip[userID]; skipped {
			continue
		}
		for s := range set {
			if s.InRoom(roomID) {
				sessions = append(sessions, s)
			}
		}
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.TrySend(message)
	}
	return len(sessions)
}

// Broadcast queues raw bytes on every local session.
func (m *Manager) Broadcast(message []byte) int {
	m.mu.RLock()
	var sessions []*Session
	for _, set := range m.byUser {
		for s := range set {
			sessions = append(sessions, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.TrySend(message)
	}
	return len(sessions)
}

// SendFrameToUser marshals f once and delivers it to userID's sessions.
func (m *Manager) SendFrameToUser(userID uint, f wire.Frame) int {
	raw, err := json.Marshal(f)
	if err != nil {
		log.Printf("session: encode %s frame: %v", f.Type, err)
		return 0
	}
	observability.FramesTotal.WithLabelValues("out", f.Type).Inc()
	return m.SendToUser(userID, raw)
}

// SendFrameToRoom marshals f once and delivers it to roomID's local
// sessions.
func (m *Manager) SendFrameToRoom(roomID uint, f wire.Frame, exclude ...uint) int {
	raw, err := json.Marshal(f)
	if err != nil {
		log.Printf("session: encode %s frame: %v", f.Type, err)
		return 0
	}
	observability.FramesTotal.WithLabelValues("out", f.Type).Inc()
	return m.SendToRoom(roomID, raw, exclude...)
}

// BroadcastFrame marshals f once and delivers it to every local session.
func (m *Manager) BroadcastFrame(f wire.Frame) int {
	raw, err := json.Marshal(f)
	if err != nil {
		log.Printf("session: encode %s frame: %v", f.Type, err)
		return 0
	}
	observability.FramesTotal.WithLabelValues("out", f.Type).Inc()
	return m.Broadcast(raw)
}

// HasLocalSessions reports whether userID has a session on this instance.
func (m *Manager) HasLocalSessions(userID uint) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID]) > 0
}

// SessionCount returns the total sessions on this instance.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}

// UserSessionCount returns how many sessions userID has here.
func (m *Manager) UserSessionCount(userID uint) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID])
}

// Stop cancels every pending grace timer. Used on shutdown.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		for userID, t := range m.graceTimers {
			t.Stop()
			delete(m.graceTimers, userID)
			observability.GraceTimersActive.Dec()
		}
		m.mu.Unlock()
	})
}
