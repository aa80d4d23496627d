// Package session manages the websocket sessions that live on this
// instance: per-connection read/write pumps, the per-user registry with
// connection caps, and the local half of the disconnect grace window.
package session

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"beacon/internal/observability"
	"beacon/internal/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 16384

	sendBuffer = 256
)

// Session is the middleman between one websocket connection and the
// manager. All outbound traffic goes through the buffered Send channel so
// a slow reader can never block a broadcast.
type Session struct {
	ID       string
	UserID   uint
	Username string
	DeviceID string

	Conn *websocket.Conn
	Send chan []byte

	// IncomingHandler receives each raw inbound message.
	IncomingHandler func(*Session, []byte)

	mgr *Manager

	mu            sync.RWMutex
	rooms         map[uint]struct{}
	lastHeartbeat time.Time
}

// NewSession wraps conn in a Session owned by mgr.
func NewSession(mgr *Manager, conn *websocket.Conn, userID uint, username, deviceID string) *Session {
	return &Session{
		ID:            uuid.NewString(),
		UserID:        userID,
		Username:      username,
		DeviceID:      deviceID,
		Conn:          conn,
		Send:          make(chan []byte, sendBuffer),
		mgr:           mgr,
		rooms:         make(map[uint]struct{}),
		lastHeartbeat: time.Now(),
	}
}

// TouchHeartbeat records an application-level heartbeat on this session.
func (s *Session) TouchHeartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

// LastHeartbeat returns when this session last heard a heartbeat frame, or
// when it was created if it never has.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeat
}

// JoinRoom subscribes this session to room fan-out.
func (s *Session) JoinRoom(roomID uint) {
	s.mu.Lock()
	s.rooms[roomID] = struct{}{}
	s.mu.Unlock()
}

// LeaveRoom unsubscribes this session from room fan-out.
func (s *Session) LeaveRoom(roomID uint) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

// InRoom reports whether this session is subscribed to roomID.
func (s *Session) InRoom(roomID uint) bool {
	s.mu.RLock()
	_, ok := s.rooms[roomID]
	s.mu.RUnlock()
	return ok
}

// Rooms returns the rooms this session is subscribed to.
func (s *Session) Rooms() []uint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	return out
}

// ReadPump pumps messages from the websocket connection into the
// IncomingHandler. It owns unregistration: when the read side dies for any
// reason the session is torn down.
func (s *Session) ReadPump() {
	defer func() {
		s.mgr.Unregister(s)
		_ = s.Conn.Close()
	}()

	s.Conn.SetReadLimit(maxMessageSize)
	_ = s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error { _ = s.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ReadPump Error (User %d): %v", s.UserID, err)
			}
			break
		}

		if s.IncomingHandler != nil {
			s.IncomingHandler(s, message)
		}
	}
}

// WritePump pumps messages from the Send channel to the websocket
// connection and keeps the connection alive with pings.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.Send:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The manager closed the channel.
				_ = s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := s.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// TrySend queues message without blocking. A full buffer drops the message
// and queues a gap notice so the client can re-fetch what it missed.
func (s *Session) TrySend(message []byte) {
	defer func() {
		if r := recover(); r != nil {
			observability.BackpressureDrops.WithLabelValues("closed").Inc()
		}
	}()

	select {
	case s.Send <- message:
	default:
		observability.BackpressureDrops.WithLabelValues("full").Inc()
		log.Printf("Session %s (user %d): buffer full, dropped message", s.ID, s.UserID)

		dropNotice := []byte(`{"type":"messages_dropped","payload":{"reason":"buffer_full"}}`)
		select {
		case s.Send <- dropNotice:
		default:
			// Can't even send the notice, the client is truly overwhelmed.
		}
	}
}

// SendFrame marshals and queues a server frame.
func (s *Session) SendFrame(f wire.Frame) {
	raw, err := json.Marshal(f)
	if err != nil {
		log.Printf("Session %s: encode %s frame: %v", s.ID, f.Type, err)
		return
	}
	observability.FramesTotal.WithLabelValues("out", f.Type).Inc()
	s.TrySend(raw)
}
