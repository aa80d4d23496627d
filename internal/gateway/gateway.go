// Package gateway owns the websocket route: handshake authentication, the
// frame dispatch table, per-frame rate limits, and the handler pipeline.
package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"beacon/internal/bus"
	"beacon/internal/connectors"
	"beacon/internal/observability"
	"beacon/internal/presence"
	"beacon/internal/ratelimit"
	"beacon/internal/rooms"
	"beacon/internal/session"
	"beacon/internal/typing"
	"beacon/internal/wire"
)

// handlerFunc processes one inbound frame. A non-empty ack frame is sent
// back with the request's ack id echoed; a returned error becomes an error
// frame on the originating socket.
type handlerFunc func(ctx context.Context, s *session.Session, f wire.Frame) (wire.Frame, *wire.Error)

// Gateway wires the socket surface together.
type Gateway struct {
	sessions *session.Manager
	presence *presence.Ledger
	typing   *typing.Ledger
	rooms    *rooms.Cache
	limiter  *ratelimit.Limiter
	bundle   *connectors.Bundle
	bus      *bus.Bus

	handlerTimeout time.Duration
	wsLog          *observability.WSLogger

	handlers map[string]handlerFunc
}

// Config carries the gateway's tunables.
type Config struct {
	HandlerTimeout time.Duration
}

// New builds a Gateway and its dispatch table.
func New(sm *session.Manager, pl *presence.Ledger, tl *typing.Ledger, rc *rooms.Cache, rl *ratelimit.Limiter, bundle *connectors.Bundle, b *bus.Bus, cfg Config) *Gateway {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 10 * time.Second
	}
	g := &Gateway{
		sessions:       sm,
		presence:       pl,
		typing:         tl,
		rooms:          rc,
		limiter:        rl,
		bundle:         bundle,
		bus:            b,
		handlerTimeout: cfg.HandlerTimeout,
		wsLog:          observability.NewWSLogger("gateway"),
	}
	g.handlers = map[string]handlerFunc{
		wire.FrameRoomJoin:        g.handleRoomJoin,
		wire.FrameRoomLeave:       g.handleRoomLeave,
		wire.FrameMessageSend:     g.handleMessageSend,
		wire.FrameTyping:          g.handleTypingLegacy,
		wire.FrameTypingStart:     g.handleTypingStart,
		wire.FrameTypingStop:      g.handleTypingStop,
		wire.FrameHeartbeat:       g.handleHeartbeat,
		wire.FramePresenceRoom:    g.handlePresenceRoom,
		wire.FramePresenceStatus:  g.handlePresenceStatus,
		wire.FrameMessageRead:     g.handleMessageRead,
		wire.FrameReadReceiptsGet: g.handleReadReceiptsGet,
		wire.FrameAuthRefresh:     g.handleAuthRefresh,
	}
	return g
}

// RegisterRoutes installs the upgrade guard and the websocket endpoint.
func (g *Gateway) RegisterRoutes(app *fiber.App) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(g.handleConnection))
}

// handshakeToken pulls the access token from the query string, a Bearer
// header, or a bare Authorization header, in that order.
func handshakeToken(conn *websocket.Conn) string {
	if token := conn.Query("token"); token != "" {
		return token
	}
	auth := conn.Headers("Authorization")
	if auth == "" {
		return ""
	}
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return auth
}

func (g *Gateway) handleConnection(conn *websocket.Conn) {
	ctx := observability.WithCorrelationID(context.Background(), conn.Query("cid"))

	reject := func(err *wire.Error) {
		raw, merr := json.Marshal(wire.ErrorFrame(err))
		if merr == nil {
			_ = conn.WriteMessage(websocket.TextMessage, raw)
		}
		_ = conn.Close()
	}

	token := handshakeToken(conn)
	if token == "" {
		reject(wire.NewError(wire.KindUnauthorized, "missing access token"))
		return
	}
	claims, err := g.bundle.Tokens.VerifyAccessToken(token)
	if err != nil {
		reject(wire.AsError(err))
		return
	}

	val, err := g.bundle.Users.ValidateUser(ctx, claims.UserID)
	if err != nil {
		reject(wire.NewError(wire.KindUnauthorized, "account lookup failed"))
		return
	}
	if !val.IsActive {
		reject(wire.NewError(wire.KindUnauthorized, "account is deactivated"))
		return
	}

	s := session.NewSession(g.sessions, conn, claims.UserID, val.Username, claims.DeviceID)
	first, err := g.sessions.Register(s)
	if err != nil {
		reject(wire.AsError(err))
		return
	}
	g.wsLog.LogConnect(ctx, s.UserID, s.ID)

	hctx, cancel := context.WithTimeout(ctx, g.handlerTimeout)
	if first {
		g.sessions.CancelGrace(hctx, s.UserID)
		if perr := g.presence.HandleReconnection(hctx, s.UserID, s.DeviceID); perr != nil {
			g.wsLog.LogError(hctx, s.UserID, "handshake", perr)
		}
	} else {
		if perr := g.presence.Heartbeat(hctx, s.UserID); perr != nil {
			g.wsLog.LogError(hctx, s.UserID, "handshake", perr)
		}
	}
	cancel()

	s.SendFrame(wire.MustFrame(wire.FrameConnectionSuccess, wire.ConnectionSuccessPayload{
		UserID:   s.UserID,
		Username: s.Username,
		SocketID: s.ID,
	}))

	s.IncomingHandler = func(sess *session.Session, raw []byte) {
		g.dispatch(ctx, sess, raw)
	}
	go s.WritePump()
	s.ReadPump()

	g.wsLog.LogDisconnect(ctx, s.UserID, s.ID, "read loop closed")
}

// dispatch runs the per-frame pipeline: decode, route, budgeted handler,
// ack or error frame back to the originator.
func (g *Gateway) dispatch(ctx context.Context, s *session.Session, raw []byte) {
	var f wire.Frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Type == "" {
		g.sendError(s, wire.Frame{}, wire.NewError(wire.KindBadFrame, "malformed frame"))
		return
	}
	observability.FramesTotal.WithLabelValues("in", f.Type).Inc()

	handler, ok := g.handlers[f.Type]
	if !ok {
		g.sendError(s, f, wire.NewError(wire.KindBadFrame, "unknown frame type: "+f.Type))
		return
	}

	hctx, cancel := context.WithTimeout(ctx, g.handlerTimeout)
	defer cancel()
	hctx, span := observability.TraceFrame(hctx, f.Type, s.UserID)
	defer span.End()

	ack, herr := handler(hctx, s, f)
	if hctx.Err() != nil {
		// Budget expiry wins over whatever the handler surfaced.
		herr = wire.NewError(wire.KindTimeout, "handler budget exceeded")
	}
	if herr != nil {
		span.RecordError(herr)
		g.wsLog.LogError(hctx, s.UserID, f.Type, herr)
		g.sendError(s, f, herr)
		return
	}
	if ack.Type != "" {
		ack.Ack = f.Ack
		s.SendFrame(ack)
	}
}

func (g *Gateway) sendError(s *session.Session, req wire.Frame, err *wire.Error) {
	observability.FrameErrors.WithLabelValues(err.Code).Inc()
	frame := wire.ErrorFrame(err)
	frame.Ack = req.Ack
	s.SendFrame(frame)
}

// decode unmarshals a frame payload, mapping failures to BadFrame.
func decode(f wire.Frame, into interface{}) *wire.Error {
	if len(f.Payload) == 0 {
		return wire.NewError(wire.KindBadFrame, "missing payload")
	}
	if err := json.Unmarshal(f.Payload, into); err != nil {
		return wire.WrapError(wire.KindBadFrame, "invalid payload", err)
	}
	return nil
}

// limit runs one sliding-window check and converts a rejection into a
// RATE_LIMITED error carrying retryAfter.
func (g *Gateway) limit(ctx context.Context, scope, key string, max int, window time.Duration, policy ratelimit.FailPolicy) *wire.Error {
	res, err := g.limiter.Check(ctx, scope, key, max, window, policy)
	if err != nil {
		return wire.AsError(err)
	}
	if !res.Allowed {
		werr := wire.NewError(wire.KindRateLimited, "rate limit exceeded for "+scope)
		werr.RetryAfter = res.RetryAfterSeconds()
		return werr
	}
	return nil
}
