// Package server assembles the realtime coordination core: keyspace,
// persistence connectors, presence/typing/rooms ledgers, session manager,
// cross-instance bus, and the websocket gateway, behind one Fiber app.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"gorm.io/gorm"

	"beacon/internal/bus"
	"beacon/internal/config"
	"beacon/internal/connectors"
	"beacon/internal/database"
	"beacon/internal/gateway"
	"beacon/internal/keyspace"
	"beacon/internal/presence"
	"beacon/internal/ratelimit"
	"beacon/internal/rooms"
	"beacon/internal/session"
	"beacon/internal/typing"
)

// Server holds every component of the realtime core.
type Server struct {
	config *config.Config
	db     *gorm.DB
	ks     *keyspace.Client

	bundle   *connectors.Bundle
	presence *presence.Ledger
	typing   *typing.Ledger
	rooms    *rooms.Cache
	limiter  *ratelimit.Limiter
	sessions *session.Manager
	bus      *bus.Bus
	gateway  *gateway.Gateway

	promMiddleware *fiberprometheus.FiberPrometheus

	bgCancel context.CancelFunc
}

// NewServer connects the external dependencies and wires the core.
func NewServer(cfg *config.Config) (*Server, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	ks, err := keyspace.Connect(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("keyspace connection failed: %w", err)
	}

	return NewServerWithDeps(cfg, db, ks)
}

// NewServerWithDeps wires the core over already-initialized dependencies.
// Tests use this with sqlite and miniredis.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, ks *keyspace.Client) (*Server, error) {
	bundle := connectors.NewBundle(db, connectors.Options{
		JWTSecret:       cfg.JWTSecret,
		AccessTokenTTL:  time.Duration(cfg.AccessTokenTTLMin) * time.Minute,
		RefreshTokenTTL: time.Duration(cfg.RefreshTokenTTLDays) * 24 * time.Hour,
		UserCacheTTL:    cfg.UserCacheTTL(),
	})

	pl := presence.NewLedger(ks, cfg.PresenceTTL(), bundle.Users)
	tl := typing.NewLedger(ks, cfg.TypingTTL())
	rc := rooms.NewCache(ks)

	rl := ratelimit.New(ks)
	if cfg.RateLimitDevBypass && cfg.Env != "production" && cfg.Env != "prod" {
		rl.Bypass = true
	}

	sm := session.NewManager(pl, tl, bundle.Users, rc, session.ManagerConfig{
		MaxPerUser: cfg.MaxConnsPerUser,
		MaxTotal:   cfg.MaxTotalConns,
		Grace:      cfg.ReconnectGrace(),
	})

	b := bus.New(ks, sm, tl)
	gw := gateway.New(sm, pl, tl, rc, rl, bundle, b, gateway.Config{
		HandlerTimeout: cfg.HandlerTimeout(),
	})

	return &Server{
		config:         cfg,
		db:             db,
		ks:             ks,
		bundle:         bundle,
		presence:       pl,
		typing:         tl,
		rooms:          rc,
		limiter:        rl,
		sessions:       sm,
		bus:            b,
		gateway:        gw,
		promMiddleware: fiberprometheus.New("beacon"),
	}, nil
}

// StartBackground launches the bus subscriber and the presence sweep.
func (s *Server) StartBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel
	s.bus.Start(ctx)
	s.presence.StartSweep(ctx, s.config.SweepInterval())
}

// SetupMiddleware configures middleware for the Fiber app.
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())

	if s.promMiddleware != nil {
		app.Use(s.promMiddleware.Middleware)
	}

	app.Use(helmet.New())

	// CORS must allow the websocket upgrade headers.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: true,
		MaxAge:           86400,
	}))
}

// SetupRoutes configures all routes for the application.
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	app.Get("/healthz", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	s.gateway.RegisterRoutes(app)
}

// LivenessCheck reports that the process is up.
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// ReadinessCheck reports whether the keyspace and database are reachable.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	if err := s.ks.Ping(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "degraded", "keyspace": err.Error(),
		})
	}
	if sqlDB, err := s.db.DB(); err == nil {
		if err := sqlDB.PingContext(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "degraded", "database": err.Error(),
			})
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// Shutdown stops background tasks and releases external connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.bgCancel != nil {
		s.bgCancel()
	}
	s.sessions.Stop()

	var firstErr error
	if err := s.ks.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if sqlDB, err := s.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
