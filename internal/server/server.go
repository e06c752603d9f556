package server

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"screenrec/internal/bus"
	"screenrec/internal/catalog"
	"screenrec/internal/config"
	"screenrec/internal/coordinator"
	"screenrec/internal/database"
	"screenrec/internal/realtime"
	"screenrec/internal/session"
)

// Coordinator is the part of the session coordinator the API drives.
type Coordinator interface {
	Controls() coordinator.Controls
	RequestStart(ctx context.Context, target string) error
	RequestStop(ctx context.Context) string
	Recordings(ctx context.Context) ([]catalog.Recording, error)
}

type SessionReader interface {
	Snapshot() session.Record
}

type ActionVerifier interface {
	VerifyAction(token string) (string, error)
}

// Deps are the long-lived components the routes are bound to. DB is nil
// when session state is kept in memory.
type Deps struct {
	DB          database.Service
	Session     SessionReader
	Coordinator Coordinator
	Prompts     realtime.PromptResolver
	Actions     ActionVerifier
	Signals     *bus.Bus
	WebSocket   *realtime.WebSocketHandler
}

type FiberServer struct {
	*fiber.App
	cfg  *config.Config
	deps Deps
}

func New(cfg *config.Config, deps Deps) *FiberServer {
	app := fiber.New(fiber.Config{
		ServerHeader: "screenrec",
		AppName:      "screenrec",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	})

	server := &FiberServer{
		App:  app,
		cfg:  cfg,
		deps: deps,
	}
	server.applyMiddleware()

	return server
}

func (s *FiberServer) applyMiddleware() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(s.cfg.Security.CORSOrigins, ","),
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if s.cfg.Security.RateLimit > 0 {
		s.App.Use(limiter.New(limiter.Config{
			Max:        s.cfg.Security.RateLimit,
			Expiration: s.cfg.Security.RateWindow,
			KeyGenerator: func(c *fiber.Ctx) string {
				return c.IP()
			},
			Next: func(c *fiber.Ctx) bool {
				return c.Path() == "/ws"
			},
		}))
	}
}
