// Package web is the relay's HTTP surface: the client WebSocket endpoint,
// the generated audio files, health, metrics and the session API.
package web

import (
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/teslashibe/voice-relay/pkg/metrics"
	"github.com/teslashibe/voice-relay/pkg/relay"
)

// Version is reported by the health endpoint.
var Version = "dev"

// HealthChecker reports whether an upstream collaborator is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Config configures the HTTP server.
type Config struct {
	// FrontendURL is the only origin allowed by CORS. Empty allows any.
	FrontendURL string

	// AudioDir is served under /temp.
	AudioDir string

	// Debug enables request logging.
	Debug bool

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Upstreams are probed by /health/ready, keyed by name.
	Upstreams map[string]HealthChecker
}

// Server is the relay HTTP server
type Server struct {
	app *fiber.App
	hub *relay.Hub
	cfg Config
	log *slog.Logger
}

// NewServer builds the Fiber app and registers every route.
func NewServer(cfg Config, hub *relay.Hub) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		hub: hub,
		cfg: cfg,
		log: cfg.Logger.With("component", "web"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "voice-relay",
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())
	origins := cfg.FrontendURL
	if origins == "" {
		origins = "*"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: "GET,POST",
	}))
	if cfg.Debug {
		app.Use(logger.New())
	}

	// Generated audio
	if cfg.AudioDir != "" {
		app.Static("/temp", cfg.AudioDir, fiber.Static{
			ByteRange: true,
		})
	}

	app.Get("/health", s.handleHealth)
	app.Get("/health/ready", s.handleReady)
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics.Handler()))
	}

	hub.RegisterRoutes(app)
	hub.RegisterAPIRoutes(app.Group("/api"))

	s.app = app
	return s
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.log.Info("listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops the listener and waits for open requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
