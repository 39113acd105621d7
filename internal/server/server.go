package server

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/caw-chat/chatauth/internal/config"
	"github.com/caw-chat/chatauth/internal/notification"
	"github.com/caw-chat/chatauth/internal/routes"
)

// Server wraps the Fiber application of the identity service.
type Server struct {
	app *fiber.App
	cfg config.Server
}

// Option adjusts route dependencies before wiring.
type Option func(*routes.Deps)

// WithNotifier replaces the code delivery notifier.
func WithNotifier(n notification.Notifier) Option {
	return func(d *routes.Deps) { d.Notifier = n }
}

// New instantiates the HTTP server. db and cache may be nil in development.
func New(cfg config.Server, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger, opts ...Option) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		DisableStartupMessage: true,
	})

	deps := routes.Deps{Cfg: cfg, DB: db, Cache: cache, Logger: logger}
	for _, opt := range opts {
		opt(&deps)
	}
	if err := routes.Setup(app, deps); err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: cfg}, nil
}

// Listen starts the HTTP server on the configured port.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
