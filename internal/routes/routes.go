package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/caw-chat/chatauth/internal/auth"
	"github.com/caw-chat/chatauth/internal/config"
	"github.com/caw-chat/chatauth/internal/identity"
	"github.com/caw-chat/chatauth/internal/middleware"
	"github.com/caw-chat/chatauth/internal/notification"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Server
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
	// Notifier delivers verification codes. Defaults to the logger.
	Notifier notification.Notifier
}

// Setup configures middlewares and all application routes. Without a database
// or Redis the in-memory stores are used, which only makes sense in development.
func Setup(app *fiber.App, d Deps) error {
	if !config.IsDev(d.Cfg.Env) {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.Env)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.Env)
		}
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID(d.Logger))
	app.Use(middleware.Audit())
	if d.Cache != nil {
		app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL))
	}

	RegisterHealthRoutes(app, d)

	var (
		users   identity.Repository
		codes   identity.CodeStore
		tickets identity.TicketStore
	)
	if d.DB != nil {
		pg := identity.NewPostgresRepository(d.DB)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		users = pg
	} else {
		users = identity.NewMemoryRepository()
	}
	if d.Cache != nil {
		codes = identity.NewRedisCodeStore(d.Cache)
		tickets = identity.NewRedisTicketStore(d.Cache)
	} else {
		codes = identity.NewMemoryCodeStore()
		tickets = identity.NewMemoryTicketStore()
	}

	notifier := d.Notifier
	if notifier == nil {
		notifier = notification.NewLoggerNotifier(d.Logger)
	}
	identitySvc := identity.NewService(users, codes, tickets, notifier, identity.Options{
		CodeTTL:   d.Cfg.CodeTTL,
		TicketTTL: d.Cfg.TicketTTL,
		Logger:    d.Logger,
	})
	tokens := auth.NewService(d.Cfg.JWTSecret, d.Cfg.AppName, d.Cfg.TokenTTL)
	handler := auth.NewHandler(identitySvc, tokens)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterUserRoutes(api, handler, UserRouteOptions{
		CodeLimiter:     middleware.RateLimit(d.Cache, "code", d.Cfg.LoginPerMinute, middleware.BodyField("value")),
		RegisterLimiter: middleware.RateLimit(d.Cache, "register", d.Cfg.LoginPerMinute, middleware.BodyField("phone", "email")),
		LoginLimiter:    middleware.RateLimit(d.Cache, "login", d.Cfg.LoginPerMinute, middleware.BodyField("email")),
		Bearer:          middleware.BearerAuth(tokens, users),
	})

	return nil
}
