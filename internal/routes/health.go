package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

const (
	backendOK       = "ok"
	backendInMemory = "memory"
)

// RegisterHealthRoutes adds a readiness endpoint reporting each backend.
func RegisterHealthRoutes(app *fiber.App, d Deps) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		dbStatus := backendInMemory
		redisStatus := backendInMemory

		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if d.DB != nil {
			dbStatus = backendOK
			if err := d.DB.Ping(ctx); err != nil {
				dbStatus = err.Error()
			}
		}
		if d.Cache != nil {
			redisStatus = backendOK
			if err := d.Cache.Ping(ctx).Err(); err != nil {
				redisStatus = err.Error()
			}
		}

		code := http.StatusOK
		for _, s := range []string{dbStatus, redisStatus} {
			if s != backendOK && s != backendInMemory {
				code = http.StatusServiceUnavailable
			}
		}
		return c.Status(code).JSON(fiber.Map{
			"app":       d.Cfg.AppName,
			"status":    fiber.Map{"postgres": dbStatus, "redis": redisStatus},
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}
