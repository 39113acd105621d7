package middleware

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/caw-chat/chatauth/internal/logging"
)

// Audit logs one line per request. It must run after RequestID so the
// request logger is in the user context.
func Audit() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		code := c.Response().StatusCode()
		if err != nil {
			code = fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			}
		}

		attrs := []any{
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", code),
			slog.Duration("duration", time.Since(start)),
		}
		if uid, ok := c.Locals(userIDLocal).(string); ok && uid != "" {
			attrs = append(attrs, slog.String("user_id", uid))
		}

		logger := logging.From(c.UserContext())
		switch {
		case err != nil && code >= fiber.StatusInternalServerError:
			logger.Error("request completed", append(attrs, slog.Any("error", err))...)
		case code >= fiber.StatusBadRequest:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
		return err
	}
}
