package middleware

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/caw-chat/chatauth/internal/logging"
)

const requestIDHeader = "X-Request-ID"

// RequestID ensures each request has a request identifier and attaches a
// logger carrying it to the request context.
func RequestID(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		reqID := c.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set(requestIDHeader, reqID)
		c.Locals(requestIDHeader, reqID)

		reqLogger := logger.With(slog.String("request_id", reqID))
		c.SetUserContext(logging.Into(c.UserContext(), reqLogger))

		return c.Next()
	}
}
