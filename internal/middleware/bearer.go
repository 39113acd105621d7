package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/caw-chat/chatauth/internal/auth"
	"github.com/caw-chat/chatauth/internal/identity"
)

const userIDLocal = auth.UserIDLocal

// BearerAuth validates the session token and checks that its subject still exists.
func BearerAuth(tokens *auth.Service, repo identity.Repository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if len(authz) < len("bearer ") || !strings.EqualFold(authz[:len("bearer ")], "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		sub, err := tokens.Verify(strings.TrimSpace(authz[len("bearer "):]))
		if errors.Is(err, auth.ErrTokenExpired) {
			return fiber.NewError(http.StatusUnauthorized, "token expired")
		}
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}
		if _, err := repo.FindByID(c.UserContext(), sub); err != nil {
			return fiber.NewError(http.StatusUnauthorized, "token invalidated")
		}

		c.Locals(userIDLocal, sub)
		return c.Next()
	}
}
