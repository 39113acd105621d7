package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/caw-chat/chatauth/internal/auth"
)

// UserRouteOptions carries the per-route middleware. Nil limiters are skipped.
type UserRouteOptions struct {
	CodeLimiter     fiber.Handler
	RegisterLimiter fiber.Handler
	LoginLimiter    fiber.Handler
	Bearer          fiber.Handler
}

// RegisterUserRoutes wires the /user endpoints.
func RegisterUserRoutes(r fiber.Router, h *auth.Handler, opts UserRouteOptions) {
	group := r.Group("/user")
	group.Post("/register/code", with(opts.CodeLimiter, h.RequestCode)...)
	group.Post("/register", with(opts.RegisterLimiter, h.Register)...)
	group.Post("/login", with(opts.LoginLimiter, h.Login)...)
	group.Get("/login", h.PollTicket)
	group.Get("/login/ticket", h.IssueTicket)
	group.Post("/login/ticket/confirm", opts.Bearer, h.ConfirmTicket)

	group.Get("/me", opts.Bearer, h.Me)
	group.Post("/password", opts.Bearer, h.SetPassword)
}

func with(mw fiber.Handler, h fiber.Handler) []fiber.Handler {
	if mw == nil {
		return []fiber.Handler{h}
	}
	return []fiber.Handler{mw, h}
}
