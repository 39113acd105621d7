package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/caw-chat/chatauth/internal/identity"
	"github.com/caw-chat/chatauth/internal/logging"
	"github.com/caw-chat/chatauth/internal/status"
)

// UserIDLocal is the fiber local set by the bearer middleware.
const UserIDLocal = "user_id"

// Handler exposes the user endpoints consumed by chatauth.
type Handler struct {
	ids    *identity.Service
	tokens *Service
}

func NewHandler(ids *identity.Service, tokens *Service) *Handler {
	return &Handler{ids: ids, tokens: tokens}
}

type statusResponse struct {
	Status status.Status `json:"status"`
}

type authResponse struct {
	Status      status.Status `json:"status"`
	SignedToken *SignedToken  `json:"signedToken,omitempty"`
}

type codeRequest struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// RequestCode sends a verification code to a phone or email address.
func (h *Handler) RequestCode(c *fiber.Ctx) error {
	var req codeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	st, err := h.ids.RequestCode(c.UserContext(), identity.Channel(req.Type), req.Value)
	if errors.Is(err, identity.ErrInvalidChannel) {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(statusResponse{Status: st})
}

type registerRequest struct {
	Phone            string `json:"phone"`
	Email            string `json:"email"`
	VerificationCode string `json:"verificationCode"`
}

// Register signs in with a verification code, creating the account on first use.
func (h *Handler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	channel, address := identity.ChannelPhone, req.Phone
	if req.Email != "" {
		channel, address = identity.ChannelEmail, req.Email
	}
	user, st, err := h.ids.RegisterOrLogin(c.UserContext(), channel, address, req.VerificationCode)
	if err != nil {
		return err
	}
	return h.respond(c, user, st)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login signs in with email and password.
func (h *Handler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	user, st, err := h.ids.LoginWithPassword(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return err
	}
	return h.respond(c, user, st)
}

// IssueTicket creates a QR login ticket.
func (h *Handler) IssueTicket(c *fiber.Ctx) error {
	ticket, err := h.ids.IssueTicket(c.UserContext())
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"ticket": ticket})
}

// PollTicket reports whether a ticket was confirmed and, once it is, signs the user in.
func (h *Handler) PollTicket(c *fiber.Ctx) error {
	user, st, err := h.ids.PollTicket(c.UserContext(), c.Query("ticket"))
	if err != nil {
		return err
	}
	return h.respond(c, user, st)
}

type confirmRequest struct {
	Ticket string `json:"ticket"`
}

// ConfirmTicket binds a ticket to the signed-in caller. It stands in for the
// scanning device, so the account always comes from the bearer token.
func (h *Handler) ConfirmTicket(c *fiber.Ctx) error {
	userID, _ := c.Locals(UserIDLocal).(string)
	if userID == "" {
		return fiber.NewError(http.StatusUnauthorized, "missing session")
	}
	var req confirmRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.Ticket == "" {
		return fiber.NewError(http.StatusBadRequest, "ticket is required")
	}
	err := h.ids.ConfirmTicket(c.UserContext(), req.Ticket, userID)
	switch {
	case errors.Is(err, identity.ErrTicketNotFound), errors.Is(err, identity.ErrUserNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case err != nil:
		return err
	}
	return c.Status(http.StatusOK).JSON(statusResponse{Status: status.Success})
}

// Me returns the account behind the bearer token.
func (h *Handler) Me(c *fiber.Ctx) error {
	uid, _ := c.Locals(UserIDLocal).(string)
	user, err := h.ids.FindByID(c.UserContext(), uid)
	if err != nil {
		return fiber.NewError(http.StatusUnauthorized, "user not found")
	}
	return c.JSON(fiber.Map{
		"user_id":    user.ID,
		"phone":      user.Phone,
		"email":      user.Email,
		"created_at": user.CreatedAt,
		"last_login": user.LastLogin,
	})
}

type passwordRequest struct {
	Password string `json:"password"`
}

// SetPassword sets the password used by email login.
func (h *Handler) SetPassword(c *fiber.Ctx) error {
	var req passwordRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	uid, _ := c.Locals(UserIDLocal).(string)
	err := h.ids.SetPassword(c.UserContext(), uid, req.Password)
	switch {
	case errors.Is(err, identity.ErrWeakPassword):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrUserNotFound):
		return fiber.NewError(http.StatusUnauthorized, "user not found")
	case err != nil:
		return err
	}
	return c.Status(http.StatusOK).JSON(statusResponse{Status: status.Success})
}

func (h *Handler) respond(c *fiber.Ctx, user identity.User, st status.Status) error {
	if !st.IsSuccess() {
		return c.Status(http.StatusOK).JSON(authResponse{Status: st})
	}
	signed, err := h.tokens.Issue(user.ID)
	if err != nil {
		return err
	}
	logging.From(c.UserContext()).Info("user signed in",
		slog.String("user_id", user.ID),
		slog.String("path", c.Path()),
	)
	return c.Status(http.StatusOK).JSON(authResponse{Status: st, SignedToken: &signed})
}
