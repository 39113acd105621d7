package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/caw-chat/chatauth/internal/logging"
	"github.com/caw-chat/chatauth/internal/session"
	"github.com/caw-chat/chatauth/internal/status"
)

const (
	defaultTimeout = 10 * time.Second
	userAgent      = "chatauth/1"

	idempotencyKeyHeader = "Idempotency-Key"
	requestIDHeader      = "X-Request-ID"

	pathRegisterCode = "/api/v1/user/register/code"
	pathRegister     = "/api/v1/user/register"
	pathLogin        = "/api/v1/user/login"
	pathTicket       = "/api/v1/user/login/ticket"
	pathProfile      = "/api/v1/user/me"
	pathPassword     = "/api/v1/user/password"
	pathConfirm      = "/api/v1/user/login/ticket/confirm"
)

// Channel selects where a verification code is delivered.
type Channel string

const (
	ChannelPhone Channel = "phone"
	ChannelEmail Channel = "email"
)

// Ticket identifies a pending QR-code login.
type Ticket string

// Result is the outcome of an operation that can yield a session token.
// Token is set only when Status is success.
type Result struct {
	Status status.Status
	Token  *session.Token
}

// Profile is the account behind the current session.
type Profile struct {
	UserID string `json:"user_id"`
	Phone  string `json:"phone,omitempty"`
	Email  string `json:"email,omitempty"`
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
	// Session is consulted by calls that need credentials. Optional.
	Session session.Reader
}

// Client talks to the identity service. It never retries.
type Client struct {
	base    string
	timeout time.Duration
	logger  *slog.Logger
	session session.Reader
	http    *fiber.Client
}

// New builds a Client.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		base:    opts.BaseURL,
		timeout: timeout,
		logger:  logger,
		session: opts.Session,
		http:    &fiber.Client{},
	}
}

type codeRequest struct {
	Type  Channel `json:"type"`
	Value string  `json:"value"`
}

type registerRequest struct {
	Phone            string `json:"phone,omitempty"`
	Email            string `json:"email,omitempty"`
	VerificationCode string `json:"verificationCode"`
}

type passwordRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signedToken struct {
	Token     string `json:"token"`
	ExpiredAt int64  `json:"expiredAt"`
}

type statusResponse struct {
	Status *status.Status `json:"status"`
}

type authResponse struct {
	Status      *status.Status `json:"status"`
	SignedToken *signedToken   `json:"signedToken"`
}

type ticketResponse struct {
	Ticket string `json:"ticket"`
}

type confirmRequest struct {
	Ticket string `json:"ticket"`
}

type setPasswordRequest struct {
	Password string `json:"password"`
}

// RequestVerificationCode asks the service to send a code to destination.
func (c *Client) RequestVerificationCode(ctx context.Context, channel Channel, destination string) (status.Status, error) {
	const op = "request verification code"
	var resp statusResponse
	agent := c.http.Post(c.base + pathRegisterCode).JSON(codeRequest{Type: channel, Value: destination})
	if err := c.do(ctx, op, agent, true, &resp); err != nil {
		return status.Status{}, err
	}
	if resp.Status == nil {
		return status.Status{}, malformed(op, "missing status")
	}
	c.logger.Debug("verification code requested", slog.String("channel", string(channel)),
		slog.String("status", resp.Status.String()))
	return *resp.Status, nil
}

// RegisterOrLogin signs in with a verification code, creating the account if needed.
func (c *Client) RegisterOrLogin(ctx context.Context, channel Channel, destination, code string) (Result, error) {
	req := registerRequest{VerificationCode: code}
	switch channel {
	case ChannelEmail:
		req.Email = destination
	default:
		req.Phone = destination
	}
	agent := c.http.Post(c.base + pathRegister).JSON(req)
	return c.authenticate(ctx, "register or login", agent, true)
}

// LoginWithPassword signs in with email and password.
func (c *Client) LoginWithPassword(ctx context.Context, email, password string) (Result, error) {
	agent := c.http.Post(c.base + pathLogin).JSON(passwordRequest{Email: email, Password: password})
	return c.authenticate(ctx, "login with password", agent, true)
}

// IssueTicket obtains a fresh ticket for QR-code login.
func (c *Client) IssueTicket(ctx context.Context) (Ticket, error) {
	const op = "issue ticket"
	var resp ticketResponse
	if err := c.do(ctx, op, c.http.Get(c.base+pathTicket), false, &resp); err != nil {
		return "", err
	}
	if resp.Ticket == "" {
		return "", malformed(op, "empty ticket")
	}
	return Ticket(resp.Ticket), nil
}

// PollTicket checks whether ticket has been confirmed out of band.
func (c *Client) PollTicket(ctx context.Context, ticket Ticket) (Result, error) {
	agent := c.http.Get(c.base + pathLogin).QueryString("ticket=" + url.QueryEscape(string(ticket)))
	return c.authenticate(ctx, "poll ticket", agent, false)
}

// Profile fetches the account for the token currently held in the session store.
func (c *Client) Profile(ctx context.Context) (Profile, error) {
	var p Profile
	if err := c.withBearer(ctx, "profile", c.http.Get(c.base+pathProfile), false, &p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// SetPassword sets the password of the signed-in account so it can use
// email login afterwards.
func (c *Client) SetPassword(ctx context.Context, password string) error {
	const op = "set password"
	var resp statusResponse
	agent := c.http.Post(c.base + pathPassword).JSON(setPasswordRequest{Password: password})
	if err := c.withBearer(ctx, op, agent, true, &resp); err != nil {
		return err
	}
	return checkStatus(op, resp)
}

// ConfirmTicket approves a pending QR ticket for the account of the stored
// session, as the scanning device would.
func (c *Client) ConfirmTicket(ctx context.Context, ticket Ticket) error {
	const op = "confirm ticket"
	var resp statusResponse
	agent := c.http.Post(c.base + pathConfirm).JSON(confirmRequest{Ticket: string(ticket)})
	if err := c.withBearer(ctx, op, agent, true, &resp); err != nil {
		return err
	}
	return checkStatus(op, resp)
}

func checkStatus(op string, resp statusResponse) error {
	if resp.Status == nil {
		return malformed(op, "missing status")
	}
	if !resp.Status.IsSuccess() {
		return &StatusError{Op: op, Status: *resp.Status}
	}
	return nil
}

// withBearer sends an authenticated request with the stored session token.
// A 401 from the service becomes ErrUnauthorized.
func (c *Client) withBearer(ctx context.Context, op string, agent *fiber.Agent, unsafe bool, out any) error {
	if c.session == nil {
		fiber.ReleaseAgent(agent)
		return session.ErrNoSession
	}
	token, err := c.session.Current(ctx)
	if err != nil {
		fiber.ReleaseAgent(agent)
		return err
	}
	agent.Set(fiber.HeaderAuthorization, "Bearer "+token.Value)
	if err := c.do(ctx, op, agent, unsafe, out); err != nil {
		var te *TransportError
		if errors.As(err, &te) && te.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return err
	}
	return nil
}

func (c *Client) authenticate(ctx context.Context, op string, agent *fiber.Agent, unsafe bool) (Result, error) {
	var resp authResponse
	if err := c.do(ctx, op, agent, unsafe, &resp); err != nil {
		return Result{}, err
	}
	if resp.Status == nil {
		return Result{}, malformed(op, "missing status")
	}
	res := Result{Status: *resp.Status}
	if !res.Status.IsSuccess() {
		return res, nil
	}
	if resp.SignedToken == nil || resp.SignedToken.Token == "" || resp.SignedToken.ExpiredAt == 0 {
		return Result{}, malformed(op, "success without signed token")
	}
	res.Token = &session.Token{
		Value:     resp.SignedToken.Token,
		ExpiresAt: time.UnixMilli(resp.SignedToken.ExpiredAt),
	}
	return res, nil
}

type exchange struct {
	code int
	body []byte
	errs []error
}

// do sends the request and decodes a 2xx JSON body into out. It returns as
// soon as ctx is done; an abandoned exchange finishes in the background
// within the request timeout and releases the agent itself.
func (c *Client) do(ctx context.Context, op string, agent *fiber.Agent, unsafe bool, out any) error {
	if err := ctx.Err(); err != nil {
		fiber.ReleaseAgent(agent)
		return &TransportError{Op: op, Err: err}
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		fiber.ReleaseAgent(agent)
		return &TransportError{Op: op, Err: context.DeadlineExceeded}
	}

	requestID := uuid.NewString()
	agent.Set(fiber.HeaderUserAgent, userAgent).
		Set(fiber.HeaderAccept, fiber.MIMEApplicationJSON).
		Set(requestIDHeader, requestID).
		Timeout(timeout)
	if unsafe {
		agent.Set(idempotencyKeyHeader, uuid.NewString())
	}

	if err := agent.Parse(); err != nil {
		fiber.ReleaseAgent(agent)
		return &TransportError{Op: op, Err: err}
	}

	start := time.Now()
	done := make(chan exchange, 1)
	go func() {
		code, body, errs := agent.Bytes()
		done <- exchange{code: code, body: body, errs: errs}
	}()

	logger := c.logger.With(slog.String("op", op), slog.String("request_id", requestID))
	var res exchange
	select {
	case res = <-done:
	case <-ctx.Done():
		logger.Debug("identity request abandoned", slog.Any("error", ctx.Err()), slog.Duration("duration", time.Since(start)))
		return &TransportError{Op: op, Err: ctx.Err()}
	}
	code, body, errs := res.code, res.body, res.errs
	if len(errs) > 0 {
		err := errors.Join(errs...)
		logger.Warn("identity request failed", slog.Any("error", err), slog.Duration("duration", time.Since(start)))
		return &TransportError{Op: op, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: op, Err: err}
	}

	logger.Debug("identity request completed", slog.Int("http_status", code), slog.Duration("duration", time.Since(start)))
	if code < http.StatusOK || code >= http.StatusMultipleChoices {
		return &TransportError{Op: op, StatusCode: code, Err: fmt.Errorf("unexpected http status %d", code)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return malformed(op, err.Error())
	}
	return nil
}
