package login

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/caw-chat/chatauth/internal/authclient"
	"github.com/caw-chat/chatauth/internal/logging"
	"github.com/caw-chat/chatauth/internal/notification"
	"github.com/caw-chat/chatauth/internal/status"
)

// guard lets one activation of an action run at a time.
type guard struct {
	busy atomic.Bool
}

func (g *guard) enter() bool { return g.busy.CompareAndSwap(false, true) }

func (g *guard) leave() { g.busy.Store(false) }

// Pending reports whether the action is in flight.
func (g *guard) Pending() bool { return g.busy.Load() }

// CodeForm signs in with a verification code sent to a phone or an email.
type CodeForm struct {
	flow    *Flow
	channel authclient.Channel
	label   string

	code   guard
	submit guard
}

// PhoneForm returns the phone number + verification code form.
func (f *Flow) PhoneForm() *CodeForm {
	return &CodeForm{flow: f, channel: authclient.ChannelPhone, label: "Phone"}
}

// EmailCodeForm returns the email + verification code form.
func (f *Flow) EmailCodeForm() *CodeForm {
	return &CodeForm{flow: f, channel: authclient.ChannelEmail, label: "Email"}
}

// CodePending reports whether a code request is in flight.
func (c *CodeForm) CodePending() bool { return c.code.Pending() }

// SubmitPending reports whether a login submission is in flight.
func (c *CodeForm) SubmitPending() bool { return c.submit.Pending() }

// RequestCode asks the service to send a verification code to destination.
func (c *CodeForm) RequestCode(ctx context.Context, destination string) (status.Status, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		c.flow.notify(ctx, notification.PleaseInput(c.label))
		return status.Status{}, ErrValidation
	}
	if !c.code.enter() {
		return status.Status{}, ErrSubmitPending
	}
	defer c.code.leave()

	c.flow.logger.Info("requesting verification code",
		slog.String("channel", string(c.channel)), slog.String("destination", c.redact(destination)))

	st, err := c.flow.auth.RequestVerificationCode(ctx, c.channel, destination)
	if err != nil {
		c.flow.logger.Warn("code request failed", slog.Any("error", err))
		c.flow.notify(ctx, notification.TransportError())
		return status.Status{}, err
	}

	switch st.Kind() {
	case status.KindSuccess:
		c.flow.notify(ctx, notification.CodeSent())
	case status.KindNotExist:
		c.flow.notify(ctx, notification.NotRegistered())
	case status.KindWrongPassword:
		c.flow.notify(ctx, notification.WrongPassword())
	case status.KindUnknown:
		c.flow.notify(ctx, notification.UnknownStatus(st.Code()))
	}
	return st, nil
}

// Submit registers or logs in with the received code.
func (c *CodeForm) Submit(ctx context.Context, destination, code string) (Outcome, error) {
	destination, code = strings.TrimSpace(destination), strings.TrimSpace(code)
	if destination == "" || code == "" {
		c.flow.notify(ctx, notification.PleaseInput(c.label, "Code"))
		return Outcome{}, ErrValidation
	}
	if !c.submit.enter() {
		return Outcome{}, ErrSubmitPending
	}
	defer c.submit.leave()

	res, err := c.flow.auth.RegisterOrLogin(ctx, c.channel, destination, code)
	return c.flow.complete(ctx, res, err)
}

func (c *CodeForm) redact(destination string) string {
	if c.channel == authclient.ChannelEmail {
		return logging.Email(destination)
	}
	return logging.Phone(destination)
}

// PasswordForm signs in with email and password.
type PasswordForm struct {
	flow   *Flow
	submit guard
}

// PasswordForm returns the email + password form, or ErrEmailDisabled.
func (f *Flow) PasswordForm() (*PasswordForm, error) {
	if !f.emailEnabled {
		return nil, ErrEmailDisabled
	}
	return &PasswordForm{flow: f}, nil
}

// SubmitPending reports whether a login submission is in flight.
func (p *PasswordForm) SubmitPending() bool { return p.submit.Pending() }

// Submit logs in. The password is sent as typed; only the email is trimmed.
func (p *PasswordForm) Submit(ctx context.Context, email, password string) (Outcome, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		p.flow.notify(ctx, notification.PleaseInput("Email", "Password"))
		return Outcome{}, ErrValidation
	}
	if !p.submit.enter() {
		return Outcome{}, ErrSubmitPending
	}
	defer p.submit.leave()

	p.flow.logger.Info("password login", slog.String("email", logging.Email(email)))
	res, err := p.flow.auth.LoginWithPassword(ctx, email, password)
	return p.flow.complete(ctx, res, err)
}
