package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/caw-chat/chatauth/internal/authclient"
	"github.com/caw-chat/chatauth/internal/logging"
	"github.com/caw-chat/chatauth/internal/notification"
	"github.com/caw-chat/chatauth/internal/session"
	"github.com/caw-chat/chatauth/internal/status"
)

var (
	// ErrValidation is returned when a required field is empty. No request is sent.
	ErrValidation = errors.New("missing required input")

	// ErrSubmitPending is returned when the same form action is already in flight.
	ErrSubmitPending = errors.New("submission already in progress")

	// ErrEmailDisabled is returned when password login is not offered.
	ErrEmailDisabled = errors.New("email login is not enabled")

	// ErrSessionStore wraps a failure to persist a token after a successful login.
	ErrSessionStore = errors.New("store session")
)

// Authenticator is the subset of the identity client used by login forms.
type Authenticator interface {
	RequestVerificationCode(ctx context.Context, channel authclient.Channel, destination string) (status.Status, error)
	RegisterOrLogin(ctx context.Context, channel authclient.Channel, destination, code string) (authclient.Result, error)
	LoginWithPassword(ctx context.Context, email, password string) (authclient.Result, error)
}

// Navigator is told to move on to the main application after a login.
type Navigator interface {
	Proceed(ctx context.Context)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context)

func (f NavigatorFunc) Proceed(ctx context.Context) { f(ctx) }

// Outcome describes how a submission ended.
type Outcome struct {
	Status    status.Status
	Navigated bool
}

// Deps wires a Flow.
type Deps struct {
	Auth              Authenticator
	Store             session.Store
	Notifier          notification.Notifier
	Navigator         Navigator
	Logger            *slog.Logger
	EmailLoginEnabled bool
}

// Flow turns form submissions into identity calls and their side effects.
type Flow struct {
	auth         Authenticator
	store        session.Store
	notifier     notification.Notifier
	nav          Navigator
	logger       *slog.Logger
	emailEnabled bool
}

// NewFlow builds a Flow. A nil navigator or notifier is replaced by a no-op.
func NewFlow(d Deps) *Flow {
	f := &Flow{
		auth:         d.Auth,
		store:        d.Store,
		notifier:     d.Notifier,
		nav:          d.Navigator,
		logger:       d.Logger,
		emailEnabled: d.EmailLoginEnabled,
	}
	if f.logger == nil {
		f.logger = logging.Discard()
	}
	if f.notifier == nil {
		f.notifier = notification.NewLoggerNotifier(f.logger)
	}
	if f.nav == nil {
		f.nav = NavigatorFunc(func(context.Context) {})
	}
	return f
}

// Accept stores a freshly issued token, tells the user and navigates. It is the
// only path through which login flows write the session store.
func (f *Flow) Accept(ctx context.Context, token session.Token) error {
	if err := f.store.Update(ctx, token); err != nil {
		f.logger.Error("session update failed", slog.Any("error", err))
		f.notify(ctx, notification.TransportError())
		return fmt.Errorf("%w: %w", ErrSessionStore, err)
	}
	f.notify(ctx, notification.LoginSuccess())
	f.nav.Proceed(ctx)
	return nil
}

// complete dispatches the result of a register/login call.
func (f *Flow) complete(ctx context.Context, res authclient.Result, err error) (Outcome, error) {
	if err != nil {
		f.logger.Warn("identity call failed", slog.Any("error", err))
		f.notify(ctx, notification.TransportError())
		return Outcome{}, err
	}

	out := Outcome{Status: res.Status}
	switch res.Status.Kind() {
	case status.KindSuccess:
		if res.Token == nil {
			f.notify(ctx, notification.TransportError())
			return out, authclient.ErrMalformedResponse
		}
		if err := f.Accept(ctx, *res.Token); err != nil {
			return out, err
		}
		out.Navigated = true
	case status.KindNotExist:
		f.notify(ctx, notification.NotRegistered())
	case status.KindWrongPassword:
		f.notify(ctx, notification.WrongPassword())
	case status.KindUnknown:
		f.notify(ctx, notification.UnknownStatus(res.Status.Code()))
	}
	return out, nil
}

func (f *Flow) notify(ctx context.Context, msg notification.Message) {
	if err := f.notifier.Send(ctx, msg); err != nil {
		f.logger.Warn("notification failed", slog.String("kind", msg.Kind), slog.Any("error", err))
	}
}
