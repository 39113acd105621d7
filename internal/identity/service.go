package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/caw-chat/chatauth/internal/logging"
	"github.com/caw-chat/chatauth/internal/notification"
	"github.com/caw-chat/chatauth/internal/status"
)

const (
	codeDigits       = 6
	minPasswordLen   = 6
	defaultCodeTTL   = 5 * time.Minute
	defaultTicketTTL = 5 * time.Minute
)

// ErrWeakPassword is returned by SetPassword for passwords that are too short.
var ErrWeakPassword = fmt.Errorf("password must be at least %d characters", minPasswordLen)

// Options tunes a Service. Zero values pick defaults.
type Options struct {
	CodeTTL   time.Duration
	TicketTTL time.Duration
	Logger    *slog.Logger
}

// Service manages accounts, verification codes and QR tickets. Domain
// outcomes are reported as a status; errors are infrastructure failures.
type Service struct {
	repo      Repository
	codes     CodeStore
	tickets   TicketStore
	notifier  notification.Notifier
	codeTTL   time.Duration
	ticketTTL time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new identity service.
func NewService(repo Repository, codes CodeStore, tickets TicketStore, notifier notification.Notifier, opts Options) *Service {
	s := &Service{
		repo:      repo,
		codes:     codes,
		tickets:   tickets,
		notifier:  notifier,
		codeTTL:   opts.CodeTTL,
		ticketTTL: opts.TicketTTL,
		logger:    opts.Logger,
		now:       time.Now,
	}
	if s.codeTTL <= 0 {
		s.codeTTL = defaultCodeTTL
	}
	if s.ticketTTL <= 0 {
		s.ticketTTL = defaultTicketTTL
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	return s
}

func normalize(channel Channel, address string) string {
	address = strings.TrimSpace(address)
	if channel == ChannelEmail {
		address = strings.ToLower(address)
	}
	return address
}

// RequestCode generates and delivers a verification code. Unknown addresses are
// accepted because a code also registers a new account.
func (s *Service) RequestCode(ctx context.Context, channel Channel, address string) (status.Status, error) {
	if !channel.valid() {
		return status.Status{}, ErrInvalidChannel
	}
	address = normalize(channel, address)
	if address == "" {
		return status.WrongPassword, nil
	}

	code, err := generateCode()
	if err != nil {
		return status.Status{}, err
	}
	if err := s.codes.Save(ctx, channel, address, code, s.codeTTL); err != nil {
		return status.Status{}, err
	}
	msg := notification.Message{
		Kind:        notification.KindCodeDelivery,
		Destination: address,
		Body:        fmt.Sprintf("Your verification code is %s", code),
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		return status.Status{}, fmt.Errorf("deliver code: %w", err)
	}
	return status.Success, nil
}

// RegisterOrLogin consumes a verification code and returns the matching user,
// creating the account on first use.
func (s *Service) RegisterOrLogin(ctx context.Context, channel Channel, address, code string) (User, status.Status, error) {
	if !channel.valid() {
		return User{}, status.Status{}, ErrInvalidChannel
	}
	address = normalize(channel, address)
	if address == "" || code == "" {
		return User{}, status.WrongPassword, nil
	}

	ok, err := s.codes.Consume(ctx, channel, address, code)
	if err != nil {
		return User{}, status.Status{}, err
	}
	if !ok {
		return User{}, status.WrongPassword, nil
	}

	user, err := s.repo.FindByAddress(ctx, channel, address)
	if errors.Is(err, ErrUserNotFound) {
		user = User{ID: uuid.New().String(), CreatedAt: s.now().UTC()}
		if channel == ChannelEmail {
			user.Email = address
		} else {
			user.Phone = address
		}
		if err := s.repo.Create(ctx, user); err != nil {
			return User{}, status.Status{}, err
		}
		s.logger.Info("identity.register completed", slog.String("user_id", user.ID), slog.String("channel", string(channel)))
	} else if err != nil {
		return User{}, status.Status{}, err
	}

	return s.loggedIn(ctx, user)
}

// LoginWithPassword verifies an email/password pair.
func (s *Service) LoginWithPassword(ctx context.Context, email, password string) (User, status.Status, error) {
	user, err := s.repo.FindByAddress(ctx, ChannelEmail, normalize(ChannelEmail, email))
	if errors.Is(err, ErrUserNotFound) {
		return User{}, status.NotExist, nil
	}
	if err != nil {
		return User{}, status.Status{}, err
	}
	if len(user.PasswordHash) == 0 {
		return User{}, status.WrongPassword, nil
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return User{}, status.WrongPassword, nil
	}
	return s.loggedIn(ctx, user)
}

// SetPassword stores a bcrypt hash of password for the user.
func (s *Service) SetPassword(ctx context.Context, userID, password string) error {
	if len(password) < minPasswordLen {
		return ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.repo.SetPassword(ctx, userID, hash)
}

// IssueTicket creates a pending QR ticket.
func (s *Service) IssueTicket(ctx context.Context) (string, error) {
	ticket := uuid.NewString()
	if err := s.tickets.Create(ctx, ticket, s.ticketTTL); err != nil {
		return "", err
	}
	return ticket, nil
}

// ConfirmTicket binds a pending ticket to a user, as a scanning device does.
func (s *Service) ConfirmTicket(ctx context.Context, ticket, userID string) error {
	if _, err := s.repo.FindByID(ctx, userID); err != nil {
		return err
	}
	return s.tickets.Confirm(ctx, ticket, userID)
}

// PollTicket reports the ticket state: notExist for unknown tickets, the
// pending code while unconfirmed, success with the user once confirmed.
func (s *Service) PollTicket(ctx context.Context, ticket string) (User, status.Status, error) {
	userID, err := s.tickets.Take(ctx, ticket)
	if errors.Is(err, ErrTicketNotFound) {
		return User{}, status.NotExist, nil
	}
	if err != nil {
		return User{}, status.Status{}, err
	}
	if userID == "" {
		return User{}, status.Unknown(status.CodePending), nil
	}
	user, err := s.repo.FindByID(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return User{}, status.NotExist, nil
	}
	if err != nil {
		return User{}, status.Status{}, err
	}
	return s.loggedIn(ctx, user)
}

// FindByID exposes account lookup to handlers.
func (s *Service) FindByID(ctx context.Context, id string) (User, error) {
	return s.repo.FindByID(ctx, id)
}

func (s *Service) loggedIn(ctx context.Context, user User) (User, status.Status, error) {
	now := s.now().UTC()
	if err := s.repo.TouchLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn("record last login", slog.String("user_id", user.ID), slog.Any("error", err))
	} else {
		user.LastLogin = now
	}
	return user, status.Success, nil
}

func generateCode() (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
