// Package ticket drives the QR-code login handshake: obtain a ticket, then poll
// it until a mobile client confirms the scan.
package ticket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/caw-chat/chatauth/internal/authclient"
	"github.com/caw-chat/chatauth/internal/logging"
	"github.com/caw-chat/chatauth/internal/session"
)

// State of the handshake.
type State int

const (
	NoTicket State = iota
	AwaitingConfirmation
	Authenticated
)

func (s State) String() string {
	switch s {
	case NoTicket:
		return "no_ticket"
	case AwaitingConfirmation:
		return "awaiting_confirmation"
	case Authenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Client is the part of the identity client the handshake needs.
type Client interface {
	IssueTicket(ctx context.Context) (authclient.Ticket, error)
	PollTicket(ctx context.Context, ticket authclient.Ticket) (authclient.Result, error)
}

// Acceptor takes ownership of the token once the ticket is confirmed.
// *login.Flow satisfies it.
type Acceptor interface {
	Accept(ctx context.Context, token session.Token) error
}

// Machine holds the handshake state. Step is serialized; State and Ticket may
// be read from any goroutine.
type Machine struct {
	client   Client
	acceptor Acceptor
	logger   *slog.Logger
	onTicket func(authclient.Ticket)

	step sync.Mutex

	mu     sync.RWMutex
	state  State
	ticket authclient.Ticket
}

// NewMachine returns a machine in the NoTicket state.
func NewMachine(client Client, acceptor Acceptor, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Machine{client: client, acceptor: acceptor, logger: logger}
}

// OnTicket registers fn to run whenever a new ticket is issued. Call before
// the first Step.
func (m *Machine) OnTicket(fn func(authclient.Ticket)) {
	m.onTicket = fn
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Machine) Ticket() authclient.Ticket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ticket
}

func (m *Machine) set(state State, ticket authclient.Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.ticket = ticket
}

// Step performs one tick: issue a ticket when there is none, otherwise poll
// the current one. Errors leave the state as it was.
func (m *Machine) Step(ctx context.Context) error {
	m.step.Lock()
	defer m.step.Unlock()

	switch m.State() {
	case NoTicket:
		t, err := m.client.IssueTicket(ctx)
		if err != nil {
			return err
		}
		m.set(AwaitingConfirmation, t)
		m.logger.Debug("ticket issued")
		if m.onTicket != nil {
			m.onTicket(t)
		}
		return nil

	case AwaitingConfirmation:
		t := m.Ticket()
		res, err := m.client.PollTicket(ctx, t)
		if err != nil {
			return err
		}
		if !res.Status.IsSuccess() {
			m.logger.Debug("ticket not confirmed yet", slog.String("status", res.Status.String()))
			return nil
		}
		if res.Token == nil {
			return authclient.ErrMalformedResponse
		}
		if err := m.acceptor.Accept(ctx, *res.Token); err != nil {
			// The service consumed the ticket; start over with a fresh one.
			m.set(NoTicket, "")
			return err
		}
		m.set(Authenticated, t)
		m.logger.Info("ticket login confirmed")
		return nil

	default:
		return nil
	}
}
