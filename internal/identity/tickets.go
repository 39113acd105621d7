package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TicketStore tracks QR login tickets. A ticket starts pending, is confirmed
// with a user id by a scanning device, and is consumed by the first poll that
// sees it confirmed.
type TicketStore interface {
	Create(ctx context.Context, ticket string, ttl time.Duration) error
	Confirm(ctx context.Context, ticket, userID string) error
	// Take returns the confirming user id, or "" while pending. A confirmed
	// ticket is removed. ErrTicketNotFound for unknown or expired tickets.
	Take(ctx context.Context, ticket string) (string, error)
}

const (
	ticketKeyPrefix = "identity:ticket:v1:"
	ticketPending   = "__pending__"
)

// RedisTicketStore implements TicketStore on Redis.
type RedisTicketStore struct {
	cache *redis.Client
}

func NewRedisTicketStore(cache *redis.Client) *RedisTicketStore {
	return &RedisTicketStore{cache: cache}
}

func (s *RedisTicketStore) Create(ctx context.Context, ticket string, ttl time.Duration) error {
	ok, err := s.cache.SetNX(ctx, ticketKeyPrefix+ticket, ticketPending, ttl).Result()
	if err != nil {
		return fmt.Errorf("create ticket: %w", err)
	}
	if !ok {
		return fmt.Errorf("create ticket: duplicate ticket")
	}
	return nil
}

func (s *RedisTicketStore) Confirm(ctx context.Context, ticket, userID string) error {
	// XX with KEEPTTL: only an outstanding ticket can be confirmed, and
	// confirmation does not extend its life.
	err := s.cache.SetArgs(ctx, ticketKeyPrefix+ticket, userID, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return ErrTicketNotFound
	}
	if err != nil {
		return fmt.Errorf("confirm ticket: %w", err)
	}
	return nil
}

func (s *RedisTicketStore) Take(ctx context.Context, ticket string) (string, error) {
	key := ticketKeyPrefix + ticket
	value, err := s.cache.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrTicketNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load ticket: %w", err)
	}
	if value == ticketPending {
		return "", nil
	}
	n, err := s.cache.Del(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("consume ticket: %w", err)
	}
	if n == 0 {
		return "", ErrTicketNotFound
	}
	return value, nil
}

type memoryTicket struct {
	userID  string
	expires time.Time
}

type memoryTicketStore struct {
	mu      sync.Mutex
	tickets map[string]memoryTicket
	now     func() time.Time
}

// NewMemoryTicketStore builds an in-process TicketStore.
func NewMemoryTicketStore() TicketStore {
	return &memoryTicketStore{tickets: make(map[string]memoryTicket), now: time.Now}
}

func (s *memoryTicketStore) Create(_ context.Context, ticket string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[ticket]; ok {
		return fmt.Errorf("create ticket: duplicate ticket")
	}
	s.tickets[ticket] = memoryTicket{expires: s.now().Add(ttl)}
	return nil
}

func (s *memoryTicketStore) live(ticket string) (memoryTicket, bool) {
	t, ok := s.tickets[ticket]
	if !ok {
		return memoryTicket{}, false
	}
	if !s.now().Before(t.expires) {
		delete(s.tickets, ticket)
		return memoryTicket{}, false
	}
	return t, true
}

func (s *memoryTicketStore) Confirm(_ context.Context, ticket, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.live(ticket)
	if !ok {
		return ErrTicketNotFound
	}
	t.userID = userID
	s.tickets[ticket] = t
	return nil
}

func (s *memoryTicketStore) Take(_ context.Context, ticket string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.live(ticket)
	if !ok {
		return "", ErrTicketNotFound
	}
	if t.userID == "" {
		return "", nil
	}
	delete(s.tickets, ticket)
	return t.userID, nil
}
