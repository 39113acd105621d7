package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps the session in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	token *Token
	now   func() time.Time
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) Update(_ context.Context, token Token) error {
	if err := token.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = &token
	return nil
}

func (s *MemoryStore) Current(_ context.Context) (Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil || s.token.Expired(s.now()) {
		return Token{}, ErrNoSession
	}
	return *s.token, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = nil
	return nil
}
