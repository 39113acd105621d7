package identity

import (
	"context"
	"sync"
	"time"
)

type memoryRepository struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryRepository builds an in-memory user store for development and tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{users: make(map[string]User)}
}

func (r *memoryRepository) Create(_ context.Context, user User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if (user.Phone != "" && existing.Phone == user.Phone) || (user.Email != "" && existing.Email == user.Email) {
			return ErrUserExists
		}
	}
	r.users[user.ID] = user
	return nil
}

func (r *memoryRepository) FindByID(_ context.Context, id string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (r *memoryRepository) FindByAddress(_ context.Context, channel Channel, address string) (User, error) {
	if !channel.valid() {
		return User{}, ErrInvalidChannel
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, user := range r.users {
		if address != "" && user.Address(channel) == address {
			return user, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (r *memoryRepository) SetPassword(_ context.Context, id string, hash []byte) error {
	return r.modify(id, func(u *User) { u.PasswordHash = hash })
}

func (r *memoryRepository) TouchLogin(_ context.Context, id string, at time.Time) error {
	return r.modify(id, func(u *User) { u.LastLogin = at.UTC() })
}

func (r *memoryRepository) modify(id string, fn func(*User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return ErrUserNotFound
	}
	fn(&user)
	r.users[id] = user
	return nil
}
