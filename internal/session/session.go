package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoSession is returned by Current when no live token is held.
	ErrNoSession = errors.New("no session")

	// ErrInvalidToken rejects a token without a value or without an expiry.
	ErrInvalidToken = errors.New("token value and expiry are required")
)

// Token is a signed token issued by the identity service.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token is no longer valid at now.
func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t Token) validate() error {
	if t.Value == "" || t.ExpiresAt.IsZero() {
		return ErrInvalidToken
	}
	return nil
}

// Reader is the read side of a Store, enough to attach credentials to requests.
type Reader interface {
	Current(ctx context.Context) (Token, error)
}

// Store holds at most one token. Update replaces whatever was held before.
type Store interface {
	Reader
	Update(ctx context.Context, token Token) error
	Clear(ctx context.Context) error
}
