package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "chatauth:session:v1:"

// RedisStore keeps one session per profile under a single key, so processes
// sharing the profile see the same login.
type RedisStore struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

// NewRedisStore builds a store bound to profile.
func NewRedisStore(client *redis.Client, profile string) *RedisStore {
	return &RedisStore{client: client, key: redisKeyPrefix + profile, now: time.Now}
}

// Update writes the token with a TTL matching its remaining lifetime. SET
// replaces the previous value in one command.
func (s *RedisStore) Update(ctx context.Context, token Token) error {
	if err := token.validate(); err != nil {
		return err
	}
	ttl := token.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		// Already expired: the old token is still superseded.
		return s.Clear(ctx)
	}
	payload, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, s.key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (s *RedisStore) Current(ctx context.Context) (Token, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Token{}, ErrNoSession
	}
	if err != nil {
		return Token{}, fmt.Errorf("load session: %w", err)
	}
	var token Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return Token{}, fmt.Errorf("decode session: %w", err)
	}
	if token.Expired(s.now()) {
		return Token{}, ErrNoSession
	}
	return token, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
