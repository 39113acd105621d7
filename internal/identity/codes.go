package identity

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CodeStore keeps outstanding verification codes. A code is single use,
// expires after its TTL and is dropped after MaxCodeAttempts wrong guesses.
type CodeStore interface {
	// Save replaces any outstanding code and resets its wrong-guess count.
	Save(ctx context.Context, channel Channel, address, code string, ttl time.Duration) error
	// Consume reports whether code matches the outstanding one, removing it on a match.
	Consume(ctx context.Context, channel Channel, address, code string) (bool, error)
}

// MaxCodeAttempts is how many wrong guesses a code survives.
const MaxCodeAttempts = 5

const (
	codeKeyPrefix     = "identity:code:v1:"
	attemptsKeyPrefix = "identity:code-attempts:v1:"
)

func codeKey(channel Channel, address string) string {
	return codeKeyPrefix + string(channel) + ":" + address
}

func attemptsKey(channel Channel, address string) string {
	return attemptsKeyPrefix + string(channel) + ":" + address
}

func codesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// RedisCodeStore implements CodeStore on Redis with key expiry.
type RedisCodeStore struct {
	cache *redis.Client
}

func NewRedisCodeStore(cache *redis.Client) *RedisCodeStore {
	return &RedisCodeStore{cache: cache}
}

func (s *RedisCodeStore) Save(ctx context.Context, channel Channel, address, code string, ttl time.Duration) error {
	_, err := s.cache.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, codeKey(channel, address), code, ttl)
		pipe.Del(ctx, attemptsKey(channel, address))
		return nil
	})
	if err != nil {
		return fmt.Errorf("save code: %w", err)
	}
	return nil
}

func (s *RedisCodeStore) Consume(ctx context.Context, channel Channel, address, code string) (bool, error) {
	key := codeKey(channel, address)
	stored, err := s.cache.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load code: %w", err)
	}
	if !codesEqual(stored, code) {
		return false, s.miss(ctx, key, attemptsKey(channel, address))
	}
	// Del reports how many keys it removed, so a concurrent consumer loses.
	n, err := s.cache.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("consume code: %w", err)
	}
	s.cache.Del(ctx, attemptsKey(channel, address))
	return n == 1, nil
}

// miss counts a wrong guess and burns the code once the budget is spent.
// The counter lives no longer than the code it guards.
func (s *RedisCodeStore) miss(ctx context.Context, key, counter string) error {
	n, err := s.cache.Incr(ctx, counter).Result()
	if err != nil {
		return fmt.Errorf("count code attempt: %w", err)
	}
	if n == 1 {
		if ttl, err := s.cache.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
			s.cache.PExpire(ctx, counter, ttl)
		}
	}
	if n >= MaxCodeAttempts {
		if err := s.cache.Del(ctx, key, counter).Err(); err != nil {
			return fmt.Errorf("burn code: %w", err)
		}
	}
	return nil
}

type memoryCode struct {
	code    string
	expires time.Time
	misses  int
}

type memoryCodeStore struct {
	mu    sync.Mutex
	codes map[string]memoryCode
	now   func() time.Time
}

// NewMemoryCodeStore builds an in-process CodeStore.
func NewMemoryCodeStore() CodeStore {
	return &memoryCodeStore{codes: make(map[string]memoryCode), now: time.Now}
}

func (s *memoryCodeStore) Save(_ context.Context, channel Channel, address, code string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[codeKey(channel, address)] = memoryCode{code: code, expires: s.now().Add(ttl)}
	return nil
}

func (s *memoryCodeStore) Consume(_ context.Context, channel Channel, address, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := codeKey(channel, address)
	stored, ok := s.codes[key]
	if !ok {
		return false, nil
	}
	if !s.now().Before(stored.expires) {
		delete(s.codes, key)
		return false, nil
	}
	if !codesEqual(stored.code, code) {
		stored.misses++
		if stored.misses >= MaxCodeAttempts {
			delete(s.codes, key)
		} else {
			s.codes[key] = stored
		}
		return false, nil
	}
	delete(s.codes, key)
	return true, nil
}
