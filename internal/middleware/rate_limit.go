package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/caw-chat/chatauth/internal/logging"
)

// KeyFunc picks the rate limit bucket for a request.
type KeyFunc func(c *fiber.Ctx) string

// BodyField buckets by the first non-empty JSON body field of fields,
// falling back to the client IP.
func BodyField(fields ...string) KeyFunc {
	return func(c *fiber.Ctx) string {
		var body map[string]any
		_ = c.BodyParser(&body)
		for _, field := range fields {
			if v, ok := body[field].(string); ok && strings.TrimSpace(v) != "" {
				return strings.ToLower(strings.TrimSpace(v))
			}
		}
		return c.IP()
	}
}

// RateLimit allows perMinute requests per key. With Redis the window is a
// fixed minute shared by all replicas; without it an in-process token bucket
// is used.
func RateLimit(cache *redis.Client, prefix string, perMinute int, key KeyFunc) fiber.Handler {
	if perMinute <= 0 {
		perMinute = 5
	}
	if cache == nil {
		return localRateLimit(prefix, perMinute, key)
	}
	return func(c *fiber.Ctx) error {
		k := "rl:" + prefix + ":" + key(c)
		cnt, err := cache.Incr(c.UserContext(), k).Result()
		if err != nil {
			// fail open
			logging.From(c.UserContext()).Warn("rate limit lookup failed", slog.Any("error", err))
			return c.Next()
		}
		if cnt == 1 {
			cache.Expire(c.UserContext(), k, time.Minute)
		}
		if cnt > int64(perMinute) {
			return fiber.NewError(http.StatusTooManyRequests, "too many attempts, try again later")
		}
		return c.Next()
	}
}

func localRateLimit(prefix string, perMinute int, key KeyFunc) fiber.Handler {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	every := rate.Every(time.Minute / time.Duration(perMinute))
	return func(c *fiber.Ctx) error {
		k := prefix + ":" + key(c)
		mu.Lock()
		l, ok := limiters[k]
		if !ok {
			l = rate.NewLimiter(every, perMinute)
			limiters[k] = l
		}
		mu.Unlock()
		if !l.Allow() {
			return fiber.NewError(http.StatusTooManyRequests, "too many attempts, try again later")
		}
		return c.Next()
	}
}
