package middleware

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/caw-chat/chatauth/internal/logging"
)

func setupTestApp(t *testing.T) (*fiber.App, *int32) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		cache.Close()
		mr.Close()
	})

	var calls int32
	app := fiber.New()
	app.Use(RequestID(logging.Discard()))
	app.Use(Idempotency(cache, time.Minute))
	app.Post("/register", func(c *fiber.Ctx) error {
		n := atomic.AddInt32(&calls, 1)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": 0, "call": n})
	})
	app.Post("/login", func(c *fiber.Ctx) error {
		atomic.AddInt32(&calls, 1)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": 3})
	})
	app.Post("/fail", func(c *fiber.Ctx) error {
		atomic.AddInt32(&calls, 1)
		return fiber.NewError(fiber.StatusBadGateway, "upstream")
	})
	return app, &calls
}

func post(t *testing.T, app *fiber.App, path, key string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader("{}"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestIdempotencyRequiresHeader(t *testing.T) {
	app, calls := setupTestApp(t)

	if code, _ := post(t, app, "/register", ""); code != fiber.StatusBadRequest {
		t.Fatalf("expected %d got %d", fiber.StatusBadRequest, code)
	}
	if *calls != 0 {
		t.Fatalf("handler should not run without a key")
	}
}

func TestIdempotencyReturnsCachedResponse(t *testing.T) {
	app, calls := setupTestApp(t)

	code, first := post(t, app, "/register", "abc123")
	if code != fiber.StatusOK {
		t.Fatalf("expected status %d got %d", fiber.StatusOK, code)
	}
	code, second := post(t, app, "/register", "abc123")
	if code != fiber.StatusOK {
		t.Fatalf("expected cached status %d got %d", fiber.StatusOK, code)
	}
	if first != second {
		t.Fatalf("expected cached payload %s got %s", first, second)
	}
	if atomic.LoadInt32(calls) != 1 {
		t.Fatalf("expected handler to run once, ran %d times", *calls)
	}
}

func TestIdempotencyKeyScopedToPath(t *testing.T) {
	app, calls := setupTestApp(t)

	post(t, app, "/register", "shared")
	_, body := post(t, app, "/login", "shared")
	if !strings.Contains(body, `"status":3`) {
		t.Fatalf("expected login response, got %s", body)
	}
	if atomic.LoadInt32(calls) != 2 {
		t.Fatalf("expected both handlers to run, got %d calls", *calls)
	}
}

func TestIdempotencyReleasesKeyOnError(t *testing.T) {
	app, calls := setupTestApp(t)

	for i := 0; i < 2; i++ {
		if code, _ := post(t, app, "/fail", "retry-me"); code != fiber.StatusBadGateway {
			t.Fatalf("attempt %d: expected %d got %d", i, fiber.StatusBadGateway, code)
		}
	}
	if atomic.LoadInt32(calls) != 2 {
		t.Fatalf("failed requests must be retryable, got %d calls", *calls)
	}
}
