package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caw-chat/chatauth/internal/config"
	"github.com/caw-chat/chatauth/internal/logging"
	"github.com/caw-chat/chatauth/internal/notification"
	"github.com/caw-chat/chatauth/internal/server"
	"github.com/caw-chat/chatauth/internal/session"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type cli struct {
	cfg   config.Client
	codes *notification.Recorder
}

// newCLI starts an identity service and shares one in-memory session store
// across runs, the way a persistent backend would.
func newCLI(t *testing.T) *cli {
	t.Helper()
	codes := &notification.Recorder{}
	srv, err := server.New(config.Server{
		AppName:        "identityd-test",
		Env:            "test",
		JWTSecret:      "test-secret",
		TokenTTL:       time.Hour,
		LoginPerMinute: 100,
	}, nil, nil, logging.Discard(), server.WithNotifier(codes))
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	store := session.NewMemoryStore()
	prev := openStore
	openStore = func(context.Context, config.Client, *slog.Logger) (session.Store, func(), error) {
		return store, func() {}, nil
	}
	t.Cleanup(func() { openStore = prev })

	return &cli{
		codes: codes,
		cfg: config.Client{
			LogLevel:       "error",
			IdentityURL:    "http://" + ln.Addr().String(),
			RequestTimeout: 5 * time.Second,
			PollInterval:   20 * time.Millisecond,
			SessionBackend: config.SessionMemory,
			QRBaseURL:      "https://example.test/qr?ticket=",
			QRPath:         filepath.Join(t.TempDir(), "qr.png"),
		},
	}
}

func (c *cli) run(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	var out, errOut syncBuffer
	err := run(context.Background(), c.cfg, args, stdin, &out, &errOut)
	return out.String(), err
}

// codeInput feeds the next delivered verification code to stdin once it arrives.
func (c *cli) codeInput(t *testing.T) io.Reader {
	t.Helper()
	already := len(c.codes.Messages())
	r, w := io.Pipe()
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if msgs := c.codes.Messages(); len(msgs) > already {
				body := msgs[len(msgs)-1].Body
				_, _ = io.WriteString(w, body[strings.LastIndex(body, " ")+1:]+"\n")
				_ = w.Close()
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		w.CloseWithError(errors.New("no code delivered"))
	}()
	return r
}

func TestUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run(context.Background(), config.Client{}, nil, nil, &out, &errOut); !errors.Is(err, errUsage) {
		t.Fatalf("expected errUsage, got %v", err)
	}
	if !strings.Contains(errOut.String(), "usage: chatauth") {
		t.Fatalf("expected usage text, got %q", errOut.String())
	}

	c := newCLI(t)
	if _, err := c.run(t, nil, "dance"); !errors.Is(err, errUsage) {
		t.Fatalf("expected errUsage for unknown command, got %v", err)
	}
	if _, err := c.run(t, nil, "phone"); !errors.Is(err, errUsage) {
		t.Fatalf("expected errUsage without a number, got %v", err)
	}
}

func TestPhoneLoginWhoamiLogout(t *testing.T) {
	c := newCLI(t)

	out, err := c.run(t, c.codeInput(t), "phone", "5551234")
	if err != nil {
		t.Fatalf("phone: %v\n%s", err, out)
	}
	for _, want := range []string{"Verification code sent", "Login successful", "proceeding to chat"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}

	out, err = c.run(t, nil, "whoami")
	if err != nil || !strings.Contains(out, "phone:   5551234") {
		t.Fatalf("whoami: %v\n%s", err, out)
	}

	if out, err := c.run(t, nil, "logout"); err != nil || !strings.Contains(out, "Logged out") {
		t.Fatalf("logout: %v\n%s", err, out)
	}
	if _, err := c.run(t, nil, "whoami"); err == nil || !strings.Contains(err.Error(), "not logged in") {
		t.Fatalf("expected not logged in, got %v", err)
	}
}

func TestWrongCodeFails(t *testing.T) {
	c := newCLI(t)
	out, err := c.run(t, strings.NewReader("999999x\n"), "phone", "5551234")
	if !errors.Is(err, errNoLogin) {
		t.Fatalf("expected errNoLogin, got %v", err)
	}
	if !strings.Contains(out, "Wrong password") || strings.Contains(out, "proceeding to chat") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestEmailPasswordLogin(t *testing.T) {
	c := newCLI(t)

	if _, err := c.run(t, strings.NewReader("pw\n"), "email", "a@b.com"); err == nil || !strings.Contains(err.Error(), "-code") {
		t.Fatalf("expected disabled email login, got %v", err)
	}

	if out, err := c.run(t, c.codeInput(t), "email", "-code", "a@b.com"); err != nil {
		t.Fatalf("email code login: %v\n%s", err, out)
	}
	if out, err := c.run(t, strings.NewReader("secret1\n"), "passwd"); err != nil || !strings.Contains(out, "Password updated") {
		t.Fatalf("passwd: %v\n%s", err, out)
	}
	if _, err := c.run(t, nil, "logout"); err != nil {
		t.Fatalf("logout: %v", err)
	}

	c.cfg.EmailLoginEnabled = true
	out, err := c.run(t, strings.NewReader("secret1\n"), "email", "a@b.com")
	if err != nil || !strings.Contains(out, "Login successful") {
		t.Fatalf("password login: %v\n%s", err, out)
	}
}

func TestQRTimesOutAndWritesImage(t *testing.T) {
	c := newCLI(t)
	out, err := c.run(t, nil, "qr", "-timeout", "150ms")
	if err == nil || !strings.Contains(err.Error(), "not confirmed in time") {
		t.Fatalf("expected timeout, got %v\n%s", err, out)
	}
	if !strings.Contains(out, "Scan the QR code in "+c.cfg.QRPath) {
		t.Fatalf("expected scan prompt, got:\n%s", out)
	}
	data, err := os.ReadFile(c.cfg.QRPath)
	if err != nil {
		t.Fatalf("read qr: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Fatalf("expected a PNG file")
	}
}
