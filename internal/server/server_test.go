package server

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/caw-chat/chatauth/internal/authclient"
	"github.com/caw-chat/chatauth/internal/config"
	"github.com/caw-chat/chatauth/internal/logging"
	"github.com/caw-chat/chatauth/internal/login"
	"github.com/caw-chat/chatauth/internal/notification"
	"github.com/caw-chat/chatauth/internal/session"
	"github.com/caw-chat/chatauth/internal/status"
	"github.com/caw-chat/chatauth/internal/ticket"
)

type fixture struct {
	base     string
	client   *authclient.Client
	store    *session.MemoryStore
	codes    *notification.Recorder
	messages *notification.Recorder
	flow     *login.Flow
	navs     *atomic.Int32
}

func testConfig() config.Server {
	return config.Server{
		AppName:        "identityd-test",
		Env:            "test",
		JWTSecret:      "test-secret",
		TokenTTL:       time.Hour,
		CodeTTL:        time.Minute,
		TicketTTL:      time.Minute,
		IdempotencyTTL: time.Minute,
		LoginPerMinute: 100,
	}
}

func start(t *testing.T, cache *redis.Client) *fixture {
	t.Helper()
	codes := &notification.Recorder{}
	srv, err := New(testConfig(), nil, cache, logging.Discard(), WithNotifier(codes))
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return device("http://"+ln.Addr().String(), codes)
}

// device is one client installation with its own session store.
func device(base string, codes *notification.Recorder) *fixture {
	store := session.NewMemoryStore()
	client := authclient.New(authclient.Options{
		BaseURL: base,
		Timeout: 5 * time.Second,
		Session: store,
	})
	messages := &notification.Recorder{}
	navs := &atomic.Int32{}
	flow := login.NewFlow(login.Deps{
		Auth:              client,
		Store:             store,
		Notifier:          messages,
		Navigator:         login.NavigatorFunc(func(context.Context) { navs.Add(1) }),
		EmailLoginEnabled: true,
	})
	return &fixture{base: base, client: client, store: store, codes: codes, messages: messages, flow: flow, navs: navs}
}

// peer is a second device talking to the same service.
func (f *fixture) peer() *fixture { return device(f.base, f.codes) }

func withRedis(t *testing.T) *redis.Client {
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
	return cache
}

func (f *fixture) lastCode(t *testing.T) string {
	t.Helper()
	msgs := f.codes.Messages()
	if len(msgs) == 0 {
		t.Fatalf("no verification code delivered")
	}
	body := msgs[len(msgs)-1].Body
	return body[strings.LastIndex(body, " ")+1:]
}

// signUp registers phone through the phone form and returns the account id.
func (f *fixture) signUp(t *testing.T, ctx context.Context, phone string) string {
	t.Helper()
	form := f.flow.PhoneForm()
	if st, err := form.RequestCode(ctx, phone); err != nil || !st.IsSuccess() {
		t.Fatalf("request code: %s %v", st, err)
	}
	out, err := form.Submit(ctx, phone, f.lastCode(t))
	if err != nil || !out.Status.IsSuccess() || !out.Navigated {
		t.Fatalf("submit: %+v %v", out, err)
	}
	profile, err := f.client.Profile(ctx)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	return profile.UserID
}

func TestPhoneSignUpEndToEnd(t *testing.T) {
	for name, cache := range map[string]func(*testing.T) *redis.Client{
		"memory": func(*testing.T) *redis.Client { return nil },
		"redis":  withRedis,
	} {
		t.Run(name, func(t *testing.T) {
			f := start(t, cache(t))
			ctx := context.Background()

			form := f.flow.PhoneForm()
			if _, err := form.RequestCode(ctx, "5551234"); err != nil {
				t.Fatalf("request code: %v", err)
			}
			out, err := form.Submit(ctx, "5551234", "000000x")
			if err != nil || out.Status != status.WrongPassword || out.Navigated {
				t.Fatalf("expected wrongPassword without navigation, got %+v %v", out, err)
			}
			if _, err := f.store.Current(ctx); !errors.Is(err, session.ErrNoSession) {
				t.Fatalf("store must stay empty, got %v", err)
			}

			uid := f.signUp(t, ctx, "5551234")
			if uid == "" {
				t.Fatalf("expected a user id")
			}
			token, err := f.store.Current(ctx)
			if err != nil {
				t.Fatalf("current: %v", err)
			}
			if left := time.Until(token.ExpiresAt); left <= 50*time.Minute || left > time.Hour {
				t.Fatalf("unexpected token lifetime %s", left)
			}

			want := []string{
				notification.KindCodeSent, notification.KindWrongPassword,
				notification.KindCodeSent, notification.KindLoginSuccess,
			}
			if got := f.messages.Kinds(); strings.Join(got, ",") != strings.Join(want, ",") {
				t.Fatalf("expected messages %v got %v", want, got)
			}
			if f.navs.Load() != 1 {
				t.Fatalf("expected one navigation, got %d", f.navs.Load())
			}
		})
	}
}

func TestPasswordLoginEndToEnd(t *testing.T) {
	f := start(t, withRedis(t))
	ctx := context.Background()

	pw, err := f.flow.PasswordForm()
	if err != nil {
		t.Fatalf("password form: %v", err)
	}
	out, err := pw.Submit(ctx, "a@b.com", "secret1")
	if err != nil || out.Status != status.NotExist {
		t.Fatalf("expected notExist, got %+v %v", out, err)
	}

	emailForm := f.flow.EmailCodeForm()
	if _, err := emailForm.RequestCode(ctx, "a@b.com"); err != nil {
		t.Fatalf("request code: %v", err)
	}
	if out, err := emailForm.Submit(ctx, "a@b.com", f.lastCode(t)); err != nil || !out.Status.IsSuccess() {
		t.Fatalf("email code login: %+v %v", out, err)
	}
	if err := f.client.SetPassword(ctx, "secret1"); err != nil {
		t.Fatalf("set password: %v", err)
	}
	if err := f.store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}

	out, err = pw.Submit(ctx, "a@b.com", "wrong!!")
	if err != nil || out.Status != status.WrongPassword {
		t.Fatalf("expected wrongPassword, got %+v %v", out, err)
	}
	out, err = pw.Submit(ctx, "a@b.com", "secret1")
	if err != nil || !out.Status.IsSuccess() {
		t.Fatalf("expected success, got %+v %v", out, err)
	}
	if _, err := f.store.Current(ctx); err != nil {
		t.Fatalf("expected stored session, got %v", err)
	}
}

func TestProfileRequiresSession(t *testing.T) {
	f := start(t, nil)
	ctx := context.Background()

	if _, err := f.client.Profile(ctx); !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	forged := session.Token{Value: "not-a-token", ExpiresAt: time.Now().Add(time.Hour)}
	if err := f.store.Update(ctx, forged); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := f.client.Profile(ctx); !errors.Is(err, authclient.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestQRTicketEndToEnd(t *testing.T) {
	desktop := start(t, withRedis(t))
	phone := desktop.peer()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	uid := phone.signUp(t, ctx, "5559876")

	machine := ticket.NewMachine(desktop.client, desktop.flow, logging.Discard())
	issued := make(chan authclient.Ticket, 1)
	machine.OnTicket(func(tk authclient.Ticket) { issued <- tk })
	handle := ticket.NewPoller(machine, 20*time.Millisecond).Start(ctx)
	defer handle.Stop()

	var tk authclient.Ticket
	select {
	case tk = <-issued:
	case <-ctx.Done():
		t.Fatalf("no ticket issued")
	}

	if machine.State() != ticket.AwaitingConfirmation {
		t.Fatalf("expected awaiting confirmation, got %s", machine.State())
	}

	if err := phone.client.ConfirmTicket(ctx, tk); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	select {
	case <-handle.Done():
	case <-ctx.Done():
		t.Fatalf("poller did not finish")
	}
	if err := handle.Err(); err != nil {
		t.Fatalf("poller: %v", err)
	}
	if machine.State() != ticket.Authenticated {
		t.Fatalf("expected authenticated, got %s", machine.State())
	}
	profile, err := desktop.client.Profile(ctx)
	if err != nil || profile.UserID != uid {
		t.Fatalf("expected profile %s, got %+v %v", uid, profile, err)
	}
}

func TestTicketConfirmRequiresSignedInApprover(t *testing.T) {
	desktop := start(t, nil)
	victim := desktop.peer()
	attacker := desktop.peer()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	victim.signUp(t, ctx, "5550001")

	tk, err := desktop.client.IssueTicket(ctx)
	if err != nil {
		t.Fatalf("issue ticket: %v", err)
	}

	if err := attacker.client.ConfirmTicket(ctx, tk); !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("expected ErrNoSession without a session, got %v", err)
	}
	forged := session.Token{Value: "not-a-token", ExpiresAt: time.Now().Add(time.Hour)}
	if err := attacker.store.Update(ctx, forged); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := attacker.client.ConfirmTicket(ctx, tk); !errors.Is(err, authclient.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized with a forged token, got %v", err)
	}

	res, err := desktop.client.PollTicket(ctx, tk)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Status.Code() != status.CodePending || res.Token != nil {
		t.Fatalf("ticket must stay pending, got %s", res.Status)
	}
}
