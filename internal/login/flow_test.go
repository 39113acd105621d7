package login

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caw-chat/chatauth/internal/authclient"
	"github.com/caw-chat/chatauth/internal/notification"
	"github.com/caw-chat/chatauth/internal/session"
	"github.com/caw-chat/chatauth/internal/status"
)

type fakeAuth struct {
	calls   atomic.Int32
	release chan struct{}

	codeStatus status.Status
	result     authclient.Result
	err        error
}

func (f *fakeAuth) wait() {
	if f.release != nil {
		<-f.release
	}
}

func (f *fakeAuth) RequestVerificationCode(_ context.Context, _ authclient.Channel, _ string) (status.Status, error) {
	f.calls.Add(1)
	return f.codeStatus, f.err
}

func (f *fakeAuth) RegisterOrLogin(_ context.Context, _ authclient.Channel, _, _ string) (authclient.Result, error) {
	f.calls.Add(1)
	f.wait()
	return f.result, f.err
}

func (f *fakeAuth) LoginWithPassword(_ context.Context, _, _ string) (authclient.Result, error) {
	f.calls.Add(1)
	f.wait()
	return f.result, f.err
}

type harness struct {
	auth     *fakeAuth
	store    *session.MemoryStore
	recorder *notification.Recorder
	navs     atomic.Int32
	flow     *Flow
}

func newHarness(auth *fakeAuth) *harness {
	h := &harness{auth: auth, store: session.NewMemoryStore(), recorder: &notification.Recorder{}}
	h.flow = NewFlow(Deps{
		Auth:              auth,
		Store:             h.store,
		Notifier:          h.recorder,
		Navigator:         NavigatorFunc(func(context.Context) { h.navs.Add(1) }),
		EmailLoginEnabled: true,
	})
	return h
}

func success(value string, expires time.Time) authclient.Result {
	return authclient.Result{Status: status.Success, Token: &session.Token{Value: value, ExpiresAt: expires}}
}

func TestEmptyFieldsNeverReachTheNetwork(t *testing.T) {
	h := newHarness(&fakeAuth{})
	ctx := context.Background()
	pw, err := h.flow.PasswordForm()
	if err != nil {
		t.Fatalf("password form: %v", err)
	}

	checks := []error{}
	_, err = h.flow.PhoneForm().RequestCode(ctx, "  ")
	checks = append(checks, err)
	_, err = h.flow.PhoneForm().Submit(ctx, "5551234", "")
	checks = append(checks, err)
	_, err = h.flow.EmailCodeForm().Submit(ctx, "", "0000")
	checks = append(checks, err)
	_, err = pw.Submit(ctx, "a@b.com", "")
	checks = append(checks, err)

	for i, err := range checks {
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("check %d: expected ErrValidation, got %v", i, err)
		}
	}
	if h.auth.calls.Load() != 0 {
		t.Fatalf("expected no network calls, got %d", h.auth.calls.Load())
	}
	kinds := h.recorder.Kinds()
	if len(kinds) != 4 {
		t.Fatalf("expected one validation message per attempt, got %v", kinds)
	}
	for _, k := range kinds {
		if k != notification.KindValidation {
			t.Fatalf("unexpected message kind %s", k)
		}
	}
}

func TestPhoneNotRegisteredLeavesStoreUnchanged(t *testing.T) {
	h := newHarness(&fakeAuth{result: authclient.Result{Status: status.NotExist}})
	ctx := context.Background()
	prior := session.Token{Value: "prior", ExpiresAt: time.Now().Add(time.Hour)}
	if err := h.store.Update(ctx, prior); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	out, err := h.flow.PhoneForm().Submit(ctx, "5551234", "0000")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != status.NotExist || out.Navigated {
		t.Fatalf("unexpected outcome %+v", out)
	}

	msgs := h.recorder.Messages()
	if len(msgs) != 1 || msgs[0].Kind != notification.KindNotRegistered || msgs[0].Body != "Not yet registered" {
		t.Fatalf("expected one not-registered message, got %+v", msgs)
	}
	got, err := h.store.Current(ctx)
	if err != nil || got.Value != "prior" {
		t.Fatalf("store must be unchanged, got %+v %v", got, err)
	}
	if h.navs.Load() != 0 {
		t.Fatalf("no navigation expected")
	}
}

func TestEmailPasswordSuccessStoresTokenAndNavigatesOnce(t *testing.T) {
	expires := time.Now().Add(24 * time.Hour).Truncate(time.Millisecond)
	h := newHarness(&fakeAuth{result: success("abc", expires)})
	ctx := context.Background()
	if err := h.store.Update(ctx, session.Token{Value: "old", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	pw, err := h.flow.PasswordForm()
	if err != nil {
		t.Fatalf("password form: %v", err)
	}
	out, err := pw.Submit(ctx, "a@b.com", "x")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !out.Status.IsSuccess() || !out.Navigated {
		t.Fatalf("unexpected outcome %+v", out)
	}

	got, err := h.store.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if got.Value != "abc" || !got.ExpiresAt.Equal(expires) {
		t.Fatalf("expected (abc, %s), got %+v", expires, got)
	}
	if h.navs.Load() != 1 {
		t.Fatalf("expected exactly one navigation, got %d", h.navs.Load())
	}
	if kinds := h.recorder.Kinds(); len(kinds) != 1 || kinds[0] != notification.KindLoginSuccess {
		t.Fatalf("expected one success message, got %v", kinds)
	}
}

func TestDomainStatusesProduceOneMessageEach(t *testing.T) {
	cases := []struct {
		status status.Status
		kind   string
	}{
		{status.NotExist, notification.KindNotRegistered},
		{status.WrongPassword, notification.KindWrongPassword},
		{status.Unknown(9), notification.KindUnknownStatus},
	}
	for _, tc := range cases {
		h := newHarness(&fakeAuth{result: authclient.Result{Status: tc.status}})
		pw, _ := h.flow.PasswordForm()
		if _, err := pw.Submit(context.Background(), "a@b.com", "x"); err != nil {
			t.Fatalf("%s: submit: %v", tc.status, err)
		}
		if kinds := h.recorder.Kinds(); len(kinds) != 1 || kinds[0] != tc.kind {
			t.Fatalf("%s: expected [%s], got %v", tc.status, tc.kind, kinds)
		}
		if _, err := h.store.Current(context.Background()); !errors.Is(err, session.ErrNoSession) {
			t.Fatalf("%s: store must stay empty", tc.status)
		}
	}
}

func TestTransportErrorIsSurfacedDistinctly(t *testing.T) {
	netErr := &authclient.TransportError{Op: "login with password", Err: errors.New("connection refused")}
	h := newHarness(&fakeAuth{err: netErr})
	pw, _ := h.flow.PasswordForm()

	_, err := pw.Submit(context.Background(), "a@b.com", "x")
	if !errors.Is(err, authclient.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if kinds := h.recorder.Kinds(); len(kinds) != 1 || kinds[0] != notification.KindTransportError {
		t.Fatalf("expected one network message, got %v", kinds)
	}
	if _, err := h.store.Current(context.Background()); !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("store must stay empty")
	}
}

func TestDuplicateSubmitIsSuppressed(t *testing.T) {
	auth := &fakeAuth{release: make(chan struct{}), result: success("abc", time.Now().Add(time.Hour))}
	h := newHarness(auth)
	form := h.flow.PhoneForm()
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := form.Submit(ctx, "5551234", "0000"); err != nil {
			t.Errorf("first submit: %v", err)
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for auth.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first submission never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := form.Submit(ctx, "5551234", "0000"); !errors.Is(err, ErrSubmitPending) {
		t.Fatalf("expected ErrSubmitPending, got %v", err)
	}
	if auth.calls.Load() != 1 {
		t.Fatalf("expected a single network call while pending, got %d", auth.calls.Load())
	}
	if !form.SubmitPending() {
		t.Fatalf("expected the first submission to be pending")
	}

	// The code request has its own guard.
	if _, err := form.RequestCode(ctx, "5551234"); err != nil {
		t.Fatalf("code request during submit: %v", err)
	}

	close(auth.release)
	wg.Wait()

	if form.SubmitPending() {
		t.Fatalf("guard must be released after completion")
	}
	if h.navs.Load() != 1 {
		t.Fatalf("expected one navigation, got %d", h.navs.Load())
	}
}

func TestRequestCodeMessages(t *testing.T) {
	cases := []struct {
		status status.Status
		kind   string
	}{
		{status.Success, notification.KindCodeSent},
		{status.NotExist, notification.KindNotRegistered},
		{status.WrongPassword, notification.KindWrongPassword},
		{status.Unknown(5), notification.KindUnknownStatus},
	}
	for _, tc := range cases {
		h := newHarness(&fakeAuth{codeStatus: tc.status})
		st, err := h.flow.EmailCodeForm().RequestCode(context.Background(), "a@b.com")
		if err != nil {
			t.Fatalf("%s: request code: %v", tc.status, err)
		}
		if st != tc.status {
			t.Fatalf("expected %s got %s", tc.status, st)
		}
		if kinds := h.recorder.Kinds(); len(kinds) != 1 || kinds[0] != tc.kind {
			t.Fatalf("%s: expected [%s], got %v", tc.status, tc.kind, kinds)
		}
	}
}

func TestPasswordFormDisabled(t *testing.T) {
	flow := NewFlow(Deps{Auth: &fakeAuth{}, Store: session.NewMemoryStore()})
	if _, err := flow.PasswordForm(); !errors.Is(err, ErrEmailDisabled) {
		t.Fatalf("expected ErrEmailDisabled, got %v", err)
	}
}

type failingStore struct {
	session.Store
}

func (failingStore) Update(context.Context, session.Token) error { return errors.New("redis down") }

func TestStoreFailureDoesNotNavigate(t *testing.T) {
	var navs int
	recorder := &notification.Recorder{}
	flow := NewFlow(Deps{
		Auth:              &fakeAuth{result: success("abc", time.Now().Add(time.Hour))},
		Store:             failingStore{Store: session.NewMemoryStore()},
		Notifier:          recorder,
		Navigator:         NavigatorFunc(func(context.Context) { navs++ }),
		EmailLoginEnabled: true,
	})
	pw, _ := flow.PasswordForm()

	out, err := pw.Submit(context.Background(), "a@b.com", "x")
	if !errors.Is(err, ErrSessionStore) {
		t.Fatalf("expected ErrSessionStore, got %v", err)
	}
	if out.Navigated || navs != 0 {
		t.Fatalf("must not navigate without a stored session")
	}
	if kinds := recorder.Kinds(); len(kinds) != 1 || kinds[0] != notification.KindTransportError {
		t.Fatalf("expected one error message, got %v", kinds)
	}
}
