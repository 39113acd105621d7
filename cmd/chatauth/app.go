package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caw-chat/chatauth/internal/authclient"
	"github.com/caw-chat/chatauth/internal/config"
	"github.com/caw-chat/chatauth/internal/infra"
	"github.com/caw-chat/chatauth/internal/logging"
	"github.com/caw-chat/chatauth/internal/login"
	"github.com/caw-chat/chatauth/internal/notification"
	"github.com/caw-chat/chatauth/internal/qrcode"
	"github.com/caw-chat/chatauth/internal/session"
	"github.com/caw-chat/chatauth/internal/ticket"
)

const appName = "chatauth"

var (
	errUsage   = errors.New("usage")
	errNoLogin = errors.New("login did not succeed")
)

const usage = `usage: chatauth <command> [args]

commands:
  phone <number>     sign in with a verification code sent by SMS
  email <address>    sign in with a password, or with -code a verification code
  qr                 sign in by scanning a QR code with a logged-in phone
  whoami             show the account of the stored session
  passwd             set a password for email login
  confirm <ticket>   approve a QR ticket with the stored session
  logout             forget the stored session
`

type app struct {
	cfg    config.Client
	client *authclient.Client
	store  session.Store
	flow   *login.Flow
	in     *bufio.Scanner
	out    io.Writer
	logger *slog.Logger
}

func run(ctx context.Context, cfg config.Client, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}

	logger := logging.NewWriter(stderr, cfg.LogLevel)
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	client := authclient.New(authclient.Options{
		BaseURL: cfg.IdentityURL,
		Timeout: cfg.RequestTimeout,
		Logger:  logger,
		Session: store,
	})
	a := &app{
		cfg:    cfg,
		client: client,
		store:  store,
		in:     bufio.NewScanner(stdin),
		out:    stdout,
		logger: logger,
	}
	a.flow = login.NewFlow(login.Deps{
		Auth:              client,
		Store:             store,
		Notifier:          notification.NewWriterNotifier(stdout),
		Navigator:         login.NavigatorFunc(a.proceed),
		Logger:            logger,
		EmailLoginEnabled: cfg.EmailLoginEnabled,
	})

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "phone":
		return a.phone(ctx, rest)
	case "email":
		return a.email(ctx, rest)
	case "qr":
		return a.qr(ctx, rest)
	case "whoami":
		return a.whoami(ctx)
	case "passwd":
		return a.passwd(ctx)
	case "confirm":
		return a.confirm(ctx, rest)
	case "logout":
		return a.logout(ctx)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return errUsage
	}
}

// openStore is replaced in tests.
var openStore = openSessionStore

func openSessionStore(ctx context.Context, cfg config.Client, logger *slog.Logger) (session.Store, func(), error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	switch cfg.SessionBackend {
	case config.SessionRedis:
		cache, err := infra.NewRedisClient(connectCtx, cfg.RedisURL, appName)
		if err != nil {
			return nil, nil, err
		}
		return session.NewRedisStore(cache, cfg.SessionProfile), func() { cache.Close() }, nil
	case config.SessionPostgres:
		db, err := infra.NewPostgresPool(connectCtx, cfg.DatabaseURL, appName)
		if err != nil {
			return nil, nil, err
		}
		store := session.NewPostgresStore(db, cfg.SessionProfile)
		if err := store.EnsureSchema(connectCtx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ensure session schema: %w", err)
		}
		return store, db.Close, nil
	default:
		logger.Debug("using in-memory session store, the session ends with the process")
		return session.NewMemoryStore(), func() {}, nil
	}
}

func (a *app) proceed(context.Context) {
	fmt.Fprintln(a.out, "proceeding to chat")
}

func (a *app) prompt(label string) (string, error) {
	fmt.Fprintf(a.out, "%s: ", label)
	if !a.in.Scan() {
		if err := a.in.Err(); err != nil {
			return "", err
		}
		return "", io.ErrUnexpectedEOF
	}
	return strings.TrimRight(a.in.Text(), "\r"), nil
}

func oneArg(name string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%w: chatauth %s <%s>", errUsage, name, name)
	}
	return args[0], nil
}

func (a *app) phone(ctx context.Context, args []string) error {
	number, err := oneArg("phone", args)
	if err != nil {
		return err
	}
	return a.codeLogin(ctx, a.flow.PhoneForm(), number)
}

func (a *app) email(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("email", flag.ContinueOnError)
	fs.SetOutput(a.out)
	useCode := fs.Bool("code", false, "sign in with a verification code instead of a password")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	address, err := oneArg("email", fs.Args())
	if err != nil {
		return err
	}

	if *useCode {
		return a.codeLogin(ctx, a.flow.EmailCodeForm(), address)
	}
	form, err := a.flow.PasswordForm()
	if errors.Is(err, login.ErrEmailDisabled) {
		return fmt.Errorf("%w; set EMAIL_LOGIN_ENABLED=true or use -code", err)
	}
	if err != nil {
		return err
	}
	password, err := a.prompt("Password")
	if err != nil {
		return err
	}
	return loggedIn(form.Submit(ctx, address, password))
}

func (a *app) codeLogin(ctx context.Context, form *login.CodeForm, destination string) error {
	st, err := form.RequestCode(ctx, destination)
	if err != nil {
		return err
	}
	if !st.IsSuccess() {
		return errNoLogin
	}
	code, err := a.prompt("Verification code")
	if err != nil {
		return err
	}
	return loggedIn(form.Submit(ctx, destination, code))
}

func loggedIn(out login.Outcome, err error) error {
	if err != nil {
		return err
	}
	if !out.Navigated {
		return errNoLogin
	}
	return nil
}

func (a *app) qr(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("qr", flag.ContinueOnError)
	fs.SetOutput(a.out)
	path := fs.String("out", a.cfg.QRPath, "where to write the QR code image")
	timeout := fs.Duration("timeout", 0, "give up after this long (0 waits until interrupted)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	machine := ticket.NewMachine(a.client, a.flow, a.logger)
	machine.OnTicket(func(t authclient.Ticket) {
		link := qrcode.URL(a.cfg.QRBaseURL, string(t))
		if err := qrcode.WritePNG(*path, link); err != nil {
			a.logger.Error("write qr code", slog.Any("error", err))
			fmt.Fprintf(a.out, "Open %s on your phone to sign in\n", link)
			return
		}
		fmt.Fprintf(a.out, "Scan the QR code in %s to sign in (ticket %s)\n", *path, t)
	})

	handle := ticket.NewPoller(machine, a.cfg.PollInterval).Start(ctx)
	defer handle.Stop()
	<-handle.Done()

	if machine.State() == ticket.Authenticated {
		return nil
	}
	if err := handle.Err(); errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("ticket not confirmed in time")
	}
	return handle.Err()
}

func (a *app) whoami(ctx context.Context) error {
	p, err := a.client.Profile(ctx)
	if err != nil {
		return describe(err)
	}
	fmt.Fprintf(a.out, "user_id: %s\n", p.UserID)
	if p.Phone != "" {
		fmt.Fprintf(a.out, "phone:   %s\n", p.Phone)
	}
	if p.Email != "" {
		fmt.Fprintf(a.out, "email:   %s\n", p.Email)
	}
	if tok, err := a.store.Current(ctx); err == nil {
		fmt.Fprintf(a.out, "expires: %s\n", tok.ExpiresAt.Local().Format(time.RFC1123))
	}
	return nil
}

func (a *app) passwd(ctx context.Context) error {
	password, err := a.prompt("New password")
	if err != nil {
		return err
	}
	if err := a.client.SetPassword(ctx, password); err != nil {
		return describe(err)
	}
	fmt.Fprintln(a.out, "Password updated")
	return nil
}

func (a *app) confirm(ctx context.Context, args []string) error {
	t, err := oneArg("ticket", args)
	if err != nil {
		return err
	}
	if err := a.client.ConfirmTicket(ctx, authclient.Ticket(t)); err != nil {
		return describe(err)
	}
	fmt.Fprintln(a.out, "Ticket confirmed")
	return nil
}

func (a *app) logout(ctx context.Context) error {
	if err := a.store.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Logged out")
	return nil
}

func describe(err error) error {
	switch {
	case errors.Is(err, session.ErrNoSession):
		return errors.New("not logged in")
	case errors.Is(err, authclient.ErrUnauthorized):
		return errors.New("session rejected by the server, log in again")
	default:
		return err
	}
}
