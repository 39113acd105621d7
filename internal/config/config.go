package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName        = "identityd"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	defaultTokenTTL       = 7 * 24 * time.Hour
	defaultCodeTTL        = 5 * time.Minute
	defaultTicketTTL      = 5 * time.Minute
	defaultLoginPerMinute = 5

	defaultIdentityURL    = "http://localhost:8080"
	defaultRequestTimeout = 10 * time.Second
	defaultPollInterval   = 3 * time.Second
	defaultSessionBackend = "memory"
	defaultSessionProfile = "default"
	defaultQRBaseURL      = "https://mp.weixin.qq.com/cgi-bin/showqrcode?ticket="
	defaultQRPath         = "chatauth-qr.png"
)

// Session backends accepted by SESSION_BACKEND.
const (
	SessionMemory   = "memory"
	SessionRedis    = "redis"
	SessionPostgres = "postgres"
)

// Server captures identity service configuration loaded from environment variables.
type Server struct {
	AppName        string
	Env            string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	JWTSecret      string
	TokenTTL       time.Duration
	CodeTTL        time.Duration
	TicketTTL      time.Duration
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration
	LoginPerMinute int
}

// Client captures chatauth configuration loaded from environment variables.
type Client struct {
	LogLevel          string
	IdentityURL       string
	RequestTimeout    time.Duration
	PollInterval      time.Duration
	SessionBackend    string
	SessionProfile    string
	RedisURL          string
	DatabaseURL       string
	EmailLoginEnabled bool
	QRBaseURL         string
	QRPath            string
}

// LoadServer reads identity service settings. Postgres and Redis are optional in
// development and required everywhere else.
func LoadServer() (Server, error) {
	cfg := Server{
		AppName:     getEnv("APP_NAME", defaultAppName),
		Env:         getEnv("APP_ENV", defaultAppEnv),
		Port:        getEnv("PORT", defaultPort),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
	}

	var err error
	if cfg.ShutdownPeriod, err = durationEnv("SHUTDOWN_TIMEOUT", defaultShutdownDelay); err != nil {
		return Server{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv("IDEMPOTENCY_TTL", defaultIdempotencyTTL); err != nil {
		return Server{}, err
	}
	if cfg.TokenTTL, err = durationEnv("TOKEN_TTL", defaultTokenTTL); err != nil {
		return Server{}, err
	}
	if cfg.CodeTTL, err = durationEnv("CODE_TTL", defaultCodeTTL); err != nil {
		return Server{}, err
	}
	if cfg.TicketTTL, err = durationEnv("TICKET_TTL", defaultTicketTTL); err != nil {
		return Server{}, err
	}
	if cfg.LoginPerMinute, err = intEnv("LOGIN_RATE_PER_MINUTE", defaultLoginPerMinute); err != nil {
		return Server{}, err
	}

	if cfg.JWTSecret == "" {
		if !IsDev(cfg.Env) {
			return Server{}, fmt.Errorf("JWT_SECRET must be set")
		}
		cfg.JWTSecret = "dev-secret"
	}
	if !IsDev(cfg.Env) {
		if cfg.DatabaseURL == "" {
			return Server{}, fmt.Errorf("DATABASE_URL must be set")
		}
		if cfg.RedisURL == "" {
			return Server{}, fmt.Errorf("REDIS_URL must be set")
		}
	}

	return cfg, nil
}

// LoadClient reads chatauth settings.
func LoadClient() (Client, error) {
	cfg := Client{
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", "warn")),
		IdentityURL:    strings.TrimRight(getEnv("IDENTITY_URL", defaultIdentityURL), "/"),
		SessionBackend: strings.ToLower(getEnv("SESSION_BACKEND", defaultSessionBackend)),
		SessionProfile: getEnv("SESSION_PROFILE", defaultSessionProfile),
		RedisURL:       os.Getenv("REDIS_URL"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		QRBaseURL:      getEnv("QR_BASE_URL", defaultQRBaseURL),
		QRPath:         getEnv("QR_PATH", defaultQRPath),
	}

	var err error
	if cfg.RequestTimeout, err = durationEnv("REQUEST_TIMEOUT", defaultRequestTimeout); err != nil {
		return Client{}, err
	}
	if cfg.PollInterval, err = durationEnv("POLL_INTERVAL", defaultPollInterval); err != nil {
		return Client{}, err
	}
	if cfg.PollInterval <= 0 {
		return Client{}, fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if v := os.Getenv("EMAIL_LOGIN_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Client{}, fmt.Errorf("invalid EMAIL_LOGIN_ENABLED: %w", err)
		}
		cfg.EmailLoginEnabled = enabled
	}

	switch cfg.SessionBackend {
	case SessionMemory:
	case SessionRedis:
		if cfg.RedisURL == "" {
			return Client{}, fmt.Errorf("REDIS_URL must be set when SESSION_BACKEND=redis")
		}
	case SessionPostgres:
		if cfg.DatabaseURL == "" {
			return Client{}, fmt.Errorf("DATABASE_URL must be set when SESSION_BACKEND=postgres")
		}
	default:
		return Client{}, fmt.Errorf("unknown SESSION_BACKEND %q", cfg.SessionBackend)
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Server) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsDev reports whether env names a local development environment.
func IsDev(env string) bool {
	switch strings.ToLower(env) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// durationEnv accepts either KEY_SECONDS as an integer or KEY as a Go duration.
func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	secondsKey := key + "_SECONDS"
	if v := os.Getenv(secondsKey); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
