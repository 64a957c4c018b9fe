package store

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig is the audit database connection. The audit writer is the
// only client, so the pool stays small.
type PostgresConfig struct {
	URL         string
	RequireTLS  bool
	MaxConns    int
	AppName     string
	Attempts    int
	RetryDelay  time.Duration
	PingTimeout time.Duration
}

// PostgresConfigFromEnv reads DATABASE_URL, or assembles a URL from the
// DATABASE_* parts when it is unset.
func PostgresConfigFromEnv() PostgresConfig {
	dsn := envString("DATABASE_URL", "")
	if dsn == "" {
		port := envString("DATABASE_PORT", "5432")
		if _, err := strconv.Atoi(port); err != nil {
			port = "5432"
		}
		dsn = postgresURL(
			envString("DATABASE_USER", "nexus"),
			envString("POSTGRES_PASSWORD", ""),
			net.JoinHostPort(envString("DATABASE_HOST", "localhost"), port),
			envString("DATABASE_NAME", "nexus"),
			envString("DATABASE_SSLMODE", "disable"),
		)
	}
	return PostgresConfig{
		URL:         dsn,
		RequireTLS:  envFlag("DATABASE_REQUIRE_TLS"),
		MaxConns:    envInt("DATABASE_MAX_CONNS", 4),
		AppName:     "nexus",
		Attempts:    envInt("DATABASE_CONNECT_ATTEMPTS", 30),
		RetryDelay:  2 * time.Second,
		PingTimeout: 2 * time.Second,
	}
}

func postgresURL(user, password, hostPort, dbName, sslmode string) string {
	u := &url.URL{Scheme: "postgres", Host: hostPort, Path: "/" + dbName}
	if password != "" {
		u.User = url.UserPassword(user, password)
	} else {
		u.User = url.User(user)
	}
	u.RawQuery = url.Values{"sslmode": {sslmode}}.Encode()
	return u.String()
}

var secureSSLModes = map[string]bool{"require": true, "verify-ca": true, "verify-full": true}

// checkTLS rejects URLs whose sslmode would allow a plaintext session.
func (c PostgresConfig) checkTLS() error {
	if !c.RequireTLS {
		return nil
	}
	parsed, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	mode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	if mode == "" {
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
	if !secureSSLModes[mode] {
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", mode)
	}
	return nil
}

func (c PostgresConfig) poolConfig() (*pgxpool.Config, error) {
	if err := c.checkTLS(); err != nil {
		return nil, err
	}
	cfg, err := pgxpool.ParseConfig(c.URL)
	if err != nil {
		return nil, err
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok && c.AppName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = c.AppName
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = int32(c.MaxConns)
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	return cfg, nil
}

var (
	newPool  = pgxpool.NewWithConfig
	pingPool = func(ctx context.Context, p *pgxpool.Pool) error { return p.Ping(ctx) }
)

// OpenPostgres connects and pings, retrying until Attempts is used up or ctx
// ends.
func OpenPostgres(ctx context.Context, c PostgresConfig) (*pgxpool.Pool, error) {
	cfg, err := c.poolConfig()
	if err != nil {
		return nil, err
	}
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	pingTimeout := c.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := wait(ctx, c.RetryDelay); err != nil {
				return nil, fmt.Errorf("db connect: %w (last error: %v)", err, lastErr)
			}
		}
		pool, err := newPool(ctx, cfg)
		if err != nil {
			lastErr = err
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = pingPool(pingCtx, pool)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

// NewPostgresPool opens the pool described by the environment.
func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	return OpenPostgres(ctx, PostgresConfigFromEnv())
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
