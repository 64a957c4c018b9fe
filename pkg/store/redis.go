package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig backs the shared sliding window, the route quota and the
// embedding cache.
type RedisConfig struct {
	// URL, when set, wins over Addr/Password/DB (redis:// or rediss://).
	URL      string
	Addr     string
	Password string
	DB       int

	RequireTLS bool
	TLS        bool
	// Insecure skips certificate checks and is refused unless AllowInsecure.
	Insecure      bool
	AllowInsecure bool
	ServerName    string
	CAFile        string
	CertFile      string
	KeyFile       string

	PingTimeout time.Duration
}

func RedisConfigFromEnv() RedisConfig {
	return RedisConfig{
		URL:           envString("REDIS_URL", ""),
		Addr:          envString("REDIS_ADDR", "localhost:6379"),
		Password:      os.Getenv("REDIS_PASSWORD"),
		DB:            envInt("REDIS_DB", 0),
		RequireTLS:    envFlag("REDIS_REQUIRE_TLS"),
		TLS:           envFlag("REDIS_TLS"),
		Insecure:      envFlag("REDIS_TLS_INSECURE"),
		AllowInsecure: envFlag("REDIS_ALLOW_INSECURE_TLS"),
		ServerName:    envString("REDIS_TLS_SERVER_NAME", ""),
		CAFile:        envString("REDIS_TLS_CA_CERT_FILE", ""),
		CertFile:      envString("REDIS_TLS_CERT_FILE", ""),
		KeyFile:       envString("REDIS_TLS_KEY_FILE", ""),
		PingTimeout:   2 * time.Second,
	}
}

// Options resolves the client options, loading certificates from disk.
func (c RedisConfig) Options() (*redis.Options, error) {
	var opts *redis.Options
	if c.URL != "" {
		parsed, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB}
	}

	tlsCfg, err := c.tlsConfig(opts.TLSConfig)
	if err != nil {
		return nil, err
	}
	opts.TLSConfig = tlsCfg
	if c.RequireTLS && opts.TLSConfig == nil {
		return nil, errors.New("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	return opts, nil
}

// tlsConfig layers the file based settings on top of base, which is non-nil
// for rediss:// URLs.
func (c RedisConfig) tlsConfig(base *tls.Config) (*tls.Config, error) {
	if !c.TLS && base == nil {
		return nil, nil
	}
	cfg := base
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg.MinVersion = tls.VersionTLS12
	if c.Insecure {
		if !c.AllowInsecure {
			return nil, errors.New("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true
	}
	if c.ServerName != "" {
		cfg.ServerName = c.ServerName
	}
	if c.CAFile != "" {
		pem, err := os.ReadFile(filepath.Clean(c.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, errors.New("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
		}
		cfg.RootCAs = roots
	}
	switch {
	case c.CertFile == "" && c.KeyFile == "":
	case c.CertFile == "" || c.KeyFile == "":
		return nil, errors.New("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
	default:
		pair, err := tls.LoadX509KeyPair(filepath.Clean(c.CertFile), filepath.Clean(c.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}

// OpenRedis builds a client and pings it once. The client is closed when
// the ping fails.
func OpenRedis(ctx context.Context, c RedisConfig) (*redis.Client, error) {
	opts, err := c.Options()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	timeout := c.PingTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// NewRedis opens the client described by the environment.
func NewRedis(ctx context.Context) (*redis.Client, error) {
	return OpenRedis(ctx, RedisConfigFromEnv())
}
