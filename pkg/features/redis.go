package features

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var slidingWindowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[3])
local count = redis.call("ZCARD", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return count
`)

// RedisWindow shares the sliding window across replicas through one sorted
// set per client. Any Redis failure falls back to the in-process window.
type RedisWindow struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Timeout  time.Duration
	Fallback *MemoryWindow
	Logger   *slog.Logger
}

func NewRedisWindow(client *redis.Client, window time.Duration, fallback *MemoryWindow) *RedisWindow {
	if window <= 0 {
		window = DefaultWindow
	}
	if fallback == nil {
		fallback = NewMemoryWindow(window, DefaultMaxClients)
	}
	return &RedisWindow{
		Client:   client,
		Window:   window,
		Prefix:   "gate:win:",
		Timeout:  250 * time.Millisecond,
		Fallback: fallback,
	}
}

func (w *RedisWindow) Record(ctx context.Context, clientID string, now time.Time) int {
	if w.Client == nil {
		return w.fallback(ctx, clientID, now)
	}
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	nowMS := now.UnixMilli()
	// Entries exactly one window old are expired: keep t with now-t < window.
	cutoff := nowMS - w.Window.Milliseconds()
	res, err := slidingWindowScript.Run(ctx, w.Client, []string{w.Prefix + clientID},
		cutoff, nowMS, uuid.NewString(), w.Window.Milliseconds()).Int64()
	if err != nil {
		w.logger().Warn("redis window unavailable, using local window", "client", clientID, "err", err)
		return w.fallback(ctx, clientID, now)
	}
	return int(res)
}

func (w *RedisWindow) fallback(ctx context.Context, clientID string, now time.Time) int {
	if w.Fallback == nil {
		return 1
	}
	return w.Fallback.Record(ctx, clientID, now)
}

func (w *RedisWindow) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}
