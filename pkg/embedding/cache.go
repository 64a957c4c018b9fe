package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"nexus/pkg/store"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const DefaultCacheTTL = 24 * time.Hour

// DefaultFlightTimeout bounds a provider call shared by coalesced callers.
const DefaultFlightTimeout = 30 * time.Second

// Cached memoizes vectors per (provider, input type, text) in a store.Cache.
// Concurrent misses for the same batch share one provider call.
type Cached struct {
	next   Embedder
	cache  store.Cache
	ttl    time.Duration
	prefix string
	group  singleflight.Group
	logger *slog.Logger

	// FlightTimeout bounds the shared provider call. It runs detached from
	// any single caller so one canceled request does not fail the others.
	FlightTimeout time.Duration
}

func NewCached(next Embedder, cache store.Cache, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{
		next:          next,
		cache:         cache,
		ttl:           ttl,
		prefix:        "emb:",
		logger:        slog.Default(),
		FlightTimeout: DefaultFlightTimeout,
	}
}

func (c *Cached) Name() string { return c.next.Name() }

func (c *Cached) Embed(ctx context.Context, texts []string, input InputType) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	var missIdx []int
	for i, text := range texts {
		keys[i] = c.key(input, text)
		if vec, ok := c.lookup(ctx, keys[i]); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
	}
	if len(missIdx) == 0 {
		return out, nil
	}

	missing := make([]string, len(missIdx))
	flightKey := make([]string, len(missIdx))
	for j, i := range missIdx {
		missing[j] = texts[i]
		flightKey[j] = keys[i]
	}
	flight := c.group.DoChan(strings.Join(flightKey, "|"), func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.flightTimeout())
		defer cancel()
		return c.next.Embed(callCtx, missing, input)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-flight:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	vecs := res.Val.([][]float32)
	if err := checkCount(c.Name(), len(vecs), len(missing)); err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		c.store(ctx, keys[i], vecs[j])
	}
	return out, nil
}

func (c *Cached) flightTimeout() time.Duration {
	if c.FlightTimeout <= 0 {
		return DefaultFlightTimeout
	}
	return c.FlightTimeout
}

func (c *Cached) key(input InputType, text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.prefix + c.next.Name() + ":" + string(input) + ":" + hex.EncodeToString(sum[:])
}

func (c *Cached) lookup(ctx context.Context, key string) ([]float32, bool) {
	raw, err := c.cache.Get(ctx, key)
	if err != nil || raw == "" {
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, false
	}
	return vec, true
}

func (c *Cached) store(ctx context.Context, key string, vec []float32) {
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, string(raw), c.ttl); err != nil {
		c.logger.Debug("embedding cache write failed", "err", err)
	}
}

// Limited throttles calls to a paid provider.
type Limited struct {
	next    Embedder
	limiter *rate.Limiter
}

// NewLimited allows rps requests per second with a burst of the same size.
// A non-positive rps disables limiting.
func NewLimited(next Embedder, rps float64) *Limited {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &Limited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (l *Limited) Name() string { return l.next.Name() }

func (l *Limited) Embed(ctx context.Context, texts []string, input InputType) ([][]float32, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.next.Embed(ctx, texts, input)
}
