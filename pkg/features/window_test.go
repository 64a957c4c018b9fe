package features

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryWindowSlides(t *testing.T) {
	t.Parallel()

	w := NewMemoryWindow(time.Minute, 100)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 5; i++ {
		got := w.Record(ctx, "10.0.0.1", base.Add(time.Duration(i)*10*time.Second))
		if got != i+1 {
			t.Fatalf("request %d: expected count %d, got %d", i, i+1, got)
		}
	}
	// base+0s and base+10s fall out; base+20s..40s remain plus the new one.
	if got := w.Record(ctx, "10.0.0.1", base.Add(70*time.Second)); got != 4 {
		t.Fatalf("expected sliding count 4, got %d", got)
	}
	if got := w.Record(ctx, "10.0.0.1", base.Add(10*time.Minute)); got != 1 {
		t.Fatalf("expected reset to 1 after idle period, got %d", got)
	}
}

func TestMemoryWindowBoundaryIsExclusive(t *testing.T) {
	t.Parallel()

	w := NewMemoryWindow(time.Minute, 10)
	base := time.Unix(1_700_000_000, 0)
	w.Record(context.Background(), "c", base)
	if got := w.Record(context.Background(), "c", base.Add(time.Minute)); got != 1 {
		t.Fatalf("entry exactly one window old must expire, got count %d", got)
	}
	if got := w.Count("c", base.Add(time.Minute)); got != 1 {
		t.Fatalf("expected count 1, got %d", got)
	}
	if got := w.Count("missing", base); got != 0 {
		t.Fatalf("expected 0 for unknown client, got %d", got)
	}
}

func TestMemoryWindowClientsAreIndependent(t *testing.T) {
	t.Parallel()

	w := NewMemoryWindow(time.Minute, 100)
	now := time.Now()
	w.Record(context.Background(), "a", now)
	w.Record(context.Background(), "a", now)
	if got := w.Record(context.Background(), "b", now); got != 1 {
		t.Fatalf("expected independent count for b, got %d", got)
	}
}

func TestMemoryWindowConcurrentExactCount(t *testing.T) {
	t.Parallel()

	w := NewMemoryWindow(time.Minute, 100)
	now := time.Now()
	const n = 500
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Record(context.Background(), "burst", now)
		}()
	}
	wg.Wait()
	if got := w.Count("burst", now); got != n {
		t.Fatalf("expected exactly %d retained requests, got %d", n, got)
	}
}

func TestMemoryWindowSweepAndCap(t *testing.T) {
	t.Parallel()

	w := NewMemoryWindow(time.Minute, 1)
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 3*shardCount; i++ {
		w.Record(context.Background(), fmt.Sprintf("client-%d", i), base.Add(time.Duration(i)*time.Millisecond))
	}
	if got := w.Len(); got > shardCount {
		t.Fatalf("expected at most %d tracked clients, got %d", shardCount, got)
	}
	if removed := w.Sweep(base.Add(2 * time.Minute)); removed == 0 {
		t.Fatal("expected idle clients to be swept")
	}
	if got := w.Len(); got != 0 {
		t.Fatalf("expected empty window after sweep, got %d", got)
	}
}

func TestMemoryWindowCapacityRoundsUp(t *testing.T) {
	t.Parallel()

	cases := []struct{ max, want int }{
		{1, shardCount},
		{10, shardCount},
		{shardCount, shardCount},
		{shardCount + 1, 2 * shardCount},
		{100, 2 * shardCount},
		{0, DefaultMaxClients + shardCount - DefaultMaxClients%shardCount},
	}
	for _, tc := range cases {
		if got := NewMemoryWindow(time.Minute, tc.max).Capacity(); got != tc.want {
			t.Fatalf("max=%d: expected capacity %d, got %d", tc.max, tc.want, got)
		}
	}

	w := NewMemoryWindow(time.Minute, 100)
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 10*shardCount; i++ {
		w.Record(context.Background(), fmt.Sprintf("client-%d", i), base)
	}
	if got := w.Len(); got > w.Capacity() {
		t.Fatalf("tracked %d clients over capacity %d", got, w.Capacity())
	}
}

func TestMemoryWindowRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	w := NewMemoryWindow(10*time.Millisecond, 10)
	w.Record(context.Background(), "idle", time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	swept := make(chan int, 16)
	done := make(chan struct{})
	go func() {
		w.Run(ctx, 5*time.Millisecond, func(removed, tracked int) {
			select {
			case swept <- removed:
			default:
			}
		})
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	total := 0
	for total == 0 {
		select {
		case n := <-swept:
			total += n
		case <-deadline:
			t.Fatal("timeout waiting for sweep")
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not stop")
	}
}

func TestRedisWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	w := NewRedisWindow(client, time.Minute, nil)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 3; i++ {
		if got := w.Record(ctx, "10.1.1.1", base.Add(time.Duration(i)*time.Second)); got != i+1 {
			t.Fatalf("request %d: expected %d, got %d", i, i+1, got)
		}
	}
	if got := w.Record(ctx, "10.1.1.1", base.Add(61*time.Second)); got != 2 {
		t.Fatalf("expected sliding count 2, got %d", got)
	}
	if !mr.Exists("gate:win:10.1.1.1") {
		t.Fatal("expected sorted set key in redis")
	}
	if w.Fallback.Len() != 0 {
		t.Fatal("fallback window must stay unused while redis is healthy")
	}
}

func TestRedisWindowFallsBackWhenUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	defer client.Close()
	w := NewRedisWindow(client, time.Minute, nil)
	now := time.Now()
	w.Record(context.Background(), "c", now)
	if got := w.Record(context.Background(), "c", now); got != 2 {
		t.Fatalf("expected in-memory fallback count 2, got %d", got)
	}

	nilClient := NewRedisWindow(nil, time.Minute, nil)
	if got := nilClient.Record(context.Background(), "c", now); got != 1 {
		t.Fatalf("expected fallback count 1 for nil client, got %d", got)
	}
	bare := &RedisWindow{}
	if got := bare.Record(context.Background(), "c", now); got != 1 {
		t.Fatalf("expected 1 without any backend, got %d", got)
	}
}
