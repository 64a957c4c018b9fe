package features

import (
	"context"
	"hash/maphash"
	"sync"
	"time"
)

const (
	DefaultWindow     = 60 * time.Second
	DefaultMaxClients = 100_000

	shardCount = 64
)

// Window records a request for a client and reports how many of that client's
// requests fall inside the retention window, the current one included.
type Window interface {
	Record(ctx context.Context, clientID string, now time.Time) int
}

type history struct {
	stamps   []time.Time
	lastSeen time.Time
}

type windowShard struct {
	mu      sync.Mutex
	clients map[string]*history
}

// MemoryWindow is a sharded, bounded in-process sliding window.
type MemoryWindow struct {
	window   time.Duration
	perShard int
	seed     maphash.Seed
	shards   [shardCount]*windowShard
}

// NewMemoryWindow tracks at most maxClients clients, rounded up to a multiple
// of the shard count because each shard enforces its own share. Capacity
// reports the effective bound.
func NewMemoryWindow(window time.Duration, maxClients int) *MemoryWindow {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	perShard := (maxClients + shardCount - 1) / shardCount
	w := &MemoryWindow{
		window:   window,
		perShard: perShard,
		seed:     maphash.MakeSeed(),
	}
	for i := range w.shards {
		w.shards[i] = &windowShard{clients: make(map[string]*history)}
	}
	return w
}

// Capacity is the most clients the window tracks at once.
func (w *MemoryWindow) Capacity() int { return w.perShard * shardCount }

func (w *MemoryWindow) shard(clientID string) *windowShard {
	return w.shards[maphash.String(w.seed, clientID)&(shardCount-1)]
}

func (w *MemoryWindow) Record(_ context.Context, clientID string, now time.Time) int {
	s := w.shard(clientID)
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.clients[clientID]
	if !ok {
		if len(s.clients) >= w.perShard {
			s.evictOldestLocked()
		}
		h = &history{}
		s.clients[clientID] = h
	}
	h.stamps = trim(h.stamps, now, w.window)
	h.stamps = append(h.stamps, now)
	h.lastSeen = now
	return len(h.stamps)
}

// Count reports the retained requests for a client without recording one.
func (w *MemoryWindow) Count(clientID string, now time.Time) int {
	s := w.shard(clientID)
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.clients[clientID]
	if !ok {
		return 0
	}
	h.stamps = trim(h.stamps, now, w.window)
	return len(h.stamps)
}

// Len returns the number of tracked clients.
func (w *MemoryWindow) Len() int {
	n := 0
	for _, s := range w.shards {
		s.mu.Lock()
		n += len(s.clients)
		s.mu.Unlock()
	}
	return n
}

// Sweep drops clients with no request inside the window and returns how many
// were removed.
func (w *MemoryWindow) Sweep(now time.Time) int {
	removed := 0
	for _, s := range w.shards {
		s.mu.Lock()
		for id, h := range s.clients {
			if now.Sub(h.lastSeen) >= w.window {
				delete(s.clients, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Run sweeps idle clients every interval until ctx is done.
func (w *MemoryWindow) Run(ctx context.Context, interval time.Duration, onSweep func(removed, tracked int)) {
	if interval <= 0 {
		interval = w.window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed := w.Sweep(now)
			if onSweep != nil {
				onSweep(removed, w.Len())
			}
		}
	}
}

func (s *windowShard) evictOldestLocked() {
	var (
		oldestID string
		oldestAt time.Time
		found    bool
	)
	for id, h := range s.clients {
		if !found || h.lastSeen.Before(oldestAt) {
			oldestID, oldestAt, found = id, h.lastSeen, true
		}
	}
	if found {
		delete(s.clients, oldestID)
	}
}

// trim keeps stamps t with now-t < window. Callers may race on "now" before
// taking the shard lock, so order is not assumed.
func trim(stamps []time.Time, now time.Time, window time.Duration) []time.Time {
	kept := stamps[:0]
	for _, t := range stamps {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	return kept
}
