package gate

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// AsyncSink hands decisions to a slow sink on a background worker. When the
// queue is full the decision is dropped and counted.
type AsyncSink struct {
	next    Sink
	queue   chan Decision
	dropped atomic.Int64
	logger  *slog.Logger
	wg      sync.WaitGroup
	once    sync.Once
}

func NewAsyncSink(next Sink, buffer int, logger *slog.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &AsyncSink{next: next, queue: make(chan Decision, buffer), logger: logger}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *AsyncSink) Record(_ context.Context, d Decision) {
	select {
	case s.queue <- d:
	default:
		if s.dropped.Add(1)%100 == 1 {
			s.logger.Warn("decision sink saturated, dropping", "dropped_total", s.dropped.Load())
		}
	}
}

// Dropped returns how many decisions were discarded.
func (s *AsyncSink) Dropped() int64 { return s.dropped.Load() }

// Close drains queued decisions and stops the worker. Record must not be
// called after Close.
func (s *AsyncSink) Close() {
	s.once.Do(func() { close(s.queue) })
	s.wg.Wait()
}

func (s *AsyncSink) run() {
	defer s.wg.Done()
	for d := range s.queue {
		s.deliver(d)
	}
}

func (s *AsyncSink) deliver(d Decision) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("decision sink panicked", "err", r)
		}
	}()
	s.next.Record(context.Background(), d)
}

// Filter forwards only decisions accepted by keep.
func Filter(next Sink, keep func(Decision) bool) Sink {
	return SinkFunc(func(ctx context.Context, d Decision) {
		if keep == nil || keep(d) {
			next.Record(ctx, d)
		}
	})
}

// Anomalous keeps decisions the model flagged, enforced or not.
func Anomalous(d Decision) bool { return d.Verdict.Anomalous }
