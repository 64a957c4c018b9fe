// Package features turns raw request signals into the behavioral feature
// vector consumed by the anomaly model.
package features

import (
	"context"
	"time"
)

// DefaultPayloadSize stands in for a real body-size measurement.
const DefaultPayloadSize = 500

// Names lists the feature columns in model order.
var Names = []string{"requests_per_window", "latency_ms", "error_indicator", "payload_size"}

// Signal is what the boundary layer knows about one request.
type Signal struct {
	ClientID  string
	LatencyMS float64
	IsError   bool
}

// Vector is derived per request and never retained.
type Vector struct {
	RequestsPerWindow float64 `json:"requests_per_window"`
	LatencyMS         float64 `json:"latency_ms"`
	ErrorIndicator    float64 `json:"error_indicator"`
	PayloadSize       float64 `json:"payload_size"`
}

// Values returns the vector in model column order.
func (v Vector) Values() []float64 {
	return []float64{v.RequestsPerWindow, v.LatencyMS, v.ErrorIndicator, v.PayloadSize}
}

type Aggregator struct {
	window      Window
	payloadSize float64
	now         func() time.Time
}

type Option func(*Aggregator)

func WithPayloadSize(size float64) Option {
	return func(a *Aggregator) {
		if size >= 0 {
			a.payloadSize = size
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

func NewAggregator(window Window, opts ...Option) *Aggregator {
	if window == nil {
		window = NewMemoryWindow(DefaultWindow, DefaultMaxClients)
	}
	a := &Aggregator{
		window:      window,
		payloadSize: DefaultPayloadSize,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Observe records the request in the client's history and derives its vector.
func (a *Aggregator) Observe(ctx context.Context, sig Signal) Vector {
	count := a.window.Record(ctx, sig.ClientID, a.now())
	latency := sig.LatencyMS
	if latency < 0 {
		latency = 0
	}
	errIndicator := 0.0
	if sig.IsError {
		errIndicator = 1.0
	}
	return Vector{
		RequestsPerWindow: float64(count),
		LatencyMS:         latency,
		ErrorIndicator:    errIndicator,
		PayloadSize:       a.payloadSize,
	}
}
