// Package gate classifies inbound traffic per client and reports verdicts.
// The gate never blocks on its own: callers apply Policy to a Verdict.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"nexus/pkg/anomaly"
	"nexus/pkg/features"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	ReasonNormal     = "Normal"
	ReasonOffline    = "Model Offline"
	ReasonVolumetric = "High Volumetric Traffic (DDoS Pattern)"
	ReasonScraping   = "Suspicious Scraping Behavior"

	// VolumetricRequests is the per-window count above which an anomaly is
	// attributed to volumetric traffic rather than scraping.
	VolumetricRequests = 50
	MaxConfidence      = 0.99
	DefaultThreshold   = 0.5
)

type Verdict struct {
	Anomalous  bool    `json:"blocked"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

func offline() Verdict { return Verdict{Reason: ReasonOffline} }

// Policy is the single block threshold shared by every enforcement point.
type Policy struct {
	Threshold float64
}

func (p Policy) ShouldBlock(v Verdict) bool {
	return v.Anomalous && v.Confidence > p.Threshold
}

// Decision is one evaluated request.
type Decision struct {
	ClientID string          `json:"client_id"`
	Source   string          `json:"source"`
	Features features.Vector `json:"features"`
	Verdict  Verdict         `json:"verdict"`
	Enforced bool            `json:"enforced"`
	At       time.Time       `json:"at"`
}

// Sink observes decisions. Implementations must not block the request path.
type Sink interface {
	Record(ctx context.Context, d Decision)
}

type SinkFunc func(ctx context.Context, d Decision)

func (f SinkFunc) Record(ctx context.Context, d Decision) { f(ctx, d) }

type Gate struct {
	agg    *features.Aggregator
	model  anomaly.Model
	policy Policy
	sinks  []Sink
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

type Option func(*Gate)

func WithPolicy(p Policy) Option { return func(g *Gate) { g.policy = p } }

func WithSink(s Sink) Option {
	return func(g *Gate) {
		if s != nil {
			g.sinks = append(g.sinks, s)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// New builds a gate. A nil model puts the gate in degraded mode where every
// verdict is ReasonOffline.
func New(agg *features.Aggregator, model anomaly.Model, opts ...Option) *Gate {
	if agg == nil {
		agg = features.NewAggregator(nil)
	}
	g := &Gate{
		agg:    agg,
		model:  model,
		policy: Policy{Threshold: DefaultThreshold},
		logger: slog.Default(),
		tracer: otel.Tracer("nexus/gate"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Online reports whether an anomaly model is loaded.
func (g *Gate) Online() bool { return g != nil && g.model != nil }

func (g *Gate) Policy() Policy { return g.policy }

// Analyze returns the raw verdict for one request.
func (g *Gate) Analyze(ctx context.Context, sig features.Signal) Verdict {
	return g.Evaluate(ctx, sig, "direct").Verdict
}

// Evaluate updates the client's window, scores the request and applies the
// block policy. It never returns an error: faults degrade to an offline
// verdict that is never enforced.
func (g *Gate) Evaluate(ctx context.Context, sig features.Signal, source string) Decision {
	ctx, span := g.tracer.Start(ctx, "gate.evaluate", trace.WithAttributes(
		attribute.String("gate.source", source),
	))
	defer span.End()

	d := Decision{ClientID: sig.ClientID, Source: source, At: g.now().UTC()}
	func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("gate panic: %v", r)
				span.RecordError(err)
				span.SetStatus(codes.Error, "fail open")
				g.logger.Error("gate evaluation failed, allowing request", "client", sig.ClientID, "err", err)
				d.Verdict = offline()
			}
		}()
		d.Features, d.Verdict = g.analyze(ctx, sig)
	}()
	d.Enforced = g.policy.ShouldBlock(d.Verdict)

	span.SetAttributes(
		attribute.Bool("gate.anomalous", d.Verdict.Anomalous),
		attribute.Float64("gate.confidence", d.Verdict.Confidence),
		attribute.Bool("gate.enforced", d.Enforced),
	)
	for _, s := range g.sinks {
		g.notify(ctx, s, d)
	}
	return d
}

func (g *Gate) notify(ctx context.Context, s Sink, d Decision) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("gate sink panicked", "err", r)
		}
	}()
	s.Record(ctx, d)
}

func (g *Gate) analyze(ctx context.Context, sig features.Signal) (features.Vector, Verdict) {
	if g.model == nil {
		return features.Vector{}, offline()
	}
	// The window update happens before inference so an abandoned request
	// still counts toward the client's rate.
	vec := g.agg.Observe(ctx, sig)
	if err := ctx.Err(); err != nil {
		return vec, offline()
	}
	pred, err := g.model.Predict(vec.Values())
	if err == nil && (math.IsNaN(pred.Score) || math.IsInf(pred.Score, 0)) {
		err = fmt.Errorf("non-finite anomaly score %v", pred.Score)
	}
	if err != nil {
		g.logger.Warn("anomaly inference failed, failing open", "client", sig.ClientID, "err", err)
		return vec, offline()
	}
	return vec, classify(vec, pred)
}

func classify(vec features.Vector, pred anomaly.Prediction) Verdict {
	if !pred.Anomalous {
		return Verdict{Reason: ReasonNormal}
	}
	confidence := math.Abs(pred.Score) * 2
	if confidence > MaxConfidence {
		confidence = MaxConfidence
	}
	reason := ReasonScraping
	if vec.RequestsPerWindow > VolumetricRequests {
		reason = ReasonVolumetric
	}
	return Verdict{Anomalous: true, Confidence: confidence, Reason: reason}
}
