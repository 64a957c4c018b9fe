// Package router ranks knowledge base services against a free-text query by
// embedding similarity.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"nexus/pkg/embedding"
	"nexus/pkg/knowledge"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMinScore is the exclusive similarity floor for a service to match.
const DefaultMinScore = 0.25

var (
	ErrEmptyQuery  = errors.New("query is empty")
	ErrUnavailable = errors.New("router unavailable")
)

// Match is one ranked service.
type Match struct {
	Service string  `json:"target_service"`
	Score   float64 `json:"score"`
	Percent int     `json:"-"`
	Reason  string  `json:"reason"`
}

// Confidence renders the match percentage, e.g. "67%".
func (m Match) Confidence() string { return fmt.Sprintf("%d%%", m.Percent) }

// Unavailable is the degenerate result reported when no embedding model is
// loaded. It is distinct from an empty result, which means no match.
func Unavailable() []Match {
	return []Match{{Service: "error", Reason: "AI Model missing"}}
}

type Router struct {
	emb      embedding.Embedder
	base     *knowledge.Base
	index    Index
	minScore float64
	logger   *slog.Logger
	tracer   trace.Tracer
}

type Option func(*Router)

func WithIndex(idx Index) Option {
	return func(r *Router) {
		if idx != nil {
			r.index = idx
		}
	}
}

func WithMinScore(score float64) Option {
	return func(r *Router) {
		if score >= 0 && score < 1 {
			r.minScore = score
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// New builds a router over a prepared knowledge base. A nil embedder or base
// yields a disabled router whose Route returns ErrUnavailable.
func New(emb embedding.Embedder, base *knowledge.Base, opts ...Option) *Router {
	r := &Router{
		emb:      emb,
		base:     base,
		minScore: DefaultMinScore,
		logger:   slog.Default(),
		tracer:   otel.Tracer("nexus/router"),
	}
	if base != nil {
		r.index = NewMemoryIndex(base)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Available reports whether queries can be routed.
func (r *Router) Available() bool {
	return r != nil && r.emb != nil && r.base != nil && r.index != nil
}

// Services lists the knowledge base, or nil when disabled.
func (r *Router) Services() []knowledge.Summary {
	if r == nil || r.base == nil {
		return nil
	}
	return r.base.Summaries()
}

// Route returns every service scoring above the floor, best first. Ties keep
// knowledge base order. An empty slice means no service matched.
func (r *Router) Route(ctx context.Context, query string) ([]Match, error) {
	if !r.Available() {
		return nil, ErrUnavailable
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	ctx, span := r.tracer.Start(ctx, "router.route")
	defer span.End()

	vecs, err := r.emb.Embed(ctx, []string{query}, embedding.InputQuery)
	if err == nil && len(vecs) != 1 {
		err = fmt.Errorf("expected 1 query embedding, got %d", len(vecs))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embed")
		if errors.Is(err, embedding.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	scores, err := r.index.Scores(ctx, vecs[0])
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "index")
		return nil, fmt.Errorf("query index: %w", err)
	}

	matches := make([]Match, 0, len(scores))
	for _, e := range r.base.Entries() {
		score, ok := scores[e.Name]
		if !ok || math.IsNaN(score) || score <= r.minScore {
			continue
		}
		pct := int(math.Floor(score * 100))
		matches = append(matches, Match{
			Service: e.Name,
			Score:   score,
			Percent: pct,
			Reason:  fmt.Sprintf("Semantic match (%d%%) with %s domain.", pct, e.Name),
		})
	}
	// Ranked on the reported percentage; equal percentages keep base order.
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Percent > matches[j].Percent })

	span.SetAttributes(attribute.Int("router.matches", len(matches)))
	if len(matches) > 0 {
		span.SetAttributes(attribute.String("router.top", matches[0].Service))
	}
	r.logger.Debug("query routed", "matches", len(matches))
	return matches, nil
}
