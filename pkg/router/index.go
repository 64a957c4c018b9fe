package router

import (
	"context"

	"nexus/pkg/embedding"
	"nexus/pkg/knowledge"
)

// Index returns, for a query vector, the maximum phrase similarity of each
// service. Services with no candidate phrases may be absent.
type Index interface {
	Scores(ctx context.Context, query []float32) (map[string]float64, error)
}

// MemoryIndex scans every phrase embedding. The knowledge base is small, so
// an exact scan is cheaper than any approximate structure.
type MemoryIndex struct {
	base *knowledge.Base
}

func NewMemoryIndex(base *knowledge.Base) *MemoryIndex {
	return &MemoryIndex{base: base}
}

func (m *MemoryIndex) Scores(ctx context.Context, query []float32) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries := m.base.Entries()
	out := make(map[string]float64, len(entries))
	for _, e := range entries {
		best := -1.0
		for _, vec := range e.Embeddings {
			if s := embedding.Cosine(query, vec); s > best {
				best = s
			}
		}
		if len(e.Embeddings) > 0 {
			out[e.Name] = best
		}
	}
	return out, nil
}
