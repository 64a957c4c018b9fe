// Package embedding turns text into dense vectors for semantic routing.
//
// Providers are interchangeable behind Embedder. Decorators add caching
// (Cached) and client-side rate limiting (Limited).
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrUnavailable is returned when no provider is configured or the provider
// cannot be reached.
var ErrUnavailable = errors.New("embedding provider unavailable")

// InputType hints the provider about how the text will be used. Providers
// that do not distinguish ignore it.
type InputType string

const (
	InputDocument InputType = "document"
	InputQuery    InputType = "query"
)

type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string, input InputType) ([][]float32, error)
	// Name identifies the provider and model, e.g. "voyage/voyage-3.5-lite".
	Name() string
}

// Cosine returns the cosine similarity of a and b. Mismatched or zero
// vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Normalize scales v to unit length in place.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

func checkCount(name string, got, want int) error {
	if got != want {
		return fmt.Errorf("%s: got %d embeddings for %d inputs", name, got, want)
	}
	return nil
}
