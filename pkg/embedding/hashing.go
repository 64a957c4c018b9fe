package embedding

import (
	"context"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const DefaultHashingDimensions = 512

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "by": {}, "for": {},
	"from": {}, "in": {}, "is": {}, "it": {}, "of": {}, "on": {}, "or": {}, "the": {},
	"to": {}, "with": {}, "my": {}, "our": {}, "there": {}, "this": {}, "that": {},
}

// Hashing is an offline bag-of-words embedder using the hashing trick. It
// needs no network and is deterministic across processes, which makes it the
// default for tests and air-gapped deployments. Similarity is lexical only.
type Hashing struct {
	dimensions int
}

func NewHashing(dimensions int) *Hashing {
	if dimensions <= 0 {
		dimensions = DefaultHashingDimensions
	}
	return &Hashing{dimensions: dimensions}
}

func (h *Hashing) Name() string { return "hashing/" + strconv.Itoa(h.dimensions) }

func (h *Hashing) Embed(ctx context.Context, texts []string, _ InputType) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *Hashing) vector(text string) []float32 {
	v := make([]float32, h.dimensions)
	for _, tok := range Tokenize(text) {
		sum := xxhash.Sum64String(tok)
		idx := int(sum % uint64(h.dimensions))
		// The top bit picks the sign so collisions tend to cancel.
		if sum>>63 == 1 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	return Normalize(v)
}

// Tokenize lowercases text, splits on anything that is not a letter or digit,
// drops stopwords and single letters, and strips a plural "s".
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if _, stop := stopwords[f]; stop || len(f) < 2 {
			continue
		}
		if len(f) > 3 && strings.HasSuffix(f, "s") && !strings.HasSuffix(f, "ss") {
			f = f[:len(f)-1]
		}
		out = append(out, f)
	}
	return out
}
