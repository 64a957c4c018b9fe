package embedding

import (
	"context"
	"fmt"

	"github.com/austinfhunter/voyageai"
)

const (
	DefaultVoyageModel      = "voyage-3.5-lite"
	DefaultVoyageDimensions = 1024
)

// voyageAPI is the slice of the Voyage client used here.
type voyageAPI interface {
	Embed(texts []string, model string, opts *voyageai.EmbeddingRequestOpts) (*voyageai.EmbeddingResponse, error)
}

type Voyage struct {
	client     voyageAPI
	model      string
	dimensions int
}

// NewVoyage builds a Voyage AI embedder. Empty model and non-positive
// dimensions fall back to the defaults.
func NewVoyage(apiKey, model string, dimensions int) (*Voyage, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("voyage: %w: missing API key", ErrUnavailable)
	}
	client := voyageai.NewClient(&voyageai.VoyageClientOpts{Key: apiKey})
	return newVoyage(client, model, dimensions), nil
}

func newVoyage(client voyageAPI, model string, dimensions int) *Voyage {
	if model == "" {
		model = DefaultVoyageModel
	}
	if dimensions <= 0 {
		dimensions = DefaultVoyageDimensions
	}
	return &Voyage{client: client, model: model, dimensions: dimensions}
}

func (v *Voyage) Name() string { return "voyage/" + v.model }

func (v *Voyage) Embed(ctx context.Context, texts []string, input InputType) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	// The client has no context support; honor cancellation up front.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dimensions := v.dimensions
	opts := &voyageai.EmbeddingRequestOpts{OutputDimension: &dimensions}
	if input != "" {
		value := string(input)
		opts.InputType = &value
	}
	resp, err := v.client.Embed(texts, v.model, opts)
	if err != nil {
		return nil, fmt.Errorf("voyage: could not get embeddings: %w", err)
	}
	if err := checkCount("voyage", len(resp.Data), len(texts)); err != nil {
		return nil, err
	}
	out := make([][]float32, len(resp.Data))
	for i, obj := range resp.Data {
		out[i] = obj.Embedding
	}
	return out, nil
}
