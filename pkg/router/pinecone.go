package router

import (
	"context"
	"errors"
	"fmt"

	"nexus/pkg/knowledge"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// pineconeConn is the subset of *pinecone.IndexConnection used here.
type pineconeConn interface {
	UpsertVectors(ctx context.Context, in []*pinecone.Vector) (uint32, error)
	DeleteAllVectorsInNamespace(ctx context.Context) error
	QueryByVectorValues(ctx context.Context, in *pinecone.QueryByVectorValuesRequest) (*pinecone.QueryVectorsResponse, error)
}

// PineconeIndex keeps phrase vectors in a Pinecone namespace it owns. Every
// query asks for all phrases, so per-service maxima match MemoryIndex exactly.
type PineconeIndex struct {
	conn    pineconeConn
	phrases int
	ids     map[string]struct{}
}

type PineconeConfig struct {
	APIKey    string
	Host      string
	Namespace string
}

// NewPineconeIndex connects to the index host.
func NewPineconeIndex(cfg PineconeConfig) (*PineconeIndex, error) {
	if cfg.APIKey == "" || cfg.Host == "" {
		return nil, errors.New("pinecone: api key and host are required")
	}
	client, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("pinecone: client: %w", err)
	}
	conn, err := client.Index(pinecone.NewIndexConnParams{Host: cfg.Host, Namespace: cfg.Namespace})
	if err != nil {
		return nil, fmt.Errorf("pinecone: index: %w", err)
	}
	return &PineconeIndex{conn: conn}, nil
}

// Sync replaces the namespace with the knowledge base phrases. Vectors left
// by an older base would otherwise keep scoring for removed phrases.
func (p *PineconeIndex) Sync(ctx context.Context, base *knowledge.Base) error {
	var vectors []*pinecone.Vector
	ids := map[string]struct{}{}
	for _, e := range base.Entries() {
		for i, vec := range e.Embeddings {
			meta, err := structpb.NewStruct(map[string]any{
				"service":  e.Name,
				"position": i,
				"phrase":   e.Phrases[i],
			})
			if err != nil {
				return fmt.Errorf("pinecone: metadata: %w", err)
			}
			id := fmt.Sprintf("%s-%d", e.Name, i)
			ids[id] = struct{}{}
			vectors = append(vectors, &pinecone.Vector{Id: id, Values: vec, Metadata: meta})
		}
	}
	if len(vectors) == 0 {
		return knowledge.ErrEmpty
	}
	// A namespace that was never written answers NotFound.
	if err := p.conn.DeleteAllVectorsInNamespace(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("pinecone: clear namespace: %w", err)
	}
	if _, err := p.conn.UpsertVectors(ctx, vectors); err != nil {
		return fmt.Errorf("pinecone: upsert: %w", err)
	}
	p.phrases = len(vectors)
	p.ids = ids
	return nil
}

func (p *PineconeIndex) Scores(ctx context.Context, query []float32) (map[string]float64, error) {
	if p.phrases == 0 {
		return nil, errors.New("pinecone: index not synced")
	}
	resp, err := p.conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          query,
		TopK:            uint32(p.phrases),
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("pinecone: query: %w", err)
	}
	out := map[string]float64{}
	for _, m := range resp.Matches {
		if m == nil || m.Vector == nil || m.Vector.Metadata == nil {
			continue
		}
		// Another writer may still hold vectors from a different base.
		if _, ok := p.ids[m.Vector.Id]; !ok {
			continue
		}
		service, _ := m.Vector.Metadata.AsMap()["service"].(string)
		if service == "" {
			continue
		}
		if cur, ok := out[service]; !ok || float64(m.Score) > cur {
			out[service] = float64(m.Score)
		}
	}
	return out, nil
}
