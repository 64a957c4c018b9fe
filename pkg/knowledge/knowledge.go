// Package knowledge holds the service knowledge base used by the semantic
// router: service names with example phrases and their embeddings.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"nexus/pkg/embedding"

	"gopkg.in/yaml.v3"
)

// Service is a routable service with example phrases describing it.
type Service struct {
	Name    string   `yaml:"name" json:"name"`
	Phrases []string `yaml:"phrases" json:"phrases"`
}

// Entry is a service with one embedding per phrase.
type Entry struct {
	Name       string
	Phrases    []string
	Embeddings [][]float32
}

// Base is immutable after Build and safe for concurrent reads.
type Base struct {
	entries  []Entry
	embedder string
}

var ErrEmpty = errors.New("knowledge base has no phrases")

// Fallback returns the built-in services.
func Fallback() []Service {
	return []Service{
		{Name: "agriculture", Phrases: []string{
			"crop failure drought soil health farming low yield",
			"stagnant water in irrigation canals causing mosquito breeding and malaria",
			"pesticide runoff contaminating drinking water sources",
			"burning crop stubble causing air pollution and breathing issues",
		}},
		{Name: "urban", Phrases: []string{
			"traffic congestion road blockage transport infrastructure",
			"heavy traffic jams blocking ambulance and emergency vehicle access to hospitals",
			"open drainage and sewage overflow causing dengue and typhoid outbreaks",
			"garbage dumps attracting pests and spreading infection",
			"industrial smog causing asthma and lung diseases",
		}},
		{Name: "health", Phrases: []string{
			"hospital admission emergency ward doctor nurse",
			"outbreak of infectious disease virus bacteria",
			"shortage of medicines and vaccines patient care",
			"cardiac arrest respiratory failure trauma accident",
		}},
	}
}

// Load reads services from path, falling back to the built-in set when the
// path is empty, missing or malformed.
func Load(path string, logger *slog.Logger) []Service {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(path) == "" {
		return Fallback()
	}
	services, err := LoadFile(path)
	if err != nil {
		logger.Warn("knowledge base unusable, using built-in services", "path", path, "err", err)
		return Fallback()
	}
	return services
}

// LoadFile reads a YAML or JSON knowledge base. Two shapes are accepted: a
// mapping of service name to phrases, or {services: [{name, phrases}]}.
// File order is preserved.
func LoadFile(path string) ([]Service, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) ([]Service, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse knowledge base: %w", err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("knowledge base must be a mapping")
	}
	root := doc.Content[0]

	var services []Service
	if len(root.Content) == 2 && root.Content[0].Value == "services" && root.Content[1].Kind == yaml.SequenceNode {
		if err := root.Content[1].Decode(&services); err != nil {
			return nil, fmt.Errorf("decode services: %w", err)
		}
	} else {
		for i := 0; i+1 < len(root.Content); i += 2 {
			var phrases []string
			if err := root.Content[i+1].Decode(&phrases); err != nil {
				return nil, fmt.Errorf("service %q: %w", root.Content[i].Value, err)
			}
			services = append(services, Service{Name: root.Content[i].Value, Phrases: phrases})
		}
	}
	return normalize(services)
}

func normalize(in []Service) ([]Service, error) {
	seen := map[string]bool{}
	out := make([]Service, 0, len(in))
	total := 0
	for _, s := range in {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, fmt.Errorf("service without a name")
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate service %q", name)
		}
		seen[name] = true
		phrases := make([]string, 0, len(s.Phrases))
		for _, p := range s.Phrases {
			if p = strings.TrimSpace(p); p != "" {
				phrases = append(phrases, p)
			}
		}
		if len(phrases) == 0 {
			return nil, fmt.Errorf("service %q has no phrases", name)
		}
		total += len(phrases)
		out = append(out, Service{Name: name, Phrases: phrases})
	}
	if total == 0 {
		return nil, ErrEmpty
	}
	return out, nil
}

// Build embeds every phrase in a single batch. Any failure leaves no base:
// the router is either fully ready or disabled.
func Build(ctx context.Context, emb embedding.Embedder, services []Service) (*Base, error) {
	if emb == nil {
		return nil, embedding.ErrUnavailable
	}
	var texts []string
	for _, s := range services {
		texts = append(texts, s.Phrases...)
	}
	if len(texts) == 0 {
		return nil, ErrEmpty
	}
	vecs, err := emb.Embed(ctx, texts, embedding.InputDocument)
	if err != nil {
		return nil, fmt.Errorf("embed knowledge base: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embed knowledge base: got %d vectors for %d phrases", len(vecs), len(texts))
	}
	b := &Base{entries: make([]Entry, 0, len(services)), embedder: emb.Name()}
	offset := 0
	for _, s := range services {
		n := len(s.Phrases)
		b.entries = append(b.entries, Entry{
			Name:       s.Name,
			Phrases:    append([]string(nil), s.Phrases...),
			Embeddings: vecs[offset : offset+n : offset+n],
		})
		offset += n
	}
	return b, nil
}

// Entries returns the services in knowledge base order. Callers must not
// modify the result.
func (b *Base) Entries() []Entry { return b.entries }

// Embedder names the provider the base was built with.
func (b *Base) Embedder() string { return b.embedder }

type Summary struct {
	Name    string `json:"name"`
	Phrases int    `json:"phrases"`
}

func (b *Base) Summaries() []Summary {
	out := make([]Summary, len(b.entries))
	for i, e := range b.entries {
		out[i] = Summary{Name: e.Name, Phrases: len(e.Phrases)}
	}
	return out
}
