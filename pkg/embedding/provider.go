package embedding

import (
	"fmt"
	"strings"
)

// Config selects and configures a provider.
type Config struct {
	Provider   string
	Model      string
	Dimensions int
	VoyageKey  string
	OpenAIKey  string
	OpenAIURL  string
}

// FromConfig builds the configured provider. "none" and "" yield
// ErrUnavailable so the router starts disabled.
func FromConfig(cfg Config) (Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "voyage", "voyageai":
		return NewVoyage(cfg.VoyageKey, cfg.Model, cfg.Dimensions)
	case "openai":
		if cfg.OpenAIKey == "" && cfg.OpenAIURL == "" {
			return nil, fmt.Errorf("openai: %w: missing API key", ErrUnavailable)
		}
		return NewOpenAI(cfg.OpenAIURL, cfg.OpenAIKey, cfg.Model, cfg.Dimensions), nil
	case "hashing":
		return NewHashing(cfg.Dimensions), nil
	case "", "none", "off":
		return nil, fmt.Errorf("%w: no provider configured", ErrUnavailable)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
