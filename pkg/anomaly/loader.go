package anomaly

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a model artifact. JSON artifacts parse as YAML, so one decoder
// serves both export formats. A missing path reports ErrModelOffline.
func Load(path string) (*IsolationForest, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrModelOffline
	}
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s not found", ErrModelOffline, path)
		}
		return nil, fmt.Errorf("read model: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*IsolationForest, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("decode model: empty artifact")
	}
	var forest IsolationForest
	if err := yaml.Unmarshal(raw, &forest); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if err := forest.Validate(); err != nil {
		return nil, fmt.Errorf("validate model: %w", err)
	}
	return &forest, nil
}

// Summary describes a loaded artifact for operators.
type Summary struct {
	Kind         string   `json:"kind"`
	Trees        int      `json:"trees"`
	Nodes        int      `json:"nodes"`
	MaxDepth     int      `json:"max_depth"`
	MaxSamples   int      `json:"max_samples"`
	Offset       float64  `json:"offset"`
	FeatureNames []string `json:"feature_names,omitempty"`
}

func (f *IsolationForest) Summary() Summary {
	s := Summary{
		Kind:         "isolation_forest",
		Trees:        len(f.Trees),
		MaxSamples:   f.MaxSamples,
		Offset:       f.Offset,
		FeatureNames: f.FeatureNames,
	}
	for _, t := range f.Trees {
		s.Nodes += len(t.Nodes)
		if d := t.depth(0); d > s.MaxDepth {
			s.MaxDepth = d
		}
	}
	return s
}

func (t Tree) depth(idx int) int {
	n := t.Nodes[idx]
	if n.Left == leaf {
		return 0
	}
	l, r := t.depth(n.Left), t.depth(n.Right)
	if l > r {
		return l + 1
	}
	return r + 1
}
