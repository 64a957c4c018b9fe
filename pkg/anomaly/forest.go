package anomaly

import (
	"fmt"
	"math"
)

const eulerGamma = 0.5772156649015329

// leaf marks a missing child, following the exported tree layout.
const leaf = -1

type Node struct {
	Feature   int     `yaml:"feature" json:"feature"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
	Left      int     `yaml:"left" json:"left"`
	Right     int     `yaml:"right" json:"right"`
	NSamples  int     `yaml:"n_samples" json:"n_samples"`
}

type Tree struct {
	Nodes []Node `yaml:"nodes" json:"nodes"`
}

// IsolationForest is a fitted isolation forest exported from an offline
// training pipeline.
type IsolationForest struct {
	Kind         string   `yaml:"kind" json:"kind"`
	NFeatures    int      `yaml:"n_features" json:"n_features"`
	MaxSamples   int      `yaml:"max_samples" json:"max_samples"`
	Offset       float64  `yaml:"offset" json:"offset"`
	FeatureNames []string `yaml:"feature_names" json:"feature_names"`
	Trees        []Tree   `yaml:"trees" json:"trees"`

	norm float64
}

// Validate checks structural consistency and caches the normalizer.
func (f *IsolationForest) Validate() error {
	if f.Kind != "" && f.Kind != "isolation_forest" {
		return fmt.Errorf("unsupported model kind %q", f.Kind)
	}
	if f.NFeatures <= 0 {
		return fmt.Errorf("n_features must be positive")
	}
	if len(f.FeatureNames) > 0 && len(f.FeatureNames) != f.NFeatures {
		return fmt.Errorf("feature_names has %d entries, n_features is %d", len(f.FeatureNames), f.NFeatures)
	}
	if f.MaxSamples < 2 {
		return fmt.Errorf("max_samples must be at least 2")
	}
	if len(f.Trees) == 0 {
		return fmt.Errorf("model has no trees")
	}
	for ti, tree := range f.Trees {
		if len(tree.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", ti)
		}
		for ni, n := range tree.Nodes {
			if n.Left == leaf && n.Right == leaf {
				continue
			}
			if n.Left <= ni || n.Right <= ni || n.Left >= len(tree.Nodes) || n.Right >= len(tree.Nodes) {
				return fmt.Errorf("tree %d node %d: child index out of range", ti, ni)
			}
			if n.Feature < 0 || n.Feature >= f.NFeatures {
				return fmt.Errorf("tree %d node %d: feature %d out of range", ti, ni, n.Feature)
			}
		}
	}
	f.norm = averagePathLength(float64(f.MaxSamples))
	return nil
}

// ScoreSamples returns the negated anomaly score in [-1, 0); lower is more
// abnormal.
func (f *IsolationForest) ScoreSamples(x []float64) (float64, error) {
	if len(x) != f.NFeatures {
		return 0, fmt.Errorf("%w: got %d want %d", ErrFeatureMismatch, len(x), f.NFeatures)
	}
	norm := f.norm
	if norm == 0 {
		norm = averagePathLength(float64(f.MaxSamples))
	}
	total := 0.0
	for _, tree := range f.Trees {
		total += tree.pathLength(x)
	}
	mean := total / float64(len(f.Trees))
	return -math.Pow(2, -mean/norm), nil
}

// DecisionFunction shifts ScoreSamples by the fitted offset so that the
// contamination boundary sits at zero.
func (f *IsolationForest) DecisionFunction(x []float64) (float64, error) {
	s, err := f.ScoreSamples(x)
	if err != nil {
		return 0, err
	}
	return s - f.Offset, nil
}

func (f *IsolationForest) Predict(x []float64) (Prediction, error) {
	d, err := f.DecisionFunction(x)
	if err != nil {
		return Prediction{}, err
	}
	return Prediction{Anomalous: d < 0, Score: d}, nil
}

func (t Tree) pathLength(x []float64) float64 {
	depth := 0
	idx := 0
	// Validate guarantees children point forward, so the walk terminates.
	for {
		n := t.Nodes[idx]
		if n.Left == leaf {
			return float64(depth) + averagePathLength(float64(n.NSamples))
		}
		if x[n.Feature] <= n.Threshold {
			idx = n.Left
		} else {
			idx = n.Right
		}
		depth++
	}
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// binary search tree lookup over n points.
func averagePathLength(n float64) float64 {
	switch {
	case n <= 1:
		return 0
	case n <= 2:
		return 1
	default:
		return 2*(math.Log(n-1)+eulerGamma) - 2*(n-1)/n
	}
}
