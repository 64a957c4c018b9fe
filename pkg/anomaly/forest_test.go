package anomaly

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func loadFixture(t *testing.T, name string) *IsolationForest {
	t.Helper()
	f, err := Load(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("load %s: %v", name, err)
	}
	return f
}

func TestForestPredict(t *testing.T) {
	t.Parallel()

	f := loadFixture(t, "forest.json")
	cases := []struct {
		name      string
		x         []float64
		anomalous bool
	}{
		{name: "normal browsing", x: []float64{10, 200, 0, 500}, anomalous: false},
		{name: "volumetric", x: []float64{80, 200, 0, 500}, anomalous: true},
		{name: "slow scraper", x: []float64{10, 5000, 0, 500}, anomalous: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := f.Predict(tc.x)
			if err != nil {
				t.Fatalf("predict: %v", err)
			}
			if p.Anomalous != tc.anomalous {
				t.Fatalf("expected anomalous=%v, got %+v", tc.anomalous, p)
			}
			if p.Anomalous && p.Score >= 0 {
				t.Fatalf("anomalies must carry a negative score, got %v", p.Score)
			}
		})
	}
}

func TestForestScoreMatchesDefinition(t *testing.T) {
	t.Parallel()

	f := loadFixture(t, "forest.json")
	s, err := f.ScoreSamples([]float64{80, 0, 0, 500})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	// One edge to an isolated leaf: E[h] = 1.
	want := -math.Pow(2, -1/averagePathLength(256))
	if math.Abs(s-want) > 1e-12 {
		t.Fatalf("expected %v got %v", want, s)
	}
	d, _ := f.DecisionFunction([]float64{80, 0, 0, 500})
	if math.Abs(d-(want+0.5)) > 1e-12 {
		t.Fatalf("decision must subtract offset, got %v", d)
	}
}

func TestForestFeatureMismatch(t *testing.T) {
	t.Parallel()

	f := loadFixture(t, "forest.json")
	if _, err := f.Predict([]float64{1, 2}); !errors.Is(err, ErrFeatureMismatch) {
		t.Fatalf("expected ErrFeatureMismatch, got %v", err)
	}
}

func TestLoadYAMLArtifact(t *testing.T) {
	t.Parallel()

	f := loadFixture(t, "forest.yaml")
	p, err := f.Predict([]float64{99, 0, 0, 500})
	if err != nil || !p.Anomalous {
		t.Fatalf("expected anomaly from yaml model, got %+v err=%v", p, err)
	}
}

func TestLoadMissingIsOffline(t *testing.T) {
	t.Parallel()

	if _, err := Load(""); !errors.Is(err, ErrModelOffline) {
		t.Fatalf("expected ErrModelOffline for empty path, got %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); !errors.Is(err, ErrModelOffline) {
		t.Fatalf("expected ErrModelOffline for missing file, got %v", err)
	}
}

func TestParseRejectsInvalidArtifacts(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":          ``,
		"garbage":        `{not yaml: [`,
		"wrong kind":     `{"kind":"svm","n_features":4,"max_samples":8,"trees":[{"nodes":[{"left":-1,"right":-1,"n_samples":1}]}]}`,
		"no trees":       `{"n_features":4,"max_samples":8,"trees":[]}`,
		"no features":    `{"n_features":0,"max_samples":8,"trees":[{"nodes":[{"left":-1,"right":-1}]}]}`,
		"small sample":   `{"n_features":4,"max_samples":1,"trees":[{"nodes":[{"left":-1,"right":-1}]}]}`,
		"empty tree":     `{"n_features":4,"max_samples":8,"trees":[{"nodes":[]}]}`,
		"name mismatch":  `{"n_features":4,"max_samples":8,"feature_names":["a"],"trees":[{"nodes":[{"left":-1,"right":-1}]}]}`,
		"backward child": `{"n_features":4,"max_samples":8,"trees":[{"nodes":[{"feature":0,"left":0,"right":1},{"left":-1,"right":-1}]}]}`,
		"bad feature":    `{"n_features":4,"max_samples":8,"trees":[{"nodes":[{"feature":9,"left":1,"right":2},{"left":-1,"right":-1},{"left":-1,"right":-1}]}]}`,
	}
	for name, raw := range cases {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Fatalf("%s: expected parse error", name)
		}
	}
}

func TestLoadUnreadablePath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "model.json"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	_, err := Load(filepath.Join(dir, "model.json"))
	if err == nil || errors.Is(err, ErrModelOffline) {
		t.Fatalf("expected read error distinct from offline, got %v", err)
	}
}

func TestSummary(t *testing.T) {
	t.Parallel()

	s := loadFixture(t, "forest.json").Summary()
	if s.Trees != 1 || s.Nodes != 5 || s.MaxDepth != 2 || s.MaxSamples != 256 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if len(s.FeatureNames) != 4 {
		t.Fatalf("expected feature names in summary, got %v", s.FeatureNames)
	}
}

func TestAveragePathLength(t *testing.T) {
	t.Parallel()

	if averagePathLength(1) != 0 || averagePathLength(2) != 1 {
		t.Fatal("unexpected small-n path lengths")
	}
	if got := averagePathLength(256); got < 10 || got > 11 {
		t.Fatalf("c(256) out of expected range: %v", got)
	}
}

func TestFuncModel(t *testing.T) {
	t.Parallel()

	var nilFn Func
	if _, err := nilFn.Predict(nil); !errors.Is(err, ErrModelOffline) {
		t.Fatalf("expected offline from nil func, got %v", err)
	}
	fn := Func(func([]float64) (Prediction, error) { return Prediction{Anomalous: true, Score: -0.3}, nil })
	if p, _ := fn.Predict(nil); !p.Anomalous {
		t.Fatal("expected func prediction passthrough")
	}
}
