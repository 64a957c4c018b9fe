// Package anomaly scores behavioral feature vectors against a fitted
// unsupervised anomaly model.
package anomaly

import "errors"

var (
	ErrModelOffline    = errors.New("anomaly model offline")
	ErrFeatureMismatch = errors.New("feature vector length mismatch")
)

// Prediction mirrors the classic predict/decision_function pair: Score is
// negative for anomalies and its magnitude grows with confidence.
type Prediction struct {
	Anomalous bool
	Score     float64
}

// Model is the narrow inference capability the gate depends on.
type Model interface {
	Predict(features []float64) (Prediction, error)
}

// Func adapts a plain function to Model.
type Func func(features []float64) (Prediction, error)

func (f Func) Predict(features []float64) (Prediction, error) {
	if f == nil {
		return Prediction{}, ErrModelOffline
	}
	return f(features)
}
