package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"nexus/pkg/gate"

	"github.com/google/uuid"
)

// Sink writes gate decisions through a Writer. Wrap it in gate.AsyncSink so
// database latency stays off the request path.
type Sink struct {
	Writer  *Writer
	Logger  *slog.Logger
	Timeout time.Duration
}

func (s *Sink) Record(ctx context.Context, d gate.Decision) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := s.Writer.Append(ctx, FromDecision(d)); err != nil {
		logger := s.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("gate audit append failed", "client", d.ClientID, "err", err)
	}
}

func FromDecision(d gate.Decision) Record {
	features, _ := json.Marshal(d.Features)
	at := d.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Record{
		EventID:    uuid.NewString(),
		ClientRef:  d.ClientID,
		Source:     d.Source,
		Features:   features,
		Anomalous:  d.Verdict.Anomalous,
		Confidence: d.Verdict.Confidence,
		Reason:     d.Verdict.Reason,
		Enforced:   d.Enforced,
		CreatedAt:  at,
	}
}
