package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"nexus/pkg/gate"
)

// DecisionSink publishes gate decisions keyed by client so one client's
// events land on one partition in order.
type DecisionSink struct {
	Publisher Publisher
	Logger    *slog.Logger
	Timeout   time.Duration
}

func (s *DecisionSink) Record(ctx context.Context, d gate.Decision) {
	raw, err := json.Marshal(d)
	if err != nil {
		s.logger().Warn("encode gate decision", "err", err)
		return
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := s.Publisher.Publish(ctx, Message{Key: []byte(d.ClientID), Value: raw}); err != nil {
		s.logger().Warn("publish gate decision failed", "client", d.ClientID, "err", err)
	}
}

func (s *DecisionSink) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// DecodeDecision parses a message produced by DecisionSink.
func DecodeDecision(msg Message) (gate.Decision, error) {
	var d gate.Decision
	err := json.Unmarshal(msg.Value, &d)
	return d, err
}
