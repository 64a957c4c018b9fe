// Package audit persists anomalous gate decisions to Postgres.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	// Redact stores a salted hash of the client instead of the raw address.
	Redact bool
}

// Record is one row of gate_events.
type Record struct {
	EventID    string
	ClientRef  string
	Source     string
	Features   json.RawMessage
	Anomalous  bool
	Confidence float64
	Reason     string
	Enforced   bool
	CreatedAt  time.Time
}

// Stats summarizes gate_events since a point in time.
type Stats struct {
	Events   int64 `json:"events"`
	Enforced int64 `json:"enforced"`
	Clients  int64 `json:"clients"`
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	if len(rec.Features) == 0 {
		rec.Features = json.RawMessage(`{}`)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO gate_events
		(event_id, client_ref, source, features, anomalous, confidence, reason, enforced, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.EventID, rec.ClientRef, rec.Source, rec.Features, rec.Anomalous, rec.Confidence, rec.Reason, rec.Enforced, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, eventID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT event_id, client_ref, source, features, anomalous, confidence, reason, enforced, created_at
		FROM gate_events WHERE event_id=$1
	`, eventID)
	var features json.RawMessage
	if err := row.Scan(&rec.EventID, &rec.ClientRef, &rec.Source, &features, &rec.Anomalous, &rec.Confidence, &rec.Reason, &rec.Enforced, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.Features = features
	return rec, nil
}

func (w *Writer) Stats(ctx context.Context, since time.Time) (Stats, error) {
	var s Stats
	row := w.DB.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE enforced), count(DISTINCT client_ref)
		FROM gate_events WHERE created_at >= $1
	`, since)
	err := row.Scan(&s.Events, &s.Enforced, &s.Clients)
	return s, err
}
