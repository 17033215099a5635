package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an audit event.
type Kind string

const (
	KindDigest      Kind = "digest"
	KindConfigError Kind = "config_error"
	KindRun         Kind = "run"
	KindQueueRun    Kind = "queue_run"
	KindAutoResume  Kind = "autoresume"
	KindStart       Kind = "start"
	KindStop        Kind = "stop"
)

// Event is one audit row.
type Event struct {
	ID         string
	OccurredAt time.Time
	Kind       Kind
	JobID      string
	Outcome    string
	ExitCode   *int
	DurationMs *int64
	Detail     string
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	JobID string
	Kind  Kind
	Since *time.Time
	Limit int
}

// DefaultListLimit caps List when Filter.Limit is unset.
const DefaultListLimit = 50

// Record appends ev. ID and OccurredAt are filled when empty.
func (s *Store) Record(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = newEventID()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	var exit, dur sql.NullInt64
	if ev.ExitCode != nil {
		exit = sql.NullInt64{Int64: int64(*ev.ExitCode), Valid: true}
	}
	if ev.DurationMs != nil {
		dur = sql.NullInt64{Int64: *ev.DurationMs, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO events
		(event_id, occurred_at, kind, job_id, outcome, exit_code, duration_ms, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.OccurredAt.UTC().Format(time.RFC3339Nano), string(ev.Kind), ev.JobID,
		ev.Outcome, exit, dur, ev.Detail)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// List returns events newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	if f.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, f.JobID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Since != nil {
		where = append(where, "occurred_at >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	q := `SELECT event_id, occurred_at, kind, job_id, outcome, exit_code, duration_ms, detail FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY occurred_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			ev   Event
			at   string
			kind string
			exit sql.NullInt64
			dur  sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &at, &kind, &ev.JobID, &ev.Outcome, &exit, &dur, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = Kind(kind)
		ev.OccurredAt, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse occurred_at %q: %w", at, err)
		}
		if exit.Valid {
			v := int(exit.Int64)
			ev.ExitCode = &v
		}
		if dur.Valid {
			v := dur.Int64
			ev.DurationMs = &v
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// Prune deletes events older than cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE occurred_at < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
