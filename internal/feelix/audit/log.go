package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bdobrica/feelix/common/clock"
	"github.com/bdobrica/feelix/common/trace"
	"github.com/bdobrica/feelix/internal/feelix/store"
)

// Result values of an Entry.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

// Entry is one audit_log row.
type Entry struct {
	ID           int64
	Timestamp    time.Time
	TraceID      string
	ActorID      int64
	Action       Kind
	Target       string
	Payload      Payload
	Result       string
	ErrorMessage string
}

// Payload is a structured audit payload.
type Payload map[string]any

// Log is the append-only audit trail in SQLite.
type Log struct {
	db    *sql.DB
	clock clock.Clock
}

// NewLog creates a Log.
func NewLog(db *sql.DB, clk clock.Clock) *Log {
	return &Log{db: db, clock: clock.OrSystem(clk)}
}

// Write appends e. Zero Timestamp and TraceID are filled from the clock and
// the context.
func (l *Log) Write(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock.Now()
	}
	if e.TraceID == "" {
		e.TraceID = trace.FromContext(ctx)
	}
	var payload sql.NullString
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("audit: marshal payload: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (ts, trace_id, actor_id, action, target, payload_json, result, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UnixMilli(), e.TraceID, e.ActorID, string(e.Action),
		nullString(e.Target), payload, e.Result, nullString(e.ErrorMessage))
	if err != nil {
		return store.Wrap("write audit", err)
	}
	return nil
}

// Recent returns the newest entries first. limit <= 0 means 100.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.query(ctx, `
		SELECT id, ts, trace_id, actor_id, action, target, payload_json, result, error_message
		FROM audit_log ORDER BY ts DESC, id DESC LIMIT ?`, limit)
}

// ByTrace returns the entries of one trace, oldest first.
func (l *Log) ByTrace(ctx context.Context, traceID string) ([]Entry, error) {
	return l.query(ctx, `
		SELECT id, ts, trace_id, actor_id, action, target, payload_json, result, error_message
		FROM audit_log WHERE trace_id = ? ORDER BY ts, id`, traceID)
}

func (l *Log) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, store.Wrap("query audit", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			ts      int64
			action  string
			target  sql.NullString
			payload sql.NullString
			errMsg  sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.TraceID, &e.ActorID, &action, &target, &payload, &e.Result, &errMsg); err != nil {
			return nil, store.Wrap("query audit", err)
		}
		e.Timestamp = store.UnixMillis(ts)
		e.Action = Kind(action)
		e.Target = target.String
		e.ErrorMessage = errMsg.String
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("audit: decode payload of entry %d: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("query audit", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
