package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AppendEvent appends an event with the next seq for that run. Pure append;
// no lease check (callers typically hold the lease).
func (s *Store) AppendEvent(ctx context.Context, runID, typ string, data json.RawMessage) (int64, error) {
	if data == nil {
		data = json.RawMessage("{}")
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var maxSeq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE run_id = ?`, runID).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("taskhub: append_event seq: %w", err)
	}
	seq := maxSeq + 1

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (run_id, seq, ts, type, data) VALUES (?, ?, ?, ?, ?)
	`, runID, seq, formatTime(time.Now()), typ, string(data)); err != nil {
		return 0, fmt.Errorf("taskhub: append_event insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

// ListEvents reads contiguous events with seq > afterSeq, ordered by seq, up
// to limit. next_cursor is the last seq returned (or afterSeq if none were).
func (s *Store) ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]Event, int64, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT run_id, seq, ts, type, data FROM events
		WHERE run_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, runID, afterSeq, limit)
	if err != nil {
		return nil, afterSeq, fmt.Errorf("taskhub: list_events: %w", err)
	}
	defer rows.Close()

	cursor := afterSeq
	var out []Event
	for rows.Next() {
		var e Event
		var ts, data string
		if err := rows.Scan(&e.RunID, &e.Seq, &ts, &e.Type, &data); err != nil {
			return nil, afterSeq, err
		}
		e.Data = json.RawMessage(data)
		if e.TS, err = parseTime(ts); err != nil {
			return nil, afterSeq, err
		}
		out = append(out, e)
		cursor = e.Seq
	}
	return out, cursor, rows.Err()
}
