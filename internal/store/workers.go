package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertWorker registers or heartbeats a worker registry row. Called by the
// owning Worker only (spec.md §5: "append/upsert by the owning Worker only").
func (s *Store) UpsertWorker(ctx context.Context, w WorkerInfo) error {
	if w.LastHeartbeat.IsZero() {
		w.LastHeartbeat = time.Now()
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO workers (worker_id, hostname, pid, status, run_id, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			hostname = excluded.hostname,
			pid = excluded.pid,
			status = excluded.status,
			run_id = excluded.run_id,
			last_heartbeat = excluded.last_heartbeat
	`, w.WorkerID, w.Hostname, w.PID, string(w.Status), nullString(w.RunID), formatTime(w.LastHeartbeat))
	if err != nil {
		return fmt.Errorf("taskhub: upsert_worker: %w", err)
	}
	return nil
}

// ListWorkers returns the current worker registry snapshot.
func (s *Store) ListWorkers(ctx context.Context) ([]*WorkerInfo, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT worker_id, hostname, pid, status, run_id, last_heartbeat FROM workers
		ORDER BY last_heartbeat DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("taskhub: list_workers: %w", err)
	}
	defer rows.Close()

	var out []*WorkerInfo
	for rows.Next() {
		w := &WorkerInfo{}
		var status, heartbeat string
		var runID sql.NullString
		if err := rows.Scan(&w.WorkerID, &w.Hostname, &w.PID, &status, &runID, &heartbeat); err != nil {
			return nil, err
		}
		w.Status = WorkerStatus(status)
		w.RunID = stringPtr(runID)
		if w.LastHeartbeat, err = parseTime(heartbeat); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// PruneWorkers removes registry rows whose last heartbeat predates cutoff.
// Cosmetic only: it never touches runs or leases.
func (s *Store) PruneWorkers(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM workers WHERE last_heartbeat < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("taskhub: prune_workers: %w", err)
	}
	return res.RowsAffected()
}
