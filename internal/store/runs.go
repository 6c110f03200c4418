package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskLookup is the minimal view of the task registry the Store needs in
// order to validate enqueues and enforce per-task concurrency limits without
// depending on the task package directly. ConcurrencyLimit of 0 means
// unbounded.
type TaskLookup interface {
	Lookup(taskID string) (enabled bool, concurrencyLimit int, ok bool)
}

// EnqueueRun inserts a QUEUED run with a freshly generated id.
func (s *Store) EnqueueRun(ctx context.Context, reg TaskLookup, taskID string, params json.RawMessage, cronID *string) (string, error) {
	enabled, _, ok := reg.Lookup(taskID)
	if !ok {
		return "", ErrUnknownTask
	}
	if !enabled {
		return "", ErrDisabled
	}
	if params == nil {
		params = json.RawMessage("{}")
	}

	runID := "r-" + uuid.NewString()
	now := formatTime(time.Now())

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO runs (run_id, task_id, params, status, created_at, cancel_requested, cron_id)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`, runID, taskID, string(params), string(RunQueued), now, nullString(cronID))
	if err != nil {
		return "", fmt.Errorf("taskhub: enqueue run: %w", err)
	}
	return runID, nil
}

// ClaimNext atomically selects one QUEUED run whose task is enabled and
// under its concurrency limit, transitions it to RUNNING with a fresh lease,
// and returns it. Returns (nil, nil) if no candidate exists.
func (s *Store) ClaimNext(ctx context.Context, reg TaskLookup, workerID string, leaseDuration time.Duration) (*Run, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("taskhub: claim_next begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT run_id, task_id FROM runs
		WHERE status = ?
		ORDER BY created_at ASC, run_id ASC
	`, string(RunQueued))
	if err != nil {
		return nil, fmt.Errorf("taskhub: claim_next scan candidates: %w", err)
	}

	type candidate struct {
		runID  string
		taskID string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.runID, &c.taskID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("taskhub: claim_next scan row: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for _, c := range candidates {
		enabled, limit, ok := reg.Lookup(c.taskID)
		if !ok || !enabled {
			continue
		}
		if limit > 0 {
			var running int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM runs WHERE task_id = ? AND status = ?
			`, c.taskID, string(RunRunning)).Scan(&running); err != nil {
				return nil, fmt.Errorf("taskhub: claim_next count running: %w", err)
			}
			if running >= limit {
				continue
			}
		}

		now := time.Now()
		leaseExpires := now.Add(leaseDuration)
		res, err := tx.ExecContext(ctx, `
			UPDATE runs
			SET status = ?, started_at = ?, lease_owner = ?, lease_expires_at = ?
			WHERE run_id = ? AND status = ?
		`, string(RunRunning), formatTime(now), workerID, formatTime(leaseExpires), c.runID, string(RunQueued))
		if err != nil {
			return nil, fmt.Errorf("taskhub: claim_next update: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			// Lost the race to another claimer between the scan and the
			// update; try the next candidate.
			continue
		}

		run, err := getRunTx(ctx, tx, c.runID)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("taskhub: claim_next commit: %w", err)
		}
		return run, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return nil, nil
}

// RenewLease extends lease_expires_at iff lease_owner=workerID and status=RUNNING.
func (s *Store) RenewLease(ctx context.Context, runID, workerID string, leaseDuration time.Duration) error {
	newExpiry := formatTime(time.Now().Add(leaseDuration))
	res, err := s.conn.ExecContext(ctx, `
		UPDATE runs SET lease_expires_at = ?
		WHERE run_id = ? AND lease_owner = ? AND status = ?
	`, newExpiry, runID, workerID, string(RunRunning))
	if err != nil {
		return fmt.Errorf("taskhub: renew_lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLostLease
	}
	return nil
}

// SetPGID records the child's process-group id, validating lease ownership.
func (s *Store) SetPGID(ctx context.Context, runID, workerID string, pgid int) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE runs SET pgid = ?
		WHERE run_id = ? AND lease_owner = ? AND status = ?
	`, pgid, runID, workerID, string(RunRunning))
	if err != nil {
		return fmt.Errorf("taskhub: set_pgid: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLostLease
	}
	return nil
}

// FinishRun atomically moves RUNNING to a terminal status, clearing the lease.
func (s *Store) FinishRun(ctx context.Context, runID, workerID string, status RunStatus, exitCode *int, errMsg *string) error {
	switch status {
	case RunSucceeded, RunFailed, RunCanceled:
	default:
		return fmt.Errorf("taskhub: finish_run: %w: %s is not terminal", ErrInvalidTransition, status)
	}

	now := formatTime(time.Now())
	res, err := s.conn.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, finished_at = ?, exit_code = ?, error = ?,
		    lease_owner = NULL, lease_expires_at = NULL, pgid = NULL
		WHERE run_id = ? AND lease_owner = ? AND status = ?
	`, string(status), now, nullInt64(exitCode), nullString(errMsg), runID, workerID, string(RunRunning))
	if err != nil {
		return fmt.Errorf("taskhub: finish_run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLostLease
	}
	return nil
}

// RequestCancel sets cancel_requested on a QUEUED or RUNNING run. A QUEUED
// run transitions directly to CANCELED.
func (s *Store) RequestCancel(ctx context.Context, runID string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("taskhub: request_cancel lookup: %w", err)
	}

	switch RunStatus(status) {
	case RunQueued:
		now := formatTime(time.Now())
		if _, err := tx.ExecContext(ctx, `
			UPDATE runs SET cancel_requested = 1, status = ?, finished_at = ?, error = 'canceled'
			WHERE run_id = ? AND status = ?
		`, string(RunCanceled), now, runID, string(RunQueued)); err != nil {
			return fmt.Errorf("taskhub: request_cancel queued: %w", err)
		}
	case RunRunning:
		if _, err := tx.ExecContext(ctx, `
			UPDATE runs SET cancel_requested = 1 WHERE run_id = ? AND status = ?
		`, runID, string(RunRunning)); err != nil {
			return fmt.Errorf("taskhub: request_cancel running: %w", err)
		}
	default:
		// Terminal already; cancellation is idempotent and a no-op here.
	}

	return tx.Commit()
}

// IsCancelRequested reports the cancel_requested flag for a run.
func (s *Store) IsCancelRequested(ctx context.Context, runID string) (bool, error) {
	var v int
	err := s.conn.QueryRowContext(ctx, `SELECT cancel_requested FROM runs WHERE run_id = ?`, runID).Scan(&v)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// ReapExpired selects all RUNNING runs with an expired lease, without
// changing their status.
func (s *Store) ReapExpired(ctx context.Context, now time.Time) ([]ExpiredRun, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT run_id, pgid, lease_owner FROM runs
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
	`, string(RunRunning), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("taskhub: reap_expired: %w", err)
	}
	defer rows.Close()

	var out []ExpiredRun
	for rows.Next() {
		var er ExpiredRun
		var pgid sql.NullInt64
		var owner sql.NullString
		if err := rows.Scan(&er.RunID, &pgid, &owner); err != nil {
			return nil, err
		}
		er.PGID = intPtr(pgid)
		if owner.Valid {
			er.LeaseOwner = owner.String
		}
		out = append(out, er)
	}
	return out, rows.Err()
}

// AbandonRun transitions a run to FAILED with the given reason, only if its
// lease is still expired at transaction time (spec.md §8 property 6:
// "Reaper safety").
func (s *Store) AbandonRun(ctx context.Context, runID, reason string) error {
	now := formatTime(time.Now())
	res, err := s.conn.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, finished_at = ?, error = ?,
		    lease_owner = NULL, lease_expires_at = NULL, pgid = NULL
		WHERE run_id = ? AND status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
	`, string(RunFailed), now, reason, runID, string(RunRunning), now)
	if err != nil {
		return fmt.Errorf("taskhub: abandon_run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLostLease
	}
	return nil
}

// GetRun fetches a single run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.conn.QueryRowContext(ctx, runSelectColumns+` WHERE run_id = ?`, runID)
	return scanRun(row)
}

func getRunTx(ctx context.Context, tx *sql.Tx, runID string) (*Run, error) {
	row := tx.QueryRowContext(ctx, runSelectColumns+` WHERE run_id = ?`, runID)
	return scanRun(row)
}

const runSelectColumns = `
	SELECT run_id, task_id, params, status, created_at, started_at, finished_at,
	       exit_code, error, lease_owner, lease_expires_at, pgid, cancel_requested, cron_id
	FROM runs`

func scanRun(row *sql.Row) (*Run, error) {
	var (
		r                                       Run
		params                                  string
		createdAt                               string
		startedAt, finishedAt                   sql.NullString
		exitCode                                sql.NullInt64
		errMsg, leaseOwner, leaseExpires, cronID sql.NullString
		pgid                                     sql.NullInt64
		cancelRequested                          int
		status                                   string
	)
	err := row.Scan(&r.RunID, &r.TaskID, &params, &status, &createdAt, &startedAt, &finishedAt,
		&exitCode, &errMsg, &leaseOwner, &leaseExpires, &pgid, &cancelRequested, &cronID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r.Params = json.RawMessage(params)
	r.Status = RunStatus(status)
	r.CancelRequested = cancelRequested != 0
	r.ExitCode = intPtr(exitCode)
	r.Error = stringPtr(errMsg)
	r.LeaseOwner = stringPtr(leaseOwner)
	r.PGID = intPtr(pgid)
	r.CronID = stringPtr(cronID)

	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("taskhub: parse created_at: %w", err)
	}
	if r.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if r.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, err
	}
	if r.LeaseExpiresAt, err = parseNullTime(leaseExpires); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]*Run, error) {
	query := runSelectColumns + ` WHERE 1=1`
	var args []any
	if f.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskhub: list_runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRunRows(rows *sql.Rows) (*Run, error) {
	var (
		r                                       Run
		params                                  string
		createdAt                               string
		startedAt, finishedAt                   sql.NullString
		exitCode                                sql.NullInt64
		errMsg, leaseOwner, leaseExpires, cronID sql.NullString
		pgid                                     sql.NullInt64
		cancelRequested                          int
		status                                   string
	)
	if err := rows.Scan(&r.RunID, &r.TaskID, &params, &status, &createdAt, &startedAt, &finishedAt,
		&exitCode, &errMsg, &leaseOwner, &leaseExpires, &pgid, &cancelRequested, &cronID); err != nil {
		return nil, err
	}

	r.Params = json.RawMessage(params)
	r.Status = RunStatus(status)
	r.CancelRequested = cancelRequested != 0
	r.ExitCode = intPtr(exitCode)
	r.Error = stringPtr(errMsg)
	r.LeaseOwner = stringPtr(leaseOwner)
	r.PGID = intPtr(pgid)
	r.CronID = stringPtr(cronID)

	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if r.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, err
	}
	if r.LeaseExpiresAt, err = parseNullTime(leaseExpires); err != nil {
		return nil, err
	}
	return &r, nil
}
