package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateCronEntry stores a new schedule.
func (s *Store) CreateCronEntry(ctx context.Context, c *CronEntry) error {
	if c.CronID == "" {
		c.CronID = "c-" + uuid.NewString()
	}
	if c.Params == nil {
		c.Params = json.RawMessage("{}")
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO cron_entries (cron_id, task_id, cron_expression, params, name, is_enabled, next_run_at, last_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.CronID, c.TaskID, c.CronExpression, string(c.Params), c.Name, boolToInt(c.IsEnabled),
		formatTime(c.NextRunAt), formatTimePtr(c.LastRunAt))
	if err != nil {
		return fmt.Errorf("taskhub: create_cron_entry: %w", err)
	}
	return nil
}

// DeleteCronEntry removes a schedule. It does not touch runs it already produced.
func (s *Store) DeleteCronEntry(ctx context.Context, cronID string) error {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM cron_entries WHERE cron_id = ?`, cronID)
	if err != nil {
		return fmt.Errorf("taskhub: delete_cron_entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCronEntry fetches a single cron entry by id.
func (s *Store) GetCronEntry(ctx context.Context, cronID string) (*CronEntry, error) {
	row := s.conn.QueryRowContext(ctx, cronSelectColumns+` WHERE cron_id = ?`, cronID)
	return scanCronRow(row)
}

// ListCronEntries returns all stored schedules.
func (s *Store) ListCronEntries(ctx context.Context) ([]*CronEntry, error) {
	rows, err := s.conn.QueryContext(ctx, cronSelectColumns+` ORDER BY next_run_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("taskhub: list_cron_entries: %w", err)
	}
	defer rows.Close()

	var out []*CronEntry
	for rows.Next() {
		c, err := scanCronRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PollDueCron selects enabled entries with next_run_at <= now.
func (s *Store) PollDueCron(ctx context.Context, now time.Time) ([]*CronEntry, error) {
	rows, err := s.conn.QueryContext(ctx, cronSelectColumns+`
		WHERE is_enabled = 1 AND next_run_at <= ?
		ORDER BY next_run_at ASC
	`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("taskhub: poll_due_cron: %w", err)
	}
	defer rows.Close()

	var out []*CronEntry
	for rows.Next() {
		c, err := scanCronRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AdvanceCron updates last_run_at and next_run_at after a cron entry fires.
func (s *Store) AdvanceCron(ctx context.Context, cronID string, lastRun, nextRun time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE cron_entries SET last_run_at = ?, next_run_at = ? WHERE cron_id = ?
	`, formatTime(lastRun), formatTime(nextRun), cronID)
	if err != nil {
		return fmt.Errorf("taskhub: advance_cron: %w", err)
	}
	return nil
}

const cronSelectColumns = `
	SELECT cron_id, task_id, cron_expression, params, name, is_enabled, next_run_at, last_run_at
	FROM cron_entries`

func scanCronRow(row *sql.Row) (*CronEntry, error) {
	c := &CronEntry{}
	var params, nextRun string
	var lastRun sql.NullString
	var enabled int
	err := row.Scan(&c.CronID, &c.TaskID, &c.CronExpression, &params, &c.Name, &enabled, &nextRun, &lastRun)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return finishCronScan(c, params, nextRun, lastRun, enabled)
}

func scanCronRows(rows *sql.Rows) (*CronEntry, error) {
	c := &CronEntry{}
	var params, nextRun string
	var lastRun sql.NullString
	var enabled int
	if err := rows.Scan(&c.CronID, &c.TaskID, &c.CronExpression, &params, &c.Name, &enabled, &nextRun, &lastRun); err != nil {
		return nil, err
	}
	return finishCronScan(c, params, nextRun, lastRun, enabled)
}

func finishCronScan(c *CronEntry, params, nextRun string, lastRun sql.NullString, enabled int) (*CronEntry, error) {
	c.Params = json.RawMessage(params)
	c.IsEnabled = enabled != 0
	var err error
	if c.NextRunAt, err = parseTime(nextRun); err != nil {
		return nil, err
	}
	if c.LastRunAt, err = parseNullTime(lastRun); err != nil {
		return nil, err
	}
	return c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
