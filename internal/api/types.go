package api

import (
	"encoding/json"
	"time"
)

// EnqueueRequest is the body of POST /tasks/{task_id}/runs.
type EnqueueRequest struct {
	Params json.RawMessage `json:"params,omitempty"`
}

// EnqueueResponse is the response to POST /tasks/{task_id}/runs.
type EnqueueResponse struct {
	RunID string `json:"run_id"`
}

// RunSummary is one entry of GET /runs.
type RunSummary struct {
	RunID      string     `json:"run_id"`
	TaskID     string     `json:"task_id"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
}

// RunDetail is the response to GET /runs/{id}.
type RunDetail struct {
	RunSummary
	Params          json.RawMessage `json:"params"`
	Error           *string         `json:"error,omitempty"`
	LeaseOwner      *string         `json:"lease_owner,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	CronID          *string         `json:"cron_id,omitempty"`
	DurationMS      *int64          `json:"duration_ms,omitempty"`
}

// RunListResponse is the response to GET /runs.
type RunListResponse struct {
	Runs []RunSummary `json:"runs"`
}

// EventItem is one entry of GET /runs/{id}/events.
type EventItem struct {
	Seq  int64           `json:"seq"`
	TS   time.Time       `json:"ts"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EventListResponse is the response to GET /runs/{id}/events.
type EventListResponse struct {
	Items      []EventItem `json:"items"`
	NextCursor int64       `json:"next_cursor"`
}

// ArtifactItem is one entry of GET /runs/{id}/artifacts.
type ArtifactItem struct {
	ArtifactID string    `json:"artifact_id"`
	FileID     string    `json:"file_id"`
	Title      string    `json:"title"`
	Kind       string    `json:"kind"`
	MIME       string    `json:"mime"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

// ArtifactListResponse is the response to GET /runs/{id}/artifacts.
type ArtifactListResponse struct {
	Artifacts []ArtifactItem `json:"artifacts"`
}

// WorkerItem is one entry of GET /workers.
type WorkerItem struct {
	WorkerID      string    `json:"worker_id"`
	Hostname      string    `json:"hostname"`
	PID           int       `json:"pid"`
	Status        string    `json:"status"`
	RunID         *string   `json:"run_id,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Stale         bool      `json:"stale"`
}

// WorkerListResponse is the response to GET /workers.
type WorkerListResponse struct {
	Workers []WorkerItem `json:"workers"`
}

// CronRequest is the body of POST /cron.
type CronRequest struct {
	TaskID         string          `json:"task_id"`
	CronExpression string          `json:"cron_expression"`
	Params         json.RawMessage `json:"params,omitempty"`
	Name           string          `json:"name,omitempty"`
	Enabled        bool            `json:"is_enabled"`
}

// CronItem is one entry of GET /cron.
type CronItem struct {
	CronID         string     `json:"cron_id"`
	TaskID         string     `json:"task_id"`
	CronExpression string     `json:"cron_expression"`
	Name           string     `json:"name"`
	IsEnabled      bool       `json:"is_enabled"`
	NextRunAt      time.Time  `json:"next_run_at"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
}

// CronListResponse is the response to GET /cron.
type CronListResponse struct {
	Entries []CronItem `json:"entries"`
}

// TaskItem describes one registered task (not part of spec.md's literal
// endpoint table, but needed to render params_schema for clients — served
// under GET /tasks, the natural counterpart to POST /tasks/{id}/runs).
type TaskItem struct {
	TaskID           string          `json:"task_id"`
	Name             string          `json:"name"`
	Version          string          `json:"version"`
	IsEnabled        bool            `json:"is_enabled"`
	ConcurrencyLimit int             `json:"concurrency_limit"`
	ParamsSchema     json.RawMessage `json:"params_schema,omitempty"`
}

// TaskListResponse is the response to GET /tasks.
type TaskListResponse struct {
	Tasks []TaskItem `json:"tasks"`
}

// ErrorResponse is the uniform error body for non-2xx responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
