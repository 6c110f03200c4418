package store

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunQueued    RunStatus = "QUEUED"
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
	RunCanceled  RunStatus = "CANCELED"
)

// WorkerStatus is the soft state of an entry in the worker registry.
type WorkerStatus string

const (
	WorkerIdle WorkerStatus = "IDLE"
	WorkerBusy WorkerStatus = "BUSY"
)

// Run is a single execution attempt of a task with concrete parameters.
type Run struct {
	RunID           string          `json:"run_id"`
	TaskID          string          `json:"task_id"`
	Params          json.RawMessage `json:"params"`
	Status          RunStatus       `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	ExitCode        *int            `json:"exit_code,omitempty"`
	Error           *string         `json:"error,omitempty"`
	LeaseOwner      *string         `json:"lease_owner,omitempty"`
	LeaseExpiresAt  *time.Time      `json:"lease_expires_at,omitempty"`
	PGID            *int            `json:"pgid,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	CronID          *string         `json:"cron_id,omitempty"`
}

// Event is one append-only, totally ordered record on a Run's event log.
type Event struct {
	RunID string          `json:"run_id"`
	Seq   int64           `json:"seq"`
	TS    time.Time       `json:"ts"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
}

// Artifact is a file produced by a Run.
type Artifact struct {
	ArtifactID string    `json:"artifact_id"`
	RunID      string    `json:"run_id"`
	FileID     string    `json:"file_id"`
	Title      string    `json:"title"`
	Kind       string    `json:"kind"`
	MIME       string    `json:"mime"`
	Path       string    `json:"path"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

// WorkerInfo is a row in the soft-state worker registry.
type WorkerInfo struct {
	WorkerID      string       `json:"worker_id"`
	Hostname      string       `json:"hostname"`
	PID           int          `json:"pid"`
	Status        WorkerStatus `json:"status"`
	RunID         *string      `json:"run_id,omitempty"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// CronEntry is a stored schedule that materializes Runs over time.
type CronEntry struct {
	CronID         string          `json:"cron_id"`
	TaskID         string          `json:"task_id"`
	CronExpression string          `json:"cron_expression"`
	Params         json.RawMessage `json:"params"`
	Name           string          `json:"name"`
	IsEnabled      bool            `json:"is_enabled"`
	NextRunAt      time.Time       `json:"next_run_at"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
}

// ExpiredRun is the lease-expired projection returned by ReapExpired.
type ExpiredRun struct {
	RunID      string
	PGID       *int
	LeaseOwner string
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	TaskID string
	Status RunStatus
	Limit  int
}
