// Package worker implements spec.md §4.2: a long-lived process that claims
// runs from the Store, drives each one through the Supervisor, and renews
// its lease on a heartbeat timer so the Reaper never mistakes a live worker
// for a dead one.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/taskhub/taskhub/internal/config"
	"github.com/taskhub/taskhub/internal/eventbus"
	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/supervisor"
	"github.com/taskhub/taskhub/internal/task"
	"github.com/taskhub/taskhub/internal/webhook"
)

// Worker is a single-process, single-run-at-a-time claimant.
type Worker struct {
	ID         string
	Store      *store.Store
	Registry   *task.Registry
	Supervisor *supervisor.Supervisor
	Config     config.Config
	Log        *slog.Logger
	// Notifier, if non-nil, is called with every run's final state after
	// the Supervisor finalizes it. A nil Notifier disables notifications
	// entirely without affecting any queue invariant.
	Notifier *webhook.Notifier

	hostname string
	pid      int
}

// New builds a Worker with a freshly minted id of the form
// w-<host>-<pid>-<rand>, matching spec.md §3's example format.
func New(st *store.Store, reg *task.Registry, bus *eventbus.Bus, cfg config.Config, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	pid := os.Getpid()
	id := "w-" + host + "-" + strconv.Itoa(pid) + "-" + uuid.NewString()[:8]

	return &Worker{
		ID:         id,
		Store:      st,
		Registry:   reg,
		Supervisor: supervisor.New(st, bus, cfg, log.With("worker_id", id)),
		Config:     cfg,
		Log:        log.With("worker_id", id),
		hostname:   host,
		pid:        pid,
	}
}

// Run executes the Worker's main loop until ctx is canceled (typically by a
// SIGTERM handler in main), at which point it stops claiming new runs,
// cancels its current run if any, waits up to a shutdown grace period, and
// returns.
func (w *Worker) Run(ctx context.Context) error {
	w.Log.Info("worker starting")
	idlePoll := w.Config.IdlePoll
	if idlePoll <= 0 {
		idlePoll = 500 * time.Millisecond
	}

	for {
		if err := w.heartbeat(ctx, store.WorkerIdle, nil); err != nil {
			w.Log.Warn("heartbeat failed", "err", err)
		}

		select {
		case <-ctx.Done():
			w.Log.Info("worker stopping: context canceled")
			return nil
		default:
		}

		run, err := w.Store.ClaimNext(ctx, w.Registry, w.ID, w.Config.LeaseDuration)
		if err != nil {
			w.Log.Error("claim_next failed", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(idlePoll):
			}
			continue
		}
		if run == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(idlePoll):
			}
			continue
		}

		t, ok := w.Registry.Get(run.TaskID)
		if !ok {
			// The task vanished from the registry between enqueue and claim
			// (manifest changed out from under a running process). Fail the
			// run rather than wedging it.
			msg := "build_command_failed: task no longer in registry"
			_ = w.Store.FinishRun(ctx, run.RunID, w.ID, store.RunFailed, nil, &msg)
			continue
		}

		w.runOne(ctx, t, run)
	}
}

// runOne drives a single claimed run through the Supervisor while a
// companion heartbeat ticker renews its lease.
func (w *Worker) runOne(ctx context.Context, t *task.Task, run *store.Run) {
	log := w.Log.With("run_id", run.RunID, "task_id", t.ID)
	log.Info("run claimed")

	if err := w.heartbeat(ctx, store.WorkerBusy, &run.RunID); err != nil {
		log.Warn("heartbeat failed", "err", err)
	}

	lostLease := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go w.heartbeatLoop(ctx, run.RunID, lostLease, heartbeatDone)

	execOpts := supervisor.ExecOptions{
		Task:        t,
		Run:         run,
		WorkerID:    w.ID,
		ShutdownCtx: ctx,
		LostLease:   lostLease,
	}

	err := w.Supervisor.Execute(ctx, execOpts)
	close(heartbeatDone)

	if err != nil {
		if errors.Is(err, supervisor.ErrLostLease) {
			log.Warn("lost lease mid-run; run reclaimed by reaper")
		} else {
			log.Error("run execution error", "err", err)
		}
		return
	}
	log.Info("run finalized")
	w.notify(run.RunID, log)
}

// notify fetches the finished run and posts it to any configured webhooks.
// Failures here are logged, never propagated: notification delivery carries
// no queue invariant (spec.md §1, §3.9 of SPEC_FULL.md).
func (w *Worker) notify(runID string, log *slog.Logger) {
	if w.Notifier == nil {
		return
	}
	finished, err := w.Store.GetRun(context.Background(), runID)
	if err != nil {
		log.Warn("notify: fetch finished run failed", "err", err)
		return
	}
	for _, err := range w.Notifier.NotifyFinished(finished) {
		log.Warn("webhook notify failed", "err", err)
	}
}

// heartbeatLoop renews the run's lease every lease_duration/3 until the
// supervisor finishes (heartbeatDone closes) or the lease is lost, in which
// case it closes lostLease so the Supervisor hard-kills its child.
func (w *Worker) heartbeatLoop(ctx context.Context, runID string, lostLease chan<- struct{}, heartbeatDone <-chan struct{}) {
	lease := w.Config.LeaseDuration
	if lease <= 0 {
		lease = 60 * time.Second
	}
	interval := lease / 3
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-heartbeatDone:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Store.RenewLease(ctx, runID, w.ID, lease); err != nil {
				if errors.Is(err, store.ErrLostLease) {
					close(lostLease)
					return
				}
				w.Log.Warn("renew_lease failed", "run_id", runID, "err", err)
			}
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context, status store.WorkerStatus, runID *string) error {
	return w.Store.UpsertWorker(ctx, store.WorkerInfo{
		WorkerID:      w.ID,
		Hostname:      w.hostname,
		PID:           w.pid,
		Status:        status,
		RunID:         runID,
		LastHeartbeat: time.Now(),
	})
}
