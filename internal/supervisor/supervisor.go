// Package supervisor implements spec.md §4.3: given a claimed run, build its
// command, spawn the child in its own process group, stream its output into
// the event log, enforce the cancellation escalation sequence, and finalize
// the run.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/taskhub/taskhub/internal/config"
	"github.com/taskhub/taskhub/internal/eventbus"
	"github.com/taskhub/taskhub/internal/procgroup"
	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/task"
)

// Supervisor drives one claimed run from CLAIMED to FINALIZED.
type Supervisor struct {
	Store  *store.Store
	Bus    *eventbus.Bus
	Config config.Config
	Log    *slog.Logger
}

// New builds a Supervisor with the given collaborators.
func New(st *store.Store, bus *eventbus.Bus, cfg config.Config, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{Store: st, Bus: bus, Config: cfg, Log: log}
}

// ExecOptions parameterize one Execute call.
type ExecOptions struct {
	Task     *task.Task
	Run      *store.Run
	WorkerID string
	// ShutdownCtx, when canceled, triggers the same escalation sequence as a
	// user cancel but finalizes with error="worker_shutdown" instead of
	// error="canceled" (spec.md §4.2 graceful shutdown).
	ShutdownCtx context.Context
	// LostLease, when closed, means the Worker no longer owns this run (the
	// Reaper claimed it first). The Supervisor hard-kills the child
	// immediately and does not write to the run row at all.
	LostLease <-chan struct{}
}

// ErrLostLease is returned by Execute when LostLease fired mid-run.
var ErrLostLease = errors.New("supervisor: lost lease mid-run")

// Execute runs opts.Task's command for opts.Run to a terminal state,
// finalizing the run via the Store before returning (unless the lease was
// lost, in which case the caller — the Worker — owns no further state to
// write).
func (s *Supervisor) Execute(ctx context.Context, opts ExecOptions) error {
	t, run := opts.Task, opts.Run
	log := s.Log.With("run_id", run.RunID, "task_id", t.ID, "worker_id", opts.WorkerID)

	argv, err := t.BuildCommand(run.Params)
	if err != nil {
		msg := fmt.Sprintf("build_command_failed: %v", err)
		return s.finishRun(ctx, run.RunID, opts.WorkerID, store.RunFailed, nil, &msg)
	}
	if len(argv) == 0 {
		msg := "build_command_failed: empty command"
		return s.finishRun(ctx, run.RunID, opts.WorkerID, store.RunFailed, nil, &msg)
	}

	runDir := s.Config.RunDir(run.RunID)
	artifactsDir := filepath.Join(runDir, "artifacts")
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		msg := fmt.Sprintf("spawn_error: create run dir: %v", err)
		return s.finishRun(ctx, run.RunID, opts.WorkerID, store.RunFailed, nil, &msg)
	}

	stdoutLog, err := os.OpenFile(filepath.Join(runDir, "stdout.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		msg := fmt.Sprintf("spawn_error: open stdout.log: %v", err)
		return s.finishRun(ctx, run.RunID, opts.WorkerID, store.RunFailed, nil, &msg)
	}
	defer stdoutLog.Close()

	stderrLog, err := os.OpenFile(filepath.Join(runDir, "stderr.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		msg := fmt.Sprintf("spawn_error: open stderr.log: %v", err)
		return s.finishRun(ctx, run.RunID, opts.WorkerID, store.RunFailed, nil, &msg)
	}
	defer stderrLog.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		"TASKHUB_RUN_ID="+run.RunID,
		"TASKHUB_ARTIFACTS_DIR="+artifactsDir,
	)
	procgroup.Isolate(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		msg := fmt.Sprintf("spawn_error: stdout pipe: %v", err)
		return s.finishRun(ctx, run.RunID, opts.WorkerID, store.RunFailed, nil, &msg)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		msg := fmt.Sprintf("spawn_error: stderr pipe: %v", err)
		return s.finishRun(ctx, run.RunID, opts.WorkerID, store.RunFailed, nil, &msg)
	}

	if err := cmd.Start(); err != nil {
		msg := fmt.Sprintf("spawn_error: %v", err)
		return s.finishRun(ctx, run.RunID, opts.WorkerID, store.RunFailed, nil, &msg)
	}

	pgid := procgroup.PGID(cmd)
	if err := s.Store.SetPGID(ctx, run.RunID, opts.WorkerID, pgid); err != nil {
		// Lost the lease before we even recorded the PGID: hard-kill and bail
		// without touching the run row.
		_ = procgroup.Signal(pgid, syscall.SIGKILL)
		_, _ = cmd.Process.Wait()
		return ErrLostLease
	}
	s.appendSystemEvent(ctx, run.RunID, map[string]any{"phase": "spawned", "pgid": pgid})

	lineCh := make(chan rawLine, streamBufferSize)
	var drainWG sync.WaitGroup
	drainWG.Add(2)
	go func() { defer drainWG.Done(); drainLines(stdoutPipe, false, lineCh) }()
	go func() { defer drainWG.Done(); drainLines(stderrPipe, true, lineCh) }()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		s.consumeLines(ctx, run.RunID, lineCh, stdoutLog, stderrLog, opts.LostLease)
	}()

	escalationDone := make(chan struct{})
	childExited := make(chan struct{})
	var cancelReason string
	go func() {
		defer close(escalationDone)
		cancelReason = s.watchCancellation(ctx, run.RunID, pgid, t.Timeout, opts.ShutdownCtx, opts.LostLease, childExited, log)
	}()

	// Let the drain goroutines read the pipes to EOF before calling
	// cmd.Wait, which closes the pipes and would discard any unread output.
	// Then close the line channel so the consumer can drain and stop.
	drainWG.Wait()
	waitErr := cmd.Wait()
	close(childExited)
	close(lineCh)
	<-consumerDone

	<-escalationDone

	select {
	case <-opts.LostLease:
		return ErrLostLease
	default:
	}

	// The run must still be finalized even if ctx was canceled to get here
	// (worker shutdown cancels the same ctx it passed as ShutdownCtx), so the
	// terminal write goes through a context that outlives ctx's cancellation.
	finalCtx := context.Background()
	cancelRequested, _ := s.Store.IsCancelRequested(finalCtx, run.RunID)
	if cancelReason != "" {
		cancelRequested = true
	}

	return s.finalize(finalCtx, run.RunID, opts.WorkerID, waitErr, cancelRequested, cancelReason)
}

// finalize classifies the child's exit per spec.md §4.3 point 7.
func (s *Supervisor) finalize(ctx context.Context, runID, workerID string, waitErr error, canceled bool, cancelReason string) error {
	if canceled {
		reason := cancelReason
		if reason == "" {
			reason = "canceled"
		}
		return s.finishRun(ctx, runID, workerID, store.RunCanceled, nil, &reason)
	}

	if waitErr == nil {
		zero := 0
		return s.finishRun(ctx, runID, workerID, store.RunSucceeded, &zero, nil)
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code := exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			msg := fmt.Sprintf("killed by signal: %s", ws.Signal())
			return s.finishRun(ctx, runID, workerID, store.RunFailed, nil, &msg)
		}
		msg := fmt.Sprintf("exit_code=%d", code)
		return s.finishRun(ctx, runID, workerID, store.RunFailed, &code, &msg)
	}

	msg := waitErr.Error()
	return s.finishRun(ctx, runID, workerID, store.RunFailed, nil, &msg)
}

func (s *Supervisor) finishRun(ctx context.Context, runID, workerID string, status store.RunStatus, exitCode *int, errMsg *string) error {
	if err := s.Store.FinishRun(ctx, runID, workerID, status, exitCode, errMsg); err != nil {
		if errors.Is(err, store.ErrLostLease) {
			return ErrLostLease
		}
		return err
	}
	return nil
}

func (s *Supervisor) appendSystemEvent(ctx context.Context, runID string, data map[string]any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	seq, err := s.Store.AppendEvent(ctx, runID, "system", raw)
	if err != nil {
		return
	}
	s.Bus.Publish(store.Event{RunID: runID, Seq: seq, TS: time.Now(), Type: "system", Data: raw})
}
