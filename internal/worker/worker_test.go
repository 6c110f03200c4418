package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/taskhub/taskhub/internal/config"
	"github.com/taskhub/taskhub/internal/eventbus"
	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/task"
)

// TestRunClaimsExecutesAndStopsOnShutdown drives a Worker through one full
// lifecycle: claim a queued run, execute it to SUCCEEDED via the real
// Supervisor, then stop cleanly when its context is canceled.
func TestRunClaimsExecutesAndStopsOnShutdown(t *testing.T) {
	t.Parallel()

	st, err := store.Open(filepath.Join(t.TempDir(), "taskhub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	echo := &task.Task{
		ID: "echo", Enabled: true,
		BuildCommand: func(json.RawMessage) ([]string, error) {
			return []string{"sh", "-c", "echo done; exit 0"}, nil
		},
	}
	reg := task.NewRegistry(echo)

	ctx := context.Background()
	runID, err := st.EnqueueRun(ctx, reg, "echo", nil, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	cfg := config.Config{
		DataDir:       t.TempDir(),
		LeaseDuration: time.Minute,
		SoftGrace:     2 * time.Second,
		IdlePoll:      20 * time.Millisecond,
	}
	w := New(st, reg, eventbus.New(), cfg, nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		run, err := st.GetRun(ctx, runID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if run.Status == store.RunSucceeded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not reach SUCCEEDED in time, status=%s", run.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop after context cancellation")
	}
}

// TestNewMintsStableIDAndHeartbeats checks the worker id's "w-" prefix and
// that starting the loop registers a worker row before it ever
// claims anything.
func TestNewMintsStableIDAndHeartbeats(t *testing.T) {
	t.Parallel()

	st, err := store.Open(filepath.Join(t.TempDir(), "taskhub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg := task.NewRegistry()
	cfg := config.Config{DataDir: t.TempDir(), LeaseDuration: time.Minute, IdlePoll: 20 * time.Millisecond}
	w := New(st, reg, eventbus.New(), cfg, nil)

	if !strings.HasPrefix(w.ID, "w-") {
		t.Fatalf("expected worker id to start with w-, got %s", w.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		workers, err := st.ListWorkers(context.Background())
		if err != nil {
			t.Fatalf("list_workers: %v", err)
		}
		if len(workers) == 1 && workers[0].WorkerID == w.ID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker never registered a heartbeat row")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop after context cancellation")
	}
}
