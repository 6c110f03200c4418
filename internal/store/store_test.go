package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeRegistry is a minimal TaskLookup for tests that don't need the real
// task package.
type fakeRegistry map[string]struct {
	enabled bool
	limit   int
}

func (f fakeRegistry) Lookup(taskID string) (enabled bool, concurrencyLimit int, ok bool) {
	t, found := f[taskID]
	if !found {
		return false, 0, false
	}
	return t.enabled, t.limit, true
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "taskhub.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnqueueRunRejectsUnknownAndDisabledTasks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	reg := fakeRegistry{
		"enabled_task":  {enabled: true, limit: 0},
		"disabled_task": {enabled: false, limit: 0},
	}

	if _, err := s.EnqueueRun(ctx, reg, "missing_task", nil, nil); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
	if _, err := s.EnqueueRun(ctx, reg, "disabled_task", nil, nil); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}

	runID, err := s.EnqueueRun(ctx, reg, "enabled_task", json.RawMessage(`{"x":1}`), nil)
	if err != nil {
		t.Fatalf("enqueue should succeed: %v", err)
	}
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != RunQueued {
		t.Fatalf("expected QUEUED, got %s", run.Status)
	}
	if run.LeaseOwner != nil || run.PGID != nil || run.StartedAt != nil {
		t.Fatalf("a fresh QUEUED run must have no lease, pgid, or started_at: %+v", run)
	}
}

// TestClaimNextAtMostOneClaim is spec.md §8 property 1: racing claimers on
// the same run, only one ever wins it.
func TestClaimNextAtMostOneClaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	reg := fakeRegistry{"t": {enabled: true, limit: 0}}

	runID, err := s.EnqueueRun(ctx, reg, "t", nil, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []string
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			run, err := s.ClaimNext(ctx, reg, "worker-"+string(rune('a'+idx)), time.Minute)
			if err != nil {
				t.Errorf("claim_next: %v", err)
				return
			}
			if run != nil {
				mu.Lock()
				winners = append(winners, run.RunID)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one claimer to win, got %d: %v", len(winners), winners)
	}
	if winners[0] != runID {
		t.Fatalf("winner claimed %s, want %s", winners[0], runID)
	}
}

// TestClaimNextRespectsConcurrencyLimit is spec.md §8 property 2.
func TestClaimNextRespectsConcurrencyLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	reg := fakeRegistry{"t": {enabled: true, limit: 2}}

	var runIDs []string
	for i := 0; i < 5; i++ {
		id, err := s.EnqueueRun(ctx, reg, "t", nil, nil)
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		runIDs = append(runIDs, id)
	}

	claimed := 0
	for i := 0; i < 5; i++ {
		run, err := s.ClaimNext(ctx, reg, "w", time.Minute)
		if err != nil {
			t.Fatalf("claim_next: %v", err)
		}
		if run != nil {
			claimed++
		}
	}
	if claimed != 2 {
		t.Fatalf("expected exactly 2 claims under concurrency_limit=2, got %d", claimed)
	}

	var running int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE status = ?`, string(RunRunning)).Scan(&running); err != nil {
		t.Fatalf("count running: %v", err)
	}
	if running != 2 {
		t.Fatalf("expected 2 RUNNING rows, got %d", running)
	}
}

func TestClaimNextFIFOOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	reg := fakeRegistry{"t": {enabled: true, limit: 0}}

	first, err := s.EnqueueRun(ctx, reg, "t", nil, nil)
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	// Force a distinguishable created_at ordering: EnqueueRun stamps
	// time.Now() with nanosecond precision, so a short sleep between inserts
	// guarantees first < second.
	time.Sleep(2 * time.Millisecond)
	second, err := s.EnqueueRun(ctx, reg, "t", nil, nil)
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	run, err := s.ClaimNext(ctx, reg, "w", time.Minute)
	if err != nil {
		t.Fatalf("claim_next: %v", err)
	}
	if run == nil || run.RunID != first {
		t.Fatalf("expected FIFO to claim %s first, got %v", first, run)
	}

	run2, err := s.ClaimNext(ctx, reg, "w", time.Minute)
	if err != nil {
		t.Fatalf("claim_next: %v", err)
	}
	if run2 == nil || run2.RunID != second {
		t.Fatalf("expected FIFO to claim %s second, got %v", second, run2)
	}
}

func TestRenewLeaseAndFinishRunRespectOwnership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	reg := fakeRegistry{"t": {enabled: true, limit: 0}}

	runID, err := s.EnqueueRun(ctx, reg, "t", nil, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	run, err := s.ClaimNext(ctx, reg, "owner", time.Minute)
	if err != nil || run == nil {
		t.Fatalf("claim_next: %v, %v", run, err)
	}

	if err := s.RenewLease(ctx, runID, "someone-else", time.Minute); !errors.Is(err, ErrLostLease) {
		t.Fatalf("renew_lease by non-owner should fail with ErrLostLease, got %v", err)
	}
	if err := s.RenewLease(ctx, runID, "owner", time.Minute); err != nil {
		t.Fatalf("renew_lease by owner should succeed: %v", err)
	}

	if err := s.FinishRun(ctx, runID, "someone-else", RunSucceeded, nil, nil); !errors.Is(err, ErrLostLease) {
		t.Fatalf("finish_run by non-owner should fail with ErrLostLease, got %v", err)
	}

	zero := 0
	if err := s.FinishRun(ctx, runID, "owner", RunSucceeded, &zero, nil); err != nil {
		t.Fatalf("finish_run by owner should succeed: %v", err)
	}

	finished, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if finished.Status != RunSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", finished.Status)
	}
	if finished.LeaseOwner != nil || finished.LeaseExpiresAt != nil || finished.PGID != nil {
		t.Fatalf("finished run must clear lease fields: %+v", finished)
	}
	if finished.FinishedAt == nil || finished.StartedAt == nil || finished.FinishedAt.Before(*finished.StartedAt) {
		t.Fatalf("expected finished_at >= started_at, got %+v", finished)
	}

	// A second finish is rejected: the run is no longer RUNNING.
	if err := s.FinishRun(ctx, runID, "owner", RunFailed, nil, nil); !errors.Is(err, ErrLostLease) {
		t.Fatalf("finish_run on a terminal run should fail, got %v", err)
	}
}

func TestRequestCancelQueuedIsInstant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	reg := fakeRegistry{"t": {enabled: true, limit: 0}}

	runID, err := s.EnqueueRun(ctx, reg, "t", nil, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.RequestCancel(ctx, runID); err != nil {
		t.Fatalf("request_cancel: %v", err)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != RunCanceled {
		t.Fatalf("expected CANCELED, got %s", run.Status)
	}
	if run.FinishedAt == nil {
		t.Fatalf("canceled run should have finished_at set")
	}
}

func TestRequestCancelRunningSetsFlagOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	reg := fakeRegistry{"t": {enabled: true, limit: 0}}

	runID, err := s.EnqueueRun(ctx, reg, "t", nil, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimNext(ctx, reg, "w", time.Minute); err != nil {
		t.Fatalf("claim_next: %v", err)
	}
	if err := s.RequestCancel(ctx, runID); err != nil {
		t.Fatalf("request_cancel: %v", err)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != RunRunning {
		t.Fatalf("cancel on RUNNING must not change status directly, got %s", run.Status)
	}
	if !run.CancelRequested {
		t.Fatalf("expected cancel_requested=true")
	}
}

func TestAppendEventMonotonicSequence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	reg := fakeRegistry{"t": {enabled: true, limit: 0}}

	runID, err := s.EnqueueRun(ctx, reg, "t", nil, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 1; i <= 5; i++ {
		seq, err := s.AppendEvent(ctx, runID, "log", json.RawMessage(`{}`))
		if err != nil {
			t.Fatalf("append_event %d: %v", i, err)
		}
		if seq != int64(i) {
			t.Fatalf("expected seq %d, got %d", i, seq)
		}
	}

	events, cursor, err := s.ListEvents(ctx, runID, 0, 100)
	if err != nil {
		t.Fatalf("list_events: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Fatalf("gap or duplicate in sequence at index %d: %d", i, e.Seq)
		}
	}
	if cursor != 5 {
		t.Fatalf("expected next_cursor=5, got %d", cursor)
	}

	more, cursor2, err := s.ListEvents(ctx, runID, cursor, 100)
	if err != nil {
		t.Fatalf("list_events after cursor: %v", err)
	}
	if len(more) != 0 || cursor2 != cursor {
		t.Fatalf("expected no further events past the cursor, got %d, cursor=%d", len(more), cursor2)
	}
}

// TestReaperSafetyNeverTouchesValidLease is spec.md §8 property 6.
func TestReaperSafetyNeverTouchesValidLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	reg := fakeRegistry{"t": {enabled: true, limit: 0}}

	runID, err := s.EnqueueRun(ctx, reg, "t", nil, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimNext(ctx, reg, "w", time.Hour); err != nil {
		t.Fatalf("claim_next: %v", err)
	}

	expired, err := s.ReapExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("reap_expired: %v", err)
	}
	for _, e := range expired {
		if e.RunID == runID {
			t.Fatalf("reap_expired must not select a run with a still-valid lease")
		}
	}

	if err := s.AbandonRun(ctx, runID, "should not apply"); !errors.Is(err, ErrLostLease) {
		t.Fatalf("abandon_run on a non-expired lease should fail, got %v", err)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != RunRunning {
		t.Fatalf("run with a valid lease must remain RUNNING, got %s", run.Status)
	}
}

func TestReapExpiredAndAbandon(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	reg := fakeRegistry{"t": {enabled: true, limit: 0}}

	runID, err := s.EnqueueRun(ctx, reg, "t", nil, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimNext(ctx, reg, "dead-worker", time.Nanosecond); err != nil {
		t.Fatalf("claim_next: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	expired, err := s.ReapExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("reap_expired: %v", err)
	}
	if len(expired) != 1 || expired[0].RunID != runID {
		t.Fatalf("expected exactly %s to be expired, got %+v", runID, expired)
	}
	if expired[0].LeaseOwner != "dead-worker" {
		t.Fatalf("expected lease_owner dead-worker, got %s", expired[0].LeaseOwner)
	}

	if err := s.AbandonRun(ctx, runID, "lease_expired by reaper, original_owner=dead-worker"); err != nil {
		t.Fatalf("abandon_run: %v", err)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != RunFailed {
		t.Fatalf("expected FAILED after abandon, got %s", run.Status)
	}
	if run.Error == nil || *run.Error == "" {
		t.Fatalf("expected error reason to be recorded")
	}
	if run.LeaseOwner != nil {
		t.Fatalf("abandoned run must clear lease_owner")
	}
}

func TestPollDueCronAndAdvance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	past := time.Now().Add(-time.Minute)
	entry := &CronEntry{
		TaskID:         "t",
		CronExpression: "* * * * *",
		NextRunAt:      past,
		IsEnabled:      true,
	}
	if err := s.CreateCronEntry(ctx, entry); err != nil {
		t.Fatalf("create_cron_entry: %v", err)
	}

	due, err := s.PollDueCron(ctx, time.Now())
	if err != nil {
		t.Fatalf("poll_due_cron: %v", err)
	}
	if len(due) != 1 || due[0].CronID != entry.CronID {
		t.Fatalf("expected entry to be due, got %+v", due)
	}

	now := time.Now()
	next := now.Add(time.Minute)
	if err := s.AdvanceCron(ctx, entry.CronID, now, next); err != nil {
		t.Fatalf("advance_cron: %v", err)
	}

	due2, err := s.PollDueCron(ctx, now)
	if err != nil {
		t.Fatalf("poll_due_cron after advance: %v", err)
	}
	if len(due2) != 0 {
		t.Fatalf("entry should no longer be due right after advancing, got %+v", due2)
	}

	got, err := s.GetCronEntry(ctx, entry.CronID)
	if err != nil {
		t.Fatalf("get_cron_entry: %v", err)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(roundTrip(now)) {
		t.Fatalf("expected last_run_at to be set to now, got %+v", got.LastRunAt)
	}
}

// roundTrip formats and reparses t to strip any precision lost by the
// store's on-disk timestamp representation before comparing equality.
func roundTrip(t time.Time) time.Time {
	parsed, _ := parseTime(formatTime(t))
	return parsed
}

func TestWorkerRegistryUpsertAndPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	old := WorkerInfo{WorkerID: "w-old", Hostname: "h", PID: 1, Status: WorkerIdle, LastHeartbeat: time.Now().Add(-time.Hour)}
	fresh := WorkerInfo{WorkerID: "w-fresh", Hostname: "h", PID: 2, Status: WorkerIdle, LastHeartbeat: time.Now()}
	if err := s.UpsertWorker(ctx, old); err != nil {
		t.Fatalf("upsert old: %v", err)
	}
	if err := s.UpsertWorker(ctx, fresh); err != nil {
		t.Fatalf("upsert fresh: %v", err)
	}

	workers, err := s.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("list_workers: %v", err)
	}
	if len(workers) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(workers))
	}

	pruned, err := s.PruneWorkers(ctx, time.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("prune_workers: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected to prune exactly 1 stale worker, got %d", pruned)
	}

	remaining, err := s.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("list_workers after prune: %v", err)
	}
	if len(remaining) != 1 || remaining[0].WorkerID != "w-fresh" {
		t.Fatalf("expected only w-fresh to remain, got %+v", remaining)
	}
}

func TestInsertAndGetArtifact(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	reg := fakeRegistry{"t": {enabled: true, limit: 0}}

	runID, err := s.EnqueueRun(ctx, reg, "t", nil, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	a := &Artifact{RunID: runID, FileID: "plot.png", Title: "Plot", Kind: "image", MIME: "image/png", Path: "artifacts/plot.png", SizeBytes: 1024}
	if err := s.InsertArtifact(ctx, a); err != nil {
		t.Fatalf("insert_artifact: %v", err)
	}
	if a.ArtifactID == "" {
		t.Fatalf("expected artifact id to be generated")
	}

	got, err := s.GetArtifactByFileID(ctx, runID, "plot.png")
	if err != nil {
		t.Fatalf("get_artifact_by_file_id: %v", err)
	}
	if got.Path != a.Path || got.SizeBytes != a.SizeBytes {
		t.Fatalf("round-tripped artifact mismatch: %+v vs %+v", got, a)
	}

	if _, err := s.GetArtifactByFileID(ctx, runID, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing file id, got %v", err)
	}
}
