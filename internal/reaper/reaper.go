// Package reaper implements spec.md §4.5: a periodic sweeper that reclaims
// leases abandoned by dead Workers, best-effort kills whatever orphan
// process group they left running, and prunes stale worker registry rows.
package reaper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/taskhub/taskhub/internal/procgroup"
	"github.com/taskhub/taskhub/internal/store"
)

// orphanGrace is how long the Reaper waits after SIGTERM before escalating
// to SIGKILL against an orphaned process group (spec.md §4.5 point 2: "wait
// briefly (1 s)").
const orphanGrace = time.Second

// Reaper periodically reclaims runs whose lease has expired.
type Reaper struct {
	Store    *store.Store
	Interval time.Duration
	// LeaseDuration, when set, is used instead of Interval to compute the
	// worker-registry staleness cutoff (spec.md §4.5 point 3: "3 ×
	// lease_duration"). The Reaper otherwise has no direct handle on any
	// one Worker's configured lease.
	LeaseDuration time.Duration
	Log           *slog.Logger
}

// New builds a Reaper. interval is the sweep period
// (TASKHUB_REAPER_INTERVAL_SECONDS, default 60s); leaseDuration is the
// lease duration Workers are configured with, used only to size the worker
// registry staleness cutoff.
func New(st *store.Store, interval, leaseDuration time.Duration, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Reaper{Store: st, Interval: interval, LeaseDuration: leaseDuration, Log: log}
}

// Run ticks until ctx is canceled, sweeping expired leases on every tick.
func (r *Reaper) Run(ctx context.Context) error {
	r.Log.Info("reaper starting", "interval", r.Interval)
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Log.Info("reaper stopping: context canceled")
			return nil
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep performs one reap tick (spec.md §4.5 "Algorithm per tick").
func (r *Reaper) sweep(ctx context.Context) {
	now := time.Now()

	expired, err := r.Store.ReapExpired(ctx, now)
	if err != nil {
		r.Log.Error("reap_expired failed", "err", err)
	}

	for _, e := range expired {
		r.reclaim(ctx, e)
	}

	cutoff := now.Add(-3 * r.leaseDurationEstimate())
	pruned, err := r.Store.PruneWorkers(ctx, cutoff)
	if err != nil {
		r.Log.Error("prune_workers failed", "err", err)
	} else if pruned > 0 {
		r.Log.Info("pruned stale worker registry rows", "count", pruned)
	}
}

func (r *Reaper) leaseDurationEstimate() time.Duration {
	if r.LeaseDuration > 0 {
		return r.LeaseDuration
	}
	return r.Interval
}

func (r *Reaper) reclaim(ctx context.Context, e store.ExpiredRun) {
	log := r.Log.With("run_id", e.RunID, "original_owner", e.LeaseOwner)

	if e.PGID != nil && *e.PGID > 0 && procgroup.Exists(*e.PGID) {
		log.Warn("killing orphaned process group", "pgid", *e.PGID)
		if err := procgroup.Signal(*e.PGID, syscall.SIGTERM); err != nil {
			log.Warn("sigterm orphan failed", "pgid", *e.PGID, "err", err)
		}
		time.Sleep(orphanGrace)
		if procgroup.Exists(*e.PGID) {
			if err := procgroup.Signal(*e.PGID, syscall.SIGKILL); err != nil {
				log.Warn("sigkill orphan failed", "pgid", *e.PGID, "err", err)
			}
		}
	}

	reason := fmt.Sprintf("lease_expired by reaper, original_owner=%s", e.LeaseOwner)
	if err := r.Store.AbandonRun(ctx, e.RunID, reason); err != nil {
		// Another reaper sweep (or the worker itself) already resolved this
		// run between ReapExpired's snapshot and this call; nothing to do.
		log.Info("abandon_run skipped", "err", err)
		return
	}
	log.Info("run abandoned by reaper", "reason", reason)

	data, _ := json.Marshal(map[string]any{"phase": "reaped", "original_owner": e.LeaseOwner})
	if _, err := r.Store.AppendEvent(ctx, e.RunID, "system", data); err != nil {
		log.Warn("append reap system event failed", "err", err)
	}
}
