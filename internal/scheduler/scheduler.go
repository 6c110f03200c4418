// Package scheduler implements spec.md §4.4: a tick loop that polls the
// Store for due cron entries, enqueues one run per entry, and reschedules
// each from the current time rather than from its stale next_run_at — so an
// entry that missed ticks while the process was down produces exactly one
// catch-up run instead of a backlog.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/task"
)

// Scheduler periodically materializes Runs from CronEntry rows.
type Scheduler struct {
	Store    *store.Store
	Registry *task.Registry
	Tick     time.Duration
	Log      *slog.Logger

	parser cron.Parser
}

// New builds a Scheduler. tick is the polling interval
// (TASKHUB_SCHEDULER_TICK_SECONDS, default 1s).
func New(st *store.Store, reg *task.Registry, tick time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{
		Store:    st,
		Registry: reg,
		Tick:     tick,
		Log:      log,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Run ticks until ctx is canceled, enqueuing one run per cron entry that
// came due since the last tick.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Log.Info("scheduler starting", "tick", s.Tick)
	ticker := time.NewTicker(s.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Log.Info("scheduler stopping: context canceled")
			return nil
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

// fire enqueues a run for every entry due as of now, then reschedules each
// one's next_run_at relative to now — never relative to the entry's old,
// possibly long-stale next_run_at — so a scheduler outage of any length
// still produces exactly one run per entry on restart (spec.md §8 property
// 9: "cron coalescing").
func (s *Scheduler) fire(ctx context.Context) {
	now := time.Now()
	due, err := s.Store.PollDueCron(ctx, now)
	if err != nil {
		s.Log.Error("poll_due_cron failed", "err", err)
		return
	}

	for _, entry := range due {
		log := s.Log.With("cron_id", entry.CronID, "task_id", entry.TaskID)

		schedule, err := s.parser.Parse(entry.CronExpression)
		if err != nil {
			log.Error("invalid cron expression; skipping entry", "expr", entry.CronExpression, "err", err)
			continue
		}
		nextRun := schedule.Next(now)

		_, err = s.Store.EnqueueRun(ctx, s.Registry, entry.TaskID, entry.Params, &entry.CronID)
		if err != nil {
			log.Error("cron enqueue failed", "err", err)
			// Still advance the schedule: a task that's disabled or has been
			// removed from the registry shouldn't wedge the entry into
			// firing every tick forever.
		}

		if err := s.Store.AdvanceCron(ctx, entry.CronID, now, nextRun); err != nil {
			log.Error("advance_cron failed", "err", err)
			continue
		}
		log.Info("cron fired", "next_run_at", nextRun)
	}
}
