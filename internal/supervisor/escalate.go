package supervisor

import (
	"context"
	"log/slog"
	"syscall"
	"time"

	"github.com/taskhub/taskhub/internal/procgroup"
)

// cancelPollInterval is how often watchCancellation polls the cancel_requested
// flag when it has no local wakeup signal (spec.md §4.3 point 6: "at most
// every 500 ms").
const cancelPollInterval = 500 * time.Millisecond

// watchCancellation polls for cancellation (explicit request, internally
// triggered timeout, or worker shutdown) and runs the term-then-kill
// escalation against the child's process group. It returns once the run has
// either exited on its own (detected via childExited, which the caller
// closes after cmd.Wait returns), the lease was lost (after a hard kill), or
// the escalation has completed.
//
// The returned string is the finalize reason ("canceled", "timeout",
// "worker_shutdown") when a cancellation fired, or "" if none did.
func (s *Supervisor) watchCancellation(ctx context.Context, runID string, pgid int, timeout time.Duration, shutdownCtx context.Context, lostLease <-chan struct{}, childExited <-chan struct{}, log *slog.Logger) string {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	if shutdownCtx == nil {
		shutdownCtx = context.Background()
	}

	reason := ""
	for reason == "" {
		select {
		case <-childExited:
			return reason
		case <-lostLease:
			// The Reaper (or another worker) now owns this run; hard-kill
			// immediately rather than going through the term-then-wait
			// escalation, so the child stops producing side effects under an
			// ownership this Worker no longer holds (spec.md §4.2 point 5,
			// §7).
			s.hardKill(pgid, log)
			return reason
		case <-shutdownCtx.Done():
			reason = "worker_shutdown"
		case <-deadline:
			reason = "timeout"
		case <-ticker.C:
			if done, _ := s.isCanceled(ctx, runID); done {
				reason = "canceled"
			}
		}
	}

	// ctx may itself be done at this point (worker_shutdown fires exactly
	// when ctx == shutdownCtx is canceled), so the record-and-kill sequence
	// below runs against a fresh context rather than the caller's.
	opCtx := context.Background()
	s.appendEvent(opCtx, runID, "system", map[string]any{"phase": "cancel_requested", "reason": reason})
	s.escalate(opCtx, pgid, log)
	return reason
}

func (s *Supervisor) isCanceled(ctx context.Context, runID string) (bool, error) {
	return s.Store.IsCancelRequested(ctx, runID)
}

// hardKill sends SIGKILL to the process group with no grace period. Used
// only for the lost-lease path, where waiting out a term-then-wait
// escalation would let the child keep running under a lease this Worker no
// longer holds.
func (s *Supervisor) hardKill(pgid int, log *slog.Logger) {
	if err := procgroup.Signal(pgid, syscall.SIGKILL); err != nil && log != nil {
		log.Warn("sigkill process group failed", "pgid", pgid, "err", err)
	}
}

// escalate runs the SIGTERM → wait soft_grace → SIGKILL sequence against the
// process group, returning once the group is gone or SIGKILL has been sent.
func (s *Supervisor) escalate(ctx context.Context, pgid int, log *slog.Logger) {
	if err := procgroup.Signal(pgid, syscall.SIGTERM); err != nil && log != nil {
		log.Warn("sigterm process group failed", "pgid", pgid, "err", err)
	}

	grace := s.Config.SoftGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	deadline := time.After(grace)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			if err := procgroup.Signal(pgid, syscall.SIGKILL); err != nil && log != nil {
				log.Warn("sigkill process group failed", "pgid", pgid, "err", err)
			}
			return
		case <-ticker.C:
			if !procgroup.Exists(pgid) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
