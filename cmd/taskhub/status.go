package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/taskhub/taskhub/internal/config"
	"github.com/taskhub/taskhub/internal/store"
)

// Color palette matching the teacher TUI's brand accents, scoped down to
// plain non-interactive styled printing since the interactive TUI/SPA is
// out of scope (spec.md §1).
var (
	accentColor  = lipgloss.Color("#6a9bcc")
	successColor = lipgloss.Color("#788c5d")
	errorColor   = lipgloss.Color("#c45c4a")
	warningColor = lipgloss.Color("#d97757")
	dimColor     = lipgloss.Color("#b0aea5")

	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	dimStyle     = lipgloss.NewStyle().Foreground(dimColor)
)

func statusStyle(s store.RunStatus) lipgloss.Style {
	switch s {
	case store.RunSucceeded:
		return lipgloss.NewStyle().Foreground(successColor).Bold(true)
	case store.RunFailed, store.RunCanceled:
		return lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	case store.RunRunning:
		return lipgloss.NewStyle().Foreground(warningColor).Bold(true)
	default:
		return dimStyle
	}
}

// runStatus prints a one-shot, non-interactive snapshot of recent runs, the
// worker registry, and all cron entries — the read-only descendant of the
// teacher's full TUI (SPEC_FULL.md §3.10).
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	limit := fs.Int("limit", 10, "number of recent runs to show")
	_ = fs.Parse(args)

	cfg := config.Load()
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	fmt.Println(headingStyle.Render("TaskHub Status"))
	fmt.Println(dimStyle.Render(cfg.DBPath))
	fmt.Println()

	printRuns(ctx, st, *limit)
	fmt.Println()
	printWorkers(ctx, st)
	fmt.Println()
	printCron(ctx, st)

	return nil
}

func printRuns(ctx context.Context, st *store.Store, limit int) {
	fmt.Println(headingStyle.Render("Recent runs"))
	runs, err := st.ListRuns(ctx, store.RunFilter{Limit: limit})
	if err != nil {
		fmt.Println(dimStyle.Render("  error: " + err.Error()))
		return
	}
	if len(runs) == 0 {
		fmt.Println(dimStyle.Render("  (none)"))
		return
	}
	for _, r := range runs {
		status := statusStyle(r.Status).Render(padRight(string(r.Status), 9))
		line := fmt.Sprintf("  %s %s  %s", status, r.RunID, r.TaskID)
		if r.ExitCode != nil {
			line += fmt.Sprintf("  exit=%d", *r.ExitCode)
		}
		fmt.Println(line)
	}
}

func printWorkers(ctx context.Context, st *store.Store) {
	fmt.Println(headingStyle.Render("Workers"))
	workers, err := st.ListWorkers(ctx)
	if err != nil {
		fmt.Println(dimStyle.Render("  error: " + err.Error()))
		return
	}
	if len(workers) == 0 {
		fmt.Println(dimStyle.Render("  (none)"))
		return
	}
	for _, w := range workers {
		age := time.Since(w.LastHeartbeat).Round(time.Second)
		line := fmt.Sprintf("  %s  %s  heartbeat %s ago", padRight(string(w.Status), 5), w.WorkerID, age)
		fmt.Println(line)
	}
}

func printCron(ctx context.Context, st *store.Store) {
	fmt.Println(headingStyle.Render("Cron entries"))
	entries, err := st.ListCronEntries(ctx)
	if err != nil {
		fmt.Println(dimStyle.Render("  error: " + err.Error()))
		return
	}
	if len(entries) == 0 {
		fmt.Println(dimStyle.Render("  (none)"))
		return
	}
	for _, c := range entries {
		state := "enabled"
		if !c.IsEnabled {
			state = dimStyle.Render("disabled")
		}
		fmt.Printf("  %s  %s  %s  next=%s\n", c.CronID, c.TaskID, state, c.NextRunAt.Format(time.RFC3339))
	}
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}
