// Command taskhub is the launcher surface named in spec.md §6: a single
// binary with per-component subcommands (api, worker, scheduler, reaper,
// status), each wiring only what it needs against the shared SQLite file,
// following the teacher's pattern of a thin main.go that dispatches on
// os.Args[1] into small run* functions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskhub/taskhub/internal/api"
	"github.com/taskhub/taskhub/internal/config"
	"github.com/taskhub/taskhub/internal/eventbus"
	"github.com/taskhub/taskhub/internal/reaper"
	"github.com/taskhub/taskhub/internal/scheduler"
	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/task"
	"github.com/taskhub/taskhub/internal/webhook"
	"github.com/taskhub/taskhub/internal/worker"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "api":
		err = runAPI(os.Args[2:])
	case "worker":
		err = runWorker(os.Args[2:])
	case "scheduler":
		err = runScheduler(os.Args[2:])
	case "reaper":
		err = runReaper(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "help", "--help", "-h":
		printHelp()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// componentFlags holds the flags every long-running component subcommand
// shares: a task manifest path and an optional PID file, matching the
// teacher's PID-file bookkeeping convention generalized to any subcommand
// (spec.md §6: "PID/log files under logs/ (launcher concern)").
type componentFlags struct {
	tasksManifest string
	pidFile       string
	interval      int
}

func parseComponentFlags(name string, args []string) (*componentFlags, *flag.FlagSet) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	f := &componentFlags{}
	fs.StringVar(&f.tasksManifest, "tasks", "tasks.json", "path to the task manifest")
	fs.StringVar(&f.pidFile, "pidfile", "", "write the process id to this file")
	fs.IntVar(&f.interval, "interval", 0, "override this component's tick/sweep interval in seconds")
	_ = fs.Parse(args)
	return f, fs
}

func writePIDFile(path string) (cleanup func(), err error) {
	if path == "" {
		return func() {}, nil
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("write pidfile: %w", err)
	}
	return func() { _ = os.Remove(path) }, nil
}

func loadRegistry(path string) (*task.Registry, error) {
	reg, err := task.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load task manifest: %w", err)
	}
	return reg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runWorker(args []string) error {
	flags, _ := parseComponentFlags("worker", args)
	cleanup, err := writePIDFile(flags.pidFile)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := config.Load()
	reg, err := loadRegistry(flags.tasksManifest)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	log := slog.Default()
	bus := eventbus.New()
	w := worker.New(st, reg, bus, cfg, log)
	if cfg.DiscordWebhook != "" || cfg.SlackWebhook != "" {
		w.Notifier = &webhook.Notifier{
			DiscordURL: cfg.DiscordWebhook,
			SlackURL:   cfg.SlackWebhook,
			TaskName: func(taskID string) string {
				if t, ok := reg.Get(taskID); ok {
					return t.Name
				}
				return ""
			},
		}
	}

	ctx, cancel := signalContext()
	defer cancel()
	return w.Run(ctx)
}

func runScheduler(args []string) error {
	flags, _ := parseComponentFlags("scheduler", args)
	cleanup, err := writePIDFile(flags.pidFile)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := config.Load()
	reg, err := loadRegistry(flags.tasksManifest)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	tick := cfg.SchedulerTick
	if flags.interval > 0 {
		tick = time.Duration(flags.interval) * time.Second
	}

	sched := scheduler.New(st, reg, tick, slog.Default())
	ctx, cancel := signalContext()
	defer cancel()
	return sched.Run(ctx)
}

func runReaper(args []string) error {
	flags, _ := parseComponentFlags("reaper", args)
	cleanup, err := writePIDFile(flags.pidFile)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := config.Load()
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	interval := cfg.ReaperInterval
	if flags.interval > 0 {
		interval = time.Duration(flags.interval) * time.Second
	}

	rp := reaper.New(st, interval, cfg.LeaseDuration, slog.Default())
	ctx, cancel := signalContext()
	defer cancel()
	return rp.Run(ctx)
}

func runAPI(args []string) error {
	fs := flag.NewFlagSet("api", flag.ExitOnError)
	tasksManifest := fs.String("tasks", "tasks.json", "path to the task manifest")
	pidFile := fs.String("pidfile", "", "write the process id to this file")
	addr := fs.String("addr", ":8080", "HTTP listen address")
	_ = fs.Parse(args)

	cleanup, err := writePIDFile(*pidFile)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := config.Load()
	reg, err := loadRegistry(*tasksManifest)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus := eventbus.New()
	server := api.NewServer(st, reg, bus, cfg.DataDir, slog.Default())

	srv := &http.Server{Addr: *addr, Handler: server.Router()}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	fmt.Printf("taskhub api listening on %s\n", *addr)

	ctx, cancel := signalContext()
	defer cancel()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func printHelp() {
	fmt.Println(`taskhub - single-host asynchronous task execution platform

Usage:
  taskhub api       [--addr :8080] [--tasks tasks.json] [--pidfile path]
  taskhub worker    [--tasks tasks.json] [--pidfile path]
  taskhub scheduler [--interval N] [--tasks tasks.json] [--pidfile path]
  taskhub reaper    [--interval N] [--pidfile path]
  taskhub status

Environment variables:
  TASKHUB_DB_PATH, TASKHUB_DATA_DIR, TASKHUB_LEASE_SECONDS,
  TASKHUB_SOFT_GRACE_SECONDS, TASKHUB_REAPER_INTERVAL_SECONDS,
  TASKHUB_SCHEDULER_TICK_SECONDS, TASKHUB_IDLE_POLL_MS,
  TASKHUB_DISCORD_WEBHOOK, TASKHUB_SLACK_WEBHOOK`)
}
