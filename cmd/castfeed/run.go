package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sandwichfarm/castfeed/internal/config"
	"github.com/sandwichfarm/castfeed/internal/ingest"
	"github.com/sandwichfarm/castfeed/internal/ops"
	"github.com/sandwichfarm/castfeed/internal/queue"
	"github.com/sandwichfarm/castfeed/internal/readapi"
	"github.com/sandwichfarm/castfeed/internal/reconcile"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start ingest workers, the reconcile scheduler and the read API",
		Long: `Start castfeed with the given configuration.

Workers drain the job queue, applying hub messages to the relational store,
the document store and the cache. When enabled, the reconcile scheduler
enqueues a repair job per known account on its cron schedule, and the read
API serves casts, users and feeds over HTTP.

Example:
  castfeed run --config castfeed.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
}

// stopper is a background service stopped on shutdown
type stopper func(ctx context.Context) error

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	fmt.Printf("Starting castfeed %s (commit: %s)\n", version, commit)

	fmt.Printf("Opening stores (storage: %s, documents: %s, cache: %s, queue: %s)...\n",
		cfg.Storage.Driver, cfg.Documents.Engine, cfg.Caching.Engine, cfg.Queue.Engine)
	a, err := openApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close(context.Background())
	fmt.Println("  Stores ready")

	a.logger.LogStartup(version, commit, map[string]interface{}{
		"hub":       cfg.Hub.URL,
		"storage":   cfg.Storage.Driver,
		"documents": cfg.Documents.Engine,
		"cache":     cfg.Caching.Engine,
		"queue":     cfg.Queue.Engine,
		"workers":   cfg.Ingest.Workers,
	})

	if rq, ok := a.queue.(*queue.Redis); ok {
		moved, err := rq.RecoverInFlight(ctx)
		if err != nil {
			return fmt.Errorf("failed to recover in-flight jobs: %w", err)
		}
		if moved > 0 {
			fmt.Printf("  Requeued %d jobs left in flight\n", moved)
		}
	}

	var stoppers []stopper

	if cfg.Metrics.Enabled {
		fmt.Printf("Starting metrics server on %s:%d...\n", cfg.Metrics.Bind, cfg.Metrics.Port)
		stop, err := serveMetrics(a)
		if err != nil {
			return err
		}
		stoppers = append(stoppers, stop)
		fmt.Println("  Metrics server ready")
	}

	fmt.Printf("Starting %d ingest workers...\n", cfg.Ingest.Workers)
	engine := ingest.NewEngine(a.queue, a.processor(), a.reconciler, cfg.Ingest.Workers, a.logger, a.metrics)
	engine.Start(ctx)
	stoppers = append(stoppers, func(context.Context) error {
		engine.Stop()
		return nil
	})
	fmt.Println("  Ingest workers ready")

	if cfg.Reconcile.Enabled {
		fmt.Printf("Starting reconcile scheduler (%s)...\n", cfg.Reconcile.Schedule)
		sched, err := reconcile.NewScheduler(cfg.Reconcile.Schedule, a.storage, queue.Sink{Queue: a.queue}, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create reconcile scheduler: %w", err)
		}
		sched.Start(ctx)
		stoppers = append(stoppers, func(context.Context) error {
			sched.Stop()
			return nil
		})
		fmt.Println("  Reconcile scheduler ready")
	}

	if cfg.Backup.Enabled {
		fmt.Printf("Starting periodic backups every %s into %s...\n", cfg.Backup.Interval(), cfg.Backup.Dir)
		manager := ops.NewBackupManager(a.storage, cfg.Backup.Dir, a.logger)
		backups := ops.NewPeriodicBackup(manager, cfg.Backup.Interval(), time.Duration(cfg.Backup.KeepDays)*24*time.Hour, a.logger)
		backups.Start(ctx)
		stoppers = append(stoppers, func(context.Context) error {
			backups.Stop()
			return nil
		})
		fmt.Println("  Periodic backups ready")
	}

	if cfg.API.Enabled {
		fmt.Printf("Starting read API on %s:%d...\n", cfg.API.Bind, cfg.API.Port)
		server := readapi.NewServer(&cfg.API, a.readService(), a.logger)
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start read API: %w", err)
		}
		stoppers = append(stoppers, server.Stop)
		fmt.Println("  Read API ready")
	}

	fmt.Println()
	fmt.Println("✓ All services started successfully!")
	fmt.Println()
	fmt.Println("Press Ctrl+C to shutdown gracefully...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	reason := "context cancelled"
	select {
	case sig := <-sigChan:
		reason = sig.String()
	case <-ctx.Done():
	}

	fmt.Println()
	fmt.Println("Shutting down gracefully...")
	a.logger.LogShutdown(reason)

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()

	// Stop in reverse start order so the API goes first and workers drain last
	for i := len(stoppers) - 1; i >= 0; i-- {
		if err := stoppers[i](shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping service: %v\n", err)
		}
	}
	cancel()

	fmt.Println("✓ Shutdown complete")
	return nil
}

func serveMetrics(a *app) (stopper, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())

	srv := &http.Server{
		Addr:              net.JoinHostPort(a.cfg.Metrics.Bind, strconv.Itoa(a.cfg.Metrics.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "error", err)
		}
	}()
	return srv.Shutdown, nil
}
