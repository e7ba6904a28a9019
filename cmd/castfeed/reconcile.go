package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sandwichfarm/castfeed/internal/queue"
	"github.com/sandwichfarm/castfeed/internal/reconcile"
	"github.com/spf13/cobra"
)

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	var fids []uint

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair stored records for accounts against the hub",
		Long: `Fetch every cast, reaction and link of each account from the hub and
repair the relational and document stores to match, in this process.

Example:
  castfeed reconcile --config castfeed.yaml --fid 3 --fid 194`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)

			a, err := openApp(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			failed := 0
			for _, fid := range fids {
				report, err := a.reconciler.ReconcileAccount(ctx, uint64(fid))
				if report != nil {
					printReport(cmd.OutOrStdout(), report)
				}
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "fid %d: %v\n", fid, err)
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d accounts failed to reconcile", failed, len(fids))
			}
			return nil
		},
	}

	cmd.Flags().UintSliceVar(&fids, "fid", nil, "account to reconcile (repeatable)")
	_ = cmd.MarkFlagRequired("fid")

	return cmd
}

func printReport(w io.Writer, r *reconcile.Report) {
	fmt.Fprintf(w, "fid %d: %d writes in %s\n", r.Fid, r.Writes, r.Duration.Round(time.Millisecond))
	for _, k := range r.Kinds {
		status := "ok"
		if k.Err != nil {
			status = k.Err.Error()
		}
		fmt.Fprintf(w, "  %-14s hub %-5d relational +%d/-%d  document +%d/-%d  %s\n",
			k.Kind, k.Hub, k.MissingRelational, k.ExtraRelational, k.MissingDocument, k.ExtraDocument, status)
	}
}

func newEnqueueCommand(opts *rootOptions) *cobra.Command {
	var fids []uint

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue reconcile jobs for running workers",
		Long: `Add a reconcile job to the queue for each --fid. Without --fid, a job is
enqueued for every account the relational store knows.

Example:
  castfeed enqueue --config castfeed.yaml --fid 3
  castfeed enqueue --config castfeed.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Queue.Engine != "redis" {
				return fmt.Errorf("enqueue needs a queue shared with the workers, set queue.engine to redis")
			}
			ctx := commandContext(cmd)

			a, err := openApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			sink := queue.Sink{Queue: a.queue}

			if len(fids) == 0 {
				sched, err := reconcile.NewScheduler(cfg.Reconcile.Schedule, a.storage, sink, a.logger)
				if err != nil {
					return err
				}
				n, err := sched.Sweep(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d reconcile jobs\n", n)
				return err
			}

			for _, fid := range fids {
				if err := sink.EnqueueReconcile(ctx, uint64(fid)); err != nil {
					return fmt.Errorf("failed to enqueue fid %d: %w", fid, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d reconcile jobs\n", len(fids))
			return nil
		},
	}

	cmd.Flags().UintSliceVar(&fids, "fid", nil, "account to enqueue (repeatable, default all known)")

	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
