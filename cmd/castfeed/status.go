package main

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/sandwichfarm/castfeed/internal/ops"
	"github.com/spf13/cobra"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stored record counts and queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)

			// A memory queue belongs to the process that created it
			withQueue := cfg.Queue.Engine == "redis"
			a, err := openApp(ctx, cfg, withQueue)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			var qs ops.QueueSource
			if withQueue {
				qs = queueDepth{q: a.queue}
			}
			diag, err := ops.NewDiagnosticsCollector(version, commit, storageStats{st: a.storage}, qs).CollectAll(ctx)
			if err != nil {
				return err
			}

			if asJSON {
				out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(diag, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), diag.FormatAsText())
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print diagnostics as JSON")

	return cmd
}

func newBackupCommand(opts *rootOptions) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the sqlite database",
		Long: `Write a consistent copy of the sqlite database. Without --out the
snapshot goes to a timestamped file under backup.dir.

Example:
  castfeed backup --config castfeed.yaml
  castfeed backup --config castfeed.yaml --out /var/backups/castfeed.db`,
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

			manager := ops.NewBackupManager(a.storage, cfg.Backup.Dir, a.logger)
			var path string
			if out != "" {
				path, err = manager.BackupTo(ctx, out)
			} else {
				path, err = manager.Backup(ctx)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Backup written to %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "destination file (default: timestamped file in backup.dir)")

	return cmd
}
