package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the background worker, sweep and redrive loops",
		Example: `  ingestguard serve --config ingestguard.yaml
  ingestguard serve --dsn postgres://ingest@localhost/ingest --addr :9090`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := root.openApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()
			if addr != "" {
				app.Settings.ListenAddr = addr
			}
			return app.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides listen_addr)")
	return cmd
}

func newProcessCommand(root *rootOptions) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Claim and process one batch of queued items",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := root.openApp(cmdContext(cmd), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()

			if batch <= 0 {
				batch = app.Settings.Worker.BatchSize
			}
			res, err := app.Worker.ProcessBatch(cmdContext(cmd), batch)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "batch size (default worker.batch_size)")
	return cmd
}

func newRedriveCommand(root *rootOptions) *cobra.Command {
	var maxRetries, batch int
	cmd := &cobra.Command{
		Use:   "redrive",
		Short: "Run one dead-letter redrive pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := root.openApp(cmdContext(cmd), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()

			if maxRetries <= 0 {
				maxRetries = app.Settings.Redrive.MaxRetryCount
			}
			if batch <= 0 {
				batch = app.Settings.Redrive.BatchSize
			}
			n, err := app.Redriver.Redrive(cmdContext(cmd), maxRetries, batch)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"retried": n})
		},
	}
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "skip records attempted this many times (default redrive.max_retry_count)")
	cmd.Flags().IntVar(&batch, "batch", 0, "records per pass (default redrive.batch_size)")
	return cmd
}

func newSweepCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Requeue stale processing items and prune rate-limit samples",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := root.openApp(cmdContext(cmd), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()

			n, err := app.Sweep(cmdContext(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int64{"reclaimed": n})
		},
	}
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
