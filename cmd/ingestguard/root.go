package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/ingestguard/pkg/ingestguard"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/config"
	"github.com/randalmurphal/ingestguard/pkg/ingestguard/observability"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	DSN        string
	Verbose    bool
	LogFormat  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "ingestguard",
		Short: "Reliable event ingestion",
		Long: `ingestguard accepts events over HTTP, deduplicates and queues them, delivers
them downstream behind retries and a circuit breaker, and parks failures as
dead letters for redrive.

Settings come from built-in defaults, then --config, then INGESTGUARD_*
environment variables (a .env file is loaded if present), then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			switch opts.LogFormat {
			case "", "text", "json":
				return nil
			default:
				return fmt.Errorf("invalid log format %q: must be text or json", opts.LogFormat)
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML or JSON config file")
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", "", "store DSN (sqlite path, sqlite://, postgres://, memory://)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (text|json)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newProcessCommand(opts))
	cmd.AddCommand(newRedriveCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	return cmd
}

// settings resolves the layered settings plus flag overrides.
func (o *rootOptions) settings() (config.Settings, error) {
	s, err := config.LoadSettings(o.ConfigPath)
	if err != nil {
		return config.Settings{}, err
	}
	if o.DSN != "" {
		s.StoreDSN = o.DSN
	}
	if o.Verbose {
		s.LogLevel = "debug"
	}
	if o.LogFormat != "" {
		s.LogFormat = o.LogFormat
	}
	return s, nil
}

// openApp builds the App, logging to logOut.
func (o *rootOptions) openApp(ctx context.Context, logOut io.Writer) (*ingestguard.App, error) {
	s, err := o.settings()
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(logOut, s.LogFormat, s.LogLevel)
	return ingestguard.New(ctx, s, ingestguard.WithLogger(logger))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
