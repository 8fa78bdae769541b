package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"conversation-engine/backend/pkg/config"
	"conversation-engine/backend/pkg/di"
	"conversation-engine/backend/pkg/logger"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	format  string
	verbose bool
}

func rootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "convctl",
		Short:         "Operate the conversation engine",
		Long:          "Administrative commands for the conversation engine: schema migration, manual transitions, sweeps and statistics.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.format != "text" && opts.format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.format)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log engine activity to stderr")

	cmd.AddCommand(migrateCmd(opts))
	cmd.AddCommand(transitionCmd(opts))
	cmd.AddCommand(historyCmd(opts))
	cmd.AddCommand(sweepCmd(opts))
	cmd.AddCommand(statsCmd(opts))
	cmd.AddCommand(tokenCmd(opts))

	return cmd
}

// withContainer builds the engine for one command and tears it down after.
func withContainer(cmd *cobra.Command, opts *rootOptions, tune func(*config.Config), fn func(ctx context.Context, c *di.Container) error) error {
	cfg := config.Load()
	if tune != nil {
		tune(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.Nop()
	if opts.verbose {
		log = di.NewLogger(cfg, "convctl")
	}
	logger.SetGlobal(log)

	ctx := cmd.Context()
	c, err := di.New(ctx, "convctl", cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.Close(closeCtx)
	}()

	return fn(ctx, c)
}

func (o *rootOptions) print(w io.Writer, v any, text func(io.Writer)) error {
	if o.format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
