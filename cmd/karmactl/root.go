package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/onnwee/karma-tender/backend"
	"github.com/onnwee/karma-tender/config"
	"github.com/onnwee/karma-tender/store"
)

var validFormats = []string{"text", "json"}

type rootOptions struct {
	Format string

	loadConfig func() (*config.Config, error)
}

func newRootCommand() *cobra.Command {
	return newRootCommandWith(config.Load)
}

func newRootCommandWith(load func() (*config.Config, error)) *cobra.Command {
	opts := &rootOptions{loadConfig: load}

	cmd := &cobra.Command{
		Use:           "karmactl",
		Short:         "Operate a karma-tender deployment",
		Long:          "Operator commands for the karma ledger, pending redemptions, stored OAuth tokens and the Postgres schema.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newKarmaCommand(opts))
	cmd.AddCommand(newPendingCommand(opts))
	cmd.AddCommand(newTokensCommand(opts))
	return cmd
}

// withStore loads the config, opens the configured backend and closes it
// after fn returns.
func (o *rootOptions) withStore(ctx context.Context, fn func(*config.Config, store.Store) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	st, err := backend.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("failed to close store", slog.Any("err", err))
		}
	}()
	return fn(cfg, st)
}

// emit writes v as indented JSON, or calls text for the human format.
func (o *rootOptions) emit(w io.Writer, v any, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
