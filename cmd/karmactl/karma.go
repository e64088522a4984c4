package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/onnwee/karma-tender/config"
	"github.com/onnwee/karma-tender/ledger"
	"github.com/onnwee/karma-tender/store"
)

const sourceCLI = "cli"

func newKarmaCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "karma",
		Short: "Read and change ledger values",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print every ledger value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd.Context(), func(_ *config.Config, st store.Store) error {
				all, err := st.GetAll(cmd.Context())
				if err != nil {
					return err
				}
				users := make([]string, 0, len(all))
				for u := range all {
					users = append(users, u)
				}
				sort.Strings(users)
				return opts.emit(cmd.OutOrStdout(), all, func(w io.Writer) {
					for _, u := range users {
						fmt.Fprintf(w, "%s\t%s\n", u, all[u])
					}
				})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <user>",
		Short: "Print one user's value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd.Context(), func(cfg *config.Config, st store.Store) error {
				led := ledger.New(st, cfg.Bounds(), nil)
				v, err := led.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return opts.printChange(cmd, ledger.Change{User: ledger.NormalizeUser(args[0]), Value: v})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <user> <value>",
		Short: "Overwrite a value, clamped to the configured bounds",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid value %q: %w", args[1], err)
			}
			return opts.withStore(cmd.Context(), func(cfg *config.Config, st store.Store) error {
				led := ledger.New(st, cfg.Bounds(), nil)
				v, err := led.SetUser(cmd.Context(), args[0], value, sourceCLI)
				if err != nil {
					return err
				}
				return opts.printChange(cmd, ledger.Change{User: ledger.NormalizeUser(args[0]), Value: v})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "add <user> <delta>",
		Short: "Add to a value, clamped to the configured bounds",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid delta %q: %w", args[1], err)
			}
			return opts.withStore(cmd.Context(), func(cfg *config.Config, st store.Store) error {
				led := ledger.New(st, cfg.Bounds(), nil)
				c, err := led.Add(cmd.Context(), args[0], delta)
				if err != nil {
					return err
				}
				return opts.printChange(cmd, c)
			})
		},
	})
	return cmd
}

func (o *rootOptions) printChange(cmd *cobra.Command, c ledger.Change) error {
	return o.emit(cmd.OutOrStdout(), c, func(w io.Writer) {
		fmt.Fprintf(w, "%s\t%s\n", c.User, c.Value)
	})
}
