package main

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/onnwee/karma-tender/config"
	"github.com/onnwee/karma-tender/store"
)

func newPendingCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect and repair pending redemptions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print pending redemptions, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd.Context(), func(_ *config.Config, st store.Store) error {
				all, err := st.PendingAll(cmd.Context())
				if err != nil {
					return err
				}
				list := sortedPending(all)
				return opts.emit(cmd.OutOrStdout(), list, func(w io.Writer) {
					for _, r := range list {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.User, r.Delta, r.Title, r.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
					}
				})
			})
		},
	})

	var dryRun bool
	repair := &cobra.Command{
		Use:   "repair",
		Short: "Rewrite every valid pending record in canonical form",
		Long: `Re-upserts each pending redemption through the store so older rows pick up
the current encoding (numeric deltas, normalized status). Records without an
id, user or non-zero delta are reported and left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd.Context(), func(_ *config.Config, st store.Store) error {
				res, err := repairPending(cmd, st, dryRun)
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), res, func(w io.Writer) {
					fmt.Fprintf(w, "repaired %d, skipped %d (dry_run=%t)\n", res.Repaired, res.Skipped, res.DryRun)
				})
			})
		},
	}
	repair.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be rewritten without writing")
	cmd.AddCommand(repair)

	cmd.AddCommand(&cobra.Command{
		Use:   "drop <id>",
		Short: "Forget one pending redemption without touching the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd.Context(), func(_ *config.Config, st store.Store) error {
				r, err := st.PendingGet(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if r == nil {
					return fmt.Errorf("pending redemption %q not found", args[0])
				}
				if err := st.PendingDelete(cmd.Context(), args[0]); err != nil {
					return err
				}
				slog.Info("pending redemption dropped", slog.String("id", r.ID), slog.String("user", r.User), slog.String("delta", r.Delta.String()))
				return nil
			})
		},
	})
	return cmd
}

type repairResult struct {
	Repaired int  `json:"repaired"`
	Skipped  int  `json:"skipped"`
	DryRun   bool `json:"dry_run"`
}

func repairPending(cmd *cobra.Command, st store.Store, dryRun bool) (repairResult, error) {
	res := repairResult{DryRun: dryRun}
	all, err := st.PendingAll(cmd.Context())
	if err != nil {
		return res, err
	}
	for _, r := range sortedPending(all) {
		log := slog.With(slog.String("id", r.ID), slog.String("user", r.User))
		if r.ID == "" || strings.TrimSpace(r.User) == "" || r.Delta.IsZero() {
			log.Warn("skipping invalid pending record", slog.String("delta", r.Delta.String()))
			res.Skipped++
			continue
		}
		if r.Status == "" {
			r.Status = store.StatusUnfulfilled
		}
		if dryRun {
			log.Info("would repair pending record (dry-run)")
			res.Repaired++
			continue
		}
		if err := st.PendingAdd(cmd.Context(), r); err != nil {
			return res, fmt.Errorf("repair %s: %w", r.ID, err)
		}
		res.Repaired++
	}
	return res, nil
}

func sortedPending(all map[string]store.Redemption) []store.Redemption {
	list := make([]store.Redemption, 0, len(all))
	for _, r := range all {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}
