package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/karma-tender/config"
	"github.com/onnwee/karma-tender/store"
)

var errNoKey = errors.New("ENCRYPTION_KEY is required to seal tokens")

type tokenStatus struct {
	ExpiresAt        time.Time `json:"expires_at,omitempty"`
	BroadcasterLogin string    `json:"broadcaster_login,omitempty"`
	BroadcasterID    string    `json:"broadcaster_id,omitempty"`
	Scope            []string  `json:"scope,omitempty"`
	Present          bool      `json:"present"`
	Encrypted        bool      `json:"encryption_enabled"`
	Expired          bool      `json:"expired"`
}

func newTokensCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Inspect the stored broadcaster grant",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show who the stored grant belongs to and when it expires",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd.Context(), func(cfg *config.Config, st store.Store) error {
				t, err := st.LoadTokens(cmd.Context())
				if err != nil {
					return err
				}
				s := tokenStatus{Encrypted: cfg.EncryptionKey != ""}
				if t != nil {
					s.Present = true
					s.BroadcasterID = t.BroadcasterID
					s.BroadcasterLogin = t.BroadcasterLogin
					s.ExpiresAt = t.ExpiresAt
					s.Scope = t.Scope
					s.Expired = !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
				}
				return opts.emit(cmd.OutOrStdout(), s, func(w io.Writer) {
					if !s.Present {
						fmt.Fprintf(w, "no tokens stored; authorize at %s\n", cfg.AuthorizeURL())
						return
					}
					fmt.Fprintf(w, "broadcaster %s (%s), expires %s, expired=%t, encryption=%t\n",
						s.BroadcasterLogin, s.BroadcasterID, s.ExpiresAt.Format(time.RFC3339), s.Expired, s.Encrypted)
				})
			})
		},
	})

	var dryRun bool
	seal := &cobra.Command{
		Use:   "seal",
		Short: "Re-write the stored grant encrypted with ENCRYPTION_KEY",
		Long: `Loads the stored grant (plaintext or already sealed) and saves it again
through the AES-256-GCM codec. Run once after setting ENCRYPTION_KEY on a
deployment that previously stored tokens in plaintext.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd.Context(), func(cfg *config.Config, st store.Store) error {
				if cfg.EncryptionKey == "" {
					return errNoKey
				}
				t, err := st.LoadTokens(cmd.Context())
				if err != nil {
					return err
				}
				if t == nil {
					slog.Info("no tokens stored, nothing to seal")
					return nil
				}
				logger := slog.With(slog.String("broadcaster", t.BroadcasterLogin), slog.Bool("dry_run", dryRun))
				if dryRun {
					logger.Info("would seal tokens (dry-run)")
					return nil
				}
				if err := st.SaveTokens(cmd.Context(), *t); err != nil {
					return fmt.Errorf("save sealed tokens: %w", err)
				}
				logger.Info("tokens sealed")
				return nil
			})
		},
	}
	seal.Flags().BoolVar(&dryRun, "dry-run", false, "report without writing")
	cmd.AddCommand(seal)
	return cmd
}
