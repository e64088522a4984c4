package main

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/onnwee/karma-tender/db"
	"github.com/onnwee/karma-tender/store"
)

var errNotPostgres = errors.New("migrations apply to the postgres backend only")

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runMigration(cmd, db.RunMigrations)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runMigration(cmd, db.MigrateDown)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runMigration(cmd, nil)
		},
	})
	return cmd
}

type migrationStatus struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

// runMigration applies step (when non-nil) and then reports the version.
func (o *rootOptions) runMigration(cmd *cobra.Command, step func(*sql.DB) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	if cfg.StoreBackend != store.BackendPostgres {
		return fmt.Errorf("%w (STORE_BACKEND=%s)", errNotPostgres, cfg.StoreBackend)
	}
	database, err := db.Connect(cmd.Context(), cfg.DBDsn)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Warn("failed to close database", slog.Any("err", err))
		}
	}()
	if step != nil {
		if err := step(database); err != nil {
			return err
		}
	}
	v, dirty, err := db.MigrationVersion(database)
	if err != nil {
		return err
	}
	st := migrationStatus{Version: v, Dirty: dirty}
	return o.emit(cmd.OutOrStdout(), st, func(w io.Writer) {
		fmt.Fprintf(w, "schema version %d (dirty=%t)\n", st.Version, st.Dirty)
	})
}
