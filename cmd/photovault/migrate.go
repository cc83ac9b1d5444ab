package main

import (
	"database/sql"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"photovault/internal/config"
	"photovault/internal/store"
)

func newMigrateCmd(cfg *config.Config, out *outputOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect database schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !dryRun {
				st, err := store.Open(cfg.DBPath)
				if err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				if err := st.Close(); err != nil {
					return err
				}
			}

			db, err := openRawDB(cfg.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			plan, err := store.MigrationPlan(db)
			if err != nil {
				return fmt.Errorf("inspect migrations: %w", err)
			}
			if out.structured() {
				return out.write(plan)
			}

			_ = writePlain("current version: %d\n", plan.CurrentVersion)
			_ = writePlain("available version: %d\n", plan.AvailableVersion)
			if len(plan.Pending) == 0 {
				return writePlain("no pending migrations\n")
			}
			for _, m := range plan.Pending {
				_ = writePlain("  pending %d: %s\n", m.Version, m.Description)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show pending migrations without applying them")
	return cmd
}

func openRawDB(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("db path is required")
	}
	u := url.URL{Scheme: "file", Path: path}
	return sql.Open("sqlite", u.String())
}
