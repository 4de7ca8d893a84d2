package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/sqlagent/internal/config"
	"github.com/haasonsaas/sqlagent/internal/storage"
)

// =============================================================================
// Migration Command Handlers
// =============================================================================

func openMigrator(ctx context.Context, configPath string) (*sql.DB, *storage.Migrator, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	db, err := storage.Open(ctx, cfg.Database.DatabaseConfig)
	if err != nil {
		return nil, nil, err
	}
	migrator, err := storage.NewMigrator(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return db, migrator, nil
}

// runMigrateUp handles the migrate up command.
func runMigrateUp(cmd *cobra.Command, configPath string, steps int) error {
	slog.Info("running database migrations", "config", configPath, "steps", steps)

	db, migrator, err := openMigrator(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := migrator.Up(cmd.Context(), steps)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		slog.Info("no pending migrations")
		return nil
	}
	for _, mig := range applied {
		slog.Info("applied migration", "version", mig.Version, "name", mig.Name)
	}
	slog.Info("migrations completed successfully")
	return nil
}

// runMigrateDown handles the migrate down command.
func runMigrateDown(cmd *cobra.Command, configPath string, steps int) error {
	slog.Warn("rolling back migrations", "config", configPath, "steps", steps)

	db, migrator, err := openMigrator(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	rolled, err := migrator.Down(cmd.Context(), steps)
	if err != nil {
		return err
	}
	if len(rolled) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No migrations to roll back.")
		return nil
	}
	for _, mig := range rolled {
		slog.Info("rolled back migration", "version", mig.Version, "name", mig.Name)
	}
	return nil
}

// runMigrateStatus handles the migrate status command.
func runMigrateStatus(cmd *cobra.Command, configPath string) error {
	db, migrator, err := openMigrator(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	states, err := migrator.Status(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Migration Status")
	fmt.Fprintln(out, "================")
	fmt.Fprintln(out)
	pending := 0
	for _, st := range states {
		applied := "pending"
		if st.Applied() {
			applied = st.AppliedAt.Format(time.RFC3339)
		} else {
			pending++
		}
		fmt.Fprintf(out, "  %-32s %s\n", st.Migration, applied)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%d applied, %d pending\n", len(states)-pending, pending)
	return nil
}

// runMigrateEnableRLS installs the tenant isolation policy on warehouse tables.
func runMigrateEnableRLS(cmd *cobra.Command, configPath string, tables []string, column string) error {
	db, _, err := openMigrator(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, table := range tables {
		if err := storage.EnableTenantRLS(cmd.Context(), db, table, column); err != nil {
			return err
		}
		slog.Info("enabled tenant row-level security", "table", table, "column", column)
	}
	return nil
}
