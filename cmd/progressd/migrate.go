package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/alem-hub/progression-engine/config"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/sqlite"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the progress store schema",
		Long: `Apply, roll back or inspect the PostgreSQL schema.
The sqlite store migrates itself when opened; "migrate up" just opens it.`,
	}
	cmd.AddCommand(
		migrateSubCmd("up", "Apply all pending migrations", migrateUp),
		migrateSubCmd("down", "Roll back the last applied migration", migrateDown),
		migrateSubCmd("status", "List migrations and whether they are applied", migrateStatus),
	)
	return cmd
}

type migrateFunc func(ctx context.Context, out io.Writer, m *postgres.Migrator) error

func migrateSubCmd(use, short string, fn migrateFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			out := cmd.OutOrStdout()

			switch cfg.Store.Driver {
			case config.StorePostgres:
				conn, err := postgres.Connect(ctx, cfg.Postgres.URL, postgres.DefaultPoolOptions())
				if err != nil {
					return err
				}
				defer conn.Close()
				return fn(ctx, out, postgres.NewMigrator(conn))

			case config.StoreSQLite:
				if use != "up" {
					return fmt.Errorf("migrate %s is only supported for the postgres store", use)
				}
				st, err := sqlite.Open(ctx, cfg.SQLite.Path)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "sqlite schema at %s is up to date\n", cfg.SQLite.Path)
				return st.Close()

			default:
				return fmt.Errorf("the %s store has no schema", cfg.Store.Driver)
			}
		},
	}
}

func migrateUp(ctx context.Context, out io.Writer, m *postgres.Migrator) error {
	ran, err := m.Migrate(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "applied %d migration(s)\n", ran)
	return nil
}

func migrateDown(ctx context.Context, out io.Writer, m *postgres.Migrator) error {
	version, err := m.Rollback(ctx)
	if err != nil {
		return err
	}
	if version == 0 {
		fmt.Fprintln(out, "nothing to roll back")
		return nil
	}
	fmt.Fprintf(out, "rolled back migration %d\n", version)
	return nil
}

func migrateStatus(ctx context.Context, out io.Writer, m *postgres.Migrator) error {
	migrations, err := m.Status(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, mig := range migrations {
		status, at := color.YellowString("pending"), "-"
		if mig.IsApplied {
			status, at = color.GreenString("applied"), mig.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", mig.Version, mig.Name, status, at)
	}
	return w.Flush()
}
