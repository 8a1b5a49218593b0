package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chanbind/internal/config"
	"github.com/nextlevelbuilder/chanbind/internal/store"
	"github.com/nextlevelbuilder/chanbind/internal/store/pg"
	"github.com/nextlevelbuilder/chanbind/migrations"
)

// schemaMigrator runs migrations on the same pool the decision store uses,
// so the table can be checked right after a migration.
type schemaMigrator struct {
	*migrate.Migrate
	db *sql.DB
}

// openSchemaMigrator connects to the decision store database. Migrations
// come from the binary unless dir points at a directory of SQL files.
func openSchemaMigrator(dir string) (*schemaMigrator, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	sc := cfg.Database.StoreConfig()
	if sc.PostgresDSN == "" {
		return nil, errNoPostgresDSN
	}
	if sc.Mode != store.ModePostgres {
		slog.Warn("database.mode is not postgres, decisions will not be written to this schema", "mode", sc.Mode)
	}

	db, err := pg.OpenDB(sc.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres migrate driver: %w", err)
	}

	var m *migrate.Migrate
	if dir != "" {
		m, err = migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	} else {
		src, serr := iofs.New(migrations.FS, ".")
		if serr != nil {
			db.Close()
			return nil, fmt.Errorf("embedded migrations: %w", serr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", driver)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return &schemaMigrator{Migrate: m, db: db}, nil
}

// Close closes the migrator and, through its driver, the pool.
func (s *schemaMigrator) Close() {
	if srcErr, dbErr := s.Migrate.Close(); srcErr != nil || dbErr != nil {
		slog.Warn("close migrator", "source_error", srcErr, "db_error", dbErr)
	}
}

// checkDecisionTable reads through the decision store to confirm the schema
// matches what the store queries.
func (s *schemaMigrator) checkDecisionTable(ctx context.Context) error {
	if _, err := pg.NewPGDecisionStore(s.db).Recent(ctx, 1); err != nil {
		return fmt.Errorf("policy_decisions not usable: %w", err)
	}
	return nil
}

func migrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres decision store schema",
		Long:  "Applies the policy_decisions schema used by database.mode \"postgres\". The DSN is read from CHANBIND_POSTGRES_DSN.",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "read migrations from this directory instead of the built-in set")

	run := func(fn func(cmd *cobra.Command, sm *schemaMigrator, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			sm, err := openSchemaMigrator(dir)
			if err != nil {
				return err
			}
			defer sm.Close()
			return fn(cmd, sm, args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations and check the decision table",
		RunE: run(func(cmd *cobra.Command, sm *schemaMigrator, _ []string) error {
			if err := sm.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("migrate up: %w", err)
			}
			if err := sm.checkDecisionTable(cmd.Context()); err != nil {
				return err
			}
			v, _, _ := sm.Version()
			slog.Info("decision store schema ready", "version", v)
			return nil
		}),
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: run(func(_ *cobra.Command, sm *schemaMigrator, _ []string) error {
			if err := sm.Steps(-max(steps, 1)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("migrate down: %w", err)
			}
			v, dirty, err := sm.Version()
			if errors.Is(err, migrate.ErrNilVersion) {
				slog.Info("all migrations rolled back")
				return nil
			}
			slog.Info("rollback complete", "version", v, "dirty", dirty)
			return nil
		}),
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "number of migrations to roll back")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the schema version and whether the decision table is usable",
		RunE: run(func(cmd *cobra.Command, sm *schemaMigrator, _ []string) error {
			out := cmd.OutOrStdout()
			v, dirty, err := sm.Version()
			switch {
			case errors.Is(err, migrate.ErrNilVersion):
				fmt.Fprintln(out, "version: none")
			case err != nil:
				return fmt.Errorf("read version: %w", err)
			default:
				fmt.Fprintf(out, "version: %d, dirty: %v\n", v, dirty)
			}
			if err := sm.checkDecisionTable(cmd.Context()); err != nil {
				fmt.Fprintf(out, "decisions: %v\n", err)
				return nil
			}
			fmt.Fprintln(out, "decisions: ready")
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Mark a version as applied after fixing a failed migration by hand",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(_ *cobra.Command, sm *schemaMigrator, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			if err := sm.Force(v); err != nil {
				return fmt.Errorf("force version: %w", err)
			}
			slog.Info("forced schema version", "version", v)
			return nil
		}),
	})

	return cmd
}
