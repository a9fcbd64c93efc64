package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/akriventsev/ledgersaga"
	"github.com/akriventsev/ledgersaga/framework/config"
	"github.com/akriventsev/ledgersaga/framework/core"
	"github.com/akriventsev/ledgersaga/framework/logger"
	"github.com/akriventsev/ledgersaga/framework/migrations"
	"github.com/akriventsev/ledgersaga/framework/saga"
	"github.com/akriventsev/ledgersaga/internal/container"
)

// app общее состояние команд. Функции open* подменяются в тестах.
type app struct {
	configPath string
	cfg        *config.Config
	log        *logger.Logger

	openDB    func(ctx context.Context, cfg *config.Config) (*sql.DB, error)
	openStore func(ctx context.Context, cfg *config.Config) (saga.SagaStore, func() error, error)
	openQueue func(ctx context.Context, cfg *config.Config) (*saga.RedisDecisionQueue, func() error, error)
}

func newApp() *app {
	a := &app{}
	a.openDB = func(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
		if cfg.Database.Driver != "postgres" {
			return nil, core.NewError(core.ErrInvalidConfig, "database.driver must be postgres")
		}
		return saga.OpenPostgres(ctx, cfg.Database.DSN)
	}
	a.openStore = func(ctx context.Context, cfg *config.Config) (saga.SagaStore, func() error, error) {
		db, err := a.openDB(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return container.NewStore(db), db.Close, nil
	}
	a.openQueue = func(ctx context.Context, cfg *config.Config) (*saga.RedisDecisionQueue, func() error, error) {
		if cfg.Redis.Addr == "" {
			return nil, nil, core.NewError(core.ErrInvalidConfig, "redis.addr is required for decisions")
		}
		rdb := container.NewRedisClient(cfg.Redis)
		return container.NewDecisionQueue(cfg.Decisions, rdb, a.log), rdb.Close, nil
	}
	return a
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "ledgersaga",
		Short:         "Saga store administration for accounting automation",
		Version:       ledgersaga.Version,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = logger.New(cfg.Service, os.Stderr).WithLevel(cfg.Log.Level).WithComponent("cli")
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to YAML config (LEDGERSAGA_* env overrides)")

	root.AddCommand(
		newMigrateCmd(a),
		newListCmd(a),
		newShowCmd(a),
		newApproveCmd(a),
		newRejectCmd(a),
		newPolicyCmd(),
	)
	return root
}

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the saga schema",
	}

	withDB := func(fn func(ctx context.Context, cmd *cobra.Command, db *sql.DB, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := a.openDB(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			return fn(ctx, cmd, db, args)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up [N]",
			Short: "Apply all pending migrations (or N migrations)",
			Args:  cobra.MaximumNArgs(1),
			RunE: withDB(func(ctx context.Context, cmd *cobra.Command, db *sql.DB, args []string) error {
				steps, err := stepsArg(args, 0)
				if err != nil {
					return err
				}
				if err := migrations.Up(ctx, db, steps); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied successfully")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down [N]",
			Short: "Rollback N migrations (default: 1)",
			Args:  cobra.MaximumNArgs(1),
			RunE: withDB(func(ctx context.Context, cmd *cobra.Command, db *sql.DB, args []string) error {
				steps, err := stepsArg(args, 1)
				if err != nil {
					return err
				}
				if err := migrations.Down(ctx, db, steps); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %d migration(s)\n", steps)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show status of all migrations",
			Args:  cobra.NoArgs,
			RunE: withDB(func(ctx context.Context, cmd *cobra.Command, db *sql.DB, args []string) error {
				statuses, err := migrations.Status(ctx, db)
				if err != nil {
					return err
				}
				printMigrations(cmd, statuses)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show current schema version",
			Args:  cobra.NoArgs,
			RunE: withDB(func(ctx context.Context, cmd *cobra.Command, db *sql.DB, args []string) error {
				v, err := migrations.Version(ctx, db)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Current version: %d\n", v)
				return nil
			}),
		},
	)
	return cmd
}

func printMigrations(cmd *cobra.Command, statuses []migrations.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Migration Status:")
	fmt.Fprintln(out, "================")
	for _, s := range statuses {
		fmt.Fprintf(out, "[%s] %05d - %s", s.Status, s.Version, s.Name)
		if s.AppliedAt != nil {
			fmt.Fprintf(out, " (applied at %s)", s.AppliedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Fprintln(out)
	}
}

func stepsArg(args []string, def int64) (int64, error) {
	if len(args) == 0 {
		return def, nil
	}
	n, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid migration count %q", args[0])
	}
	return n, nil
}
