package commands

import (
	"context"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

// MigrationCommands returns all migration-related commands.
func MigrationCommands(deps *CLIDependencies) []*cli.Command {
	return []*cli.Command{
		{
			Name:   "init",
			Usage:  "Initialize migration tables",
			Action: withApp(deps, handleInit(deps)),
		},
		{
			Name:   "migrate",
			Usage:  "Run pending migrations (reconciles existing duplicates before adding unique indexes)",
			Action: withApp(deps, handleMigrate(deps)),
		},
		{
			Name:   "rollback",
			Usage:  "Rollback the last migration group",
			Action: withApp(deps, handleRollback(deps)),
		},
		{
			Name:   "status",
			Usage:  "Show migration status",
			Action: withApp(deps, handleStatus(deps)),
		},
		{
			Name:      "create",
			Usage:     "Create a new Go migration file",
			ArgsUsage: "NAME",
			Action:    withApp(deps, handleCreate(deps)),
		},
	}
}

// handleInit handles the 'init' command.
func handleInit(deps *CLIDependencies) cli.ActionFunc {
	return func(ctx context.Context, _ *cli.Command) error {
		return deps.App.NewMigrator().Init(ctx)
	}
}

// handleMigrate handles the 'migrate' command.
func handleMigrate(deps *CLIDependencies) cli.ActionFunc {
	return func(ctx context.Context, _ *cli.Command) error {
		migrator := deps.App.NewMigrator()

		if err := migrator.Lock(ctx); err != nil {
			return err
		}
		defer migrator.Unlock(ctx) //nolint:errcheck // -

		group, err := migrator.Migrate(ctx)
		if err != nil {
			return err
		}

		if group.IsZero() {
			deps.App.Logger.Info("No new migrations to run (database is up to date)")
			return nil
		}

		deps.App.Logger.Info("Successfully migrated",
			zap.String("group", group.String()),
		)

		return nil
	}
}

// handleRollback handles the 'rollback' command.
func handleRollback(deps *CLIDependencies) cli.ActionFunc {
	return func(ctx context.Context, _ *cli.Command) error {
		migrator := deps.App.NewMigrator()

		if err := migrator.Lock(ctx); err != nil {
			return err
		}
		defer migrator.Unlock(ctx) //nolint:errcheck // -

		group, err := migrator.Rollback(ctx)
		if err != nil {
			return err
		}

		if group.IsZero() {
			deps.App.Logger.Info("No groups to roll back")
			return nil
		}

		deps.App.Logger.Info("Successfully rolled back",
			zap.String("group", group.String()),
		)

		return nil
	}
}

// handleStatus handles the 'status' command.
func handleStatus(deps *CLIDependencies) cli.ActionFunc {
	return func(ctx context.Context, _ *cli.Command) error {
		ms, err := deps.App.NewMigrator().MigrationsWithStatus(ctx)
		if err != nil {
			return err
		}

		deps.App.Logger.Info("Migration status",
			zap.String("migrations", ms.String()),
			zap.String("unapplied", ms.Unapplied().String()),
			zap.String("last_group", ms.LastGroup().String()),
		)

		return nil
	}
}

// handleCreate handles the 'create' command.
func handleCreate(deps *CLIDependencies) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		if c.Args().Len() != 1 {
			return ErrNameRequired
		}

		mf, err := deps.App.NewMigrator().CreateGoMigration(ctx, c.Args().First())
		if err != nil {
			return err
		}

		deps.App.Logger.Info("Created Go migration",
			zap.String("name", mf.Name),
			zap.String("path", mf.Path),
		)

		return nil
	}
}
