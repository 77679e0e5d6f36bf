package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/gigo/statfix/internal/database/dbretry"
	"github.com/gigo/statfix/internal/setup"
	"github.com/gigo/statfix/internal/setup/config"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

var (
	ErrNameRequired      = errors.New("NAME argument required")
	ErrExtensionRequired = errors.New("PUBLISHER.NAME and EDITOR_VERSION arguments required")
	ErrNoUsers           = errors.New("no user ids given")
	ErrRedisRequired     = errors.New("this command needs redis.host to be configured")
)

// CLIDependencies holds the common dependencies needed by CLI commands.
// App is only set while a command wrapped by withApp runs.
type CLIDependencies struct {
	Version string
	App     *setup.App
}

// Retrier builds the retry policy from the loaded configuration.
func (d *CLIDependencies) Retrier() *dbretry.Retrier {
	return dbretry.New(dbretry.PolicyFromConfig(&d.App.Config.Retry))
}

// withApp initializes the application around a command that needs the store.
func withApp(deps *CLIDependencies, action cli.ActionFunc) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		app, err := setup.InitializeApp(ctx, deps.Version)
		if err != nil {
			return fmt.Errorf("failed to initialize application: %w", err)
		}

		deps.App = app
		defer func() {
			// Flush even when the command was interrupted
			app.Cleanup(context.WithoutCancel(ctx))
			deps.App = nil
		}()

		return action(ctx, c)
	}
}

// scriptEnv is the configuration and logger of commands that do not touch the store.
// A missing or incomplete config file falls back to flag defaults.
func scriptEnv() (*config.Config, *zap.Logger, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	cfg, _, err := config.LoadConfig()
	if err != nil {
		logger.Debug("Using flag defaults", zap.Error(err))

		cfg = config.Default()
	}

	return cfg, logger, nil
}
