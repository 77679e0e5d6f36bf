package setup

import (
	"context"
	"log"

	"github.com/gigo/statfix/internal/database"
	"github.com/gigo/statfix/internal/database/migrations"
	"github.com/gigo/statfix/internal/redis"
	"github.com/gigo/statfix/internal/setup/config"
	"github.com/gigo/statfix/internal/setup/telemetry"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"
)

// ServiceName identifies this tool in traces and the database application name.
const ServiceName = "statfix"

// App bundles all core dependencies needed by the commands.
// Each field represents a subsystem that needs initialization and cleanup.
type App struct {
	Config       *config.Config     // Application configuration
	ConfigDir    string             // Directory the config file was loaded from
	Logger       *zap.Logger        // Main application logger
	DBLogger     *zap.Logger        // Database-specific logger
	DB           database.Client    // Database connection pool
	RedisManager *redis.Manager     // Redis connection manager
	LogManager   *telemetry.Manager // Log management system
	shutdown     func(context.Context) error
}

// InitializeApp bootstraps all application dependencies in the correct order,
// ensuring each component has its required dependencies available.
func InitializeApp(ctx context.Context, version string) (*App, error) {
	// Load app configuration
	cfg, configDir, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	// Logging system is initialized next to capture setup issues
	logManager := telemetry.NewManager(&cfg.Debug)

	logger, dbLogger, err := logManager.GetLoggers()
	if err != nil {
		return nil, err
	}

	logger.Info("Loaded configuration", zap.String("dir", configDir))

	shutdown := telemetry.SetupTracing(cfg.Debug.UptraceDSN, ServiceName, version, logger)

	// Redis is optional; without a host runs go without the run lock
	redisManager := redis.NewManager(&cfg.Redis, logger)

	db, err := database.NewConnection(ctx, &cfg.PostgreSQL, dbLogger, false)
	if err != nil {
		_ = shutdown(ctx)
		_ = logManager.Close()

		return nil, err
	}

	checkMigrations(ctx, db, logger)

	return &App{
		Config:       cfg,
		ConfigDir:    configDir,
		Logger:       logger,
		DBLogger:     dbLogger.Named("database"),
		DB:           db,
		RedisManager: redisManager,
		LogManager:   logManager,
		shutdown:     shutdown,
	}, nil
}

// Cleanup ensures graceful shutdown of all components in reverse initialization order.
// Logs but does not fail on cleanup errors to ensure all components get cleanup attempts.
func (s *App) Cleanup(ctx context.Context) {
	// Flush pending spans while the logger is still open
	if err := s.shutdown(ctx); err != nil {
		s.Logger.Warn("Failed to flush traces", zap.Error(err))
	}

	// Close database connections
	if err := s.DB.Close(); err != nil {
		s.Logger.Error("Failed to close database connection", zap.Error(err))
	}

	// Close Redis connections last as other components might need it during cleanup
	s.RedisManager.Close()

	// Sync buffered logs before shutdown
	if err := s.Logger.Sync(); err != nil {
		log.Printf("Failed to sync logger: %v", err)
	}

	if err := s.DBLogger.Sync(); err != nil {
		log.Printf("Failed to sync DB logger: %v", err)
	}

	if err := s.LogManager.Close(); err != nil {
		log.Printf("Failed to close log files: %v", err)
	}
}

// NewMigrator creates a migrator for the application's migrations.
func (s *App) NewMigrator() *migrate.Migrator {
	return migrate.NewMigrator(s.DB.DB(), migrations.Migrations)
}

// checkMigrations warns about pending migrations. Reconciling works on an unmigrated
// store, so nothing is applied or refused here.
func checkMigrations(ctx context.Context, db database.Client, logger *zap.Logger) {
	migrator := migrate.NewMigrator(db.DB(), migrations.Migrations)

	ms, err := migrator.MigrationsWithStatus(ctx)
	if err != nil {
		logger.Warn("Failed to check migration status (run 'statfix init' first)", zap.Error(err))
		return
	}

	if unapplied := ms.Unapplied(); len(unapplied) > 0 {
		logger.Warn("Database migrations are pending",
			zap.String("unapplied", unapplied.String()))
	}
}

