package telemetry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gigo/statfix/internal/setup/config"
	"github.com/gigo/statfix/internal/setup/telemetry/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// sessionLayout names session directories after their start time.
const sessionLayout = "2006-01-02_15-04-05"

// Manager handles the creation and management of log files and directories.
// Every run gets its own timestamped session directory under logDir.
type Manager struct {
	instanceID        string
	currentSessionDir string
	logDir            string
	level             string
	maxLogsToKeep     int
	maxLogLines       int
	console           zapcore.WriteSyncer
	files             []*logger.CappedFile
}

// NewManager creates a new Manager from the debug configuration.
func NewManager(debugCfg *config.Debug) *Manager {
	return &Manager{
		instanceID:    uuid.New().String(),
		logDir:        debugCfg.LogDir,
		level:         debugCfg.LogLevel,
		maxLogsToKeep: debugCfg.MaxLogsToKeep,
		maxLogLines:   debugCfg.MaxLogLines,
		console:       zapcore.Lock(os.Stderr),
	}
}

// WithConsole replaces the console sink. Passing nil disables console output.
func (lm *Manager) WithConsole(ws zapcore.WriteSyncer) *Manager {
	lm.console = ws
	return lm
}

// GetLoggers initializes the main and database loggers.
// The main logger also writes to the console; the database logger only to its file.
func (lm *Manager) GetLoggers() (*zap.Logger, *zap.Logger, error) {
	if err := lm.setupLogDirectories(); err != nil {
		return nil, nil, err
	}

	mainLogger, err := lm.initLogger(filepath.Join(lm.currentSessionDir, "main.log"), true)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize main logger: %w", err)
	}

	dbLogger, err := lm.initLogger(filepath.Join(lm.currentSessionDir, "database.log"), false)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database logger: %w", err)
	}

	return mainLogger.With(zap.String("instance", lm.instanceID)), dbLogger, nil
}

// GetCurrentSessionDir returns the current session directory.
func (lm *Manager) GetCurrentSessionDir() string {
	return lm.currentSessionDir
}

// GetInstanceID returns the unique identifier of this run.
func (lm *Manager) GetInstanceID() string {
	return lm.instanceID
}

// Close closes every log file opened by the manager.
func (lm *Manager) Close() error {
	var errs []error
	for _, file := range lm.files {
		errs = append(errs, file.Close())
	}

	lm.files = nil

	return errors.Join(errs...)
}

// setupLogDirectories ensures the base directory exists, rotates old sessions
// and creates a new session directory.
func (lm *Manager) setupLogDirectories() error {
	if err := os.MkdirAll(lm.logDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	if err := lm.rotateLogSessions(); err != nil {
		return fmt.Errorf("failed to rotate log sessions: %w", err)
	}

	lm.currentSessionDir = filepath.Join(lm.logDir, time.Now().Format(sessionLayout))
	if err := os.MkdirAll(lm.currentSessionDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	return nil
}

// initLogger creates a zap logger writing to a line-capped file and, optionally, the console.
func (lm *Manager) initLogger(logPath string, withConsole bool) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(lm.level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	file, err := logger.OpenCappedFile(logPath, lm.maxLogLines)
	if err != nil {
		return nil, err
	}

	lm.files = append(lm.files, file)

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(file), zapLevel),
		NewCore(zapcore.ErrorLevel),
	}

	if withConsole && lm.console != nil {
		consoleConfig := zap.NewDevelopmentEncoderConfig()
		consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleConfig.EncodeCaller = nil
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), lm.console, zapLevel))
	}

	return zap.New(
		zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	), nil
}

// rotateLogSessions removes the oldest sessions so that at most maxLogsToKeep-1 remain
// before a new one is created.
func (lm *Manager) rotateLogSessions() error {
	sessions, err := filepath.Glob(filepath.Join(lm.logDir, "*"))
	if err != nil {
		return err
	}

	keep := max(lm.maxLogsToKeep-1, 0)
	if len(sessions) <= keep {
		return nil
	}

	// Oldest first
	sort.Slice(sessions, func(i, j int) bool {
		iInfo, iErr := os.Stat(sessions[i])
		jInfo, jErr := os.Stat(sessions[j])

		if iErr != nil || jErr != nil {
			return sessions[i] < sessions[j]
		}

		return iInfo.ModTime().Before(jInfo.ModTime())
	})

	for _, session := range sessions[:len(sessions)-keep] {
		if err := os.RemoveAll(session); err != nil {
			return err
		}
	}

	return nil
}
