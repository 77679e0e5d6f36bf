package telemetry_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gigo/statfix/internal/setup/config"
	"github.com/gigo/statfix/internal/setup/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerGetLoggers(t *testing.T) {
	t.Parallel()

	logDir := t.TempDir()
	manager := telemetry.NewManager(&config.Debug{
		LogLevel:      "debug",
		LogDir:        logDir,
		MaxLogsToKeep: 3,
		MaxLogLines:   100,
	}).WithConsole(nil)

	logger, dbLogger, err := manager.GetLoggers()
	require.NoError(t, err)

	logger.Info("reconcile started")
	dbLogger.Debug("query executed")

	require.NoError(t, manager.Close())

	sessionDir := manager.GetCurrentSessionDir()
	assert.Equal(t, logDir, filepath.Dir(sessionDir))
	assert.NotEmpty(t, manager.GetInstanceID())

	mainLog, err := os.ReadFile(filepath.Join(sessionDir, "main.log"))
	require.NoError(t, err)
	assert.Contains(t, string(mainLog), "reconcile started")

	dbLog, err := os.ReadFile(filepath.Join(sessionDir, "database.log"))
	require.NoError(t, err)
	assert.Contains(t, string(dbLog), "query executed")
}

func TestManagerRotatesOldSessions(t *testing.T) {
	t.Parallel()

	logDir := t.TempDir()
	for _, name := range []string{"2020-01-01_00-00-00", "2020-01-02_00-00-00", "2020-01-03_00-00-00"} {
		require.NoError(t, os.MkdirAll(filepath.Join(logDir, name), os.ModePerm))
	}

	manager := telemetry.NewManager(&config.Debug{
		LogLevel:      "info",
		LogDir:        logDir,
		MaxLogsToKeep: 2,
		MaxLogLines:   100,
	}).WithConsole(nil)

	_, _, err := manager.GetLoggers()
	require.NoError(t, err)
	require.NoError(t, manager.Close())

	sessions, err := filepath.Glob(filepath.Join(logDir, "*"))
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestManagerInvalidLevel(t *testing.T) {
	t.Parallel()

	manager := telemetry.NewManager(&config.Debug{
		LogLevel:      "loud",
		LogDir:        t.TempDir(),
		MaxLogsToKeep: 2,
		MaxLogLines:   10,
	}).WithConsole(nil)

	_, _, err := manager.GetLoggers()
	require.Error(t, err)
}
