package logger_test

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/gigo/statfix/internal/setup/telemetry/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCappedFileKeepsNewestLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "main.log")

	file, err := logger.OpenCappedFile(path, 3)
	require.NoError(t, err)

	for i := range 6 {
		_, err := file.Write([]byte("line " + strconv.Itoa(i) + "\n"))
		require.NoError(t, err)
	}

	require.NoError(t, file.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	assert.Equal(t, []string{"line 3", "line 4", "line 5"}, lines)
}

func TestCappedFileBelowCapacity(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "main.log")

	file, err := logger.OpenCappedFile(path, 10)
	require.NoError(t, err)

	_, err = file.Write([]byte("first\nsecond\n"))
	require.NoError(t, err)
	require.NoError(t, file.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(content))
}
