package extension_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gigo/statfix/internal/extension"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRegistry(t *testing.T, routes map[string]string) *extension.Client {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)

	return extension.NewClient(server.URL, 5*time.Second, zap.NewNop())
}

func TestLatestCompatibleFromVersionList(t *testing.T) {
	t.Parallel()

	client := newRegistry(t, map[string]string{
		"/api/ms-python/python": `{
			"version": "2024.2.0",
			"allVersions": [
				{"version": "2023.1.0", "engines": {"vscode": "^1.59.0"}},
				{"version": "2024.2.0", "engines": {"vscode": "^1.86.0"}},
				{"version": "2023.9.0", "engines": {"vscode": "^1.60.0"}},
				{"version": "not-a-version", "engines": {"vscode": "*"}},
				{"version": "2023.10.0"}
			]
		}`,
	})

	tests := []struct {
		name    string
		editor  string
		want    string
		wantErr error
	}{
		{name: "newest editor gets newest version", editor: "1.90.0", want: "2024.2.0"},
		{name: "older editor skips newer engines", editor: "1.60.0", want: "2023.9.0"},
		{name: "oldest compatible", editor: "1.59.2", want: "2023.1.0"},
		{name: "too old", editor: "1.40.0", wantErr: extension.ErrNoCompatible},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := client.LatestCompatible(t.Context(), "ms-python", "python", tt.editor)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLatestCompatibleFromVersionLinks(t *testing.T) {
	t.Parallel()

	client := newRegistry(t, map[string]string{
		"/api/golang/go": `{
			"version": "0.41.0",
			"engines": {"vscode": "^1.75.0"},
			"allVersions": {
				"latest": "https://example.invalid/api/golang/go/latest",
				"0.41.0": "https://example.invalid/api/golang/go/0.41.0",
				"0.39.1": "https://example.invalid/api/golang/go/0.39.1",
				"0.37.0": "https://example.invalid/api/golang/go/0.37.0"
			}
		}`,
		"/api/golang/go/0.39.1": `{"version": "0.39.1", "engines": {"vscode": "^1.67.0"}}`,
		"/api/golang/go/0.37.0": `{"version": "0.37.0", "engines": {"vscode": "^1.60.0"}}`,
	})

	got, err := client.LatestCompatible(t.Context(), "golang", "go", "1.80.0")
	require.NoError(t, err)
	assert.Equal(t, "0.41.0", got)

	got, err = client.LatestCompatible(t.Context(), "golang", "go", "1.70.0")
	require.NoError(t, err)
	assert.Equal(t, "0.39.1", got)

	got, err = client.LatestCompatible(t.Context(), "golang", "go", "1.62.0")
	require.NoError(t, err)
	assert.Equal(t, "0.37.0", got)
}

func TestLatestCompatibleErrors(t *testing.T) {
	t.Parallel()

	client := newRegistry(t, map[string]string{})

	_, err := client.LatestCompatible(t.Context(), "nobody", "nothing", "1.60.0")
	require.ErrorIs(t, err, extension.ErrNotFound)

	_, err = client.LatestCompatible(t.Context(), "nobody", "nothing", "latest")
	require.Error(t, err)
	assert.NotErrorIs(t, err, extension.ErrNotFound)
}

func TestLatestCompatibleUnexpectedStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	client := extension.NewClient(server.URL, 5*time.Second, zap.NewNop())

	_, err := client.LatestCompatible(t.Context(), "ms-python", "python", "1.80.0")
	require.ErrorIs(t, err, extension.ErrUnexpectedStatus)
	assert.NotErrorIs(t, err, extension.ErrNotFound)
}
