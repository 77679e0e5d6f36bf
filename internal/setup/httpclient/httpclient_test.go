package httpclient_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gigo/statfix/internal/setup/httpclient"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestTrackStatusRecordsResponseCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		code int
	}{
		{name: "ok", code: http.StatusOK},
		{name: "not found", code: http.StatusNotFound},
		{name: "too many requests", code: http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.code)
			}))
			t.Cleanup(server.Close)

			c := httpclient.New(zap.NewNop(), 5*time.Second)

			ctx, status := httpclient.TrackStatus(t.Context())
			resp, _ := c.NewRequest().Method(http.MethodGet).URL(server.URL).Do(ctx)
			if resp != nil {
				resp.Body.Close()
			}

			assert.Equal(t, tt.code, status.Code())
		})
	}
}

func TestTrackStatusWithoutResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	c := httpclient.New(zap.NewNop(), time.Second)

	ctx, status := httpclient.TrackStatus(t.Context())
	resp, err := c.NewRequest().Method(http.MethodGet).URL(server.URL).Do(ctx)
	if resp != nil {
		resp.Body.Close()
	}

	assert.Error(t, err)
	assert.Zero(t, status.Code())
}
