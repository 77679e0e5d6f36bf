// Package httpclient builds the axonet HTTP clients used by the scripts.
package httpclient

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jaxron/axonet/pkg/client"
	"github.com/jaxron/axonet/pkg/client/logger"
	"github.com/jaxron/axonet/pkg/client/middleware"
	"go.uber.org/zap"
)

// New creates a client without retry or cache middleware, so every response
// status reaches the caller as the server sent it.
func New(zapLogger *zap.Logger, timeout time.Duration) *client.Client {
	return client.NewClient(
		client.WithMarshalFunc(sonic.Marshal),
		client.WithUnmarshalFunc(sonic.Unmarshal),
		client.WithLogger(NewLogger(zapLogger)),
		client.WithTimeout(timeout),
		client.WithMiddleware(&StatusRecorder{}),
	)
}

type statusKey struct{}

// Status holds the code of the last response seen for a tracked request.
type Status struct {
	code atomic.Int64
}

// Code returns the recorded status code, or 0 if no response arrived.
func (s *Status) Code() int {
	return int(s.code.Load())
}

// TrackStatus returns a context whose requests record their response status.
func TrackStatus(ctx context.Context) (context.Context, *Status) {
	status := &Status{}
	return context.WithValue(ctx, statusKey{}, status), status
}

// StatusRecorder records raw response codes before the client interprets them.
type StatusRecorder struct {
	logger logger.Logger
}

// Process records the status of the response returned by the next handler.
func (m *StatusRecorder) Process(
	ctx context.Context, httpClient *http.Client, req *http.Request, next middleware.NextFunc,
) (*http.Response, error) {
	resp, err := next(ctx, httpClient, req)
	if resp == nil {
		return resp, err
	}

	status, ok := ctx.Value(statusKey{}).(*Status)
	if !ok {
		status, ok = req.Context().Value(statusKey{}).(*Status)
	}

	if ok {
		status.code.Store(int64(resp.StatusCode))
	}

	return resp, err
}

// SetLogger sets the logger for the middleware.
func (m *StatusRecorder) SetLogger(l logger.Logger) {
	m.logger = l
}

// Logger adapts zap.Logger to the axonet logger.Logger interface.
type Logger struct {
	zap *zap.Logger
}

// NewLogger wraps a zap.Logger for the axonet client.
func NewLogger(zapLogger *zap.Logger) logger.Logger {
	return &Logger{zap: zapLogger}
}

func (l *Logger) Debug(msg string)                  { l.zap.Debug(msg) }
func (l *Logger) Info(msg string)                   { l.zap.Info(msg) }
func (l *Logger) Warn(msg string)                   { l.zap.Warn(msg) }
func (l *Logger) Error(msg string)                  { l.zap.Error(msg) }
func (l *Logger) Debugf(format string, args ...any) { l.zap.Sugar().Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.zap.Sugar().Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.zap.Sugar().Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.zap.Sugar().Errorf(format, args...) }

// WithFields returns a logger carrying the given axonet fields.
func (l *Logger) WithFields(fields ...logger.Field) logger.Logger {
	zapFields := make([]zap.Field, len(fields))
	for i, f := range fields {
		zapFields[i] = zap.Any(f.Key, f.Value)
	}

	return &Logger{zap: l.zap.With(zapFields...)}
}
