package telemetry

import (
	"context"

	"github.com/uptrace/uptrace-go/uptrace"
	"go.uber.org/zap"
)

// SetupTracing configures the OpenTelemetry exporter when a DSN is set.
// The returned function flushes pending spans and must be called on exit.
func SetupTracing(dsn, serviceName, version string, logger *zap.Logger) func(context.Context) error {
	if dsn == "" {
		return func(context.Context) error { return nil }
	}

	uptrace.ConfigureOpentelemetry(
		uptrace.WithDSN(dsn),
		uptrace.WithServiceName(serviceName),
		uptrace.WithServiceVersion(version),
	)

	logger.Info("Trace export enabled", zap.String("service", serviceName))

	return uptrace.Shutdown
}
