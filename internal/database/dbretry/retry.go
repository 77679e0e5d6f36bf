package dbretry

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gigo/statfix/internal/setup/config"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

// Policy controls how often and how fast a failed operation is retried.
type Policy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultPolicy returns the policy used when no configuration is supplied.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  30 * time.Second,
	}
}

// PolicyFromConfig builds a policy from the retry configuration.
func PolicyFromConfig(cfg *config.Retry) Policy {
	return Policy{
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: time.Duration(cfg.Delay) * time.Millisecond,
		MaxInterval:     time.Duration(cfg.MaxDelay) * time.Millisecond,
		MaxElapsedTime:  time.Duration(cfg.MaxElapsed) * time.Millisecond,
	}
}

// Retrier runs database operations under a retry policy.
type Retrier struct {
	policy    Policy
	retryable func(error) bool
}

// New creates a Retrier that retries errors accepted by IsRetryableError.
func New(policy Policy) *Retrier {
	return &Retrier{
		policy:    policy,
		retryable: IsRetryableError,
	}
}

// WithClassifier replaces the function deciding which errors are retried.
func (r *Retrier) WithClassifier(fn func(error) bool) *Retrier {
	return &Retrier{policy: r.policy, retryable: fn}
}

// sqlState returns the SQLSTATE code of a PostgreSQL error, or "".
func sqlState(err error) string {
	var pgerr pgdriver.Error
	if errors.As(err, &pgerr) {
		return pgerr.Field('C')
	}

	return ""
}

// IsConnectionError reports whether err means the store cannot be reached.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// Context errors satisfy net.Error but say nothing about the store. A driver
	// error wrapped together with one came from an expired deadline, not a lost link.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	switch code := sqlState(err); {
	case strings.HasPrefix(code, "08"), // connection_exception class
		code == "28000", // invalid_authorization_specification
		code == "28P01", // invalid_password
		code == "3D000", // invalid_catalog_name
		code == "57P01", // admin_shutdown
		code == "57P02", // crash_shutdown
		code == "57P03": // cannot_connect_now
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errMsg := err.Error()

	return strings.Contains(errMsg, "connection reset by peer") ||
		strings.Contains(errMsg, "broken pipe") ||
		strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "no connection") ||
		strings.Contains(errMsg, "database is closed")
}

// IsRetryableError checks if the given error is worth another attempt.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	switch sqlState(err) {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"53000", // insufficient_resources
		"53300", // too_many_connections
		"55006", // object_in_use
		"55P03", // lock_not_available
		"57014", // query_canceled (statement or lock timeout)
		"57P03": // cannot_connect_now
		return true
	case "28000", "28P01", "3D000":
		// Bad credentials or database do not heal by waiting
		return false
	}

	// A per-attempt deadline ran out; the parent context is checked separately
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	if IsConnectionError(err) {
		return true
	}

	return strings.Contains(err.Error(), "i/o timeout") || strings.Contains(err.Error(), "EOF")
}

// backOff builds a fresh backoff for one call.
func (r *Retrier) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(r.policy.MaxElapsedTime),
		backoff.WithInitialInterval(r.policy.InitialInterval),
		backoff.WithMaxInterval(r.policy.MaxInterval),
	), r.policy.MaxRetries)

	return backoff.WithContext(b, ctx)
}

// Operation wraps a database operation returning a value with retry logic.
func Operation[T any](ctx context.Context, r *Retrier, operation func(context.Context) (T, error)) (T, error) {
	var result T

	err := r.NoResult(ctx, func(ctx context.Context) error {
		var err error
		result, err = operation(ctx)
		return err
	})

	return result, err
}

// NoResult wraps a database operation that doesn't return a result.
// The returned error wraps the last error produced by the operation.
func (r *Retrier) NoResult(ctx context.Context, operation func(context.Context) error) error {
	var lastErr error

	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		err := operation(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if !r.retryable(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}

		return err
	}, r.backOff(ctx))
	if err == nil {
		return nil
	}

	if lastErr == nil {
		return fmt.Errorf("database operation failed: %w", err)
	}

	return fmt.Errorf("database operation failed: %w", lastErr)
}

// Transaction runs fn inside a transaction with retry logic. Every attempt gets its own
// transaction bounded by timeout (0 disables it); a failed attempt is rolled back in full.
func (r *Retrier) Transaction(
	ctx context.Context, db *bun.DB, opts *sql.TxOptions, timeout time.Duration,
	fn func(context.Context, bun.Tx) error,
) error {
	return r.NoResult(ctx, func(ctx context.Context) error {
		if timeout <= 0 {
			return db.RunInTx(ctx, opts, fn)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err := db.RunInTx(attemptCtx, opts, fn)

		// Drivers report an interrupted query as a bad connection or a network
		// timeout; only the attempt deadline expired, so say so
		if err != nil && !errors.Is(err, context.DeadlineExceeded) &&
			errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}

		return err
	})
}
