package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/gigo/statfix/internal/database/dbretry"
)

var (
	// ErrConnection means the store is unreachable or refused the credentials.
	// It aborts the whole run.
	ErrConnection = errors.New("store connection failed")
	// ErrTransaction means a single transaction failed after all retries.
	ErrTransaction = errors.New("transaction failed")
	// ErrLockLost means the run lock expired or was taken over while the run was in progress.
	ErrLockLost = errors.New("run lock lost")
)

// KeyFailure records a user id whose transaction failed.
type KeyFailure struct {
	UserID int64
	Err    error
}

func (f KeyFailure) Error() string {
	return fmt.Sprintf("user %d: %v", f.UserID, f.Err)
}

func (f KeyFailure) Unwrap() error {
	return f.Err
}

// classify tags err as a connection or a transaction failure.
// Context errors pass through untouched.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case dbretry.IsConnectionError(err):
		return fmt.Errorf("%w: %w", ErrConnection, err)
	default:
		return fmt.Errorf("%w: %w", ErrTransaction, err)
	}
}
