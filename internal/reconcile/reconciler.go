package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gigo/statfix/internal/database"
	"github.com/gigo/statfix/internal/database/dbretry"
	"github.com/gigo/statfix/internal/database/models"
	"github.com/gigo/statfix/internal/database/types"
	"github.com/gigo/statfix/internal/setup/config"
	"github.com/sourcegraph/conc/pool"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"go.uber.org/zap"
)

// Pass selects which duplicate classes a run reconciles.
type Pass uint8

const (
	// PassOpen removes surplus open rows per user.
	PassOpen Pass = 1 << iota
	// PassDaily removes surplus rows per user and date.
	PassDaily
	// PassAll runs both passes.
	PassAll = PassOpen | PassDaily
)

// Options configures a call to Run.
type Options struct {
	// UserIDs restricts the open pass to these users. Empty means every user.
	UserIDs []int64
	// Passes selects the passes to run. Zero means PassAll.
	Passes Pass
}

// Progress receives per-key progress of the open pass.
type Progress interface {
	SetTotal(total int64)
	Increment(n int64)
	SetStepMessage(message string)
}

// RunLock keeps concurrent runs from interleaving.
type RunLock interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
	Lost() <-chan struct{}
}

type noopProgress struct{}

func (noopProgress) SetTotal(int64)        {}
func (noopProgress) Increment(int64)       {}
func (noopProgress) SetStepMessage(string) {}

// Reconciler deletes duplicate user_stats rows, keeping the smallest id of every group.
// It only ever deletes and assumes no other writer inserts rows while it runs unless
// a RunLock shared with those writers is configured.
type Reconciler struct {
	db           *bun.DB
	stats        *models.StatsModel
	users        *models.UserModel
	retrier      *dbretry.Retrier
	lock         RunLock
	progress     Progress
	logger       *zap.Logger
	txTimeout    time.Duration
	dailyTimeout time.Duration
	batchSize    int
	concurrency  int
}

// New creates a Reconciler working on the given database client.
func New(db database.Client, cfg *config.Reconcile, retrier *dbretry.Retrier, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		db:           db.DB(),
		stats:        db.Model().Stats(),
		users:        db.Model().User(),
		retrier:      retrier,
		progress:     noopProgress{},
		logger:       logger.Named("reconcile"),
		txTimeout:    cfg.TxTimeoutDuration(),
		dailyTimeout: cfg.DailyTimeoutDuration(),
		batchSize:    max(cfg.BatchSize, 1),
		concurrency:  max(cfg.Concurrency, 1),
	}
}

// WithLock makes Run hold lock for its whole duration.
func (r *Reconciler) WithLock(lock RunLock) *Reconciler {
	r.lock = lock
	return r
}

// WithProgress reports per-key progress to p.
func (r *Reconciler) WithProgress(p Progress) *Reconciler {
	if p == nil {
		p = noopProgress{}
	}

	r.progress = p

	return r
}

// Run reconciles the selected passes and returns the aggregated report.
// The returned report is never nil, even when the run is aborted.
func (r *Reconciler) Run(ctx context.Context, opts Options) (*Report, error) {
	start := time.Now()
	report := newReport(0)

	passes := opts.Passes
	if passes == 0 {
		passes = PassAll
	}

	if r.lock != nil {
		if err := r.lock.Acquire(ctx); err != nil {
			report.Aborted = true
			return report, err
		}

		defer func() {
			// The run context may already be canceled
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()

			if err := r.lock.Release(releaseCtx); err != nil {
				r.logger.Warn("Failed to release run lock", zap.Error(err))
			}
		}()

		var cancel context.CancelCauseFunc
		ctx, cancel = context.WithCancelCause(ctx)
		defer cancel(nil)

		go func() {
			select {
			case <-r.lock.Lost():
				cancel(ErrLockLost)
			case <-ctx.Done():
			}
		}()
	}

	if passes&PassOpen != 0 {
		userIDs := opts.UserIDs
		if len(userIDs) == 0 {
			r.progress.SetStepMessage("Listing users")

			ids, err := r.ListUserIDs(ctx)
			if err != nil {
				report.Aborted = true
				report.Duration = time.Since(start)
				r.logger.Error("Failed to list users", zap.Error(err))

				return report, err
			}

			userIDs = ids
		}

		openReport, err := r.ReconcileOpenPerUser(ctx, userIDs)
		report = openReport

		if err != nil {
			report.Duration = time.Since(start)
			r.logger.Error("Open pass aborted", append(report.Fields(), zap.Error(err))...)

			return report, err
		}
	}

	if passes&PassDaily != 0 {
		r.progress.SetStepMessage("Removing daily duplicates")

		deleted, err := r.ReconcileDailyDuplicates(ctx)
		if err != nil {
			report.Aborted = true
			report.Duration = time.Since(start)
			r.logger.Error("Daily pass failed", append(report.Fields(), zap.Error(err))...)

			return report, err
		}

		report.RowsDeletedDaily = deleted
	}

	report.Duration = time.Since(start)
	r.logger.Info("Reconcile finished", report.Fields()...)

	return report, nil
}

// ListUserIDs returns every user id in ascending order, read inside one transaction.
// Any failure is reported as ErrConnection since nothing can proceed without the keys.
func (r *Reconciler) ListUserIDs(ctx context.Context) ([]int64, error) {
	var opts *sql.TxOptions
	if r.db.Dialect().Name() == dialect.PG {
		opts = &sql.TxOptions{ReadOnly: true}
	}

	ids, err := dbretry.Operation(ctx, r.retrier, func(ctx context.Context) ([]int64, error) {
		var ids []int64

		err := r.db.RunInTx(ctx, opts, func(ctx context.Context, tx bun.Tx) error {
			var err error
			ids, err = r.users.GetAllUserIDsWithTx(ctx, tx, r.batchSize)
			return err
		})

		return ids, err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}

		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	r.logger.Info("Listed users", zap.Int("count", len(ids)))

	return ids, nil
}

// ReconcileOpenPerUser keeps only the smallest-id open row of every given user.
// Every user gets its own retried transaction; a failed user is recorded and skipped.
// A connection failure or cancellation stops the remaining users and returns the
// partial report together with the error. Committed users stay committed.
func (r *Reconciler) ReconcileOpenPerUser(ctx context.Context, userIDs []int64) (*Report, error) {
	start := time.Now()
	report := newReport(len(userIDs))

	r.progress.SetTotal(int64(len(userIDs)))
	r.progress.SetStepMessage("Removing open duplicates")

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	p := pool.New().
		WithMaxGoroutines(r.concurrency).
		WithContext(runCtx)

	for _, userID := range userIDs {
		if runCtx.Err() != nil {
			break
		}

		p.Go(func(ctx context.Context) error {
			if ctx.Err() != nil {
				return nil
			}

			deleted, err := r.reconcileUser(ctx, userID)

			switch {
			case err != nil && ctx.Err() != nil:
				// Interrupted attempts roll back and count as not attempted
				return nil
			case errors.Is(err, ErrConnection):
				r.logger.Error("Lost connection to store",
					zap.Int64("userID", userID),
					zap.Error(err))
				report.record(userID, 0, err)
				r.progress.Increment(1)
				cancel(err)

				return err
			case err != nil:
				r.logger.Warn("Failed to reconcile user",
					zap.Int64("userID", userID),
					zap.Error(err))
			case deleted > 0:
				r.logger.Debug("Removed open duplicates",
					zap.Int64("userID", userID),
					zap.Int64("deleted", deleted))
			}

			report.record(userID, deleted, err)
			r.progress.Increment(1)

			return nil
		})
	}

	err := p.Wait()
	report.Duration = time.Since(start)

	if runCtx.Err() != nil {
		report.Aborted = true
		return report, context.Cause(runCtx)
	}

	if err != nil {
		report.Aborted = true
		return report, err
	}

	return report, nil
}

// reconcileUser runs the open-row delete for one user in its own transaction.
func (r *Reconciler) reconcileUser(ctx context.Context, userID int64) (int64, error) {
	var deleted int64

	err := r.retrier.Transaction(ctx, r.db, nil, r.txTimeout, func(ctx context.Context, tx bun.Tx) error {
		n, err := r.stats.DeleteOpenDuplicatesForUserWithTx(ctx, tx, userID)
		if err != nil {
			return err
		}

		deleted = n

		return nil
	})
	if err != nil {
		return 0, classify(err)
	}

	return deleted, nil
}

// ReconcileDailyDuplicates keeps only the smallest-id row of every (user_id, date) group
// in a single transaction. Either every group is collapsed or nothing changes.
func (r *Reconciler) ReconcileDailyDuplicates(ctx context.Context) (int64, error) {
	var deleted int64

	err := r.retrier.Transaction(ctx, r.db, nil, r.dailyTimeout, func(ctx context.Context, tx bun.Tx) error {
		n, err := r.stats.DeleteDailyDuplicatesWithTx(ctx, tx)
		if err != nil {
			return err
		}

		deleted = n

		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, context.Cause(ctx)
		}

		return 0, classify(err)
	}

	r.logger.Info("Removed daily duplicates", zap.Int64("deleted", deleted))

	return deleted, nil
}

// Scan counts duplicate groups of both classes without deleting anything.
func (r *Reconciler) Scan(ctx context.Context) (*types.DuplicateSummary, error) {
	summary, err := dbretry.Operation(ctx, r.retrier, r.stats.CountDuplicates)
	if err != nil {
		return nil, classify(err)
	}

	return summary, nil
}

// DuplicateGroups lists the duplicate groups of one class with their survivor and excess ids.
func (r *Reconciler) DuplicateGroups(ctx context.Context, kind types.DuplicateKind) ([]*types.DuplicateGroup, error) {
	groups, err := dbretry.Operation(ctx, r.retrier, func(ctx context.Context) ([]*types.DuplicateGroup, error) {
		return r.stats.GetDuplicateGroups(ctx, kind)
	})
	if err != nil {
		return nil, classify(err)
	}

	return groups, nil
}
