package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gigo/statfix/internal/database"
	"github.com/gigo/statfix/internal/database/dbretry"
	"github.com/gigo/statfix/internal/database/dbtest"
	"github.com/gigo/statfix/internal/database/types"
	"github.com/gigo/statfix/internal/reconcile"
	"github.com/gigo/statfix/internal/setup/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	userA = int64(1)
	userB = int64(2)
	userC = int64(3)

	day1 = "2024-03-01"
	day2 = "2024-03-02"
)

var errLockTaken = errors.New("lock taken")

func setupTest(t *testing.T, concurrency int) (*reconcile.Reconciler, database.Client) {
	t.Helper()

	return setupTestWithConfig(t, &config.Reconcile{
		BatchSize:    2,
		TxTimeout:    5000,
		DailyTimeout: 5000,
		Concurrency:  concurrency,
	})
}

func setupTestWithConfig(t *testing.T, cfg *config.Reconcile) (*reconcile.Reconciler, database.Client) {
	t.Helper()

	client := dbtest.Open(t)
	retrier := dbretry.New(dbretry.Policy{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsedTime:  time.Second,
	})

	return reconcile.New(client, cfg, retrier, zap.NewNop()), client
}

func TestReconcileOpenScenario(t *testing.T) {
	t.Parallel()

	r, client := setupTest(t, 1)
	dbtest.SeedStats(t, client.DB(),
		dbtest.Row{ID: 1, UserID: userA, Closed: false, Date: day1},
		dbtest.Row{ID: 2, UserID: userA, Closed: false, Date: day1},
		dbtest.Row{ID: 3, UserID: userA, Closed: true, Date: day1},
	)

	report, err := r.ReconcileOpenPerUser(t.Context(), []int64{userA})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 3}, dbtest.StatIDs(t, client.DB()))
	assert.Equal(t, int64(1), report.RowsDeletedOpen)
	assert.Equal(t, 1, report.KeysProcessed)
	assert.Equal(t, 1, report.KeysDeleted)
	assert.False(t, report.Aborted)
}

func TestReconcileDailyScenario(t *testing.T) {
	t.Parallel()

	r, client := setupTest(t, 1)
	dbtest.SeedStats(t, client.DB(),
		dbtest.Row{ID: 10, UserID: userB, Closed: true, Date: day1},
		dbtest.Row{ID: 11, UserID: userB, Closed: true, Date: day1},
		dbtest.Row{ID: 12, UserID: userB, Closed: true, Date: day2},
	)

	deleted, err := r.ReconcileDailyDuplicates(t.Context())
	require.NoError(t, err)

	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, []int64{10, 12}, dbtest.StatIDs(t, client.DB()))
}

func TestReconcileOpenKeepsMinimumID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		openIDs  []int64
		expected int64
	}{
		{name: "single open row", openIDs: []int64{7}, expected: 7},
		{name: "two open rows", openIDs: []int64{4, 9}, expected: 4},
		{name: "many open rows out of order", openIDs: []int64{30, 12, 25, 18, 40}, expected: 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r, client := setupTest(t, 1)
			for _, id := range tt.openIDs {
				dbtest.SeedStats(t, client.DB(), dbtest.Row{ID: id, UserID: userA, Date: day1})
			}

			report, err := r.ReconcileOpenPerUser(t.Context(), []int64{userA})
			require.NoError(t, err)

			assert.Equal(t, []int64{tt.expected}, dbtest.StatIDs(t, client.DB()))
			assert.Equal(t, int64(len(tt.openIDs)-1), report.RowsDeletedOpen)
		})
	}
}

func TestReconcileOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	r, client := setupTest(t, 1)
	dbtest.SeedStats(t, client.DB(),
		dbtest.Row{ID: 1, UserID: userA, Date: day1},
		dbtest.Row{ID: 2, UserID: userA, Date: day2},
		dbtest.Row{ID: 3, UserID: userB, Date: day1},
		dbtest.Row{ID: 4, UserID: userB, Date: day1},
	)

	users := []int64{userA, userB}

	first, err := r.ReconcileOpenPerUser(t.Context(), users)
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.RowsDeletedOpen)

	afterFirst := dbtest.StatIDs(t, client.DB())

	second, err := r.ReconcileOpenPerUser(t.Context(), users)
	require.NoError(t, err)

	assert.Equal(t, int64(0), second.RowsDeletedOpen)
	assert.Equal(t, 2, second.KeysNoop)
	assert.Equal(t, afterFirst, dbtest.StatIDs(t, client.DB()))
}

func TestReconcileDailyIsIdempotent(t *testing.T) {
	t.Parallel()

	r, client := setupTest(t, 1)
	dbtest.SeedStats(t, client.DB(),
		dbtest.Row{ID: 1, UserID: userA, Closed: true, Date: day1},
		dbtest.Row{ID: 2, UserID: userA, Closed: true, Date: day1},
		dbtest.Row{ID: 3, UserID: userA, Closed: true, Date: day1},
		dbtest.Row{ID: 4, UserID: userB, Closed: true, Date: day2},
		dbtest.Row{ID: 5, UserID: userB, Closed: true, Date: day2},
	)

	deleted, err := r.ReconcileDailyDuplicates(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
	assert.Equal(t, []int64{1, 4}, dbtest.StatIDs(t, client.DB()))

	deleted, err = r.ReconcileDailyDuplicates(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
	assert.Equal(t, []int64{1, 4}, dbtest.StatIDs(t, client.DB()))
}

func TestReconcileDoesNotTouchOtherKeys(t *testing.T) {
	t.Parallel()

	r, client := setupTest(t, 1)
	dbtest.SeedStats(t, client.DB(),
		// Duplicated open rows for A
		dbtest.Row{ID: 1, UserID: userA, Date: day1},
		dbtest.Row{ID: 2, UserID: userA, Date: day2},
		// B has one open row and one closed row on another day
		dbtest.Row{ID: 3, UserID: userB, Date: day1},
		dbtest.Row{ID: 4, UserID: userB, Closed: true, Date: day2},
		// C has duplicated open rows but is not part of the run
		dbtest.Row{ID: 5, UserID: userC, Date: day1},
		dbtest.Row{ID: 6, UserID: userC, Date: day2},
	)

	_, err := r.ReconcileOpenPerUser(t.Context(), []int64{userA, userB})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 4, 5, 6}, dbtest.StatIDs(t, client.DB()))

	// Only A has a daily duplicate, and the open pass already removed it
	deleted, err := r.ReconcileDailyDuplicates(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
	assert.Equal(t, []int64{1, 3, 4, 5, 6}, dbtest.StatIDs(t, client.DB()))
}

func TestReconcileOpenLeavesClosedRows(t *testing.T) {
	t.Parallel()

	r, client := setupTest(t, 1)
	dbtest.SeedStats(t, client.DB(),
		dbtest.Row{ID: 1, UserID: userA, Closed: true, Date: day1},
		dbtest.Row{ID: 2, UserID: userA, Closed: true, Date: day1},
		dbtest.Row{ID: 3, UserID: userA, Closed: true, Date: day2},
		dbtest.Row{ID: 4, UserID: userA, Closed: false, Date: day2},
	)

	report, err := r.ReconcileOpenPerUser(t.Context(), []int64{userA})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3, 4}, dbtest.StatIDs(t, client.DB()))
	assert.Equal(t, 1, report.KeysNoop)
}

func TestReconcileOpenIsolatesFailedKeys(t *testing.T) {
	t.Parallel()

	r, client := setupTest(t, 1)
	dbtest.SeedStats(t, client.DB(),
		dbtest.Row{ID: 1, UserID: userA, Date: day1},
		dbtest.Row{ID: 2, UserID: userA, Date: day2},
		dbtest.Row{ID: 3, UserID: userB, Date: day1},
		dbtest.Row{ID: 4, UserID: userB, Date: day2},
		dbtest.Row{ID: 5, UserID: userC, Date: day1},
		dbtest.Row{ID: 6, UserID: userC, Date: day2},
	)

	// Deletes of user B abort inside the store
	_, err := client.DB().NewRaw(`
		CREATE TRIGGER reject_user_b BEFORE DELETE ON user_stats
		WHEN OLD.user_id = 2
		BEGIN
			SELECT RAISE(ABORT, 'rows of user 2 are pinned');
		END`).Exec(t.Context())
	require.NoError(t, err)

	report, err := r.ReconcileOpenPerUser(t.Context(), []int64{userA, userB, userC})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 3, 4, 5}, dbtest.StatIDs(t, client.DB()))
	assert.Equal(t, 3, report.KeysProcessed)
	assert.Equal(t, 2, report.KeysDeleted)
	assert.Equal(t, []int64{userB}, report.FailedIDs())
	assert.Equal(t, []int64{userA, userC}, report.SucceededIDs())
	require.ErrorIs(t, report.Err(), reconcile.ErrTransaction)
	assert.False(t, report.Aborted)
}

func TestReconcileOpenConcurrent(t *testing.T) {
	t.Parallel()

	r, client := setupTest(t, 4)

	var users []int64
	for user := int64(1); user <= 20; user++ {
		users = append(users, user)
		dbtest.SeedStats(t, client.DB(),
			dbtest.Row{ID: user*10 + 1, UserID: user, Date: day1},
			dbtest.Row{ID: user*10 + 2, UserID: user, Date: day2},
			dbtest.Row{ID: user*10 + 3, UserID: user, Closed: true, Date: day1},
		)
	}

	report, err := r.ReconcileOpenPerUser(t.Context(), users)
	require.NoError(t, err)

	assert.Equal(t, 20, report.KeysProcessed)
	assert.Equal(t, int64(20), report.RowsDeletedOpen)
	assert.Len(t, dbtest.StatIDs(t, client.DB()), 40)
}

func TestReconcileOpenAbortsOnConnectionLoss(t *testing.T) {
	t.Parallel()

	r, client := setupTest(t, 1)
	require.NoError(t, client.DB().Close())

	progress := &countingProgress{}
	r.WithProgress(progress)

	report, err := r.ReconcileOpenPerUser(t.Context(), []int64{userA, userB, userC})
	require.ErrorIs(t, err, reconcile.ErrConnection)

	assert.True(t, report.Aborted)
	assert.Equal(t, 1, report.KeysProcessed)
	assert.Equal(t, 2, report.KeysSkipped())
	assert.Equal(t, []int64{userA}, report.FailedIDs())
	// The failed key is counted like every other processed key
	assert.Equal(t, int64(report.KeysProcessed), progress.done.Load())
	assert.Equal(t, int64(3), progress.total.Load())
}

func TestReconcileOpenTransactionTimeout(t *testing.T) {
	t.Parallel()

	r, client := setupTestWithConfig(t, &config.Reconcile{
		BatchSize:    2,
		TxTimeout:    50,
		DailyTimeout: 5000,
		Concurrency:  1,
	})
	dbtest.SeedStats(t, client.DB(),
		dbtest.Row{ID: 1, UserID: userA, Date: day1},
		dbtest.Row{ID: 2, UserID: userA, Date: day2},
		dbtest.Row{ID: 3, UserID: userB, Date: day1},
		dbtest.Row{ID: 4, UserID: userB, Date: day2},
		dbtest.Row{ID: 5, UserID: userC, Date: day1},
		dbtest.Row{ID: 6, UserID: userC, Date: day2},
	)

	// Deletes of user B scan a billion-row cross join and outlive the transaction timeout
	_, err := client.DB().NewRaw(`
		CREATE TABLE burn AS
		WITH RECURSIVE seq(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM seq WHERE x < 1000)
		SELECT x FROM seq`).Exec(t.Context())
	require.NoError(t, err)

	_, err = client.DB().NewRaw(`
		CREATE TRIGGER stall_user_b BEFORE DELETE ON user_stats
		WHEN OLD.user_id = 2
		BEGIN
			SELECT count(*) FROM burn a, burn b, burn c;
		END`).Exec(t.Context())
	require.NoError(t, err)

	report, err := r.ReconcileOpenPerUser(t.Context(), []int64{userA, userB, userC})
	require.NoError(t, err)

	// B keeps both rows, A and C are committed
	assert.Equal(t, []int64{1, 3, 4, 5}, dbtest.StatIDs(t, client.DB()))
	assert.False(t, report.Aborted)
	assert.Equal(t, 3, report.KeysProcessed)
	assert.Equal(t, []int64{userB}, report.FailedIDs())
	assert.Equal(t, []int64{userA, userC}, report.SucceededIDs())

	err = report.Err()
	require.ErrorIs(t, err, reconcile.ErrTransaction)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, reconcile.ErrConnection)
}

func TestReconcileOpenStopsOnCancel(t *testing.T) {
	t.Parallel()

	r, client := setupTest(t, 1)
	dbtest.SeedStats(t, client.DB(),
		dbtest.Row{ID: 1, UserID: userA, Date: day1},
		dbtest.Row{ID: 2, UserID: userA, Date: day2},
	)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	report, err := r.ReconcileOpenPerUser(ctx, []int64{userA})
	require.ErrorIs(t, err, context.Canceled)

	assert.True(t, report.Aborted)
	assert.Equal(t, 0, report.KeysProcessed)
	assert.Equal(t, []int64{1, 2}, dbtest.StatIDs(t, client.DB()))
}

func TestListUserIDsPaginates(t *testing.T) {
	t.Parallel()

	r, client := setupTest(t, 1)
	dbtest.SeedUsers(t, client.DB(), 5, 1, 4, 2, 3)

	ids, err := r.ListUserIDs(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids)
}

func TestListUserIDsConnectionError(t *testing.T) {
	t.Parallel()

	r, client := setupTest(t, 1)
	require.NoError(t, client.DB().Close())

	_, err := r.ListUserIDs(t.Context())
	require.ErrorIs(t, err, reconcile.ErrConnection)
}

func TestRunBothPasses(t *testing.T) {
	t.Parallel()

	r, client := setupTest(t, 1)
	dbtest.SeedUsers(t, client.DB(), userA, userB, userC)
	dbtest.SeedStats(t, client.DB(),
		dbtest.Row{ID: 1, UserID: userA, Date: day1},
		dbtest.Row{ID: 2, UserID: userA, Date: day2},
		dbtest.Row{ID: 3, UserID: userB, Closed: true, Date: day1},
		dbtest.Row{ID: 4, UserID: userB, Closed: true, Date: day1},
		dbtest.Row{ID: 5, UserID: userB, Date: day2},
	)

	lock := &fakeLock{lost: make(chan struct{})}
	r.WithLock(lock)

	report, err := r.Run(t.Context(), reconcile.Options{})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 3, 5}, dbtest.StatIDs(t, client.DB()))
	assert.Equal(t, 3, report.KeysTotal)
	assert.Equal(t, int64(1), report.RowsDeletedOpen)
	assert.Equal(t, int64(1), report.RowsDeletedDaily)
	assert.Contains(t, report.Summary(), "completed")
	assert.True(t, lock.acquired)
	assert.True(t, lock.released)
}

func TestRunSelectedPassAndUsers(t *testing.T) {
	t.Parallel()

	r, client := setupTest(t, 1)
	dbtest.SeedStats(t, client.DB(),
		dbtest.Row{ID: 1, UserID: userA, Date: day1},
		dbtest.Row{ID: 2, UserID: userA, Date: day1},
		dbtest.Row{ID: 3, UserID: userB, Date: day1},
		dbtest.Row{ID: 4, UserID: userB, Date: day2},
	)

	report, err := r.Run(t.Context(), reconcile.Options{
		UserIDs: []int64{userA},
		Passes:  reconcile.PassOpen,
	})
	require.NoError(t, err)

	// B is outside the run and the daily pass is skipped
	assert.Equal(t, []int64{1, 3, 4}, dbtest.StatIDs(t, client.DB()))
	assert.Equal(t, int64(0), report.RowsDeletedDaily)
}

func TestRunLockHeld(t *testing.T) {
	t.Parallel()

	r, client := setupTest(t, 1)
	dbtest.SeedStats(t, client.DB(),
		dbtest.Row{ID: 1, UserID: userA, Date: day1},
		dbtest.Row{ID: 2, UserID: userA, Date: day1},
	)

	r.WithLock(&fakeLock{acquireErr: errLockTaken, lost: make(chan struct{})})

	report, err := r.Run(t.Context(), reconcile.Options{UserIDs: []int64{userA}})
	require.ErrorIs(t, err, errLockTaken)

	assert.True(t, report.Aborted)
	assert.Equal(t, []int64{1, 2}, dbtest.StatIDs(t, client.DB()))
}

func TestRunLockLost(t *testing.T) {
	t.Parallel()

	r, client := setupTest(t, 1)
	dbtest.SeedStats(t, client.DB(),
		dbtest.Row{ID: 1, UserID: userA, Date: day1},
		dbtest.Row{ID: 2, UserID: userA, Date: day2},
		dbtest.Row{ID: 3, UserID: userB, Date: day1},
		dbtest.Row{ID: 4, UserID: userB, Date: day2},
		dbtest.Row{ID: 5, UserID: userC, Date: day1},
		dbtest.Row{ID: 6, UserID: userC, Date: day2},
		dbtest.Row{ID: 7, UserID: userC, Closed: true, Date: day1},
		dbtest.Row{ID: 8, UserID: userC, Closed: true, Date: day1},
	)

	lock := &fakeLock{lost: make(chan struct{})}

	// The lock expires right after the first user commits
	var once sync.Once
	progress := &countingProgress{onIncrement: func() {
		once.Do(func() {
			close(lock.lost)
			time.Sleep(50 * time.Millisecond)
		})
	}}

	r.WithLock(lock).WithProgress(progress)

	report, err := r.Run(t.Context(), reconcile.Options{UserIDs: []int64{userA, userB, userC}})
	require.ErrorIs(t, err, reconcile.ErrLockLost)

	assert.True(t, report.Aborted)
	assert.Equal(t, 1, report.KeysProcessed)
	assert.Equal(t, 2, report.KeysSkipped())
	assert.Equal(t, int64(0), report.RowsDeletedDaily)
	assert.True(t, lock.released)

	// A is fully reconciled; B and C are untouched and the daily pass never ran
	assert.Equal(t, []int64{1, 3, 4, 5, 6, 7, 8}, dbtest.StatIDs(t, client.DB()))
}

func TestScanAndDuplicateGroups(t *testing.T) {
	t.Parallel()

	r, client := setupTest(t, 1)
	dbtest.SeedStats(t, client.DB(),
		dbtest.Row{ID: 1, UserID: userA, Date: day1},
		dbtest.Row{ID: 2, UserID: userA, Date: day2},
		dbtest.Row{ID: 3, UserID: userA, Closed: true, Date: day2},
		dbtest.Row{ID: 4, UserID: userB, Closed: true, Date: day1},
	)

	summary, err := r.Scan(t.Context())
	require.NoError(t, err)
	assert.Equal(t, &types.DuplicateSummary{
		OpenGroups:  1,
		OpenExcess:  1,
		DailyGroups: 1,
		DailyExcess: 1,
	}, summary)
	assert.False(t, summary.Clean())

	open, err := r.DuplicateGroups(t.Context(), types.DuplicateOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, userA, open[0].UserID)
	assert.Equal(t, int64(1), open[0].KeepID)
	assert.Equal(t, []int64{2}, open[0].DropIDs)

	daily, err := r.DuplicateGroups(t.Context(), types.DuplicateDaily)
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, day2, daily[0].Date)
	assert.Equal(t, int64(2), daily[0].KeepID)
	assert.Equal(t, []int64{3}, daily[0].DropIDs)

	// Nothing was deleted
	assert.Equal(t, []int64{1, 2, 3, 4}, dbtest.StatIDs(t, client.DB()))
}

type fakeLock struct {
	acquireErr error
	acquired   bool
	released   bool
	lost       chan struct{}
}

func (l *fakeLock) Acquire(context.Context) error {
	if l.acquireErr != nil {
		return l.acquireErr
	}

	l.acquired = true

	return nil
}

func (l *fakeLock) Release(context.Context) error {
	l.released = true
	return nil
}

func (l *fakeLock) Lost() <-chan struct{} {
	return l.lost
}

type countingProgress struct {
	total       atomic.Int64
	done        atomic.Int64
	onIncrement func()
}

func (p *countingProgress) SetTotal(total int64) {
	p.total.Store(total)
}

func (p *countingProgress) Increment(n int64) {
	p.done.Add(n)

	if p.onIncrement != nil {
		p.onIncrement()
	}
}

func (p *countingProgress) SetStepMessage(string) {}
