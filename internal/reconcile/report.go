package reconcile

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Report aggregates the outcome of a reconciliation run.
type Report struct {
	KeysTotal        int
	KeysProcessed    int
	KeysDeleted      int
	KeysNoop         int
	RowsDeletedOpen  int64
	RowsDeletedDaily int64
	Failed           []KeyFailure
	Aborted          bool
	Duration         time.Duration

	succeeded []int64
	mu        sync.Mutex
}

// newReport creates a report for a run over total keys.
func newReport(total int) *Report {
	return &Report{KeysTotal: total}
}

// record stores the outcome of one key.
func (r *Report) record(userID int64, deleted int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.KeysProcessed++

	switch {
	case err != nil:
		r.Failed = append(r.Failed, KeyFailure{UserID: userID, Err: err})
	case deleted == 0:
		r.KeysNoop++
	default:
		r.KeysDeleted++
		r.RowsDeletedOpen += deleted
	}

	if err == nil {
		r.succeeded = append(r.succeeded, userID)
	}
}

// KeysFailed returns the number of keys whose transaction failed.
func (r *Report) KeysFailed() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.Failed)
}

// KeysSkipped returns the number of keys never attempted because the run was aborted.
func (r *Report) KeysSkipped() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.KeysTotal - r.KeysProcessed
}

// FailedIDs returns the sorted user ids whose transaction failed, ready to be re-run.
func (r *Report) FailedIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int64, 0, len(r.Failed))
	for _, failure := range r.Failed {
		ids = append(ids, failure.UserID)
	}

	slices.Sort(ids)

	return ids
}

// SucceededIDs returns the sorted user ids whose transaction committed.
func (r *Report) SucceededIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := slices.Clone(r.succeeded)
	slices.Sort(ids)

	return ids
}

// Err joins every key failure, or returns nil when all keys succeeded.
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	errs := make([]error, 0, len(r.Failed))
	for _, failure := range r.Failed {
		errs = append(errs, failure)
	}

	return errors.Join(errs...)
}

// Summary returns a one-line human readable summary.
func (r *Report) Summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := "completed"
	if r.Aborted {
		status = "aborted"
	}

	return fmt.Sprintf(
		"reconcile %s in %s: %d/%d keys processed (%d with deletions, %d no-op, %d failed), "+
			"%d open rows and %d daily rows deleted",
		status, r.Duration.Round(time.Millisecond), r.KeysProcessed, r.KeysTotal,
		r.KeysDeleted, r.KeysNoop, len(r.Failed), r.RowsDeletedOpen, r.RowsDeletedDaily,
	)
}

// Fields returns the report as structured log fields.
func (r *Report) Fields() []zap.Field {
	r.mu.Lock()
	defer r.mu.Unlock()

	return []zap.Field{
		zap.Int("keysTotal", r.KeysTotal),
		zap.Int("keysProcessed", r.KeysProcessed),
		zap.Int("keysDeleted", r.KeysDeleted),
		zap.Int("keysNoop", r.KeysNoop),
		zap.Int("keysFailed", len(r.Failed)),
		zap.Int64("rowsDeletedOpen", r.RowsDeletedOpen),
		zap.Int64("rowsDeletedDaily", r.RowsDeletedDaily),
		zap.Bool("aborted", r.Aborted),
		zap.Duration("duration", r.Duration),
	}
}
