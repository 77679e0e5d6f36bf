package models

import (
	"context"
	"fmt"

	"github.com/gigo/statfix/internal/database/types"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// Every statement keeps the smallest id of a duplicate group and only ever deletes.
const (
	deleteOpenDuplicatesForUser = `
		DELETE FROM user_stats
		WHERE closed = FALSE
			AND user_id = ?
			AND id <> (
				SELECT MIN(id)
				FROM user_stats
				WHERE closed = FALSE AND user_id = ?
			)`

	deleteOpenDuplicates = `
		DELETE FROM user_stats
		WHERE closed = FALSE AND id IN (
			SELECT s.id
			FROM user_stats AS s
			JOIN (
				SELECT user_id, MIN(id) AS min_id
				FROM user_stats
				WHERE closed = FALSE
				GROUP BY user_id
			) AS g ON g.user_id = s.user_id
			WHERE s.closed = FALSE AND s.id > g.min_id
		)`

	deleteDailyDuplicates = `
		DELETE FROM user_stats
		WHERE id IN (
			SELECT s.id
			FROM user_stats AS s
			JOIN (
				SELECT user_id, "date", MIN(id) AS min_id
				FROM user_stats
				GROUP BY user_id, "date"
			) AS g ON g.user_id = s.user_id AND g."date" = s."date"
			WHERE s.id > g.min_id
		)`

	countOpenDuplicates = `
		SELECT COUNT(*), COALESCE(SUM(row_count - 1), 0)
		FROM (
			SELECT COUNT(*) AS row_count
			FROM user_stats
			WHERE closed = FALSE
			GROUP BY user_id
			HAVING COUNT(*) > 1
		) AS d`

	countDailyDuplicates = `
		SELECT COUNT(*), COALESCE(SUM(row_count - 1), 0)
		FROM (
			SELECT COUNT(*) AS row_count
			FROM user_stats
			GROUP BY user_id, "date"
			HAVING COUNT(*) > 1
		) AS d`

	selectOpenDuplicateRows = `
		SELECT s.user_id, s.id, CAST(s."date" AS TEXT) AS stat_day
		FROM user_stats AS s
		WHERE s.closed = FALSE AND s.user_id IN (
			SELECT user_id
			FROM user_stats
			WHERE closed = FALSE
			GROUP BY user_id
			HAVING COUNT(*) > 1
		)
		ORDER BY s.user_id, s.id`

	selectDailyDuplicateRows = `
		SELECT s.user_id, s.id, CAST(s."date" AS TEXT) AS stat_day
		FROM user_stats AS s
		JOIN (
			SELECT user_id, "date"
			FROM user_stats
			GROUP BY user_id, "date"
			HAVING COUNT(*) > 1
		) AS g ON g.user_id = s.user_id AND g."date" = s."date"
		ORDER BY s.user_id, stat_day, s.id`
)

// duplicateRow is one member of a duplicate group as returned by the listing queries.
type duplicateRow struct {
	UserID int64  `bun:"user_id"`
	ID     int64  `bun:"id"`
	Day    string `bun:"stat_day"`
}

// StatsModel handles database operations for user_stats rows.
type StatsModel struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewStats creates a new StatsModel.
func NewStats(db *bun.DB, logger *zap.Logger) *StatsModel {
	return &StatsModel{
		db:     db,
		logger: logger.Named("db_stats"),
	}
}

// DeleteOpenDuplicatesForUserWithTx deletes every open row of the user except the one
// with the smallest id. Closed rows are never touched.
func (r *StatsModel) DeleteOpenDuplicatesForUserWithTx(ctx context.Context, tx bun.IDB, userID int64) (int64, error) {
	result, err := tx.NewRaw(deleteOpenDuplicatesForUser, userID, userID).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to delete open duplicates: %w (userID=%d)", err, userID)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w (userID=%d)", err, userID)
	}

	return affected, nil
}

// DeleteOpenDuplicatesWithTx deletes surplus open rows for all users in one statement.
func (r *StatsModel) DeleteOpenDuplicatesWithTx(ctx context.Context, tx bun.IDB) (int64, error) {
	return r.execDelete(ctx, tx, deleteOpenDuplicates, "open")
}

// DeleteDailyDuplicatesWithTx deletes every row whose id exceeds the smallest id of its
// (user_id, date) group.
func (r *StatsModel) DeleteDailyDuplicatesWithTx(ctx context.Context, tx bun.IDB) (int64, error) {
	return r.execDelete(ctx, tx, deleteDailyDuplicates, "daily")
}

// CountDuplicates counts duplicate groups and excess rows of both classes.
func (r *StatsModel) CountDuplicates(ctx context.Context) (*types.DuplicateSummary, error) {
	var summary types.DuplicateSummary

	if err := r.db.NewRaw(countOpenDuplicates).Scan(ctx, &summary.OpenGroups, &summary.OpenExcess); err != nil {
		return nil, fmt.Errorf("failed to count open duplicates: %w", err)
	}

	if err := r.db.NewRaw(countDailyDuplicates).Scan(ctx, &summary.DailyGroups, &summary.DailyExcess); err != nil {
		return nil, fmt.Errorf("failed to count daily duplicates: %w", err)
	}

	return &summary, nil
}

// GetDuplicateGroups lists the duplicate groups of the given kind, survivors first.
func (r *StatsModel) GetDuplicateGroups(ctx context.Context, kind types.DuplicateKind) ([]*types.DuplicateGroup, error) {
	query := selectOpenDuplicateRows
	if kind == types.DuplicateDaily {
		query = selectDailyDuplicateRows
	}

	var rows []duplicateRow
	if err := r.db.NewRaw(query).Scan(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to list %s duplicates: %w", kind, err)
	}

	return groupDuplicateRows(kind, rows), nil
}

// execDelete runs a bulk delete statement and returns the affected row count.
func (r *StatsModel) execDelete(ctx context.Context, tx bun.IDB, query string, kind string) (int64, error) {
	result, err := tx.NewRaw(query).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s duplicates: %w", kind, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	r.logger.Debug("Deleted duplicate stats",
		zap.String("kind", kind),
		zap.Int64("rowsAffected", affected))

	return affected, nil
}

// groupDuplicateRows folds rows ordered by key then id into groups.
// The first row of every group has the smallest id and becomes the survivor.
func groupDuplicateRows(kind types.DuplicateKind, rows []duplicateRow) []*types.DuplicateGroup {
	var (
		groups  []*types.DuplicateGroup
		current *types.DuplicateGroup
	)

	for _, row := range rows {
		day := ""
		if kind == types.DuplicateDaily {
			day = row.Day
		}

		if current == nil || current.UserID != row.UserID || current.Date != day {
			current = &types.DuplicateGroup{
				Kind:   kind,
				UserID: row.UserID,
				Date:   day,
				KeepID: row.ID,
			}
			groups = append(groups, current)

			continue
		}

		current.DropIDs = append(current.DropIDs, row.ID)
	}

	return groups
}
