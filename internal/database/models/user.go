package models

import (
	"context"
	"fmt"

	"github.com/gigo/statfix/internal/database/types"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// UserModel handles database operations for user records.
type UserModel struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewUser creates a UserModel.
func NewUser(db *bun.DB, logger *zap.Logger) *UserModel {
	return &UserModel{
		db:     db,
		logger: logger.Named("db_user"),
	}
}

// GetUserIDsAfterWithTx returns up to limit user ids greater than afterID in ascending order.
func (r *UserModel) GetUserIDsAfterWithTx(ctx context.Context, tx bun.IDB, afterID int64, limit int) ([]int64, error) {
	var ids []int64

	err := tx.NewSelect().
		Model((*types.User)(nil)).
		Column("id").
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get user ids: %w (afterID=%d)", err, afterID)
	}

	return ids, nil
}

// GetAllUserIDsWithTx pages through every user id with keyset pagination.
func (r *UserModel) GetAllUserIDsWithTx(ctx context.Context, tx bun.IDB, batchSize int) ([]int64, error) {
	var (
		all     []int64
		afterID int64 = -1 << 63
	)

	for {
		ids, err := r.GetUserIDsAfterWithTx(ctx, tx, afterID, batchSize)
		if err != nil {
			return nil, err
		}

		all = append(all, ids...)

		if len(ids) < batchSize {
			break
		}

		afterID = ids[len(ids)-1]
	}

	r.logger.Debug("Loaded user ids", zap.Int("count", len(all)))

	return all, nil
}
