package migrations

import (
	"context"
	"fmt"

	"github.com/gigo/statfix/internal/database/models"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		// Existing duplicates would make the index builds fail
		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			stats := models.NewStats(db, zap.NewNop())

			if _, err := stats.DeleteOpenDuplicatesWithTx(ctx, tx); err != nil {
				return err
			}

			if _, err := stats.DeleteDailyDuplicatesWithTx(ctx, tx); err != nil {
				return err
			}

			_, err := tx.NewRaw(`
				CREATE UNIQUE INDEX IF NOT EXISTS user_stats_open_user_uidx
				ON user_stats (user_id)
				WHERE closed = FALSE
			`).Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to create open row index: %w", err)
			}

			_, err = tx.NewRaw(`
				CREATE UNIQUE INDEX IF NOT EXISTS user_stats_user_date_uidx
				ON user_stats (user_id, "date")
			`).Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to create daily row index: %w", err)
			}

			return nil
		})
	}, func(ctx context.Context, db *bun.DB) error {
		for _, index := range []string{"user_stats_open_user_uidx", "user_stats_user_date_uidx"} {
			if _, err := db.NewRaw("DROP INDEX IF EXISTS " + index).Exec(ctx); err != nil {
				return fmt.Errorf("failed to drop index %s: %w", index, err)
			}
		}

		return nil
	})
}
