package migrations

import (
	"context"
	"fmt"

	"github.com/gigo/statfix/internal/database/types"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		models := []any{
			(*types.User)(nil),
			(*types.UserStat)(nil),
		}

		for _, model := range models {
			_, err := db.NewCreateTable().
				Model(model).
				IfNotExists().
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to create table %T: %w", model, err)
			}
		}

		indexes := []string{
			`CREATE INDEX IF NOT EXISTS idx_user_stats_user_id ON user_stats (user_id)`,
			`CREATE INDEX IF NOT EXISTS idx_user_stats_user_date ON user_stats (user_id, "date")`,
		}

		for _, stmt := range indexes {
			if _, err := db.NewRaw(stmt).Exec(ctx); err != nil {
				return fmt.Errorf("failed to create index: %w", err)
			}
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		_, err := db.NewDropTable().
			Model((*types.UserStat)(nil)).
			IfExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to drop user_stats: %w", err)
		}

		_, err = db.NewDropTable().
			Model((*types.User)(nil)).
			IfExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to drop users: %w", err)
		}

		return nil
	})
}
