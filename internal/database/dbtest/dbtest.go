// Package dbtest provides an in-memory SQLite store for tests of the database layer.
package dbtest

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/gigo/statfix/internal/database"
	"github.com/gigo/statfix/internal/database/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Row is a user_stats row as inserted by tests.
type Row struct {
	ID     int64
	UserID int64
	Closed bool
	Date   string
}

// Open returns a client over a private in-memory database. Tables are created
// without the uniqueness indexes so duplicates can be seeded.
func Open(t *testing.T) database.Client {
	t.Helper()

	db := OpenEmpty(t)

	for _, model := range []any{(*types.User)(nil), (*types.UserStat)(nil)} {
		_, err := db.NewCreateTable().Model(model).IfNotExists().Exec(t.Context())
		require.NoError(t, err)
	}

	return database.NewFromDB(db, zap.NewNop())
}

// OpenEmpty returns a bun.DB over a private in-memory database with no tables.
func OpenEmpty(t *testing.T) *bun.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())

	sqldb, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)

	// Every connection would otherwise see its own empty database
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	return db
}

// SeedUsers inserts users with the given ids.
func SeedUsers(t *testing.T, db bun.IDB, ids ...int64) {
	t.Helper()

	for _, id := range ids {
		_, err := db.NewRaw(`INSERT INTO users (id, user_name) VALUES (?, ?)`, id, fmt.Sprintf("user%d", id)).
			Exec(t.Context())
		require.NoError(t, err)
	}
}

// SeedStats inserts user_stats rows with explicit ids.
func SeedStats(t *testing.T, db bun.IDB, rows ...Row) {
	t.Helper()

	for _, row := range rows {
		_, err := db.NewRaw(`INSERT INTO user_stats (id, user_id, closed, "date") VALUES (?, ?, ?, ?)`,
			row.ID, row.UserID, row.Closed, row.Date).
			Exec(t.Context())
		require.NoError(t, err)
	}
}

// StatIDs returns the ids of all user_stats rows in ascending order.
func StatIDs(t *testing.T, db bun.IDB) []int64 {
	t.Helper()

	var ids []int64
	require.NoError(t, db.NewRaw(`SELECT id FROM user_stats ORDER BY id`).Scan(t.Context(), &ids))

	return ids
}
