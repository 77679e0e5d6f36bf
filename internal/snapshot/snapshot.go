// Package snapshot records duplicate groups in a standalone SQLite file so the rows
// a reconcile run is about to delete can be audited afterwards.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gigo/statfix/internal/database/types"
	"github.com/samber/lo"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const batchSize = 1000

// Row is one user_stats row of a duplicate group as stored in the snapshot.
type Row struct {
	Kind   types.DuplicateKind
	UserID int64
	Date   string
	RowID  int64
	Keep   bool
}

// Write replaces the file at path with a snapshot of the given groups and returns
// the number of rows written.
func Write(path string, groups []*types.DuplicateGroup) (int, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("failed to remove existing snapshot: %w", err)
	}

	conn, err := sqlite.OpenConn(path, sqlite.OpenCreate|sqlite.OpenReadWrite)
	if err != nil {
		return 0, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer conn.Close()

	err = sqlitex.ExecuteScript(conn, `
		CREATE TABLE meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		CREATE TABLE duplicates (
			kind TEXT NOT NULL,
			user_id INTEGER NOT NULL,
			date TEXT NOT NULL,
			row_id INTEGER NOT NULL,
			keep INTEGER NOT NULL,
			PRIMARY KEY (kind, row_id)
		);
	`, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create snapshot tables: %w", err)
	}

	err = sqlitex.Execute(conn, "INSERT INTO meta (key, value) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{"created_at", time.Now().UTC().Format(time.RFC3339)},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to write snapshot metadata: %w", err)
	}

	rows := flatten(groups)

	for _, batch := range lo.Chunk(rows, batchSize) {
		if err := writeBatch(conn, batch); err != nil {
			return 0, err
		}
	}

	return len(rows), nil
}

// writeBatch inserts rows inside one transaction.
func writeBatch(conn *sqlite.Conn, rows []Row) (err error) {
	defer sqlitex.Save(conn)(&err)

	for _, row := range rows {
		err = sqlitex.Execute(conn,
			"INSERT INTO duplicates (kind, user_id, date, row_id, keep) VALUES (?, ?, ?, ?, ?)",
			&sqlitex.ExecOptions{
				Args: []any{string(row.Kind), row.UserID, row.Date, row.RowID, row.Keep},
			})
		if err != nil {
			return fmt.Errorf("failed to insert snapshot row: %w", err)
		}
	}

	return nil
}

// Read returns every row of the snapshot at path ordered by kind, user, date and id.
func Read(path string) ([]Row, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer conn.Close()

	var rows []Row

	err = sqlitex.ExecuteTransient(conn,
		"SELECT kind, user_id, date, row_id, keep FROM duplicates ORDER BY kind, user_id, date, row_id",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, Row{
					Kind:   types.DuplicateKind(stmt.ColumnText(0)),
					UserID: stmt.ColumnInt64(1),
					Date:   stmt.ColumnText(2),
					RowID:  stmt.ColumnInt64(3),
					Keep:   stmt.ColumnBool(4),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	return rows, nil
}

// flatten expands groups into one row per id, survivors first.
func flatten(groups []*types.DuplicateGroup) []Row {
	var rows []Row

	for _, group := range groups {
		rows = append(rows, Row{
			Kind:   group.Kind,
			UserID: group.UserID,
			Date:   group.Date,
			RowID:  group.KeepID,
			Keep:   true,
		})

		for _, id := range group.DropIDs {
			rows = append(rows, Row{
				Kind:   group.Kind,
				UserID: group.UserID,
				Date:   group.Date,
				RowID:  id,
			})
		}
	}

	return rows
}
