package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// OpenDb opens (and creates if needed) the sqlite database file. A single
// connection is used: sqlite serializes writers anyway and a pool would only
// produce SQLITE_BUSY under load.
func OpenDb(dbFile string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}
	return db, nil
}

// Querier is satisfied by both *sql.DB and *sql.Tx so every repository can be
// bound either to the database or to an open transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func querierFromConfig(config ...interface{}) (Querier, error) {
	if len(config) != 1 {
		return nil, fmt.Errorf("invalid config: expected 1 argument, got %d", len(config))
	}
	q, ok := config[0].(Querier)
	if !ok {
		return nil, fmt.Errorf(
			"cannot open repository: expected *sql.DB or *sql.Tx but got %T", config[0],
		)
	}
	return q, nil
}
