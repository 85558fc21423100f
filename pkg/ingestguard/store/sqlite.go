package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// NewSQLiteStore opens (or creates) a SQLite database at path.
// The path should be a file path (e.g., "./ingestguard.db") or ":memory:" for testing.
//
// SQLite serializes writers, so the pool is limited to one connection. Every
// conditional transition is then trivially exclusive.
func NewSQLiteStore(path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty sqlite path", ErrInvalidInput)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	s, err := newSQLStore(db, sqliteDialect, sqliteSchema)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}
