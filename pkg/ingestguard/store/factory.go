package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Open builds a Store from a DSN. Supported forms:
//
//	memory://                     in-process MemoryStore
//	sqlite:///var/lib/ig.db       SQLite file (also sqlite://:memory:)
//	/var/lib/ig.db                bare path, SQLite
//	postgres://user@host/db       PostgreSQL (also postgresql://)
func Open(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty store dsn", ErrInvalidInput)
	}
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return openSQL(NewSQLiteStore(dsn))
	}

	switch scheme = strings.ToLower(scheme); scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3", "file":
		// Paths like ":memory:" are not valid URLs, so they skip url.Parse.
		if rest == "" {
			return nil, fmt.Errorf("%w: sqlite dsn has no path", ErrInvalidInput)
		}
		return openSQL(NewSQLiteStore(rest))
	case "postgres", "postgresql":
		if _, err := url.Parse(dsn); err != nil {
			return nil, fmt.Errorf("%w: parse store dsn: %v", ErrInvalidInput, err)
		}
		return openSQL(NewPostgresStore(ctx, dsn))
	default:
		return nil, fmt.Errorf("%w: unsupported store scheme %q", ErrInvalidInput, scheme)
	}
}

// openSQL keeps a failed constructor from yielding a non-nil Store holding a
// nil pointer.
func openSQL(s *SQLStore, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
