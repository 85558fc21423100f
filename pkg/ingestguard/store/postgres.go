package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

//go:embed schema/postgres.sql
var postgresSchema string

// NewPostgresStore connects to PostgreSQL and applies the schema. Multiple
// processes may share one database; queue claims use FOR UPDATE SKIP LOCKED
// so concurrent workers never receive the same item.
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty postgres dsn", ErrInvalidInput)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s, err := newSQLStore(db, postgresDialect, postgresSchema)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
