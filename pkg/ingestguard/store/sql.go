package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// dialect captures the differences between the SQL engines SQLStore runs on.
type dialect struct {
	name string

	// numbered rewrites ? placeholders to $1, $2, ...
	numbered bool

	// claimLock is appended to the claim subquery.
	claimLock string
}

var (
	sqliteDialect   = dialect{name: "sqlite"}
	postgresDialect = dialect{name: "postgres", numbered: true, claimLock: " FOR UPDATE SKIP LOCKED"}
)

func (d dialect) bind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements Store over database/sql. Construct it with
// NewSQLiteStore or NewPostgresStore.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	mu      sync.RWMutex
	closed  bool
}

// Compile-time interface check.
var _ Store = (*SQLStore)(nil)

func newSQLStore(db *sql.DB, d dialect, schema string) (*SQLStore, error) {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply %s schema: %w", d.name, err)
		}
	}
	return &SQLStore{db: db, dialect: d}, nil
}

// DB returns the underlying handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect returns "sqlite" or "postgres".
func (s *SQLStore) Dialect() string {
	return s.dialect.name
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.bind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.bind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.bind(query), args...)
}

// open takes the read lock and reports ErrStoreClosed after Close.
func (s *SQLStore) open() (func(), error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	return s.mu.RUnlock, nil
}

// InsertEvent implements IdempotencyStore.
func (s *SQLStore) InsertEvent(ctx context.Context, key EventKey, now time.Time) (bool, error) {
	release, err := s.open()
	if err != nil {
		return false, err
	}
	defer release()

	res, err := s.exec(ctx, `
		INSERT INTO idempotency_keys (tenant_id, provider, external_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, provider, external_id) DO NOTHING`,
		key.TenantID, key.Provider, key.ExternalID, toNanos(now))
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert event rows: %w", err)
	}
	return n == 1, nil
}

// CountSamples implements RateLimitStore.
func (s *SQLStore) CountSamples(ctx context.Context, tenantID, bucket string, since time.Time) (int, error) {
	release, err := s.open()
	if err != nil {
		return 0, err
	}
	defer release()

	var count int
	err = s.queryRow(ctx, `
		SELECT COUNT(*) FROM rate_limits
		WHERE tenant_id = ? AND bucket = ? AND ts >= ?`,
		tenantID, bucket, toNanos(since)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count samples: %w", err)
	}
	return count, nil
}

// InsertSample implements RateLimitStore.
func (s *SQLStore) InsertSample(ctx context.Context, tenantID, bucket string, ts time.Time) error {
	release, err := s.open()
	if err != nil {
		return err
	}
	defer release()

	if _, err := s.exec(ctx,
		`INSERT INTO rate_limits (tenant_id, bucket, ts) VALUES (?, ?, ?)`,
		tenantID, bucket, toNanos(ts)); err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// PruneSamples implements RateLimitStore.
func (s *SQLStore) PruneSamples(ctx context.Context, before time.Time) (int64, error) {
	release, err := s.open()
	if err != nil {
		return 0, err
	}
	defer release()

	res, err := s.exec(ctx, `DELETE FROM rate_limits WHERE ts < ?`, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("prune samples: %w", err)
	}
	return res.RowsAffected()
}

const circuitColumns = `service, state, failure_count, last_failure_at, cooldown_ms, half_open_count`

func scanCircuit(row interface{ Scan(...any) error }) (CircuitState, error) {
	var (
		st         CircuitState
		state      string
		lastFail   sql.NullInt64
		cooldownMS int64
	)
	if err := row.Scan(&st.Service, &state, &st.FailureCount, &lastFail, &cooldownMS, &st.HalfOpenCount); err != nil {
		return CircuitState{}, err
	}
	st.State = CircuitStatus(state)
	st.Cooldown = time.Duration(cooldownMS) * time.Millisecond
	if lastFail.Valid {
		st.LastFailureAt = ptrTime(fromNanos(lastFail.Int64))
	}
	return st, nil
}

// LoadCircuit implements CircuitStore.
func (s *SQLStore) LoadCircuit(ctx context.Context, service string) (CircuitState, bool, error) {
	release, err := s.open()
	if err != nil {
		return CircuitState{}, false, err
	}
	defer release()

	st, err := scanCircuit(s.queryRow(ctx,
		`SELECT `+circuitColumns+` FROM circuit_breakers WHERE service = ?`, service))
	if errors.Is(err, sql.ErrNoRows) {
		return CircuitState{}, false, nil
	}
	if err != nil {
		return CircuitState{}, false, fmt.Errorf("load circuit: %w", err)
	}
	return st, true, nil
}

// OpenToHalfOpen implements CircuitStore.
func (s *SQLStore) OpenToHalfOpen(ctx context.Context, service string, now time.Time) (bool, error) {
	release, err := s.open()
	if err != nil {
		return false, err
	}
	defer release()

	res, err := s.exec(ctx, `
		UPDATE circuit_breakers
		SET state = 'half_open', half_open_count = 0
		WHERE service = ? AND state = 'open'
		  AND COALESCE(last_failure_at, 0) + cooldown_ms * 1000000 <= ?`,
		service, toNanos(now))
	if err != nil {
		return false, fmt.Errorf("open to half-open: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("open to half-open rows: %w", err)
	}
	return n == 1, nil
}

// ReserveTrial implements CircuitStore.
func (s *SQLStore) ReserveTrial(ctx context.Context, service string, max int) (bool, error) {
	release, err := s.open()
	if err != nil {
		return false, err
	}
	defer release()

	res, err := s.exec(ctx, `
		UPDATE circuit_breakers
		SET half_open_count = half_open_count + 1
		WHERE service = ? AND state = 'half_open' AND half_open_count < ?`,
		service, max)
	if err != nil {
		return false, fmt.Errorf("reserve trial: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve trial rows: %w", err)
	}
	return n == 1, nil
}

// RecordSuccess implements CircuitStore.
func (s *SQLStore) RecordSuccess(ctx context.Context, service string, cooldown time.Duration) error {
	release, err := s.open()
	if err != nil {
		return err
	}
	defer release()

	if _, err := s.exec(ctx, `
		INSERT INTO circuit_breakers (`+circuitColumns+`)
		VALUES (?, 'closed', 0, NULL, ?, 0)
		ON CONFLICT (service) DO UPDATE SET
			state = 'closed',
			failure_count = 0,
			last_failure_at = NULL,
			cooldown_ms = excluded.cooldown_ms,
			half_open_count = 0`,
		service, cooldown.Milliseconds()); err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

// RecordFailure implements CircuitStore.
func (s *SQLStore) RecordFailure(ctx context.Context, service string, threshold int, cooldown time.Duration, now time.Time) (CircuitState, error) {
	release, err := s.open()
	if err != nil {
		return CircuitState{}, err
	}
	defer release()

	st, err := scanCircuit(s.queryRow(ctx, `
		INSERT INTO circuit_breakers (`+circuitColumns+`)
		VALUES (?, CASE WHEN 1 >= ? THEN 'open' ELSE 'closed' END, 1, ?, ?, 0)
		ON CONFLICT (service) DO UPDATE SET
			failure_count = circuit_breakers.failure_count + 1,
			state = CASE
				WHEN circuit_breakers.failure_count + 1 >= ? OR circuit_breakers.state <> 'closed' THEN 'open'
				ELSE 'closed'
			END,
			last_failure_at = excluded.last_failure_at,
			cooldown_ms = excluded.cooldown_ms
		RETURNING `+circuitColumns,
		service, threshold, toNanos(now), cooldown.Milliseconds(), threshold))
	if err != nil {
		return CircuitState{}, fmt.Errorf("record failure: %w", err)
	}
	return st, nil
}

const itemColumns = `seq, id, tenant_id, source, body, status, created_at, started_at, finished_at, error`

func scanItem(row interface{ Scan(...any) error }) (QueueItem, error) {
	var (
		it                QueueItem
		body, status      string
		created           int64
		started, finished sql.NullInt64
		errText           sql.NullString
	)
	if err := row.Scan(&it.Seq, &it.ID, &it.TenantID, &it.Source, &body, &status, &created, &started, &finished, &errText); err != nil {
		return QueueItem{}, err
	}
	it.Body = json.RawMessage(body)
	it.Status = ItemStatus(status)
	it.CreatedAt = fromNanos(created)
	if started.Valid {
		it.StartedAt = ptrTime(fromNanos(started.Int64))
	}
	if finished.Valid {
		it.FinishedAt = ptrTime(fromNanos(finished.Int64))
	}
	it.Error = errText.String
	return it, nil
}

func collectItems(rows *sql.Rows) ([]QueueItem, error) {
	defer rows.Close()
	var out []QueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// EnqueueItem implements QueueStore.
func (s *SQLStore) EnqueueItem(ctx context.Context, item NewItem, now time.Time) (QueueItem, error) {
	release, err := s.open()
	if err != nil {
		return QueueItem{}, err
	}
	defer release()

	body := string(item.Body)
	if body == "" {
		body = "null"
	}
	stored, err := scanItem(s.queryRow(ctx, `
		INSERT INTO queue_items (id, tenant_id, source, body, status, created_at)
		VALUES (?, ?, ?, ?, 'queued', ?)
		RETURNING `+itemColumns,
		uuid.NewString(), item.TenantID, item.Source, body, toNanos(now)))
	if err != nil {
		return QueueItem{}, fmt.Errorf("enqueue item: %w", err)
	}
	return stored, nil
}

// ClaimQueued implements QueueStore.
func (s *SQLStore) ClaimQueued(ctx context.Context, tenantID string, limit int, now time.Time) ([]QueueItem, error) {
	release, err := s.open()
	if err != nil {
		return nil, err
	}
	defer release()
	if limit <= 0 {
		return nil, nil
	}

	args := []any{toNanos(now)}
	tenantClause := ""
	if tenantID != "" {
		tenantClause = " AND tenant_id = ?"
		args = append(args, tenantID)
	}
	args = append(args, limit)

	rows, err := s.query(ctx, `
		UPDATE queue_items
		SET status = 'processing', started_at = ?
		WHERE status = 'queued' AND id IN (
			SELECT id FROM queue_items
			WHERE status = 'queued'`+tenantClause+`
			ORDER BY created_at, seq
			LIMIT ?`+s.dialect.claimLock+`
		)
		RETURNING `+itemColumns, args...)
	if err != nil {
		return nil, fmt.Errorf("claim queued: %w", err)
	}
	claimed, err := collectItems(rows)
	if err != nil {
		return nil, fmt.Errorf("claim queued: %w", err)
	}

	// RETURNING order is unspecified.
	sort.Slice(claimed, func(i, j int) bool {
		if !claimed[i].CreatedAt.Equal(claimed[j].CreatedAt) {
			return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
		}
		return claimed[i].Seq < claimed[j].Seq
	})
	return claimed, nil
}

func (s *SQLStore) transition(ctx context.Context, op, query string, args ...any) error {
	release, err := s.open()
	if err != nil {
		return err
	}
	defer release()

	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// CompleteItem implements QueueStore.
func (s *SQLStore) CompleteItem(ctx context.Context, id string, now time.Time) error {
	return s.transition(ctx, "complete item", `
		UPDATE queue_items SET status = 'done', finished_at = ?
		WHERE id = ? AND status = 'processing'`,
		toNanos(now), id)
}

// FailItem implements QueueStore.
func (s *SQLStore) FailItem(ctx context.Context, id string, errText string, now time.Time) error {
	return s.transition(ctx, "fail item", `
		UPDATE queue_items SET status = 'failed', error = ?, finished_at = ?
		WHERE id = ? AND status = 'processing'`,
		errText, toNanos(now), id)
}

// ReclaimStale implements QueueStore.
func (s *SQLStore) ReclaimStale(ctx context.Context, startedBefore time.Time) (int64, error) {
	release, err := s.open()
	if err != nil {
		return 0, err
	}
	defer release()

	res, err := s.exec(ctx, `
		UPDATE queue_items SET status = 'queued', started_at = NULL
		WHERE status = 'processing' AND started_at < ?`,
		toNanos(startedBefore))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	return res.RowsAffected()
}

// GetItem implements QueueStore.
func (s *SQLStore) GetItem(ctx context.Context, id string) (QueueItem, error) {
	release, err := s.open()
	if err != nil {
		return QueueItem{}, err
	}
	defer release()

	it, err := scanItem(s.queryRow(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return QueueItem{}, ErrNotFound
	}
	if err != nil {
		return QueueItem{}, fmt.Errorf("get item: %w", err)
	}
	return it, nil
}

func itemWhere(tenantID string, status ItemStatus) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if tenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, tenantID)
	}
	if status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(status))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListItems implements QueueStore.
func (s *SQLStore) ListItems(ctx context.Context, filter ItemFilter) ([]QueueItem, error) {
	release, err := s.open()
	if err != nil {
		return nil, err
	}
	defer release()

	where, args := itemWhere(filter.TenantID, filter.Status)
	q := `SELECT ` + itemColumns + ` FROM queue_items` + where + ` ORDER BY created_at, seq`
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

// CountItems implements QueueStore.
func (s *SQLStore) CountItems(ctx context.Context, tenantID string, status ItemStatus) (int, error) {
	release, err := s.open()
	if err != nil {
		return 0, err
	}
	defer release()

	where, args := itemWhere(tenantID, status)
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM queue_items`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}

const deadLetterColumns = `id, fn, tenant_id, payload, error, retry_count, created_at, last_retry_at`

func scanDeadLetter(row interface{ Scan(...any) error }) (DeadLetter, error) {
	var (
		dl        DeadLetter
		created   int64
		lastRetry sql.NullInt64
	)
	if err := row.Scan(&dl.ID, &dl.Fn, &dl.TenantID, &dl.Payload, &dl.Error, &dl.RetryCount, &created, &lastRetry); err != nil {
		return DeadLetter{}, err
	}
	dl.CreatedAt = fromNanos(created)
	if lastRetry.Valid {
		dl.LastRetryAt = ptrTime(fromNanos(lastRetry.Int64))
	}
	return dl, nil
}

// InsertDeadLetter implements DeadLetterStore.
func (s *SQLStore) InsertDeadLetter(ctx context.Context, dl NewDeadLetter, now time.Time) (DeadLetter, error) {
	release, err := s.open()
	if err != nil {
		return DeadLetter{}, err
	}
	defer release()

	tenantID := dl.TenantID
	if tenantID == "" {
		tenantID = DefaultTenant
	}
	stored, err := scanDeadLetter(s.queryRow(ctx, `
		INSERT INTO dead_letters (id, fn, tenant_id, payload, error, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		RETURNING `+deadLetterColumns,
		uuid.NewString(), dl.Fn, tenantID, dl.Payload, dl.Error, toNanos(now)))
	if err != nil {
		return DeadLetter{}, fmt.Errorf("insert dead letter: %w", err)
	}
	return stored, nil
}

// ListRedrivable implements DeadLetterStore.
func (s *SQLStore) ListRedrivable(ctx context.Context, maxRetryCount, limit int) ([]DeadLetter, error) {
	release, err := s.open()
	if err != nil {
		return nil, err
	}
	defer release()

	q := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE retry_count < ? ORDER BY created_at, seq`
	args := []any{maxRetryCount}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list redrivable: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// RecordRedriveAttempt implements DeadLetterStore.
func (s *SQLStore) RecordRedriveAttempt(ctx context.Context, id string, now time.Time) error {
	release, err := s.open()
	if err != nil {
		return err
	}
	defer release()

	res, err := s.exec(ctx, `
		UPDATE dead_letters SET retry_count = retry_count + 1, last_retry_at = ?
		WHERE id = ?`,
		toNanos(now), id)
	if err != nil {
		return fmt.Errorf("record redrive attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record redrive attempt rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDeadLetter implements DeadLetterStore.
func (s *SQLStore) GetDeadLetter(ctx context.Context, id string) (DeadLetter, error) {
	release, err := s.open()
	if err != nil {
		return DeadLetter{}, err
	}
	defer release()

	dl, err := scanDeadLetter(s.queryRow(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return DeadLetter{}, ErrNotFound
	}
	if err != nil {
		return DeadLetter{}, fmt.Errorf("get dead letter: %w", err)
	}
	return dl, nil
}

// Ping implements Store.
func (s *SQLStore) Ping(ctx context.Context) error {
	release, err := s.open()
	if err != nil {
		return err
	}
	defer release()
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
