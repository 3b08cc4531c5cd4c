package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
  id              BIGSERIAL PRIMARY KEY,
  key             TEXT NOT NULL DEFAULT '',
  origin          TEXT NOT NULL,
  kind            TEXT NOT NULL,
  payload         BYTEA NOT NULL,
  recipient       TEXT,
  attachment      TEXT,
  dedup_key       TEXT,
  status          TEXT NOT NULL,
  attempt_count   INTEGER NOT NULL DEFAULT 0,
  created_at      TIMESTAMPTZ NOT NULL,
  next_attempt_at TIMESTAMPTZ,
  locked_at       TIMESTAMPTZ,
  delivered_at    TIMESTAMPTZ,
  last_error      TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_dedup
  ON %[1]s(origin, dedup_key) WHERE dedup_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_%[1]s_eligible
  ON %[1]s(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_%[1]s_key
  ON %[1]s(key, id);
`

// Parameters: pending, failed, now, processing, lockCutoff.
const postgresEligibleWhere = `(
  (status IN ($1, $2) AND next_attempt_at IS NOT NULL AND next_attempt_at <= $3)
  OR (status = $4 AND locked_at IS NOT NULL AND locked_at <= $5)
)`

type PostgresOption func(*PostgresStore)

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

type PostgresStore struct {
	db    *sql.DB
	table string

	mu    sync.Mutex
	nowFn func() time.Time
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(dsn string, inst Instance, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}
	table, err := inst.table()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	s := &PostgresStore{
		db:    db,
		table: table,
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.ExecContext(context.Background(), fmt.Sprintf(postgresSchema, table)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate %s: %w", table, err)
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Enqueue(row Row) (int64, error) {
	now := s.now()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.NextAttemptAt.IsZero() {
		row.NextAttemptAt = row.CreatedAt
	}
	if row.Status == "" {
		row.Status = StatusPending
	}
	if row.Kind == "" {
		row.Kind = KindText
	}
	if row.Payload == nil {
		row.Payload = []byte{}
	}

	var id int64
	err := s.db.QueryRowContext(context.Background(), fmt.Sprintf(`
INSERT INTO %s (
  key, origin, kind, payload, recipient, attachment, dedup_key,
  status, attempt_count, created_at, next_attempt_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10)
RETURNING id;
`, s.table),
		row.Key,
		row.Origin,
		string(row.Kind),
		row.Payload,
		nullString(row.Recipient),
		nullString(row.Attachment),
		nullString(row.DedupKey),
		string(row.Status),
		row.CreatedAt.UTC(),
		row.NextAttemptAt.UTC(),
	).Scan(&id)
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("postgres: enqueue: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) FetchEligible(key string, limit int, now, lockCutoff time.Time) ([]Row, error) {
	if limit <= 0 {
		limit = 1
	}

	query := fmt.Sprintf(`
SELECT id, key, origin, kind, payload, recipient, attachment, dedup_key,
  status, attempt_count, created_at, next_attempt_at, locked_at,
  delivered_at, last_error
FROM %s
WHERE `+postgresEligibleWhere, s.table)
	args := []any{
		string(StatusPending), string(StatusFailed), now.UTC(),
		string(StatusProcessing), lockCutoff.UTC(),
	}
	if key != "" {
		query += fmt.Sprintf(" AND key = $%d", len(args)+1)
		args = append(args, key)
	}
	query += fmt.Sprintf(" ORDER BY id ASC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch eligible: %w", err)
	}
	defer rows.Close()

	out := make([]Row, 0, limit)
	for rows.Next() {
		row, err := scanPostgresRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: fetch eligible: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Claim(id int64, now, lockCutoff time.Time) (bool, error) {
	res, err := s.db.ExecContext(context.Background(), fmt.Sprintf(`
UPDATE %s
SET status = $6, locked_at = $7
WHERE id = $8 AND `+postgresEligibleWhere, s.table),
		string(StatusPending), string(StatusFailed), now.UTC(),
		string(StatusProcessing), lockCutoff.UTC(),
		string(StatusProcessing), now.UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: claim: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) MarkDelivered(id int64, now time.Time) error {
	res, err := s.db.ExecContext(context.Background(), fmt.Sprintf(`
UPDATE %s
SET status = $1, delivered_at = $2, locked_at = NULL, last_error = NULL
WHERE id = $3;
`, s.table),
		string(StatusDelivered),
		now.UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark delivered: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) MarkFailed(id int64, nextAttemptAt time.Time, cause string) error {
	var next any
	if !nextAttemptAt.IsZero() {
		next = nextAttemptAt.UTC()
	}
	res, err := s.db.ExecContext(context.Background(), fmt.Sprintf(`
UPDATE %s
SET status = $1, attempt_count = attempt_count + 1,
  next_attempt_at = $2, locked_at = NULL, last_error = $3
WHERE id = $4;
`, s.table),
		string(StatusFailed),
		next,
		nullString(cause),
		id,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark failed: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) ExpireKey(key string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(context.Background(), fmt.Sprintf(`
UPDATE %s
SET status = $1, locked_at = NULL, next_attempt_at = NULL
WHERE key = $2 AND status IN ($3, $4, $5);
`, s.table),
		string(StatusExpired),
		key,
		string(StatusPending), string(StatusProcessing), string(StatusFailed),
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: expire key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: expire key: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) KeysWithPending() ([]string, error) {
	rows, err := s.db.QueryContext(context.Background(), fmt.Sprintf(`
SELECT DISTINCT key FROM %s
WHERE key != '' AND status IN ($1, $2, $3)
ORDER BY key;
`, s.table),
		string(StatusPending), string(StatusProcessing), string(StatusFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: keys with pending: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("postgres: keys with pending: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: keys with pending: %w", err)
	}
	return keys, nil
}

func (s *PostgresStore) Cleanup(olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(context.Background(), fmt.Sprintf(`
DELETE FROM %s
WHERE status IN ($1, $2) AND created_at <= $3;
`, s.table),
		string(StatusDelivered), string(StatusExpired),
		olderThan.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: cleanup: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) Stats() (Stats, error) {
	stats := Stats{ByStatus: make(map[Status]int)}

	rows, err := s.db.QueryContext(context.Background(), fmt.Sprintf(`
SELECT status, COUNT(*) FROM %s GROUP BY status;
`, s.table))
	if err != nil {
		return Stats{}, fmt.Errorf("postgres: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("postgres: stats: %w", err)
		}
		stats.ByStatus[Status(status)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("postgres: stats: %w", err)
	}

	var oldest sql.NullTime
	err = s.db.QueryRowContext(context.Background(), fmt.Sprintf(`
SELECT MIN(created_at) FROM %s WHERE status IN ($1, $2, $3);
`, s.table),
		string(StatusPending), string(StatusProcessing), string(StatusFailed),
	).Scan(&oldest)
	if err != nil {
		return Stats{}, fmt.Errorf("postgres: stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingCreatedAt = oldest.Time.UTC()
		stats.OldestPendingAge = s.now().Sub(stats.OldestPendingCreatedAt)
		if stats.OldestPendingAge < 0 {
			stats.OldestPendingAge = 0
		}
	}
	return stats, nil
}

func (s *PostgresStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn()
}

func scanPostgresRow(sc rowScanner) (Row, error) {
	var (
		row           Row
		kind          string
		status        string
		recipient     sql.NullString
		attachment    sql.NullString
		dedupKey      sql.NullString
		createdAt     time.Time
		nextAttemptAt sql.NullTime
		lockedAt      sql.NullTime
		deliveredAt   sql.NullTime
		lastError     sql.NullString
	)
	if err := sc.Scan(
		&row.ID,
		&row.Key,
		&row.Origin,
		&kind,
		&row.Payload,
		&recipient,
		&attachment,
		&dedupKey,
		&status,
		&row.AttemptCount,
		&createdAt,
		&nextAttemptAt,
		&lockedAt,
		&deliveredAt,
		&lastError,
	); err != nil {
		return Row{}, fmt.Errorf("postgres: scan row: %w", err)
	}
	row.Kind = Kind(kind)
	row.Status = Status(status)
	row.Recipient = recipient.String
	row.Attachment = attachment.String
	row.DedupKey = dedupKey.String
	row.CreatedAt = createdAt.UTC()
	if nextAttemptAt.Valid {
		row.NextAttemptAt = nextAttemptAt.Time.UTC()
	}
	if lockedAt.Valid {
		row.LockedAt = lockedAt.Time.UTC()
	}
	if deliveredAt.Valid {
		row.DeliveredAt = deliveredAt.Time.UTC()
	}
	row.LastError = lastError.String
	return row, nil
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505"
}
