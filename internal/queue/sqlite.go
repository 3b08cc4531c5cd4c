package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite3 "modernc.org/sqlite"
)

const sqliteSchemaVersion = 2

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS %[1]s (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  key             TEXT NOT NULL DEFAULT '',
  origin          TEXT NOT NULL,
  kind            TEXT NOT NULL,
  payload         BLOB NOT NULL,
  recipient       TEXT,
  attachment      TEXT,
  dedup_key       TEXT,
  status          TEXT NOT NULL,
  attempt_count   INTEGER NOT NULL DEFAULT 0,
  created_at      INTEGER NOT NULL,
  next_attempt_at INTEGER,
  locked_at       INTEGER,
  delivered_at    INTEGER,
  last_error      TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_dedup
  ON %[1]s(origin, dedup_key) WHERE dedup_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_%[1]s_eligible
  ON %[1]s(status, next_attempt_at);
`

const sqliteSchemaV2 = `
CREATE INDEX IF NOT EXISTS idx_%[1]s_key
  ON %[1]s(key, id);
`

// eligibleWhere is the shared eligibility predicate: due pending/failed
// rows, plus processing rows whose lock went stale. FetchEligible and
// Claim must agree on it so a fetched row is claimable unless a
// concurrent claim got there first.
// Parameters: pending, failed, now, processing, lockCutoff.
const eligibleWhere = `(
  (status IN (?, ?) AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?)
  OR (status = ? AND locked_at IS NOT NULL AND locked_at <= ?)
)`

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

type SQLiteStore struct {
	db    *sql.DB
	table string

	mu    sync.Mutex
	nowFn func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, inst Instance, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}
	table, err := inst.table()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:    db,
		table: table,
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}

	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  instance TEXT PRIMARY KEY,
  version  INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("sqlite: init migrations table: %w", err)
	}

	var current int
	err = conn.QueryRowContext(ctx,
		`SELECT version FROM schema_migrations WHERE instance = ?;`, s.table,
	).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: read schema_version: %w", err)
	}

	if current > sqliteSchemaVersion {
		return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, sqliteSchemaVersion)
	}

	for v := current + 1; v <= sqliteSchemaVersion; v++ {
		var stmt string
		switch v {
		case 1:
			stmt = sqliteSchemaV1
		case 2:
			stmt = sqliteSchemaV2
		default:
			return fmt.Errorf("sqlite: unknown migration %d", v)
		}
		if _, err := conn.ExecContext(ctx, fmt.Sprintf(stmt, s.table)); err != nil {
			return fmt.Errorf("sqlite: migrate %s v%d: %w", s.table, v, err)
		}
	}

	if current != sqliteSchemaVersion {
		if _, err := conn.ExecContext(ctx, `
INSERT INTO schema_migrations (instance, version) VALUES (?, ?)
ON CONFLICT(instance) DO UPDATE SET version = excluded.version;
`, s.table, sqliteSchemaVersion); err != nil {
			return fmt.Errorf("sqlite: write schema_version: %w", err)
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLiteStore) Enqueue(row Row) (int64, error) {
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

	res, err := s.db.ExecContext(context.Background(), fmt.Sprintf(`
INSERT INTO %s (
  key, origin, kind, payload, recipient, attachment, dedup_key,
  status, attempt_count, created_at, next_attempt_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?);
`, s.table),
		row.Key,
		row.Origin,
		string(row.Kind),
		row.Payload,
		nullString(row.Recipient),
		nullString(row.Attachment),
		nullString(row.DedupKey),
		string(row.Status),
		row.CreatedAt.UnixNano(),
		row.NextAttemptAt.UnixNano(),
	)
	if err != nil {
		if isSQLiteConstraintError(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("sqlite: enqueue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: enqueue id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) FetchEligible(key string, limit int, now, lockCutoff time.Time) ([]Row, error) {
	if limit <= 0 {
		limit = 1
	}

	query := fmt.Sprintf(`
SELECT id, key, origin, kind, payload, recipient, attachment, dedup_key,
  status, attempt_count, created_at, next_attempt_at, locked_at,
  delivered_at, last_error
FROM %s
WHERE `+eligibleWhere, s.table)
	args := []any{
		string(StatusPending), string(StatusFailed), now.UnixNano(),
		string(StatusProcessing), lockCutoff.UnixNano(),
	}
	if key != "" {
		query += " AND key = ?"
		args = append(args, key)
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: fetch eligible: %w", err)
	}
	defer rows.Close()

	out := make([]Row, 0, limit)
	for rows.Next() {
		row, err := scanSQLiteRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: fetch eligible: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Claim(id int64, now, lockCutoff time.Time) (bool, error) {
	res, err := s.db.ExecContext(context.Background(), fmt.Sprintf(`
UPDATE %s
SET status = ?, locked_at = ?
WHERE id = ? AND `+eligibleWhere, s.table),
		string(StatusProcessing),
		now.UnixNano(),
		id,
		string(StatusPending), string(StatusFailed), now.UnixNano(),
		string(StatusProcessing), lockCutoff.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: claim: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) MarkDelivered(id int64, now time.Time) error {
	res, err := s.db.ExecContext(context.Background(), fmt.Sprintf(`
UPDATE %s
SET status = ?, delivered_at = ?, locked_at = NULL, last_error = NULL
WHERE id = ?;
`, s.table),
		string(StatusDelivered),
		now.UnixNano(),
		id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: mark delivered: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) MarkFailed(id int64, nextAttemptAt time.Time, cause string) error {
	var next any
	if !nextAttemptAt.IsZero() {
		next = nextAttemptAt.UnixNano()
	}
	res, err := s.db.ExecContext(context.Background(), fmt.Sprintf(`
UPDATE %s
SET status = ?, attempt_count = attempt_count + 1,
  next_attempt_at = ?, locked_at = NULL, last_error = ?
WHERE id = ?;
`, s.table),
		string(StatusFailed),
		next,
		nullString(cause),
		id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: mark failed: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) ExpireKey(key string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(context.Background(), fmt.Sprintf(`
UPDATE %s
SET status = ?, locked_at = NULL, next_attempt_at = NULL
WHERE key = ? AND status IN (?, ?, ?);
`, s.table),
		string(StatusExpired),
		key,
		string(StatusPending), string(StatusProcessing), string(StatusFailed),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: expire key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: expire key: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) KeysWithPending() ([]string, error) {
	rows, err := s.db.QueryContext(context.Background(), fmt.Sprintf(`
SELECT DISTINCT key FROM %s
WHERE key != '' AND status IN (?, ?, ?)
ORDER BY key;
`, s.table),
		string(StatusPending), string(StatusProcessing), string(StatusFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: keys with pending: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("sqlite: keys with pending: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: keys with pending: %w", err)
	}
	return keys, nil
}

func (s *SQLiteStore) Cleanup(olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(context.Background(), fmt.Sprintf(`
DELETE FROM %s
WHERE status IN (?, ?) AND created_at <= ?;
`, s.table),
		string(StatusDelivered), string(StatusExpired),
		olderThan.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: cleanup: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Stats() (Stats, error) {
	stats := Stats{ByStatus: make(map[Status]int)}

	rows, err := s.db.QueryContext(context.Background(), fmt.Sprintf(`
SELECT status, COUNT(*) FROM %s GROUP BY status;
`, s.table))
	if err != nil {
		return Stats{}, fmt.Errorf("sqlite: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("sqlite: stats: %w", err)
		}
		stats.ByStatus[Status(status)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("sqlite: stats: %w", err)
	}

	var oldest sql.NullInt64
	err = s.db.QueryRowContext(context.Background(), fmt.Sprintf(`
SELECT MIN(created_at) FROM %s WHERE status IN (?, ?, ?);
`, s.table),
		string(StatusPending), string(StatusProcessing), string(StatusFailed),
	).Scan(&oldest)
	if err != nil {
		return Stats{}, fmt.Errorf("sqlite: stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingCreatedAt = time.Unix(0, oldest.Int64).UTC()
		stats.OldestPendingAge = s.now().Sub(stats.OldestPendingCreatedAt)
		if stats.OldestPendingAge < 0 {
			stats.OldestPendingAge = 0
		}
	}
	return stats, nil
}

func (s *SQLiteStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRow(sc rowScanner) (Row, error) {
	var (
		row           Row
		kind          string
		status        string
		recipient     sql.NullString
		attachment    sql.NullString
		dedupKey      sql.NullString
		createdAt     int64
		nextAttemptAt sql.NullInt64
		lockedAt      sql.NullInt64
		deliveredAt   sql.NullInt64
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
		return Row{}, fmt.Errorf("sqlite: scan row: %w", err)
	}
	row.Kind = Kind(kind)
	row.Status = Status(status)
	row.Recipient = recipient.String
	row.Attachment = attachment.String
	row.DedupKey = dedupKey.String
	row.CreatedAt = time.Unix(0, createdAt).UTC()
	if nextAttemptAt.Valid {
		row.NextAttemptAt = time.Unix(0, nextAttemptAt.Int64).UTC()
	}
	if lockedAt.Valid {
		row.LockedAt = time.Unix(0, lockedAt.Int64).UTC()
	}
	if deliveredAt.Valid {
		row.DeliveredAt = time.Unix(0, deliveredAt.Int64).UTC()
	}
	row.LastError = lastError.String
	return row, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRowNotFound
	}
	return nil
}

func nullString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func isSQLiteConstraintError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended sqlite result codes include the base code in the lower 8 bits.
	const sqliteConstraintBase = 19
	return sqliteErr.Code()&0xff == sqliteConstraintBase
}
