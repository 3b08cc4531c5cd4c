package queue

import (
	"sort"
	"sync"
	"time"
)

type MemoryOption func(*MemoryStore)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// MemoryStore keeps queue rows in process memory. It exists for tests and
// throwaway runs; the durability guarantees obviously do not apply.
type MemoryStore struct {
	mu     sync.Mutex
	nowFn  func() time.Time
	nextID int64
	rows   map[int64]*Row
	dedup  map[string]int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		nowFn: time.Now,
		rows:  make(map[int64]*Row),
		dedup: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Close() error { return nil }

func dedupIndexKey(origin, dedupKey string) string {
	return origin + "\x00" + dedupKey
}

func (s *MemoryStore) Enqueue(row Row) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row.DedupKey != "" {
		if _, ok := s.dedup[dedupIndexKey(row.Origin, row.DedupKey)]; ok {
			return 0, ErrDuplicate
		}
	}

	now := s.nowFn()
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

	s.nextID++
	row.ID = s.nextID
	stored := row
	s.rows[row.ID] = &stored
	if row.DedupKey != "" {
		s.dedup[dedupIndexKey(row.Origin, row.DedupKey)] = row.ID
	}
	return row.ID, nil
}

func eligible(row *Row, now, lockCutoff time.Time) bool {
	switch row.Status {
	case StatusPending, StatusFailed:
		return !row.NextAttemptAt.IsZero() && !row.NextAttemptAt.After(now)
	case StatusProcessing:
		return !row.LockedAt.IsZero() && !row.LockedAt.After(lockCutoff)
	default:
		return false
	}
}

func (s *MemoryStore) FetchEligible(key string, limit int, now, lockCutoff time.Time) ([]Row, error) {
	if limit <= 0 {
		limit = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.rows))
	for id, row := range s.rows {
		if key != "" && row.Key != key {
			continue
		}
		if eligible(row, now, lockCutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]Row, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.rows[id])
	}
	return out, nil
}

func (s *MemoryStore) Claim(id int64, now, lockCutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok || !eligible(row, now, lockCutoff) {
		return false, nil
	}
	row.Status = StatusProcessing
	row.LockedAt = now
	return true, nil
}

func (s *MemoryStore) MarkDelivered(id int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return ErrRowNotFound
	}
	row.Status = StatusDelivered
	row.DeliveredAt = now
	row.LockedAt = time.Time{}
	row.LastError = ""
	return nil
}

func (s *MemoryStore) MarkFailed(id int64, nextAttemptAt time.Time, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return ErrRowNotFound
	}
	row.Status = StatusFailed
	row.AttemptCount++
	row.NextAttemptAt = nextAttemptAt
	row.LockedAt = time.Time{}
	row.LastError = cause
	return nil
}

func (s *MemoryStore) ExpireKey(key string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, row := range s.rows {
		if row.Key != key {
			continue
		}
		switch row.Status {
		case StatusPending, StatusProcessing, StatusFailed:
			row.Status = StatusExpired
			row.LockedAt = time.Time{}
			row.NextAttemptAt = time.Time{}
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) KeysWithPending() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	for _, row := range s.rows {
		if row.Key == "" {
			continue
		}
		switch row.Status {
		case StatusPending, StatusProcessing, StatusFailed:
			seen[row.Key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Cleanup(olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, row := range s.rows {
		switch row.Status {
		case StatusDelivered, StatusExpired:
		default:
			continue
		}
		if row.CreatedAt.After(olderThan) {
			continue
		}
		if row.DedupKey != "" {
			delete(s.dedup, dedupIndexKey(row.Origin, row.DedupKey))
		}
		delete(s.rows, id)
		count++
	}
	return count, nil
}

func (s *MemoryStore) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{ByStatus: make(map[Status]int)}
	var oldest time.Time
	for _, row := range s.rows {
		stats.ByStatus[row.Status]++
		stats.Total++
		switch row.Status {
		case StatusPending, StatusProcessing, StatusFailed:
			if oldest.IsZero() || row.CreatedAt.Before(oldest) {
				oldest = row.CreatedAt
			}
		}
	}
	if !oldest.IsZero() {
		stats.OldestPendingCreatedAt = oldest.UTC()
		stats.OldestPendingAge = s.nowFn().Sub(oldest)
		if stats.OldestPendingAge < 0 {
			stats.OldestPendingAge = 0
		}
	}
	return stats, nil
}
