package queue

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

type storeFactory struct {
	name string
	new  func(t *testing.T, inst Instance, now *time.Time) Store
}

func contractStoreFactories() []storeFactory {
	out := []storeFactory{
		{
			name: "memory",
			new: func(t *testing.T, _ Instance, now *time.Time) Store {
				t.Helper()
				return NewMemoryStore(
					WithNowFunc(func() time.Time { return now.UTC() }),
				)
			},
		},
		{
			name: "sqlite",
			new: func(t *testing.T, inst Instance, now *time.Time) Store {
				t.Helper()
				dbPath := filepath.Join(t.TempDir(), "kaiwa.db")
				s, err := NewSQLiteStore(dbPath, inst,
					WithSQLiteNowFunc(func() time.Time { return now.UTC() }),
				)
				if err != nil {
					t.Fatalf("new sqlite store: %v", err)
				}
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
	}

	dsn := strings.TrimSpace(os.Getenv("KAIWA_TEST_POSTGRES_DSN"))
	if dsn != "" {
		out = append(out, storeFactory{
			name: "postgres",
			new: func(t *testing.T, inst Instance, now *time.Time) Store {
				t.Helper()
				s, err := NewPostgresStore(dsn, inst,
					WithPostgresNowFunc(func() time.Time { return now.UTC() }),
				)
				if err != nil {
					t.Fatalf("new postgres store: %v", err)
				}
				t.Cleanup(func() {
					_ = s.truncateForTest()
					_ = s.Close()
				})
				return s
			},
		})
	}

	return out
}

func mustEnqueue(t *testing.T, store Store, row Row) int64 {
	t.Helper()
	id, err := store.Enqueue(row)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func TestStoreContract_FIFOWithinKey(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
			store := factory.new(t, InstanceInbound, &now)

			want := []string{"first", "second", "third"}
			for _, payload := range want {
				mustEnqueue(t, store, Row{Key: "sess-1", Origin: "telegram", Payload: []byte(payload)})
			}
			mustEnqueue(t, store, Row{Key: "sess-2", Origin: "telegram", Payload: []byte("other key")})

			lockCutoff := now.Add(-10 * time.Minute)
			got := make([]string, 0, len(want))
			for i := 0; i < len(want); i++ {
				rows, err := store.FetchEligible("sess-1", 1, now, lockCutoff)
				if err != nil {
					t.Fatalf("fetch %d: %v", i+1, err)
				}
				if len(rows) != 1 {
					t.Fatalf("fetch %d rows=%d, want 1", i+1, len(rows))
				}
				row := rows[0]
				claimed, err := store.Claim(row.ID, now, lockCutoff)
				if err != nil {
					t.Fatalf("claim %d: %v", i+1, err)
				}
				if !claimed {
					t.Fatalf("claim %d not granted", i+1)
				}
				got = append(got, string(row.Payload))
				if err := store.MarkDelivered(row.ID, now); err != nil {
					t.Fatalf("mark delivered %d: %v", i+1, err)
				}
			}

			if !reflect.DeepEqual(got, want) {
				t.Fatalf("delivery order=%v, want %v", got, want)
			}
		})
	}
}

func TestStoreContract_DedupByOriginAndKey(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 8, 20, 9, 5, 0, 0, time.UTC)
			store := factory.new(t, InstanceInbound, &now)

			mustEnqueue(t, store, Row{Key: "sess-1", Origin: "telegram", Payload: []byte("a"), DedupKey: "upd-42"})

			if _, err := store.Enqueue(Row{Key: "sess-1", Origin: "telegram", Payload: []byte("a again"), DedupKey: "upd-42"}); !errors.Is(err, ErrDuplicate) {
				t.Fatalf("duplicate enqueue err=%v, want ErrDuplicate", err)
			}

			// Same dedup key from a different origin is a distinct message.
			mustEnqueue(t, store, Row{Key: "sess-1", Origin: "discord", Payload: []byte("b"), DedupKey: "upd-42"})

			// Rows without a dedup key never collide.
			mustEnqueue(t, store, Row{Key: "sess-1", Origin: "telegram", Payload: []byte("c")})
			mustEnqueue(t, store, Row{Key: "sess-1", Origin: "telegram", Payload: []byte("d")})

			stats, err := store.Stats()
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			if stats.Total != 4 {
				t.Fatalf("total rows=%d, want 4", stats.Total)
			}
		})
	}
}

func TestStoreContract_FailedRowRequeuesAfterBackoff(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 8, 20, 9, 10, 0, 0, time.UTC)
			store := factory.new(t, InstanceInbound, &now)

			id := mustEnqueue(t, store, Row{Key: "sess-1", Origin: "telegram", Payload: []byte("flaky")})

			lockCutoff := now.Add(-10 * time.Minute)
			claimed, err := store.Claim(id, now, lockCutoff)
			if err != nil || !claimed {
				t.Fatalf("claim: claimed=%v err=%v", claimed, err)
			}
			if err := store.MarkFailed(id, now.Add(5*time.Second), "terminal busy"); err != nil {
				t.Fatalf("mark failed: %v", err)
			}

			rows, err := store.FetchEligible("sess-1", 1, now, lockCutoff)
			if err != nil {
				t.Fatalf("fetch before backoff: %v", err)
			}
			if len(rows) != 0 {
				t.Fatalf("fetch before backoff rows=%d, want 0", len(rows))
			}

			now = now.Add(6 * time.Second)
			rows, err = store.FetchEligible("sess-1", 1, now, now.Add(-10*time.Minute))
			if err != nil {
				t.Fatalf("fetch after backoff: %v", err)
			}
			if len(rows) != 1 {
				t.Fatalf("fetch after backoff rows=%d, want 1", len(rows))
			}
			row := rows[0]
			if row.Status != StatusFailed {
				t.Fatalf("status=%q, want failed", row.Status)
			}
			if row.AttemptCount != 1 {
				t.Fatalf("attempt_count=%d, want 1", row.AttemptCount)
			}
			if row.LastError != "terminal busy" {
				t.Fatalf("last_error=%q, want %q", row.LastError, "terminal busy")
			}
		})
	}
}

func TestStoreContract_StaleLockReclaim(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 8, 20, 9, 15, 0, 0, time.UTC)
			store := factory.new(t, InstanceInbound, &now)

			id := mustEnqueue(t, store, Row{Key: "sess-1", Origin: "telegram", Payload: []byte("abandoned")})

			claimed, err := store.Claim(id, now, now.Add(-10*time.Minute))
			if err != nil || !claimed {
				t.Fatalf("claim: claimed=%v err=%v", claimed, err)
			}

			// Fresh lock: the row is held, a second claim must lose.
			claimed, err = store.Claim(id, now, now.Add(-10*time.Minute))
			if err != nil {
				t.Fatalf("second claim: %v", err)
			}
			if claimed {
				t.Fatal("second claim succeeded on a held row")
			}

			// The lock goes stale once it is older than the cutoff.
			now = now.Add(11 * time.Minute)
			rows, err := store.FetchEligible("sess-1", 1, now, now.Add(-10*time.Minute))
			if err != nil {
				t.Fatalf("fetch stale: %v", err)
			}
			if len(rows) != 1 {
				t.Fatalf("fetch stale rows=%d, want 1", len(rows))
			}
			claimed, err = store.Claim(id, now, now.Add(-10*time.Minute))
			if err != nil {
				t.Fatalf("reclaim: %v", err)
			}
			if !claimed {
				t.Fatal("reclaim of stale lock failed")
			}
		})
	}
}

func TestStoreContract_PermanentParkNeverEligible(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 8, 20, 9, 20, 0, 0, time.UTC)
			store := factory.new(t, InstanceOutbox, &now)

			id := mustEnqueue(t, store, Row{Origin: "telegram", Payload: []byte("dead letter")})

			claimed, err := store.Claim(id, now, now.Add(-5*time.Minute))
			if err != nil || !claimed {
				t.Fatalf("claim: claimed=%v err=%v", claimed, err)
			}
			if err := store.MarkFailed(id, time.Time{}, "max_attempts: recipient gone"); err != nil {
				t.Fatalf("mark failed: %v", err)
			}

			now = now.Add(365 * 24 * time.Hour)
			rows, err := store.FetchEligible("", 10, now, now.Add(-5*time.Minute))
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}
			if len(rows) != 0 {
				t.Fatalf("parked row became eligible: %v", rows)
			}
		})
	}
}

func TestStoreContract_ExpireKey(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 8, 20, 9, 25, 0, 0, time.UTC)
			store := factory.new(t, InstanceInbound, &now)

			lockCutoff := now.Add(-10 * time.Minute)

			mustEnqueue(t, store, Row{Key: "sess-1", Origin: "telegram", Payload: []byte("p")})
			processing := mustEnqueue(t, store, Row{Key: "sess-1", Origin: "telegram", Payload: []byte("pr")})
			if claimed, err := store.Claim(processing, now, lockCutoff); err != nil || !claimed {
				t.Fatalf("claim: claimed=%v err=%v", claimed, err)
			}
			delivered := mustEnqueue(t, store, Row{Key: "sess-1", Origin: "telegram", Payload: []byte("d")})
			if err := store.MarkDelivered(delivered, now); err != nil {
				t.Fatalf("mark delivered: %v", err)
			}
			mustEnqueue(t, store, Row{Key: "sess-2", Origin: "telegram", Payload: []byte("other")})

			n, err := store.ExpireKey("sess-1", now)
			if err != nil {
				t.Fatalf("expire key: %v", err)
			}
			if n != 2 {
				t.Fatalf("expired rows=%d, want 2", n)
			}

			stats, err := store.Stats()
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			if got := stats.ByStatus[StatusExpired]; got != 2 {
				t.Fatalf("expired count=%d, want 2", got)
			}
			if got := stats.ByStatus[StatusDelivered]; got != 1 {
				t.Fatalf("delivered count=%d, want 1", got)
			}

			// The untouched key still has work.
			keys, err := store.KeysWithPending()
			if err != nil {
				t.Fatalf("keys with pending: %v", err)
			}
			if len(keys) != 1 || keys[0] != "sess-2" {
				t.Fatalf("keys=%v, want [sess-2]", keys)
			}
		})
	}
}

func TestStoreContract_KeysWithPending(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)
			store := factory.new(t, InstanceInbound, &now)

			keys, err := store.KeysWithPending()
			if err != nil {
				t.Fatalf("keys with pending (empty): %v", err)
			}
			if len(keys) != 0 {
				t.Fatalf("keys=%v, want none", keys)
			}

			mustEnqueue(t, store, Row{Key: "sess-b", Origin: "telegram", Payload: []byte("1")})
			mustEnqueue(t, store, Row{Key: "sess-a", Origin: "telegram", Payload: []byte("2")})
			mustEnqueue(t, store, Row{Key: "sess-a", Origin: "telegram", Payload: []byte("3")})
			done := mustEnqueue(t, store, Row{Key: "sess-c", Origin: "telegram", Payload: []byte("4")})
			if err := store.MarkDelivered(done, now); err != nil {
				t.Fatalf("mark delivered: %v", err)
			}

			keys, err = store.KeysWithPending()
			if err != nil {
				t.Fatalf("keys with pending: %v", err)
			}
			if !reflect.DeepEqual(keys, []string{"sess-a", "sess-b"}) {
				t.Fatalf("keys=%v, want [sess-a sess-b]", keys)
			}
		})
	}
}

func TestStoreContract_CleanupKeepsUndelivered(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 8, 20, 9, 35, 0, 0, time.UTC)
			store := factory.new(t, InstanceInbound, &now)

			old := mustEnqueue(t, store, Row{Key: "sess-1", Origin: "telegram", Payload: []byte("old"), DedupKey: "upd-1"})
			if err := store.MarkDelivered(old, now); err != nil {
				t.Fatalf("mark delivered: %v", err)
			}
			mustEnqueue(t, store, Row{Key: "sess-1", Origin: "telegram", Payload: []byte("still pending")})

			now = now.Add(8 * 24 * time.Hour)
			fresh := mustEnqueue(t, store, Row{Key: "sess-1", Origin: "telegram", Payload: []byte("fresh")})
			if err := store.MarkDelivered(fresh, now); err != nil {
				t.Fatalf("mark delivered fresh: %v", err)
			}

			n, err := store.Cleanup(now.Add(-7 * 24 * time.Hour))
			if err != nil {
				t.Fatalf("cleanup: %v", err)
			}
			if n != 1 {
				t.Fatalf("cleanup removed=%d, want 1", n)
			}

			stats, err := store.Stats()
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			if stats.Total != 2 {
				t.Fatalf("total after cleanup=%d, want 2", stats.Total)
			}

			// The removed row's dedup slot is free again.
			mustEnqueue(t, store, Row{Key: "sess-1", Origin: "telegram", Payload: []byte("reuse"), DedupKey: "upd-1"})
		})
	}
}

func TestStoreContract_StatsOldestPending(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 8, 20, 9, 40, 0, 0, time.UTC)
			store := factory.new(t, InstanceOutbox, &now)

			stats, err := store.Stats()
			if err != nil {
				t.Fatalf("stats (empty): %v", err)
			}
			if stats.Total != 0 || stats.OldestPendingAge != 0 {
				t.Fatalf("empty stats=%+v", stats)
			}

			mustEnqueue(t, store, Row{Origin: "telegram", Payload: []byte("n1")})
			now = now.Add(90 * time.Second)
			mustEnqueue(t, store, Row{Origin: "telegram", Payload: []byte("n2")})

			stats, err = store.Stats()
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			if got := stats.ByStatus[StatusPending]; got != 2 {
				t.Fatalf("pending=%d, want 2", got)
			}
			if stats.OldestPendingAge != 90*time.Second {
				t.Fatalf("oldest pending age=%v, want 90s", stats.OldestPendingAge)
			}
		})
	}
}

func TestStoreContract_MarkUnknownRow(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 8, 20, 9, 45, 0, 0, time.UTC)
			store := factory.new(t, InstanceInbound, &now)

			if err := store.MarkDelivered(9999, now); !errors.Is(err, ErrRowNotFound) {
				t.Fatalf("mark delivered unknown err=%v, want ErrRowNotFound", err)
			}
			if err := store.MarkFailed(9999, now, "x"); !errors.Is(err, ErrRowNotFound) {
				t.Fatalf("mark failed unknown err=%v, want ErrRowNotFound", err)
			}
		})
	}
}
