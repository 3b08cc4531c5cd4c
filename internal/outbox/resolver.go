package outbox

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Recipient is the resolved delivery identity for a notification channel,
// e.g. the chat id a Telegram sender posts to.
type Recipient struct {
	Channel   string
	Transport string
	Target    string
}

// LoadFunc produces the current recipient table, typically by re-reading
// the daemon configuration.
type LoadFunc func() ([]Recipient, error)

// Resolver caches channel-to-recipient resolution. Recipient configuration
// changes rarely, so the table is loaded once and reused until Invalidate
// flips the dirty flag (wired to a config file watcher), not recomputed
// per row.
type Resolver struct {
	load LoadFunc

	dirty atomic.Bool

	mu    sync.Mutex
	cache map[string]Recipient
}

func NewResolver(load LoadFunc) *Resolver {
	r := &Resolver{load: load}
	r.dirty.Store(true)
	return r
}

// Invalidate marks the cached table stale; the next Resolve reloads it.
func (r *Resolver) Invalidate() {
	r.dirty.Store(true)
}

func (r *Resolver) Resolve(channel string) (Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dirty.Swap(false) || r.cache == nil {
		recipients, err := r.load()
		if err != nil {
			// Keep the flag set so the next call retries the load; a
			// stale cache, if present, still serves lookups.
			r.dirty.Store(true)
			if r.cache == nil {
				return Recipient{}, fmt.Errorf("outbox: load recipients: %w", err)
			}
		} else {
			cache := make(map[string]Recipient, len(recipients))
			for _, rec := range recipients {
				cache[rec.Channel] = rec
			}
			r.cache = cache
		}
	}

	rec, ok := r.cache[channel]
	if !ok {
		return Recipient{}, fmt.Errorf("outbox: no recipient configured for channel %q", channel)
	}
	return rec, nil
}
