package outbox

import (
	"errors"
	"sync"
	"testing"
)

type countingLoader struct {
	mu         sync.Mutex
	loads      int
	recipients []Recipient
	err        error
}

func (l *countingLoader) load() ([]Recipient, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads++
	if l.err != nil {
		return nil, l.err
	}
	return l.recipients, nil
}

func (l *countingLoader) set(recipients []Recipient, err error) {
	l.mu.Lock()
	l.recipients = recipients
	l.err = err
	l.mu.Unlock()
}

func (l *countingLoader) loadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

func TestResolverCachesUntilInvalidated(t *testing.T) {
	loader := &countingLoader{recipients: []Recipient{
		{Channel: "telegram", Transport: "telegram", Target: "chat-1"},
	}}
	r := NewResolver(loader.load)

	for i := 0; i < 3; i++ {
		rec, err := r.Resolve("telegram")
		if err != nil {
			t.Fatalf("resolve %d: %v", i+1, err)
		}
		if rec.Target != "chat-1" {
			t.Fatalf("target=%q, want chat-1", rec.Target)
		}
	}
	if got := loader.loadCount(); got != 1 {
		t.Fatalf("loads=%d, want 1", got)
	}

	loader.set([]Recipient{
		{Channel: "telegram", Transport: "telegram", Target: "chat-2"},
	}, nil)
	r.Invalidate()

	rec, err := r.Resolve("telegram")
	if err != nil {
		t.Fatalf("resolve after invalidate: %v", err)
	}
	if rec.Target != "chat-2" {
		t.Fatalf("target=%q, want chat-2", rec.Target)
	}
	if got := loader.loadCount(); got != 2 {
		t.Fatalf("loads=%d, want 2", got)
	}
}

func TestResolverUnknownChannel(t *testing.T) {
	r := NewResolver(func() ([]Recipient, error) { return nil, nil })
	if _, err := r.Resolve("nobody"); err == nil {
		t.Fatal("unknown channel resolved")
	}
}

func TestResolverServesStaleCacheOnLoadError(t *testing.T) {
	loader := &countingLoader{recipients: []Recipient{
		{Channel: "telegram", Transport: "telegram", Target: "chat-1"},
	}}
	r := NewResolver(loader.load)

	if _, err := r.Resolve("telegram"); err != nil {
		t.Fatalf("initial resolve: %v", err)
	}

	loader.set(nil, errors.New("config unreadable"))
	r.Invalidate()

	rec, err := r.Resolve("telegram")
	if err != nil {
		t.Fatalf("resolve with failing loader: %v", err)
	}
	if rec.Target != "chat-1" {
		t.Fatalf("stale target=%q, want chat-1", rec.Target)
	}

	// The failed reload keeps the dirty flag set; a recovered loader is
	// picked up on the next resolve without another Invalidate.
	loader.set([]Recipient{
		{Channel: "telegram", Transport: "telegram", Target: "chat-3"},
	}, nil)
	rec, err = r.Resolve("telegram")
	if err != nil {
		t.Fatalf("resolve after recovery: %v", err)
	}
	if rec.Target != "chat-3" {
		t.Fatalf("target=%q, want chat-3", rec.Target)
	}
}

func TestResolverErrorWithoutCache(t *testing.T) {
	r := NewResolver(func() ([]Recipient, error) {
		return nil, errors.New("boom")
	})
	if _, err := r.Resolve("telegram"); err == nil {
		t.Fatal("expected load error with no cache to fall back on")
	}
}
