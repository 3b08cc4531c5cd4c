// Package inbound drains chat messages into terminal sessions with strict
// FIFO ordering per session key and exactly one in-flight delivery per key.
package inbound

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nuetzliches/kaiwa/internal/backoff"
	"github.com/nuetzliches/kaiwa/internal/delivery"
	"github.com/nuetzliches/kaiwa/internal/queue"
)

const (
	defaultLockTimeout  = 10 * time.Minute
	defaultFailurePause = 5 * time.Second
	defaultStorePause   = 500 * time.Millisecond
	claimRacePause      = 50 * time.Millisecond

	// backoffHorizon is how far ahead a worker looks for rows parked in
	// backoff before deciding its key is truly empty. It only needs to
	// exceed the largest backoff the policy can produce.
	backoffHorizon = 24 * time.Hour
)

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithBackoff(policy backoff.Policy) Option {
	return func(s *Scheduler) {
		if policy != nil {
			s.policy = policy
		}
	}
}

func WithLockTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithFailurePause bounds how long a worker sleeps after a failed attempt
// before re-checking its key. The row's own backoff decides when it becomes
// eligible again; the pause only keeps the worker from busy-looping.
func WithFailurePause(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.failPause = d
		}
	}
}

func WithStorePause(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.storePause = d
		}
	}
}

// WithActivityFunc installs a side effect fired whenever a row is actually
// inserted for a key, e.g. a typing indicator toward the originating chat.
func WithActivityFunc(fn func(key string)) Option {
	return func(s *Scheduler) {
		s.onActivity = fn
	}
}

// WithObserver installs a counter hook; events are enqueued, dedup_skipped,
// delivered, retried, rejected and expired.
func WithObserver(fn func(event string)) Option {
	return func(s *Scheduler) {
		s.observe = fn
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// Scheduler spawns one self-terminating drain goroutine per session key.
// The store is the single source of truth; the in-memory registry only
// prevents duplicate workers, it carries no ordering or dedup state.
type Scheduler struct {
	store   queue.Store
	deliver delivery.Deliverer
	policy  backoff.Policy
	logger  *slog.Logger

	lockTimeout time.Duration
	failPause   time.Duration
	storePause  time.Duration
	onActivity  func(key string)
	observe     func(event string)
	nowFn       func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker
	started bool
	stopped bool
	wg      sync.WaitGroup
}

type worker struct {
	cancel context.CancelFunc
	// kick is buffered; an enqueue for a live worker's key drops a token
	// here so the worker re-checks the store instead of exiting.
	kick chan struct{}
	done chan struct{}
}

func New(store queue.Store, deliver delivery.Deliverer, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:       store,
		deliver:     deliver,
		policy:      backoff.DefaultInbound(),
		logger:      slog.Default(),
		lockTimeout: defaultLockTimeout,
		failPause:   defaultFailurePause,
		storePause:  defaultStorePause,
		nowFn:       time.Now,
		baseCtx:     ctx,
		baseCancel:  cancel,
		workers:     make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Startup resumes a worker for every key that still holds undelivered rows
// from a prior run. Calling it more than once is a no-op.
func (s *Scheduler) Startup() error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	keys, err := s.store.KeysWithPending()
	if err != nil {
		return err
	}
	for _, key := range keys {
		s.ensureWorker(key)
	}
	if len(keys) > 0 {
		s.logger.Info("inbound_resume", slog.Int("keys", len(keys)))
	}
	return nil
}

// Shutdown cancels every worker and waits for them to finish, up to
// timeout. No rows are deleted; processing rows become reclaimable through
// the stale-lock path on the next Startup. Returns false if workers were
// still running when the timeout expired.
func (s *Scheduler) Shutdown(timeout time.Duration) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return true
	}
	s.stopped = true
	s.mu.Unlock()

	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Enqueue persists a chat message for a session. The bool reports whether a
// row was actually inserted; a dedup hit returns (0, false, nil) and must
// be treated as success by producers.
func (s *Scheduler) Enqueue(key, origin string, kind queue.Kind, payload []byte, dedupKey string) (int64, bool, error) {
	if key == "" {
		return 0, false, errors.New("inbound: empty session key")
	}

	id, err := s.store.Enqueue(queue.Row{
		Key:      key,
		Origin:   origin,
		Kind:     kind,
		Payload:  payload,
		DedupKey: dedupKey,
	})
	if errors.Is(err, queue.ErrDuplicate) {
		s.count("dedup_skipped")
		s.logger.Debug("inbound_dedup_skipped",
			slog.String("key", key),
			slog.String("origin", origin),
		)
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	s.count("enqueued")
	if s.onActivity != nil {
		s.onActivity(key)
	}
	s.ensureWorker(key)
	return id, true, nil
}

// ExpireSession cancels the key's worker, if any, and bulk-expires its
// remaining rows. An in-flight delivery is abandoned: its result is
// discarded once the worker observes cancellation.
func (s *Scheduler) ExpireSession(key string) (int, error) {
	s.mu.Lock()
	w := s.workers[key]
	delete(s.workers, key)
	s.mu.Unlock()

	if w != nil {
		w.cancel()
	}

	n, err := s.store.ExpireKey(key, s.nowFn())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.count("expired")
	}
	s.logger.Info("inbound_session_expired",
		slog.String("key", key),
		slog.Int("rows", n),
	)
	return n, nil
}

// WorkerCount reports how many per-key workers are currently registered.
func (s *Scheduler) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// HasWorker reports whether a worker is registered for key.
func (s *Scheduler) HasWorker(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[key]
	return ok
}

func (s *Scheduler) ensureWorker(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if w, ok := s.workers[key]; ok {
		select {
		case w.kick <- struct{}{}:
		default:
		}
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	w := &worker{
		cancel: cancel,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.workers[key] = w
	s.wg.Add(1)
	go s.drain(ctx, key, w)
}

// drain processes the key's rows oldest-first until the key has no
// eligible row left, then removes itself from the registry and exits.
func (s *Scheduler) drain(ctx context.Context, key string, w *worker) {
	defer s.wg.Done()
	defer close(w.done)

	for {
		if ctx.Err() != nil {
			s.forget(key, w)
			return
		}

		now := s.nowFn()
		lockCutoff := now.Add(-s.lockTimeout)

		rows, err := s.store.FetchEligible(key, 1, now, lockCutoff)
		if err != nil {
			s.logger.Warn("inbound_fetch_failed",
				slog.String("key", key),
				slog.Any("err", err),
			)
			if !sleepCtx(ctx, s.storePause) {
				s.forget(key, w)
				return
			}
			continue
		}

		if len(rows) == 0 {
			// Nothing due right now. A failed row deep in backoff is
			// still this worker's responsibility: look ahead and wait
			// for it instead of exiting, otherwise it would be stranded
			// until the next enqueue or daemon restart.
			ahead, err := s.store.FetchEligible(key, 1, now.Add(backoffHorizon), lockCutoff)
			if err == nil && len(ahead) > 0 {
				wait := s.failPause
				if !ahead[0].NextAttemptAt.IsZero() {
					if until := ahead[0].NextAttemptAt.Sub(now); until < wait {
						wait = until
					}
				}
				if !sleepCtx(ctx, wait) {
					s.forget(key, w)
					return
				}
				continue
			}

			// Self-terminate, unless an enqueue raced our empty fetch.
			// The kick check and the registry removal happen under one
			// lock so no inserted row can be left without a worker.
			s.mu.Lock()
			select {
			case <-w.kick:
				s.mu.Unlock()
				continue
			default:
			}
			if s.workers[key] == w {
				delete(s.workers, key)
			}
			s.mu.Unlock()
			return
		}

		row := rows[0]
		claimed, err := s.store.Claim(row.ID, now, lockCutoff)
		if err != nil {
			s.logger.Warn("inbound_claim_failed",
				slog.String("key", key),
				slog.Int64("row_id", row.ID),
				slog.Any("err", err),
			)
			if !sleepCtx(ctx, s.storePause) {
				s.forget(key, w)
				return
			}
			continue
		}
		if !claimed {
			// Lost a race. With one worker per key this is near
			// impossible, but the store predicate is the authority.
			if !sleepCtx(ctx, claimRacePause) {
				s.forget(key, w)
				return
			}
			continue
		}

		outcome := s.deliver.Deliver(ctx, row)

		// The session may have been expired or the daemon stopped while
		// the delivery was in flight. The row is already expired (or will
		// be reclaimed via its stale lock), so the outcome is discarded.
		if ctx.Err() != nil {
			s.forget(key, w)
			return
		}

		switch outcome.Disposition {
		case delivery.Delivered:
			if err := s.store.MarkDelivered(row.ID, s.nowFn()); err != nil {
				s.logger.Warn("inbound_mark_delivered_failed",
					slog.String("key", key),
					slog.Int64("row_id", row.ID),
					slog.Any("err", err),
				)
			}
			s.count("delivered")

		case delivery.Reject:
			if err := s.store.MarkFailed(row.ID, time.Time{}, outcome.ErrorMessage()); err != nil {
				s.logger.Warn("inbound_mark_failed_failed",
					slog.String("key", key),
					slog.Int64("row_id", row.ID),
					slog.Any("err", err),
				)
			}
			s.count("rejected")
			s.logger.Warn("inbound_delivery_rejected",
				slog.String("key", key),
				slog.Int64("row_id", row.ID),
				slog.String("error", outcome.ErrorMessage()),
			)

		default:
			attempt := row.AttemptCount + 1
			delay := s.policy.Delay(attempt)
			if err := s.store.MarkFailed(row.ID, s.nowFn().Add(delay), outcome.ErrorMessage()); err != nil {
				s.logger.Warn("inbound_mark_failed_failed",
					slog.String("key", key),
					slog.Int64("row_id", row.ID),
					slog.Any("err", err),
				)
			}
			s.count("retried")
			s.logger.Warn("inbound_delivery_failed",
				slog.String("key", key),
				slog.Int64("row_id", row.ID),
				slog.Int("attempt", attempt),
				slog.Duration("retry_in", delay),
				slog.String("error", outcome.ErrorMessage()),
			)
			pause := delay
			if pause > s.failPause {
				pause = s.failPause
			}
			if !sleepCtx(ctx, pause) {
				s.forget(key, w)
				return
			}
		}
	}
}

func (s *Scheduler) forget(key string, w *worker) {
	s.mu.Lock()
	if s.workers[key] == w {
		delete(s.workers, key)
	}
	s.mu.Unlock()
}

func (s *Scheduler) count(event string) {
	if s.observe != nil {
		s.observe(event)
	}
}

// sleepCtx sleeps for d or until ctx is cancelled; it reports whether the
// full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
