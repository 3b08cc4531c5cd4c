// Package outbox delivers notifications to external recipients with
// at-least-once semantics: a single polling loop claims a bounded batch of
// due rows each tick and retries failures with exponential backoff until a
// maximum attempt count.
package outbox

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
	defaultTick        = 2 * time.Second
	defaultBatch       = 25
	defaultMaxAttempts = 12
	defaultLockTimeout = 5 * time.Minute
)

type Option func(*Worker)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithTick(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.tick = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batch = n
		}
	}
}

func WithBackoff(policy backoff.Policy) Option {
	return func(w *Worker) {
		if policy != nil {
			w.policy = policy
		}
	}
}

// WithMaxAttempts bounds retries; the attempt that reaches the limit parks
// the row permanently. Notifications to a misconfigured recipient must not
// retry forever.
func WithMaxAttempts(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

func WithLockTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.lockTimeout = d
		}
	}
}

// WithResolver installs recipient resolution for rows enqueued without an
// explicit recipient identity.
func WithResolver(r *Resolver) Option {
	return func(w *Worker) {
		w.resolver = r
	}
}

// WithObserver installs a counter hook; events are enqueued, dedup_skipped,
// delivered, retried and dead.
func WithObserver(fn func(event string)) Option {
	return func(w *Worker) {
		w.observe = fn
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.nowFn = now
		}
	}
}

// Worker is the single outbox polling loop. Unlike the inbound scheduler
// it has no per-key fan-out: notification volume is low and oldest-first
// across all rows is the only ordering the outbox promises.
type Worker struct {
	store    queue.Store
	deliver  delivery.Deliverer
	resolver *Resolver
	policy   backoff.Policy
	logger   *slog.Logger

	tick        time.Duration
	batch       int
	maxAttempts int
	lockTimeout time.Duration
	observe     func(event string)
	nowFn       func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func New(store queue.Store, deliver delivery.Deliverer, opts ...Option) *Worker {
	w := &Worker{
		store:       store,
		deliver:     deliver,
		policy:      backoff.Exponential{Base: 10 * time.Second, Cap: 10 * time.Minute},
		logger:      slog.Default(),
		tick:        defaultTick,
		batch:       defaultBatch,
		maxAttempts: defaultMaxAttempts,
		lockTimeout: defaultLockTimeout,
		nowFn:       time.Now,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Enqueue persists a notification. The bool reports whether a row was
// actually inserted; a dedup hit returns (0, false, nil). Rows left
// pending at shutdown are picked up by the first tick of the next run, so
// there is no separate startup recovery here.
func (w *Worker) Enqueue(channel, recipient string, kind queue.Kind, payload []byte, attachment, dedupKey string) (int64, bool, error) {
	if channel == "" {
		return 0, false, errors.New("outbox: empty channel")
	}

	id, err := w.store.Enqueue(queue.Row{
		Origin:     channel,
		Kind:       kind,
		Payload:    payload,
		Recipient:  recipient,
		Attachment: attachment,
		DedupKey:   dedupKey,
	})
	if errors.Is(err, queue.ErrDuplicate) {
		w.count("dedup_skipped")
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	w.count("enqueued")
	return id, true, nil
}

// Start spawns the polling loop. Call Drain to stop it.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go w.run()
	})
}

// Drain signals the loop to stop after its current tick and waits up to
// timeout for in-flight deliveries to finish. Unfinished rows stay in the
// store and are retried on the next run.
func (w *Worker) Drain(timeout time.Duration) bool {
	w.stopOnce.Do(func() { close(w.stopCh) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (w *Worker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	// First pass immediately so rows surviving a restart are not delayed
	// by a full tick.
	w.pass()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.pass()
		}
	}
}

func (w *Worker) pass() {
	now := w.nowFn()
	rows, err := w.store.FetchEligible("", w.batch, now, now.Add(-w.lockTimeout))
	if err != nil {
		w.logger.Warn("outbox_fetch_failed", slog.Any("err", err))
		return
	}

	for _, row := range rows {
		select {
		case <-w.stopCh:
			return
		default:
		}
		// Every row's outcome is isolated: one recipient failing must
		// not block delivery to the next row in the batch.
		w.handle(row)
	}
}

func (w *Worker) handle(row queue.Row) {
	now := w.nowFn()
	claimed, err := w.store.Claim(row.ID, now, now.Add(-w.lockTimeout))
	if err != nil {
		w.logger.Warn("outbox_claim_failed",
			slog.Int64("row_id", row.ID),
			slog.Any("err", err),
		)
		return
	}
	if !claimed {
		return
	}

	if row.Recipient == "" && w.resolver != nil {
		rec, err := w.resolver.Resolve(row.Origin)
		if err != nil {
			w.fail(row, err)
			return
		}
		row.Recipient = rec.Target
	}

	outcome := w.deliver.Deliver(context.Background(), row)
	switch outcome.Disposition {
	case delivery.Delivered:
		if err := w.store.MarkDelivered(row.ID, w.nowFn()); err != nil {
			w.logger.Warn("outbox_mark_delivered_failed",
				slog.Int64("row_id", row.ID),
				slog.Any("err", err),
			)
		}
		w.count("delivered")

	case delivery.Reject:
		w.dead(row, "rejected", outcome.Err)

	default:
		w.fail(row, outcome.Err)
	}
}

func (w *Worker) fail(row queue.Row, cause error) {
	attempt := row.AttemptCount + 1
	if attempt >= w.maxAttempts {
		w.dead(row, "max_attempts", cause)
		return
	}

	delay := w.policy.Delay(attempt)
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := w.store.MarkFailed(row.ID, w.nowFn().Add(delay), msg); err != nil {
		w.logger.Warn("outbox_mark_failed_failed",
			slog.Int64("row_id", row.ID),
			slog.Any("err", err),
		)
	}
	w.count("retried")
	w.logger.Warn("outbox_delivery_retry",
		slog.Int64("row_id", row.ID),
		slog.String("channel", row.Origin),
		slog.Int("attempt", attempt),
		slog.Duration("retry_in", delay),
		slog.String("error", msg),
	)
}

// dead parks the row permanently: status failed, no next attempt.
func (w *Worker) dead(row queue.Row, reason string, cause error) {
	msg := reason
	if cause != nil {
		msg = reason + ": " + cause.Error()
	}
	if err := w.store.MarkFailed(row.ID, time.Time{}, msg); err != nil {
		w.logger.Warn("outbox_mark_failed_failed",
			slog.Int64("row_id", row.ID),
			slog.Any("err", err),
		)
	}
	w.count("dead")
	w.logger.Error("outbox_delivery_dead",
		slog.Int64("row_id", row.ID),
		slog.String("channel", row.Origin),
		slog.Int("attempts", row.AttemptCount+1),
		slog.String("reason", reason),
	)
}

func (w *Worker) count(event string) {
	if w.observe != nil {
		w.observe(event)
	}
}
