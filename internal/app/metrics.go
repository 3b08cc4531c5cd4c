package app

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nuetzliches/kaiwa/internal/queue"
)

// runtimeMetrics collects daemon counters and renders them in a plain text
// exposition format on scrape. Queue depths come from the stores at scrape
// time rather than being tracked incrementally.
type runtimeMetrics struct {
	inboundEnqueuedTotal     atomic.Int64
	inboundDedupSkippedTotal atomic.Int64
	inboundDeliveredTotal    atomic.Int64
	inboundRetriedTotal      atomic.Int64
	inboundRejectedTotal     atomic.Int64
	inboundExpiredTotal      atomic.Int64

	outboxEnqueuedTotal     atomic.Int64
	outboxDedupSkippedTotal atomic.Int64
	outboxDeliveredTotal    atomic.Int64
	outboxRetriedTotal      atomic.Int64
	outboxDeadTotal         atomic.Int64

	cleanupRemovedTotal atomic.Int64

	mu           sync.Mutex
	inboundStats func() (queue.Stats, error)
	outboxStats  func() (queue.Stats, error)
	workerCount  func() int
}

func (m *runtimeMetrics) observeInbound(event string) {
	switch event {
	case "enqueued":
		m.inboundEnqueuedTotal.Add(1)
	case "dedup_skipped":
		m.inboundDedupSkippedTotal.Add(1)
	case "delivered":
		m.inboundDeliveredTotal.Add(1)
	case "retried":
		m.inboundRetriedTotal.Add(1)
	case "rejected":
		m.inboundRejectedTotal.Add(1)
	case "expired":
		m.inboundExpiredTotal.Add(1)
	}
}

func (m *runtimeMetrics) observeOutbox(event string) {
	switch event {
	case "enqueued":
		m.outboxEnqueuedTotal.Add(1)
	case "dedup_skipped":
		m.outboxDedupSkippedTotal.Add(1)
	case "delivered":
		m.outboxDeliveredTotal.Add(1)
	case "retried":
		m.outboxRetriedTotal.Add(1)
	case "dead":
		m.outboxDeadTotal.Add(1)
	}
}

func (m *runtimeMetrics) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		counters := map[string]int64{
			"kaiwa_inbound_enqueued_total":      m.inboundEnqueuedTotal.Load(),
			"kaiwa_inbound_dedup_skipped_total": m.inboundDedupSkippedTotal.Load(),
			"kaiwa_inbound_delivered_total":     m.inboundDeliveredTotal.Load(),
			"kaiwa_inbound_retried_total":       m.inboundRetriedTotal.Load(),
			"kaiwa_inbound_rejected_total":      m.inboundRejectedTotal.Load(),
			"kaiwa_inbound_expired_total":       m.inboundExpiredTotal.Load(),
			"kaiwa_outbox_enqueued_total":       m.outboxEnqueuedTotal.Load(),
			"kaiwa_outbox_dedup_skipped_total":  m.outboxDedupSkippedTotal.Load(),
			"kaiwa_outbox_delivered_total":      m.outboxDeliveredTotal.Load(),
			"kaiwa_outbox_retried_total":        m.outboxRetriedTotal.Load(),
			"kaiwa_outbox_dead_total":           m.outboxDeadTotal.Load(),
			"kaiwa_cleanup_removed_total":       m.cleanupRemovedTotal.Load(),
		}

		names := make([]string, 0, len(counters))
		for name := range counters {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "# TYPE %s counter\n%s %d\n", name, name, counters[name])
		}

		m.mu.Lock()
		inboundStats := m.inboundStats
		outboxStats := m.outboxStats
		workerCount := m.workerCount
		m.mu.Unlock()

		if workerCount != nil {
			fmt.Fprintf(w, "# TYPE kaiwa_inbound_workers gauge\nkaiwa_inbound_workers %d\n", workerCount())
		}
		writeQueueGauges(w, "inbound", inboundStats)
		writeQueueGauges(w, "outbox", outboxStats)
	})
}

func writeQueueGauges(w http.ResponseWriter, instance string, stats func() (queue.Stats, error)) {
	if stats == nil {
		return
	}
	st, err := stats()
	if err != nil {
		return
	}

	name := fmt.Sprintf("kaiwa_%s_rows", instance)
	fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	statuses := make([]string, 0, len(st.ByStatus))
	for status := range st.ByStatus {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Fprintf(w, "%s{status=%q} %d\n", name, status, st.ByStatus[queue.Status(status)])
	}
	fmt.Fprintf(w, "# TYPE kaiwa_%s_oldest_pending_age_seconds gauge\nkaiwa_%s_oldest_pending_age_seconds %.3f\n",
		instance, instance, st.OldestPendingAge.Seconds())
}

func (m *runtimeMetrics) bind(inbound, outbox func() (queue.Stats, error), workers func() int) {
	m.mu.Lock()
	m.inboundStats = inbound
	m.outboxStats = outbox
	m.workerCount = workers
	m.mu.Unlock()
}
