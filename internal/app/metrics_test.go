package app

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nuetzliches/kaiwa/internal/queue"
)

func scrape(t *testing.T, m *runtimeMetrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestMetricsCountersFromEvents(t *testing.T) {
	m := &runtimeMetrics{}

	for i := 0; i < 3; i++ {
		m.observeInbound("enqueued")
	}
	m.observeInbound("delivered")
	m.observeInbound("retried")
	m.observeOutbox("enqueued")
	m.observeOutbox("dead")
	m.observeInbound("unknown_event")

	body := scrape(t, m)
	wantLines := []string{
		"kaiwa_inbound_enqueued_total 3",
		"kaiwa_inbound_delivered_total 1",
		"kaiwa_inbound_retried_total 1",
		"kaiwa_inbound_rejected_total 0",
		"kaiwa_outbox_enqueued_total 1",
		"kaiwa_outbox_dead_total 1",
		"kaiwa_cleanup_removed_total 0",
	}
	for _, line := range wantLines {
		if !strings.Contains(body, line) {
			t.Fatalf("body missing %q:\n%s", line, body)
		}
	}
}

func TestMetricsQueueGaugesAtScrapeTime(t *testing.T) {
	m := &runtimeMetrics{}
	m.bind(
		func() (queue.Stats, error) {
			return queue.Stats{
				Total: 4,
				ByStatus: map[queue.Status]int{
					queue.StatusPending: 3,
					queue.StatusFailed:  1,
				},
				OldestPendingAge: 2500 * time.Millisecond,
			}, nil
		},
		func() (queue.Stats, error) {
			return queue.Stats{ByStatus: map[queue.Status]int{}}, nil
		},
		func() int { return 5 },
	)

	body := scrape(t, m)
	wantLines := []string{
		"kaiwa_inbound_workers 5",
		`kaiwa_inbound_rows{status="pending"} 3`,
		`kaiwa_inbound_rows{status="failed"} 1`,
		"kaiwa_inbound_oldest_pending_age_seconds 2.500",
		"kaiwa_outbox_oldest_pending_age_seconds 0.000",
	}
	for _, line := range wantLines {
		if !strings.Contains(body, line) {
			t.Fatalf("body missing %q:\n%s", line, body)
		}
	}
}

func TestMetricsUnboundStatsAreOmitted(t *testing.T) {
	body := scrape(t, &runtimeMetrics{})
	if strings.Contains(body, "kaiwa_inbound_rows") {
		t.Fatalf("unbound gauges present:\n%s", body)
	}
	if !strings.Contains(body, "kaiwa_inbound_enqueued_total 0") {
		t.Fatalf("counters missing:\n%s", body)
	}
}
