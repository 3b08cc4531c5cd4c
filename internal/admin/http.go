// Package admin exposes the daemon's ops endpoints: liveness, queue
// status and runtime metrics. It intentionally serves no session or
// message content.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nuetzliches/kaiwa/internal/queue"
)

type Server struct {
	Logger  *slog.Logger
	Version string

	// AuthToken, when set, gates /statusz and /metrics behind a bearer
	// token. /healthz stays open for probes.
	AuthToken string

	InboundStats func() (queue.Stats, error)
	OutboxStats  func() (queue.Stats, error)
	WorkerCount  func() int
	Metrics      http.Handler
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /statusz", s.authorized(s.handleStatusz))
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.authorized(s.Metrics.ServeHTTP))
	}
	return mux
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AuthToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.AuthToken)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.Version,
	})
}

type queueStatus struct {
	Total              int            `json:"total"`
	ByStatus           map[string]int `json:"by_status"`
	OldestPendingAgeMS int64          `json:"oldest_pending_age_ms"`
}

type statusResponse struct {
	Version        string       `json:"version"`
	Time           time.Time    `json:"time"`
	Inbound        *queueStatus `json:"inbound,omitempty"`
	Outbox         *queueStatus `json:"outbox,omitempty"`
	InboundWorkers int          `json:"inbound_workers"`
}

func (s *Server) handleStatusz(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Version: s.Version,
		Time:    time.Now().UTC(),
	}
	if s.WorkerCount != nil {
		resp.InboundWorkers = s.WorkerCount()
	}

	var err error
	if resp.Inbound, err = s.collect(s.InboundStats); err != nil {
		s.logError("admin_inbound_stats_failed", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "stats_unavailable"})
		return
	}
	if resp.Outbox, err = s.collect(s.OutboxStats); err != nil {
		s.logError("admin_outbox_stats_failed", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "stats_unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) collect(stats func() (queue.Stats, error)) (*queueStatus, error) {
	if stats == nil {
		return nil, nil
	}
	st, err := stats()
	if err != nil {
		return nil, err
	}
	out := &queueStatus{
		Total:              st.Total,
		ByStatus:           make(map[string]int, len(st.ByStatus)),
		OldestPendingAgeMS: st.OldestPendingAge.Milliseconds(),
	}
	for status, count := range st.ByStatus {
		out.ByStatus[string(status)] = count
	}
	return out, nil
}

func (s *Server) logError(event string, err error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn(event, slog.Any("err", err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
