// Package server wires the HTTP surface: the chat-platform webhook, job
// and DLQ inspection, cache and tuner administration, the agent-console
// WebSocket and the Prometheus scrape endpoint.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JorgeAlan/tagers-platform-sub003/internal/cache"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/feedback"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/governor"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/handoff"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/monitoring"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/queue"
)

// ProcessMessageHandler is the job handler ID the webhook enqueues.
const ProcessMessageHandler = "process_message"

// Server holds the HTTP dependencies and the assembled router.
type Server struct {
	router  *mux.Router
	gov     *governor.Governor
	proc    *queue.Processor
	dlq     *queue.DLQ
	cache   *cache.Cache
	tuner   *feedback.Tuner
	handoff *handoff.Hub
	metrics *monitoring.Metrics
	logger  *slog.Logger
}

func New(gov *governor.Governor, proc *queue.Processor, dlq *queue.DLQ,
	sc *cache.Cache, tuner *feedback.Tuner, hub *handoff.Hub,
	metrics *monitoring.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		gov:     gov,
		proc:    proc,
		dlq:     dlq,
		cache:   sc,
		tuner:   tuner,
		handoff: hub,
		metrics: metrics,
		logger:  logger.With("component", "server"),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/webhook", s.handleWebhook).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJobStatus).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/dlq", s.handleDLQList).Methods("GET")
	api.HandleFunc("/dlq/aggregates", s.handleDLQAggregates).Methods("GET")
	api.HandleFunc("/dlq/retry-all", s.handleDLQRetryAll).Methods("POST")
	api.HandleFunc("/dlq/{id}/retry", s.handleDLQRetry).Methods("POST")
	api.HandleFunc("/dlq/{id}", s.handleDLQDiscard).Methods("DELETE")
	api.HandleFunc("/dlq", s.handleDLQObliterate).Methods("DELETE")

	api.HandleFunc("/cache/stats", s.handleCacheStats).Methods("GET")
	api.HandleFunc("/cache", s.handleCacheClear).Methods("DELETE")
	api.HandleFunc("/cache/pattern", s.handleCacheInvalidatePattern).Methods("POST")

	api.HandleFunc("/tuner/history", s.handleTunerHistory).Methods("GET")
	api.HandleFunc("/tuner/pending", s.handleTunerPending).Methods("GET")
	api.HandleFunc("/tuner/pending/{id}/approve", s.handleTunerApprove).Methods("POST")
	api.HandleFunc("/tuner/pending/{id}/reject", s.handleTunerReject).Methods("POST")

	if s.handoff != nil {
		r.HandleFunc("/ws", s.handoff.HandleWebSocket)
	}
	return r
}

// LoggingMiddleware logs each request in JSON format.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"queue_depth": s.proc.Depth(r.Context()),
		"dlq_waiting": s.dlq.Waiting(r.Context()),
		"consoles":    s.handoff.Consoles(),
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	state, record, ok := s.proc.Status(id)
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	resp := map[string]interface{}{"job_id": id, "state": state}
	if record != nil {
		resp["result"] = record.Result
		resp["duration_ms"] = record.Duration.Milliseconds()
		resp["finished_at"] = record.FinishedAt
	}
	writeJSON(w, http.StatusOK, resp)
}
