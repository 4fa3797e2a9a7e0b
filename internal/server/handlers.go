package server

import (
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/JorgeAlan/tagers-platform-sub003/internal/chatwoot"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/governor"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/queue"
)

const maxWebhookBody = 1 << 20

// handleWebhook admits an inbound chat message and, on PROCEED, enqueues
// the processing job. The response always carries the decision so the
// platform's delivery log shows why a message was skipped.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	s.metrics.WebhooksReceived.Inc()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	env, err := chatwoot.ParseWebhook(body)
	if err != nil {
		s.metrics.GovernorDecisions.WithLabelValues(string(governor.SkipInvalid)).Inc()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"should_process": false,
			"decision":       governor.SkipInvalid,
			"reason":         err.Error(),
		})
		return
	}

	decision := s.gov.Evaluate(r.Context(), env)
	s.metrics.GovernorDecisions.WithLabelValues(string(decision.Kind)).Inc()

	resp := map[string]interface{}{
		"should_process": decision.ShouldProcess,
		"decision":       decision.Kind,
		"reason":         decision.Reason,
	}

	if decision.ShouldProcess {
		payload, err := json.Marshal(env)
		if err != nil {
			http.Error(w, "envelope marshal failed", http.StatusInternalServerError)
			return
		}
		jobID, err := s.proc.Enqueue(r.Context(), &queue.Job{
			ConversationID: env.ConversationID,
			Handler:        ProcessMessageHandler,
			Payload:        payload,
		})
		if err != nil {
			s.logger.Error("enqueue failed", "conversation", env.ConversationID, "error", err)
			http.Error(w, "enqueue failed", http.StatusServiceUnavailable)
			return
		}
		resp["job_id"] = jobID
	}

	// 200 even on skips: the platform retries non-2xx deliveries, and a
	// skipped message must not be redelivered.
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r, 50)
	records, total, err := s.dlq.List(r.Context(), offset, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"total":   total,
		"offset":  offset,
		"limit":   limit,
	})
}

func (s *Server) handleDLQAggregates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"waiting":   s.dlq.Waiting(r.Context()),
		"by_reason": s.dlq.Aggregates(),
	})
}

func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.dlq.Retry(r.Context(), id, s.proc.Enqueue); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued", "job_id": id})
}

func (s *Server) handleDLQRetryAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.dlq.RetryAll(r.Context(), s.proc.Enqueue)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "requeued", "count": n})
}

func (s *Server) handleDLQDiscard(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.dlq.Discard(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "discarded", "job_id": id})
}

func (s *Server) handleDLQObliterate(w http.ResponseWriter, r *http.Request) {
	if err := s.dlq.Obliterate(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "obliterated"})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, _ *http.Request) {
	s.cache.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// handleCacheInvalidatePattern drops all entries whose normalised question
// matches the posted regular expression.
func (s *Server) handleCacheInvalidatePattern(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pattern string `json:"pattern"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Pattern == "" {
		http.Error(w, "pattern required", http.StatusBadRequest)
		return
	}
	re, err := regexp.Compile(req.Pattern)
	if err != nil {
		http.Error(w, "invalid pattern: "+err.Error(), http.StatusBadRequest)
		return
	}
	n := s.cache.InvalidatePattern(re)
	writeJSON(w, http.StatusOK, map[string]interface{}{"invalidated": n})
}

func (s *Server) handleTunerHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": s.tuner.History()})
}

func (s *Server) handleTunerPending(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": s.tuner.Pending()})
}

func (s *Server) handleTunerApprove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	approver := r.Header.Get("X-Approver")
	if approver == "" {
		http.Error(w, "X-Approver header required", http.StatusBadRequest)
		return
	}
	adj, err := s.tuner.Approve(id, approver)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.metrics.Adjustments.WithLabelValues(string(adj.Action)).Inc()
	writeJSON(w, http.StatusOK, adj)
}

func (s *Server) handleTunerReject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	approver := r.Header.Get("X-Approver")
	if approver == "" {
		http.Error(w, "X-Approver header required", http.StatusBadRequest)
		return
	}
	adj, err := s.tuner.Reject(id, approver)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.metrics.Adjustments.WithLabelValues(string(adj.Action)).Inc()
	writeJSON(w, http.StatusOK, adj)
}

func pageParams(r *http.Request, defLimit int) (offset, limit int) {
	limit = defLimit
	q := r.URL.Query()
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n >= 0 {
		offset = n
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = n
	}
	return offset, limit
}
