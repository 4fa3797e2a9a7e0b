package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/JorgeAlan/tagers-platform-sub003/internal/cache"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/feedback"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/governor"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/handoff"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/monitoring"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/queue"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/ratelimit"
)

type fakeChat struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeChat) SendMessage(_ context.Context, conversationID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, content)
	return nil
}

func (f *fakeChat) ToggleTyping(context.Context, string, bool) error { return nil }

var (
	metricsOnce sync.Once
	testMetrics *monitoring.Metrics
)

// Prometheus collectors register globally, so all tests share one set.
func sharedMetrics() *monitoring.Metrics {
	metricsOnce.Do(func() { testMetrics = monitoring.NewMetrics() })
	return testMetrics
}

func newTestServer(t *testing.T) (*Server, *queue.Processor) {
	t.Helper()

	limiter := ratelimit.New(nil, ratelimit.Config{
		Window:       time.Minute,
		MaxRequests:  10,
		DedupeWindow: 50 * time.Millisecond,
	})
	gov := governor.New(limiter, nil, nil, nil, governor.HoursConfig{})

	registry := queue.NewRegistry()
	registry.Register(ProcessMessageHandler, func(_ context.Context, job *queue.Job) (interface{}, error) {
		return map[string]string{"echo": job.ConversationID}, nil
	})

	dlq := queue.NewDLQ(nil, queue.DLQConfig{}, nil)
	t.Cleanup(dlq.Close)

	proc := queue.NewProcessor(queue.NewMemoryBackend(64), registry, &fakeChat{}, dlq, queue.Config{
		MaxConcurrent: 2,
		RetryDelay:    10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	proc.Start(ctx)
	t.Cleanup(func() { cancel(); proc.Stop() })

	sc := cache.New(cache.Config{})
	t.Cleanup(sc.Close)

	tuner := feedback.NewTuner(feedback.NewProcessor(feedback.NewMemoryStore(), nil), feedback.DefaultTunerConfig(), nil)

	srv := New(gov, proc, dlq, sc, tuner, handoff.NewHub(nil), sharedMetrics(), nil)
	return srv, proc
}

func postWebhook(t *testing.T, srv *Server, payload map[string]interface{}) map[string]interface{} {
	t.Helper()
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestWebhook_ProceedEnqueuesJob(t *testing.T) {
	srv, proc := newTestServer(t)

	resp := postWebhook(t, srv, map[string]interface{}{
		"event":           "message_created",
		"id":              "m1",
		"conversation_id": "C1",
		"message_type":    "incoming",
		"content":         "hola, ¿tienen roscas?",
	})

	if resp["should_process"] != true {
		t.Fatalf("resp = %v", resp)
	}
	jobID, _ := resp["job_id"].(string)
	if jobID == "" {
		t.Fatal("job_id missing on PROCEED")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		state, _, ok := proc.Status(jobID)
		if ok && state == queue.StateCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never completed, state = %v", state)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Job status is queryable over HTTP.
	req := httptest.NewRequest(http.MethodGet, "/jobs/"+jobID, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("job status = %d", rec.Code)
	}
}

func TestWebhook_SkippedMessagesStillReturn200(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postWebhook(t, srv, map[string]interface{}{
		"event":           "message_created",
		"id":              "m2",
		"conversation_id": "C2",
		"message_type":    "outgoing",
		"content":         "respuesta del bot",
	})

	if resp["should_process"] != false {
		t.Fatalf("outgoing message admitted: %v", resp)
	}
	if resp["decision"] != string(governor.SkipOutgoing) {
		t.Errorf("decision = %v", resp["decision"])
	}
	if _, ok := resp["job_id"]; ok {
		t.Error("job enqueued for a skipped message")
	}
}

func TestWebhook_MalformedBodySkipsInvalid(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["decision"] != string(governor.SkipInvalid) {
		t.Errorf("decision = %v", resp["decision"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("health = %v", resp)
	}
}

func TestTunerEndpoints_RequireApprover(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tuner/pending/x/approve", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing approver: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/tuner/pending/x/approve", nil)
	req.Header.Set("X-Approver", "ops")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown adjustment: status = %d", rec.Code)
	}
}

func TestCacheAdminEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cache.Set("¿cuál es el horario?", "Abrimos de 8 a 20.", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cache/stats", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}

	body, _ := json.Marshal(map[string]string{"pattern": "horario"})
	req = httptest.NewRequest(http.MethodPost, "/api/v1/cache/pattern", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("pattern status = %d", rec.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["invalidated"] != float64(1) {
		t.Errorf("invalidated = %v", resp["invalidated"])
	}
}

func TestDLQEndpoints_EmptyQueue(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dlq", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["total"] != float64(0) {
		t.Errorf("total = %v", resp["total"])
	}
}
