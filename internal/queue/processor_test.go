package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/JorgeAlan/tagers-platform-sub003/internal/chatwoot"
)

type fakeChat struct {
	mu       sync.Mutex
	typing   int
	messages []string
}

func (f *fakeChat) SendMessage(ctx context.Context, conversationID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, content)
	return nil
}

func (f *fakeChat) ToggleTyping(ctx context.Context, conversationID string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if on {
		f.typing++
	}
	return nil
}

func (f *fakeChat) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func (f *fakeChat) typingPokes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.typing
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func startProcessor(t *testing.T, reg *Registry, chat *fakeChat, dlq *DLQ, cfg Config) *Processor {
	t.Helper()
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 10 * time.Millisecond
	}
	// A typed-nil *fakeChat would defeat the processor's nil-interface check.
	var api chatwoot.API
	if chat != nil {
		api = chat
	}
	p := NewProcessor(NewMemoryBackend(100), reg, api, dlq, cfg)
	p.Start(context.Background())
	t.Cleanup(p.Stop)
	return p
}

func TestProcessor_CompletesJob(t *testing.T) {
	reg := NewRegistry()
	reg.Register("echo", func(ctx context.Context, job *Job) (interface{}, error) {
		var payload map[string]string
		json.Unmarshal(job.Payload, &payload)
		return payload["text"], nil
	})
	p := startProcessor(t, reg, nil, nil, Config{})

	id, err := p.Enqueue(context.Background(), &Job{
		ConversationID: "C1",
		Handler:        "echo",
		Payload:        json.RawMessage(`{"text":"hola"}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		st, _, ok := p.Status(id)
		return ok && st == StateCompleted
	}, "job should complete")

	_, rec, _ := p.Status(id)
	if rec == nil || rec.Result != "hola" {
		t.Fatalf("completed record should carry the result, got %+v", rec)
	}
	if rec.Job.Attempts != 1 {
		t.Errorf("clean run should take one attempt, got %d", rec.Job.Attempts)
	}
}

func TestProcessor_RetriesThenDLQ(t *testing.T) {
	reg := NewRegistry()
	var mu sync.Mutex
	attempts := 0
	reg.Register("explode", func(ctx context.Context, job *Job) (interface{}, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, errors.New("handler blew up")
	})
	chat := &fakeChat{}
	dlq := NewDLQ(nil, DLQConfig{}, nil)
	t.Cleanup(dlq.Close)
	p := startProcessor(t, reg, chat, dlq, Config{MaxRetries: 2})

	id, _ := p.Enqueue(context.Background(), &Job{ConversationID: "C6", Handler: "explode"})

	waitFor(t, 3*time.Second, func() bool {
		st, _, ok := p.Status(id)
		return ok && st == StateFailed
	}, "job should end up failed")

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 3 {
		t.Errorf("maxRetries=2 means 3 processing attempts, got %d", got)
	}

	records, total, err := dlq.List(context.Background(), 0, 10)
	if err != nil || total != 1 {
		t.Fatalf("expected one DLQ record, got %d (err=%v)", total, err)
	}
	if records[0].AttemptsMade != 3 {
		t.Errorf("DLQ attemptsMade must be maxRetries+1, got %d", records[0].AttemptsMade)
	}

	// The apology follows the DLQ write, so poll rather than assert at once.
	waitFor(t, 2*time.Second, func() bool { return len(chat.sent()) >= 1 }, "apology never sent")
	if sent := chat.sent(); len(sent) != 1 {
		t.Fatalf("exactly one apology must be sent, got %d", len(sent))
	}
}

func TestProcessor_TimeoutIsRetried(t *testing.T) {
	reg := NewRegistry()
	var mu sync.Mutex
	attempts := 0
	reg.Register("slow", func(ctx context.Context, job *Job) (interface{}, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return "ok", nil
	})
	p := startProcessor(t, reg, nil, nil, Config{ProcessingTimeout: 30 * time.Millisecond, MaxRetries: 2})

	id, _ := p.Enqueue(context.Background(), &Job{ConversationID: "C7", Handler: "slow"})
	waitFor(t, 3*time.Second, func() bool {
		st, _, ok := p.Status(id)
		return ok && st == StateCompleted
	}, "timed-out job should succeed on retry")

	_, rec, _ := p.Status(id)
	if rec.Job.Attempts != 2 {
		t.Errorf("expected success on second attempt, got %d", rec.Job.Attempts)
	}
}

func TestProcessor_UnknownHandlerGoesStraightToDLQ(t *testing.T) {
	dlq := NewDLQ(nil, DLQConfig{}, nil)
	t.Cleanup(dlq.Close)
	p := startProcessor(t, NewRegistry(), nil, dlq, Config{MaxRetries: 2})

	id, _ := p.Enqueue(context.Background(), &Job{ConversationID: "C8", Handler: "nope"})
	waitFor(t, 2*time.Second, func() bool {
		st, _, ok := p.Status(id)
		return ok && st == StateFailed
	}, "unresolvable job should fail")

	if dlq.Waiting(context.Background()) != 1 {
		t.Fatal("unknown handler must land in DLQ without burning retries")
	}
	records, _, _ := dlq.List(context.Background(), 0, 1)
	if records[0].AttemptsMade != 1 {
		t.Errorf("fatal failure should record a single attempt, got %d", records[0].AttemptsMade)
	}
}

func TestProcessor_NoChatClientSkipsApology(t *testing.T) {
	reg := NewRegistry()
	reg.Register("explode", func(ctx context.Context, job *Job) (interface{}, error) {
		return nil, errors.New("handler blew up")
	})
	dlq := NewDLQ(nil, DLQConfig{}, nil)
	t.Cleanup(dlq.Close)
	p := startProcessor(t, reg, nil, dlq, Config{MaxRetries: 0})

	id, _ := p.Enqueue(context.Background(), &Job{ConversationID: "C10", Handler: "explode"})
	waitFor(t, 2*time.Second, func() bool {
		st, _, ok := p.Status(id)
		return ok && st == StateFailed
	}, "job must reach terminal failure without a chat client")

	if dlq.Waiting(context.Background()) != 1 {
		t.Fatal("terminal failure must still land in the DLQ")
	}
}

func TestProcessor_TypingHeartbeat(t *testing.T) {
	reg := NewRegistry()
	reg.Register("slowish", func(ctx context.Context, job *Job) (interface{}, error) {
		time.Sleep(80 * time.Millisecond)
		return nil, nil
	})
	chat := &fakeChat{}
	p := startProcessor(t, reg, chat, nil, Config{
		TypingEnabled:  true,
		TypingInterval: 25 * time.Millisecond,
	})

	id, _ := p.Enqueue(context.Background(), &Job{ConversationID: "C9", Handler: "slowish"})
	waitFor(t, 2*time.Second, func() bool {
		st, _, ok := p.Status(id)
		return ok && st == StateCompleted
	}, "job should complete")

	// One immediate poke plus at least two heartbeats during the 80ms run.
	if chat.typingPokes() < 3 {
		t.Errorf("expected immediate poke plus heartbeats, got %d", chat.typingPokes())
	}
}

func TestEnqueue_ReturnsImmediately(t *testing.T) {
	reg := NewRegistry()
	block := make(chan struct{})
	reg.Register("blocked", func(ctx context.Context, job *Job) (interface{}, error) {
		<-block
		return nil, nil
	})
	defer close(block)
	p := startProcessor(t, reg, nil, nil, Config{MaxConcurrent: 1})

	start := time.Now()
	for i := 0; i < 20; i++ {
		if _, err := p.Enqueue(context.Background(), &Job{ConversationID: "C", Handler: "blocked"}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("enqueue must not wait on workers, took %s", elapsed)
	}
}
