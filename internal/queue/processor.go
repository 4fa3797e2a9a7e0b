package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JorgeAlan/tagers-platform-sub003/internal/chatwoot"
)

// ErrTimeout marks a handler that exceeded its per-job wall clock. It is
// recoverable and participates in the retry budget.
var ErrTimeout = errors.New("processing timeout")

// Config tunes the worker pool. Zero fields get documented defaults.
type Config struct {
	MaxConcurrent      int           // default 5
	MaxRetries         int           // default 2
	RetryDelay         time.Duration // linear backoff base, default 1s
	ProcessingTimeout  time.Duration // default 30s
	TypingEnabled      bool
	TypingInterval     time.Duration // default 3s
	CompletedRetention time.Duration // default 5m
}

// Processor drives the worker pool. Enqueue returns immediately so the
// webhook handler can acknowledge the platform well inside its timeout; the
// work happens on a bounded set of background workers.
type Processor struct {
	backend  Backend
	registry *Registry
	chat     chatwoot.API // may be nil in tests
	dlq      *DLQ
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	records map[string]*Record
	pending map[string]State

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewProcessor wires a processor. dlq and chat may be nil.
func NewProcessor(backend Backend, registry *Registry, chat chatwoot.API, dlq *DLQ, cfg Config) *Processor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 30 * time.Second
	}
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = 3 * time.Second
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = 5 * time.Minute
	}
	return &Processor{
		backend:  backend,
		registry: registry,
		chat:     chat,
		dlq:      dlq,
		cfg:      cfg,
		logger:   slog.With("component", "processor"),
		records:  make(map[string]*Record),
		pending:  make(map[string]State),
	}
}

// Enqueue serialises the job into the queue and returns its id immediately.
func (p *Processor) Enqueue(ctx context.Context, job *Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.State = StatePending
	job.EnqueuedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if err := p.backend.Push(ctx, data); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	p.mu.Lock()
	p.pending[job.ID] = StatePending
	p.mu.Unlock()
	return job.ID, nil
}

// Start launches the worker pool and the record pruner. It returns after
// spawning; Stop blocks until workers drain.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.MaxConcurrent; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.wg.Add(1)
	go p.pruneRecords(ctx)

	p.logger.Info("Worker pool started", "workers", p.cfg.MaxConcurrent)
}

// Stop cancels the workers and waits for in-flight jobs to return.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Status reports the last known state of a job, with the terminal record
// when available.
func (p *Processor) Status(jobID string) (State, *Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.records[jobID]; ok {
		return rec.Job.State, rec, true
	}
	if st, ok := p.pending[jobID]; ok {
		return st, nil, true
	}
	return "", nil, false
}

// Depth returns the number of jobs waiting in the backend.
func (p *Processor) Depth(ctx context.Context) int {
	n, err := p.backend.Len(ctx)
	if err != nil {
		return 0
	}
	return n
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, err := p.backend.Pop(ctx, time.Second)
		if errors.Is(err, ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("Dequeue failed", "worker", id, "error", err)
			time.Sleep(time.Second)
			continue
		}

		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			p.logger.Error("Dropping undecodable job", "worker", id, "error", err)
			continue
		}
		p.process(ctx, &job)
	}
}

func (p *Processor) process(ctx context.Context, job *Job) {
	job.Attempts++
	job.State = StateProcessing
	job.LastAttemptAt = time.Now()
	p.setPending(job.ID, StateProcessing)

	stopTyping := p.startTyping(ctx, job.ConversationID)
	started := time.Now()

	result, err := p.runHandler(ctx, job)
	stopTyping()

	if err == nil {
		job.State = StateCompleted
		p.finish(job, result, time.Since(started))
		return
	}

	job.LastError = err.Error()
	p.logger.Warn("Job attempt failed",
		"job", job.ID, "handler", job.Handler, "attempt", job.Attempts, "error", err)

	var fatal *fatalError
	if !errors.As(err, &fatal) && job.Attempts <= p.cfg.MaxRetries {
		p.requeueLater(job)
		return
	}

	// Retries exhausted (or the failure can never succeed): DLQ + apology.
	job.State = StateFailed
	if p.dlq != nil {
		p.dlq.Add(ctx, job, err)
	}
	p.finish(job, nil, time.Since(started))
	p.apologise(ctx, job.ConversationID)
}

// fatalError wraps failures that no retry can fix (e.g. unknown handler id).
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// runHandler races the handler against the per-job timeout.
func (p *Processor) runHandler(ctx context.Context, job *Job) (interface{}, error) {
	handler, err := p.registry.Resolve(job.Handler)
	if err != nil {
		return nil, &fatalError{err: err}
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.ProcessingTimeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := handler(jobCtx, job)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-jobCtx.Done():
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, jobCtx.Err()
	}
}

// requeueLater re-enqueues with linear backoff: retryDelay × attempts.
func (p *Processor) requeueLater(job *Job) {
	job.State = StatePending
	p.setPending(job.ID, StatePending)
	delay := p.cfg.RetryDelay * time.Duration(job.Attempts)

	data, err := json.Marshal(job)
	if err != nil {
		p.logger.Error("Cannot marshal job for retry", "job", job.ID, "error", err)
		return
	}
	time.AfterFunc(delay, func() {
		if err := p.backend.Push(context.Background(), data); err != nil {
			p.logger.Error("Retry enqueue failed", "job", job.ID, "error", err)
		}
	})
	p.logger.Info("Job scheduled for retry", "job", job.ID, "attempt", job.Attempts, "delay", delay)
}

// startTyping pokes the typing indicator immediately and keeps it alive
// until the returned stop function is called.
func (p *Processor) startTyping(ctx context.Context, conversationID string) func() {
	if !p.cfg.TypingEnabled || p.chat == nil || conversationID == "" {
		return func() {}
	}

	if err := p.chat.ToggleTyping(ctx, conversationID, true); err != nil {
		p.logger.Debug("Typing toggle failed", "conversation", conversationID, "error", err)
	}

	stop := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(p.cfg.TypingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				p.chat.ToggleTyping(context.Background(), conversationID, false)
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.chat.ToggleTyping(ctx, conversationID, true)
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

func (p *Processor) apologise(ctx context.Context, conversationID string) {
	if p.chat == nil || conversationID == "" {
		return
	}
	if err := p.chat.SendMessage(ctx, conversationID, chatwoot.ApologyMessage); err != nil {
		p.logger.Error("Failed to send apology", "conversation", conversationID, "error", err)
	}
}

func (p *Processor) finish(job *Job, result interface{}, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, job.ID)
	p.records[job.ID] = &Record{
		Job:        *job,
		Result:     result,
		Duration:   duration,
		FinishedAt: time.Now(),
	}
}

func (p *Processor) setPending(jobID string, st State) {
	p.mu.Lock()
	p.pending[jobID] = st
	p.mu.Unlock()
}

// pruneRecords drops terminal records older than the retention window.
func (p *Processor) pruneRecords(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.cfg.CompletedRetention)
			p.mu.Lock()
			for id, rec := range p.records {
				if rec.FinishedAt.Before(cutoff) {
					delete(p.records, id)
				}
			}
			p.mu.Unlock()
		}
	}
}
