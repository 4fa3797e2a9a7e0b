package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DLQRecord is the rich failure record kept for every terminally-failed job.
type DLQRecord struct {
	JobID          string          `json:"job_id"`
	Handler        string          `json:"handler"`
	ConversationID string          `json:"conversation_id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Queue          string          `json:"queue"`
	FailureReason  string          `json:"failure_reason"`
	FailureStack   string          `json:"failure_stack,omitempty"`
	AttemptsMade   int             `json:"attempts_made"`
	FailedAt       time.Time       `json:"failed_at"`
}

// AlertFunc receives threshold alerts. The default implementation only logs;
// deployments plug in their notifier here.
type AlertFunc func(waiting int, threshold int)

// DLQConfig tunes alerting.
type DLQConfig struct {
	AlertThreshold int           // default 10
	CheckInterval  time.Duration // default 5m
	AlertCooldown  time.Duration // anti-flap window, default 30m
}

// DLQ stores terminally-failed jobs in a Redis hash, with an in-memory map
// when Redis is absent. Operations are best-effort: a DLQ failure is logged
// and never cascades into the worker.
type DLQ struct {
	rdb    redis.UniversalClient
	key    string
	cfg    DLQConfig
	logger *slog.Logger
	alert  AlertFunc

	mu        sync.Mutex
	memory    map[string]*DLQRecord // fallback store
	byReason  map[string]int
	lastAlert time.Time
	done      chan struct{}
	closeOnce sync.Once
}

// NewDLQ creates a DLQ manager. rdb may be nil.
func NewDLQ(rdb redis.UniversalClient, cfg DLQConfig, alert AlertFunc) *DLQ {
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = 10
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = 30 * time.Minute
	}
	d := &DLQ{
		rdb:      rdb,
		key:      "dlq:records",
		cfg:      cfg,
		logger:   slog.With("component", "dlq"),
		alert:    alert,
		memory:   make(map[string]*DLQRecord),
		byReason: make(map[string]int),
		done:     make(chan struct{}),
	}
	go d.watch()
	return d
}

// Add persists a failure record. Errors are logged, never returned upward —
// losing a DLQ write must not take the worker down with it.
func (d *DLQ) Add(ctx context.Context, job *Job, failure error) {
	rec := &DLQRecord{
		JobID:          job.ID,
		Handler:        job.Handler,
		ConversationID: job.ConversationID,
		Payload:        job.Payload,
		Queue:          "main",
		FailureReason:  failure.Error(),
		FailureStack:   string(debug.Stack()),
		AttemptsMade:   job.Attempts,
		FailedAt:       time.Now(),
	}

	d.mu.Lock()
	d.byReason[rec.FailureReason]++
	d.mu.Unlock()

	if d.rdb != nil {
		data, err := json.Marshal(rec)
		if err == nil {
			if err := d.rdb.HSet(ctx, d.key, rec.JobID, data).Err(); err == nil {
				return
			} else {
				d.logger.Error("Failed to persist DLQ record to Redis, keeping in memory",
					"job", rec.JobID, "error", err)
			}
		}
	}
	d.mu.Lock()
	d.memory[rec.JobID] = rec
	d.mu.Unlock()
}

// List returns records sorted newest-first, paginated.
func (d *DLQ) List(ctx context.Context, offset, limit int) ([]*DLQRecord, int, error) {
	records, err := d.all(ctx)
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].FailedAt.After(records[j].FailedAt) })

	total := len(records)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return records[offset:end], total, nil
}

// Waiting returns the number of stored records.
func (d *DLQ) Waiting(ctx context.Context) int {
	if d.rdb != nil {
		if n, err := d.rdb.HLen(ctx, d.key).Result(); err == nil {
			d.mu.Lock()
			n += int64(len(d.memory))
			d.mu.Unlock()
			return int(n)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.memory)
}

// Retry requeues one record with a fresh attempt budget and removes it.
func (d *DLQ) Retry(ctx context.Context, jobID string, enqueue func(ctx context.Context, job *Job) (string, error)) error {
	rec, err := d.get(ctx, jobID)
	if err != nil {
		return err
	}
	job := &Job{
		ConversationID: rec.ConversationID,
		Handler:        rec.Handler,
		Payload:        rec.Payload,
	}
	if _, err := enqueue(ctx, job); err != nil {
		return fmt.Errorf("requeue %s: %w", jobID, err)
	}
	return d.Discard(ctx, jobID)
}

// RetryAll requeues every record; the first enqueue error aborts the sweep.
func (d *DLQ) RetryAll(ctx context.Context, enqueue func(ctx context.Context, job *Job) (string, error)) (int, error) {
	records, err := d.all(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range records {
		if err := d.Retry(ctx, rec.JobID, enqueue); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Discard drops one record.
func (d *DLQ) Discard(ctx context.Context, jobID string) error {
	d.mu.Lock()
	delete(d.memory, jobID)
	d.mu.Unlock()
	if d.rdb != nil {
		return d.rdb.HDel(ctx, d.key, jobID).Err()
	}
	return nil
}

// Obliterate drops everything.
func (d *DLQ) Obliterate(ctx context.Context) error {
	d.mu.Lock()
	d.memory = make(map[string]*DLQRecord)
	d.byReason = make(map[string]int)
	d.mu.Unlock()
	if d.rdb != nil {
		return d.rdb.Del(ctx, d.key).Err()
	}
	return nil
}

// Aggregates returns the per-reason failure counts seen by this process.
func (d *DLQ) Aggregates() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.byReason))
	for k, v := range d.byReason {
		out[k] = v
	}
	return out
}

// CheckNow runs one alert evaluation immediately. Exposed for the periodic
// task and for tests.
func (d *DLQ) CheckNow(ctx context.Context) {
	waiting := d.Waiting(ctx)
	if waiting <= d.cfg.AlertThreshold {
		return
	}

	d.mu.Lock()
	suppressed := time.Since(d.lastAlert) < d.cfg.AlertCooldown
	if !suppressed {
		d.lastAlert = time.Now()
	}
	d.mu.Unlock()
	if suppressed {
		return
	}

	d.logger.Error("DLQ waiting count over threshold",
		"waiting", waiting, "threshold", d.cfg.AlertThreshold)
	if d.alert != nil {
		d.alert(waiting, d.cfg.AlertThreshold)
	}
}

// Close stops the background check.
func (d *DLQ) Close() {
	d.closeOnce.Do(func() { close(d.done) })
}

func (d *DLQ) watch() {
	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.CheckNow(context.Background())
		}
	}
}

func (d *DLQ) get(ctx context.Context, jobID string) (*DLQRecord, error) {
	d.mu.Lock()
	if rec, ok := d.memory[jobID]; ok {
		d.mu.Unlock()
		return rec, nil
	}
	d.mu.Unlock()

	if d.rdb == nil {
		return nil, fmt.Errorf("dlq record %s not found", jobID)
	}
	data, err := d.rdb.HGet(ctx, d.key, jobID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("dlq record %s not found", jobID)
	}
	if err != nil {
		return nil, err
	}
	var rec DLQRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt dlq record %s: %w", jobID, err)
	}
	return &rec, nil
}

func (d *DLQ) all(ctx context.Context) ([]*DLQRecord, error) {
	var records []*DLQRecord

	d.mu.Lock()
	for _, rec := range d.memory {
		records = append(records, rec)
	}
	d.mu.Unlock()

	if d.rdb != nil {
		raw, err := d.rdb.HGetAll(ctx, d.key).Result()
		if err != nil {
			return records, err
		}
		for _, data := range raw {
			var rec DLQRecord
			if err := json.Unmarshal([]byte(data), &rec); err != nil {
				d.logger.Warn("Skipping corrupt DLQ record", "error", err)
				continue
			}
			records = append(records, &rec)
		}
	}
	return records, nil
}
