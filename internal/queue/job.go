// Package queue owns the asynchronous job pipeline: a Redis-backed queue
// with an in-process fallback, a bounded worker pool that keeps the customer
// "typing" while handlers run, retry with linear backoff, and a dead-letter
// queue for jobs that exhaust their budget.
package queue

import (
	"encoding/json"
	"time"
)

// State of a job.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Job is the unit of work. It carries a handler identifier — not a closure —
// so it survives serialisation into Redis and can be picked up by any worker,
// including the DLQ requeue path.
type Job struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Handler        string          `json:"handler"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Attempts       int             `json:"attempts"`
	State          State           `json:"state"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	LastAttemptAt  time.Time       `json:"last_attempt_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
}

// Record is what status queries see after a job terminates. Completed
// records are retained for a short window and then pruned.
type Record struct {
	Job        Job           `json:"job"`
	Result     interface{}   `json:"result,omitempty"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
}
