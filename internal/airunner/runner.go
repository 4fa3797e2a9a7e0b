// Package airunner wraps structured-output LLM calls with schema validation
// and a self-healing retry: when the model's output fails validation, the
// broken output plus a correction prompt are appended to the conversation
// and the call is retried. Transport errors are not self-healed — those are
// the worker pool's retry problem.
package airunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// Message is a chat message passed to the model.
type Message struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

// CallFunc invokes the model and returns its raw output.
type CallFunc func(ctx context.Context, messages []Message) (string, error)

// RunResult is the runner's outcome. The runner never returns an error:
// failures are encoded here.
type RunResult struct {
	Success    bool
	Data       map[string]interface{}
	Err        string
	Attempts   int
	SelfHealed bool
}

// Config tunes the runner.
type Config struct {
	MaxAttempts int           // total attempts including the first, default 2
	RetryDelay  time.Duration // linear backoff base, default 500ms
}

// Runner executes self-healing structured-output calls.
type Runner struct {
	cfg     Config
	metrics *Metrics
	logger  *slog.Logger
}

// New creates a Runner. metrics may be nil.
func New(cfg Config, metrics *Metrics) *Runner {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	return &Runner{cfg: cfg, metrics: metrics, logger: slog.With("component", "airunner")}
}

// recoverableMarkers: an error whose message contains any of these came from
// output shape, not transport, and is worth feeding back to the model.
var recoverableMarkers = []string{
	"zod", "json", "parse", "validation", "invalid", "expected",
	"required", "undefined", "null", "type", "schema",
}

// RunOption overrides per call site.
type RunOption func(*Config)

// WithMaxAttempts overrides the attempt cap for one call.
func WithMaxAttempts(n int) RunOption {
	return func(c *Config) {
		if n > 0 {
			c.MaxAttempts = n
		}
	}
}

// Run invokes call, validates the output against schema and self-heals
// recoverable failures.
func (r *Runner) Run(ctx context.Context, call CallFunc, messages []Message, schema Schema, opts ...RunOption) RunResult {
	cfg := r.cfg
	for _, opt := range opts {
		opt(&cfg)
	}
	r.metrics.callStarted()

	conv := make([]Message, len(messages))
	copy(conv, messages)

	var lastErr error
	selfHealed := false

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return r.fail(ctx.Err(), attempt-1, selfHealed)
			case <-time.After(cfg.RetryDelay * time.Duration(attempt-1)):
			}
		}

		raw, err := call(ctx, conv)
		if err == nil {
			var data map[string]interface{}
			data, err = schema.Validate(raw)
			if err == nil {
				r.metrics.callSucceeded(attempt, selfHealed)
				return RunResult{Success: true, Data: data, Attempts: attempt, SelfHealed: selfHealed}
			}
		}
		lastErr = err

		if !IsRecoverable(err) {
			r.logger.Warn("Non-recoverable model error, skipping self-heal", "error", err)
			return r.fail(err, attempt, selfHealed)
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		broken := brokenOutput(err)
		conv = append(conv,
			Message{Role: "assistant", Content: broken},
			Message{Role: "user", Content: correctionPrompt(err)},
		)
		selfHealed = true
		r.metrics.selfHealTriggered()
		r.logger.Info("Self-healing retry", "attempt", attempt, "error", err)
	}

	return r.fail(lastErr, cfg.MaxAttempts, selfHealed)
}

func (r *Runner) fail(err error, attempts int, selfHealed bool) RunResult {
	r.metrics.callFailed()
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return RunResult{Err: msg, Attempts: attempts, SelfHealed: selfHealed}
}

// IsRecoverable reports whether the error is an output-shape problem the
// model can fix, as opposed to a transport or infrastructure failure.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range recoverableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var quotedOutputRe = regexp.MustCompile(`(?s)received:?\s*(\{.*\})`)

// brokenOutput extracts the model's failing output so it can be replayed as
// an assistant message. Falls back to a placeholder when the error carries
// nothing usable.
func brokenOutput(err error) string {
	var verr *ValidationError
	if errors.As(err, &verr) && verr.Input != "" {
		return verr.Input
	}
	if m := quotedOutputRe.FindStringSubmatch(err.Error()); m != nil {
		return m[1]
	}
	return "(respuesta anterior no disponible)"
}

// correctionPrompt restates the error and, when the failing field is known,
// names it explicitly. The model is asked for JSON only.
func correctionPrompt(err error) string {
	var b strings.Builder
	b.WriteString("Tu respuesta anterior no cumplió el formato requerido. ")
	b.WriteString(fmt.Sprintf("Error: %s. ", err.Error()))

	var verr *ValidationError
	if errors.As(err, &verr) && verr.Field != "" {
		b.WriteString(fmt.Sprintf("Corrige específicamente el campo %q (%s). ", verr.Field, verr.Reason))
	}
	b.WriteString("Responde ÚNICAMENTE con el objeto JSON corregido, sin texto adicional ni markdown.")
	return b.String()
}
