package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Tuning directions.
type Direction string

const (
	DirectionIncrease Direction = "INCREASE_THRESHOLD"
	DirectionDecrease Direction = "DECREASE_THRESHOLD"
	DirectionNone     Direction = "NO_CHANGE"
)

// Adjustment lifecycle actions.
type AdjustmentAction string

const (
	AdjustmentApplied  AdjustmentAction = "APPLIED"
	AdjustmentRejected AdjustmentAction = "REJECTED"
	AdjustmentPending  AdjustmentAction = "PENDING_APPROVAL"
	AdjustmentApproved AdjustmentAction = "APPROVED"
)

// Proposal is the tuner's verdict for one detector before policy gates.
type Proposal struct {
	Detector      string
	Direction     Direction
	PercentChange float64
	Reason        string
}

// Adjustment is one immutable history entry.
type Adjustment struct {
	ID            string           `json:"id"`
	Detector      string           `json:"detector"`
	Timestamp     time.Time        `json:"timestamp"`
	Action        AdjustmentAction `json:"action"`
	Direction     Direction        `json:"direction"`
	PercentChange float64          `json:"percent_change"`
	Reason        string           `json:"reason"`
	OldThreshold  float64          `json:"old_threshold"`
	NewThreshold  float64          `json:"new_threshold"`
	ApprovedBy    string           `json:"approved_by,omitempty"`
}

// TunerConfig is the auto-tuning policy.
type TunerConfig struct {
	MinSamples           int
	Window               time.Duration
	FPRTrigger           float64
	RecallFloor          float64
	MinAdjustmentPercent float64
	MaxAutoPercent       float64
	Cooldown             time.Duration
	MaxAutoPerWeek       int
}

// DefaultTunerConfig returns the stock policy.
func DefaultTunerConfig() TunerConfig {
	return TunerConfig{
		MinSamples:           10,
		Window:               7 * 24 * time.Hour,
		FPRTrigger:           0.30,
		RecallFloor:          0.80,
		MinAdjustmentPercent: 5,
		MaxAutoPercent:       15,
		Cooldown:             24 * time.Hour,
		MaxAutoPerWeek:       3,
	}
}

const defaultThreshold = 0.5

// Tuner adjusts detector thresholds from aggregated feedback. A single
// in-process tuner serialises all updates, so two goroutines can never
// race a threshold on the same detector.
type Tuner struct {
	mu sync.Mutex

	cfg    TunerConfig
	proc   *Processor
	logger *slog.Logger

	thresholds map[string]float64
	lastChange map[string]time.Time
	pending    map[string]Adjustment
	history    []Adjustment

	autoWeek  string
	autoCount int

	now func() time.Time
}

func NewTuner(proc *Processor, cfg TunerConfig, logger *slog.Logger) *Tuner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tuner{
		cfg:        cfg,
		proc:       proc,
		logger:     logger.With("component", "tuner"),
		thresholds: make(map[string]float64),
		lastChange: make(map[string]time.Time),
		pending:    make(map[string]Adjustment),
		now:        time.Now,
	}
}

// Threshold returns the current threshold for a detector.
func (t *Tuner) Threshold(detector string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.thresholds[detector]; ok {
		return v
	}
	return defaultThreshold
}

// SetThreshold seeds a detector's starting threshold.
func (t *Tuner) SetThreshold(detector string, v float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.thresholds[detector] = v
}

// Evaluate derives a proposal from window aggregates. Insufficient samples
// always yield NO_CHANGE.
func (t *Tuner) Evaluate(detector string, s Stats) Proposal {
	if s.Samples < t.cfg.MinSamples {
		return Proposal{Detector: detector, Direction: DirectionNone,
			Reason: fmt.Sprintf("only %d samples, need %d", s.Samples, t.cfg.MinSamples)}
	}
	if s.FPR > t.cfg.FPRTrigger {
		excess := s.FPR - t.cfg.FPRTrigger
		pct := 50 * excess
		if pct > 20 {
			pct = 20
		}
		return Proposal{
			Detector:      detector,
			Direction:     DirectionIncrease,
			PercentChange: pct,
			Reason:        fmt.Sprintf("FPR %.2f above trigger %.2f", s.FPR, t.cfg.FPRTrigger),
		}
	}
	if s.Recall < t.cfg.RecallFloor {
		miss := t.cfg.RecallFloor - s.Recall
		pct := 25 * miss
		if pct > 10 {
			pct = 10
		}
		return Proposal{
			Detector:      detector,
			Direction:     DirectionDecrease,
			PercentChange: pct,
			Reason:        fmt.Sprintf("recall %.2f below floor %.2f", s.Recall, t.cfg.RecallFloor),
		}
	}
	return Proposal{Detector: detector, Direction: DirectionNone, Reason: "metrics within bounds"}
}

// TuneDetector runs the full policy for one detector. The returned
// adjustment is nil when nothing was recorded (NO_CHANGE, sub-minimum
// proposal, or cooldown).
func (t *Tuner) TuneDetector(ctx context.Context, detector string) (*Adjustment, error) {
	stats, err := t.proc.Aggregate(ctx, detector, t.now().Add(-t.cfg.Window))
	if err != nil {
		return nil, err
	}
	prop := t.Evaluate(detector, stats)
	if prop.Direction == DirectionNone {
		return nil, nil
	}
	if prop.PercentChange < t.cfg.MinAdjustmentPercent {
		t.logger.Debug("proposal below minimum, discarded",
			"detector", detector, "percent", prop.PercentChange)
		return nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.lastChange[detector]; ok && now.Sub(last) < t.cfg.Cooldown {
		t.logger.Debug("detector in cooldown", "detector", detector)
		return nil, nil
	}

	old := t.thresholds[detector]
	if old == 0 {
		old = defaultThreshold
	}
	next := old * (1 + prop.PercentChange/100)
	if prop.Direction == DirectionDecrease {
		next = old * (1 - prop.PercentChange/100)
	}

	adj := Adjustment{
		ID:            uuid.NewString(),
		Detector:      detector,
		Timestamp:     now,
		Direction:     prop.Direction,
		PercentChange: prop.PercentChange,
		Reason:        prop.Reason,
		OldThreshold:  old,
		NewThreshold:  next,
	}

	// Large changes and anything over the weekly auto budget wait for a
	// human.
	if prop.PercentChange > t.cfg.MaxAutoPercent || !t.autoBudgetLocked(now) {
		adj.Action = AdjustmentPending
		t.pending[adj.ID] = adj
		t.history = append(t.history, adj)
		t.logger.Info("adjustment pending approval",
			"detector", detector, "percent", prop.PercentChange, "id", adj.ID)
		return &adj, nil
	}

	adj.Action = AdjustmentApplied
	t.applyLocked(adj, now)
	t.autoCount++
	t.history = append(t.history, adj)
	t.logger.Info("threshold adjusted",
		"detector", detector,
		"direction", string(prop.Direction),
		"old", old, "new", next)
	return &adj, nil
}

// autoBudgetLocked reports whether another auto-application fits in the
// current ISO week, resetting the counter on week change.
func (t *Tuner) autoBudgetLocked(now time.Time) bool {
	year, week := now.ISOWeek()
	key := fmt.Sprintf("%d-%02d", year, week)
	if key != t.autoWeek {
		t.autoWeek = key
		t.autoCount = 0
	}
	return t.autoCount < t.cfg.MaxAutoPerWeek
}

func (t *Tuner) applyLocked(adj Adjustment, now time.Time) {
	t.thresholds[adj.Detector] = adj.NewThreshold
	t.lastChange[adj.Detector] = now
}

// Approve applies a pending adjustment and records who approved it.
func (t *Tuner) Approve(id, approver string) (*Adjustment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending, ok := t.pending[id]
	if !ok {
		return nil, fmt.Errorf("no pending adjustment %s", id)
	}
	delete(t.pending, id)

	now := t.now()
	adj := pending
	adj.ID = uuid.NewString()
	adj.Timestamp = now
	adj.Action = AdjustmentApproved
	adj.ApprovedBy = approver
	t.applyLocked(adj, now)
	t.history = append(t.history, adj)
	t.logger.Info("adjustment approved",
		"detector", adj.Detector, "approver", approver, "new", adj.NewThreshold)
	return &adj, nil
}

// Reject discards a pending adjustment, keeping the audit trail.
func (t *Tuner) Reject(id, approver string) (*Adjustment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending, ok := t.pending[id]
	if !ok {
		return nil, fmt.Errorf("no pending adjustment %s", id)
	}
	delete(t.pending, id)

	adj := pending
	adj.ID = uuid.NewString()
	adj.Timestamp = t.now()
	adj.Action = AdjustmentRejected
	adj.ApprovedBy = approver
	t.history = append(t.history, adj)
	return &adj, nil
}

// Pending lists adjustments waiting for approval.
func (t *Tuner) Pending() []Adjustment {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Adjustment, 0, len(t.pending))
	for _, adj := range t.pending {
		out = append(out, adj)
	}
	return out
}

// History returns a copy of the append-only adjustment log.
func (t *Tuner) History() []Adjustment {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Adjustment, len(t.history))
	copy(out, t.history)
	return out
}

// Run tunes every active detector on a fixed cadence until ctx ends.
func (t *Tuner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tuneAll(ctx)
		}
	}
}

func (t *Tuner) tuneAll(ctx context.Context) {
	detectors, err := t.proc.store.Detectors(ctx, t.now().Add(-t.cfg.Window))
	if err != nil {
		t.logger.Warn("listing detectors failed", "error", err)
		return
	}
	for _, d := range detectors {
		if _, err := t.TuneDetector(ctx, d); err != nil {
			t.logger.Warn("tuning failed", "detector", d, "error", err)
		}
	}
}
