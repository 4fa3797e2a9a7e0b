// Package feedback aggregates detector feedback and tunes alert thresholds.
// Explicit labels, implicit signals and measured outcomes all land in one
// event stream; the tuner reads per-detector aggregates off that stream.
package feedback

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Label classifies one feedback event.
type Label string

const (
	// Explicit labels from reviewers.
	LabelTruePositive  Label = "TP"
	LabelFalsePositive Label = "FP"
	LabelTrueNegative  Label = "TN"
	LabelFalseNegative Label = "FN"

	// Implicit signals from operator behaviour.
	LabelAcknowledged Label = "ACK"
	LabelIgnored      Label = "IGN"
	LabelActedOn      Label = "ACT"
	LabelEscalated    Label = "ESC"

	// Measured outcomes.
	LabelResolved  Label = "RES"
	LabelRecurred  Label = "REC"
	LabelPrevented Label = "PRV"
)

var validLabels = map[Label]bool{
	LabelTruePositive: true, LabelFalsePositive: true,
	LabelTrueNegative: true, LabelFalseNegative: true,
	LabelAcknowledged: true, LabelIgnored: true,
	LabelActedOn: true, LabelEscalated: true,
	LabelResolved: true, LabelRecurred: true, LabelPrevented: true,
}

// Event is one recorded piece of feedback for a detector.
type Event struct {
	ID        string    `json:"id"`
	Detector  string    `json:"detector"`
	Label     Label     `json:"label"`
	Timestamp time.Time `json:"timestamp"`
	Notes     string    `json:"notes,omitempty"`
}

// Stats are the per-detector aggregates over a window.
type Stats struct {
	Samples int

	TP, FP, TN, FN                      int
	Acks, Ignores, Actions, Escalations int

	Precision  float64
	Recall     float64
	Accuracy   float64
	FPR        float64
	FNR        float64
	AckRate    float64
	ActionRate float64
}

// Store persists feedback events. Implementations: Postgres and memory.
type Store interface {
	Append(ctx context.Context, ev Event) error
	Events(ctx context.Context, detector string, since time.Time) ([]Event, error)
	Detectors(ctx context.Context, since time.Time) ([]string, error)
}

// Processor records events and computes aggregates.
type Processor struct {
	store  Store
	logger *slog.Logger
}

func NewProcessor(store Store, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: store, logger: logger.With("component", "feedback")}
}

// Record validates and stores one event. Unknown labels are rejected.
func (p *Processor) Record(ctx context.Context, detector string, label Label, notes string) (Event, error) {
	if detector == "" {
		return Event{}, ErrMissingDetector
	}
	if !validLabels[label] {
		return Event{}, ErrUnknownLabel
	}
	ev := Event{
		ID:        uuid.NewString(),
		Detector:  detector,
		Label:     label,
		Timestamp: time.Now().UTC(),
		Notes:     notes,
	}
	if err := p.store.Append(ctx, ev); err != nil {
		return Event{}, err
	}
	p.logger.Debug("feedback recorded", "detector", detector, "label", string(label))
	return ev, nil
}

// Aggregate computes the window aggregates for one detector.
func (p *Processor) Aggregate(ctx context.Context, detector string, since time.Time) (Stats, error) {
	events, err := p.store.Events(ctx, detector, since)
	if err != nil {
		return Stats{}, err
	}
	return Compute(events), nil
}

// Compute derives rates from raw events. Ratios with a zero denominator
// stay at zero rather than NaN.
func Compute(events []Event) Stats {
	var s Stats
	for _, ev := range events {
		switch ev.Label {
		case LabelTruePositive:
			s.TP++
		case LabelFalsePositive:
			s.FP++
		case LabelTrueNegative:
			s.TN++
		case LabelFalseNegative:
			s.FN++
		case LabelAcknowledged:
			s.Acks++
		case LabelIgnored:
			s.Ignores++
		case LabelActedOn:
			s.Actions++
		case LabelEscalated:
			s.Escalations++
		}
	}
	s.Samples = len(events)

	if d := s.TP + s.FP; d > 0 {
		s.Precision = float64(s.TP) / float64(d)
	}
	if d := s.TP + s.FN; d > 0 {
		s.Recall = float64(s.TP) / float64(d)
	}
	if d := s.TP + s.FP + s.TN + s.FN; d > 0 {
		s.Accuracy = float64(s.TP+s.TN) / float64(d)
	}
	if d := s.FP + s.TN; d > 0 {
		s.FPR = float64(s.FP) / float64(d)
	}
	if d := s.TP + s.FN; d > 0 {
		s.FNR = float64(s.FN) / float64(d)
	}
	if d := s.Acks + s.Ignores; d > 0 {
		s.AckRate = float64(s.Acks) / float64(d)
	}
	if d := s.Actions + s.Escalations + s.Ignores; d > 0 {
		s.ActionRate = float64(s.Actions) / float64(d)
	}
	return s
}
