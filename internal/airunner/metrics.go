package airunner

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks runner outcomes. Prometheus counters feed dashboards; the
// plain counters back the derived rates exposed through Snapshot.
type Metrics struct {
	callsTotal      prometheus.Counter
	firstTrySuccess prometheus.Counter
	healedSuccess   prometheus.Counter
	failures        prometheus.Counter
	selfHeals       prometheus.Counter

	mu sync.Mutex
	c  Counters
}

type Counters struct {
	Total           int64
	FirstTrySuccess int64
	HealedSuccess   int64
	Failures        int64
	SelfHeals       int64
}

// Rates are the derived success metrics.
type Rates struct {
	SuccessRate  float64
	FirstTryRate float64
	SelfHealRate float64
}

// NewMetrics registers the runner's counters with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		callsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "airunner_calls_total",
			Help: "Total structured-output LLM calls",
		}),
		firstTrySuccess: factory.NewCounter(prometheus.CounterOpts{
			Name: "airunner_first_try_success_total",
			Help: "Calls that validated on the first attempt",
		}),
		healedSuccess: factory.NewCounter(prometheus.CounterOpts{
			Name: "airunner_healed_success_total",
			Help: "Calls that succeeded after a self-healing retry",
		}),
		failures: factory.NewCounter(prometheus.CounterOpts{
			Name: "airunner_failures_total",
			Help: "Calls that exhausted their attempts",
		}),
		selfHeals: factory.NewCounter(prometheus.CounterOpts{
			Name: "airunner_self_heal_total",
			Help: "Self-healing retries issued",
		}),
	}
}

func (m *Metrics) callStarted() {
	if m == nil {
		return
	}
	m.callsTotal.Inc()
	m.mu.Lock()
	m.c.Total++
	m.mu.Unlock()
}

func (m *Metrics) callSucceeded(attempt int, selfHealed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if attempt == 1 && !selfHealed {
		m.firstTrySuccess.Inc()
		m.c.FirstTrySuccess++
	} else {
		m.healedSuccess.Inc()
		m.c.HealedSuccess++
	}
}

func (m *Metrics) callFailed() {
	if m == nil {
		return
	}
	m.failures.Inc()
	m.mu.Lock()
	m.c.Failures++
	m.mu.Unlock()
}

func (m *Metrics) selfHealTriggered() {
	if m == nil {
		return
	}
	m.selfHeals.Inc()
	m.mu.Lock()
	m.c.SelfHeals++
	m.mu.Unlock()
}

// Snapshot returns raw counters and derived rates.
func (m *Metrics) Snapshot() (Counters, Rates) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := Rates{}
	if m.c.Total > 0 {
		r.SuccessRate = float64(m.c.FirstTrySuccess+m.c.HealedSuccess) / float64(m.c.Total)
		r.FirstTryRate = float64(m.c.FirstTrySuccess) / float64(m.c.Total)
		r.SelfHealRate = float64(m.c.SelfHeals) / float64(m.c.Total)
	}
	return m.c, r
}
