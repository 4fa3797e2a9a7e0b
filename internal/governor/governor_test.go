package governor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/JorgeAlan/tagers-platform-sub003/internal/chatwoot"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/ratelimit"
)

type stubGate struct {
	active bool
	err    error
}

func (s *stubGate) AgentActive(ctx context.Context, conversationID string) (bool, error) {
	return s.active, s.err
}

type stubBlacklist struct {
	res BlacklistResult
	err error
}

func (s *stubBlacklist) Check(ctx context.Context, conversationID string, contact chatwoot.Contact) (BlacklistResult, error) {
	return s.res, s.err
}

type stubFlows struct {
	state *FlowState
	err   error
}

func (s *stubFlows) Current(ctx context.Context, conversationID string) (*FlowState, error) {
	return s.state, s.err
}

func incoming(conv, text string) *chatwoot.Envelope {
	return &chatwoot.Envelope{
		ConversationID: conv,
		MessageType:    chatwoot.MessageIncoming,
		MessageText:    text,
	}
}

func newGovernor(t *testing.T, cfg ratelimit.Config, gate AgentGate, bl Blacklist, flows FlowStateStore, hours HoursConfig) *Governor {
	t.Helper()
	limiter := ratelimit.New(nil, cfg)
	t.Cleanup(limiter.Close)
	return New(limiter, gate, bl, flows, hours)
}

func assertKind(t *testing.T, d Decision, kind DecisionKind) {
	t.Helper()
	if d.Kind != kind {
		t.Fatalf("expected %s, got %s (%s)", kind, d.Kind, d.Reason)
	}
	if d.ShouldProcess != (d.Kind == Proceed) {
		t.Fatalf("invariant broken: shouldProcess=%v kind=%s", d.ShouldProcess, d.Kind)
	}
}

func TestEvaluate_InvalidPayload(t *testing.T) {
	g := newGovernor(t, ratelimit.Config{}, nil, nil, nil, HoursConfig{})
	d := g.Evaluate(context.Background(), &chatwoot.Envelope{MessageText: "hola"})
	assertKind(t, d, SkipInvalid)
}

func TestEvaluate_MessageTypes(t *testing.T) {
	g := newGovernor(t, ratelimit.Config{}, nil, nil, nil, HoursConfig{})

	out := incoming("C1", "hola")
	out.MessageType = chatwoot.MessageOutgoing
	assertKind(t, g.Evaluate(context.Background(), out), SkipOutgoing)

	private := incoming("C1", "nota interna")
	private.IsPrivate = true
	assertKind(t, g.Evaluate(context.Background(), private), SkipPrivate)

	activity := incoming("C1", "conversation resolved")
	activity.MessageType = chatwoot.MessageActivity
	assertKind(t, g.Evaluate(context.Background(), activity), SkipOutgoing)
}

func TestEvaluate_ContentBounds(t *testing.T) {
	g := newGovernor(t, ratelimit.Config{}, nil, nil, nil, HoursConfig{})

	assertKind(t, g.Evaluate(context.Background(), incoming("C1", "")), SkipEmpty)
	assertKind(t, g.Evaluate(context.Background(), incoming("C1", strings.Repeat("a", 4001))), SkipSpam)
	assertKind(t, g.Evaluate(context.Background(), incoming("C1", strings.Repeat("a", 4000))), Proceed)
}

// Scenario: the same text twice within the window is admitted once; after
// the window it is admitted again.
func TestEvaluate_Dedupe(t *testing.T) {
	g := newGovernor(t, ratelimit.Config{DedupeWindow: 60 * time.Millisecond}, nil, nil, nil, HoursConfig{})
	ctx := context.Background()

	assertKind(t, g.Evaluate(ctx, incoming("C1", "hola")), Proceed)
	assertKind(t, g.Evaluate(ctx, incoming("C1", "hola")), SkipDuplicate)

	time.Sleep(70 * time.Millisecond)
	assertKind(t, g.Evaluate(ctx, incoming("C1", "hola")), Proceed)
}

// Scenario: with maxRequests=2, the third distinct message in the window is
// rate limited and reports remaining=0.
func TestEvaluate_RateLimit(t *testing.T) {
	g := newGovernor(t, ratelimit.Config{MaxRequests: 2, Window: time.Minute}, nil, nil, nil, HoursConfig{})
	ctx := context.Background()

	assertKind(t, g.Evaluate(ctx, incoming("C2", "uno")), Proceed)
	assertKind(t, g.Evaluate(ctx, incoming("C2", "dos")), Proceed)

	d := g.Evaluate(ctx, incoming("C2", "tres"))
	assertKind(t, d, SkipRateLimited)
	if d.Context.RateLimit.Remaining != 0 {
		t.Errorf("expected remaining=0, got %d", d.Context.RateLimit.Remaining)
	}
}

func TestEvaluate_ServiceHours(t *testing.T) {
	g := newGovernor(t, ratelimit.Config{}, nil, nil, nil, HoursConfig{Enabled: true, Start: 8, End: 22})

	g.now = func() time.Time { return time.Date(2026, 1, 10, 3, 0, 0, 0, time.UTC) }
	assertKind(t, g.Evaluate(context.Background(), incoming("C3", "hola")), SkipOutsideHours)

	g.now = func() time.Time { return time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC) }
	assertKind(t, g.Evaluate(context.Background(), incoming("C3", "hola otra vez")), Proceed)

	g.now = func() time.Time { return time.Date(2026, 1, 10, 22, 0, 0, 0, time.UTC) }
	assertKind(t, g.Evaluate(context.Background(), incoming("C3", "buenas noches")), SkipOutsideHours)
}

// Scenario: the config hub swaps service hours at runtime; the next
// evaluation sees the new gate without a restart.
func TestSetHours_SwapsGateAtRuntime(t *testing.T) {
	g := newGovernor(t, ratelimit.Config{}, nil, nil, nil, HoursConfig{})
	g.now = func() time.Time { return time.Date(2026, 1, 10, 3, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	assertKind(t, g.Evaluate(ctx, incoming("C3b", "hola")), Proceed)

	g.SetHours(HoursConfig{Enabled: true, Start: 9, End: 21})
	assertKind(t, g.Evaluate(ctx, incoming("C3b", "sigo aquí")), SkipOutsideHours)

	g.SetHours(HoursConfig{})
	assertKind(t, g.Evaluate(ctx, incoming("C3b", "ya sin horario")), Proceed)
}

func TestEvaluate_AgentActive(t *testing.T) {
	g := newGovernor(t, ratelimit.Config{}, &stubGate{active: true}, nil, nil, HoursConfig{})
	assertKind(t, g.Evaluate(context.Background(), incoming("C4", "hola")), SkipAgentActive)
}

func TestEvaluate_Blacklist(t *testing.T) {
	bl := &stubBlacklist{res: BlacklistResult{Blocked: true, Reason: "abuse", Source: "crm"}}
	g := newGovernor(t, ratelimit.Config{}, nil, bl, nil, HoursConfig{})
	d := g.Evaluate(context.Background(), incoming("C5", "hola"))
	assertKind(t, d, SkipBlacklisted)
	if d.Reason != "abuse" {
		t.Errorf("blacklist reason should surface, got %q", d.Reason)
	}
}

// External capability failures must fail open: the message is admitted.
func TestEvaluate_FailOpenOnExternalErrors(t *testing.T) {
	gate := &stubGate{err: errors.New("gate down")}
	bl := &stubBlacklist{err: errors.New("crm down")}
	flows := &stubFlows{err: errors.New("flow store down")}
	g := newGovernor(t, ratelimit.Config{}, gate, bl, flows, HoursConfig{})

	d := g.Evaluate(context.Background(), incoming("C6", "hola"))
	assertKind(t, d, Proceed)
	if d.Context.HasActiveFlow {
		t.Error("flow enrichment must degrade to no-flow on error")
	}
}

func TestEvaluate_FlowEnrichment(t *testing.T) {
	flows := &stubFlows{state: &FlowState{Name: "order_create", Step: 2}}
	g := newGovernor(t, ratelimit.Config{}, nil, nil, flows, HoursConfig{})

	d := g.Evaluate(context.Background(), incoming("C7", "quiero una rosca"))
	assertKind(t, d, Proceed)
	if !d.Context.HasActiveFlow || d.Context.FlowState.Name != "order_create" {
		t.Fatalf("flow state should be attached on PROCEED, got %+v", d.Context)
	}
}

// Distinct conversations never share windows.
func TestEvaluate_ConversationIsolation(t *testing.T) {
	g := newGovernor(t, ratelimit.Config{MaxRequests: 1, Window: time.Minute}, nil, nil, nil, HoursConfig{})
	ctx := context.Background()

	assertKind(t, g.Evaluate(ctx, incoming("A", "hola")), Proceed)
	assertKind(t, g.Evaluate(ctx, incoming("B", "hola")), Proceed)
}
