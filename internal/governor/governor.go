// Package governor is the admission pipeline. Every webhook passes through
// an ordered set of checks; the first failing check wins and produces a
// typed SKIP decision. The Governor never returns an error — external
// capability failures fail open with a logged warning, so a Redis or
// downstream outage degrades admission precision, not availability.
package governor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/JorgeAlan/tagers-platform-sub003/internal/chatwoot"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/ratelimit"
)

// DecisionKind is the typed admission outcome.
type DecisionKind string

const (
	Proceed          DecisionKind = "PROCEED"
	SkipOutgoing     DecisionKind = "SKIP_OUTGOING"
	SkipPrivate      DecisionKind = "SKIP_PRIVATE"
	SkipAgentActive  DecisionKind = "SKIP_AGENT_ACTIVE"
	SkipOutsideHours DecisionKind = "SKIP_OUTSIDE_HOURS"
	SkipSpam         DecisionKind = "SKIP_SPAM"
	SkipDuplicate    DecisionKind = "SKIP_DUPLICATE"
	SkipRateLimited  DecisionKind = "SKIP_RATE_LIMITED"
	SkipInvalid      DecisionKind = "SKIP_INVALID"
	SkipEmpty        DecisionKind = "SKIP_EMPTY"
	SkipBlacklisted  DecisionKind = "SKIP_BLACKLISTED"
)

// maxMessageLength bounds admitted content; anything longer is spam.
const maxMessageLength = 4000

// externalTimeout bounds each external capability call so the whole
// pipeline stays inside its <50ms budget.
const externalTimeout = 25 * time.Millisecond

// Context is what the Governor learned while admitting a message.
type Context struct {
	RateLimit     ratelimit.RateLimitResult
	Dedupe        ratelimit.DedupeResult
	FlowState     *FlowState
	HasActiveFlow bool
}

// Decision is the admission outcome. Invariant: ShouldProcess is true iff
// Kind == Proceed.
type Decision struct {
	ShouldProcess bool
	Kind          DecisionKind
	Reason        string
	Context       Context
}

// FlowState is the conversation's current flow position, loaded from the
// external flow-state service on PROCEED.
type FlowState struct {
	Name string
	Step int
	Data map[string]string
}

// AgentGate reports whether a human agent currently owns the conversation.
type AgentGate interface {
	AgentActive(ctx context.Context, conversationID string) (bool, error)
}

// BlacklistResult is the external blacklist's verdict.
type BlacklistResult struct {
	Blocked bool
	Reason  string
	Source  string
}

// Blacklist checks a contact against the external block list.
type Blacklist interface {
	Check(ctx context.Context, conversationID string, contact chatwoot.Contact) (BlacklistResult, error)
}

// FlowStateStore loads the conversation's active flow, if any.
type FlowStateStore interface {
	Current(ctx context.Context, conversationID string) (*FlowState, error)
}

// HoursConfig gates admission by local hour when enabled; a message is
// admitted when hour ∈ [Start, End).
type HoursConfig struct {
	Enabled bool
	Start   int
	End     int
}

// Governor evaluates webhooks. All collaborators are optional: a nil gate,
// blacklist or flow store simply passes its check.
type Governor struct {
	limiter   *ratelimit.Limiter
	gate      AgentGate
	blacklist Blacklist
	flows     FlowStateStore
	logger    *slog.Logger

	mu    sync.Mutex
	hours HoursConfig

	// now is injectable for the service-hours tests.
	now func() time.Time
}

// New creates a Governor.
func New(limiter *ratelimit.Limiter, gate AgentGate, blacklist Blacklist, flows FlowStateStore, hours HoursConfig) *Governor {
	return &Governor{
		limiter:   limiter,
		gate:      gate,
		blacklist: blacklist,
		flows:     flows,
		hours:     hours,
		logger:    slog.With("component", "governor"),
		now:       time.Now,
	}
}

// SetHours swaps the service-hours gate at runtime; the config hub calls
// this when the externally managed settings change.
func (g *Governor) SetHours(h HoursConfig) {
	g.mu.Lock()
	g.hours = h
	g.mu.Unlock()
}

// Hours returns the current service-hours settings.
func (g *Governor) Hours() HoursConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hours
}

// Evaluate runs the pipeline in order; the first failing check wins.
func (g *Governor) Evaluate(ctx context.Context, env *chatwoot.Envelope) Decision {
	// 1. Valid payload.
	if !env.Valid() {
		return skip(SkipInvalid, "missing conversation id")
	}

	// 2. Message type. Activity events are not customer messages either and
	// share the outgoing skip.
	switch {
	case env.MessageType == chatwoot.MessageOutgoing:
		return skip(SkipOutgoing, "outgoing message")
	case env.IsPrivate:
		return skip(SkipPrivate, "private note")
	case env.MessageType == chatwoot.MessageActivity:
		return skip(SkipOutgoing, "activity event")
	}

	// 3. Content bounds.
	text := env.MessageText
	if len(text) == 0 {
		return skip(SkipEmpty, "empty message")
	}
	if len(text) > maxMessageLength {
		return skip(SkipSpam, "message exceeds length bound")
	}

	var gctx Context

	// 4. Duplicate. The limiter fails open internally.
	gctx.Dedupe = g.limiter.CheckDuplicate(ctx, env.ConversationID, text)
	if gctx.Dedupe.IsDuplicate {
		d := skip(SkipDuplicate, "repeated message inside dedupe window")
		d.Context = gctx
		return d
	}

	// 5. Rate limit.
	gctx.RateLimit = g.limiter.CheckRateLimit(ctx, env.ConversationID)
	if !gctx.RateLimit.Allowed {
		d := skip(SkipRateLimited, "conversation over rate limit")
		d.Context = gctx
		return d
	}

	// 6. Service hours. Settings may be swapped at runtime by the config hub.
	if hours := g.Hours(); hours.Enabled {
		hour := g.now().Hour()
		if hour < hours.Start || hour >= hours.End {
			d := skip(SkipOutsideHours, "outside service hours")
			d.Context = gctx
			return d
		}
	}

	// 7. Agent active — fail-open on error.
	if g.gate != nil {
		callCtx, cancel := context.WithTimeout(ctx, externalTimeout)
		active, err := g.gate.AgentActive(callCtx, env.ConversationID)
		cancel()
		if err != nil {
			g.logger.Warn("Agent gate unavailable, failing open",
				"conversation", env.ConversationID, "error", err)
		} else if active {
			d := skip(SkipAgentActive, "human agent is handling the conversation")
			d.Context = gctx
			return d
		}
	}

	// 8. Blacklist — fail-open on error.
	if g.blacklist != nil {
		callCtx, cancel := context.WithTimeout(ctx, externalTimeout)
		res, err := g.blacklist.Check(callCtx, env.ConversationID, env.Contact)
		cancel()
		if err != nil {
			g.logger.Warn("Blacklist unavailable, failing open",
				"conversation", env.ConversationID, "error", err)
		} else if res.Blocked {
			d := skip(SkipBlacklisted, res.Reason)
			d.Context = gctx
			return d
		}
	}

	// Enrichment: load the active flow, fail-open to "no flow".
	if g.flows != nil {
		callCtx, cancel := context.WithTimeout(ctx, externalTimeout)
		state, err := g.flows.Current(callCtx, env.ConversationID)
		cancel()
		if err != nil {
			g.logger.Warn("Flow state unavailable, proceeding without it",
				"conversation", env.ConversationID, "error", err)
		} else if state != nil {
			gctx.FlowState = state
			gctx.HasActiveFlow = true
		}
	}

	return Decision{ShouldProcess: true, Kind: Proceed, Reason: "admitted", Context: gctx}
}

func skip(kind DecisionKind, reason string) Decision {
	return Decision{ShouldProcess: false, Kind: kind, Reason: reason}
}
