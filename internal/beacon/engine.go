package beacon

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxRationaleBullets = 3

// Engine builds instructions from beacons. Every decision is table-driven;
// no step here calls a model.
type Engine struct {
	rules  *HardRules
	logger *slog.Logger

	newID func() string
	now   func() time.Time
}

func NewEngine(rules *HardRules, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rules:  rules,
		logger: logger.With("component", "beacon-engine"),
		newID:  uuid.NewString,
		now:    time.Now,
	}
}

// BuildInstruction runs the full pipeline for one beacon: severity,
// priority, target selection, template, authority enforcement, hard-rule
// validation and per-target sanitisation.
func (e *Engine) BuildInstruction(b *Beacon, signal *NormalizedSignal) *Instruction {
	if isHumanDecision(b, signal) {
		return e.buildDecisionReply(b)
	}

	sev := InferSeverity(b, signal)
	priority, taskName := PriorityFor(sev)
	targetApp := SelectTargetApp(b, signal)

	prop := buildProposal(b, signal)

	actions := e.enforceAuthority(b, prop.Actions)
	rationale := prop.Rationale

	at := b.Time()
	if result := e.rules.CheckHardRules(at, actions); !result.Valid {
		actions, rationale = overrideForViolations(result.Violations)
		e.logger.Warn("hard rule fired",
			"beacon_id", b.BeaconID,
			"rules", ruleNames(result.Violations))
	}

	actions = SanitizeForTarget(targetApp, actions)

	inst := &Instruction{
		InstructionID:           e.newID(),
		BeaconID:                b.BeaconID,
		CreatedAt:               e.now().UTC().Format(time.RFC3339),
		Target:                  Target{App: targetApp, LocationID: b.LocationID},
		Priority:                priority,
		TaskName:                taskName,
		Message:                 prop.Message,
		Actions:                 actions,
		Confidence:              prop.Confidence,
		NeedsHumanClarification: prop.NeedsClarification,
		ClarificationQuestion:   prop.Question,
		RationaleBullets:        capBullets(rationale),
	}

	e.logger.Info("instruction built",
		"beacon_id", b.BeaconID,
		"instruction_id", inst.InstructionID,
		"target_app", targetApp,
		"priority", priority,
		"actions", len(actions))
	return inst
}

func isHumanDecision(b *Beacon, signal *NormalizedSignal) bool {
	if strings.EqualFold(b.SignalSource, "HUMAN_DECISION_RESPONSE") {
		return true
	}
	return signal != nil && strings.EqualFold(signal.SignalType, "HUMAN_DECISION_RESPONSE")
}

// buildDecisionReply resolves an earlier REQUEST_APPROVAL. The reply beacon
// carries the embedded proposed_action / if_no_then branches in its payload.
func (e *Engine) buildDecisionReply(b *Beacon) *Instruction {
	payload := b.MachinePayload
	decision, _ := payload["decision"].(string)

	var (
		actions []Action
		message string
	)
	switch strings.ToUpper(strings.TrimSpace(decision)) {
	case "APROBAR", "SI":
		if a, ok := actionFromMap(payload["proposed_action"]); ok {
			actions = []Action{a}
			message = fmt.Sprintf("Decisión aprobada. Ejecutando %s.", a.Type)
		} else {
			actions = []Action{{Type: ActionLogOnly, Params: map[string]interface{}{"decision": decision}}}
			message = "Decisión aprobada sin acción embebida."
		}
	case "RECHAZAR", "NO", "NO_POR_AHORA":
		if a, ok := actionFromMap(payload["if_no_then"]); ok {
			actions = []Action{a}
			message = fmt.Sprintf("Decisión rechazada. Ejecutando alternativa %s.", a.Type)
		} else {
			actions = []Action{{Type: ActionLogOnly, Params: map[string]interface{}{
				"decision":   decision,
				"resolution": "cancelled",
			}}}
			message = "Decisión rechazada. Sin acción alternativa; se registra la cancelación."
		}
	default:
		actions = []Action{{Type: ActionLogOnly, Params: map[string]interface{}{"raw_payload": payload}}}
		message = fmt.Sprintf("Respuesta de decisión no reconocida: %q.", decision)
	}

	priority, taskName := PriorityFor(SeverityMedium)
	inst := &Instruction{
		InstructionID:    e.newID(),
		BeaconID:         b.BeaconID,
		CreatedAt:        e.now().UTC().Format(time.RFC3339),
		Target:           Target{App: AppControlTower, LocationID: b.LocationID},
		Priority:         priority,
		TaskName:         taskName,
		Message:          message,
		Actions:          actions,
		Confidence:       1.0,
		RationaleBullets: []string{"Resolución de una aprobación pendiente."},
	}
	e.logger.Info("decision reply resolved",
		"beacon_id", b.BeaconID,
		"decision", decision,
		"action", actions[0].Type)
	return inst
}

// enforceAuthority collapses non-advisory actions proposed by low-authority
// actors into a single approval request. With nothing left, LOG_ONLY.
func (e *Engine) enforceAuthority(b *Beacon, actions []Action) []Action {
	if !strings.EqualFold(b.Actor.Role, RoleBruno) {
		return actions
	}

	var kept []Action
	var collapsed []map[string]interface{}
	for _, a := range actions {
		if advisoryActions[a.Type] {
			kept = append(kept, a)
			continue
		}
		collapsed = append(collapsed, map[string]interface{}{
			"type":   a.Type,
			"params": a.Params,
		})
	}

	if len(collapsed) > 0 {
		kept = append(kept, Action{
			Type: ActionRequestApproval,
			Params: map[string]interface{}{
				"reason":           "ACTOR_AUTHORITY",
				"proposed_actions": collapsed,
			},
		})
		e.logger.Info("authority collapse",
			"beacon_id", b.BeaconID,
			"actor_role", b.Actor.Role,
			"collapsed", len(collapsed))
	}
	if len(kept) == 0 {
		kept = []Action{{Type: ActionLogOnly}}
	}
	return kept
}

// overrideForViolations replaces the action list deterministically when a
// hard rule fires. The first rationale bullet always names the block.
func overrideForViolations(violations []HardRuleViolation) ([]Action, []string) {
	actions := []Action{
		{Type: ActionEscalate, Params: map[string]interface{}{
			"reason":     "HARD_RULE_VIOLATION",
			"violations": violations,
		}},
		{Type: ActionLogOnly, Params: map[string]interface{}{
			"violations": violations,
		}},
	}
	rationale := []string{"Acción bloqueada por regla dura."}
	for _, v := range violations {
		rationale = append(rationale, v.Reason)
	}
	return actions, rationale
}

// SanitizeForTarget drops actions the target app may not receive. A drop on
// a non-control-tower target appends exactly one escalation.
func SanitizeForTarget(app string, actions []Action) []Action {
	var kept []Action
	dropped := 0
	hasEscalate := false
	for _, a := range actions {
		if !Allowed(app, a.Type) {
			dropped++
			continue
		}
		if a.Type == ActionEscalate {
			hasEscalate = true
		}
		kept = append(kept, a)
	}
	if dropped > 0 && app != AppControlTower && !hasEscalate {
		kept = append(kept, Action{
			Type: ActionEscalate,
			Params: map[string]interface{}{
				"reason":     "ACTION_NOT_AUTHORIZED_FOR_TARGET_APP",
				"target_app": app,
			},
		})
	}
	if len(kept) == 0 {
		kept = []Action{{Type: ActionLogOnly}}
	}
	return kept
}

func capBullets(bullets []string) []string {
	if len(bullets) > maxRationaleBullets {
		return bullets[:maxRationaleBullets]
	}
	return bullets
}

func actionFromMap(v interface{}) (Action, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return Action{}, false
	}
	t, _ := m["type"].(string)
	if t == "" {
		return Action{}, false
	}
	params, _ := m["params"].(map[string]interface{})
	return Action{Type: t, Params: params}, true
}

func ruleNames(violations []HardRuleViolation) []string {
	names := make([]string, 0, len(violations))
	for _, v := range violations {
		names = append(names, v.Rule)
	}
	return names
}
