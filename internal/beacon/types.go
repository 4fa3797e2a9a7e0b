// Package beacon turns operational events from internal apps into
// structured, authority-checked instructions. All decisions here are
// deterministic — severity, routing, hard rules and sanitisation never
// consult a model.
package beacon

import "time"

// Severity of a normalised signal.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ValidSeverity reports whether s is one of the four levels.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Target apps instructions route to.
const (
	AppControlTower = "CONTROL_TOWER"
	AppQA           = "APP_QA"
	AppOps          = "APP_OPS"
	AppInventory    = "APP_INVENTORY"
	AppSystem       = "SYSTEM"
)

// Action types.
const (
	ActionReserveShadowInventory = "RESERVE_SHADOW_INVENTORY"
	ActionPauseFutureWebSales    = "PAUSE_FUTURE_WEB_SALES"
	ActionBlockVirtualStockBatch = "BLOCK_VIRTUAL_STOCK_BATCH"
	ActionReallocateStaff        = "REALLOCATE_STAFF"
	ActionAdjustCapacity         = "ADJUST_CAPACITY"
	ActionNotifyManager          = "NOTIFY_MANAGER"
	ActionRequestApproval        = "REQUEST_APPROVAL"
	ActionEscalate               = "ESCALATE_TO_CONTROL_TOWER"
	ActionLogOnly                = "LOG_ONLY"
)

// Actor roles with special authority handling.
const RoleBruno = "BRUNO"

// Beacon is the inbound operational event.
type Beacon struct {
	BeaconID       string                 `json:"beacon_id"`
	Timestamp      string                 `json:"timestamp_iso"`
	SignalSource   string                 `json:"signal_source"`
	Actor          Actor                  `json:"actor"`
	LocationID     string                 `json:"location_id"`
	MachinePayload map[string]interface{} `json:"machine_payload"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Actor identifies who (or what) emitted the beacon.
type Actor struct {
	Role string `json:"role"`
	ID   string `json:"id"`
}

// Time parses the beacon timestamp; zero time when absent or malformed.
func (b *Beacon) Time() time.Time {
	if b.Timestamp == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, b.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// NormalizedSignal is the classifier's reading of a beacon. It may be absent
// — the engine then derives everything from the beacon itself.
type NormalizedSignal struct {
	SignalType string                 `json:"signal_type"`
	Severity   Severity               `json:"severity"`
	Summary    string                 `json:"summary"`
	Entities   map[string]interface{} `json:"entities,omitempty"`
	Confidence float64                `json:"confidence"`
}

// Action is one routable step of an instruction. Params may embed a nested
// "proposed_action" and "if_no_then" so a single REQUEST_APPROVAL encodes a
// full decision tree.
type Action struct {
	Type   string                 `json:"type"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Target is where an instruction goes.
type Target struct {
	App        string `json:"app"`
	LocationID string `json:"location_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

// Instruction is the deterministic output for one beacon.
type Instruction struct {
	InstructionID           string   `json:"instruction_id"`
	BeaconID                string   `json:"beacon_id"`
	CreatedAt               string   `json:"created_at_iso"`
	Target                  Target   `json:"target"`
	Priority                string   `json:"priority"`
	TaskName                string   `json:"task_name"`
	Message                 string   `json:"message"`
	Actions                 []Action `json:"actions"`
	Confidence              float64  `json:"confidence"`
	NeedsHumanClarification bool     `json:"needs_human_clarification"`
	ClarificationQuestion   string   `json:"clarification_question,omitempty"`
	RationaleBullets        []string `json:"rationale_bullets"`
	ModelTrace              string   `json:"model_trace,omitempty"`
}

// HardRuleViolation records one hard-rule hit.
type HardRuleViolation struct {
	Rule          string `json:"rule"`
	BlockedAction string `json:"blocked_action"`
	Reason        string `json:"reason"`
	SKU           string `json:"sku,omitempty"`
	LifeDays      int    `json:"life_days,omitempty"`
}

// ValidationResult is the hard-rule check outcome.
type ValidationResult struct {
	Valid      bool
	Violations []HardRuleViolation
}
