package beacon

import "strings"

// sourceSeverity maps signal sources to a default severity when the
// classifier did not provide one.
var sourceSeverity = map[string]Severity{
	"OPS_TRAFFIC_ALERT":       SeverityHigh,
	"OPS_CAPACITY_WARNING":    SeverityHigh,
	"QA_BATCH_FINISHED":       SeverityMedium,
	"QA_BATCH_FAILED":         SeverityHigh,
	"INVENTORY_LOW":           SeverityHigh,
	"INVENTORY_RECOUNT":       SeverityMedium,
	"SHIFT_END_CHECKIN":       SeverityLow,
	"SHIFT_NO_SHOW":           SeverityHigh,
	"WEB_ORDER_SPIKE":         SeverityHigh,
	"ORDER_CANCEL_REQUEST":    SeverityMedium,
	"HUMAN_DECISION_RESPONSE": SeverityMedium,
}

// priorityByName pairs each severity with its task name.
var taskNameBySeverity = map[Severity]string{
	SeverityCritical: "ATENDER_AHORA",
	SeverityHigh:     "ATENDER_PRONTO",
	SeverityMedium:   "REVISAR_HOY",
	SeverityLow:      "REVISAR_CUANDO_PUEDAS",
}

// InferSeverity resolves the effective severity: the classifier's verdict
// when valid, then the source table, then a machine_payload hint, and
// MEDIUM as the last resort.
func InferSeverity(b *Beacon, signal *NormalizedSignal) Severity {
	if signal != nil && ValidSeverity(signal.Severity) {
		return signal.Severity
	}
	if sev, ok := sourceSeverity[strings.ToUpper(b.SignalSource)]; ok {
		return sev
	}
	if hint, ok := b.MachinePayload["severity"].(string); ok {
		if sev := Severity(strings.ToUpper(hint)); ValidSeverity(sev) {
			return sev
		}
	}
	return SeverityMedium
}

// PriorityFor maps severity to the instruction priority and task name.
func PriorityFor(sev Severity) (priority, taskName string) {
	switch sev {
	case SeverityCritical:
		return "CRITICAL", taskNameBySeverity[SeverityCritical]
	case SeverityHigh:
		return "HIGH", taskNameBySeverity[SeverityHigh]
	case SeverityLow:
		return "LOW", taskNameBySeverity[SeverityLow]
	default:
		return "MEDIUM", taskNameBySeverity[SeverityMedium]
	}
}
