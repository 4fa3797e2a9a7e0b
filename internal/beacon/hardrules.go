package beacon

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Hard-rule identifiers.
const (
	RuleNoPeakShaving1Day = "NO_PEAK_SHAVING_1DAY"
	RulePullOnlyWindow    = "PULL_ONLY_WINDOW"
)

// DateRange is a month-day window, inclusive on both ends. Ranges never
// span a year boundary; Validate rejects start > end.
type DateRange struct {
	Start string `yaml:"start"` // "MM-DD"
	End   string `yaml:"end"`
}

// ShelfLifeRule tags SKUs by normalised-name substring.
type ShelfLifeRule struct {
	Match string `yaml:"match"` // substring of the normalised SKU name
	Days  int    `yaml:"days"`
}

// HardRules is the temporal business-rule configuration.
type HardRules struct {
	PeakShaving []DateRange     `yaml:"peak_shaving"`
	PullOnly    []DateRange     `yaml:"pull_only"`
	ShelfLife   []ShelfLifeRule `yaml:"shelf_life"`
}

// LoadHardRules reads and validates the yaml configuration.
func LoadHardRules(path string) (*HardRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hard rules: %w", err)
	}
	var hr HardRules
	if err := yaml.Unmarshal(data, &hr); err != nil {
		return nil, fmt.Errorf("parse hard rules: %w", err)
	}
	if err := hr.Validate(); err != nil {
		return nil, err
	}
	return &hr, nil
}

// Validate checks every range parses and does not cross a year boundary.
func (hr *HardRules) Validate() error {
	for _, r := range append(append([]DateRange{}, hr.PeakShaving...), hr.PullOnly...) {
		sm, sd, err := parseMonthDay(r.Start)
		if err != nil {
			return err
		}
		em, ed, err := parseMonthDay(r.End)
		if err != nil {
			return err
		}
		if sm > em || (sm == em && sd > ed) {
			return fmt.Errorf("date range %s..%s crosses a year boundary", r.Start, r.End)
		}
	}
	return nil
}

// Contains reports whether t's month/day fall inside the range, inclusive.
func (r DateRange) Contains(t time.Time) bool {
	sm, sd, err := parseMonthDay(r.Start)
	if err != nil {
		return false
	}
	em, ed, err := parseMonthDay(r.End)
	if err != nil {
		return false
	}
	m, d := int(t.Month()), t.Day()
	after := m > sm || (m == sm && d >= sd)
	before := m < em || (m == em && d <= ed)
	return after && before
}

func parseMonthDay(s string) (month, day int, err error) {
	var m, d int
	if _, err := fmt.Sscanf(s, "%d-%d", &m, &d); err != nil {
		return 0, 0, fmt.Errorf("invalid month-day %q: %w", s, err)
	}
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return 0, 0, fmt.Errorf("invalid month-day %q", s)
	}
	return m, d, nil
}

// shelfLifeDays looks the SKU up against the substring rules; 0 when unknown.
func (hr *HardRules) shelfLifeDays(sku string) int {
	normalised := strings.ToLower(strings.ReplaceAll(sku, "_", " "))
	for _, rule := range hr.ShelfLife {
		if strings.Contains(normalised, strings.ToLower(rule.Match)) {
			return rule.Days
		}
	}
	return 0
}

// inAny reports whether t matches any configured range.
func inAny(ranges []DateRange, t time.Time) bool {
	for _, r := range ranges {
		if r.Contains(t) {
			return true
		}
	}
	return false
}

// CheckHardRules validates the proposed actions for a beacon dated at.
// Rule violations are not errors: the caller replaces the action list with
// a deterministic escalation.
func (hr *HardRules) CheckHardRules(at time.Time, actions []Action) ValidationResult {
	if hr == nil || at.IsZero() {
		return ValidationResult{Valid: true}
	}

	var violations []HardRuleViolation
	for _, action := range actions {
		// Shelf-life × peak-shaving: 1-day SKUs cannot be shadow-reserved
		// during a peak-shaving window.
		if action.Type == ActionReserveShadowInventory && inAny(hr.PeakShaving, at) {
			sku, _ := action.Params["sku"].(string)
			if days := hr.shelfLifeDays(sku); days == 1 {
				violations = append(violations, HardRuleViolation{
					Rule:          RuleNoPeakShaving1Day,
					BlockedAction: action.Type,
					Reason:        fmt.Sprintf("SKU %s tiene vida útil de 1 día; no puede reservarse en ventana de peak-shaving", sku),
					SKU:           sku,
					LifeDays:      days,
				})
				continue
			}
		}

		// Pull-only window: no shadow reservations or web-sale pauses.
		if inAny(hr.PullOnly, at) &&
			(action.Type == ActionReserveShadowInventory || action.Type == ActionPauseFutureWebSales) {
			violations = append(violations, HardRuleViolation{
				Rule:          RulePullOnlyWindow,
				BlockedAction: action.Type,
				Reason:        fmt.Sprintf("acción %s bloqueada durante ventana pull-only", action.Type),
			})
		}
	}

	return ValidationResult{Valid: len(violations) == 0, Violations: violations}
}
