package beacon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return parsed
}

func TestDateRange_InclusiveBounds(t *testing.T) {
	r := DateRange{Start: "01-02", End: "01-05"}
	cases := []struct {
		ts   string
		want bool
	}{
		{"2026-01-01T23:59:00Z", false},
		{"2026-01-02T00:00:00Z", true},
		{"2026-01-03T10:00:00Z", true},
		{"2026-01-05T23:59:00Z", true},
		{"2026-01-06T00:00:00Z", false},
	}
	for _, tc := range cases {
		if got := r.Contains(mustTime(t, tc.ts)); got != tc.want {
			t.Errorf("Contains(%s) = %v, want %v", tc.ts, got, tc.want)
		}
	}
}

func TestValidate_RejectsYearSpanningRange(t *testing.T) {
	hr := &HardRules{PeakShaving: []DateRange{{Start: "12-20", End: "01-05"}}}
	if err := hr.Validate(); err == nil {
		t.Fatal("expected validation error for a range crossing the year boundary")
	}
}

func TestCheckHardRules_PullOnlyBlocksBothActionTypes(t *testing.T) {
	hr := &HardRules{PullOnly: []DateRange{{Start: "01-12", End: "01-18"}}}
	at := mustTime(t, "2026-01-15T12:00:00Z")

	result := hr.CheckHardRules(at, []Action{
		{Type: ActionReserveShadowInventory, Params: map[string]interface{}{"sku": "concha_vainilla"}},
		{Type: ActionPauseFutureWebSales, Params: map[string]interface{}{"sku": "concha_vainilla"}},
		{Type: ActionNotifyManager},
	})

	if result.Valid {
		t.Fatal("expected violations inside the pull-only window")
	}
	if len(result.Violations) != 2 {
		t.Fatalf("violations = %d, want 2", len(result.Violations))
	}
	for _, v := range result.Violations {
		if v.Rule != RulePullOnlyWindow {
			t.Errorf("rule = %s", v.Rule)
		}
	}
}

func TestCheckHardRules_ShelfLifeSubstringMatch(t *testing.T) {
	hr := peakRules()
	at := mustTime(t, "2026-01-03T10:00:00Z")

	// Underscores in the SKU normalise to spaces before matching.
	result := hr.CheckHardRules(at, []Action{
		{Type: ActionReserveShadowInventory, Params: map[string]interface{}{"sku": "ROSCA_LOTUS_500G"}},
	})
	if result.Valid {
		t.Fatal("expected NO_PEAK_SHAVING_1DAY for a 1-day SKU in the peak window")
	}
	if result.Violations[0].LifeDays != 1 {
		t.Errorf("life_days = %d", result.Violations[0].LifeDays)
	}

	// A SKU without a shelf-life rule passes.
	result = hr.CheckHardRules(at, []Action{
		{Type: ActionReserveShadowInventory, Params: map[string]interface{}{"sku": "bolillo"}},
	})
	if !result.Valid {
		t.Fatalf("unexpected violations: %+v", result.Violations)
	}
}

func TestCheckHardRules_ZeroTimeSkipsChecks(t *testing.T) {
	hr := peakRules()
	result := hr.CheckHardRules(time.Time{}, []Action{
		{Type: ActionReserveShadowInventory, Params: map[string]interface{}{"sku": "rosca_lotus_500g"}},
	})
	if !result.Valid {
		t.Fatal("zero timestamp must not trigger date-window rules")
	}
}

func TestLoadHardRules_FromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hard_rules.yaml")
	content := `peak_shaving:
  - start: "01-02"
    end: "01-05"
pull_only:
  - start: "01-12"
    end: "01-18"
shelf_life:
  - match: "rosca"
    days: 1
  - match: "concha"
    days: 2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	hr, err := LoadHardRules(path)
	if err != nil {
		t.Fatalf("LoadHardRules: %v", err)
	}
	if len(hr.PeakShaving) != 1 || len(hr.PullOnly) != 1 || len(hr.ShelfLife) != 2 {
		t.Fatalf("unexpected config: %+v", hr)
	}
	if hr.shelfLifeDays("rosca_lotus_500g") != 1 {
		t.Errorf("rosca shelf life lookup failed")
	}
	if hr.shelfLifeDays("pan_de_muerto") != 0 {
		t.Errorf("unmatched SKU should return 0")
	}
}

func TestLoadHardRules_MissingFile(t *testing.T) {
	if _, err := LoadHardRules(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}
