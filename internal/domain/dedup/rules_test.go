package dedup

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseRules_Overrides(t *testing.T) {
	r, err := ParseRules([]byte(`
chip_confidence: 0.9
location:
  max_distance_meters: 300
  min_score: 0.6
`))
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	if r.ChipConfidence != 0.9 || r.Location.MaxDistanceMeters != 300 || r.Location.MinScore != 0.6 {
		t.Errorf("overrides not applied: %+v", r)
	}
	if r.Location.DistanceWeight != 0.4 || r.Location.MaxHoursApart != 72 {
		t.Errorf("defaults lost: %+v", r.Location)
	}
	if r.ExternalIDConfidence != 1.0 {
		t.Errorf("external id confidence must stay 1.0, got %v", r.ExternalIDConfidence)
	}
}

func TestParseRules_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"weights do not sum to one", "location:\n  text_weight: 0.5\n"},
		{"confidence above one", "chip_confidence: 1.2\n"},
		{"negative distance", "location:\n  max_distance_meters: -1\n"},
		{"zero hours", "location:\n  max_hours_apart: 0\n"},
		{"not yaml", "location: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRules([]byte(tt.yaml)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestLoadRules(t *testing.T) {
	r, err := LoadRules("")
	if err != nil || r != DefaultRules() {
		t.Fatalf("expected defaults, got %+v %v", r, err)
	}

	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("manual_default_confidence: 0.8\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	r, err = LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if r.ManualDefaultConfidence != 0.8 {
		t.Errorf("expected 0.8, got %v", r.ManualDefaultConfidence)
	}

	if _, err := LoadRules(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestDefaultRulesValid(t *testing.T) {
	if err := DefaultRules().Validate(); err != nil {
		t.Fatalf("default rules invalid: %v", err)
	}
}
