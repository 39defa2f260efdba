package dedup

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// LocationRules weights the signals of the location rule.
type LocationRules struct {
	DistanceWeight    float64 `yaml:"distance_weight"`
	RecencyWeight     float64 `yaml:"recency_weight"`
	TextWeight        float64 `yaml:"text_weight"`
	MaxDistanceMeters float64 `yaml:"max_distance_meters"`
	MaxHoursApart     float64 `yaml:"max_hours_apart"`
	MinScore          float64 `yaml:"min_score"`
}

// Rules holds the tunable weights and thresholds of the scorer.
type Rules struct {
	ExternalIDConfidence    float64       `yaml:"-"`
	ChipConfidence          float64       `yaml:"chip_confidence"`
	Location                LocationRules `yaml:"location"`
	ManualDefaultConfidence float64       `yaml:"manual_default_confidence"`
}

func DefaultRules() Rules {
	return Rules{
		ExternalIDConfidence: 1.0,
		ChipConfidence:       0.95,
		Location: LocationRules{
			DistanceWeight:    0.4,
			RecencyWeight:     0.3,
			TextWeight:        0.3,
			MaxDistanceMeters: 150,
			MaxHoursApart:     72,
			MinScore:          0.5,
		},
		ManualDefaultConfidence: 1.0,
	}
}

// ParseRules decodes YAML over the defaults. Keys that are absent keep their
// default value.
func ParseRules(data []byte) (Rules, error) {
	r := DefaultRules()
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rules{}, fmt.Errorf("parse matching rules: %w", err)
	}
	r.ExternalIDConfidence = 1.0
	if err := r.Validate(); err != nil {
		return Rules{}, err
	}
	return r, nil
}

// LoadRules reads a matching rules file. An empty path yields the defaults.
func LoadRules(path string) (Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read matching rules: %w", err)
	}
	return ParseRules(data)
}

func unit(name string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("matching rules: %s must be within [0,1], got %v", name, v)
	}
	return nil
}

func (r Rules) Validate() error {
	l := r.Location
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"chip_confidence", r.ChipConfidence},
		{"manual_default_confidence", r.ManualDefaultConfidence},
		{"location.distance_weight", l.DistanceWeight},
		{"location.recency_weight", l.RecencyWeight},
		{"location.text_weight", l.TextWeight},
		{"location.min_score", l.MinScore},
	} {
		if err := unit(f.name, f.v); err != nil {
			return err
		}
	}
	if sum := l.DistanceWeight + l.RecencyWeight + l.TextWeight; math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("matching rules: location weights must sum to 1, got %v", sum)
	}
	if l.MaxDistanceMeters <= 0 {
		return fmt.Errorf("matching rules: location.max_distance_meters must be positive")
	}
	if l.MaxHoursApart <= 0 {
		return fmt.Errorf("matching rules: location.max_hours_apart must be positive")
	}
	return nil
}
