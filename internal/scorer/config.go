// Package scorer computes a deterministic 0-100 suitability score for a
// candidate provider from four weighted factors.
package scorer

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/assignment-service/internal/config"
)

// Weights holds the factor weights. Weights sum to 1.0. Values are copied into
// the Engine, so callers cannot mutate a running engine's weights.
type Weights struct {
	Availability   float64 `yaml:"availability"`
	Specialization float64 `yaml:"specialization"`
	Workload       float64 `yaml:"workload"`
	SuccessRate    float64 `yaml:"success_rate"`
}

// DefaultWeights returns the production weights.
func DefaultWeights() Weights {
	return Weights{
		Availability:   0.40,
		Specialization: 0.30,
		Workload:       0.20,
		SuccessRate:    0.10,
	}
}

// FromConfig converts config values to Weights.
func FromConfig(cfg config.WeightsConfig) Weights {
	return Weights{
		Availability:   cfg.Availability,
		Specialization: cfg.Specialization,
		Workload:       cfg.Workload,
		SuccessRate:    cfg.SuccessRate,
	}
}

// WeightSum returns the sum of all factor weights.
func WeightSum(w Weights) float64 {
	return w.Availability + w.Specialization + w.Workload + w.SuccessRate
}

// weightTolerance absorbs float error from YAML/env parsing.
const weightTolerance = 0.001

// ValidateWeights checks that every weight is within [0,1] and that they sum to 1.0.
func ValidateWeights(w Weights) error {
	var errs []string

	named := []struct {
		name  string
		value float64
	}{
		{"availability", w.Availability},
		{"specialization", w.Specialization},
		{"workload", w.Workload},
		{"success_rate", w.SuccessRate},
	}
	for _, n := range named {
		if n.value < 0 || n.value > 1 {
			errs = append(errs, fmt.Sprintf("%s weight must be between 0 and 1", n.name))
		}
	}

	if sum := WeightSum(w); math.Abs(sum-1) > weightTolerance {
		errs = append(errs, fmt.Sprintf("weights should sum to 1.0, got %.3f", sum))
	}

	if len(errs) > 0 {
		return eris.Errorf("scorer: weight validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// profileFile is the on-disk shape of a weight profile file:
//
//	profiles:
//	  default: {availability: 0.4, specialization: 0.3, workload: 0.2, success_rate: 0.1}
//	  audit-season: {availability: 0.5, specialization: 0.3, workload: 0.1, success_rate: 0.1}
type profileFile struct {
	Profiles map[string]Weights `yaml:"profiles"`
}

// LoadProfiles reads named weight profiles from a YAML file and validates each one.
func LoadProfiles(path string) (map[string]Weights, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "scorer: read profiles %s", path)
	}
	return ParseProfiles(raw)
}

// ParseProfiles decodes and validates weight profiles from YAML.
func ParseProfiles(raw []byte) (map[string]Weights, error) {
	var pf profileFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, eris.Wrap(err, "scorer: decode profiles")
	}
	if len(pf.Profiles) == 0 {
		return nil, eris.New("scorer: profile file defines no profiles")
	}
	for name, w := range pf.Profiles {
		if err := ValidateWeights(w); err != nil {
			return nil, eris.Wrapf(err, "scorer: profile %q", name)
		}
	}
	return pf.Profiles, nil
}

// ResolveWeights picks the weights the engine should run with: the named
// profile from WeightsFile when configured, else the inline weights.
func ResolveWeights(cfg config.AssignmentConfig) (Weights, error) {
	if cfg.WeightsFile == "" {
		w := FromConfig(cfg.Weights)
		return w, ValidateWeights(w)
	}
	profiles, err := LoadProfiles(cfg.WeightsFile)
	if err != nil {
		return Weights{}, err
	}
	w, ok := profiles[cfg.Profile]
	if !ok {
		return Weights{}, eris.Errorf("scorer: profile %q not found in %s", cfg.Profile, cfg.WeightsFile)
	}
	return w, nil
}
