package score

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/MrWong99/takewright/pkg/types"
)

// BuiltinVersion names the statistics returned by [Builtin].
const BuiltinVersion = "builtin-1"

// ReferenceStats is the per-metric mean and standard deviation of a
// reference population. Statistics are identified by Version and never
// edited once published, so a stored score can always be reproduced.
type ReferenceStats struct {
	Version string        `json:"version"`
	Count   int           `json:"count"`
	Mean    types.Metrics `json:"mean"`
	Std     types.Metrics `json:"std"`
}

// Builtin returns the statistics shipped with takewright, fitted to studio
// narration at 24 kHz.
func Builtin() ReferenceStats {
	return ReferenceStats{
		Version: BuiltinVersion,
		Count:   1200,
		Mean: types.Metrics{
			SecondsPerChar: 0.065,
			Hiss:           0.15,
			EchoRisk:       0.35,
			TailEnergy:     0.2,
			Clipping:       0.0005,
			LoudnessDBFS:   -20,
		},
		Std: types.Metrics{
			SecondsPerChar: 0.012,
			Hiss:           0.08,
			EchoRisk:       0.15,
			TailEnergy:     0.15,
			Clipping:       0.002,
			LoudnessDBFS:   3,
		},
	}
}

// FitReferenceStats computes statistics over population.
func FitReferenceStats(version string, population []types.Metrics) (ReferenceStats, error) {
	if version == "" {
		return ReferenceStats{}, errors.New("score: reference stats version must not be empty")
	}
	if len(population) < 2 {
		return ReferenceStats{}, fmt.Errorf("score: need at least 2 samples, got %d", len(population))
	}
	dims := len(types.MetricNames)
	mean := make([]float64, dims)
	for _, m := range population {
		for i, v := range m.Vector() {
			mean[i] += v
		}
	}
	for i := range mean {
		mean[i] /= float64(len(population))
	}
	std := make([]float64, dims)
	for _, m := range population {
		for i, v := range m.Vector() {
			d := v - mean[i]
			std[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / float64(len(population)-1))
	}
	return ReferenceStats{
		Version: version,
		Count:   len(population),
		Mean:    types.MetricsFromVector(mean),
		Std:     types.MetricsFromVector(std),
	}, nil
}

// LoadReferenceStats reads statistics from a JSON file.
func LoadReferenceStats(path string) (ReferenceStats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ReferenceStats{}, fmt.Errorf("score: read reference stats: %w", err)
	}
	var s ReferenceStats
	if err := json.Unmarshal(data, &s); err != nil {
		return ReferenceStats{}, fmt.Errorf("score: decode reference stats %s: %w", path, err)
	}
	if s.Version == "" {
		return ReferenceStats{}, fmt.Errorf("score: reference stats %s has no version", path)
	}
	return s, nil
}

// Save writes the statistics as JSON.
func (s ReferenceStats) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("score: encode reference stats: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("score: write reference stats: %w", err)
	}
	return nil
}

// Z returns m standardised against the statistics. A metric with zero
// spread standardises to zero.
func (s ReferenceStats) Z(m types.Metrics) types.Metrics {
	v, mean, std := m.Vector(), s.Mean.Vector(), s.Std.Vector()
	z := make([]float64, len(v))
	for i := range v {
		if std[i] > 0 {
			z[i] = (v[i] - mean[i]) / std[i]
		}
	}
	return types.MetricsFromVector(z)
}
