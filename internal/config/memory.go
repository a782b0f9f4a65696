package config

import (
	"fmt"
	"time"
)

// MemoryConfig configures the prediction-tracking memory store: promotion
// bars, decay, and persistence. The 0.5/0.8 confidence bars are defaults,
// not fixed constants.
type MemoryConfig struct {
	// DatabasePath is the SQLite file for memory records, relative to the
	// workspace unless absolute.
	DatabasePath string `yaml:"database_path"`

	// SemanticConfidence: episodic records at or above this confidence with
	// enough repetition are promoted to semantic.
	SemanticConfidence float64 `yaml:"semantic_confidence"`

	// SemanticMinSamples: minimum consistent observations before an episodic
	// pattern can become semantic.
	SemanticMinSamples int `yaml:"semantic_min_samples"`

	// ProceduralConfidence: semantic records at or above this confidence are
	// promoted to procedural (default guidance).
	ProceduralConfidence float64 `yaml:"procedural_confidence"`

	// ProceduralMinSamples: minimum sample count for procedural promotion.
	ProceduralMinSamples int `yaml:"procedural_min_samples"`

	// DecayHalfLife: untouched records lose half their confidence per
	// half-life (duration string).
	DecayHalfLife string `yaml:"decay_half_life"`

	// ArchiveFloor: records decayed below this confidence are archived,
	// never deleted.
	ArchiveFloor float64 `yaml:"archive_floor"`
}

// DefaultMemoryConfig returns the default memory parameters.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		DatabasePath:         ".mopkit/memory.db",
		SemanticConfidence:   0.5,
		SemanticMinSamples:   3,
		ProceduralConfidence: 0.8,
		ProceduralMinSamples: 5,
		DecayHalfLife:        "168h", // 7 days
		ArchiveFloor:         0.2,
	}
}

// Validate rejects inconsistent memory parameters at load time.
func (m *MemoryConfig) Validate() error {
	if m.DatabasePath == "" {
		return fmt.Errorf("memory.database_path must not be empty")
	}
	for name, v := range map[string]float64{
		"semantic_confidence":   m.SemanticConfidence,
		"procedural_confidence": m.ProceduralConfidence,
		"archive_floor":         m.ArchiveFloor,
	} {
		if v <= 0 || v >= 1 {
			return fmt.Errorf("memory.%s %.4f outside (0,1)", name, v)
		}
	}
	if m.SemanticConfidence >= m.ProceduralConfidence {
		return fmt.Errorf("memory.semantic_confidence %.2f must be below procedural_confidence %.2f",
			m.SemanticConfidence, m.ProceduralConfidence)
	}
	if m.ArchiveFloor >= m.SemanticConfidence {
		return fmt.Errorf("memory.archive_floor %.2f must be below semantic_confidence %.2f",
			m.ArchiveFloor, m.SemanticConfidence)
	}
	if m.SemanticMinSamples <= 0 || m.ProceduralMinSamples <= 0 {
		return fmt.Errorf("memory sample minimums must be positive")
	}
	if m.ProceduralMinSamples < m.SemanticMinSamples {
		return fmt.Errorf("memory.procedural_min_samples %d below semantic_min_samples %d",
			m.ProceduralMinSamples, m.SemanticMinSamples)
	}
	if _, err := time.ParseDuration(m.DecayHalfLife); err != nil {
		return fmt.Errorf("memory.decay_half_life is not a valid duration: %w", err)
	}
	return nil
}

// GetDecayHalfLife returns the decay half-life as a duration.
func (m *MemoryConfig) GetDecayHalfLife() time.Duration {
	d, err := time.ParseDuration(m.DecayHalfLife)
	if err != nil {
		return 168 * time.Hour
	}
	return d
}
