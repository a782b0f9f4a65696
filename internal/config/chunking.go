package config

import (
	"fmt"
	"time"
)

// Chunk size bounds are a contract with the scheduler, not tunables: sizes
// outside [MinChunkRecords, MaxChunkRecords] are rejected per call.
const (
	MinChunkRecords = 500
	MaxChunkRecords = 1000
)

// Context size thresholds (tokens). Up to InlineTokenLimit a bundle is passed
// inline; between InlineTokenLimit and OffloadTokenLimit chunked processing is
// required; above OffloadTokenLimit a single non-chunked call is refused.
const (
	InlineTokenLimit  = 8000
	OffloadTokenLimit = 50000
)

// ChunkingConfig configures chunked processing of oversized inputs.
type ChunkingConfig struct {
	// DefaultChunkRecords is the chunk size used when a caller does not pick
	// one. Must lie within [MinChunkRecords, MaxChunkRecords].
	DefaultChunkRecords int `yaml:"default_chunk_records"`

	// WorkerPoolSize bounds concurrent chunk sub-tasks.
	WorkerPoolSize int `yaml:"worker_pool_size"`

	// AggregationTimeout is how long aggregation waits for chunk completion
	// before proceeding best-effort (duration string).
	AggregationTimeout string `yaml:"aggregation_timeout"`
}

// DefaultChunkingConfig returns the default chunking parameters.
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		DefaultChunkRecords: 750,
		WorkerPoolSize:      4,
		AggregationTimeout:  "5m",
	}
}

// Validate rejects malformed chunking parameters at load time.
func (c *ChunkingConfig) Validate() error {
	if c.DefaultChunkRecords < MinChunkRecords || c.DefaultChunkRecords > MaxChunkRecords {
		return fmt.Errorf("chunking.default_chunk_records %d outside [%d, %d]",
			c.DefaultChunkRecords, MinChunkRecords, MaxChunkRecords)
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("chunking.worker_pool_size must be positive, got %d", c.WorkerPoolSize)
	}
	if _, err := time.ParseDuration(c.AggregationTimeout); err != nil {
		return fmt.Errorf("chunking.aggregation_timeout is not a valid duration: %w", err)
	}
	return nil
}

// GetAggregationTimeout returns the aggregation timeout as a duration.
func (c *ChunkingConfig) GetAggregationTimeout() time.Duration {
	d, err := time.ParseDuration(c.AggregationTimeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}
