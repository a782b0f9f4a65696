package chunk

import (
	"errors"
	"fmt"

	"mopkit/internal/budget"
	"mopkit/internal/config"
)

var (
	// ErrBadChunkSize reports a requested chunk size outside the allowed range.
	ErrBadChunkSize = errors.New("chunk size out of range")

	// ErrTierViolation reports an attempt to route chunk work to the capable tier.
	ErrTierViolation = errors.New("chunk work restricted to cheap tier")
)

// Record is one unit of source data, typically a row from an export.
type Record struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// Chunk is an ordered slice of records belonging to one parent task.
// Ordinals start at zero and chunks of the same parent never overlap.
type Chunk struct {
	ParentTaskID string   `json:"parent_task_id"`
	Ordinal      int      `json:"ordinal"`
	Total        int      `json:"total"`
	Kind         Kind     `json:"kind"`
	Records      []Record `json:"records"`
}

// Tokens estimates the token footprint of the chunk's records.
func (c *Chunk) Tokens() int {
	total := 0
	for _, r := range c.Records {
		total += budget.EstimateTokens(r.Content)
	}
	return total
}

// Prompt renders the chunk as a prompt for a per-chunk worker call. The
// ordinal header lets downstream aggregation confirm coverage.
func (c *Chunk) Prompt(instruction string) string {
	out := fmt.Sprintf("Chunk %d of %d for task %s.\nInstruction: %s\n\nRecords:\n",
		c.Ordinal+1, c.Total, c.ParentTaskID, instruction)
	for _, r := range c.Records {
		out += fmt.Sprintf("[%s] %s\n", r.ID, r.Content)
	}
	return out
}

// Split partitions records into chunks of the given size. Every record lands
// in exactly one chunk and ordering is preserved. The final chunk may be
// short. Size must fall inside the configured record range.
func Split(parentTaskID string, kind Kind, records []Record, size int) ([]Chunk, error) {
	if size < config.MinChunkRecords || size > config.MaxChunkRecords {
		return nil, fmt.Errorf("%w: %d records (allowed %d-%d)",
			ErrBadChunkSize, size, config.MinChunkRecords, config.MaxChunkRecords)
	}
	if len(records) == 0 {
		return nil, nil
	}

	total := (len(records) + size - 1) / size
	chunks := make([]Chunk, 0, total)
	for i := 0; i < len(records); i += size {
		end := i + size
		if end > len(records) {
			end = len(records)
		}
		chunks = append(chunks, Chunk{
			ParentTaskID: parentTaskID,
			Ordinal:      len(chunks),
			Total:        total,
			Kind:         kind,
			Records:      records[i:end],
		})
	}
	return chunks, nil
}
