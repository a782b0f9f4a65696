package chunk

import (
	"sort"
	"sync"
)

// Status describes the outcome of one chunk's processing.
type Status string

const (
	StatusOK             Status = "ok"
	StatusPartialFailure Status = "partial_failure"
)

// Result is the outcome of processing one chunk.
type Result struct {
	Ordinal      int    `json:"ordinal"`
	Status       Status `json:"status"`
	Output       string `json:"output"`
	Attempts     int    `json:"attempts"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Err          string `json:"error,omitempty"`
}

// Buffer collects chunk results for one parent task. Aggregation reads the
// buffer either when every expected ordinal has reported or when the
// aggregation timeout fires, whichever comes first.
type Buffer struct {
	mu       sync.Mutex
	taskID   string
	expected int
	results  map[int]Result
	timedOut bool
}

// NewBuffer creates a buffer expecting the given number of chunk results.
func NewBuffer(taskID string, expected int) *Buffer {
	return &Buffer{
		taskID:   taskID,
		expected: expected,
		results:  make(map[int]Result, expected),
	}
}

// Put stores a result. A second result for the same ordinal overwrites the
// first; retries report through the same slot.
func (b *Buffer) Put(r Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[r.Ordinal] = r
}

// MarkTimedOut flags the buffer as closed by the aggregation deadline.
func (b *Buffer) MarkTimedOut() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timedOut = true
}

// Ready reports whether every expected ordinal has a result.
func (b *Buffer) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.results) >= b.expected
}

// TimedOut reports whether the aggregation deadline fired before the buffer
// filled.
func (b *Buffer) TimedOut() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timedOut
}

// Complete reports whether every result arrived and none carry a failure.
func (b *Buffer) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.results) < b.expected {
		return false
	}
	for _, r := range b.results {
		if r.Status != StatusOK {
			return false
		}
	}
	return true
}

// Results returns the stored results sorted by ordinal.
func (b *Buffer) Results() []Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Result, 0, len(b.results))
	for _, r := range b.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

// Missing returns the ordinals with no result, sorted.
func (b *Buffer) Missing() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []int
	for i := 0; i < b.expected; i++ {
		if _, ok := b.results[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}

// Expected returns the number of results the buffer was created to hold.
func (b *Buffer) Expected() int { return b.expected }

// TaskID returns the parent task the buffer belongs to.
func (b *Buffer) TaskID() string { return b.taskID }
