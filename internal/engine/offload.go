package engine

import (
	"context"
	"fmt"

	"mopkit/internal/assembler"
	"mopkit/internal/logging"
	"mopkit/internal/store"
)

// offloadCollection holds context payloads too large to inline.
const offloadCollection = "offload"

// storeOffloader parks oversized context in the document store and hands the
// assembler a reference instead of truncating anything.
type storeOffloader struct {
	docs *store.DocumentStore
}

func (o *storeOffloader) Offload(_ context.Context, taskID string, sources []assembler.Source) (string, error) {
	ref := fmt.Sprintf("offload:%s", taskID)
	if err := o.docs.Set(offloadCollection, taskID, sources); err != nil {
		return "", fmt.Errorf("failed to offload context for %s: %w", taskID, err)
	}
	logging.ContextDebug("Offloaded %d sources for task %s as %s", len(sources), taskID, ref)
	return ref, nil
}

// LoadOffloaded retrieves a previously offloaded payload by task ID.
func (e *Engine) LoadOffloaded(taskID string) ([]assembler.Source, error) {
	var sources []assembler.Source
	if err := e.docs.Get(offloadCollection, taskID, &sources); err != nil {
		return nil, err
	}
	return sources, nil
}
