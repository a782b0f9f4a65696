package workflow

import (
	"fmt"

	"mopkit/internal/store"
)

// runsCollection holds active runs; completed and abandoned runs move to
// archiveCollection so status listings stay short.
const (
	runsCollection    = "runs"
	archiveCollection = "runs_archive"
)

// Manager persists runs in the document store so parked and in-flight runs
// survive restarts.
type Manager struct {
	store *store.DocumentStore
}

// NewManager wraps a document store.
func NewManager(s *store.DocumentStore) *Manager {
	return &Manager{store: s}
}

// Create builds a run and persists it immediately.
func (m *Manager) Create(request, fingerprint string) (*Run, error) {
	r := NewRun(request, fingerprint)
	if err := m.Save(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Save writes the run's current state.
func (m *Manager) Save(r *Run) error {
	if err := m.store.Set(runsCollection, r.ID, r); err != nil {
		return fmt.Errorf("failed to persist run %s: %w", r.ID, err)
	}
	return nil
}

// Load fetches a run by ID, checking the archive when it is no longer
// active.
func (m *Manager) Load(id string) (*Run, error) {
	var r Run
	if err := m.store.Get(runsCollection, id, &r); err != nil {
		if archErr := m.store.Get(archiveCollection, id, &r); archErr != nil {
			return nil, err
		}
	}
	return &r, nil
}

// Archive moves a terminal run out of the active collection.
func (m *Manager) Archive(r *Run) error {
	if !r.Phase.Terminal() {
		return fmt.Errorf("run %s is not terminal (%s)", r.ID, r.Phase)
	}
	if err := m.store.Set(archiveCollection, r.ID, r); err != nil {
		return fmt.Errorf("failed to archive run %s: %w", r.ID, err)
	}
	return m.store.Delete(runsCollection, r.ID)
}

// List returns run IDs, most recently updated first.
func (m *Manager) List() ([]string, error) {
	return m.store.List(runsCollection)
}
