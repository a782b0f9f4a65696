// Package store implements the SQLite-backed document store. Runs, plans,
// telemetry records and deliverables persist here as JSON documents keyed by
// collection and document ID, so a parked run survives process restarts.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mopkit/internal/config"
	"mopkit/internal/logging"
)

// Document is one stored record with its bookkeeping columns.
type Document struct {
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	Data       []byte    `json:"data"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DocumentStore persists JSON documents in a single SQLite file.
type DocumentStore struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens the store at dbPath. An empty path resolves to
// .mopkit/store.db under the workspace root.
func Open(dbPath string) (*DocumentStore, error) {
	if dbPath == "" {
		workspace, err := config.FindWorkspaceRoot()
		if err != nil {
			workspace = "."
		}
		dbPath = filepath.Join(workspace, ".mopkit", "store.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	logging.Store("Opening document store at %s", dbPath)
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open store db: %v", err)
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (collection, id)
	);
	CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}

	return &DocumentStore{db: db}, nil
}

// Set marshals v and upserts it under (collection, id).
func (s *DocumentStore) Set(collection, id string, v any) error {
	timer := logging.StartTimer(logging.CategoryStore, "DocumentStore.Set")
	defer timer.Stop()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal document %s/%s: %w", collection, id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO documents (collection, id, data, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(collection, id) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		collection, id, string(data))
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Set %s/%s failed: %v", collection, id, err)
		return fmt.Errorf("failed to store document %s/%s: %w", collection, id, err)
	}
	logging.StoreDebug("Stored %s/%s (%d bytes)", collection, id, len(data))
	return nil
}

// Get unmarshals the document under (collection, id) into v. Returns
// sql.ErrNoRows wrapped when the document does not exist.
func (s *DocumentStore) Get(collection, id string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data string
	err := s.db.QueryRow(
		`SELECT data FROM documents WHERE collection = ? AND id = ?`,
		collection, id).Scan(&data)
	if err != nil {
		return fmt.Errorf("document %s/%s: %w", collection, id, err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("failed to decode document %s/%s: %w", collection, id, err)
	}
	return nil
}

// Exists reports whether a document is present.
func (s *DocumentStore) Exists(collection, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM documents WHERE collection = ? AND id = ?`,
		collection, id).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns the IDs in a collection ordered by last update, newest first.
func (s *DocumentStore) List(collection string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id FROM documents WHERE collection = ? ORDER BY updated_at DESC, id`,
		collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list collection %s: %w", collection, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a document. Deleting a missing document is not an error.
func (s *DocumentStore) Delete(collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete document %s/%s: %w", collection, id, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *DocumentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
