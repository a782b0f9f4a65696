// Package memory implements prediction tracking and the episodic, semantic
// and procedural memory stages. Predictions are recorded when a task starts,
// completed with the observed outcome, and folded into memories by
// Consolidate, which is the only writer of the memories table. Stale memories
// decay and are archived, never deleted.
package memory

import (
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mopkit/internal/config"
	"mopkit/internal/logging"
)

// Stage identifies a memory's lifecycle stage. Stages only move forward.
type Stage string

const (
	StageEpisodic   Stage = "episodic"
	StageSemantic   Stage = "semantic"
	StageProcedural Stage = "procedural"
)

// Prediction is one tracked expectation about a task's outcome.
type Prediction struct {
	ID          int64     `json:"id"`
	TaskID      string    `json:"task_id"`
	Fingerprint string    `json:"fingerprint"`
	Predicted   string    `json:"predicted"`
	Actual      string    `json:"actual"`
	Correct     bool      `json:"correct"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`
}

// Memory is one consolidated guidance entry for a task fingerprint.
type Memory struct {
	ID          int64     `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Stage       Stage     `json:"stage"`
	Guidance    string    `json:"guidance"`
	Confidence  float64   `json:"confidence"`
	Samples     int       `json:"samples"`
	Archived    bool      `json:"archived"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists predictions and memories in one SQLite file.
type Store struct {
	mu       sync.Mutex
	db       *sql.DB
	cfg      config.MemoryConfig
	halfLife time.Duration

	// now is swappable for decay tests.
	now func() time.Time
}

// Open creates or opens the memory database at the configured path.
func Open(cfg config.MemoryConfig) (*Store, error) {
	dbPath := cfg.DatabasePath
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create memory directory: %w", err)
		}
	}

	logging.Memory("Opening memory database at %s", dbPath)
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory db: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS predictions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		predicted TEXT NOT NULL,
		actual TEXT DEFAULT '',
		correct INTEGER DEFAULT 0,
		completed INTEGER DEFAULT 0,
		consolidated INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_predictions_fingerprint ON predictions(fingerprint);
	CREATE INDEX IF NOT EXISTS idx_predictions_pending ON predictions(completed, consolidated);

	CREATE TABLE IF NOT EXISTS memories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fingerprint TEXT NOT NULL UNIQUE,
		stage TEXT NOT NULL DEFAULT 'episodic',
		guidance TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		samples INTEGER NOT NULL DEFAULT 0,
		archived INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_memories_active ON memories(archived, confidence);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize memory schema: %w", err)
	}

	return &Store{
		db:       db,
		cfg:      cfg,
		halfLife: cfg.GetDecayHalfLife(),
		now:      time.Now,
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// StartTracking records a prediction for a task and returns its ID.
func (s *Store) StartTracking(taskID, fingerprint, predicted string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO predictions (task_id, fingerprint, predicted, created_at)
		VALUES (?, ?, ?, ?)`,
		taskID, fingerprint, predicted, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to record prediction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	logging.MemoryDebug("Tracking prediction %d for task %s (fingerprint %s)", id, taskID, fingerprint)
	return id, nil
}

// CompleteTracking records the observed outcome for a prediction. Completing
// the same prediction twice overwrites the outcome; consolidation still
// counts it once.
func (s *Store) CompleteTracking(predictionID int64, actual string, correct bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE predictions SET actual = ?, correct = ?, completed = 1 WHERE id = ?`,
		actual, boolToInt(correct), predictionID)
	if err != nil {
		return fmt.Errorf("failed to complete prediction %d: %w", predictionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("prediction %d not found", predictionID)
	}
	return nil
}

// PendingPredictions returns completed predictions not yet consolidated.
func (s *Store) PendingPredictions() ([]Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

func (s *Store) pendingLocked() ([]Prediction, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, fingerprint, predicted, actual, correct, created_at
		FROM predictions WHERE completed = 1 AND consolidated = 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Prediction
	for rows.Next() {
		var p Prediction
		var correct int
		if err := rows.Scan(&p.ID, &p.TaskID, &p.Fingerprint, &p.Predicted, &p.Actual, &correct, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Correct = correct != 0
		p.Completed = true
		out = append(out, p)
	}
	return out, rows.Err()
}

// Memories returns every memory row, including archived ones.
func (s *Store) Memories() ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, fingerprint, stage, guidance, confidence, samples, archived, updated_at
		FROM memories ORDER BY fingerprint`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		var archived int
		if err := rows.Scan(&m.ID, &m.Fingerprint, &m.Stage, &m.Guidance, &m.Confidence, &m.Samples, &archived, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Archived = archived != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// decayed applies exponential decay to a confidence value by elapsed time.
// Confidence halves once per half-life interval.
func (s *Store) decayed(confidence float64, since time.Time) float64 {
	elapsed := s.now().Sub(since)
	if elapsed <= 0 || s.halfLife <= 0 {
		return confidence
	}
	return confidence * math.Pow(0.5, elapsed.Seconds()/s.halfLife.Seconds())
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
