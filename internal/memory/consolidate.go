package memory

import (
	"context"
	"database/sql"
	"fmt"

	"mopkit/internal/logging"
)

// ConsolidationReport summarizes one consolidation pass.
type ConsolidationReport struct {
	PredictionsFolded int `json:"predictions_folded"`
	MemoriesUpdated   int `json:"memories_updated"`
	Promoted          int `json:"promoted"`
	Archived          int `json:"archived"`
}

// Consolidate folds completed predictions into memories and sweeps decay
// across the table. It is the only writer of memory rows. The pass is
// idempotent: folded predictions are marked and never counted again, and a
// pass with no pending predictions only applies the decay sweep.
func (s *Store) Consolidate(ctx context.Context) (ConsolidationReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report ConsolidationReport
	timer := logging.StartTimer(logging.CategoryMemory, "consolidate")
	defer timer.Stop()

	pending, err := s.pendingLocked()
	if err != nil {
		return report, fmt.Errorf("failed to load pending predictions: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report, err
	}
	defer tx.Rollback()

	// Group outcomes by fingerprint.
	type batch struct {
		total    int
		hits     int
		guidance string
	}
	batches := make(map[string]*batch)
	for _, p := range pending {
		b := batches[p.Fingerprint]
		if b == nil {
			b = &batch{}
			batches[p.Fingerprint] = b
		}
		b.total++
		if p.Correct {
			b.hits++
			b.guidance = p.Actual
		}
	}

	now := s.now().UTC()
	for fingerprint, b := range batches {
		var (
			id         int64
			stage      Stage
			guidance   string
			confidence float64
			samples    int
			updatedAt  sql.NullTime
		)
		err := tx.QueryRowContext(ctx, `
			SELECT id, stage, guidance, confidence, samples, updated_at
			FROM memories WHERE fingerprint = ?`, fingerprint).
			Scan(&id, &stage, &guidance, &confidence, &samples, &updatedAt)
		switch err {
		case sql.ErrNoRows:
			id, stage, confidence, samples = 0, StageEpisodic, 0, 0
		case nil:
			if updatedAt.Valid {
				confidence = s.decayed(confidence, updatedAt.Time)
			}
		default:
			return report, fmt.Errorf("failed to load memory for %s: %w", fingerprint, err)
		}

		newSamples := samples + b.total
		newConfidence := (confidence*float64(samples) + float64(b.hits)) / float64(newSamples)
		if b.guidance != "" {
			guidance = b.guidance
		}

		newStage := stage
		if newConfidence >= s.cfg.ProceduralConfidence && newSamples >= s.cfg.ProceduralMinSamples {
			newStage = StageProcedural
		} else if stage == StageEpisodic && newConfidence >= s.cfg.SemanticConfidence && newSamples >= s.cfg.SemanticMinSamples {
			newStage = StageSemantic
		}
		if newStage != stage {
			report.Promoted++
			logging.Memory("Memory %s promoted %s -> %s (confidence %.2f, samples %d)",
				fingerprint, stage, newStage, newConfidence, newSamples)
		}

		if id == 0 {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO memories (fingerprint, stage, guidance, confidence, samples, archived, updated_at)
				VALUES (?, ?, ?, ?, ?, 0, ?)`,
				fingerprint, newStage, guidance, newConfidence, newSamples, now)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE memories SET stage = ?, guidance = ?, confidence = ?, samples = ?, archived = 0, updated_at = ?
				WHERE id = ?`,
				newStage, guidance, newConfidence, newSamples, now, id)
		}
		if err != nil {
			return report, fmt.Errorf("failed to upsert memory for %s: %w", fingerprint, err)
		}
		report.MemoriesUpdated++
		report.PredictionsFolded += b.total
	}

	// Mark the folded predictions so a repeated pass cannot double-count.
	for _, p := range pending {
		if _, err := tx.ExecContext(ctx,
			`UPDATE predictions SET consolidated = 1 WHERE id = ?`, p.ID); err != nil {
			return report, fmt.Errorf("failed to mark prediction %d: %w", p.ID, err)
		}
	}

	// Decay sweep: archive active memories whose effective confidence fell
	// below the floor. Rows stay in place for audit; they just stop feeding
	// guidance.
	rows, err := tx.QueryContext(ctx, `
		SELECT id, fingerprint, confidence, updated_at FROM memories WHERE archived = 0`)
	if err != nil {
		return report, err
	}
	type archiveRow struct {
		id          int64
		fingerprint string
	}
	var toArchive []archiveRow
	for rows.Next() {
		var (
			id          int64
			fingerprint string
			confidence  float64
			updatedAt   sql.NullTime
		)
		if err := rows.Scan(&id, &fingerprint, &confidence, &updatedAt); err != nil {
			rows.Close()
			return report, err
		}
		effective := confidence
		if updatedAt.Valid {
			effective = s.decayed(confidence, updatedAt.Time)
		}
		if effective < s.cfg.ArchiveFloor {
			toArchive = append(toArchive, archiveRow{id: id, fingerprint: fingerprint})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return report, err
	}
	rows.Close()

	for _, a := range toArchive {
		if _, err := tx.ExecContext(ctx,
			`UPDATE memories SET archived = 1 WHERE id = ?`, a.id); err != nil {
			return report, fmt.Errorf("failed to archive memory %d: %w", a.id, err)
		}
		report.Archived++
		logging.Memory("Memory %s archived below confidence floor %.2f", a.fingerprint, s.cfg.ArchiveFloor)
	}

	if err := tx.Commit(); err != nil {
		return report, err
	}
	return report, nil
}
