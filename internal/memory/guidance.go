package memory

import (
	"context"
	"database/sql"

	"mopkit/internal/logging"
)

// guidanceLimit caps how many guidance lines feed a single prompt.
const guidanceLimit = 5

// DefaultGuidance returns guidance lines for tasks matching the fingerprint.
// Exact-fingerprint memories come first, then procedural memories from other
// fingerprints, because procedural knowledge generalizes. Archived memories
// and memories decayed below the archive floor contribute nothing.
func (s *Store) DefaultGuidance(ctx context.Context, fingerprint string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, stage, guidance, confidence, updated_at
		FROM memories
		WHERE archived = 0 AND guidance != '' AND (fingerprint = ? OR stage = ?)
		ORDER BY CASE WHEN fingerprint = ? THEN 0 ELSE 1 END, confidence DESC`,
		fingerprint, StageProcedural, fingerprint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var (
			fp         string
			stage      Stage
			guidance   string
			confidence float64
			updatedAt  sql.NullTime
		)
		if err := rows.Scan(&fp, &stage, &guidance, &confidence, &updatedAt); err != nil {
			return nil, err
		}
		effective := confidence
		if updatedAt.Valid {
			effective = s.decayed(confidence, updatedAt.Time)
		}
		if effective < s.cfg.ArchiveFloor {
			continue
		}
		out = append(out, guidance)
		if len(out) >= guidanceLimit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	logging.MemoryDebug("Guidance for fingerprint %s: %d lines", fingerprint, len(out))
	return out, nil
}
