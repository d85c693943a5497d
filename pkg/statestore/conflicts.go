package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertConflict records or replaces the oracle's verdict for a
// canonical chunk pair. Callers must pass a and b already through
// Canonical, or call UpsertConflict directly with any order — it
// canonicalizes internally.
func (s *Store) UpsertConflict(ctx context.Context, a, b string, verdict Verdict, reason string) (*ConflictAnalysis, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	chunkA, chunkB := Canonical(a, b)
	now := time.Now().UTC()

	var query string
	switch s.dialect {
	case DialectPostgres:
		query = `
INSERT INTO conflicts (chunk_a, chunk_b, verdict, reason, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (chunk_a, chunk_b) DO UPDATE SET verdict = EXCLUDED.verdict, reason = EXCLUDED.reason, created_at = EXCLUDED.created_at`
	case DialectMySQL:
		query = `
INSERT INTO conflicts (chunk_a, chunk_b, verdict, reason, created_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE verdict = VALUES(verdict), reason = VALUES(reason), created_at = VALUES(created_at)`
	default:
		query = `
INSERT INTO conflicts (chunk_a, chunk_b, verdict, reason, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (chunk_a, chunk_b) DO UPDATE SET verdict = excluded.verdict, reason = excluded.reason, created_at = excluded.created_at`
	}

	if _, err := s.db.ExecContext(ctx, query, chunkA, chunkB, string(verdict), reason, now); err != nil {
		return nil, fmt.Errorf("statestore: upsert conflict: %w", err)
	}

	return &ConflictAnalysis{ChunkA: chunkA, ChunkB: chunkB, Verdict: verdict, Reason: reason, CreatedAt: now}, nil
}

// GetConflict returns the cached verdict for a pair, or nil if no
// analysis has been recorded yet.
func (s *Store) GetConflict(ctx context.Context, a, b string) (*ConflictAnalysis, error) {
	chunkA, chunkB := Canonical(a, b)
	query := `SELECT chunk_a, chunk_b, verdict, reason, created_at FROM conflicts WHERE chunk_a = ` +
		s.dialect.placeholder(1) + ` AND chunk_b = ` + s.dialect.placeholder(2)

	var c ConflictAnalysis
	var verdict string
	err := s.db.QueryRowContext(ctx, query, chunkA, chunkB).Scan(&c.ChunkA, &c.ChunkB, &verdict, &c.Reason, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Verdict = Verdict(verdict)
	return &c, nil
}

// ConflictsForChunk returns every recorded analysis touching chunk, in
// either pair position, newest first.
func (s *Store) ConflictsForChunk(ctx context.Context, chunk string) ([]ConflictAnalysis, error) {
	ph := s.dialect.placeholder
	query := `SELECT chunk_a, chunk_b, verdict, reason, created_at FROM conflicts
WHERE chunk_a = ` + ph(1) + ` OR chunk_b = ` + ph(2) + `
ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, chunk, chunk)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConflictAnalysis
	for rows.Next() {
		var c ConflictAnalysis
		var verdict string
		if err := rows.Scan(&c.ChunkA, &c.ChunkB, &verdict, &c.Reason, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Verdict = Verdict(verdict)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListConflicts returns every recorded conflict analysis.
func (s *Store) ListConflicts(ctx context.Context) ([]ConflictAnalysis, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chunk_a, chunk_b, verdict, reason, created_at FROM conflicts ORDER BY chunk_a, chunk_b`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConflictAnalysis
	for rows.Next() {
		var c ConflictAnalysis
		var verdict string
		if err := rows.Scan(&c.ChunkA, &c.ChunkB, &verdict, &c.Reason, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Verdict = Verdict(verdict)
		out = append(out, c)
	}
	return out, rows.Err()
}
