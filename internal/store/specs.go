package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StructuredSpec is an authored specification document that runs can link to.
type StructuredSpec struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// SaveSpec inserts or updates a spec by id.
func (s *Store) SaveSpec(ctx context.Context, sp StructuredSpec) error {
	start := time.Now()
	now := nowMillis()
	if sp.CreatedAt == 0 {
		sp.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO structured_specs (id, title, content, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, content = excluded.content, updated_at = excluded.updated_at`,
		sp.ID, sp.Title, sp.Content, sp.CreatedAt, now)
	if err != nil {
		s.logger.Error("sqlite: save spec failed", "spec_id", sp.ID, "error", err)
		return fmt.Errorf("save spec: %w", err)
	}
	s.logger.Debug("sqlite: save spec", "spec_id", sp.ID, "duration", time.Since(start))
	return nil
}

// GetSpec fetches one spec by id.
func (s *Store) GetSpec(ctx context.Context, id string) (StructuredSpec, error) {
	var sp StructuredSpec
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, content, created_at, updated_at FROM structured_specs WHERE id = ?`, id).
		Scan(&sp.ID, &sp.Title, &sp.Content, &sp.CreatedAt, &sp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return StructuredSpec{}, ErrNotFound
	}
	if err != nil {
		return StructuredSpec{}, fmt.Errorf("get spec: %w", err)
	}
	return sp, nil
}

// DeleteSpec removes a spec with its run links and agent sessions.
func (s *Store) DeleteSpec(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete spec: %w", err)
	}
	defer tx.Rollback()
	for _, q := range []string{
		`DELETE FROM run_spec_links WHERE spec_id = ?`,
		`DELETE FROM spec_agent_sessions WHERE spec_id = ?`,
		`DELETE FROM structured_specs WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete spec: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete spec: %w", err)
	}
	return nil
}

// LinkRunSpec associates a run with a spec. Idempotent.
func (s *Store) LinkRunSpec(ctx context.Context, runID, specID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO run_spec_links (run_id, spec_id, created_at) VALUES (?, ?, ?)`,
		runID, specID, nowMillis())
	if err != nil {
		return fmt.Errorf("link run spec: %w", err)
	}
	return nil
}

// SpecsForRun lists the specs a run was started from, newest link first.
func (s *Store) SpecsForRun(ctx context.Context, runID string) ([]StructuredSpec, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sp.id, sp.title, sp.content, sp.created_at, sp.updated_at
		FROM structured_specs sp
		JOIN run_spec_links l ON l.spec_id = sp.id
		WHERE l.run_id = ?
		ORDER BY l.created_at DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("specs for run: %w", err)
	}
	defer rows.Close()
	var out []StructuredSpec
	for rows.Next() {
		var sp StructuredSpec
		if err := rows.Scan(&sp.ID, &sp.Title, &sp.Content, &sp.CreatedAt, &sp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan spec: %w", err)
		}
		out = append(out, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate specs: %w", err)
	}
	return out, nil
}

// SetSpecSession records (or refreshes) the authoring agent session for a
// spec. One session row per spec id.
func (s *Store) SetSpecSession(ctx context.Context, specID, sessionID string) error {
	now := nowMillis()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spec_agent_sessions (id, spec_id, session_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		"specsess_"+specID, specID, sessionID, now, now)
	if err != nil {
		return fmt.Errorf("set spec session: %w", err)
	}
	return nil
}

// SpecSession returns the stored agent session id for a spec, or ErrNotFound.
func (s *Store) SpecSession(ctx context.Context, specID string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(session_id, '') FROM spec_agent_sessions WHERE spec_id = ?`, specID).
		Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("spec session: %w", err)
	}
	return sessionID, nil
}
