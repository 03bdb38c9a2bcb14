package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrVersionConflict is returned when an optimistic-locked update carries a
// stale version. The server maps it to 409 VERSION_CONFLICT.
var ErrVersionConflict = errors.New("store: version conflict")

// ParallelSessions is the singleton parallel-session snapshot: an opaque JSON
// array plus a monotone version for optimistic concurrency.
type ParallelSessions struct {
	Data    string `json:"data"`
	Version int64  `json:"version"`
}

// GetParallelSessions returns the snapshot, or an empty array at version 0
// when none has been written yet.
func (s *Store) GetParallelSessions(ctx context.Context) (ParallelSessions, error) {
	var p ParallelSessions
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version FROM parallel_sessions WHERE id = 1`).
		Scan(&p.Data, &p.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return ParallelSessions{Data: "[]", Version: 0}, nil
	}
	if err != nil {
		return p, fmt.Errorf("get parallel sessions: %w", err)
	}
	return p, nil
}

// PutParallelSessions replaces the snapshot if expectVersion matches the
// stored version, and returns the new version. A mismatch returns
// ErrVersionConflict without writing.
func (s *Store) PutParallelSessions(ctx context.Context, data string, expectVersion int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("put parallel sessions: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM parallel_sessions WHERE id = 1`).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	case err != nil:
		return 0, fmt.Errorf("put parallel sessions: %w", err)
	}
	if current != expectVersion {
		return current, ErrVersionConflict
	}

	next := current + 1
	_, err = tx.ExecContext(ctx,
		`INSERT INTO parallel_sessions (id, data, version, updated_at) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, version = excluded.version, updated_at = excluded.updated_at`,
		data, next, nowMillis())
	if err != nil {
		return 0, fmt.Errorf("put parallel sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("put parallel sessions: %w", err)
	}
	s.logger.Debug("sqlite: put parallel sessions", "version", next)
	return next, nil
}

// GetShellTabs returns the shell-tab snapshot, defaulting to an empty array.
func (s *Store) GetShellTabs(ctx context.Context) (string, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM shell_tabs WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return "[]", nil
	}
	if err != nil {
		return "", fmt.Errorf("get shell tabs: %w", err)
	}
	return data, nil
}

// PutShellTabs replaces the shell-tab snapshot. Last write wins.
func (s *Store) PutShellTabs(ctx context.Context, data string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO shell_tabs (id, data, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		data, nowMillis())
	if err != nil {
		return fmt.Errorf("put shell tabs: %w", err)
	}
	return nil
}
