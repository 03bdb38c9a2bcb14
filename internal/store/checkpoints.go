package store

import (
	"context"
	"fmt"
	"time"
)

// Checkpoint is a snapshot of supervisor state for one run at one phase.
type Checkpoint struct {
	ID        int64  `json:"id"`
	RunID     string `json:"run_id"`
	Phase     string `json:"phase"`
	State     string `json:"state"`
	CreatedAt int64  `json:"created_at"`
}

// checkpointRetention is how many checkpoints survive a prune, per run.
const checkpointRetention = 5

// SaveCheckpoint inserts a snapshot and prunes the run's history down to the
// retention count.
func (s *Store) SaveCheckpoint(ctx context.Context, runID, phase, state string) (int64, error) {
	start := time.Now()
	st, err := s.stmt(ctx, `INSERT INTO checkpoints (run_id, phase, state, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	res, err := st.ExecContext(ctx, runID, phase, state, nowMillis())
	if err != nil {
		s.logger.Error("sqlite: save checkpoint failed", "run_id", runID, "error", err)
		return 0, fmt.Errorf("save checkpoint: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("save checkpoint: %w", err)
	}

	prune, err := s.stmt(ctx, `DELETE FROM checkpoints WHERE run_id = ? AND id NOT IN (
		SELECT id FROM checkpoints WHERE run_id = ? ORDER BY created_at DESC, id DESC LIMIT ?)`)
	if err != nil {
		return id, err
	}
	if _, err := prune.ExecContext(ctx, runID, runID, checkpointRetention); err != nil {
		// Pruning is best-effort; the snapshot itself is already durable.
		s.logger.Error("sqlite: prune checkpoints failed", "run_id", runID, "error", err)
	}
	s.logger.Debug("sqlite: save checkpoint", "run_id", runID, "phase", phase, "id", id, "duration", time.Since(start))
	return id, nil
}

// ListCheckpoints returns a run's checkpoints, newest first.
func (s *Store) ListCheckpoints(ctx context.Context, runID string) ([]Checkpoint, error) {
	st, err := s.stmt(ctx, `SELECT id, run_id, phase, state, created_at
		FROM checkpoints WHERE run_id = ? ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	rows, err := st.QueryContext(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()
	var out []Checkpoint
	for rows.Next() {
		var c Checkpoint
		if err := rows.Scan(&c.ID, &c.RunID, &c.Phase, &c.State, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

// DeleteCheckpoints removes every checkpoint for a run. Used on normal
// completion so a finished run is never flagged as interrupted.
func (s *Store) DeleteCheckpoints(ctx context.Context, runID string) error {
	st, err := s.stmt(ctx, `DELETE FROM checkpoints WHERE run_id = ?`)
	if err != nil {
		return err
	}
	if _, err := st.ExecContext(ctx, runID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return nil
}
