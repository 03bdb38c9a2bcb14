package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Run is a persisted run row. FinalReport and Error are the terminal-state
// fields; status is derived, never stored.
type Run struct {
	RunID       string `json:"run_id"`
	ProjectID   string `json:"project_id,omitempty"`
	UserGoal    string `json:"user_goal"`
	RepoPath    string `json:"repo_path"`
	Mode        string `json:"mode"`
	FinalReport string `json:"final_report,omitempty"`
	Error       string `json:"error,omitempty"`
	Progress    string `json:"progress,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// RunStatus is the derived lifecycle state of a run.
type RunStatus string

const (
	StatusRunning     RunStatus = "running"
	StatusCompleted   RunStatus = "completed"
	StatusFailed      RunStatus = "failed"
	StatusInterrupted RunStatus = "interrupted"
)

// Status derives the run's state from its persisted fields. live reports
// whether an in-memory future still exists for the run.
func (r *Run) Status(live bool) RunStatus {
	switch {
	case r.FinalReport != "":
		return StatusCompleted
	case r.Error != "":
		return StatusFailed
	case live:
		return StatusRunning
	default:
		return StatusInterrupted
	}
}

// CreateRun inserts a placeholder row with null terminal-state fields.
func (s *Store) CreateRun(ctx context.Context, r Run) error {
	start := time.Now()
	now := nowMillis()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	if r.UpdatedAt == 0 {
		r.UpdatedAt = now
	}
	if r.Mode == "" {
		r.Mode = "implementation"
	}
	st, err := s.stmt(ctx, `INSERT INTO runs (run_id, project_id, user_goal, repo_path, mode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	_, err = st.ExecContext(ctx, r.RunID, nullable(r.ProjectID), r.UserGoal, r.RepoPath, r.Mode, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		s.logger.Error("sqlite: create run failed", "run_id", r.RunID, "error", err)
		return fmt.Errorf("create run: %w", err)
	}
	s.logger.Debug("sqlite: create run", "run_id", r.RunID, "duration", time.Since(start))
	return nil
}

// TouchRun updates the heartbeat timestamp and optional progress blob.
func (s *Store) TouchRun(ctx context.Context, runID, progress string) error {
	st, err := s.stmt(ctx, `UPDATE runs SET updated_at = ?, progress = COALESCE(NULLIF(?, ''), progress) WHERE run_id = ?`)
	if err != nil {
		return err
	}
	if _, err := st.ExecContext(ctx, nowMillis(), progress, runID); err != nil {
		return fmt.Errorf("touch run: %w", err)
	}
	return nil
}

// CompleteRun writes the final report. The first terminal writer wins; a run
// that already holds a report or an error is left untouched and the call
// reports false.
func (s *Store) CompleteRun(ctx context.Context, runID, finalReport string) (bool, error) {
	st, err := s.stmt(ctx, `UPDATE runs SET final_report = ?, updated_at = ?
		WHERE run_id = ? AND final_report IS NULL AND (error IS NULL OR error = '')`)
	if err != nil {
		return false, err
	}
	res, err := st.ExecContext(ctx, finalReport, nowMillis(), runID)
	if err != nil {
		s.logger.Error("sqlite: complete run failed", "run_id", runID, "error", err)
		return false, fmt.Errorf("complete run: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: complete run", "run_id", runID, "applied", n > 0)
	return n > 0, nil
}

// FailRun writes the error field. Same first-writer-wins rule as CompleteRun.
func (s *Store) FailRun(ctx context.Context, runID, errMsg string) (bool, error) {
	st, err := s.stmt(ctx, `UPDATE runs SET error = ?, updated_at = ?
		WHERE run_id = ? AND final_report IS NULL AND (error IS NULL OR error = '')`)
	if err != nil {
		return false, err
	}
	res, err := st.ExecContext(ctx, errMsg, nowMillis(), runID)
	if err != nil {
		s.logger.Error("sqlite: fail run failed", "run_id", runID, "error", err)
		return false, fmt.Errorf("fail run: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: fail run", "run_id", runID, "applied", n > 0)
	return n > 0, nil
}

const runColumns = `run_id, COALESCE(project_id, ''), user_goal, repo_path, mode,
	COALESCE(final_report, ''), COALESCE(error, ''), COALESCE(progress, ''), created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var r Run
	err := row.Scan(&r.RunID, &r.ProjectID, &r.UserGoal, &r.RepoPath, &r.Mode,
		&r.FinalReport, &r.Error, &r.Progress, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// GetRun fetches one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	st, err := s.stmt(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`)
	if err != nil {
		return Run{}, err
	}
	r, err := scanRun(st.QueryRowContext(ctx, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	st, err := s.stmt(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`)
	if err != nil {
		return nil, err
	}
	rows, err := st.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return collectRuns(rows)
}

// ListRunsByProject returns the most recent runs for one project.
func (s *Store) ListRunsByProject(ctx context.Context, projectID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	st, err := s.stmt(ctx, `SELECT `+runColumns+` FROM runs WHERE project_id = ? ORDER BY created_at DESC LIMIT ?`)
	if err != nil {
		return nil, err
	}
	rows, err := st.QueryContext(ctx, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs by project: %w", err)
	}
	return collectRuns(rows)
}

func collectRuns(rows *sql.Rows) ([]Run, error) {
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// DeleteRun removes a run and its logs, checkpoints, and conversation rows.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	defer tx.Rollback()
	for _, q := range []string{
		`DELETE FROM run_logs WHERE run_id = ?`,
		`DELETE FROM checkpoints WHERE run_id = ?`,
		`DELETE FROM conversation_messages WHERE run_id = ?`,
		`DELETE FROM conversations WHERE run_id = ?`,
		`DELETE FROM cost_metrics WHERE run_id = ?`,
		`DELETE FROM run_spec_links WHERE run_id = ?`,
		`DELETE FROM runs WHERE run_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, runID); err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	s.logger.Debug("sqlite: delete run", "run_id", runID, "duration", time.Since(start))
	return nil
}

// MarkInterrupted finds runs that left checkpoints behind but never reached a
// terminal state, writes an interruption error naming the last phase, and
// returns the affected run ids. Called once at startup.
func (s *Store) MarkInterrupted(ctx context.Context) ([]string, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.run_id, COALESCE((
			SELECT c.phase FROM checkpoints c
			WHERE c.run_id = r.run_id
			ORDER BY c.created_at DESC, c.id DESC LIMIT 1
		), 'unknown')
		FROM runs r
		WHERE r.final_report IS NULL AND (r.error IS NULL OR r.error = '')
		  AND EXISTS (SELECT 1 FROM checkpoints c WHERE c.run_id = r.run_id)`)
	if err != nil {
		return nil, fmt.Errorf("mark interrupted: %w", err)
	}
	type hit struct{ id, phase string }
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.phase); err != nil {
			rows.Close()
			return nil, fmt.Errorf("mark interrupted: %w", err)
		}
		hits = append(hits, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mark interrupted: %w", err)
	}

	var ids []string
	for _, h := range hits {
		msg := fmt.Sprintf("interrupted (server restart), last phase: %s", h.phase)
		applied, err := s.FailRun(ctx, h.id, msg)
		if err != nil {
			return ids, err
		}
		if applied {
			ids = append(ids, h.id)
		}
	}
	if len(ids) > 0 {
		s.logger.Info("sqlite: marked interrupted runs", "count", len(ids), "duration", time.Since(start))
	}
	return ids, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
