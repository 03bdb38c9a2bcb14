package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// LogEntry is a persisted run log row. ID is assigned by the insert and is
// globally monotone; the event bus carries these ids into its rings.
type LogEntry struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Timestamp int64           `json:"timestamp"`
	Level     string          `json:"level"`
	Source    string          `json:"source"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// AppendLog inserts one log row and returns it with the assigned id.
func (s *Store) AppendLog(ctx context.Context, e LogEntry) (LogEntry, error) {
	start := time.Now()
	if e.Timestamp == 0 {
		e.Timestamp = nowMillis()
	}
	st, err := s.stmt(ctx, `INSERT INTO run_logs (run_id, timestamp, level, source, message, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return e, err
	}
	var meta any
	if len(e.Metadata) > 0 {
		meta = string(e.Metadata)
	}
	res, err := st.ExecContext(ctx, e.RunID, e.Timestamp, e.Level, e.Source, e.Message, meta)
	if err != nil {
		s.logger.Error("sqlite: append log failed", "run_id", e.RunID, "error", err)
		return e, fmt.Errorf("append log: %w", err)
	}
	e.ID, err = res.LastInsertId()
	if err != nil {
		return e, fmt.Errorf("append log: %w", err)
	}
	s.logger.Debug("sqlite: append log", "run_id", e.RunID, "id", e.ID, "duration", time.Since(start))
	return e, nil
}

// LogsSince returns rows for runID with id strictly greater than lastID, in
// ascending id order, capped at limit (default 1000).
func (s *Store) LogsSince(ctx context.Context, runID string, lastID int64, limit int) ([]LogEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	st, err := s.stmt(ctx, `SELECT id, run_id, timestamp, level, source, message, COALESCE(metadata, '')
		FROM run_logs WHERE run_id = ? AND id > ? ORDER BY id ASC LIMIT ?`)
	if err != nil {
		return nil, err
	}
	rows, err := st.QueryContext(ctx, runID, lastID, limit)
	if err != nil {
		return nil, fmt.Errorf("logs since: %w", err)
	}
	defer rows.Close()
	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var meta string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Timestamp, &e.Level, &e.Source, &e.Message, &meta); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if meta != "" {
			e.Metadata = json.RawMessage(meta)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return out, nil
}

// OrphanedRunIDs returns run ids that have log rows but no run row. These are
// sessions whose run record was deleted or never written.
func (s *Store) OrphanedRunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT l.run_id FROM run_logs l
		LEFT JOIN runs r ON r.run_id = l.run_id
		WHERE r.run_id IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("orphaned runs: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan orphaned run: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orphaned runs: %w", err)
	}
	return ids, nil
}

// DeleteLogs removes every log row for a run. Used to clean up orphans.
func (s *Store) DeleteLogs(ctx context.Context, runID string) (int64, error) {
	st, err := s.stmt(ctx, `DELETE FROM run_logs WHERE run_id = ?`)
	if err != nil {
		return 0, err
	}
	res, err := st.ExecContext(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("delete logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
