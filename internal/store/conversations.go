package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ConversationMessage is one normalized chat message, ordered by seq per run.
type ConversationMessage struct {
	RunID          string `json:"run_id"`
	Seq            int64  `json:"seq"`
	ConversationID string `json:"conversation_id,omitempty"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"created_at"`
}

// legacyMessage matches the shape of entries in the legacy JSON-blob table.
type legacyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AppendMessage appends one message, assigning the next seq for the run.
func (s *Store) AppendMessage(ctx context.Context, m ConversationMessage) (ConversationMessage, error) {
	if m.CreatedAt == 0 {
		m.CreatedAt = nowMillis()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return m, fmt.Errorf("append message: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM conversation_messages WHERE run_id = ?`,
		m.RunID).Scan(&m.Seq); err != nil {
		return m, fmt.Errorf("append message: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversation_messages (run_id, seq, conversation_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.RunID, m.Seq, nullable(m.ConversationID), m.Role, m.Content, m.CreatedAt)
	if err != nil {
		return m, fmt.Errorf("append message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return m, fmt.Errorf("append message: %w", err)
	}
	return m, nil
}

// Messages returns a run's conversation in seq order. If the normalized table
// is empty but a legacy JSON blob exists, the blob is migrated first; the
// legacy row is kept read-only for rollback but never written again.
func (s *Store) Messages(ctx context.Context, runID string) ([]ConversationMessage, error) {
	out, err := s.readMessages(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(out) > 0 {
		return out, nil
	}
	if err := s.migrateLegacy(ctx, runID); err != nil {
		return nil, err
	}
	return s.readMessages(ctx, runID)
}

func (s *Store) readMessages(ctx context.Context, runID string) ([]ConversationMessage, error) {
	st, err := s.stmt(ctx, `SELECT run_id, seq, COALESCE(conversation_id, ''), role, content, created_at
		FROM conversation_messages WHERE run_id = ? ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	rows, err := st.QueryContext(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	defer rows.Close()
	var out []ConversationMessage
	for rows.Next() {
		var m ConversationMessage
		if err := rows.Scan(&m.RunID, &m.Seq, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// migrateLegacy copies the legacy JSON blob for runID into the normalized
// table. A missing or unparseable blob is a no-op.
func (s *Store) migrateLegacy(ctx context.Context, runID string) error {
	var blob string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT messages, updated_at FROM conversations WHERE run_id = ?`, runID).
		Scan(&blob, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read legacy conversation: %w", err)
	}

	var legacy []legacyMessage
	if err := json.Unmarshal([]byte(blob), &legacy); err != nil {
		s.logger.Error("sqlite: legacy conversation unparseable", "run_id", runID, "error", err)
		return nil
	}
	if len(legacy) == 0 {
		return nil
	}

	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate conversation: %w", err)
	}
	defer tx.Rollback()
	for i, m := range legacy {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO conversation_messages (run_id, seq, role, content, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			runID, int64(i+1), m.Role, m.Content, updatedAt)
		if err != nil {
			return fmt.Errorf("migrate conversation: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate conversation: %w", err)
	}
	s.logger.Info("sqlite: migrated legacy conversation", "run_id", runID, "messages", len(legacy), "duration", time.Since(start))
	return nil
}
