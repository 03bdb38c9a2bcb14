package store

import (
	"context"
	"fmt"
)

// CostMetric records one LLM call's token usage and cost for a run.
type CostMetric struct {
	RunID        string  `json:"run_id"`
	Model        string  `json:"model"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	CreatedAt    int64   `json:"created_at"`
}

// RecordCost appends one cost metric row.
func (s *Store) RecordCost(ctx context.Context, m CostMetric) error {
	if m.CreatedAt == 0 {
		m.CreatedAt = nowMillis()
	}
	st, err := s.stmt(ctx, `INSERT INTO cost_metrics (run_id, model, input_tokens, output_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	if _, err := st.ExecContext(ctx, m.RunID, m.Model, m.InputTokens, m.OutputTokens, m.CostUSD, m.CreatedAt); err != nil {
		s.logger.Error("sqlite: record cost failed", "run_id", m.RunID, "error", err)
		return fmt.Errorf("record cost: %w", err)
	}
	return nil
}

// RunCost sums a run's recorded token usage and cost.
func (s *Store) RunCost(ctx context.Context, runID string) (CostMetric, error) {
	st, err := s.stmt(ctx, `SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM cost_metrics WHERE run_id = ?`)
	if err != nil {
		return CostMetric{}, err
	}
	m := CostMetric{RunID: runID}
	if err := st.QueryRowContext(ctx, runID).Scan(&m.InputTokens, &m.OutputTokens, &m.CostUSD); err != nil {
		return m, fmt.Errorf("run cost: %w", err)
	}
	return m, nil
}
