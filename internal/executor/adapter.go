package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tako0614/coding-agent-sub001/internal/ids"
)

// agentAdapter is the shared execution skeleton; the two variants differ only
// in tool vocabulary (handled by the collector) and transport.
type agentAdapter struct {
	variant   Variant
	transport Transport
	logger    *slog.Logger
}

// NewAdapter builds an Adapter for the given variant over a transport.
func NewAdapter(v Variant, t Transport, logger *slog.Logger) Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &agentAdapter{variant: v, transport: t, logger: logger}
}

func (a *agentAdapter) Variant() Variant { return a.variant }

// Execute renders the order into a prompt, streams the agent to completion,
// and folds the messages into a WorkReport. Cancellation aborts the stream
// cooperatively; any transport error yields a failed report, never a panic
// out of the worker.
func (a *agentAdapter) Execute(ctx context.Context, order WorkOrder, opts Options) (WorkReport, error) {
	started := time.Now()
	reportID := ids.NewReportID()
	col := newCollector(a.variant)

	run := func() error {
		prompt := RenderPrompt(order)
		msgs, err := a.transport.Stream(ctx, prompt, opts)
		if err != nil {
			return fmt.Errorf("start stream: %w", err)
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case m, ok := <-msgs:
				if !ok {
					return nil
				}
				col.observe(m)
				if opts.OnMessage != nil {
					opts.OnMessage(m)
				}
			}
		}
	}

	err := withEnv(ctx, opts.Env, run)

	meta := ReportMeta{
		StartedAt:   started.UnixMilli(),
		CompletedAt: time.Now().UnixMilli(),
		Model:       a.transport.Model(),
	}
	report := col.report(order, a.variant, meta, reportID)

	if err != nil {
		a.logger.Error("executor: stream aborted",
			"variant", string(a.variant), "order_id", order.OrderID, "error", err)
		report.Status = StatusFailed
		if report.Error == nil {
			report.Error = &ReportError{Message: err.Error()}
		}
		if report.Summary == "" {
			report.Summary = err.Error()
		}
		return report, err
	}

	a.logger.Debug("executor: order finished",
		"variant", string(a.variant), "order_id", order.OrderID,
		"status", string(report.Status), "files", len(report.Changes.FilesModified),
		"commands", len(report.CommandsRun), "duration", time.Since(started))
	return report, nil
}
