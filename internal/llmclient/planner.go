// Package llmclient bridges the supervisor and executors to local vendor
// CLIs. Each bridge runs a configured command, feeds it JSON or a rendered
// prompt on stdin, and parses what comes back. No vendor SDKs: the command
// line is the integration surface.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/tako0614/coding-agent-sub001/internal/supervisor"
)

// CLIPlanner invokes a planner command per step. The command receives the
// PlanRequest as JSON on stdin and must print one PlanResponse JSON object.
type CLIPlanner struct {
	command []string
	logger  *slog.Logger
}

// NewCLIPlanner builds a planner bridge. command is argv, not a shell line.
func NewCLIPlanner(command []string, logger *slog.Logger) (*CLIPlanner, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("planner command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIPlanner{command: command, logger: logger}, nil
}

func (p *CLIPlanner) Plan(ctx context.Context, req supervisor.PlanRequest) (supervisor.PlanResponse, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return supervisor.PlanResponse{}, fmt.Errorf("encode plan request: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.command[0], p.command[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return supervisor.PlanResponse{}, fmt.Errorf("planner command: %w: %s", err, detail)
		}
		return supervisor.PlanResponse{}, fmt.Errorf("planner command: %w", err)
	}

	var resp supervisor.PlanResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return supervisor.PlanResponse{}, fmt.Errorf("decode plan response: %w", err)
	}
	p.logger.Debug("llmclient: plan step", "run_id", req.RunID, "tool_calls", len(resp.ToolCalls))
	return resp, nil
}
