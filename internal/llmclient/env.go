package llmclient

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/tako0614/coding-agent-sub001/internal/executor"
	"github.com/tako0614/coding-agent-sub001/internal/supervisor"
)

// FromEnv builds the planner and both executor adapters from environment
// variables. PLANNER_CMD and EXECUTOR_A_CMD are required; EXECUTOR_B_CMD is
// optional. Commands are whitespace-split argv, not shell lines.
func FromEnv(logger *slog.Logger) (supervisor.Planner, map[executor.Variant]executor.Adapter, error) {
	planner, err := NewCLIPlanner(argvEnv("PLANNER_CMD"), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("PLANNER_CMD: %w", err)
	}

	adapters := make(map[executor.Variant]executor.Adapter)
	ta, err := NewCLITransport(argvEnv("EXECUTOR_A_CMD"), os.Getenv("EXECUTOR_A_MODEL"), os.Getenv("EXECUTOR_A_RESUME_FLAG"), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("EXECUTOR_A_CMD: %w", err)
	}
	adapters[executor.VariantA] = executor.NewAdapter(executor.VariantA, ta, logger)

	if cmd := argvEnv("EXECUTOR_B_CMD"); len(cmd) > 0 {
		tb, err := NewCLITransport(cmd, os.Getenv("EXECUTOR_B_MODEL"), os.Getenv("EXECUTOR_B_RESUME_FLAG"), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("EXECUTOR_B_CMD: %w", err)
		}
		adapters[executor.VariantB] = executor.NewAdapter(executor.VariantB, tb, logger)
	}
	return planner, adapters, nil
}

func argvEnv(key string) []string {
	return strings.Fields(os.Getenv(key))
}
