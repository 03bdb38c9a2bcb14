package executor

import (
	"context"
	"fmt"
	"os"
	"time"
)

// envMu serializes process-environment mutation across all executions.
// Buffered channel of one instead of sync.Mutex so acquisition can time out.
var envMu = make(chan struct{}, 1)

// envAcquireTimeout caps how long an execution waits for the environment
// lock. A worker stuck past this is a bug worth surfacing, not waiting out.
const envAcquireTimeout = 5 * time.Minute

// withEnv applies env to the process environment, runs fn, and restores the
// original values on every exit path. Concurrent calls serialize.
func withEnv(ctx context.Context, env map[string]string, fn func() error) error {
	if len(env) == 0 {
		return fn()
	}

	timer := time.NewTimer(envAcquireTimeout)
	defer timer.Stop()
	select {
	case envMu <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("environment lock: timed out after %s", envAcquireTimeout)
	}
	defer func() { <-envMu }()

	orig := make(map[string]savedEnv, len(env))
	for k, v := range env {
		old, ok := os.LookupEnv(k)
		orig[k] = savedEnv{value: old, was: ok}
		if err := os.Setenv(k, v); err != nil {
			restoreEnv(orig)
			return fmt.Errorf("set env %s: %w", k, err)
		}
	}
	defer restoreEnv(orig)

	return fn()
}

type savedEnv struct {
	value string
	was   bool
}

func restoreEnv(orig map[string]savedEnv) {
	for k, s := range orig {
		if s.was {
			_ = os.Setenv(k, s.value)
		} else {
			_ = os.Unsetenv(k)
		}
	}
}
