package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
)

// boundedBuffer stops accepting bytes past its cap. The command keeps
// running; its later output is simply discarded.
type boundedBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	max     int
	dropped bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.dropped = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.dropped = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (d *Dispatcher) runCommand(ctx context.Context, command string) Result {
	verdict := d.checker.Check(command)
	if !verdict.Allowed {
		d.emit("warn", "shell", fmt.Sprintf("denied: %s (%s)", command, verdict.Reason))
		return fail("command denied: " + verdict.Reason)
	}
	for _, w := range verdict.Warnings {
		d.emit("warn", "shell", w+": "+command)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, d.limits.CommandTimeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(cmdCtx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(cmdCtx, "/bin/sh", "-c", command)
	}
	cmd.Dir = d.repoRoot

	stdout := &boundedBuffer{max: d.limits.CommandMaxBuffer}
	stderr := &boundedBuffer{max: d.limits.CommandMaxBuffer}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	d.emit("info", "shell", "$ "+command)
	err := cmd.Run()

	out := truncateTail(stdout.String(), d.limits.StdoutCap)
	errOut := truncateTail(stderr.String(), d.limits.StderrCap)

	if cmdCtx.Err() == context.DeadlineExceeded {
		msg := fmt.Sprintf("command timed out after %s", d.limits.CommandTimeout)
		d.emit("error", "shell", msg)
		return fail(msg)
	}

	exitCode := 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exitCode = ee.ExitCode()
		} else {
			return fail(fmt.Sprintf("run command: %v", err))
		}
	}

	res := map[string]any{
		"stdout":    out,
		"exit_code": exitCode,
	}
	if errOut != "" {
		res["stderr"] = errOut
	}
	return ok(res)
}

// truncateTail keeps the head of s up to max bytes with a marker.
func truncateTail(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("\n[truncated %d bytes]", len(s)-max)
}
