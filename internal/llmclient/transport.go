package llmclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/tako0614/coding-agent-sub001/internal/executor"
)

// CLITransport streams a vendor coding agent over its CLI. The agent gets
// the rendered prompt on stdin and emits one JSON message per stdout line;
// non-JSON lines are forwarded as plain text messages.
type CLITransport struct {
	command    []string
	model      string
	resumeFlag string // e.g. "--resume"; empty disables session resume
	logger     *slog.Logger
}

// NewCLITransport builds an executor bridge. command is argv, not a shell
// line.
func NewCLITransport(command []string, model, resumeFlag string, logger *slog.Logger) (*CLITransport, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("executor command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLITransport{command: command, model: model, resumeFlag: resumeFlag, logger: logger}, nil
}

func (t *CLITransport) Model() string { return t.model }

func (t *CLITransport) Stream(ctx context.Context, prompt string, opts executor.Options) (<-chan executor.Message, error) {
	argv := append([]string(nil), t.command...)
	if opts.ResumeSessionID != "" && t.resumeFlag != "" {
		argv = append(argv, t.resumeFlag, opts.ResumeSessionID)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = opts.CWD
	cmd.Stdin = strings.NewReader(prompt)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("executor stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout // vendor CLIs interleave diagnostics; keep order
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start executor: %w", err)
	}

	out := make(chan executor.Message)
	go func() {
		defer close(out)
		t.pump(ctx, stdout, out)
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			select {
			case out <- executor.Message{Type: "error", Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func (t *CLITransport) pump(ctx context.Context, r io.Reader, out chan<- executor.Message) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var m executor.Message
		if err := json.Unmarshal([]byte(line), &m); err != nil || m.Type == "" {
			m = executor.Message{Type: "text", Text: line}
		}
		select {
		case out <- m:
		case <-ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		t.logger.Error("llmclient: executor stream read failed", "error", err)
	}
}
