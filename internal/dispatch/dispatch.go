// Package dispatch executes the supervisor's tool vocabulary: file I/O under
// the path sandbox, shell commands under the command policy, and the
// asynchronous worker pool. One Dispatcher per run.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tako0614/coding-agent-sub001/internal/executor"
	"github.com/tako0614/coding-agent-sub001/internal/policy"
)

// Result is the uniform outcome of one tool execution.
type Result struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(v any) Result        { return Result{Success: true, Result: v} }
func fail(msg string) Result { return Result{Success: false, Error: msg} }

// OutcomeKind is a run-control sentinel observed by the supervisor loop.
type OutcomeKind string

const (
	OutcomeComplete OutcomeKind = "complete"
	OutcomeFail     OutcomeKind = "fail"
	OutcomeCancel   OutcomeKind = "cancel"
)

// Outcome settles a run.
type Outcome struct {
	Kind    OutcomeKind
	Message string
}

// Limits bounds tool I/O. Zero values fall back to defaults.
type Limits struct {
	ReadFileMaxBytes int
	EditFileMaxBytes int
	ListMaxEntries   int
	ListMaxDepth     int
	CommandTimeout   time.Duration
	CommandMaxBuffer int
	StdoutCap        int
	StderrCap        int
}

// DefaultLimits returns the production bounds.
func DefaultLimits() Limits {
	return Limits{
		ReadFileMaxBytes: 50 * 1024,
		EditFileMaxBytes: 10 * 1024 * 1024,
		ListMaxEntries:   500,
		ListMaxDepth:     10,
		CommandTimeout:   5 * time.Minute,
		CommandMaxBuffer: 10 * 1024 * 1024,
		StdoutCap:        100 * 1024,
		StderrCap:        50 * 1024,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.ReadFileMaxBytes <= 0 {
		l.ReadFileMaxBytes = d.ReadFileMaxBytes
	}
	if l.EditFileMaxBytes <= 0 {
		l.EditFileMaxBytes = d.EditFileMaxBytes
	}
	if l.ListMaxEntries <= 0 {
		l.ListMaxEntries = d.ListMaxEntries
	}
	if l.ListMaxDepth <= 0 {
		l.ListMaxDepth = d.ListMaxDepth
	}
	if l.CommandTimeout <= 0 {
		l.CommandTimeout = d.CommandTimeout
	}
	if l.CommandMaxBuffer <= 0 {
		l.CommandMaxBuffer = d.CommandMaxBuffer
	}
	if l.StdoutCap <= 0 {
		l.StdoutCap = d.StdoutCap
	}
	if l.StderrCap <= 0 {
		l.StderrCap = d.StderrCap
	}
	return l
}

// WorkerExecutor runs one WorkOrder to completion, streaming output lines.
// variant selects a vendor agent; empty means the caller's default.
type WorkerExecutor func(ctx context.Context, order executor.WorkOrder, variant executor.Variant, onLine func(string)) (executor.WorkReport, error)

// LogFunc receives dispatcher log lines for the run's event stream.
type LogFunc func(level, source, message string)

// mutexAcquireTimeout converts a deadlocked dispatcher into an error instead
// of a hang.
const mutexAcquireTimeout = 30 * time.Second

// Dispatcher routes tool calls for one run.
type Dispatcher struct {
	runID    string
	repoRoot string
	checker  *policy.Checker
	limits   Limits
	worker   WorkerExecutor
	emit     LogFunc
	logger   *slog.Logger

	runCtx context.Context // parent for spawned tasks

	// sem is the dispatcher mutex: buffered channel so acquisition can time
	// out. Guards tasks, outcome, and cancelPending.
	sem           chan struct{}
	tasks         map[string]*AsyncTask
	outcome       *Outcome
	cancelPending bool

	schemaOnce sync.Once
	schemas    map[string]*jsonschema.Schema
	schemaErr  error
}

// New creates a Dispatcher for one run. runCtx is the run's context; tasks
// spawned by this dispatcher are its children.
func New(runCtx context.Context, runID, repoRoot string, checker *policy.Checker, limits Limits, worker WorkerExecutor, emit LogFunc, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(string, string, string) {}
	}
	if checker == nil {
		checker = policy.NewChecker(nil, nil)
	}
	return &Dispatcher{
		runID:    runID,
		repoRoot: repoRoot,
		checker:  checker,
		limits:   limits.withDefaults(),
		worker:   worker,
		emit:     emit,
		logger:   logger,
		runCtx:   runCtx,
		sem:      make(chan struct{}, 1),
		tasks:    make(map[string]*AsyncTask),
	}
}

// lock acquires the dispatcher mutex, failing after the acquire timeout.
func (d *Dispatcher) lock(ctx context.Context) error {
	timer := time.NewTimer(mutexAcquireTimeout)
	defer timer.Stop()
	select {
	case d.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("dispatcher mutex: acquire timed out after %s", mutexAcquireTimeout)
	}
}

func (d *Dispatcher) unlock() { <-d.sem }

// TerminalOutcome returns the sentinel recorded by complete/fail/cancel, or
// nil while the run is still going.
func (d *Dispatcher) TerminalOutcome() *Outcome {
	if err := d.lock(context.Background()); err != nil {
		return nil
	}
	defer d.unlock()
	return d.outcome
}

// Execute validates args against the tool's schema and runs it. Unknown
// tools and validation failures come back as failed Results, never errors;
// the supervisor feeds them to the model as-is.
func (d *Dispatcher) Execute(ctx context.Context, name string, args map[string]any) Result {
	start := time.Now()
	if args == nil {
		args = map[string]any{}
	}

	schema, known := d.schemaFor(name)
	if d.schemaErr != nil {
		return fail(fmt.Sprintf("tool schemas unavailable: %v", d.schemaErr))
	}
	if !known {
		return fail(fmt.Sprintf("unknown tool: %s", name))
	}
	if err := schema.Validate(normalizeForSchema(args)); err != nil {
		return fail(fmt.Sprintf("invalid arguments for %s: %v", name, err))
	}

	var res Result
	switch name {
	case "read_file":
		res = d.readFile(argString(args, "path"))
	case "edit_file":
		res = d.editFile(argString(args, "path"), argString(args, "old_string"),
			argString(args, "new_string"), argBool(args, "replace_all"))
	case "list_files":
		res = d.listFiles(argStringDefault(args, "path", "."), argBool(args, "recursive"))
	case "run_command":
		res = d.runCommand(ctx, argString(args, "command"))
	case "spawn_workers":
		res = d.spawnWorkers(ctx, args, false)
	case "spawn_workers_async":
		res = d.spawnWorkers(ctx, args, true)
	case "wait_workers":
		res = d.waitWorkers(ctx, argStringSlice(args, "task_ids"))
	case "get_worker_status":
		res = d.workerStatus(ctx, argStringSlice(args, "task_ids"))
	case "get_task_output":
		res = d.taskOutput(ctx, argString(args, "task_id"), argInt(args, "tail_lines", 50))
	case "cancel_worker":
		res = d.cancelWorker(ctx, argString(args, "task_id"))
	case "complete":
		res = d.settle(ctx, OutcomeComplete, argString(args, "summary"))
	case "fail":
		res = d.settle(ctx, OutcomeFail, argString(args, "reason"))
	case "cancel":
		res = d.settle(ctx, OutcomeCancel, argString(args, "reason"))
	default:
		res = fail(fmt.Sprintf("unknown tool: %s", name))
	}

	d.logger.Debug("dispatch: tool executed",
		"run_id", d.runID, "tool", name, "success", res.Success, "duration", time.Since(start))
	return res
}

// settle records the run-control sentinel. cancel additionally fires every
// running task's cancel token and clears the pool.
func (d *Dispatcher) settle(ctx context.Context, kind OutcomeKind, msg string) Result {
	if kind != OutcomeCancel && strings.TrimSpace(msg) == "" {
		return fail(string(kind) + " requires a non-empty message")
	}
	if err := d.lock(ctx); err != nil {
		return fail(err.Error())
	}
	defer d.unlock()
	if d.outcome != nil {
		return fail(fmt.Sprintf("run already settled as %s", d.outcome.Kind))
	}
	d.outcome = &Outcome{Kind: kind, Message: msg}
	if kind == OutcomeCancel {
		d.cancelPending = true
		for id, t := range d.tasks {
			if t.Status == TaskRunning {
				t.cancel()
				t.transitionLocked(TaskCancelled, nil, "cancelled by run cancel")
			}
			delete(d.tasks, id)
		}
	}
	d.emit("info", "supervisor", fmt.Sprintf("run settled: %s", kind))
	return ok(map[string]any{"acknowledged": true})
}

// schemaFor lazily compiles the per-tool schemas.
func (d *Dispatcher) schemaFor(name string) (*jsonschema.Schema, bool) {
	d.schemaOnce.Do(func() {
		d.schemas = make(map[string]*jsonschema.Schema, len(toolSchemas))
		for n, raw := range toolSchemas {
			s, err := compileSchema(raw)
			if err != nil {
				d.schemaErr = fmt.Errorf("compile %s: %w", n, err)
				return
			}
			d.schemas[n] = s
		}
	})
	s, okk := d.schemas[name]
	return s, okk
}

func compileSchema(raw string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// normalizeForSchema round-trips args through JSON so validation sees the
// same value shapes the wire carries (e.g. ints arrive as float64).
func normalizeForSchema(args map[string]any) any {
	b, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return args
	}
	return v
}

var toolSchemas = map[string]string{
	"read_file": `{"type":"object","properties":{"path":{"type":"string","minLength":1}},"required":["path"]}`,
	"edit_file": `{"type":"object","properties":{
		"path":{"type":"string","minLength":1},
		"old_string":{"type":"string"},
		"new_string":{"type":"string"},
		"replace_all":{"type":"boolean"}},
		"required":["path","old_string","new_string"]}`,
	"list_files": `{"type":"object","properties":{
		"path":{"type":"string"},
		"recursive":{"type":"boolean"}}}`,
	"run_command": `{"type":"object","properties":{"command":{"type":"string","minLength":1}},"required":["command"]}`,
	"spawn_workers": `{"type":"object","properties":{
		"tasks":{"type":"array","minItems":1,"items":{"type":"object","properties":{
			"objective":{"type":"string","minLength":1},
			"task_kind":{"type":"string"},
			"background":{"type":"string"},
			"acceptance_criteria":{"type":"array","items":{"type":"string"}},
			"allowed_paths":{"type":"array","items":{"type":"string"}},
			"forbidden_paths":{"type":"array","items":{"type":"string"}},
			"dependency_policy":{"type":"string","enum":["allow","existing_only","deny"]},
			"verification_commands":{"type":"array","items":{"type":"object","properties":{
				"cmd":{"type":"string","minLength":1},
				"must_pass":{"type":"boolean"}},"required":["cmd"]}},
			"executor":{"type":"string","enum":["A","B"]}},
			"required":["objective"]}}},
		"required":["tasks"]}`,
	"wait_workers": `{"type":"object","properties":{
		"task_ids":{"type":"array","items":{"type":"string"}}}}`,
	"get_worker_status": `{"type":"object","properties":{
		"task_ids":{"type":"array","items":{"type":"string"}}}}`,
	"get_task_output": `{"type":"object","properties":{
		"task_id":{"type":"string","minLength":1},
		"tail_lines":{"type":"integer","minimum":1}},
		"required":["task_id"]}`,
	"cancel_worker": `{"type":"object","properties":{"task_id":{"type":"string","minLength":1}},"required":["task_id"]}`,
	"complete":      `{"type":"object","properties":{"summary":{"type":"string","minLength":1}},"required":["summary"]}`,
	"fail":          `{"type":"object","properties":{"reason":{"type":"string","minLength":1}},"required":["reason"]}`,
	"cancel":        `{"type":"object","properties":{"reason":{"type":"string"}}}`,
}

// spawn_workers_async schema matches spawn_workers.
func init() {
	toolSchemas["spawn_workers_async"] = toolSchemas["spawn_workers"]
}

// ToolNames lists the vocabulary, for the LLM tool declaration.
func ToolNames() []string {
	out := make([]string, 0, len(toolSchemas))
	for n := range toolSchemas {
		out = append(out, n)
	}
	return out
}

// argument helpers: schema validation has already run, so these only coerce.

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argStringDefault(args map[string]any, key, def string) string {
	if v, okk := args[key].(string); okk && v != "" {
		return v
	}
	return def
}

func argBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func argStringSlice(args map[string]any, key string) []string {
	raw, okk := args[key].([]any)
	if !okk {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, okk := e.(string); okk {
			out = append(out, s)
		}
	}
	return out
}
