package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/tako0614/coding-agent-sub001/internal/executor"
	"github.com/tako0614/coding-agent-sub001/internal/policy"
)

// instantWorker settles immediately with a done report.
func instantWorker(_ context.Context, order executor.WorkOrder, v executor.Variant, onLine func(string)) (executor.WorkReport, error) {
	onLine("working on " + order.Objective + "\n")
	return executor.WorkReport{
		OrderID:  order.OrderID,
		RunID:    order.RunID,
		Executor: v,
		Status:   executor.StatusDone,
		Summary:  "finished " + order.Objective,
	}, nil
}

// blockingWorker waits for cancellation.
func blockingWorker(ctx context.Context, order executor.WorkOrder, _ executor.Variant, _ func(string)) (executor.WorkReport, error) {
	<-ctx.Done()
	return executor.WorkReport{OrderID: order.OrderID, Status: executor.StatusFailed}, ctx.Err()
}

func testDispatcher(t *testing.T, worker WorkerExecutor) (*Dispatcher, string) {
	t.Helper()
	root := t.TempDir()
	if worker == nil {
		worker = instantWorker
	}
	d := New(context.Background(), "run_test", root, policy.NewChecker(nil, nil), Limits{}, worker, nil, nil)
	return d, root
}

func mustResult(t *testing.T, r Result) map[string]any {
	t.Helper()
	if !r.Success {
		t.Fatalf("tool failed: %s", r.Error)
	}
	m, ok := r.Result.(map[string]any)
	if !ok {
		t.Fatalf("result is %T, want map", r.Result)
	}
	return m
}

func TestExecute_UnknownToolAndValidation(t *testing.T) {
	d, _ := testDispatcher(t, nil)
	ctx := context.Background()

	if r := d.Execute(ctx, "no_such_tool", nil); r.Success || !strings.Contains(r.Error, "unknown tool") {
		t.Fatalf("r = %+v", r)
	}
	if r := d.Execute(ctx, "read_file", map[string]any{}); r.Success || !strings.Contains(r.Error, "invalid arguments") {
		t.Fatalf("r = %+v", r)
	}
	if r := d.Execute(ctx, "get_task_output", map[string]any{"task_id": "t", "tail_lines": "ten"}); r.Success {
		t.Fatalf("type mismatch accepted: %+v", r)
	}
}

func TestReadFile(t *testing.T) {
	d, root := testDispatcher(t, nil)
	ctx := context.Background()
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi there"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := mustResult(t, d.Execute(ctx, "read_file", map[string]any{"path": "hello.txt"}))
	if m["content"] != "hi there" || m["truncated"] != false {
		t.Fatalf("m = %v", m)
	}

	// Traversal is refused by the sandbox.
	if r := d.Execute(ctx, "read_file", map[string]any{"path": "../outside"}); r.Success {
		t.Fatal("traversal accepted")
	}

	// Binary extensions get a placeholder.
	if err := os.WriteFile(filepath.Join(root, "img.png"), []byte{0x89, 0x50}, 0o644); err != nil {
		t.Fatal(err)
	}
	m = mustResult(t, d.Execute(ctx, "read_file", map[string]any{"path": "img.png"}))
	if m["binary"] != true || m["size"] != int64(2) {
		t.Fatalf("binary placeholder = %v", m)
	}
	if _, hasContent := m["content"]; hasContent {
		t.Fatal("binary read returned content")
	}
}

func TestReadFile_Truncation(t *testing.T) {
	root := t.TempDir()
	d := New(context.Background(), "run_test", root, nil, Limits{ReadFileMaxBytes: 10}, instantWorker, nil, nil)
	big := strings.Repeat("x", 100)
	if err := os.WriteFile(filepath.Join(root, "big.txt"), []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}
	m := mustResult(t, d.Execute(context.Background(), "read_file", map[string]any{"path": "big.txt"}))
	if m["truncated"] != true {
		t.Fatal("not truncated")
	}
	content := m["content"].(string)
	if !strings.HasPrefix(content, strings.Repeat("x", 10)) || !strings.Contains(content, "[truncated") {
		t.Fatalf("content = %q", content)
	}
}

func TestReadFile_RefusesSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	d, root := testDispatcher(t, nil)
	if err := os.WriteFile(filepath.Join(root, "real.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(root, "real.txt"), filepath.Join(root, "link.txt")); err != nil {
		t.Fatal(err)
	}
	if r := d.Execute(context.Background(), "read_file", map[string]any{"path": "link.txt"}); r.Success {
		t.Fatal("symlink read accepted")
	}
}

func TestEditFile(t *testing.T) {
	d, root := testDispatcher(t, nil)
	ctx := context.Background()

	// Create via empty old_string, including parent dirs.
	m := mustResult(t, d.Execute(ctx, "edit_file", map[string]any{
		"path": "src/app/main.go", "old_string": "", "new_string": "package main\n",
	}))
	if m["created"] != true {
		t.Fatalf("m = %v", m)
	}
	// Creating over an existing file fails.
	if r := d.Execute(ctx, "edit_file", map[string]any{
		"path": "src/app/main.go", "old_string": "", "new_string": "x",
	}); r.Success {
		t.Fatal("create over existing accepted")
	}

	// Replace first occurrence only.
	if err := os.WriteFile(filepath.Join(root, "multi.txt"), []byte("a b a b a"), 0o644); err != nil {
		t.Fatal(err)
	}
	m = mustResult(t, d.Execute(ctx, "edit_file", map[string]any{
		"path": "multi.txt", "old_string": "a", "new_string": "z",
	}))
	if m["replaced"] != 1 {
		t.Fatalf("replaced = %v", m["replaced"])
	}
	data, _ := os.ReadFile(filepath.Join(root, "multi.txt"))
	if string(data) != "z b a b a" {
		t.Fatalf("content = %q", data)
	}

	// replace_all.
	m = mustResult(t, d.Execute(ctx, "edit_file", map[string]any{
		"path": "multi.txt", "old_string": "a", "new_string": "z", "replace_all": true,
	}))
	if m["replaced"] != 2 {
		t.Fatalf("replaced = %v", m["replaced"])
	}

	// Missing old_string fails.
	if r := d.Execute(ctx, "edit_file", map[string]any{
		"path": "multi.txt", "old_string": "nope", "new_string": "x",
	}); r.Success || !strings.Contains(r.Error, "not found") {
		t.Fatalf("r = %+v", r)
	}
}

func TestListFiles(t *testing.T) {
	d, root := testDispatcher(t, nil)
	ctx := context.Background()
	for _, p := range []string{
		"a.txt", "sub/b.txt", "node_modules/pkg/ignored.js", ".hidden", "dist/out.js",
	} {
		full := filepath.Join(root, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	m := mustResult(t, d.Execute(ctx, "list_files", map[string]any{"recursive": true}))
	entries := m["entries"].([]listedEntry)
	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	joined := strings.Join(paths, " ")
	for _, want := range []string{"a.txt", "sub", "sub/b.txt"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing %q in %v", want, paths)
		}
	}
	for _, skip := range []string{"node_modules", ".hidden", "dist"} {
		if strings.Contains(joined, skip) {
			t.Fatalf("listing contains skipped entry %q: %v", skip, paths)
		}
	}
}

func TestListFiles_CapAndDepth(t *testing.T) {
	root := t.TempDir()
	d := New(context.Background(), "run_test", root, nil, Limits{ListMaxEntries: 3}, instantWorker, nil, nil)
	for i := 0; i < 10; i++ {
		if err := os.WriteFile(filepath.Join(root, fmt.Sprintf("f%02d.txt", i)), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	m := mustResult(t, d.Execute(context.Background(), "list_files", map[string]any{}))
	if m["capped"] != true {
		t.Fatal("cap not reported")
	}
	if n := len(m["entries"].([]listedEntry)); n != 3 {
		t.Fatalf("entries = %d, want 3", n)
	}
}

func TestRunCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test scripts assume a POSIX shell")
	}
	d, _ := testDispatcher(t, nil)
	ctx := context.Background()

	m := mustResult(t, d.Execute(ctx, "run_command", map[string]any{"command": "echo hello"}))
	if !strings.Contains(m["stdout"].(string), "hello") || m["exit_code"] != 0 {
		t.Fatalf("m = %v", m)
	}

	m = mustResult(t, d.Execute(ctx, "run_command", map[string]any{"command": "echo err >&2; exit 3"}))
	if m["exit_code"] != 3 || !strings.Contains(m["stderr"].(string), "err") {
		t.Fatalf("m = %v", m)
	}

	if r := d.Execute(ctx, "run_command", map[string]any{"command": "rm -rf /"}); r.Success || !strings.Contains(r.Error, "denied") {
		t.Fatalf("dangerous command result = %+v", r)
	}
}

func TestRunCommand_Timeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test scripts assume a POSIX shell")
	}
	root := t.TempDir()
	d := New(context.Background(), "run_test", root, nil, Limits{CommandTimeout: 100 * time.Millisecond}, instantWorker, nil, nil)
	r := d.Execute(context.Background(), "run_command", map[string]any{"command": "sleep 5"})
	if r.Success || !strings.Contains(r.Error, "timed out") {
		t.Fatalf("r = %+v", r)
	}
}

func TestSpawnWorkersSync(t *testing.T) {
	d, _ := testDispatcher(t, nil)
	m := mustResult(t, d.Execute(context.Background(), "spawn_workers", map[string]any{
		"tasks": []any{
			map[string]any{"objective": "task one"},
			map[string]any{"objective": "task two", "executor": "B"},
		},
	}))
	results := m["results"].([]map[string]any)
	if len(results) != 2 {
		t.Fatalf("results = %v", results)
	}
	for _, r := range results {
		if r["success"] != true {
			t.Fatalf("result = %v", r)
		}
		if !strings.Contains(r["summary"].(string), "finished") {
			t.Fatalf("summary = %v", r["summary"])
		}
	}
}

func TestSpawnAsyncWaitStatusOutput(t *testing.T) {
	d, _ := testDispatcher(t, nil)
	ctx := context.Background()

	m := mustResult(t, d.Execute(ctx, "spawn_workers_async", map[string]any{
		"tasks": []any{map[string]any{"objective": "async work"}},
	}))
	idsAny := m["task_ids"].([]string)
	if len(idsAny) != 1 {
		t.Fatalf("task_ids = %v", idsAny)
	}
	taskID := idsAny[0]

	m = mustResult(t, d.Execute(ctx, "wait_workers", map[string]any{"task_ids": []any{taskID}}))
	results := m["results"].([]map[string]any)
	if len(results) != 1 || results[0]["success"] != true {
		t.Fatalf("results = %v", results)
	}

	m = mustResult(t, d.Execute(ctx, "get_worker_status", map[string]any{}))
	workers := m["workers"].([]map[string]any)
	if len(workers) != 1 || workers[0]["status"] != string(TaskCompleted) {
		t.Fatalf("workers = %v", workers)
	}

	m = mustResult(t, d.Execute(ctx, "get_task_output", map[string]any{"task_id": taskID}))
	lines := m["lines"].([]string)
	if len(lines) == 0 || !strings.Contains(lines[0], "async work") {
		t.Fatalf("lines = %v", lines)
	}
}

func TestCancelWorker(t *testing.T) {
	d, _ := testDispatcher(t, blockingWorker)
	ctx := context.Background()

	m := mustResult(t, d.Execute(ctx, "spawn_workers_async", map[string]any{
		"tasks": []any{map[string]any{"objective": "never finishes"}},
	}))
	taskID := m["task_ids"].([]string)[0]

	m = mustResult(t, d.Execute(ctx, "cancel_worker", map[string]any{"task_id": taskID}))
	if m["status"] != string(TaskCancelled) {
		t.Fatalf("m = %v", m)
	}
	// Cancel is idempotent-rejecting: a second cancel reports the state.
	if r := d.Execute(ctx, "cancel_worker", map[string]any{"task_id": taskID}); r.Success {
		t.Fatal("second cancel succeeded")
	}
	// The worker goroutine settles without reverting the status.
	deadline := time.After(2 * time.Second)
	for {
		st := mustResult(t, d.Execute(ctx, "get_worker_status", map[string]any{"task_ids": []any{taskID}}))
		if st["workers"].([]map[string]any)[0]["status"] == string(TaskCancelled) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("task never showed cancelled")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSentinelsSettleRun(t *testing.T) {
	d, _ := testDispatcher(t, nil)
	ctx := context.Background()

	if out := d.TerminalOutcome(); out != nil {
		t.Fatalf("outcome = %+v before settle", out)
	}
	mustResult(t, d.Execute(ctx, "complete", map[string]any{"summary": "all done"}))
	out := d.TerminalOutcome()
	if out == nil || out.Kind != OutcomeComplete || out.Message != "all done" {
		t.Fatalf("outcome = %+v", out)
	}
	// A second sentinel is rejected.
	if r := d.Execute(ctx, "fail", map[string]any{"reason": "late"}); r.Success {
		t.Fatal("second sentinel accepted")
	}
	// No new spawns after settling.
	if r := d.Execute(ctx, "spawn_workers_async", map[string]any{
		"tasks": []any{map[string]any{"objective": "too late"}},
	}); r.Success {
		t.Fatal("spawn accepted after settle")
	}
}

func TestCancelSentinelClearsPool(t *testing.T) {
	d, _ := testDispatcher(t, blockingWorker)
	ctx := context.Background()
	mustResult(t, d.Execute(ctx, "spawn_workers_async", map[string]any{
		"tasks": []any{map[string]any{"objective": "doomed"}},
	}))
	mustResult(t, d.Execute(ctx, "cancel", map[string]any{"reason": "user asked"}))

	if n := d.RunningTasks(); n != 0 {
		t.Fatalf("running tasks = %d after cancel", n)
	}
	out := d.TerminalOutcome()
	if out == nil || out.Kind != OutcomeCancel {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestSpawnAfterCancelReportsCancelled(t *testing.T) {
	d, _ := testDispatcher(t, blockingWorker)
	ctx := context.Background()
	mustResult(t, d.Execute(ctx, "spawn_workers_async", map[string]any{
		"tasks": []any{map[string]any{"objective": "doomed"}},
	}))
	mustResult(t, d.Execute(ctx, "cancel", map[string]any{"reason": "test"}))

	r := d.Execute(ctx, "spawn_workers_async", map[string]any{
		"tasks": []any{map[string]any{"objective": "too late"}},
	})
	if r.Success {
		t.Fatal("spawn accepted after cancel")
	}
	if !strings.Contains(strings.ToLower(r.Error), "cancel") {
		t.Fatalf("error = %q, want it to mention cancel", r.Error)
	}
}

func TestWorkerContextReleasedAfterSettle(t *testing.T) {
	ctxCh := make(chan context.Context, 1)
	worker := func(ctx context.Context, order executor.WorkOrder, _ executor.Variant, _ func(string)) (executor.WorkReport, error) {
		ctxCh <- ctx
		return executor.WorkReport{OrderID: order.OrderID, Status: executor.StatusDone, Summary: "done"}, nil
	}
	d, _ := testDispatcher(t, worker)
	mustResult(t, d.Execute(context.Background(), "spawn_workers", map[string]any{
		"tasks": []any{map[string]any{"objective": "short"}},
	}))

	taskCtx := <-ctxCh
	deadline := time.After(2 * time.Second)
	for taskCtx.Err() == nil {
		select {
		case <-deadline:
			t.Fatal("settled task still holds its derived context")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSpawnRejectsBadGlobs(t *testing.T) {
	d, _ := testDispatcher(t, nil)
	r := d.Execute(context.Background(), "spawn_workers", map[string]any{
		"tasks": []any{map[string]any{
			"objective":     "x",
			"allowed_paths": []any{"src/[unclosed"},
		}},
	})
	if r.Success || !strings.Contains(r.Error, "invalid path pattern") {
		t.Fatalf("r = %+v", r)
	}
}

func TestOutputRingTrims(t *testing.T) {
	t1 := &AsyncTask{Status: TaskRunning}
	for i := 0; i < outputTrimAt+100; i++ {
		t1.appendOutput(fmt.Sprintf("line %d\n", i))
	}
	if len(t1.output) > outputTrimAt {
		t.Fatalf("ring size = %d, want <= %d", len(t1.output), outputTrimAt)
	}
	last := t1.output[len(t1.output)-1]
	if !strings.Contains(last, fmt.Sprint(outputTrimAt+99)) {
		t.Fatalf("last line = %q", last)
	}
}

func TestWaitWorkersUnknownTask(t *testing.T) {
	d, _ := testDispatcher(t, nil)
	r := d.Execute(context.Background(), "wait_workers", map[string]any{"task_ids": []any{"task_missing"}})
	if r.Success || !strings.Contains(r.Error, "unknown task") {
		t.Fatalf("r = %+v", r)
	}
}

func TestDispatcherMutexTimeoutSurfacesError(t *testing.T) {
	d, _ := testDispatcher(t, nil)
	// Hold the mutex from outside and verify lock() times out rather than
	// hanging. Uses a short-lived context instead of waiting 30s.
	d.sem <- struct{}{}
	defer func() { <-d.sem }()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.lock(ctx)
	if err == nil {
		d.unlock()
		t.Fatal("lock acquired while held")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}
