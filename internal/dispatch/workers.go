package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tako0614/coding-agent-sub001/internal/executor"
	"github.com/tako0614/coding-agent-sub001/internal/ids"
)

// TaskStatus is an AsyncTask's lifecycle state.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

const (
	// completedRetention caps how many settled tasks the pool keeps for
	// status queries.
	completedRetention = 100
	// outputRingCap bounds per-task output lines; trimming is amortized by
	// only firing past outputTrimAt.
	outputRingCap = 1000
	outputTrimAt  = outputRingCap * 12 / 10
)

// AsyncTask is one worker pool entry. All fields are guarded by the
// dispatcher mutex.
type AsyncTask struct {
	TaskID      string
	Order       executor.WorkOrder
	Variant     executor.Variant
	Status      TaskStatus
	StartedAt   time.Time
	CompletedAt time.Time
	Result      *executor.WorkReport
	ErrMsg      string

	output []string
	cancel context.CancelFunc
	done   chan struct{}
}

// transitionLocked moves the task out of running exactly once. Later calls
// are ignored, which is what makes a cancel racing a completion safe.
func (t *AsyncTask) transitionLocked(to TaskStatus, rep *executor.WorkReport, errMsg string) {
	if t.Status != TaskRunning {
		return
	}
	t.Status = to
	t.CompletedAt = time.Now()
	t.Result = rep
	t.ErrMsg = errMsg
}

func (t *AsyncTask) appendOutput(chunk string) {
	lines := strings.Split(strings.TrimRight(chunk, "\n"), "\n")
	t.output = append(t.output, lines...)
	if len(t.output) > outputTrimAt {
		keep := t.output[len(t.output)-outputRingCap:]
		t.output = append([]string(nil), keep...)
	}
}

// spawnWorkers creates WorkOrders from the tasks array and runs them. With
// async=false the call blocks until every task settles and returns per-task
// results; with async=true it returns the task ids immediately.
func (d *Dispatcher) spawnWorkers(ctx context.Context, args map[string]any, async bool) Result {
	orders, variants, err := d.parseTasks(args)
	if err != nil {
		return fail(err.Error())
	}

	if err := d.lock(ctx); err != nil {
		return fail(err.Error())
	}
	if d.cancelPending {
		d.unlock()
		return fail("run cancelled; no new workers accepted")
	}
	if d.outcome != nil {
		d.unlock()
		return fail("run is settling; no new workers accepted")
	}
	var spawned []*AsyncTask
	for i, order := range orders {
		taskCtx, cancel := context.WithCancel(d.runCtx)
		t := &AsyncTask{
			TaskID:    ids.NewTaskID(),
			Order:     order,
			Variant:   variants[i],
			Status:    TaskRunning,
			StartedAt: time.Now(),
			cancel:    cancel,
			done:      make(chan struct{}),
		}
		d.tasks[t.TaskID] = t
		spawned = append(spawned, t)
		go d.runWorker(taskCtx, t)
	}
	d.unlock()

	taskIDs := make([]string, len(spawned))
	for i, t := range spawned {
		taskIDs[i] = t.TaskID
		d.emit("info", "supervisor", fmt.Sprintf("spawned worker %s: %s", t.TaskID, t.Order.Objective))
	}
	if async {
		return ok(map[string]any{"task_ids": taskIDs})
	}

	// Synchronous: block until all complete.
	for _, t := range spawned {
		select {
		case <-t.done:
		case <-ctx.Done():
			return fail("interrupted while waiting for workers: " + ctx.Err().Error())
		}
	}
	return d.settledResults(ctx, taskIDs)
}

func (d *Dispatcher) parseTasks(args map[string]any) ([]executor.WorkOrder, []executor.Variant, error) {
	raw, _ := args["tasks"].([]any)
	if len(raw) == 0 {
		return nil, nil, fmt.Errorf("tasks must be a non-empty array")
	}
	var orders []executor.WorkOrder
	var variants []executor.Variant
	for i, e := range raw {
		m, okk := e.(map[string]any)
		if !okk {
			return nil, nil, fmt.Errorf("task %d: not an object", i)
		}
		order := executor.WorkOrder{
			OrderID:            ids.NewOrderID(),
			RunID:              d.runID,
			TaskKind:           argString(m, "task_kind"),
			Objective:          argString(m, "objective"),
			Background:         argString(m, "background"),
			AcceptanceCriteria: argStringSlice(m, "acceptance_criteria"),
			Constraints: executor.Constraints{
				AllowedPaths:     argStringSlice(m, "allowed_paths"),
				ForbiddenPaths:   argStringSlice(m, "forbidden_paths"),
				DependencyPolicy: executor.DependencyPolicy(argString(m, "dependency_policy")),
			},
		}
		if err := validGlobs(order.Constraints.AllowedPaths); err != nil {
			return nil, nil, fmt.Errorf("task %d: %w", i, err)
		}
		if err := validGlobs(order.Constraints.ForbiddenPaths); err != nil {
			return nil, nil, fmt.Errorf("task %d: %w", i, err)
		}
		if vcs, okk := m["verification_commands"].([]any); okk {
			for _, vc := range vcs {
				vm, okk := vc.(map[string]any)
				if !okk {
					continue
				}
				order.Verification.Commands = append(order.Verification.Commands, executor.VerifyCommand{
					Cmd:      argString(vm, "cmd"),
					MustPass: argBool(vm, "must_pass"),
				})
			}
		}
		orders = append(orders, order)
		variants = append(variants, executor.Variant(argString(m, "executor")))
	}
	return orders, variants, nil
}

// runWorker executes one task and settles its pool entry.
func (d *Dispatcher) runWorker(taskCtx context.Context, t *AsyncTask) {
	defer close(t.done)
	// Release the task's derived context; settled tasks must not keep
	// accumulating against the run context.
	defer t.cancel()

	source := "executor-" + string(orDefaultVariant(t.Variant))
	rep, err := d.worker(taskCtx, t.Order, t.Variant, func(line string) {
		if lockErr := d.lock(context.Background()); lockErr != nil {
			return
		}
		t.appendOutput(line)
		d.unlock()
		d.emit("debug", source, line)
	})

	if lockErr := d.lock(context.Background()); lockErr != nil {
		d.logger.Error("dispatch: worker settle lock failed", "task_id", t.TaskID, "error", lockErr)
		return
	}
	defer d.unlock()

	switch {
	case taskCtx.Err() != nil && t.Status == TaskRunning:
		t.transitionLocked(TaskCancelled, nil, "cancelled")
	case err != nil:
		t.transitionLocked(TaskFailed, &rep, err.Error())
	case rep.Status == executor.StatusFailed:
		msg := "worker reported failure"
		if rep.Error != nil {
			msg = rep.Error.Message
		}
		t.transitionLocked(TaskFailed, &rep, msg)
	default:
		t.transitionLocked(TaskCompleted, &rep, "")
	}
	d.evictSettledLocked()

	d.emit("info", source, fmt.Sprintf("worker %s %s", t.TaskID, t.Status))
}

func orDefaultVariant(v executor.Variant) executor.Variant {
	if v == "" {
		return executor.VariantA
	}
	return v
}

// evictSettledLocked enforces the settled-entry retention cap, evicting the
// earliest-settled first. Caller holds the mutex.
func (d *Dispatcher) evictSettledLocked() {
	var settled []*AsyncTask
	for _, t := range d.tasks {
		if t.Status != TaskRunning {
			settled = append(settled, t)
		}
	}
	if len(settled) <= completedRetention {
		return
	}
	sort.Slice(settled, func(i, j int) bool {
		return settled[i].CompletedAt.Before(settled[j].CompletedAt)
	})
	for _, t := range settled[:len(settled)-completedRetention] {
		delete(d.tasks, t.TaskID)
	}
}

// waitWorkers blocks until the given tasks settle; with no ids it waits for
// every task still running at call time.
func (d *Dispatcher) waitWorkers(ctx context.Context, taskIDs []string) Result {
	if err := d.lock(ctx); err != nil {
		return fail(err.Error())
	}
	var waiting []*AsyncTask
	if len(taskIDs) == 0 {
		for _, t := range d.tasks {
			if t.Status == TaskRunning {
				waiting = append(waiting, t)
				taskIDs = append(taskIDs, t.TaskID)
			}
		}
	} else {
		for _, id := range taskIDs {
			t, okk := d.tasks[id]
			if !okk {
				d.unlock()
				return fail("unknown task: " + id)
			}
			waiting = append(waiting, t)
		}
	}
	d.unlock()

	var wg sync.WaitGroup
	for _, t := range waiting {
		wg.Add(1)
		go func(t *AsyncTask) {
			defer wg.Done()
			select {
			case <-t.done:
			case <-ctx.Done():
			}
		}(t)
	}
	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-ctx.Done():
		return fail("interrupted while waiting for workers: " + ctx.Err().Error())
	}
	if ctx.Err() != nil {
		return fail("interrupted while waiting for workers: " + ctx.Err().Error())
	}
	return d.settledResults(ctx, taskIDs)
}

// settledResults snapshots per-task outcomes.
func (d *Dispatcher) settledResults(ctx context.Context, taskIDs []string) Result {
	if err := d.lock(ctx); err != nil {
		return fail(err.Error())
	}
	defer d.unlock()
	results := make([]map[string]any, 0, len(taskIDs))
	for _, id := range taskIDs {
		t, okk := d.tasks[id]
		if !okk {
			results = append(results, map[string]any{"task_id": id, "success": false, "error": "task evicted"})
			continue
		}
		entry := map[string]any{
			"task_id": id,
			"status":  string(t.Status),
			"success": t.Status == TaskCompleted,
		}
		if t.Result != nil && t.Result.Summary != "" {
			entry["summary"] = t.Result.Summary
		}
		if t.ErrMsg != "" {
			entry["error"] = t.ErrMsg
		}
		results = append(results, entry)
	}
	return ok(map[string]any{"results": results})
}

// workerStatus snapshots task states without waiting.
func (d *Dispatcher) workerStatus(ctx context.Context, taskIDs []string) Result {
	if err := d.lock(ctx); err != nil {
		return fail(err.Error())
	}
	defer d.unlock()
	if len(taskIDs) == 0 {
		for id := range d.tasks {
			taskIDs = append(taskIDs, id)
		}
		sort.Strings(taskIDs)
	}
	statuses := make([]map[string]any, 0, len(taskIDs))
	for _, id := range taskIDs {
		t, okk := d.tasks[id]
		if !okk {
			statuses = append(statuses, map[string]any{"task_id": id, "status": "unknown"})
			continue
		}
		entry := map[string]any{
			"task_id":    id,
			"status":     string(t.Status),
			"objective":  t.Order.Objective,
			"started_at": t.StartedAt.UnixMilli(),
		}
		if !t.CompletedAt.IsZero() {
			entry["completed_at"] = t.CompletedAt.UnixMilli()
		}
		statuses = append(statuses, entry)
	}
	return ok(map[string]any{"workers": statuses})
}

// taskOutput tails a task's output ring.
func (d *Dispatcher) taskOutput(ctx context.Context, taskID string, tailLines int) Result {
	if tailLines <= 0 {
		tailLines = 50
	}
	if err := d.lock(ctx); err != nil {
		return fail(err.Error())
	}
	defer d.unlock()
	t, okk := d.tasks[taskID]
	if !okk {
		return fail("unknown task: " + taskID)
	}
	out := t.output
	if len(out) > tailLines {
		out = out[len(out)-tailLines:]
	}
	elapsed := time.Since(t.StartedAt)
	if !t.CompletedAt.IsZero() {
		elapsed = t.CompletedAt.Sub(t.StartedAt)
	}
	return ok(map[string]any{
		"task_id":    taskID,
		"status":     string(t.Status),
		"lines":      append([]string(nil), out...),
		"elapsed_ms": elapsed.Milliseconds(),
	})
}

// cancelWorker fires a task's cancel token and marks it cancelled without
// waiting for the worker goroutine to unwind.
func (d *Dispatcher) cancelWorker(ctx context.Context, taskID string) Result {
	if err := d.lock(ctx); err != nil {
		return fail(err.Error())
	}
	defer d.unlock()
	t, okk := d.tasks[taskID]
	if !okk {
		return fail("unknown task: " + taskID)
	}
	if t.Status != TaskRunning {
		return fail(fmt.Sprintf("task %s already %s", taskID, t.Status))
	}
	t.cancel()
	t.transitionLocked(TaskCancelled, nil, "cancelled by request")
	d.emit("info", "supervisor", "cancelled worker "+taskID)
	return ok(map[string]any{"task_id": taskID, "status": string(TaskCancelled)})
}

// RunningTasks reports how many tasks are still running.
func (d *Dispatcher) RunningTasks() int {
	if err := d.lock(context.Background()); err != nil {
		return 0
	}
	defer d.unlock()
	n := 0
	for _, t := range d.tasks {
		if t.Status == TaskRunning {
			n++
		}
	}
	return n
}
