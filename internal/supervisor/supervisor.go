// Package supervisor runs the planner loop: it feeds the run's conversation
// to a planner, executes the tool calls it returns through the dispatcher,
// and settles the run on a complete/fail/cancel sentinel, cancellation, or
// the run timeout. Per-step errors are fed back into the conversation so the
// planner can self-correct.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tako0614/coding-agent-sub001/internal/bus"
	"github.com/tako0614/coding-agent-sub001/internal/checkpoint"
	"github.com/tako0614/coding-agent-sub001/internal/config"
	"github.com/tako0614/coding-agent-sub001/internal/dispatch"
	"github.com/tako0614/coding-agent-sub001/internal/executor"
	"github.com/tako0614/coding-agent-sub001/internal/ids"
	"github.com/tako0614/coding-agent-sub001/internal/policy"
	"github.com/tako0614/coding-agent-sub001/internal/resilience"
	"github.com/tako0614/coding-agent-sub001/internal/runstore"
	"github.com/tako0614/coding-agent-sub001/internal/store"
)

const (
	// maxPlannerFailures ends the run when the planner keeps failing with the
	// error already surfaced in the conversation. Transient errors are
	// retried inside the resilient caller before they count here.
	maxPlannerFailures = 5
	// maxIdleSteps ends the run when the planner keeps answering without any
	// tool call despite being nudged.
	maxIdleSteps = 3
)

const systemPrompt = `You are the supervisor of a coding run. Plan the work, delegate it to
workers with spawn_workers_async, inspect their progress, and finish with the
complete tool (or fail/cancel). Every reply must invoke at least one tool.`

// RunParams is the client's CreateRun request after validation.
type RunParams struct {
	Goal      string
	RepoPath  string
	ProjectID string
	Mode      string // spec | implementation
	Policy    *config.RunPolicy
}

// Service launches and tracks supervisor loops.
type Service struct {
	cfg      config.Config
	db       *store.Store
	runs     *runstore.Store
	bus      *bus.Bus
	planner  Planner
	adapters map[executor.Variant]executor.Adapter
	caller   *resilience.Caller
	llmCfg   resilience.CallConfig
	logger   *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
	wg         sync.WaitGroup

	mu          sync.Mutex
	checkpoints map[string]*checkpoint.Manager
}

// New creates a Service. adapters maps executor variants to their vendor
// adapters; at least VariantA must be present.
func New(cfg config.Config, db *store.Store, runs *runstore.Store, b *bus.Bus, planner Planner, adapters map[executor.Variant]executor.Adapter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Normalized()
	llmCfg := resilience.LLMConfig()
	llmCfg.Timeout = cfg.APITimeout
	llmCfg.MaxRetries = cfg.APIMaxRetries
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Service{
		cfg:         cfg,
		db:          db,
		runs:        runs,
		bus:         b,
		planner:     planner,
		adapters:    adapters,
		caller:      resilience.NewCaller(logger),
		llmCfg:      llmCfg,
		logger:      logger,
		baseCtx:     ctx,
		baseCancel:  cancel,
		checkpoints: make(map[string]*checkpoint.Manager),
	}
}

// StartRun validates params, persists the placeholder row, and launches the
// loop in a goroutine. Returns the new run id.
func (s *Service) StartRun(ctx context.Context, p RunParams) (string, error) {
	if p.Goal == "" {
		return "", errors.New("goal is required")
	}
	if p.RepoPath == "" {
		return "", errors.New("repo_path is required")
	}
	if fi, err := os.Stat(p.RepoPath); err != nil || !fi.IsDir() {
		return "", fmt.Errorf("repo_path is not a directory: %s", p.RepoPath)
	}
	if p.Mode == "" {
		p.Mode = "implementation"
	}

	runID := ids.NewRunID()
	runCtx, cancel := context.WithCancelCause(s.baseCtx)
	done, err := s.runs.Begin(ctx, store.Run{
		RunID:     runID,
		ProjectID: p.ProjectID,
		UserGoal:  p.Goal,
		RepoPath:  p.RepoPath,
		Mode:      p.Mode,
	}, cancel)
	if err != nil {
		cancel(err)
		return "", err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel(nil)
		s.loop(runCtx, runID, p, done)
	}()
	s.logger.Info("supervisor: run started", "run_id", runID, "repo_path", p.RepoPath, "mode", p.Mode)
	return runID, nil
}

// Cancel fires a live run's cancel cause.
func (s *Service) Cancel(runID, reason string) bool {
	if reason == "" {
		reason = "cancelled"
	}
	return s.runs.Cancel(runID, errors.New(reason))
}

// StopAll cancels every live run and waits for the loops to settle, bounded
// by ctx. Checkpoint managers are stopped by their loops on the way out.
func (s *Service) StopAll(ctx context.Context) error {
	s.baseCancel(errors.New("server shutting down"))
	doneCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor shutdown: %w", ctx.Err())
	}
}

func (s *Service) track(runID string, cp *checkpoint.Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[runID] = cp
}

func (s *Service) untrack(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, runID)
}

func (s *Service) loop(ctx context.Context, runID string, p RunParams, done func()) {
	defer done()

	cp := checkpoint.New(s.db, runID, s.logger)
	cp.Start()
	s.track(runID, cp)
	defer s.untrack(runID)

	runCtx, cancelBudget := context.WithTimeoutCause(ctx, s.cfg.AgentTimeout,
		fmt.Errorf("run timed out after %s", s.cfg.AgentTimeout))
	defer cancelBudget()

	checker := runChecker(p.Policy)
	emit := func(level, source, message string) {
		_, _ = s.bus.Publish(context.Background(), store.LogEntry{
			RunID: runID, Level: level, Source: source, Message: message,
		})
	}
	disp := dispatch.New(runCtx, runID, p.RepoPath, checker, dispatch.Limits{
		ReadFileMaxBytes: s.cfg.ReadFileMaxBytes,
		EditFileMaxBytes: s.cfg.EditFileMaxBytes,
		ListMaxEntries:   s.cfg.ListFilesMaxItems,
		ListMaxDepth:     s.cfg.ListFilesMaxDepth,
		CommandTimeout:   s.cfg.CommandTimeout,
	}, s.workerExecutor(p), emit, s.logger)

	plannerModel := ""
	if p.Policy != nil {
		plannerModel = p.Policy.Models.Planner
	}

	conv := s.appendMsg(runID, nil, Message{Role: "system", Content: systemPrompt})
	conv = s.appendMsg(runID, conv, Message{Role: "user", Content: p.Goal})
	emit("info", "supervisor", "run started: "+p.Goal)

	step, idle, failures := 0, 0, 0
	for {
		if runCtx.Err() != nil {
			s.finishAborted(runID, cp, runCtx)
			return
		}
		step++
		cp.Update(stepState(step, disp.RunningTasks()), "planning")

		resp, err := resilience.Call(runCtx, s.caller, "planner", s.llmCfg,
			func(callCtx context.Context) (PlanResponse, error) {
				return s.planner.Plan(callCtx, PlanRequest{
					RunID:    runID,
					Model:    plannerModel,
					Messages: conv,
					Tools:    dispatch.ToolNames(),
				})
			})
		if err != nil {
			if runCtx.Err() != nil {
				s.finishAborted(runID, cp, runCtx)
				return
			}
			failures++
			emit("error", "supervisor", fmt.Sprintf("planner step failed: %v", err))
			if failures >= maxPlannerFailures {
				s.finish(runID, cp, dispatch.Outcome{
					Kind:    dispatch.OutcomeFail,
					Message: fmt.Sprintf("planner unavailable after %d attempts: %v", failures, err),
				})
				return
			}
			conv = s.appendMsg(runID, conv, Message{
				Role:    "user",
				Content: fmt.Sprintf("The previous step failed: %v. Adjust your plan and continue.", err),
			})
			continue
		}
		failures = 0
		s.recordCost(runID, plannerModel, resp)

		if resp.Text != "" {
			conv = s.appendMsg(runID, conv, Message{Role: "assistant", Content: resp.Text})
		}
		if len(resp.ToolCalls) == 0 {
			idle++
			if idle >= maxIdleSteps {
				s.finish(runID, cp, dispatch.Outcome{
					Kind:    dispatch.OutcomeFail,
					Message: "planner produced no tool calls",
				})
				return
			}
			conv = s.appendMsg(runID, conv, Message{
				Role:    "user",
				Content: "Reply with a tool call. Use complete when the goal is met.",
			})
			continue
		}
		idle = 0

		cp.Update(stepState(step, disp.RunningTasks()), "executing")
		for _, tc := range resp.ToolCalls {
			res := disp.Execute(runCtx, tc.Name, tc.Args)
			payload, merr := json.Marshal(res)
			if merr != nil {
				payload = []byte(fmt.Sprintf(`{"success":false,"error":%q}`, merr.Error()))
			}
			conv = s.appendMsg(runID, conv, Message{
				Role:    "tool",
				Content: tc.Name + ": " + string(payload),
			})
			if out := disp.TerminalOutcome(); out != nil {
				s.finish(runID, cp, *out)
				return
			}
		}
	}
}

// workerExecutor wires the dispatcher's worker pool to the vendor adapters.
func (s *Service) workerExecutor(p RunParams) dispatch.WorkerExecutor {
	return func(ctx context.Context, order executor.WorkOrder, variant executor.Variant, onLine func(string)) (executor.WorkReport, error) {
		if variant == "" {
			variant = executor.VariantA
		}
		ad, okk := s.adapters[variant]
		if !okk {
			return executor.WorkReport{}, fmt.Errorf("no adapter for executor variant %s", variant)
		}
		return ad.Execute(ctx, order, executor.Options{
			CWD: p.RepoPath,
			OnMessage: func(m executor.Message) {
				switch m.Type {
				case "text", "result":
					if m.Text != "" {
						onLine(m.Text)
					}
				case "tool_use":
					onLine("tool: " + m.Tool)
				}
			},
		})
	}
}

// finish settles the run from a dispatcher sentinel. Persistence uses a
// fresh context: the run context is usually already dead here.
func (s *Service) finish(runID string, cp *checkpoint.Manager, out dispatch.Outcome) {
	ctx := context.Background()
	switch out.Kind {
	case dispatch.OutcomeComplete:
		if _, err := s.runs.SetFinal(ctx, runID, out.Message); err != nil {
			s.logger.Error("supervisor: final report write failed", "run_id", runID, "error", err)
		}
		if err := cp.Cleanup(ctx); err != nil {
			s.logger.Error("supervisor: checkpoint cleanup failed", "run_id", runID, "error", err)
		}
		s.announce(runID, "completed", out.Message)
	case dispatch.OutcomeCancel:
		s.runs.MarkFailed(ctx, runID, fmt.Errorf("Cancelled: %s", out.Message))
		cp.Stop(ctx)
		s.announce(runID, "cancelled", out.Message)
	default:
		s.runs.MarkFailed(ctx, runID, errors.New(out.Message))
		cp.Stop(ctx)
		s.announce(runID, "failed", out.Message)
	}
}

// finishAborted settles a run whose context died: timeout or external cancel.
func (s *Service) finishAborted(runID string, cp *checkpoint.Manager, runCtx context.Context) {
	cause := context.Cause(runCtx)
	msg := "run aborted"
	if cause != nil {
		msg = cause.Error()
	}
	ctx := context.Background()
	s.runs.MarkFailed(ctx, runID, errors.New(msg))
	cp.Stop(ctx)
	s.announce(runID, "failed", msg)
}

// announce publishes the terminal transition as a log row and a run event.
func (s *Service) announce(runID, status, detail string) {
	_, _ = s.bus.Publish(context.Background(), store.LogEntry{
		RunID:   runID,
		Level:   "info",
		Source:  "supervisor",
		Message: "run " + status + ": " + detail,
	})
	s.bus.PublishRunEvent(bus.RunEvent{
		RunID: runID,
		Type:  "status",
		Data:  map[string]any{"status": status, "detail": detail},
	})
	s.logger.Info("supervisor: run settled", "run_id", runID, "status", status)
}

// appendMsg persists one conversation message and appends it to the slice.
// A lost write degrades history, never the run.
func (s *Service) appendMsg(runID string, conv []Message, m Message) []Message {
	if _, err := s.db.AppendMessage(context.Background(), store.ConversationMessage{
		RunID:   runID,
		Role:    m.Role,
		Content: m.Content,
	}); err != nil {
		s.logger.Error("supervisor: conversation write failed", "run_id", runID, "error", err)
	}
	return append(conv, m)
}

func (s *Service) recordCost(runID, model string, resp PlanResponse) {
	u := resp.Usage
	if u.InputTokens == 0 && u.OutputTokens == 0 && u.CostUSD == 0 {
		return
	}
	if resp.Model != "" {
		model = resp.Model
	}
	if err := s.db.RecordCost(context.Background(), store.CostMetric{
		RunID:        runID,
		Model:        model,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      u.CostUSD,
	}); err != nil {
		s.logger.Error("supervisor: cost write failed", "run_id", runID, "error", err)
	}
}

// runChecker builds the command policy for one run from the optional policy
// file entries.
func runChecker(p *config.RunPolicy) *policy.Checker {
	if p == nil {
		return policy.NewChecker(nil, nil)
	}
	return policy.NewChecker(p.Security.AllowedCommands, p.Security.DeniedCommands)
}

func stepState(step, running int) string {
	return fmt.Sprintf(`{"step":%d,"running_tasks":%d,"updated_at":%d}`, step, running, time.Now().UnixMilli())
}
