// Package runstore tracks live runs in memory next to their durable rows.
// The persisted fields are authoritative for terminal states; "running" is
// synthesized from the live table.
package runstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tako0614/coding-agent-sub001/internal/store"
)

// listLimit caps how many persisted rows list calls merge in.
const listLimit = 100

// LiveRun is the in-memory record of a run whose future is still executing.
type LiveRun struct {
	RunID     string
	Goal      string
	ProjectID string
	RepoPath  string
	StartedAt time.Time

	cancel context.CancelCauseFunc
	done   chan struct{}
}

// RunView is a run with its derived status.
type RunView struct {
	store.Run
	Status store.RunStatus `json:"status"`
}

// Store merges the live-run table with persistence.
type Store struct {
	db     *store.Store
	logger *slog.Logger

	mu   sync.Mutex
	live map[string]*LiveRun
}

// New creates a Store over the persistence layer.
func New(db *store.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger, live: make(map[string]*LiveRun)}
}

// Begin persists the placeholder row and registers the live entry. The
// returned done function must be called when the run's goroutine exits, in
// every path; cancel fires the run's context with a cause.
func (s *Store) Begin(ctx context.Context, r store.Run, cancel context.CancelCauseFunc) (done func(), err error) {
	if err := s.db.CreateRun(ctx, r); err != nil {
		return nil, err
	}
	lr := &LiveRun{
		RunID:     r.RunID,
		Goal:      r.UserGoal,
		ProjectID: r.ProjectID,
		RepoPath:  r.RepoPath,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.live[r.RunID] = lr
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.live, r.RunID)
			s.mu.Unlock()
			close(lr.done)
		})
	}, nil
}

// SetFinal persists the final report and clears live tracking. The first
// terminal writer wins; a lost race is reported, not an error.
func (s *Store) SetFinal(ctx context.Context, runID, finalReport string) (bool, error) {
	applied, err := s.db.CompleteRun(ctx, runID, finalReport)
	if err != nil {
		return false, err
	}
	if !applied {
		s.logger.Debug("runstore: final report lost terminal race", "run_id", runID)
	}
	return applied, nil
}

// MarkFailed persists a failed row for a run that never reached a final
// write. DB failures are logged, not propagated; the run is over either way.
func (s *Store) MarkFailed(ctx context.Context, runID string, runErr error) {
	msg := "unknown failure"
	if runErr != nil {
		msg = runErr.Error()
	}
	if _, err := s.db.FailRun(ctx, runID, msg); err != nil {
		s.logger.Error("runstore: mark failed write lost", "run_id", runID, "error", err)
	}
}

// IsLive reports whether an in-memory future exists for runID.
func (s *Store) IsLive(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[runID]
	return ok
}

// Cancel fires the run's cancel cause. Returns false for unknown or
// already-settled runs.
func (s *Store) Cancel(runID string, cause error) bool {
	s.mu.Lock()
	lr, ok := s.live[runID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	lr.cancel(cause)
	return true
}

// Wait blocks until the run's goroutine exits or ctx is cancelled.
func (s *Store) Wait(ctx context.Context, runID string) error {
	s.mu.Lock()
	lr, ok := s.live[runID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-lr.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns one run with derived status.
func (s *Store) Get(ctx context.Context, runID string) (RunView, error) {
	r, err := s.db.GetRun(ctx, runID)
	if err != nil {
		return RunView{}, err
	}
	return RunView{Run: r, Status: r.Status(s.IsLive(runID))}, nil
}

// List merges live runs (synthesized as running) with the most recent
// persisted rows, excluding ids that still appear live.
func (s *Store) List(ctx context.Context) ([]RunView, error) {
	persisted, err := s.db.ListRuns(ctx, listLimit)
	if err != nil {
		return nil, err
	}
	return s.merge(persisted), nil
}

// ListByProject is List scoped to one project.
func (s *Store) ListByProject(ctx context.Context, projectID string) ([]RunView, error) {
	persisted, err := s.db.ListRunsByProject(ctx, projectID, listLimit)
	if err != nil {
		return nil, err
	}
	views := s.merge(persisted)
	out := views[:0]
	for _, v := range views {
		if v.ProjectID == projectID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *Store) merge(persisted []store.Run) []RunView {
	s.mu.Lock()
	liveIDs := make(map[string]*LiveRun, len(s.live))
	for id, lr := range s.live {
		liveIDs[id] = lr
	}
	s.mu.Unlock()

	var out []RunView
	for id, lr := range liveIDs {
		out = append(out, RunView{
			Run: store.Run{
				RunID:     id,
				ProjectID: lr.ProjectID,
				UserGoal:  lr.Goal,
				RepoPath:  lr.RepoPath,
				CreatedAt: lr.StartedAt.UnixMilli(),
				UpdatedAt: lr.StartedAt.UnixMilli(),
			},
			Status: store.StatusRunning,
		})
	}
	for _, r := range persisted {
		if _, ok := liveIDs[r.RunID]; ok {
			// Prefer the durable row's fields but keep the live status.
			for i := range out {
				if out[i].RunID == r.RunID {
					out[i].Run = r
					out[i].Status = store.StatusRunning
					break
				}
			}
			continue
		}
		out = append(out, RunView{Run: r, Status: r.Status(false)})
	}
	return out
}

// Delete refuses to delete a live run, then removes the durable record.
func (s *Store) Delete(ctx context.Context, runID string) error {
	if s.IsLive(runID) {
		return fmt.Errorf("run %s is still running; cancel it first", runID)
	}
	return s.db.DeleteRun(ctx, runID)
}

// RecoverInterrupted classifies leftover in-flight runs at startup.
func (s *Store) RecoverInterrupted(ctx context.Context) ([]string, error) {
	return s.db.MarkInterrupted(ctx)
}
