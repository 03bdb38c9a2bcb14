// Package checkpoint periodically snapshots supervisor state so a restart
// can classify in-flight runs as interrupted instead of losing them.
package checkpoint

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tako0614/coding-agent-sub001/internal/store"
)

// defaultInterval between background snapshots.
const defaultInterval = 30 * time.Second

// Saver is the persistence surface the manager depends on.
type Saver interface {
	SaveCheckpoint(ctx context.Context, runID, phase, state string) (int64, error)
	DeleteCheckpoints(ctx context.Context, runID string) error
	ListCheckpoints(ctx context.Context, runID string) ([]store.Checkpoint, error)
}

// Manager snapshots one run's state on a timer and on demand.
type Manager struct {
	saver    Saver
	runID    string
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	state string
	phase string

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithInterval overrides the snapshot interval.
func WithInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// New creates a Manager for one run. Call Start to begin the timer.
func New(saver Saver, runID string, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		saver:    saver,
		runID:    runID,
		interval: defaultInterval,
		logger:   logger,
		phase:    "starting",
		state:    "{}",
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start launches the background timer.
func (m *Manager) Start() {
	go m.loop()
}

func (m *Manager) loop() {
	defer close(m.doneCh)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			if err := m.SaveNow(context.Background()); err != nil {
				// A missed snapshot only degrades recovery, never the run.
				m.logger.Error("checkpoint: periodic save failed", "run_id", m.runID, "error", err)
			}
		}
	}
}

// Update replaces the in-memory snapshot. phase may be empty to keep the
// current phase.
func (m *Manager) Update(state, phase string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	if phase != "" {
		m.phase = phase
	}
}

// Phase returns the current phase name.
func (m *Manager) Phase() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// SaveNow writes the current snapshot immediately.
func (m *Manager) SaveNow(ctx context.Context) error {
	m.mu.Lock()
	state, phase := m.state, m.phase
	m.mu.Unlock()
	_, err := m.saver.SaveCheckpoint(ctx, m.runID, phase, state)
	return err
}

// Stop writes a final snapshot and halts the timer. Idempotent.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		<-m.doneCh
		if err := m.SaveNow(ctx); err != nil {
			m.logger.Error("checkpoint: final save failed", "run_id", m.runID, "error", err)
		}
	})
}

// Cleanup stops the timer and deletes every checkpoint for the run. Used on
// normal completion so the startup sweep never flags a finished run.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		<-m.doneCh
	})
	return m.saver.DeleteCheckpoints(ctx, m.runID)
}
