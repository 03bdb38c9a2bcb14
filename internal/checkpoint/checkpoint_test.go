package checkpoint

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tako0614/coding-agent-sub001/internal/store"
)

// memSaver records checkpoints in memory.
type memSaver struct {
	mu     sync.Mutex
	nextID int64
	rows   []store.Checkpoint
}

func (m *memSaver) SaveCheckpoint(_ context.Context, runID, phase, state string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.rows = append(m.rows, store.Checkpoint{ID: m.nextID, RunID: runID, Phase: phase, State: state})
	return m.nextID, nil
}

func (m *memSaver) DeleteCheckpoints(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keep []store.Checkpoint
	for _, c := range m.rows {
		if c.RunID != runID {
			keep = append(keep, c)
		}
	}
	m.rows = keep
	return nil
}

func (m *memSaver) ListCheckpoints(_ context.Context, runID string) ([]store.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Checkpoint
	for _, c := range m.rows {
		if c.RunID == runID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memSaver) count(runID string) int {
	rows, _ := m.ListCheckpoints(context.Background(), runID)
	return len(rows)
}

func TestSaveNowAndUpdate(t *testing.T) {
	s := &memSaver{}
	m := New(s, "run_1", nil)

	m.Update(`{"step":1}`, "planning")
	if err := m.SaveNow(context.Background()); err != nil {
		t.Fatal(err)
	}
	rows, _ := s.ListCheckpoints(context.Background(), "run_1")
	if len(rows) != 1 || rows[0].Phase != "planning" || rows[0].State != `{"step":1}` {
		t.Fatalf("rows = %+v", rows)
	}

	// Empty phase keeps the current one.
	m.Update(`{"step":2}`, "")
	if m.Phase() != "planning" {
		t.Fatalf("phase = %s", m.Phase())
	}
}

func TestPeriodicSaves(t *testing.T) {
	s := &memSaver{}
	m := New(s, "run_1", nil, WithInterval(20*time.Millisecond))
	m.Update("{}", "executing")
	m.Start()
	defer m.Stop(context.Background())

	deadline := time.After(2 * time.Second)
	for s.count("run_1") < 2 {
		select {
		case <-deadline:
			t.Fatal("timer never fired twice")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStopWritesFinalSnapshotOnce(t *testing.T) {
	s := &memSaver{}
	m := New(s, "run_1", nil, WithInterval(time.Hour))
	m.Start()
	m.Update(`{"final":true}`, "wrapping-up")

	m.Stop(context.Background())
	n := s.count("run_1")
	if n != 1 {
		t.Fatalf("checkpoints = %d, want 1 final snapshot", n)
	}
	// Idempotent.
	m.Stop(context.Background())
	if s.count("run_1") != n {
		t.Fatal("second stop wrote again")
	}
	rows, _ := s.ListCheckpoints(context.Background(), "run_1")
	if rows[0].Phase != "wrapping-up" {
		t.Fatalf("phase = %s", rows[0].Phase)
	}
}

func TestCleanupDeletesAll(t *testing.T) {
	s := &memSaver{}
	m := New(s, "run_1", nil, WithInterval(time.Hour))
	m.Start()
	if err := m.SaveNow(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Cleanup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.count("run_1") != 0 {
		t.Fatal("checkpoints survived cleanup")
	}
}
