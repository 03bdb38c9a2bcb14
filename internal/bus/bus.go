// Package bus fans out run logs and run-level events to subscribers.
// Persistence is the single source of monotone log IDs; the in-memory rings
// only hold what persistence already stamped, so replay and live delivery
// agree on ordering.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tako0614/coding-agent-sub001/internal/store"
)

// Sink is the persistence surface the bus depends on.
type Sink interface {
	AppendLog(ctx context.Context, e store.LogEntry) (store.LogEntry, error)
	LogsSince(ctx context.Context, runID string, lastID int64, limit int) ([]store.LogEntry, error)
	OrphanedRunIDs(ctx context.Context) ([]string, error)
}

// RunEvent is a run-level notification (status change, worker progress).
type RunEvent struct {
	RunID     string         `json:"run_id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// LogFunc receives one log entry.
type LogFunc func(store.LogEntry)

// EventFunc receives one run event.
type EventFunc func(RunEvent)

const (
	ringCap       = 1000
	globalCap     = 50000
	ringTTL       = 30 * time.Minute
	subscriberTTL = 10 * time.Minute
)

type ring struct {
	entries   []store.LogEntry
	updatedAt time.Time
}

type logSub struct {
	cb      LogFunc
	addedAt time.Time
}

type eventSub struct {
	cb      EventFunc
	addedAt time.Time
}

// Bus is the process-wide event fan-out. Thread-safe.
type Bus struct {
	sink   Sink
	logger *slog.Logger

	mu      sync.Mutex
	rings   map[string]*ring
	total   int
	nextID  uint64
	logSubs map[string]map[uint64]*logSub // keyed by run_id
	runSubs map[string]map[uint64]*eventSub
	allSubs map[uint64]*logSub
}

// New creates a Bus over the given sink.
func New(sink Sink, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		sink:    sink,
		logger:  logger,
		rings:   make(map[string]*ring),
		logSubs: make(map[string]map[uint64]*logSub),
		runSubs: make(map[string]map[uint64]*eventSub),
		allSubs: make(map[uint64]*logSub),
	}
}

// Publish persists one log entry, stamps it with the assigned id, buffers it
// in the run's ring, and notifies subscribers. The persisted entry is
// returned. Persistence failure skips buffering so rings never carry ids the
// database does not have.
func (b *Bus) Publish(ctx context.Context, e store.LogEntry) (store.LogEntry, error) {
	stamped, err := b.sink.AppendLog(ctx, e)
	if err != nil {
		b.logger.Error("bus: append failed", "run_id", e.RunID, "error", err)
		return e, fmt.Errorf("publish: %w", err)
	}

	b.mu.Lock()
	r := b.rings[stamped.RunID]
	if r == nil {
		r = &ring{}
		b.rings[stamped.RunID] = r
	}
	r.entries = append(r.entries, stamped)
	r.updatedAt = time.Now()
	b.total++
	if len(r.entries) > ringCap {
		drop := len(r.entries) - ringCap
		r.entries = append([]store.LogEntry(nil), r.entries[drop:]...)
		b.total -= drop
	}
	b.evictOverBudgetLocked()

	var cbs []LogFunc
	for _, s := range b.logSubs[stamped.RunID] {
		cbs = append(cbs, s.cb)
	}
	for _, s := range b.allSubs {
		cbs = append(cbs, s.cb)
	}
	b.mu.Unlock()

	for _, cb := range cbs {
		cb(stamped)
	}
	return stamped, nil
}

// PublishRunEvent notifies the run's event subscribers. Run events are not
// persisted; clients needing durability read the log stream.
func (b *Bus) PublishRunEvent(ev RunEvent) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	b.mu.Lock()
	var cbs []EventFunc
	for _, s := range b.runSubs[ev.RunID] {
		cbs = append(cbs, s.cb)
	}
	b.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// evictOverBudgetLocked drops whole rings, oldest-updated first, until the
// global entry budget is met. Caller holds b.mu.
func (b *Bus) evictOverBudgetLocked() {
	for b.total > globalCap {
		var oldestID string
		var oldest time.Time
		for id, r := range b.rings {
			if oldestID == "" || r.updatedAt.Before(oldest) {
				oldestID, oldest = id, r.updatedAt
			}
		}
		if oldestID == "" {
			return
		}
		b.total -= len(b.rings[oldestID].entries)
		delete(b.rings, oldestID)
		b.logger.Debug("bus: evicted ring over budget", "run_id", oldestID)
	}
}

// SubscribeLogs registers cb for one run's log entries. Returns unsubscribe.
func (b *Bus) SubscribeLogs(runID string, cb LogFunc) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.logSubs[runID] == nil {
		b.logSubs[runID] = make(map[uint64]*logSub)
	}
	id := b.nextID
	b.nextID++
	b.logSubs[runID][id] = &logSub{cb: cb, addedAt: time.Now()}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.logSubs[runID], id)
	}
}

// SubscribeRun registers cb for one run's events. Returns unsubscribe.
func (b *Bus) SubscribeRun(runID string, cb EventFunc) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runSubs[runID] == nil {
		b.runSubs[runID] = make(map[uint64]*eventSub)
	}
	id := b.nextID
	b.nextID++
	b.runSubs[runID][id] = &eventSub{cb: cb, addedAt: time.Now()}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.runSubs[runID], id)
	}
}

// SubscribeAll registers cb for every run's log entries. Returns unsubscribe.
func (b *Bus) SubscribeAll(cb LogFunc) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allSubs[id] = &logSub{cb: cb, addedAt: time.Now()}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allSubs, id)
	}
}

// LogsSinceID returns persisted rows for runID with id strictly greater than
// lastID, ascending, capped at limit.
func (b *Bus) LogsSinceID(ctx context.Context, runID string, lastID int64, limit int) ([]store.LogEntry, error) {
	return b.sink.LogsSince(ctx, runID, lastID, limit)
}

// Orphaned returns run ids with log rows but no run row.
func (b *Bus) Orphaned(ctx context.Context) ([]string, error) {
	return b.sink.OrphanedRunIDs(ctx)
}

// Buffered returns a copy of the in-memory ring for a run.
func (b *Bus) Buffered(runID string) []store.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.rings[runID]
	if r == nil {
		return nil
	}
	out := make([]store.LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Sweep evicts rings idle past the TTL and reaps subscriptions older than the
// subscriber TTL. A leaked subscription (client gone, unsubscribe never
// called) otherwise accumulates forever. Intended to run on a timer.
func (b *Bus) Sweep(now time.Time) (ringsEvicted, subsReaped int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, r := range b.rings {
		if now.Sub(r.updatedAt) > ringTTL {
			b.total -= len(r.entries)
			delete(b.rings, id)
			ringsEvicted++
		}
	}
	for runID, subs := range b.logSubs {
		for id, s := range subs {
			if now.Sub(s.addedAt) > subscriberTTL {
				delete(subs, id)
				subsReaped++
			}
		}
		if len(subs) == 0 {
			delete(b.logSubs, runID)
		}
	}
	for runID, subs := range b.runSubs {
		for id, s := range subs {
			if now.Sub(s.addedAt) > subscriberTTL {
				delete(subs, id)
				subsReaped++
			}
		}
		if len(subs) == 0 {
			delete(b.runSubs, runID)
		}
	}
	for id, s := range b.allSubs {
		if now.Sub(s.addedAt) > subscriberTTL {
			delete(b.allSubs, id)
			subsReaped++
		}
	}
	if ringsEvicted > 0 || subsReaped > 0 {
		b.logger.Debug("bus: sweep", "rings_evicted", ringsEvicted, "subs_reaped", subsReaped)
	}
	return ringsEvicted, subsReaped
}

// RunJanitor sweeps periodically until ctx is cancelled.
func (b *Bus) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			b.Sweep(now)
		}
	}
}
