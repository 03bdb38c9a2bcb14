// Package resilience wraps outward calls with a per-service circuit breaker
// and retry with jittered exponential backoff.
package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

const (
	failureThreshold   = 5
	failureWindow      = 60 * time.Second
	identicalThreshold = 3
	openCooldown       = 30 * time.Second
)

// OpenError is returned when a call is refused because the breaker is open.
type OpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry in %s", e.Service, e.RetryAfter.Round(time.Second))
}

// Breaker tracks failures for one service. Open after failureThreshold
// failures inside the sliding window, or identicalThreshold consecutive
// failures with the same message. Identical messages are compared by hash so
// long provider errors are not kept around.
type Breaker struct {
	service string

	mu        sync.Mutex
	state     State
	failures  []time.Time
	lastSig   [32]byte
	identical int
	openedAt  time.Time

	now func() time.Time // injectable for tests
}

// NewBreaker creates a closed breaker for service.
func NewBreaker(service string) *Breaker {
	return &Breaker{service: service, state: StateClosed, now: time.Now}
}

// Allow reports whether a call may proceed. An open breaker past its cooldown
// transitions to half-open and admits one probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return nil
	}
	elapsed := b.now().Sub(b.openedAt)
	if elapsed >= openCooldown {
		b.state = StateHalfOpen
		return nil
	}
	return &OpenError{Service: b.service, RetryAfter: openCooldown - elapsed}
}

// RecordSuccess closes the breaker and clears the failure history.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = nil
	b.identical = 0
	b.lastSig = [32]byte{}
}

// RecordFailure notes one failure. A failure during half-open reopens
// immediately; in closed state the window and identical-message counters
// decide.
func (b *Breaker) RecordFailure(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	if b.state == StateHalfOpen {
		b.open(now)
		return
	}

	b.failures = append(b.failures, now)
	cutoff := now.Add(-failureWindow)
	for len(b.failures) > 0 && b.failures[0].Before(cutoff) {
		b.failures = b.failures[1:]
	}

	sig := blake3.Sum256([]byte(msg))
	if sig == b.lastSig {
		b.identical++
	} else {
		b.lastSig = sig
		b.identical = 1
	}

	if len(b.failures) >= failureThreshold || b.identical >= identicalThreshold {
		b.open(now)
	}
}

func (b *Breaker) open(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.failures = nil
	b.identical = 0
	b.lastSig = [32]byte{}
}

// State returns the current state without transitioning.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
