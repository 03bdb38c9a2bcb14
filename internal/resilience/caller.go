package resilience

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/tako0614/coding-agent-sub001/internal/policy"
)

// CallConfig bounds one family of calls.
type CallConfig struct {
	Timeout    time.Duration // per-attempt ceiling
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultConfig bounds ordinary outward calls.
func DefaultConfig() CallConfig {
	return CallConfig{Timeout: 30 * time.Second, MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// LLMConfig bounds model calls, which routinely run longer.
func LLMConfig() CallConfig {
	cfg := DefaultConfig()
	cfg.Timeout = 60 * time.Second
	return cfg
}

// Caller owns one breaker per service and applies retry with backoff around a
// function. Thread-safe.
type Caller struct {
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker

	sleep func(ctx context.Context, d time.Duration) error // injectable for tests
}

// NewCaller creates a Caller.
func NewCaller(logger *slog.Logger) *Caller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Caller{
		logger:   logger,
		breakers: make(map[string]*Breaker),
		sleep:    sleepCtx,
	}
}

func (c *Caller) breaker(service string) *Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[service]
	if !ok {
		b = NewBreaker(service)
		c.breakers[service] = b
	}
	return b
}

// BreakerState exposes a service's breaker state for status endpoints.
func (c *Caller) BreakerState(service string) State {
	return c.breaker(service).State()
}

// Call runs fn under the service's breaker with per-attempt timeouts and
// jittered exponential backoff. Permanent errors are not retried; unknown
// errors consume at most half the retry budget. The last error is returned
// when attempts are exhausted or the parent context is cancelled.
func Call[T any](ctx context.Context, c *Caller, service string, cfg CallConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.Timeout <= 0 {
		cfg = DefaultConfig()
	}
	b := c.breaker(service)

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}
		if err := b.Allow(); err != nil {
			return zero, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		res, err := fn(attemptCtx)
		cancel()
		if err == nil {
			b.RecordSuccess()
			return res, nil
		}
		lastErr = err
		b.RecordFailure(err.Error())

		class := policy.ClassifyError(err.Error())
		budget := policy.RetryBudget(class, cfg.MaxRetries)
		c.logger.Debug("resilience: call failed",
			"service", service, "attempt", attempt, "class", string(class), "error", err)
		if attempt >= budget {
			return zero, fmt.Errorf("%s: %w", service, lastErr)
		}

		seed := fmt.Sprintf("%s:%d", service, attempt)
		if err := c.sleep(ctx, delayForAttempt(attempt, cfg, seed)); err != nil {
			return zero, lastErr
		}
	}
}

// delayForAttempt computes min(base * 2^attempt, max) plus a deterministic
// 0-25% jitter derived from seed. Deterministic jitter keeps retry timing
// reproducible in tests while still decorrelating services.
func delayForAttempt(attempt int, cfg CallConfig, seed string) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if cfg.MaxDelay > 0 {
		base = math.Min(base, float64(cfg.MaxDelay))
	}
	base *= 1 + 0.25*jitterUnit(seed)
	return time.Duration(base)
}

// jitterUnit maps seed to [0, 1].
func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
