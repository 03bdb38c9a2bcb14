package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func testCaller() (*Caller, *[]time.Duration) {
	c := NewCaller(nil)
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return c, &slept
}

func fastCfg() CallConfig {
	return CallConfig{Timeout: time.Second, MaxRetries: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond}
}

func TestCall_SuccessFirstAttempt(t *testing.T) {
	c, slept := testCaller()
	got, err := Call(context.Background(), c, "svc", fastCfg(), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("got %d, %v", got, err)
	}
	if len(*slept) != 0 {
		t.Fatalf("slept %v on success", *slept)
	}
}

func TestCall_TransientRetriesThenSucceeds(t *testing.T) {
	c, slept := testCaller()
	calls := 0
	got, err := Call(context.Background(), c, "svc", fastCfg(), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset by peer")
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("got %q, %v", got, err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if len(*slept) != 2 {
		t.Fatalf("slept %d times, want 2", len(*slept))
	}
	// Backoff grows between attempts.
	if (*slept)[1] <= (*slept)[0] {
		t.Fatalf("delays not increasing: %v", *slept)
	}
}

func TestCall_PermanentNotRetried(t *testing.T) {
	c, _ := testCaller()
	calls := 0
	_, err := Call(context.Background(), c, "svc", fastCfg(), func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("invalid api key")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on permanent)", calls)
	}
}

func TestCall_UnknownGetsHalfBudget(t *testing.T) {
	c, _ := testCaller()
	calls := 0
	cfg := fastCfg()
	cfg.MaxRetries = 6
	_, err := Call(context.Background(), c, "svc", cfg, func(ctx context.Context) (int, error) {
		calls++
		return 0, fmt.Errorf("mysterious failure %d", calls)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	// Half of 6 retries = 3, so 4 attempts total.
	if calls != 4 {
		t.Fatalf("calls = %d, want 4", calls)
	}
}

func TestCall_BreakerOpensAndRefuses(t *testing.T) {
	c, _ := testCaller()
	cfg := fastCfg()
	cfg.MaxRetries = 10
	_, err := Call(context.Background(), c, "svc", cfg, func(ctx context.Context) (int, error) {
		return 0, errors.New("503 service unavailable")
	})
	var oe *OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("err = %v, want breaker open mid-retry", err)
	}
	if c.BreakerState("svc") != StateOpen {
		t.Fatalf("state = %s, want open", c.BreakerState("svc"))
	}
	// A fresh call against the open breaker is refused without invoking fn.
	calls := 0
	_, err = Call(context.Background(), c, "svc", cfg, func(ctx context.Context) (int, error) {
		calls++
		return 0, nil
	})
	if !errors.As(err, &oe) || calls != 0 {
		t.Fatalf("err = %v calls = %d, want refusal without invocation", err, calls)
	}
}

func TestCall_ParentCancellation(t *testing.T) {
	c, _ := testCaller()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Call(ctx, c, "svc", fastCfg(), func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, errors.New("timeout talking upstream")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 after cancel", calls)
	}
}

func TestDelayForAttempt(t *testing.T) {
	cfg := CallConfig{BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	d0 := delayForAttempt(0, cfg, "seed")
	if d0 < time.Second || d0 > 1250*time.Millisecond {
		t.Fatalf("attempt 0 delay = %s, want [1s, 1.25s]", d0)
	}
	// Capped at max plus jitter.
	d9 := delayForAttempt(9, cfg, "seed")
	if d9 < 30*time.Second || d9 > 37500*time.Millisecond {
		t.Fatalf("attempt 9 delay = %s, want [30s, 37.5s]", d9)
	}
	// Deterministic for a fixed seed.
	if delayForAttempt(2, cfg, "x") != delayForAttempt(2, cfg, "x") {
		t.Fatal("delay not deterministic")
	}
}
