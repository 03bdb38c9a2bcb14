package resilience

import (
	"errors"
	"testing"
	"time"
)

func testBreaker(start time.Time) (*Breaker, *time.Time) {
	b := NewBreaker("svc")
	now := start
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensOnWindowThreshold(t *testing.T) {
	b, now := testBreaker(time.Unix(1000, 0))
	for i := 0; i < failureThreshold-1; i++ {
		b.RecordFailure("err " + string(rune('a'+i)))
		*now = now.Add(time.Second)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s before threshold", b.State())
	}
	b.RecordFailure("err z")
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open after %d failures", b.State(), failureThreshold)
	}
}

func TestBreaker_WindowSlides(t *testing.T) {
	b, now := testBreaker(time.Unix(1000, 0))
	// Failures spaced wider than the window never accumulate.
	for i := 0; i < failureThreshold+2; i++ {
		b.RecordFailure("distinct " + string(rune('a'+i)))
		*now = now.Add(failureWindow + time.Second)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed with spaced failures", b.State())
	}
}

func TestBreaker_OpensOnIdenticalMessages(t *testing.T) {
	b, _ := testBreaker(time.Unix(1000, 0))
	for i := 0; i < identicalThreshold; i++ {
		b.RecordFailure("connection refused")
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open after %d identical errors", b.State(), identicalThreshold)
	}
}

func TestBreaker_DistinctMessagesResetIdenticalCount(t *testing.T) {
	b, now := testBreaker(time.Unix(1000, 0))
	b.RecordFailure("same")
	b.RecordFailure("same")
	b.RecordFailure("different")
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
	_ = now
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, now := testBreaker(time.Unix(1000, 0))
	for i := 0; i < identicalThreshold; i++ {
		b.RecordFailure("boom")
	}
	if err := b.Allow(); err == nil {
		t.Fatal("open breaker allowed a call")
	}
	var oe *OpenError
	if err := b.Allow(); !errors.As(err, &oe) || oe.Service != "svc" {
		t.Fatalf("err = %v, want OpenError for svc", err)
	}

	*now = now.Add(openCooldown)
	if err := b.Allow(); err != nil {
		t.Fatalf("post-cooldown probe refused: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open", b.State())
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed after probe success", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := testBreaker(time.Unix(1000, 0))
	for i := 0; i < identicalThreshold; i++ {
		b.RecordFailure("boom")
	}
	*now = now.Add(openCooldown)
	if err := b.Allow(); err != nil {
		t.Fatal(err)
	}
	b.RecordFailure("still broken")
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want reopened", b.State())
	}
	// Cooldown restarts from the reopen.
	if err := b.Allow(); err == nil {
		t.Fatal("reopened breaker allowed a call immediately")
	}
}
