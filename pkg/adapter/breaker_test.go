package adapter

import (
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := newBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		if opened := b.RecordFailure(); opened {
			t.Fatalf("breaker opened after %d failures", i+1)
		}
	}
	if ok, _ := b.Allow(); !ok {
		t.Fatal("breaker should still admit calls below threshold")
	}
	if opened := b.RecordFailure(); !opened {
		t.Fatal("breaker should open at the threshold")
	}
	ok, remaining := b.Allow()
	if ok {
		t.Fatal("open breaker admitted a call")
	}
	if remaining <= 0 {
		t.Fatalf("expected a positive cool-down hint, got %s", remaining)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := newBreaker(3, time.Minute)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	if opened := b.RecordFailure(); opened {
		t.Fatal("failure count should reset on success")
	}
}

func TestBreakerHalfOpenTrial(t *testing.T) {
	now := time.Now()
	b := newBreaker(1, time.Minute)
	b.now = func() time.Time { return now }

	b.RecordFailure()
	if ok, _ := b.Allow(); ok {
		t.Fatal("breaker should be open")
	}

	// Cool-down elapses: exactly one trial call is admitted.
	now = now.Add(2 * time.Minute)
	if ok, _ := b.Allow(); !ok {
		t.Fatal("breaker should admit a trial after cool-down")
	}
	if ok, _ := b.Allow(); ok {
		t.Fatal("only one trial call may be in flight")
	}

	// A failed trial re-opens for a full cool-down.
	if opened := b.RecordFailure(); !opened {
		t.Fatal("failed trial should re-open the breaker")
	}
	if ok, _ := b.Allow(); ok {
		t.Fatal("breaker should be open after failed trial")
	}

	// A successful trial closes it.
	now = now.Add(2 * time.Minute)
	if ok, _ := b.Allow(); !ok {
		t.Fatal("breaker should admit a trial after second cool-down")
	}
	b.RecordSuccess()
	if ok, _ := b.Allow(); !ok {
		t.Fatal("breaker should be closed after successful trial")
	}
}
