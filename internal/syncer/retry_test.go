package syncer

import (
	"testing"
	"time"
)

func TestRetryPolicyNextDelay(t *testing.T) {
	policy := RetryPolicy{InitialDelay: time.Second, BackoffFactor: 2, MaxDelay: 5 * time.Second}
	d1 := policy.NextDelay(1)
	d2 := policy.NextDelay(2)
	d3 := policy.NextDelay(5)

	if d1 != time.Second {
		t.Fatalf("attempt1 expected 1s, got %s", d1)
	}
	if d2 != 2*time.Second {
		t.Fatalf("attempt2 expected 2s, got %s", d2)
	}
	if d3 != 5*time.Second {
		t.Fatalf("attempt5 expected capped 5s, got %s", d3)
	}
}

func TestRetryPolicyNonDecreasing(t *testing.T) {
	policy := RetryPolicy{InitialDelay: 100 * time.Millisecond, BackoffFactor: 2, MaxDelay: 3 * time.Second}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := policy.NextDelay(attempt)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %s < %s", attempt, d, prev)
		}
		if d > policy.MaxDelay {
			t.Fatalf("delay exceeded cap at attempt %d: %s", attempt, d)
		}
		prev = d
	}
}

func TestWithJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 100; i++ {
		d := withJitter(base)
		if d < base {
			t.Fatalf("jitter below base: %s", d)
		}
		if d > base+base/4 {
			t.Fatalf("jitter above 25%% of base: %s", d)
		}
	}
}
