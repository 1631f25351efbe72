package stream

import (
	"testing"
	"time"
)

func TestBackoffCeilingDoublesAndCaps(t *testing.T) {
	// Rand pinned to just under 1 so Delay approaches the ceiling.
	p := BackoffPolicy{Base: time.Second, Cap: 300 * time.Second, Rand: func() float64 { return 0.999999 }}
	prev := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		d := p.Delay(attempt)
		if d > 300*time.Second {
			t.Fatalf("attempt %d delay %v exceeds cap", attempt, d)
		}
		if d < prev && prev < 299*time.Second {
			t.Fatalf("attempt %d delay %v shrank before cap (prev %v)", attempt, d, prev)
		}
		prev = d
	}
	if d := p.Delay(60); d > 300*time.Second {
		t.Fatalf("large attempt delay %v exceeds cap", d)
	}
}

func TestBackoffFullJitterSpansWindow(t *testing.T) {
	low := BackoffPolicy{Base: time.Second, Cap: 300 * time.Second, Rand: func() float64 { return 0 }}
	if d := low.Delay(5); d != 0 {
		t.Fatalf("zero draw should give zero delay, got %v", d)
	}
	mid := BackoffPolicy{Base: time.Second, Cap: 300 * time.Second, Rand: func() float64 { return 0.5 }}
	if d := mid.Delay(3); d != 4*time.Second {
		t.Fatalf("mid draw at attempt 3 = %v, want 4s", d)
	}
}
