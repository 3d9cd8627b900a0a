package client

import (
	"testing"
	"time"
)

func TestNextDelayExponentialGrowth(t *testing.T) {
	base := 100 * time.Millisecond
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for i, w := range want {
		if got := NextDelay(i+1, base, 0); got != w {
			t.Fatalf("NextDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestNextDelayCap(t *testing.T) {
	base := time.Second
	max := 5 * time.Second
	for attempt := 1; attempt <= 10; attempt++ {
		got := NextDelay(attempt, base, max)
		if got > max {
			t.Fatalf("NextDelay(%d) = %v exceeds cap %v", attempt, got, max)
		}
	}
	if got := NextDelay(10, base, max); got != max {
		t.Fatalf("NextDelay(10) = %v, want cap %v", got, max)
	}
}

func TestNextDelayMonotonic(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		got := NextDelay(attempt, 50*time.Millisecond, 10*time.Second)
		if got < prev {
			t.Fatalf("NextDelay(%d) = %v decreased from %v", attempt, got, prev)
		}
		prev = got
	}
}

func TestNextDelayDeterministic(t *testing.T) {
	for attempt := 1; attempt <= 8; attempt++ {
		a := NextDelay(attempt, time.Second, time.Minute)
		b := NextDelay(attempt, time.Second, time.Minute)
		if a != b {
			t.Fatalf("NextDelay(%d) not deterministic: %v != %v", attempt, a, b)
		}
	}
}

func TestNextDelayOverflowClamped(t *testing.T) {
	got := NextDelay(62, time.Hour, 0)
	if got <= 0 {
		t.Fatalf("overflow produced non-positive delay %v", got)
	}
	if got := NextDelay(62, time.Hour, time.Minute); got != time.Minute {
		t.Fatalf("capped overflow = %v, want 1m", got)
	}
}

func TestNextDelayBadAttempt(t *testing.T) {
	if got := NextDelay(0, time.Second, 0); got != time.Second {
		t.Fatalf("NextDelay(0) = %v, want base", got)
	}
	if got := NextDelay(-3, time.Second, 0); got != time.Second {
		t.Fatalf("NextDelay(-3) = %v, want base", got)
	}
}

func TestShouldRetry(t *testing.T) {
	if !ShouldRetry(1, 3) || !ShouldRetry(2, 3) {
		t.Fatal("attempts below the limit should retry")
	}
	if ShouldRetry(3, 3) {
		t.Fatal("the final attempt must not retry")
	}
	if ShouldRetry(5, 3) {
		t.Fatal("attempts past the limit must not retry")
	}
}
