package upstream

import (
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	b := NewCircuitBreaker(3, 50*time.Millisecond)

	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("expected closed breaker to allow call %d", i)
		}
		b.RecordFailure()
	}
	if b.IsOpen() {
		t.Fatalf("breaker should not be open before the threshold is reached")
	}
	b.RecordFailure()
	if !b.IsOpen() {
		t.Fatalf("expected breaker to open after 3 consecutive failures")
	}
	if b.Allow() {
		t.Fatalf("expected an open breaker to fail fast")
	}
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	b := NewCircuitBreaker(1, 20*time.Millisecond)
	b.RecordFailure()
	if !b.IsOpen() {
		t.Fatalf("expected breaker to open after a single failure at threshold 1")
	}
	if b.Allow() {
		t.Fatalf("expected breaker to deny calls during cooldown")
	}

	time.Sleep(30 * time.Millisecond)
	if !b.Allow() {
		t.Fatalf("expected exactly one half-open probe to be admitted after cooldown")
	}
	if b.Allow() {
		t.Fatalf("expected a second concurrent half-open probe to be denied")
	}
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	b := NewCircuitBreaker(2, 10*time.Millisecond)
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if b.IsOpen() {
		t.Fatalf("a reset failure count should not trip the breaker on a single subsequent failure")
	}
}

func TestCircuitBreakerHalfOpenFailureReopensImmediately(t *testing.T) {
	b := NewCircuitBreaker(1, 10*time.Millisecond)
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	if !b.Allow() {
		t.Fatalf("expected half-open probe to be admitted")
	}
	b.RecordFailure()
	if !b.IsOpen() {
		t.Fatalf("expected a failed half-open probe to reopen the breaker immediately")
	}
}
