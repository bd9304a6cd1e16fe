package upstream

import "testing"

func TestWeightedLimiterDeniesBeyondBurst(t *testing.T) {
	l := NewWeightedLimiter(60, 1) // 1 token/sec, burst = weight = 1
	if !l.Allow() {
		t.Fatalf("expected the first call to be admitted")
	}
	if l.Allow() {
		t.Fatalf("expected an immediate second call to be denied, bucket has no burst left")
	}
}

func TestWeightedLimiterDefaultsOnInvalidConfig(t *testing.T) {
	l := NewWeightedLimiter(0, 0)
	if l.weight != 1 {
		t.Errorf("expected weight to default to 1, got %d", l.weight)
	}
	if !l.Allow() {
		t.Fatalf("expected a freshly constructed limiter to admit its first call")
	}
}
