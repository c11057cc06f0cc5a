package fiber

import (
	"testing"
	"time"
)

func TestQueueMetricsUpdateTracksMaxAndAverage(t *testing.T) {
	var q QueueMetrics
	q.Update(2)
	q.Update(8)
	q.Update(4)
	if q.Current != 4 {
		t.Fatalf("Current = %d, want 4", q.Current)
	}
	if q.Max != 8 {
		t.Fatalf("Max = %d, want 8", q.Max)
	}
	if q.Avg <= 0 {
		t.Fatalf("Avg = %v, want > 0", q.Avg)
	}
}

func TestLatencyMetricsSampleOrdersPercentiles(t *testing.T) {
	var l LatencyMetrics
	for i := 1; i <= 100; i++ {
		l.Record(time.Duration(i) * time.Millisecond)
	}
	if n := l.Sample(); n != 100 {
		t.Fatalf("Sample() = %d, want 100", n)
	}
	if !(l.P50 <= l.P90 && l.P90 <= l.P95 && l.P95 <= l.P99 && l.P99 <= l.Max) {
		t.Fatalf("percentiles not monotonic: p50=%v p90=%v p95=%v p99=%v max=%v",
			l.P50, l.P90, l.P95, l.P99, l.Max)
	}
	if l.Max != 100*time.Millisecond {
		t.Fatalf("Max = %v, want 100ms", l.Max)
	}
}

func TestTPSCounterCountsIncrements(t *testing.T) {
	c := NewTPSCounter(time.Second, 100*time.Millisecond)
	for i := 0; i < 10; i++ {
		c.Increment()
	}
	if got := c.TPS(); got <= 0 {
		t.Fatalf("TPS() = %v, want > 0 after increments", got)
	}
}

func TestTPSCounterPanicsOnInvalidWindow(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected NewTPSCounter to panic on bucketSize > windowSize")
		}
	}()
	NewTPSCounter(time.Second, 2*time.Second)
}

func TestSchedulerMetricsWiring(t *testing.T) {
	s := New(1, WithHijack(true), WithMetrics(true))
	const n = 50
	for i := 0; i < n; i++ {
		s.Schedule(func() {})
	}
	if err := s.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	m := s.Metrics()
	if m.Latency.Sum <= 0 {
		t.Fatal("expected recorded dispatch latency after running scheduled thunks")
	}
}

func TestSchedulerMetricsZeroWhenDisabled(t *testing.T) {
	s := New(1, WithHijack(true))
	s.Schedule(func() {})
	if err := s.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	m := s.Metrics()
	if m.Latency.Sum != 0 || m.TPS != 0 {
		t.Fatalf("expected zero Metrics when WithMetrics was never set, got %+v", m)
	}
}
