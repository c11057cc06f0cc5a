package fiber

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks optional runtime statistics for a Scheduler: Runnable
// dispatch latency, work-queue depth, and throughput. Attached via
// WithMetrics; a Scheduler built without it pays no tracking cost at all
// (Scheduler.metrics stays nil and every record call is skipped).
type Metrics struct {
	// Latency metrics (has pointer field - put first for alignment)
	Latency LatencyMetrics

	// Queue depth metrics for the Scheduler's single work queue
	Queue QueueMetrics

	mu sync.Mutex

	// Throughput metrics
	TPS float64
}

// LatencyMetrics tracks the distribution of Runnable dispatch latency
// (time from runOne entry to a Fiber/Thunk relinquishing control) using
// the P-Square algorithm for O(1) streaming percentile estimation.
type LatencyMetrics struct {
	// Pointer fields first for optimal alignment (betteralign)
	psquare *pSquareMultiQuantile

	// Lock for thread-safe access
	mu sync.RWMutex

	// Legacy sample buffer, used for exact percentiles while the sample
	// count is too small for the P-Square estimator to have converged.
	sampleIdx   int
	sampleCount int
	samples     [sampleSize]time.Duration

	// Computed percentiles (cached after Sample() call)
	P50 time.Duration
	P90 time.Duration
	P95 time.Duration
	P99 time.Duration
	Max time.Duration

	// Statistics
	Mean time.Duration
	Sum  time.Duration
}

// sampleSize is the maximum number of latency samples retained for the
// exact-percentile fallback.
const sampleSize = 1000

// Record records a latency sample.
func (l *LatencyMetrics) Record(duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.psquare == nil {
		l.psquare = newPSquareMultiQuantile(0.50, 0.90, 0.95, 0.99)
	}
	l.psquare.Update(float64(duration))

	if l.sampleCount >= sampleSize {
		old := l.samples[l.sampleIdx]
		l.Sum -= old
	}

	l.samples[l.sampleIdx] = duration
	l.Sum += duration
	l.sampleIdx++
	if l.sampleIdx >= sampleSize {
		l.sampleIdx = 0
	}
	if l.sampleCount < sampleSize {
		l.sampleCount++
	}
}

// Sample computes percentiles from collected samples and returns the
// number of samples used. For sample counts >= 5, uses the O(1) P-Square
// estimator; below that it falls back to exact sorting for small-n
// accuracy.
func (l *LatencyMetrics) Sample() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.sampleCount
	if count == 0 {
		return 0
	}

	if count < 5 || l.psquare == nil {
		sorted := make([]time.Duration, count)
		copy(sorted, l.samples[:count])
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		l.P50 = sorted[percentileIndex(count, 50)]
		l.P90 = sorted[percentileIndex(count, 90)]
		l.P95 = sorted[percentileIndex(count, 95)]
		l.P99 = sorted[percentileIndex(count, 99)]
		l.Max = sorted[count-1]
		l.Mean = l.Sum / time.Duration(count)

		return count
	}

	l.P50 = time.Duration(l.psquare.Quantile(0))
	l.P90 = time.Duration(l.psquare.Quantile(1))
	l.P95 = time.Duration(l.psquare.Quantile(2))
	l.P99 = time.Duration(l.psquare.Quantile(3))
	l.Max = time.Duration(l.psquare.Max())
	l.Mean = l.Sum / time.Duration(count)

	return count
}

func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}

// QueueMetrics tracks depth statistics for the Scheduler's work queue,
// sampled once per workerLoop dispatch iteration.
type QueueMetrics struct {
	mu sync.RWMutex

	Current int
	Max     int

	// Avg is an exponential moving average, alpha=0.1, warmstarted to the
	// first observed depth.
	Avg float64

	emaInitialized bool
}

// Update records a queue-depth observation.
func (q *QueueMetrics) Update(depth int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.Current = depth
	if depth > q.Max {
		q.Max = depth
	}
	if !q.emaInitialized {
		q.Avg = float64(depth)
		q.emaInitialized = true
	} else {
		q.Avg = 0.9*q.Avg + 0.1*float64(depth)
	}
}

// TPSCounter tracks transactions (Runnable dispatches) per second over a
// rolling window, using a time-bucketed ring buffer.
type TPSCounter struct {
	lastRotation atomic.Value // time.Time
	buckets      []int64
	bucketSize   time.Duration
	windowSize   time.Duration
	mu           sync.Mutex
}

// NewTPSCounter creates a TPS counter over windowSize, bucketed at
// bucketSize (e.g. NewTPSCounter(10*time.Second, 100*time.Millisecond)).
// TPS divides by the full window length from the start, so it reads low
// until the window has filled once.
func NewTPSCounter(windowSize, bucketSize time.Duration) *TPSCounter {
	if windowSize <= 0 {
		panic("fiber: windowSize must be positive")
	}
	if bucketSize <= 0 {
		panic("fiber: bucketSize must be positive")
	}
	if bucketSize > windowSize {
		panic("fiber: bucketSize cannot exceed windowSize")
	}

	bucketCount := int(windowSize / bucketSize)
	counter := &TPSCounter{
		buckets:    make([]int64, bucketCount),
		bucketSize: bucketSize,
		windowSize: windowSize,
	}
	counter.lastRotation.Store(time.Now())
	return counter
}

// Increment records one dispatch.
func (t *TPSCounter) Increment() {
	t.rotate()
	t.mu.Lock()
	t.buckets[len(t.buckets)-1]++
	t.mu.Unlock()
}

func (t *TPSCounter) rotate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	lastRotation := t.lastRotation.Load().(time.Time)
	elapsed := now.Sub(lastRotation)

	bucketsToAdvanceInt64 := int64(elapsed) / int64(t.bucketSize)
	if bucketsToAdvanceInt64 < 0 {
		bucketsToAdvanceInt64 = int64(len(t.buckets))
	} else if bucketsToAdvanceInt64 > int64(len(t.buckets)) {
		bucketsToAdvanceInt64 = int64(len(t.buckets))
	}
	bucketsToAdvance := int(bucketsToAdvanceInt64)

	if bucketsToAdvance >= len(t.buckets) {
		for i := range t.buckets {
			t.buckets[i] = 0
		}
		t.lastRotation.Store(now)
		return
	}
	if bucketsToAdvance <= 0 {
		return
	}

	copy(t.buckets, t.buckets[bucketsToAdvance:])
	for i := len(t.buckets) - bucketsToAdvance; i < len(t.buckets); i++ {
		t.buckets[i] = 0
	}
	t.lastRotation.Store(lastRotation.Add(time.Duration(bucketsToAdvance) * t.bucketSize))
}

// TPS returns the current estimated transactions per second.
func (t *TPSCounter) TPS() float64 {
	t.rotate()

	t.mu.Lock()
	defer t.mu.Unlock()

	var sum int64
	for _, count := range t.buckets {
		sum += count
	}
	if sum == 0 {
		return 0
	}

	monitoredDuration := float64(len(t.buckets)) * t.bucketSize.Seconds()
	return float64(sum) / monitoredDuration
}
