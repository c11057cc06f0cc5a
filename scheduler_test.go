package fiber

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestSchedulerHijackBasic covers spec §8 scenario 1: a single-threaded
// hijack scheduler runs one scheduled thunk exactly once via Dispatch.
func TestSchedulerHijackBasic(t *testing.T) {
	s := New(1, WithHijack(true))
	var x int64
	s.Schedule(func() { atomic.AddInt64(&x, 1) })
	if err := s.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := atomic.LoadInt64(&x); got != 1 {
		t.Fatalf("x = %d, want 1", got)
	}
}

// TestSchedulerThreadAffinity covers spec §8 scenario 3: a thunk pinned to
// a specific worker always runs there, and siblings leave it in place.
func TestSchedulerThreadAffinity(t *testing.T) {
	s := New(4, WithHijack(true), WithAutoStop(true))

	ran := make(chan uint64, 1)
	s.Schedule(func() {
		rootID := CurrentScheduler().rootID
		s.ScheduleOn(rootID, func() { ran <- getGoroutineID() })
	})
	// Start blocks in hijack mode until the pool drains and auto-stops.
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case id := <-ran:
		if id != s.rootID {
			t.Fatalf("affine thunk ran on goroutine %d, want root %d", id, s.rootID)
		}
	default:
		t.Fatal("affine thunk never ran")
	}
}

// TestSchedulerTolerantBatch covers spec §8 scenario 8: a panicking
// runnable in the middle of a batch does not prevent items scheduled after
// it from running; the remainder is requeued and the worker continues.
func TestSchedulerTolerantBatch(t *testing.T) {
	s := New(1, WithHijack(true), WithBatchSize(3), WithLogger(NewNoOpLogger()))
	vals := make([]int64, 3)
	s.Schedule(func() { atomic.StoreInt64(&vals[0], 1) })
	s.Schedule(func() { panic("boom") })
	s.Schedule(func() { atomic.StoreInt64(&vals[2], 3) })

	if err := s.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if vals[0] != 1 {
		t.Fatalf("vals[0] = %d, want 1", vals[0])
	}
	if vals[2] != 3 {
		t.Fatalf("vals[2] = %d, want 3 (must still run after the panic)", vals[2])
	}
}

func TestSchedulerStopIdempotent(t *testing.T) {
	s := New(2)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Stop(); err != nil {
			t.Fatalf("Stop call %d: %v", i, err)
		}
	}
	if !s.Stopped() {
		t.Fatal("expected scheduler to be Stopped after repeated Stop calls")
	}
}

func TestSchedulerStartIdempotent(t *testing.T) {
	s := New(1)
	if err := s.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Fatal("expected second Start to report already-started")
	}
	_ = s.Stop()
}

// TestSchedulerEveryScheduledThunkRunsExactlyOnce is the quantified
// property from spec §8: for any sequence of schedule calls followed by
// dispatch, every scheduled thunk runs exactly once.
func TestSchedulerEveryScheduledThunkRunsExactlyOnce(t *testing.T) {
	const n = 500
	s := New(1, WithHijack(true))
	counts := make([]int32, n)
	for i := 0; i < n; i++ {
		i := i
		s.Schedule(func() { atomic.AddInt32(&counts[i], 1) })
	}
	if err := s.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	for i, c := range counts {
		if c != 1 {
			t.Fatalf("counts[%d] = %d, want 1", i, c)
		}
	}
}

// TestSchedulerHybridCrossThread covers spec §8 scenario 2: many fibers
// that each suspend on a timer fan out across multiple worker threads.
//
// Each unit of work is its own Fiber (rather than a Thunk) so that a
// suspend-then-resume doesn't contend with a worker's single reusable
// thunk fiber, which spec §4.3 step 4 reserves for thunks that run to
// completion within one dispatch turn.
func TestSchedulerHybridCrossThread(t *testing.T) {
	tm := NewTimerManager()
	s := New(2, WithHijack(true), WithTimers(tm))

	const n = 24
	var wg sync.WaitGroup
	wg.Add(n)
	var mu sync.Mutex
	seen := map[uint64]struct{}{}

	for i := 0; i < n; i++ {
		var f *Fiber
		f = NewFiber(func() {
			done := make(chan struct{})
			tm.RegisterTimer(5*time.Millisecond, func() { close(done) }, false)
			go func() {
				<-done
				s.ScheduleFiber(f)
			}()
			Yield()
			mu.Lock()
			seen[getGoroutineID()] = struct{}{}
			mu.Unlock()
			wg.Done()
		})
		s.ScheduleFiber(f)
	}
	go func() {
		wg.Wait()
		s.Stop()
	}()
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestNumCPUThreads(t *testing.T) {
	if got := NumCPUThreads(8); got != 8 {
		t.Fatalf("NumCPUThreads(8) = %d, want 8", got)
	}
	if got := NumCPUThreads(-2); got <= 0 {
		t.Fatalf("NumCPUThreads(-2) = %d, want positive multiple of NumCPU", got)
	}
}
