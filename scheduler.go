package fiber

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// schedulerBackend supplies the idle-fiber behaviour and wakeup mechanism a
// Scheduler delegates to. The plain Scheduler uses plainBackend (a channel
// wait); IOManager variants (io_readiness.go, io_completion_windows.go)
// supply one that polls a platform backend instead.
type schedulerBackend interface {
	// idleEntry returns the Thunk a worker's idle fiber runs for one idle
	// period. It must return promptly once woken by tickle or stop.
	idleEntry(s *Scheduler, workerID uint64) Thunk
	// tickle wakes at least one idle worker.
	tickle()
	// stop releases anything blocking idle workers so they can observe
	// the scheduler's stopping state and exit.
	stop()
	// canStopNow reports whether the backend has no outstanding work of
	// its own (pending I/O registrations, armed timers) that would make
	// an auto-stop premature (spec §4.4 "stopping()" precondition).
	canStopNow() bool
}

// plainBackend is the default schedulerBackend for a bare Scheduler with no
// attached I/O model: idle workers simply block until tickled or stopped.
type plainBackend struct {
	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newPlainBackend() *plainBackend {
	return &plainBackend{wakeCh: make(chan struct{}, 1), stopCh: make(chan struct{})}
}

func (b *plainBackend) idleEntry(_ *Scheduler, _ uint64) Thunk {
	return func() {
		select {
		case <-b.wakeCh:
		case <-b.stopCh:
		}
	}
}

func (b *plainBackend) tickle() {
	select {
	case b.wakeCh <- struct{}{}:
	default:
	}
}

func (b *plainBackend) stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

func (b *plainBackend) canStopNow() bool { return true }

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithHijack makes the creating goroutine one of the scheduler's own worker
// threads (spec §4.3's "root thread"/"root fiber"), rather than spawning a
// dedicated goroutine for every worker.
func WithHijack(hijack bool) Option {
	return func(s *Scheduler) { s.hijack = hijack }
}

// WithBatchSize overrides the maximum number of Runnables a worker extracts
// from the queue per dispatch iteration (spec §4.3 step 2).
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithAutoStop controls whether the scheduler stops itself once its queue
// and idle accounting both go quiet (spec §3 "auto_stop" attribute). It
// defaults to true for hijack schedulers (the common "run this and return"
// shape) and false otherwise.
func WithAutoStop(autoStop bool) Option {
	return func(s *Scheduler) {
		s.autoStop = autoStop
		s.autoStopSet = true
	}
}

func WithLogger(l Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func withBackend(b schedulerBackend) Option {
	return func(s *Scheduler) { s.backend = b }
}

// WithMetrics attaches dispatch-latency, queue-depth, and throughput
// tracking to the Scheduler (see metrics.go). Off by default: a Scheduler
// built without this option never touches Metrics and pays no tracking
// cost in runOne/workerLoop.
func WithMetrics(enabled bool) Option {
	return func(s *Scheduler) {
		if !enabled {
			return
		}
		s.metrics = &Metrics{}
		s.tps = NewTPSCounter(10*time.Second, 100*time.Millisecond)
	}
}

// worker tracks the per-goroutine state a Scheduler needs to run its
// dispatch loop and the two reusable fibers (idle, thunk) each worker owns.
type worker struct {
	id         uint64
	idleFiber  *Fiber
	thunkFiber *Fiber
}

// Scheduler is a cooperative M:N fiber scheduler (spec §4.3): a pool of
// worker goroutines draining a shared Runnable queue, each capable of
// running either a Fiber or a one-shot Thunk, falling back to an
// implementation-supplied idle fiber when there is nothing to do.
//
// In this Go port a "thread" (spec terminology) is a worker goroutine; Go
// gives every goroutine a stable identity for its lifetime regardless of
// which OS thread runs it, so the scheduler needs no runtime.LockOSThread
// pinning to honour thread-affine Runnables (see DESIGN.md).
type Scheduler struct {
	id string

	state   *atomicState
	queue   *workQueue
	backend schedulerBackend
	logger  Logger

	hijack      bool
	autoStop    bool
	autoStopSet bool
	batchSize   int

	desiredThreads atomic.Int64
	activeCount    atomic.Int64
	idleCount      atomic.Int64

	workersMu sync.Mutex
	workers   map[uint64]*worker
	rootID    uint64

	wg sync.WaitGroup

	metrics *Metrics
	tps     *TPSCounter
}

// New constructs a Scheduler with threadCount workers (not yet started).
func New(threadCount int, opts ...Option) *Scheduler {
	if threadCount <= 0 {
		threadCount = 1
	}
	s := &Scheduler{
		id:        newCorrelationID(),
		state:     newAtomicState(uint64(StateAwake)),
		queue:     newWorkQueue(),
		logger:    defaultLogger(),
		batchSize: 64,
		workers:   make(map[uint64]*worker),
	}
	s.desiredThreads.Store(int64(threadCount))
	for _, o := range opts {
		o(s)
	}
	if s.backend == nil {
		s.backend = newPlainBackend()
	}
	if !s.autoStopSet {
		s.autoStop = s.hijack
	}
	return s
}

// ID returns the scheduler's correlation id, used to tag log entries.
func (s *Scheduler) ID() string { return s.id }

func (s *Scheduler) ThreadCountTarget() int { return int(s.desiredThreads.Load()) }

// ActiveCount returns the number of workers currently executing a batch.
func (s *Scheduler) ActiveCount() int { return int(s.activeCount.Load()) }

// IdleCount returns the number of workers currently parked in their idle
// fiber.
func (s *Scheduler) IdleCount() int { return int(s.idleCount.Load()) }

// Metrics returns a snapshot of the Scheduler's latency/queue/throughput
// statistics. Returns the zero Metrics if WithMetrics was never set.
func (s *Scheduler) Metrics() Metrics {
	var m Metrics
	if s.metrics == nil {
		return m
	}
	s.metrics.Latency.Sample()

	s.metrics.Latency.mu.RLock()
	m.Latency.P50 = s.metrics.Latency.P50
	m.Latency.P90 = s.metrics.Latency.P90
	m.Latency.P95 = s.metrics.Latency.P95
	m.Latency.P99 = s.metrics.Latency.P99
	m.Latency.Max = s.metrics.Latency.Max
	m.Latency.Mean = s.metrics.Latency.Mean
	m.Latency.Sum = s.metrics.Latency.Sum
	s.metrics.Latency.mu.RUnlock()

	s.metrics.Queue.mu.RLock()
	m.Queue.Current = s.metrics.Queue.Current
	m.Queue.Max = s.metrics.Queue.Max
	m.Queue.Avg = s.metrics.Queue.Avg
	s.metrics.Queue.mu.RUnlock()

	if s.tps != nil {
		m.TPS = s.tps.TPS()
	}
	return m
}

// HasIdleThreads preserves the teacher-adjacent hook named in spec §9's
// Open Questions: not consulted by the dispatch loop itself, but exposed
// for embedders that want to avoid scheduling onto a saturated pool.
func (s *Scheduler) HasIdleThreads() bool { return s.idleCount.Load() > 0 }

// Stopping reports whether Stop has been called.
func (s *Scheduler) Stopping() bool {
	st := SchedulerState(s.state.Load())
	return st == StateStopping || st == StateStopped
}

// Stopped reports whether every worker has joined.
func (s *Scheduler) Stopped() bool {
	return SchedulerState(s.state.Load()) == StateStopped
}

// Schedule appends a Thunk to the queue, tickling a worker if the queue was
// empty and the caller isn't already running on this scheduler.
func (s *Scheduler) Schedule(t Thunk) { s.scheduleRunnable(thunkRunnable(t, noThreadAffinity)) }

// ScheduleOn appends a Thunk pinned to a specific worker (identified by the
// goroutine id reported to that worker's own dispatch loop).
func (s *Scheduler) ScheduleOn(workerID uint64, t Thunk) {
	s.scheduleRunnable(thunkRunnable(t, workerID))
}

// ScheduleFiber appends an existing Fiber to the queue.
func (s *Scheduler) ScheduleFiber(f *Fiber) { s.scheduleRunnable(fiberRunnable(f, noThreadAffinity)) }

// ScheduleFiberOn appends an existing Fiber pinned to a specific worker.
func (s *Scheduler) ScheduleFiberOn(workerID uint64, f *Fiber) {
	s.scheduleRunnable(fiberRunnable(f, workerID))
}

// ScheduleBatch bulk-appends Thunks (spec §4.3 "schedule(range)").
func (s *Scheduler) ScheduleBatch(ts []Thunk) {
	rs := make([]Runnable, len(ts))
	for i, t := range ts {
		rs[i] = thunkRunnable(t, noThreadAffinity)
	}
	wasEmpty := s.queue.pushAll(rs)
	if wasEmpty && CurrentScheduler() != s {
		s.backend.tickle()
	}
}

func (s *Scheduler) scheduleRunnable(r Runnable) {
	wasEmpty := s.queue.push(r)
	if wasEmpty && CurrentScheduler() != s {
		s.backend.tickle()
	}
}

// SwitchTo reschedules the currently executing fiber onto this scheduler
// (optionally pinned to workerID) and yields to it, per spec §4.3
// switch_to. Postcondition: CurrentScheduler() == s.
func (s *Scheduler) SwitchTo(workerID uint64) {
	f := Current()
	if f == nil {
		panic("fiber: SwitchTo called with no current fiber")
	}
	s.scheduleRunnable(fiberRunnable(f, workerID))
	Yield()
}

// YieldToScheduler hands control back to the scheduler loop without
// re-queueing the current fiber (spec §4.3 static yield_to()).
func YieldToScheduler() { Yield() }

// SchedulerYield re-queues the current fiber on its CurrentScheduler, then
// yields (spec §4.3 static yield()).
func SchedulerYield() {
	s := CurrentScheduler()
	if s == nil {
		panic("fiber: SchedulerYield called outside a scheduler worker")
	}
	f := Current()
	if f == nil {
		panic("fiber: SchedulerYield called with no current fiber")
	}
	s.scheduleRunnable(fiberRunnable(f, noThreadAffinity))
	Yield()
}

// Start launches the scheduler's worker pool. In hijack mode the calling
// goroutine becomes one of the workers and Start blocks until Stop drains
// the scheduler; the remaining (threadCount-1) workers are spawned as
// goroutines. In non-hijack mode all workers are spawned and Start returns
// immediately.
func (s *Scheduler) Start() error {
	if !s.state.TryTransition(uint64(StateAwake), uint64(StateRunning)) {
		return fmt.Errorf("fiber: scheduler %s already started", s.id)
	}
	n := int(s.desiredThreads.Load())
	if s.hijack {
		for i := 1; i < n; i++ {
			s.spawnWorker()
		}
		s.runHijackRoot()
		return nil
	}
	for i := 0; i < n; i++ {
		s.spawnWorker()
	}
	return nil
}

// Dispatch runs the calling goroutine as a hijack-mode worker until the
// queue and idle accounting both go quiet, then returns (spec §4.3
// dispatch(), "hijack mode only"). It is the synchronous counterpart to
// Start for short-lived "schedule some work and drain it" usage.
func (s *Scheduler) Dispatch() error {
	if !s.hijack {
		return fmt.Errorf("fiber: Dispatch is only valid on a hijack scheduler")
	}
	s.state.TransitionAny([]uint64{uint64(StateAwake)}, uint64(StateRunning))
	s.runHijackRoot()
	return nil
}

func (s *Scheduler) runHijackRoot() {
	id := getGoroutineID()
	w := &worker{id: id}
	s.workersMu.Lock()
	s.rootID = id
	s.workers[id] = w
	s.workersMu.Unlock()
	s.workerLoop(w, true)
}

func (s *Scheduler) spawnWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		id := getGoroutineID()
		w := &worker{id: id}
		s.workersMu.Lock()
		s.workers[id] = w
		s.workersMu.Unlock()
		s.workerLoop(w, false)
	}()
}

// ThreadCount dynamically resizes the worker pool (spec §4.3 thread_count).
// Growing spawns new workers immediately; shrinking signals surplus workers
// to self-terminate on their next dispatch iteration.
func (s *Scheduler) ThreadCount(n int) {
	if n <= 0 {
		n = 1
	}
	prev := s.desiredThreads.Swap(int64(n))
	if int64(n) <= prev {
		return
	}
	if s.Stopping() {
		return
	}
	for i := prev; i < int64(n); i++ {
		s.spawnWorker()
	}
}

// requestStop performs the non-blocking half of Stop: it marks the
// scheduler stopping and wakes every idle worker, but never joins. Safe to
// call from inside a worker's own dispatch loop (Stop itself cannot be,
// since it may block on wg.Wait for that very worker).
func (s *Scheduler) requestStop() {
	if s.state.TransitionAny([]uint64{uint64(StateRunning), uint64(StateAwake)}, uint64(StateStopping)) {
		s.backend.stop()
	}
}

// Stop idempotently stops the scheduler: marks it stopping, wakes every
// idle worker, and waits for non-hijack workers to join. In hijack mode,
// Stop called from a fiber other than the root only marks stopping; the
// root worker observes it and drains on its own.
func (s *Scheduler) Stop() error {
	s.requestStop()
	if s.hijack {
		cur := CurrentScheduler()
		if cur == s && getGoroutineID() != s.rootID {
			return nil // non-root fiber: root worker will notice Stopping and drain
		}
	}
	s.wg.Wait()
	s.state.TryTransition(uint64(StateStopping), uint64(StateStopped))
	return nil
}

func (s *Scheduler) liveWorkerCount() int {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()
	return len(s.workers)
}

func (s *Scheduler) removeWorker(id uint64) {
	s.workersMu.Lock()
	delete(s.workers, id)
	s.workersMu.Unlock()
}

func (s *Scheduler) isExecuting(f *Fiber) bool { return f.State() == StateExec }

// workerLoop is the per-worker dispatch loop described in spec §4.3.
func (s *Scheduler) workerLoop(w *worker, isRoot bool) {
	setCurrentScheduler(s)
	defer setCurrentScheduler(nil)
	defer s.removeWorker(w.id)

	for {
		// Step 1: shrink signal.
		if !isRoot && int64(s.liveWorkerCount()) > s.desiredThreads.Load() {
			return
		}

		// Steps 2-3: batch extraction.
		batch, tickleOthers := s.queue.takeBatch(w.id, s.batchSize, s.isExecuting)
		if tickleOthers {
			s.backend.tickle()
		}
		if s.metrics != nil {
			s.metrics.Queue.Update(s.queue.len())
		}

		if len(batch) > 0 {
			s.activeCount.Add(1)
			s.runBatch(w, batch)
			s.activeCount.Add(-1)
			continue
		}

		if s.Stopping() {
			return
		}

		if s.autoStop && s.queue.len() == 0 && s.activeCount.Load() == 0 && s.backend.canStopNow() {
			s.requestStop()
			return
		}

		// Step 5: idle fiber.
		s.idleCount.Add(1)
		idle := w.idleFiber
		if idle == nil || idle.State() == StateTerm {
			entry := s.backend.idleEntry(s, w.id)
			if idle == nil {
				idle = NewFiber(entry)
				w.idleFiber = idle
			} else {
				idle.Reset(entry)
			}
		}
		idle.Call()
		s.idleCount.Add(-1)
	}
}

// runBatch executes one extracted batch, applying spec §4.3's exception
// policy: an escaping panic requeues the untouched remainder (preserving
// FIFO) and is logged rather than crashing the worker goroutine outright,
// since in Go there is no caller stack on another goroutine to unwind into.
func (s *Scheduler) runBatch(w *worker, batch []Runnable) {
	for i, r := range batch {
		caught := s.runOne(w, r)
		if caught != nil {
			s.queue.requeueFront(batch[i+1:])
			if r.fiber != nil {
				LogFiberPanicked(s.logger, s.id, r.fiber.ID(), caught, r.fiber.PanicStack())
			} else {
				LogError(s.logger, "scheduler", "runnable panicked", caught, map[string]interface{}{
					"scheduler_id": s.id,
					"worker_id":    w.id,
				})
			}
			return
		}
	}
}

func (s *Scheduler) runOne(w *worker, r Runnable) (caught error) {
	var start time.Time
	if s.metrics != nil {
		start = time.Now()
	}
	defer func() {
		if p := recover(); p != nil {
			if err, ok := p.(error); ok {
				caught = err
			} else {
				caught = fmt.Errorf("%v", p)
			}
		}
		if s.metrics != nil {
			s.metrics.Latency.Record(time.Since(start))
			s.tps.Increment()
		}
	}()
	if r.fiber != nil {
		r.fiber.Call()
		return nil
	}
	tf := w.thunkFiber
	if tf == nil {
		tf = NewFiber(nil)
		w.thunkFiber = tf
	}
	tf.Reset(r.thunk)
	tf.Call()
	return nil
}

// NumCPUThreads resolves the Config-documented thread_count convention
// (spec §6): a positive value is absolute, a non-positive value is treated
// as -n and multiplies runtime.NumCPU().
func NumCPUThreads(n int) int {
	if n > 0 {
		return n
	}
	mult := -n
	if mult <= 0 {
		mult = 1
	}
	return mult * runtime.NumCPU()
}
