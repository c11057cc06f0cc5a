package fiber

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
	"weak"
)

// backwardsJumpThreshold is the default amount a monotonic clock must jump
// backwards before TimerManager treats it as an anomaly and rebases every
// pending deadline forward (spec §4.2).
const backwardsJumpThreshold = time.Hour

// Timer is a handle to a scheduled callback, returned by
// TimerManager.RegisterTimer / RegisterConditionalTimer.
type Timer struct {
	mgr         *TimerManager
	id          int64
	scheduledAt time.Time
	deadline    time.Time
	period      time.Duration // zero unless recurring
	thunk       Thunk
	cond        func() bool // conditional-timer guard; nil for plain timers
	index       int         // heap.Interface bookkeeping
	canceled    bool
}

// Cancel removes the timer if it has not already fired (spec §4.2
// Timer.cancel()).
func (t *Timer) Cancel() {
	t.mgr.mu.Lock()
	if t.canceled || t.index < 0 {
		t.mgr.mu.Unlock()
		return
	}
	heap.Remove(&t.mgr.heap, t.index)
	t.canceled = true
	logger, schedulerID, scheduledAt := t.mgr.logger, t.mgr.schedulerID, t.scheduledAt
	t.mgr.mu.Unlock()
	LogTimerCanceled(logger, schedulerID, t.id, t.mgr.now().Sub(scheduledAt))
}

// Refresh reschedules the timer to fire period (or its original delay, for
// a non-recurring timer) from now (spec §4.2 Timer.refresh()).
func (t *Timer) Refresh() {
	t.mgr.mu.Lock()
	if t.canceled {
		t.mgr.mu.Unlock()
		return
	}
	delay := t.period
	if delay <= 0 {
		delay = t.deadline.Sub(t.scheduledAt)
	}
	if t.index >= 0 {
		heap.Remove(&t.mgr.heap, t.index)
	}
	now := t.mgr.now()
	t.scheduledAt = now
	t.deadline = now.Add(delay)
	wasFront := t.mgr.heap.Len() == 0
	heap.Push(&t.mgr.heap, t)
	atFront := wasFront || t.mgr.heap[0] == t
	t.mgr.mu.Unlock()
	if atFront {
		t.mgr.onTimerInsertedAtFront()
	}
}

// timerHeap implements container/heap.Interface over *Timer, ordered by
// deadline (earliest first).
type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TimerManager is a monotonic-clock-driven heap of pending [Timer]s, shared
// by the bare Scheduler's timer-only idle backend and both IOManager
// variants (spec §4.2). Grounded on the teacher's own timer heap in
// loop.go (timerHeap/runTimers/calculateTimeout), generalized from a
// single-goroutine loop's private heap into a mutex-protected component any
// number of worker goroutines can register against concurrently, and
// extended with conditional (weak-reference-guarded) timers via Go's
// weak.Pointer — the same idiom the teacher used for its promise registry
// (registry.go), now genericized for any owner type instead of *promise.
type TimerManager struct {
	mu   sync.Mutex
	heap timerHeap

	// nowFunc is overridable for deterministic tests; defaults to
	// time.Now. lastNow detects backwards clock jumps.
	nowFunc func() time.Time
	lastNow time.Time

	// onFront, when set, is invoked (outside the lock) whenever a newly
	// inserted timer becomes the new earliest deadline. WithTimers and
	// WithIOManager wire it to their backend's tickle(); a TimerManager
	// attached to neither leaves it nil.
	onFront func()

	nextTimerID atomic.Int64

	// logger and schedulerID tag this manager's structured log entries;
	// wired by WithTimers / WithIOManager. Defaults to a no-op logger so a
	// bare NewTimerManager never needs logging configured.
	logger      Logger
	schedulerID string
}

// NewTimerManager constructs an empty TimerManager.
func NewTimerManager() *TimerManager {
	now := time.Now()
	return &TimerManager{nowFunc: time.Now, lastNow: now, logger: NewNoOpLogger()}
}

// SetLogger attaches a logger and owning scheduler ID for this manager's
// timer-lifecycle log entries (spec §4.2 register/collect/cancel).
func (m *TimerManager) SetLogger(logger Logger, schedulerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger
	m.schedulerID = schedulerID
}

func (m *TimerManager) now() time.Time { return m.nowFunc() }

// SetOnTimerInsertedAtFront installs the hook spec §4.2 describes as
// "overridden by IOManager to tickle its idle fiber".
func (m *TimerManager) SetOnTimerInsertedAtFront(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFront = f
}

func (m *TimerManager) onTimerInsertedAtFront() {
	if m.onFront != nil {
		m.onFront()
	}
}

// RegisterTimer schedules thunk to run after delay, optionally recurring
// every delay thereafter, per spec §4.2 register_timer.
func (m *TimerManager) RegisterTimer(delay time.Duration, thunk Thunk, recurring bool) *Timer {
	id := m.nextTimerID.Add(1)
	now := m.now()
	m.mu.Lock()
	t := &Timer{mgr: m, id: id, scheduledAt: now, deadline: now.Add(delay), thunk: thunk, index: -1}
	if recurring {
		t.period = delay
	}
	wasFront := m.heap.Len() == 0
	heap.Push(&m.heap, t)
	becameFront := m.heap[0] == t
	logger, schedulerID := m.logger, m.schedulerID
	m.mu.Unlock()
	if wasFront || becameFront {
		m.onTimerInsertedAtFront()
	}
	description := "one-shot"
	if recurring {
		description = "recurring"
	}
	LogTimerScheduled(logger, schedulerID, id, delay, description)
	return t
}

// RegisterConditionalTimer schedules thunk after delay, but skips firing it
// if weakRef can no longer be upgraded at expiry time — prevents racing
// with a destroyed owner (spec §4.2 register_conditional_timer).
func RegisterConditionalTimer[T any](m *TimerManager, delay time.Duration, thunk Thunk, owner *T) *Timer {
	ref := weak.Make(owner)
	guard := func() bool { return ref.Value() != nil }
	id := m.nextTimerID.Add(1)
	now := m.now()
	m.mu.Lock()
	t := &Timer{mgr: m, id: id, scheduledAt: now, deadline: now.Add(delay), thunk: thunk, cond: guard, index: -1}
	wasFront := m.heap.Len() == 0
	heap.Push(&m.heap, t)
	becameFront := m.heap[0] == t
	logger, schedulerID := m.logger, m.schedulerID
	m.mu.Unlock()
	if wasFront || becameFront {
		m.onTimerInsertedAtFront()
	}
	LogTimerScheduled(logger, schedulerID, id, delay, "conditional")
	return t
}

// rebaseIfClockJumpedBackwards shifts every pending deadline forward by the
// observed jump when the monotonic source goes backwards by more than
// backwardsJumpThreshold, so no timer fires prematurely (spec §4.2).
// Caller must hold m.mu.
func (m *TimerManager) rebaseIfClockJumpedBackwards(now time.Time) {
	if !m.lastNow.IsZero() && m.lastNow.Sub(now) > backwardsJumpThreshold {
		jump := m.lastNow.Sub(now)
		for _, t := range m.heap {
			t.deadline = t.deadline.Add(-jump)
		}
	}
	m.lastNow = now
}

// CollectExpired removes and returns the thunks of every timer whose
// deadline has passed, re-inserting recurring timers with a fresh deadline
// of now+period (spec §4.2 collect_expired). Conditional timers whose weak
// reference can no longer be upgraded are dropped silently.
func (m *TimerManager) CollectExpired() []Thunk {
	now := m.now()
	m.mu.Lock()
	m.rebaseIfClockJumpedBackwards(now)

	var fired []Thunk
	type firedLog struct {
		id    int64
		alive time.Duration
	}
	var logs []firedLog
	for m.heap.Len() > 0 && !m.heap[0].deadline.After(now) {
		t := heap.Pop(&m.heap).(*Timer)
		t.canceled = true
		if t.cond != nil && !t.cond() {
			continue
		}
		fired = append(fired, t.thunk)
		logs = append(logs, firedLog{id: t.id, alive: now.Sub(t.scheduledAt)})
		if t.period > 0 {
			nt := &Timer{mgr: m, id: m.nextTimerID.Add(1), scheduledAt: now, deadline: now.Add(t.period), period: t.period, thunk: t.thunk, index: -1}
			heap.Push(&m.heap, nt)
		}
	}
	logger, schedulerID := m.logger, m.schedulerID
	m.mu.Unlock()
	for _, l := range logs {
		LogTimerFired(logger, schedulerID, l.id, l.alive)
	}
	return fired
}

// NextTimeout reports how long until the earliest pending timer fires, and
// false if there are none (spec §4.2 next_timeout(), "microseconds or ∞").
func (m *TimerManager) NextTimeout() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heap.Len() == 0 {
		return 0, false
	}
	d := m.heap[0].deadline.Sub(m.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// Len reports the number of pending (not yet collected) timers.
func (m *TimerManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heap.Len()
}
