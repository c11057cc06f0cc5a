//go:build linux || darwin

package fiber

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventKind distinguishes the two readiness kinds a descriptor can be
// armed for (spec §4.4).
type EventKind int

const (
	KindRead EventKind = iota
	KindWrite
)

// asyncState holds the per-(fd,kind) arming described in spec §4.4: which
// scheduler to resume on, and either a waiting fiber or a plain thunk.
type asyncState struct {
	mu        sync.Mutex
	armed     [2]bool
	scheduler [2]*Scheduler
	fiber     [2]*Fiber
	thunk     [2]Thunk
}

// IOManager is the readiness-model event loop described in spec §4.4: a
// kernel readiness object (epoll/kqueue, io_poller_{linux,darwin}.go), a
// wake fd (eventfd on Linux, self-pipe on Darwin; wakeup_{linux,darwin}.go)
// for tickling a blocked wait, and a map from file descriptor to
// per-kind waiters. It implements schedulerBackend so it can be installed
// directly as a Scheduler's idle behavior via WithIOManager.
//
// Grounded on the teacher's FastPoller wrapped the way poller_linux.go's
// Loop.pollIO integrated polling into the dispatch loop, generalized here
// to resume fibers (or run thunks) instead of invoking loop callbacks.
type IOManager struct {
	poller fastPoller
	tm     *TimerManager

	wakeRead, wakeWrite int

	mu    sync.Mutex
	state map[int]*asyncState

	pendingEventCount atomic.Int64

	// logger and schedulerID tag this manager's poll-error log entries;
	// wired by WithIOManager. Defaults to a no-op logger so a bare
	// NewIOManager never needs logging configured.
	logger      Logger
	schedulerID string
}

// NewIOManager constructs and initializes a readiness-model IOManager.
func NewIOManager(tm *TimerManager) (*IOManager, error) {
	m := &IOManager{tm: tm, state: make(map[int]*asyncState), logger: NewNoOpLogger()}
	if err := m.poller.Init(); err != nil {
		return nil, mapOSError("io_manager.init", err)
	}
	r, w, err := createWakeFd()
	if err != nil {
		return nil, mapOSError("io_manager.wake", err)
	}
	m.wakeRead, m.wakeWrite = r, w
	if err := m.poller.RegisterFD(r, EventRead, func(IOEvents) {}); err != nil {
		return nil, mapOSError("io_manager.register_wake", err)
	}
	return m, nil
}

// WithIOManager installs m as the scheduler's idle backend, per spec §4.4's
// idle fiber loop.
func WithIOManager(m *IOManager) Option {
	return func(s *Scheduler) {
		m.tm.SetOnTimerInsertedAtFront(m.tickle)
		m.tm.SetLogger(s.logger, s.id)
		m.logger, m.schedulerID = s.logger, s.id
		s.backend = &ioManagerBackend{m: m}
	}
}

func (m *IOManager) entry(fd int) *asyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	as, ok := m.state[fd]
	if !ok {
		as = &asyncState{}
		m.state[fd] = as
	}
	return as
}

func (m *IOManager) aggregateMask(as *asyncState) IOEvents {
	var mask IOEvents
	if as.armed[KindRead] {
		mask |= EventRead
	}
	if as.armed[KindWrite] {
		mask |= EventWrite
	}
	return mask
}

// RegisterEvent arms fd for kind, resuming either thunk (if non-nil) or the
// calling fiber once ready (spec §4.4 register_event).
func (m *IOManager) RegisterEvent(fd int, kind EventKind, thunk Thunk) error {
	as := m.entry(fd)
	as.mu.Lock()
	if as.armed[kind] {
		as.mu.Unlock()
		panic("fiber: RegisterEvent on an already-armed (fd, kind)")
	}
	as.armed[kind] = true
	as.scheduler[kind] = CurrentScheduler()
	if thunk != nil {
		as.thunk[kind] = thunk
	} else {
		as.fiber[kind] = Current()
	}
	newMask := m.aggregateMask(as)
	wasRegistered := as.armed[1-kind]
	as.mu.Unlock()

	m.pendingEventCount.Add(1)

	var err error
	if wasRegistered {
		err = m.poller.ModifyFD(fd, newMask)
	} else {
		err = m.poller.RegisterFD(fd, newMask, func(ev IOEvents) { m.onReady(fd, ev) })
	}
	if err != nil {
		m.pendingEventCount.Add(-1)
		return mapOSError("io_manager.register_event", err)
	}

	if thunk == nil {
		Yield()
	}
	return nil
}

// UnregisterEvent disarms (fd, kind) without firing it, reporting whether
// it had been armed (spec §4.4 unregister_event).
func (m *IOManager) UnregisterEvent(fd int, kind EventKind) bool {
	as := m.entry(fd)
	as.mu.Lock()
	if !as.armed[kind] {
		as.mu.Unlock()
		return false
	}
	as.armed[kind] = false
	as.fiber[kind] = nil
	as.thunk[kind] = nil
	newMask := m.aggregateMask(as)
	stillArmed := as.armed[1-kind]
	as.mu.Unlock()

	m.pendingEventCount.Add(-1)
	if stillArmed {
		_ = m.poller.ModifyFD(fd, newMask)
	} else {
		_ = m.poller.UnregisterFD(fd)
	}
	return true
}

// CancelEvent fires (fd, kind) immediately with an OperationAborted marker,
// so the waiter observes cancellation instead of readiness (spec §4.4
// cancel_event).
func (m *IOManager) CancelEvent(fd int, kind EventKind) {
	as := m.entry(fd)
	as.mu.Lock()
	if !as.armed[kind] {
		as.mu.Unlock()
		return
	}
	sched := as.scheduler[kind]
	fiber := as.fiber[kind]
	thunk := as.thunk[kind]
	as.armed[kind] = false
	as.fiber[kind] = nil
	as.thunk[kind] = nil
	newMask := m.aggregateMask(as)
	stillArmed := as.armed[1-kind]
	as.mu.Unlock()

	m.pendingEventCount.Add(-1)
	if stillArmed {
		_ = m.poller.ModifyFD(fd, newMask)
	} else {
		_ = m.poller.UnregisterFD(fd)
	}

	cancelErr := &OSError{Kind: ErrOperationAborted, Op: "cancel_event"}
	m.resume(sched, fiber, thunk, func() {
		if fiber != nil {
			fiber.Inject(cancelErr)
		}
	})
}

func (m *IOManager) onReady(fd int, _ IOEvents) {
	as := m.entry(fd)
	for _, kind := range [2]EventKind{KindRead, KindWrite} {
		as.mu.Lock()
		if !as.armed[kind] {
			as.mu.Unlock()
			continue
		}
		sched := as.scheduler[kind]
		fiber := as.fiber[kind]
		thunk := as.thunk[kind]
		as.armed[kind] = false
		as.fiber[kind] = nil
		as.thunk[kind] = nil
		as.mu.Unlock()

		m.pendingEventCount.Add(-1)
		m.resume(sched, fiber, thunk, nil)
	}

	as.mu.Lock()
	newMask := m.aggregateMask(as)
	stillArmed := as.armed[KindRead] || as.armed[KindWrite]
	as.mu.Unlock()
	if stillArmed {
		_ = m.poller.ModifyFD(fd, newMask)
	} else {
		_ = m.poller.UnregisterFD(fd)
	}
}

func (m *IOManager) resume(sched *Scheduler, fiber *Fiber, thunk Thunk, before func()) {
	if before != nil {
		before()
	}
	switch {
	case fiber != nil && sched != nil:
		sched.ScheduleFiber(fiber)
	case thunk != nil && sched != nil:
		sched.Schedule(thunk)
	}
}

func (m *IOManager) tickle() { signalWakeFd(m.wakeWrite) }

func (m *IOManager) close() error {
	_ = m.poller.Close()
	return closeWakeFd(m.wakeRead, m.wakeWrite)
}

// ioManagerBackend adapts IOManager to the schedulerBackend interface.
type ioManagerBackend struct{ m *IOManager }

func (b *ioManagerBackend) tickle() { b.m.tickle() }
func (b *ioManagerBackend) stop()   { b.m.tickle() }

func (b *ioManagerBackend) canStopNow() bool {
	return b.m.pendingEventCount.Load() == 0 && b.m.tm.Len() == 0
}

func (b *ioManagerBackend) idleEntry(s *Scheduler, _ uint64) Thunk {
	return func() {
		for _, thunk := range b.m.tm.CollectExpired() {
			s.Schedule(thunk)
		}

		timeoutMs := -1
		if d, ok := b.m.tm.NextTimeout(); ok {
			timeoutMs = int(d / time.Millisecond)
			if timeoutMs < 0 {
				timeoutMs = 0
			}
		}
		if _, err := b.m.poller.PollIO(timeoutMs); err != nil {
			LogPollIOError(b.m.logger, b.m.schedulerID, err, err == ErrPollerClosed)
		}
		drainWakeFd(b.m.wakeRead)
	}
}
