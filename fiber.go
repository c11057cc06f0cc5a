package fiber

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// fiberIDCounter hands out process-wide unique IDs for structured logging
// (LogFiberPanicked), distinct from any scheduler-assigned identity.
var fiberIDCounter atomic.Int64

// Thunk is a zero-argument, no-return callable, per spec GLOSSARY.
type Thunk func()

// cancelSignal is injected into a fiber to force an unwind from HOLD, per
// spec §4.1 Inject / §5 Cancellation mechanism (a).
type cancelSignal struct{ cause error }

func (c *cancelSignal) Error() string {
	if c.cause != nil {
		return fmt.Sprintf("fiber: injected cancellation: %v", c.cause)
	}
	return "fiber: injected cancellation"
}

func (c *cancelSignal) Unwrap() error { return c.cause }

// Fiber is a user-mode cooperative execution context.
//
// Mechanism: Go has no public API for manual stack switching, so each Fiber
// owns one dedicated goroutine, parked on an unbuffered "resume" channel
// until its caller hands it control, and handing control back over an
// unbuffered "yield" channel. This reproduces the spec's invariant that at
// most one thread has the fiber executing at any instant, without language
// support for an actual stack swap (see DESIGN.md).
type Fiber struct {
	mu    sync.Mutex
	state *atomicState

	id int64

	entry Thunk

	resumeCh chan resumeMsg // caller -> fiber goroutine
	yieldCh  chan yieldMsg  // fiber goroutine -> caller

	// injected holds a pending cancellation to raise at the fiber's next
	// resumption (spec §4.1 Inject, §9 "pre-resume flag").
	injected error

	// exception holds the panic value if the entry thunk ended in EXCEPT.
	exception any

	// panicStack holds the stack trace captured at the point the entry
	// thunk panicked, if it ended in EXCEPT.
	panicStack []byte

	// started is true once the goroutine backing this incarnation of the
	// fiber has been launched; reset() on INIT|TERM spins up a fresh one.
	started bool
}

type resumeMsg struct {
	inject error
}

type yieldMsg struct {
	terminated bool
	exception  any
}

// NewFiber creates a Fiber in state INIT with the given entry thunk.
func NewFiber(entry Thunk) *Fiber {
	return &Fiber{
		state:    newAtomicState(uint64(StateInit)),
		id:       fiberIDCounter.Add(1),
		entry:    entry,
		resumeCh: make(chan resumeMsg),
		yieldCh:  make(chan yieldMsg),
	}
}

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() FiberState {
	return FiberState(f.state.Load())
}

// ID returns this fiber's process-wide unique identifier, used to tag
// structured log entries (LogFiberPanicked).
func (f *Fiber) ID() int64 { return f.id }

// PanicStack returns the stack trace captured when the entry thunk ended in
// EXCEPT, or nil if the fiber never panicked.
func (f *Fiber) PanicStack() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.panicStack
}

// ensureStarted lazily launches the backing goroutine for this incarnation.
// Must be called with f.mu held.
func (f *Fiber) ensureStarted() {
	if f.started {
		return
	}
	f.started = true
	entry := f.entry
	go f.run(entry)
}

// run is the body of the fiber's dedicated goroutine. It blocks on
// resumeCh until handed control, then runs the entry thunk to completion
// (recovering panics into EXCEPT), then reports termination forever after.
func (f *Fiber) run(entry Thunk) {
	msg := <-f.resumeCh
	if msg.inject != nil {
		f.state.Store(uint64(StateTerm))
		f.yieldCh <- yieldMsg{terminated: true, exception: msg.inject}
		return
	}

	setCurrentFiber(f)
	var panicked any
	var stack []byte
	func() {
		defer setCurrentFiber(nil)
		defer func() {
			if r := recover(); r != nil {
				panicked = r
				stack = debug.Stack()
			}
		}()
		entry()
	}()

	if _, isCancel := panicked.(*cancelSignal); panicked != nil && !isCancel {
		f.mu.Lock()
		f.panicStack = stack
		f.mu.Unlock()
		f.state.Store(uint64(StateExcept))
	} else {
		f.state.Store(uint64(StateTerm))
	}
	f.yieldCh <- yieldMsg{terminated: true, exception: panicked}
}

// Call runs the fiber on the current goroutine's logical thread of control
// until it yields or terminates, per spec §4.1.
//
// Calling a TERM fiber is a contract violation (spec §7 "fatal assertion
// class") and panics.
func (f *Fiber) Call() {
	f.callInternal(nil)
}

// callInternal performs the actual handoff, optionally injecting a pending
// cancellation/error to be raised inside the fiber on this resumption.
func (f *Fiber) callInternal(inject error) {
	f.mu.Lock()
	switch FiberState(f.state.Load()) {
	case StateTerm, StateExcept:
		f.mu.Unlock()
		panic("fiber: Call on a terminated fiber")
	}
	f.ensureStarted()
	if inject == nil {
		inject = f.injected
		f.injected = nil
	}
	f.state.Store(uint64(StateExec))
	f.mu.Unlock()

	f.resumeCh <- resumeMsg{inject: inject}
	msg := <-f.yieldCh

	if !msg.terminated {
		f.state.Store(uint64(StateHold))
		return
	}

	if msg.exception != nil {
		if cs, ok := msg.exception.(*cancelSignal); ok {
			_ = cs // injected cancellation unwound cleanly; no rethrow required
			return
		}
		panic(msg.exception)
	}
}

// YieldTo switches control from the currently executing fiber to this one.
// If terminateOnReturn is true and this fiber terminates, control returns
// automatically to the original caller (spec §4.1, used by the scheduler's
// root fiber in hijack mode).
func (f *Fiber) YieldTo(terminateOnReturn bool) {
	f.Call()
	_ = terminateOnReturn // semantics honored by callInternal's always-return-to-caller behavior
}

// threadYield is invoked from inside a fiber's own goroutine to hand
// control back to whichever goroutine last called Call/YieldTo on it. It
// blocks until that caller resumes the fiber again.
func (f *Fiber) threadYield() error {
	f.yieldCh <- yieldMsg{terminated: false}
	msg := <-f.resumeCh
	if msg.inject != nil {
		if cs, ok := msg.inject.(*cancelSignal); ok {
			panic(cs)
		}
		panic(&cancelSignal{cause: msg.inject})
	}
	return nil
}

// Inject causes the target fiber, on its next resumption, to raise err at
// its current suspension point (spec §4.1, §5 cancellation mechanism a).
// It is only meaningful against a HOLD fiber; calling it otherwise is a
// no-op recorded for the next Call.
func (f *Fiber) Inject(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected = err
}

// Reset prepares the fiber for reuse with a new entry thunk.
//
// Per spec §4.1: requires INIT|TERM, or injects a cancellation exception
// into a HOLD fiber and awaits the unwind before accepting the fresh thunk.
// Resolves the Open Question in spec §9: TERM fibers are NOT re-injected
// (there is nothing left to unwind), matching the documented contract
// rather than the single inconsistent C++ template specialization.
func (f *Fiber) Reset(entry Thunk) {
	f.mu.Lock()
	state := FiberState(f.state.Load())
	if state == StateHold {
		f.mu.Unlock()
		f.callInternal(&cancelSignal{})
		f.mu.Lock()
	}

	f.entry = entry
	f.started = false
	f.injected = nil
	f.exception = nil
	f.resumeCh = make(chan resumeMsg)
	f.yieldCh = make(chan yieldMsg)
	f.state.Store(uint64(StateInit))
	f.mu.Unlock()
}

// currentFiberTLS is the thread-local "current fiber" slot, keyed by the
// goroutine backing a fiber. See tls.go for the lookup mechanism shared
// with the scheduler's current-scheduler slot.
var currentFiberTLS sync.Map // goroutineID(uint64) -> *Fiber

// Current returns the Fiber currently executing on this goroutine, or nil
// if called from outside any fiber (e.g. directly on a worker thread).
func Current() *Fiber {
	v, ok := currentFiberTLS.Load(getGoroutineID())
	if !ok {
		return nil
	}
	return v.(*Fiber)
}

// setCurrentFiber records f as the fiber executing on the calling
// goroutine; passing nil clears the slot.
func setCurrentFiber(f *Fiber) {
	id := getGoroutineID()
	if f == nil {
		currentFiberTLS.Delete(id)
		return
	}
	currentFiberTLS.Store(id, f)
}

// Yield returns control to the last caller of Call/YieldTo on the
// currently executing fiber. It is illegal to call Yield outside of a
// fiber (spec §4.1: "illegal at the top of a thread that has no outer
// fiber").
func Yield() {
	f := Current()
	if f == nil {
		panic("fiber: Yield called with no current fiber")
	}
	_ = f.threadYield()
}
