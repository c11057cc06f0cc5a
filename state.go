package fiber

import (
	"sync/atomic"
)

// FiberState represents the lifecycle state of a Fiber, per spec §3:
// INIT -> EXEC <-> HOLD -> TERM, with EXCEPT reachable from EXEC on an
// unhandled panic inside the entry thunk.
type FiberState uint64

const (
	// StateInit is the state of a freshly constructed (or Reset) Fiber,
	// before its entry thunk has ever run.
	StateInit FiberState = iota
	// StateExec is set while the fiber's goroutine is the one currently
	// executing on the calling OS thread.
	StateExec
	// StateHold is set while the fiber is suspended at a yield point.
	StateHold
	// StateTerm is set once the entry thunk has returned.
	StateTerm
	// StateExcept is set if the entry thunk panicked. Call rethrows the
	// panic to its caller; the state stays EXCEPT until Reset.
	StateExcept
)

// String returns a human-readable representation of the state.
func (s FiberState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateExec:
		return "EXEC"
	case StateHold:
		return "HOLD"
	case StateTerm:
		return "TERM"
	case StateExcept:
		return "EXCEPT"
	default:
		return "UNKNOWN"
	}
}

// SchedulerState represents the lifecycle state of a Scheduler.
//
// State Machine:
//
//	StateAwake      -> StateRunning     [Start / Dispatch]
//	StateRunning    -> StateStopping    [Stop / auto-stop]
//	StateStopping   -> StateStopped     [all workers joined]
//	StateStopped    -> (terminal)
//
// Every transition, including the one into the terminal state, uses CAS
// (TryTransition / TransitionAny).
type SchedulerState uint64

const (
	// StateAwake indicates the scheduler has been constructed but Start has
	// not yet been called (spec §3: "constructed in stopping=true").
	StateAwake SchedulerState = iota
	// StateRunning indicates worker threads are dispatching.
	StateRunning
	// StateStopping indicates Stop has been called; the queue is draining.
	StateStopping
	// StateStopped indicates all workers have joined and the scheduler is
	// fully shut down.
	StateStopped
)

func (s SchedulerState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// atomicState is a lock-free state machine with cache-line padding, shared
// by Fiber and Scheduler so both get the same CAS discipline.
//
// PERFORMANCE: pure atomic CAS, no mutex. Padding avoids false sharing
// between the state word and neighbouring hot fields.
type atomicState struct { // betteralign:ignore
	_ [64]byte      //nolint:unused
	v atomic.Uint64 //
	_ [56]byte      //nolint:unused
}

func newAtomicState(initial uint64) *atomicState {
	s := &atomicState{}
	s.v.Store(initial)
	return s
}

func (s *atomicState) Load() uint64 { return s.v.Load() }

func (s *atomicState) Store(v uint64) { s.v.Store(v) }

func (s *atomicState) TryTransition(from, to uint64) bool {
	return s.v.CompareAndSwap(from, to)
}

func (s *atomicState) TransitionAny(validFrom []uint64, to uint64) bool {
	for _, from := range validFrom {
		if s.v.CompareAndSwap(from, to) {
			return true
		}
	}
	return false
}
