// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package fiber implements a cooperative M:N fiber scheduler with
// event-driven I/O integration: a fixed pool of worker goroutines
// cooperatively runs many more logical fibers than there are workers,
// switching between them only at explicit yield points.
//
// # Architecture
//
// A [Fiber] is a user-mode execution context; [Scheduler] is the pool of
// workers that runs them. Each worker drains a shared FIFO of [Runnable]s
// (a fiber to resume, or a thunk to run on the worker's reusable thunk
// fiber, which is reset before each thunk), falling back
// to an idle fiber supplied by whichever I/O model is attached when there
// is nothing queued. [TimerManager] adds deadline-driven scheduling on top
// of the same Fiber/Scheduler primitives.
//
// # Platform Support
//
// I/O readiness is implemented using platform-native mechanisms:
//   - Linux: epoll
//   - macOS: kqueue
//   - Windows: IOCP (I/O Completion Ports), via a completion-model
//     IOManager with bounded wait-block groups instead of readiness
//     polling
//
// # Thread Safety
//
// [Scheduler.Schedule] and its variants are safe to call from any
// goroutine, including from inside a fiber running on a different
// scheduler. [Fiber.Call] must only be invoked by the one goroutine
// currently holding the fiber (the scheduler's own dispatch loop, in
// normal use); concurrent calls on the same Fiber are a contract
// violation.
//
// # Error Types
//
// The package distinguishes two error categories (see errors.go,
// errors_os.go):
//   - Contract violations (wrong-thread scheduling, calling a terminated
//     fiber): always panics, never returned as an error.
//   - OS errors from syscalls: returned as a typed [OSError].
package fiber
