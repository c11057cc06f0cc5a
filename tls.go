package fiber

import (
	"runtime"
	"sync"
)

// getGoroutineID returns the current goroutine's runtime id, parsed from
// its stack trace header. This is the same technique the teacher package
// used to detect its single loop goroutine (loop.go's getGoroutineID); here
// it is the key for the per-"thread" scheduler/fiber slots described in
// spec §3 ThreadLocal, since Go exposes no native TLS.
//
// Stable for as long as the goroutine is alive, whichever OS thread runs
// it; scheduler workers are not runtime.LockOSThread()-pinned, and a worker
// goroutine keeps a single id for its entire dispatch loop.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// currentSchedulerTLS is the thread-local "current scheduler" slot, keyed
// by goroutine id of the worker goroutine currently inside a dispatch loop
// iteration.
var currentSchedulerTLS sync.Map // goroutineID(uint64) -> *Scheduler

// CurrentScheduler returns the Scheduler whose worker loop is running on
// the calling goroutine, or nil outside of any scheduler worker.
func CurrentScheduler() *Scheduler {
	v, ok := currentSchedulerTLS.Load(getGoroutineID())
	if !ok {
		return nil
	}
	return v.(*Scheduler)
}

func setCurrentScheduler(s *Scheduler) {
	id := getGoroutineID()
	if s == nil {
		currentSchedulerTLS.Delete(id)
		return
	}
	currentSchedulerTLS.Store(id, s)
}
