package fiber

import "time"

// timerBackend is a schedulerBackend that layers a TimerManager on top of
// plainBackend's wake/stop channels: idle workers wait for either a
// tickle/stop or the earliest pending timer deadline, whichever comes
// first, then fire any expired timers' thunks back onto the scheduler's
// own queue. Installed via WithTimers.
type timerBackend struct {
	*plainBackend
	sched *Scheduler
	tm    *TimerManager
}

// WithTimers attaches tm to the scheduler being constructed: its idle
// workers will wake for expired timers as well as ordinary tickles, and
// TimerManager.SetOnTimerInsertedAtFront is wired to tickle a worker
// immediately when a new earliest deadline is registered.
func WithTimers(tm *TimerManager) Option {
	return func(s *Scheduler) {
		tb := &timerBackend{plainBackend: newPlainBackend(), sched: s, tm: tm}
		tm.SetOnTimerInsertedAtFront(tb.tickle)
		tm.SetLogger(s.logger, s.id)
		s.backend = tb
	}
}

func (b *timerBackend) canStopNow() bool { return b.tm.Len() == 0 }

func (b *timerBackend) idleEntry(s *Scheduler, _ uint64) Thunk {
	return func() {
		timeout, ok := b.tm.NextTimeout()
		var timerC <-chan time.Time
		if ok {
			tm := time.NewTimer(timeout)
			defer tm.Stop()
			timerC = tm.C
		}
		select {
		case <-b.wakeCh:
		case <-b.stopCh:
		case <-timerC:
		}
		for _, thunk := range b.tm.CollectExpired() {
			s.Schedule(thunk)
		}
	}
}
