package stack

import (
	"sync"
	"time"
)

// TimerTick is the minimum wake interval of the timer thread, per the
// engine's "wakes at least every tick" design.
const TimerTick = 100 * time.Millisecond

// timerEntry is one (interval, callback) registration.
type timerEntry struct {
	interval time.Duration
	nextDue  time.Time
	callback func(now time.Time)
}

// TimerWheel dispatches periodic callbacks from a single timer
// goroutine. Callbacks run on that goroutine and must acquire their own
// locks; registration is expected to happen during setup, before Run
// starts, though Register itself is safe to call concurrently.
type TimerWheel struct {
	clock Clock

	mu      sync.Mutex
	entries []*timerEntry

	stop chan struct{}
	done chan struct{}
}

// NewTimerWheel constructs a TimerWheel driven by clock.
func NewTimerWheel(clock Clock) *TimerWheel {
	return &TimerWheel{
		clock: clock,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Register adds a periodic callback, due to first fire one interval
// from now.
func (w *TimerWheel) Register(interval time.Duration, callback func(now time.Time)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, &timerEntry{
		interval: interval,
		nextDue:  w.clock.Now().Add(interval),
		callback: callback,
	})
}

// Run wakes at least every TimerTick, invoking every entry whose due
// time has passed, then reschedules it to last-due + interval. It
// returns when Stop is called.
func (w *TimerWheel) Run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case now := <-w.clock.After(TimerTick):
			w.fire(now)
		}
	}
}

func (w *TimerWheel) fire(now time.Time) {
	w.mu.Lock()
	due := make([]*timerEntry, 0, len(w.entries))
	for _, e := range w.entries {
		if !now.Before(e.nextDue) {
			due = append(due, e)
			e.nextDue = e.nextDue.Add(e.interval)
		}
	}
	w.mu.Unlock()

	for _, e := range due {
		e.callback(now)
	}
}

// Stop halts Run and waits for it to return.
func (w *TimerWheel) Stop() {
	close(w.stop)
	<-w.done
}
