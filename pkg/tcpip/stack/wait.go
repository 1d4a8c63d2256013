package stack

import (
	"sync"

	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip"
)

// WaitContext is a condition-variable-like primitive associated with a
// single external mutex, keyed to one PCB. Sleep releases the mutex
// while blocked and reacquires it on wake; Wakeup wakes every waiter;
// Interrupt marks the context interrupted (Sleep then returns
// ErrInterrupted to every current and future waiter until Reset) and
// wakes everyone; Destroy fails while a waiter remains.
type WaitContext struct {
	mu          *sync.Mutex
	cond        *sync.Cond
	waiters     int
	interrupted bool
}

// NewWaitContext builds a WaitContext tied to mu, the same mutex the
// caller holds across Sleep.
func NewWaitContext(mu *sync.Mutex) *WaitContext {
	return &WaitContext{mu: mu, cond: sync.NewCond(mu)}
}

// Sleep releases mu, blocks until Wakeup or Interrupt, then reacquires
// mu before returning. The caller must hold mu. Returns
// ErrInterrupted if the context was interrupted while asleep (or
// already interrupted before the call).
func (w *WaitContext) Sleep() error {
	if w.interrupted {
		return tcpip.ErrInterrupted
	}
	w.waiters++
	w.cond.Wait()
	w.waiters--
	if w.interrupted {
		return tcpip.ErrInterrupted
	}
	return nil
}

// Wakeup wakes all current waiters without marking the context
// interrupted. The caller must hold mu.
func (w *WaitContext) Wakeup() {
	w.cond.Broadcast()
}

// Interrupt marks the context interrupted and wakes all waiters; every
// future Sleep call returns ErrInterrupted until Reset is called. The
// caller must hold mu.
func (w *WaitContext) Interrupt() {
	w.interrupted = true
	w.cond.Broadcast()
}

// Reset clears a prior Interrupt, allowing the context to be reused by
// a recycled PCB. The caller must hold mu.
func (w *WaitContext) Reset() {
	w.interrupted = false
}

// Destroy reports ErrResourceExhausted if any waiter remains; callers
// should Wakeup and retry via a deferred release rather than force a
// destroy with waiters present, matching the engine's PCB-release
// policy under §5.
func (w *WaitContext) Destroy() error {
	if w.waiters > 0 {
		return tcpip.ErrResourceExhausted
	}
	return nil
}

// Waiters reports the current number of blocked Sleep callers. The
// caller must hold mu.
func (w *WaitContext) Waiters() int { return w.waiters }
