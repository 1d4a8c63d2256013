package stack

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip"
)

func TestWaitContextWakeup(t *testing.T) {
	var mu sync.Mutex
	w := NewWaitContext(&mu)

	done := make(chan error, 1)
	go func() {
		mu.Lock()
		done <- w.Sleep()
		mu.Unlock()
	}()

	// Give the goroutine a chance to start sleeping before we wake it.
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	w.Wakeup()
	mu.Unlock()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Sleep() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Sleep did not return after Wakeup")
	}
}

func TestWaitContextInterrupt(t *testing.T) {
	var mu sync.Mutex
	w := NewWaitContext(&mu)

	done := make(chan error, 1)
	go func() {
		mu.Lock()
		done <- w.Sleep()
		mu.Unlock()
	}()

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	w.Interrupt()
	mu.Unlock()

	select {
	case err := <-done:
		if !errors.Is(err, tcpip.ErrInterrupted) {
			t.Errorf("Sleep() = %v, want ErrInterrupted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Sleep did not return after Interrupt")
	}

	mu.Lock()
	if err := w.Sleep(); !errors.Is(err, tcpip.ErrInterrupted) {
		t.Errorf("Sleep() after Interrupt = %v, want ErrInterrupted immediately", err)
	}
	mu.Unlock()
}

func TestWaitContextDestroyFailsWithWaiters(t *testing.T) {
	var mu sync.Mutex
	w := NewWaitContext(&mu)

	go func() {
		mu.Lock()
		w.Sleep()
		mu.Unlock()
	}()
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	if err := w.Destroy(); !errors.Is(err, tcpip.ErrResourceExhausted) {
		t.Errorf("Destroy() with a waiter = %v, want ErrResourceExhausted", err)
	}
	w.Interrupt()
	mu.Unlock()
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	if err := w.Destroy(); err != nil {
		t.Errorf("Destroy() after waiter drained = %v, want nil", err)
	}
	mu.Unlock()
}
