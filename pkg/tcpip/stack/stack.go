// Package stack assembles the engine's net core: the device registry,
// link-input dispatch, timer wheel, event bus and route table, plus the
// Stack type that threads all of it explicitly to the layers above
// (ARP, IPv4, ICMP, UDP, TCP) instead of relying on package globals.
package stack

import (
	"context"
	"fmt"

	"github.com/google/btree"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/log"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip"
)

// Stack is the engine context constructed once by New and passed
// explicitly to every component that needs it, per the design note
// against true process globals.
type Stack struct {
	ID uuid.UUID

	Devices    DeviceRegistry
	Dispatch   *Dispatcher
	Timers     *TimerWheel
	Events     EventBus
	Routes     RouteTable
	Clock      Clock

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New constructs an idle Stack. Call Run to start its worker and timer
// goroutines.
func New(clock Clock) *Stack {
	if clock == nil {
		clock = RealClock
	}
	s := &Stack{
		ID:       uuid.New(),
		Dispatch: NewDispatcher(),
		Timers:   NewTimerWheel(clock),
		Clock:    clock,
	}
	s.Routes.tree = btree.New(8)
	return s
}

// Run starts the worker goroutine (draining link input) and the timer
// goroutine, supervised by an errgroup so a panic or early return in
// either is observed by the caller. It blocks until ctx is canceled or
// Shutdown is called, then stops both goroutines and returns.
func (s *Stack) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, ctx := errgroup.WithContext(ctx)
	s.group = g

	log.WithField("stack", s.ID).Infof("engine starting")

	g.Go(func() error {
		s.Dispatch.Run()
		return nil
	})
	g.Go(func() error {
		s.Timers.Run()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.Dispatch.Close()
		s.Timers.Stop()
		return nil
	})

	err := g.Wait()
	log.WithField("stack", s.ID).Infof("engine stopped")
	return err
}

// Shutdown broadcasts on the event bus, interrupting every blocked PCB
// wait context, then cancels Run's context so that Run stops the worker
// and timer goroutines and returns. Shutdown itself does not wait for
// Run to return.
func (s *Stack) Shutdown() {
	s.Events.Raise()
	if s.cancel != nil {
		s.cancel()
	}
}

// RegisterDevice registers a new link device and opens it.
func (s *Stack) RegisterDevice(name string, mtu int, flags int, linkAddr, broadcast tcpip.LinkAddress, ops DeviceOps) (*Device, error) {
	dev, err := s.Devices.Register(name, mtu, flags, linkAddr, broadcast, ops)
	if err != nil {
		return nil, fmt.Errorf("stack: %w", err)
	}
	return dev, nil
}

// Interfaces returns the attached IPv4 interface of every device that
// has one, in registration order; devices with no interface attached
// are skipped.
func (s *Stack) Interfaces() []*IPv4Interface {
	var out []*IPv4Interface
	for _, d := range s.Devices.All() {
		if d.IPv4 != nil {
			out = append(out, d.IPv4)
		}
	}
	return out
}
