// Package loopback implements the loopback link device: transmit
// immediately requeues the frame on the device's own receive path, with
// no actual I/O. Out of scope beyond this small transmit/receive
// interface per the engine's design — loopback is an external
// collaborator, not part of the core.
package loopback

import (
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/stack"
)

// MTU is the loopback device's MTU, matching the klab tutorial's
// LOOPBACK_MTU constant (65535, effectively unbounded for in-process
// traffic).
const MTU = 65535

// Loopback is a DeviceOps implementation with no underlying I/O.
type Loopback struct {
	dispatch *stack.Dispatcher
}

// Register creates and registers a loopback device named "lo" on st.
func Register(st *stack.Stack) (*stack.Device, error) {
	l := &Loopback{dispatch: st.Dispatch}
	return st.RegisterDevice("lo", MTU, stack.DeviceLoopback, tcpip.LinkAddress{}, tcpip.LinkAddress{}, l)
}

// Open is a no-op; there is no underlying file descriptor to acquire.
func (l *Loopback) Open(d *stack.Device) error { return nil }

// Close is a no-op.
func (l *Loopback) Close(d *stack.Device) error { return nil }

// Transmit hands the frame straight back to the dispatcher as if it had
// been received, without ever leaving the process.
func (l *Loopback) Transmit(d *stack.Device, protocol uint16, payload []byte, dst tcpip.LinkAddress) error {
	l.dispatch.Input(d, protocol, payload)
	return nil
}
