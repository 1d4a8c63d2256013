package stack

import (
	"fmt"
	"sync"

	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/log"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip"
)

// Device flag bits, mirroring the klab tutorial's net_device flags.
const (
	DeviceUp = 1 << iota
	DeviceLoopback
	DeviceBroadcast
	DeviceP2P
	DeviceNeedARP
)

// Link protocol type numbers (EtherType values) this engine dispatches
// on.
const (
	ProtocolIPv4 = 0x0800
	ProtocolARP  = 0x0806
)

// DeviceOps is the small transmit/open/close vtable a concrete link
// driver (loopback, TAP) must provide. Out of scope beyond this
// contract per the engine's design: concrete drivers live under
// pkg/tcpip/link and are treated as external collaborators.
type DeviceOps interface {
	Open(d *Device) error
	Close(d *Device) error
	Transmit(d *Device, protocol uint16, payload []byte, dst tcpip.LinkAddress) error
}

// Device is a registered link device: an ops vtable plus the IPv4
// interface(s) attached to it. Devices are created during setup and
// never removed during a run.
type Device struct {
	Index       int
	Name        string
	MTU         int
	Flags       int
	LinkAddr    tcpip.LinkAddress
	Broadcast   tcpip.LinkAddress
	Ops         DeviceOps
	IPv4        *IPv4Interface // nil until ip_iface_register is called for this device
	private     interface{}    // driver-private state, opaque to the core
}

// IsUp reports whether the device's UP flag is set.
func (d *Device) IsUp() bool { return d.Flags&DeviceUp != 0 }

// NeedsARP reports whether output via this device must resolve the
// next-hop through ARP before transmission.
func (d *Device) NeedsARP() bool { return d.Flags&DeviceNeedARP != 0 }

// Private returns the driver-private state attached at registration.
func (d *Device) Private() interface{} { return d.private }

// IPv4Interface is the IPv4 family binding attached to a device.
type IPv4Interface struct {
	Device    *Device
	Unicast   tcpip.Address
	Netmask   tcpip.Mask
	Broadcast tcpip.Address
}

// NewIPv4Interface computes Broadcast as (unicast & netmask) | ^netmask,
// using the bitwise complement. The klab tutorial's ip_iface_alloc uses
// C's logical-NOT (!netmask) here, which collapses to 0 or 1 instead of
// flipping every bit; this engine uses the corrected bitwise form.
func NewIPv4Interface(dev *Device, unicast tcpip.Address, mask tcpip.Mask) *IPv4Interface {
	return &IPv4Interface{
		Device:    dev,
		Unicast:   unicast,
		Netmask:   mask,
		Broadcast: unicast.And(mask).Or(mask.Complement()),
	}
}

// DeviceRegistry holds the set of registered devices. Devices are
// appended only during setup, before the worker starts (per the
// engine's "registration lists written only during setup" policy).
type DeviceRegistry struct {
	mu      sync.Mutex // guards devices in Register and All
	devices []*Device
}

// Register assigns the next device index, calls the device's Open op,
// and appends it to the registry.
func (r *DeviceRegistry) Register(name string, mtu int, flags int, linkAddr, broadcast tcpip.LinkAddress, ops DeviceOps) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev := &Device{
		Index:     len(r.devices),
		Name:      name,
		MTU:       mtu,
		Flags:     flags | DeviceUp,
		LinkAddr:  linkAddr,
		Broadcast: broadcast,
		Ops:       ops,
	}
	if err := ops.Open(dev); err != nil {
		return nil, fmt.Errorf("device %s: open: %w", name, err)
	}
	r.devices = append(r.devices, dev)
	log.WithField("device", name).Infof("device registered: index=%d mtu=%d flags=%#x", dev.Index, mtu, dev.Flags)
	return dev, nil
}

// All returns every registered device, in registration order.
func (r *DeviceRegistry) All() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// ByName returns the device with the given name, or nil.
func (r *DeviceRegistry) ByName(name string) *Device {
	for _, d := range r.All() {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// Output transmits payload over dev with the given link protocol type
// and destination link address. It refuses to send when the device is
// down or the payload exceeds MTU.
func Output(dev *Device, protocol uint16, payload []byte, dst tcpip.LinkAddress) error {
	if !dev.IsUp() {
		return fmt.Errorf("device %s: %w", dev.Name, tcpip.ErrInvalidState)
	}
	if len(payload) > dev.MTU {
		return fmt.Errorf("device %s: %w", dev.Name, tcpip.ErrTooLong)
	}
	return dev.Ops.Transmit(dev, protocol, payload, dst)
}
