// Package tap implements a Linux TAP link device: a raw Ethernet frame
// read/write loop against /dev/net/tun, brought up administratively via
// netlink. Out of scope beyond the transmit/receive interface per the
// engine's design — concrete link drivers are external collaborators.
package tap

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/log"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/stack"
)

// ethernetHeaderSize is the fixed Ethernet II header size (dst, src,
// ethertype), matching the klab tutorial's ether_hdr.
const ethernetHeaderSize = 14

// ifReq mirrors the kernel's struct ifreq layout needed for TUNSETIFF.
type ifReq struct {
	Name  [unix.IFNAMSIZ]byte
	Flags uint16
	pad   [22]byte
}

// TAP is a DeviceOps implementation backed by a Linux TAP interface.
type TAP struct {
	dispatch *stack.Dispatcher

	mu   sync.Mutex
	file *os.File
}

// New constructs a TAP driver that pushes received frames onto
// dispatch.
func New(dispatch *stack.Dispatcher) *TAP {
	return &TAP{dispatch: dispatch}
}

// Open creates the TAP interface named d.Name via TUNSETIFF, brings it
// up and sets its MTU via netlink, and starts the background receive
// loop.
func (t *TAP) Open(d *stack.Device) error {
	file, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("tap: open /dev/net/tun: %w", err)
	}

	var req ifReq
	copy(req.Name[:], d.Name)
	req.Flags = unix.IFF_TAP | unix.IFF_NO_PI
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, file.Fd(), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		file.Close()
		return fmt.Errorf("tap: TUNSETIFF %s: %w", d.Name, errno)
	}

	link, err := netlink.LinkByName(d.Name)
	if err != nil {
		file.Close()
		return fmt.Errorf("tap: LinkByName %s: %w", d.Name, err)
	}
	if err := netlink.LinkSetMTU(link, d.MTU); err != nil {
		file.Close()
		return fmt.Errorf("tap: LinkSetMTU %s: %w", d.Name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		file.Close()
		return fmt.Errorf("tap: LinkSetUp %s: %w", d.Name, err)
	}

	t.mu.Lock()
	t.file = file
	t.mu.Unlock()

	go t.receiveLoop(d)
	return nil
}

// Close closes the underlying file descriptor, ending the receive loop.
func (t *TAP) Close(d *stack.Device) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

// Transmit wraps payload in an Ethernet II header and writes the frame
// to the TAP file descriptor.
func (t *TAP) Transmit(d *stack.Device, protocol uint16, payload []byte, dst tcpip.LinkAddress) error {
	t.mu.Lock()
	file := t.file
	t.mu.Unlock()
	if file == nil {
		return fmt.Errorf("tap: %s: not open", d.Name)
	}

	frame := make([]byte, ethernetHeaderSize+len(payload))
	copy(frame[0:6], dst[:])
	copy(frame[6:12], d.LinkAddr[:])
	frame[12] = byte(protocol >> 8)
	frame[13] = byte(protocol)
	copy(frame[ethernetHeaderSize:], payload)

	if _, err := file.Write(frame); err != nil {
		return fmt.Errorf("tap: %s: write: %w", d.Name, err)
	}
	return nil
}

// receiveLoop reads raw Ethernet frames, strips the header, and pushes
// (ethertype, payload) onto the dispatcher until the file descriptor is
// closed.
func (t *TAP) receiveLoop(d *stack.Device) {
	buf := make([]byte, ethernetHeaderSize+d.MTU)
	for {
		t.mu.Lock()
		file := t.file
		t.mu.Unlock()
		if file == nil {
			return
		}

		n, err := file.Read(buf)
		if err != nil {
			log.Debugf("tap: %s: receive loop stopping: %v", d.Name, err)
			return
		}
		if n < ethernetHeaderSize {
			continue
		}
		ethertype := uint16(buf[12])<<8 | uint16(buf[13])
		payload := make([]byte, n-ethernetHeaderSize)
		copy(payload, buf[ethernetHeaderSize:n])
		t.dispatch.Input(d, ethertype, payload)
	}
}
