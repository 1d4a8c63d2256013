// Package ipv4 implements header validation, routing and upward
// dispatch for IPv4 datagrams (RFC 791).
package ipv4

import (
	"fmt"
	"sync"

	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/log"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/header"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/network/arp"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/stack"
)

// Handler processes an inbound IP-protocol payload given its source and
// destination addresses.
type Handler func(src, dst tcpip.Address, payload []byte, dev *stack.Device)

// IPv4 ties the route table and ARP cache together behind input
// validation/dispatch and output/routing, one instance per Stack.
type IPv4 struct {
	routes *stack.RouteTable
	arp    *arp.Cache

	regMu    sync.Mutex
	handlers map[uint8]Handler

	idMu   sync.Mutex
	nextID uint16
}

// New constructs an IPv4 layer bound to st and registers its input
// handler for the IPv4 EtherType.
func New(st *stack.Stack, arpCache *arp.Cache) *IPv4 {
	ip := &IPv4{
		routes:   &st.Routes,
		arp:      arpCache,
		handlers: make(map[uint8]Handler),
	}
	if err := st.Dispatch.RegisterHandler(stack.ProtocolIPv4, ip.input); err != nil {
		log.Errorf("ipv4: %v", err)
	}
	return ip
}

// RegisterHandler binds an IP protocol number to an upward handler.
// Duplicate registrations are rejected.
func (ip *IPv4) RegisterHandler(protocol uint8, h Handler) error {
	ip.regMu.Lock()
	defer ip.regMu.Unlock()
	if _, exists := ip.handlers[protocol]; exists {
		return fmt.Errorf("ipv4: protocol %d already registered", protocol)
	}
	ip.handlers[protocol] = h
	return nil
}

// input validates an inbound IPv4 datagram, selects the receiving
// interface, checks the destination, and dispatches to the registered
// protocol handler.
func (ip *IPv4) input(dev *stack.Device, payload []byte) {
	if len(payload) < header.IPv4MinHeaderSize {
		log.Debugf("ipv4: short packet (%d bytes) from %s", len(payload), dev.Name)
		return
	}
	hdr := header.IPv4(payload)
	if hdr.Version() != header.IPv4Version {
		log.Debugf("ipv4: bad version %d from %s", hdr.Version(), dev.Name)
		return
	}
	if hdr.IHL() < header.IPv4MinHeaderSize || int(hdr.TotalLength()) < hdr.IHL() || int(hdr.TotalLength()) > len(payload) {
		log.Debugf("ipv4: bad lengths (ihl=%d total=%d have=%d) from %s", hdr.IHL(), hdr.TotalLength(), len(payload), dev.Name)
		return
	}
	if !header.IPv4(payload[:hdr.IHL()]).VerifyChecksum() {
		log.Debugf("ipv4: bad checksum from %s", dev.Name)
		return
	}
	if hdr.MoreFragments() || hdr.FragmentOffset() != 0 {
		log.Debugf("ipv4: fragmented datagram dropped (fragmentation out of scope)")
		return
	}

	iface := dev.IPv4
	if iface == nil {
		log.Debugf("ipv4: no interface on %s", dev.Name)
		return
	}
	dst := hdr.DestinationAddress()
	if dst != iface.Unicast && dst != iface.Broadcast && dst != tcpip.AddrBroadcast {
		log.Debugf("ipv4: datagram to %s not for us (%s)", dst, iface.Unicast)
		return
	}

	ip.regMu.Lock()
	h, ok := ip.handlers[hdr.Protocol()]
	ip.regMu.Unlock()
	if !ok {
		log.Debugf("ipv4: no handler for protocol %d", hdr.Protocol())
		return
	}
	h(hdr.SourceAddress(), dst, payload[hdr.IHL():hdr.TotalLength()], dev)
}

// nextIdentifier returns a process-wide, mutex-guarded monotonically
// increasing 16-bit IP identification value.
func (ip *IPv4) nextIdentifier() uint16 {
	ip.idMu.Lock()
	defer ip.idMu.Unlock()
	ip.nextID++
	return ip.nextID
}

// Output builds and emits an IPv4 datagram carrying payload for
// protocol, from src to dst. src == tcpip.AddrAny picks the outgoing
// interface's unicast. Checks run in the order SOURCE_REQUIRED,
// NO_ROUTE, BAD_SOURCE, TOO_LONG per §4.3. A destination whose link
// address is still resolving returns tcpip.ErrARPPending; callers on a
// retransmit path should retry later rather than treat it as fatal.
func (ip *IPv4) Output(protocol uint8, payload []byte, src, dst tcpip.Address) error {
	if src.IsAny() && dst.IsBroadcast() {
		return tcpip.ErrSourceRequired
	}

	route := ip.routes.Lookup(dst)
	if route == nil {
		return tcpip.ErrNoRoute
	}
	iface := route.Iface

	if !src.IsAny() && src != iface.Unicast {
		return tcpip.ErrBadSource
	}
	actualSrc := src
	if actualSrc.IsAny() {
		actualSrc = iface.Unicast
	}

	if len(payload)+header.IPv4MinHeaderSize > iface.Device.MTU {
		return tcpip.ErrTooLong
	}

	total := header.IPv4MinHeaderSize + len(payload)
	buf := make([]byte, total)
	header.EncodeIPv4(buf, header.IPv4Fields{
		TotalLen: uint16(total),
		ID:       ip.nextIdentifier(),
		TTL:      255,
		Protocol: protocol,
		SrcAddr:  actualSrc,
		DstAddr:  dst,
	})
	copy(buf[header.IPv4MinHeaderSize:], payload)

	nextHop := dst
	if !route.NextHop.IsAny() {
		nextHop = route.NextHop
	}

	var linkAddr tcpip.LinkAddress
	switch {
	case dst.IsBroadcast() || (!iface.Broadcast.IsAny() && dst == iface.Broadcast):
		linkAddr = tcpip.LinkBroadcast
	case iface.Device.NeedsARP():
		hw, found := ip.arp.Resolve(iface, nextHop, buf, iface.Device)
		if !found {
			return tcpip.ErrARPPending
		}
		linkAddr = hw
	default:
		linkAddr = tcpip.LinkAddress{}
	}

	return stack.Output(iface.Device, stack.ProtocolIPv4, buf, linkAddr)
}
