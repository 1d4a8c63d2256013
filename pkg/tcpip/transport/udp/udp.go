// Package udp implements per-port control blocks with receive queues,
// exposing the open/bind/close/sendto/recvfrom socket-like API (RFC
// 768).
package udp

import (
	"errors"
	"sync"

	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/log"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/header"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/network/ipv4"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/stack"
)

// pcbPoolSize is the fixed number of PCB slots.
const pcbPoolSize = 16

// ephemeralLow/High bound the port range sendto scans when a PCB has no
// bound port.
const (
	ephemeralLow  = 49152
	ephemeralHigh = 65535
)

type pcbState int

const (
	stateFree pcbState = iota
	stateOpen
	stateClosing
)

// datagram is one received (foreign endpoint, payload) FIFO entry.
type datagram struct {
	foreign tcpip.Endpoint
	payload []byte
}

type pcb struct {
	state pcbState
	local tcpip.Endpoint
	queue []datagram
	wait  *stack.WaitContext
}

// UDP is the module-level PCB pool, guarded by a single mutex per the
// engine's coarse-locking policy.
type UDP struct {
	mu   sync.Mutex
	pcbs [pcbPoolSize]*pcb

	ip     *ipv4.IPv4
	routes *stack.RouteTable
}

// New constructs a UDP module bound to st and ip, and registers its
// input handler for IP protocol 17.
func New(st *stack.Stack, ip *ipv4.IPv4) *UDP {
	u := &UDP{ip: ip, routes: &st.Routes}
	for i := range u.pcbs {
		u.pcbs[i] = &pcb{state: stateFree, wait: stack.NewWaitContext(&u.mu)}
	}
	if err := ip.RegisterHandler(header.ProtocolUDP, u.input); err != nil {
		log.Errorf("udp: %v", err)
	}
	return u
}

// Open allocates a PCB with an unbound local endpoint and returns its
// id. Fails with ErrResourceExhausted if the pool is full.
func (u *UDP) Open() (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, p := range u.pcbs {
		if p.state == stateFree {
			p.state = stateOpen
			p.local = tcpip.Endpoint{}
			p.queue = nil
			p.wait.Reset()
			return i, nil
		}
	}
	return 0, tcpip.ErrResourceExhausted
}

// Bind assigns local to the PCB identified by id. local.Port must be
// unique among OPEN PCBs; an ANY-addr PCB clashes with any PCB bound to
// the same port regardless of address.
func (u *UDP) Bind(id int, local tcpip.Endpoint) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	p, err := u.pcbLocked(id)
	if err != nil {
		return err
	}
	for i, other := range u.pcbs {
		if i == id || other.state == stateFree {
			continue
		}
		if other.local.Port == local.Port && (other.local.Addr.IsAny() || local.Addr.IsAny() || other.local.Addr == local.Addr) {
			return tcpip.ErrPortInUse
		}
	}
	p.local = local
	return nil
}

// Close releases the PCB. If waiters remain blocked in RecvFrom, the
// PCB transitions to CLOSING and the release is deferred to the last
// waking waiter.
func (u *UDP) Close(id int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	p, err := u.pcbLocked(id)
	if err != nil {
		return err
	}
	if p.wait.Waiters() > 0 {
		p.state = stateClosing
		p.wait.Wakeup()
		return nil
	}
	u.releaseLocked(p)
	return nil
}

func (u *UDP) releaseLocked(p *pcb) {
	p.state = stateFree
	p.local = tcpip.Endpoint{}
	p.queue = nil
}

func (u *UDP) pcbLocked(id int) (*pcb, error) {
	if id < 0 || id >= pcbPoolSize || u.pcbs[id].state == stateFree {
		return nil, tcpip.ErrPCBNotFound
	}
	return u.pcbs[id], nil
}

// SendTo transmits payload to foreign. If the PCB has no bound port, an
// ephemeral port is assigned by scanning the ephemeral range. If the
// PCB's local address is ANY, the outgoing interface is chosen by
// routing to foreign and its unicast is used as the source.
func (u *UDP) SendTo(id int, payload []byte, foreign tcpip.Endpoint) error {
	u.mu.Lock()
	p, err := u.pcbLocked(id)
	if err != nil {
		u.mu.Unlock()
		return err
	}
	if p.local.Port == 0 {
		port, err := u.allocateEphemeralLocked()
		if err != nil {
			u.mu.Unlock()
			return err
		}
		p.local.Port = port
	}
	src := p.local.Addr
	u.mu.Unlock()

	total := header.UDPHeaderSize + len(payload)
	buf := make([]byte, total)
	route := u.routes.Lookup(foreign.Addr)
	if route == nil {
		return tcpip.ErrNoRoute
	}
	if src.IsAny() {
		src = route.Iface.Unicast
	}
	pseudoSum := tcpip.PseudoHeaderSum(src, foreign.Addr, header.ProtocolUDP, uint16(total))
	header.EncodeUDP(buf, p.local.Port, foreign.Port, payload, pseudoSum)
	if err := u.ip.Output(header.ProtocolUDP, buf, src, foreign.Addr); err != nil && !errors.Is(err, tcpip.ErrARPPending) {
		return err
	}
	return nil
}

func (u *UDP) allocateEphemeralLocked() (uint16, error) {
	for port := ephemeralLow; port <= ephemeralHigh; port++ {
		inUse := false
		for _, p := range u.pcbs {
			if p.state != stateFree && p.local.Port == uint16(port) {
				inUse = true
				break
			}
		}
		if !inUse {
			return uint16(port), nil
		}
	}
	return 0, tcpip.ErrResourceExhausted
}

// RecvFrom blocks while the PCB's receive FIFO is empty, then pops one
// entry, copies up to len(buf) bytes into buf, and returns the copied
// length and the sender endpoint.
func (u *UDP) RecvFrom(id int, buf []byte) (int, tcpip.Endpoint, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	p, err := u.pcbLocked(id)
	if err != nil {
		return 0, tcpip.Endpoint{}, err
	}

	for len(p.queue) == 0 {
		if p.state == stateClosing {
			if p.wait.Waiters() == 0 {
				u.releaseLocked(p)
			}
			return 0, tcpip.Endpoint{}, tcpip.ErrInvalidState
		}
		if err := p.wait.Sleep(); err != nil {
			return 0, tcpip.Endpoint{}, err
		}
		if p.state == stateFree {
			return 0, tcpip.Endpoint{}, tcpip.ErrPCBNotFound
		}
	}

	d := p.queue[0]
	p.queue = p.queue[1:]
	n := copy(buf, d.payload)
	if p.state == stateClosing && len(p.queue) == 0 && p.wait.Waiters() == 0 {
		u.releaseLocked(p)
	}
	return n, d.foreign, nil
}

// input verifies length and checksum, rejects broadcast sources and
// destinations, selects a PCB by (dst addr, dst port) with ANY-addr
// PCBs matching any local address, and enqueues a copy of the
// datagram.
func (u *UDP) input(src, dst tcpip.Address, payload []byte, dev *stack.Device) {
	if len(payload) < header.UDPHeaderSize {
		log.Debugf("udp: short segment (%d bytes) from %s", len(payload), src)
		return
	}
	seg := header.UDP(payload)
	if int(seg.Length()) > len(payload) {
		log.Debugf("udp: bad length field from %s", src)
		return
	}
	pseudoSum := tcpip.PseudoHeaderSum(src, dst, header.ProtocolUDP, seg.Length())
	if !seg.VerifyChecksum(pseudoSum) {
		log.Debugf("udp: bad checksum from %s", src)
		return
	}
	if src.IsBroadcast() || dst.IsBroadcast() {
		log.Debugf("udp: dropping broadcast datagram from %s to %s", src, dst)
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	for _, p := range u.pcbs {
		if p.state != stateOpen {
			continue
		}
		if p.local.Port != seg.DestinationPort() {
			continue
		}
		if !p.local.Addr.IsAny() && p.local.Addr != dst {
			continue
		}
		cp := make([]byte, len(seg.Payload()))
		copy(cp, seg.Payload())
		p.queue = append(p.queue, datagram{foreign: tcpip.Endpoint{Addr: src, Port: seg.SourcePort()}, payload: cp})
		p.wait.Wakeup()
		return
	}
	log.Debugf("udp: no listener on port %d", seg.DestinationPort())
}
