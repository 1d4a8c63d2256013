// Package arp resolves IPv4 addresses to link addresses, caching
// entries with a freshness interval and holding at most one pending
// outgoing datagram per incomplete entry, per RFC 826.
package arp

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/log"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/header"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/stack"
)

// State is an ARP cache entry's lifecycle state.
type State int

const (
	StateFree State = iota
	StateIncomplete
	StateResolved
)

// cacheSize is the fixed ARP table size; the table is evicted LRU when
// full, per the engine's pool-allocation policy.
const cacheSize = 16

// agingThreshold is how long a RESOLVED entry may go unrefreshed before
// the aging timer invalidates it.
const agingThreshold = 30 * time.Second

// requestRateLimit bounds how often a single incomplete entry may emit
// a duplicate ARP request while waiting on a reply, so a fast sender
// retrying output doesn't flood broadcast requests.
const requestRateLimit = 1 // per second

// pendingPacket is the one outgoing IP datagram an INCOMPLETE entry may
// hold, consumed exclusively on transition to RESOLVED.
type pendingPacket struct {
	payload []byte
	dev     *stack.Device
}

type entry struct {
	state      State
	protoAddr  tcpip.Address
	hwAddr     tcpip.LinkAddress
	iface      *stack.IPv4Interface
	lastUpdate time.Time
	pending    *pendingPacket
	limiter    *rate.Limiter
}

// Cache is the engine's ARP table plus its input handler and aging
// timer, bound to one Stack.
type Cache struct {
	mu      sync.Mutex
	entries [cacheSize]*entry
	clock   stack.Clock
}

// New constructs a Cache, registers its input handler for the ARP
// EtherType, and registers its aging callback on the timer wheel. Call
// during setup, before the worker starts.
func New(st *stack.Stack) *Cache {
	c := &Cache{clock: st.Clock}
	if err := st.Dispatch.RegisterHandler(stack.ProtocolARP, c.input); err != nil {
		log.Errorf("arp: %v", err)
	}
	st.Timers.Register(agingThreshold, func(now time.Time) { c.age(now) })
	return c
}

// Resolve looks up target's link address for iface. If RESOLVED, it
// returns the address immediately. If INCOMPLETE or newly allocated, it
// stores pending (overwriting any previous pending datagram for that
// entry — only one is kept per §3) to be flushed once resolved, sends
// an ARP request (rate-limited), and returns found=false.
func (c *Cache) Resolve(iface *stack.IPv4Interface, target tcpip.Address, pending []byte, dev *stack.Device) (tcpip.LinkAddress, bool) {
	c.mu.Lock()
	e := c.lookupLocked(iface, target)
	if e == nil {
		e = c.allocateLocked(iface, target)
	}

	switch e.state {
	case StateResolved:
		hw := e.hwAddr
		c.mu.Unlock()
		return hw, true
	default:
		e.pending = &pendingPacket{payload: pending, dev: dev}
		allow := e.limiter.Allow()
		c.mu.Unlock()
		if allow {
			c.sendRequest(iface, target)
		}
		return tcpip.LinkAddress{}, false
	}
}

func (c *Cache) lookupLocked(iface *stack.IPv4Interface, addr tcpip.Address) *entry {
	for _, e := range c.entries {
		if e != nil && e.state != StateFree && e.iface == iface && e.protoAddr == addr {
			return e
		}
	}
	return nil
}

// allocateLocked finds a FREE slot, or evicts the least-recently-
// updated entry if the table is full, and marks it INCOMPLETE.
func (c *Cache) allocateLocked(iface *stack.IPv4Interface, addr tcpip.Address) *entry {
	var victim int = -1
	for i, e := range c.entries {
		if e == nil || e.state == StateFree {
			victim = i
			break
		}
		if victim == -1 || e.lastUpdate.Before(c.entries[victim].lastUpdate) {
			victim = i
		}
	}
	e := &entry{
		state:      StateIncomplete,
		protoAddr:  addr,
		iface:      iface,
		lastUpdate: c.clock.Now(),
		limiter:    rate.NewLimiter(rate.Limit(requestRateLimit), 1),
	}
	c.entries[victim] = e
	return e
}

func (c *Cache) sendRequest(iface *stack.IPv4Interface, target tcpip.Address) {
	buf := make([]byte, header.ARPPacketSize)
	header.EncodeARP(buf, header.ARPOpRequest, iface.Device.LinkAddr, iface.Unicast, tcpip.LinkAddress{}, target)
	if err := stack.Output(iface.Device, stack.ProtocolARP, buf, tcpip.LinkBroadcast); err != nil {
		log.Debugf("arp: request for %s: %v", target, err)
	}
}

// input handles an inbound ARP frame: REQUEST packets addressed to one
// of our unicasts get a unicast REPLY; REPLY packets update or insert
// the cache entry, transition it to RESOLVED, and flush any pending
// datagram.
func (c *Cache) input(dev *stack.Device, payload []byte) {
	pkt := header.ARP(payload)
	if !pkt.Valid() {
		log.WithField("device", dev.Name).Debugf("arp: malformed packet")
		return
	}
	if dev.IPv4 == nil {
		return
	}

	sender := pkt.SenderProtocolAddress()
	senderHW := pkt.SenderHardwareAddress()

	switch pkt.Operation() {
	case header.ARPOpRequest:
		c.merge(dev.IPv4, sender, senderHW)
		if pkt.TargetProtocolAddress() == dev.IPv4.Unicast {
			reply := make([]byte, header.ARPPacketSize)
			header.EncodeARP(reply, header.ARPOpReply, dev.LinkAddr, dev.IPv4.Unicast, senderHW, sender)
			if err := stack.Output(dev, stack.ProtocolARP, reply, senderHW); err != nil {
				log.Debugf("arp: reply to %s: %v", sender, err)
			}
		}
	case header.ARPOpReply:
		c.merge(dev.IPv4, sender, senderHW)
	default:
		log.Debugf("arp: unknown operation %d from %s", pkt.Operation(), dev.Name)
	}
}

// merge updates or inserts the (iface, addr) entry, transitions it to
// RESOLVED, and flushes any pending datagram — used by both REQUEST
// (which carries the sender's mapping) and REPLY.
func (c *Cache) merge(iface *stack.IPv4Interface, addr tcpip.Address, hw tcpip.LinkAddress) {
	c.mu.Lock()
	e := c.lookupLocked(iface, addr)
	if e == nil {
		e = c.allocateLocked(iface, addr)
	}
	e.hwAddr = hw
	e.state = StateResolved
	e.lastUpdate = c.clock.Now()
	pending := e.pending
	e.pending = nil
	c.mu.Unlock()

	if pending != nil {
		if err := stack.Output(pending.dev, stack.ProtocolIPv4, pending.payload, hw); err != nil {
			log.Debugf("arp: flush pending to %s: %v", addr, err)
		}
	}
}

// age invalidates entries whose last update is older than
// agingThreshold.
func (c *Cache) age(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e != nil && e.state != StateFree && now.Sub(e.lastUpdate) > agingThreshold {
			e.state = StateFree
			e.pending = nil
		}
	}
}

// EntrySnapshot is a read-only copy of one cache entry, as returned by
// Dump.
type EntrySnapshot struct {
	State      State
	ProtoAddr  tcpip.Address
	HWAddr     tcpip.LinkAddress
	LastUpdate time.Time
}

// Dump returns a snapshot of every non-FREE entry.
func (c *Cache) Dump() []EntrySnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []EntrySnapshot
	for _, e := range c.entries {
		if e != nil && e.state != StateFree {
			out = append(out, EntrySnapshot{State: e.state, ProtoAddr: e.protoAddr, HWAddr: e.hwAddr, LastUpdate: e.lastUpdate})
		}
	}
	return out
}
