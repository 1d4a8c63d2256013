package stack

import (
	"fmt"
	"sync"

	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/log"
)

// LinkHandler processes an inbound frame payload for one link protocol
// type (ARP, IPv4, ...), given the device it arrived on.
type LinkHandler func(dev *Device, payload []byte)

// linkInputEntry is one (device, protocol, bytes) tuple queued by a
// driver's receive path for the worker to drain.
type linkInputEntry struct {
	dev      *Device
	protocol uint16
	payload  []byte
}

// Dispatcher maps link protocol types to input handlers and serializes
// their execution on a single worker goroutine draining a FIFO queue,
// matching the engine's soft-IRQ design: driver threads push, the
// worker drains and invokes handlers one at a time.
type Dispatcher struct {
	regMu    sync.Mutex // guards handlers; write-once before Run, per design note
	handlers map[uint16]LinkHandler

	qMu   sync.Mutex
	qCond *sync.Cond
	queue []linkInputEntry

	closed bool
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{handlers: make(map[uint16]LinkHandler)}
	d.qCond = sync.NewCond(&d.qMu)
	return d
}

// RegisterHandler binds a link protocol type to an input handler.
// Duplicate registrations are rejected.
func (d *Dispatcher) RegisterHandler(protocol uint16, h LinkHandler) error {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	if _, exists := d.handlers[protocol]; exists {
		return fmt.Errorf("protocol 0x%04x: already registered", protocol)
	}
	d.handlers[protocol] = h
	return nil
}

// Input is called by a driver's receive path for every frame received.
// It copies payload into a freshly allocated entry, pushes it onto the
// link-input queue, and signals the worker.
func (d *Dispatcher) Input(dev *Device, protocol uint16, payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)

	d.qMu.Lock()
	d.queue = append(d.queue, linkInputEntry{dev: dev, protocol: protocol, payload: cp})
	d.qMu.Unlock()
	d.qCond.Signal()
}

// Run drains the link-input queue until Close is called, invoking the
// registered handler for each entry's protocol type serially. Unknown
// protocol types are dropped silently, per the engine's failure
// semantics. Run is meant to be the engine's single worker goroutine.
func (d *Dispatcher) Run() {
	for {
		d.qMu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.qCond.Wait()
		}
		if d.closed && len(d.queue) == 0 {
			d.qMu.Unlock()
			return
		}
		entry := d.queue[0]
		d.queue = d.queue[1:]
		d.qMu.Unlock()

		d.regMu.Lock()
		h, ok := d.handlers[entry.protocol]
		d.regMu.Unlock()
		if !ok {
			log.Debugf("dispatch: dropping frame with unknown protocol 0x%04x from %s", entry.protocol, entry.dev.Name)
			continue
		}
		h(entry.dev, entry.payload)
	}
}

// Close unblocks a blocked Run, causing it to drain any remaining
// queued entries and return.
func (d *Dispatcher) Close() {
	d.qMu.Lock()
	d.closed = true
	d.qMu.Unlock()
	d.qCond.Broadcast()
}
