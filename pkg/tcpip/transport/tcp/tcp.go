// Package tcp implements the RFC 793 state machine: per-connection
// control blocks, segment-arrival processing, a retransmission queue
// with exponential backoff, and the blocking open/send/receive/close
// user commands.
package tcp

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/log"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/header"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/network/ipv4"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/stack"
)

// State is a PCB's RFC 793 state.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN-SENT"
	case StateSynReceived:
		return "SYN-RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN-WAIT-1"
	case StateFinWait2:
		return "FIN-WAIT-2"
	case StateClosing:
		return "CLOSING"
	case StateTimeWait:
		return "TIME-WAIT"
	case StateCloseWait:
		return "CLOSE-WAIT"
	case StateLastAck:
		return "LAST-ACK"
	default:
		return "UNKNOWN"
	}
}

const (
	pcbPoolSize = 16
	rcvBufSize  = 65535

	initialRTO         = 200 * time.Millisecond
	retransmitDeadline = 12 * time.Second
	retransmitTick     = 100 * time.Millisecond

	ephemeralLow  = 49152
	ephemeralHigh = 65535
)

// rtxEntry is one unacknowledged outgoing segment, per §3's
// retransmission-queue fields.
type rtxEntry struct {
	seq     uint32
	segLen  uint32
	segment []byte
	firstTx time.Time
	lastTx  time.Time
	rto     time.Duration
	boff    *backoff.ExponentialBackOff
}

func newRtxEntry(seq uint32, segLen uint32, segment []byte, now time.Time) *rtxEntry {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initialRTO,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Hour,
		MaxElapsedTime:      time.Hour,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return &rtxEntry{seq: seq, segLen: segLen, segment: segment, firstTx: now, lastTx: now, rto: b.NextBackOff(), boff: b}
}

// pcb is one TCP control block.
type pcb struct {
	id    int
	state State
	local tcpip.Endpoint
	// foreign.IsAny() while state == StateListen (wildcard-foreign LISTEN
	// is the only LISTEN mode this engine recognizes, per the retained
	// Open Question decision).
	foreign tcpip.Endpoint
	dev     *stack.Device

	sndUNA uint32
	sndNXT uint32
	sndWND uint16
	sndWL1 uint32
	sndWL2 uint32
	iss    uint32

	rcvNXT uint32
	rcvWND uint16
	irs    uint32

	mss int

	rcvBuf [rcvBufSize]byte
	rcvLen int

	rtxQueue []*rtxEntry

	wait *stack.WaitContext
}

func (p *pcb) reset() {
	p.state = StateClosed
	p.local = tcpip.Endpoint{}
	p.foreign = tcpip.Endpoint{}
	p.dev = nil
	p.sndUNA, p.sndNXT, p.sndWND, p.sndWL1, p.sndWL2, p.iss = 0, 0, 0, 0, 0, 0
	p.rcvNXT, p.rcvWND, p.irs = 0, rcvBufSize, 0
	p.mss = 0
	p.rcvLen = 0
	p.rtxQueue = nil
	p.wait.Reset()
}

// TCP is the module-level PCB pool plus its segment-arrival handler and
// retransmission timer, guarded by a single mutex per the engine's
// coarse-locking policy: the same mutex protects the PCB table and
// every PCB's state and queues.
type TCP struct {
	mu   sync.Mutex
	pcbs [pcbPoolSize]*pcb

	ip     *ipv4.IPv4
	routes *stack.RouteTable
	clock  stack.Clock
}

// New constructs a TCP module bound to st and ip: registers its input
// handler for IP protocol 6, a 100ms retransmission timer, and an
// event-bus subscriber that interrupts every PCB's wait context on
// shutdown.
func New(st *stack.Stack, ip *ipv4.IPv4) *TCP {
	t := &TCP{ip: ip, routes: &st.Routes, clock: st.Clock}
	for i := range t.pcbs {
		t.pcbs[i] = &pcb{id: i, state: StateClosed, rcvWND: rcvBufSize}
		t.pcbs[i].wait = stack.NewWaitContext(&t.mu)
	}
	if err := ip.RegisterHandler(header.ProtocolTCP, t.input); err != nil {
		log.Errorf("tcp: %v", err)
	}
	st.Timers.Register(retransmitTick, t.retransmitFire)
	st.Events.Subscribe(t.interruptAll)
	return t
}

func (t *TCP) interruptAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pcbs {
		if p.state != StateClosed {
			p.wait.Interrupt()
		}
	}
}

func (t *TCP) pcbLocked(id int) (*pcb, error) {
	if id < 0 || id >= pcbPoolSize || t.pcbs[id].state == StateClosed {
		return nil, tcpip.ErrPCBNotFound
	}
	return t.pcbs[id], nil
}

func (t *TCP) allocateLocked() (*pcb, error) {
	for _, p := range t.pcbs {
		if p.state == StateClosed && p.wait.Waiters() == 0 {
			p.reset()
			return p, nil
		}
	}
	return nil, tcpip.ErrResourceExhausted
}

func (t *TCP) allocateEphemeralLocked() (uint16, error) {
	for port := ephemeralLow; port <= ephemeralHigh; port++ {
		inUse := false
		for _, p := range t.pcbs {
			if p.state != StateClosed && p.local.Port == uint16(port) {
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

// lookupLocked selects a PCB by (local, foreign), privileging a fully
// connected 4-tuple match over a LISTEN match, matching RFC precedence
// per the retained Open Question decision.
func (t *TCP) lookupLocked(local, foreign tcpip.Endpoint) *pcb {
	var listenMatch *pcb
	for _, p := range t.pcbs {
		if p.state == StateClosed {
			continue
		}
		if p.state != StateListen && p.local == local && p.foreign == foreign {
			return p
		}
		if p.state == StateListen && p.local.Port == local.Port &&
			(p.local.Addr.IsAny() || p.local.Addr == local.Addr) {
			listenMatch = p
		}
	}
	return listenMatch
}

func computeMSS(mtu int) int { return mtu - header.IPv4MinHeaderSize - header.TCPHeaderSize }

// Open allocates a PCB and blocks until it leaves its starting state.
// An active open sends a SYN and waits through SYN-SENT; a passive
// open waits through LISTEN. On wakeup while SYN-RECEIVED the call
// re-waits (the handshake is still in flight). If the eventual state is
// neither ESTABLISHED nor (transiently) SYN-RECEIVED, Open fails with
// ErrOpenFailed. An interrupt (event-bus shutdown) fails with
// ErrInterrupted.
func (t *TCP) Open(local, foreign tcpip.Endpoint, active bool) (int, error) {
	t.mu.Lock()

	p, err := t.allocateLocked()
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}
	p.local = local

	if active {
		route := t.routes.Lookup(foreign.Addr)
		if route == nil {
			t.mu.Unlock()
			return 0, tcpip.ErrNoRoute
		}
		p.dev = route.Iface.Device
		p.mss = computeMSS(route.Iface.Device.MTU)
		if p.local.Addr.IsAny() {
			p.local.Addr = route.Iface.Unicast
		}
		if p.local.Port == 0 {
			port, err := t.allocateEphemeralLocked()
			if err != nil {
				t.mu.Unlock()
				return 0, err
			}
			p.local.Port = port
		}
		p.foreign = foreign
		p.iss = rand.Uint32()
		p.sndUNA = p.iss
		p.sndNXT = p.iss + 1
		p.state = StateSynSent
		t.sendSegmentLocked(p, header.TCPFlagSYN, nil)
	} else {
		p.foreign = tcpip.Endpoint{}
		p.state = StateListen
	}

	startState := p.state
	for {
		if err := p.wait.Sleep(); err != nil {
			t.releaseLocked(p)
			t.mu.Unlock()
			return 0, tcpip.ErrInterrupted
		}
		if p.state == startState {
			continue
		}
		if p.state == StateSynReceived {
			startState = StateSynReceived
			continue
		}
		if p.state == StateEstablished {
			id := p.id
			t.mu.Unlock()
			return id, nil
		}
		t.releaseLocked(p)
		t.mu.Unlock()
		return 0, tcpip.ErrOpenFailed
	}
}

// Close emits an abortive RST (this engine does not implement graceful
// FIN close, per the retained Open Question decision) and releases the
// PCB.
func (t *TCP) Close(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.pcbLocked(id)
	if err != nil {
		return err
	}
	if p.state != StateListen {
		t.sendSegmentLocked(p, header.TCPFlagRST, nil)
	}
	t.releaseLocked(p)
	return nil
}

func (t *TCP) releaseLocked(p *pcb) {
	p.state = StateClosed
	p.wait.Wakeup()
}

// Send is only valid in ESTABLISHED. Each segment is capped by MSS and
// by the current usable window; when the window is exhausted, Send
// blocks on the PCB's wait context and retries on wakeup. Returns the
// number of bytes sent, which may be less than len(data) on interrupt.
func (t *TCP) Send(id int, data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.pcbLocked(id)
	if err != nil {
		return 0, err
	}
	if p.state != StateEstablished {
		return 0, tcpip.ErrInvalidState
	}

	sent := 0
	for sent < len(data) {
		usable := int(p.sndWND) - int(p.sndNXT-p.sndUNA)
		if usable <= 0 {
			if err := p.wait.Sleep(); err != nil {
				return sent, err
			}
			if p.state != StateEstablished {
				return sent, tcpip.ErrInvalidState
			}
			continue
		}
		segLen := len(data) - sent
		if segLen > p.mss {
			segLen = p.mss
		}
		if segLen > usable {
			segLen = usable
		}
		chunk := data[sent : sent+segLen]
		t.sendSegmentLocked(p, header.TCPFlagACK|header.TCPFlagPSH, chunk)
		p.sndNXT += uint32(segLen)
		sent += segLen
	}
	return sent, nil
}

// Receive is only valid in ESTABLISHED or CLOSE-WAIT (data may still be
// pending after the peer half-closes). It blocks while the receive
// buffer is empty, then copies up to len(buf) bytes out, shifts the
// remainder left, and grows RCV.WND.
func (t *TCP) Receive(id int, buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.pcbLocked(id)
	if err != nil {
		return 0, err
	}

	for p.rcvLen == 0 {
		if p.state != StateEstablished && p.state != StateCloseWait {
			return 0, tcpip.ErrInvalidState
		}
		if err := p.wait.Sleep(); err != nil {
			return 0, err
		}
	}

	n := copy(buf, p.rcvBuf[:p.rcvLen])
	copy(p.rcvBuf[:], p.rcvBuf[n:p.rcvLen])
	p.rcvLen -= n
	p.rcvWND = uint16(rcvBufSize - p.rcvLen)
	return n, nil
}

// sendSegmentLocked builds and emits one TCP segment for p. When flags
// carry SYN or FIN, or data is non-empty, it appends a retransmission-
// queue entry before transmitting, per tcp_output's queueing rule.
func (t *TCP) sendSegmentLocked(p *pcb, flags uint8, data []byte) {
	seq := p.sndNXT
	if flags&header.TCPFlagSYN != 0 {
		seq = p.iss
	}
	segLen := uint32(len(data))
	if flags&header.TCPFlagSYN != 0 {
		segLen++
	}
	if flags&header.TCPFlagFIN != 0 {
		segLen++
	}

	total := header.TCPHeaderSize + len(data)
	buf := make([]byte, total)
	pseudoSum := tcpip.PseudoHeaderSum(p.local.Addr, p.foreign.Addr, header.ProtocolTCP, uint16(total))
	header.EncodeTCP(buf, p.local.Port, p.foreign.Port, seq, p.rcvNXT, flags, p.rcvWND, data, pseudoSum)

	if flags&(header.TCPFlagSYN|header.TCPFlagFIN) != 0 || len(data) > 0 {
		p.rtxQueue = append(p.rtxQueue, newRtxEntry(seq, segLen, buf, t.clock.Now()))
	}

	if err := t.ip.Output(header.ProtocolTCP, buf, p.local.Addr, p.foreign.Addr); err != nil {
		log.Debugf("tcp: output %s to %s: %v", header.FlagString(flags), p.foreign.Addr, err)
	}
}

// flushAckedLocked removes retransmission-queue entries from the head
// whose last covered sequence number is now < SND.UNA.
func (t *TCP) flushAckedLocked(p *pcb) {
	for len(p.rtxQueue) > 0 {
		e := p.rtxQueue[0]
		if seqLE(e.seq+e.segLen, p.sndUNA) {
			p.rtxQueue = p.rtxQueue[1:]
		} else {
			break
		}
	}
}

// retransmitFire is the timer wheel's 100ms callback. For every PCB
// with queued unacknowledged segments: if the oldest entry has been
// outstanding ≥12s the connection aborts to CLOSED; otherwise any entry
// whose RTO has elapsed is retransmitted and its RTO doubled.
func (t *TCP) retransmitFire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.pcbs {
		if p.state == StateClosed || len(p.rtxQueue) == 0 {
			continue
		}
		if now.Sub(p.rtxQueue[0].firstTx) >= retransmitDeadline {
			log.WithField("pcb", p.local.Port).Warningf("tcp: connection %s<->%s aborted after retransmit deadline", p.local, p.foreign)
			p.rtxQueue = nil
			t.releaseLocked(p)
			continue
		}
		for _, e := range p.rtxQueue {
			if !now.Before(e.lastTx.Add(e.rto)) {
				if err := t.ip.Output(header.ProtocolTCP, e.segment, p.local.Addr, p.foreign.Addr); err != nil {
					log.Debugf("tcp: retransmit to %s: %v", p.foreign.Addr, err)
				}
				e.lastTx = now
				e.rto = e.boff.NextBackOff()
			}
		}
	}
}

// input verifies the segment checksum and dispatches to segment-arrival
// processing for the selected PCB, or to the no-PCB (CLOSED) case.
func (t *TCP) input(src, dst tcpip.Address, payload []byte, dev *stack.Device) {
	if len(payload) < header.TCPHeaderSize {
		log.Debugf("tcp: short segment (%d bytes) from %s", len(payload), src)
		return
	}
	seg := header.TCP(payload)
	pseudoSum := tcpip.PseudoHeaderSum(src, dst, header.ProtocolTCP, uint16(len(payload)))
	if !seg.VerifyChecksum(pseudoSum) {
		log.Debugf("tcp: bad checksum from %s", src)
		return
	}

	local := tcpip.Endpoint{Addr: dst, Port: seg.DestinationPort()}
	foreign := tcpip.Endpoint{Addr: src, Port: seg.SourcePort()}

	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.lookupLocked(local, foreign)
	if p == nil {
		t.segmentArrivesNoPCBLocked(dst, src, seg)
		return
	}
	t.segmentArrivesLocked(p, dev, src, dst, seg)
}

// segmentArrivesNoPCBLocked implements RFC 793 §3.9 case 1 (CLOSED): no
// matching PCB exists. An incoming RST is dropped; anything else draws
// a RST, with ACK=SEG.SEQ+SEG.LEN when the input itself lacks ACK.
func (t *TCP) segmentArrivesNoPCBLocked(localAddr, foreignAddr tcpip.Address, seg header.TCP) {
	if seg.Flags()&header.TCPFlagRST != 0 {
		return
	}
	segLen := uint32(len(seg.Payload()))
	if seg.Flags()&header.TCPFlagSYN != 0 {
		segLen++
	}
	if seg.Flags()&header.TCPFlagFIN != 0 {
		segLen++
	}

	var seq, ack uint32
	flags := uint8(header.TCPFlagRST)
	if seg.Flags()&header.TCPFlagACK != 0 {
		seq = seg.AckNumber()
	} else {
		flags |= header.TCPFlagACK
		ack = seg.SeqNumber() + segLen
	}

	buf := make([]byte, header.TCPHeaderSize)
	pseudoSum := tcpip.PseudoHeaderSum(localAddr, foreignAddr, header.ProtocolTCP, header.TCPHeaderSize)
	header.EncodeTCP(buf, seg.DestinationPort(), seg.SourcePort(), seq, ack, flags, 0, nil, pseudoSum)
	if err := t.ip.Output(header.ProtocolTCP, buf, localAddr, foreignAddr); err != nil {
		log.Debugf("tcp: reset to %s: %v", foreignAddr, err)
	}
}

// sendRSTForLocked sends an abortive RST for an established PCB (e.g.
// an unacceptable segment past the handshake) without going through
// the retransmission queue.
func (t *TCP) sendRSTForLocked(p *pcb, seg header.TCP) {
	buf := make([]byte, header.TCPHeaderSize)
	pseudoSum := tcpip.PseudoHeaderSum(p.local.Addr, p.foreign.Addr, header.ProtocolTCP, header.TCPHeaderSize)
	header.EncodeTCP(buf, p.local.Port, p.foreign.Port, seg.AckNumber(), 0, header.TCPFlagRST, 0, nil, pseudoSum)
	if err := t.ip.Output(header.ProtocolTCP, buf, p.local.Addr, p.foreign.Addr); err != nil {
		log.Debugf("tcp: reset to %s: %v", p.foreign.Addr, err)
	}
}

// segmentArrivesLocked implements RFC 793 §3.9 cases 2-4 for an
// existing PCB.
func (t *TCP) segmentArrivesLocked(p *pcb, dev *stack.Device, srcAddr, dstAddr tcpip.Address, seg header.TCP) {
	flags := seg.Flags()

	switch p.state {
	case StateListen:
		if flags&header.TCPFlagRST != 0 {
			return
		}
		if flags&header.TCPFlagACK != 0 {
			t.segmentArrivesNoPCBLocked(dstAddr, srcAddr, seg)
			return
		}
		if flags&header.TCPFlagSYN != 0 {
			p.foreign = tcpip.Endpoint{Addr: srcAddr, Port: seg.SourcePort()}
			p.local.Addr = dstAddr
			p.dev = dev
			p.mss = computeMSS(dev.MTU)
			p.rcvNXT = seg.SeqNumber() + 1
			p.irs = seg.SeqNumber()
			p.iss = rand.Uint32()
			p.sndUNA = p.iss
			p.sndNXT = p.iss + 1
			p.rcvWND = rcvBufSize
			p.state = StateSynReceived
			t.sendSegmentLocked(p, header.TCPFlagSYN|header.TCPFlagACK, nil)
			p.wait.Wakeup()
		}
		return

	case StateSynSent:
		ackAcceptable := false
		if flags&header.TCPFlagACK != 0 {
			ackNum := seg.AckNumber()
			if !(seqGT(ackNum, p.iss) && seqLE(ackNum, p.sndNXT)) {
				t.sendRSTForLocked(p, seg)
				return
			}
			ackAcceptable = true
		}
		if flags&header.TCPFlagRST != 0 {
			if ackAcceptable {
				p.state = StateClosed
				p.wait.Wakeup()
			}
			return
		}
		if flags&header.TCPFlagSYN == 0 {
			return
		}
		p.rcvNXT = seg.SeqNumber() + 1
		p.irs = seg.SeqNumber()
		if ackAcceptable {
			p.sndUNA = seg.AckNumber()
			t.flushAckedLocked(p)
		}
		if seqGT(p.sndUNA, p.iss) {
			p.state = StateEstablished
			p.sndWND = seg.WindowSize()
			p.sndWL1 = seg.SeqNumber()
			p.sndWL2 = seg.AckNumber()
			t.sendSegmentLocked(p, header.TCPFlagACK, nil)
			p.wait.Wakeup()
		} else {
			p.state = StateSynReceived
			t.sendSegmentLocked(p, header.TCPFlagSYN|header.TCPFlagACK, nil)
			p.wait.Wakeup()
		}
		return

	default:
		t.segmentArrivesEstablishedLocked(p, seg, flags)
	}
}

// segmentArrivesEstablishedLocked covers SYN-RECEIVED and every later
// state this engine actively drives (ESTABLISHED, and half-close into
// CLOSE-WAIT on an incoming FIN). FIN-WAIT/CLOSING/TIME-WAIT/LAST-ACK
// are never entered because Close() only emits an abortive RST; their
// enum values exist for completeness with RFC 793's state diagram.
func (t *TCP) segmentArrivesEstablishedLocked(p *pcb, seg header.TCP, flags uint8) {
	segLen := uint32(len(seg.Payload()))
	if flags&header.TCPFlagFIN != 0 {
		segLen++
	}

	if !isSegmentAcceptable(seg.SeqNumber(), segLen, p.rcvNXT, p.rcvWND) {
		if flags&header.TCPFlagRST == 0 {
			t.sendSegmentLocked(p, header.TCPFlagACK, nil)
		}
		return
	}

	if flags&header.TCPFlagRST != 0 {
		p.rtxQueue = nil
		t.releaseLocked(p)
		return
	}

	if flags&header.TCPFlagSYN != 0 {
		t.sendRSTForLocked(p, seg)
		p.rtxQueue = nil
		t.releaseLocked(p)
		return
	}

	if flags&header.TCPFlagACK == 0 {
		return
	}

	if p.state == StateSynReceived {
		if seqGT(seg.AckNumber(), p.sndUNA) && seqLE(seg.AckNumber(), p.sndNXT) {
			p.state = StateEstablished
			p.sndUNA = seg.AckNumber()
			p.sndWND = seg.WindowSize()
			p.sndWL1 = seg.SeqNumber()
			p.sndWL2 = seg.AckNumber()
			t.flushAckedLocked(p)
			p.wait.Wakeup()
		} else {
			t.sendRSTForLocked(p, seg)
			p.rtxQueue = nil
			t.releaseLocked(p)
			return
		}
	} else if p.state == StateEstablished || p.state == StateCloseWait {
		ack := seg.AckNumber()
		switch {
		case seqLE(ack, p.sndUNA):
			// duplicate/old ACK: ignored, per RFC 793.
		case seqGT(ack, p.sndNXT):
			t.sendSegmentLocked(p, header.TCPFlagACK, nil)
			return
		default:
			p.sndUNA = ack
			t.flushAckedLocked(p)
			if seqLT(p.sndWL1, seg.SeqNumber()) || (p.sndWL1 == seg.SeqNumber() && seqLE(p.sndWL2, ack)) {
				p.sndWND = seg.WindowSize()
				p.sndWL1 = seg.SeqNumber()
				p.sndWL2 = ack
			}
			p.wait.Wakeup()
		}
	} else {
		return
	}

	payload := seg.Payload()
	if len(payload) > 0 && p.state == StateEstablished {
		space := rcvBufSize - p.rcvLen
		n := len(payload)
		if n > space {
			n = space
		}
		copy(p.rcvBuf[p.rcvLen:p.rcvLen+n], payload[:n])
		p.rcvLen += n
		p.rcvNXT += uint32(n)
		p.rcvWND = uint16(rcvBufSize - p.rcvLen)
		t.sendSegmentLocked(p, header.TCPFlagACK, nil)
		p.wait.Wakeup()
	}

	if flags&header.TCPFlagFIN != 0 && p.state == StateEstablished {
		p.rcvNXT++
		t.sendSegmentLocked(p, header.TCPFlagACK, nil)
		p.state = StateCloseWait
		p.wait.Wakeup()
	}
}

// isSegmentAcceptable implements RFC 793's four-case sequence-number
// acceptability test against [RCV.NXT, RCV.NXT+RCV.WND).
func isSegmentAcceptable(seq, segLen uint32, rcvNXT uint32, rcvWND uint16) bool {
	wnd := uint32(rcvWND)
	if segLen == 0 {
		if wnd == 0 {
			return seq == rcvNXT
		}
		return seqGE(seq, rcvNXT) && seqLT(seq, rcvNXT+wnd)
	}
	if wnd == 0 {
		return false
	}
	return inWindow(seq, rcvNXT, wnd) || inWindow(seq+segLen-1, rcvNXT, wnd)
}

func inWindow(seq, rcvNXT, wnd uint32) bool {
	return seqGE(seq, rcvNXT) && seqLT(seq, rcvNXT+wnd)
}

// Sequence-number comparisons per RFC 793 §3.3, correct across 32-bit
// wraparound.
func seqLT(a, b uint32) bool { return int32(a-b) < 0 }
func seqLE(a, b uint32) bool { return int32(a-b) <= 0 }
func seqGT(a, b uint32) bool { return int32(a-b) > 0 }
func seqGE(a, b uint32) bool { return int32(a-b) >= 0 }

// StateOf returns the current state of the PCB identified by id. A
// CLOSED PCB is reported as ErrPCBNotFound.
func (t *TCP) StateOf(id int) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.pcbLocked(id)
	if err != nil {
		return StateClosed, err
	}
	return p.state, nil
}
