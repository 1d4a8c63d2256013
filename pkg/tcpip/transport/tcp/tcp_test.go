package tcp

import (
	"sync"
	"testing"
	"time"

	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/header"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/network/arp"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/network/ipv4"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/stack"
)

// recordingDevice is a loopback-like DeviceOps: every transmitted frame
// is requeued onto the dispatcher (so client and server sides of these
// tests share one device/network) and also recorded, so a test can
// inspect the exact segments the stack produced. Note this means a
// segment a test injects via inject is itself recorded as a frame,
// same as a segment the stack replies with — frame indices interleave
// both directions in transmit order.
type recordingDevice struct {
	dispatch *stack.Dispatcher

	mu     sync.Mutex
	frames [][]byte
	notify chan struct{}
}

func (r *recordingDevice) Open(d *stack.Device) error  { return nil }
func (r *recordingDevice) Close(d *stack.Device) error { return nil }

func (r *recordingDevice) Transmit(d *stack.Device, protocol uint16, payload []byte, dst tcpip.LinkAddress) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	r.mu.Lock()
	r.frames = append(r.frames, cp)
	r.mu.Unlock()
	r.dispatch.Input(d, protocol, payload)
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *recordingDevice) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// tcpSegment unwraps the IPv4 datagram recorded as frame i and returns
// its TCP payload.
func (r *recordingDevice) tcpSegment(i int) header.TCP {
	r.mu.Lock()
	buf := r.frames[i]
	r.mu.Unlock()
	ip := header.IPv4(buf)
	return header.TCP(ip.Payload())
}

// inject wraps seg in an IPv4 header from src to dst and passes it to
// Transmit, so it is recorded as a frame and delivered to the stack's
// input path. ip.Output cannot be used for this: it refuses a source
// address that is not the outgoing interface's own unicast.
func (r *recordingDevice) inject(dev *stack.Device, src, dst tcpip.Address, seg []byte) error {
	total := header.IPv4MinHeaderSize + len(seg)
	buf := make([]byte, total)
	header.EncodeIPv4(buf, header.IPv4Fields{TotalLen: uint16(total), TTL: 255, Protocol: header.ProtocolTCP, SrcAddr: src, DstAddr: dst})
	copy(buf[header.IPv4MinHeaderSize:], seg)
	return r.Transmit(dev, stack.ProtocolIPv4, buf, tcpip.LinkAddress{})
}

func (r *recordingDevice) waitFrameCount(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(time.Second)
	for r.frameCount() < n {
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, have %d", n, r.frameCount())
		}
	}
}

// fakeClock is a manually-settable stack.Clock, letting the
// retransmission test assert exact RTO doubling without real sleeps.
// After is never driven by a real timer wheel in these tests: the
// retransmission test calls tc.retransmitFire directly.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	return make(chan time.Time)
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// newTestStack builds a Stack with a recording device standing in for a
// real link, one IPv4 interface/on-link route, and ARP/IPv4 layers atop
// it, driven by clock.
func newTestStack(t *testing.T, clock stack.Clock) (*ipv4.IPv4, *stack.IPv4Interface, *recordingDevice, *stack.Stack) {
	t.Helper()
	st := stack.New(clock)
	rec := &recordingDevice{dispatch: st.Dispatch, notify: make(chan struct{}, 16)}

	dev, err := st.RegisterDevice("eth0", 1500, 0, tcpip.LinkAddress{}, tcpip.LinkAddress{}, rec)
	if err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	iface := stack.NewIPv4Interface(dev, tcpip.Address{192, 168, 0, 1}, tcpip.Mask{255, 255, 255, 0})
	dev.IPv4 = iface
	st.Routes.Add(&stack.Route{
		Network: iface.Unicast.And(iface.Netmask),
		Netmask: iface.Netmask,
		NextHop: tcpip.AddrAny,
		Iface:   iface,
	})

	arpCache := arp.New(st)
	ip := ipv4.New(st, arpCache)

	go st.Dispatch.Run()
	t.Cleanup(st.Dispatch.Close)

	return ip, iface, rec, st
}

func issOf(tc *TCP, localPort uint16) uint32 {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for _, p := range tc.pcbs {
		if p.state != StateClosed && p.local.Port == localPort {
			return p.iss
		}
	}
	return 0
}

func stateOfLocalPort(tc *TCP, localPort uint16) State {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for _, p := range tc.pcbs {
		if p.local.Port == localPort {
			return p.state
		}
	}
	return StateClosed
}

func waitForState(t *testing.T, tc *TCP, port uint16, want State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for stateOfLocalPort(tc, port) != want {
		if time.Now().After(deadline) {
			t.Fatalf("PCB on port %d never reached %s (stuck at %s)", port, want, stateOfLocalPort(tc, port))
		}
		time.Sleep(time.Millisecond)
	}
}

// buildSegment builds a raw TCP segment (no IP header) sent from
// foreign to local.
func buildSegment(local, foreign tcpip.Endpoint, seq, ack uint32, flags uint8, wnd uint16, payload []byte) []byte {
	total := header.TCPHeaderSize + len(payload)
	buf := make([]byte, total)
	pseudoSum := tcpip.PseudoHeaderSum(foreign.Addr, local.Addr, header.ProtocolTCP, uint16(total))
	header.EncodeTCP(buf, foreign.Port, local.Port, seq, ack, flags, wnd, payload, pseudoSum)
	return buf
}

// TestPassiveHandshakeEstablishes mirrors end-to-end scenario 4: a PCB
// LISTENing on :80 receives a SYN with SEQ=1000, replies SYN+ACK with
// ACK=1001, moves to SYN-RECEIVED; an ACK for that SYN+ACK (SEQ=1001,
// ACK=ISS+1) then moves it to ESTABLISHED and Open returns an id.
func TestPassiveHandshakeEstablishes(t *testing.T) {
	ip, iface, rec, st := newTestStack(t, stack.RealClock)
	tc := New(st, ip)

	server := tcpip.Endpoint{Addr: iface.Unicast, Port: 80}
	client := tcpip.Endpoint{Addr: tcpip.Address{192, 168, 0, 2}, Port: 12345}

	type openResult struct {
		id  int
		err error
	}
	done := make(chan openResult, 1)
	go func() {
		id, err := tc.Open(server, tcpip.Endpoint{}, false)
		done <- openResult{id, err}
	}()
	waitForState(t, tc, server.Port, StateListen)

	syn := buildSegment(server, client, 1000, 0, header.TCPFlagSYN, 65535, nil)
	if err := rec.inject(iface.Device, client.Addr, server.Addr, syn); err != nil {
		t.Fatalf("deliver SYN: %v", err)
	}
	rec.waitFrameCount(t, 2) // [0]=injected SYN, [1]=SYN+ACK reply

	synAck := rec.tcpSegment(1)
	if synAck.Flags()&(header.TCPFlagSYN|header.TCPFlagACK) != header.TCPFlagSYN|header.TCPFlagACK {
		t.Fatalf("frame 1 flags = %s, want SYN+ACK", header.FlagString(synAck.Flags()))
	}
	if synAck.AckNumber() != 1001 {
		t.Errorf("SYN+ACK.Ack = %d, want 1001", synAck.AckNumber())
	}
	waitForState(t, tc, server.Port, StateSynReceived)

	iss := issOf(tc, server.Port)
	ack := buildSegment(server, client, 1001, iss+1, header.TCPFlagACK, 65535, nil)
	if err := rec.inject(iface.Device, client.Addr, server.Addr, ack); err != nil {
		t.Fatalf("deliver ACK: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Open: %v", r.err)
		}
		got, err := tc.StateOf(r.id)
		if err != nil || got != StateEstablished {
			t.Errorf("StateOf(%d) = %v, %v; want ESTABLISHED, nil", r.id, got, err)
		}
	case <-time.After(time.Second):
		t.Fatal("Open did not return after handshake completed")
	}
}

// TestDataEchoInEstablished mirrors end-to-end scenario 5: once
// ESTABLISHED, an inbound segment carrying "PING" is delivered whole to
// Receive, and Send("PONG") emits SEQ=ISS+1 with ACK|PSH and advances
// SND.NXT by 4.
func TestDataEchoInEstablished(t *testing.T) {
	ip, iface, rec, st := newTestStack(t, stack.RealClock)
	tc := New(st, ip)

	server := tcpip.Endpoint{Addr: iface.Unicast, Port: 80}
	client := tcpip.Endpoint{Addr: tcpip.Address{192, 168, 0, 2}, Port: 12345}

	done := make(chan int, 1)
	go func() {
		id, err := tc.Open(server, tcpip.Endpoint{}, false)
		if err != nil {
			t.Errorf("Open: %v", err)
			return
		}
		done <- id
	}()
	waitForState(t, tc, server.Port, StateListen)

	syn := buildSegment(server, client, 1000, 0, header.TCPFlagSYN, 65535, nil)
	rec.inject(iface.Device, client.Addr, server.Addr, syn)
	rec.waitFrameCount(t, 2)
	waitForState(t, tc, server.Port, StateSynReceived)

	iss := issOf(tc, server.Port)
	ack := buildSegment(server, client, 1001, iss+1, header.TCPFlagACK, 65535, nil)
	rec.inject(iface.Device, client.Addr, server.Addr, ack)

	var id int
	select {
	case id = <-done:
	case <-time.After(time.Second):
		t.Fatal("Open did not return")
	}

	ping := buildSegment(server, client, 1001, iss+1, header.TCPFlagACK|header.TCPFlagPSH, 65535, []byte("PING"))
	if err := rec.inject(iface.Device, client.Addr, server.Addr, ping); err != nil {
		t.Fatalf("deliver PING: %v", err)
	}
	rec.waitFrameCount(t, 5) // SYN, SYN+ACK, ACK, PING, ACK-of-PING

	buf := make([]byte, 64)
	type recvResult struct {
		n int
	}
	recvDone := make(chan recvResult, 1)
	go func() {
		n, err := tc.Receive(id, buf)
		if err != nil {
			t.Errorf("Receive: %v", err)
		}
		recvDone <- recvResult{n}
	}()
	select {
	case r := <-recvDone:
		if string(buf[:r.n]) != "PING" {
			t.Errorf("Receive payload = %q, want %q", buf[:r.n], "PING")
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not return")
	}

	n, err := tc.Send(id, []byte("PONG"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != 4 {
		t.Errorf("Send returned %d, want 4", n)
	}
	tc.mu.Lock()
	sndNXT := tc.pcbs[id].sndNXT
	tc.mu.Unlock()
	if sndNXT != iss+5 {
		t.Errorf("SND.NXT after Send = %d, want %d (ISS+1+4)", sndNXT, iss+5)
	}
	rec.waitFrameCount(t, 6)

	pong := rec.tcpSegment(5)
	if pong.SeqNumber() != iss+1 {
		t.Errorf("PONG.Seq = %d, want %d (ISS+1)", pong.SeqNumber(), iss+1)
	}
	if pong.Flags()&(header.TCPFlagACK|header.TCPFlagPSH) != header.TCPFlagACK|header.TCPFlagPSH {
		t.Errorf("PONG flags = %s, want ACK|PSH", header.FlagString(pong.Flags()))
	}
	if string(pong.Payload()) != "PONG" {
		t.Errorf("PONG payload = %q, want %q", pong.Payload(), "PONG")
	}
}

// TestRetransmissionBackoffThenAbort mirrors end-to-end scenario 6: a
// data segment sent at t=0 with no ACK ever arriving is retransmitted at
// approximately t=0.2s, 0.6s, 1.4s, 3.0s and 6.2s (RTO doubling from an
// initial 200ms), then at t>=12s the connection aborts to CLOSED and a
// subsequent Send returns an error. retransmitFire is called directly
// (rather than through the real timer wheel) so the schedule is driven
// by a fake, manually-advanced clock instead of real sleeps.
func TestRetransmissionBackoffThenAbort(t *testing.T) {
	clock := newFakeClock()
	ip, iface, rec, st := newTestStack(t, clock)
	tc := New(st, ip)

	server := tcpip.Endpoint{Addr: iface.Unicast, Port: 80}
	client := tcpip.Endpoint{Addr: tcpip.Address{192, 168, 0, 2}, Port: 12345}

	done := make(chan int, 1)
	go func() {
		id, err := tc.Open(server, tcpip.Endpoint{}, false)
		if err != nil {
			t.Errorf("Open: %v", err)
			return
		}
		done <- id
	}()
	waitForState(t, tc, server.Port, StateListen)

	syn := buildSegment(server, client, 1000, 0, header.TCPFlagSYN, 65535, nil)
	rec.inject(iface.Device, client.Addr, server.Addr, syn)
	rec.waitFrameCount(t, 2)
	waitForState(t, tc, server.Port, StateSynReceived)

	iss := issOf(tc, server.Port)
	ack := buildSegment(server, client, 1001, iss+1, header.TCPFlagACK, 65535, nil)
	rec.inject(iface.Device, client.Addr, server.Addr, ack)

	var id int
	select {
	case id = <-done:
	case <-time.After(time.Second):
		t.Fatal("Open did not return")
	}

	epoch := clock.Now()
	if _, err := tc.Send(id, []byte("X")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	rec.waitFrameCount(t, 4) // SYN, SYN+ACK, ACK, data

	schedule := []struct {
		at          time.Duration
		wantsFrames int
	}{
		{100 * time.Millisecond, 4},  // before the 200ms RTO
		{200 * time.Millisecond, 5},  // first retransmit
		{600 * time.Millisecond, 6},  // second (RTO doubled to 400ms)
		{1400 * time.Millisecond, 7}, // third (RTO doubled to 800ms)
		{3000 * time.Millisecond, 8}, // fourth (RTO doubled to 1.6s)
		{6200 * time.Millisecond, 9}, // fifth (RTO doubled to 3.2s)
	}
	for _, step := range schedule {
		clock.set(epoch.Add(step.at))
		tc.retransmitFire(clock.Now())
		if got := rec.frameCount(); got != step.wantsFrames {
			t.Errorf("at t=%s: frame count = %d, want %d", step.at, got, step.wantsFrames)
		}
	}

	clock.set(epoch.Add(12 * time.Second))
	tc.retransmitFire(clock.Now())
	if got := rec.frameCount(); got != 9 {
		t.Errorf("frame count after abort = %d, want 9 (no further retransmit)", got)
	}
	if _, err := tc.StateOf(id); err == nil {
		t.Errorf("StateOf(%d) succeeded after retransmit-deadline abort, want an error", id)
	}
	if _, err := tc.Send(id, []byte("Y")); err == nil {
		t.Error("Send after retransmit-deadline abort succeeded, want error")
	}
}
