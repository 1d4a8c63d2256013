package icmp

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

// recordingDevice is a loopback-like DeviceOps that also keeps a copy of
// every transmitted frame and signals a channel per transmit, so a test
// can wait for the request/reply round trip to finish draining through
// the dispatcher without sleeping on a guess.
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
	r.notify <- struct{}{}
	return nil
}

func (r *recordingDevice) frame(i int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[i]
}

// waitFrames blocks until n transmits have been recorded or the timeout
// elapses.
func (r *recordingDevice) waitFrames(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.notify:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for transmit %d/%d", i+1, n)
		}
	}
}

// TestEchoRequestLoopsBackAReply mirrors the loopback echo scenario: an
// echo request with identifier 1, sequence 1 and payload "abcd" sent to
// a device's own unicast address must come back as an echo reply
// carrying the same identifier, sequence and payload.
func TestEchoRequestLoopsBackAReply(t *testing.T) {
	st := stack.New(stack.RealClock)
	rec := &recordingDevice{dispatch: st.Dispatch, notify: make(chan struct{}, 8)}

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
	New(ip)

	go st.Dispatch.Run()
	defer st.Dispatch.Close()

	payload := []byte("abcd")
	req := make([]byte, header.ICMPv4HeaderSize+len(payload))
	header.EncodeICMPv4Echo(req, header.ICMPv4EchoRequest, 1, 1, payload)

	if err := ip.Output(header.ProtocolICMP, req, iface.Unicast, iface.Unicast); err != nil {
		t.Fatalf("Output: %v", err)
	}

	rec.waitFrames(t, 2)

	replyDatagram := header.IPv4(rec.frame(1))
	if !replyDatagram.VerifyChecksum() {
		t.Fatal("reply IPv4 header checksum invalid")
	}
	reply := header.ICMPv4(replyDatagram[replyDatagram.IHL():replyDatagram.TotalLength()])
	if !reply.VerifyChecksum() {
		t.Fatal("reply ICMP checksum invalid")
	}
	if reply.Type() != header.ICMPv4EchoReply {
		t.Errorf("reply type = %d, want EchoReply", reply.Type())
	}
	if reply.Identifier() != 1 || reply.Sequence() != 1 {
		t.Errorf("reply id/seq = %d/%d, want 1/1", reply.Identifier(), reply.Sequence())
	}
	if string(reply.Payload()) != "abcd" {
		t.Errorf("reply payload = %q, want %q", reply.Payload(), "abcd")
	}
}
