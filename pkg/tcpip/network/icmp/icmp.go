// Package icmp implements the ICMPv4 echo-reply handler (RFC 792).
// Stateless: there is no ICMP PCB, only an input handler bound to IP
// protocol number 1.
package icmp

import (
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/log"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/header"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/network/ipv4"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/stack"
)

// ICMP registers an echo-request handler against an IPv4 layer.
type ICMP struct {
	ip *ipv4.IPv4
}

// New constructs an ICMP handler bound to ip and registers it for IP
// protocol number 1.
func New(ip *ipv4.IPv4) *ICMP {
	m := &ICMP{ip: ip}
	if err := ip.RegisterHandler(header.ProtocolICMP, m.input); err != nil {
		log.Errorf("icmp: %v", err)
	}
	return m
}

func (m *ICMP) input(src, dst tcpip.Address, payload []byte, dev *stack.Device) {
	if len(payload) < header.ICMPv4HeaderSize {
		log.Debugf("icmp: short message (%d bytes) from %s", len(payload), src)
		return
	}
	pkt := header.ICMPv4(payload)
	if !pkt.VerifyChecksum() {
		log.Debugf("icmp: bad checksum from %s", src)
		return
	}
	if pkt.Type() != header.ICMPv4EchoRequest {
		log.Debugf("icmp: ignoring type %d from %s", pkt.Type(), src)
		return
	}

	reply := make([]byte, len(payload))
	header.EncodeICMPv4Echo(reply, header.ICMPv4EchoReply, pkt.Identifier(), pkt.Sequence(), pkt.Payload())
	if err := m.ip.Output(header.ProtocolICMP, reply, dst, src); err != nil {
		log.Debugf("icmp: echo reply to %s: %v", src, err)
	}
}
