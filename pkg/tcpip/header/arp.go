package header

import "github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip"

// ARP over Ethernet/IPv4 wire layout (RFC 826):
//
//	0       2       4       6       7       8
//	+-------+-------+-------+-------+-------+-------+
//	| HType | PType |HLen|PLen|  Op  |  Sender HA... |
//	+-------+-------+-------+-------+-------+-------+
const (
	arpHTypeEthernet  = 1
	arpPTypeIPv4      = 0x0800
	arpHLenEthernet   = 6
	arpPLenIPv4       = 4
	ARPHeaderSize     = 8
	ARPPacketSize     = ARPHeaderSize + 2*arpHLenEthernet + 2*arpPLenIPv4
	ARPOpRequest      = 1
	ARPOpReply        = 2
	arpSHAOff         = 8
	arpSPAOff         = arpSHAOff + arpHLenEthernet
	arpTHAOff         = arpSPAOff + arpPLenIPv4
	arpTPAOff         = arpTHAOff + arpHLenEthernet
)

// ARP is a byte slice viewed as an ARP-over-Ethernet packet.
type ARP []byte

// Valid reports whether the packet is long enough and declares the
// Ethernet/IPv4 hardware/protocol combination this engine understands.
func (b ARP) Valid() bool {
	if len(b) < ARPPacketSize {
		return false
	}
	return be16(b[0:2]) == arpHTypeEthernet && be16(b[2:4]) == arpPTypeIPv4 &&
		b[4] == arpHLenEthernet && b[5] == arpPLenIPv4
}

// Operation returns the ARP opcode (request/reply).
func (b ARP) Operation() uint16 { return be16(b[6:8]) }

// SenderHardwareAddress returns the sender's link address.
func (b ARP) SenderHardwareAddress() tcpip.LinkAddress {
	var l tcpip.LinkAddress
	copy(l[:], b[arpSHAOff:arpSHAOff+6])
	return l
}

// SenderProtocolAddress returns the sender's IPv4 address.
func (b ARP) SenderProtocolAddress() tcpip.Address {
	return tcpip.Address{b[arpSPAOff], b[arpSPAOff+1], b[arpSPAOff+2], b[arpSPAOff+3]}
}

// TargetHardwareAddress returns the target's link address.
func (b ARP) TargetHardwareAddress() tcpip.LinkAddress {
	var l tcpip.LinkAddress
	copy(l[:], b[arpTHAOff:arpTHAOff+6])
	return l
}

// TargetProtocolAddress returns the target's IPv4 address.
func (b ARP) TargetProtocolAddress() tcpip.Address {
	return tcpip.Address{b[arpTPAOff], b[arpTPAOff+1], b[arpTPAOff+2], b[arpTPAOff+3]}
}

// EncodeARP builds an ARP-over-Ethernet/IPv4 packet of ARPPacketSize
// bytes into buf.
func EncodeARP(buf []byte, op uint16, senderHA tcpip.LinkAddress, senderPA tcpip.Address, targetHA tcpip.LinkAddress, targetPA tcpip.Address) {
	putBE16(buf[0:2], arpHTypeEthernet)
	putBE16(buf[2:4], arpPTypeIPv4)
	buf[4] = arpHLenEthernet
	buf[5] = arpPLenIPv4
	putBE16(buf[6:8], op)
	copy(buf[arpSHAOff:arpSHAOff+6], senderHA[:])
	copy(buf[arpSPAOff:arpSPAOff+4], senderPA[:])
	copy(buf[arpTHAOff:arpTHAOff+6], targetHA[:])
	copy(buf[arpTPAOff:arpTPAOff+4], targetPA[:])
}
