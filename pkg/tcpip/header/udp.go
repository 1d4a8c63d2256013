package header

import "github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip"

// UDPHeaderSize is the fixed UDP header size (RFC 768).
const UDPHeaderSize = 8

// UDP is a byte slice viewed as a UDP segment.
type UDP []byte

// SourcePort returns the source port.
func (b UDP) SourcePort() uint16 { return be16(b[0:2]) }

// DestinationPort returns the destination port.
func (b UDP) DestinationPort() uint16 { return be16(b[2:4]) }

// Length returns the length field (header + payload).
func (b UDP) Length() uint16 { return be16(b[4:6]) }

// Checksum returns the checksum field.
func (b UDP) Checksum() uint16 { return be16(b[6:8]) }

// Payload returns the bytes after the header.
func (b UDP) Payload() []byte { return b[UDPHeaderSize:] }

// VerifyChecksum reports whether the segment's checksum is valid against
// the given pseudo-header seed.
func (b UDP) VerifyChecksum(pseudoSum uint32) bool {
	return tcpip.Checksum16(b, pseudoSum) == 0
}

// EncodeUDP builds a UDP header plus payload into buf (which must be at
// least UDPHeaderSize+len(payload) bytes) and computes the checksum
// against the supplied pseudo-header seed.
func EncodeUDP(buf []byte, srcPort, dstPort uint16, payload []byte, pseudoSum uint32) {
	total := UDPHeaderSize + len(payload)
	putBE16(buf[0:2], srcPort)
	putBE16(buf[2:4], dstPort)
	putBE16(buf[4:6], uint16(total))
	putBE16(buf[6:8], 0)
	copy(buf[UDPHeaderSize:total], payload)
	sum := tcpip.Checksum16(buf[:total], pseudoSum)
	putBE16(buf[6:8], sum)
}
