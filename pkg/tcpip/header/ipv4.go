// Package header parses and builds the wire formats this engine speaks:
// IPv4, ARP, ICMPv4, UDP and TCP. Fields are read and written by explicit
// byte offset with big-endian loads, not struct overlay, per the
// engine's "unsafe wire-format parsing" design note.
package header

import (
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip"
)

// IPv4MinHeaderSize is the minimum (no-options) IPv4 header size.
const IPv4MinHeaderSize = 20

// IPv4Version is the IP version nibble for IPv4.
const IPv4Version = 4

// IPv4 flag bits within the offset field.
const (
	IPv4FlagMoreFragments = 0x2000
	IPv4FragOffsetMask    = 0x1fff
)

// IPv4 protocol numbers used by this engine.
const (
	ProtocolICMP = 1
	ProtocolTCP  = 6
	ProtocolUDP  = 17
)

// IPv4Fields is the decoded form of an IPv4 header, used to build a new
// packet. See EncodeIPv4.
type IPv4Fields struct {
	TOS      uint8
	TotalLen uint16
	ID       uint16
	Flags    uint16
	FragOff  uint16
	TTL      uint8
	Protocol uint8
	Checksum uint16
	SrcAddr  tcpip.Address
	DstAddr  tcpip.Address
}

// IPv4 is a byte slice viewed as an IPv4 header (plus whatever follows).
type IPv4 []byte

// IHL returns the header length in bytes, decoded from the low nibble of
// byte 0.
func (b IPv4) IHL() int { return int(b[0]&0x0f) << 2 }

// Version returns the IP version from the high nibble of byte 0.
func (b IPv4) Version() int { return int(b[0] >> 4) }

// TOS returns the type-of-service byte.
func (b IPv4) TOS() uint8 { return b[1] }

// TotalLength returns the total datagram length (header + payload).
func (b IPv4) TotalLength() uint16 { return be16(b[2:4]) }

// ID returns the identification field.
func (b IPv4) ID() uint16 { return be16(b[4:6]) }

// FlagsFragOffset returns the raw flags+fragment-offset field.
func (b IPv4) FlagsFragOffset() uint16 { return be16(b[6:8]) }

// MoreFragments reports whether the MF flag is set.
func (b IPv4) MoreFragments() bool { return b.FlagsFragOffset()&IPv4FlagMoreFragments != 0 }

// FragmentOffset returns the fragment offset in 8-byte units.
func (b IPv4) FragmentOffset() uint16 { return b.FlagsFragOffset() & IPv4FragOffsetMask }

// TTL returns the time-to-live field.
func (b IPv4) TTL() uint8 { return b[8] }

// Protocol returns the encapsulated protocol number.
func (b IPv4) Protocol() uint8 { return b[9] }

// Checksum returns the header checksum field.
func (b IPv4) Checksum() uint16 { return be16(b[10:12]) }

// SourceAddress returns the source address.
func (b IPv4) SourceAddress() tcpip.Address {
	return tcpip.Address{b[12], b[13], b[14], b[15]}
}

// DestinationAddress returns the destination address.
func (b IPv4) DestinationAddress() tcpip.Address {
	return tcpip.Address{b[16], b[17], b[18], b[19]}
}

// Payload returns the bytes after the header.
func (b IPv4) Payload() []byte { return b[b.IHL():b.TotalLength()] }

// VerifyChecksum reports whether the header checksum is valid, i.e.
// cksum16(header, hlen, 0) == 0.
func (b IPv4) VerifyChecksum() bool {
	return tcpip.Checksum16(b[:b.IHL()], 0) == 0
}

// EncodeIPv4 builds a complete IPv4 header of IPv4MinHeaderSize bytes
// into buf (which must be at least that long), computing the header
// checksum. It always emits a minimal, options-free header: version 4,
// IHL 5.
func EncodeIPv4(buf []byte, f IPv4Fields) {
	buf[0] = (IPv4Version << 4) | (IPv4MinHeaderSize >> 2)
	buf[1] = f.TOS
	putBE16(buf[2:4], f.TotalLen)
	putBE16(buf[4:6], f.ID)
	putBE16(buf[6:8], f.Flags|f.FragOff)
	buf[8] = f.TTL
	buf[9] = f.Protocol
	putBE16(buf[10:12], 0)
	copy(buf[12:16], f.SrcAddr[:])
	copy(buf[16:20], f.DstAddr[:])
	sum := tcpip.Checksum16(buf[:IPv4MinHeaderSize], 0)
	putBE16(buf[10:12], sum)
}

func be16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

func putBE16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
