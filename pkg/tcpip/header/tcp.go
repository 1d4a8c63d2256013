package header

import "github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip"

// TCP control-bit flags (RFC 793).
const (
	TCPFlagFIN = 0x01
	TCPFlagSYN = 0x02
	TCPFlagRST = 0x04
	TCPFlagPSH = 0x08
	TCPFlagACK = 0x10
	TCPFlagURG = 0x20
)

// TCPHeaderSize is the fixed (no-options) TCP header size.
const TCPHeaderSize = 20

// TCP is a byte slice viewed as a TCP segment.
type TCP []byte

// SourcePort returns the source port.
func (b TCP) SourcePort() uint16 { return be16(b[0:2]) }

// DestinationPort returns the destination port.
func (b TCP) DestinationPort() uint16 { return be16(b[2:4]) }

// SeqNumber returns the sequence number.
func (b TCP) SeqNumber() uint32 { return be32(b[4:8]) }

// AckNumber returns the acknowledgement number.
func (b TCP) AckNumber() uint32 { return be32(b[8:12]) }

// DataOffset returns the header length in bytes, decoded from the high
// nibble of byte 12.
func (b TCP) DataOffset() int { return int(b[12]>>4) << 2 }

// Flags returns the control-bit byte.
func (b TCP) Flags() uint8 { return b[13] }

// WindowSize returns the advertised receive window.
func (b TCP) WindowSize() uint16 { return be16(b[14:16]) }

// Checksum returns the checksum field.
func (b TCP) Checksum() uint16 { return be16(b[16:18]) }

// UrgentPointer returns the urgent pointer field (unused; no urgent data
// support, per Non-goals).
func (b TCP) UrgentPointer() uint16 { return be16(b[18:20]) }

// Payload returns the bytes after the header.
func (b TCP) Payload() []byte { return b[b.DataOffset():] }

// FlagString renders flags the way the klab tutorial's tcp_flg_ntoa did,
// e.g. "---A--S-" for SYN|ACK; useful in debug logs.
func FlagString(flags uint8) string {
	var s [6]byte
	set := func(bit uint8, c byte) byte {
		if flags&bit != 0 {
			return c
		}
		return '-'
	}
	s[0] = set(TCPFlagURG, 'U')
	s[1] = set(TCPFlagACK, 'A')
	s[2] = set(TCPFlagPSH, 'P')
	s[3] = set(TCPFlagRST, 'R')
	s[4] = set(TCPFlagSYN, 'S')
	s[5] = set(TCPFlagFIN, 'F')
	return "--" + string(s[:])
}

// VerifyChecksum reports whether the segment's checksum is valid against
// the given pseudo-header seed.
func (b TCP) VerifyChecksum(pseudoSum uint32) bool {
	return tcpip.Checksum16(b, pseudoSum) == 0
}

// EncodeTCP builds a TCP header (no options) plus payload into buf
// (which must be at least TCPHeaderSize+len(payload) bytes) and computes
// the checksum against the supplied pseudo-header seed.
func EncodeTCP(buf []byte, srcPort, dstPort uint16, seq, ack uint32, flags uint8, wnd uint16, payload []byte, pseudoSum uint32) {
	total := TCPHeaderSize + len(payload)
	putBE16(buf[0:2], srcPort)
	putBE16(buf[2:4], dstPort)
	putBE32(buf[4:8], seq)
	putBE32(buf[8:12], ack)
	buf[12] = (TCPHeaderSize >> 2) << 4
	buf[13] = flags
	putBE16(buf[14:16], wnd)
	putBE16(buf[16:18], 0)
	putBE16(buf[18:20], 0)
	copy(buf[TCPHeaderSize:total], payload)
	sum := tcpip.Checksum16(buf[:total], pseudoSum)
	putBE16(buf[16:18], sum)
}
