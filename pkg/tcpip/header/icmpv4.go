package header

import "github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip"

// ICMPv4 type/code values this engine handles (RFC 792).
const (
	ICMPv4EchoReply   = 0
	ICMPv4EchoRequest = 8
)

// ICMPv4HeaderSize is the size of the fixed echo/echo-reply header
// (type, code, checksum, identifier, sequence) preceding the echo
// payload.
const ICMPv4HeaderSize = 8

// ICMPv4 is a byte slice viewed as an ICMPv4 echo/echo-reply message.
type ICMPv4 []byte

// Type returns the ICMP type byte.
func (b ICMPv4) Type() uint8 { return b[0] }

// Code returns the ICMP code byte.
func (b ICMPv4) Code() uint8 { return b[1] }

// Checksum returns the checksum field.
func (b ICMPv4) Checksum() uint16 { return be16(b[2:4]) }

// Identifier returns the echo identifier field.
func (b ICMPv4) Identifier() uint16 { return be16(b[4:6]) }

// Sequence returns the echo sequence field.
func (b ICMPv4) Sequence() uint16 { return be16(b[6:8]) }

// Payload returns the bytes following the 8-byte echo header.
func (b ICMPv4) Payload() []byte { return b[ICMPv4HeaderSize:] }

// VerifyChecksum reports whether cksum16(message, len, 0) == 0.
func (b ICMPv4) VerifyChecksum() bool {
	return tcpip.Checksum16(b, 0) == 0
}

// EncodeICMPv4Echo builds an echo request/reply message (type, code 0,
// identifier, sequence, payload) into buf, which must be at least
// ICMPv4HeaderSize+len(payload) bytes, and computes its checksum.
func EncodeICMPv4Echo(buf []byte, typ uint8, id, seq uint16, payload []byte) {
	buf[0] = typ
	buf[1] = 0
	putBE16(buf[2:4], 0)
	putBE16(buf[4:6], id)
	putBE16(buf[6:8], seq)
	copy(buf[ICMPv4HeaderSize:], payload)
	total := ICMPv4HeaderSize + len(payload)
	sum := tcpip.Checksum16(buf[:total], 0)
	putBE16(buf[2:4], sum)
}
