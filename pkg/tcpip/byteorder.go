package tcpip

import "encoding/binary"

// These mirror the klab tutorial's util.h hton16/ntoh16/hton32/ntoh32
// helpers. Go's encoding/binary already gives us big-endian load/store,
// and the wire-format code (header package) reads and writes fields with
// its own big-endian helpers rather than these; the named forms keep the
// round-trip properties in the spec's testable-properties section
// (hton16(ntoh16(x)) == x) expressible as named functions. Each one swaps
// the byte order unconditionally, i.e. it assumes a little-endian host.

// HTON16 converts a host-order uint16 to network (big-endian) order.
func HTON16(h uint16) uint16 { return ntohHton16(h) }

// NTOH16 converts a network-order uint16 to host order.
func NTOH16(n uint16) uint16 { return ntohHton16(n) }

func ntohHton16(x uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], x)
	return binary.LittleEndian.Uint16(b[:])
}

// HTON32 converts a host-order uint32 to network (big-endian) order.
func HTON32(h uint32) uint32 { return ntohHton32(h) }

// NTOH32 converts a network-order uint32 to host order.
func NTOH32(n uint32) uint32 { return ntohHton32(n) }

func ntohHton32(x uint32) uint32 {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], x)
	return binary.LittleEndian.Uint32(b[:])
}
