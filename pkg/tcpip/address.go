// Package tcpip defines the core wire-level types shared by every layer
// of the protocol engine: addresses, endpoints, byte-order helpers,
// checksums and the error kinds surfaced at the API boundary.
package tcpip

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Address is an IPv4 address in network byte order.
type Address [4]byte

// AddrAny is the unspecified address (0.0.0.0); as a route next-hop it
// means "on-link", and as an IP source it means "pick the outgoing
// interface's unicast".
var AddrAny = Address{0, 0, 0, 0}

// AddrBroadcast is the limited broadcast address (255.255.255.255).
var AddrBroadcast = Address{0xff, 0xff, 0xff, 0xff}

// ParseAddress parses a dotted-quad string into an Address. Each octet
// must be a decimal integer in [0, 255]; anything else is ErrMalformed.
func ParseAddress(s string) (Address, error) {
	var a Address
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return a, fmt.Errorf("%w: %q is not a dotted quad", ErrMalformed, s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 16)
		if err != nil || v > 255 {
			return Address{}, fmt.Errorf("%w: invalid octet %q in %q", ErrMalformed, p, s)
		}
		a[i] = byte(v)
	}
	return a, nil
}

// String renders the address as a dotted quad.
func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

// IsAny reports whether a is the unspecified address.
func (a Address) IsAny() bool { return a == AddrAny }

// IsBroadcast reports whether a is the limited broadcast address.
func (a Address) IsBroadcast() bool { return a == AddrBroadcast }

// Uint32 returns the address as a big-endian 32-bit integer, matching the
// wire representation used in IPv4 headers and pseudo-headers.
func (a Address) Uint32() uint32 {
	return uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
}

// AddressFromUint32 builds an Address from a big-endian 32-bit integer.
func AddressFromUint32(v uint32) Address {
	return Address{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// Mask is an IPv4 netmask, represented the same way as Address so that
// bitwise AND/OR/complement apply directly.
type Mask [4]byte

// Uint32 returns the mask as a big-endian 32-bit integer, used by route
// lookup's raw-mask tie-break comparison.
func (m Mask) Uint32() uint32 {
	return uint32(m[0])<<24 | uint32(m[1])<<16 | uint32(m[2])<<8 | uint32(m[3])
}

// And returns a & m.
func (a Address) And(m Mask) Address {
	return Address{a[0] & m[0], a[1] & m[1], a[2] & m[2], a[3] & m[3]}
}

// Or returns a | b.
func (a Address) Or(b Address) Address {
	return Address{a[0] | b[0], a[1] | b[1], a[2] | b[2], a[3] | b[3]}
}

// Complement returns the bitwise complement of m as an Address, i.e. ^m.
//
// The original C tutorial this engine is grounded on computed the
// interface broadcast address as `(unicast & netmask) | !netmask`: `!`
// is logical-not, so it collapses the whole mask down to 0 or 1 (0 for
// any non-zero mask) instead of flipping every bit. That is a bug in the
// source: the broadcast address for, say, 192.168.1.10/24 would come out
// as 192.168.1.0 instead of 192.168.1.255. This engine uses the correct
// bitwise complement (^netmask) throughout.
func (m Mask) Complement() Address {
	return Address{^m[0], ^m[1], ^m[2], ^m[3]}
}

// Endpoint is an (address, port) pair, the unit UDP and TCP bind to.
type Endpoint struct {
	Addr Address
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// IsAny reports whether the endpoint is fully unspecified.
func (e Endpoint) IsAny() bool { return e.Addr.IsAny() && e.Port == 0 }

// LinkAddress is a link-layer (MAC) address.
type LinkAddress [6]byte

func (l LinkAddress) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", l[0], l[1], l[2], l[3], l[4], l[5])
}

// IsBroadcast reports whether l is the all-ones link broadcast address.
func (l LinkAddress) IsBroadcast() bool {
	return l == LinkBroadcast
}

// LinkBroadcast is the Ethernet broadcast address ff:ff:ff:ff:ff:ff.
var LinkBroadcast = LinkAddress{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Sentinel errors surfaced at the API boundary (§7). Internal-only
// outcomes (ARP_PENDING) are not part of this set; they are reported via
// the separate ErrARPPending sentinel below.
var (
	ErrNoRoute           = errors.New("no route to host")
	ErrSourceRequired    = errors.New("source address is required for broadcast destination")
	ErrBadSource         = errors.New("source address does not match outgoing interface")
	ErrTooLong           = errors.New("payload exceeds interface MTU")
	ErrPortInUse         = errors.New("local endpoint already bound")
	ErrPCBNotFound       = errors.New("control block not found")
	ErrInvalidState      = errors.New("operation invalid in current state")
	ErrInterrupted       = errors.New("interrupted")
	ErrOpenFailed        = errors.New("connection open failed")
	ErrResourceExhausted = errors.New("resource pool exhausted")
	ErrMalformed         = errors.New("malformed packet")
)

// ErrARPPending indicates the destination's link address is still being
// resolved. It is internal to IP output / ARP and is never returned
// across the public API: the datagram stays queued on the ARP entry and
// is sent once the entry resolves, so TCP output and UDP SendTo do not
// pass it on to the user.
var ErrARPPending = errors.New("arp resolution pending")
