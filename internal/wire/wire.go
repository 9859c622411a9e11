// Package wire defines the fixed binary layouts guests use to pass network
// structures across the sandbox boundary, and converts them to and from
// validated host-side values.
//
// The layouts are a byte-exact contract with the guest toolchain:
//   - Address:         {tag u8, payload [16]u8}; IPv4 occupies payload[0:4].
//   - Cidr:            {Address, prefix_len u8}.
//   - OptionTimestamp: {tag u8, pad [7]u8, value u64}; value is nanoseconds
//     since the epoch and only meaningful when tag is TagSome.
//   - AddrPort:        {Address, port u16, pad u8}.
//   - Route:           {Cidr, Address, pad [5]u8, OptionTimestamp x2}, aligned
//     so the timestamp words sit on 8-byte offsets.
//
// Multi-byte fields are little-endian, matching the guest's linear memory
// convention. Decoding never trusts a tag or length: any unknown discriminant
// or short buffer is a DecodeError, not a coercion. Decoded values are owned
// netip types with no aliasing back into guest memory.
package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Address family discriminants.
const (
	TagUnspec = 0x00
	TagIPv4   = 0x01
	TagIPv6   = 0x02
)

// Optional-value discriminants.
const (
	TagNone = 0x00
	TagSome = 0x01
)

// Sizes (bytes) of the guest-visible structures.
const (
	AddrSize            = 17
	CidrSize            = AddrSize + 1
	OptionTimestampSize = 16
	AddrPortSize        = 20
	RouteSize           = 72
	MACSize             = 6
)

// Route field offsets within the 72-byte route structure.
const (
	routeOffCidr      = 0
	routeOffVia       = CidrSize
	routeOffPreferred = 40
	routeOffExpires   = 56
)

// DecodeError describes a malformed guest-supplied structure. It is always a
// guest-input problem: the bytes were fetched successfully but do not form a
// valid value.
type DecodeError struct {
	Struct string // which structure failed ("address", "cidr", ...)
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: decode %s: %s", e.Struct, e.Reason)
}

func decodeErrf(structName, format string, args ...any) error {
	return &DecodeError{Struct: structName, Reason: fmt.Sprintf(format, args...)}
}

// OptionNanos is an optional nanosecond timestamp as it crosses the wire.
// Nanos is meaningful only when Set is true.
type OptionNanos struct {
	Nanos uint64
	Set   bool
}

// DecodeAddr reads an Address structure. The unspecified family is rejected:
// every context this package serves (route targets, bind addresses) requires
// a concrete IPv4 or IPv6 address.
func DecodeAddr(b []byte) (netip.Addr, error) {
	if len(b) < AddrSize {
		return netip.Addr{}, decodeErrf("address", "short buffer: %d < %d", len(b), AddrSize)
	}
	switch b[0] {
	case TagIPv4:
		var octets [4]byte
		copy(octets[:], b[1:5])
		return netip.AddrFrom4(octets), nil
	case TagIPv6:
		var octets [16]byte
		copy(octets[:], b[1:17])
		return netip.AddrFrom16(octets), nil
	case TagUnspec:
		return netip.Addr{}, decodeErrf("address", "unspecified family")
	default:
		return netip.Addr{}, decodeErrf("address", "unknown family tag 0x%02x", b[0])
	}
}

// EncodeAddr writes an Address structure into dst. An invalid netip.Addr is
// written as the unspecified family so a misbehaving host value can never
// masquerade as a concrete address. Panics if dst is too small; sizing the
// destination is the caller's bug, not the guest's.
func EncodeAddr(dst []byte, addr netip.Addr) {
	if len(dst) < AddrSize {
		panic("wire: EncodeAddr: buffer too small")
	}
	for i := 0; i < AddrSize; i++ {
		dst[i] = 0
	}
	switch {
	case !addr.IsValid():
		dst[0] = TagUnspec
	case addr.Is4():
		dst[0] = TagIPv4
		octets := addr.As4()
		copy(dst[1:5], octets[:])
	default:
		dst[0] = TagIPv6
		octets := addr.As16()
		copy(dst[1:17], octets[:])
	}
}

// DecodeCidr reads a Cidr structure: an Address followed by a prefix length.
// The prefix length must not exceed the address family's bit width.
func DecodeCidr(b []byte) (netip.Prefix, error) {
	if len(b) < CidrSize {
		return netip.Prefix{}, decodeErrf("cidr", "short buffer: %d < %d", len(b), CidrSize)
	}
	addr, err := DecodeAddr(b[:AddrSize])
	if err != nil {
		return netip.Prefix{}, err
	}
	prefixLen := int(b[AddrSize])
	if prefixLen > addr.BitLen() {
		return netip.Prefix{}, decodeErrf("cidr", "prefix length %d exceeds %d-bit address", prefixLen, addr.BitLen())
	}
	return netip.PrefixFrom(addr, prefixLen), nil
}

// EncodeCidr writes a Cidr structure into dst. Panics if dst is too small.
func EncodeCidr(dst []byte, p netip.Prefix) {
	if len(dst) < CidrSize {
		panic("wire: EncodeCidr: buffer too small")
	}
	EncodeAddr(dst[:AddrSize], p.Addr())
	dst[AddrSize] = byte(p.Bits())
}

// DecodeOptionTimestamp reads an OptionTimestamp structure. Only TagNone and
// TagSome are legal; any other discriminant fails rather than coercing, since
// the guest is untrusted.
func DecodeOptionTimestamp(b []byte) (OptionNanos, error) {
	if len(b) < OptionTimestampSize {
		return OptionNanos{}, decodeErrf("option-timestamp", "short buffer: %d < %d", len(b), OptionTimestampSize)
	}
	switch b[0] {
	case TagNone:
		return OptionNanos{}, nil
	case TagSome:
		return OptionNanos{Nanos: binary.LittleEndian.Uint64(b[8:16]), Set: true}, nil
	default:
		return OptionNanos{}, decodeErrf("option-timestamp", "unknown option tag 0x%02x", b[0])
	}
}

// EncodeOptionTimestamp writes an OptionTimestamp structure into dst. Panics
// if dst is too small.
func EncodeOptionTimestamp(dst []byte, t OptionNanos) {
	if len(dst) < OptionTimestampSize {
		panic("wire: EncodeOptionTimestamp: buffer too small")
	}
	for i := 0; i < OptionTimestampSize; i++ {
		dst[i] = 0
	}
	if t.Set {
		dst[0] = TagSome
		binary.LittleEndian.PutUint64(dst[8:16], t.Nanos)
	}
}

// DecodeAddrPort reads an AddrPort structure: an Address plus a port.
func DecodeAddrPort(b []byte) (netip.AddrPort, error) {
	if len(b) < AddrPortSize {
		return netip.AddrPort{}, decodeErrf("addr-port", "short buffer: %d < %d", len(b), AddrPortSize)
	}
	addr, err := DecodeAddr(b[:AddrSize])
	if err != nil {
		return netip.AddrPort{}, err
	}
	port := binary.LittleEndian.Uint16(b[AddrSize : AddrSize+2])
	return netip.AddrPortFrom(addr, port), nil
}

// EncodeAddrPort writes an AddrPort structure into dst. Panics if dst is too
// small.
func EncodeAddrPort(dst []byte, ap netip.AddrPort) {
	if len(dst) < AddrPortSize {
		panic("wire: EncodeAddrPort: buffer too small")
	}
	for i := 0; i < AddrPortSize; i++ {
		dst[i] = 0
	}
	EncodeAddr(dst[:AddrSize], ap.Addr())
	binary.LittleEndian.PutUint16(dst[AddrSize:AddrSize+2], ap.Port())
}

// DecodeRoute reads a Route structure: destination, next hop, and the two
// optional validity timestamps.
func DecodeRoute(b []byte) (dest netip.Prefix, via netip.Addr, preferred, expires OptionNanos, err error) {
	if len(b) < RouteSize {
		err = decodeErrf("route", "short buffer: %d < %d", len(b), RouteSize)
		return
	}
	if dest, err = DecodeCidr(b[routeOffCidr : routeOffCidr+CidrSize]); err != nil {
		return
	}
	if via, err = DecodeAddr(b[routeOffVia : routeOffVia+AddrSize]); err != nil {
		return
	}
	if preferred, err = DecodeOptionTimestamp(b[routeOffPreferred : routeOffPreferred+OptionTimestampSize]); err != nil {
		return
	}
	expires, err = DecodeOptionTimestamp(b[routeOffExpires : routeOffExpires+OptionTimestampSize])
	return
}

// EncodeRoute writes a Route structure into dst. Panics if dst is too small.
func EncodeRoute(dst []byte, dest netip.Prefix, via netip.Addr, preferred, expires OptionNanos) {
	if len(dst) < RouteSize {
		panic("wire: EncodeRoute: buffer too small")
	}
	for i := 0; i < RouteSize; i++ {
		dst[i] = 0
	}
	EncodeCidr(dst[routeOffCidr:routeOffCidr+CidrSize], dest)
	EncodeAddr(dst[routeOffVia:routeOffVia+AddrSize], via)
	EncodeOptionTimestamp(dst[routeOffPreferred:routeOffPreferred+OptionTimestampSize], preferred)
	EncodeOptionTimestamp(dst[routeOffExpires:routeOffExpires+OptionTimestampSize], expires)
}
