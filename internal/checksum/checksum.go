// Package checksum wraps gvisor's header checksum primitives for the
// IPv4/IPv6/TCP/UDP/ICMP headers built by internal/tap's frame builders.
// We reuse the teacher's gvisor
// dependency for this leaf concern only; the translation state machine
// itself is hand-rolled per spec.md §4.3, not gvisor's netstack.
package checksum

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// IPv4Header recomputes and writes the IPv4 header checksum in place.
// Grounded on spec.md §4.3's note that the IP checksum is recomputed only
// on the first/last segment of a batch; callers decide when to call this.
func IPv4Header(b []byte) {
	h := header.IPv4(b)
	h.SetChecksum(0)
	h.SetChecksum(^h.CalculateChecksum())
}

// PseudoHeaderTCP4 returns the IPv4 pseudo-header checksum contribution for
// a TCP segment, to be combined with the TCP header+payload checksum.
func PseudoHeaderTCP4(src, dst [4]byte, totalLen uint16) uint16 {
	return header.PseudoHeaderChecksum(header.TCPProtocolNumber,
		tcpip.AddrFrom4(src), tcpip.AddrFrom4(dst), totalLen)
}

// PseudoHeaderTCP6 is the IPv6 analogue of PseudoHeaderTCP4.
func PseudoHeaderTCP6(src, dst [16]byte, totalLen uint16) uint16 {
	return header.PseudoHeaderChecksum(header.TCPProtocolNumber,
		tcpip.AddrFrom16(src), tcpip.AddrFrom16(dst), totalLen)
}

// PseudoHeaderUDP4/6 are the UDP equivalents.
func PseudoHeaderUDP4(src, dst [4]byte, totalLen uint16) uint16 {
	return header.PseudoHeaderChecksum(header.UDPProtocolNumber,
		tcpip.AddrFrom4(src), tcpip.AddrFrom4(dst), totalLen)
}

func PseudoHeaderUDP6(src, dst [16]byte, totalLen uint16) uint16 {
	return header.PseudoHeaderChecksum(header.UDPProtocolNumber,
		tcpip.AddrFrom16(src), tcpip.AddrFrom16(dst), totalLen)
}

// PseudoHeaderICMPv6 is ICMPv6's pseudo-header contribution (RFC 4443 §2.3:
// unlike ICMPv4, ICMPv6's checksum is pseudo-header-seeded like TCP/UDP).
func PseudoHeaderICMPv6(src, dst [16]byte, totalLen uint16) uint16 {
	return header.PseudoHeaderChecksum(header.ICMPv6ProtocolNumber,
		tcpip.AddrFrom16(src), tcpip.AddrFrom16(dst), totalLen)
}

// L4 finalizes a TCP/UDP checksum over the already-pseudo-header-seeded
// partial sum and the header+payload bytes, matching csum_is_valid's
// counterpart on the encode side (spec.md §8 round-trip property).
func L4(partial uint16, b []byte) uint16 {
	sum := header.Checksum(b, partial)
	return ^sum
}

// IsValid reports whether the ones-complement checksum of b, combined with
// the given pseudo-header partial sum, is the all-ones value required by
// RFC 1071 (spec.md §8's csum_is_valid).
func IsValid(partial uint16, b []byte) bool {
	return header.Checksum(b, partial) == 0xffff
}

// Uint16At reads a big-endian uint16 at offset off, a small helper used
// pervasively when finalizing headers in place.
func Uint16At(b []byte, off int) uint16 {
	return binary.BigEndian.Uint16(b[off : off+2])
}

// PutUint16At writes v as big-endian at offset off.
func PutUint16At(b []byte, off int, v uint16) {
	binary.BigEndian.PutUint16(b[off:off+2], v)
}
