package tap

import (
	"encoding/binary"
	"net"
)

const (
	protoICMP   = 1
	protoTCP    = 6
	protoUDP    = 17
	protoICMPv6 = 58
)

// fragFlagMF and fragOffMask decode the IPv4 fragmentation field, per
// spec.md's example 3 ("frag_off = htons(0x2000), MF=1").
const (
	fragFlagMF    = 0x2000
	fragOffMask   = 0x1fff
)

// V4Info is what ParseV4 extracts from the Ethernet+IPv4 header of an
// Ethernet frame: the 4-tuple grouping key, whether the packet is a dropped
// IP fragment, and whether either endpoint is loopback (spec.md §4.5:
// "Loopback addresses on either end terminate the packet").
type V4Info struct {
	Tuple     Tuple
	Fragment  bool
	Loopback  bool
	Proto     uint8
	Payload   []byte // L4 payload (after the IP header)
	SrcIP     net.IP
	DstIP     net.IP
}

// ParseV4 expects frame to start at the Ethernet header and contain a
// full IPv4 datagram.
func ParseV4(frame []byte) (V4Info, bool) {
	if len(frame) < ethHdrLen+20 {
		return V4Info{}, false
	}
	ip := frame[ethHdrLen:]
	if ip[0]>>4 != 4 {
		return V4Info{}, false
	}
	ihl := int(ip[0]&0x0f) * 4
	if ihl < 20 || len(ip) < ihl {
		return V4Info{}, false
	}
	totalLen := int(binary.BigEndian.Uint16(ip[2:4]))
	if totalLen < ihl || totalLen > len(ip) {
		totalLen = len(ip)
	}

	fragField := binary.BigEndian.Uint16(ip[6:8])
	fragment := fragField&fragFlagMF != 0 || fragField&fragOffMask != 0

	proto := ip[9]
	src := net.IP(append([]byte(nil), ip[12:16]...))
	dst := net.IP(append([]byte(nil), ip[16:20]...))
	loopback := src.IsLoopback() || dst.IsLoopback()

	info := V4Info{
		Fragment: fragment,
		Loopback: loopback,
		Proto:    proto,
		SrcIP:    src,
		DstIP:    dst,
	}
	if fragment || ihl+4 > totalLen {
		return info, true
	}
	l4 := ip[ihl:totalLen]
	info.Payload = l4

	switch proto {
	case protoTCP, protoUDP:
		if len(l4) < 4 {
			return info, true
		}
		info.Tuple = Tuple{
			Proto: proto,
			Src:   toNetIP(src),
			Dst:   toNetIP(dst),
			SPort: binary.BigEndian.Uint16(l4[0:2]),
			DPort: binary.BigEndian.Uint16(l4[2:4]),
		}
	}
	return info, true
}

// V6Info mirrors V4Info for IPv6 (no fragmentation support: fragment
// extension headers are treated as unparseable and dropped upstream).
type V6Info struct {
	Tuple    Tuple
	Loopback bool
	Proto    uint8
	Payload  []byte
	SrcIP    net.IP
	DstIP    net.IP
}

// ParseV6 expects frame to start at the Ethernet header and contain a
// full IPv6 datagram with no extension headers (the next-header field
// must directly name TCP/UDP/ICMPv6).
func ParseV6(frame []byte) (V6Info, bool) {
	const v6HdrLen = 40
	if len(frame) < ethHdrLen+v6HdrLen {
		return V6Info{}, false
	}
	ip := frame[ethHdrLen:]
	if ip[0]>>4 != 6 {
		return V6Info{}, false
	}
	payloadLen := int(binary.BigEndian.Uint16(ip[4:6]))
	proto := ip[6]
	src := net.IP(append([]byte(nil), ip[8:24]...))
	dst := net.IP(append([]byte(nil), ip[24:40]...))
	loopback := src.IsLoopback() || dst.IsLoopback()

	end := v6HdrLen + payloadLen
	if end > len(ip) || payloadLen == 0 {
		end = len(ip)
	}
	info := V6Info{
		Loopback: loopback,
		Proto:    proto,
		SrcIP:    src,
		DstIP:    dst,
	}
	l4 := ip[v6HdrLen:end]
	info.Payload = l4

	switch proto {
	case protoTCP, protoUDP:
		if len(l4) < 4 {
			return info, true
		}
		info.Tuple = Tuple{
			Proto: proto,
			Src:   toNetIP(src),
			Dst:   toNetIP(dst),
			SPort: binary.BigEndian.Uint16(l4[0:2]),
			DPort: binary.BigEndian.Uint16(l4[2:4]),
		}
	}
	return info, true
}
