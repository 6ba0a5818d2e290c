package tap

import (
	"encoding/binary"
	"net"

	"netshim/internal/checksum"
)

// TCPFrameSpec describes one outbound Ethernet/IP/TCP frame to hand back to
// the tap transport. HasWindowScale/MSS!=0 request the corresponding TCP
// options, used only on SYN/SYN+ACK frames per spec.md §4.3.
type TCPFrameSpec struct {
	SrcMAC, DstMAC [6]byte
	V6             bool
	SrcIP, DstIP   net.IP
	SrcPort, DstPort uint16
	Seq, Ack       uint32
	Flags          uint8
	Window         uint16
	MSS            uint16
	WindowScale    uint8
	HasWindowScale bool
	Payload        []byte
}

// BuildTCPFrame renders spec into a full Ethernet frame with valid IP and
// TCP checksums, matching the round-trip property of spec.md §8 ("encoding
// then decoding ... yields ... a checksum that passes csum_is_valid").
func BuildTCPFrame(spec TCPFrameSpec) []byte {
	var opts []byte
	if spec.MSS != 0 {
		opts = append(opts, tcpOptMSS, 4, 0, 0)
		binary.BigEndian.PutUint16(opts[2:4], spec.MSS)
	}
	if spec.HasWindowScale {
		opts = append(opts, tcpOptWindowScale, 3, spec.WindowScale)
	}
	for len(opts)%4 != 0 {
		opts = append(opts, 0) // EOL (zero) pad to a 4-byte boundary
	}

	tcpHdrLen := 20 + len(opts)
	tcpLen := tcpHdrLen + len(spec.Payload)

	tcp := make([]byte, tcpLen)
	binary.BigEndian.PutUint16(tcp[0:2], spec.SrcPort)
	binary.BigEndian.PutUint16(tcp[2:4], spec.DstPort)
	binary.BigEndian.PutUint32(tcp[4:8], spec.Seq)
	binary.BigEndian.PutUint32(tcp[8:12], spec.Ack)
	tcp[12] = byte(tcpHdrLen/4) << 4
	tcp[13] = spec.Flags
	binary.BigEndian.PutUint16(tcp[14:16], spec.Window)
	copy(tcp[20:], opts)
	copy(tcp[tcpHdrLen:], spec.Payload)

	if spec.V6 {
		return buildIPv6Frame(spec.SrcMAC, spec.DstMAC, spec.SrcIP.To16(), spec.DstIP.To16(), protoTCP, tcp)
	}
	return buildIPv4Frame(spec.SrcMAC, spec.DstMAC, spec.SrcIP.To4(), spec.DstIP.To4(), protoTCP, tcp)
}

// UDPFrameSpec describes one outbound Ethernet/IP/UDP frame.
type UDPFrameSpec struct {
	SrcMAC, DstMAC   [6]byte
	V6               bool
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
	Payload          []byte
}

// BuildUDPFrame renders spec into a full Ethernet frame with valid IP and
// UDP checksums.
func BuildUDPFrame(spec UDPFrameSpec) []byte {
	udpLen := 8 + len(spec.Payload)
	udp := make([]byte, udpLen)
	binary.BigEndian.PutUint16(udp[0:2], spec.SrcPort)
	binary.BigEndian.PutUint16(udp[2:4], spec.DstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	copy(udp[8:], spec.Payload)

	if spec.V6 {
		return buildIPv6Frame(spec.SrcMAC, spec.DstMAC, spec.SrcIP.To16(), spec.DstIP.To16(), protoUDP, udp)
	}
	return buildIPv4Frame(spec.SrcMAC, spec.DstMAC, spec.SrcIP.To4(), spec.DstIP.To4(), protoUDP, udp)
}

// ICMPFrameSpec describes one outbound Ethernet/IP/ICMP echo frame.
type ICMPFrameSpec struct {
	SrcMAC, DstMAC [6]byte
	V6             bool
	SrcIP, DstIP   net.IP
	Type, Code     uint8
	ID, Seq        uint16
	Data           []byte
}

// BuildICMPEchoFrame renders spec into a full Ethernet frame with a valid
// ICMP(v6) checksum.
func BuildICMPEchoFrame(spec ICMPFrameSpec) []byte {
	icmpLen := 8 + len(spec.Data)
	icmp := make([]byte, icmpLen)
	icmp[0] = spec.Type
	icmp[1] = spec.Code
	binary.BigEndian.PutUint16(icmp[4:6], spec.ID)
	binary.BigEndian.PutUint16(icmp[6:8], spec.Seq)
	copy(icmp[8:], spec.Data)

	if spec.V6 {
		partial := checksum.PseudoHeaderICMPv6(to16(spec.SrcIP), to16(spec.DstIP), uint16(icmpLen))
		binary.BigEndian.PutUint16(icmp[2:4], 0)
		binary.BigEndian.PutUint16(icmp[2:4], checksum.L4(partial, icmp))
		return buildIPv6Frame(spec.SrcMAC, spec.DstMAC, spec.SrcIP.To16(), spec.DstIP.To16(), protoICMPv6, icmp)
	}
	binary.BigEndian.PutUint16(icmp[2:4], 0)
	binary.BigEndian.PutUint16(icmp[2:4], checksum.L4(0, icmp))
	return buildIPv4Frame(spec.SrcMAC, spec.DstMAC, spec.SrcIP.To4(), spec.DstIP.To4(), protoICMP, icmp)
}

func to16(ip net.IP) [16]byte {
	var b [16]byte
	copy(b[:], ip.To16())
	return b
}

func buildIPv4Frame(srcMAC, dstMAC [6]byte, srcIP, dstIP [4]byte, proto uint8, l4 []byte) []byte {
	const ipHdrLen = 20
	totalLen := ipHdrLen + len(l4)
	frame := make([]byte, ethHdrLen+totalLen)

	copy(frame[0:6], dstMAC[:])
	copy(frame[6:12], srcMAC[:])
	binary.BigEndian.PutUint16(frame[12:14], ethTypeIPv4)

	ip := frame[ethHdrLen:]
	ip[0] = 0x45
	ip[1] = 0
	binary.BigEndian.PutUint16(ip[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(ip[4:6], 0)
	binary.BigEndian.PutUint16(ip[6:8], 0)
	ip[8] = 64
	ip[9] = proto
	copy(ip[12:16], srcIP[:])
	copy(ip[16:20], dstIP[:])

	copy(ip[ipHdrLen:], l4)

	checksum.IPv4Header(ip[:ipHdrLen])

	var partial uint16
	switch proto {
	case protoTCP:
		partial = checksum.PseudoHeaderTCP4(srcIP, dstIP, uint16(len(l4)))
		binary.BigEndian.PutUint16(ip[ipHdrLen+16:ipHdrLen+18], 0)
		binary.BigEndian.PutUint16(ip[ipHdrLen+16:ipHdrLen+18], checksum.L4(partial, ip[ipHdrLen:]))
	case protoUDP:
		partial = checksum.PseudoHeaderUDP4(srcIP, dstIP, uint16(len(l4)))
		binary.BigEndian.PutUint16(ip[ipHdrLen+6:ipHdrLen+8], 0)
		binary.BigEndian.PutUint16(ip[ipHdrLen+6:ipHdrLen+8], checksum.L4(partial, ip[ipHdrLen:]))
	}
	return frame
}

func buildIPv6Frame(srcMAC, dstMAC [6]byte, srcIP, dstIP [16]byte, proto uint8, l4 []byte) []byte {
	const ipHdrLen = 40
	frame := make([]byte, ethHdrLen+ipHdrLen+len(l4))

	copy(frame[0:6], dstMAC[:])
	copy(frame[6:12], srcMAC[:])
	binary.BigEndian.PutUint16(frame[12:14], ethTypeIPv6)

	ip := frame[ethHdrLen:]
	ip[0] = 0x60
	binary.BigEndian.PutUint16(ip[4:6], uint16(len(l4)))
	ip[6] = proto
	ip[7] = 64
	copy(ip[8:24], srcIP[:])
	copy(ip[24:40], dstIP[:])
	copy(ip[ipHdrLen:], l4)

	var partial uint16
	switch proto {
	case protoTCP:
		partial = checksum.PseudoHeaderTCP6(srcIP, dstIP, uint16(len(l4)))
		binary.BigEndian.PutUint16(ip[ipHdrLen+16:ipHdrLen+18], 0)
		binary.BigEndian.PutUint16(ip[ipHdrLen+16:ipHdrLen+18], checksum.L4(partial, ip[ipHdrLen:]))
	case protoUDP:
		partial = checksum.PseudoHeaderUDP6(srcIP, dstIP, uint16(len(l4)))
		binary.BigEndian.PutUint16(ip[ipHdrLen+6:ipHdrLen+8], 0)
		binary.BigEndian.PutUint16(ip[ipHdrLen+6:ipHdrLen+8], checksum.L4(partial, ip[ipHdrLen:]))
	// protoICMPv6's checksum is pseudo-header-seeded by BuildICMPEchoFrame
	// before l4 is handed here, so no case is needed for it.
	}
	return frame
}
