package tap

import "encoding/binary"

const (
	arpHTypeEthernet = 1
	arpPTypeIPv4     = 0x0800

	// ARPOpRequest and ARPOpReply are the ARP operation codes callers need
	// to tell a request from a reply in a parsed ARPPacket.
	ARPOpRequest = 1
	ARPOpReply   = 2
)

// ARPPacket is a parsed Ethernet/IPv4 ARP packet; any other hardware or
// protocol type pairing is rejected by ParseARP.
type ARPPacket struct {
	Op  uint16
	SHA [6]byte
	SPA [4]byte
	THA [6]byte
	TPA [4]byte
}

// ParseARP parses frame (starting at the Ethernet header) as an ARP
// packet.
func ParseARP(frame []byte) (ARPPacket, bool) {
	if len(frame) < ethHdrLen+28 {
		return ARPPacket{}, false
	}
	a := frame[ethHdrLen:]
	if binary.BigEndian.Uint16(a[0:2]) != arpHTypeEthernet || binary.BigEndian.Uint16(a[2:4]) != arpPTypeIPv4 {
		return ARPPacket{}, false
	}
	if a[4] != 6 || a[5] != 4 {
		return ARPPacket{}, false
	}
	var p ARPPacket
	p.Op = binary.BigEndian.Uint16(a[6:8])
	copy(p.SHA[:], a[8:14])
	copy(p.SPA[:], a[14:18])
	copy(p.THA[:], a[18:24])
	copy(p.TPA[:], a[24:28])
	return p, true
}

// ARPReplySpec describes one outbound ARP reply.
type ARPReplySpec struct {
	SrcMAC [6]byte
	DstMAC [6]byte
	SPA    [4]byte // the address we are answering for
	TPA    [4]byte // the requester's own address
	THA    [6]byte // the requester's MAC
}

// BuildARPReply renders an Ethernet ARP reply frame.
func BuildARPReply(spec ARPReplySpec) []byte {
	frame := make([]byte, ethHdrLen+28)
	copy(frame[0:6], spec.DstMAC[:])
	copy(frame[6:12], spec.SrcMAC[:])
	binary.BigEndian.PutUint16(frame[12:14], ethTypeARP)

	a := frame[ethHdrLen:]
	binary.BigEndian.PutUint16(a[0:2], arpHTypeEthernet)
	binary.BigEndian.PutUint16(a[2:4], arpPTypeIPv4)
	a[4] = 6
	a[5] = 4
	binary.BigEndian.PutUint16(a[6:8], ARPOpReply)
	copy(a[8:14], spec.SrcMAC[:])
	copy(a[14:18], spec.SPA[:])
	copy(a[18:24], spec.THA[:])
	copy(a[24:28], spec.TPA[:])
	return frame
}
