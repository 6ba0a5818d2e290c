package tap

import "encoding/binary"

// UDPDatagram is a parsed UDP header plus its payload.
type UDPDatagram struct {
	SrcPort, DstPort uint16
	Payload          []byte
}

// ParseUDP parses a UDP header and payload out of l4, the IP payload
// returned by ParseV4/ParseV6's Payload field.
func ParseUDP(l4 []byte) (UDPDatagram, bool) {
	if len(l4) < 8 {
		return UDPDatagram{}, false
	}
	length := int(binary.BigEndian.Uint16(l4[4:6]))
	if length < 8 || length > len(l4) {
		length = len(l4)
	}
	return UDPDatagram{
		SrcPort: binary.BigEndian.Uint16(l4[0:2]),
		DstPort: binary.BigEndian.Uint16(l4[2:4]),
		Payload: l4[8:length],
	}, true
}
