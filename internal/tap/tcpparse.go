package tap

import "encoding/binary"

// TCP flag bits, as laid out in the 13th header byte.
const (
	TCPFlagFIN uint8 = 1 << iota
	TCPFlagSYN
	TCPFlagRST
	TCPFlagPSH
	TCPFlagACK
	TCPFlagURG
)

const (
	tcpOptMSS        = 2
	tcpOptWindowScale = 3
)

// TCPSegment is a parsed TCP header plus its payload, read out of an L4
// slice already isolated by ParseV4/ParseV6.
type TCPSegment struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            uint8
	Window           uint16
	MSS              uint16 // from options, 0 if absent (non-SYN segments)
	WindowScale      uint8  // from options, 0 if absent
	HasWindowScale   bool
	Payload          []byte
}

func (s TCPSegment) Has(flag uint8) bool { return s.Flags&flag != 0 }

// ParseTCP parses a TCP header and payload out of l4, the IP payload
// returned by ParseV4/ParseV6's Payload field.
func ParseTCP(l4 []byte) (TCPSegment, bool) {
	if len(l4) < 20 {
		return TCPSegment{}, false
	}
	dataOff := int(l4[12]>>4) * 4
	if dataOff < 20 || dataOff > len(l4) {
		return TCPSegment{}, false
	}
	seg := TCPSegment{
		SrcPort: binary.BigEndian.Uint16(l4[0:2]),
		DstPort: binary.BigEndian.Uint16(l4[2:4]),
		Seq:     binary.BigEndian.Uint32(l4[4:8]),
		Ack:     binary.BigEndian.Uint32(l4[8:12]),
		Flags:   l4[13],
		Window:  binary.BigEndian.Uint16(l4[14:16]),
		Payload: l4[dataOff:],
	}
	parseTCPOptions(&seg, l4[20:dataOff])
	return seg, true
}

func parseTCPOptions(seg *TCPSegment, opts []byte) {
	for i := 0; i < len(opts); {
		kind := opts[i]
		switch kind {
		case 0: // end of options
			return
		case 1: // NOP
			i++
			continue
		}
		if i+1 >= len(opts) {
			return
		}
		length := int(opts[i+1])
		if length < 2 || i+length > len(opts) {
			return
		}
		switch kind {
		case tcpOptMSS:
			if length == 4 {
				seg.MSS = binary.BigEndian.Uint16(opts[i+2 : i+4])
			}
		case tcpOptWindowScale:
			if length == 3 {
				seg.WindowScale = opts[i+2]
				seg.HasWindowScale = true
			}
		}
		i += length
	}
}
