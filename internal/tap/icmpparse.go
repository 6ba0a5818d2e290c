package tap

import "encoding/binary"

// ICMPTypeEchoRequest4/6 and ICMPTypeEchoReply4/6 are the message types
// this system translates; anything else is dropped upstream.
const (
	ICMPTypeEchoReply4   = 0
	ICMPTypeEchoRequest4 = 8
	ICMPTypeEchoRequest6 = 128
	ICMPTypeEchoReply6   = 129
)

// ICMPEcho is a parsed echo request/reply: type, id, sequence and payload.
type ICMPEcho struct {
	Type uint8
	Code uint8
	ID   uint16
	Seq  uint16
	Data []byte
}

// ParseICMPEcho parses an ICMP or ICMPv6 echo request/reply out of l4, the
// IP payload returned by ParseV4/ParseV6's Payload field. Returns ok=false
// for any other ICMP message type.
func ParseICMPEcho(l4 []byte, v6 bool) (ICMPEcho, bool) {
	if len(l4) < 8 {
		return ICMPEcho{}, false
	}
	typ := l4[0]
	if v6 {
		if typ != ICMPTypeEchoRequest6 && typ != ICMPTypeEchoReply6 {
			return ICMPEcho{}, false
		}
	} else if typ != ICMPTypeEchoRequest4 && typ != ICMPTypeEchoReply4 {
		return ICMPEcho{}, false
	}
	return ICMPEcho{
		Type: typ,
		Code: l4[1],
		ID:   binary.BigEndian.Uint16(l4[4:6]),
		Seq:  binary.BigEndian.Uint16(l4[6:8]),
		Data: l4[8:],
	}, true
}
