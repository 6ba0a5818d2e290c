package dispatcher

// Type identifies which engine and kind of descriptor an event belongs to
// (spec.md §4.6), transliterated from the `enum epoll_type` in
// _examples/original_source/passt.h.
type Type uint8

const (
	TypeNone Type = iota
	TypeTCP
	TypeTCPListen
	TypeTCPTimer
	TypeTCPSplice
	TypeUDP
	TypePing
	TypeNSQuitInotify
	TypeNSQuitTimer
	TypeTapPasta
	TypeTapPasst
	TypeTapListen
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "<none>"
	case TypeTCP:
		return "tcp"
	case TypeTCPListen:
		return "tcp-listen"
	case TypeTCPTimer:
		return "tcp-timer"
	case TypeTCPSplice:
		return "tcp-splice"
	case TypeUDP:
		return "udp"
	case TypePing:
		return "ping"
	case TypeNSQuitInotify:
		return "nsquit-inotify"
	case TypeNSQuitTimer:
		return "nsquit-timer"
	case TypeTapPasta:
		return "tap-pasta"
	case TypeTapPasst:
		return "tap-passt"
	case TypeTapListen:
		return "tap-listen"
	default:
		return "<unknown>"
	}
}

// Ref is the typed reference stored with every registered descriptor
// (spec.md §4.6), packed to fit the 64-bit opaque user-data field accepted
// by the kernel's epoll_wait(). Layout transliterated from `union epoll_ref`
// in _examples/original_source/passt.h: type:8, fd:24, payload:32.
type Ref struct {
	Type    Type
	FD      int32  // must fit in 24 bits
	Payload uint32 // flow index, or a packed (port, pif) pair, etc.
}

const (
	fdMask  = 1<<24 - 1
	fdShift = 32
	tyShift = 56
)

// Pack encodes the reference into the 64-bit value epoll_ctl/epoll_wait
// carry as user data.
func (r Ref) Pack() uint64 {
	return uint64(r.Type)<<tyShift |
		(uint64(r.FD)&fdMask)<<fdShift |
		uint64(r.Payload)
}

// Unpack decodes a 64-bit epoll user-data value back into a Ref.
func Unpack(u uint64) Ref {
	return Ref{
		Type:    Type(u >> tyShift),
		FD:      int32((u >> fdShift) & fdMask),
		Payload: uint32(u),
	}
}

// PackListenPayload combines a bound port number and a pif label into the
// 32-bit payload used by TypeTCPListen references (spec.md §4.6
// "payload = ... (listen_port,pif) | ...").
func PackListenPayload(port uint16, pif uint8) uint32 {
	return uint32(port)<<8 | uint32(pif)
}

// UnpackListenPayload is the inverse of PackListenPayload.
func UnpackListenPayload(payload uint32) (port uint16, pif uint8) {
	return uint16(payload >> 8), uint8(payload)
}

// Pif labels which side of the system a packet/socket lives on (GLOSSARY).
type Pif uint8

const (
	PifHost Pif = iota
	PifSplice
	PifTap
)
