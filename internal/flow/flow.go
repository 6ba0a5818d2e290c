// Package flow implements the flow table of spec.md §3/§4.1: a fixed-size
// array of union-typed entries, with free slots linked as contiguous
// "clusters" in strictly increasing index order so that a full-table scan
// only costs (live entries + free clusters) rather than (table capacity).
//
// Grounded field-for-field on _examples/original_source/flow.c
// (flow_alloc, flow_alloc_cancel, flow_defer_handler) from the AsteroidOS
// passt project this spec was distilled from.
package flow

import "fmt"

// Kind tags which variant a slot currently holds. Kind zero (None) is used
// both for free slots and for a slot that has been allocated but not yet
// started — flow.c's FLOW_TYPE_NONE serves the same double duty, and the
// table itself (not the slot) is responsible for knowing which is which via
// its single outstanding-allocation bookkeeping.
type Kind uint8

const (
	KindNone Kind = iota
	KindTCP
	KindTCPSpliced
	KindPing4
	KindPing6
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "<none>"
	case KindTCP:
		return "TCP connection"
	case KindTCPSpliced:
		return "TCP connection (spliced)"
	case KindPing4:
		return "ICMP ping sequence"
	case KindPing6:
		return "ICMPv6 ping sequence"
	default:
		return "<unknown>"
	}
}

// Transient connection flags (spec.md §4.3 "Transient flags").
const (
	FlagStalled uint8 = 1 << iota
	FlagLocal
	FlagActiveClose
	FlagAckToTapDue
	FlagAckFromTapDue
)

// Milestone events, in the order spec.md §4.3 lists them. The three
// fundamental ones occupy the low bits and are mutually exclusive; the rest
// are additive flags set after ESTABLISHED.
const (
	EventSockAccepted uint16 = 1 << iota
	EventTapSynRcvd
	EventEstablished
	EventTapSynAckSent
	EventSockFinRcvd
	EventSockFinSent
	EventTapFinRcvd
	EventTapFinSent
	EventTapFinAcked

	eventsFundamentalMask = EventSockAccepted | EventTapSynRcvd | EventEstablished
)

// SetFundamental clears the three mutually-exclusive fundamental events and
// sets only e (spec.md §4.3: "setting one clears the others").
func SetFundamental(events uint16, e uint16) uint16 {
	return (events &^ eventsFundamentalMask) | e
}

// Closed reports whether events == 0, the CLOSED state of spec.md §4.3.
func Closed(events uint16) bool { return events == 0 }

// TCPConn is the per-flow TCP connection record of spec.md §3.
type TCPConn struct {
	FAddr [16]byte // IPv4-mapped-in-IPv6 far address
	FPort uint16
	EPort uint16

	Sock    int // host-side socket fd, -1 if none
	TimerFD int // per-connection timer fd, -1 if none

	Events uint16
	Flags  uint8

	SeqToTap       uint32
	SeqAckFromTap  uint32
	SeqFromTap     uint32
	SeqAckToTap    uint32
	SeqInitFromTap uint32
	SeqInitToTap   uint32

	SeqDupAckApprox uint8
	DupAckCount     uint8 // consecutive identical-sequence ACKs observed

	WndFromTap uint16 // unscaled, as seen on the wire
	WndToTap   uint16
	WsFromTap  uint8 // window scale shift, <= 8
	WsToTap    uint8

	MSS     uint16
	Retrans uint8
}

// TCPSplicedConn is the loopback-to-loopback splice variant. Splicing
// itself is out of core scope (spec.md §1); only the flow-table slot shape
// is modeled so the table's union stays faithful to the original.
type TCPSplicedConn struct {
	SockA, SockB int
}

// PingConn is the ICMP echo flow record of spec.md §3.
type PingConn struct {
	Sock           int
	ID             uint16
	LastSeq        uint16
	LastActivityTS int64
	V6             bool
}

// Slot is one flow-table entry. Only the fields belonging to Kind are
// meaningful; this mirrors the C union, minus the space savings a real
// union would give (spec.md §9 "Unions on flow entries").
type Slot struct {
	kind Kind
	idx  uint32

	// Free-cluster head fields. Valid only when kind == KindNone and this
	// slot is a cluster head; interior free slots carry freeN == freeNext == 0
	// and must not be read (spec.md §3 invariant).
	freeN    uint32
	freeNext uint32

	TCP        TCPConn
	TCPSpliced TCPSplicedConn
	Ping       PingConn
}

// Kind returns the slot's current variant tag.
func (s *Slot) Kind() Kind { return s.kind }

// Index returns the slot's position in the table.
func (s *Slot) Index() uint32 { return s.idx }

func (s *Slot) String() string {
	return fmt.Sprintf("flow %d (%s)", s.idx, s.kind)
}
