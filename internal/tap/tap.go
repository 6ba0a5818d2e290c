// Package tap implements the tap-side packet pool and demultiplexer of
// spec.md §4.5: a single contiguous receive buffer, Ethernet/ARP/IP
// dispatch into per-family pools, and a second-pass grouping loop that
// batches packets by 4-tuple before handing them to the TCP/UDP engines.
//
// Grounded on the teacher's internal/tun_native.go: the raw transport
// reuses its github.com/songgao/water TUN-open pattern
// (openExistingTun/water.Config), generalized from "hand frames to a
// gvisor channel.Endpoint" to "hand frames to our own pool", since this
// system hand-rolls its own TCP/UDP state machines instead of using
// gvisor's netstack.
package tap

import (
	"encoding/binary"
	"fmt"
	"net"
)

const (
	// MaxMTU bounds a single Ethernet frame this package will pool,
	// matching passt.h's MAX_MTU alongside spec.md §4.5.
	MaxMTU = 65521

	pageSize = 4096
)

// BufBytes is TAP_BUF_BYTES of spec.md §4.5:
// round_down((MAX_MTU + 4) * 128, PAGE_SIZE).
var BufBytes = roundDown((MaxMTU+4)*128, pageSize)

func roundDown(v, mult int) int {
	return (v / mult) * mult
}

const ethHdrLen = 14

const (
	ethTypeARP  = 0x0806
	ethTypeIPv4 = 0x0800
	ethTypeIPv6 = 0x86DD
)

// Family distinguishes the two per-family pools of spec.md §4.5.
type Family uint8

const (
	FamilyV4 Family = iota
	FamilyV6
)

// Frame is a bounded (offset, length) descriptor into the pool's shared
// receive buffer -- no frame is ever copied out of Buf. This is the
// "bounded, index-based get-by-id interface" spec.md's DESIGN NOTES call
// for so handlers can peek ahead without copying.
type Frame struct {
	Offset int
	Length int
}

// Bytes returns the frame's bytes within buf.
func (f Frame) Bytes(buf []byte) []byte {
	return buf[f.Offset : f.Offset+f.Length]
}

// Pool holds one read's worth of frames, demultiplexed into per-family
// slices, sharing a single backing buffer.
type Pool struct {
	Buf   []byte
	used  int
	V4    []Frame
	V6    []Frame
	ARP   []Frame

	PeerMAC [6]byte
	peerSet bool
}

// NewPool allocates a pool with a TAP_BUF_BYTES backing buffer.
func NewPool() *Pool {
	return &Pool{Buf: make([]byte, BufBytes)}
}

// Reset clears the per-family frame lists for the next read, keeping the
// backing buffer (and therefore the capacity) around.
func (p *Pool) Reset() {
	p.used = 0
	p.V4 = p.V4[:0]
	p.V6 = p.V6[:0]
	p.ARP = p.ARP[:0]
}

// ErrPoolFull is returned by Push when the backing buffer has no more
// room for a frame of the requested size.
var ErrPoolFull = fmt.Errorf("tap: pool buffer full")

// Push copies frame into the pool's backing buffer, classifies it by
// Ethernet header (spec.md §4.5 step 1-2), and appends it to the
// appropriate per-family list. Returns the stored Frame.
func (p *Pool) Push(frame []byte) (Frame, error) {
	if len(frame) < ethHdrLen {
		return Frame{}, fmt.Errorf("tap: frame too short for ethernet header (%d bytes)", len(frame))
	}
	if p.used+len(frame) > len(p.Buf) {
		return Frame{}, ErrPoolFull
	}
	off := p.used
	n := copy(p.Buf[off:], frame)
	p.used += n
	f := Frame{Offset: off, Length: n}

	srcMAC := frame[6:12]
	if !p.peerSet || !macEqual(p.PeerMAC[:], srcMAC) {
		copy(p.PeerMAC[:], srcMAC)
		p.peerSet = true
	}

	switch ethertype(frame) {
	case ethTypeARP:
		p.ARP = append(p.ARP, f)
	case ethTypeIPv4:
		p.V4 = append(p.V4, f)
	case ethTypeIPv6:
		p.V6 = append(p.V6, f)
	default:
		// Unknown ethertype: silently dropped, matching passt's handling
		// of frames it has no dispatch table entry for.
	}
	return f, nil
}

func ethertype(frame []byte) uint16 {
	return binary.BigEndian.Uint16(frame[12:14])
}

func macEqual(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// HasPeer reports whether a peer MAC has been learned yet (spec.md §6:
// "until learned, emit broadcast destination").
func (p *Pool) HasPeer() bool {
	return p.peerSet
}

// BroadcastMAC is the destination used before the peer's MAC is learned.
var BroadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// DestMAC returns the peer's MAC if known, else the broadcast address.
func (p *Pool) DestMAC() [6]byte {
	if p.peerSet {
		return p.PeerMAC
	}
	return BroadcastMAC
}

// Tuple identifies the (proto, src, dst, sport, dport) key that groups
// frames for the second-pass batching loop of spec.md §4.5.
type Tuple struct {
	Proto uint8
	Src   netIP
	Dst   netIP
	SPort uint16
	DPort uint16
}

// netIP is a fixed-size comparable stand-in for net.IP so Tuple can be
// used as a map key.
type netIP [16]byte

func toNetIP(ip net.IP) netIP {
	var n netIP
	copy(n[16-len(ip):], ip)
	return n
}

// UIOMaxIOV bounds the size of a batch handed to a single writev-style
// flush, matching the kernel's IOV_MAX used by passt's tap code.
const UIOMaxIOV = 1024

// Batch is a run of frames sharing one Tuple, ready for the TCP/UDP
// engines (spec.md §4.5: "batches packets ... into sequential sub-pools
// of size <= UIO_MAXIOV").
type Batch struct {
	Tuple  Tuple
	Frames []Frame
}

// GroupByTuple implements the second-pass grouping loop of spec.md §4.5
// over one family's frame list, assuming parse can read the L3/L4 headers
// for frames of that family (v4 vs v6 header shapes differ).
// Frames for which parse returns ok=false are skipped (ARP/ICMP/DHCP are
// peeled off by the caller before this runs; anything left unparseable is
// a malformed packet and is dropped).
func GroupByTuple(buf []byte, frames []Frame, parse func(pkt []byte) (Tuple, bool)) []Batch {
	var batches []Batch
	var cur *Batch
	for _, fr := range frames {
		tup, ok := parse(fr.Bytes(buf))
		if !ok {
			continue
		}
		if cur != nil && cur.Tuple == tup && len(cur.Frames) < UIOMaxIOV {
			cur.Frames = append(cur.Frames, fr)
			continue
		}
		batches = append(batches, Batch{Tuple: tup})
		cur = &batches[len(batches)-1]
		cur.Frames = append(cur.Frames, fr)
	}
	return batches
}
