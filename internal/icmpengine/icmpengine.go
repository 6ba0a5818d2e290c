// Package icmpengine implements the ICMP/ICMPv6 echo translation of
// spec.md §3's ICMP flow record and §4.1's sweep dispatch for
// FLOW_PING4/FLOW_PING6 slots: one socket per ping flow, mapping the
// client's (id, seq) onto a tracked flow-table entry, aged by idle
// timeout exactly like the TCP and UDP engines.
//
// Grounded on the flow-table's own ping record shape (internal/flow.PingConn)
// and on the teacher's general "one OS resource per flow, released on
// sweep" pattern from internal/tun_native.go's udpFlowTable.gcOnce.
package icmpengine

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"netshim/internal/flow"
)

// IdleTimeout bounds how long a ping flow may go without activity before
// the periodic sweep reclaims it. The spec does not name a distinct ICMP
// timeout, so this reuses the UDP engine's idle bound: an echo flow is
// exactly as stateless as a UDP pseudo-connection.
const IdleTimeout = 180 * time.Second

// Key identifies a tracked ping flow by the client's own (id) and address
// family, matching internal/flow.PingConn's natural key.
type Key struct {
	ID uint16
	V6 bool
}

// Engine tracks ping flows in the shared flow.Table, keyed by Key for
// fast id-based dispatch on inbound replies.
type Engine struct {
	Table *flow.Table
	byID  map[Key]uint32
}

// NewEngine wires a ping engine around the shared flow table.
func NewEngine(table *flow.Table) *Engine {
	return &Engine{Table: table, byID: make(map[Key]uint32)}
}

// Open allocates a ping flow for a newly seen echo request, opening an
// unprivileged ICMP (or ICMPv6) datagram socket bound to nothing in particular -- the kernel
// handles id/seq matching for us on the reply path via SOCK_DGRAM ICMP
// sockets (Linux's "ping socket" facility), avoiding the need for
// CAP_NET_RAW.
func (e *Engine) Open(id uint16, v6 bool, now time.Time) (*flow.Slot, error) {
	k := Key{ID: id, V6: v6}
	if idx, ok := e.byID[k]; ok {
		return e.Table.Get(idx), nil
	}

	family := unix.AF_INET
	proto := unix.IPPROTO_ICMP
	kind := flow.KindPing4
	if v6 {
		family = unix.AF_INET6
		proto = unix.IPPROTO_ICMPV6
		kind = flow.KindPing6
	}

	sock, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, proto)
	if err != nil {
		return nil, fmt.Errorf("icmpengine: socket: %w", err)
	}

	slot, err := e.Table.Alloc()
	if err != nil {
		unix.Close(sock)
		return nil, err
	}
	slot = e.Table.Start(slot.Index(), kind)
	slot.Ping = flow.PingConn{
		Sock:           sock,
		ID:             id,
		LastActivityTS: now.UnixNano(),
		V6:             v6,
	}
	e.byID[k] = slot.Index()
	return slot, nil
}

// Lookup finds the tracked flow for (id, v6), if any.
func (e *Engine) Lookup(id uint16, v6 bool) (*flow.Slot, bool) {
	idx, ok := e.byID[Key{ID: id, V6: v6}]
	if !ok {
		return nil, false
	}
	return e.Table.Get(idx), true
}

// Touch records activity on a ping flow: a new request or reply seen for
// it, advancing its last-seq and keeping it alive past the next sweep.
func (e *Engine) Touch(slot *flow.Slot, seq uint16, now time.Time) {
	slot.Ping.LastSeq = seq
	slot.Ping.LastActivityTS = now.UnixNano()
}

// Closed reports whether a ping flow has been idle past IdleTimeout, for
// use as the flow.Table.DeferSweep predicate.
func Closed(slot *flow.Slot, now time.Time) bool {
	if slot.Kind() != flow.KindPing4 && slot.Kind() != flow.KindPing6 {
		return false
	}
	idleSince := time.Unix(0, slot.Ping.LastActivityTS)
	return now.Sub(idleSince) > IdleTimeout
}

// Release closes a ping flow's socket and removes its id-indexed entry.
// The caller must call this before the flow.Table slot is folded back into
// the free list by DeferSweep.
func (e *Engine) Release(slot *flow.Slot) {
	unix.Close(slot.Ping.Sock)
	delete(e.byID, Key{ID: slot.Ping.ID, V6: slot.Ping.V6})
}
