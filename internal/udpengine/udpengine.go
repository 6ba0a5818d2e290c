// Package udpengine implements the UDP pseudo-connection tracker of
// spec.md §4.4: no state machine, just per-port, per-family tables with
// soft-state keyed on the tap-side source port, DNS/gateway rewriting, and
// bitmap-driven aging.
//
// Grounded on the teacher's internal/tun_udp_porttable_linux.go
// (udpPortTable/udpPortSession shape, gcOnce aging sweep) generalized from
// a gvisor-endpoint-backed session to a raw socket-backed one, since this
// system does not route UDP through gvisor's netstack.
package udpengine

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"netshim/internal/bitmap"
)

// ConnTimeout is UDP_CONN_TIMEOUT of spec.md §4.4.
const ConnTimeout = 180 * time.Second

// RewriteFlags mark the reverse port as spec.md §4.4 describes: "mark the
// reverse port with LOCAL/LOOPBACK/GUA as appropriate".
type RewriteFlags uint8

const (
	FlagLocal RewriteFlags = 1 << iota
	FlagLoopback
	FlagGUA
	FlagDNSForward
)

// Session is one tracked (near port, family) pseudo-connection: a single
// bound socket fanning out to potentially many destinations, exactly the
// teacher's udpPortSession shape generalized away from gvisor endpoints.
type Session struct {
	Sock     int
	Port     uint16
	V6       bool
	Flags    RewriteFlags
	LastSeen net.IP // "last seen" tap-side source, for gateway rewrite
}

// Table is the per-family port table of spec.md §4.4: "tap_map[port] =
// { sock, flags, last_seen_ts }".
type Table struct {
	v6       bool
	sessions map[uint16]*Session
	active   bitmap.Bitmap // udp_act: one bit per possible port
}

// NewTable creates an empty port table for one address family.
func NewTable(v6 bool) *Table {
	return &Table{v6: v6, sessions: make(map[uint16]*Session), active: bitmap.New(1 << 16)}
}

// Lookup finds the session tracking port, if any.
func (t *Table) Lookup(port uint16) (*Session, bool) {
	s, ok := t.sessions[port]
	return s, ok
}

// Open implements the outbound path of spec.md §4.4: "If absent, open a
// nonblocking UDP socket, bind to the configured outbound address/interface
// (if any; loopback destinations skip binding), insert into tap_map,
// subscribe to the dispatcher."
func (t *Table) Open(port uint16, bindAddr net.IP, dst net.IP) (*Session, error) {
	if s, ok := t.sessions[port]; ok {
		return s, nil
	}

	family := unix.AF_INET
	if t.v6 {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("udpengine: socket: %w", err)
	}

	if bindAddr != nil && !dst.IsLoopback() {
		if err := bindSocket(fd, family, bindAddr); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("udpengine: bind: %w", err)
		}
	}

	s := &Session{Sock: fd, Port: port, V6: t.v6}
	t.sessions[port] = s
	t.active.Set(int(port))
	return s, nil
}

func bindSocket(fd int, family int, addr net.IP) error {
	if family == unix.AF_INET {
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], addr.To4())
		return unix.Bind(fd, &sa)
	}
	var sa unix.SockaddrInet6
	copy(sa.Addr[:], addr.To16())
	return unix.Bind(fd, &sa)
}

// Touch marks port as having had activity this sweep interval (spec.md
// §4.4's udp_act bitmap).
func (t *Table) Touch(port uint16) {
	t.active.Set(int(port))
}

// Close releases a port's socket and removes it from the table.
func (t *Table) Close(port uint16) {
	if s, ok := t.sessions[port]; ok {
		unix.Close(s.Sock)
		delete(t.sessions, port)
	}
	t.active.Clear(int(port))
}

// Sweep implements the periodic aging pass of spec.md §4.4. A port is
// considered idle this sweep if its activity bit is clear, and its socket
// is closed right away; ports that were active since the last sweep have
// their bit cleared so the next sweep can detect continued idleness. A port
// is therefore closed after one to two sweep intervals without activity;
// ConnTimeout is not consulted.
func (t *Table) Sweep() {
	for port := range t.sessions {
		if t.active.IsSet(int(port)) {
			t.active.Clear(int(port))
			continue
		}
		t.Close(port)
	}
}

// Len reports the number of tracked ports, for metrics.
func (t *Table) Len() int {
	return len(t.sessions)
}
