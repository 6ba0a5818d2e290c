package tcpengine

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"netshim/internal/dispatcher"
	"netshim/internal/flow"
	"netshim/internal/siphash"
	"netshim/internal/tcphash"
)

// DefaultMSS and DefaultWindowScale are offered to the client on every
// inbound or outbound SYN we emit, absent per-connection negotiation data.
const (
	DefaultMSS         = 1460
	DefaultWindowScale = 7
)

// Engine owns the translation state machine: the flow table slots of Kind
// TCP, the hash index used to find them by 4-tuple, the socket pools, and
// the low-RTT LRU. One Engine per address family pair is expected to share
// a single flow.Table and tcphash.Index (the table is address-family
// agnostic; FAddr is always stored in IPv4-mapped-in-IPv6 form).
type Engine struct {
	Table  *flow.Table
	Hash   *tcphash.Index
	Secret siphash.Secret

	Pool4 *SockPool
	Pool6 *SockPool

	LowRTT *LowRTTSet

	Disp *dispatcher.Dispatcher

	// LocalAddr is this host's tap-facing address, used as the "near"
	// address input to ISN generation and to bind-test for LOCAL.
	LocalAddr [16]byte
}

// NewEngine wires a fresh engine around an existing flow table and hash
// index (the flow table is shared across the TCP/UDP/ICMP engines in the
// real wiring, so both are constructed once by cmd/netshim and passed in).
func NewEngine(table *flow.Table, hash *tcphash.Index, secret siphash.Secret, disp *dispatcher.Dispatcher) (*Engine, error) {
	pool4, err := NewSockPool(unix.AF_INET)
	if err != nil {
		return nil, err
	}
	pool6, err := NewSockPool(unix.AF_INET6)
	if err != nil {
		return nil, err
	}
	return &Engine{
		Table:  table,
		Hash:   hash,
		Secret: secret,
		Pool4:  pool4,
		Pool6:  pool6,
		LowRTT: NewLowRTTSet(),
		Disp:   disp,
	}, nil
}

// RefillPools is the periodic-timer hook (spec.md §4.6 step 3: "periodic
// timers (TCP and UDP refill/rebind)").
func (e *Engine) RefillPools(now time.Time) {
	_ = e.Pool4.Refill()
	_ = e.Pool6.Refill()
}

// key builds the hash-index lookup key for a connection record.
func key(faddr [16]byte, eport, fport uint16) siphash.TCPKey {
	return siphash.TCPKey{FAddr: faddr, EPort: eport, FPort: fport}
}

// Lookup finds the live TCP connection for a 4-tuple as seen from the tap
// side, returning its slot or ok=false.
func (e *Engine) Lookup(faddr [16]byte, eport, fport uint16) (*flow.Slot, bool) {
	idx, ok := e.Hash.Lookup(key(faddr, eport, fport))
	if !ok {
		return nil, false
	}
	slot := e.Table.Get(idx)
	if slot.Kind() != flow.KindTCP {
		return nil, false
	}
	return slot, true
}

// validateEndpoint rejects the address classes spec.md §4.3 names for the
// outbound SYN path: "reject unspecified/broadcast/multicast addresses,
// zero ports, link-local with no route".
func validateEndpoint(addr net.IP, port uint16) error {
	if port == 0 {
		return fmt.Errorf("tcpengine: zero port")
	}
	if addr.IsUnspecified() {
		return fmt.Errorf("tcpengine: unspecified destination address")
	}
	if addr.IsMulticast() {
		return fmt.Errorf("tcpengine: multicast destination address")
	}
	if ip4 := addr.To4(); ip4 != nil && ip4[3] == 255 {
		// A conservative broadcast check for the common /24 case; full
		// subnet-aware broadcast detection belongs to the routing table,
		// which is out of this engine's scope.
		return fmt.Errorf("tcpengine: broadcast destination address")
	}
	return nil
}

// OutboundSyn implements spec.md §4.3's outbound handshake: the client
// sent a SYN toward (faddr, fport) from its own (eport); we allocate a
// flow, open a nonblocking socket, and kick off connect(). isnNow is the
// caller's current wall-clock time in nanoseconds (spec.md §4.3.5).
//
// The caller is responsible for emitting the SYN+ACK (or immediate SYN+ACK
// when connect() completes synchronously) once this returns; OutboundSyn
// only performs the flow-table and socket bookkeeping, matching the
// "Between alloc and start the allocator MUST NOT yield" discipline of
// internal/flow.
func (e *Engine) OutboundSyn(faddr [16]byte, fport, eport uint16, clientSeq uint32, clientWindow uint16, clientMSS uint16, clientWS uint8, isnNow uint64) (*flow.Slot, error) {
	dstIP := faddrToIP(faddr)
	if err := validateEndpoint(dstIP, fport); err != nil {
		return nil, err
	}

	slot, err := e.Table.Alloc()
	if err != nil {
		return nil, err
	}

	family := unix.AF_INET
	if dstIP.To4() == nil {
		family = unix.AF_INET6
	}
	pool := e.Pool4
	if family == unix.AF_INET6 {
		pool = e.Pool6
	}
	fd, ok := pool.Take()
	if !ok {
		fd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
		if err != nil {
			e.Table.AllocCancel(slot.Index())
			return nil, fmt.Errorf("tcpengine: socket: %w", err)
		}
	}

	local := false
	if err := connectSocket(fd, family, dstIP, fport); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		e.Table.AllocCancel(slot.Index())
		return nil, fmt.Errorf("tcpengine: connect: %w", err)
	} else if err == nil {
		local = isLocalPeer(dstIP)
	}

	isn := e.Secret.ISN(siphash.ISNInput{
		FAddr: faddr,
		LAddr: e.LocalAddr,
		FPort: fport,
		EPort: eport,
	}, isnNow)

	slot = e.Table.Start(slot.Index(), flow.KindTCP)
	c := &slot.TCP
	c.FAddr = faddr
	c.FPort = fport
	c.EPort = eport
	c.Sock = fd
	c.TimerFD = -1
	c.Events = flow.EventTapSynRcvd
	if local {
		c.Flags |= flow.FlagLocal
	}
	c.SeqInitFromTap = clientSeq
	c.SeqFromTap = clientSeq + 1
	c.SeqAckToTap = clientSeq + 1
	c.SeqInitToTap = isn
	c.SeqToTap = isn
	c.SeqAckFromTap = isn
	c.WndFromTap = clientWindow
	c.WsFromTap = clientWS
	c.MSS = clientMSS
	c.Flags |= flow.FlagAckFromTapDue

	e.Hash.Insert(key(faddr, eport, fport), slot.Index())
	return slot, nil
}

// CompleteOutboundConnect is called once EPOLLOUT confirms connect() has
// finished (or immediately, if connect() completed synchronously): it
// records whether the connection succeeded and sets TAP_SYN_ACK_SENT so
// the caller knows to emit the SYN+ACK.
func (e *Engine) CompleteOutboundConnect(c *flow.TCPConn) error {
	errno, err := unix.GetsockoptInt(c.Sock, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("tcpengine: getsockopt(SO_ERROR): %w", err)
	}
	if errno != 0 {
		return fmt.Errorf("tcpengine: connect failed: errno %d", errno)
	}
	c.Events |= flow.EventTapSynAckSent
	return nil
}

// AcceptInbound implements spec.md §4.3's inbound handshake: a
// port-forwarded listener on the host accepted a connection, to be
// presented to the tap client as an inbound SYN.
func (e *Engine) AcceptInbound(sock int, faddr [16]byte, fport, eport uint16, isnNow uint64) (*flow.Slot, error) {
	slot, err := e.Table.Alloc()
	if err != nil {
		unix.Close(sock)
		return nil, err
	}

	isn := e.Secret.ISN(siphash.ISNInput{
		FAddr: faddr,
		LAddr: e.LocalAddr,
		FPort: fport,
		EPort: eport,
	}, isnNow)

	slot = e.Table.Start(slot.Index(), flow.KindTCP)
	c := &slot.TCP
	c.FAddr = faddr
	c.FPort = fport
	c.EPort = eport
	c.Sock = sock
	c.TimerFD = -1
	c.Events = flow.EventSockAccepted
	c.SeqInitToTap = isn
	c.SeqToTap = isn
	c.SeqAckFromTap = isn
	c.MSS = DefaultMSS
	c.WsToTap = DefaultWindowScale
	c.Flags |= flow.FlagAckFromTapDue

	e.Hash.Insert(key(faddr, eport, fport), slot.Index())
	return slot, nil
}

// CompleteInboundHandshake records the client's SYN+ACK (spec.md §4.3:
// "record their MSS and ws_from_tap, parse their window, transition to
// ESTABLISHED").
func CompleteInboundHandshake(c *flow.TCPConn, clientSeq uint32, clientWindow uint16, clientMSS uint16, clientWS uint8) {
	c.SeqInitFromTap = clientSeq
	c.SeqFromTap = clientSeq + 1
	c.SeqAckToTap = clientSeq + 1
	c.WndFromTap = clientWindow
	c.WsFromTap = clientWS
	if clientMSS != 0 {
		c.MSS = clientMSS
	}
	c.Events = flow.SetFundamental(c.Events, flow.EventEstablished)
	c.Flags &^= flow.FlagAckFromTapDue
}

// CompleteOutboundHandshake records the client's final ACK completing the
// outbound three-way handshake.
func CompleteOutboundHandshake(c *flow.TCPConn, ackSeq uint32) {
	c.SeqAckFromTap = ackSeq
	c.Events = flow.SetFundamental(c.Events, flow.EventEstablished)
	c.Flags &^= flow.FlagAckFromTapDue
}

func faddrToIP(faddr [16]byte) net.IP {
	ip := net.IP(faddr[:])
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

func connectSocket(fd int, family int, ip net.IP, port uint16) error {
	if family == unix.AF_INET {
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], ip.To4())
		sa.Port = int(port)
		return unix.Connect(fd, &sa)
	}
	var sa unix.SockaddrInet6
	copy(sa.Addr[:], ip.To16())
	sa.Port = int(port)
	return unix.Connect(fd, &sa)
}

// isLocalPeer approximates spec.md §4.3's "bind succeeded without
// EADDRNOTAVAIL/EACCES" LOCAL detection by checking whether the address is
// loopback or one of this host's own interface addresses.
func isLocalPeer(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && ipn.IP.Equal(ip) {
			return true
		}
	}
	return false
}
