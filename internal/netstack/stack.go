// Package netstack is the dispatcher<->engine<->tap glue of spec.md §4.5
// and §4.6: it owns the Demux and Dispatcher a running process needs, wires
// every BatchHandler/ICMPHandler/ARPHandlerFunc to the TCP/UDP/ICMP
// engines, and registers a Handler for every dispatcher.Type so a ready
// epoll event actually drives a flow forward. cmd/netshim only builds the
// engines and hands them to a Stack; this package is where spec.md §4.3's
// handshake and data-plane paths actually execute against a live tap
// device and live kernel sockets.
//
// Grounded on the teacher's cmd/netshim-era wiring shape (one struct
// holding every engine so a single periodic/dispatch closure can reach all
// of them) generalized from "sweep-only" bookkeeping to full fan-out.
package netstack

import (
	"fmt"
	"log"
	"net"

	"golang.org/x/sys/unix"

	"netshim/internal/config"
	"netshim/internal/dispatcher"
	"netshim/internal/flow"
	"netshim/internal/icmpengine"
	"netshim/internal/tap"
	"netshim/internal/tcpengine"
	"netshim/internal/udpengine"
)

// localMAC is the MAC address this process answers ARP with and stamps on
// every frame it builds. passt's pasta mode synthesizes one the same way
// when the client doesn't care which MAC a NAT-less shim uses; there is no
// real NIC behind it to borrow an address from.
var localMAC = [6]byte{0x9a, 0x55, 0x9a, 0x55, 0x9a, 0x55}

// tcpListener is one host-bound listening socket opened for a TCP
// port-forward-in entry.
type tcpListener struct {
	fd      int
	port    uint16
	mapPort uint16
}

// Stack ties the flow table, the TCP/UDP/ICMP engines, the tap demux and
// the epoll dispatcher together into one running process.
type Stack struct {
	disp      *dispatcher.Dispatcher
	transport tap.Transport
	demux     *tap.Demux
	table     *flow.Table

	tcp  *tcpengine.Engine
	udp4 *udpengine.Table
	udp6 *udpengine.Table
	icmp *icmpengine.Engine

	rewrite udpengine.RewriteConfig

	address4 net.IP
	address6 net.IP
	gateway4 net.IP

	clientIP4 net.IP
	clientIP6 net.IP

	tcpScratch     []byte
	tcpListeners   []tcpListener
	pingRegistered map[uint32]bool
}

// New builds a Stack around already-constructed engines and registers
// every dispatcher.Handler and Demux handler the fan-out of spec.md §4.5
// and §4.6 requires. The engines may be nil when their protocol is
// disabled in cfg (spec.md §6's --tcp-ns/--udp-ns/--no-icmp style toggles).
func New(cfg *config.Config, disp *dispatcher.Dispatcher, transport tap.Transport, table *flow.Table, tcpEngine *tcpengine.Engine, udp4, udp6 *udpengine.Table, icmpEngine *icmpengine.Engine) *Stack {
	s := &Stack{
		disp:           disp,
		transport:      transport,
		table:          table,
		tcp:            tcpEngine,
		udp4:           udp4,
		udp6:           udp6,
		icmp:           icmpEngine,
		tcpScratch:     make([]byte, 1<<16),
		pingRegistered: make(map[uint32]bool),
	}

	if ip := net.ParseIP(cfg.Address); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			s.address4 = v4
		} else {
			s.address6 = ip
		}
	}
	if ip := net.ParseIP(cfg.Gateway); ip != nil {
		s.gateway4 = ip.To4()
	}
	var dnsHost, dnsForward net.IP
	if len(cfg.DNS) > 0 {
		dnsHost = net.ParseIP(cfg.DNS[0])
	}
	if cfg.DNSForward != "" {
		dnsForward = net.ParseIP(cfg.DNSForward)
	}
	s.rewrite = udpengine.RewriteConfig{
		Gateway:    s.gateway4,
		LinkLocal6: s.address6,
		DNSHost:    dnsHost,
		DNSForward: dnsForward,
		NoMapGW:    cfg.NoMapGW,
	}

	s.demux = tap.NewDemux(transport)
	s.demux.OnARP = s.onARP
	s.demux.OnICMPv4 = s.onICMP
	s.demux.OnICMPv6 = s.onICMP
	s.demux.OnTCP = s.onTCPBatch
	s.demux.OnUDP = s.onUDPBatch

	if tcpEngine != nil {
		disp.SetHandler(dispatcher.TypeTCP, s.onTCPSocketEvent)
		disp.SetHandler(dispatcher.TypeTCPListen, s.onTCPListenEvent)
		disp.SetHandler(dispatcher.TypeTCPTimer, s.onTCPTimerEvent)
		if err := s.setupTCPListeners(cfg.TCP.PortForwardIn); err != nil {
			log.Printf("netstack: %v", err)
		}
	}
	if udp4 != nil || udp6 != nil {
		disp.SetHandler(dispatcher.TypeUDP, s.onUDPSocketEvent)
	}
	if icmpEngine != nil {
		disp.SetHandler(dispatcher.TypePing, s.onPingSocketEvent)
	}

	return s
}

// Close releases every host-bound listening socket opened by New.
func (s *Stack) Close() {
	for _, l := range s.tcpListeners {
		unix.Close(l.fd)
	}
}

// Serve runs the read-demux-dispatch loop of spec.md §4.5/§4.6 until
// ReadOnce or RunOnce return an error.
func (s *Stack) Serve() error {
	for {
		if err := s.demux.ReadOnce(64); err != nil {
			return fmt.Errorf("tap demux: %w", err)
		}
		if err := s.disp.RunOnce(); err != nil {
			return fmt.Errorf("dispatcher: %w", err)
		}
	}
}

func (s *Stack) noteClientIP(v6 bool, ip net.IP) {
	if ip == nil {
		return
	}
	if v6 {
		s.clientIP6 = ip
	} else {
		s.clientIP4 = ip
	}
}

// clientIPFor returns the best-known tap-client address for the given
// family: the address last observed on an inbound frame, falling back to
// the configured --address when nothing has been observed yet (e.g. the
// very first frame this process ever sends, like an inbound port-forward
// SYN before the client has said anything).
func (s *Stack) clientIPFor(v6 bool) net.IP {
	if v6 {
		if s.clientIP6 != nil {
			return s.clientIP6
		}
		return s.address6
	}
	if s.clientIP4 != nil {
		return s.clientIP4
	}
	return s.address4
}
