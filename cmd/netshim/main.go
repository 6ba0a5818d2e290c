// Command netshim wires the flow table, hash index, dispatcher and the
// TCP/UDP/ICMP engines together around a frozen configuration record.
// Flag parsing and server lifecycle management are the external
// collaborator's job (spec.md §6: "The CLI drives the external
// collaborators; the core consumes only a frozen config record"); this
// binary accepts only the path to that record.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"netshim/internal/config"
	"netshim/internal/dispatcher"
	"netshim/internal/flow"
	"netshim/internal/icmpengine"
	"netshim/internal/metrics"
	"netshim/internal/netstack"
	"netshim/internal/siphash"
	"netshim/internal/tap"
	"netshim/internal/tcpengine"
	"netshim/internal/tcphash"
	"netshim/internal/udpengine"
)

// FlowTableCapacity bounds the number of simultaneously tracked flows
// across TCP, UDP and ICMP. Sized generously; the table itself degrades to
// ErrTableFull rather than growing, per spec.md §4.1.
const FlowTableCapacity = 1 << 15

func main() {
	configPath := flag.String("config", "", "path to the frozen config record (YAML)")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "netshim: -config is required")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("netshim: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("netshim: %v", err)
	}
}

// shim ties the engines a running process needs together so the periodic
// sweep closure below can reach all of them without a pile of package-level
// globals.
type shim struct {
	table *flow.Table
	icmp  *icmpengine.Engine
	udp4  *udpengine.Table
	udp6  *udpengine.Table
}

// sweep runs the flow-table deferred sweep and the UDP aging sweep, then
// publishes the resulting occupancy to metrics. This is the
// dispatcher.OnPeriodic hook of spec.md §4.6 step 3 ("the flow-table
// deferred sweep").
func (s *shim) sweep(now time.Time) {
	s.table.DeferSweep(func(slot *flow.Slot) bool {
		switch slot.Kind() {
		case flow.KindTCP:
			// Socket release belongs to whichever path drove the
			// connection to CLOSED; by the time the sweep observes
			// events==0 the fd has already been closed there.
			return flow.Closed(slot.TCP.Events)
		case flow.KindPing4, flow.KindPing6:
			if s.icmp != nil && icmpengine.Closed(slot, now) {
				s.icmp.Release(slot)
				return true
			}
			return false
		default:
			return false
		}
	})
	metrics.SetFlowOccupancy(s.table.LiveCount(), s.table.Cap())
	if s.udp4 != nil {
		s.udp4.Sweep()
		s.udp6.Sweep()
		metrics.SetUDPPortsOpen("4", s.udp4.Len())
		metrics.SetUDPPortsOpen("6", s.udp6.Len())
	}
}

func run(cfg *config.Config) error {
	secret, err := siphash.NewSecret()
	if err != nil {
		return fmt.Errorf("siphash secret: %w", err)
	}

	table := flow.New(FlowTableCapacity)
	hash := tcphash.New(FlowTableCapacity, secret)

	disp, err := dispatcher.New()
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	defer disp.Close()

	s := &shim{table: table}

	var tcpEngine *tcpengine.Engine
	if !cfg.TCP.Disabled {
		tcpEngine, err = tcpengine.NewEngine(table, hash, secret, disp)
		if err != nil {
			return fmt.Errorf("tcp engine: %w", err)
		}
		defer tcpEngine.Pool4.Close()
		defer tcpEngine.Pool6.Close()
		disp.OnPeriodic(tcpEngine.RefillPools)
	}

	if !cfg.UDP.Disabled {
		s.udp4 = udpengine.NewTable(false)
		s.udp6 = udpengine.NewTable(true)
	}

	if !cfg.ICMP.Disabled {
		s.icmp = icmpengine.NewEngine(table)
	}

	disp.OnPeriodic(s.sweep)

	metrics.EnablePrometheusMetrics()
	go func() {
		if err := metrics.StartMetricsServer(context.Background(), cfg.MetricsAddr); err != nil {
			log.Printf("netshim: metrics server: %v", err)
		}
	}()

	transport, err := openTapTransport(cfg)
	if err != nil {
		return err
	}
	defer transport.Close()

	stack := netstack.New(cfg, disp, transport, table, tcpEngine, s.udp4, s.udp6, s.icmp)
	defer stack.Close()

	log.Printf("netshim: listening")
	return stack.Serve()
}

// openTapTransport implements spec.md §6's two external transports: a raw
// TUN/TAP device, or the framed length-prefixed stream socket at
// cfg.ListenSocketPath(0). No free slot is probed: any existing file at
// that path is removed before listening. Framed mode accepts exactly one client connection,
// matching spec.md §5's "single execution context" discipline -- there is
// only ever one tap peer per running process.
func openTapTransport(cfg *config.Config) (tap.Transport, error) {
	if !cfg.Tap.Framed {
		transport, err := tap.OpenRawTransport(cfg.Tap.Device)
		if err != nil {
			return nil, fmt.Errorf("tap: %w", err)
		}
		return transport, nil
	}

	path := cfg.ListenSocketPath(0)
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("tap: framed listen on %q: %w", path, err)
	}
	defer ln.Close()

	log.Printf("netshim: waiting for framed client on %s", path)
	conn, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("tap: framed accept: %w", err)
	}
	return tap.NewFramedTransport(conn), nil
}
