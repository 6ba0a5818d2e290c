package netstack

import (
	"fmt"
	"log"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"netshim/internal/config"
	"netshim/internal/dispatcher"
	"netshim/internal/tap"
)

// setupTCPListeners opens one host-bound listening socket per port named
// by a `-t` port_forward_in spec (spec.md §6), registering each with the
// dispatcher under TypeTCPListen so onTCPListenEvent can accept and
// present inbound connections to the tap client.
func (s *Stack) setupTCPListeners(spec string) error {
	if spec == "" || s.tcp == nil {
		return nil
	}
	parsed, err := config.ParsePortSpec(spec)
	if err != nil {
		return fmt.Errorf("tcp port_forward_in: %w", err)
	}
	if parsed.None || parsed.Auto || parsed.All {
		// auto/all require probing the host's own listening sockets to
		// mirror them (spec.md §6); that probe is an external-collaborator
		// concern (procfs/netlink enumeration), not this engine's wiring.
		return nil
	}
	for _, r := range parsed.Ranges {
		if r.Exclude {
			continue
		}
		for port := r.First; ; port++ {
			mapped := r.MapFirst + (port - r.First)
			if err := s.addTCPListener(port, mapped, r.Addr); err != nil {
				log.Printf("netstack: tcp listen :%d: %v", port, err)
			}
			if port == r.Last {
				break
			}
		}
	}
	return nil
}

func (s *Stack) addTCPListener(port, mapped uint16, addr string) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	var sa unix.SockaddrInet4
	sa.Port = int(port)
	if addr != "" {
		ip := net.ParseIP(addr).To4()
		if ip == nil {
			unix.Close(fd)
			return fmt.Errorf("invalid bind address %q", addr)
		}
		copy(sa.Addr[:], ip)
	}
	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind :%d: %w", port, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen :%d: %w", port, err)
	}

	ref := dispatcher.Ref{
		Type:    dispatcher.TypeTCPListen,
		FD:      int32(fd),
		Payload: dispatcher.PackListenPayload(mapped, uint8(dispatcher.PifHost)),
	}
	if err := s.disp.Add(fd, unix.EPOLLIN, ref); err != nil {
		unix.Close(fd)
		return fmt.Errorf("dispatcher add: %w", err)
	}
	s.tcpListeners = append(s.tcpListeners, tcpListener{fd: fd, port: port, mapPort: mapped})
	return nil
}

// onTCPListenEvent accepts one pending connection and presents it to the
// tap client as an inbound SYN (spec.md §4.3's inbound handshake, fed by
// Engine.AcceptInbound).
func (s *Stack) onTCPListenEvent(ref dispatcher.Ref, events uint32) {
	mapped, _ := dispatcher.UnpackListenPayload(ref.Payload)
	nfd, sa, err := unix.Accept4(int(ref.FD), unix.SOCK_NONBLOCK)
	if err != nil {
		if err != unix.EAGAIN {
			log.Printf("netstack: accept :%d: %v", mapped, err)
		}
		return
	}

	var faddr [16]byte
	var fport uint16
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		faddr[10], faddr[11] = 0xff, 0xff
		copy(faddr[12:16], a.Addr[:])
		fport = uint16(a.Port)
	case *unix.SockaddrInet6:
		copy(faddr[:], a.Addr[:])
		fport = uint16(a.Port)
	default:
		unix.Close(nfd)
		return
	}

	slot, err := s.tcp.AcceptInbound(nfd, faddr, fport, mapped, uint64(time.Now().UnixNano()))
	if err != nil {
		log.Printf("netstack: accept inbound: %v", err)
		return
	}

	tref := dispatcher.Ref{Type: dispatcher.TypeTCP, FD: int32(nfd), Payload: slot.Index()}
	if err := s.disp.Add(nfd, unix.EPOLLIN, tref); err != nil {
		log.Printf("netstack: dispatcher add (accepted): %v", err)
	}
	s.sendTCPFrame(slot, tap.TCPFlagSYN, nil)
	s.armTCPTimer(slot)
}
