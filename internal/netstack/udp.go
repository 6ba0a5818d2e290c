package netstack

import (
	"log"
	"net"

	"golang.org/x/sys/unix"

	"netshim/internal/dispatcher"
	"netshim/internal/tap"
	"netshim/internal/udpengine"
)

// onUDPBatch implements spec.md §4.4's client->host path: each datagram in
// the batch is independent (no state machine), so every frame is handled
// on its own regardless of how the demux happened to group the batch.
func (s *Stack) onUDPBatch(buf []byte, batch tap.Batch) int {
	consumed := 0
	for _, fr := range batch.Frames {
		srcIP, dstIP, l4, v6, ok := classifyFrame(buf, fr)
		consumed++
		if !ok {
			continue
		}
		dg, ok := tap.ParseUDP(l4)
		if !ok {
			continue
		}
		s.noteClientIP(v6, srcIP)
		s.handleUDPDatagram(v6, srcIP, dstIP, dg)
	}
	return consumed
}

func (s *Stack) udpTableFor(v6 bool) *udpengine.Table {
	if v6 {
		return s.udp6
	}
	return s.udp4
}

// handleUDPDatagram opens (or reuses) the per-port session tracking this
// datagram's tap-side source port, rewrites its destination per spec.md
// §4.4 (DNS address -> host DNS; gateway address -> loopback), and forwards
// it to the host. No host-side peer address is tracked, so the gateway is
// never rewritten to a last-seen host address.
func (s *Stack) handleUDPDatagram(v6 bool, srcIP, dstIP net.IP, dg tap.UDPDatagram) {
	table := s.udpTableFor(v6)
	if table == nil {
		return
	}

	dst := udpengine.OutboundRewrite(s.rewrite, dstIP, nil)

	sess, ok := table.Lookup(dg.SrcPort)
	if !ok {
		var err error
		sess, err = table.Open(dg.SrcPort, nil, dst)
		if err != nil {
			log.Printf("netstack: udp open: %v", err)
			return
		}
		fam := uint8(0)
		if v6 {
			fam = 1
		}
		ref := dispatcher.Ref{
			Type:    dispatcher.TypeUDP,
			FD:      int32(sess.Sock),
			Payload: dispatcher.PackListenPayload(dg.SrcPort, fam),
		}
		if err := s.disp.Add(sess.Sock, unix.EPOLLIN, ref); err != nil {
			log.Printf("netstack: dispatcher add (udp): %v", err)
		}
	}
	table.Touch(dg.SrcPort)
	sess.LastSeen = srcIP

	if err := sendUDP(sess.Sock, dst, dg.DstPort, dg.Payload, v6); err != nil {
		log.Printf("netstack: udp send: %v", err)
	}
}

func sendUDP(fd int, dst net.IP, port uint16, payload []byte, v6 bool) error {
	if v6 {
		var sa unix.SockaddrInet6
		sa.Port = int(port)
		copy(sa.Addr[:], dst.To16())
		return unix.Sendto(fd, payload, 0, &sa)
	}
	var sa unix.SockaddrInet4
	sa.Port = int(port)
	copy(sa.Addr[:], dst.To4())
	return unix.Sendto(fd, payload, 0, &sa)
}

// onUDPSocketEvent implements spec.md §4.4's host->client path: a reply
// lands on a session's socket, gets its source rewritten per
// udpengine.InboundRewrite, and is framed back to the tap client on the
// session's tracked tap-side port.
func (s *Stack) onUDPSocketEvent(ref dispatcher.Ref, events uint32) {
	port, fam := dispatcher.UnpackListenPayload(ref.Payload)
	v6 := fam == 1
	table := s.udpTableFor(v6)
	if table == nil {
		return
	}
	sess, ok := table.Lookup(port)
	if !ok {
		return
	}

	buf := make([]byte, 65536)
	n, from, err := unix.Recvfrom(int(ref.FD), buf, 0)
	if err != nil {
		if err != unix.EAGAIN {
			log.Printf("netstack: udp recv: %v", err)
		}
		return
	}

	var srcIP net.IP
	var remotePort uint16
	switch a := from.(type) {
	case *unix.SockaddrInet4:
		srcIP = net.IP(append([]byte(nil), a.Addr[:]...))
		remotePort = uint16(a.Port)
	case *unix.SockaddrInet6:
		srcIP = net.IP(append([]byte(nil), a.Addr[:]...))
		remotePort = uint16(a.Port)
	default:
		return
	}

	table.Touch(port)
	rewrittenSrc, flags := udpengine.InboundRewrite(s.rewrite, port, srcIP, sess.LastSeen, v6)
	sess.Flags = flags

	clientIP := s.clientIPFor(v6)
	if clientIP == nil {
		return
	}
	frame := tap.BuildUDPFrame(tap.UDPFrameSpec{
		SrcMAC:  localMAC,
		DstMAC:  s.demux.Pool.DestMAC(),
		V6:      v6,
		SrcIP:   rewrittenSrc,
		DstIP:   clientIP,
		SrcPort: remotePort,
		DstPort: port,
		Payload: buf[:n],
	})
	if err := s.transport.WriteFrame(frame); err != nil {
		log.Printf("netstack: tap write (udp): %v", err)
	}
}
