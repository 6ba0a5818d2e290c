package netstack

import (
	"encoding/binary"
	"log"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"netshim/internal/dispatcher"
	"netshim/internal/flow"
	"netshim/internal/tap"
)

// onARP answers ARP requests for our configured --address and --gateway,
// the resolution half of spec.md §4.5 step 1's "peer MAC learned from the
// first frame's source" (which Pool.Push already handles on its own).
func (s *Stack) onARP(buf []byte, fr tap.Frame) {
	pkt, ok := tap.ParseARP(fr.Bytes(buf))
	if !ok || pkt.Op != tap.ARPOpRequest {
		return
	}
	target := net.IP(pkt.TPA[:])
	if (s.address4 == nil || !target.Equal(s.address4)) && (s.gateway4 == nil || !target.Equal(s.gateway4)) {
		return
	}
	reply := tap.BuildARPReply(tap.ARPReplySpec{
		SrcMAC: localMAC,
		DstMAC: pkt.SHA,
		SPA:    pkt.TPA,
		TPA:    pkt.SPA,
		THA:    pkt.SHA,
	})
	if err := s.transport.WriteFrame(reply); err != nil {
		log.Printf("netstack: tap write (arp): %v", err)
	}
}

// onICMP implements spec.md §4.5's ARP/ICMP peel-off for echo requests: it
// opens (or reuses) a ping-socket flow via icmpengine.Engine.Open and
// relays the request to the kernel's "ping socket" facility.
func (s *Stack) onICMP(buf []byte, fr tap.Frame, v6 bool) {
	if s.icmp == nil {
		return
	}
	raw := fr.Bytes(buf)
	var srcIP, dstIP net.IP
	var l4 []byte
	if v6 {
		info, ok := tap.ParseV6(raw)
		if !ok {
			return
		}
		srcIP, dstIP, l4 = info.SrcIP, info.DstIP, info.Payload
	} else {
		info, ok := tap.ParseV4(raw)
		if !ok || info.Fragment {
			return
		}
		srcIP, dstIP, l4 = info.SrcIP, info.DstIP, info.Payload
	}
	echo, ok := tap.ParseICMPEcho(l4, v6)
	if !ok {
		return
	}
	if echo.Type != tap.ICMPTypeEchoRequest4 && echo.Type != tap.ICMPTypeEchoRequest6 {
		return
	}
	s.noteClientIP(v6, srcIP)

	now := time.Now()
	slot, err := s.icmp.Open(echo.ID, v6, now)
	if err != nil {
		log.Printf("netstack: icmp open: %v", err)
		return
	}
	s.icmp.Touch(slot, echo.Seq, now)
	c := &slot.Ping

	if !s.pingRegistered[slot.Index()] {
		ref := dispatcher.Ref{Type: dispatcher.TypePing, FD: int32(c.Sock), Payload: slot.Index()}
		if err := s.disp.Add(c.Sock, unix.EPOLLIN, ref); err != nil {
			log.Printf("netstack: dispatcher add (ping): %v", err)
		} else {
			s.pingRegistered[slot.Index()] = true
		}
	}

	if err := sendICMPEcho(c.Sock, dstIP, echo, v6); err != nil {
		log.Printf("netstack: icmp send: %v", err)
	}
}

func sendICMPEcho(fd int, dst net.IP, echo tap.ICMPEcho, v6 bool) error {
	typ := uint8(tap.ICMPTypeEchoRequest4)
	if v6 {
		typ = tap.ICMPTypeEchoRequest6
	}
	pkt := make([]byte, 8+len(echo.Data))
	pkt[0] = typ
	binary.BigEndian.PutUint16(pkt[4:6], echo.ID)
	binary.BigEndian.PutUint16(pkt[6:8], echo.Seq)
	copy(pkt[8:], echo.Data)

	if v6 {
		var sa unix.SockaddrInet6
		copy(sa.Addr[:], dst.To16())
		return unix.Sendto(fd, pkt, 0, &sa)
	}
	var sa unix.SockaddrInet4
	copy(sa.Addr[:], dst.To4())
	return unix.Sendto(fd, pkt, 0, &sa)
}

// onPingSocketEvent reads one echo reply off a ping flow's kernel socket
// and frames it back to the tap client (spec.md §3/§4.5's Ping4/Ping6 flow
// records).
func (s *Stack) onPingSocketEvent(ref dispatcher.Ref, events uint32) {
	slot := s.table.Get(ref.Payload)
	if slot.Kind() != flow.KindPing4 && slot.Kind() != flow.KindPing6 {
		return
	}
	v6 := slot.Kind() == flow.KindPing6

	buf := make([]byte, 65536)
	n, from, err := unix.Recvfrom(int(ref.FD), buf, 0)
	if err != nil {
		if err != unix.EAGAIN {
			log.Printf("netstack: icmp recv: %v", err)
		}
		return
	}
	var srcIP net.IP
	switch a := from.(type) {
	case *unix.SockaddrInet4:
		srcIP = net.IP(append([]byte(nil), a.Addr[:]...))
	case *unix.SockaddrInet6:
		srcIP = net.IP(append([]byte(nil), a.Addr[:]...))
	default:
		return
	}

	echo, ok := tap.ParseICMPEcho(buf[:n], v6)
	if !ok || (echo.Type != tap.ICMPTypeEchoReply4 && echo.Type != tap.ICMPTypeEchoReply6) {
		return
	}
	s.icmp.Touch(slot, echo.Seq, time.Now())

	clientIP := s.clientIPFor(v6)
	if clientIP == nil {
		return
	}
	frame := tap.BuildICMPEchoFrame(tap.ICMPFrameSpec{
		SrcMAC: localMAC,
		DstMAC: s.demux.Pool.DestMAC(),
		V6:     v6,
		SrcIP:  srcIP,
		DstIP:  clientIP,
		Type:   echo.Type,
		Code:   echo.Code,
		ID:     echo.ID,
		Seq:    echo.Seq,
		Data:   echo.Data,
	})
	if err := s.transport.WriteFrame(frame); err != nil {
		log.Printf("netstack: tap write (icmp): %v", err)
	}
}
