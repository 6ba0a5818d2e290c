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
	"netshim/internal/tcpengine"
)

const (
	ethTypeIPv4 = 0x0800
	ethTypeIPv6 = 0x86dd
)

// classifyFrame parses a pooled frame's Ethernet+IP header, returning the
// addresses and L4 payload ParseTCP/ParseUDP/ParseICMPEcho expect. Unlike
// tap.Tuple's internal zero-padded netIP, the net.IP values returned here
// come straight from ParseV4/ParseV6 and convert correctly via To4/To16.
func classifyFrame(buf []byte, fr tap.Frame) (srcIP, dstIP net.IP, l4 []byte, v6 bool, ok bool) {
	raw := fr.Bytes(buf)
	if len(raw) < 14 {
		return nil, nil, nil, false, false
	}
	switch binary.BigEndian.Uint16(raw[12:14]) {
	case ethTypeIPv4:
		info, parsed := tap.ParseV4(raw)
		if !parsed || info.Fragment || info.Payload == nil {
			return nil, nil, nil, false, false
		}
		return info.SrcIP, info.DstIP, info.Payload, false, true
	case ethTypeIPv6:
		info, parsed := tap.ParseV6(raw)
		if !parsed || info.Payload == nil {
			return nil, nil, nil, true, false
		}
		return info.SrcIP, info.DstIP, info.Payload, true, true
	}
	return nil, nil, nil, false, false
}

func faddr16(ip net.IP) [16]byte {
	var b [16]byte
	copy(b[:], ip.To16())
	return b
}

// isV4Mapped reports whether faddr is an IPv4-mapped-in-IPv6 address
// (::ffff:a.b.c.d), the form every tcpengine.TCPConn.FAddr is stored in
// for an IPv4 peer.
func isV4Mapped(faddr [16]byte) bool {
	for i := 0; i < 10; i++ {
		if faddr[i] != 0 {
			return false
		}
	}
	return faddr[10] == 0xff && faddr[11] == 0xff
}

func faddrIP(faddr [16]byte, v6 bool) net.IP {
	ip := net.IP(append([]byte(nil), faddr[:]...))
	if !v6 {
		if v4 := ip.To4(); v4 != nil {
			return v4
		}
	}
	return ip
}

func windowScaleOf(seg *tap.TCPSegment) uint8 {
	if seg.HasWindowScale {
		return seg.WindowScale
	}
	return 0
}

// onTCPBatch implements the client->socket fan-out of spec.md §4.3/§4.5:
// parse every frame in the batch into a tcpengine.ClientSegment, find (or
// start) the flow the 4-tuple belongs to, and hand the group to the
// engine's handshake or ClientToSocket path.
func (s *Stack) onTCPBatch(buf []byte, batch tap.Batch) int {
	if len(batch.Frames) == 0 || s.tcp == nil {
		return len(batch.Frames)
	}

	var faddr [16]byte
	var v6 bool
	var eport, fport uint16
	var firstSeg *tap.TCPSegment
	segs := make([]tcpengine.ClientSegment, 0, len(batch.Frames))
	consumed := 0

	for _, fr := range batch.Frames {
		srcIP, dstIP, l4, frameV6, ok := classifyFrame(buf, fr)
		consumed++
		if !ok {
			continue
		}
		seg, ok := tap.ParseTCP(l4)
		if !ok {
			continue
		}
		v6 = frameV6
		s.noteClientIP(v6, srcIP)
		// faddr/fport are the remote (far) peer the client is talking to
		// (the frame's destination); eport is the client's own source
		// port, matching the (faddr, fport, eport) key Engine.Lookup and
		// OutboundSyn use.
		faddr = faddr16(dstIP)
		eport, fport = seg.SrcPort, seg.DstPort
		if firstSeg == nil {
			cp := seg
			firstSeg = &cp
		}
		segs = append(segs, tcpengine.ClientSegment{
			SeqSeq: seg.Seq,
			Data:   seg.Payload,
			Ack:    seg.Has(tap.TCPFlagACK),
			AckSeq: seg.Ack,
			Window: seg.Window,
			Fin:    seg.Has(tap.TCPFlagFIN),
			Rst:    seg.Has(tap.TCPFlagRST),
		})
	}
	if firstSeg == nil {
		return consumed
	}

	slot, found := s.tcp.Lookup(faddr, eport, fport)
	if !found {
		if firstSeg.Has(tap.TCPFlagSYN) && !firstSeg.Has(tap.TCPFlagACK) {
			s.handleOutboundSyn(faddr, fport, eport, *firstSeg)
		}
		return consumed
	}
	c := &slot.TCP

	if c.Events&flow.EventTapSynAckSent != 0 && c.Events&flow.EventEstablished == 0 {
		if len(segs) > 0 && segs[0].Ack && !segs[0].Rst {
			tcpengine.CompleteOutboundHandshake(c, segs[0].AckSeq)
			s.armTCPTimer(slot)
		}
		return consumed
	}
	if c.Events == flow.EventSockAccepted {
		if firstSeg.Has(tap.TCPFlagSYN) && firstSeg.Has(tap.TCPFlagACK) {
			tcpengine.CompleteInboundHandshake(c, firstSeg.Seq, firstSeg.Window, firstSeg.MSS, windowScaleOf(firstSeg))
			s.sendTCPFrame(slot, tap.TCPFlagACK, nil)
			s.armTCPTimer(slot)
		}
		return consumed
	}

	res, err := s.tcp.ClientToSocket(c, segs)
	if err != nil {
		log.Printf("netstack: tcp client->socket: %v", err)
		s.closeTCPFlow(slot)
		return consumed
	}
	if flow.Closed(c.Events) {
		s.closeTCPFlow(slot)
		return consumed
	}
	if res.FinReceived || c.Flags&flow.FlagAckToTapDue != 0 {
		s.sendTCPFrame(slot, tap.TCPFlagACK, nil)
		c.Flags &^= flow.FlagAckToTapDue
	}
	s.armTCPTimer(slot)
	return consumed
}

// handleOutboundSyn implements the allocate-and-connect half of spec.md
// §4.3's outbound handshake: OutboundSyn does the flow bookkeeping, then
// the connecting socket is registered with the dispatcher so
// onTCPSocketEvent can finish the handshake once connect() completes.
func (s *Stack) handleOutboundSyn(faddr [16]byte, fport, eport uint16, syn tap.TCPSegment) {
	slot, err := s.tcp.OutboundSyn(faddr, fport, eport, syn.Seq, syn.Window, syn.MSS, windowScaleOf(&syn), uint64(time.Now().UnixNano()))
	if err != nil {
		log.Printf("netstack: outbound syn: %v", err)
		return
	}
	c := &slot.TCP
	ref := dispatcher.Ref{Type: dispatcher.TypeTCP, FD: int32(c.Sock), Payload: slot.Index()}
	if err := s.disp.Add(c.Sock, unix.EPOLLOUT, ref); err != nil {
		log.Printf("netstack: dispatcher add (connect): %v", err)
		return
	}
	s.armTCPTimer(slot)
}

// onTCPSocketEvent handles every epoll event on a TCP connection's host
// socket (spec.md §4.6's TCP Ref.Type dispatch): EPOLLOUT before
// ESTABLISHED finishes an outbound connect(), EPOLLIN reads new data to
// push to the client, and EPOLLHUP/EPOLLERR tears the flow down.
func (s *Stack) onTCPSocketEvent(ref dispatcher.Ref, events uint32) {
	slot := s.table.Get(ref.Payload)
	if slot.Kind() != flow.KindTCP {
		return
	}
	c := &slot.TCP

	if events&unix.EPOLLOUT != 0 && c.Events&flow.EventEstablished == 0 && c.Events&flow.EventTapSynAckSent == 0 {
		if err := s.tcp.CompleteOutboundConnect(c); err != nil {
			log.Printf("netstack: tcp connect: %v", err)
			s.closeTCPFlow(slot)
			return
		}
		s.sendTCPFrame(slot, tap.TCPFlagSYN|tap.TCPFlagACK, nil)
		if err := s.disp.Modify(c.Sock, unix.EPOLLIN, ref); err != nil {
			log.Printf("netstack: dispatcher modify: %v", err)
		}
		s.armTCPTimer(slot)
		return
	}

	if events&unix.EPOLLIN != 0 && c.Events&flow.EventEstablished != 0 {
		s.pushSocketToClient(slot)
	}
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		s.closeTCPFlow(slot)
	}
}

// pushSocketToClient implements the socket->client half of spec.md §4.3:
// peek new bytes off the socket via Engine.SocketToClient, and flush every
// resulting Segment as a framed TCP packet back through the tap transport.
func (s *Stack) pushSocketToClient(slot *flow.Slot) {
	c := &slot.TCP
	var batch tcpengine.SegmentBatch
	closed, err := s.tcp.SocketToClient(c, s.tcpScratch, &batch)
	if err != nil {
		log.Printf("netstack: tcp socket->client: %v", err)
		s.closeTCPFlow(slot)
		return
	}
	batch.Flush(func(segs []tcpengine.Segment) error {
		for _, seg := range segs {
			flags := tap.TCPFlagACK
			if seg.Fin {
				flags |= tap.TCPFlagFIN
			}
			s.sendTCPFrameSeq(slot, flags, seg.Data, seg.Seq)
		}
		return nil
	})
	if closed {
		unix.Shutdown(c.Sock, unix.SHUT_RD)
	}
	s.armTCPTimer(slot)
}

// closeTCPFlow releases a TCP flow's socket and timer and marks it CLOSED
// so the next periodic sweep folds the slot back into the free list.
func (s *Stack) closeTCPFlow(slot *flow.Slot) {
	c := &slot.TCP
	if c.Sock >= 0 {
		s.disp.Remove(c.Sock)
		unix.Close(c.Sock)
		c.Sock = -1
	}
	s.releaseTCPTimer(c)
	c.Events = 0
}

// armTCPTimer (re)arms a connection's per-flow timer to fire at
// tcpengine.NextDeadline(c) from now, creating the timerfd on first use
// (spec.md §4.3's per-connection timer semantics table).
func (s *Stack) armTCPTimer(slot *flow.Slot) {
	c := &slot.TCP
	if c.TimerFD < 0 {
		fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
		if err != nil {
			log.Printf("netstack: timerfd_create: %v", err)
			return
		}
		c.TimerFD = fd
		ref := dispatcher.Ref{Type: dispatcher.TypeTCPTimer, FD: int32(fd), Payload: slot.Index()}
		if err := s.disp.Add(fd, unix.EPOLLIN, ref); err != nil {
			log.Printf("netstack: dispatcher add (timer): %v", err)
			unix.Close(fd)
			c.TimerFD = -1
			return
		}
	}
	deadline := tcpengine.NextDeadline(c)
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(deadline.Nanoseconds())}
	if err := unix.TimerfdSettime(c.TimerFD, 0, &spec, nil); err != nil {
		log.Printf("netstack: timerfd_settime: %v", err)
	}
}

func (s *Stack) releaseTCPTimer(c *flow.TCPConn) {
	if c.TimerFD >= 0 {
		s.disp.Remove(c.TimerFD)
		unix.Close(c.TimerFD)
		c.TimerFD = -1
	}
}

// onTCPTimerEvent fires tcpengine.TimerFireAction's decision for the
// connection the timer belongs to (spec.md §4.3's "On timer fire" rules).
func (s *Stack) onTCPTimerEvent(ref dispatcher.Ref, events uint32) {
	slot := s.table.Get(ref.Payload)
	if slot.Kind() != flow.KindTCP {
		return
	}
	c := &slot.TCP
	var drain [8]byte
	unix.Read(int(ref.FD), drain[:])

	now := time.Now()
	switch tcpengine.TimerFireAction(c, now, now) {
	case tcpengine.FireAckToTap:
		c.Flags &^= flow.FlagAckToTapDue
		s.sendTCPFrame(slot, tap.TCPFlagACK, nil)
		s.armTCPTimer(slot)
	case tcpengine.FireRetransmit:
		tcpengine.ApplyRetransmit(c)
		s.pushSocketToClient(slot)
	case tcpengine.FireReset:
		s.sendTCPFrame(slot, tap.TCPFlagRST|tap.TCPFlagACK, nil)
		s.closeTCPFlow(slot)
	case tcpengine.FireReschedule:
		s.armTCPTimer(slot)
	}
}

// announceWindow computes the window to advertise on the next frame sent
// to the client, wiring tcpengine.SndbufEffective/AnnounceWindow (spec.md
// §4.3's window-tracking paragraph) against the socket's actual SO_SNDBUF.
func announceWindow(c *flow.TCPConn) uint16 {
	const defaultSndbuf = 212992 // Linux's net.core.wmem_default
	sndbuf, err := unix.GetsockoptInt(c.Sock, unix.SOL_SOCKET, unix.SO_SNDBUF)
	if err != nil {
		sndbuf = defaultSndbuf
	}
	win := tcpengine.AnnounceWindow(0, false, tcpengine.SndbufEffective(sndbuf))
	raw := win >> c.WsToTap
	if raw > 0xffff {
		raw = 0xffff
	}
	return uint16(raw)
}

func (s *Stack) sendTCPFrame(slot *flow.Slot, flags uint8, payload []byte) {
	s.sendTCPFrameSeq(slot, flags, payload, slot.TCP.SeqToTap)
}

// sendTCPFrameSeq builds and writes one outbound TCP frame for slot back
// through the tap transport, the "emit toward the client" counterpart of
// spec.md §4.3's socket<->tap data plane.
func (s *Stack) sendTCPFrameSeq(slot *flow.Slot, flags uint8, payload []byte, seq uint32) {
	c := &slot.TCP
	v6 := !isV4Mapped(c.FAddr)
	clientIP := s.clientIPFor(v6)
	if clientIP == nil {
		return
	}
	spec := tap.TCPFrameSpec{
		SrcMAC:  localMAC,
		DstMAC:  s.demux.Pool.DestMAC(),
		V6:      v6,
		SrcIP:   faddrIP(c.FAddr, v6),
		DstIP:   clientIP,
		SrcPort: c.FPort,
		DstPort: c.EPort,
		Seq:     seq,
		Ack:     c.SeqAckToTap,
		Flags:   flags,
		Window:  announceWindow(c),
		Payload: payload,
	}
	if flags&tap.TCPFlagSYN != 0 {
		spec.MSS = tcpengine.DefaultMSS
		spec.HasWindowScale = true
		spec.WindowScale = tcpengine.DefaultWindowScale
		c.WsToTap = tcpengine.DefaultWindowScale
	}
	if err := s.transport.WriteFrame(tap.BuildTCPFrame(spec)); err != nil {
		log.Printf("netstack: tap write (tcp): %v", err)
	}
}
