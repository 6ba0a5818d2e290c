package tap

// BatchHandler is the type of Demux.OnTCP and Demux.OnUDP, invoked by
// Demux.ReadOnce once per 4-tuple batch. It returns the count of frames
// consumed so the demultiplexer can advance
// (spec.md §4.5: "return the count consumed so the outer loop can
// advance; if a handler consumes zero when progress was required, the
// dispatcher treats it as end-of-batch for that flow for this
// iteration").
type BatchHandler func(buf []byte, batch Batch) (consumed int)

// ICMPHandler handles a single ICMPv4/ICMPv6 frame (spec.md §4.5: "ARP,
// ICMP, and DHCP are peeled off to their own handlers").
type ICMPHandler func(buf []byte, frame Frame, v6 bool)

// ARPHandlerFunc handles a single ARP frame.
type ARPHandlerFunc func(buf []byte, frame Frame)

// Demux is the tap packet demultiplexer of spec.md §4.5.
type Demux struct {
	Transport Transport
	Pool      *Pool
	Warner    *FragmentDropWarner

	OnARP      ARPHandlerFunc
	OnICMPv4   ICMPHandler
	OnICMPv6   ICMPHandler
	OnTCP      BatchHandler
	OnUDP      BatchHandler
}

// NewDemux wires a transport and pool together with a fragment-drop
// warner. Handlers are assigned by the caller before ReadOnce is called.
func NewDemux(t Transport) *Demux {
	return &Demux{
		Transport: t,
		Pool:      NewPool(),
		Warner:    NewFragmentDropWarner(),
	}
}

// ReadOnce performs one read-dispatch-group-handle cycle: it drains
// whatever whole frames are immediately available from the transport
// into the pool (spec.md §4.5 "for each frame in pool order"), classifies
// them by ethertype, groups the IP pools by 4-tuple, and invokes the
// registered handlers. readLimit bounds how many frames are pulled from
// the transport before handling the accumulated pool, mirroring passt's
// batched-read-then-drain shape.
func (d *Demux) ReadOnce(readLimit int) error {
	d.Pool.Reset()
	scratch := make([]byte, MaxMTU)

	for i := 0; i < readLimit; i++ {
		n, err := d.Transport.ReadFrame(scratch)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if _, err := d.Pool.Push(scratch[:n]); err == ErrPoolFull {
			break
		} else if err != nil {
			continue
		}
	}

	for _, fr := range d.Pool.ARP {
		if d.OnARP != nil {
			d.OnARP(d.Pool.Buf, fr)
		}
	}

	d.handleV4()
	d.handleV6()
	return nil
}

func (d *Demux) handleV4() {
	var icmp, tcpudp []Frame
	for _, fr := range d.Pool.V4 {
		info, ok := ParseV4(fr.Bytes(d.Pool.Buf))
		if !ok || info.Loopback {
			continue
		}
		if info.Fragment {
			d.Warner.Drop()
			continue
		}
		switch info.Proto {
		case protoICMP:
			icmp = append(icmp, fr)
		case protoTCP, protoUDP:
			tcpudp = append(tcpudp, fr)
		}
	}
	for _, fr := range icmp {
		if d.OnICMPv4 != nil {
			d.OnICMPv4(d.Pool.Buf, fr, false)
		}
	}
	d.dispatchBatches(tcpudp, false)
}

func (d *Demux) handleV6() {
	var icmp, tcpudp []Frame
	for _, fr := range d.Pool.V6 {
		info, ok := ParseV6(fr.Bytes(d.Pool.Buf))
		if !ok || info.Loopback {
			continue
		}
		switch info.Proto {
		case protoICMPv6:
			icmp = append(icmp, fr)
		case protoTCP, protoUDP:
			tcpudp = append(tcpudp, fr)
		}
	}
	for _, fr := range icmp {
		if d.OnICMPv6 != nil {
			d.OnICMPv6(d.Pool.Buf, fr, true)
		}
	}
	d.dispatchBatches(tcpudp, true)
}

func (d *Demux) dispatchBatches(frames []Frame, v6 bool) {
	if len(frames) == 0 {
		return
	}
	parse := func(pkt []byte) (Tuple, bool) {
		if v6 {
			info, ok := ParseV6(pkt)
			return info.Tuple, ok && (info.Proto == protoTCP || info.Proto == protoUDP)
		}
		info, ok := ParseV4(pkt)
		return info.Tuple, ok && (info.Proto == protoTCP || info.Proto == protoUDP)
	}
	batches := GroupByTuple(d.Pool.Buf, frames, parse)
	for _, b := range batches {
		var h BatchHandler
		switch b.Tuple.Proto {
		case protoTCP:
			h = d.OnTCP
		case protoUDP:
			h = d.OnUDP
		}
		if h == nil {
			continue
		}
		remaining := b
		for len(remaining.Frames) > 0 {
			consumed := h(d.Pool.Buf, remaining)
			if consumed <= 0 {
				break
			}
			remaining.Frames = remaining.Frames[consumed:]
		}
	}
}
