package tcpengine

import (
	"fmt"

	"golang.org/x/sys/unix"

	"netshim/internal/flow"
)

// drainChunk bounds one iteration of sockConsume's discard loop. The
// original implementation this is grounded on (tcp_sock_consume in
// _examples/original_source/tcp.c) discards acknowledged bytes with a
// zero-copy recv(NULL, n, MSG_TRUNC); golang.org/x/sys/unix has no portable
// way to pass a NULL buffer through Recvfrom, so this trades that for a
// bounded scratch-buffer copy loop instead.
const drainChunk = 65536

var drainScratch [drainChunk]byte

// SockConsume dequeues n acknowledged bytes from the connection's socket
// (spec.md §4.3: "tcp_sock_consume(ack_seq) ... advances seq_ack_from_tap").
func SockConsume(fd int, n uint32) error {
	for n > 0 {
		chunk := n
		if chunk > drainChunk {
			chunk = drainChunk
		}
		got, err := unix.Read(fd, drainScratch[:chunk])
		if err != nil {
			return fmt.Errorf("tcpengine: sock consume: %w", err)
		}
		if got == 0 {
			return nil
		}
		n -= uint32(got)
	}
	return nil
}

// AckFromTap handles an incoming ACK: validates monotonicity, detects
// duplicate ACKs by exact comparison of the ACK sequence and window with
// the stored ones (no hash of seq_from_tap is involved), and dequeues
// newly-acknowledged bytes from the socket (spec.md §4.3 "On tap-side ACK").
//
// Returns retransmit=true when two duplicate ACKs at the same sequence
// have now been observed and a fast retransmit should be performed by the
// caller before any new data is sent.
func (e *Engine) AckFromTap(c *flow.TCPConn, ackSeq uint32, window uint16, hasData, hasFin bool) (retransmit bool, err error) {
	if SeqLT(ackSeq, c.SeqAckFromTap) {
		// Out-of-order (older) ACK: ignored, per spec.md §4.3.
		return false, nil
	}

	dup := ackSeq == c.SeqAckFromTap && window == c.WndFromTap && !hasData && !hasFin
	if dup {
		c.DupAckCount++
		if c.DupAckCount >= 2 {
			c.DupAckCount = 0
			return true, nil
		}
		return false, nil
	}
	c.DupAckCount = 0

	if ackSeq != c.SeqAckFromTap {
		delta := SeqDiff(c.SeqAckFromTap, ackSeq)
		if err := SockConsume(c.Sock, delta); err != nil {
			return false, err
		}
		c.SeqAckFromTap = ackSeq
	}
	return false, nil
}

// Retransmit implements the fast-retransmit/timer-retransmit action:
// "reset seq_to_tap to seq_ack_from_tap and re-send" (spec.md §4.3). The
// actual re-send is performed by the next SocketToClient call once
// SeqToTap has been rolled back; this only performs the rollback.
func Retransmit(c *flow.TCPConn) {
	c.SeqToTap = c.SeqAckFromTap
}

// Segment is one outbound MSS-sized chunk ready to be framed and flushed,
// produced by SocketToClient.
type Segment struct {
	Data []byte
	Seq  uint32
	Fin  bool
}

// SegmentBatch accumulates Segments for a connection and flushes them as a
// unit, modeling spec.md §4.3's "Batches flush to the tap transport
// (writev for raw TUN, single sendmsg for framed stream)". The accumulate
// step (Add) and the flush step (Flush) are kept as separate, explicitly
// ordered operations: callers must not interleave filling a batch for one
// connection with flushing a batch for another using the same underlying
// iovec storage, since Flush always drains what Add has filled so far
// before any further Add call for the next read is allowed to begin.
type SegmentBatch struct {
	segs    []Segment
	flushed bool
}

// Add appends one segment to the batch. Panics if called after Flush
// without an intervening Reset, enforcing the flush-before-fill ordering.
func (b *SegmentBatch) Add(seg Segment) {
	if b.flushed {
		panic("tcpengine: SegmentBatch.Add called after Flush without Reset")
	}
	b.segs = append(b.segs, seg)
}

// Flush hands the accumulated segments to writeFn as a single batch and
// marks the batch flushed.
func (b *SegmentBatch) Flush(writeFn func([]Segment) error) error {
	err := writeFn(b.segs)
	b.flushed = true
	return err
}

// Reset clears a flushed batch for reuse on the next read.
func (b *SegmentBatch) Reset() {
	b.segs = b.segs[:0]
	b.flushed = false
}

// SocketToClient implements spec.md §4.3's "Socket -> client" path: peek
// into the socket's receive queue at the unacknowledged offset, in
// MSS-sized segments, up to the scaled client window, appending each to
// batch. A zero-length read sets SOCK_FIN_RCVD and, if no FIN has been sent
// to the tap yet, appends a FIN segment and sets TAP_FIN_SENT. Returns
// sockClosed=true on a zero-length read and
// an error on a genuine read error (RST + CLOSED is the caller's
// responsibility).
func (e *Engine) SocketToClient(c *flow.TCPConn, scratch []byte, batch *SegmentBatch) (sockClosed bool, err error) {
	window := Scaled(c.WndFromTap, c.WsFromTap)
	sent := SeqDiff(c.SeqAckFromTap, c.SeqToTap)
	if sent >= window {
		return false, nil
	}
	// The receive queue still starts with the sent but unacknowledged
	// bytes: peek up to the whole window and segment only what lies past them.
	want := window
	if uint32(len(scratch)) < want {
		want = uint32(len(scratch))
	}

	n, _, err := unix.Recvfrom(c.Sock, scratch[:want], unix.MSG_PEEK|unix.MSG_DONTWAIT)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("tcpengine: recv: %w", err)
	}
	if n == 0 {
		c.Events |= flow.EventSockFinRcvd
		if c.Events&flow.EventTapFinSent == 0 {
			c.Events |= flow.EventTapFinSent
			batch.Add(Segment{Seq: c.SeqToTap, Fin: true})
			c.SeqToTap++
		}
		return true, nil
	}
	if uint32(n) <= sent {
		return false, nil
	}
	data := scratch[sent:n]

	mss := int(c.MSS)
	if mss <= 0 {
		mss = DefaultMSS
	}
	for off := 0; off < len(data); off += mss {
		end := off + mss
		if end > len(data) {
			end = len(data)
		}
		seg := Segment{Data: data[off:end], Seq: c.SeqToTap + uint32(off)}
		batch.Add(seg)
	}
	c.SeqToTap += uint32(len(data))
	return false, nil
}

// ClientToSocketResult reports the outcome of one ClientToSocket call, for
// the tap demultiplexer's "count consumed" bookkeeping (spec.md §4.5).
type ClientToSocketResult struct {
	ConsumedAllPackets bool
	FinReceived        bool
	NeedDupAck         bool
}

// ClientSegment is one parsed inbound TCP segment, already stripped to its
// payload, as produced by the tap demultiplexer's per-batch parse step.
type ClientSegment struct {
	SeqSeq uint32 // segment's starting sequence number
	Data   []byte
	Ack    bool
	AckSeq uint32
	Window uint16
	Fin    bool
	Rst    bool
}

// ClientToSocket implements spec.md §4.3's "Client -> socket" steps 2-8 for
// one already-grouped batch of segments belonging to a single connection.
func (e *Engine) ClientToSocket(c *flow.TCPConn, segs []ClientSegment) (ClientToSocketResult, error) {
	var res ClientToSocketResult
	var iov [][]byte
	var finSeen bool
	var keepIdx = -1

	for i, seg := range segs {
		if seg.Rst {
			c.Events = 0
			return res, nil
		}
		if seg.Ack {
			retr, err := e.AckFromTap(c, seg.AckSeq, seg.Window, len(seg.Data) > 0, seg.Fin)
			if err != nil {
				return res, err
			}
			if retr {
				Retransmit(c)
			}
		}
		if seg.Fin {
			finSeen = true
		}

		offset := int64(c.SeqFromTap) - int64(seg.SeqSeq)
		segEnd := seg.SeqSeq + uint32(len(seg.Data))
		switch {
		case offset >= 0 && SeqLT(c.SeqFromTap, segEnd):
			start := int(offset)
			if start < 0 || start > len(seg.Data) {
				continue
			}
			iov = append(iov, seg.Data[start:])
			c.SeqFromTap += uint32(len(seg.Data) - start)
		case offset >= 0:
			// Pure duplicate: already delivered, skip.
			continue
		default:
			if keepIdx < 0 {
				keepIdx = i
			}
			res.NeedDupAck = true
		}
	}

	if len(iov) > 0 {
		total := 0
		for _, b := range iov {
			total += len(b)
		}
		buf := make([]byte, 0, total)
		for _, b := range iov {
			buf = append(buf, b...)
		}
		n, err := unix.Write(c.Sock, buf)
		for err == unix.EINTR {
			n, err = unix.Write(c.Sock, buf)
		}
		if err != nil {
			switch err {
			case unix.EPIPE:
				c.Flags |= flow.FlagAckToTapDue
				res.ConsumedAllPackets = true
				return res, nil
			case unix.EAGAIN, unix.EWOULDBLOCK:
				// unix.Write returns n == -1 alongside EAGAIN/EWOULDBLOCK;
				// nothing was written, so roll the cursor back by the full
				// amount rather than treating -1 as bytes written.
				c.SeqFromTap -= uint32(total)
				c.Flags |= flow.FlagAckToTapDue
				res.ConsumedAllPackets = true
				return res, nil
			default:
				return res, fmt.Errorf("tcpengine: write: %w", err)
			}
		}
		if n < total {
			if n < 0 {
				n = 0
			}
			c.SeqFromTap -= uint32(total - n)
			c.Flags |= flow.FlagAckToTapDue
			res.ConsumedAllPackets = true
			return res, nil
		}
	}

	res.ConsumedAllPackets = true
	if finSeen {
		c.SeqFromTap++
		c.Events |= flow.EventTapFinRcvd
		res.FinReceived = true
	} else if c.SeqAckToTap != c.SeqFromTap {
		c.Flags |= flow.FlagAckToTapDue
	}
	return res, nil
}
