package tcpengine

import (
	"testing"

	"golang.org/x/sys/unix"

	"netshim/internal/flow"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestAckFromTapIgnoresOlderAck(t *testing.T) {
	a, _ := socketPair(t)
	c := &flow.TCPConn{Sock: a, SeqAckFromTap: 1000}
	retr, err := (&Engine{}).AckFromTap(c, 900, 0, false, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retr {
		t.Fatalf("did not expect retransmit signal")
	}
	if c.SeqAckFromTap != 1000 {
		t.Fatalf("expected seq_ack_from_tap unchanged, got %d", c.SeqAckFromTap)
	}
}

func TestAckFromTapDetectsDuplicateAfterTwo(t *testing.T) {
	a, _ := socketPair(t)
	c := &flow.TCPConn{Sock: a, SeqAckFromTap: 1000, WndFromTap: 500}
	e := &Engine{}

	retr, err := e.AckFromTap(c, 1000, 500, false, false)
	if err != nil || retr {
		t.Fatalf("first dup ack should not yet trigger retransmit: retr=%v err=%v", retr, err)
	}
	retr, err = e.AckFromTap(c, 1000, 500, false, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !retr {
		t.Fatalf("expected retransmit signal on second duplicate ack")
	}
}

func TestAckFromTapAdvancesAndConsumes(t *testing.T) {
	a, b := socketPair(t)
	payload := []byte("hello world")
	if _, err := unix.Write(b, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	c := &flow.TCPConn{Sock: a, SeqAckFromTap: 1000}
	e := &Engine{}
	_, err := e.AckFromTap(c, 1000+uint32(len(payload)), 0, false, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.SeqAckFromTap != 1000+uint32(len(payload)) {
		t.Fatalf("expected seq_ack_from_tap advanced, got %d", c.SeqAckFromTap)
	}
}

func TestAckFromTapRepeatedAckIsIdempotent(t *testing.T) {
	a, b := socketPair(t)
	payload := []byte("hello world")
	if _, err := unix.Write(b, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	c := &flow.TCPConn{Sock: a, SeqAckFromTap: 1000, WndFromTap: 1024}
	e := &Engine{}

	ack := uint32(1000 + len(payload))
	if _, err := e.AckFromTap(c, ack, 1024, false, false); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if c.SeqAckFromTap != ack {
		t.Fatalf("expected seq_ack_from_tap advanced to %d, got %d", ack, c.SeqAckFromTap)
	}

	// A second ACK carrying the same seq/window/no-data/no-fin inputs must
	// leave state exactly as the first one did: no further consume, no
	// change to seq_ack_from_tap, only the duplicate-ack counter moves.
	if _, err := e.AckFromTap(c, ack, 1024, false, false); err != nil {
		t.Fatalf("second ack: %v", err)
	}
	if c.SeqAckFromTap != ack {
		t.Fatalf("expected seq_ack_from_tap unchanged on repeat, got %d", c.SeqAckFromTap)
	}
}

func TestSegmentBatchFlushBeforeFill(t *testing.T) {
	var b SegmentBatch
	b.Add(Segment{Seq: 1})
	b.Add(Segment{Seq: 2})

	var flushedWith []Segment
	if err := b.Flush(func(segs []Segment) error {
		flushedWith = segs
		return nil
	}); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(flushedWith) != 2 {
		t.Fatalf("expected 2 segments flushed, got %d", len(flushedWith))
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic when adding to a flushed batch without Reset")
		}
	}()
	b.Add(Segment{Seq: 3})
}

func TestSegmentBatchResetAllowsReuse(t *testing.T) {
	var b SegmentBatch
	b.Add(Segment{Seq: 1})
	_ = b.Flush(func([]Segment) error { return nil })
	b.Reset()
	b.Add(Segment{Seq: 2})
	if len(b.segs) != 1 {
		t.Fatalf("expected 1 segment after reset and re-add, got %d", len(b.segs))
	}
}

func TestClientToSocketRstClosesConnection(t *testing.T) {
	a, _ := socketPair(t)
	c := &flow.TCPConn{Sock: a, Events: flow.EventEstablished}
	e := &Engine{}
	res, err := e.ClientToSocket(c, []ClientSegment{{Rst: true}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Events != 0 {
		t.Fatalf("expected CLOSED (events==0) after RST, got %d", c.Events)
	}
	_ = res
}

func TestClientToSocketDeliversInOrderData(t *testing.T) {
	a, b := socketPair(t)
	c := &flow.TCPConn{Sock: a, Events: flow.EventEstablished, SeqFromTap: 1000, SeqAckToTap: 1000}
	e := &Engine{}
	seg := ClientSegment{SeqSeq: 1000, Data: []byte("payload")}
	res, err := e.ClientToSocket(c, []ClientSegment{seg})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.ConsumedAllPackets {
		t.Fatalf("expected packets consumed")
	}
	if c.SeqFromTap != 1000+uint32(len(seg.Data)) {
		t.Fatalf("expected seq_from_tap advanced, got %d", c.SeqFromTap)
	}

	got := make([]byte, len(seg.Data))
	if _, err := unix.Read(b, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(seg.Data) {
		t.Fatalf("expected payload delivered verbatim, got %q", got)
	}
}

func TestClientToSocketSkipsDuplicateSegment(t *testing.T) {
	a, _ := socketPair(t)
	c := &flow.TCPConn{Sock: a, Events: flow.EventEstablished, SeqFromTap: 2000, SeqAckToTap: 2000}
	e := &Engine{}
	seg := ClientSegment{SeqSeq: 1000, Data: []byte("old")}
	_, err := e.ClientToSocket(c, []ClientSegment{seg})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.SeqFromTap != 2000 {
		t.Fatalf("expected seq_from_tap unchanged for pure duplicate, got %d", c.SeqFromTap)
	}
}
