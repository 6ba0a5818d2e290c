package tap

import (
	"encoding/binary"
	"testing"
)

func buildEthIPv4TCP(src, dst [4]byte, sport, dport uint16, fragField uint16) []byte {
	frame := make([]byte, ethHdrLen+20+20)
	copy(frame[0:6], []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})
	copy(frame[6:12], []byte{1, 2, 3, 4, 5, 6})
	binary.BigEndian.PutUint16(frame[12:14], ethTypeIPv4)

	ip := frame[ethHdrLen:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(len(ip)))
	binary.BigEndian.PutUint16(ip[6:8], fragField)
	ip[9] = protoTCP
	copy(ip[12:16], src[:])
	copy(ip[16:20], dst[:])

	tcp := ip[20:]
	binary.BigEndian.PutUint16(tcp[0:2], sport)
	binary.BigEndian.PutUint16(tcp[2:4], dport)
	return frame
}

func TestPoolPushClassifiesByEthertype(t *testing.T) {
	p := NewPool()
	v4 := buildEthIPv4TCP([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1000, 80, 0)
	if _, err := p.Push(v4); err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(p.V4) != 1 {
		t.Fatalf("expected 1 v4 frame, got %d", len(p.V4))
	}
	if !p.HasPeer() {
		t.Fatalf("expected peer MAC to be learned")
	}
}

func TestPoolPushRejectsShortFrame(t *testing.T) {
	p := NewPool()
	if _, err := p.Push([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for short frame")
	}
}

func TestParseV4DetectsFragment(t *testing.T) {
	frame := buildEthIPv4TCP([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1000, 80, fragFlagMF)
	info, ok := ParseV4(frame)
	if !ok {
		t.Fatalf("expected parse ok")
	}
	if !info.Fragment {
		t.Fatalf("expected fragment detected")
	}
}

func TestParseV4LoopbackDetected(t *testing.T) {
	frame := buildEthIPv4TCP([4]byte{127, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1000, 80, 0)
	info, ok := ParseV4(frame)
	if !ok || !info.Loopback {
		t.Fatalf("expected loopback detected, got ok=%v loopback=%v", ok, info.Loopback)
	}
}

func TestGroupByTupleBatchesConsecutiveFrames(t *testing.T) {
	p := NewPool()
	for i := 0; i < 3; i++ {
		f := buildEthIPv4TCP([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1000, 80, 0)
		if _, err := p.Push(f); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	other := buildEthIPv4TCP([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 3}, 1000, 80, 0)
	if _, err := p.Push(other); err != nil {
		t.Fatalf("push other: %v", err)
	}

	parse := func(pkt []byte) (Tuple, bool) {
		info, ok := ParseV4(pkt)
		return info.Tuple, ok
	}
	batches := GroupByTuple(p.Buf, p.V4, parse)
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if len(batches[0].Frames) != 3 {
		t.Fatalf("expected first batch to have 3 frames, got %d", len(batches[0].Frames))
	}
	if len(batches[1].Frames) != 1 {
		t.Fatalf("expected second batch to have 1 frame, got %d", len(batches[1].Frames))
	}
}

func TestFragmentDropWarnerCountsBetweenWarnings(t *testing.T) {
	w := NewFragmentDropWarner()
	w.Drop()
	if w.dropped != 0 {
		t.Fatalf("expected first drop to fire immediately and reset counter, got %d", w.dropped)
	}
	w.Drop()
	if w.dropped != 1 {
		t.Fatalf("expected second drop to be suppressed and counted, got %d", w.dropped)
	}
}
