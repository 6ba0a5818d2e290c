package tap

import (
	"encoding/binary"
	"testing"
)

func buildARPRequest(sha [6]byte, spa [4]byte, tha [6]byte, tpa [4]byte) []byte {
	frame := make([]byte, ethHdrLen+28)
	copy(frame[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(frame[6:12], sha[:])
	binary.BigEndian.PutUint16(frame[12:14], ethTypeARP)

	a := frame[ethHdrLen:]
	binary.BigEndian.PutUint16(a[0:2], arpHTypeEthernet)
	binary.BigEndian.PutUint16(a[2:4], arpPTypeIPv4)
	a[4] = 6
	a[5] = 4
	binary.BigEndian.PutUint16(a[6:8], ARPOpRequest)
	copy(a[8:14], sha[:])
	copy(a[14:18], spa[:])
	copy(a[24:28], tpa[:])
	return frame
}

func TestParseARPRequest(t *testing.T) {
	sha := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	spa := [4]byte{192, 168, 1, 2}
	tpa := [4]byte{192, 168, 1, 1}
	frame := buildARPRequest(sha, spa, [6]byte{}, tpa)

	pkt, ok := ParseARP(frame)
	if !ok {
		t.Fatalf("expected parse ok")
	}
	if pkt.Op != ARPOpRequest {
		t.Fatalf("expected op %d, got %d", ARPOpRequest, pkt.Op)
	}
	if pkt.SHA != sha || pkt.SPA != spa || pkt.TPA != tpa {
		t.Fatalf("fields not extracted correctly: %+v", pkt)
	}
}

func TestParseARPRejectsShortFrame(t *testing.T) {
	if _, ok := ParseARP(make([]byte, ethHdrLen+10)); ok {
		t.Fatalf("expected parse to reject short frame")
	}
}

func TestParseARPRejectsNonEthernetIPv4(t *testing.T) {
	frame := buildARPRequest([6]byte{1}, [4]byte{10, 0, 0, 1}, [6]byte{}, [4]byte{10, 0, 0, 2})
	binary.BigEndian.PutUint16(frame[ethHdrLen+2:ethHdrLen+4], 0x86dd)
	if _, ok := ParseARP(frame); ok {
		t.Fatalf("expected parse to reject non-IPv4 protocol type")
	}
}

func TestBuildARPReplyRoundTrips(t *testing.T) {
	srcMAC := [6]byte{0x9a, 0x55, 0x9a, 0x55, 0x9a, 0x55}
	dstMAC := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	spa := [4]byte{192, 168, 1, 1}
	tpa := [4]byte{192, 168, 1, 2}

	reply := BuildARPReply(ARPReplySpec{
		SrcMAC: srcMAC,
		DstMAC: dstMAC,
		SPA:    spa,
		TPA:    tpa,
		THA:    dstMAC,
	})

	pkt, ok := ParseARP(reply)
	if !ok {
		t.Fatalf("expected built reply to parse")
	}
	if pkt.Op != ARPOpReply {
		t.Fatalf("expected op %d, got %d", ARPOpReply, pkt.Op)
	}
	if pkt.SHA != srcMAC {
		t.Fatalf("expected SHA %v, got %v", srcMAC, pkt.SHA)
	}
	if pkt.SPA != spa || pkt.TPA != tpa {
		t.Fatalf("expected SPA=%v TPA=%v, got SPA=%v TPA=%v", spa, tpa, pkt.SPA, pkt.TPA)
	}
	if !bytesEqual(reply[0:6], dstMAC[:]) || !bytesEqual(reply[6:12], srcMAC[:]) {
		t.Fatalf("expected Ethernet header to carry dst/src MAC")
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
