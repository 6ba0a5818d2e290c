package netstack

import (
	"encoding/binary"
	"net"
	"testing"

	"netshim/internal/tap"
)

func buildEthIPv4TCPFrame(src, dst [4]byte, sport, dport uint16) []byte {
	frame := make([]byte, 14+20+20)
	copy(frame[0:6], []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})
	copy(frame[6:12], []byte{1, 2, 3, 4, 5, 6})
	binary.BigEndian.PutUint16(frame[12:14], ethTypeIPv4)

	ip := frame[14:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(len(ip)))
	ip[9] = 6 // TCP
	copy(ip[12:16], src[:])
	copy(ip[16:20], dst[:])

	tcpSeg := ip[20:]
	binary.BigEndian.PutUint16(tcpSeg[0:2], sport)
	binary.BigEndian.PutUint16(tcpSeg[2:4], dport)
	tcpSeg[12] = 5 << 4 // data offset, no options
	return frame
}

func TestClassifyFrameParsesIPv4(t *testing.T) {
	buf := buildEthIPv4TCPFrame([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1000, 80)
	fr := tap.Frame{Offset: 0, Length: len(buf)}

	srcIP, dstIP, l4, v6, ok := classifyFrame(buf, fr)
	if !ok {
		t.Fatalf("expected classify to succeed")
	}
	if v6 {
		t.Fatalf("expected v4 frame, got v6")
	}
	if !srcIP.Equal(net.IPv4(10, 0, 0, 1)) || !dstIP.Equal(net.IPv4(10, 0, 0, 2)) {
		t.Fatalf("unexpected addresses: src=%v dst=%v", srcIP, dstIP)
	}
	if len(l4) < 20 {
		t.Fatalf("expected TCP payload of at least 20 bytes, got %d", len(l4))
	}
}

func TestClassifyFrameRejectsShortFrame(t *testing.T) {
	buf := make([]byte, 10)
	fr := tap.Frame{Offset: 0, Length: len(buf)}
	if _, _, _, _, ok := classifyFrame(buf, fr); ok {
		t.Fatalf("expected classify to reject a frame shorter than an Ethernet header")
	}
}

func TestIsV4MappedAcceptsMappedAddress(t *testing.T) {
	var faddr [16]byte
	faddr[10], faddr[11] = 0xff, 0xff
	faddr[12], faddr[13], faddr[14], faddr[15] = 10, 0, 0, 1
	if !isV4Mapped(faddr) {
		t.Fatalf("expected mapped address to be recognized")
	}
}

func TestIsV4MappedRejectsRealV6(t *testing.T) {
	faddr := faddr16(net.ParseIP("2001:db8::1"))
	if isV4Mapped(faddr) {
		t.Fatalf("expected a real IPv6 address not to be classified as v4-mapped")
	}
}

func TestFaddrIPRoundTripsV4(t *testing.T) {
	ip := net.IPv4(192, 168, 1, 5)
	faddr := faddr16(ip)
	got := faddrIP(faddr, false)
	if !got.Equal(ip) {
		t.Fatalf("expected %v, got %v", ip, got)
	}
	if got.To4() == nil {
		t.Fatalf("expected a 4-byte form back for a v4 faddr")
	}
}

func TestFaddrIPRoundTripsV6(t *testing.T) {
	ip := net.ParseIP("2001:db8::2")
	faddr := faddr16(ip)
	got := faddrIP(faddr, true)
	if !got.Equal(ip) {
		t.Fatalf("expected %v, got %v", ip, got)
	}
}

func TestWindowScaleOfDefaultsToZero(t *testing.T) {
	seg := &tap.TCPSegment{}
	if got := windowScaleOf(seg); got != 0 {
		t.Fatalf("expected 0 when no window scale option is present, got %d", got)
	}
}

func TestWindowScaleOfUsesNegotiatedValue(t *testing.T) {
	seg := &tap.TCPSegment{HasWindowScale: true, WindowScale: 7}
	if got := windowScaleOf(seg); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}
