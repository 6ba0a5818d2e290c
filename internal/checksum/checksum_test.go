package checksum

import "testing"

// TestIPv4HeaderRoundTrip builds a minimal 20-byte IPv4 header, lets
// IPv4Header stamp its checksum, then verifies IsValid accepts it and
// rejects a corrupted copy. Grounded on spec.md §8's round-trip property.
func TestIPv4HeaderRoundTrip(t *testing.T) {
	b := make([]byte, 20)
	b[0] = 0x45 // version 4, IHL 5
	b[8] = 64   // TTL
	b[9] = 6    // protocol TCP
	b[12], b[13], b[14], b[15] = 10, 0, 2, 2
	b[16], b[17], b[18], b[19] = 10, 0, 2, 15

	IPv4Header(b)

	if !IsValid(0, b) {
		t.Fatalf("checksum did not validate after IPv4Header")
	}

	corrupt := append([]byte(nil), b...)
	corrupt[9] ^= 0xff
	if IsValid(0, corrupt) {
		t.Fatalf("corrupted header unexpectedly validated")
	}
}

func TestPseudoHeaderTCP4Deterministic(t *testing.T) {
	src := [4]byte{10, 0, 2, 15}
	dst := [4]byte{203, 0, 113, 9}

	a := PseudoHeaderTCP4(src, dst, 40)
	b := PseudoHeaderTCP4(src, dst, 40)
	if a != b {
		t.Fatalf("PseudoHeaderTCP4 not deterministic: %d != %d", a, b)
	}

	c := PseudoHeaderTCP4(src, dst, 41)
	if a == c {
		t.Fatalf("PseudoHeaderTCP4 did not change with totalLen")
	}
}
