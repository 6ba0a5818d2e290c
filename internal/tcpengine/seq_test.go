package tcpengine

import "testing"

func TestSeqLEWrapsCorrectly(t *testing.T) {
	if !SeqLE(0xfffffff0, 0x00000010) {
		t.Fatalf("expected wrap-safe SeqLE to hold across the 32-bit boundary")
	}
	if SeqLE(100, 50) {
		t.Fatalf("expected SeqLE(100,50) false within the same epoch")
	}
}

func TestSeqDiff(t *testing.T) {
	if d := SeqDiff(100, 150); d != 50 {
		t.Fatalf("expected diff 50, got %d", d)
	}
}

func TestScaledClampsToMaxWindow(t *testing.T) {
	got := Scaled(0xffff, 14)
	if got != MaxWindow {
		t.Fatalf("expected clamp to MaxWindow, got %d", got)
	}
}

func TestSndbufEffectivePiecewise(t *testing.T) {
	if got := SndbufEffective(64 * 1024); got != 64*1024 {
		t.Fatalf("expected pass-through below SndbufSmall, got %d", got)
	}
	if got := SndbufEffective(SndbufBig + 1024); got <= SndbufBig {
		t.Fatalf("expected scaling above SndbufBig to still exceed SndbufBig, got %d", got)
	}
}

func TestAnnounceWindowPrefersKernelValue(t *testing.T) {
	got := AnnounceWindow(1000, true, 5000)
	if got != 1000 {
		t.Fatalf("expected kernel value 1000, got %d", got)
	}
	got = AnnounceWindow(9000, true, 5000)
	if got != 5000 {
		t.Fatalf("expected clamp to sndbufEffective 5000, got %d", got)
	}
}
