// Package tcpengine implements the TCP translation engine of spec.md §4.3:
// the handshake paths, the socket<->tap data plane, window/SNDBUF scaling,
// the low-RTT LRU, and the per-connection timer semantics table. It drives
// flow.Table entries of Kind TCP and uses internal/tcphash to find them by
// 4-tuple and internal/siphash for initial sequence numbers.
//
// Grounded on _examples/original_source/tcp.c (the AsteroidOS passt project
// this spec was distilled from) for algorithm shape; Go idiom (explicit
// error returns, golang.org/x/sys/unix for raw socket control instead of
// net.Conn, since MSG_PEEK/MSG_TRUNC/TCP_INFO are not reachable through the
// standard net package) follows the teacher's own use of golang.org/x/sys
// wherever it needs kernel control net.Conn does not expose.
package tcpengine

// MaxWindow bounds reserved tap-side sequence space, spec.md §4.1:
// 2^(16+8) = 16 MiB, just above the largest window representable with a
// 16-bit field and an 8-bit scale (0xffff << 8).
const MaxWindow uint32 = 1 << (16 + 8)

// SeqLE reports whether a <= b in wrap-safe 32-bit sequence arithmetic,
// bounded by MaxWindow (spec.md §8 invariant 1).
func SeqLE(a, b uint32) bool {
	return b-a < MaxWindow
}

// SeqLT reports whether a < b in wrap-safe 32-bit sequence arithmetic.
func SeqLT(a, b uint32) bool {
	return a != b && SeqLE(a, b)
}

// SeqDiff returns b - a as a wrap-safe non-negative distance, valid only
// when SeqLE(a, b).
func SeqDiff(a, b uint32) uint32 {
	return b - a
}

// Scaled shifts a raw 16-bit window field by its negotiated window scale,
// clamped to MaxWindow (spec.md §4.3 "Window tracking").
func Scaled(raw uint16, scale uint8) uint32 {
	v := uint32(raw) << scale
	if v > MaxWindow {
		return MaxWindow
	}
	return v
}

// SNDBUF scaling thresholds, spec.md §4.3: "halved above SNDBUF_BIG = 4 MiB,
// linearly pinched above SNDBUF_SMALL = 128 KiB".
const (
	SndbufSmall = 128 * 1024
	SndbufBig   = 4 * 1024 * 1024
)

// SndbufEffective implements the piecewise SO_SNDBUF scaling of spec.md
// §4.3's window-tracking paragraph.
func SndbufEffective(actual int) uint32 {
	if actual <= 0 {
		return 0
	}
	v := actual
	if v > SndbufBig {
		v = SndbufBig + (v-SndbufBig)/2
	} else if v > SndbufSmall {
		// Linear pinch between SndbufSmall and SndbufBig: the excess over
		// SndbufSmall counts at half weight, same knee as the >SndbufBig
		// case but starting from the smaller threshold.
		v = SndbufSmall + (v-SndbufSmall)/2
	}
	if uint32(v) > MaxWindow {
		return MaxWindow
	}
	return uint32(v)
}

// AnnounceWindow computes the window we advertise to the client, spec.md
// §4.3: prefer the kernel-reported snd_wnd when available, clamped to
// SNDBUF_effective; otherwise fall back to SNDBUF_effective itself, clamped
// to MaxWindow.
func AnnounceWindow(tcpiSndWnd uint32, haveSndWnd bool, sndbufEffective uint32) uint32 {
	if haveSndWnd {
		if tcpiSndWnd < sndbufEffective {
			return tcpiSndWnd
		}
		return sndbufEffective
	}
	if sndbufEffective > MaxWindow {
		return MaxWindow
	}
	return sndbufEffective
}
