package tcpengine

// LowRTTThreshold is the tcpi_min_rtt bound, in microseconds, under which a
// peer qualifies for the low-RTT optimization (spec.md §4.3).
const LowRTTThreshold = 10 // microseconds

// lowRTTCap is the LRU capacity: "remember the far address in an LRU of 8
// entries" (spec.md §4.3).
const lowRTTCap = 8

// LowRTTSet is a fixed-capacity LRU of far addresses observed with very low
// round-trip time, used to skip window clamping and ACK delay for peers
// that are effectively on the local host.
type LowRTTSet struct {
	// entries is ordered most-recently-used first.
	entries [][16]byte
}

// NewLowRTTSet returns an empty set.
func NewLowRTTSet() *LowRTTSet {
	return &LowRTTSet{entries: make([][16]byte, 0, lowRTTCap)}
}

// Remember records addr as most-recently seen with low RTT, evicting the
// least-recently-used entry if the set is at capacity.
func (s *LowRTTSet) Remember(addr [16]byte) {
	for i, e := range s.entries {
		if e == addr {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	s.entries = append([][16]byte{addr}, s.entries...)
	if len(s.entries) > lowRTTCap {
		s.entries = s.entries[:lowRTTCap]
	}
}

// Contains reports whether addr is currently tracked as low-RTT.
func (s *LowRTTSet) Contains(addr [16]byte) bool {
	for _, e := range s.entries {
		if e == addr {
			return true
		}
	}
	return false
}

// MaybeRemember updates the set from a getsockopt(TCP_INFO) observation,
// per spec.md §4.3: "On every successful getsockopt(TCP_INFO), if
// tcpi_min_rtt <= 10us, remember the far address".
func (s *LowRTTSet) MaybeRemember(addr [16]byte, minRTTMicros uint32) {
	if minRTTMicros <= LowRTTThreshold {
		s.Remember(addr)
	}
}
