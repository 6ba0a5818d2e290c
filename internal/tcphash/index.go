// Package tcphash implements the TCP hash index of spec.md §4.2: an
// open-addressed table keyed by (far address, near port, far port), probed
// backward (decreasing index, wrapping) on insert/lookup, with no
// tombstones — deletion uses backward-shift relocation instead.
package tcphash

import "netshim/internal/siphash"

type entry struct {
	used    bool
	key     siphash.TCPKey
	flowIdx uint32
}

// Index is the TCP hash index. Sized N >= flow table capacity by the
// caller, so probing always terminates at an empty slot (spec.md §4.2).
type Index struct {
	secret  siphash.Secret
	entries []entry
	n       uint64
}

// New creates an index with room for capacity entries.
func New(capacity int, secret siphash.Secret) *Index {
	if capacity <= 0 {
		panic("tcphash: capacity must be positive")
	}
	return &Index{
		secret:  secret,
		entries: make([]entry, capacity),
		n:       uint64(capacity),
	}
}

func (idx *Index) bucket(k siphash.TCPKey) uint64 {
	return idx.secret.HashKey(k) % idx.n
}

func (idx *Index) prevOf(b uint64) uint64 {
	if b == 0 {
		return idx.n - 1
	}
	return b - 1
}

func (idx *Index) nextOf(b uint64) uint64 {
	if b == idx.n-1 {
		return 0
	}
	return b + 1
}

// Insert stores flowIdx under key, probing backward from the natural
// bucket until an empty slot is found.
func (idx *Index) Insert(key siphash.TCPKey, flowIdx uint32) {
	b := idx.bucket(key)
	for {
		e := &idx.entries[b]
		if !e.used {
			e.used = true
			e.key = key
			e.flowIdx = flowIdx
			return
		}
		if e.key == key {
			// Re-insertion of an already-present key updates the value.
			e.flowIdx = flowIdx
			return
		}
		b = idx.prevOf(b)
	}
}

// Lookup returns the flow index stored under key, if any.
func (idx *Index) Lookup(key siphash.TCPKey) (uint32, bool) {
	b := idx.bucket(key)
	for i := uint64(0); i < idx.n; i++ {
		e := &idx.entries[b]
		if !e.used {
			return 0, false
		}
		if e.key == key {
			return e.flowIdx, true
		}
		b = idx.prevOf(b)
	}
	return 0, false
}

// Remove deletes key from the index, using backward-shift relocation:
// starting at the bucket after the removed one in probe order (the next
// lower index, wrapping), walk in probe order; any occupied slot whose
// natural bucket does not lie in [current, hole) (walking forward, mod N)
// is moved into the hole, which then advances to that slot. This is the
// mirror image of a standard backward-shift delete, required because
// Insert/Lookup probe backward rather than forward.
func (idx *Index) Remove(key siphash.TCPKey) bool {
	b := idx.bucket(key)
	var pos uint64
	found := false
	for i := uint64(0); i < idx.n; i++ {
		e := &idx.entries[b]
		if !e.used {
			return false
		}
		if e.key == key {
			pos = b
			found = true
			break
		}
		b = idx.prevOf(b)
	}
	if !found {
		return false
	}

	idx.entries[pos].used = false
	hole := pos
	cur := pos
	for {
		cur = idx.prevOf(cur)
		e := &idx.entries[cur]
		if !e.used {
			break
		}
		nat := idx.bucket(e.key)
		if idx.inForwardRange(nat, cur, hole) {
			// This entry's probe sequence still reaches it without the
			// hole in the way; leave it where it is.
			continue
		}
		idx.entries[hole] = *e
		e.used = false
		hole = cur
	}
	idx.entries[hole] = entry{}
	return true
}

// inForwardRange reports whether natural lies in [lo, hi), walking forward
// (increasing index, wrapping) from lo to hi.
func (idx *Index) inForwardRange(natural, lo, hi uint64) bool {
	if lo <= hi {
		return natural >= lo && natural < hi
	}
	return natural >= lo || natural < hi
}

// Len reports the number of occupied slots, for metrics/tests.
func (idx *Index) Len() int {
	n := 0
	for i := range idx.entries {
		if idx.entries[i].used {
			n++
		}
	}
	return n
}
