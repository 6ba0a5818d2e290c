package flow

import "errors"

// ErrTableFull is returned by Alloc when flow_first_free has reached the
// table's capacity (spec.md §4.1).
var ErrTableFull = errors.New("flow: table full")

// Table is the fixed-capacity flow table. It is not safe for concurrent
// use: per spec.md §5, exactly one execution context (the dispatcher loop)
// owns the table, so no internal locking is required.
type Table struct {
	slots     []Slot
	firstFree uint32
	capacity  uint32

	// Enforces the single-outstanding-allocation discipline of spec.md §3:
	// "Between alloc and start the allocator MUST NOT yield to the
	// dispatcher or allocate again."
	pending    bool
	pendingIdx uint32
}

// New creates a table with room for capacity flows, initialized as one
// free cluster spanning the whole table (flow_init in flow.c).
func New(capacity int) *Table {
	if capacity <= 0 {
		panic("flow: capacity must be positive")
	}
	t := &Table{
		slots:    make([]Slot, capacity),
		capacity: uint32(capacity),
	}
	t.slots[0] = Slot{
		kind:     KindNone,
		freeN:    t.capacity,
		freeNext: t.capacity,
	}
	for i := range t.slots {
		t.slots[i].idx = uint32(i)
	}
	return t
}

// Cap returns the table's total capacity.
func (t *Table) Cap() int { return int(t.capacity) }

// FirstFree returns the current value of the free-cluster cursor, for
// invariant testing (spec.md §8 property 4).
func (t *Table) FirstFree() uint32 { return t.firstFree }

// Get returns the slot at idx without regard to its kind.
func (t *Table) Get(idx uint32) *Slot { return &t.slots[idx] }

// Alloc returns the slot at the lowest free index, consuming one slot of
// that free cluster. The returned slot has Kind() == KindNone until Start
// is called. Panics if a previous Alloc's Start/AllocCancel is still
// outstanding (programmer error, mirroring the C ASSERT()s in flow_alloc).
func (t *Table) Alloc() (*Slot, error) {
	if t.pending {
		panic("flow: Alloc called with a pending allocation (missing Start or AllocCancel)")
	}
	if t.firstFree >= t.capacity {
		return nil, ErrTableFull
	}

	idx := t.firstFree
	slot := &t.slots[idx]
	if slot.kind != KindNone {
		panic("flow: corrupt free list: first_free slot is not free")
	}
	if slot.freeN == 0 {
		panic("flow: corrupt free list: free cluster head has n == 0")
	}

	if slot.freeN > 1 {
		nextIdx := idx + 1
		t.slots[nextIdx].kind = KindNone
		t.slots[nextIdx].freeN = slot.freeN - 1
		t.slots[nextIdx].freeNext = slot.freeNext
		t.firstFree = nextIdx
	} else {
		t.firstFree = slot.freeNext
	}

	*slot = Slot{kind: KindNone, idx: idx}
	t.pending = true
	t.pendingIdx = idx
	return slot, nil
}

// AllocCancel reverts the most recent Alloc, pushing the slot back as a
// length-1 free cluster linked ahead of the current first_free. Callers
// must not cancel any allocation but the most recent one.
func (t *Table) AllocCancel(idx uint32) {
	if !t.pending || t.pendingIdx != idx {
		panic("flow: AllocCancel of a non-pending or non-most-recent allocation")
	}
	if idx >= t.firstFree {
		panic("flow: AllocCancel invariant violated: idx must precede first_free")
	}

	slot := &t.slots[idx]
	*slot = Slot{kind: KindNone, idx: idx, freeN: 1, freeNext: t.firstFree}
	t.firstFree = idx
	t.pending = false
}

// Start sets the slot's type tag, making it visible to DeferSweep. Must be
// called on the slot most recently returned by Alloc.
func (t *Table) Start(idx uint32, kind Kind) *Slot {
	if !t.pending || t.pendingIdx != idx {
		panic("flow: Start of a non-pending or non-most-recent allocation")
	}
	if kind == KindNone {
		panic("flow: Start requires a concrete kind")
	}
	slot := &t.slots[idx]
	slot.kind = kind
	t.pending = false
	return slot
}

// DeferSweep performs one pass over the whole table. For every live slot,
// isClosed is invoked; if it returns true the caller must already have
// released any OS resources it owns (socket, timer fd) before returning, and
// the slot is folded into the current free cluster. Free cluster heads are
// skipped in O(1) via their n field. At the end, first_free and every
// cluster head's next are restitched so clusters remain strictly increasing
// and no two are left adjacent (spec.md §4.1, §8 properties 3-5).
func (t *Table) DeferSweep(isClosed func(*Slot) bool) {
	var adjacent bool
	var adjHeadIdx uint32
	var lastHeadIdx int64 = -1

	linkNewHead := func(idx uint32) {
		if lastHeadIdx < 0 {
			t.firstFree = idx
		} else {
			t.slots[lastHeadIdx].freeNext = idx
		}
		lastHeadIdx = int64(idx)
	}

	idx := uint32(0)
	for idx < t.capacity {
		slot := &t.slots[idx]

		if slot.kind == KindNone {
			skip := slot.freeN
			if skip == 0 {
				panic("flow: corrupt free cluster head (n == 0) during sweep")
			}
			if adjacent {
				t.slots[adjHeadIdx].freeN += skip
				slot.freeN, slot.freeNext = 0, 0
			} else {
				adjacent = true
				adjHeadIdx = idx
				linkNewHead(idx)
			}
			idx += skip
			continue
		}

		if isClosed(slot) {
			*slot = Slot{kind: KindNone, idx: idx}
			if adjacent {
				t.slots[adjHeadIdx].freeN++
			} else {
				adjacent = true
				adjHeadIdx = idx
				slot.freeN = 1
				linkNewHead(idx)
			}
			idx++
			continue
		}

		adjacent = false
		idx++
	}

	if lastHeadIdx < 0 {
		t.firstFree = t.capacity
	} else {
		t.slots[lastHeadIdx].freeNext = t.capacity
	}
}

// LiveCount walks the table and counts non-free slots. Intended for tests
// and metrics, not the hot path (spec.md §8 property 3).
func (t *Table) LiveCount() int {
	n := 0
	idx := uint32(0)
	for idx < t.capacity {
		slot := &t.slots[idx]
		if slot.kind == KindNone {
			skip := slot.freeN
			if skip == 0 {
				skip = 1
			}
			idx += skip
			continue
		}
		n++
		idx++
	}
	return n
}
