package flow

import "testing"

func TestAllocStartBasic(t *testing.T) {
	tb := New(4)

	s, err := tb.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if s.Index() != 0 {
		t.Fatalf("first Alloc returned index %d, want 0", s.Index())
	}
	if tb.FirstFree() != 1 {
		t.Fatalf("FirstFree() = %d, want 1", tb.FirstFree())
	}

	tb.Start(s.Index(), KindTCP)
	if s.Kind() != KindTCP {
		t.Fatalf("Kind() = %v, want KindTCP", s.Kind())
	}
}

func TestAllocCancelRestoresLowestFree(t *testing.T) {
	tb := New(4)

	s, err := tb.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	tb.AllocCancel(s.Index())

	if tb.FirstFree() != 0 {
		t.Fatalf("FirstFree() after cancel = %d, want 0", tb.FirstFree())
	}

	// Table must still be fully allocatable afterwards.
	for i := 0; i < 4; i++ {
		if _, err := tb.Alloc(); err != nil {
			t.Fatalf("Alloc #%d after cancel: %v", i, err)
		}
		tb.Start(uint32(i), KindPing4)
	}
	if _, err := tb.Alloc(); err != ErrTableFull {
		t.Fatalf("Alloc on full table = %v, want ErrTableFull", err)
	}
}

func TestAllocPanicsWithoutStartOrCancel(t *testing.T) {
	tb := New(2)
	if _, err := tb.Alloc(); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on second Alloc with pending allocation")
		}
	}()
	_, _ = tb.Alloc()
}

func TestTableFull(t *testing.T) {
	tb := New(2)
	for i := 0; i < 2; i++ {
		s, err := tb.Alloc()
		if err != nil {
			t.Fatalf("Alloc #%d: %v", i, err)
		}
		tb.Start(s.Index(), KindTCP)
	}
	if _, err := tb.Alloc(); err != ErrTableFull {
		t.Fatalf("Alloc on full table = %v, want ErrTableFull", err)
	}
}

func TestDeferSweepReclaimsAndMerges(t *testing.T) {
	tb := New(6)
	var idxs []uint32
	for i := 0; i < 6; i++ {
		s, err := tb.Alloc()
		if err != nil {
			t.Fatalf("Alloc #%d: %v", i, err)
		}
		tb.Start(s.Index(), KindTCP)
		idxs = append(idxs, s.Index())
	}
	if _, err := tb.Alloc(); err != ErrTableFull {
		t.Fatalf("table should be full")
	}

	// Close two adjacent entries (2 and 3) and one isolated one (5).
	closeSet := map[uint32]bool{2: true, 3: true, 5: true}
	tb.DeferSweep(func(s *Slot) bool {
		return closeSet[s.Index()]
	})

	assertInvariants(t, tb)

	if tb.LiveCount() != 3 {
		t.Fatalf("LiveCount() = %d, want 3", tb.LiveCount())
	}

	// The merged [2,3] cluster should now be allocatable as the lowest free
	// index before the isolated slot 5.
	s, err := tb.Alloc()
	if err != nil {
		t.Fatalf("Alloc after sweep: %v", err)
	}
	if s.Index() != 2 {
		t.Fatalf("Alloc after sweep returned %d, want 2 (lowest free)", s.Index())
	}
	tb.Start(s.Index(), KindTCP)
}

func TestDeferSweepNoAdjacentClustersRemain(t *testing.T) {
	tb := New(8)
	for i := 0; i < 8; i++ {
		s, _ := tb.Alloc()
		tb.Start(s.Index(), KindTCP)
	}

	// Close every other slot so clusters are all singletons, non-adjacent.
	tb.DeferSweep(func(s *Slot) bool { return s.Index()%2 == 0 })
	assertInvariants(t, tb)

	// Now close the odd ones too; all adjacent singleton clusters from the
	// previous sweep plus new ones must merge into one big cluster.
	tb.DeferSweep(func(s *Slot) bool { return true })
	assertInvariants(t, tb)

	if tb.FirstFree() != 0 {
		t.Fatalf("FirstFree() = %d, want 0 after closing everything", tb.FirstFree())
	}
	if tb.LiveCount() != 0 {
		t.Fatalf("LiveCount() = %d, want 0", tb.LiveCount())
	}
}

// assertInvariants checks spec.md §8 properties 3-5 for the flow table.
func assertInvariants(t *testing.T, tb *Table) {
	t.Helper()

	var sumFreeN, live int
	var freeHeads []uint32

	idx := uint32(0)
	prevWasFree := false
	for idx < tb.capacity {
		s := tb.Get(idx)
		if s.Kind() == KindNone {
			n := s.freeN
			if n == 0 {
				t.Fatalf("free cluster head at %d has n == 0", idx)
			}
			freeHeads = append(freeHeads, idx)
			sumFreeN += int(n)
			if prevWasFree {
				t.Fatalf("two free clusters adjacent at index %d", idx)
			}
			idx += n
			prevWasFree = true
			continue
		}
		live++
		idx++
		prevWasFree = false
	}

	if sumFreeN+live != tb.Cap() {
		t.Fatalf("sumFreeN(%d) + live(%d) != capacity(%d)", sumFreeN, live, tb.Cap())
	}

	for i := 1; i < len(freeHeads); i++ {
		if freeHeads[i] <= freeHeads[i-1] {
			t.Fatalf("free heads not strictly increasing: %v", freeHeads)
		}
	}

	if tb.FirstFree() != tb.capacity {
		if len(freeHeads) == 0 || freeHeads[0] != tb.FirstFree() {
			t.Fatalf("FirstFree() = %d is not the lowest free head %v", tb.FirstFree(), freeHeads)
		}
	} else if len(freeHeads) != 0 {
		t.Fatalf("FirstFree() == capacity but free heads exist: %v", freeHeads)
	}
}
