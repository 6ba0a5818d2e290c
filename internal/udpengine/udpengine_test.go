package udpengine

import (
	"testing"
)

func TestTableOpenAndLookup(t *testing.T) {
	tbl := NewTable(false)
	s, err := tbl.Open(5000, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tbl.Close(5000)

	got, ok := tbl.Lookup(5000)
	if !ok || got != s {
		t.Fatalf("expected lookup to find the opened session")
	}
	if tbl.Len() != 1 {
		t.Fatalf("expected 1 tracked port, got %d", tbl.Len())
	}
}

func TestTableOpenIsIdempotent(t *testing.T) {
	tbl := NewTable(false)
	s1, err := tbl.Open(6000, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tbl.Close(6000)
	s2, err := tbl.Open(6000, nil, nil)
	if err != nil {
		t.Fatalf("re-open: %v", err)
	}
	if s1 != s2 {
		t.Fatalf("expected second Open to return the same session")
	}
}

func TestSweepClosesIdlePorts(t *testing.T) {
	tbl := NewTable(false)
	if _, err := tbl.Open(7000, nil, nil); err != nil {
		t.Fatalf("open: %v", err)
	}
	// Freshly opened ports are marked active by Open itself.
	tbl.Sweep()
	if _, ok := tbl.Lookup(7000); !ok {
		t.Fatalf("expected port to survive the first sweep (was active)")
	}
	tbl.Sweep()
	if _, ok := tbl.Lookup(7000); ok {
		t.Fatalf("expected idle port to be closed on the second sweep")
	}
}

func TestSweepKeepsTouchedPorts(t *testing.T) {
	tbl := NewTable(false)
	if _, err := tbl.Open(7001, nil, nil); err != nil {
		t.Fatalf("open: %v", err)
	}
	tbl.Sweep()
	tbl.Touch(7001)
	tbl.Sweep()
	if _, ok := tbl.Lookup(7001); !ok {
		t.Fatalf("expected touched port to survive sweep")
	}
}
