package tcphash

import (
	"testing"

	"netshim/internal/siphash"
)

func testSecret(t *testing.T) siphash.Secret {
	t.Helper()
	s, err := siphash.NewSecret()
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	return s
}

func key(n byte) siphash.TCPKey {
	return siphash.TCPKey{FAddr: [16]byte{0: n}, EPort: uint16(1000 + n), FPort: uint16(2000 + n)}
}

func TestInsertLookup(t *testing.T) {
	idx := New(16, testSecret(t))

	for i := byte(0); i < 10; i++ {
		idx.Insert(key(i), uint32(i))
	}
	for i := byte(0); i < 10; i++ {
		got, ok := idx.Lookup(key(i))
		if !ok || got != uint32(i) {
			t.Fatalf("Lookup(%d) = (%d, %v), want (%d, true)", i, got, ok, i)
		}
	}
}

func TestRemoveThenLookupFails(t *testing.T) {
	idx := New(16, testSecret(t))
	for i := byte(0); i < 8; i++ {
		idx.Insert(key(i), uint32(i))
	}

	if !idx.Remove(key(3)) {
		t.Fatalf("Remove(3) returned false")
	}
	if _, ok := idx.Lookup(key(3)); ok {
		t.Fatalf("Lookup(3) succeeded after Remove")
	}

	// Every surviving key must still resolve (this is the property
	// backward-shift deletion exists to preserve: removing one key must
	// not break the probe sequence of any other key).
	for i := byte(0); i < 8; i++ {
		if i == 3 {
			continue
		}
		got, ok := idx.Lookup(key(i))
		if !ok || got != uint32(i) {
			t.Fatalf("Lookup(%d) = (%d, %v) after unrelated Remove, want (%d, true)", i, got, ok, i)
		}
	}
}

func TestRemoveAllThenReinsert(t *testing.T) {
	idx := New(8, testSecret(t))
	for i := byte(0); i < 8; i++ {
		idx.Insert(key(i), uint32(i))
	}
	for i := byte(0); i < 8; i++ {
		if !idx.Remove(key(i)) {
			t.Fatalf("Remove(%d) failed", i)
		}
	}
	if idx.Len() != 0 {
		t.Fatalf("Len() = %d after removing everything, want 0", idx.Len())
	}
	for i := byte(0); i < 8; i++ {
		idx.Insert(key(i), uint32(i)+100)
	}
	for i := byte(0); i < 8; i++ {
		got, ok := idx.Lookup(key(i))
		if !ok || got != uint32(i)+100 {
			t.Fatalf("Lookup(%d) after reinsert = (%d,%v)", i, got, ok)
		}
	}
}

func TestLookupMissing(t *testing.T) {
	idx := New(8, testSecret(t))
	idx.Insert(key(1), 1)
	if _, ok := idx.Lookup(key(2)); ok {
		t.Fatalf("Lookup found a key that was never inserted")
	}
}
