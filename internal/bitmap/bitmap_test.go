package bitmap

import "testing"

func TestSetClearIsSet(t *testing.T) {
	b := New(100)

	if b.IsSet(42) {
		t.Fatalf("bit 42 set before Set")
	}
	b.Set(42)
	if !b.IsSet(42) {
		t.Fatalf("bit 42 not set after Set")
	}
	b.Clear(42)
	if b.IsSet(42) {
		t.Fatalf("bit 42 still set after Clear")
	}
}

func TestForEachSet(t *testing.T) {
	b := New(20)
	want := []int{0, 7, 8, 19}
	for _, i := range want {
		b.Set(i)
	}

	var got []int
	b.ForEachSet(func(i int) { got = append(got, i) })

	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestClearAll(t *testing.T) {
	b := New(16)
	b.Set(3)
	b.Set(10)
	b.ClearAll()
	b.ForEachSet(func(i int) { t.Fatalf("bit %d still set after ClearAll", i) })
}
