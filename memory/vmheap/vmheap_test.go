package vmheap

import "testing"

func TestReserveAndFreeRoundTrip(t *testing.T) {
	halt := func() { t.Fatal("unexpected fatal kernel error") }
	h := New(0xF0000000, 0x1000000, nil, halt)

	a, err := h.Reserve(0x3000)
	if !err.Ok() {
		t.Fatalf("Reserve: %v", err)
	}
	b, err := h.Reserve(0x5000)
	if !err.Ok() {
		t.Fatalf("Reserve: %v", err)
	}
	if b <= a {
		t.Fatalf("expected second reservation after the first, got a=%#x b=%#x", a, b)
	}

	h.Free(a)
	h.Free(b)

	c, err := h.Reserve(0x1000000)
	if !err.Ok() {
		t.Fatalf("full heap should be reclaimed after freeing both reservations: %v", err)
	}
	if c != 0xF0000000 {
		t.Fatalf("Reserve after merge = %#x, want heap base", c)
	}
}

func TestReserveRoundsUpToPage(t *testing.T) {
	h := New(0, 0x10000, nil, func() {})
	a, _ := h.Reserve(1)
	b, _ := h.Reserve(1)
	if b-a != 4096 {
		t.Fatalf("Reserve did not round up to a page: a=%#x b=%#x", a, b)
	}
}

func TestExhaustedHeapIsFatal(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic reserving past heap capacity")
		}
	}()
	h := New(0, 0x1000, nil, func() { panic("fatal") })
	h.Reserve(0x2000)
}
