package kheap

import (
	"math/bits"
	"testing"

	"github.com/vhaudiquet/vkernel/memory/paging"
	"github.com/vhaudiquet/vkernel/memory/phys"
	"github.com/vhaudiquet/vkernel/memory/ptheap"
)

func newTestHeap(t *testing.T) *Heap {
	t.Helper()
	halt := func() { t.Fatal("unexpected fatal kernel error") }
	pm := phys.New([]phys.Region{{Base: 0, Length: 0x100000, Free: false}, {Base: 0x100000, Length: 0x8000000, Free: true}}, nil, halt)
	pt := ptheap.New(0xF0000000, nil, halt)
	pg := paging.NewManager(pm, pt, bits.UintSize == 64, nil, halt)
	return New(0xD0000000, pg, nil, halt)
}

// TestHeapRoundTrip exercises the invariant in spec.md §8: for any
// sequence of allocations and frees, free+reserved+headers*headerSize
// equals the heap's total size.
func TestHeapRoundTrip(t *testing.T) {
	h := newTestHeap(t)
	var ptrs []uint64
	sizes := []uint64{100, 4000, 17, 9000, 1}
	for _, s := range sizes {
		ptrs = append(ptrs, h.Kmalloc(s))
	}
	h.Kfree(ptrs[1])
	h.Kfree(ptrs[3])
	ptrs = append(ptrs, h.Kmalloc(500))

	checkRoundTrip(t, h)
}

func checkRoundTrip(t *testing.T, h *Heap) {
	t.Helper()
	free, reserved, headers := h.Accounting()
	if got, want := free+reserved+uint64(headers)*headerSize, h.Size(); got != want {
		t.Fatalf("round-trip invariant broken: free=%d reserved=%d headers=%d total=%d want=%d", free, reserved, headers, got, want)
	}
}

func TestKmallocExpandsWhenFull(t *testing.T) {
	h := newTestHeap(t)
	before := h.Size()
	h.Kmalloc(ExpandSize) // larger than the seed block's free space, forces expand()
	if h.Size() <= before {
		t.Fatalf("heap did not expand: size stayed at %#x", h.Size())
	}
	checkRoundTrip(t, h)
}

func TestKfreeUnknownPointerIsFatal(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic freeing an unknown pointer")
		}
	}()
	pm := phys.New([]phys.Region{{Base: 0, Length: 0x100000, Free: false}, {Base: 0x100000, Length: 0x8000000, Free: true}}, nil, func() { panic("fatal") })
	pt := ptheap.New(0xF0000000, nil, func() { panic("fatal") })
	pg := paging.NewManager(pm, pt, false, nil, func() { panic("fatal") })
	h := New(0xD0000000, pg, nil, func() { panic("fatal") })
	h.Kfree(0xDEADBEEF)
}

func TestKreallocGrows(t *testing.T) {
	h := newTestHeap(t)
	p := h.Kmalloc(8)
	np := h.Krealloc(p, 64, func(dst, src, n uint64) {})
	size, err := h.BlockSize(np)
	if !err.Ok() || size < 64 {
		t.Fatalf("BlockSize(%#x) = %d, %v; want >= 64", np, size, err)
	}
}
