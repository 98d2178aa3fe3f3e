// Package ptheap implements the page-table heap: a fixed pool of 4 KiB
// slots reserved exclusively for page directories and page tables, because
// those structures must be both page-aligned and individually freeable in
// a way the general kernel heap does not guarantee. Grounded on
// original_source/memory/kpageheap.c.
package ptheap

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/internal/klog"
)

// SlotSize is the size of one page-table-heap slot: exactly one x86 page.
const SlotSize = 4096

// SlotCount is the number of slots carved out of the dedicated physical
// range backing this heap.
const SlotCount = 1024

// Heap is the page-table heap. Slot virtual addresses are simulated as a
// contiguous backing arena; real paging would instead map SlotCount pages
// out of a dedicated physical range into a reserved high-half window (see
// memory/paging), which this package's caller is responsible for.
type Heap struct {
	base  uint64 // virtual base of the heap window
	slots []byte // SlotCount bytes, one per slot (0 = free)
	sem   *semaphore.Weighted
	log   klog.Tagged
	halt  klog.HaltFunc
}

// New creates a page-table heap whose slots begin at virtual address base.
func New(base uint64, l klog.Logger, halt klog.HaltFunc) *Heap {
	return &Heap{
		base:  base,
		slots: make([]byte, SlotCount),
		sem:   semaphore.NewWeighted(SlotCount),
		log:   klog.NewTagged(l, "PTHEAP"),
		halt:  halt,
	}
}

// Alloc linearly scans the slot array and returns the virtual address of
// the first free slot. It acquires the bounding semaphore first so that,
// unlike the single-threaded original, concurrent callers cannot race past
// pool exhaustion and get a bogus answer from the linear scan.
func (h *Heap) Alloc() (uint64, errno.Errno) {
	if err := h.sem.Acquire(context.Background(), 1); err != nil {
		return 0, errno.FileOut
	}
	for i, used := range h.slots {
		if used == 0 {
			h.slots[i] = 1
			return h.base + uint64(i)*SlotSize, errno.None
		}
	}
	// The semaphore guarantees a free slot exists; reaching here means
	// the bitmap and semaphore have diverged, which is a kernel bug.
	klog.Fatalf(h.log.Logger, "PTHEAP", "alloc", h.halt, "bitmap exhausted despite available semaphore permit")
	return 0, errno.FileOut
}

// Free marks the slot at vaddr free again.
func (h *Heap) Free(vaddr uint64) {
	if vaddr < h.base || vaddr >= h.base+SlotCount*SlotSize || (vaddr-h.base)%SlotSize != 0 {
		klog.Fatalf(h.log.Logger, "PTHEAP", "free", h.halt, "address %#x is not a page-table-heap slot", vaddr)
		return
	}
	idx := (vaddr - h.base) / SlotSize
	if h.slots[idx] == 0 {
		klog.Fatalf(h.log.Logger, "PTHEAP", "free", h.halt, "double free of page-table-heap slot %#x", vaddr)
		return
	}
	h.slots[idx] = 0
	h.sem.Release(1)
}
