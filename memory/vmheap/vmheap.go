// Package vmheap implements the kernel virtual-memory block allocator: it
// reserves and frees variable-size virtual ranges out of the high-half
// free virtual range, for transient mappings (DMA buffers, kernel windows,
// PRDTs). The block bookkeeping mirrors memory/phys's free-list algorithm
// applied to virtual addresses instead of physical ones, per
// original_source/memory/kvmheap.c.
package vmheap

import (
	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/internal/klog"
	"github.com/vhaudiquet/vkernel/memory/paging"
)

type block struct {
	base, size uint64
	free       bool
	prev, next *block
}

// Heap manages one contiguous high-half virtual range.
type Heap struct {
	first *block
	log   klog.Tagged
	halt  klog.HaltFunc
}

// New creates a heap covering [base, base+size) as a single free block.
func New(base, size uint64, l klog.Logger, halt klog.HaltFunc) *Heap {
	return &Heap{
		first: &block{base: base, size: size, free: true},
		log:   klog.NewTagged(l, "VMHEAP"),
		halt:  halt,
	}
}

// Reserve rounds size up to 4 KiB and carves it off the first free block
// that fits.
func (h *Heap) Reserve(size uint64) (uint64, errno.Errno) {
	size = roundUp(size, paging.PageSize)
	for b := h.first; b != nil; b = b.next {
		if !b.free || b.size < size {
			continue
		}
		if b.size == size {
			b.free = false
			return b.base, errno.None
		}
		tail := &block{base: b.base + size, size: b.size - size, free: true, prev: b, next: b.next}
		if b.next != nil {
			b.next.prev = tail
		}
		b.next = tail
		b.size = size
		b.free = false
		return b.base, errno.None
	}
	klog.Fatalf(h.log.Logger, "VMHEAP", "reserve", h.halt, "no free virtual range of size %#x", size)
	return 0, errno.FileOut
}

// Free returns the block at base to the free pool and merges it with
// adjacent free neighbors in both directions.
func (h *Heap) Free(base uint64) {
	for b := h.first; b != nil; b = b.next {
		if b.base != base {
			continue
		}
		if b.free {
			klog.Fatalf(h.log.Logger, "VMHEAP", "free", h.halt, "double free of virtual range at %#x", base)
			return
		}
		b.free = true
		for b.prev != nil && b.prev.free {
			p := b.prev
			p.size += b.size
			p.next = b.next
			if b.next != nil {
				b.next.prev = p
			}
			b = p
		}
		for b.next != nil && b.next.free {
			n := b.next
			b.size += n.size
			b.next = n.next
			if n.next != nil {
				n.next.prev = b
			}
		}
		return
	}
	klog.Fatalf(h.log.Logger, "VMHEAP", "free", h.halt, "trying to free an unknown virtual range at %#x", base)
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
