// Package kheap implements the kernel heap: kmalloc/kfree/krealloc backing
// general dynamic kernel allocation. It occupies a fixed high-half virtual
// window seeded at boot with one mapping and auto-expands by 4 MiB
// increments whenever no free block fits, mapping the new range into the
// kernel directory and every tracked process directory so that existing
// kernel pointers stay valid no matter which address space is active.
// Grounded on original_source/memory/kheap.c.
package kheap

import (
	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/internal/klog"
	"github.com/vhaudiquet/vkernel/memory/paging"
)

// ExpandSize is the increment the heap grows by once a kmalloc finds no
// block large enough.
const ExpandSize = 4 * 1024 * 1024

// headerSize is the simulated per-block bookkeeping overhead accounted for
// in Heap.Size so the round-trip invariant in spec.md §8 holds:
// sum(free)+sum(reserved)+headers*headerSize == heap size.
const headerSize = 16

const blockMagic = 0xB10C

type status uint8

const (
	statusFree status = iota
	statusReserved
)

type block struct {
	base, size uint64 // data region, not counting the header
	magic      uint16
	status     status
	prev, next *block
}

// Heap is the kernel heap for one kernel.
type Heap struct {
	base, end uint64
	first     *block
	byAddr    map[uint64]*block

	pg       *paging.Manager
	kernelPD *paging.Directory
	tracked  map[*paging.Directory]bool

	log  klog.Tagged
	halt klog.HaltFunc
}

// New seeds the heap with one ExpandSize mapping at base.
func New(base uint64, pg *paging.Manager, l klog.Logger, halt klog.HaltFunc) *Heap {
	h := &Heap{
		base:     base,
		end:      base,
		byAddr:   make(map[uint64]*block),
		pg:       pg,
		kernelPD: pg.KernelDirectory(),
		tracked:  make(map[*paging.Directory]bool),
		log:      klog.NewTagged(l, "ALLOC"),
		halt:     halt,
	}
	h.expand()
	return h
}

// Track registers a process address space to receive future heap
// expansions. Untrack removes it, normally called at process exit.
func (h *Heap) Track(pd *paging.Directory) { h.tracked[pd] = true }
func (h *Heap) Untrack(pd *paging.Directory) { delete(h.tracked, pd) }

// Size returns the total span of the heap's virtual window, for the
// round-trip invariant check in tests.
func (h *Heap) Size() uint64 { return h.end - h.base }

func (h *Heap) expand() {
	dirIdx := int(h.end >> 22)
	if err := h.pg.MapMemory(ExpandSize, h.end, h.kernelPD); !err.Ok() {
		klog.Fatalf(h.log.Logger, "ALLOC", "kheap_expand", h.halt, "could not map kernel heap expansion: %v", err)
		return
	}
	live := make([]*paging.Directory, 0, len(h.tracked))
	for pd := range h.tracked {
		live = append(live, pd)
	}
	h.pg.PropagateKernelMapping(dirIdx, live)

	b := &block{base: h.end, size: ExpandSize - headerSize, magic: blockMagic, status: statusFree}
	h.appendBlock(b)
	h.end += ExpandSize
	h.mergeAll()
}

func (h *Heap) appendBlock(b *block) {
	h.byAddr[b.base] = b
	if h.first == nil {
		h.first = b
		return
	}
	last := h.first
	for last.next != nil {
		last = last.next
	}
	last.next = b
	b.prev = last
}

// Kmalloc rounds size up to 4 bytes and returns the address of a block at
// least that large, splitting an oversized free block when the remainder
// is worth keeping, and expanding the heap when nothing fits.
func (h *Heap) Kmalloc(size uint64) uint64 {
	size = (size + 3) &^ 3
	for {
		for b := h.first; b != nil; b = b.next {
			h.checkMagic(b, "kmalloc")
			if b.status != statusFree || b.size < size {
				continue
			}
			if b.size-size > headerSize {
				tail := &block{base: b.base + headerSize + size, size: b.size - size - headerSize, magic: blockMagic, status: statusFree, prev: b, next: b.next}
				if b.next != nil {
					b.next.prev = tail
				}
				b.next = tail
				h.byAddr[tail.base] = tail
				b.size = size
			}
			b.status = statusReserved
			return b.base
		}
		h.expand()
	}
}

// Kfree marks the block at ptr free and merges adjacent free runs.
func (h *Heap) Kfree(ptr uint64) {
	b, ok := h.byAddr[ptr]
	if !ok {
		klog.Fatalf(h.log.Logger, "ALLOC", "kfree", h.halt, "unknown block at %#x", ptr)
		return
	}
	h.checkMagic(b, "kfree")
	b.status = statusFree
	h.mergeAll()
}

// Krealloc allocates newsize bytes, copies the old block's bytes via copy,
// and frees the old block. Shrinking is not supported, matching the
// original's "reallocating less space?!" fatal guard.
func (h *Heap) Krealloc(ptr uint64, newsize uint64, copyFn func(dst, src uint64, n uint64)) uint64 {
	b, ok := h.byAddr[ptr]
	if !ok {
		klog.Fatalf(h.log.Logger, "ALLOC", "krealloc", h.halt, "unknown block at %#x", ptr)
		return 0
	}
	h.checkMagic(b, "krealloc")
	if b.size > newsize {
		klog.Fatalf(h.log.Logger, "ALLOC", "krealloc", h.halt, "reallocating less space than currently held")
		return 0
	}
	np := h.Kmalloc(newsize)
	if copyFn != nil {
		copyFn(np, ptr, b.size)
	}
	h.Kfree(ptr)
	return np
}

// BlockSize returns the data size backing ptr, for callers that want to
// know how much room a kmalloc handed them (kheap_get_size).
func (h *Heap) BlockSize(ptr uint64) (uint64, errno.Errno) {
	b, ok := h.byAddr[ptr]
	if !ok {
		return 0, errno.FileOut
	}
	h.checkMagic(b, "BlockSize")
	return b.size, errno.None
}

func (h *Heap) checkMagic(b *block, where string) {
	if b.magic != blockMagic {
		klog.Fatalf(h.log.Logger, "ALLOC", where, h.halt, "unknown block at %#x (magic corrupted)", b.base)
	}
}

// mergeAll is a full linear pass merging every run of adjacent free
// blocks, the same whole-heap scan original_source/memory/kheap.c's
// merge_free_blocks performs after every kfree.
func (h *Heap) mergeAll() {
	for cur := h.first; cur != nil; cur = cur.next {
		h.checkMagic(cur, "merge")
		if cur.status != statusFree {
			continue
		}
		for cur.next != nil && cur.next.status == statusFree {
			h.checkMagic(cur.next, "merge")
			n := cur.next
			cur.size += n.size + headerSize
			cur.next = n.next
			if n.next != nil {
				n.next.prev = cur
			}
			delete(h.byAddr, n.base)
		}
	}
}

// Accounting returns the sum of free and reserved data bytes and the
// number of block headers currently in the heap, for the round-trip
// invariant in spec.md §8.
func (h *Heap) Accounting() (free, reserved uint64, headers int) {
	for b := h.first; b != nil; b = b.next {
		if b.status == statusFree {
			free += b.size
		} else {
			reserved += b.size
		}
		headers++
	}
	return
}
