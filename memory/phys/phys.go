// Package phys implements the physical memory map: a sorted doubly-linked
// list of physical regions classified by kind, as consumed from a
// bootloader-supplied memory map and carved up by reserve/free over the
// life of the kernel. Grounded on original_source/memory/physical.c.
package phys

import (
	"fmt"

	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/internal/klog"
)

// Kind classifies a physical block.
type Kind uint8

const (
	Free Kind = iota
	Hard
	Kernel
	KernelFree
	User
)

func (k Kind) String() string {
	switch k {
	case Free:
		return "free"
	case Hard:
		return "hard"
	case Kernel:
		return "kernel"
	case KernelFree:
		return "kernel-free"
	case User:
		return "user"
	default:
		return "unknown"
	}
}

// lowMemBound is the 1 MiB floor below which reserve() never allocates:
// that range is reserved for the kernel image and legacy hardware.
const lowMemBound = 0x100000

// fourGiB is the clamp applied to any region reported above the 32-bit
// physical address space this kernel addresses.
const fourGiB = 0x100000000

// Block is one node of the physical memory map.
type Block struct {
	Base uint64
	Size uint64
	Kind Kind

	prev, next *Block
}

func (b *Block) String() string {
	return fmt.Sprintf("[%#x,%#x) %s", b.Base, b.Base+b.Size, b.Kind)
}

// Region is one entry of the bootloader-supplied memory map.
type Region struct {
	Base   uint64
	Length uint64
	Free   bool
}

// Map is the physical memory map for one boot. It is not safe for
// concurrent use without external synchronization, the same constraint the
// kernel heap places on kmalloc/kfree (see the concurrency model).
type Map struct {
	first, last *Block
	log         klog.Tagged
	halt        klog.HaltFunc
}

// New builds the physical memory map from the bootloader's memory regions,
// clamping anything reported at or above 4 GiB and reserving the kernel
// image and kernel-heap seed range.
func New(regions []Region, l klog.Logger, halt klog.HaltFunc) *Map {
	m := &Map{log: klog.NewTagged(l, "MEM"), halt: halt}

	var prev *Block
	for _, r := range regions {
		base := r.Base
		length := r.Length
		if base >= fourGiB {
			continue
		}
		if base+length > fourGiB {
			length = fourGiB - base
		}
		kind := Hard
		if r.Free {
			kind = Free
		}
		b := &Block{Base: base, Size: length, Kind: kind, prev: prev}
		if prev != nil {
			prev.next = b
		} else {
			m.first = b
		}
		prev = b
	}
	m.last = prev

	// Mark the kernel image and kernel-heap seed as reserved, per
	// physmem_get in original_source/memory/physical.c.
	m.ReserveSpecific(lowMemBound, 0x300000, Kernel)
	m.ReserveSpecific(0x400000, 0x400000, Kernel)
	return m
}

// Blocks returns the block list head-to-tail, for iteration and testing.
func (m *Map) Blocks() []*Block {
	var out []*Block
	for b := m.first; b != nil; b = b.next {
		out = append(out, b)
	}
	return out
}

// GetFreeMem sums the size of free blocks above the 1 MiB boundary.
func (m *Map) GetFreeMem() uint64 {
	var tr uint64
	for b := m.first; b != nil; b = b.next {
		if b.Kind == Free && b.Base >= lowMemBound {
			tr += b.Size
		}
	}
	return tr
}

// Reserve finds the first free block of at least size whose base is above
// the 1 MiB boundary, splits a reserved head of exactly size from it, and
// returns the head's base address.
func (m *Map) Reserve(size uint64, kind Kind) (uint64, errno.Errno) {
	for b := m.first; b != nil; b = b.next {
		if b.Kind != Free || b.Base < lowMemBound || b.Size < size {
			continue
		}
		if b.Size == size {
			b.Kind = kind
			return b.Base, errno.None
		}
		tail := &Block{Base: b.Base + size, Size: b.Size - size, Kind: Free, prev: b, next: b.next}
		if b.next != nil {
			b.next.prev = tail
		} else {
			m.last = tail
		}
		b.next = tail
		b.Size = size
		b.Kind = kind
		return b.Base, errno.None
	}
	klog.Fatalf(m.log.Logger, "MEM", "reserve", m.halt, "trying to reserve more physical memory than available (size=%#x)", size)
	return 0, errno.FileOut
}

// ReserveSpecific carves [addr, addr+size) out of the free block that
// covers it, splitting into up to three blocks (free head, reserved
// middle, free tail). It is used at boot for the kernel image and heap
// seed, and is otherwise "CARE: UNSAFE" the way the original is commented:
// callers must know the range is currently free.
func (m *Map) ReserveSpecific(addr, size uint64, kind Kind) (uint64, errno.Errno) {
	for b := m.first; b != nil; b = b.next {
		if b.Base > addr || b.Base+b.Size <= addr {
			continue
		}
		if b.Kind != Free || b.Size < (addr-b.Base)+size {
			break
		}

		var head *Block
		if b.Base < addr {
			head = &Block{Base: b.Base, Size: addr - b.Base, Kind: Free, prev: b.prev, next: b}
			if b.prev != nil {
				b.prev.next = head
			} else {
				m.first = head
			}
			b.prev = head
		}

		tailBase := addr + size
		tailSize := (b.Base + b.Size) - tailBase
		b.Base = addr
		b.Size = size
		b.Kind = kind

		if tailSize > 0 {
			tail := &Block{Base: tailBase, Size: tailSize, Kind: Free, prev: b, next: b.next}
			if b.next != nil {
				b.next.prev = tail
			} else {
				m.last = tail
			}
			b.next = tail
		}
		return addr, errno.None
	}
	klog.Fatalf(m.log.Logger, "MEM", "reserve_specific", m.halt, "reserve_specific failed for [%#x,%#x)", addr, addr+size)
	return 0, errno.FileOut
}

// Free marks the block at base as free, then merges it with any adjacent
// free neighbors in both directions. Only KernelFree and User blocks are
// freeable; anything else is a fatal invariant violation.
func (m *Map) Free(base uint64) {
	for b := m.first; b != nil; b = b.next {
		if b.Base != base {
			continue
		}
		if b.Kind != KernelFree && b.Kind != User {
			klog.Fatalf(m.log.Logger, "MEM", "free", m.halt, "trying to free a non-freeable block at %#x (kind=%s)", base, b.Kind)
			return
		}
		b.Kind = Free
		m.mergeLeft(b)
		m.mergeRight(b)
		return
	}
	klog.Fatalf(m.log.Logger, "MEM", "free", m.halt, "trying to free an unknown block at %#x", base)
}

func (m *Map) mergeLeft(b *Block) {
	for b.prev != nil && b.prev.Kind == Free {
		p := b.prev
		p.Size += b.Size
		p.next = b.next
		if b.next != nil {
			b.next.prev = p
		} else {
			m.last = p
		}
		b = p
	}
}

func (m *Map) mergeRight(b *Block) {
	for b.next != nil && b.next.Kind == Free {
		n := b.next
		b.Size += n.Size
		b.next = n.next
		if n.next != nil {
			n.next.prev = b
		} else {
			m.last = b
		}
	}
}

// GetBlock returns the block covering addr, for introspection.
func (m *Map) GetBlock(addr uint64) (*Block, errno.Errno) {
	for b := m.first; b != nil; b = b.next {
		if b.Base <= addr && b.Base+b.Size > addr {
			return b, errno.None
		}
	}
	return nil, errno.FileOut
}

// Stats is a point-in-time summary of the map: free bytes, bytes of every
// other kind, and the block count.
type Stats struct {
	Free, Reserved uint64
	Blocks         int
}

func (m *Map) Stats() Stats {
	var s Stats
	for b := m.first; b != nil; b = b.next {
		s.Blocks++
		if b.Kind == Free {
			s.Free += b.Size
		} else {
			s.Reserved += b.Size
		}
	}
	return s
}
