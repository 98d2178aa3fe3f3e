// Package paging implements the kernel's page directories/tables and the
// address-space primitives built on top of them: map/unmap at page or
// page-table granularity, address-space cloning (fork semantics), and
// physical<->virtual translation. Grounded on
// original_source/memory/paging.c.
//
// There is no real MMU backing this process, so physical memory content is
// modeled as a sparse set of 4 KiB frames (see frameStore) addressed by the
// same physical addresses phys.Map hands out, and directories/tables are
// Go structs rather than in-memory bit layouts. The mapping algorithms and
// their invariants (double-map and unmap-of-unmapped are fatal, kernel
// entries alias across address spaces, cloning deep-copies only the user
// half) are implemented exactly as specified.
package paging

import (
	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/internal/klog"
	"github.com/vhaudiquet/vkernel/memory/phys"
	"github.com/vhaudiquet/vkernel/memory/ptheap"
)

const (
	PageSize      = 4096
	LargePageSize = 4 * 1024 * 1024
	// KernelDirIndex is the first page-directory index belonging to the
	// kernel half of every address space (the top 1 GiB, per §4.4).
	KernelDirIndex = 768
	dirEntries     = 1024
)

// PTE is one page-table-entry's worth of state.
type PTE struct {
	Present  bool
	Writable bool
	User     bool
	Phys     uint64
}

// table is a page table: 1024 4 KiB-page entries, allocated from the
// page-table heap.
type table struct {
	slot    uint64 // page-table-heap handle backing this table
	entries [dirEntries]PTE
}

// PDE is one page-directory entry: either a pointer to a page table, or
// (when Large) a direct 4 MiB page mapping installed when the CPU
// supports PSE and the range qualifies.
type PDE struct {
	Present  bool
	Writable bool
	User     bool
	Large    bool
	Phys     uint64 // frame base, when Large
	table    *table // page table, when !Large
}

// Directory is a page directory: 1024 entries, 4 KiB aligned, allocated
// from the page-table heap.
type Directory struct {
	slot    uint64
	entries [dirEntries]PDE
}

// Manager owns the physical map, the page-table heap, and the frame store
// backing mapped content for every address space.
type Manager struct {
	phys    *phys.Map
	pt      *ptheap.Heap
	ram     *frameStore
	kernel  *Directory
	pse     bool
	log     klog.Tagged
	halt    klog.HaltFunc
}

// NewManager allocates the kernel page directory and returns a Manager
// ready to build user address spaces from it. The directory starts with
// no entries: the top 1 GiB is not pre-mapped, and kernel-half entries
// exist only once something maps them explicitly (such as a heap
// expansion).
func NewManager(pm *phys.Map, pt *ptheap.Heap, pse bool, l klog.Logger, halt klog.HaltFunc) *Manager {
	m := &Manager{
		phys: pm,
		pt:   pt,
		ram:  newFrameStore(),
		pse:  pse,
		log:  klog.NewTagged(l, "PAGING"),
		halt: halt,
	}
	m.kernel = m.newDirectory()
	return m
}

func (m *Manager) newDirectory() *Directory {
	slot, err := m.pt.Alloc()
	if !err.Ok() {
		klog.Fatalf(m.log.Logger, "PAGING", "newDirectory", m.halt, "page-table heap exhausted")
	}
	return &Directory{slot: slot}
}

// CloneKernelDirectory builds a fresh directory for a new address space:
// the kernel half (indices >= KernelDirIndex) is copied by value from the
// kernel template, so it aliases today's kernel mappings but does not
// automatically receive later ones — only the explicit propagate path
// (see memory/kheap) pushes new kernel mappings into live directories.
func (m *Manager) CloneKernelDirectory() *Directory {
	d := m.newDirectory()
	copy(d.entries[KernelDirIndex:], m.kernel.entries[KernelDirIndex:])
	return d
}

// KernelDirectory returns the template kernel directory, the ground truth
// that CloneKernelDirectory and PropagateKernelMapping read and write.
func (m *Manager) KernelDirectory() *Directory { return m.kernel }

// PropagateKernelMapping installs the kernel template's mapping at dirIndex
// into every directory in live (used when the kernel heap expands, so that
// existing kernel pointers remain valid regardless of which address space
// is active).
func (m *Manager) PropagateKernelMapping(dirIndex int, live []*Directory) {
	entry := m.kernel.entries[dirIndex]
	for _, d := range live {
		d.entries[dirIndex] = entry
	}
}

func pageIndex(vaddr uint64) (dir int, pg int) {
	return int(vaddr >> 22), int((vaddr >> 12) & 0x3FF)
}

// IsMapped reports whether vaddr currently has a present mapping in pd.
func (m *Manager) IsMapped(vaddr uint64, pd *Directory) bool {
	d, p := pageIndex(vaddr)
	e := pd.entries[d]
	if !e.Present {
		return false
	}
	if e.Large {
		return true
	}
	return e.table.entries[p].Present
}

// GetPhysical translates vaddr to its backing physical address under pd.
func (m *Manager) GetPhysical(vaddr uint64, pd *Directory) (uint64, errno.Errno) {
	d, p := pageIndex(vaddr)
	e := pd.entries[d]
	off := vaddr & (PageSize - 1)
	if !e.Present {
		return 0, errno.FileOut
	}
	if e.Large {
		return e.Phys + (vaddr & (LargePageSize - 1)), errno.None
	}
	pte := e.table.entries[p]
	if !pte.Present {
		return 0, errno.FileOut
	}
	return pte.Phys + off, errno.None
}

// MapMemory reserves fresh physical pages and installs them at vaddr in
// pd, using page-table (4 MiB) granularity when the range is large and
// aligned and the simulated CPU reports PSE support, and page granularity
// otherwise. Mapping over an already-mapped page is a fatal error.
func (m *Manager) MapMemory(size, vaddr uint64, pd *Directory) errno.Errno {
	size = roundUp(size, PageSize)
	if m.pse && size >= LargePageSize && vaddr%LargePageSize == 0 {
		return m.mapLargeRun(size, vaddr, pd, true)
	}
	return m.mapSmallRun(size, vaddr, pd, true)
}

// MapFlexible is MapMemory with a caller-chosen physical base, used for
// device BARs and PRDTs.
func (m *Manager) MapFlexible(size, paddr, vaddr uint64, pd *Directory) errno.Errno {
	size = roundUp(size, PageSize)
	for off := uint64(0); off < size; off += PageSize {
		if m.IsMapped(vaddr+off, pd) {
			klog.Fatalf(m.log.Logger, "PAGING", "map_flexible", m.halt, "double map at %#x", vaddr+off)
			return errno.Unknown
		}
		m.installSmall(vaddr+off, paddr+off, pd, true, true)
	}
	return errno.None
}

// UnmapFlexible tears down the mapping over [vaddr, vaddr+size), freeing
// the backing physical pages. Unmapping an unmapped page is a fatal error.
func (m *Manager) UnmapFlexible(size, vaddr uint64, pd *Directory) errno.Errno {
	size = roundUp(size, PageSize)
	end := vaddr + size
	for v := vaddr; v < end; {
		d, p := pageIndex(v)
		e := &pd.entries[d]
		if !e.Present {
			klog.Fatalf(m.log.Logger, "PAGING", "unmap_flexible", m.halt, "unmap of unmapped page at %#x", v)
			return errno.Unknown
		}
		if e.Large {
			m.phys.Free(e.Phys)
			*e = PDE{}
			v += LargePageSize
			continue
		}
		pte := &e.table.entries[p]
		if !pte.Present {
			klog.Fatalf(m.log.Logger, "PAGING", "unmap_flexible", m.halt, "unmap of unmapped page at %#x", v)
			return errno.Unknown
		}
		m.phys.Free(pte.Phys)
		*pte = PTE{}
		v += PageSize
	}
	return errno.None
}

func (m *Manager) mapSmallRun(size, vaddr uint64, pd *Directory, reserve bool) errno.Errno {
	for off := uint64(0); off < size; off += PageSize {
		v := vaddr + off
		if m.IsMapped(v, pd) {
			klog.Fatalf(m.log.Logger, "PAGING", "map_memory", m.halt, "double map at %#x", v)
			return errno.Unknown
		}
		var p uint64
		if reserve {
			var err errno.Errno
			p, err = m.phys.Reserve(PageSize, phys.User)
			if !err.Ok() {
				return err
			}
		}
		m.installSmall(v, p, pd, true, true)
	}
	return errno.None
}

func (m *Manager) mapLargeRun(size, vaddr uint64, pd *Directory, reserve bool) errno.Errno {
	for off := uint64(0); off < size; off += LargePageSize {
		v := vaddr + off
		d, _ := pageIndex(v)
		if pd.entries[d].Present {
			klog.Fatalf(m.log.Logger, "PAGING", "map_memory", m.halt, "double map at %#x", v)
			return errno.Unknown
		}
		p, err := m.phys.Reserve(LargePageSize, phys.User)
		if !err.Ok() {
			return err
		}
		pd.entries[d] = PDE{Present: true, Writable: true, User: true, Large: true, Phys: p}
	}
	return errno.None
}

func (m *Manager) installSmall(vaddr, paddr uint64, pd *Directory, writable, user bool) {
	d, p := pageIndex(vaddr)
	e := &pd.entries[d]
	if !e.Present {
		t := &table{}
		slot, err := m.pt.Alloc()
		if !err.Ok() {
			klog.Fatalf(m.log.Logger, "PAGING", "installSmall", m.halt, "page-table heap exhausted")
		}
		t.slot = slot
		*e = PDE{Present: true, Writable: true, User: true, table: t}
	}
	e.table.entries[p] = PTE{Present: true, Writable: writable, User: user, Phys: paddr}
}

// CopyAddressSpace implements fork semantics (§4.4): for every present
// user-half entry, fresh physical memory is reserved in the new directory
// and its bytes are copied from the source. The kernel half is untouched
// by the caller's choice of how it built pd (normally via
// CloneKernelDirectory already).
func (m *Manager) CopyAddressSpace(pd *Directory) (*Directory, errno.Errno) {
	nd := m.newDirectory()
	copy(nd.entries[KernelDirIndex:], pd.entries[KernelDirIndex:])

	for i := 0; i < KernelDirIndex; i++ {
		e := pd.entries[i]
		if !e.Present {
			continue
		}
		base := uint64(i) << 22
		if e.Large {
			np, err := m.phys.Reserve(LargePageSize, phys.User)
			if !err.Ok() {
				return nil, err
			}
			m.ram.copyRange(e.Phys, np, LargePageSize)
			nd.entries[i] = PDE{Present: true, Writable: e.Writable, User: e.User, Large: true, Phys: np}
			continue
		}
		for p := 0; p < dirEntries; p++ {
			pte := e.table.entries[p]
			if !pte.Present {
				continue
			}
			np, err := m.phys.Reserve(PageSize, phys.User)
			if !err.Ok() {
				return nil, err
			}
			m.ram.copyRange(pte.Phys, np, PageSize)
			m.installSmall(base+uint64(p)*PageSize, np, nd, pte.Writable, pte.User)
		}
	}
	return nd, errno.None
}

// ReadVirtual and WriteVirtual access mapped memory through pd, the
// simulated analogue of the kernel-window copy CopyAddressSpace and the
// ELF loader perform while temporarily switching directories.
func (m *Manager) ReadVirtual(pd *Directory, vaddr uint64, buf []byte) errno.Errno {
	for len(buf) > 0 {
		p, err := m.GetPhysical(vaddr, pd)
		if !err.Ok() {
			return err
		}
		off := vaddr & (PageSize - 1)
		n := PageSize - off
		if uint64(len(buf)) < n {
			n = uint64(len(buf))
		}
		m.ram.read(p, buf[:n])
		buf = buf[n:]
		vaddr += n
	}
	return errno.None
}

func (m *Manager) WriteVirtual(pd *Directory, vaddr uint64, buf []byte) errno.Errno {
	for len(buf) > 0 {
		p, err := m.GetPhysical(vaddr, pd)
		if !err.Ok() {
			return err
		}
		off := vaddr & (PageSize - 1)
		n := PageSize - off
		if uint64(len(buf)) < n {
			n = uint64(len(buf))
		}
		m.ram.write(p, buf[:n])
		buf = buf[n:]
		vaddr += n
	}
	return errno.None
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
