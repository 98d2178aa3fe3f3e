// Package elf implements the narrow 32-bit ELF executable loader the
// process creation path needs: magic/class/type validation and
// PT_LOAD-segment mapping into a fresh address space. Grounded on
// original_source/tasking/elf.c, which this package follows closely:
// validate the header, walk the program header table, map each non-empty
// segment, copy its file bytes, and zero the bss tail (memsz - filesz).
package elf

import (
	"encoding/binary"

	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/memory/paging"
)

const (
	etExec  = 2
	class32 = 1
)

// header mirrors elf_header_t, read directly from the image's first 52
// bytes (ELF32 fixed layout).
type header struct {
	entry       uint32
	phOffset    uint32
	phEntrySize uint16
	phEntryNum  uint16
}

// programHeader mirrors elf_program_header_t (32-byte ELF32 Phdr).
type programHeader struct {
	segType uint32
	offset  uint32
	vaddr   uint32
	fileSz  uint32
	memSz   uint32
}

// Segment records one mapped PT_LOAD region, returned so the caller (the
// process-exit path) can unmap them later.
type Segment struct {
	Vaddr uint64
	Size  uint64
}

// Check reports whether image looks like a loadable 32-bit x86 executable:
// ELF magic, 32-bit class, ET_EXEC, and either no-machine or 386.
func Check(image []byte) bool {
	if len(image) < 52 {
		return false
	}
	if image[0] != 0x7F || image[1] != 'E' || image[2] != 'L' || image[3] != 'F' {
		return false
	}
	if image[4] != class32 {
		return false
	}
	if binary.LittleEndian.Uint16(image[16:18]) != etExec {
		return false
	}
	machine := binary.LittleEndian.Uint16(image[18:20])
	return machine == 0 || machine == 3
}

func parseHeader(image []byte) header {
	return header{
		entry:       binary.LittleEndian.Uint32(image[24:28]),
		phOffset:    binary.LittleEndian.Uint32(image[28:32]),
		phEntrySize: binary.LittleEndian.Uint16(image[42:44]),
		phEntryNum:  binary.LittleEndian.Uint16(image[44:46]),
	}
}

func parseProgramHeader(raw []byte) programHeader {
	return programHeader{
		segType: binary.LittleEndian.Uint32(raw[0:4]),
		offset:  binary.LittleEndian.Uint32(raw[4:8]),
		vaddr:   binary.LittleEndian.Uint32(raw[8:12]),
		fileSz:  binary.LittleEndian.Uint32(raw[16:20]),
		memSz:   binary.LittleEndian.Uint32(raw[20:24]),
	}
}

const ptLoad = 1

const (
	// UserKernelBoundary is the 3 GiB split between user and kernel
	// address space; the user stack sits immediately below it.
	UserKernelBoundary = 0xC0000000
	// StackSize is the fixed size of the mapped user stack region.
	StackSize = 8 * 1024
)

// MapUserStack maps the fixed 8 KiB stack region immediately below the
// user/kernel boundary and lays argv out on it C-style: the strings
// themselves, then a NULL-terminated array of pointers to them, then the
// argv pointer and argc, mirroring load_executable's stack_offset walk
// in original_source/tasking/processes/process.c. It returns the
// resulting stack pointer, ready to be used as a thread's ESP.
func MapUserStack(pg *paging.Manager, pd *paging.Directory, argv []string) (esp uint32, err errno.Errno) {
	base := uint64(UserKernelBoundary - StackSize)
	if err := pg.MapMemory(StackSize, base, pd); !err.Ok() {
		return 0, err
	}

	argc := len(argv)
	stack := uint32(UserKernelBoundary)
	uparam := make([]uint32, argc)

	for i := 0; i < argc; i++ {
		s := append([]byte(argv[i]), 0)
		stack -= uint32(len(s))
		if err := pg.WriteVirtual(pd, uint64(stack), s); !err.Ok() {
			return 0, err
		}
		uparam[i] = stack
	}

	for i := argc; i >= 0; i-- {
		stack -= 4
		var ptr uint32
		if i != argc {
			ptr = uparam[i]
		}
		if err := writeUint32(pg, pd, stack, ptr); !err.Ok() {
			return 0, err
		}
	}

	stack -= 4
	if err := writeUint32(pg, pd, stack, stack+4); !err.Ok() {
		return 0, err
	}

	stack -= 4
	if err := writeUint32(pg, pd, stack, uint32(argc)); !err.Ok() {
		return 0, err
	}

	stack -= 4
	return stack, errno.None
}

func writeUint32(pg *paging.Manager, pd *paging.Directory, vaddr, val uint32) errno.Errno {
	buf := []byte{byte(val), byte(val >> 8), byte(val >> 16), byte(val >> 24)}
	return pg.WriteVirtual(pd, uint64(vaddr), buf)
}

// Load maps every PT_LOAD segment of image into pd via pg, copies its file
// contents, and zero-fills the bss tail. It returns the entry point and
// the list of mapped segments.
func Load(pg *paging.Manager, pd *paging.Directory, image []byte) (entry uint64, segs []Segment, err errno.Errno) {
	if !Check(image) {
		return 0, nil, errno.FileFSInternal
	}
	h := parseHeader(image)
	for i := 0; i < int(h.phEntryNum); i++ {
		off := int(h.phOffset) + i*int(h.phEntrySize)
		if off+32 > len(image) {
			return 0, nil, errno.FileFSInternal
		}
		ph := parseProgramHeader(image[off : off+32])
		if ph.segType != ptLoad || ph.memSz == 0 {
			continue
		}
		if err := pg.MapMemory(uint64(ph.memSz), uint64(ph.vaddr), pd); !err.Ok() {
			return 0, nil, err
		}
		segs = append(segs, Segment{Vaddr: uint64(ph.vaddr), Size: uint64(ph.memSz)})

		if ph.fileSz > 0 {
			end := int(ph.offset) + int(ph.fileSz)
			if end > len(image) {
				return 0, nil, errno.FileFSInternal
			}
			if err := pg.WriteVirtual(pd, uint64(ph.vaddr), image[ph.offset:end]); !err.Ok() {
				return 0, nil, err
			}
		}
		if ph.memSz > ph.fileSz {
			bss := make([]byte, ph.memSz-ph.fileSz)
			if err := pg.WriteVirtual(pd, uint64(ph.vaddr)+uint64(ph.fileSz), bss); !err.Ok() {
				return 0, nil, err
			}
		}
	}
	return uint64(h.entry), segs, errno.None
}
