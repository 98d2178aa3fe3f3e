package elf_test

import (
	"encoding/binary"
	"math/bits"
	"testing"

	"github.com/vhaudiquet/vkernel/memory/paging"
	"github.com/vhaudiquet/vkernel/memory/phys"
	"github.com/vhaudiquet/vkernel/memory/ptheap"
	"github.com/vhaudiquet/vkernel/proc/elf"
)

// buildImage constructs a minimal ELF32 executable image: one PT_LOAD
// segment carrying `code` at vaddr, with bssExtra additional zero bytes.
func buildImage(vaddr uint32, code []byte, bssExtra uint32) []byte {
	const ehsize = 52
	const phsize = 32
	img := make([]byte, ehsize+phsize+len(code))

	img[0], img[1], img[2], img[3] = 0x7F, 'E', 'L', 'F'
	img[4] = 1 // class32
	binary.LittleEndian.PutUint16(img[16:18], 2) // ET_EXEC
	binary.LittleEndian.PutUint16(img[18:20], 3) // EM_386
	binary.LittleEndian.PutUint32(img[24:28], vaddr+4) // entry point, arbitrary offset into segment
	binary.LittleEndian.PutUint32(img[28:32], ehsize)  // program header table offset
	binary.LittleEndian.PutUint16(img[42:44], phsize)
	binary.LittleEndian.PutUint16(img[44:46], 1) // one program header

	ph := img[ehsize : ehsize+phsize]
	binary.LittleEndian.PutUint32(ph[0:4], 1) // PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:8], ehsize+phsize)
	binary.LittleEndian.PutUint32(ph[8:12], vaddr)
	binary.LittleEndian.PutUint32(ph[16:20], uint32(len(code)))
	binary.LittleEndian.PutUint32(ph[20:24], uint32(len(code))+bssExtra)

	copy(img[ehsize+phsize:], code)
	return img
}

func TestCheckRejectsNonELF(t *testing.T) {
	if elf.Check([]byte("not an elf")) {
		t.Fatal("expected Check to reject garbage input")
	}
}

func TestLoadMapsSegmentAndZeroesBSS(t *testing.T) {
	halt := func() { t.Fatal("unexpected fatal kernel error") }
	pmap := phys.New([]phys.Region{{Base: 0, Length: 0x100000, Free: false}, {Base: 0x100000, Length: 0x8000000, Free: true}}, nil, halt)
	pth := ptheap.New(0xF0000000, nil, halt)
	pg := paging.NewManager(pmap, pth, bits.UintSize == 64, nil, halt)
	pd := pg.KernelDirectory()

	code := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	img := buildImage(0x08048000, code, 12)

	entry, segs, err := elf.Load(pg, pd, img)
	if !err.Ok() {
		t.Fatalf("Load: %v", err)
	}
	if entry != 0x08048004 {
		t.Fatalf("entry = %#x, want %#x", entry, 0x08048004)
	}
	if len(segs) != 1 || segs[0].Vaddr != 0x08048000 || segs[0].Size != uint64(len(code))+12 {
		t.Fatalf("unexpected segments: %+v", segs)
	}

	buf := make([]byte, len(code)+12)
	if err := pg.ReadVirtual(pd, 0x08048000, buf); !err.Ok() {
		t.Fatalf("ReadVirtual: %v", err)
	}
	for i, b := range code {
		if buf[i] != b {
			t.Fatalf("byte %d = %#x, want %#x", i, buf[i], b)
		}
	}
	for i := len(code); i < len(buf); i++ {
		if buf[i] != 0 {
			t.Fatalf("bss byte %d not zeroed: %#x", i, buf[i])
		}
	}
}

func TestMapUserStackLaysOutArgvCStyle(t *testing.T) {
	halt := func() { t.Fatal("unexpected fatal kernel error") }
	pmap := phys.New([]phys.Region{{Base: 0, Length: 0x100000, Free: false}, {Base: 0x100000, Length: 0x8000000, Free: true}}, nil, halt)
	pth := ptheap.New(0xF0000000, nil, halt)
	pg := paging.NewManager(pmap, pth, bits.UintSize == 64, nil, halt)
	pd := pg.KernelDirectory()

	esp, err := elf.MapUserStack(pg, pd, []string{"init", "-x"})
	if !err.Ok() {
		t.Fatalf("MapUserStack: %v", err)
	}
	if esp == 0 || esp >= elf.UserKernelBoundary || esp < elf.UserKernelBoundary-elf.StackSize {
		t.Fatalf("esp %#x not within the mapped stack region", esp)
	}

	// esp points at a reserved return-address slot; argc and argv follow
	// it the same way they'd sit above a `call main` return address
	// under cdecl: [esp]=retaddr, [esp+4]=argc, [esp+8]=argv.
	var raw [4]byte
	if err := pg.ReadVirtual(pd, uint64(esp)+4, raw[:]); !err.Ok() {
		t.Fatalf("ReadVirtual argc: %v", err)
	}
	argc := binary.LittleEndian.Uint32(raw[:])
	if argc != 2 {
		t.Fatalf("argc = %d, want 2", argc)
	}

	if err := pg.ReadVirtual(pd, uint64(esp)+8, raw[:]); !err.Ok() {
		t.Fatalf("ReadVirtual argv: %v", err)
	}
	argvPtr := binary.LittleEndian.Uint32(raw[:])

	if err := pg.ReadVirtual(pd, uint64(argvPtr), raw[:]); !err.Ok() {
		t.Fatalf("ReadVirtual argv[0] ptr: %v", err)
	}
	str0Ptr := binary.LittleEndian.Uint32(raw[:])
	buf := make([]byte, 5)
	if err := pg.ReadVirtual(pd, uint64(str0Ptr), buf); !err.Ok() {
		t.Fatalf("ReadVirtual argv[0]: %v", err)
	}
	if string(buf) != "init\x00" {
		t.Fatalf("argv[0] = %q, want %q", buf, "init\x00")
	}

	if err := pg.ReadVirtual(pd, uint64(argvPtr)+8, raw[:]); !err.Ok() {
		t.Fatalf("ReadVirtual argv terminator: %v", err)
	}
	if binary.LittleEndian.Uint32(raw[:]) != 0 {
		t.Fatalf("expected argv array to be NULL-terminated after 2 entries")
	}
}
