package ksyscall_test

import (
	"math/bits"
	"testing"

	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/ksyscall"
	"github.com/vhaudiquet/vkernel/memory/paging"
	"github.com/vhaudiquet/vkernel/memory/phys"
	"github.com/vhaudiquet/vkernel/memory/ptheap"
	"github.com/vhaudiquet/vkernel/proc"
	"github.com/vhaudiquet/vkernel/proc/signal"
	"github.com/vhaudiquet/vkernel/vfs"
	"github.com/vhaudiquet/vkernel/vfs/ramfs"
)

func newTestKernel(t *testing.T) (*ksyscall.Table, *proc.Process) {
	t.Helper()
	halt := func() { t.Fatal("unexpected fatal kernel error") }
	pm := phys.New([]phys.Region{{Base: 0, Length: 0x100000, Free: false}, {Base: 0x100000, Length: 0x8000000, Free: true}}, nil, halt)
	pt := ptheap.New(0xF0000000, nil, halt)
	pg := paging.NewManager(pm, pt, bits.UintSize == 64, nil, halt)
	sched := proc.NewScheduler()
	table := proc.NewTable(pg, sched)
	dispatcher := signal.NewDispatcher(table, sched, pg)
	v := vfs.New(ramfs.New(), nil, halt)
	sys := ksyscall.New(v, table, sched, dispatcher, pg, nil, halt)

	p := table.Spawn(pg.KernelDirectory())
	if err := pg.MapMemory(0x2000, 0x08040000, p.PageDir); !err.Ok() {
		t.Fatalf("MapMemory: %v", err)
	}
	return sys, p
}

const userBufVaddr = 0x08040000

func writeUserCString(t *testing.T, sys *ksyscall.Table, p *proc.Process, vaddr uint32, s string) {
	t.Helper()
	if err := sys.PG.WriteVirtual(p.PageDir, uint64(vaddr), append([]byte(s), 0)); !err.Ok() {
		t.Fatalf("seed path: %v", err)
	}
}

func TestOpenCreateWriteReadRoundTrip(t *testing.T) {
	sys, p := newTestKernel(t)
	writeUserCString(t, sys, p, userBufVaddr, "/greeting.txt")

	fd, err := sys.Dispatch(p, ksyscall.Open, userBufVaddr, uint32(vfs.ModeRead|vfs.ModeWrite|vfs.ModeCreate), 0)
	if !err.Ok() {
		t.Fatalf("open: %v", err)
	}

	payload := userBufVaddr + 0x100
	writeUserCString(t, sys, p, payload, "hello kernel")
	n, err := sys.Dispatch(p, ksyscall.Write, fd, payload, uint32(len("hello kernel")))
	if !err.Ok() {
		t.Fatalf("write: %v", err)
	}
	if int(n) != len("hello kernel") {
		t.Fatalf("wrote %d bytes, want %d", n, len("hello kernel"))
	}

	if _, err := sys.Dispatch(p, ksyscall.Seek, fd, 0, 0); !err.Ok() {
		t.Fatalf("seek: %v", err)
	}

	readBuf := userBufVaddr + 0x200
	n, err = sys.Dispatch(p, ksyscall.Read, fd, readBuf, 64)
	if !err.Ok() {
		t.Fatalf("read: %v", err)
	}
	got := make([]byte, n)
	if err := sys.PG.ReadVirtual(p.PageDir, uint64(readBuf), got); !err.Ok() {
		t.Fatalf("ReadVirtual: %v", err)
	}
	if string(got) != "hello kernel" {
		t.Fatalf("read back %q, want %q", got, "hello kernel")
	}
}

func TestOpenRejectsUnvalidatedPointer(t *testing.T) {
	sys, p := newTestKernel(t)
	if _, err := sys.Dispatch(p, ksyscall.Open, 0xDEADBEEF, 0, 0); err != errno.InvalidPtr {
		t.Fatalf("expected InvalidPtr for an unmapped path pointer, got %v", err)
	}
}

func TestSbrkGrowsBreakAndMapsMemory(t *testing.T) {
	sys, p := newTestKernel(t)
	first, err := sys.Dispatch(p, ksyscall.Sbrk, 0x1000, 0, 0)
	if !err.Ok() {
		t.Fatalf("sbrk: %v", err)
	}
	second, err := sys.Dispatch(p, ksyscall.Sbrk, 0x1000, 0, 0)
	if !err.Ok() {
		t.Fatalf("sbrk: %v", err)
	}
	if second <= first {
		t.Fatalf("expected break to grow monotonically: %d then %d", first, second)
	}
}

func TestForkThenWaitReturnsChildPID(t *testing.T) {
	sys, parent := newTestKernel(t)
	childPID, err := sys.Dispatch(parent, ksyscall.Fork, 0, 0, 0)
	if !err.Ok() {
		t.Fatalf("fork: %v", err)
	}

	go func() {
		sys.Dispatch(sys.Procs.Lookup(proc.PID(childPID)), ksyscall.Exit, 7, 0, 0)
	}()

	wstatus := userBufVaddr + 0x300
	reaped, err := sys.Dispatch(parent, ksyscall.Wait, 0, wstatus, 0)
	if !err.Ok() {
		t.Fatalf("wait: %v", err)
	}
	if reaped != childPID {
		t.Fatalf("wait reaped pid %d, want %d", reaped, childPID)
	}

	var code [4]byte
	if err := sys.PG.ReadVirtual(parent.PageDir, uint64(wstatus), code[:]); !err.Ok() {
		t.Fatalf("ReadVirtual wstatus: %v", err)
	}
	if code[0] != 7 {
		t.Fatalf("wstatus low byte = %d, want 7", code[0])
	}
}

func TestSigActionRejectsSIGKILL(t *testing.T) {
	sys, p := newTestKernel(t)
	if _, err := sys.Dispatch(p, ksyscall.SigAction, uint32(signal.SIGKILL), 0x1000, 0); err.Ok() {
		t.Fatal("expected SigAction to reject SIGKILL")
	}
}

func TestGetPInfoReportsOwnPID(t *testing.T) {
	sys, p := newTestKernel(t)
	if _, err := sys.Dispatch(p, ksyscall.GetPInfo, 0, ksyscall.PInfoPID, userBufVaddr); !err.Ok() {
		t.Fatalf("getpinfo: %v", err)
	}
	var buf [4]byte
	if err := sys.PG.ReadVirtual(p.PageDir, userBufVaddr, buf[:]); !err.Ok() {
		t.Fatalf("ReadVirtual: %v", err)
	}
	got := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	if proc.PID(got) != p.PID {
		t.Fatalf("getpinfo PID = %d, want %d", got, p.PID)
	}
}

func TestUnknownSyscallNumberReturnsUnknown(t *testing.T) {
	sys, p := newTestKernel(t)
	if _, err := sys.Dispatch(p, ksyscall.Number(20), 0, 0, 0); err != errno.Unknown {
		t.Fatalf("expected Unknown for a reserved gap number, got %v", err)
	}
}
