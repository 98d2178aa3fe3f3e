package proc_test

import (
	"math/bits"
	"testing"

	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/memory/paging"
	"github.com/vhaudiquet/vkernel/memory/phys"
	"github.com/vhaudiquet/vkernel/memory/ptheap"
	"github.com/vhaudiquet/vkernel/proc"
)

func newTestTable(t *testing.T) (*proc.Table, *paging.Manager) {
	t.Helper()
	halt := func() { t.Fatal("unexpected fatal kernel error") }
	pm := phys.New([]phys.Region{{Base: 0, Length: 0x100000, Free: false}, {Base: 0x100000, Length: 0x8000000, Free: true}}, nil, halt)
	pt := ptheap.New(0xF0000000, nil, halt)
	pg := paging.NewManager(pm, pt, bits.UintSize == 64, nil, halt)
	sched := proc.NewScheduler()
	return proc.NewTable(pg, sched), pg
}

func TestForkCreatesIndependentAddressSpace(t *testing.T) {
	table, pg := newTestTable(t)
	parent := table.Spawn(pg.KernelDirectory())

	if err := pg.MapMemory(0x1000, 0x08040000, parent.PageDir); !err.Ok() {
		t.Fatalf("MapMemory: %v", err)
	}
	if err := pg.WriteVirtual(parent.PageDir, 0x08040000, []byte("parent-owned")); !err.Ok() {
		t.Fatalf("WriteVirtual: %v", err)
	}

	child, err := table.Fork(parent)
	if !err.Ok() {
		t.Fatalf("Fork: %v", err)
	}
	if child.PPID != parent.PID {
		t.Fatalf("child.PPID = %d, want %d", child.PPID, parent.PID)
	}

	if err := pg.WriteVirtual(child.PageDir, 0x08040000, []byte("child-owned!")); !err.Ok() {
		t.Fatalf("WriteVirtual to child: %v", err)
	}

	buf := make([]byte, len("parent-owned"))
	if err := pg.ReadVirtual(parent.PageDir, 0x08040000, buf); !err.Ok() {
		t.Fatalf("ReadVirtual: %v", err)
	}
	if string(buf) != "parent-owned" {
		t.Fatalf("parent's memory changed after child wrote to its copy: %q", buf)
	}
}

func TestExitThenWaitReturnsExitCode(t *testing.T) {
	table, pg := newTestTable(t)
	parent := table.Spawn(pg.KernelDirectory())
	child, err := table.Fork(parent)
	if !err.Ok() {
		t.Fatalf("Fork: %v", err)
	}

	go table.Exit(child, 42)

	pid, code, werr := table.Wait(parent, -1)
	if !werr.Ok() {
		t.Fatalf("Wait: %v", werr)
	}
	if pid != child.PID || code != 42 {
		t.Fatalf("Wait returned pid=%d code=%d, want pid=%d code=42", pid, code, child.PID)
	}
}

func TestWaitWithNoChildrenFails(t *testing.T) {
	table, pg := newTestTable(t)
	parent := table.Spawn(pg.KernelDirectory())
	if _, _, err := table.Wait(parent, -1); err != errno.HasNoChild {
		t.Fatalf("expected HasNoChild, got %v", err)
	}
}

func TestWaitSelectsSpecificPID(t *testing.T) {
	table, pg := newTestTable(t)
	parent := table.Spawn(pg.KernelDirectory())
	first, err := table.Fork(parent)
	if !err.Ok() {
		t.Fatalf("Fork: %v", err)
	}
	second, err := table.Fork(parent)
	if !err.Ok() {
		t.Fatalf("Fork: %v", err)
	}

	table.Exit(second, 7)
	go table.Exit(first, 9)

	pid, code, werr := table.Wait(parent, int32(second.PID))
	if !werr.Ok() {
		t.Fatalf("Wait: %v", werr)
	}
	if pid != second.PID || code != 7 {
		t.Fatalf("Wait(second.PID) = pid=%d code=%d, want pid=%d code=7", pid, code, second.PID)
	}

	pid, code, werr = table.Wait(parent, -1)
	if !werr.Ok() {
		t.Fatalf("Wait: %v", werr)
	}
	if pid != first.PID || code != 9 {
		t.Fatalf("Wait(-1) = pid=%d code=%d, want pid=%d code=9", pid, code, first.PID)
	}
}

func TestWaitSelectsGroup(t *testing.T) {
	table, pg := newTestTable(t)
	parent := table.Spawn(pg.KernelDirectory())
	inGroup, err := table.Fork(parent)
	if !err.Ok() {
		t.Fatalf("Fork: %v", err)
	}
	outOfGroup, err := table.Fork(parent)
	if !err.Ok() {
		t.Fatalf("Fork: %v", err)
	}
	if err := table.SetPGID(outOfGroup, outOfGroup.PID); !err.Ok() {
		t.Fatalf("SetPGID: %v", err)
	}

	table.Exit(outOfGroup, 1)
	go table.Exit(inGroup, 2)

	pid, code, werr := table.Wait(parent, 0)
	if !werr.Ok() {
		t.Fatalf("Wait(0): %v", werr)
	}
	if pid != inGroup.PID || code != 2 {
		t.Fatalf("Wait(0) = pid=%d code=%d, want pid=%d code=2 (the in-group child)", pid, code, inGroup.PID)
	}

	pid, code, werr = table.Wait(parent, -int32(outOfGroup.PGID))
	if !werr.Ok() {
		t.Fatalf("Wait(-pgid): %v", werr)
	}
	if pid != outOfGroup.PID || code != 1 {
		t.Fatalf("Wait(-pgid) = pid=%d code=%d, want pid=%d code=1", pid, code, outOfGroup.PID)
	}
}
