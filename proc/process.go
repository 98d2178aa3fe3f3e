// Package proc implements the process table, thread model, and scheduler:
// slot-indexed process/thread identities
// (never raw pointers, the fix for the original's process_t* used
// directly as an identity), fork/exec/exit/wait, process groups and
// sessions, and sbrk against the kernel's per-process heap. Grounded on
// original_source/tasking/process.c, task.h, and
// tasking/scheduler/scheduler.c.
package proc

import (
	"sync"

	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/memory/paging"
	"github.com/vhaudiquet/vkernel/proc/elf"
	"github.com/vhaudiquet/vkernel/vfs"
)

// PID and TID are keys into the Table, not pointers: PIDs are handed out
// in increasing order and never reused, so a stale PID of a reaped
// process makes Lookup return nil rather than reaching freed state.
type PID uint32
type TID uint32

// ProcessStatus mirrors PROCESS_STATUS_* from task.h.
type ProcessStatus uint8

const (
	ProcessRunning ProcessStatus = iota
	ProcessZombie
	ProcessDead
)

// ThreadStatus mirrors THREAD_STATUS_*.
type ThreadStatus uint8

const (
	ThreadReady ThreadStatus = iota
	ThreadAsleepTime
	ThreadAsleepIRQ
	ThreadAsleepMutex
	ThreadDead
)

// Thread is one schedulable unit of execution within a Process.
type Thread struct {
	ID      TID
	Owner   *Process
	Status  ThreadStatus
	EIP     uint32
	ESP     uint32
}

// Process is one entry in the process table: an address space, a thread
// list, and the POSIX-ish bookkeeping (parent, group, session) the
// syscall layer exposes.
type Process struct {
	PID        PID
	generation uint32
	PPID       PID
	PGID       PID
	SID        PID
	Status     ProcessStatus
	PageDir    *paging.Directory
	Threads    []*Thread
	nextTID    TID
	ExitCode   int
	Children   []PID
	Segments   []elf.Segment
	BreakAddr  uint64 // current sbrk() break; starts at 0 and only Sbrk moves it
	HeapMu     *Mutex // serializes concurrent sbrk() from this process's threads
	waitCh     chan struct{}

	// CurrentDir is the working directory relative paths are resolved
	// against, mirroring current_process->current_dir.
	CurrentDir string
	// Files is the process's file-descriptor table, index 0..2 reserved
	// for stdio the way the original reserves them before its open-file
	// linear scan starts at 3.
	Files   []*vfs.FD
	filesMu sync.Mutex

	// SigSave holds the register state a custom signal handler's trampoline
	// hand-off displaced, mirroring process->sighandler. Non-nil exactly
	// while a custom handler is running; SigRet restores from it and clears
	// it back to nil.
	SigSave *SigContext
}

// SigContext is the subset of a thread's context a signal hand-off
// displaces and a later SigRet restores.
type SigContext struct {
	EIP uint32
	ESP uint32
}

const firstUserFD = 3

// AllocFD installs fd in the first free slot at index >= firstUserFD (or
// grows the table), the same linear-scan-then-grow policy
// syscall_open/syscall_dup use over the original's realloc'd array.
func (p *Process) AllocFD(fd *vfs.FD) int {
	p.filesMu.Lock()
	defer p.filesMu.Unlock()
	for len(p.Files) < firstUserFD {
		p.Files = append(p.Files, nil)
	}
	for i := firstUserFD; i < len(p.Files); i++ {
		if p.Files[i] == nil {
			p.Files[i] = fd
			return i
		}
	}
	p.Files = append(p.Files, fd)
	return len(p.Files) - 1
}

// SetFD installs fd at an explicit slot, growing the table, and returns
// whatever previously lived there without closing it; closing the
// returned fd is left to the caller, as dup2(oldfd, newfd) does.
func (p *Process) SetFD(slot int, fd *vfs.FD) *vfs.FD {
	p.filesMu.Lock()
	defer p.filesMu.Unlock()
	for len(p.Files) <= slot {
		p.Files = append(p.Files, nil)
	}
	old := p.Files[slot]
	p.Files[slot] = fd
	return old
}

// FD returns the fd installed at slot, or nil if none.
func (p *Process) FD(slot int) *vfs.FD {
	p.filesMu.Lock()
	defer p.filesMu.Unlock()
	if slot < 0 || slot >= len(p.Files) {
		return nil
	}
	return p.Files[slot]
}

// ClearFD removes whatever is installed at slot and returns it.
func (p *Process) ClearFD(slot int) *vfs.FD {
	p.filesMu.Lock()
	defer p.filesMu.Unlock()
	if slot < 0 || slot >= len(p.Files) {
		return nil
	}
	old := p.Files[slot]
	p.Files[slot] = nil
	return old
}

// Table owns every live process, keyed by PID, guarded by a single lock
// the way a uniprocessor kernel serializes process-table edits under one
// spinlock.
type Table struct {
	mu      sync.Mutex
	procs   map[PID]*Process
	nextPID PID
	pg      *paging.Manager
	sched   *Scheduler
}

// NewTable creates an empty process table wired to the given paging
// manager (for fork/exec address-space operations) and scheduler (so new
// processes' threads are made runnable immediately).
func NewTable(pg *paging.Manager, sched *Scheduler) *Table {
	return &Table{procs: make(map[PID]*Process), pg: pg, sched: sched, nextPID: 1}
}

// Spawn creates a parentless process from an already-built address
// space. Boot uses it for the kernel process, which has no parent to fork
// from; init is then forked from that process.
func (t *Table) Spawn(pd *paging.Directory) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &Process{PID: t.nextPID, PPID: 0, PGID: t.nextPID, SID: t.nextPID, PageDir: pd, HeapMu: NewMutex(), waitCh: make(chan struct{}), CurrentDir: "/"}
	p.PGID, p.SID = p.PID, p.PID
	t.procs[p.PID] = p
	t.nextPID++
	th := &Thread{ID: 0, Owner: p}
	p.Threads = append(p.Threads, th)
	t.sched.AddThread(th)
	return p
}

// Lookup returns the live process for pid, or nil if it has exited or
// never existed.
func (t *Table) Lookup(pid PID) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.procs[pid]
}

// Fork clones parent's address space and process-table entry, returning
// the new child. The child inherits parent's PGID/SID, starts with one
// thread, and is immediately scheduled — mirroring fork()'s "child
// returns to the same instruction, running" contract.
func (t *Table) Fork(parent *Process) (*Process, errno.Errno) {
	childPD, err := t.pg.CopyAddressSpace(parent.PageDir)
	if !err.Ok() {
		return nil, err
	}

	t.mu.Lock()
	child := &Process{
		PID: t.nextPID, PPID: parent.PID, PGID: parent.PGID, SID: parent.SID,
		PageDir: childPD, HeapMu: NewMutex(), waitCh: make(chan struct{}), CurrentDir: parent.CurrentDir,
	}
	t.nextPID++
	t.procs[child.PID] = child
	parent.Children = append(parent.Children, child.PID)
	t.mu.Unlock()

	th := &Thread{ID: 0, Owner: child}
	child.Threads = append(child.Threads, th)
	t.sched.AddThread(th)
	return child, errno.None
}

// Exec replaces p's address space contents with a freshly loaded ELF
// image, discarding its previous segments. It does not change p's PID or
// parent/group/session identity, matching POSIX exec() semantics. argv
// is copied onto a freshly mapped user stack (see elf.MapUserStack);
// every thread's EIP is set to the new entry point and its ESP to the
// built stack, the same register reset load_executable performs before
// the first dispatch into the new image.
func (t *Table) Exec(p *Process, image []byte, argv []string) errno.Errno {
	newPD := t.pg.CloneKernelDirectory()
	entry, segs, lerr := elf.Load(t.pg, newPD, image)
	if !lerr.Ok() {
		return lerr
	}
	esp, serr := elf.MapUserStack(t.pg, newPD, argv)
	if !serr.Ok() {
		return serr
	}
	p.PageDir = newPD
	p.Segments = segs
	for _, th := range p.Threads {
		th.EIP = uint32(entry)
		th.ESP = esp
	}
	return errno.None
}

// Exit tears a process down: marks it a zombie (so Wait can observe its
// exit code), removes its threads from the ready queue, and wakes any
// parent blocked in Wait.
func (t *Table) Exit(p *Process, code int) {
	t.mu.Lock()
	p.Status = ProcessZombie
	p.ExitCode = code
	t.mu.Unlock()

	for _, th := range p.Threads {
		th.Status = ThreadDead
		t.sched.RemoveThread(th)
	}
	close(p.waitCh)
}

// Reap removes a zombie child from the table entirely, the second half
// of wait() after the parent has observed the exit code.
func (t *Table) Reap(pid PID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, pid)
}

// Wait blocks until one of parent's children becomes a zombie, then
// returns its PID and exit code. errno.HasNoChild is returned immediately
// if parent has no children left to wait for.
// Wait implements wait(pid, &status): pid > 0 matches only that specific
// child, pid == 0 matches any child sharing the caller's process group,
// pid == -1 matches any child, and pid < -1 matches any child in group
// -pid. The matching children are checked in Children order: the first
// one whose waitCh is already closed (an already-exited zombie) is reaped
// and returned. If none has exited, Wait blocks until the first matching
// child in Children order exits; a sibling that exits sooner is not
// returned by this call.
func (t *Table) Wait(parent *Process, pid int32) (PID, int, errno.Errno) {
	t.mu.Lock()
	if len(parent.Children) == 0 {
		t.mu.Unlock()
		return 0, 0, errno.HasNoChild
	}
	var wantGroup PID
	switch {
	case pid > 0:
	case pid == 0:
		wantGroup = parent.PGID
	case pid == -1:
	default:
		wantGroup = PID(-pid)
	}

	var candidates []PID
	for _, cpid := range parent.Children {
		switch {
		case pid > 0:
			if cpid == PID(pid) {
				candidates = append(candidates, cpid)
			}
		case pid == -1:
			candidates = append(candidates, cpid)
		default:
			if child := t.procs[cpid]; child != nil && child.PGID == wantGroup {
				candidates = append(candidates, cpid)
			}
		}
	}
	t.mu.Unlock()

	if len(candidates) == 0 {
		return 0, 0, errno.HasNoChild
	}

	var target *Process
	for _, cpid := range candidates {
		child := t.Lookup(cpid)
		if child == nil {
			continue
		}
		if target == nil {
			target = child
		}
		select {
		case <-child.waitCh:
			target = child
		default:
			continue
		}
		break
	}
	if target == nil {
		return 0, 0, errno.HasNoChild
	}
	cpid := target.PID
	<-target.waitCh
	code := target.ExitCode
	t.mu.Lock()
	for i, c := range parent.Children {
		if c == cpid {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	t.Reap(cpid)
	return cpid, code, errno.None
}

// MembersOfGroup returns every live process sharing pgid, for signal
// broadcast to a process group.
func (t *Table) MembersOfGroup(pgid PID) []PID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []PID
	for pid, p := range t.procs {
		if p.PGID == pgid {
			out = append(out, pid)
		}
	}
	return out
}

// SetPGID changes p's process group, rejecting the cross-session move
// POSIX disallows.
func (t *Table) SetPGID(p *Process, pgid PID) errno.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	if leader, ok := t.procs[pgid]; ok && leader.SID != p.SID {
		return errno.IsAnotherSession
	}
	p.PGID = pgid
	return errno.None
}

// Setsid makes p the leader of a new session and process group, failing
// if p is already a group leader (POSIX setsid() semantics).
func (t *Table) Setsid(p *Process) errno.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.PGID == p.PID {
		return errno.Permission
	}
	p.SID = p.PID
	p.PGID = p.PID
	return errno.None
}

const pageSize = 0x1000

// Sbrk grows p's break by delta bytes (rounded up to a page), mapping the
// new range into p's address space, and returns the break's previous
// value — the same contract the original's sbrk() syscall exposes to
// libc's malloc. BreakAddr and the mapping it drives are shared process
// state that any of p's threads can reach concurrently, so the call is
// bracketed by p.HeapMu, retrying through Mutex.Wait when another thread
// already holds it (mutex_lock/mutex_wait's contract in
// original_source/sync/mutex.c, applied to the one process-wide
// resource this kernel actually contends on today).
func (t *Table) Sbrk(p *Process, delta int64) (uint64, errno.Errno) {
	th := p.Threads[0]
	for p.HeapMu.Lock(th) != errno.None {
		p.HeapMu.Wait(t.sched, th)
	}
	defer p.HeapMu.Unlock(t.sched)

	if delta < 0 {
		return 0, errno.FileOut
	}
	old := p.BreakAddr
	size := (uint64(delta) + pageSize - 1) &^ (pageSize - 1)
	if size == 0 {
		return old, errno.None
	}
	if err := t.pg.MapMemory(size, old, p.PageDir); !err.Ok() {
		return 0, err
	}
	p.BreakAddr += size
	return old, errno.None
}
