// Package ksyscall implements the fixed-slot POSIX-like syscall table:
// file I/O, process control, and signal
// operations dispatched by number, with every argument pointer validated
// against the caller's own address space before use. Grounded on
// original_source/tasking/processes/syscalls.c and syscalls.h — the
// numbering, the argument registers (ebx/ecx/edx), and ptr_validate's
// "below the kernel split, and mapped" check are all carried over
// unchanged; only the calling convention is reshaped from raw inline asm
// into ordinary Go values.
package ksyscall

import (
	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/internal/klog"
	"github.com/vhaudiquet/vkernel/memory/paging"
	"github.com/vhaudiquet/vkernel/proc"
	"github.com/vhaudiquet/vkernel/proc/signal"
	"github.com/vhaudiquet/vkernel/vfs"
	"github.com/vhaudiquet/vkernel/vfs/ramfs"
)

// Number identifies a syscall the way SYSCALL_* does in syscalls.h. The
// numeric gaps (18-30, 41-50) are preserved even though Go doesn't need a
// dense jump table, so the numbering documented here matches the ABI a
// user-space libc built against this kernel would use.
type Number uint32

const (
	Open    Number = 1
	Close   Number = 2
	Read    Number = 3
	Write   Number = 4
	Link    Number = 5
	Unlink  Number = 6
	Seek    Number = 7
	Stat    Number = 8
	Rename  Number = 9
	Finfo   Number = 10
	Mount   Number = 11
	Umount  Number = 12
	Mkdir   Number = 13
	Readdir Number = 14
	OpenIO  Number = 15
	Dup     Number = 16
	Fsinfo  Number = 17

	Fork      Number = 31
	Exit      Number = 32
	Exec      Number = 33
	Wait      Number = 34
	GetPInfo  Number = 35
	SetPInfo  Number = 36
	Sig       Number = 37
	SigAction Number = 38
	SigRet    Number = 39
	Sbrk      Number = 40

	Ioctl Number = 51
)

// Finfo selector values, VK_FINFO_* in syscalls.h.
const (
	FinfoDeviceType = 1
	NotADevice      = 1
)

// GetPInfo/SetPInfo selector values, VK_PINFO_* in syscalls.h.
const (
	PInfoPID              = 1
	PInfoPPID             = 2
	PInfoWorkingDirectory = 3
	PInfoGID              = 4
)

// Fsinfo selector values, VK_FSINFO_* in syscalls.h.
const (
	FsinfoMountedCount = 1
	FsinfoMountedAll   = 2
)

const userSpaceCeiling = 0xC0000000

// Table owns every kernel subsystem a syscall might touch and is the
// receiver for every Number's handler. One Table serves the whole kernel,
// the way system_calls[] is one process-wide array in the original.
type Table struct {
	VFS     *vfs.VFS
	Procs   *proc.Table
	Sched   *proc.Scheduler
	Signals *signal.Dispatcher
	PG      *paging.Manager
	anon    *ramfs.FS
	log     klog.Tagged
	halt    klog.HaltFunc
}

// New builds a syscall table wired to the kernel's live subsystems.
func New(v *vfs.VFS, procs *proc.Table, sched *proc.Scheduler, sig *signal.Dispatcher, pg *paging.Manager, log klog.Logger, halt klog.HaltFunc) *Table {
	return &Table{VFS: v, Procs: procs, Sched: sched, Signals: sig, PG: pg, anon: ramfs.New(), log: klog.NewTagged(log, "SYSCALL"), halt: halt}
}

// ptrValidate mirrors syscalls.c's static ptr_validate: a user pointer
// must sit below the kernel/user split and already be mapped in the
// calling process's own directory. A nil pointer (0) never validates,
// matching the original rejecting ptr 0 implicitly via is_mapped.
func (t *Table) ptrValidate(ptr uint32, p *proc.Process) bool {
	if ptr == 0 || uint64(ptr) >= userSpaceCeiling {
		return false
	}
	return t.PG.IsMapped(uint64(ptr), p.PageDir)
}

// readCString copies a NUL-terminated string out of p's address space
// starting at vaddr, the Go-side analogue of casting ebx to char* and
// trusting the kernel's own strlen.
func (t *Table) readCString(p *proc.Process, vaddr uint32) (string, errno.Errno) {
	const maxPathLen = 4096
	buf := make([]byte, 0, 64)
	var b [1]byte
	for i := 0; i < maxPathLen; i++ {
		if err := t.PG.ReadVirtual(p.PageDir, uint64(vaddr)+uint64(i), b[:]); !err.Ok() {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), errno.None
		}
		buf = append(buf, b[0])
	}
	return "", errno.FileOut
}

// resolvePath joins a possibly-relative path against p's working
// directory, mirroring syscall_open's "if(*path != '/') prepend
// current_dir" branch.
func resolvePath(p *proc.Process, path string) string {
	if path == "" || path[0] == '/' {
		return path
	}
	if p.CurrentDir == "/" {
		return "/" + path
	}
	return p.CurrentDir + "/" + path
}
