package ksyscall

import (
	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/internal/klog"
	"github.com/vhaudiquet/vkernel/proc"
)

// Dispatch is the syscall ABI boundary: it takes the three argument
// registers exactly as system_calls[num](ebx, ecx, edx) would, calls the
// typed internal method for num, and flattens the result into the
// (eax, ecx) pair a trap handler writes back into the caller's saved
// registers. Every internal method above this line returns real Go types;
// only here do those get packed into uint32.
func (t *Table) Dispatch(p *proc.Process, num Number, ebx, ecx, edx uint32) (eax uint32, err errno.Errno) {
	switch num {
	case Open:
		fd, e := t.Open(p, ebx, uint8(ecx))
		return uint32(fd), e
	case Close:
		return 0, t.Close(p, int(ebx))
	case Read:
		n, e := t.Read(p, int(ebx), ecx, edx)
		return uint32(n), e
	case Write:
		n, e := t.Write(p, int(ebx), ecx, edx)
		return uint32(n), e
	case Link:
		return 0, t.Link(p, ebx, ecx)
	case Unlink:
		return 0, t.Unlink(p, ebx)
	case Seek:
		off, e := t.Seek(p, int(ebx), int32(ecx), int(edx))
		return off, e
	case Stat:
		return 0, t.Stat(p, int(ebx), edx)
	case Rename:
		return 0, t.Rename(p, ebx, ecx)
	case Finfo:
		return 0, t.Finfo(p, int(ebx), ecx, edx)
	case Mount:
		return 0, t.Mount(p)
	case Umount:
		return 0, t.Umount(p)
	case Mkdir:
		return 0, t.Mkdir(p, ebx)
	case Readdir:
		return 0, t.Readdir(p, int(ebx), ecx, edx)
	case OpenIO:
		fd, e := t.OpenIO(p)
		return uint32(fd), e
	case Dup:
		newfd, e := t.Dup(p, int(ebx), int(ecx))
		return uint32(newfd), e
	case Fsinfo:
		return 0, t.Fsinfo(p, ebx, ecx)

	case Fork:
		pid, e := t.Fork(p)
		return uint32(pid), e
	case Exit:
		t.Exit(p, uint8(ebx))
		return 0, errno.None
	case Exec:
		return 0, t.Exec(p, int(ebx), ecx, edx)
	case Wait:
		return t.dispatchWait(p, int32(ebx), ecx)
	case GetPInfo:
		return 0, t.GetPInfo(p, ebx, ecx, edx)
	case SetPInfo:
		return 0, t.SetPInfo(p, ebx, ecx, edx)
	case Sig:
		return 0, t.Sig(p, int32(ebx), int(ecx))
	case SigAction:
		return 0, t.SigAction(p, int(ebx), ecx)
	case SigRet:
		return 0, t.SigRet(p)
	case Sbrk:
		old, e := t.Sbrk(p, int64(int32(ebx)))
		return uint32(old), e

	case Ioctl:
		return 0, t.Ioctl(p, int(ebx), ecx, edx)
	}

	// system_calls[] holds a null entry for every reserved gap; jumping
	// through one of those in the original crashes the kernel rather than
	// returning an error. A totally unknown number (outside the table
	// entirely) is treated the same way here.
	if num == 0 || num > Ioctl {
		klog.Fatalf(t.log.Logger, "SYSCALL", "Dispatch", t.halt, "syscall number %d out of range", num)
	}
	return 0, errno.Unknown
}

// dispatchWait implements the Wait ABI: ebx carries the pid selector
// (see proc.Table.Wait), ecx the wstatus pointer the exit code is
// written to before the reaped pid is returned.
func (t *Table) dispatchWait(p *proc.Process, pid int32, wstatusPtr uint32) (uint32, errno.Errno) {
	reaped, code, err := t.Wait(p, pid)
	if !err.Ok() {
		return 0, err
	}
	if wstatusPtr != 0 {
		if !t.ptrValidate(wstatusPtr, p) {
			return 0, errno.InvalidPtr
		}
		c := uint32(int32(code))
		buf := []byte{byte(c), byte(c >> 8), byte(c >> 16), byte(c >> 24)}
		if werr := t.PG.WriteVirtual(p.PageDir, uint64(wstatusPtr), buf); !werr.Ok() {
			return 0, werr
		}
	}
	return uint32(reaped), errno.None
}
