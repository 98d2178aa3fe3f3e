package ksyscall

import (
	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/proc"
	"github.com/vhaudiquet/vkernel/vfs"
)

// Fork implements SYSCALL_FORK, returning the child's PID the way the
// original's inline-asm trampoline extracts process_t->pid from fork()'s
// return value.
func (t *Table) Fork(p *proc.Process) (proc.PID, errno.Errno) {
	child, err := t.Procs.Fork(p)
	if !err.Ok() {
		return 0, err
	}
	return child.PID, errno.None
}

// Exit implements SYSCALL_EXIT. code's low byte mirrors
// EXIT_CONDITION_USER | (u8) ebx.
func (t *Table) Exit(p *proc.Process, code uint8) {
	t.Procs.Exit(p, int(code))
}

// Exec implements SYSCALL_EXEC: ebx is the fd of an already-open
// executable, which is loaded and replaces p's address space in place.
// argc/argv point at the caller's argument vector, the same ecx/edx
// arguments load_executable's kernel-side copy builds uparam from.
func (t *Table) Exec(p *proc.Process, slot int, argc uint32, argvPtr uint32) errno.Errno {
	fd := p.FD(slot)
	if fd == nil {
		return errno.FileNotFound
	}
	image, err := readWholeFile(t, fd)
	if !err.Ok() {
		return err
	}
	argv, err := t.readArgv(p, argc, argvPtr)
	if !err.Ok() {
		return err
	}
	t.log.Printf("exec: loading executable for pid %d", p.PID)
	if err := t.Procs.Exec(p, image, argv); !err.Ok() {
		return err
	}
	t.log.Printf("exec: executable loaded for pid %d", p.PID)
	return errno.None
}

// readArgv copies argc NUL-terminated strings out of p's address space,
// each one pointed to by a uint32 entry in the array at argvPtr.
func (t *Table) readArgv(p *proc.Process, argc uint32, argvPtr uint32) ([]string, errno.Errno) {
	if argc == 0 {
		return nil, errno.None
	}
	if !t.ptrValidate(argvPtr, p) {
		return nil, errno.InvalidPtr
	}
	argv := make([]string, argc)
	for i := uint32(0); i < argc; i++ {
		var raw [4]byte
		if err := t.PG.ReadVirtual(p.PageDir, uint64(argvPtr)+uint64(i)*4, raw[:]); !err.Ok() {
			return nil, err
		}
		strPtr := uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24
		s, err := t.readCString(p, strPtr)
		if !err.Ok() {
			return nil, err
		}
		argv[i] = s
	}
	return argv, errno.None
}

func readWholeFile(t *Table, fd *vfs.FD) ([]byte, errno.Errno) {
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := t.VFS.ReadFile(fd, buf)
		out = append(out, buf[:n]...)
		if err == errno.EOF || n == 0 {
			return out, errno.None
		}
		if !err.Ok() {
			return nil, err
		}
	}
}

// Wait implements SYSCALL_WAIT. pid follows the wait(2) selector
// encoding: >0 a specific child, 0 any child in the caller's group, -1
// any child, <-1 any child in group -pid.
func (t *Table) Wait(p *proc.Process, pid int32) (proc.PID, int, errno.Errno) {
	return t.Procs.Wait(p, pid)
}

// GetPInfo implements SYSCALL_GETPINFO.
func (t *Table) GetPInfo(p *proc.Process, targetPID uint32, selector uint32, outPtr uint32) errno.Errno {
	if !t.ptrValidate(outPtr, p) {
		return errno.InvalidPtr
	}
	target := p
	if targetPID != 0 {
		target = t.Procs.Lookup(proc.PID(targetPID))
	}
	if target == nil || (target != p && target.PPID != p.PID) {
		return errno.Permission
	}

	var val uint32
	switch selector {
	case PInfoPID:
		val = uint32(target.PID)
	case PInfoPPID:
		val = uint32(target.PPID)
	case PInfoGID:
		val = uint32(target.PGID)
	case PInfoWorkingDirectory:
		return t.writeCString(p, outPtr, target.CurrentDir)
	default:
		return errno.Unknown
	}
	buf := []byte{byte(val), byte(val >> 8), byte(val >> 16), byte(val >> 24)}
	return t.PG.WriteVirtual(p.PageDir, uint64(outPtr), buf)
}

// SetPInfo implements SYSCALL_SETPINFO.
func (t *Table) SetPInfo(p *proc.Process, targetPID uint32, selector uint32, arg uint32) errno.Errno {
	target := p
	if targetPID != 0 {
		target = t.Procs.Lookup(proc.PID(targetPID))
	}
	if target == nil || (target != p && target.PPID != p.PID) {
		return errno.Permission
	}

	switch selector {
	case PInfoWorkingDirectory:
		if !t.ptrValidate(arg, p) {
			return errno.InvalidPtr
		}
		dir, err := t.readCString(p, arg)
		if !err.Ok() {
			return err
		}
		resolved := resolvePath(target, dir)
		fd, oerr := t.VFS.OpenFile(resolved, 0)
		if !oerr.Ok() {
			return errno.FileNotFound
		}
		t.VFS.CloseFile(fd)
		target.CurrentDir = resolved
		return errno.None
	case PInfoGID:
		return t.Procs.SetPGID(target, proc.PID(arg))
	default:
		return errno.Unknown
	}
}

// writeCString copies s plus a NUL terminator into p's address space at
// vaddr.
func (t *Table) writeCString(p *proc.Process, vaddr uint32, s string) errno.Errno {
	buf := append([]byte(s), 0)
	return t.PG.WriteVirtual(p.PageDir, uint64(vaddr), buf)
}

// Sig implements SYSCALL_SIG: ebx is a pid (negative selects a process
// group, per original_source/tasking/processes/signal.c's send_signal /
// send_signal_to_group split), ecx is the signal number.
func (t *Table) Sig(p *proc.Process, targetPID int32, sig int) errno.Errno {
	if targetPID == 0 {
		return errno.InvalidPID
	}
	if targetPID < 0 {
		pgid := proc.PID(-targetPID)
		members := t.Procs.MembersOfGroup(pgid)
		return t.Signals.SendToGroup(pgid, sig, members)
	}
	return t.Signals.Send(proc.PID(targetPID), sig)
}

// SigAction implements SYSCALL_SIGACTION, installing a handler entry
// point for signal ebx. The previous handler is not reported back.
func (t *Table) SigAction(p *proc.Process, sig int, entryPoint uint32) errno.Errno {
	return t.Signals.SetHandler(p.PID, sig, uint64(entryPoint))
}

// SigRet implements SYSCALL_SIGRET: the trampoline the handler returns
// through traps here, and this restores the eip/esp a handOff displaced
// so execution resumes exactly where the signal interrupted it.
func (t *Table) SigRet(p *proc.Process) errno.Errno {
	t.Signals.Restore(p)
	return errno.None
}

// Sbrk implements SYSCALL_SBRK.
func (t *Table) Sbrk(p *proc.Process, delta int64) (uint64, errno.Errno) {
	return t.Procs.Sbrk(p, delta)
}

// Ioctl implements SYSCALL_IOCTL. It reports FileNotFound for an empty
// slot and NoDevice for every open fd, devfs nodes included; no control
// code is recognized, and request and arg are not inspected.
func (t *Table) Ioctl(p *proc.Process, slot int, request uint32, arg uint32) errno.Errno {
	fd := p.FD(slot)
	if fd == nil {
		return errno.FileNotFound
	}
	return errno.NoDevice
}
