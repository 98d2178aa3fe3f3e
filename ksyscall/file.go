package ksyscall

import (
	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/proc"
	"github.com/vhaudiquet/vkernel/vfs"
)

// Open implements SYSCALL_OPEN: resolve the path at ebx relative to p's
// working directory, open it with the mode bits in ecx, and install the
// result at the first free descriptor slot.
func (t *Table) Open(p *proc.Process, pathPtr uint32, mode uint8) (int, errno.Errno) {
	if !t.ptrValidate(pathPtr, p) {
		return 0, errno.InvalidPtr
	}
	path, err := t.readCString(p, pathPtr)
	if !err.Ok() {
		return 0, err
	}
	fd, err := t.VFS.OpenFile(resolvePath(p, path), vfs.Mode(mode))
	if !err.Ok() {
		t.log.Printf("open %q by pid %d failed: %v", path, p.PID, err)
		return 0, errno.FileNotFound
	}
	slot := p.AllocFD(fd)
	t.log.Printf("open %q by pid %d = fd %d", path, p.PID, slot)
	return slot, errno.None
}

// Close implements SYSCALL_CLOSE. Closing an unknown or reserved slot is a
// silent no-op, matching the original's "only act if files[ebx] is set".
func (t *Table) Close(p *proc.Process, slot int) errno.Errno {
	if slot < firstUserFD {
		return errno.None
	}
	fd := p.ClearFD(slot)
	if fd == nil {
		return errno.None
	}
	t.VFS.CloseFile(fd)
	return errno.None
}

// Read implements SYSCALL_READ.
func (t *Table) Read(p *proc.Process, slot int, bufPtr uint32, count uint32) (int, errno.Errno) {
	fd := p.FD(slot)
	if fd == nil {
		return 0, errno.FileNotFound
	}
	if !t.ptrValidate(bufPtr, p) {
		return 0, errno.InvalidPtr
	}
	buf := make([]byte, count)
	n, err := t.VFS.ReadFile(fd, buf)
	if n > 0 {
		if werr := t.PG.WriteVirtual(p.PageDir, uint64(bufPtr), buf[:n]); !werr.Ok() {
			return 0, werr
		}
	}
	if err == errno.EOF {
		err = errno.None
	}
	return n, err
}

// Write implements SYSCALL_WRITE.
func (t *Table) Write(p *proc.Process, slot int, bufPtr uint32, count uint32) (int, errno.Errno) {
	fd := p.FD(slot)
	if fd == nil {
		return 0, errno.FileNotFound
	}
	if !t.ptrValidate(bufPtr, p) {
		return 0, errno.InvalidPtr
	}
	buf := make([]byte, count)
	if err := t.PG.ReadVirtual(p.PageDir, uint64(bufPtr), buf); !err.Ok() {
		return 0, err
	}
	return t.VFS.WriteFile(fd, buf)
}

// Seek implements SYSCALL_SEEK and returns the new absolute offset.
func (t *Table) Seek(p *proc.Process, slot int, offset int32, whence int) (uint32, errno.Errno) {
	fd := p.FD(slot)
	if fd == nil {
		return 0, errno.FileNotFound
	}
	off, err := t.VFS.Seek(fd, int64(offset), whence)
	return uint32(off), err
}

// statLayout is the fixed 13-word record syscall_stat writes to user
// memory, field for field matching the original's ptr[0..12] layout
// (device id, inode, mode, links, uid, gid, rdev, size, atime, mtime,
// ctime, block size, block count).
type statLayout [13]uint32

// Stat implements SYSCALL_STAT, writing a statLayout to edx.
func (t *Table) Stat(p *proc.Process, slot int, outPtr uint32) errno.Errno {
	fd := p.FD(slot)
	if fd == nil {
		return errno.FileNotFound
	}
	if !t.ptrValidate(outPtr, p) {
		return errno.InvalidPtr
	}
	st, err := t.VFS.Stat(fd)
	if !err.Ok() {
		return err
	}
	var rec statLayout
	rec[1] = uint32(st.Ino)
	rec[3] = st.Links
	rec[7] = uint32(st.Size)
	rec[8] = uint32(st.Atime.Unix())
	rec[9] = uint32(st.Mtime.Unix())
	rec[10] = uint32(st.Ctime.Unix())
	rec[11] = 512
	rec[12] = uint32(st.Size / 512)

	buf := make([]byte, 0, 4*len(rec))
	for _, w := range rec {
		buf = append(buf, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
	}
	return t.PG.WriteVirtual(p.PageDir, uint64(outPtr), buf)
}

// Rename implements SYSCALL_RENAME.
func (t *Table) Rename(p *proc.Process, oldPtr, newPtr uint32) errno.Errno {
	if !t.ptrValidate(oldPtr, p) || !t.ptrValidate(newPtr, p) {
		return errno.InvalidPtr
	}
	oldPath, err := t.readCString(p, oldPtr)
	if !err.Ok() {
		return err
	}
	newPath, err := t.readCString(p, newPtr)
	if !err.Ok() {
		return err
	}
	return t.VFS.Rename(resolvePath(p, oldPath), resolvePath(p, newPath))
}

// Unlink implements SYSCALL_UNLINK.
func (t *Table) Unlink(p *proc.Process, pathPtr uint32) errno.Errno {
	if !t.ptrValidate(pathPtr, p) {
		return errno.InvalidPtr
	}
	path, err := t.readCString(p, pathPtr)
	if !err.Ok() {
		return err
	}
	return t.VFS.Unlink(resolvePath(p, path))
}

// Link implements SYSCALL_LINK. Every backing filesystem (ramfs, devfs,
// fat32, ext2, iso9660) models a file as exactly one directory entry with
// no separate link count a second name could share, so hard links are
// rejected outright rather than faked as a copy.
func (t *Table) Link(p *proc.Process, oldPtr, newPtr uint32) errno.Errno {
	if !t.ptrValidate(oldPtr, p) || !t.ptrValidate(newPtr, p) {
		return errno.InvalidPtr
	}
	return errno.Permission
}

// Mkdir implements SYSCALL_MKDIR.
func (t *Table) Mkdir(p *proc.Process, pathPtr uint32) errno.Errno {
	if !t.ptrValidate(pathPtr, p) {
		return errno.InvalidPtr
	}
	path, err := t.readCString(p, pathPtr)
	if !err.Ok() {
		return err
	}
	_, cerr := t.VFS.CreateFile(resolvePath(p, path), vfs.AttrDir)
	return cerr
}

// Readdir implements SYSCALL_READDIR: ecx selects the entry index within
// the directory's listing, edx is where the "inode + NUL-terminated name"
// record is written, matching the dirent layout syscalls.c builds by hand.
func (t *Table) Readdir(p *proc.Process, slot int, index uint32, outPtr uint32) errno.Errno {
	fd := p.FD(slot)
	if fd == nil {
		return errno.FileNotFound
	}
	if !t.ptrValidate(outPtr, p) {
		return errno.InvalidPtr
	}
	entries, err := t.VFS.ReadDirectory(fd)
	if !err.Ok() {
		return err
	}
	if index >= uint32(len(entries)) {
		return errno.FileOut
	}
	e := entries[index]
	name := e.Name
	if len(name) > 255 {
		name = name[:255]
	}
	buf := make([]byte, 4+len(name)+1)
	ino := uint32(e.Ino)
	buf[0], buf[1], buf[2], buf[3] = byte(ino), byte(ino>>8), byte(ino>>16), byte(ino>>24)
	copy(buf[4:], name)
	return t.PG.WriteVirtual(p.PageDir, uint64(outPtr), buf)
}

// OpenIO implements SYSCALL_OPENIO: it allocates an anonymous, unnamed
// in-memory stream not reachable from any path, for pipe-like producer/
// consumer use between a process and the kernel.
func (t *Table) OpenIO(p *proc.Process) (int, errno.Errno) {
	node, err := t.anon.CreateFile(t.anon.Root(), anonStreamName(p), 0)
	if !err.Ok() {
		return 0, err
	}
	fd := &vfs.FD{Node: node, Mode: vfs.ModeRead | vfs.ModeWrite}
	return p.AllocFD(fd), errno.None
}

var anonStreamCounter uint64

func anonStreamName(p *proc.Process) string {
	anonStreamCounter++
	return "iostream-" + itoa(uint64(p.PID)) + "-" + itoa(anonStreamCounter)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Dup implements SYSCALL_DUP. newSlot == 0 means "pick the lowest free
// slot >= firstUserFD", matching the original's "if(ecx)" branch.
func (t *Table) Dup(p *proc.Process, slot int, newSlot int) (int, errno.Errno) {
	fd := p.FD(slot)
	if fd == nil {
		return 0, errno.FileNotFound
	}
	if newSlot == 0 {
		return p.AllocFD(fd), errno.None
	}
	if newSlot < firstUserFD {
		return 0, errno.Unknown
	}
	if old := p.SetFD(newSlot, fd); old != nil {
		t.VFS.CloseFile(old)
	}
	return newSlot, errno.None
}

// Finfo implements SYSCALL_FINFO.
func (t *Table) Finfo(p *proc.Process, slot int, selector uint32, outPtr uint32) errno.Errno {
	fd := p.FD(slot)
	if fd == nil {
		return errno.FileNotFound
	}
	if !t.ptrValidate(outPtr, p) {
		return errno.InvalidPtr
	}
	switch selector {
	case FinfoDeviceType:
		val := uint32(NotADevice)
		buf := []byte{byte(val), byte(val >> 8), byte(val >> 16), byte(val >> 24)}
		return t.PG.WriteVirtual(p.PageDir, uint64(outPtr), buf)
	default:
		return errno.Unknown
	}
}

// Fsinfo implements SYSCALL_FSINFO. FsinfoMountedCount writes the mount
// count to ecx; FsinfoMountedAll isn't modeled as a fixed-size statfs[]
// array the way the original's ptr++ loop is, since the count is unbounded
// here — callers needing the full list should be built against a future
// paged variant, so it currently only reports the count.
func (t *Table) Fsinfo(p *proc.Process, selector uint32, outPtr uint32) errno.Errno {
	if !t.ptrValidate(outPtr, p) {
		return errno.InvalidPtr
	}
	mounts := t.VFS.Mounts()
	switch selector {
	case FsinfoMountedCount, FsinfoMountedAll:
		n := uint32(len(mounts))
		buf := []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
		return t.PG.WriteVirtual(p.PageDir, uint64(outPtr), buf)
	default:
		return errno.Unknown
	}
}

// Mount and Umount are no-ops in the original too (syscall_mount and
// syscall_umount have empty bodies in syscalls.c); mounting happens at
// boot via vfs.VFS.Mount directly, not through user space.
func (t *Table) Mount(p *proc.Process) errno.Errno  { return errno.None }
func (t *Table) Umount(p *proc.Process) errno.Errno { return errno.None }
