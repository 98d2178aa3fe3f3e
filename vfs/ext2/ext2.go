// Package ext2 recognizes an ext2 superblock (signature 0xEF53 at byte 56
// of block 1, per original_source/filesystem/ext2.h's ext2_superblock_t)
// so a partition can be identified and mounted read-only metadata-wise,
// but does not implement the block-group/inode-table walk needed for real
// file I/O — that is the part of ext2_init/ext2_read_file/ext2_list_dir
// left unimplemented here, tracked in this repository's design notes as a
// deliberate scope cut rather than an oversight.
package ext2

import (
	"encoding/binary"

	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/storage/block"
	"github.com/vhaudiquet/vkernel/vfs"
)

const superblockSignature = 0xEF53

// superblockOffset is the superblock's fixed position: 1024 bytes into
// the volume, regardless of sector size.
const superblockOffset = 1024

// Probe reads the superblock at partitionStartLBA and reports whether it
// carries ext2's magic number, without mounting the filesystem.
func Probe(dev block.Transfer, partitionStartLBA uint32) (bool, errno.Errno) {
	buf := make([]byte, 512)
	sector := uint64(partitionStartLBA) + superblockOffset/block.SectorSize
	if err := dev.ReadAt(sector, 0, buf); !err.Ok() {
		return false, err
	}
	sig := binary.LittleEndian.Uint16(buf[56:58])
	return sig == superblockSignature, errno.None
}

// FS is a recognized-but-unmounted ext2 volume: it satisfies vfs.FileSystem
// so it can occupy a devfs-discovered mount point, but lookups, listings
// and reads report errno.FileFSInternal and writes and other mutations
// report errno.Permission, rather than silently fabricating data.
type FS struct {
	root *vfs.Node
}

// Mount validates the superblock signature and returns a stub FS. Callers
// that need real ext2 file access should not rely on this package yet.
func Mount(dev block.Transfer, partitionStartLBA uint32) (*FS, errno.Errno) {
	ok, err := Probe(dev, partitionStartLBA)
	if !err.Ok() {
		return nil, err
	}
	if !ok {
		return nil, errno.FileFSInternal
	}
	fs := &FS{}
	fs.root = &vfs.Node{Ino: 2, Name: "/", FS: fs, Attr: vfs.AttrDir}
	return fs, errno.None
}

func (fs *FS) Root() *vfs.Node       { return fs.root }
func (fs *FS) CaseInsensitive() bool { return false }
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
