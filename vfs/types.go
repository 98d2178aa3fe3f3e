// Package vfs implements the filesystem-agnostic core described in
// spec.md §4.6: the mount table, path resolver, inode cache, and uniform
// fd operations sitting above a vtable each concrete filesystem
// implements. Grounded on original_source/filesystem/vfs.c and fs.h, and
// modeled on the InodeEmbedder/FileSystem split in go-fuse's fs and
// pathfs packages.
package vfs

import (
	"time"

	"github.com/vhaudiquet/vkernel/errno"
)

// Attr is the set of attribute bits a Node carries.
type Attr uint8

const (
	AttrDir Attr = 1 << iota
	AttrHidden
	AttrMountPoint
)

func (a Attr) IsDir() bool        { return a&AttrDir != 0 }
func (a Attr) IsHidden() bool     { return a&AttrHidden != 0 }
func (a Attr) IsMountPoint() bool { return a&AttrMountPoint != 0 }

// DirEntry is one entry returned from a directory listing.
type DirEntry struct {
	Name string
	Ino  uint64
	Attr Attr
}

// Node is the VFS's in-memory representation of a filesystem's inode: the
// fields every format shares, plus an opaque Payload for format-specific
// state (a FAT32 cluster chain, ext2 block pointers, a devfs device
// descriptor).
type Node struct {
	Ino     uint64 // on-disk identity, used as the inode-cache key
	Name    string
	FS      FileSystem
	Size    uint64
	Attr    Attr
	Links   uint32
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
	Payload interface{}

	// mountedFS is set when Attr.IsMountPoint() and path resolution
	// should continue from mountedFS.Root() instead of treating this
	// node as a leaf.
	mountedFS FileSystem
}

// Stat is the attribute structure returned by the stat syscall.
type Stat struct {
	Size  uint64
	Attr  Attr
	Links uint32
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
	Ino   uint64
}

// FileSystem is the vtable every concrete on-disk format implements. All
// error reporting uses errno.Errno, the same discipline go-fuse's fs
// package applies to syscall.Errno.
type FileSystem interface {
	// Root returns the filesystem's root node, valid for the mount's
	// entire lifetime.
	Root() *Node
	// CaseInsensitive reports whether path components should be
	// compared case-insensitively when resolving against this
	// filesystem.
	CaseInsensitive() bool
	// ReadOnly reports whether mutating operations should fail with
	// errno.Permission.
	ReadOnly() bool

	Open(dir *Node, name string) (*Node, errno.Errno)
	ListDir(dir *Node) ([]DirEntry, errno.Errno)
	ReadFile(n *Node, buf []byte, off uint64) (int, errno.Errno)
	WriteFile(n *Node, buf []byte, off uint64) (int, errno.Errno)
	Rename(dir *Node, oldName, newName string) errno.Errno
	Unlink(dir *Node, name string) errno.Errno
	CreateFile(dir *Node, name string, attrs Attr) (*Node, errno.Errno)
}

// Mode bits for OpenFile, mirroring the fixed set spec.md's syscall table
// passes through unchanged.
type Mode uint8

const (
	ModeRead Mode = 1 << iota
	ModeWrite
	ModeCreate
)

// Whence values for Seek.
const (
	SeekSet = iota
	SeekCur
	SeekEnd
)

// FD is an open file: spec.md's "Open file (fd)" — an inode reference plus
// a monotone byte offset.
type FD struct {
	Node   *Node
	Offset uint64
	Mode   Mode
}
