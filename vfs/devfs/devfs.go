// Package devfs implements the synthetic /dev tree: a filesystem whose
// entries are block devices and character devices rather than on-disk
// data, built at boot from the attached block.Device list and growable
// at runtime via Register. Grounded on
// original_source/filesystem/devfs.c, which dispatches read/write on a
// per-entry device_type tag the same way this package dispatches on the
// kind of backing interface a node's Payload holds.
package devfs

import (
	"sync"

	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/storage/block"
	"github.com/vhaudiquet/vkernel/vfs"
)

// TTY is the character-device contract devfs dispatches to for interactive
// devices, mirroring the original's tty_getch/tty_write pair.
type TTY interface {
	ReadByte() (byte, errno.Errno)
	Write(buf []byte) (int, errno.Errno)
}

// kind distinguishes what a devfs node's Payload actually is.
type kind uint8

const (
	kindDir kind = iota
	kindBlockDevice
	kindBlockPartition
	kindTTY
)

type payload struct {
	kind      kind
	device    *block.Device
	partition int // index into device.Partitions for kindBlockPartition
	tty       TTY
	children  map[string]*vfs.Node
}

// FS is a devfs instance.
type FS struct {
	root    *vfs.Node
	nextIno uint64
	mu      sync.Mutex
}

// New builds an empty devfs with just a root directory; use PopulateBlockDevices
// and Register to add entries, the way boot wiring calls devfs_init() then
// devfs_register_device() in the original.
func New() *FS {
	fs := &FS{nextIno: 1}
	fs.root = &vfs.Node{Ino: 0, Name: "dev", FS: fs, Attr: vfs.AttrDir, Payload: &payload{kind: kindDir, children: map[string]*vfs.Node{}}}
	return fs
}

func (fs *FS) Root() *vfs.Node       { return fs.root }
func (fs *FS) CaseInsensitive() bool { return false }
func (fs *FS) ReadOnly() bool        { return true } // creation happens via Register, not the VFS

func (fs *FS) allocIno() uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.nextIno++
	return fs.nextIno
}

func dirOf(n *vfs.Node) *payload { return n.Payload.(*payload) }

// PopulateBlockDevices creates an "sdX" entry for each device, plus an
// "sdXN" entry per parsed partition, the way devfs_init enumerates
// block_devices at boot.
func (fs *FS) PopulateBlockDevices(devices []*block.Device) {
	root := dirOf(fs.root)
	for i, dev := range devices {
		letter := byte('a' + i)
		name := string([]byte{'s', 'd', letter})
		fs.addChild(root, name, &payload{kind: kindBlockDevice, device: dev})

		for j, part := range dev.Partitions {
			if part == nil {
				continue
			}
			pname := string([]byte{'s', 'd', letter, byte('1' + j)})
			fs.addChild(root, pname, &payload{kind: kindBlockPartition, device: dev, partition: j})
		}
	}
}

// Register adds a single device node at runtime, the counterpart of
// devfs_register_device for devices discovered after boot.
func (fs *FS) Register(name string, tty TTY) {
	fs.addChild(dirOf(fs.root), name, &payload{kind: kindTTY, tty: tty})
}

func (fs *FS) addChild(dir *payload, name string, p *payload) {
	attr := vfs.Attr(0)
	if p.kind == kindDir {
		attr = vfs.AttrDir
	}
	dir.children[name] = &vfs.Node{Ino: fs.allocIno(), Name: name, FS: fs, Attr: attr, Payload: p}
}

func (fs *FS) Open(dir *vfs.Node, name string) (*vfs.Node, errno.Errno) {
	d := dirOf(dir)
	child, ok := d.children[name]
	if !ok {
		return nil, errno.FileNotFound
	}
	return child, errno.None
}

func (fs *FS) ListDir(dir *vfs.Node) ([]vfs.DirEntry, errno.Errno) {
	d := dirOf(dir)
	out := make([]vfs.DirEntry, 0, len(d.children))
	for name, child := range d.children {
		out = append(out, vfs.DirEntry{Name: name, Ino: child.Ino, Attr: child.Attr})
	}
	return out, errno.None
}

func (fs *FS) ReadFile(n *vfs.Node, buf []byte, off uint64) (int, errno.Errno) {
	p := dirOf(n)
	switch p.kind {
	case kindBlockDevice:
		if err := p.device.Read(0, uint32(off), buf); !err.Ok() {
			return 0, err
		}
		return len(buf), errno.None
	case kindBlockPartition:
		part := p.device.Partitions[p.partition]
		if err := p.device.Read(uint64(part.StartLBA), uint32(off), buf); !err.Ok() {
			return 0, err
		}
		return len(buf), errno.None
	case kindTTY:
		b, err := p.tty.ReadByte()
		if !err.Ok() {
			return 0, err
		}
		if len(buf) == 0 {
			return 0, errno.None
		}
		buf[0] = b
		return 1, errno.None
	}
	return 0, errno.FileFSInternal
}

func (fs *FS) WriteFile(n *vfs.Node, buf []byte, off uint64) (int, errno.Errno) {
	p := dirOf(n)
	switch p.kind {
	case kindBlockDevice:
		if err := p.device.Write(0, uint32(off), buf); !err.Ok() {
			return 0, err
		}
		return len(buf), errno.None
	case kindBlockPartition:
		part := p.device.Partitions[p.partition]
		if err := p.device.Write(uint64(part.StartLBA), uint32(off), buf); !err.Ok() {
			return 0, err
		}
		return len(buf), errno.None
	case kindTTY:
		return p.tty.Write(buf)
	}
	return 0, errno.FileFSInternal
}

func (fs *FS) Rename(dir *vfs.Node, oldName, newName string) errno.Errno {
	return errno.Permission
}

func (fs *FS) Unlink(dir *vfs.Node, name string) errno.Errno {
	return errno.Permission
}

func (fs *FS) CreateFile(dir *vfs.Node, name string, attrs vfs.Attr) (*vfs.Node, errno.Errno) {
	return nil, errno.Permission
}
