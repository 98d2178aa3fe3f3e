// Package ramfs implements a purely in-memory tree filesystem, used as the
// kernel's root during the scenarios spec.md §8 describes (boot, /sys/init)
// and anywhere a writable scratch filesystem is needed without backing
// storage. Grounded on original_source/filesystem/ramfs.c, restructured
// around vfs.FileSystem the way go-fuse's nodefs.Inode tree models an
// entirely synthetic filesystem.
package ramfs

import (
	"sync"
	"time"

	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/vfs"
)

// entry is the format-specific payload ramfs stashes in vfs.Node.Payload:
// either file bytes or a directory's children, keyed by name.
type entry struct {
	mu       sync.Mutex
	data     []byte
	children map[string]*vfs.Node
}

// FS is a ramfs instance. Every Node it returns has Payload set to an
// *entry and FS set to the instance itself.
type FS struct {
	root    *vfs.Node
	nextIno uint64
	mu      sync.Mutex
}

// New creates an empty ramfs with an empty root directory.
func New() *FS {
	fs := &FS{nextIno: 1}
	fs.root = &vfs.Node{
		Ino: 0, Name: "/", FS: fs, Attr: vfs.AttrDir,
		Payload: &entry{children: map[string]*vfs.Node{}},
	}
	return fs
}

func (fs *FS) Root() *vfs.Node        { return fs.root }
func (fs *FS) CaseInsensitive() bool  { return false }
func (fs *FS) ReadOnly() bool         { return false }

func (fs *FS) allocIno() uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.nextIno++
	return fs.nextIno
}

func dirEntry(n *vfs.Node) *entry { return n.Payload.(*entry) }

func (fs *FS) Open(dir *vfs.Node, name string) (*vfs.Node, errno.Errno) {
	e := dirEntry(dir)
	e.mu.Lock()
	defer e.mu.Unlock()
	child, ok := e.children[name]
	if !ok {
		return nil, errno.FileNotFound
	}
	return child, errno.None
}

func (fs *FS) ListDir(dir *vfs.Node) ([]vfs.DirEntry, errno.Errno) {
	e := dirEntry(dir)
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]vfs.DirEntry, 0, len(e.children))
	for name, child := range e.children {
		out = append(out, vfs.DirEntry{Name: name, Ino: child.Ino, Attr: child.Attr})
	}
	return out, errno.None
}

func (fs *FS) ReadFile(n *vfs.Node, buf []byte, off uint64) (int, errno.Errno) {
	e := dirEntry(n)
	e.mu.Lock()
	defer e.mu.Unlock()
	if off >= uint64(len(e.data)) {
		return 0, errno.EOF
	}
	c := copy(buf, e.data[off:])
	return c, errno.None
}

func (fs *FS) WriteFile(n *vfs.Node, buf []byte, off uint64) (int, errno.Errno) {
	e := dirEntry(n)
	e.mu.Lock()
	defer e.mu.Unlock()
	end := off + uint64(len(buf))
	if end > uint64(len(e.data)) {
		grown := make([]byte, end)
		copy(grown, e.data)
		e.data = grown
	}
	copy(e.data[off:], buf)
	n.Size = uint64(len(e.data))
	n.Mtime = time.Time{}
	return len(buf), errno.None
}

func (fs *FS) Rename(dir *vfs.Node, oldName, newName string) errno.Errno {
	e := dirEntry(dir)
	e.mu.Lock()
	defer e.mu.Unlock()
	child, ok := e.children[oldName]
	if !ok {
		return errno.FileNotFound
	}
	if _, clash := e.children[newName]; clash {
		return errno.FileFSInternal
	}
	delete(e.children, oldName)
	child.Name = newName
	e.children[newName] = child
	return errno.None
}

func (fs *FS) Unlink(dir *vfs.Node, name string) errno.Errno {
	e := dirEntry(dir)
	e.mu.Lock()
	defer e.mu.Unlock()
	child, ok := e.children[name]
	if !ok {
		return errno.FileNotFound
	}
	if child.Attr.IsDir() && len(dirEntry(child).children) > 0 {
		return errno.FileFSInternal
	}
	delete(e.children, name)
	return errno.None
}

func (fs *FS) CreateFile(dir *vfs.Node, name string, attrs vfs.Attr) (*vfs.Node, errno.Errno) {
	e := dirEntry(dir)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.children[name]; exists {
		return nil, errno.FileFSInternal
	}
	var payload *entry
	if attrs.IsDir() {
		payload = &entry{children: map[string]*vfs.Node{}}
	} else {
		payload = &entry{}
	}
	child := &vfs.Node{
		Ino: fs.allocIno(), Name: name, FS: fs, Attr: attrs, Links: 1,
		Payload: payload,
	}
	e.children[name] = child
	return child, errno.None
}

// Mkdir is a convenience used by boot-time population code (spec.md's
// devfs-at-boot step) to build out directory scaffolding without going
// through the full vfs.VFS path resolver.
func (fs *FS) Mkdir(dir *vfs.Node, name string) (*vfs.Node, errno.Errno) {
	return fs.CreateFile(dir, name, vfs.AttrDir)
}
