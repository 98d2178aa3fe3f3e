package vfs

import (
	"time"

	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/internal/klog"
)

// VFS is the filesystem-agnostic core: the mount table, the inode cache,
// and the uniform open/read/write/seek/stat/readdir/rename/unlink/create
// operations spec.md §4.6 asks for, dispatching through each mount's
// FileSystem vtable. Grounded on the path-walking and node-caching split
// between go-fuse's pathfs.PathNodeFs and its inode store.
type VFS struct {
	mounts []mount
	cache  *inodeCache
	log    klog.Logger
	halt   klog.HaltFunc
}

// New creates an empty VFS with rootFS mounted at "/".
func New(rootFS FileSystem, log klog.Logger, halt klog.HaltFunc) *VFS {
	if log == nil {
		log = klog.Default()
	}
	v := &VFS{cache: newInodeCache(), log: log, halt: halt}
	v.mounts = append(v.mounts, mount{path: "/", fs: rootFS})
	v.cache.put(cacheKey{fs: rootFS, ino: rootFS.Root().Ino}, rootFS.Root())
	return v
}

// Mount grafts fs onto path, which must already exist as a directory
// resolvable from an existing mount. The directory node is marked as a
// mount point so path resolution hands off to fs.Root() underneath it.
func (v *VFS) Mount(path string, fs FileSystem) errno.Errno {
	path = cleanPath(path)
	if path != "/" {
		dir, err := v.lookup(path)
		if !err.Ok() {
			return err
		}
		if !dir.Attr.IsDir() {
			return errno.FileFSInternal
		}
		dir.Attr |= AttrMountPoint
		dir.mountedFS = fs
	}
	v.mounts = append(v.mounts, mount{path: path, fs: fs})
	v.cache.put(cacheKey{fs: fs, ino: fs.Root().Ino}, fs.Root())
	return errno.None
}

// lookup walks path component by component starting from the owning
// mount's root, calling the filesystem's Open for each component and then
// substituting the cached node when one with the same (filesystem, ino)
// key is already in the inode cache.
func (v *VFS) lookup(path string) (*Node, errno.Errno) {
	m, rest := v.findMount(path)
	if m == nil {
		return nil, errno.FileNotFound
	}
	cur := m.fs.Root()
	for _, name := range rest {
		if cur.Attr.IsMountPoint() && cur.mountedFS != nil {
			cur = cur.mountedFS.Root()
		}
		if !cur.Attr.IsDir() {
			return nil, errno.FileFSInternal
		}
		fs := cur.FS
		if fs == nil {
			fs = m.fs
		}
		key := cacheKey{fs: fs, ino: cur.Ino}
		_ = key
		next, err := fs.Open(cur, name)
		if !err.Ok() {
			return nil, err
		}
		if cached := v.cache.get(cacheKey{fs: fs, ino: next.Ino}); cached != nil {
			next = cached
		} else {
			v.cache.put(cacheKey{fs: fs, ino: next.Ino}, next)
		}
		cur = next
	}
	if cur.Attr.IsMountPoint() && cur.mountedFS != nil {
		cur = cur.mountedFS.Root()
	}
	return cur, errno.None
}

// parentAndName splits a path into its directory and final component,
// e.g. "/a/b/c" -> ("/a/b", "c").
func parentAndName(path string) (string, string) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return "/", ""
	}
	dir := "/"
	if len(parts) > 1 {
		dir = cleanPath("/" + joinParts(parts[:len(parts)-1]))
	}
	return dir, parts[len(parts)-1]
}

func joinParts(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}

// OpenFile resolves path and returns a new fd over it. ModeCreate creates
// the file if it is missing.
func (v *VFS) OpenFile(path string, mode Mode) (*FD, errno.Errno) {
	path = cleanPath(path)
	node, err := v.lookup(path)
	if err == errno.FileNotFound && mode&ModeCreate != 0 {
		dirPath, name := parentAndName(path)
		dir, derr := v.lookup(dirPath)
		if !derr.Ok() {
			return nil, derr
		}
		fs := dir.FS
		if fs == nil {
			m, _ := v.findMount(dirPath)
			fs = m.fs
		}
		if fs.ReadOnly() {
			return nil, errno.Permission
		}
		created, cerr := fs.CreateFile(dir, name, 0)
		if !cerr.Ok() {
			return nil, cerr
		}
		v.cache.put(cacheKey{fs: fs, ino: created.Ino}, created)
		node = created
		err = errno.None
	}
	if !err.Ok() {
		return nil, err
	}
	if mode&ModeWrite != 0 {
		fs := node.FS
		if fs != nil && fs.ReadOnly() {
			return nil, errno.Permission
		}
	}
	v.cache.openFDs++
	return &FD{Node: node, Mode: mode}, errno.None
}

// CloseFile releases the fd's accounting weight against the inode cache's
// size budget. It does not evict the underlying node — the cache may
// still be warm for the next open of the same path.
func (v *VFS) CloseFile(fd *FD) {
	if v.cache.openFDs > 0 {
		v.cache.openFDs--
	}
}

func (v *VFS) fsFor(n *Node) FileSystem {
	if n.FS != nil {
		return n.FS
	}
	return nil
}

// ReadFile reads into buf at the fd's current offset and advances it.
func (v *VFS) ReadFile(fd *FD, buf []byte) (int, errno.Errno) {
	if fd.Mode&ModeRead == 0 {
		return 0, errno.Permission
	}
	fs := v.fsFor(fd.Node)
	if fs == nil {
		return 0, errno.FileFSInternal
	}
	n, err := fs.ReadFile(fd.Node, buf, fd.Offset)
	if err.Ok() || err == errno.EOF {
		fd.Offset += uint64(n)
	}
	return n, err
}

// WriteFile writes buf at the fd's current offset and advances it.
func (v *VFS) WriteFile(fd *FD, buf []byte) (int, errno.Errno) {
	if fd.Mode&ModeWrite == 0 {
		return 0, errno.Permission
	}
	fs := v.fsFor(fd.Node)
	if fs == nil {
		return 0, errno.FileFSInternal
	}
	n, err := fs.WriteFile(fd.Node, buf, fd.Offset)
	if err.Ok() {
		fd.Offset += uint64(n)
		if fd.Offset > fd.Node.Size {
			fd.Node.Size = fd.Offset
		}
		fd.Node.Mtime = time.Time{}
	}
	return n, err
}

// Seek repositions the fd's offset and returns the new absolute offset.
func (v *VFS) Seek(fd *FD, off int64, whence int) (uint64, errno.Errno) {
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = int64(fd.Offset)
	case SeekEnd:
		base = int64(fd.Node.Size)
	default:
		return fd.Offset, errno.InvalidPtr
	}
	newOff := base + off
	if newOff < 0 {
		return fd.Offset, errno.FileOut
	}
	fd.Offset = uint64(newOff)
	return fd.Offset, errno.None
}

// ReadDirectory lists the fd's directory node.
func (v *VFS) ReadDirectory(fd *FD) ([]DirEntry, errno.Errno) {
	if !fd.Node.Attr.IsDir() {
		return nil, errno.FileFSInternal
	}
	fs := v.fsFor(fd.Node)
	if fs == nil {
		return nil, errno.FileFSInternal
	}
	return fs.ListDir(fd.Node)
}

// Stat returns the fd's current attributes.
func (v *VFS) Stat(fd *FD) (Stat, errno.Errno) {
	n := fd.Node
	return Stat{
		Size: n.Size, Attr: n.Attr, Links: n.Links,
		Atime: n.Atime, Mtime: n.Mtime, Ctime: n.Ctime, Ino: n.Ino,
	}, errno.None
}

// Rename moves a file or directory from oldPath to newPath within the
// same filesystem. Cross-filesystem renames are not supported, matching
// the original's single-mount rename() semantics.
func (v *VFS) Rename(oldPath, newPath string) errno.Errno {
	oldDirPath, oldName := parentAndName(cleanPath(oldPath))
	newDirPath, newName := parentAndName(cleanPath(newPath))
	oldDir, err := v.lookup(oldDirPath)
	if !err.Ok() {
		return err
	}
	newDir, err := v.lookup(newDirPath)
	if !err.Ok() {
		return err
	}
	if oldDir.FS != newDir.FS {
		return errno.FileFSInternal
	}
	fs := oldDir.FS
	if fs == nil {
		m, _ := v.findMount(oldDirPath)
		fs = m.fs
	}
	if fs.ReadOnly() {
		return errno.Permission
	}
	if oldDirPath != newDirPath {
		// Moves that also change the parent directory aren't modeled by
		// the single-dir FileSystem.Rename signature; reject rather than
		// silently truncating to a same-directory rename.
		return errno.FileFSInternal
	}
	return fs.Rename(oldDir, oldName, newName)
}

// Unlink removes a directory entry.
func (v *VFS) Unlink(path string) errno.Errno {
	dirPath, name := parentAndName(cleanPath(path))
	dir, err := v.lookup(dirPath)
	if !err.Ok() {
		return err
	}
	fs := dir.FS
	if fs == nil {
		m, _ := v.findMount(dirPath)
		fs = m.fs
	}
	if fs.ReadOnly() {
		return errno.Permission
	}
	if err := fs.Unlink(dir, name); !err.Ok() {
		return err
	}
	v.cache.invalidate(cacheKey{fs: fs, ino: dir.Ino})
	return errno.None
}

// MountInfo describes one live mount, returned by Mounts for the
// filesystem-info syscall.
type MountInfo struct {
	Path     string
	ReadOnly bool
}

// Mounts lists every live mount point, in mount order.
func (v *VFS) Mounts() []MountInfo {
	out := make([]MountInfo, 0, len(v.mounts))
	for _, m := range v.mounts {
		out = append(out, MountInfo{Path: m.path, ReadOnly: m.fs.ReadOnly()})
	}
	return out
}

// CreateFile creates an empty file at path with the given attribute bits.
func (v *VFS) CreateFile(path string, attrs Attr) (*Node, errno.Errno) {
	dirPath, name := parentAndName(cleanPath(path))
	dir, err := v.lookup(dirPath)
	if !err.Ok() {
		return nil, err
	}
	fs := dir.FS
	if fs == nil {
		m, _ := v.findMount(dirPath)
		fs = m.fs
	}
	if fs.ReadOnly() {
		return nil, errno.Permission
	}
	n, err := fs.CreateFile(dir, name, attrs)
	if !err.Ok() {
		return nil, err
	}
	v.cache.put(cacheKey{fs: fs, ino: n.Ino}, n)
	return n, errno.None
}
