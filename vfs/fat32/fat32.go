// Package fat32 implements a functional (not merely signature-checking)
// FAT32 filesystem: BPB parsing, an in-memory FAT loaded at mount time,
// cluster-chain directory and file I/O, and 8.3 name directory entries.
// Long file names are recognized and skipped rather than decoded — the
// original's lfn_entry_t chain reconstruction is involved enough to be a
// feature of its own, and nothing in the boot/test scenarios needs names
// longer than 8.3. Grounded on original_source/filesystem/fat32.c and
// fat32.h.
package fat32

import (
	"encoding/binary"
	"strings"

	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/storage/block"
	"github.com/vhaudiquet/vkernel/vfs"
)

const dirEntrySize = 32

// attribute bits, bpb.h's FAT_ATTR_*.
const (
	attrReadOnly = 0x01
	attrHidden   = 0x02
	attrSystem   = 0x04
	attrVolumeID = 0x08
	attrDir      = 0x10
	attrArchive  = 0x20
	attrLFN      = attrReadOnly | attrHidden | attrSystem | attrVolumeID
)

const (
	entryFree     = 0x00
	entryDeleted  = 0xE5
	fatEntryMask  = 0x0FFFFFFF
	fatEOCMin     = 0x0FFFFFF8
	fatFreeMarker = 0x00000000
)

// bpb holds the BIOS Parameter Block fields this implementation needs,
// parsed from the raw boot sector the way original_source reads the
// packed bpb_t struct directly off disk.
type bpb struct {
	bytesPerSector    uint16
	sectorsPerCluster uint8
	reservedSectors   uint16
	numFATs           uint8
	fatSize           uint32
	rootCluster       uint32
}

func parseBPB(sector []byte) bpb {
	return bpb{
		bytesPerSector:    binary.LittleEndian.Uint16(sector[11:13]),
		sectorsPerCluster: sector[13],
		reservedSectors:   binary.LittleEndian.Uint16(sector[14:16]),
		numFATs:           sector[16],
		fatSize:           binary.LittleEndian.Uint32(sector[36:40]),
		rootCluster:       binary.LittleEndian.Uint32(sector[44:48]),
	}
}

// Signature checks the bytes every FAT32 volume carries at the end of its
// boot sector, used before committing to a full mount.
func Signature(sector []byte) bool {
	return len(sector) >= 512 && sector[510] == 0x55 && sector[511] == 0xAA
}

type nodeInfo struct {
	cluster      uint32 // first data cluster; 0 for an empty file awaiting allocation
	dirCluster   uint32 // cluster holding this entry's 32-byte dirent
	dirEntryByte uint32 // byte offset of the dirent within dirCluster's chain
	isRoot       bool
}

// FS is a mounted FAT32 volume.
type FS struct {
	dev            block.Transfer
	partitionStart uint32 // sector offset of the partition this volume lives in
	bpb            bpb
	fat            []uint32
	root           *vfs.Node
	readOnly       bool
}

// Mount parses the BPB at the partition's first sector, loads the first
// FAT copy into memory, and returns a ready FS.
func Mount(dev block.Transfer, partitionStartLBA uint32) (*FS, errno.Errno) {
	sector := make([]byte, block.SectorSize)
	if err := dev.ReadAt(uint64(partitionStartLBA), 0, sector); !err.Ok() {
		return nil, err
	}
	if !Signature(sector) {
		return nil, errno.FileFSInternal
	}
	b := parseBPB(sector)

	fs := &FS{dev: dev, partitionStart: partitionStartLBA, bpb: b}
	if err := fs.loadFAT(); !err.Ok() {
		return nil, err
	}
	fs.root = &vfs.Node{Ino: uint64(b.rootCluster), Name: "/", FS: fs, Attr: vfs.AttrDir,
		Payload: &nodeInfo{cluster: b.rootCluster, isRoot: true}}
	return fs, errno.None
}

func (fs *FS) Root() *vfs.Node       { return fs.root }
func (fs *FS) CaseInsensitive() bool { return true }
func (fs *FS) ReadOnly() bool        { return fs.readOnly }

func (fs *FS) firstDataSector() uint32 {
	return uint32(fs.bpb.reservedSectors) + uint32(fs.bpb.numFATs)*fs.bpb.fatSize
}

func (fs *FS) clusterLBA(cluster uint32) uint64 {
	return uint64(fs.partitionStart) + uint64(fs.firstDataSector()) + uint64(cluster-2)*uint64(fs.bpb.sectorsPerCluster)
}

func (fs *FS) clusterBytes() int {
	return int(fs.bpb.sectorsPerCluster) * block.SectorSize
}

func (fs *FS) loadFAT() errno.Errno {
	buf := make([]byte, fs.bpb.fatSize*block.SectorSize)
	if err := fs.dev.ReadAt(uint64(fs.partitionStart)+uint64(fs.bpb.reservedSectors), 0, buf); !err.Ok() {
		return err
	}
	fs.fat = make([]uint32, len(buf)/4)
	for i := range fs.fat {
		fs.fat[i] = binary.LittleEndian.Uint32(buf[i*4:]) & fatEntryMask
	}
	return errno.None
}

func (fs *FS) flushFAT() errno.Errno {
	buf := make([]byte, len(fs.fat)*4)
	for i, v := range fs.fat {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	// Write every FAT copy, matching the original's belt-and-suspenders
	// replication across fats_number tables.
	for fatCopy := uint8(0); fatCopy < fs.bpb.numFATs; fatCopy++ {
		off := uint64(fs.partitionStart) + uint64(fs.bpb.reservedSectors) + uint64(fatCopy)*uint64(fs.bpb.fatSize)
		if err := fs.dev.WriteAt(off, 0, buf); !err.Ok() {
			return err
		}
	}
	return errno.None
}

func (fs *FS) isEOC(cluster uint32) bool { return cluster >= fatEOCMin }

// chain returns every cluster in start's chain, start first.
func (fs *FS) chain(start uint32) []uint32 {
	var out []uint32
	c := start
	for c >= 2 && !fs.isEOC(c) && int(c) < len(fs.fat) {
		out = append(out, c)
		c = fs.fat[c]
	}
	return out
}

// allocCluster finds a free FAT slot, marks it EOC, and returns it.
func (fs *FS) allocCluster() (uint32, errno.Errno) {
	for i := 2; i < len(fs.fat); i++ {
		if fs.fat[i] == fatFreeMarker {
			fs.fat[i] = fatEOCMin
			return uint32(i), fs.flushFAT()
		}
	}
	return 0, errno.FileOut
}

func (fs *FS) freeChain(start uint32) errno.Errno {
	c := start
	for c >= 2 && !fs.isEOC(c) && int(c) < len(fs.fat) {
		next := fs.fat[c]
		fs.fat[c] = fatFreeMarker
		c = next
	}
	return fs.flushFAT()
}

func (fs *FS) readCluster(cluster uint32) ([]byte, errno.Errno) {
	buf := make([]byte, fs.clusterBytes())
	if err := fs.dev.ReadAt(fs.clusterLBA(cluster), 0, buf); !err.Ok() {
		return nil, err
	}
	return buf, errno.None
}

func (fs *FS) writeCluster(cluster uint32, buf []byte) errno.Errno {
	return fs.dev.WriteAt(fs.clusterLBA(cluster), 0, buf)
}

// name83 renders the 8.3 on-disk name field as "NAME.EXT" (no trailing
// dot when the extension is empty), with the case kept as stored on disk;
// callers compare it case-insensitively.
func name83(raw []byte) string {
	name := strings.TrimRight(string(raw[0:8]), " ")
	ext := strings.TrimRight(string(raw[8:11]), " ")
	if ext == "" {
		return name
	}
	return name + "." + ext
}

// encode83 splits "name.ext" into the fixed 8+3 on-disk fields, space
// padded and truncated the way the original's directory-entry writer
// does, uppercased because FAT83 is case-insensitive.
func encode83(filename string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	base := filename
	ext := ""
	if idx := strings.LastIndex(filename, "."); idx >= 0 {
		base, ext = filename[:idx], filename[idx+1:]
	}
	base = strings.ToUpper(base)
	ext = strings.ToUpper(ext)
	copy(out[0:8], base)
	copy(out[8:11], ext)
	return out
}

func (fs *FS) dirStream(dirCluster uint32) []uint32 {
	return fs.chain(dirCluster)
}

func dirOf(n *vfs.Node) *nodeInfo { return n.Payload.(*nodeInfo) }

// forEachEntry walks every 32-byte directory entry across a directory's
// cluster chain, calling visit(clusterIdx, byteOffsetWithinCluster, raw).
// visit returns true to stop the walk early.
func (fs *FS) forEachEntry(dirCluster uint32, visit func(cluster uint32, off uint32, raw []byte) bool) errno.Errno {
	for _, cl := range fs.dirStream(dirCluster) {
		buf, err := fs.readCluster(cl)
		if !err.Ok() {
			return err
		}
		for off := 0; off+dirEntrySize <= len(buf); off += dirEntrySize {
			raw := buf[off : off+dirEntrySize]
			if raw[0] == entryFree {
				return errno.None
			}
			if visit(cl, uint32(off), raw) {
				return errno.None
			}
		}
	}
	return errno.None
}

func (fs *FS) Open(dir *vfs.Node, name string) (*vfs.Node, errno.Errno) {
	info := dirOf(dir)
	var found *vfs.Node
	err := fs.forEachEntry(info.cluster, func(cl uint32, off uint32, raw []byte) bool {
		if raw[0] == entryDeleted || raw[11] == attrLFN {
			return false
		}
		entryName := name83(raw)
		if !strings.EqualFold(entryName, name) {
			return false
		}
		attr := raw[11]
		cluster := uint32(binary.LittleEndian.Uint16(raw[20:22]))<<16 | uint32(binary.LittleEndian.Uint16(raw[26:28]))
		size := binary.LittleEndian.Uint32(raw[28:32])
		a := vfs.Attr(0)
		if attr&attrDir != 0 {
			a = vfs.AttrDir
		}
		if attr&attrHidden != 0 {
			a |= vfs.AttrHidden
		}
		found = &vfs.Node{Ino: uint64(info.cluster)<<32 | uint64(off), Name: entryName, FS: fs, Attr: a, Size: uint64(size),
			Payload: &nodeInfo{cluster: cluster, dirCluster: cl, dirEntryByte: off}}
		return true
	})
	if !err.Ok() {
		return nil, err
	}
	if found == nil {
		return nil, errno.FileNotFound
	}
	return found, errno.None
}

func (fs *FS) ListDir(dir *vfs.Node) ([]vfs.DirEntry, errno.Errno) {
	info := dirOf(dir)
	var out []vfs.DirEntry
	err := fs.forEachEntry(info.cluster, func(cl uint32, off uint32, raw []byte) bool {
		if raw[0] == entryDeleted || raw[11] == attrLFN {
			return false
		}
		name := name83(raw)
		if name == "." || name == ".." {
			return false
		}
		a := vfs.Attr(0)
		if raw[11]&attrDir != 0 {
			a = vfs.AttrDir
		}
		out = append(out, vfs.DirEntry{Name: name, Ino: uint64(cl)<<32 | uint64(off), Attr: a})
		return false
	})
	return out, err
}

func (fs *FS) ReadFile(n *vfs.Node, buf []byte, off uint64) (int, errno.Errno) {
	info := dirOf(n)
	if off >= n.Size {
		return 0, errno.EOF
	}
	clusterSize := uint64(fs.clusterBytes())
	chain := fs.chain(info.cluster)
	total := 0
	want := buf
	if off+uint64(len(want)) > n.Size {
		want = want[:n.Size-off]
	}
	for len(want) > 0 {
		idx := off / clusterSize
		if int(idx) >= len(chain) {
			break
		}
		data, err := fs.readCluster(chain[idx])
		if !err.Ok() {
			return total, err
		}
		inClusterOff := off % clusterSize
		n := copy(want, data[inClusterOff:])
		want = want[n:]
		off += uint64(n)
		total += n
	}
	if total < len(buf) {
		return total, errno.EOF
	}
	return total, errno.None
}

func (fs *FS) WriteFile(n *vfs.Node, buf []byte, off uint64) (int, errno.Errno) {
	info := dirOf(n)
	clusterSize := uint64(fs.clusterBytes())

	if info.cluster == 0 {
		c, err := fs.allocCluster()
		if !err.Ok() {
			return 0, err
		}
		info.cluster = c
	}
	chain := fs.chain(info.cluster)
	needClusters := int((off+uint64(len(buf))+clusterSize-1)/clusterSize) - len(chain)
	for i := 0; i < needClusters; i++ {
		c, err := fs.allocCluster()
		if !err.Ok() {
			return 0, err
		}
		fs.fat[chain[len(chain)-1]] = c
		if ferr := fs.flushFAT(); !ferr.Ok() {
			return 0, ferr
		}
		chain = append(chain, c)
	}

	written := 0
	remaining := buf
	pos := off
	for len(remaining) > 0 {
		idx := pos / clusterSize
		data, err := fs.readCluster(chain[idx])
		if !err.Ok() {
			return written, err
		}
		inClusterOff := pos % clusterSize
		c := copy(data[inClusterOff:], remaining)
		if err := fs.writeCluster(chain[idx], data); !err.Ok() {
			return written, err
		}
		remaining = remaining[c:]
		pos += uint64(c)
		written += c
	}

	if pos > n.Size {
		n.Size = pos
	}
	return written, fs.updateDirent(info, n.Size)
}

// updateDirent patches the first-cluster and size fields of a file's
// directory entry after allocation or a size-changing write.
func (fs *FS) updateDirent(info *nodeInfo, size uint64) errno.Errno {
	if info.isRoot {
		return errno.None
	}
	data, err := fs.readCluster(info.dirCluster)
	if !err.Ok() {
		return err
	}
	raw := data[info.dirEntryByte : info.dirEntryByte+dirEntrySize]
	binary.LittleEndian.PutUint16(raw[20:22], uint16(info.cluster>>16))
	binary.LittleEndian.PutUint16(raw[26:28], uint16(info.cluster))
	binary.LittleEndian.PutUint32(raw[28:32], uint32(size))
	return fs.writeCluster(info.dirCluster, data)
}

func (fs *FS) Rename(dir *vfs.Node, oldName, newName string) errno.Errno {
	info := dirOf(dir)
	var target *nodeInfo
	err := fs.forEachEntry(info.cluster, func(cl uint32, off uint32, raw []byte) bool {
		if strings.EqualFold(name83(raw), oldName) {
			target = &nodeInfo{dirCluster: cl, dirEntryByte: off}
			return true
		}
		return false
	})
	if !err.Ok() {
		return err
	}
	if target == nil {
		return errno.FileNotFound
	}
	data, err := fs.readCluster(target.dirCluster)
	if !err.Ok() {
		return err
	}
	enc := encode83(newName)
	copy(data[target.dirEntryByte:target.dirEntryByte+11], enc[:])
	return fs.writeCluster(target.dirCluster, data)
}

func (fs *FS) Unlink(dir *vfs.Node, name string) errno.Errno {
	info := dirOf(dir)
	var target *nodeInfo
	var fileCluster uint32
	err := fs.forEachEntry(info.cluster, func(cl uint32, off uint32, raw []byte) bool {
		if strings.EqualFold(name83(raw), name) {
			target = &nodeInfo{dirCluster: cl, dirEntryByte: off}
			fileCluster = uint32(binary.LittleEndian.Uint16(raw[20:22]))<<16 | uint32(binary.LittleEndian.Uint16(raw[26:28]))
			return true
		}
		return false
	})
	if !err.Ok() {
		return err
	}
	if target == nil {
		return errno.FileNotFound
	}
	data, err := fs.readCluster(target.dirCluster)
	if !err.Ok() {
		return err
	}
	data[target.dirEntryByte] = entryDeleted
	if err := fs.writeCluster(target.dirCluster, data); !err.Ok() {
		return err
	}
	if fileCluster >= 2 {
		return fs.freeChain(fileCluster)
	}
	return errno.None
}

func (fs *FS) CreateFile(dir *vfs.Node, name string, attrs vfs.Attr) (*vfs.Node, errno.Errno) {
	info := dirOf(dir)
	var slotCluster uint32
	var slotOff uint32
	found := false
	// Walk every cluster in the directory's chain directly rather than
	// through forEachEntry, which stops at the first end-of-directory
	// marker — here that marker is itself the slot to reuse.
	for _, cl := range fs.dirStream(info.cluster) {
		buf, err := fs.readCluster(cl)
		if !err.Ok() {
			return nil, err
		}
		for off := 0; off+dirEntrySize <= len(buf); off += dirEntrySize {
			raw := buf[off : off+dirEntrySize]
			if raw[0] == entryDeleted || raw[0] == entryFree {
				slotCluster, slotOff, found = cl, uint32(off), true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		// No deleted slot to reuse: extend the directory's chain with a
		// fresh, zeroed cluster and use its first entry.
		chain := fs.chain(info.cluster)
		c, aerr := fs.allocCluster()
		if !aerr.Ok() {
			return nil, aerr
		}
		if len(chain) > 0 {
			fs.fat[chain[len(chain)-1]] = c
			if ferr := fs.flushFAT(); !ferr.Ok() {
				return nil, ferr
			}
		}
		zero := make([]byte, fs.clusterBytes())
		if werr := fs.writeCluster(c, zero); !werr.Ok() {
			return nil, werr
		}
		slotCluster, slotOff = c, 0
	}

	data, err := fs.readCluster(slotCluster)
	if !err.Ok() {
		return nil, err
	}
	raw := data[slotOff : slotOff+dirEntrySize]
	for i := range raw {
		raw[i] = 0
	}
	enc := encode83(name)
	copy(raw[0:11], enc[:])
	if attrs.IsDir() {
		raw[11] = attrDir
	} else {
		raw[11] = attrArchive
	}
	if err := fs.writeCluster(slotCluster, data); !err.Ok() {
		return nil, err
	}

	n := &vfs.Node{Ino: uint64(slotCluster)<<32 | uint64(slotOff), Name: name, FS: fs, Attr: attrs,
		Payload: &nodeInfo{dirCluster: slotCluster, dirEntryByte: slotOff}}
	return n, errno.None
}
