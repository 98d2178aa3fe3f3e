// Package ramdisk implements a fully working in-memory block::Transfer,
// used as the root device for the boot test scenarios in spec.md §8.
// Grounded on original_source/storage/ramdisk.c.
package ramdisk

import (
	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/storage/block"
)

// Ramdisk is a block.Transfer backed by a plain byte slice.
type Ramdisk struct {
	data []byte
}

// New creates a ramdisk of sectorCount logical sectors, zero-filled.
func New(sectorCount uint64) *Ramdisk {
	return &Ramdisk{data: make([]byte, sectorCount*block.SectorSize)}
}

// NewFromImage wraps an existing image, used to boot from a pre-built
// filesystem image in tests (spec.md §8 scenario 2).
func NewFromImage(image []byte) *Ramdisk {
	r := &Ramdisk{data: make([]byte, len(image))}
	copy(r.data, image)
	return r
}

func (r *Ramdisk) Capacity() uint64 { return uint64(len(r.data)) / block.SectorSize }

func (r *Ramdisk) byteOffset(sector uint64, off uint32) uint64 {
	return sector*block.SectorSize + uint64(off)
}

func (r *Ramdisk) ReadAt(sector uint64, off uint32, buf []byte) errno.Errno {
	start := r.byteOffset(sector, off)
	if start+uint64(len(buf)) > uint64(len(r.data)) {
		return errno.FileOut
	}
	copy(buf, r.data[start:start+uint64(len(buf))])
	return errno.None
}

func (r *Ramdisk) WriteAt(sector uint64, off uint32, buf []byte) errno.Errno {
	start := r.byteOffset(sector, off)
	if start+uint64(len(buf)) > uint64(len(r.data)) {
		return errno.FileOut
	}
	copy(r.data[start:start+uint64(len(buf))], buf)
	return errno.None
}
