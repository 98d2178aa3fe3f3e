// Package ata provides the contract-shaped ATA PIO driver described in
// spec.md §4.5: sector-granular reads/writes, read-modify-write splicing
// for partial sectors, and bounded retry on transient media failures. The
// wire-level PIO/DMA sequencing itself is out of scope (spec.md §1); this
// package models the algorithm the driver runs around a SectorMedia that
// stands in for the actual port I/O, grounded on
// original_source/storage/ata/ata_pio.c and ata_common.c.
package ata

import (
	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/storage/block"
)

// maxRetries bounds the disk-read-attempt retry class described in
// spec.md §7 class 2 ("disk read attempt: retry 3x before giving up").
const maxRetries = 3

// SectorMedia is the whole-sector transfer primitive a real ATA
// controller exposes: commands operate on entire 512-byte sectors, never
// on sub-sector ranges.
type SectorMedia interface {
	ReadSector(sector uint64, buf []byte) errno.Errno
	WriteSector(sector uint64, buf []byte) errno.Errno
	Capacity() uint64
}

// Drive adapts a SectorMedia into a block.Transfer, handling the
// byte-offset splicing and retry the block abstraction promises.
type Drive struct {
	Media SectorMedia
	IRQ   uint8
}

func (d *Drive) Capacity() uint64 { return d.Media.Capacity() }

func (d *Drive) readSectorRetry(sector uint64, buf []byte) errno.Errno {
	var err errno.Errno
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = d.Media.ReadSector(sector, buf)
		if err.Ok() {
			return errno.None
		}
	}
	return err
}

func (d *Drive) writeSectorRetry(sector uint64, buf []byte) errno.Errno {
	var err errno.Errno
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = d.Media.WriteSector(sector, buf)
		if err.Ok() {
			return errno.None
		}
	}
	return err
}

// ReadAt reads len(buf) bytes starting byteOffset into sector, crossing
// sector boundaries as needed.
func (d *Drive) ReadAt(sector uint64, byteOffset uint32, buf []byte) errno.Errno {
	sec := make([]byte, block.SectorSize)
	pos := 0
	cur := sector
	off := byteOffset
	for pos < len(buf) {
		if err := d.readSectorRetry(cur, sec); !err.Ok() {
			return err
		}
		n := copy(buf[pos:], sec[off:])
		pos += n
		off = 0
		cur++
	}
	return errno.None
}

// WriteAt writes buf starting byteOffset into sector. Any sector that is
// only partially covered by buf is read first so the untouched bytes
// survive the write-back, per spec.md §4.5.
func (d *Drive) WriteAt(sector uint64, byteOffset uint32, buf []byte) errno.Errno {
	sec := make([]byte, block.SectorSize)
	pos := 0
	cur := sector
	off := byteOffset
	for pos < len(buf) {
		n := len(buf) - pos
		if uint32(n) > block.SectorSize-off {
			n = int(block.SectorSize - off)
		}
		whole := off == 0 && n == block.SectorSize
		if !whole {
			if err := d.readSectorRetry(cur, sec); !err.Ok() {
				return err
			}
		}
		copy(sec[off:], buf[pos:pos+n])
		if err := d.writeSectorRetry(cur, sec); !err.Ok() {
			return err
		}
		pos += n
		off = 0
		cur++
	}
	return errno.None
}
