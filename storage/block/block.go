// Package block defines the uniform block-device abstraction the VFS and
// its concrete filesystems read and write through, independent of the
// underlying transport (ATA, ATAPI, ramdisk). Grounded on
// original_source/storage/storage.h and block_devices.c.
package block

import (
	"encoding/binary"

	"github.com/vhaudiquet/vkernel/errno"
)

// SectorSize is the logical sector size every transport in this kernel
// speaks, regardless of physical device geometry.
const SectorSize = 512

// Kind identifies the media class of a block device.
type Kind uint8

const (
	HardDisk Kind = iota + 1
	CD
	USB
	Ramdisk
)

// Transport identifies the wire protocol backing a device.
type Transport uint8

const (
	ATA Transport = iota + 1
	ATAPI
	RamdiskTransport
)

// Partition is one MBR partition table entry.
type Partition struct {
	StartLBA uint32
	Length   uint32
	SystemID uint8
	Bootable bool
}

// Transfer is the contract every transport must satisfy: sector-addressed
// reads and writes that may cross sector boundaries and begin mid-sector.
type Transfer interface {
	// ReadAt reads len(buf) bytes starting byteOffset bytes into sector.
	ReadAt(sector uint64, byteOffset uint32, buf []byte) errno.Errno
	// WriteAt writes buf starting byteOffset bytes into sector.
	WriteAt(sector uint64, byteOffset uint32, buf []byte) errno.Errno
	// Capacity is the device's size in 512-byte logical sectors.
	Capacity() uint64
}

// Device is a handle to one attached block device: its transport, its
// capacity, and up to four MBR partitions parsed at attach time.
type Device struct {
	Name       string
	Transport  Transfer
	Kind       Kind
	TransportKind Transport
	Partitions [4]*Partition
}

// Read reads len(buf) bytes starting byteOffset into sector, delegating to
// the device's transport. Out-of-range accesses are rejected here so every
// transport gets the same bounds check.
func (d *Device) Read(sector uint64, byteOffset uint32, buf []byte) errno.Errno {
	if err := d.checkRange(sector, byteOffset, len(buf)); !err.Ok() {
		return err
	}
	return d.Transport.ReadAt(sector, byteOffset, buf)
}

// Write writes buf starting byteOffset into sector.
func (d *Device) Write(sector uint64, byteOffset uint32, buf []byte) errno.Errno {
	if err := d.checkRange(sector, byteOffset, len(buf)); !err.Ok() {
		return err
	}
	return d.Transport.WriteAt(sector, byteOffset, buf)
}

func (d *Device) checkRange(sector uint64, byteOffset uint32, n int) errno.Errno {
	if byteOffset >= SectorSize {
		return errno.FileOut
	}
	totalBytes := uint64(byteOffset) + uint64(n)
	sectorsNeeded := (totalBytes + SectorSize - 1) / SectorSize
	if sector+sectorsNeeded > d.Transport.Capacity() {
		return errno.FileOut
	}
	return errno.None
}

// mbrSignatureOffset and mbrSignature are the bit-exact bytes spec.md §6
// requires a valid MBR end with.
const mbrSignatureOffset = 510

var mbrSignature = [2]byte{0x55, 0xAA}

// ParseMBR reads the first sector of transport and extracts up to four
// partition descriptors. It returns a table with all four entries nil and
// errno.None when the signature does not match — the caller is not a partitioned disk, which is not an
// error at attach time.
func ParseMBR(t Transfer) ([4]*Partition, errno.Errno) {
	var out [4]*Partition
	sector := make([]byte, SectorSize)
	if err := t.ReadAt(0, 0, sector); !err.Ok() {
		return out, err
	}
	if sector[mbrSignatureOffset] != mbrSignature[0] || sector[mbrSignatureOffset+1] != mbrSignature[1] {
		return out, errno.None
	}
	const entrySize = 16
	const tableOffset = 446
	for i := 0; i < 4; i++ {
		e := sector[tableOffset+i*entrySize : tableOffset+(i+1)*entrySize]
		systemID := e[4]
		if systemID == 0 {
			continue
		}
		out[i] = &Partition{
			Bootable: e[0]&0x80 != 0,
			SystemID: systemID,
			StartLBA: binary.LittleEndian.Uint32(e[8:12]),
			Length:   binary.LittleEndian.Uint32(e[12:16]),
		}
	}
	return out, errno.None
}

// Attach builds a Device from a transport, parsing its MBR when the kind
// can plausibly carry one (not a ramdisk, which boots unpartitioned in
// this kernel's test scenarios).
func Attach(name string, t Transfer, kind Kind, tk Transport) (*Device, errno.Errno) {
	d := &Device{Name: name, Transport: t, Kind: kind, TransportKind: tk}
	if kind != Ramdisk {
		parts, err := ParseMBR(t)
		if !err.Ok() {
			return nil, err
		}
		d.Partitions = parts
	}
	return d, errno.None
}
