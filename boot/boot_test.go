package boot_test

import (
	"encoding/binary"
	"testing"

	"github.com/vhaudiquet/vkernel/boot"
	"github.com/vhaudiquet/vkernel/memory/phys"
	"github.com/vhaudiquet/vkernel/storage/block"
	"github.com/vhaudiquet/vkernel/storage/block/ramdisk"
	"github.com/vhaudiquet/vkernel/vfs"
)

// buildInitImage constructs a minimal ELF32 executable: one PT_LOAD
// segment carrying code at vaddr, matching the fixture proc/elf's own
// tests build.
func buildInitImage(vaddr uint32, code []byte) []byte {
	const ehsize = 52
	const phsize = 32
	img := make([]byte, ehsize+phsize+len(code))

	img[0], img[1], img[2], img[3] = 0x7F, 'E', 'L', 'F'
	img[4] = 1
	binary.LittleEndian.PutUint16(img[16:18], 2)
	binary.LittleEndian.PutUint16(img[18:20], 3)
	binary.LittleEndian.PutUint32(img[24:28], vaddr)
	binary.LittleEndian.PutUint32(img[28:32], ehsize)
	binary.LittleEndian.PutUint16(img[42:44], phsize)
	binary.LittleEndian.PutUint16(img[44:46], 1)

	ph := img[ehsize : ehsize+phsize]
	binary.LittleEndian.PutUint32(ph[0:4], 1)
	binary.LittleEndian.PutUint32(ph[4:8], ehsize+phsize)
	binary.LittleEndian.PutUint32(ph[8:12], vaddr)
	binary.LittleEndian.PutUint32(ph[16:20], uint32(len(code)))
	binary.LittleEndian.PutUint32(ph[20:24], uint32(len(code)))

	copy(img[ehsize+phsize:], code)
	return img
}

// buildFAT32Volume lays out the same minimal single-cluster-root FAT32
// image vfs/fat32's own tests build.
func buildFAT32Volume(dataClusters int) []byte {
	const sectorsPerCluster = 1
	const reservedSectors = 1
	const numFATs = 1
	fatEntries := dataClusters + 2
	fatSectors := uint32((fatEntries*4 + 511) / 512)
	totalSectors := reservedSectors + int(fatSectors)*numFATs + dataClusters*sectorsPerCluster

	img := make([]byte, totalSectors*512)
	bpb := img[:512]
	binary.LittleEndian.PutUint16(bpb[11:13], 512)
	bpb[13] = sectorsPerCluster
	binary.LittleEndian.PutUint16(bpb[14:16], reservedSectors)
	bpb[16] = numFATs
	binary.LittleEndian.PutUint32(bpb[36:40], fatSectors)
	binary.LittleEndian.PutUint32(bpb[44:48], 2)
	bpb[510] = 0x55
	bpb[511] = 0xAA

	fatStart := reservedSectors * 512
	fat := img[fatStart : fatStart+int(fatSectors)*512]
	binary.LittleEndian.PutUint32(fat[0:4], 0x0FFFFFF8)
	binary.LittleEndian.PutUint32(fat[4:8], 0x0FFFFFF8)
	binary.LittleEndian.PutUint32(fat[8:12], 0x0FFFFFF8)
	return img
}

// buildInstalledDiskImage wraps a FAT32 volume in a single-partition MBR
// starting at sector 1, the same layout block.ParseMBR expects.
func buildInstalledDiskImage(volume []byte) []byte {
	mbr := make([]byte, 512)
	const tableOffset = 446
	entry := mbr[tableOffset : tableOffset+16]
	entry[0] = 0x80 // bootable
	entry[4] = 0x0C // FAT32 LBA system id
	binary.LittleEndian.PutUint32(entry[8:12], 1)
	binary.LittleEndian.PutUint32(entry[12:16], uint32(len(volume)/512))
	mbr[510], mbr[511] = 0x55, 0xAA
	return append(mbr, volume...)
}

func testMemoryRegions() []phys.Region {
	return []phys.Region{
		{Base: 0, Length: 0x100000, Free: false},
		{Base: 0x100000, Length: 0x8000000, Free: true},
	}
}

func TestBootMountsInstalledRootAndSpawnsInit(t *testing.T) {
	image := buildInstalledDiskImage(buildFAT32Volume(8))
	rd := ramdisk.NewFromImage(image)

	halt := func() { t.Fatal("unexpected fatal kernel error") }
	init := buildInitImage(0x08048000, []byte{0x90, 0x90, 0x90, 0x90})

	k, err := boot.Boot(boot.Input{
		MemoryRegions: testMemoryRegions(),
		BootDevice:    boot.BootDeviceHardDisk,
		Devices: []boot.DeviceSpec{
			{Name: "sda", Transport: rd, Kind: block.HardDisk, TransportKind: block.ATA},
		},
		InitImage: init,
		Halt:      halt,
	})
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}

	if k.Config.ModeHint != boot.ModeUnknown {
		t.Fatalf("expected no command-line mode hint, got %v", k.Config.ModeHint)
	}
	if k.Init == nil {
		t.Fatal("expected an init process")
	}
	if k.Init.PPID != 1 {
		t.Fatalf("expected init's parent to be the kernel process (pid 1), got %d", k.Init.PPID)
	}
	if len(k.Init.Segments) != 1 {
		t.Fatalf("expected init's ELF image to be loaded with one segment, got %d", len(k.Init.Segments))
	}

	if _, serr := k.VFS.OpenFile("/dev/sda", 0); !serr.Ok() {
		t.Fatalf("expected devfs to expose the root drive at /dev/sda: %v", serr)
	}

	fd, cerr := k.VFS.OpenFile("/init.marker", vfs.ModeWrite|vfs.ModeCreate)
	if !cerr.Ok() {
		t.Fatalf("expected the mounted FAT32 root to accept writes: %v", cerr)
	}
	k.VFS.CloseFile(fd)
}

func TestBootFailsWithNoBlockDevices(t *testing.T) {
	halt := func() { t.Fatal("unexpected fatal kernel error") }
	_, err := boot.Boot(boot.Input{
		MemoryRegions: testMemoryRegions(),
		BootDevice:    boot.BootDeviceHardDisk,
		Halt:          halt,
	})
	if err == nil {
		t.Fatal("expected Boot to fail when no block devices are attached")
	}
}

func TestGuessModeMatchesDeviceKindToBootClass(t *testing.T) {
	devices := []*block.Device{
		{Name: "sda", Kind: block.HardDisk},
		{Name: "sr0", Kind: block.CD},
	}
	mode, idx, gerr := boot.GuessMode(devices, boot.BootDeviceCD)
	if !gerr.Ok() {
		t.Fatalf("GuessMode: %v", gerr)
	}
	if mode != boot.ModeLive {
		t.Fatalf("expected ModeLive for a CD boot device, got %v", mode)
	}
	if idx != 1 {
		t.Fatalf("expected the CD drive (index 1) to be picked, got %d", idx)
	}
}
