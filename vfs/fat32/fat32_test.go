package fat32_test

import (
	"encoding/binary"
	"testing"

	"github.com/vhaudiquet/vkernel/storage/block/ramdisk"
	"github.com/vhaudiquet/vkernel/vfs"
	"github.com/vhaudiquet/vkernel/vfs/fat32"
)

// buildVolume constructs a minimal FAT32 image entirely in memory: one
// reserved sector, a single FAT copy with only clusters 0-1 reserved (the
// rest free), and an empty root directory occupying cluster 2.
func buildVolume(t *testing.T, dataClusters int) *ramdisk.Ramdisk {
	t.Helper()
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
	binary.LittleEndian.PutUint32(bpb[44:48], 2) // root cluster
	bpb[510] = 0x55
	bpb[511] = 0xAA

	fatStart := reservedSectors * 512
	fat := img[fatStart : fatStart+int(fatSectors)*512]
	binary.LittleEndian.PutUint32(fat[0:4], 0x0FFFFFF8)
	binary.LittleEndian.PutUint32(fat[4:8], 0x0FFFFFF8)
	binary.LittleEndian.PutUint32(fat[8:12], 0x0FFFFFF8) // root cluster 2, EOC, single cluster

	return ramdisk.NewFromImage(img)
}

func TestMountAndCreateWriteReadRoundTrip(t *testing.T) {
	rd := buildVolume(t, 8)
	fs, err := fat32.Mount(rd, 0)
	if !err.Ok() {
		t.Fatalf("Mount: %v", err)
	}
	v := vfs.New(fs, nil, nil)

	fd, err := v.OpenFile("/HELLO.TXT", vfs.ModeWrite|vfs.ModeCreate)
	if !err.Ok() {
		t.Fatalf("OpenFile create: %v", err)
	}
	payload := []byte("hello fat32")
	if _, err := v.WriteFile(fd, payload); !err.Ok() {
		t.Fatalf("WriteFile: %v", err)
	}
	v.CloseFile(fd)

	rfd, err := v.OpenFile("/HELLO.TXT", vfs.ModeRead)
	if !err.Ok() {
		t.Fatalf("OpenFile read: %v", err)
	}
	buf := make([]byte, len(payload))
	if _, err := v.ReadFile(rfd, buf); !err.Ok() {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(buf) != string(payload) {
		t.Fatalf("got %q, want %q", buf, payload)
	}
}

func TestListDirSeesCreatedFile(t *testing.T) {
	rd := buildVolume(t, 8)
	fs, err := fat32.Mount(rd, 0)
	if !err.Ok() {
		t.Fatalf("Mount: %v", err)
	}
	v := vfs.New(fs, nil, nil)

	if _, err := v.CreateFile("/A.TXT", 0); !err.Ok() {
		t.Fatalf("CreateFile: %v", err)
	}
	dirFD, err := v.OpenFile("/", vfs.ModeRead)
	if !err.Ok() {
		t.Fatalf("OpenFile /: %v", err)
	}
	entries, err := v.ReadDirectory(dirFD)
	if !err.Ok() {
		t.Fatalf("ReadDirectory: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Name == "A.TXT" {
			found = true
		}
	}
	if !found {
		t.Fatalf("A.TXT missing from listing: %+v", entries)
	}
}

func TestMountRejectsMissingSignature(t *testing.T) {
	rd := ramdisk.New(4)
	if _, err := fat32.Mount(rd, 0); err.Ok() {
		t.Fatal("expected Mount to reject a volume without the 0x55AA signature")
	}
}
