package iso9660_test

import (
	"testing"

	"github.com/vhaudiquet/vkernel/storage/block/ramdisk"
	"github.com/vhaudiquet/vkernel/vfs/iso9660"
)

func buildImage(withSignature bool) []byte {
	img := make([]byte, 18*2048)
	pvd := img[16*2048:]
	if withSignature {
		pvd[0] = 0x01
		copy(pvd[1:6], "CD001")
	}
	return img
}

func TestProbeRecognizesCD001(t *testing.T) {
	rd := ramdisk.NewFromImage(buildImage(true))
	ok, err := iso9660.Probe(rd)
	if !err.Ok() {
		t.Fatalf("Probe: %v", err)
	}
	if !ok {
		t.Fatal("expected the CD001 identifier to be recognized")
	}
}

func TestProbeRejectsMissingIdentifier(t *testing.T) {
	rd := ramdisk.NewFromImage(buildImage(false))
	ok, err := iso9660.Probe(rd)
	if !err.Ok() {
		t.Fatalf("Probe: %v", err)
	}
	if ok {
		t.Fatal("expected a volume without CD001 to be rejected")
	}
}
