// Command vkernel boots one instance of the kernel model against a disk
// image and an init executable, the hosted-process stand-in for the real
// kernel's multiboot entry point.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/vhaudiquet/vkernel/boot"
	"github.com/vhaudiquet/vkernel/memory/phys"
	"github.com/vhaudiquet/vkernel/storage/block"
	"github.com/vhaudiquet/vkernel/storage/block/ramdisk"
)

// tickPeriod mirrors proc.Scheduler's own ~55ms tick, so this loop's
// sleep/signal draining runs at the same cadence the scheduler ticks at.
const tickPeriod = 55 * time.Millisecond

func bootDeviceFromFlag(s string) boot.BootDeviceClass {
	switch s {
	case "hdd":
		return boot.BootDeviceHardDisk
	case "cd":
		return boot.BootDeviceCD
	case "usb":
		return boot.BootDeviceUSB
	default:
		return boot.BootDeviceUnknown
	}
}

func main() {
	diskPath := flag.String("disk", "", "path to a raw disk image to attach as the root drive")
	initPath := flag.String("init", "", "path to the ELF executable to run as the init process")
	bootDevice := flag.String("boot-device", "hdd", "boot device class to report to mode guessing: hdd, cd or usb")
	cmdline := flag.String("cmdline", "", "simulated multiboot command line (-live, -silent, -root=XXXX)")
	memSize := flag.Uint64("mem", 0x8000000, "size in bytes of the simulated free physical memory region")
	flag.Parse()

	if *diskPath == "" || *initPath == "" {
		fmt.Fprintln(os.Stderr, "usage: vkernel -disk IMAGE -init ELF [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	diskImage, err := os.ReadFile(*diskPath)
	if err != nil {
		log.Fatalf("reading disk image: %v", err)
	}
	initImage, err := os.ReadFile(*initPath)
	if err != nil {
		log.Fatalf("reading init executable: %v", err)
	}

	k, err := boot.Boot(boot.Input{
		MemoryRegions: []phys.Region{
			{Base: 0, Length: 0x100000, Free: false},
			{Base: 0x100000, Length: *memSize, Free: true},
		},
		CommandLine:        *cmdline,
		CommandLinePresent: *cmdline != "",
		BootDevice:         bootDeviceFromFlag(*bootDevice),
		Devices: []boot.DeviceSpec{
			{Name: "sda", Transport: ramdisk.NewFromImage(diskImage), Kind: block.HardDisk, TransportKind: block.ATA},
		},
		InitImage: initImage,
		Logger:    log.Default(),
	})
	if err != nil {
		log.Fatalf("boot failed: %v", err)
	}

	log.Printf("init running as pid %d", k.Init.PID)

	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()
	for range ticker.C {
		k.Sched.Tick(uint32(tickPeriod / time.Millisecond))
		k.Signals.Drain()
	}
}
