package boot

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/internal/klog"
	"github.com/vhaudiquet/vkernel/ksyscall"
	"github.com/vhaudiquet/vkernel/memory/paging"
	"github.com/vhaudiquet/vkernel/memory/phys"
	"github.com/vhaudiquet/vkernel/memory/ptheap"
	"github.com/vhaudiquet/vkernel/memory/vmheap"
	"github.com/vhaudiquet/vkernel/proc"
	"github.com/vhaudiquet/vkernel/proc/signal"
	"github.com/vhaudiquet/vkernel/storage/block"
	"github.com/vhaudiquet/vkernel/vfs"
	"github.com/vhaudiquet/vkernel/vfs/devfs"
	"github.com/vhaudiquet/vkernel/vfs/ext2"
	"github.com/vhaudiquet/vkernel/vfs/fat32"
	"github.com/vhaudiquet/vkernel/vfs/iso9660"
	"github.com/vhaudiquet/vkernel/vfs/ramfs"
)

// BootDeviceClass mirrors the high byte of multiboot_info_t.boot_device:
// the media class the BIOS says the kernel was loaded from, used to guess
// a ModeHint when the command line carries none.
type BootDeviceClass uint8

const (
	BootDeviceUnknown BootDeviceClass = iota
	BootDeviceFloppy
	BootDeviceHardDisk
	BootDeviceCD
	BootDeviceUSB
)

// DeviceSpec describes one block device controller discovered at boot,
// standing in for the real PCI/ATA probe ckernel.c's pci_install() and
// install_block_devices() perform.
type DeviceSpec struct {
	Name          string
	Transport     block.Transfer
	Kind          block.Kind
	TransportKind block.Transport
}

// Input bundles everything a hosted boot needs that real hardware would
// otherwise hand the kernel through the multiboot struct and PCI probe:
// the physical memory regions, the command line, the attached storage,
// and the init program to run once the root filesystem is up.
type Input struct {
	MemoryRegions      []phys.Region
	CommandLine        string
	CommandLinePresent bool
	BootDevice         BootDeviceClass
	Devices            []DeviceSpec
	InitImage          []byte
	Logger             klog.Logger
	Halt               klog.HaltFunc
}

// Kernel is the fully wired, running instance: every layer spec.md's
// dependency order builds bottom-up, plus the root process it booted.
type Kernel struct {
	Config  Config
	Phys    *phys.Map
	PTHeap  *ptheap.Heap
	Paging  *paging.Manager
	VMHeap  *vmheap.Heap
	Devices []*block.Device
	VFS     *vfs.VFS
	Devfs   *devfs.FS
	Procs   *proc.Table
	Sched   *proc.Scheduler
	Signals *signal.Dispatcher
	Syscall *ksyscall.Table
	Init    *proc.Process
}

// AttachDevices probes every DeviceSpec's MBR concurrently, the hosted
// analogue of install_block_devices() enumerating PCI/ATA controllers in
// ckernel.c. Fanning the attach calls out through an errgroup mirrors the
// "fuse's loopback tests run independent subtrees in parallel" pattern,
// since MBR parsing on one device never depends on another's result.
func AttachDevices(specs []DeviceSpec) ([]*block.Device, errno.Errno) {
	devices := make([]*block.Device, len(specs))
	var g errgroup.Group
	for i := range specs {
		i := i
		spec := specs[i]
		g.Go(func() error {
			d, err := block.Attach(spec.Name, spec.Transport, spec.Kind, spec.TransportKind)
			if !err.Ok() {
				return err
			}
			devices[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err.(errno.Errno)
	}
	return devices, errno.None
}

// GuessMode mirrors kmain's "the kernel will try to guess what mode is
// needed (relatively to boot_device)" branch: absent an explicit -live or
// -root= hint, the BIOS boot-device class picks the mode and the first
// device of the matching kind becomes the root drive.
func GuessMode(devices []*block.Device, bootDevice BootDeviceClass) (ModeHint, int, errno.Errno) {
	if len(devices) == 0 {
		return ModeUnknown, -1, errno.NoDevice
	}
	var wantKind block.Kind
	var mode ModeHint
	switch bootDevice {
	case BootDeviceFloppy:
		return ModeUnknown, -1, errno.NoDevice
	case BootDeviceHardDisk:
		wantKind, mode = block.HardDisk, ModeInstalled
	case BootDeviceCD:
		wantKind, mode = block.CD, ModeLive
	case BootDeviceUSB:
		wantKind, mode = block.USB, ModeLive
	default:
		return ModeUnknown, -1, errno.NoDevice
	}
	for i, d := range devices {
		if d.Kind == wantKind {
			return mode, i, errno.None
		}
	}
	return ModeUnknown, -1, errno.NoDevice
}

// mountRoot picks and mounts the concrete filesystem for the root device
// according to mode, the hosted counterpart of kmain's mount_volume("/",
// dev, part_index) calls for KERNEL_MODE_LIVE and KERNEL_MODE_INSTALLED.
// A signature probe picks between fat32/ext2/iso9660 rather than trusting
// the mode alone, since a single "installed" hard disk can carry either
// on-disk format.
func mountRoot(dev *block.Device, mode ModeHint, partitionIndex uint8) (vfs.FileSystem, error) {
	if dev == nil {
		return nil, fmt.Errorf("mountRoot: no root device for mode %v", mode)
	}
	if dev.Kind == block.Ramdisk {
		// The ramdisk transport carries no on-disk format of its own; the
		// test boot scenarios spec.md §8 describes mount an in-memory
		// ramfs tree as root directly off of it.
		return ramfs.New(), nil
	}
	if mode == ModeLive {
		if ok, err := iso9660.Probe(dev.Transport); err.Ok() && ok {
			return iso9660.Mount(dev.Transport)
		}
	}

	var startLBA uint32
	if partitionIndex > 0 {
		part := dev.Partitions[partitionIndex-1]
		if part == nil {
			return nil, fmt.Errorf("mountRoot: no partition %d on %s", partitionIndex, dev.Name)
		}
		startLBA = part.StartLBA
	}

	sector := make([]byte, block.SectorSize)
	if err := dev.Transport.ReadAt(uint64(startLBA), 0, sector); !err.Ok() {
		return nil, err
	}
	if fat32.Signature(sector) {
		return fat32.Mount(dev.Transport, startLBA)
	}
	if ok, err := ext2.Probe(dev.Transport, startLBA); err.Ok() && ok {
		return ext2.Mount(dev.Transport, startLBA)
	}
	return nil, fmt.Errorf("mountRoot: %s carries no recognized filesystem", dev.Name)
}

// Boot runs the full startup sequence spec.md §6 and ckernel.c's kmain
// describe, bottom-up: physical memory, page-table heap, paging, the
// kernel VM allocator, block devices, root mount, devfs, the process
// table and scheduler, signals, syscalls, and finally the init process.
func Boot(in Input) (*Kernel, error) {
	log := klog.NewTagged(in.Logger, "BOOT")
	k := &Kernel{}

	if in.CommandLinePresent {
		k.Config = ParseArgs(in.CommandLine)
	}

	k.Phys = phys.New(in.MemoryRegions, in.Logger, in.Halt)
	k.PTHeap = ptheap.New(0xFFC00000, in.Logger, in.Halt)
	k.Paging = paging.NewManager(k.Phys, k.PTHeap, true, in.Logger, in.Halt)
	k.VMHeap = vmheap.New(0xE0000000, 0x10000000, in.Logger, in.Halt)

	log.Printf("attaching %d block device(s)...", len(in.Devices))
	devices, err := AttachDevices(in.Devices)
	if !err.Ok() {
		return nil, fmt.Errorf("attach block devices: %w", err)
	}
	k.Devices = devices

	mode := k.Config.ModeHint
	rootDriveIndex := -1
	if mode == ModeUnknown {
		var gerr errno.Errno
		mode, rootDriveIndex, gerr = GuessMode(devices, in.BootDevice)
		if !gerr.Ok() {
			return nil, fmt.Errorf("guess kernel context: %w", gerr)
		}
	} else {
		for i := range devices {
			rootDriveIndex = i
			break
		}
	}
	if rootDriveIndex < 0 || rootDriveIndex >= len(devices) {
		return nil, fmt.Errorf("no root drive available for mode %v", mode)
	}
	log.Printf("kernel context: %s", modeString(mode))

	var partitionIndex uint8
	if mode == ModeInstalled {
		partitionIndex = 1
	}
	log.Printf("mounting root directory from %s...", devices[rootDriveIndex].Name)
	rootFS, merr := mountRoot(devices[rootDriveIndex], mode, partitionIndex)
	if merr != nil {
		return nil, fmt.Errorf("mount root directory: %w", merr)
	}
	k.VFS = vfs.New(rootFS, in.Logger, in.Halt)

	if _, cerr := k.VFS.CreateFile("/dev", vfs.AttrDir); !cerr.Ok() && cerr != errno.Permission {
		return nil, fmt.Errorf("create /dev mount point: %w", cerr)
	}
	k.Devfs = devfs.New()
	k.Devfs.PopulateBlockDevices(devices)
	if merr := k.VFS.Mount("/dev", k.Devfs); !merr.Ok() {
		return nil, fmt.Errorf("mount devfs: %w", merr)
	}

	k.Sched = proc.NewScheduler()
	k.Procs = proc.NewTable(k.Paging, k.Sched)
	k.Signals = signal.NewDispatcher(k.Procs, k.Sched, k.Paging)
	k.Syscall = ksyscall.New(k.VFS, k.Procs, k.Sched, k.Signals, k.Paging, in.Logger, in.Halt)

	kernelProc := k.Procs.Spawn(k.Paging.KernelDirectory())

	log.Printf("spawning init process...")
	init, serr := spawnInit(k, in.InitImage)
	if serr != nil {
		return nil, fmt.Errorf("spawn init process: %w", serr)
	}
	k.Init = init

	k.Sched.RemoveThread(kernelProc.Threads[0])
	return k, nil
}

// spawnInit forks init off the kernel process the way kmain spawns
// process_init(): a fresh process whose address space is immediately
// replaced by the init ELF image, so its PID/PGID/SID identity comes from
// the fork, not from Spawn directly.
func spawnInit(k *Kernel, image []byte) (*proc.Process, error) {
	kernelProc := k.Procs.Lookup(1)
	if kernelProc == nil {
		return nil, fmt.Errorf("spawnInit: kernel process missing from table")
	}
	child, err := k.Procs.Fork(kernelProc)
	if !err.Ok() {
		return nil, err
	}
	if err := k.Procs.Exec(child, image, []string{"init"}); !err.Ok() {
		return nil, err
	}
	return child, nil
}

func modeString(m ModeHint) string {
	switch m {
	case ModeLive:
		return "LIVE"
	case ModeInstalled:
		return "INSTALLED"
	default:
		return "FAILED"
	}
}
