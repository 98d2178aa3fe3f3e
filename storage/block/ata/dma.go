package ata

import (
	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/memory/paging"
	"github.com/vhaudiquet/vkernel/memory/vmheap"
)

// IRQWaiter is the scheduler facility a DMA transfer sleeps on while the
// controller works, per spec.md §4.5 ("sleeps on the drive's IRQ").
type IRQWaiter interface {
	WaitIRQ(irq uint8, timeoutMs uint32) errno.Errno
}

// Controller issues a DMA command against a physically contiguous,
// PRDT-backed buffer and signals the drive's IRQ line on completion. The
// bus-master register programming itself is out of scope; this is the
// shape the driver around it has to satisfy.
type Controller interface {
	IssueRead(sector uint64, prdtPhys uint64, sectors uint32) errno.Errno
	IssueWrite(sector uint64, prdtPhys uint64, sectors uint32) errno.Errno
	Status() errno.Errno
}

// DMADrive performs sector transfers through a PRDT-backed buffer mapped
// with memory/paging.MapMemory (and released with UnmapFlexible), the pattern described in spec.md §4.5 for
// "DMA variants": allocate a physically contiguous buffer, program the
// controller, sleep on the IRQ, then inspect status.
type DMADrive struct {
	Controller Controller
	Waiter     IRQWaiter
	IRQ        uint8
	PG         *paging.Manager
	VM         *vmheap.Heap
	PD         *paging.Directory
	capacity   uint64
}

// NewDMADrive wires a Controller to the paging/vmheap machinery needed to
// stage PRDT buffers in the kernel's high-half window.
func NewDMADrive(ctrl Controller, waiter IRQWaiter, irq uint8, pg *paging.Manager, vm *vmheap.Heap, kernelPD *paging.Directory, capacitySectors uint64) *DMADrive {
	return &DMADrive{Controller: ctrl, Waiter: waiter, IRQ: irq, PG: pg, VM: vm, PD: kernelPD, capacity: capacitySectors}
}

func (d *DMADrive) Capacity() uint64 { return d.capacity }

// transfer stages a PRDT buffer, issues the command, sleeps on the IRQ,
// and inspects the controller's status once woken.
func (d *DMADrive) transfer(sector uint64, sectors uint32, issue func(prdtPhys uint64) errno.Errno, into []byte, fromDevice bool) errno.Errno {
	const sectorSize = 512
	size := uint64(sectors) * sectorSize

	vaddr, err := d.VM.Reserve(size)
	if !err.Ok() {
		return err
	}
	defer d.VM.Free(vaddr)

	paddr, err := d.PG.GetPhysical(vaddr, d.PD)
	if !err.Ok() {
		// The freshly reserved window has no backing yet (every transfer
		// unmaps it on return): back it with real physical pages.
		if err := d.PG.MapMemory(size, vaddr, d.PD); !err.Ok() {
			return err
		}
		paddr, err = d.PG.GetPhysical(vaddr, d.PD)
		if !err.Ok() {
			return err
		}
	}
	defer d.PG.UnmapFlexible(size, vaddr, d.PD)

	if !fromDevice {
		if err := d.PG.WriteVirtual(d.PD, vaddr, into); !err.Ok() {
			return err
		}
	}

	if err := issue(paddr); !err.Ok() {
		return err
	}
	if d.Waiter != nil {
		if err := d.Waiter.WaitIRQ(d.IRQ, 5000); !err.Ok() {
			return err
		}
	}
	if err := d.Controller.Status(); !err.Ok() {
		return err
	}

	if fromDevice {
		return d.PG.ReadVirtual(d.PD, vaddr, into)
	}
	return errno.None
}

func (d *DMADrive) ReadSector(sector uint64, buf []byte) errno.Errno {
	return d.transfer(sector, 1, func(prdt uint64) errno.Errno {
		return d.Controller.IssueRead(sector, prdt, 1)
	}, buf, true)
}

func (d *DMADrive) WriteSector(sector uint64, buf []byte) errno.Errno {
	return d.transfer(sector, 1, func(prdt uint64) errno.Errno {
		return d.Controller.IssueWrite(sector, prdt, 1)
	}, buf, false)
}
