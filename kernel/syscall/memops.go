package syscall

import (
	"github.com/rianquinn/hypervisor-sub002/kernel"
	"github.com/rianquinn/hypervisor-sub002/kernel/abi"
	"github.com/rianquinn/hypervisor-sub002/kernel/ext"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem/pmm"
	"github.com/rianquinn/hypervisor-sub002/kernel/tls"
)

// dispatchMem routes bf_mem_op_*. Every page/huge address crossing the ABI
// boundary is the virtual address the extension sees it at
// (ext.ExtPagePoolAddr + physical), never a raw physical address, so the
// extension never needs to know its own physical layout.
func (d *Dispatcher) dispatchMem(t *tls.Block, op abi.Opcode) Result {
	switch op.Index() {
	case abi.MemOpAllocPage:
		frame, err := d.Ext.AllocPage(func(tag mem.PageTag) (pmm.Frame, *kernel.Error) {
			return d.AllocPage(tag)
		})
		if err != nil {
			return Result{Status: abi.StatusFailureOOM}
		}
		setReg0(t, uint64(ext.ExtPagePoolAddr+frame.Address()), 64)
		return Result{Status: abi.StatusSuccess}

	case abi.MemOpFreePage:
		frame := pmm.FrameFromAddress(uintptr(t.ExtReg1) - ext.ExtPagePoolAddr)
		err := d.Ext.FreePage(frame, func(frame pmm.Frame, tag mem.PageTag) *kernel.Error {
			return d.DeallocPage(frame, tag)
		})
		if err != nil {
			return Result{Status: abi.StatusFailureInvalidParams1}
		}
		return Result{Status: abi.StatusSuccess}

	case abi.MemOpAllocHuge:
		pages := uintptr(t.ExtReg1)
		frame, err := d.Ext.AllocHuge(pages, func(pages uintptr, tag mem.PageTag) (pmm.Frame, *kernel.Error) {
			return d.AllocHuge(pages, tag)
		})
		if err != nil {
			return Result{Status: abi.StatusFailureOOM}
		}
		setReg0(t, uint64(ext.ExtPagePoolAddr+frame.Address()), 64)
		return Result{Status: abi.StatusSuccess}

	case abi.MemOpFreeHuge:
		frame := pmm.FrameFromAddress(uintptr(t.ExtReg1) - ext.ExtPagePoolAddr)
		err := d.Ext.FreeHuge(frame, func(frame pmm.Frame, tag mem.PageTag) *kernel.Error {
			return d.DeallocHuge(frame, tag)
		})
		if err != nil {
			return Result{Status: abi.StatusFailureInvalidParams1}
		}
		return Result{Status: abi.StatusSuccess}

	case abi.MemOpAllocHeap:
		nPages := uintptr(t.ExtReg1)
		vaddr, err := d.Ext.AllocHeap(nPages)
		if err != nil {
			return Result{Status: abi.StatusFailureOOM}
		}
		setReg0(t, uint64(vaddr), 64)
		return Result{Status: abi.StatusSuccess}

	default:
		return Result{Status: abi.StatusFailureUnknown}
	}
}
