package syscall

import (
	"github.com/rianquinn/hypervisor-sub002/kernel"
	"github.com/rianquinn/hypervisor-sub002/kernel/abi"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem/pmm"
	"github.com/rianquinn/hypervisor-sub002/kernel/tls"
)

// dispatchVM routes bf_vm_op_*.
func (d *Dispatcher) dispatchVM(t *tls.Block, op abi.Opcode) Result {
	switch op.Index() {
	case abi.VMOpCreateVM:
		res := d.createVM()
		if res.Status.IsSuccess() {
			setReg0(t, uint64(res.VMID), 16)
		}
		return res
	case abi.VMOpDestroyVM:
		return d.destroyVM(abi.ID(t.ExtReg1))
	default:
		return Result{Status: abi.StatusFailureUnknown}
	}
}

// createVM allocates a new VM and the extension's direct-map RPT for it.
// If the RPT cannot be built, the VM create itself is rolled back rather
// than leaving a VM with no direct map an extension could ever target with
// alloc_page/alloc_huge.
func (d *Dispatcher) createVM() Result {
	v, err := d.VMs.Create()
	if err != nil {
		return Result{Status: abi.StatusFailureOOM}
	}

	allocFn := func(tag mem.PageTag) (pmm.Frame, *kernel.Error) { return d.AllocPage(tag) }
	deallocFn := func(frame pmm.Frame, tag mem.PageTag) *kernel.Error { return d.DeallocPage(frame, tag) }
	if _, err := d.Ext.EnsureDirectMapRPT(v.ID(), allocFn, deallocFn); err != nil {
		_ = d.VMs.Destroy(v, 0)
		return Result{Status: abi.StatusFailureOOM}
	}

	return Result{Status: abi.StatusSuccess, VMID: v.ID()}
}

func (d *Dispatcher) destroyVM(vmid abi.ID) Result {
	v, status := d.vmByID(vmid)
	if status != abi.StatusSuccess {
		return Result{Status: status}
	}

	// Every destroy precondition is validated before the direct-map RPT
	// is touched: a rejected destroy (the immortal root VM, a VM still
	// active somewhere, a VM with assigned VPs) must leave the VM and its
	// direct map fully usable.
	if vmid == abi.RootVMID || v.IsActiveAnywhere() || d.liveVPsForVM(vmid) > 0 {
		return Result{Status: abi.StatusFailureUnknown}
	}

	// The RPT goes first: if its release fails partway through, the VM
	// stays allocated so the caller can retry, rather than leaking an RPT
	// behind an id already back on the free list.
	if err := d.Ext.TearDownDirectMapRPT(vmid); err != nil {
		return Result{Status: abi.StatusFailureUnknown}
	}
	if err := d.VMs.Destroy(v, 0); err != nil {
		return Result{Status: abi.StatusFailureUnknown}
	}
	return Result{Status: abi.StatusSuccess}
}
