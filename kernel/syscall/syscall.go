// Package syscall implements the kernel's single-entry-point dispatcher:
// it decodes the 64-bit opcode an extension deposits in
// tls.Block.ExtSyscall, validates the presented handle, routes to one of
// the seven syscall families, and reports back through ext_reg0 with the
// upper bits of that register preserved for narrower return types.
//
// The handle convention this dispatcher uses: every syscall but
// bf_handle_op_open_handle presents its handle in ext_reg0 and its up-to-
// three remaining arguments in ext_reg1..ext_reg3; ext_reg0 is then
// overwritten with the call's return value (or left untouched on a call
// that returns nothing but status).
package syscall

import (
	"github.com/rianquinn/hypervisor-sub002/kernel"
	"github.com/rianquinn/hypervisor-sub002/kernel/abi"
	"github.com/rianquinn/hypervisor-sub002/kernel/ext"
	"github.com/rianquinn/hypervisor-sub002/kernel/kfmt"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem/pmm"
	"github.com/rianquinn/hypervisor-sub002/kernel/pool"
	"github.com/rianquinn/hypervisor-sub002/kernel/tls"
	"github.com/rianquinn/hypervisor-sub002/kernel/vm"
	"github.com/rianquinn/hypervisor-sub002/kernel/vp"
	"github.com/rianquinn/hypervisor-sub002/kernel/vps"
)

// PageAllocFn/PageDeallocFn/HugeAllocFn/HugeDeallocFn are the pool
// closures mkmain wires the dispatcher to; kept as named types here (rather
// than reusing ext's unexported ones) since the syscall package is where
// bf_mem_op_* handlers live and needs to name them in its own signatures.
type PageAllocFn func(tag mem.PageTag) (pmm.Frame, *kernel.Error)
type PageDeallocFn func(frame pmm.Frame, tag mem.PageTag) *kernel.Error
type HugeAllocFn func(pages uintptr, tag mem.PageTag) (pmm.Frame, *kernel.Error)
type HugeDeallocFn func(frame pmm.Frame, tag mem.PageTag) *kernel.Error

// Outcome tells mkmain's loop what to do after Dispatch returns.
type Outcome uint8

const (
	// OutcomeReturn means the call completed; write Result.Status into
	// ext_reg0's low bits per the call's return width and resume the
	// extension at its syscall return site.
	OutcomeReturn Outcome = iota

	// OutcomeRunVPS means the named VPS has been loaded on the current PP
	// and is ready for vmlaunch/vmresume/vmrun; mkmain's VMExit loop
	// takes over from here and the extension is not resumed directly.
	OutcomeRunVPS

	// OutcomePromote means the named VPS has been merged back into the
	// loader-provided root VP state; mkmain logs the hand-off and returns
	// from the syscall gate. Control is not transferred to the host OS.
	OutcomePromote
)

// Result is what Dispatch hands back to mkmain.
type Result struct {
	Status  abi.Status
	Outcome Outcome

	VMID  abi.ID
	VPID  abi.ID
	VPSID abi.ID
}

// Dispatcher holds every shared resource a syscall handler family needs:
// the three object pools, the loaded extension, and the page/huge pool
// closures mem-op handlers and object-create paths allocate through.
type Dispatcher struct {
	Ext  *ext.Extension
	VMs  *vm.Pool
	VPs  *vp.Pool
	VPSs *vps.Pool

	AllocPage   PageAllocFn
	DeallocPage PageDeallocFn
	AllocHuge   HugeAllocFn
	DeallocHuge HugeDeallocFn

	// Backend selects which hardware virtualization extension new VPSs
	// are created against; mkmain sets this once at boot from
	// cpu.IsIntel().
	Backend vps.Backend

	// launched tracks, per VPSID, whether vmlaunch has already run on the
	// VPS's current load; clearLaunched resets the entry so the next Run
	// after a clear_vps or destroy_vps issues vmlaunch again instead of
	// vmresume.
	launched map[abi.ID]*bool
}

// LaunchFlag returns the *bool vps.VPS.Run expects for vpsid, allocating
// one on first use. mkmain's VMExit loop calls this immediately after
// Dispatch signals OutcomeRunVPS, to drive the actual vmlaunch/vmresume.
func (d *Dispatcher) LaunchFlag(vpsid abi.ID) *bool {
	if f, ok := d.launched[vpsid]; ok {
		return f
	}
	f := new(bool)
	d.launched[vpsid] = f
	return f
}

// clearLaunched forces the next Run on vpsid to issue vmlaunch rather than
// vmresume, mirroring vmclear's architectural effect on Intel.
func (d *Dispatcher) clearLaunched(vpsid abi.ID) {
	delete(d.launched, vpsid)
}

// New constructs a Dispatcher wired to the given pools, extension and pool
// closures.
func New(e *ext.Extension, vms *vm.Pool, vps_ *vp.Pool, vpss *vps.Pool, backend vps.Backend,
	allocPage PageAllocFn, deallocPage PageDeallocFn, allocHuge HugeAllocFn, deallocHuge HugeDeallocFn) *Dispatcher {
	return &Dispatcher{
		Ext:         e,
		VMs:         vms,
		VPs:         vps_,
		VPSs:        vpss,
		Backend:     backend,
		AllocPage:   allocPage,
		DeallocPage: deallocPage,
		AllocHuge:   allocHuge,
		DeallocHuge: deallocHuge,
		launched:    make(map[abi.ID]*bool),
	}
}

// Dispatch decodes tls.ExtSyscall and routes it to the appropriate handler
// family: validate the handle, gate VPS ops on a registered VMExit handler,
// dispatch, write the return value, reverse on a failed create/destroy.
func (d *Dispatcher) Dispatch(t *tls.Block) Result {
	op := abi.Opcode(t.ExtSyscall)
	if !op.Valid() {
		return Result{Status: abi.StatusFailureUnknown}
	}

	if op.Subsystem() == abi.SubsystemHandle && op.Index() == abi.HandleOpOpenHandle {
		t.ExtReg0 = d.Ext.OpenHandle()
		return Result{Status: abi.StatusSuccess}
	}

	if err := d.Ext.CheckHandle(t.ExtReg0); err != nil {
		return Result{Status: abi.StatusFailureInvalidHandle}
	}

	if op.Subsystem() == abi.SubsystemVPS && !d.Ext.HasVMExitHandler() {
		return Result{Status: abi.StatusFailureUnsupported}
	}

	// Create/destroy handlers are the ones with a reversal obligation on
	// partial failure; read/write/run either succeed fully or leave the
	// object unchanged, so only create/destroy carry the flag. The
	// handlers themselves perform the rollback inline before returning.
	if needsReversal(op) {
		t.StateReversalRequired = true
		defer func() { t.StateReversalRequired = false }()
	}

	var res Result
	switch op.Subsystem() {
	case abi.SubsystemHandle:
		res = d.dispatchHandle(t, op)
	case abi.SubsystemCallback:
		res = d.dispatchCallback(t, op)
	case abi.SubsystemVM:
		res = d.dispatchVM(t, op)
	case abi.SubsystemVP:
		res = d.dispatchVP(t, op)
	case abi.SubsystemVPS:
		res = d.dispatchVPS(t, op)
	case abi.SubsystemIntrinsic:
		res = d.dispatchIntrinsic(t, op)
	case abi.SubsystemMem:
		res = d.dispatchMem(t, op)
	default:
		res = Result{Status: abi.StatusFailureUnknown}
	}

	if !res.Status.IsSuccess() {
		kfmt.Printf("syscall: opcode %#x failed with status %d\n", uint64(op), res.Status)
	}
	return res
}

// needsReversal reports whether op is one of the create/destroy calls whose
// handler must undo partial allocation on failure.
func needsReversal(op abi.Opcode) bool {
	switch op.Subsystem() {
	case abi.SubsystemVM:
		return op.Index() == abi.VMOpCreateVM || op.Index() == abi.VMOpDestroyVM
	case abi.SubsystemVP:
		return op.Index() == abi.VPOpCreateVP || op.Index() == abi.VPOpDestroyVP
	case abi.SubsystemVPS:
		return op.Index() == abi.VPSOpCreateVPS || op.Index() == abi.VPSOpDestroyVPS
	}
	return false
}

// setReg0 writes value into t.ExtReg0, masked to widthBits and preserving
// whatever was already in the register above that width.
func setReg0(t *tls.Block, value uint64, widthBits int) {
	var mask uint64
	if widthBits >= 64 {
		mask = ^uint64(0)
	} else {
		mask = uint64(1)<<uint(widthBits) - 1
	}
	t.ExtReg0 = (t.ExtReg0 &^ mask) | (value & mask)
}

func (d *Dispatcher) vmByID(id abi.ID) (*vm.VM, abi.Status) {
	if id >= d.VMs.Len() || d.VMs.StatusOf(id) != pool.Allocated {
		return nil, abi.StatusFailureInvalidParams1
	}
	return d.VMs.At(id), abi.StatusSuccess
}

func (d *Dispatcher) vpByID(id abi.ID) (*vp.VP, abi.Status) {
	if id >= d.VPs.Len() || d.VPs.StatusOf(id) != pool.Allocated {
		return nil, abi.StatusFailureInvalidParams1
	}
	return d.VPs.At(id), abi.StatusSuccess
}

func (d *Dispatcher) vpsByID(id abi.ID) (*vps.VPS, abi.Status) {
	if id >= d.VPSs.Len() || d.VPSs.StatusOf(id) != pool.Allocated {
		return nil, abi.StatusFailureInvalidParams1
	}
	return d.VPSs.At(id), abi.StatusSuccess
}

// liveVPsForVM counts VPs currently assigned to vmid, so destroyVM can
// refuse a VM that still has VPs before its direct-map RPT is torn down
// (vm does not import vp).
func (d *Dispatcher) liveVPsForVM(vmid abi.ID) int {
	n := 0
	for i := uint16(0); i < d.VPs.Len(); i++ {
		if d.VPs.StatusOf(i) == pool.Allocated && d.VPs.At(i).AssignedVMID() == vmid {
			n++
		}
	}
	return n
}

// liveVPSsForVP counts VPSs currently assigned to vpid, mirroring
// liveVPsForVM for vp.Pool.Destroy's precondition.
func (d *Dispatcher) liveVPSsForVP(vpid abi.ID) int {
	n := 0
	for i := uint16(0); i < d.VPSs.Len(); i++ {
		if d.VPSs.StatusOf(i) == pool.Allocated && d.VPSs.At(i).AssignedVPID() == vpid {
			n++
		}
	}
	return n
}
