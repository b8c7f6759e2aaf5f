package syscall

import (
	"unsafe"

	"github.com/rianquinn/hypervisor-sub002/kernel"
	"github.com/rianquinn/hypervisor-sub002/kernel/abi"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem/pmm"
	"github.com/rianquinn/hypervisor-sub002/kernel/tls"
	"github.com/rianquinn/hypervisor-sub002/kernel/vps"
)

// dispatchVPS routes bf_vps_op_*. Every operation here presents its vpsid
// in ext_reg1 except run_current/advance_ip_and_run_current/promote, which
// act on whatever VPS the dispatching tls.Block already has active.
func (d *Dispatcher) dispatchVPS(t *tls.Block, op abi.Opcode) Result {
	switch op.Index() {
	case abi.VPSOpCreateVPS:
		res := d.createVPS(t, abi.ID(t.ExtReg1))
		if res.Status.IsSuccess() {
			setReg0(t, uint64(res.VPSID), 16)
		}
		return res
	case abi.VPSOpDestroyVPS:
		return d.destroyVPS(abi.ID(t.ExtReg1))
	case abi.VPSOpInitAsRoot:
		return d.initAsRoot(abi.ID(t.ExtReg1), uintptr(t.ExtReg2))
	case abi.VPSOpRead8:
		return d.readVPS(t, abi.ID(t.ExtReg1), t.ExtReg2, 8)
	case abi.VPSOpRead16:
		return d.readVPS(t, abi.ID(t.ExtReg1), t.ExtReg2, 16)
	case abi.VPSOpRead32:
		return d.readVPS(t, abi.ID(t.ExtReg1), t.ExtReg2, 32)
	case abi.VPSOpRead64:
		return d.readVPS(t, abi.ID(t.ExtReg1), t.ExtReg2, 64)
	case abi.VPSOpWrite8:
		return d.writeVPS(t, abi.ID(t.ExtReg1), t.ExtReg2, t.ExtReg3, 8)
	case abi.VPSOpWrite16:
		return d.writeVPS(t, abi.ID(t.ExtReg1), t.ExtReg2, t.ExtReg3, 16)
	case abi.VPSOpWrite32:
		return d.writeVPS(t, abi.ID(t.ExtReg1), t.ExtReg2, t.ExtReg3, 32)
	case abi.VPSOpWrite64:
		return d.writeVPS(t, abi.ID(t.ExtReg1), t.ExtReg2, t.ExtReg3, 64)
	case abi.VPSOpReadReg:
		return d.readReg(t, abi.ID(t.ExtReg1), vps.Reg(t.ExtReg2))
	case abi.VPSOpWriteReg:
		return d.writeReg(abi.ID(t.ExtReg1), vps.Reg(t.ExtReg2), t.ExtReg3)
	case abi.VPSOpRun:
		return d.run(t, abi.ID(t.ExtReg1))
	case abi.VPSOpRunCurrent:
		return d.runCurrent(t)
	case abi.VPSOpAdvanceIP:
		return d.advanceIP(t, abi.ID(t.ExtReg1))
	case abi.VPSOpAdvanceIPAndRunCurrent:
		if res := d.advanceIP(t, t.ActiveVPSID); !res.Status.IsSuccess() {
			return res
		}
		return d.runCurrent(t)
	case abi.VPSOpPromote:
		return d.promote(t)
	case abi.VPSOpClearVPS:
		return d.clearVPS(abi.ID(t.ExtReg1))
	default:
		return Result{Status: abi.StatusFailureUnknown}
	}
}

func (d *Dispatcher) createVPS(t *tls.Block, vpid abi.ID) Result {
	if _, status := d.vpByID(vpid); status != abi.StatusSuccess {
		return Result{Status: abi.StatusFailureInvalidParams1}
	}

	// allocFn adapts the dispatcher's huge-pool closure to the allocator
	// signature vps.Pool.Create expects (a single VMCS/VMCB page, tagged
	// TagScratch since it is kernel-internal bookkeeping never visible to
	// the extension).
	allocFn := func() (uintptr, *kernel.Error) {
		frame, err := d.AllocHuge(1, mem.TagScratch)
		if err != nil {
			return 0, err
		}
		return frame.Address(), nil
	}

	v, err := d.VPSs.Create(vpid, t.PPID, d.Backend, allocFn)
	if err != nil {
		return Result{Status: abi.StatusFailureOOM}
	}
	return Result{Status: abi.StatusSuccess, VPSID: v.ID()}
}

func (d *Dispatcher) destroyVPS(vpsid abi.ID) Result {
	v, status := d.vpsByID(vpsid)
	if status != abi.StatusSuccess {
		return Result{Status: status}
	}

	deallocFn := func(phys uintptr) *kernel.Error {
		return d.DeallocHuge(pmm.FrameFromAddress(phys), mem.TagScratch)
	}

	if err := d.VPSs.Destroy(v, deallocFn); err != nil {
		return Result{Status: abi.StatusFailureUnknown}
	}
	d.clearLaunched(vpsid)
	return Result{Status: abi.StatusSuccess}
}

// initAsRoot bulk-copies the loader-provided state-save blob at addr into
// vpsid, for the root VPS the loader hands off to on boot.
func (d *Dispatcher) initAsRoot(vpsid abi.ID, addr uintptr) Result {
	v, status := d.vpsByID(vpsid)
	if status != abi.StatusSuccess {
		return Result{Status: status}
	}
	if addr == 0 {
		return Result{Status: abi.StatusFailureInvalidParams2}
	}
	s := (*vps.StateSave)(unsafe.Pointer(addr))
	v.StateSaveToVPS(s)
	return Result{Status: abi.StatusSuccess}
}

func (d *Dispatcher) readVPS(t *tls.Block, vpsid abi.ID, field uint64, width int) Result {
	v, status := d.vpsByID(vpsid)
	if status != abi.StatusSuccess {
		return Result{Status: status}
	}
	if !v.LoadedOn(t.PPID) {
		return Result{Status: abi.StatusFailureUnknown}
	}

	var val uint64
	var err *kernel.Error
	switch width {
	case 8:
		var v8 uint8
		v8, err = v.Read8(field)
		val = uint64(v8)
	case 16:
		var v16 uint16
		v16, err = v.Read16(field)
		val = uint64(v16)
	case 32:
		var v32 uint32
		v32, err = v.Read32(field)
		val = uint64(v32)
	default:
		val, err = v.Read64(field)
	}
	if err != nil {
		return Result{Status: abi.StatusFailureUnknown}
	}
	setReg0(t, val, width)
	return Result{Status: abi.StatusSuccess}
}

func (d *Dispatcher) writeVPS(t *tls.Block, vpsid abi.ID, field, value uint64, width int) Result {
	v, status := d.vpsByID(vpsid)
	if status != abi.StatusSuccess {
		return Result{Status: status}
	}
	if !v.LoadedOn(t.PPID) {
		return Result{Status: abi.StatusFailureUnknown}
	}

	var err *kernel.Error
	switch width {
	case 8:
		err = v.Write8(field, uint8(value))
	case 16:
		err = v.Write16(field, uint16(value))
	case 32:
		err = v.Write32(field, uint32(value))
	default:
		err = v.Write64(field, value)
	}
	if err != nil {
		return Result{Status: abi.StatusFailureUnknown}
	}
	return Result{Status: abi.StatusSuccess}
}

func (d *Dispatcher) readReg(t *tls.Block, vpsid abi.ID, reg vps.Reg) Result {
	v, status := d.vpsByID(vpsid)
	if status != abi.StatusSuccess {
		return Result{Status: status}
	}
	val, err := v.ReadReg(reg)
	if err != nil {
		if err == vps.ErrUnknownReg {
			return Result{Status: abi.StatusFailureInvalidParams2}
		}
		return Result{Status: abi.StatusFailureUnknown}
	}
	setReg0(t, val, 64)
	return Result{Status: abi.StatusSuccess}
}

func (d *Dispatcher) writeReg(vpsid abi.ID, reg vps.Reg, value uint64) Result {
	v, status := d.vpsByID(vpsid)
	if status != abi.StatusSuccess {
		return Result{Status: status}
	}
	if err := v.WriteReg(reg, value); err != nil {
		if err == vps.ErrUnknownReg {
			return Result{Status: abi.StatusFailureInvalidParams2}
		}
		return Result{Status: abi.StatusFailureUnknown}
	}
	return Result{Status: abi.StatusSuccess}
}

// activateChain marks the VP assigned to vpid, and the VM that VP is bound
// to, active on ppid; the activity bits are what gate vp_op_migrate and the
// destroy paths. It is idempotent: a VPS already active on this PP must not
// turn an "already active" bookkeeping error into a failed syscall. A VP
// whose assigned PP does not match ppid fails here, since a VPS may only
// run on the PP its VP is assigned to.
func (d *Dispatcher) activateChain(vpid abi.ID, ppid uint16) Result {
	vpObj, status := d.vpByID(vpid)
	if status != abi.StatusSuccess {
		return Result{Status: status}
	}
	if !vpObj.IsActive() {
		if err := vpObj.SetActive(ppid); err != nil {
			return Result{Status: abi.StatusFailureUnknown}
		}
	}

	vmObj, status := d.vmByID(vpObj.AssignedVMID())
	if status != abi.StatusSuccess {
		return Result{Status: status}
	}
	if !vmObj.IsActive(ppid) {
		if err := vmObj.SetActive(ppid); err != nil {
			return Result{Status: abi.StatusFailureUnknown}
		}
	}
	return Result{Status: abi.StatusSuccess}
}

// deactivateChain is activateChain's inverse: called once a VPS is cleared
// or its PP promotes back to the host, the VP and VM it was driving are no
// longer running a guest on ppid. Lookup failures and already-inactive
// objects are not reported as errors — deactivation is a side effect of a
// call that has already succeeded, not a precondition of one.
func (d *Dispatcher) deactivateChain(vpid abi.ID, ppid uint16) {
	vpObj, status := d.vpByID(vpid)
	if status != abi.StatusSuccess {
		return
	}
	if vpObj.IsActive() {
		_ = vpObj.SetInactive()
	}

	vmObj, status := d.vmByID(vpObj.AssignedVMID())
	if status != abi.StatusSuccess {
		return
	}
	if vmObj.IsActive(ppid) {
		_ = vmObj.SetInactive(ppid)
	}
}

// run loads vpsid onto the calling PP and hands control back to mkmain's
// VMExit loop: this call does not return to the extension in
// the ordinary sense, so its status only reports whether the load
// succeeded, not whether the guest ran cleanly.
func (d *Dispatcher) run(t *tls.Block, vpsid abi.ID) Result {
	v, status := d.vpsByID(vpsid)
	if status != abi.StatusSuccess {
		return Result{Status: status}
	}
	if v.AssignedPPID() != t.PPID {
		return Result{Status: abi.StatusFailureInvalidParams1}
	}
	if err := loadVPSFn(v, t.PPID); err != nil {
		return Result{Status: abi.StatusFailureUnknown}
	}
	if res := d.activateChain(v.AssignedVPID(), t.PPID); !res.Status.IsSuccess() {
		return res
	}
	t.ActiveVPSID = vpsid
	return Result{Status: abi.StatusSuccess, Outcome: OutcomeRunVPS, VPSID: vpsid}
}

// runCurrent re-enters whatever VPS is already active on this PP, used by
// an extension's vmexit handler to resume the guest after handling an
// exit itself rather than returning control to the loader.
func (d *Dispatcher) runCurrent(t *tls.Block) Result {
	if t.ActiveVPSID == abi.InvalidID {
		return Result{Status: abi.StatusFailureUnknown}
	}
	return Result{Status: abi.StatusSuccess, Outcome: OutcomeRunVPS, VPSID: t.ActiveVPSID}
}

func (d *Dispatcher) advanceIP(t *tls.Block, vpsid abi.ID) Result {
	v, status := d.vpsByID(vpsid)
	if status != abi.StatusSuccess {
		return Result{Status: status}
	}
	if err := v.AdvanceIP(t.PPID); err != nil {
		return Result{Status: abi.StatusFailureUnknown}
	}
	return Result{Status: abi.StatusSuccess}
}

// promote merges the active VPS's state back into the loader-provided root
// VP state blob at tls.RootVPState and tells mkmain to stop running guests
// on this PP and hand control back to the host OS.
func (d *Dispatcher) promote(t *tls.Block) Result {
	if t.ActiveVPSID == abi.InvalidID {
		return Result{Status: abi.StatusFailureUnknown}
	}
	v, status := d.vpsByID(t.ActiveVPSID)
	if status != abi.StatusSuccess {
		return Result{Status: status}
	}

	s := (*vps.StateSave)(unsafe.Pointer(t.RootVPState))
	v.VPSToStateSave(s)

	d.deactivateChain(v.AssignedVPID(), t.PPID)

	vpsid := t.ActiveVPSID
	t.ActiveVPSID = abi.InvalidID
	return Result{Status: abi.StatusSuccess, Outcome: OutcomePromote, VPSID: vpsid}
}

func (d *Dispatcher) clearVPS(vpsid abi.ID) Result {
	v, status := d.vpsByID(vpsid)
	if status != abi.StatusSuccess {
		return Result{Status: status}
	}
	ppid := v.AssignedPPID()
	vpid := v.AssignedVPID()
	if err := v.Clear(); err != nil {
		return Result{Status: abi.StatusFailureUnknown}
	}
	d.deactivateChain(vpid, ppid)
	d.clearLaunched(vpsid)
	return Result{Status: abi.StatusSuccess}
}
