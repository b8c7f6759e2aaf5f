package vps

import (
	"github.com/rianquinn/hypervisor-sub002/kernel"
	"github.com/rianquinn/hypervisor-sub002/kernel/abi"
	"github.com/rianquinn/hypervisor-sub002/kernel/pool"
	"github.com/rianquinn/hypervisor-sub002/kernel/sync"
)

const invalidPPID = uint16(0xFFFF)

var (
	ErrNotAllocated      = &kernel.Error{Module: "vps", Message: "vps is not allocated"}
	ErrNotLoaded         = &kernel.Error{Module: "vps", Message: "vps is not loaded on the current pp"}
	ErrLoadedElsewhere   = &kernel.Error{Module: "vps", Message: "vps is loaded on a different pp; clear() first"}
	ErrWrongPP           = &kernel.Error{Module: "vps", Message: "vps's assigned vp is not assigned to the current pp"}
	ErrMigrateNotCleared = &kernel.Error{Module: "vps", Message: "vps must be cleared before it can migrate"}
	ErrVMFail            = &kernel.Error{Module: "vps", Message: "vmlaunch/vmresume/vmrun failed"}
)

// GPRBlock holds the general-purpose registers hardware does not save
// across a VMExit (the "missing registers" block). Its address is handed
// directly to the Vmlaunch/Vmresume/Vmrun intrinsics.
type GPRBlock struct {
	RAX, RBX, RCX, RDX, RBP, RSI, RDI    uint64
	R8, R9, R10, R11, R12, R13, R14, R15 uint64
}

// StateSave is the loader-provided state-save blob format used by
// init_as_root and promote to bulk-exchange state with a VPS.
type StateSave struct {
	GPRBlock
	RIP, RSP, RFlags                            uint64
	CR0, CR2, CR3, CR4                          uint64
	CSSelector, CSBase, CSLimit, CSAccessRights uint64
	SSSelector, SSBase, SSLimit, SSAccessRights uint64
	IA32Efer, IA32Pat                           uint64
}

// VPS holds the fields of a single VPS object; storage lives inside a
// Pool.
type VPS struct {
	mu sync.Spinlock

	id           abi.ID
	status       pool.Status
	assignedVPID abi.ID
	assignedPPID uint16
	activePPID   uint16
	loadedOnPPID uint16

	backend    Backend
	structAddr uintptr // physical address of the 4 KiB VMCS/VMCB

	// needInvalidate is set by Migrate and consumed by the next Load: a
	// VPS that changed PPs must not reuse VPID/ASID-tagged translations
	// cached on the old PP.
	needInvalidate bool

	gprs GPRBlock

	// fields backs read/write for the fields this package
	// models directly (see field.go) rather than delegating to the raw
	// Vmread/Vmwrite or VMCB-offset intrinsics; kept so read()/write()
	// observe what state_save_to_vps/vps_to_state_save last set even
	// before a real load() has occurred.
	fields map[uint64]uint64
}

// Pool is the fixed-size VPS object pool (MAX_VPSS).
type Pool struct {
	pool.Pool[VPS]
}

func (p *Pool) Init(maxVPSs uint16) {
	p.Pool.Init(maxVPSs)
}

// allocHugeFn lets Create obtain the page(s) backing the VMCS/VMCB; mkmain
// wires this to the huge pool since some AMD VMCBs require alignment
// guarantees stronger than the page pool promises, and the VMCS/VMCB is
// always exactly one page on the backends this core implements.
type allocHugeFn func() (phys uintptr, err *kernel.Error)

// Create allocates the hardware structure via allocFn, records the Intel
// revision identifier (the low 31 bits of IA32_VMX_BASIC) in the VPS's
// cached fields, and binds it to vpid/ppid. It does not write the
// structure's memory and does not execute vmclear on it.
func (p *Pool) Create(vpid abi.ID, ppid uint16, backend Backend, allocFn allocHugeFn) (*VPS, *kernel.Error) {
	id, v, err := p.Pool.Allocate()
	if err != nil {
		return nil, err
	}

	phys, aerr := allocFn()
	if aerr != nil {
		_ = p.Pool.Deallocate(id)
		return nil, aerr
	}

	v.id = id
	v.status = pool.Allocated
	v.assignedVPID = vpid
	v.assignedPPID = ppid
	v.activePPID = invalidPPID
	v.loadedOnPPID = invalidPPID
	v.backend = backend
	v.structAddr = phys
	v.fields = make(map[uint64]uint64)

	if backend == BackendIntel {
		rev := rdmsrFn(msrIA32VMXBasic)
		v.fields[fieldRevisionID] = rev & 0x7fffffff
	}

	return v, nil
}

// Destroy returns the VPS's hardware structure to the huge pool (via
// deallocFn, wired by mkmain) and deallocates its slot.
func (p *Pool) Destroy(v *VPS, deallocFn func(phys uintptr) *kernel.Error) *kernel.Error {
	v.mu.Acquire()
	if v.status != pool.Allocated {
		v.mu.Release()
		return ErrNotAllocated
	}
	if v.loadedOnPPID != invalidPPID {
		v.mu.Release()
		return ErrLoadedElsewhere
	}
	phys := v.structAddr
	v.mu.Release()

	if err := deallocFn(phys); err != nil {
		return err
	}
	if err := p.Pool.Deallocate(v.id); err != nil {
		_ = p.Pool.Zombify(v.id)
		v.status = pool.Zombie
		return err
	}
	v.status = pool.Unallocated
	return nil
}

func (v *VPS) ID() abi.ID              { return v.id }
func (v *VPS) AssignedVPID() abi.ID    { return v.assignedVPID }
func (v *VPS) AssignedPPID() uint16    { return v.assignedPPID }
func (v *VPS) Backend() Backend        { return v.backend }
func (v *VPS) StructPhysAddr() uintptr { return v.structAddr }

// IsActive reports whether this VPS is the one currently loaded-and-running
// on any PP. active_ppid is distinct from loaded_on_ppid: loaded tracks the
// vmptrld/vmload pointer, active tracks that Load actually succeeded in
// making this VPS the one a run() is driving.
func (v *VPS) IsActive() bool {
	v.mu.Acquire()
	defer v.mu.Release()
	return v.activePPID != invalidPPID
}

// Clear executes vmclear (Intel) or marks the VPS "not loaded" (AMD),
// after which it is safe to migrate.
func (v *VPS) Clear() *kernel.Error {
	v.mu.Acquire()
	defer v.mu.Release()

	if v.backend == BackendIntel {
		if !vmclearFn(v.structAddr) {
			return ErrVMFail
		}
	}
	v.loadedOnPPID = invalidPPID
	v.activePPID = invalidPPID
	return nil
}

// Load makes this VPS the current one on the calling PP. It fails if the
// VPS is currently loaded on a different PP. Load is always immediately
// followed by a run() in this kernel's dispatcher, so it is also where
// active_ppid is established; Clear is the one operation that relinquishes
// it again.
func (v *VPS) Load(currentPPID uint16) *kernel.Error {
	v.mu.Acquire()
	defer v.mu.Release()

	if v.loadedOnPPID != invalidPPID && v.loadedOnPPID != currentPPID {
		return ErrLoadedElsewhere
	}

	if v.backend == BackendIntel {
		if !vmptrldFn(v.structAddr) {
			return ErrVMFail
		}
	} else {
		vmloadFn(v.structAddr)
	}

	if v.needInvalidate {
		// A migrated VPS may still have VPID-tagged translations cached
		// from its old PP. AMD needs nothing here: vmrun re-establishes
		// the ASID's TLB state when the VMCB is run on a new core.
		if v.backend == BackendIntel {
			invvpidFn(invvpidAllContexts, 0)
		}
		v.needInvalidate = false
	}

	v.loadedOnPPID = currentPPID
	v.activePPID = currentPPID
	return nil
}

// LoadedOn reports whether this VPS is currently loaded on ppid. Field
// reads and writes are only legal while the VPS is loaded on the calling
// PP; the dispatcher checks this before touching the hardware structure.
func (v *VPS) LoadedOn(ppid uint16) bool {
	v.mu.Acquire()
	defer v.mu.Release()
	return v.loadedOnPPID == ppid
}

func (v *VPS) requireLoaded(currentPPID uint16) *kernel.Error {
	if v.loadedOnPPID != currentPPID {
		return ErrNotLoaded
	}
	return nil
}

// Migrate reassigns the VPS to new_ppid. Allowed only after Clear() and
// forces a VPID/ASID invalidation on the next Load.
func (v *VPS) Migrate(newPPID uint16) *kernel.Error {
	v.mu.Acquire()
	defer v.mu.Release()

	if v.loadedOnPPID != invalidPPID {
		return ErrMigrateNotCleared
	}
	v.assignedPPID = newPPID
	v.needInvalidate = true
	return nil
}

// AdvanceIP reads the last exit's instruction length and adds it to RIP.
func (v *VPS) AdvanceIP(currentPPID uint16) *kernel.Error {
	v.mu.Acquire()
	defer v.mu.Release()

	if err := v.requireLoaded(currentPPID); err != nil {
		return err
	}

	length := v.read(fieldExitInstructionLength)
	rip := v.read(fieldGuestRIP)
	v.write(fieldGuestRIP, rip+length)
	return nil
}

// Run executes vmlaunch/vmresume (Intel) or vmrun (AMD) with GPRs restored
// from the missing-registers block, then saves them back and returns the
// exit reason. launched tracks whether this is the first run on this PP
// since the last Load/Clear, which decides vmlaunch vs. vmresume.
func (v *VPS) Run(currentPPID uint16, launched *bool) (exitReason uint64, err *kernel.Error) {
	v.mu.Acquire()
	defer v.mu.Release()

	if err := v.requireLoaded(currentPPID); err != nil {
		return 0, err
	}
	if v.assignedPPID != currentPPID {
		return 0, ErrWrongPP
	}

	gprsAddr := gprBlockAddr(&v.gprs)

	if v.backend == BackendAMD {
		reason := vmrunFn(v.structAddr, gprsAddr)
		return reason, nil
	}

	var ok bool
	if *launched {
		exitReason, ok = vmresumeFn(gprsAddr)
	} else {
		exitReason, ok = vmlaunchFn(gprsAddr)
		*launched = ok
	}
	if !ok {
		return 0, ErrVMFail
	}
	return exitReason, nil
}
