// Package vp implements the VP (Virtual Processor) object: it binds a VM
// to a PP and owns zero or more VPSs.
package vp

import (
	"github.com/rianquinn/hypervisor-sub002/kernel"
	"github.com/rianquinn/hypervisor-sub002/kernel/abi"
	"github.com/rianquinn/hypervisor-sub002/kernel/pool"
	"github.com/rianquinn/hypervisor-sub002/kernel/sync"
)

var (
	ErrNotAllocated = &kernel.Error{Module: "vp", Message: "vp is not allocated"}
	ErrStillActive  = &kernel.Error{Module: "vp", Message: "vp is active on a pp"}
	ErrHasLiveVPSs  = &kernel.Error{Module: "vp", Message: "vp still has vpss assigned"}
	ErrMigrateWhileActive = &kernel.Error{Module: "vp", Message: "cannot migrate a vp that is active somewhere"}
)

const invalidPPID = uint16(0xFFFF)

// VP holds the fields of a single VP object; storage lives inside a Pool.
type VP struct {
	mu sync.Spinlock

	id           abi.ID
	status       pool.Status
	assignedVMID abi.ID
	assignedPPID uint16
	activePPID   uint16 // invalidPPID when not active anywhere
}

// Pool is the fixed-size VP object pool (MAX_VPS).
type Pool struct {
	pool.Pool[VP]
}

func (p *Pool) Init(maxVPs uint16) {
	p.Pool.Init(maxVPs)
}

// Create binds a new VP to vmid/ppid. The VM binding never changes; the PP
// assignment changes only through Migrate.
func (p *Pool) Create(vmid abi.ID, ppid uint16) (*VP, *kernel.Error) {
	id, v, err := p.Pool.Allocate()
	if err != nil {
		return nil, err
	}
	v.id = id
	v.status = pool.Allocated
	v.assignedVMID = vmid
	v.assignedPPID = ppid
	v.activePPID = invalidPPID
	return v, nil
}

// Destroy deallocates v's slot. It fails (and zombifies v) if v is active
// anywhere or still has VPSs assigned; liveVPSs is supplied by the caller
// (the syscall dispatcher counts the VPS pool's assignments) to avoid a vp<->vps import cycle.
func (p *Pool) Destroy(v *VP, liveVPSs int) *kernel.Error {
	v.mu.Acquire()
	defer v.mu.Release()

	if v.status != pool.Allocated {
		return ErrNotAllocated
	}
	if v.activePPID != invalidPPID {
		return ErrStillActive
	}
	if liveVPSs > 0 {
		return ErrHasLiveVPSs
	}

	if err := p.Pool.Deallocate(v.id); err != nil {
		_ = p.Pool.Zombify(v.id)
		v.status = pool.Zombie
		return err
	}
	v.status = pool.Unallocated
	return nil
}

// ID returns the VP's id.
func (v *VP) ID() abi.ID { return v.id }

// AssignedVMID returns the VM this VP is permanently bound to.
func (v *VP) AssignedVMID() abi.ID { return v.assignedVMID }

// AssignedPPID returns the PP this VP currently runs on.
func (v *VP) AssignedPPID() uint16 { return v.assignedPPID }

// IsActive reports whether this VP is currently active on any PP.
func (v *VP) IsActive() bool {
	v.mu.Acquire()
	defer v.mu.Release()
	return v.activePPID != invalidPPID
}

// SetActive marks the VP active on ppid, which must equal its assigned PP.
func (v *VP) SetActive(ppid uint16) *kernel.Error {
	v.mu.Acquire()
	defer v.mu.Release()

	if ppid != v.assignedPPID {
		return &kernel.Error{Module: "vp", Message: "pp mismatch: vp is not assigned to this pp"}
	}
	if v.activePPID != invalidPPID {
		return &kernel.Error{Module: "vp", Message: "vp is already active"}
	}
	v.activePPID = ppid
	return nil
}

// SetInactive clears the VP's active flag.
func (v *VP) SetInactive() *kernel.Error {
	v.mu.Acquire()
	defer v.mu.Release()

	if v.activePPID == invalidPPID {
		return &kernel.Error{Module: "vp", Message: "vp is not active"}
	}
	v.activePPID = invalidPPID
	return nil
}

// Migrate reassigns the VP to new_ppid. Allowed only when the VP is not
// active anywhere.
func (v *VP) Migrate(newPPID uint16) *kernel.Error {
	v.mu.Acquire()
	defer v.mu.Release()

	if v.activePPID != invalidPPID {
		return ErrMigrateWhileActive
	}
	v.assignedPPID = newPPID
	return nil
}
