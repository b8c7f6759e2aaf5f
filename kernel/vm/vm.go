// Package vm implements the VM object: a namespace of VPs with per-PP
// activity tracking. VM 0, the root VM, is immortal: it is created once at
// kernel init and can never be destroyed or zombified.
package vm

import (
	"github.com/rianquinn/hypervisor-sub002/kernel"
	"github.com/rianquinn/hypervisor-sub002/kernel/abi"
	"github.com/rianquinn/hypervisor-sub002/kernel/pool"
	"github.com/rianquinn/hypervisor-sub002/kernel/sync"
)

var (
	ErrNotAllocated  = &kernel.Error{Module: "vm", Message: "vm is not allocated"}
	ErrStillActive   = &kernel.Error{Module: "vm", Message: "vm is still active on at least one pp"}
	ErrHasLiveVPs    = &kernel.Error{Module: "vm", Message: "vm still has vps assigned"}
	ErrRootImmortal  = &kernel.Error{Module: "vm", Message: "the root vm can never be destroyed"}
	ErrAlreadyActive = &kernel.Error{Module: "vm", Message: "vm is already active on this pp"}
	ErrNotActive     = &kernel.Error{Module: "vm", Message: "vm is not active on this pp"}
)

// VM holds the fields of a single VM object; storage lives inside a Pool.
type VM struct {
	mu sync.Spinlock

	id     abi.ID
	status pool.Status
	active []bool // indexed by ppid, sized to the pool's maxPPs when the VM is allocated
}

// Pool is the fixed-size VM object pool (MAX_VMS).
type Pool struct {
	pool.Pool[VM]
	maxPPs int
}

// Init sizes the pool to maxVMs objects and immediately allocates and
// activates nothing; the root VM is created explicitly via InitRootVM by
// mkmain during boot on the BSP.
func (p *Pool) Init(maxVMs uint16, maxPPs int) {
	p.Pool.Init(maxVMs)
	p.maxPPs = maxPPs
}

// InitRootVM allocates VM id abi.RootVMID directly (bypassing the free
// list's ordering assumption only incidentally, since the root VM is always
// the first allocation the kernel performs) and marks it allocated.
func (p *Pool) InitRootVM() (*VM, *kernel.Error) {
	id, v, err := p.Pool.Allocate()
	if err != nil {
		return nil, err
	}
	if id != abi.RootVMID {
		return nil, &kernel.Error{Module: "vm", Message: "root vm must be the first allocation"}
	}
	v.id = id
	v.status = pool.Allocated
	v.active = make([]bool, p.maxPPs)
	return v, nil
}

// Create allocates a new non-root VM.
func (p *Pool) Create() (*VM, *kernel.Error) {
	id, v, err := p.Pool.Allocate()
	if err != nil {
		return nil, err
	}
	v.id = id
	v.status = pool.Allocated
	v.active = make([]bool, p.maxPPs)
	return v, nil
}

// Destroy deallocates vm's slot. liveVPs is supplied by the caller since
// this package does not import vp; the syscall dispatcher checks the VP
// pool itself before calling and passes 0.
func (p *Pool) Destroy(v *VM, liveVPs int) *kernel.Error {
	v.mu.Acquire()
	defer v.mu.Release()

	if v.id == abi.RootVMID {
		return ErrRootImmortal
	}
	if v.status != pool.Allocated && v.status != pool.Zombie {
		return ErrNotAllocated
	}

	for _, a := range v.active {
		if a {
			return ErrStillActive
		}
	}
	if liveVPs > 0 {
		return ErrHasLiveVPs
	}

	if err := p.Pool.Deallocate(v.id); err != nil {
		_ = p.Pool.Zombify(v.id)
		v.status = pool.Zombie
		return err
	}
	v.status = pool.Unallocated
	return nil
}

// ID returns the VM's id.
func (v *VM) ID() abi.ID {
	return v.id
}

// IsActiveAnywhere reports whether the VM is active on at least one PP.
func (v *VM) IsActiveAnywhere() bool {
	v.mu.Acquire()
	defer v.mu.Release()

	for _, a := range v.active {
		if a {
			return true
		}
	}
	return false
}

// SetActive marks the VM active on ppid. A VM may be active on many PPs
// simultaneously.
func (v *VM) SetActive(ppid uint16) *kernel.Error {
	v.mu.Acquire()
	defer v.mu.Release()

	if int(ppid) >= len(v.active) {
		return &kernel.Error{Module: "vm", Message: "ppid out of range"}
	}
	if v.active[ppid] {
		return ErrAlreadyActive
	}
	v.active[ppid] = true
	return nil
}

// SetInactive clears ppid's activity bit.
func (v *VM) SetInactive(ppid uint16) *kernel.Error {
	v.mu.Acquire()
	defer v.mu.Release()

	if int(ppid) >= len(v.active) || !v.active[ppid] {
		return ErrNotActive
	}
	v.active[ppid] = false
	return nil
}

// IsActive reports whether the VM is active on ppid.
func (v *VM) IsActive(ppid uint16) bool {
	v.mu.Acquire()
	defer v.mu.Release()

	if int(ppid) >= len(v.active) {
		return false
	}
	return v.active[ppid]
}
