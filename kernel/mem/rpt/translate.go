package rpt

import (
	"github.com/rianquinn/hypervisor-sub002/kernel"
	"github.com/rianquinn/hypervisor-sub002/kernel/cpu"
)

// Translate walks the RPT and returns the physical address that vaddr is
// currently mapped to, or ErrNotMapped if no present leaf entry covers it.
func (r *RPT) Translate(vaddr uintptr) (uintptr, *kernel.Error) {
	r.mu.Acquire()
	defer r.mu.Release()

	leaf, err := r.walk(vaddr, false)
	if err != nil {
		return 0, err
	}
	if !leaf.HasFlags(FlagPresent) {
		return 0, ErrNotMapped
	}

	pageOffset := vaddr & (uintptr(1)<<12 - 1)
	return leaf.Frame().Address() + pageOffset, nil
}

// Activate installs this RPT as the currently active address space by
// loading its PML4 physical address into CR3, flushing stale TLB entries.
// Callers running under Intel VT-x additionally invalidate EPT/VPID state
// separately via the VPS object once a guest-physical mapping changes,
// since that invalidation is scoped to a VPID/EPTP rather than to CR3.
func (r *RPT) Activate() {
	cpu.SwitchPDT(r.pml4Frame.Address())
}
