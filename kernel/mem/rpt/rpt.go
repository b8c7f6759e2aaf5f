package rpt

import (
	"unsafe"

	"github.com/rianquinn/hypervisor-sub002/kernel"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem/pmm"
	"github.com/rianquinn/hypervisor-sub002/kernel/sync"
)

// directMapBase is the virtual address at which the system RPT identity-
// offsets all of physical memory. It is established once, early in boot,
// before any RPT (including the system RPT itself) is walked, and never
// changes afterwards.
var directMapBase uintptr

// SetDirectMapBase installs the virtual base of the direct map. It must be
// called exactly once, before any RPT method runs.
func SetDirectMapBase(base uintptr) {
	directMapBase = base
}

// DirectMapBase returns the virtual base installed by SetDirectMapBase, for
// callers (such as kernel/ext's segment loader) that need to read or write
// a physical frame's contents directly rather than through an RPT walk.
func DirectMapBase() uintptr {
	return directMapBase
}

// FrameAllocatorFn requests a single page-sized frame tagged with tag. It is
// supplied by whichever pool backs a given RPT's interior tables and leaf
// mappings (ordinarily the system page pool).
type FrameAllocatorFn func(tag mem.PageTag) (pmm.Frame, *kernel.Error)

// FrameDeallocatorFn returns a single frame, previously obtained from the
// matching FrameAllocatorFn, tagged with tag.
type FrameDeallocatorFn func(frame pmm.Frame, tag mem.PageTag) *kernel.Error

var (
	// ErrAlreadyMapped is returned by MapPage when the target virtual address
	// is already backed by a present leaf entry.
	ErrAlreadyMapped = &kernel.Error{Module: "rpt", Message: "virtual address is already mapped"}

	// ErrNotMapped is returned by Unmap/Translate when the target virtual
	// address has no present leaf entry.
	ErrNotMapped = &kernel.Error{Module: "rpt", Message: "virtual address is not mapped"}

	// ErrProtected is returned when a walk reaches an aliased PML4T entry:
	// that subtree belongs to the RPT AddTables copied it from.
	ErrProtected = &kernel.Error{Module: "rpt", Message: "address range belongs to a protected mapping"}

	// ErrInvalidFlags is returned when a caller requests both write and
	// execute permissions on the same mapping.
	ErrInvalidFlags = &kernel.Error{Module: "rpt", Message: "W^X violation: RW and NoExecute-clear requested together"}

	// ErrNotAligned is returned by MapPage when the target virtual address is
	// not page-aligned; MapPageUnaligned rounds instead of rejecting.
	ErrNotAligned = &kernel.Error{Module: "rpt", Message: "virtual address is not page-aligned"}
)

// RPT is a single root page table: a PML4T and everything reachable from it.
// The kernel keeps many of these alive concurrently — one system RPT, one
// main RPT per extension, and one direct-map RPT per (extension, VM) pair —
// which is why every walk here goes through the direct map rather than a
// recursive self-map slot: a recursive slot can only address the one RPT
// that is currently in CR3.
type RPT struct {
	mu sync.Spinlock

	pml4Frame pmm.Frame

	allocFn   FrameAllocatorFn
	deallocFn FrameDeallocatorFn
}

// Init allocates a fresh, empty PML4T for this RPT using allocFn, which (along
// with deallocFn) is retained for the lifetime of the RPT to service later
// table growth and, eventually, Release.
func (r *RPT) Init(allocFn FrameAllocatorFn, deallocFn FrameDeallocatorFn) *kernel.Error {
	r.allocFn = allocFn
	r.deallocFn = deallocFn

	frame, err := allocFn(mem.TagPML4T)
	if err != nil {
		return err
	}
	zeroTable(frame)
	r.pml4Frame = frame
	return nil
}

// PML4Frame returns the physical frame backing this RPT's top-level table,
// suitable for installation in CR3 by Activate or for copying into another
// RPT's aliased entries by AddTables.
func (r *RPT) PML4Frame() pmm.Frame {
	return r.pml4Frame
}

// InitFromFrame adopts an already-built PML4T (the loader's initial page
// table, described by bfargs.Args.RPT/RPTPhys) instead of allocating a
// fresh empty one. mkmain uses this once, for the system RPT only: every
// other RPT in this kernel (an extension's main_rpt, or a per-VM
// direct-map RPT) is always built fresh via Init and populated through
// AddTables/AllocatePageRW.
func (r *RPT) InitFromFrame(pml4Frame pmm.Frame, allocFn FrameAllocatorFn, deallocFn FrameDeallocatorFn) {
	r.allocFn = allocFn
	r.deallocFn = deallocFn
	r.pml4Frame = pml4Frame
}

// tableView returns a slice over the 512 entries of the table backed by
// frame, addressed through the direct map.
func tableView(frame pmm.Frame) []pageTableEntry {
	addr := directMapBase + frame.Address()
	return unsafe.Slice((*pageTableEntry)(unsafe.Pointer(addr)), 512)
}

func zeroTable(frame pmm.Frame) {
	kernel.Memset(directMapBase+frame.Address(), 0, uintptr(mem.PageSize))
}

// index returns the index into the table at the given paging level (0 ==
// PML4T) that vaddr falls under.
func index(vaddr uintptr, level int) uintptr {
	shift := mem.PageLevelShifts[level]
	bits := mem.PageLevelBits[level]
	mask := uintptr(1)<<bits - 1
	return (vaddr >> shift) & mask
}
