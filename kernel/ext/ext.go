// Package ext implements the Extension object: the single privileged
// user-mode program this kernel hosts. An Extension owns its
// main_rpt, a direct_map_rpt per VM (lazily populated beyond VM 0), its
// heap cursor, its registered callback addresses, and the handle capability
// every syscall but open_handle must present.
package ext

import (
	"unsafe"

	"github.com/rianquinn/hypervisor-sub002/kernel"
	"github.com/rianquinn/hypervisor-sub002/kernel/abi"
	"github.com/rianquinn/hypervisor-sub002/kernel/extelf"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem/hpm"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem/pmm"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem/rpt"
	"github.com/rianquinn/hypervisor-sub002/kernel/sync"
)

// MaxVMs bounds direct_map_rpt's array dimension; mkmain sizes the VM pool
// to the same constant so every valid VMID indexes this array safely.
const MaxVMs = 64

const (
	// ExtStackSize/ExtTLSSize are the usable (non-guard) sizes of each
	// per-PP stack and TLS block; Init leaves one unmapped guard page on
	// either side of each.
	ExtStackSize = mem.Size(16 * 4096)
	ExtTLSSize   = mem.Size(4096)

	// ExtPagePoolAddr is the base virtual address, inside
	// direct_map_rpt[0], that bf_mem_op_alloc_page/alloc_huge map pages
	// at: virtual = ExtPagePoolAddr + physical.
	ExtPagePoolAddr = uintptr(0x0000_7800_0000_0000)

	// HeapWindowSize bounds alloc_heap's growth.
	HeapWindowSize = mem.Size(256 * 1024 * 1024)
)

var (
	ErrInvalidHandle  = &kernel.Error{Module: "ext", Message: "presented handle does not match"}
	ErrHandleClosed   = &kernel.Error{Module: "ext", Message: "handle is not open"}
	ErrOOMHeap        = &kernel.Error{Module: "ext", Message: "heap window exhausted"}
	ErrBadVMID        = &kernel.Error{Module: "ext", Message: "vmid out of range"}
	ErrNoDirectMapRPT = &kernel.Error{Module: "ext", Message: "direct map rpt for this vm has not been created"}
)

// PerPPResources holds the stack top and TLS block address Init creates for
// every online PP.
type PerPPResources struct {
	StackTop uintptr
	TLSAddr  uintptr
}

// Extension is one loaded, running instance of the privileged program this
// kernel hosts.
type Extension struct {
	mu sync.Spinlock

	id abi.ID

	mainRPT      *rpt.RPT
	directMapRPT [MaxVMs]*rpt.RPT

	entryIP     uintptr
	bootstrapIP uintptr
	vmexitIP    uintptr
	failIP      uintptr

	handle  uint64
	open    bool
	started bool

	heapCursor uintptr
	heapBase   uintptr

	perPP []PerPPResources
}

// allocPageFn/allocHugeFn/deallocPageFn let Init and the mem-op handlers
// reach the kernel's shared page/huge pools without this package importing
// mkmain (which owns and wires those pools at boot).
type allocPageFn func(tag mem.PageTag) (pmm.Frame, *kernel.Error)
type deallocPageFn func(frame pmm.Frame, tag mem.PageTag) *kernel.Error
type allocHugeFn func(pages uintptr, tag mem.PageTag) (pmm.Frame, *kernel.Error)
type deallocHugeFn func(frame pmm.Frame, tag mem.PageTag) *kernel.Error

// InitArgs bundles the dependencies Init needs; extension initialization
// touches the system RPT, the ELF image, and both pools.
type InitArgs struct {
	ID          abi.ID
	SystemRPT   *rpt.RPT
	Image       *extelf.Image
	OnlinePPs   int
	AllocPage   allocPageFn
	DeallocPage deallocPageFn
	AllocHuge   allocHugeFn
}

// Init builds main_rpt by aliasing the system RPT, maps every PT_LOAD
// segment, allocates per-PP stacks and TLS blocks, and creates
// direct_map_rpt[0] for the root VM.
func Init(args InitArgs) (*Extension, *kernel.Error) {
	e := &Extension{id: args.ID}

	e.mainRPT = &rpt.RPT{}
	if err := e.mainRPT.Init(args.AllocPage, args.DeallocPage); err != nil {
		return nil, err
	}
	if err := e.mainRPT.AddTables(args.SystemRPT); err != nil {
		return nil, err
	}

	if err := mapSegment(e.mainRPT, &args.Image.RESegment, mem.TagExtELF, false); err != nil {
		return nil, err
	}
	if err := mapSegment(e.mainRPT, &args.Image.RWSegment, mem.TagExtELF, true); err != nil {
		return nil, err
	}
	if err := applyRelocations(e.mainRPT, args.Image); err != nil {
		return nil, err
	}

	e.perPP = make([]PerPPResources, args.OnlinePPs)
	for pp := 0; pp < args.OnlinePPs; pp++ {
		stackTop, err := allocGuardedRegion(e.mainRPT, ExtStackSize, mem.TagExtStack)
		if err != nil {
			return nil, err
		}
		tlsAddr, err := allocGuardedRegion(e.mainRPT, ExtTLSSize, mem.TagExtTLS)
		if err != nil {
			return nil, err
		}
		// allocGuardedRegion returns the end of the mapped range; the TLS
		// block starts ExtTLSSize below it.
		e.perPP[pp] = PerPPResources{StackTop: stackTop, TLSAddr: tlsAddr - uintptr(ExtTLSSize)}
	}

	e.directMapRPT[abi.RootVMID] = &rpt.RPT{}
	if err := e.directMapRPT[abi.RootVMID].Init(args.AllocPage, args.DeallocPage); err != nil {
		return nil, err
	}
	if err := e.directMapRPT[abi.RootVMID].AddTables(e.mainRPT); err != nil {
		return nil, err
	}

	e.entryIP = args.Image.EntryIP
	e.heapBase = 0x0000_7000_0000_0000
	e.heapCursor = e.heapBase

	return e, nil
}

// mapSegment maps one validated PT_LOAD segment's pages into rpt at its
// link-time virtual address; the ELF is already relocated to be
// position-independent so vaddr is used as-is rather than biased.
func mapSegment(r *rpt.RPT, seg *extelf.Segment, tag mem.PageTag, writable bool) *kernel.Error {
	pageCount := (seg.MemSize + uintptr(mem.PageSize) - 1) / uintptr(mem.PageSize)
	base := seg.VAddr &^ (uintptr(mem.PageSize) - 1)

	for i := uintptr(0); i < pageCount; i++ {
		vaddr := base + i*uintptr(mem.PageSize)

		var frame pmm.Frame
		var err *kernel.Error
		if writable {
			frame, err = r.AllocatePageRW(vaddr, tag)
		} else {
			frame, err = r.AllocatePageRX(vaddr, tag)
		}
		if err != nil {
			return err
		}

		// Copy the segment's file-backed bytes (if any fall within this
		// page) through the direct map; pages beyond the file-backed
		// portion are left zeroed, matching .bss semantics.
		pageStart := i * uintptr(mem.PageSize)
		if pageStart < uintptr(len(seg.FileData)) {
			end := pageStart + uintptr(mem.PageSize)
			if end > uintptr(len(seg.FileData)) {
				end = uintptr(len(seg.FileData))
			}
			dst := unsafe.Slice((*byte)(unsafe.Pointer(rpt.DirectMapBase()+frame.Address())), end-pageStart)
			copy(dst, seg.FileData[pageStart:end])
		}
	}
	return nil
}

// applyRelocations writes each R_X86_64_RELATIVE entry's addend at its
// target virtual address. The extension is mapped at its own link-time
// addresses with a zero load bias, so the stored value is simply the
// addend itself; a future loader that randomizes the extension's base
// would add that bias here before writing.
func applyRelocations(r *rpt.RPT, img *extelf.Image) *kernel.Error {
	for _, reloc := range img.Relocs {
		phys, err := r.Translate(reloc.VAddr)
		if err != nil {
			return err
		}
		dst := (*int64)(unsafe.Pointer(rpt.DirectMapBase() + phys))
		*dst = reloc.Addend
	}
	return nil
}

func allocGuardedRegion(r *rpt.RPT, size mem.Size, tag mem.PageTag) (uintptr, *kernel.Error) {
	pages := (uintptr(size) + uintptr(mem.PageSize) - 1) / uintptr(mem.PageSize)

	// Each call takes the next range from the package-level bump cursor
	// nextGuardedBase, so successive calls never overlap; ranges are never
	// handed back. AllocatePageRW still reports ErrAlreadyMapped if a page
	// in the range is already mapped.
	base := nextGuardedBase
	nextGuardedBase += (pages + 2) * uintptr(mem.PageSize) // +1 leading and +1 trailing guard page

	for i := uintptr(0); i < pages; i++ {
		vaddr := base + uintptr(mem.PageSize) + i*uintptr(mem.PageSize)
		if _, err := r.AllocatePageRW(vaddr, tag); err != nil {
			return 0, err
		}
	}

	return base + uintptr(mem.PageSize) + pages*uintptr(mem.PageSize), nil
}

// nextGuardedBase is a simple bump cursor for per-PP stack/TLS virtual
// address assignment; see the comment inside allocGuardedRegion.
var nextGuardedBase = uintptr(0x0000_7400_0000_0000)

// ID returns the extension's id.
func (e *Extension) ID() abi.ID { return e.id }

// OpenHandle returns id+1 and caches it; subsequent syscalls (other than
// open_handle itself) must present this value.
func (e *Extension) OpenHandle() uint64 {
	e.mu.Acquire()
	defer e.mu.Release()

	e.handle = uint64(e.id) + 1
	e.open = true
	return e.handle
}

// CloseHandle invalidates the cached handle.
func (e *Extension) CloseHandle() {
	e.mu.Acquire()
	defer e.mu.Release()
	e.open = false
}

// CheckHandle validates a presented handle against the cached one.
func (e *Extension) CheckHandle(presented uint64) *kernel.Error {
	e.mu.Acquire()
	defer e.mu.Release()

	if !e.open || presented != e.handle {
		return ErrInvalidHandle
	}
	return nil
}

// MainRPT returns the extension's main root page table.
func (e *Extension) MainRPT() *rpt.RPT { return e.mainRPT }

// DirectMapRPT returns the direct-map RPT for vmid, or nil if it has not
// been created yet (every VM but the root is lazy).
func (e *Extension) DirectMapRPT(vmid abi.ID) *rpt.RPT {
	e.mu.Acquire()
	defer e.mu.Release()
	if int(vmid) >= MaxVMs {
		return nil
	}
	return e.directMapRPT[vmid]
}

// EnsureDirectMapRPT lazily creates direct_map_rpt[vmid] on VM creation,
// aliasing main_rpt so the new VM's guest-physical direct map inherits the
// same microkernel and heap mappings every other VM sees.
func (e *Extension) EnsureDirectMapRPT(vmid abi.ID, allocFn allocPageFn, deallocFn deallocPageFn) (*rpt.RPT, *kernel.Error) {
	e.mu.Acquire()
	defer e.mu.Release()

	if int(vmid) >= MaxVMs {
		return nil, ErrBadVMID
	}
	if e.directMapRPT[vmid] != nil {
		return e.directMapRPT[vmid], nil
	}

	r := &rpt.RPT{}
	if err := r.Init(allocFn, deallocFn); err != nil {
		return nil, err
	}
	if err := r.AddTables(e.mainRPT); err != nil {
		return nil, err
	}
	e.directMapRPT[vmid] = r
	return r, nil
}

// TearDownDirectMapRPT releases and forgets direct_map_rpt[vmid]; called
// when the owning VM is destroyed.
func (e *Extension) TearDownDirectMapRPT(vmid abi.ID) *kernel.Error {
	e.mu.Acquire()
	defer e.mu.Release()

	if int(vmid) >= MaxVMs || e.directMapRPT[vmid] == nil {
		return nil
	}
	if err := e.directMapRPT[vmid].Release(); err != nil {
		return err
	}
	e.directMapRPT[vmid] = nil
	return nil
}

// AllocHeap advances the heap cursor by nPages, maps the new pages rw into
// main_rpt tagged ALLOC_HEAP, and re-aliases the freshly populated PML4
// entries into every already-live direct_map_rpt so heap memory stays
// visible from every VM.
func (e *Extension) AllocHeap(nPages uintptr) (uintptr, *kernel.Error) {
	e.mu.Acquire()
	base := e.heapCursor
	grown := uintptr(nPages) * uintptr(mem.PageSize)
	if base+grown-e.heapBase > uintptr(HeapWindowSize) {
		e.mu.Release()
		return 0, ErrOOMHeap
	}
	e.heapCursor += grown
	e.mu.Release()

	for i := uintptr(0); i < nPages; i++ {
		vaddr := base + i*uintptr(mem.PageSize)
		if _, err := e.mainRPT.AllocatePageRW(vaddr, mem.TagAllocHeap); err != nil {
			return 0, err
		}
	}

	e.updateDirectMapRPTs()
	return base, nil
}

func (e *Extension) updateDirectMapRPTs() {
	e.mu.Acquire()
	defer e.mu.Release()

	for i := range e.directMapRPT {
		if e.directMapRPT[i] != nil {
			_ = e.directMapRPT[i].AddTables(e.mainRPT)
		}
	}
}

// AllocPage allocates a single page from the shared page pool and maps it
// into direct_map_rpt[0] at ExtPagePoolAddr+phys, tagged ALLOC_PAGE.
// Always direct_map_rpt[0]: VM 0 cannot be destroyed, which makes teardown
// of these allocations deterministic.
func (e *Extension) AllocPage(allocFn allocPageFn) (pmm.Frame, *kernel.Error) {
	frame, err := allocFn(mem.TagAllocPage)
	if err != nil {
		return pmm.InvalidFrame, err
	}

	vaddr := ExtPagePoolAddr + frame.Address()
	if merr := e.directMapRPT[abi.RootVMID].MapPageTagged(vaddr, frame, rpt.FlagRW|rpt.FlagNoExecute, mem.TagAllocPage); merr != nil {
		return pmm.InvalidFrame, merr
	}
	return frame, nil
}

// AllocHuge is AllocPage's huge-pool counterpart.
func (e *Extension) AllocHuge(pages uintptr, allocFn allocHugeFn) (pmm.Frame, *kernel.Error) {
	frame, err := allocFn(pages, mem.TagAllocHuge)
	if err != nil {
		return pmm.InvalidFrame, err
	}

	vaddr := ExtPagePoolAddr + frame.Address()
	if merr := e.directMapRPT[abi.RootVMID].MapPageTagged(vaddr, frame, rpt.FlagRW|rpt.FlagNoExecute, mem.TagAllocHuge); merr != nil {
		return pmm.InvalidFrame, merr
	}
	return frame, nil
}

// FreePage unmaps an ExtPagePoolAddr+phys page from direct_map_rpt[0] and
// returns the frame to the page pool via deallocFn, the inverse of
// AllocPage.
func (e *Extension) FreePage(frame pmm.Frame, deallocFn deallocPageFn) *kernel.Error {
	vaddr := ExtPagePoolAddr + frame.Address()
	if err := e.directMapRPT[abi.RootVMID].Unmap(vaddr); err != nil {
		return err
	}
	return deallocFn(frame, mem.TagAllocPage)
}

// FreeHuge is FreePage's huge-pool counterpart.
func (e *Extension) FreeHuge(frame pmm.Frame, deallocFn deallocHugeFn) *kernel.Error {
	vaddr := ExtPagePoolAddr + frame.Address()
	if err := e.directMapRPT[abi.RootVMID].Unmap(vaddr); err != nil {
		return err
	}
	return deallocFn(frame, mem.TagAllocHuge)
}

// Started reports whether the extension's entry point has returned once.
func (e *Extension) Started() bool {
	e.mu.Acquire()
	defer e.mu.Release()
	return e.started
}

// MarkStarted records that the extension's entry point has returned.
func (e *Extension) MarkStarted() {
	e.mu.Acquire()
	defer e.mu.Release()
	e.started = true
}

// RegisterBootstrap/RegisterVMExit/RegisterFail record the callback
// addresses the extension supplies via bf_callback_op_register_*.
func (e *Extension) RegisterBootstrap(ip uintptr) { e.mu.Acquire(); e.bootstrapIP = ip; e.mu.Release() }
func (e *Extension) RegisterVMExit(ip uintptr)    { e.mu.Acquire(); e.vmexitIP = ip; e.mu.Release() }
func (e *Extension) RegisterFail(ip uintptr)      { e.mu.Acquire(); e.failIP = ip; e.mu.Release() }

// HasVMExitHandler reports whether the extension has registered a VMExit
// callback; the dispatcher requires this before allowing any VPS op, since
// an extension that cannot field exits must not be able to launch guests.
func (e *Extension) HasVMExitHandler() bool {
	e.mu.Acquire()
	defer e.mu.Release()
	return e.vmexitIP != 0
}

func (e *Extension) EntryIP() uintptr     { e.mu.Acquire(); defer e.mu.Release(); return e.entryIP }
func (e *Extension) BootstrapIP() uintptr { e.mu.Acquire(); defer e.mu.Release(); return e.bootstrapIP }
func (e *Extension) VMExitIP() uintptr    { e.mu.Acquire(); defer e.mu.Release(); return e.vmexitIP }
func (e *Extension) FailIP() uintptr      { e.mu.Acquire(); defer e.mu.Release(); return e.failIP }

// PPResources returns the stack/TLS mapping allocated for ppid at Init
// time.
func (e *Extension) PPResources(ppid int) PerPPResources {
	return e.perPP[ppid]
}

// Teardown releases every RPT this extension owns: each live direct-map RPT
// (including the root VM's, which holds every page/huge allocation the
// extension ever made) and then main_rpt itself. The auto_release tags on
// the dying RPTs' leaves return every extension-owned frame — stacks, TLS,
// ELF segments, heap, alloc_page/alloc_huge memory — to its pool. Called by
// the loader-driven shutdown path once every PP has promoted.
func (e *Extension) Teardown() *kernel.Error {
	e.mu.Acquire()
	defer e.mu.Release()

	for i := range e.directMapRPT {
		if e.directMapRPT[i] == nil {
			continue
		}
		if err := e.directMapRPT[i].Release(); err != nil {
			return err
		}
		e.directMapRPT[i] = nil
	}

	if err := e.mainRPT.Release(); err != nil {
		return err
	}
	e.mainRPT = nil
	e.open = false
	return nil
}

// HPMAllocFn adapts hpm.Pool's Allocate method to this package's
// allocHugeFn shape for mkmain's wiring convenience.
func HPMAllocFn(p *hpm.Pool) allocHugeFn {
	return func(pages uintptr, tag mem.PageTag) (pmm.Frame, *kernel.Error) {
		return p.Allocate(pages, tag)
	}
}
