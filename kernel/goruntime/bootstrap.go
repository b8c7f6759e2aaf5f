// Package goruntime bootstraps a working Go heap very early in kernel boot.
// The runtime's span/mmap machinery is redirected via go:linkname onto this
// kernel's own system RPT and page pool instead of a hosting OS's mmap(2):
// make/new/map/interfaces become usable by the time mkmain reaches
// extension loading, without this kernel ever having an mmap syscall to
// call.
package goruntime

import (
	"unsafe"

	"github.com/rianquinn/hypervisor-sub002/kernel"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem/pmm"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem/rpt"
	"github.com/rianquinn/hypervisor-sub002/kernel/sync"
)

// reserveBase is the first virtual address this package's bump cursor hands
// out for Go-heap spans; mkmain's address space layout keeps it clear of the
// direct map, the per-extension main/direct-map RPTs, and the kernel image.
const reserveBase = uintptr(0x0000_5000_0000_0000)

var (
	mapFn                = mapPage
	earlyReserveRegionFn = earlyReserveRegion
	frameAllocFn         = allocFrame

	mallocInitFn    = mallocInit
	algInitFn       = algInit
	modulesInitFn   = modulesInit
	typeLinksInitFn = typeLinksInit
	itabsInitFn     = itabsInit

	// systemRPT/pageAllocFn are installed once by SetSystemRPT, before
	// Init runs.
	systemRPT   *rpt.RPT
	pageAllocFn func(tag mem.PageTag) (pmm.Frame, *kernel.Error)

	reserveMu   sync.Spinlock
	reserveNext = reserveBase

	// prngSeed seeds the pseudo-random generator getRandomData uses in
	// place of a /dev/random read, which this kernel has no filesystem to
	// satisfy.
	prngSeed = 0xdeadc0de
)

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// SetSystemRPT installs the root page table and page-pool allocator that
// sysMap/sysAlloc map Go-heap pages through. mkmain calls this immediately
// after building the system RPT and before Init, since every subsystem
// after Init assumes a working heap.
func SetSystemRPT(r *rpt.RPT, allocFn func(tag mem.PageTag) (pmm.Frame, *kernel.Error)) {
	systemRPT = r
	pageAllocFn = allocFn
}

func allocFrame() (pmm.Frame, *kernel.Error) {
	return pageAllocFn(mem.TagScratch)
}

func mapPage(vaddr uintptr, frame pmm.Frame) *kernel.Error {
	return systemRPT.MapPage(vaddr, frame, rpt.FlagRW|rpt.FlagNoExecute)
}

// earlyReserveRegion bump-allocates size bytes of never-before-used virtual
// address space from the Go heap's reserved region. Unlike a hosted
// allocator's mmap, nothing handed out here is ever returned: the kernel
// never tears down its own heap.
func earlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	reserveMu.Acquire()
	defer reserveMu.Release()

	addr := reserveNext
	reserveNext += uintptr(size)
	return addr, nil
}

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	regionSize := (mem.Size(size) + mem.PageSize - 1) & ^(mem.PageSize - 1)
	regionStartAddr, err := earlyReserveRegionFn(regionSize)
	if err != nil {
		panic(err)
	}

	*reserved = true
	return unsafe.Pointer(regionStartAddr)
}

// sysMap establishes a mapping for a region sysReserve already carved out
// of the address space. A hosted runtime would back this with a shared
// copy-on-write zero frame and let a later page fault materialize a real
// frame per page; this kernel's page-fault path is reserved for guest
// VMExits, not host Go-runtime faults, so sysMap instead backs every page
// with a real frame immediately, exactly like sysAlloc already does for
// span allocation. The tradeoff is a bit more physical memory committed up
// front; this kernel never pages memory out anyway.
//
// This function replaces runtime.sysMap and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}
	return mapFreshPages(virtAddr, size, sysStat)
}

// sysAlloc reserves enough physical frames to satisfy the allocation request
// and establishes a contiguous virtual page mapping for them, returning a
// pointer to the start of the mapped region.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := (mem.Size(size) + mem.PageSize - 1) & ^(mem.PageSize - 1)
	regionStartAddr, err := earlyReserveRegionFn(regionSize)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}
	return mapFreshPages(unsafe.Pointer(regionStartAddr), uintptr(regionSize), sysStat)
}

// mapFreshPages backs every page in [virtAddr, virtAddr+size) with a freshly
// allocated frame, rounding both the address and size to page boundaries.
func mapFreshPages(virtAddr unsafe.Pointer, size uintptr, sysStat *uint64) unsafe.Pointer {
	regionStartAddr := (uintptr(virtAddr) + uintptr(mem.PageSize-1)) & ^uintptr(mem.PageSize-1)
	regionSize := (mem.Size(size) + mem.PageSize - 1) & ^(mem.PageSize - 1)
	pageCount := uintptr(regionSize) >> mem.PageShift

	for i := uintptr(0); i < pageCount; i++ {
		frame, err := frameAllocFn()
		if err != nil {
			return unsafe.Pointer(uintptr(0))
		}
		if err := mapFn(regionStartAddr+i*uintptr(mem.PageSize), frame); err != nil {
			return unsafe.Pointer(uintptr(0))
		}
	}

	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(regionStartAddr)
}

// nanotime returns a monotonically increasing clock value. This is a dummy
// implementation: this kernel has no timekeeping subsystem.
//
// This function replaces runtime.nanotime and is invoked by the Go allocator
// when a span allocation is performed.
//
//go:redirect-from runtime.nanotime
//go:nosplit
func nanotime() uint64 {
	// Dummy loop to discourage the compiler from inlining this function.
	for i := 0; i < 100; i++ {
	}
	return 1
}

// getRandomData populates r with pseudo-random data. The real runtime reads
// a random stream from /dev/random; this kernel has no filesystem, so a
// simple LCG stands in.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
}

// Init enables support for various Go runtime features. After a call to
// Init the following runtime features become available for use:
//   - heap memory allocation (new, make, etc.)
//   - map primitives
//   - interfaces
func Init() *kernel.Error {
	mallocInitFn()
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
	getRandomData(nil)
	stat = nanotime()
}
