package ext

import (
	"testing"
	"unsafe"

	"github.com/rianquinn/hypervisor-sub002/kernel"
	"github.com/rianquinn/hypervisor-sub002/kernel/abi"
	"github.com/rianquinn/hypervisor-sub002/kernel/extelf"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem/pmm"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem/rpt"
)

// testArena mirrors kernel/mem/rpt's own test helper: a Go-heap buffer
// standing in for physical memory, with the direct map pointed at it.
type testArena struct {
	buf  []byte
	pool pmm.Pool
}

func newTestArena(t *testing.T, frames uintptr) *testArena {
	t.Helper()
	a := &testArena{}
	a.buf = make([]byte, frames*uintptr(mem.PageSize))
	rpt.SetDirectMapBase(uintptr(unsafe.Pointer(&a.buf[0])))
	a.pool.Init(pmm.FrameFromAddress(0), frames)
	return a
}

func (a *testArena) alloc(tag mem.PageTag) (pmm.Frame, *kernel.Error) {
	return a.pool.Allocate(1, tag)
}

func (a *testArena) dealloc(frame pmm.Frame, tag mem.PageTag) *kernel.Error {
	return a.pool.Deallocate(frame, tag)
}

func (a *testArena) allocHuge(pages uintptr, tag mem.PageTag) (pmm.Frame, *kernel.Error) {
	return a.pool.Allocate(pages, tag)
}

func newTestImage() *extelf.Image {
	return &extelf.Image{
		EntryIP: 0x0000_1000_0000_0000,
		RESegment: extelf.Segment{
			VAddr:    0x0000_1000_0000_0000,
			FileData: []byte{0x90, 0x90, 0xc3},
			MemSize:  3,
			Writable: false,
		},
		RWSegment: extelf.Segment{
			VAddr:    0x0000_1000_0000_1000,
			FileData: []byte{0, 0, 0, 0},
			MemSize:  8,
			Writable: true,
		},
		Relocs: []extelf.Relocation{
			{VAddr: 0x0000_1000_0000_1000, Addend: 0x42},
		},
	}
}

func newTestExtension(t *testing.T) (*Extension, *testArena) {
	t.Helper()

	arena := newTestArena(t, 512)

	var system rpt.RPT
	if err := system.Init(arena.alloc, arena.dealloc); err != nil {
		t.Fatalf("unexpected error initializing system rpt: %v", err)
	}

	e, err := Init(InitArgs{
		ID:          1,
		SystemRPT:   &system,
		Image:       newTestImage(),
		OnlinePPs:   1,
		AllocPage:   arena.alloc,
		DeallocPage: arena.dealloc,
		AllocHuge:   arena.allocHuge,
	})
	if err != nil {
		t.Fatalf("unexpected error initializing extension: %v", err)
	}
	return e, arena
}

func TestInitMapsSegmentsAndAppliesRelocation(t *testing.T) {
	e, _ := newTestExtension(t)

	phys, err := e.mainRPT.Translate(0x0000_1000_0000_0000)
	if err != nil {
		t.Fatalf("RE segment not mapped: %v", err)
	}
	re := unsafe.Slice((*byte)(unsafe.Pointer(rpt.DirectMapBase()+phys)), 3)
	if re[0] != 0x90 || re[2] != 0xc3 {
		t.Fatalf("RE segment bytes not copied: %v", re)
	}

	relocPhys, err := e.mainRPT.Translate(0x0000_1000_0000_1000)
	if err != nil {
		t.Fatalf("RW segment not mapped: %v", err)
	}
	got := *(*int64)(unsafe.Pointer(rpt.DirectMapBase() + relocPhys))
	if got != 0x42 {
		t.Fatalf("expected relocation addend 0x42; got %#x", got)
	}
}

func TestInitCreatesRootDirectMapAndPerPPResources(t *testing.T) {
	e, _ := newTestExtension(t)

	if e.DirectMapRPT(abi.RootVMID) == nil {
		t.Fatalf("expected direct_map_rpt[0] to be created")
	}
	if e.DirectMapRPT(abi.ID(1)) != nil {
		t.Fatalf("expected direct_map_rpt[1] to be lazy")
	}

	res := e.PPResources(0)
	if res.StackTop == 0 || res.TLSAddr == 0 {
		t.Fatalf("expected non-zero per-PP stack/TLS addresses: %+v", res)
	}
}

func TestHandleLifecycle(t *testing.T) {
	e, _ := newTestExtension(t)

	if err := e.CheckHandle(0); err != ErrInvalidHandle {
		t.Fatalf("expected ErrInvalidHandle before open; got %v", err)
	}

	h := e.OpenHandle()
	if err := e.CheckHandle(h); err != nil {
		t.Fatalf("unexpected error after open: %v", err)
	}

	e.CloseHandle()
	if err := e.CheckHandle(h); err != ErrInvalidHandle {
		t.Fatalf("expected ErrInvalidHandle after close; got %v", err)
	}
}

func TestEnsureDirectMapRPTIsIdempotentAndTearsDown(t *testing.T) {
	e, arena := newTestExtension(t)

	vmid := abi.ID(2)
	first, err := e.EnsureDirectMapRPT(vmid, arena.alloc, arena.dealloc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := e.EnsureDirectMapRPT(vmid, arena.alloc, arena.dealloc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("expected EnsureDirectMapRPT to be idempotent")
	}

	if err := e.TearDownDirectMapRPT(vmid); err != nil {
		t.Fatalf("unexpected error tearing down: %v", err)
	}
	if e.DirectMapRPT(vmid) != nil {
		t.Fatalf("expected direct_map_rpt[vmid] to be forgotten after teardown")
	}
}

func TestAllocHeapMapsPagesAndPropagatesToDirectMapRPTs(t *testing.T) {
	e, arena := newTestExtension(t)

	vmid := abi.ID(3)
	if _, err := e.EnsureDirectMapRPT(vmid, arena.alloc, arena.dealloc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	base, err := e.AllocHeap(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base != e.heapBase {
		t.Fatalf("expected first allocation to start at heap base; got %#x", base)
	}

	if _, err := e.mainRPT.Translate(base); err != nil {
		t.Fatalf("heap page not mapped in main_rpt: %v", err)
	}
	if _, err := e.directMapRPT[vmid].Translate(base); err != nil {
		t.Fatalf("heap page not propagated to direct_map_rpt[vmid]: %v", err)
	}
}

func TestAllocHeapRejectsBeyondWindow(t *testing.T) {
	e, _ := newTestExtension(t)
	tooMany := uintptr(HeapWindowSize)/uintptr(mem.PageSize) + 1
	if _, err := e.AllocHeap(tooMany); err != ErrOOMHeap {
		t.Fatalf("expected ErrOOMHeap; got %v", err)
	}
}

func TestAllocPageAndAllocHugeMapIntoRootDirectMap(t *testing.T) {
	e, arena := newTestExtension(t)

	frame, err := e.AllocPage(arena.alloc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	vaddr := ExtPagePoolAddr + frame.Address()
	if _, err := e.directMapRPT[abi.RootVMID].Translate(vaddr); err != nil {
		t.Fatalf("alloc_page result not mapped: %v", err)
	}

	hugeFrame, err := e.AllocHuge(2, arena.allocHuge)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hugeVAddr := ExtPagePoolAddr + hugeFrame.Address()
	if _, err := e.directMapRPT[abi.RootVMID].Translate(hugeVAddr); err != nil {
		t.Fatalf("alloc_huge result not mapped: %v", err)
	}
}

func TestCallbackRegistrationAndVMExitGate(t *testing.T) {
	e, _ := newTestExtension(t)

	if e.HasVMExitHandler() {
		t.Fatalf("expected no VMExit handler registered yet")
	}
	e.RegisterVMExit(0x0000_2000_0000_0000)
	if !e.HasVMExitHandler() {
		t.Fatalf("expected VMExit handler to be registered")
	}

	e.RegisterBootstrap(0x1000)
	e.RegisterFail(0x2000)
	if e.BootstrapIP() != 0x1000 || e.FailIP() != 0x2000 {
		t.Fatalf("registered callback addresses not retained")
	}
}

func TestTeardownReleasesEveryAllocatedPage(t *testing.T) {
	arena := newTestArena(t, 512)

	freedAllocPages := 0
	countingDealloc := func(frame pmm.Frame, tag mem.PageTag) *kernel.Error {
		if tag == mem.TagAllocPage {
			freedAllocPages++
		}
		return arena.dealloc(frame, tag)
	}

	var system rpt.RPT
	if err := system.Init(arena.alloc, countingDealloc); err != nil {
		t.Fatalf("unexpected error initializing system rpt: %v", err)
	}

	e, err := Init(InitArgs{
		ID:          1,
		SystemRPT:   &system,
		Image:       newTestImage(),
		OnlinePPs:   1,
		AllocPage:   arena.alloc,
		DeallocPage: countingDealloc,
		AllocHuge:   arena.allocHuge,
	})
	if err != nil {
		t.Fatalf("unexpected error initializing extension: %v", err)
	}

	for i := 0; i < 10; i++ {
		if _, err := e.AllocPage(arena.alloc); err != nil {
			t.Fatalf("unexpected error allocating page %d: %v", i, err)
		}
	}

	if err := e.Teardown(); err != nil {
		t.Fatalf("unexpected error tearing down: %v", err)
	}
	if freedAllocPages != 10 {
		t.Fatalf("expected exactly 10 alloc_page frames released; got %d", freedAllocPages)
	}
}

func TestMarkStarted(t *testing.T) {
	e, _ := newTestExtension(t)
	if e.Started() {
		t.Fatalf("expected extension to not have started yet")
	}
	e.MarkStarted()
	if !e.Started() {
		t.Fatalf("expected extension to report started")
	}
}
