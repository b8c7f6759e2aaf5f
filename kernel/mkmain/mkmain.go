// Package mkmain implements the microkernel's main entry point and VMExit
// loop: the per-PP bootstrap that brings up every pool and the system RPT
// once on the BSP, loads the extension, and then trampolines between the
// extension and whichever VPS it asks the kernel to run.
//
// Every subsystem is validated and initialized in a fixed order, with
// kfmt.Panic on any fatal condition; Process never returns.
package mkmain

import (
	"github.com/rianquinn/hypervisor-sub002/kernel"
	"github.com/rianquinn/hypervisor-sub002/kernel/abi"
	"github.com/rianquinn/hypervisor-sub002/kernel/bfargs"
	"github.com/rianquinn/hypervisor-sub002/kernel/cpu"
	"github.com/rianquinn/hypervisor-sub002/kernel/ext"
	"github.com/rianquinn/hypervisor-sub002/kernel/extelf"
	"github.com/rianquinn/hypervisor-sub002/kernel/gate"
	"github.com/rianquinn/hypervisor-sub002/kernel/goruntime"
	"github.com/rianquinn/hypervisor-sub002/kernel/irq"
	"github.com/rianquinn/hypervisor-sub002/kernel/kfmt"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem/hpm"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem/pmm"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem/rpt"
	"github.com/rianquinn/hypervisor-sub002/kernel/sync"
	"github.com/rianquinn/hypervisor-sub002/kernel/syscall"
	"github.com/rianquinn/hypervisor-sub002/kernel/tls"
	"github.com/rianquinn/hypervisor-sub002/kernel/vm"
	"github.com/rianquinn/hypervisor-sub002/kernel/vp"
	"github.com/rianquinn/hypervisor-sub002/kernel/vps"
	"unsafe"
)

// Pool sizes. MaxVMs must track ext.MaxVMs: the extension's per-vm
// direct_map_rpt array is sized by that constant and every VMID this kernel
// hands out must index it safely.
const (
	MaxVMs  = ext.MaxVMs
	MaxVPs  = 1024
	MaxVPSs = 1024
	MaxPPs  = 128
)

// directMapBase is the virtual base this kernel's system RPT identity-
// offsets all of physical memory at. Chosen clear of goruntime's heap
// region (0x5000...) and every address range kernel/ext hands out to the
// extension (0x7000... and up).
const directMapBase = uintptr(0x0000_6000_0000_0000)

var (
	errKmainReturned  = &kernel.Error{Module: "mkmain", Message: "Process returned"}
	errNoBootstrap    = &kernel.Error{Module: "mkmain", Message: "non-bsp pp woken with no bootstrap_ip registered"}
	errNoFailHandler  = &kernel.Error{Module: "mkmain", Message: "fatal condition with no fail_ip registered"}
	errNoExtElfImages = &kernel.Error{Module: "mkmain", Message: "loader handed off zero extension elf images"}
	errPPHalted       = &kernel.Error{Module: "mkmain", Message: "pp has nothing further to run"}
)

// kernelState holds every subsystem mkmain owns: the pools, the system RPT
// and the loaded extension, plus one tls.Block per online PP. There is
// exactly one instance, built once on the BSP and shared (read-mostly,
// after boot) by every PP.
type kernelState struct {
	bootMu sync.Spinlock
	ready  bool

	PagePool  pmm.Pool
	HugePool  hpm.Pool
	SystemRPT rpt.RPT

	VMs  vm.Pool
	VPs  vp.Pool
	VPSs vps.Pool

	Ext        *ext.Extension
	Dispatcher *syscall.Dispatcher

	TLS [MaxPPs]tls.Block
}

var kern kernelState

// Process is the kernel's entry point, invoked once per PP by the loader
// with that PP's bfargs.Args. The BSP alone runs global subsystem
// initialization; every PP (including the BSP) then builds its own
// tls.Block and enters the extension.
//
// Process never returns under normal operation: a PP either keeps
// trampolining between the extension and its guests forever, or is
// promoted and hands control back to the host OS outside this kernel's
// scope.
func Process(args *bfargs.Args) {
	if args.IsBSP() {
		bootBSP(args)
		kern.bootMu.Acquire()
		kern.ready = true
		kern.bootMu.Release()
	} else {
		waitUntilReady()
	}

	t := &kern.TLS[args.PPID]
	t.PPID = args.PPID
	t.OnlinePPs = args.OnlinePPs
	t.ActiveVMID = abi.InvalidID
	t.ActiveVPID = abi.InvalidID
	t.ActiveVPSID = abi.InvalidID
	t.ActiveExtID = kern.Ext.ID()
	t.ActiveRPT = kern.Ext.DirectMapRPT(abi.RootVMID)
	t.RootVPState = args.RootVPState

	if t.ActiveRPT != nil {
		t.ActiveRPT.Activate()
	}

	runPP(t)

	kfmt.Panic(errKmainReturned)
}

// waitUntilReady busy-waits until bootBSP has finished global
// initialization, so an AP does not race the BSP's pool/extension setup.
func waitUntilReady() {
	for {
		kern.bootMu.Acquire()
		r := kern.ready
		kern.bootMu.Release()
		if r {
			return
		}
	}
}

// bootBSP performs the global initialization sequence: the page and huge
// pools, the system RPT (adopted from the loader's PML4 rather than
// built fresh), the bootstrapped Go heap, every object pool, the root VM,
// the loaded extension, and the syscall dispatcher. It runs exactly once,
// on the boot PP, before any PP (including the BSP) enters the extension.
func bootBSP(args *bfargs.Args) {
	pageFrame := pmm.FrameFromAddress(args.PagePool.Addr)
	pageFrameCount := uintptr(args.PagePool.Len) / uintptr(mem.PageSize)
	kern.PagePool.Init(pageFrame, pageFrameCount)

	hugeFrame := pmm.FrameFromAddress(args.HugePool.Addr)
	hugeFrameCount := uintptr(args.HugePool.Len) / uintptr(mem.PageSize)
	kern.HugePool.Init(hugeFrame, hugeFrameCount)

	systemPML4Frame := pmm.FrameFromAddress(uintptr(args.RPTPhys))
	kern.SystemRPT.InitFromFrame(systemPML4Frame, allocPage, deallocPage)
	rpt.SetDirectMapBase(directMapBase)

	goruntime.SetSystemRPT(&kern.SystemRPT, allocPage)
	if err := goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	kern.VMs.Init(MaxVMs, MaxPPs)
	kern.VPs.Init(MaxVPs)
	kern.VPSs.Init(MaxVPSs)

	if _, err := kern.VMs.InitRootVM(); err != nil {
		kfmt.Panic(err)
	}

	if len(args.ExtElfFiles) == 0 {
		kfmt.Panic(errNoExtElfImages)
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(args.ExtElfFiles[0].Addr)), args.ExtElfFiles[0].Len)
	img, err := extelf.Load(raw)
	if err != nil {
		kfmt.Panic(err)
	}

	e, err := ext.Init(ext.InitArgs{
		ID:          abi.RootVMID,
		SystemRPT:   &kern.SystemRPT,
		Image:       img,
		OnlinePPs:   int(args.OnlinePPs),
		AllocPage:   allocPage,
		DeallocPage: deallocPage,
		AllocHuge:   ext.HPMAllocFn(&kern.HugePool),
	})
	if err != nil {
		kfmt.Panic(err)
	}
	kern.Ext = e

	backend := vps.BackendIntel
	if !cpu.IsIntel() {
		backend = vps.BackendAMD
	}
	kern.Dispatcher = syscall.New(e, &kern.VMs, &kern.VPs, &kern.VPSs, backend, allocPage, deallocPage, kern.HugePool.Allocate, kern.HugePool.Deallocate)

	gate.Init()
	installFatalHandlers()
	gate.HandleInterrupt(gate.SyscallVector, 0, syscallGateHandler)
}

// allocPage adapts the page pool's Allocate to the single-page,
// tag-only shape every RPT/goruntime/dispatcher caller expects.
func allocPage(tag mem.PageTag) (pmm.Frame, *kernel.Error) {
	return kern.PagePool.Allocate(1, tag)
}

// deallocPage routes a freed frame back to the pool its tag identifies:
// rpt.Release hands every tagged leaf of a dying RPT to this one function,
// and huge-pool blocks mapped into an extension's direct map carry
// TagAllocHuge while everything else came from the page pool.
func deallocPage(frame pmm.Frame, tag mem.PageTag) *kernel.Error {
	if tag == mem.TagAllocHuge {
		return kern.HugePool.Deallocate(frame, tag)
	}
	return kern.PagePool.Deallocate(frame, tag)
}

// installFatalHandlers wires kernel/irq's exception handlers to the three
// faults that are unconditionally fatal inside the kernel itself (as
// opposed to a guest triple-fault, which is a VMExit the extension
// handles). There is no recovery path for a fault in kernel code: the
// microkernel's own text and data are a fixed, never-faulting mapping by
// construction, so reaching one of these handlers means a kernel bug.
func installFatalHandlers() {
	irq.HandleExceptionWithCode(irq.DoubleFault, fatalWithCode("double fault"))
	irq.HandleExceptionWithCode(irq.GPFException, fatalWithCode("general protection fault"))
	irq.HandleExceptionWithCode(irq.PageFaultException, fatalWithCode("page fault"))
}

func fatalWithCode(what string) irq.ExceptionHandlerWithCode {
	return func(code uint64, f *irq.Frame, r *irq.Regs) {
		kfmt.Printf("mkmain: fatal %s (code %#x)\n", what, code)
		f.Print()
		r.Print()
		kfmt.Panic(&kernel.Error{Module: "mkmain", Message: "fatal kernel exception: " + what})
	}
}
