package mkmain

import (
	"github.com/rianquinn/hypervisor-sub002/kernel"
	"github.com/rianquinn/hypervisor-sub002/kernel/abi"
	"github.com/rianquinn/hypervisor-sub002/kernel/cpu"
	"github.com/rianquinn/hypervisor-sub002/kernel/ext"
	"github.com/rianquinn/hypervisor-sub002/kernel/kfmt"
	"github.com/rianquinn/hypervisor-sub002/kernel/syscall"
	"github.com/rianquinn/hypervisor-sub002/kernel/tls"
)

// The function variables below default to the real subsystems and are
// overridden in tests, mirroring kernel/vps's seam file: the VMExit loop
// cannot be exercised in a hosted test binary without a real VPS backed by
// actual hardware and an extension mapped through a real RPT, so tests
// substitute software doubles for every boundary that would otherwise
// touch a VMCS/VMCB, a page table, or the call/return trampoline into
// extension code.
var (
	enterExtensionFn = cpu.EnterExtension
	currentPPIDFn    = cpu.CurrentPPID

	dispatchFn = func(t *tls.Block) syscall.Result {
		return kern.Dispatcher.Dispatch(t)
	}

	runVPSFn = func(vpsid abi.ID, ppid uint16) (uint64, *kernel.Error) {
		v := kern.VPSs.At(vpsid)
		return v.Run(ppid, kern.Dispatcher.LaunchFlag(vpsid))
	}

	entryIPFn     = func() uintptr { return kern.Ext.EntryIP() }
	bootstrapIPFn = func() uintptr { return kern.Ext.BootstrapIP() }
	vmexitIPFn    = func() uintptr { return kern.Ext.VMExitIP() }
	failIPFn      = func() uintptr { return kern.Ext.FailIP() }
	ppResourcesFn = func(ppid int) ext.PerPPResources { return kern.Ext.PPResources(ppid) }
	markStartedFn = func() { kern.Ext.MarkStarted() }

	// panicFn stands in for kfmt.Panic so the fatal fall-through paths in
	// vmexit.go can be driven by tests without halting the test binary.
	panicFn = func(e interface{}) { kfmt.Panic(e) }
)
