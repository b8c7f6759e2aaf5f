package vps

import "github.com/rianquinn/hypervisor-sub002/kernel/cpu"

// The function variables below default to the real intrinsics and are
// overridden in tests, mirroring cpu.cpuidFn's seam: a VPS backend cannot
// be exercised in a hosted test binary without a real VMCS/VMCB loaded by
// actual hardware, so tests substitute software doubles here instead.
var (
	rdmsrFn    = cpu.Rdmsr
	vmreadFn   = cpu.Vmread
	vmwriteFn  = cpu.Vmwrite
	vmclearFn  = cpu.Vmclear
	vmptrldFn  = cpu.Vmptrld
	vmlaunchFn = cpu.Vmlaunch
	vmresumeFn = cpu.Vmresume
	vmrunFn    = cpu.Vmrun
	vmloadFn   = cpu.Vmload
	invvpidFn  = cpu.Invvpid
)

// invvpidAllContexts is INVVPID's all-contexts invalidation type.
const invvpidAllContexts = 2
