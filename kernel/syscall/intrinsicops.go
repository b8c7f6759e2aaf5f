package syscall

import (
	"github.com/rianquinn/hypervisor-sub002/kernel"
	"github.com/rianquinn/hypervisor-sub002/kernel/abi"
	"github.com/rianquinn/hypervisor-sub002/kernel/cpu"
	"github.com/rianquinn/hypervisor-sub002/kernel/tls"
	"github.com/rianquinn/hypervisor-sub002/kernel/vps"
)

// Seams over the raw intrinsics, following the same function-variable
// pattern used throughout this kernel (e.g. kfmt's cpuHaltFn) so tests can
// observe a call without actually executing the privileged instruction.
var (
	rdmsrFn   = cpu.Rdmsr
	wrmsrFn   = cpu.Wrmsr
	invlpgaFn = cpu.Invlpga
	inveptFn  = cpu.Invept
	invvpidFn = cpu.Invvpid
)

// loadVPSFn seams the hardware-touching load a run syscall performs, for
// the same reason as the intrinsic seams above.
var loadVPSFn = func(v *vps.VPS, ppid uint16) *kernel.Error {
	return v.Load(ppid)
}

// dispatchIntrinsic routes bf_intrinsic_op_*: thin wrappers letting an
// extension reach privileged instructions it cannot execute directly from
// ring 3.
func (d *Dispatcher) dispatchIntrinsic(t *tls.Block, op abi.Opcode) Result {
	switch op.Index() {
	case abi.IntrinsicOpRdmsr:
		val := rdmsrFn(uint32(t.ExtReg1))
		setReg0(t, val, 64)
		return Result{Status: abi.StatusSuccess}

	case abi.IntrinsicOpWrmsr:
		wrmsrFn(uint32(t.ExtReg1), t.ExtReg2)
		return Result{Status: abi.StatusSuccess}

	case abi.IntrinsicOpInvlpga:
		invlpgaFn(uintptr(t.ExtReg1), uint32(t.ExtReg2))
		return Result{Status: abi.StatusSuccess}

	case abi.IntrinsicOpInvept:
		inveptFn(t.ExtReg1, uintptr(t.ExtReg2))
		return Result{Status: abi.StatusSuccess}

	case abi.IntrinsicOpInvvpid:
		invvpidFn(t.ExtReg1, uintptr(t.ExtReg2))
		return Result{Status: abi.StatusSuccess}

	default:
		return Result{Status: abi.StatusFailureUnknown}
	}
}
