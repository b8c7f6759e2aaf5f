package syscall

import (
	"github.com/rianquinn/hypervisor-sub002/kernel/abi"
	"github.com/rianquinn/hypervisor-sub002/kernel/tls"
)

// dispatchCallback routes bf_callback_op_*: an extension registers the
// three entry points mkmain transfers control to. Every registration takes
// its function pointer in ext_reg1.
func (d *Dispatcher) dispatchCallback(t *tls.Block, op abi.Opcode) Result {
	switch op.Index() {
	case abi.CallbackOpRegisterBootstrap:
		d.Ext.RegisterBootstrap(uintptr(t.ExtReg1))
		return Result{Status: abi.StatusSuccess}

	case abi.CallbackOpRegisterVMExit:
		d.Ext.RegisterVMExit(uintptr(t.ExtReg1))
		t.ExtVMExit = uintptr(t.ExtReg1)
		return Result{Status: abi.StatusSuccess}

	case abi.CallbackOpRegisterFail:
		d.Ext.RegisterFail(uintptr(t.ExtReg1))
		t.ExtFail = uintptr(t.ExtReg1)
		return Result{Status: abi.StatusSuccess}

	default:
		return Result{Status: abi.StatusFailureUnknown}
	}
}
