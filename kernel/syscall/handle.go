package syscall

import (
	"github.com/rianquinn/hypervisor-sub002/kernel/abi"
	"github.com/rianquinn/hypervisor-sub002/kernel/tls"
)

// dispatchHandle routes bf_handle_op_*. open_handle never reaches here:
// Dispatch intercepts it before the handle check, since it is the call that
// produces the handle.
func (d *Dispatcher) dispatchHandle(t *tls.Block, op abi.Opcode) Result {
	switch op.Index() {
	case abi.HandleOpCloseHandle:
		d.Ext.CloseHandle()
		return Result{Status: abi.StatusSuccess}
	default:
		return Result{Status: abi.StatusFailureUnknown}
	}
}
