package syscall

import (
	"github.com/rianquinn/hypervisor-sub002/kernel/abi"
	"github.com/rianquinn/hypervisor-sub002/kernel/tls"
)

// dispatchVP routes bf_vp_op_*.
func (d *Dispatcher) dispatchVP(t *tls.Block, op abi.Opcode) Result {
	switch op.Index() {
	case abi.VPOpCreateVP:
		res := d.createVP(t, abi.ID(t.ExtReg1))
		if res.Status.IsSuccess() {
			setReg0(t, uint64(res.VPID), 16)
		}
		return res
	case abi.VPOpDestroyVP:
		return d.destroyVP(abi.ID(t.ExtReg1))
	case abi.VPOpMigrate:
		return d.migrateVP(abi.ID(t.ExtReg1), uint16(t.ExtReg2))
	default:
		return Result{Status: abi.StatusFailureUnknown}
	}
}

// createVP binds a new VP to vmid on the calling PP.
func (d *Dispatcher) createVP(t *tls.Block, vmid abi.ID) Result {
	if _, status := d.vmByID(vmid); status != abi.StatusSuccess {
		return Result{Status: abi.StatusFailureInvalidParams1}
	}

	v, err := d.VPs.Create(vmid, t.PPID)
	if err != nil {
		return Result{Status: abi.StatusFailureOOM}
	}
	return Result{Status: abi.StatusSuccess, VPID: v.ID()}
}

func (d *Dispatcher) destroyVP(vpid abi.ID) Result {
	v, status := d.vpByID(vpid)
	if status != abi.StatusSuccess {
		return Result{Status: status}
	}
	if err := d.VPs.Destroy(v, d.liveVPSsForVP(vpid)); err != nil {
		return Result{Status: abi.StatusFailureUnknown}
	}
	return Result{Status: abi.StatusSuccess}
}

func (d *Dispatcher) migrateVP(vpid abi.ID, newPPID uint16) Result {
	v, status := d.vpByID(vpid)
	if status != abi.StatusSuccess {
		return Result{Status: status}
	}
	if err := v.Migrate(newPPID); err != nil {
		return Result{Status: abi.StatusFailureUnknown}
	}
	return Result{Status: abi.StatusSuccess}
}
