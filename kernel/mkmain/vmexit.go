package mkmain

import (
	"github.com/rianquinn/hypervisor-sub002/kernel/abi"
	"github.com/rianquinn/hypervisor-sub002/kernel/gate"
	"github.com/rianquinn/hypervisor-sub002/kernel/kfmt"
	"github.com/rianquinn/hypervisor-sub002/kernel/syscall"
	"github.com/rianquinn/hypervisor-sub002/kernel/tls"
)

// runPP enters the extension for the first time on this PP: the BSP enters
// at entry_ip, every other PP at bootstrap_ip. Every
// syscall the extension issues from here on, including the run that
// launches a guest, traps through syscallGateHandler rather than returning
// up this call; runPP itself only returns once the extension's entry or
// bootstrap code executes a bare RET without ever asking the kernel to run
// a guest, which (same as an extension that never registers a VMExit
// handler) leaves this PP with nothing further to do.
func runPP(t *tls.Block) {
	res := ppResourcesFn(int(t.PPID))

	if t.PPID == abi.BSPPPID {
		enterExtensionFn(entryIPFn(), uintptr(t.PPID), uintptr(abi.AllSpecsSupportedVal), res.StackTop)
	} else {
		bootstrapIP := bootstrapIPFn()
		if bootstrapIP == 0 {
			panicFn(errNoBootstrap)
			return
		}
		enterExtensionFn(bootstrapIP, uintptr(t.PPID), 0, res.StackTop)
	}
	markStartedFn()
}

// syscallGateHandler is installed against gate.SyscallVector: every fast
// syscall instruction the extension executes, on any PP, traps here. It
// recovers which PP it is running on via currentPPIDFn, hands the call to
// the dispatcher, and then either resumes the extension at its syscall
// return site (OutcomeReturn), takes over this PP's VMExit loop instead of
// returning (OutcomeRunVPS), or logs the promote hand-off and returns
// without writing RAX (OutcomePromote).
func syscallGateHandler(r *gate.Registers) {
	t := &kern.TLS[currentPPIDFn()]

	t.ExtSyscall = r.Info
	t.ExtReg0 = r.RAX
	t.ExtReg1 = r.RBX
	t.ExtReg2 = r.RCX
	t.ExtReg3 = r.RDX

	res := dispatchFn(t)

	switch res.Outcome {
	case syscall.OutcomeRunVPS:
		runVMExitLoop(t, res.VPSID)
	case syscall.OutcomePromote:
		doPromote(t, res.VPSID)
	default:
		r.RAX = t.ExtReg0
	}
}

// runVMExitLoop runs vpsid once (vmlaunch/vmresume/vmrun) and hands control
// to the extension's registered VMExit handler with the exit reason in
// arg0. Every further syscall the handler issues, including
// run_current/advance_ip_and_run_current, re-enters this same path through
// syscallGateHandler — which is why this function recurses through the
// gate rather than looping itself. It only falls through to the fatal path
// below if the VMExit handler returns normally instead of issuing another
// run syscall, a handler bug no kernel recovery path exists for.
func runVMExitLoop(t *tls.Block, vpsid abi.ID) {
	exitReason, err := runVPSFn(vpsid, t.PPID)
	if err != nil {
		invokeFail(t, abi.StatusFailureUnknown)
		return
	}

	res := ppResourcesFn(int(t.PPID))
	enterExtensionFn(vmexitIPFn(), uintptr(exitReason), 0, res.StackTop)

	// Reached only if the VMExit handler returned without issuing another
	// run syscall.
	invokeFail(t, abi.StatusFailureUnknown)
}

// invokeFail runs the extension's registered fail_ip with status in arg0.
// If the extension registered no fail handler, or fail_ip itself returns
// without promoting, there is nothing further this PP can do but halt.
func invokeFail(t *tls.Block, status abi.Status) {
	failIP := failIPFn()
	if failIP == 0 {
		panicFn(errNoFailHandler)
		return
	}

	res := ppResourcesFn(int(t.PPID))
	enterExtensionFn(failIP, uintptr(status), 0, res.StackTop)

	kfmt.Printf("mkmain: pp %d fail_ip returned without promoting\n", t.PPID)
	panicFn(errPPHalted)
}

// doPromote logs the hand-off; the VPS's state has already been merged
// into tls.RootVPState by the dispatcher's promote handler. It does not
// resume the host OS: syscallGateHandler returns normally after it.
func doPromote(t *tls.Block, vpsid abi.ID) {
	kfmt.Printf("mkmain: pp %d promoted vps %d, returning to host\n", t.PPID, vpsid)
}
