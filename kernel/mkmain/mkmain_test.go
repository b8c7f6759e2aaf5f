package mkmain

import (
	"testing"

	"github.com/rianquinn/hypervisor-sub002/kernel"
	"github.com/rianquinn/hypervisor-sub002/kernel/abi"
	"github.com/rianquinn/hypervisor-sub002/kernel/ext"
	"github.com/rianquinn/hypervisor-sub002/kernel/gate"
	"github.com/rianquinn/hypervisor-sub002/kernel/syscall"
	"github.com/rianquinn/hypervisor-sub002/kernel/tls"
)

func resetSeams() {
	dispatchFn = func(t *tls.Block) syscall.Result { return syscall.Result{} }
	runVPSFn = func(vpsid abi.ID, ppid uint16) (uint64, *kernel.Error) { return 0, nil }
	entryIPFn = func() uintptr { return 0 }
	bootstrapIPFn = func() uintptr { return 0 }
	vmexitIPFn = func() uintptr { return 0 }
	failIPFn = func() uintptr { return 0 }
	ppResourcesFn = func(int) ext.PerPPResources { return ext.PerPPResources{} }
	markStartedFn = func() {}
	enterExtensionFn = func(ip, arg0, arg1, stackTop uintptr) uint64 { return 0 }
	currentPPIDFn = func() uint16 { return 0 }
	panicFn = func(interface{}) {}
}

func TestWaitUntilReadyReturnsOnceReady(t *testing.T) {
	kern.ready = true
	defer func() { kern.ready = false }()

	done := make(chan struct{})
	go func() {
		waitUntilReady()
		close(done)
	}()

	select {
	case <-done:
	case <-timeoutChan():
		t.Fatal("waitUntilReady did not return once kern.ready was true")
	}
}

func TestRunPPEntersAtEntryIPOnBSP(t *testing.T) {
	resetSeams()
	defer resetSeams()

	var gotIP, gotArg0, gotArg1, gotStack uintptr
	entryIPFn = func() uintptr { return 0x1000 }
	ppResourcesFn = func(int) ext.PerPPResources { return ext.PerPPResources{StackTop: 0x2000} }
	enterExtensionFn = func(ip, arg0, arg1, stackTop uintptr) uint64 {
		gotIP, gotArg0, gotArg1, gotStack = ip, arg0, arg1, stackTop
		return 0
	}
	started := false
	markStartedFn = func() { started = true }

	tb := &tls.Block{PPID: abi.BSPPPID}
	runPP(tb)

	if gotIP != 0x1000 {
		t.Errorf("expected entry_ip 0x1000, got %#x", gotIP)
	}
	if gotArg0 != uintptr(abi.BSPPPID) {
		t.Errorf("expected arg0 == ppid, got %#x", gotArg0)
	}
	if gotArg1 != uintptr(abi.AllSpecsSupportedVal) {
		t.Errorf("expected arg1 == version token, got %#x", gotArg1)
	}
	if gotStack != 0x2000 {
		t.Errorf("expected stack_top 0x2000, got %#x", gotStack)
	}
	if !started {
		t.Error("expected MarkStarted to be called")
	}
}

func TestRunPPEntersAtBootstrapIPOnAP(t *testing.T) {
	resetSeams()
	defer resetSeams()

	var gotIP uintptr
	bootstrapIPFn = func() uintptr { return 0x3000 }
	enterExtensionFn = func(ip, arg0, arg1, stackTop uintptr) uint64 {
		gotIP = ip
		return 0
	}

	tb := &tls.Block{PPID: 1}
	runPP(tb)

	if gotIP != 0x3000 {
		t.Errorf("expected bootstrap_ip 0x3000, got %#x", gotIP)
	}
}

func TestSyscallGateHandlerReturnResumesExtension(t *testing.T) {
	resetSeams()
	defer resetSeams()

	dispatchFn = func(t *tls.Block) syscall.Result {
		t.ExtReg0 = 0x42
		return syscall.Result{Status: abi.StatusSuccess, Outcome: syscall.OutcomeReturn}
	}

	r := &gate.Registers{RAX: 7}
	syscallGateHandler(r)

	if r.RAX != 0x42 {
		t.Errorf("expected RAX overwritten with the dispatcher's result, got %#x", r.RAX)
	}
}

func TestSyscallGateHandlerRunVPSEntersVMExitLoop(t *testing.T) {
	resetSeams()
	defer resetSeams()

	dispatchFn = func(t *tls.Block) syscall.Result {
		return syscall.Result{Status: abi.StatusSuccess, Outcome: syscall.OutcomeRunVPS, VPSID: 5}
	}

	var ranVPSID abi.ID
	runVPSFn = func(vpsid abi.ID, ppid uint16) (uint64, *kernel.Error) {
		ranVPSID = vpsid
		return 99, nil
	}

	var gotExitReason uintptr
	vmexitIPFn = func() uintptr { return 0x4000 }
	enterExtensionFn = func(ip, arg0, arg1, stackTop uintptr) uint64 {
		gotExitReason = arg0
		// Simulate the VMExit handler never returning by panicking is not
		// testable here; instead treat this as the handler issuing no
		// further syscall, which is the fatal path runVMExitLoop falls
		// through to. failIPFn below makes that fall-through a no-op.
		return 0
	}
	failIPFn = func() uintptr { return 0 }

	r := &gate.Registers{}
	syscallGateHandler(r)

	if ranVPSID != 5 {
		t.Errorf("expected vps 5 to run, got %d", ranVPSID)
	}
	if gotExitReason != 99 {
		t.Errorf("expected exit reason 99 handed to vmexit_ip, got %d", gotExitReason)
	}
}

func TestRunVMExitLoopInvokesFailOnRunError(t *testing.T) {
	resetSeams()
	defer resetSeams()

	runVPSFn = func(vpsid abi.ID, ppid uint16) (uint64, *kernel.Error) {
		return 0, &kernel.Error{Module: "vps", Message: "vmlaunch failed"}
	}

	var enteredFailIP uintptr
	failIPFn = func() uintptr { return 0x5000 }
	enterExtensionFn = func(ip, arg0, arg1, stackTop uintptr) uint64 {
		enteredFailIP = ip
		return 0
	}

	runVMExitLoop(&tls.Block{PPID: 0}, 1)

	if enteredFailIP != 0x5000 {
		t.Errorf("expected fail_ip to be entered after a failed vps run, got %#x", enteredFailIP)
	}
}

// timeoutChan returns a channel that closes almost immediately, bounding
// TestWaitUntilReadyReturnsOnceReady without pulling in the time package's
// full Timer machinery for a single polling test.
func timeoutChan() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for i := 0; i < 1_000_000; i++ {
		}
		close(ch)
	}()
	return ch
}
