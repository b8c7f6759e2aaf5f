package cpu

// The functions below are thin, side-effect-only wrappers over the
// privileged instructions a VPS backend needs: small, auditable assembly
// shims. Their assembly bodies are loader/platform plumbing; callers in
// kernel/vps mock them via function-variable seams exactly as cpuidFn
// mocks ID in cpu_amd64.go.

// Rdmsr reads the model-specific register identified by msr.
func Rdmsr(msr uint32) uint64

// Wrmsr writes value to the model-specific register identified by msr.
func Wrmsr(msr uint32, value uint64)

// Invlpg invalidates the TLB entry for virtAddr.
func Invlpg(virtAddr uintptr)

// Invept invalidates cached EPT mappings per Intel's INVEPT instruction;
// kind selects the invalidation type (single-context vs. all-context) and
// descriptor points at the EPTP/reserved descriptor pair.
func Invept(kind uint64, descriptor uintptr)

// Invvpid invalidates cached VPID-tagged TLB entries per Intel's INVVPID
// instruction; kind and descriptor mirror Invept's parameters.
func Invvpid(kind uint64, descriptor uintptr)

// Invlpga invalidates a single ASID-tagged TLB entry per AMD's INVLPGA.
func Invlpga(virtAddr uintptr, asid uint32)

// Vmread reads a VMCS field by its architectural encoding.
func Vmread(encoding uint64) (uint64, bool)

// Vmwrite writes value to a VMCS field by its architectural encoding. It
// returns false if the hardware flags the write as failed.
func Vmwrite(encoding uint64, value uint64) bool

// Vmclear executes VMCLEAR against the VMCS at the given physical address.
func Vmclear(vmcsPhysAddr uintptr) bool

// Vmptrld makes the VMCS at the given physical address the current VMCS.
func Vmptrld(vmcsPhysAddr uintptr) bool

// Vmlaunch launches a guest for the first time on the current VMCS,
// restoring GPRs from gprs before entry and saving them back into gprs (and
// returning the exit reason) on VMExit.
func Vmlaunch(gprs uintptr) (exitReason uint64, ok bool)

// Vmresume resumes a previously-launched guest on the current VMCS.
func Vmresume(gprs uintptr) (exitReason uint64, ok bool)

// Vmrun executes AMD's VMRUN against the VMCB at vmcbPhysAddr, restoring
// GPRs from gprs before entry and saving them back on VMExit.
func Vmrun(vmcbPhysAddr uintptr, gprs uintptr) (exitReason uint64)

// Vmload loads processor state (FS/GS/TR/LDTR bases and a few MSRs) from
// the VMCB at vmcbPhysAddr into the processor, per AMD's VMLOAD.
func Vmload(vmcbPhysAddr uintptr)

// Vmsave is the inverse of Vmload: it saves processor state into the VMCB
// at vmcbPhysAddr, per AMD's VMSAVE.
func Vmsave(vmcbPhysAddr uintptr)

// EnterExtension transfers control to extension code at ip on the stack
// addressed by stackTop, passing arg0/arg1 in the SysV-ABI argument
// registers, and returns the 64-bit value the extension left in RAX when
// it returns. The current stack pointer is saved and restored around the
// call.
//
// Every syscall the extension issues while running under this call traps
// through the platform's syscall gate (installed via kernel/gate) and is
// serviced without unwinding this call; EnterExtension itself only returns
// once the extension's code at ip actually executes a RET.
func EnterExtension(ip, arg0, arg1, stackTop uintptr) uint64
