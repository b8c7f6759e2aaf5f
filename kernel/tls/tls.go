// Package tls defines the per-PP kernel-side TLS block: the one struct
// every other subsystem is handed by reference instead of reaching through
// package-level globals.
package tls

import (
	"github.com/rianquinn/hypervisor-sub002/kernel/abi"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem/rpt"
)

// Block is one PP's kernel-side TLS data. mkmain allocates one Block per PP
// in a fixed array indexed by ppid at boot.
type Block struct {
	PPID      uint16
	OnlinePPs uint16

	ActiveVMID  abi.ID
	ActiveVPID  abi.ID
	ActiveVPSID abi.ID
	ActiveExtID abi.ID
	ActiveRPT   *rpt.RPT

	// The syscall ABI's opcode and argument registers, deposited by the
	// extension before trapping into the kernel.
	ExtSyscall uint64
	ExtReg0    uint64
	ExtReg1    uint64
	ExtReg2    uint64
	ExtReg3    uint64

	// Function pointers the extension registered via
	// bf_callback_op_register_{vmexit,fail}; bootstrap is consumed once
	// and not retained here.
	ExtVMExit uintptr
	ExtFail   uintptr

	// StateReversalRequired is set by the dispatcher immediately before
	// calling a create/destroy handler that has a matching *_failure
	// reversal path, and cleared once that reversal has run (or was
	// unnecessary because the handler fully succeeded).
	StateReversalRequired bool

	// RootVPState is the loader-provided state-save image for this PP's
	// boot CPU context, used by promote to resume host execution.
	RootVPState uintptr
}
