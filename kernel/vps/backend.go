// Package vps implements the VPS (Virtual Processor State) object: one
// VMCS (Intel) or VMCB (AMD) plus the GPRs hardware does not save, modeled
// as a sum type over the two backends so that a single kernel binary
// carries both and selects at boot.
package vps

import "github.com/rianquinn/hypervisor-sub002/kernel"

// Backend identifies which hardware virtualization extension a VPS's
// 4 KiB structure is formatted for.
type Backend uint8

const (
	BackendIntel Backend = iota
	BackendAMD
)

// Reg enumerates the abstract registers read_reg/write_reg can target:
// selectors, segment bases/limits/access-rights, control/debug registers,
// RFLAGS, the VMCS-exposed IA32_* MSRs, and the GPRs held in the
// missing-registers block. RegCR2 and RegDR7 have no backing field:
// ReadReg and WriteReg return ErrUnknownReg for them.
type Reg uint16

const (
	RegRAX Reg = iota
	RegRBX
	RegRCX
	RegRDX
	RegRBP
	RegRSI
	RegRDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15

	RegRIP
	RegRSP
	RegRFlags

	RegCR0
	RegCR2
	RegCR3
	RegCR4
	RegDR7

	RegCSSelector
	RegCSBase
	RegCSLimit
	RegCSAccessRights

	RegSSSelector
	RegSSBase
	RegSSLimit
	RegSSAccessRights

	RegIA32Efer
	RegIA32Pat
)

var ErrUnknownReg = &kernel.Error{Module: "vps", Message: "unknown abstract register"}

// gprRegs lists the registers backed by the missing-registers block rather
// than by the hardware structure itself, since neither VMCS nor VMCB saves
// the full GPR file across a VMExit.
var gprRegs = map[Reg]bool{
	RegRAX: true, RegRBX: true, RegRCX: true, RegRDX: true, RegRBP: true,
	RegRSI: true, RegRDI: true, RegR8: true, RegR9: true, RegR10: true,
	RegR11: true, RegR12: true, RegR13: true, RegR14: true, RegR15: true,
}
