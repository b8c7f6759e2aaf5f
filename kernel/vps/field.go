package vps

import "github.com/rianquinn/hypervisor-sub002/kernel"

// Pseudo field-encoding namespace. On Intel these line up with real VMCS
// architectural encodings where a specific encoding matters (RIP, the exit
// fields); on AMD they index the same in-memory VMCB layout this object
// owns. Callers never see these values directly; they go through
// Read{8,16,32,64}/Write{8,16,32,64} or the abstract ReadReg/WriteReg.
const (
	fieldRevisionID             uint64 = 0x4800
	fieldGuestRIP               uint64 = 0x681e
	fieldGuestRSP               uint64 = 0x681c
	fieldGuestRFlags            uint64 = 0x6820
	fieldExitReason             uint64 = 0x4402
	fieldExitInstructionLength  uint64 = 0x440c
	fieldGuestCR0               uint64 = 0x6800
	fieldGuestCR3               uint64 = 0x6802
	fieldGuestCR4               uint64 = 0x6804
	fieldGuestCSSelector        uint64 = 0x0802
	fieldGuestCSBase            uint64 = 0x6808
	fieldGuestCSLimit           uint64 = 0x4802
	fieldGuestCSAccessRights    uint64 = 0x4816
	fieldGuestSSSelector        uint64 = 0x0804
	fieldGuestSSBase            uint64 = 0x680a
	fieldGuestSSLimit           uint64 = 0x4804
	fieldGuestSSAccessRights    uint64 = 0x4818
	fieldGuestIA32Efer          uint64 = 0x2806
	fieldGuestIA32Pat           uint64 = 0x2804

	msrIA32VMXBasic uint32 = 0x480
)

// read returns a field's current value, preferring the live hardware value
// on Intel when this VPS is loaded (so a concurrent vmwrite by the guest's
// own execution, e.g. via an exit, is observed), and otherwise falling back
// to the last value cached in v.fields.
func (v *VPS) read(field uint64) uint64 {
	if v.backend == BackendIntel && v.loadedOnPPID != invalidPPID {
		if val, ok := vmreadFn(field); ok {
			v.fields[field] = val
			return val
		}
	}
	return v.fields[field]
}

// write updates a field's cached value and, on Intel while loaded, the live
// VMCS too.
func (v *VPS) write(field uint64, value uint64) {
	v.fields[field] = value
	if v.backend == BackendIntel && v.loadedOnPPID != invalidPPID {
		vmwriteFn(field, value)
	}
}

func widthMask(bits int) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(bits)) - 1
}

// Read8/16/32/64 read a field by its architectural encoding, narrowed to
// the requested width.
func (v *VPS) Read8(field uint64) (uint8, *kernel.Error) {
	val, err := v.readChecked(field)
	return uint8(val), err
}
func (v *VPS) Read16(field uint64) (uint16, *kernel.Error) {
	val, err := v.readChecked(field)
	return uint16(val), err
}
func (v *VPS) Read32(field uint64) (uint32, *kernel.Error) {
	val, err := v.readChecked(field)
	return uint32(val), err
}
func (v *VPS) Read64(field uint64) (uint64, *kernel.Error) {
	return v.readChecked(field)
}

func (v *VPS) readChecked(field uint64) (uint64, *kernel.Error) {
	v.mu.Acquire()
	defer v.mu.Release()

	if v.loadedOnPPID == invalidPPID {
		return 0, ErrNotLoaded
	}
	return v.read(field), nil
}

// Write8/16/32/64 write value into field, masking to the requested width
// and preserving none of the prior value above that width (the
// upper-bits-preserved rule applies to the extension's return register in
// the dispatcher, not to VMCS/VMCB fields themselves).
func (v *VPS) Write8(field uint64, value uint8) *kernel.Error {
	return v.writeChecked(field, uint64(value)&widthMask(8))
}

func (v *VPS) Write16(field uint64, value uint16) *kernel.Error {
	return v.writeChecked(field, uint64(value)&widthMask(16))
}

func (v *VPS) Write32(field uint64, value uint32) *kernel.Error {
	return v.writeChecked(field, uint64(value)&widthMask(32))
}

func (v *VPS) Write64(field uint64, value uint64) *kernel.Error {
	return v.writeChecked(field, value)
}

func (v *VPS) writeChecked(field uint64, value uint64) *kernel.Error {
	v.mu.Acquire()
	defer v.mu.Release()

	if v.loadedOnPPID == invalidPPID {
		return ErrNotLoaded
	}
	v.write(field, value)
	return nil
}

var regFieldMap = map[Reg]uint64{
	RegRIP:            fieldGuestRIP,
	RegRSP:            fieldGuestRSP,
	RegRFlags:         fieldGuestRFlags,
	RegCR0:            fieldGuestCR0,
	RegCR3:            fieldGuestCR3,
	RegCR4:            fieldGuestCR4,
	RegCSSelector:     fieldGuestCSSelector,
	RegCSBase:         fieldGuestCSBase,
	RegCSLimit:        fieldGuestCSLimit,
	RegCSAccessRights: fieldGuestCSAccessRights,
	RegSSSelector:     fieldGuestSSSelector,
	RegSSBase:         fieldGuestSSBase,
	RegSSLimit:        fieldGuestSSLimit,
	RegSSAccessRights: fieldGuestSSAccessRights,
	RegIA32Efer:       fieldGuestIA32Efer,
	RegIA32Pat:        fieldGuestIA32Pat,
}

// ReadReg reads an abstract register, dispatching to the missing-registers
// GPR block or the hardware-backed field map as appropriate.
func (v *VPS) ReadReg(reg Reg) (uint64, *kernel.Error) {
	v.mu.Acquire()
	defer v.mu.Release()

	if gprRegs[reg] {
		return v.readGPR(reg), nil
	}

	field, ok := regFieldMap[reg]
	if !ok {
		return 0, ErrUnknownReg
	}
	if v.loadedOnPPID == invalidPPID {
		return 0, ErrNotLoaded
	}
	return v.read(field), nil
}

// WriteReg writes an abstract register.
func (v *VPS) WriteReg(reg Reg, value uint64) *kernel.Error {
	v.mu.Acquire()
	defer v.mu.Release()

	if gprRegs[reg] {
		v.writeGPR(reg, value)
		return nil
	}

	field, ok := regFieldMap[reg]
	if !ok {
		return ErrUnknownReg
	}
	if v.loadedOnPPID == invalidPPID {
		return ErrNotLoaded
	}
	v.write(field, value)
	return nil
}

func (v *VPS) readGPR(reg Reg) uint64 {
	switch reg {
	case RegRAX:
		return v.gprs.RAX
	case RegRBX:
		return v.gprs.RBX
	case RegRCX:
		return v.gprs.RCX
	case RegRDX:
		return v.gprs.RDX
	case RegRBP:
		return v.gprs.RBP
	case RegRSI:
		return v.gprs.RSI
	case RegRDI:
		return v.gprs.RDI
	case RegR8:
		return v.gprs.R8
	case RegR9:
		return v.gprs.R9
	case RegR10:
		return v.gprs.R10
	case RegR11:
		return v.gprs.R11
	case RegR12:
		return v.gprs.R12
	case RegR13:
		return v.gprs.R13
	case RegR14:
		return v.gprs.R14
	case RegR15:
		return v.gprs.R15
	}
	return 0
}

func (v *VPS) writeGPR(reg Reg, value uint64) {
	switch reg {
	case RegRAX:
		v.gprs.RAX = value
	case RegRBX:
		v.gprs.RBX = value
	case RegRCX:
		v.gprs.RCX = value
	case RegRDX:
		v.gprs.RDX = value
	case RegRBP:
		v.gprs.RBP = value
	case RegRSI:
		v.gprs.RSI = value
	case RegRDI:
		v.gprs.RDI = value
	case RegR8:
		v.gprs.R8 = value
	case RegR9:
		v.gprs.R9 = value
	case RegR10:
		v.gprs.R10 = value
	case RegR11:
		v.gprs.R11 = value
	case RegR12:
		v.gprs.R12 = value
	case RegR13:
		v.gprs.R13 = value
	case RegR14:
		v.gprs.R14 = value
	case RegR15:
		v.gprs.R15 = value
	}
}
