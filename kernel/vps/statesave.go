package vps

import "unsafe"

// gprBlockAddr returns the address of gprs as a uintptr suitable for
// passing to the Vmlaunch/Vmresume/Vmrun intrinsics, which restore and
// save the GPR file through a raw pointer rather than individual registers.
func gprBlockAddr(gprs *GPRBlock) uintptr {
	return uintptr(unsafe.Pointer(gprs))
}

// StateSaveToVPS bulk-copies a loader-supplied state-save blob into this
// VPS, for init_as_root.
func (v *VPS) StateSaveToVPS(s *StateSave) {
	v.mu.Acquire()
	defer v.mu.Release()

	v.gprs = s.GPRBlock

	v.fields[fieldGuestRIP] = s.RIP
	v.fields[fieldGuestRSP] = s.RSP
	v.fields[fieldGuestRFlags] = s.RFlags
	v.fields[fieldGuestCR0] = s.CR0
	v.fields[fieldGuestCR3] = s.CR3
	v.fields[fieldGuestCR4] = s.CR4
	v.fields[fieldGuestCSSelector] = s.CSSelector
	v.fields[fieldGuestCSBase] = s.CSBase
	v.fields[fieldGuestCSLimit] = s.CSLimit
	v.fields[fieldGuestCSAccessRights] = s.CSAccessRights
	v.fields[fieldGuestSSSelector] = s.SSSelector
	v.fields[fieldGuestSSBase] = s.SSBase
	v.fields[fieldGuestSSLimit] = s.SSLimit
	v.fields[fieldGuestSSAccessRights] = s.SSAccessRights
	v.fields[fieldGuestIA32Efer] = s.IA32Efer
	v.fields[fieldGuestIA32Pat] = s.IA32Pat

	if v.backend == BackendIntel && v.loadedOnPPID != invalidPPID {
		for field, val := range v.fields {
			vmwriteFn(field, val)
		}
	}
}

// VPSToStateSave bulk-copies this VPS's fields into a loader-supplied
// state-save blob, for promote. Calling StateSaveToVPS followed immediately
// by VPSToStateSave on the same blob is a no-op on observable VPS state,
// since both read and write the same v.fields/v.gprs storage.
func (v *VPS) VPSToStateSave(s *StateSave) {
	v.mu.Acquire()
	defer v.mu.Release()

	s.GPRBlock = v.gprs

	s.RIP = v.fields[fieldGuestRIP]
	s.RSP = v.fields[fieldGuestRSP]
	s.RFlags = v.fields[fieldGuestRFlags]
	s.CR0 = v.fields[fieldGuestCR0]
	s.CR3 = v.fields[fieldGuestCR3]
	s.CR4 = v.fields[fieldGuestCR4]
	s.CSSelector = v.fields[fieldGuestCSSelector]
	s.CSBase = v.fields[fieldGuestCSBase]
	s.CSLimit = v.fields[fieldGuestCSLimit]
	s.CSAccessRights = v.fields[fieldGuestCSAccessRights]
	s.SSSelector = v.fields[fieldGuestSSSelector]
	s.SSBase = v.fields[fieldGuestSSBase]
	s.SSLimit = v.fields[fieldGuestSSLimit]
	s.SSAccessRights = v.fields[fieldGuestSSAccessRights]
	s.IA32Efer = v.fields[fieldGuestIA32Efer]
	s.IA32Pat = v.fields[fieldGuestIA32Pat]
}
