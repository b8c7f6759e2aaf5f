package abi

// Operation indices within SubsystemHandle. The numbering only needs to be
// internally consistent and bit-exact once fixed.
const (
	HandleOpOpenHandle  uint16 = 0
	HandleOpCloseHandle uint16 = 1
)

// Operation indices within SubsystemCallback.
const (
	CallbackOpRegisterBootstrap uint16 = 0
	CallbackOpRegisterVMExit    uint16 = 1
	CallbackOpRegisterFail      uint16 = 2
)

// Operation indices within SubsystemVM.
const (
	VMOpCreateVM  uint16 = 0
	VMOpDestroyVM uint16 = 1
)

// Operation indices within SubsystemVP.
const (
	VPOpCreateVP  uint16 = 0
	VPOpDestroyVP uint16 = 1
	VPOpMigrate   uint16 = 2
)

// Operation indices within SubsystemVPS.
const (
	VPSOpCreateVPS              uint16 = 0
	VPSOpDestroyVPS             uint16 = 1
	VPSOpInitAsRoot             uint16 = 2
	VPSOpRead8                  uint16 = 3
	VPSOpRead16                 uint16 = 4
	VPSOpRead32                 uint16 = 5
	VPSOpRead64                 uint16 = 6
	VPSOpWrite8                 uint16 = 7
	VPSOpWrite16                uint16 = 8
	VPSOpWrite32                uint16 = 9
	VPSOpWrite64                uint16 = 10
	VPSOpReadReg                uint16 = 11
	VPSOpWriteReg               uint16 = 12
	VPSOpRun                    uint16 = 13
	VPSOpRunCurrent             uint16 = 14
	VPSOpAdvanceIP              uint16 = 15
	VPSOpAdvanceIPAndRunCurrent uint16 = 16
	VPSOpPromote                uint16 = 17
	VPSOpClearVPS               uint16 = 18
)

// Operation indices within SubsystemIntrinsic.
const (
	IntrinsicOpRdmsr   uint16 = 0
	IntrinsicOpWrmsr   uint16 = 1
	IntrinsicOpInvlpga uint16 = 2
	IntrinsicOpInvept  uint16 = 3
	IntrinsicOpInvvpid uint16 = 4
)

// Operation indices within SubsystemMem.
const (
	MemOpAllocPage uint16 = 0
	MemOpFreePage  uint16 = 1
	MemOpAllocHuge uint16 = 2
	MemOpFreeHuge  uint16 = 3
	MemOpAllocHeap uint16 = 4
)
