package abi

import "testing"

func TestOpcodeBitPartitionLaw(t *testing.T) {
	values := []uint64{
		0, 1, 0xFFFFFFFFFFFFFFFF, 0x1234_5678_9abc_def0,
		uint64(MakeOpcode(SubsystemVM, 7)),
		uint64(MakeOpcode(SubsystemVPS, 0xFFFF)),
	}

	for _, x := range values {
		got := SigMask(x) | FlagsMask(x) | OpcodeNoSigMask(x) | IndexMask(x)
		if got != x {
			t.Fatalf("partition law violated for %#x: got %#x", x, got)
		}
	}
}

func TestMakeOpcodeRoundTrip(t *testing.T) {
	o := MakeOpcode(SubsystemVP, 42)
	if !o.Valid() {
		t.Fatalf("expected valid magic")
	}
	if o.Subsystem() != SubsystemVP {
		t.Fatalf("expected subsystem %d; got %d", SubsystemVP, o.Subsystem())
	}
	if o.Index() != 42 {
		t.Fatalf("expected index 42; got %d", o.Index())
	}
}

func TestOpcodeRejectsBadMagic(t *testing.T) {
	o := Opcode(0)
	if o.Valid() {
		t.Fatalf("expected zero opcode to be invalid")
	}
}
