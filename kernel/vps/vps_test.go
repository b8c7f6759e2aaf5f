package vps

import (
	"testing"

	"github.com/rianquinn/hypervisor-sub002/kernel"
)

func noErrAlloc(phys uintptr) allocHugeFn {
	return func() (uintptr, *kernel.Error) { return phys, nil }
}

func TestCreateIntelSetsRevisionID(t *testing.T) {
	old := rdmsrFn
	defer func() { rdmsrFn = old }()
	rdmsrFn = func(uint32) uint64 { return 0x7fffffff | (1 << 55) }

	var p Pool
	p.Init(2)

	v, err := p.Create(0, 0, BackendIntel, noErrAlloc(0x2000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.fields[fieldRevisionID] != 0x7fffffff {
		t.Fatalf("expected masked revision id; got %#x", v.fields[fieldRevisionID])
	}
}

func TestLoadRequiredBeforeReadWrite(t *testing.T) {
	var p Pool
	p.Init(1)
	v, _ := p.Create(0, 0, BackendAMD, noErrAlloc(0x3000))

	if _, err := v.Read64(fieldGuestRIP); err != ErrNotLoaded {
		t.Fatalf("expected ErrNotLoaded; got %v", err)
	}

	old := vmloadFn
	defer func() { vmloadFn = old }()
	vmloadFn = func(uintptr) {}

	if err := v.Load(0); err != nil {
		t.Fatalf("unexpected error loading: %v", err)
	}
	if err := v.Write64(fieldGuestRIP, 0xdead); err != nil {
		t.Fatalf("unexpected error writing: %v", err)
	}
	got, err := v.Read64(fieldGuestRIP)
	if err != nil || got != 0xdead {
		t.Fatalf("expected 0xdead; got %#x, %v", got, err)
	}
}

func TestAdvanceIP(t *testing.T) {
	var p Pool
	p.Init(1)
	v, _ := p.Create(0, 0, BackendAMD, noErrAlloc(0x4000))

	old := vmloadFn
	defer func() { vmloadFn = old }()
	vmloadFn = func(uintptr) {}
	_ = v.Load(0)

	_ = v.Write64(fieldGuestRIP, 0x1000)
	v.fields[fieldExitInstructionLength] = 3

	if err := v.AdvanceIP(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := v.Read64(fieldGuestRIP)
	if got != 0x1003 {
		t.Fatalf("expected 0x1003; got %#x", got)
	}
}

func TestStateSaveRoundTrip(t *testing.T) {
	var p Pool
	p.Init(1)
	v, _ := p.Create(0, 0, BackendAMD, noErrAlloc(0x5000))

	in := &StateSave{RIP: 0x1234, RSP: 0x5678, CR3: 0x9000}
	in.RAX = 0xaa

	v.StateSaveToVPS(in)

	var out StateSave
	v.VPSToStateSave(&out)

	if out.RIP != in.RIP || out.RSP != in.RSP || out.CR3 != in.CR3 || out.RAX != in.RAX {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestLoadActivatesAndClearDeactivates(t *testing.T) {
	var p Pool
	p.Init(1)
	v, _ := p.Create(0, 0, BackendAMD, noErrAlloc(0x7000))

	if v.IsActive() {
		t.Fatalf("freshly created vps must not be active")
	}

	old := vmloadFn
	defer func() { vmloadFn = old }()
	vmloadFn = func(uintptr) {}

	if err := v.Load(0); err != nil {
		t.Fatalf("unexpected error loading: %v", err)
	}
	if !v.IsActive() {
		t.Fatalf("expected vps to be active after Load")
	}

	if err := v.Clear(); err != nil {
		t.Fatalf("unexpected error clearing: %v", err)
	}
	if v.IsActive() {
		t.Fatalf("expected vps to be inactive after Clear")
	}
}

func TestMigrateForcesInvalidateOnNextLoad(t *testing.T) {
	oldRdmsr, oldPtrld, oldClear, oldInvvpid := rdmsrFn, vmptrldFn, vmclearFn, invvpidFn
	defer func() {
		rdmsrFn, vmptrldFn, vmclearFn, invvpidFn = oldRdmsr, oldPtrld, oldClear, oldInvvpid
	}()
	rdmsrFn = func(uint32) uint64 { return 1 }
	vmptrldFn = func(uintptr) bool { return true }
	vmclearFn = func(uintptr) bool { return true }

	invalidated := 0
	invvpidFn = func(kind uint64, descriptor uintptr) {
		if kind == invvpidAllContexts {
			invalidated++
		}
	}

	var p Pool
	p.Init(1)
	v, _ := p.Create(0, 0, BackendIntel, noErrAlloc(0x8000))

	if err := v.Load(0); err != nil {
		t.Fatalf("unexpected error loading: %v", err)
	}
	if invalidated != 0 {
		t.Fatalf("expected no invalidation on a first, unmigrated load")
	}

	if err := v.Clear(); err != nil {
		t.Fatalf("unexpected error clearing: %v", err)
	}
	if err := v.Migrate(1); err != nil {
		t.Fatalf("unexpected error migrating: %v", err)
	}
	if err := v.Load(1); err != nil {
		t.Fatalf("unexpected error reloading: %v", err)
	}
	if invalidated != 1 {
		t.Fatalf("expected exactly one vpid invalidation after migrate; got %d", invalidated)
	}
}

func TestMigrateRequiresClear(t *testing.T) {
	var p Pool
	p.Init(1)
	v, _ := p.Create(0, 0, BackendAMD, noErrAlloc(0x6000))

	old := vmloadFn
	defer func() { vmloadFn = old }()
	vmloadFn = func(uintptr) {}
	_ = v.Load(0)

	if err := v.Migrate(1); err != ErrMigrateNotCleared {
		t.Fatalf("expected ErrMigrateNotCleared; got %v", err)
	}

	if err := v.Clear(); err != nil {
		t.Fatalf("unexpected error clearing: %v", err)
	}
	if err := v.Migrate(1); err != nil {
		t.Fatalf("unexpected error migrating after clear: %v", err)
	}
}
