package vm

import (
	"testing"

	"github.com/rianquinn/hypervisor-sub002/kernel/abi"
)

func TestInitRootVMMustBeFirstAllocation(t *testing.T) {
	var p Pool
	p.Init(4, 2)

	root, err := p.InitRootVM()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if root.ID() != abi.RootVMID {
		t.Fatalf("expected root vm id %d; got %d", abi.RootVMID, root.ID())
	}
}

func TestCreateAssignsNonRootIDs(t *testing.T) {
	var p Pool
	p.Init(4, 2)
	_, _ = p.InitRootVM()

	v, err := p.Create()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.ID() == abi.RootVMID {
		t.Fatalf("expected a non-root id")
	}
}

func TestRootVMCanNeverBeDestroyed(t *testing.T) {
	var p Pool
	p.Init(4, 2)
	root, _ := p.InitRootVM()

	if err := p.Destroy(root, 0); err != ErrRootImmortal {
		t.Fatalf("expected ErrRootImmortal; got %v", err)
	}
}

func TestDestroyFailsWhileActiveOnAnyPP(t *testing.T) {
	var p Pool
	p.Init(4, 2)
	_, _ = p.InitRootVM()
	v, _ := p.Create()

	if err := v.SetActive(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Destroy(v, 0); err != ErrStillActive {
		t.Fatalf("expected ErrStillActive; got %v", err)
	}

	if err := v.SetInactive(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Destroy(v, 0); err != nil {
		t.Fatalf("unexpected error destroying an inactive vm: %v", err)
	}
}

func TestDestroyFailsWithLiveVPs(t *testing.T) {
	var p Pool
	p.Init(4, 2)
	_, _ = p.InitRootVM()
	v, _ := p.Create()

	if err := p.Destroy(v, 1); err != ErrHasLiveVPs {
		t.Fatalf("expected ErrHasLiveVPs; got %v", err)
	}
}

func TestVMCanBeActiveOnManyPPsSimultaneously(t *testing.T) {
	var p Pool
	p.Init(4, 4)
	_, _ = p.InitRootVM()
	v, _ := p.Create()

	if err := v.SetActive(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := v.SetActive(1); err != nil {
		t.Fatalf("unexpected error activating on a second pp: %v", err)
	}
	if !v.IsActive(0) || !v.IsActive(1) {
		t.Fatalf("expected vm active on both pp 0 and pp 1")
	}
}
