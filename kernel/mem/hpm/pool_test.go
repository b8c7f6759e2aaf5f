package hpm

import (
	"testing"

	"github.com/rianquinn/hypervisor-sub002/kernel/mem"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem/pmm"
)

func TestPoolContiguousAllocation(t *testing.T) {
	var p Pool
	p.Init(pmm.Frame(0), 16)

	f, err := p.Allocate(4, mem.TagAllocHuge)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f != pmm.Frame(0) {
		t.Fatalf("expected first block at frame 0; got %v", f)
	}

	if err := p.Deallocate(f, mem.TagAllocHuge); err != nil {
		t.Fatalf("unexpected error freeing: %v", err)
	}

	// A request that exactly fits the freed block must reuse it rather
	// than bump past the end of the donated range.
	f2, err := p.Allocate(4, mem.TagAllocHuge)
	if err != nil || f2 != f {
		t.Fatalf("expected reused block %v; got %v, %v", f, f2, err)
	}
}

func TestPoolOutOfMemory(t *testing.T) {
	var p Pool
	p.Init(pmm.Frame(0), 4)

	if _, err := p.Allocate(4, mem.TagAllocHuge); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.Allocate(1, mem.TagAllocHuge); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
}
