// Package hpm manages allocation of physically contiguous, multi-page memory
// blocks donated once by the loader. It is the huge pool referenced by
// bf_mem_op_alloc_huge/bf_mem_op_free_huge and by the VPS object for
// allocating VMCS/VMCB pages that some backends require to be contiguous
// across more than a single 4 KiB frame.
package hpm

import (
	"github.com/rianquinn/hypervisor-sub002/kernel"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem/pmm"
	"github.com/rianquinn/hypervisor-sub002/kernel/sync"
)

// ErrOutOfMemory is returned when no remaining free block (free-listed or
// unbumped) can satisfy a request of the given size.
var ErrOutOfMemory = &kernel.Error{Module: "hpm", Message: "huge pool exhausted"}

// ErrTagMismatch mirrors pmm.ErrTagMismatch: a Free call presented a
// different tag than Allocate recorded. Freeing still proceeds.
var ErrTagMismatch = &kernel.Error{Module: "hpm", Message: "huge block freed with a different tag than it was allocated with"}

var breadcrumbFn = func(*kernel.Error) {}

// SetBreadcrumbFn installs the sink used to report tag-mismatch audits.
func SetBreadcrumbFn(fn func(*kernel.Error)) {
	breadcrumbFn = fn
}

type block struct {
	frame pmm.Frame
	pages uintptr
	tag   mem.PageTag
}

// Pool is a first-fit allocator over a contiguous range of physical memory
// donated once by the loader. Unlike the page pool, requests here are for a
// caller-chosen, possibly-large page count that must remain physically
// contiguous, so freed blocks are tracked explicitly (address, size) rather
// than as single free-listed frames.
type Pool struct {
	mu sync.Spinlock

	base       pmm.Frame
	frameCount uintptr
	bumpNext   uintptr

	free   []block
	allocd map[pmm.Frame]block
}

// Init configures the pool to hand out contiguous blocks from
// [startFrame, startFrame+frameCount).
func (p *Pool) Init(startFrame pmm.Frame, frameCount uintptr) {
	p.base = startFrame
	p.frameCount = frameCount
	p.bumpNext = 0
	p.free = nil
	p.allocd = make(map[pmm.Frame]block)
}

// Allocate reserves `pages` contiguous frames tagged with tag.
func (p *Pool) Allocate(pages uintptr, tag mem.PageTag) (pmm.Frame, *kernel.Error) {
	p.mu.Acquire()
	defer p.mu.Release()

	for i, b := range p.free {
		if b.pages >= pages {
			p.free = append(p.free[:i], p.free[i+1:]...)
			if b.pages > pages {
				p.free = append(p.free, block{frame: b.frame + pmm.Frame(pages), pages: b.pages - pages})
			}
			allocated := block{frame: b.frame, pages: pages, tag: tag}
			p.allocd[b.frame] = allocated
			return b.frame, nil
		}
	}

	if p.bumpNext+pages > p.frameCount {
		return pmm.InvalidFrame, ErrOutOfMemory
	}

	first := p.base + pmm.Frame(p.bumpNext)
	p.bumpNext += pages
	p.allocd[first] = block{frame: first, pages: pages, tag: tag}
	return first, nil
}

// Deallocate returns a block previously returned by Allocate. tag must match
// the tag supplied at allocation time.
func (p *Pool) Deallocate(frame pmm.Frame, tag mem.PageTag) *kernel.Error {
	p.mu.Acquire()
	defer p.mu.Release()

	b, ok := p.allocd[frame]
	if !ok {
		return &kernel.Error{Module: "hpm", Message: "frame is not a live huge-pool allocation"}
	}
	if b.tag != tag {
		breadcrumbFn(ErrTagMismatch)
	}

	delete(p.allocd, frame)
	p.free = append(p.free, block{frame: frame, pages: b.pages})
	return nil
}
