package pmm

import (
	"github.com/rianquinn/hypervisor-sub002/kernel"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem"
	"github.com/rianquinn/hypervisor-sub002/kernel/sync"
)

var (
	// ErrOutOfMemory is returned once a pool's donated region is fully
	// committed (no bumped-but-never-freed frame remains and the free
	// list is empty).
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "page pool exhausted"}

	// ErrTagMismatch is logged (not returned as a fatal condition per
	// se) when Free is called with a tag that does not match the one
	// recorded at Allocate time. The free still proceeds; a mismatched
	// tag must never corrupt the pool.
	ErrTagMismatch = &kernel.Error{Module: "pmm", Message: "page freed with a different tag than it was allocated with"}

	// breadcrumbFn receives tag-mismatch breadcrumbs; tests substitute
	// this to observe the audit without requiring kfmt's console sink.
	breadcrumbFn = func(*kernel.Error) {}
)

// SetBreadcrumbFn installs the sink used to report non-fatal pool audit
// failures (currently just tag mismatches on Free).
func SetBreadcrumbFn(fn func(*kernel.Error)) {
	breadcrumbFn = fn
}

// Pool is a bump/free-list allocator over a contiguous, page-aligned
// physical memory range donated once by the loader. Allocations are handed
// out as whole pages and tagged with a PageTag for audit on Free.
//
// A freed frame is pushed onto an index-addressed free list (rather than an
// intrusive pointer written into the page itself) because a physical frame
// need not be mapped anywhere at the time it is freed.
type Pool struct {
	mu sync.Spinlock

	base       Frame
	frameCount uintptr

	// bumpNext is the first frame in [base, base+frameCount) that has
	// never been handed out. Frames at or after bumpNext are free;
	// frames before it are either allocated or sitting on freeHead.
	bumpNext uintptr

	// freeHead indexes (relative to base) the most recently freed frame,
	// or sentinelNone if the free list is empty.
	freeHead uintptr

	tags []mem.PageTag
	next []uintptr
}

const sentinelNone = ^uintptr(0)

// Init configures the pool to hand out frames from the donated
// [startFrame, startFrame+frameCount) range. The backing slices for tags and
// the free list are allocated from the Go heap the goruntime package
// bootstraps during early kernel init; they are proportional to page count,
// not guest memory, and are never touched once initialization completes.
func (p *Pool) Init(startFrame Frame, frameCount uintptr) {
	p.base = startFrame
	p.frameCount = frameCount
	p.bumpNext = 0
	p.freeHead = sentinelNone
	p.tags = make([]mem.PageTag, frameCount)
	p.next = make([]uintptr, frameCount)
}

// Allocate reserves `pages` contiguous frames tagged with tag and returns the
// first frame. Multi-page allocations are only ever satisfied from the bump
// region: once pages have been individually freed the pool can no longer
// guarantee they are contiguous, so callers that need more than one page
// (table levels are always exactly one page; only huge-pool-style callers
// ask for more) must request them before any frees have fragmented the pool,
// or use the huge pool instead.
func (p *Pool) Allocate(pages uintptr, tag mem.PageTag) (Frame, *kernel.Error) {
	p.mu.Acquire()
	defer p.mu.Release()

	if pages == 1 && p.freeHead != sentinelNone {
		idx := p.freeHead
		p.freeHead = p.next[idx]
		p.tags[idx] = tag
		return p.base + Frame(idx), nil
	}

	if p.bumpNext+pages > p.frameCount {
		return InvalidFrame, ErrOutOfMemory
	}

	first := p.bumpNext
	for i := uintptr(0); i < pages; i++ {
		p.tags[first+i] = tag
	}
	p.bumpNext += pages

	return p.base + Frame(first), nil
}

// Deallocate returns a single frame previously returned by Allocate back to
// the pool. tag must match the tag supplied at allocation time; a mismatch
// is reported via the breadcrumb sink but the frame is still reclaimed —
// a caller's bookkeeping bug must never corrupt the pool itself.
func (p *Pool) Deallocate(frame Frame, tag mem.PageTag) *kernel.Error {
	p.mu.Acquire()
	defer p.mu.Release()

	idx := uintptr(frame - p.base)
	if idx >= p.frameCount {
		return &kernel.Error{Module: "pmm", Message: "frame does not belong to this pool"}
	}

	if p.tags[idx] != tag {
		breadcrumbFn(ErrTagMismatch)
	}

	p.tags[idx] = mem.TagNone
	p.next[idx] = p.freeHead
	p.freeHead = idx

	return nil
}

// TagOf returns the tag a currently-allocated frame was allocated with.
// RPT release does not use it: each leaf frame's tag is read from the
// auto_release field of its PTE.
func (p *Pool) TagOf(frame Frame) mem.PageTag {
	p.mu.Acquire()
	defer p.mu.Release()

	idx := uintptr(frame - p.base)
	if idx >= p.frameCount {
		return mem.TagNone
	}
	return p.tags[idx]
}
