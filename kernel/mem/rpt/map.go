package rpt

import (
	"github.com/rianquinn/hypervisor-sub002/kernel"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem/pmm"
)

func checkFlags(flags PageTableEntryFlag) *kernel.Error {
	writable := flags&FlagRW != 0
	executable := flags&FlagNoExecute == 0
	if writable && executable {
		return ErrInvalidFlags
	}
	return nil
}

// MapPage installs a present leaf mapping from the page-aligned vaddr to the
// page-aligned frame with the given flags. It returns ErrAlreadyMapped if
// vaddr is already backed by a present leaf entry. The leaf's auto_release
// tag is left at its zero value (NO_AUTO_RELEASE): Release will walk past
// it without returning frame to any pool, since ownership of frame was not
// transferred to this RPT. Use MapPageTagged when it was.
func (r *RPT) MapPage(vaddr uintptr, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return r.mapPage(vaddr, frame, flags, mem.TagNone)
}

// MapPageTagged is MapPage but additionally stamps the leaf's auto_release
// field, for callers (such as the extension's page/huge allocation paths)
// that map a frame obtained from a shared pool directly rather than through
// AllocatePageRW/RX and still want Release to reclaim it correctly.
func (r *RPT) MapPageTagged(vaddr uintptr, frame pmm.Frame, flags PageTableEntryFlag, tag mem.PageTag) *kernel.Error {
	return r.mapPage(vaddr, frame, flags, tag)
}

func (r *RPT) mapPage(vaddr uintptr, frame pmm.Frame, flags PageTableEntryFlag, tag mem.PageTag) *kernel.Error {
	if err := checkFlags(flags); err != nil {
		return err
	}
	if vaddr&(uintptr(mem.PageSize)-1) != 0 {
		return ErrNotAligned
	}

	r.mu.Acquire()
	defer r.mu.Release()

	leaf, err := r.walk(vaddr, true)
	if err != nil {
		return err
	}
	if leaf.HasFlags(FlagPresent) {
		return ErrAlreadyMapped
	}

	leaf.SetFrame(frame)
	leaf.SetFlags(flags | FlagPresent)
	if tag != mem.TagNone {
		leaf.SetAutoRelease(tag)
	}
	return nil
}

// MapPageUnaligned rounds both vaddr and the frame's backing physical
// address down to the nearest page boundary before mapping, for callers
// holding unaligned ELF segment addresses.
func (r *RPT) MapPageUnaligned(vaddr uintptr, physAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	alignedVAddr := vaddr &^ (uintptr(mem.PageSize) - 1)
	alignedPhys := physAddr &^ (uintptr(mem.PageSize) - 1)
	return r.MapPage(alignedVAddr, pmm.FrameFromAddress(alignedPhys), flags)
}

// AllocatePageRW allocates a single page from allocFn, maps it read/write at
// vaddr tagged with tag, and stamps the leaf's auto_release field so that
// Release later knows which pool to return it to.
func (r *RPT) AllocatePageRW(vaddr uintptr, tag mem.PageTag) (pmm.Frame, *kernel.Error) {
	return r.allocateAndMap(vaddr, tag, FlagRW|FlagNoExecute)
}

// AllocatePageRX is identical to AllocatePageRW but maps the page
// read/execute, for extension code and instruction-bearing pages.
func (r *RPT) AllocatePageRX(vaddr uintptr, tag mem.PageTag) (pmm.Frame, *kernel.Error) {
	return r.allocateAndMap(vaddr, tag, 0)
}

func (r *RPT) allocateAndMap(vaddr uintptr, tag mem.PageTag, flags PageTableEntryFlag) (pmm.Frame, *kernel.Error) {
	frame, err := r.allocFn(tag)
	if err != nil {
		return pmm.InvalidFrame, err
	}

	r.mu.Acquire()
	leaf, err := r.walk(vaddr, true)
	if err != nil {
		r.mu.Release()
		_ = r.deallocFn(frame, tag)
		return pmm.InvalidFrame, err
	}
	if leaf.HasFlags(FlagPresent) {
		r.mu.Release()
		_ = r.deallocFn(frame, tag)
		return pmm.InvalidFrame, ErrAlreadyMapped
	}

	leaf.SetFrame(frame)
	leaf.SetFlags(flags | FlagPresent)
	leaf.SetAutoRelease(tag)
	r.mu.Release()

	return frame, nil
}

// Unmap clears the leaf entry covering vaddr. It does not free the
// underlying frame; callers that mapped via AllocatePageRW/RX should free it
// through the same pool the tag identifies, or rely on Release at RPT
// teardown.
func (r *RPT) Unmap(vaddr uintptr) *kernel.Error {
	r.mu.Acquire()
	defer r.mu.Release()

	leaf, err := r.walk(vaddr, false)
	if err != nil {
		return err
	}
	if !leaf.HasFlags(FlagPresent) {
		return ErrNotMapped
	}

	*leaf = 0
	return nil
}

// AddTables aliases every present PML4T entry of other into r, so that r's
// address space gains visibility into other's subtrees without taking
// ownership of them. Aliased entries are marked so that Release never walks
// into them for teardown; the kernel uses this to give every extension's
// direct-map RPT the same view of physical memory without duplicating the
// underlying tables per VM.
func (r *RPT) AddTables(other *RPT) *kernel.Error {
	r.mu.Acquire()
	defer r.mu.Release()

	dst := tableView(r.pml4Frame)
	src := tableView(other.pml4Frame)

	for i := range src {
		if !src[i].HasFlags(FlagPresent) {
			continue
		}
		dst[i] = src[i]
		dst[i].SetAlias(true)
	}
	return nil
}

// Release walks every non-aliased reachable entry of this RPT, returning
// tagged leaf frames to the pool identified by their auto_release tag
// (deallocFn is expected to dispatch by tag, mirroring how mkmain wires a
// single deallocator across both the page and huge pools) and then freeing
// the interior tables themselves. Aliased PML4T subtrees are skipped
// entirely: they are owned by whichever RPT they were copied from.
func (r *RPT) Release() *kernel.Error {
	r.mu.Acquire()
	defer r.mu.Release()

	pml4 := tableView(r.pml4Frame)
	for i := range pml4 {
		e := pml4[i]
		if !e.HasFlags(FlagPresent) || e.Alias() {
			continue
		}
		if err := r.releaseSubtree(e.Frame(), 1); err != nil {
			return err
		}
	}

	if err := r.deallocFn(r.pml4Frame, mem.TagPML4T); err != nil {
		return err
	}
	return nil
}

func (r *RPT) releaseSubtree(frame pmm.Frame, level int) *kernel.Error {
	tbl := tableView(frame)

	if level == mem.PageLevels-1 {
		for i := range tbl {
			// A leaf without an auto_release tag maps a frame this RPT
			// never owned (MapPage without transfer of ownership); only
			// tagged leaves go back to a pool.
			if !tbl[i].HasFlags(FlagPresent) || tbl[i].AutoRelease() == mem.TagNone {
				continue
			}
			if err := r.deallocFn(tbl[i].Frame(), tbl[i].AutoRelease()); err != nil {
				return err
			}
		}
		return r.deallocFn(frame, mem.TagPT)
	}

	for i := range tbl {
		if !tbl[i].HasFlags(FlagPresent) {
			continue
		}
		if err := r.releaseSubtree(tbl[i].Frame(), level+1); err != nil {
			return err
		}
	}
	return r.deallocFn(frame, tableTagForLevel(level))
}

// tableTagForLevel returns the PageTag a table occupying the given paging
// level (0 == PML4T) was allocated with.
func tableTagForLevel(level int) mem.PageTag {
	switch level {
	case 0:
		return mem.TagPML4T
	case 1:
		return mem.TagPDPT
	case 2:
		return mem.TagPDT
	default:
		return mem.TagPT
	}
}
