package rpt

import (
	"github.com/rianquinn/hypervisor-sub002/kernel"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem"
)

// interiorTag returns the PageTag stamped on the interior table created at
// the given level (0 == PML4T) to reach level+1.
func interiorTag(level int) mem.PageTag {
	switch level {
	case 0:
		return mem.TagPDPT
	case 1:
		return mem.TagPDT
	case 2:
		return mem.TagPT
	default:
		return mem.TagScratch
	}
}

// walk descends from the PML4T to the leaf (level 3) entry that covers
// vaddr. When create is true, missing interior tables are allocated and
// zeroed along the way; when false, walk stops and returns ErrNotMapped as
// soon as it hits a not-present interior entry.
//
// The returned *pageTableEntry points directly into the direct-mapped
// backing table, so callers may read or mutate it in place.
func (r *RPT) walk(vaddr uintptr, create bool) (*pageTableEntry, *kernel.Error) {
	frame := r.pml4Frame

	for level := 0; level < mem.PageLevels-1; level++ {
		tbl := tableView(frame)
		idx := index(vaddr, level)
		entry := &tbl[idx]

		if !entry.HasFlags(FlagPresent) {
			if !create {
				return nil, ErrNotMapped
			}

			child, err := r.allocFn(interiorTag(level))
			if err != nil {
				return nil, err
			}
			zeroTable(child)

			entry.SetFrame(child)
			entry.SetFlags(FlagPresent | FlagRW | FlagUser)
		} else if entry.Alias() && level == 0 {
			// Aliased PML4T subtrees belong to another RPT; walking into
			// them for mutation would corrupt state shared with that RPT.
			return nil, ErrProtected
		}

		frame = entry.Frame()
	}

	tbl := tableView(frame)
	leaf := &tbl[index(vaddr, mem.PageLevels-1)]
	return leaf, nil
}
