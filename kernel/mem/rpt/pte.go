// Package rpt implements the root page table manager: 4-level x86-64
// paging with a per-extension address space, aliased microkernel mappings,
// and per-PTE "auto-release" tagging that drives deterministic teardown of
// extension memory.
//
// The package walks tables through the kernel's direct map rather than a
// recursively-mapped slot: the system RPT built at boot identity-offsets
// every physical frame at DirectMapBase, so any RPT's tables — active or
// not, belonging to this extension or another — are always dereferenceable
// without a temporary mapping dance. This is required because, unlike a
// single-address-space kernel, this microkernel must keep many independent
// RPTs alive concurrently (one main RPT plus one per-VM direct-map RPT per
// extension).
package rpt

import (
	"github.com/rianquinn/hypervisor-sub002/kernel/mem"
	"github.com/rianquinn/hypervisor-sub002/kernel/mem/pmm"
)

// PageTableEntryFlag describes a flag that can be applied to a page table
// entry via MapPage.
type PageTableEntryFlag uintptr

// Flags usable with MapPage/MapPageUnaligned. W and X are mutually exclusive.
const (
	FlagPresent   PageTableEntryFlag = 1 << 0
	FlagRW        PageTableEntryFlag = 1 << 1
	FlagUser      PageTableEntryFlag = 1 << 2
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

const (
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// pml4teAliasBit is only meaningful on a level-0 (PML4T) entry: it
	// marks the entry as an alias of another RPT's table, which release
	// must never walk for teardown.
	pml4teAliasBit = uintptr(1) << 9

	// pteAutoReleaseShift/Bits locate the auto_release tag on a leaf
	// (level pageLevels-1) entry, in the ignored 52-62 bit range above
	// the physical address field. The low AVL bits (9-11) cannot hold it:
	// the tag needs four bits and bit 12 already belongs to the frame
	// address.
	pteAutoReleaseShift = 52
	pteAutoReleaseBits  = uintptr(0xf)
)

// pageTableEntry is a single 64-bit page table slot. The physical layout
// must round-trip untouched through the hardware walker, so it is a bare
// uintptr rather than a struct of bitfields.
type pageTableEntry uintptr

func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) | uintptr(flags))
}

func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) &^ uintptr(flags))
}

func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((uintptr(pte) & ptePhysPageMask) >> mem.PageShift)
}

func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = pageTableEntry((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// Alias reports whether a PML4T entry aliases another RPT's subtree.
func (pte pageTableEntry) Alias() bool {
	return uintptr(pte)&pml4teAliasBit != 0
}

// SetAlias marks/clears the alias bit on a PML4T entry.
func (pte *pageTableEntry) SetAlias(v bool) {
	if v {
		*pte = pageTableEntry(uintptr(*pte) | pml4teAliasBit)
	} else {
		*pte = pageTableEntry(uintptr(*pte) &^ pml4teAliasBit)
	}
}

// AutoRelease returns the auto_release tag stored on a leaf PTE.
func (pte pageTableEntry) AutoRelease() mem.PageTag {
	return mem.PageTag((uintptr(pte) >> pteAutoReleaseShift) & pteAutoReleaseBits)
}

// SetAutoRelease stamps the auto_release tag on a leaf PTE.
func (pte *pageTableEntry) SetAutoRelease(tag mem.PageTag) {
	cleared := uintptr(*pte) &^ (pteAutoReleaseBits << pteAutoReleaseShift)
	*pte = pageTableEntry(cleared | (uintptr(tag)&pteAutoReleaseBits)<<pteAutoReleaseShift)
}
