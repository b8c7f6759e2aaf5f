// +build amd64

package mem

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = 3

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// PageLevels is the number of levels in the x86-64 4-level paging
	// hierarchy: PML4T, PDPT, PDT, PT.
	PageLevels = 4

	// HugePageShift is equal to log2(HugePageSize); huge pages span a
	// full PDPT entry (1 GiB) so that the huge pool hands out physically
	// contiguous blocks without needing a PDT level of its own.
	HugePageShift = 30

	// HugePageSize defines the size of a single huge-pool block.
	HugePageSize = Size(1 << HugePageShift)
)

// PageLevelShifts holds, for each paging level (0 == PML4T), the bit
// position of the first bit of that level's index within a virtual address.
var PageLevelShifts = [PageLevels]uint8{39, 30, 21, 12}

// PageLevelBits holds, for each paging level, the number of bits used to
// index that level's table (always 9 for 4 KiB pages on amd64).
var PageLevelBits = [PageLevels]uint8{9, 9, 9, 9}
