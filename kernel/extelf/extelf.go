// Package extelf loads and validates the extension's ELF image: a
// position-independent, statically linked, freestanding executable with
// exactly one RE and one RW load segment, at most one RELA section
// containing only R_x86_64_RELATIVE relocations, and no legacy
// init/fini/ctors/dtors sections.
//
// Parsing itself leans on the standard library's debug/elf rather than a
// hand-rolled header walk: kernel/goruntime establishes that this kernel
// can rely on a bootstrapped Go heap and a reasonable slice of the
// standard library once past early boot, and debug/elf's struct layouts
// are already bit-exact with the wire format, which a hand-rolled parser
// would just reimplement.
package extelf

import (
	"debug/elf"
	"bytes"

	"github.com/rianquinn/hypervisor-sub002/kernel"
)

var (
	ErrUnsupportedHeader   = &kernel.Error{Module: "extelf", Message: "elf header violates the extension image contract"}
	ErrUnsupportedSegments = &kernel.Error{Module: "extelf", Message: "elf must have exactly one RE and one RW PT_LOAD segment"}
	ErrUnsupportedReloc    = &kernel.Error{Module: "extelf", Message: "only R_X86_64_RELATIVE relocations are supported"}
	ErrLegacySection       = &kernel.Error{Module: "extelf", Message: "legacy init/fini/ctors/dtors sections are rejected"}
	ErrExecutableStack     = &kernel.Error{Module: "extelf", Message: "extension stack must be non-executable"}
)

// Segment describes one validated PT_LOAD segment.
type Segment struct {
	VAddr    uintptr
	FileData []byte
	MemSize  uintptr
	Writable bool
}

// Relocation is a single validated R_X86_64_RELATIVE entry: the kernel adds
// the image's load bias to Addend and stores the result at VAddr.
type Relocation struct {
	VAddr  uintptr
	Addend int64
}

// Image is the validated, parsed result of Load: everything extelf.go's
// caller (kernel/ext) needs to map the extension and apply its relocations.
type Image struct {
	EntryIP    uintptr
	RESegment  Segment
	RWSegment  Segment
	Relocs     []Relocation
	TLSVAddr   uintptr
	TLSFileLen uintptr
	TLSMemLen  uintptr
}

var legacySections = map[string]bool{
	".init": true, ".fini": true, ".ctors": true, ".dtors": true,
}

// Load validates and parses raw, returning a kernel.Error (not an error,
// so that the dispatcher's uniform status-code propagation policy extends
// to extension loading) on any violation of the image contract.
func Load(raw []byte) (*Image, *kernel.Error) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, ErrUnsupportedHeader
	}
	defer f.Close()

	if f.Type != elf.ET_DYN || f.Machine != elf.EM_X86_64 ||
		f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB ||
		f.OSABI != elf.ELFOSABI_NONE || f.Version != elf.EV_CURRENT {
		return nil, ErrUnsupportedHeader
	}

	for _, s := range f.Sections {
		if legacySections[s.Name] {
			return nil, ErrLegacySection
		}
	}

	img := &Image{EntryIP: uintptr(f.Entry)}

	var reCount, rwCount int
	var tlsSeg *elf.Prog

	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			writable := p.Flags&elf.PF_W != 0
			executable := p.Flags&elf.PF_X != 0
			if writable && executable {
				return nil, ErrUnsupportedSegments
			}

			data := make([]byte, p.Filesz)
			if _, rerr := p.ReadAt(data, 0); rerr != nil {
				return nil, ErrUnsupportedHeader
			}

			seg := Segment{
				VAddr:    uintptr(p.Vaddr),
				FileData: data,
				MemSize:  uintptr(p.Memsz),
				Writable: writable,
			}

			if writable {
				rwCount++
				img.RWSegment = seg
			} else {
				reCount++
				img.RESegment = seg
			}
		case elf.PT_TLS:
			tlsSeg = p
		case elf.PT_GNU_STACK:
			if p.Flags&elf.PF_X != 0 {
				return nil, ErrExecutableStack
			}
		}
	}

	if reCount != 1 || rwCount != 1 {
		return nil, ErrUnsupportedSegments
	}

	if tlsSeg != nil {
		img.TLSVAddr = uintptr(tlsSeg.Vaddr)
		img.TLSFileLen = uintptr(tlsSeg.Filesz)
		img.TLSMemLen = uintptr(tlsSeg.Memsz)
	}

	relaCount := 0
	for _, s := range f.Sections {
		if s.Type != elf.SHT_RELA {
			continue
		}
		relaCount++
		if relaCount > 1 {
			return nil, ErrUnsupportedReloc
		}

		data, derr := s.Data()
		if derr != nil {
			return nil, ErrUnsupportedHeader
		}
		relocs, rerr := parseRelaRelative(data)
		if rerr != nil {
			return nil, rerr
		}
		img.Relocs = relocs
	}

	return img, nil
}

const relaEntSize = 24 // Elf64_Rela: r_offset, r_info, r_addend (3 * 8 bytes)

// R_X86_64_RELATIVE's numeric value per the psABI.
const rX8664Relative = 8

func parseRelaRelative(data []byte) ([]Relocation, *kernel.Error) {
	if len(data)%relaEntSize != 0 {
		return nil, ErrUnsupportedReloc
	}

	out := make([]Relocation, 0, len(data)/relaEntSize)
	for off := 0; off < len(data); off += relaEntSize {
		info := leUint64(data[off+8 : off+16])
		relType := info & 0xffffffff
		if relType != rX8664Relative {
			return nil, ErrUnsupportedReloc
		}

		vaddr := leUint64(data[off : off+8])
		addend := int64(leUint64(data[off+16 : off+24]))
		out = append(out, Relocation{VAddr: uintptr(vaddr), Addend: addend})
	}
	return out, nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
