package extelf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
)

// buildMinimalELF hand-assembles the smallest ET_DYN x86_64 image that
// satisfies Load's structural checks: an ELF64 header, a program header
// table with one RE and one RW PT_LOAD segment, and no section headers
// (extelf only consults sections for legacy-name rejection and RELA
// parsing, both optional).
func buildMinimalELF(t *testing.T) []byte {
	t.Helper()

	const ehsize = 64
	const phentsize = 56
	const phoff = ehsize
	const phnum = 2
	const pageSize = 0x1000

	reData := []byte{0x90, 0x90, 0xc3} // nop; nop; ret
	rwData := []byte{0, 0, 0, 0}

	reOff := uintptr(phoff + phnum*phentsize)
	rwOff := reOff + uintptr(len(reData))

	var buf bytes.Buffer

	// e_ident
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* LSB */, 1 /* EV_CURRENT */, 0})
	buf.Write(make([]byte, 8)) // padding

	binary.Write(&buf, binary.LittleEndian, uint16(elf.ET_DYN))
	binary.Write(&buf, binary.LittleEndian, uint16(elf.EM_X86_64))
	binary.Write(&buf, binary.LittleEndian, uint32(elf.EV_CURRENT))
	binary.Write(&buf, binary.LittleEndian, uint64(reOff)) // e_entry
	binary.Write(&buf, binary.LittleEndian, uint64(phoff)) // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint64(0))     // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))     // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize))
	binary.Write(&buf, binary.LittleEndian, uint16(phentsize))
	binary.Write(&buf, binary.LittleEndian, uint16(phnum))
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shstrndx

	writeProg := func(vaddr, off, filesz, memsz uintptr, flags uint32) {
		binary.Write(&buf, binary.LittleEndian, uint32(elf.PT_LOAD))
		binary.Write(&buf, binary.LittleEndian, flags)
		binary.Write(&buf, binary.LittleEndian, uint64(off))
		binary.Write(&buf, binary.LittleEndian, uint64(vaddr))
		binary.Write(&buf, binary.LittleEndian, uint64(vaddr))
		binary.Write(&buf, binary.LittleEndian, uint64(filesz))
		binary.Write(&buf, binary.LittleEndian, uint64(memsz))
		binary.Write(&buf, binary.LittleEndian, uint64(pageSize))
	}

	writeProg(reOff, reOff, uintptr(len(reData)), uintptr(len(reData)), uint32(elf.PF_R|elf.PF_X))
	writeProg(rwOff, rwOff, uintptr(len(rwData)), uintptr(len(rwData)), uint32(elf.PF_R|elf.PF_W))

	buf.Write(reData)
	buf.Write(rwData)

	return buf.Bytes()
}

func TestLoadAcceptsMinimalValidImage(t *testing.T) {
	img, err := Load(buildMinimalELF(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if img.RESegment.Writable {
		t.Fatalf("RE segment reported as writable")
	}
	if !img.RWSegment.Writable {
		t.Fatalf("RW segment not reported as writable")
	}
	if len(img.RESegment.FileData) != 3 {
		t.Fatalf("expected 3 bytes of RE file data; got %d", len(img.RESegment.FileData))
	}
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	raw := buildMinimalELF(t)
	raw[18] = byte(elf.EM_ARM)
	raw[19] = 0

	if _, err := Load(raw); err != ErrUnsupportedHeader {
		t.Fatalf("expected ErrUnsupportedHeader; got %v", err)
	}
}

func TestParseRelaRelativeRejectsOtherTypes(t *testing.T) {
	entry := make([]byte, relaEntSize)
	binary.LittleEndian.PutUint64(entry[8:16], 5) // not R_X86_64_RELATIVE
	if _, err := parseRelaRelative(entry); err != ErrUnsupportedReloc {
		t.Fatalf("expected ErrUnsupportedReloc; got %v", err)
	}
}

func TestParseRelaRelativeAccepts(t *testing.T) {
	entry := make([]byte, relaEntSize)
	binary.LittleEndian.PutUint64(entry[0:8], 0x2000)
	binary.LittleEndian.PutUint64(entry[8:16], rX8664Relative)
	binary.LittleEndian.PutUint64(entry[16:24], 0x10)

	relocs, err := parseRelaRelative(entry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(relocs) != 1 || relocs[0].VAddr != 0x2000 || relocs[0].Addend != 0x10 {
		t.Fatalf("unexpected relocs: %+v", relocs)
	}
}
