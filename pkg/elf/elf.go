package elf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

/*
   Structures follow the ELF32 spec, https://refspecs.linuxfoundation.org/elf/elf.pdf
   Only little-endian MIPS relocatable objects are modeled here.
*/

var (
	MalformedObjectErr = errors.New("not a well-formed ELF32 relocatable object")
)

const (
	EhdrSize = 52
	ShdrSize = 40
	SymSize  = 16
	RelSize  = 8
)

const (
	EI_MAG0    = 0
	EI_MAG1    = 1
	EI_MAG2    = 2
	EI_MAG3    = 3
	EI_CLASS   = 4
	EI_DATA    = 5
	EI_VERSION = 6
	EI_NIDENT  = 16
)

const (
	ELFCLASS32  = 1
	ELFDATA2LSB = 1
)

const (
	ET_REL  = 1
	EM_MIPS = 8
)

const (
	SHT_NULL     = 0
	SHT_PROGBITS = 1
	SHT_SYMTAB   = 2
	SHT_STRTAB   = 3
	SHT_RELA     = 4
	SHT_NOBITS   = 8
	SHT_REL      = 9
)

const (
	SHF_WRITE     = 0x1
	SHF_ALLOC     = 0x2
	SHF_EXECINSTR = 0x4
)

const (
	STB_LOCAL  = 0
	STB_GLOBAL = 1
	STB_WEAK   = 2
)

const (
	STT_NOTYPE  = 0
	STT_OBJECT  = 1
	STT_FUNC    = 2
	STT_SECTION = 3
	STT_FILE    = 4
)

const (
	SHN_UNDEF = 0
	SHN_ABS   = 0xfff1
)

type ELF32Ehdr struct {
	Ident     [16]byte // ELF identification
	Type      uint16   // Object file type
	Machine   uint16   // Machine type
	Version   uint32   // Object file version
	Entry     uint32   // Entry point address
	PhOff     uint32   // Program Header offset
	ShOff     uint32   // Section Header offset
	Flags     uint32   // Processor specific flags
	EhSize    uint16   // ELF Header size
	PhEntSize uint16   // Size of Program Header
	PhNum     uint16   // Number of program header entries
	ShEntSize uint16   // Size of the Section Header entry
	ShNum     uint16   // Number of Section Header entries
	ShStrNdx  uint16   // Section name String Table index
}

type ELF32Shdr struct {
	ShName      uint32 // offset to the section name relative to section name table
	ShType      uint32 // section type
	ShFlags     uint32
	ShAddr      uint32
	ShOff       uint32
	ShSize      uint32
	ShLink      uint32
	ShInfo      uint32
	ShAddrAlign uint32
	ShEntSize   uint32
}

type ELF32Sym struct {
	// string table offset
	StName uint32

	// section offset
	StValue uint32

	// object size
	StSize uint32

	// Type and Binding
	StInfo byte

	// Padding
	StOther byte

	// section header index
	StShNdx uint16
}

func (sym ELF32Sym) GetType() byte {
	return sym.StInfo & 0x0f
}

func (sym ELF32Sym) GetBinding() byte {
	return sym.StInfo >> 4
}

// ELF32Rel is a REL-format relocation entry. The info word packs the
// symbol table index in the upper 24 bits and the MIPS relocation type
// in the low 8; the type is carried through opaquely.
type ELF32Rel struct {
	Offset uint32
	Info   uint32
}

func (rel ELF32Rel) SymIndex() uint32 {
	return rel.Info >> 8
}

func (rel ELF32Rel) RelType() byte {
	return byte(rel.Info & 0xff)
}

func (rel *ELF32Rel) SetSymIndex(ndx uint32) {
	rel.Info = ndx<<8 | (rel.Info & 0xff)
}

func ParseHeader(elfDump []byte) (ELF32Ehdr, error) {
	if len(elfDump) < EhdrSize {
		return ELF32Ehdr{}, fmt.Errorf("%w: shorter than the ELF header", MalformedObjectErr)
	}

	elf32Ehdr := ELF32Ehdr{
		Type:      binary.LittleEndian.Uint16(elfDump[0x10:0x12]),
		Machine:   binary.LittleEndian.Uint16(elfDump[0x12:0x14]),
		Version:   binary.LittleEndian.Uint32(elfDump[0x14:0x18]),
		Entry:     binary.LittleEndian.Uint32(elfDump[0x18:0x1c]),
		PhOff:     binary.LittleEndian.Uint32(elfDump[0x1c:0x20]),
		ShOff:     binary.LittleEndian.Uint32(elfDump[0x20:0x24]),
		Flags:     binary.LittleEndian.Uint32(elfDump[0x24:0x28]),
		EhSize:    binary.LittleEndian.Uint16(elfDump[0x28:0x2a]),
		PhEntSize: binary.LittleEndian.Uint16(elfDump[0x2a:0x2c]),
		PhNum:     binary.LittleEndian.Uint16(elfDump[0x2c:0x2e]),
		ShEntSize: binary.LittleEndian.Uint16(elfDump[0x2e:0x30]),
		ShNum:     binary.LittleEndian.Uint16(elfDump[0x30:0x32]),
		ShStrNdx:  binary.LittleEndian.Uint16(elfDump[0x32:0x34]),
	}

	copy(elf32Ehdr.Ident[:], elfDump[0:16])

	if elf32Ehdr.Ident[EI_MAG0] != 0x7f || elf32Ehdr.Ident[EI_MAG1] != 'E' ||
		elf32Ehdr.Ident[EI_MAG2] != 'L' || elf32Ehdr.Ident[EI_MAG3] != 'F' {
		return ELF32Ehdr{}, fmt.Errorf("%w: bad magic", MalformedObjectErr)
	}
	if elf32Ehdr.Ident[EI_CLASS] != ELFCLASS32 {
		return ELF32Ehdr{}, fmt.Errorf("%w: not ELF32", MalformedObjectErr)
	}
	if elf32Ehdr.Ident[EI_DATA] != ELFDATA2LSB {
		return ELF32Ehdr{}, fmt.Errorf("%w: not little-endian", MalformedObjectErr)
	}
	if elf32Ehdr.Type != ET_REL {
		return ELF32Ehdr{}, fmt.Errorf("%w: not a relocatable object", MalformedObjectErr)
	}
	if elf32Ehdr.Machine != EM_MIPS {
		return ELF32Ehdr{}, fmt.Errorf("%w: machine type %#x is not MIPS", MalformedObjectErr, elf32Ehdr.Machine)
	}

	return elf32Ehdr, nil
}

func parseShdr(entry []byte) ELF32Shdr {
	return ELF32Shdr{
		ShName:      binary.LittleEndian.Uint32(entry[0x00:0x04]),
		ShType:      binary.LittleEndian.Uint32(entry[0x04:0x08]),
		ShFlags:     binary.LittleEndian.Uint32(entry[0x08:0x0c]),
		ShAddr:      binary.LittleEndian.Uint32(entry[0x0c:0x10]),
		ShOff:       binary.LittleEndian.Uint32(entry[0x10:0x14]),
		ShSize:      binary.LittleEndian.Uint32(entry[0x14:0x18]),
		ShLink:      binary.LittleEndian.Uint32(entry[0x18:0x1c]),
		ShInfo:      binary.LittleEndian.Uint32(entry[0x1c:0x20]),
		ShAddrAlign: binary.LittleEndian.Uint32(entry[0x20:0x24]),
		ShEntSize:   binary.LittleEndian.Uint32(entry[0x24:0x28]),
	}
}

func parseSym(entry []byte) ELF32Sym {
	return ELF32Sym{
		StName:  binary.LittleEndian.Uint32(entry[0x00:0x04]),
		StValue: binary.LittleEndian.Uint32(entry[0x04:0x08]),
		StSize:  binary.LittleEndian.Uint32(entry[0x08:0x0c]),
		StInfo:  entry[0x0c],
		StOther: entry[0x0d],
		StShNdx: binary.LittleEndian.Uint16(entry[0x0e:0x10]),
	}
}

func parseRel(entry []byte) ELF32Rel {
	return ELF32Rel{
		Offset: binary.LittleEndian.Uint32(entry[0x00:0x04]),
		Info:   binary.LittleEndian.Uint32(entry[0x04:0x08]),
	}
}

func putEhdr(out []byte, ehdr ELF32Ehdr) {
	copy(out[0:16], ehdr.Ident[:])
	binary.LittleEndian.PutUint16(out[0x10:], ehdr.Type)
	binary.LittleEndian.PutUint16(out[0x12:], ehdr.Machine)
	binary.LittleEndian.PutUint32(out[0x14:], ehdr.Version)
	binary.LittleEndian.PutUint32(out[0x18:], ehdr.Entry)
	binary.LittleEndian.PutUint32(out[0x1c:], ehdr.PhOff)
	binary.LittleEndian.PutUint32(out[0x20:], ehdr.ShOff)
	binary.LittleEndian.PutUint32(out[0x24:], ehdr.Flags)
	binary.LittleEndian.PutUint16(out[0x28:], ehdr.EhSize)
	binary.LittleEndian.PutUint16(out[0x2a:], ehdr.PhEntSize)
	binary.LittleEndian.PutUint16(out[0x2c:], ehdr.PhNum)
	binary.LittleEndian.PutUint16(out[0x2e:], ehdr.ShEntSize)
	binary.LittleEndian.PutUint16(out[0x30:], ehdr.ShNum)
	binary.LittleEndian.PutUint16(out[0x32:], ehdr.ShStrNdx)
}

func putShdr(out []byte, shdr ELF32Shdr) {
	binary.LittleEndian.PutUint32(out[0x00:], shdr.ShName)
	binary.LittleEndian.PutUint32(out[0x04:], shdr.ShType)
	binary.LittleEndian.PutUint32(out[0x08:], shdr.ShFlags)
	binary.LittleEndian.PutUint32(out[0x0c:], shdr.ShAddr)
	binary.LittleEndian.PutUint32(out[0x10:], shdr.ShOff)
	binary.LittleEndian.PutUint32(out[0x14:], shdr.ShSize)
	binary.LittleEndian.PutUint32(out[0x18:], shdr.ShLink)
	binary.LittleEndian.PutUint32(out[0x1c:], shdr.ShInfo)
	binary.LittleEndian.PutUint32(out[0x20:], shdr.ShAddrAlign)
	binary.LittleEndian.PutUint32(out[0x24:], shdr.ShEntSize)
}

func putSym(out []byte, sym ELF32Sym) {
	binary.LittleEndian.PutUint32(out[0x00:], sym.StName)
	binary.LittleEndian.PutUint32(out[0x04:], sym.StValue)
	binary.LittleEndian.PutUint32(out[0x08:], sym.StSize)
	out[0x0c] = sym.StInfo
	out[0x0d] = sym.StOther
	binary.LittleEndian.PutUint16(out[0x0e:], sym.StShNdx)
}

func putRel(out []byte, rel ELF32Rel) {
	binary.LittleEndian.PutUint32(out[0x00:], rel.Offset)
	binary.LittleEndian.PutUint32(out[0x04:], rel.Info)
}
