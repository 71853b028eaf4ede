package elf

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func symInfo(binding, symType byte) byte {
	return binding<<4 | symType
}

// testObject builds a small compiled-style object: one function "foo"
// with a relocation against it and a rodata section following the text.
func testObject() *Object {
	shstrtab := []byte("\x00.text\x00.rel.text\x00.rodata\x00.symtab\x00.strtab\x00.shstrtab\x00")
	strtab := []byte("\x00.L1\x00foo\x00")

	obj := &Object{
		Header: ELF32Ehdr{
			Ident: [16]byte{
				0x7f, 'E', 'L', 'F',
				ELFCLASS32, ELFDATA2LSB, 1, 0,
				0, 0, 0, 0,
				0, 0, 0, 0,
			},
			Type:      ET_REL,
			Machine:   EM_MIPS,
			Version:   1,
			EhSize:    EhdrSize,
			ShEntSize: ShdrSize,
			ShNum:     7,
			ShStrNdx:  6,
		},
		SymtabNdx: 4,
	}

	rel := &ELF32Rel{Offset: 4, Info: 2<<8 | 4}

	obj.Sections = []*Section{
		{},
		{
			Name: ".text",
			Hdr: ELF32Shdr{
				ShName: 1, ShType: SHT_PROGBITS,
				ShFlags: SHF_ALLOC | SHF_EXECINSTR,
				ShSize:  8, ShAddrAlign: 4,
			},
			Data: []byte{0x08, 0x00, 0xe0, 0x03, 0x00, 0x00, 0x00, 0x00},
		},
		{
			Name: ".rel.text",
			Hdr: ELF32Shdr{
				ShName: 7, ShType: SHT_REL,
				ShSize: RelSize, ShLink: 4, ShInfo: 1,
				ShAddrAlign: 4, ShEntSize: RelSize,
			},
			Relocations: []*ELF32Rel{rel},
		},
		{
			Name: ".rodata",
			Hdr: ELF32Shdr{
				ShName: 17, ShType: SHT_PROGBITS,
				ShFlags: SHF_ALLOC,
				ShSize:  8, ShAddrAlign: 4,
			},
			Data: []byte{1, 2, 3, 4, 5, 6, 7, 8},
		},
		{
			Name: ".symtab",
			Hdr: ELF32Shdr{
				ShName: 25, ShType: SHT_SYMTAB,
				ShSize: 3 * SymSize, ShLink: 5, ShInfo: 2,
				ShAddrAlign: 4, ShEntSize: SymSize,
			},
		},
		{
			Name: ".strtab",
			Hdr: ELF32Shdr{
				ShName: 33, ShType: SHT_STRTAB,
				ShSize: uint32(len(strtab)), ShAddrAlign: 1,
			},
			Data: strtab,
		},
		{
			Name: ".shstrtab",
			Hdr: ELF32Shdr{
				ShName: 41, ShType: SHT_STRTAB,
				ShSize: uint32(len(shstrtab)), ShAddrAlign: 1,
			},
			Data: shstrtab,
		},
	}

	obj.Symbols = []*Symbol{
		{},
		{Name: ".L1", ELF32Sym: ELF32Sym{StName: 1, StValue: 4, StInfo: symInfo(STB_LOCAL, STT_NOTYPE), StShNdx: 1}},
		{Name: "foo", ELF32Sym: ELF32Sym{StName: 5, StInfo: symInfo(STB_GLOBAL, STT_FUNC), StShNdx: 1}},
	}

	return obj
}

func testObjectBytes(t *testing.T) []byte {
	t.Helper()
	return testObject().Pack()
}

func TestParseHeader(t *testing.T) {
	header, err := ParseHeader(testObjectBytes(t))
	require.NoError(t, err)

	assert.Equal(t, uint16(ET_REL), header.Type)
	assert.Equal(t, uint16(EM_MIPS), header.Machine)
	assert.Equal(t, uint16(EhdrSize), header.EhSize)
	assert.Equal(t, uint16(7), header.ShNum)
	assert.Equal(t, uint16(6), header.ShStrNdx)
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse([]byte("not an object at all, nowhere near one, not even close"))
	assert.True(t, errors.Is(err, MalformedObjectErr))

	elf64 := testObjectBytes(t)
	elf64[EI_CLASS] = 2
	_, err = Parse(elf64)
	assert.True(t, errors.Is(err, MalformedObjectErr))

	bigEndian := testObjectBytes(t)
	bigEndian[EI_DATA] = 2
	_, err = Parse(bigEndian)
	assert.True(t, errors.Is(err, MalformedObjectErr))

	wrongMachine := testObjectBytes(t)
	wrongMachine[0x12] = 0x3e
	_, err = Parse(wrongMachine)
	assert.True(t, errors.Is(err, MalformedObjectErr))
}

func TestRoundTrip(t *testing.T) {
	packed := testObjectBytes(t)

	obj, err := Parse(packed)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(packed, obj.Pack()), "unmutated object should round-trip byte-identically")
}

func TestParsedStructure(t *testing.T) {
	obj, err := Parse(testObjectBytes(t))
	require.NoError(t, err)

	functions := obj.Functions()
	require.Len(t, functions, 1)
	assert.Equal(t, "foo", functions[0].FunctionName)

	rodata := obj.ReadOnlyDataSections()
	require.Len(t, rodata, 1)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, rodata[0].Data)

	records := obj.Relocations()
	require.Len(t, records, 1)
	require.Len(t, records[0].Relocations, 1)
	assert.Equal(t, uint32(2), records[0].Relocations[0].SymIndex())
	assert.Equal(t, byte(4), records[0].Relocations[0].RelType())

	require.Len(t, obj.Symbols, 3)
	assert.Equal(t, ".L1", obj.Symbols[1].Name)
	assert.Equal(t, "foo", obj.Symbols[2].Name)
}

func TestAddSectionNameString(t *testing.T) {
	obj, err := Parse(testObjectBytes(t))
	require.NoError(t, err)

	// Existing names are shared, new ones appended.
	assert.Equal(t, uint32(1), obj.AddSectionNameString(".text"))
	assert.Equal(t, uint32(7), obj.AddSectionNameString(".rel.text"))

	offset := obj.AddSectionNameString(".rel.rodata")
	assert.Equal(t, uint32(51), offset)
	assert.Equal(t, offset, obj.AddSectionNameString(".rel.rodata"))
}

func TestAddSymbolSharesByName(t *testing.T) {
	obj, err := Parse(testObjectBytes(t))
	require.NoError(t, err)

	shared := &Symbol{Name: "foo", ELF32Sym: ELF32Sym{StInfo: symInfo(STB_GLOBAL, STT_FUNC)}}
	assert.Equal(t, 2, obj.AddSymbol(shared, false))
	assert.Len(t, obj.Symbols, 3)

	forced := obj.AddSymbol(shared, true)
	assert.Equal(t, 3, forced)
	assert.Len(t, obj.Symbols, 4)
}

func TestAddSymbolLocalInsertsAtBoundary(t *testing.T) {
	obj, err := Parse(testObjectBytes(t))
	require.NoError(t, err)

	symtab := obj.Sections[obj.SymtabNdx]
	require.Equal(t, uint32(2), symtab.Hdr.ShInfo)

	local := &Symbol{Name: ".L2", ELF32Sym: ELF32Sym{StInfo: symInfo(STB_LOCAL, STT_NOTYPE), StShNdx: 1}}
	ndx := obj.AddSymbol(local, true)

	assert.Equal(t, 2, ndx, "local symbol goes in at the old boundary")
	assert.Equal(t, uint32(3), symtab.Hdr.ShInfo)
	assert.Equal(t, "foo", obj.Symbols[3].Name, "globals shift up by one")

	// The relocation that referenced foo at index 2 must follow it.
	record := obj.Relocations()[0]
	assert.Equal(t, uint32(3), record.Relocations[0].SymIndex())
}

func TestStripSymbolPrefix(t *testing.T) {
	obj, err := Parse(testObjectBytes(t))
	require.NoError(t, err)

	stubbed := &Symbol{Name: "__mwgap_foo", ELF32Sym: ELF32Sym{StInfo: symInfo(STB_GLOBAL, STT_FUNC), StShNdx: 1}}
	obj.AddSymbol(stubbed, true)
	obj.StripSymbolPrefix("__mwgap_")

	assert.Equal(t, "foo", obj.Symbols[3].Name)
	assert.Equal(t, uint32(5), obj.Symbols[3].StName, "restored name reuses the existing strtab entry")
}

func TestPackAfterMutation(t *testing.T) {
	obj, err := Parse(testObjectBytes(t))
	require.NoError(t, err)

	nameOffset := obj.AddSectionNameString(".rel.rodata")
	record := &Section{
		Name: ".rel.rodata",
		Hdr: ELF32Shdr{
			ShName: nameOffset, ShType: SHT_REL,
			ShLink: uint32(obj.SymtabNdx), ShInfo: 3,
			ShAddrAlign: 4, ShEntSize: RelSize,
		},
		Relocations: []*ELF32Rel{{Offset: 0, Info: 2<<8 | 2}},
	}
	ndx := obj.AddSection(record)
	assert.Equal(t, 7, ndx)

	reparsed, err := Parse(obj.Pack())
	require.NoError(t, err)

	require.Len(t, reparsed.Sections, 8)
	added := reparsed.Sections[7]
	assert.Equal(t, ".rel.rodata", added.Name)
	assert.Equal(t, uint32(3), added.Hdr.ShInfo)
	require.Len(t, added.Relocations, 1)
	assert.Equal(t, uint32(2), added.Relocations[0].SymIndex())
}
