package elf

import (
	"fmt"
	"strings"

	"github.com/bismurphy/mwccgap/pkg/helpers"
)

// Section is one entry of the section table together with its payload.
// The slice index inside Object.Sections is the section's identity: it is
// what st_shndx and sh_info refer to, so sections are only ever appended.
type Section struct {
	Name string
	Hdr  ELF32Shdr

	// Raw payload. For symbol table and relocation sections this is the
	// payload as parsed; the structured forms below are authoritative and
	// are re-serialized over it on Pack.
	Data []byte

	// Function the section holds, for text sections. Derived from the
	// symbol table, not stored in the file.
	FunctionName string

	// Parsed entries, for relocation sections.
	Relocations []*ELF32Rel
}

func (s *Section) IsText() bool {
	return s.Hdr.ShType == SHT_PROGBITS && strings.HasPrefix(s.Name, ".text")
}

func (s *Section) IsRodata() bool {
	return s.Hdr.ShType == SHT_PROGBITS && strings.HasPrefix(s.Name, ".rodata")
}

func (s *Section) IsRel() bool {
	return s.Hdr.ShType == SHT_REL
}

type Symbol struct {
	Name string
	ELF32Sym
}

// Object is a parsed ELF32 relocatable object. It is built once from a
// byte buffer, mutated by appending sections and symbols and editing
// section payloads, and finally serialized back with Pack.
type Object struct {
	Header   ELF32Ehdr
	Sections []*Section

	// Symbols of the single symbol table, in table order. The local
	// partition boundary lives in the symtab section's sh_info.
	Symbols []*Symbol

	SymtabNdx int

	raw   []byte
	dirty bool
}

func Parse(elfDump []byte) (*Object, error) {
	header, err := ParseHeader(elfDump)
	if err != nil {
		return nil, err
	}

	obj := &Object{
		Header:    header,
		SymtabNdx: -1,
		raw:       append([]byte(nil), elfDump...),
	}

	shdrEnd := int(header.ShOff) + int(header.ShNum)*ShdrSize
	if header.ShNum == 0 || shdrEnd > len(elfDump) {
		return nil, fmt.Errorf("%w: section header table out of bounds", MalformedObjectErr)
	}

	for entryNdx := 0; entryNdx < int(header.ShNum); entryNdx++ {
		entryOffset := int(header.ShOff) + entryNdx*ShdrSize
		section := &Section{Hdr: parseShdr(elfDump[entryOffset : entryOffset+ShdrSize])}

		if section.Hdr.ShType != SHT_NULL && section.Hdr.ShType != SHT_NOBITS && section.Hdr.ShSize > 0 {
			start, end := int(section.Hdr.ShOff), int(section.Hdr.ShOff)+int(section.Hdr.ShSize)
			if end > len(elfDump) || start > end {
				return nil, fmt.Errorf("%w: section %d data out of bounds", MalformedObjectErr, entryNdx)
			}
			section.Data = append([]byte(nil), elfDump[start:end]...)
		}

		if section.Hdr.ShType == SHT_SYMTAB && obj.SymtabNdx == -1 {
			obj.SymtabNdx = entryNdx
		}

		obj.Sections = append(obj.Sections, section)
	}

	if int(header.ShStrNdx) >= len(obj.Sections) {
		return nil, fmt.Errorf("%w: bad shstrtab index %d", MalformedObjectErr, header.ShStrNdx)
	}
	shstrtab := obj.Sections[header.ShStrNdx]
	for ndx, section := range obj.Sections {
		if int(section.Hdr.ShName) > len(shstrtab.Data) {
			return nil, fmt.Errorf("%w: section %d name offset out of bounds", MalformedObjectErr, ndx)
		}
		section.Name = helpers.GetString(shstrtab.Data[section.Hdr.ShName:])
	}

	if obj.SymtabNdx == -1 {
		return nil, fmt.Errorf("%w: no symbol table", MalformedObjectErr)
	}
	if err := obj.parseSymbols(); err != nil {
		return nil, err
	}
	if err := obj.parseRelocations(); err != nil {
		return nil, err
	}

	obj.deriveFunctionNames()

	return obj, nil
}

func (obj *Object) parseSymbols() error {
	symtab := obj.Sections[obj.SymtabNdx]
	if int(symtab.Hdr.ShLink) >= len(obj.Sections) {
		return fmt.Errorf("%w: symtab string table index out of bounds", MalformedObjectErr)
	}
	strtab := obj.Sections[symtab.Hdr.ShLink]

	for offset := 0; offset+SymSize <= len(symtab.Data); offset += SymSize {
		symbol := &Symbol{ELF32Sym: parseSym(symtab.Data[offset : offset+SymSize])}
		if symbol.StName != 0 {
			if int(symbol.StName) > len(strtab.Data) {
				return fmt.Errorf("%w: symbol name offset out of bounds", MalformedObjectErr)
			}
			symbol.Name = helpers.GetString(strtab.Data[symbol.StName:])
		}
		obj.Symbols = append(obj.Symbols, symbol)
	}

	return nil
}

func (obj *Object) parseRelocations() error {
	for ndx, section := range obj.Sections {
		if !section.IsRel() {
			continue
		}
		if int(section.Hdr.ShInfo) >= len(obj.Sections) {
			return fmt.Errorf("%w: relocation section %d targets a missing section", MalformedObjectErr, ndx)
		}
		for offset := 0; offset+RelSize <= len(section.Data); offset += RelSize {
			entry := parseRel(section.Data[offset : offset+RelSize])
			section.Relocations = append(section.Relocations, &entry)
		}
	}

	return nil
}

// A text section is named after the first function symbol defined in it,
// falling back to any named symbol at its start.
func (obj *Object) deriveFunctionNames() {
	for ndx, section := range obj.Sections {
		if !section.IsText() {
			continue
		}
		section.FunctionName = ""
		for _, symbol := range obj.Symbols {
			if int(symbol.StShNdx) != ndx || symbol.Name == "" {
				continue
			}
			if symbol.GetType() == STT_FUNC {
				section.FunctionName = symbol.Name
				break
			}
			if section.FunctionName == "" && symbol.StValue == 0 {
				section.FunctionName = symbol.Name
			}
		}
	}
}

// Functions returns the text sections in on-disk order.
func (obj *Object) Functions() []*Section {
	var sections []*Section
	for _, section := range obj.Sections {
		if section.IsText() {
			sections = append(sections, section)
		}
	}
	return sections
}

// Relocations returns the relocation sections in on-disk order.
func (obj *Object) Relocations() []*Section {
	var sections []*Section
	for _, section := range obj.Sections {
		if section.IsRel() {
			sections = append(sections, section)
		}
	}
	return sections
}

// ReadOnlyDataSections returns the rodata sections in on-disk order.
func (obj *Object) ReadOnlyDataSections() []*Section {
	var sections []*Section
	for _, section := range obj.Sections {
		if section.IsRodata() {
			sections = append(sections, section)
		}
	}
	return sections
}

// addString returns the offset of name inside the given string table,
// appending it when no existing entry matches. Tables only ever grow, so
// offsets handed out earlier stay valid.
func (obj *Object) addString(strtab *Section, name string) uint32 {
	for offset := 0; offset < len(strtab.Data); {
		entry := helpers.GetString(strtab.Data[offset:])
		if entry == name {
			return uint32(offset)
		}
		offset += len(entry) + 1
	}

	offset := uint32(len(strtab.Data))
	strtab.Data = append(strtab.Data, helpers.String2Bytes(name)...)
	strtab.Hdr.ShSize = uint32(len(strtab.Data))
	obj.dirty = true
	return offset
}

// AddSectionNameString interns name in the section header string table
// and returns its offset.
func (obj *Object) AddSectionNameString(name string) uint32 {
	return obj.addString(obj.Sections[obj.Header.ShStrNdx], name)
}

func (obj *Object) symbolStrtab() *Section {
	return obj.Sections[obj.Sections[obj.SymtabNdx].Hdr.ShLink]
}

// AddSymbol places a copy of symbol into the symbol table and returns the
// index it now occupies. Without force, a symbol that already exists under
// the same name is shared rather than duplicated. A local symbol is
// inserted at the local/global boundary, which shifts every symbol at or
// past the old boundary by one; relocation entries in every section
// already part of the object are fixed up to compensate.
func (obj *Object) AddSymbol(symbol *Symbol, force bool) int {
	if !force && symbol.Name != "" {
		ndx := helpers.FindIf(obj.Symbols, func(existing *Symbol) bool {
			return existing.Name == symbol.Name
		})
		if ndx != -1 {
			return ndx
		}
	}

	newSymbol := &Symbol{Name: symbol.Name, ELF32Sym: symbol.ELF32Sym}
	if newSymbol.Name != "" {
		newSymbol.StName = obj.addString(obj.symbolStrtab(), newSymbol.Name)
	}
	obj.dirty = true

	symtab := obj.Sections[obj.SymtabNdx]
	if newSymbol.GetBinding() != STB_LOCAL {
		obj.Symbols = append(obj.Symbols, newSymbol)
		return len(obj.Symbols) - 1
	}

	boundary := int(symtab.Hdr.ShInfo)
	obj.Symbols = helpers.Insert(obj.Symbols, boundary, newSymbol)
	symtab.Hdr.ShInfo++

	for _, section := range obj.Sections {
		if !section.IsRel() {
			continue
		}
		for _, entry := range section.Relocations {
			if int(entry.SymIndex()) >= boundary {
				entry.SetSymIndex(entry.SymIndex() + 1)
			}
		}
	}

	return boundary
}

// AddSection appends a section and returns its index. Existing sections
// keep their indices; only newly synthesized relocation records go
// through here.
func (obj *Object) AddSection(section *Section) int {
	obj.Sections = append(obj.Sections, section)
	obj.dirty = true
	return len(obj.Sections) - 1
}

// StripSymbolPrefix removes prefix from every symbol name carrying it,
// repointing the stored name offset at a freshly interned string, and
// re-derives text section function names.
func (obj *Object) StripSymbolPrefix(prefix string) {
	for _, symbol := range obj.Symbols {
		if symbol.StName == 0 || !strings.HasPrefix(symbol.Name, prefix) {
			continue
		}
		symbol.Name = strings.TrimPrefix(symbol.Name, prefix)
		symbol.StName = obj.addString(obj.symbolStrtab(), symbol.Name)
		obj.dirty = true
	}
	obj.deriveFunctionNames()
}
