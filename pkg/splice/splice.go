package splice

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bismurphy/mwccgap/pkg/elf"
	"github.com/bismurphy/mwccgap/pkg/helpers"
	"github.com/bismurphy/mwccgap/pkg/log"
	"github.com/bismurphy/mwccgap/pkg/stub"
)

var (
	UnsupportedAsmShapeErr  = errors.New("assembled object must contain exactly one function")
	FunctionNotFoundErr     = errors.New("function not found in compiled object")
	InsufficientAssemblyErr = errors.New("not enough assembly to fill the placeholder")
	TooManyRelocationsErr   = errors.New("too many relocation records in assembled object")
)

// ProcessCFile turns one C translation unit into a single relocatable
// object: the compiler's own output for everything it can emit, with the
// machine code and read-only data of every INCLUDE_ASM'd function spliced
// in from independently assembled files. The output file is written only
// when the whole unit succeeds.
//
// The pipeline is linear: precompile the unmodified source to learn which
// functions the compiler already emits, rewrite the macros into sized
// placeholders, compile that for real, restore the placeholder names,
// then overwrite each placeholder with its assembled counterpart.
func ProcessCFile(cFile, oFile string, opts Options) error {
	precompiled, err := precompile(cFile, opts)
	if err != nil {
		return err
	}

	cFunctions := map[string]bool{}
	for _, section := range precompiled.Functions() {
		cFunctions[section.FunctionName] = true
	}

	source, err := os.ReadFile(cFile)
	if err != nil {
		return err
	}
	rewritten, err := stub.Rewrite(string(source), opts.AsmDirPrefix)
	if err != nil {
		return fmt.Errorf("%s: %w", cFile, err)
	}

	// Functions the compiler already emits are real; their macros only
	// remain in the source for documentation and their asm is skipped.
	var asmFiles []string
	for _, asmFile := range rewritten.AsmFiles {
		if !cFunctions[stub.FunctionName(asmFile)] {
			asmFiles = append(asmFiles, asmFile)
		}
	}

	if len(asmFiles) == 0 {
		log.Warnf("no %s functions to splice in %s, keeping compiler output", stub.IncludeAsm, cFile)
		return writeObject(oFile, precompiled.Pack())
	}

	compiled, err := compile(cFile, rewritten.Source, opts)
	if err != nil {
		return err
	}

	compiled.StripSymbolPrefix(stub.Prefix)

	for _, asmFile := range asmFiles {
		if err := spliceFile(compiled, asmFile, opts); err != nil {
			return fmt.Errorf("splicing %s (%s): %w", stub.FunctionName(asmFile), asmFile, err)
		}
		log.Debugf("spliced %s from %s", stub.FunctionName(asmFile), asmFile)
	}

	return writeObject(oFile, compiled.Pack())
}

// writeObject creates the output only once the object is complete; a
// failed run leaves nothing behind.
func writeObject(oFile string, objBytes []byte) error {
	if err := os.MkdirAll(filepath.Dir(oFile), 0o755); err != nil {
		return err
	}
	return os.WriteFile(oFile, objBytes, 0o644)
}

func precompile(cFile string, opts Options) (*elf.Object, error) {
	tempDir, err := os.MkdirTemp("", "mwccgap-pre")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tempDir)

	objBytes, err := compileFile(cFile, filepath.Join(tempDir, "precompile.o"), opts)
	if err != nil {
		return nil, err
	}
	if len(objBytes) == 0 {
		return nil, fmt.Errorf("%w: %s", PrecompileFailedErr, cFile)
	}

	return elf.Parse(objBytes)
}

// compile writes the rewritten source next to the original, so relative
// includes keep resolving, and compiles it into the final object.
func compile(cFile, source string, opts Options) (*elf.Object, error) {
	tempC, err := os.CreateTemp(filepath.Dir(cFile), "*.c_")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tempC.Name())

	if _, err := tempC.WriteString(source); err != nil {
		tempC.Close()
		return nil, err
	}
	if err := tempC.Close(); err != nil {
		return nil, err
	}

	tempDir, err := os.MkdirTemp("", "mwccgap-out")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tempDir)

	objBytes, err := compileFile(tempC.Name(), filepath.Join(tempDir, "result.o"), opts)
	if err != nil {
		return nil, err
	}
	if len(objBytes) == 0 {
		return nil, fmt.Errorf("%w: %s", CompileFailedErr, cFile)
	}

	return elf.Parse(objBytes)
}

// spliceFile assembles one file and grafts its function into the
// compiled object: the placeholder's payload is overwritten in place,
// and every symbol and relocation the assembled unit contributed is
// re-homed into the compiled object's tables.
func spliceFile(compiled *elf.Object, asmFile string, opts Options) error {
	function := stub.FunctionName(asmFile)

	objBytes, err := assembleFile(asmFile, opts)
	if err != nil {
		return err
	}
	assembled, err := elf.Parse(objBytes)
	if err != nil {
		return err
	}

	asmFunctions := assembled.Functions()
	if len(asmFunctions) != 1 {
		return fmt.Errorf("%w: got %d", UnsupportedAsmShapeErr, len(asmFunctions))
	}
	asmRodata := assembled.ReadOnlyDataSections()
	if len(asmRodata) > 1 {
		return fmt.Errorf("%w: %d read-only data sections", UnsupportedAsmShapeErr, len(asmRodata))
	}

	textNdx := helpers.FindIf(compiled.Sections, func(section *elf.Section) bool {
		return section.IsText() && section.FunctionName == function
	})
	if textNdx == -1 {
		return FunctionNotFoundErr
	}
	textSection := compiled.Sections[textNdx]

	// The assembled body must cover the placeholder; anything past the
	// placeholder length is alignment padding and is dropped.
	asmText := asmFunctions[0].Data
	if len(asmText) < len(textSection.Data) {
		return fmt.Errorf("%w: have %d bytes, placeholder needs %d",
			InsufficientAssemblyErr, len(asmText), len(textSection.Data))
	}
	textSection.Data = append([]byte(nil), asmText[:len(textSection.Data)]...)

	rodataNdx := pairedRodataNdx(compiled, textNdx)
	if len(asmRodata) == 1 {
		if rodataNdx == -1 {
			return fmt.Errorf("no read-only data placeholder for %s", function)
		}
		// Copied verbatim, deliberately without a length check.
		compiled.Sections[rodataNdx].Data = append([]byte(nil), asmRodata[0].Data...)
	}

	records := assembled.Relocations()
	if len(records) > 2 {
		return fmt.Errorf("%w: got %d", TooManyRelocationsErr, len(records))
	}
	orderTextFirst(assembled, records)

	relocSymbols := map[string]bool{}
	seenRodataRecord := false
	seenTextRecord := false
	for _, record := range records {
		target := assembled.Sections[record.Hdr.ShInfo]
		switch {
		case target.IsText():
			if seenTextRecord {
				return fmt.Errorf("%w: two text relocation records", TooManyRelocationsErr)
			}
			seenTextRecord = true
			carryRelocationRecord(compiled, assembled, record, textNdx, textNdx, false, relocSymbols)
		case target.IsRodata():
			if seenRodataRecord {
				return fmt.Errorf("%w: two read-only data relocation records", TooManyRelocationsErr)
			}
			if rodataNdx == -1 {
				return fmt.Errorf("no read-only data placeholder for %s", function)
			}
			seenRodataRecord = true
			carryRelocationRecord(compiled, assembled, record, rodataNdx, textNdx, true, relocSymbols)
		default:
			return fmt.Errorf("%w: relocations against %s", UnsupportedAsmShapeErr, target.Name)
		}
	}

	// Whatever the assembled unit defines beyond its relocation symbols,
	// such as the function's own global symbol, moves over too.
	for _, symbol := range assembled.Symbols {
		if symbol.StName == 0 || relocSymbols[symbol.Name] {
			continue
		}
		carried := &elf.Symbol{Name: symbol.Name, ELF32Sym: symbol.ELF32Sym}
		carried.StShNdx = uint16(textNdx)
		compiled.AddSymbol(carried, false)
	}

	return nil
}

// pairedRodataNdx finds the read-only data section belonging to the text
// section at textNdx. The pairing is positional: scan forward until the
// next text section.
func pairedRodataNdx(obj *elf.Object, textNdx int) int {
	for ndx := textNdx + 1; ndx < len(obj.Sections); ndx++ {
		if obj.Sections[ndx].IsText() {
			break
		}
		if obj.Sections[ndx].IsRodata() {
			return ndx
		}
	}
	return -1
}

// The text relocation record is processed before the rodata one by
// convention; local symbols it inserts shift indices that the rodata
// record's entries have not been assigned yet.
func orderTextFirst(assembled *elf.Object, records []*elf.Section) {
	if len(records) == 2 && assembled.Sections[records[0].Hdr.ShInfo].IsRodata() {
		records[0], records[1] = records[1], records[0]
	}
}

// carryRelocationRecord re-homes one relocation record from the
// assembled object into the compiled one: the record gets a minted
// header name, the compiled symtab as its link, targetNdx as the section
// it corrects, and every entry's symbol is moved into the compiled
// symbol table. Rodata records force-append their symbols so a data
// label never aliases a same-named text symbol, and those symbols are
// repointed at the text section, where the data physically lives after
// the splice.
func carryRelocationRecord(compiled, assembled *elf.Object, record *elf.Section, targetNdx, textNdx int, rodata bool, relocSymbols map[string]bool) {
	name := ".rel.text"
	if rodata {
		name = ".rel.rodata"
	}

	carried := &elf.Section{
		Name: name,
		Hdr:  record.Hdr,
	}
	carried.Hdr.ShName = compiled.AddSectionNameString(name)
	carried.Hdr.ShLink = uint32(compiled.SymtabNdx)
	carried.Hdr.ShInfo = uint32(targetNdx)
	carried.Hdr.ShAddrAlign = 4
	carried.Hdr.ShEntSize = elf.RelSize

	for _, entry := range record.Relocations {
		symbol := assembled.Symbols[entry.SymIndex()]
		carriedSym := &elf.Symbol{Name: symbol.Name, ELF32Sym: symbol.ELF32Sym}

		var symNdx int
		if rodata {
			carriedSym.StShNdx = uint16(textNdx)
			symNdx = compiled.AddSymbol(carriedSym, true)
		} else {
			symNdx = compiled.AddSymbol(carriedSym, false)
		}

		carriedEntry := &elf.ELF32Rel{Offset: entry.Offset, Info: entry.Info}
		carriedEntry.SetSymIndex(uint32(symNdx))
		carried.Relocations = append(carried.Relocations, carriedEntry)
		relocSymbols[symbol.Name] = true
	}

	compiled.AddSection(carried)
}
