package stub

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bismurphy/mwccgap/pkg/asm"
)

const IncludeAsm = "INCLUDE_ASM"

// Prefix disambiguates placeholder symbols from anything the translation
// unit already declares under the real name. It is stripped from the
// compiled symbol table before splicing.
const Prefix = "__mwgap_"

var includeAsmRegex = regexp.MustCompile(`^INCLUDE_ASM\("(.*)", *(\S+)\)`)

var (
	InvalidMacroSyntaxErr = errors.New("invalid " + IncludeAsm + " macro")
	MissingAsmFileErr     = errors.New("asm file does not exist")
)

// Result is the rewritten translation unit plus the assembly files its
// macros resolved to, in source order with duplicates preserved. The
// order pairs each file with its placeholder.
type Result struct {
	Source   string
	AsmFiles []string
}

// FunctionName maps an assembly file path back to the function it
// defines, which is the file's base name by convention.
func FunctionName(asmFile string) string {
	return strings.TrimSuffix(filepath.Base(asmFile), ".s")
}

var invalidIdentChar = regexp.MustCompile(`[^A-Za-z0-9_]`)

// Rodata labels such as jump table targets are not valid C identifiers;
// the placeholder array name only has to be unique, pairing is positional.
func sanitizeIdent(name string) string {
	return invalidIdentChar.ReplaceAllString(name, "_")
}

// Rewrite replaces every INCLUDE_ASM macro in the source with a
// placeholder function of as many nops as the referenced assembly file
// has instructions, followed by a zeroed placeholder array per rodata
// symbol. Assembly file paths resolve under asmDirPrefix when given.
// Every other line passes through unchanged.
func Rewrite(source string, asmDirPrefix string) (*Result, error) {
	result := &Result{}
	var outLines []string

	for lineNo, rawLine := range strings.Split(source, "\n") {
		line := strings.TrimRight(rawLine, " \t\r")

		if !strings.HasPrefix(line, IncludeAsm) {
			outLines = append(outLines, line)
			continue
		}

		match := includeAsmRegex.FindStringSubmatch(line)
		if match == nil {
			return nil, fmt.Errorf("%w on line %d: %s", InvalidMacroSyntaxErr, lineNo+1, line)
		}
		asmDir, function := match[1], match[2]

		asmFile := filepath.Join(asmDir, function+".s")
		if asmDirPrefix != "" {
			asmFile = filepath.Join(asmDirPrefix, asmFile)
		}

		asmBytes, err := os.ReadFile(asmFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %s (line %d)", MissingAsmFileErr, asmFile, lineNo+1)
		}
		result.AsmFiles = append(result.AsmFiles, asmFile)

		stats, err := asm.Preprocess(string(asmBytes))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", asmFile, err)
		}

		outLines = append(outLines, placeholderLines(function, stats)...)
	}

	result.Source = strings.Join(outLines, "\n")
	return result, nil
}

// The rodata arrays come after the function so the compiler lays them
// out between this function's text section and the next one, which is
// where the splice expects to find them.
func placeholderLines(function string, stats *asm.Stats) []string {
	lines := []string{fmt.Sprintf("asm void %s%s() {", Prefix, function)}
	for slot := 0; slot < stats.Instructions; slot++ {
		lines = append(lines, "\tnop")
	}
	lines = append(lines, "}")

	for _, rodata := range stats.Rodata {
		if rodata.Words == 0 {
			continue
		}
		lines = append(lines, fmt.Sprintf("static const unsigned int %s%s[%d] = { 0 };",
			Prefix, sanitizeIdent(rodata.Name), rodata.Words))
	}

	return lines
}
