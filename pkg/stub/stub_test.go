package stub

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAsmFile(t *testing.T, dir, function, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, function+".s"), []byte(contents), 0o644))
}

func TestRewriteReplacesMacroWithNops(t *testing.T) {
	prefix := t.TempDir()
	writeAsmFile(t, filepath.Join(prefix, "asm/foo"), "DoThing", ".text\nglabel DoThing\n\tlw $a0, 0($a1)\n\tjr $ra\n\tnop\n")

	source := "int before(void);\nINCLUDE_ASM(\"asm/foo\", DoThing)\nint after(void);"
	result, err := Rewrite(source, prefix)
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(prefix, "asm/foo/DoThing.s")}, result.AsmFiles)

	lines := strings.Split(result.Source, "\n")
	assert.Equal(t, []string{
		"int before(void);",
		"asm void " + Prefix + "DoThing() {",
		"\tnop",
		"\tnop",
		"\tnop",
		"}",
		"int after(void);",
	}, lines)
}

func TestRewriteEmitsRodataPlaceholders(t *testing.T) {
	prefix := t.TempDir()
	writeAsmFile(t, filepath.Join(prefix, "asm"), "Lookup",
		".rodata\njtbl:\n.word 1\n.word 2\n.text\nglabel Lookup\n\tjr $ra\n\tnop\n")

	result, err := Rewrite("INCLUDE_ASM(\"asm\", Lookup)", prefix)
	require.NoError(t, err)

	assert.Contains(t, result.Source, "static const unsigned int "+Prefix+"jtbl[2] = { 0 };")
}

func TestRewritePassesOtherLinesThrough(t *testing.T) {
	source := "int x = 1;\n// INCLUDE_ASM is mentioned here but indented macros are not macros\nint y = 2;"
	result, err := Rewrite(source, "")
	require.NoError(t, err)

	assert.Equal(t, source, result.Source)
	assert.Empty(t, result.AsmFiles)
}

func TestRewriteMissingAsmFile(t *testing.T) {
	_, err := Rewrite("INCLUDE_ASM(\"asm/foo\", Absent)", t.TempDir())
	assert.True(t, errors.Is(err, MissingAsmFileErr))
}

func TestRewriteInvalidMacro(t *testing.T) {
	_, err := Rewrite("INCLUDE_ASM(asm/foo, DoThing)", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, InvalidMacroSyntaxErr))
	assert.Contains(t, err.Error(), "line 1")
}

func TestRewriteKeepsDuplicatesInOrder(t *testing.T) {
	prefix := t.TempDir()
	writeAsmFile(t, filepath.Join(prefix, "asm"), "A", ".text\n\tnop\n")
	writeAsmFile(t, filepath.Join(prefix, "asm"), "B", ".text\n\tnop\n")

	source := "INCLUDE_ASM(\"asm\", B)\nINCLUDE_ASM(\"asm\", A)\nINCLUDE_ASM(\"asm\", B)"
	result, err := Rewrite(source, prefix)
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(prefix, "asm/B.s"),
		filepath.Join(prefix, "asm/A.s"),
		filepath.Join(prefix, "asm/B.s"),
	}, result.AsmFiles)
}

func TestFunctionName(t *testing.T) {
	assert.Equal(t, "DoThing", FunctionName("asm/foo/DoThing.s"))
}
