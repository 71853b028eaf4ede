package asm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bismurphy/mwccgap/pkg/helpers"
)

var (
	UnsupportedSectionDirectiveErr = errors.New("unsupported section directive")
	UnsupportedRodataEntryErr      = errors.New("unsupported entry in .rodata block")
)

var unsupportedSections = []string{".data", ".bss", ".sdata", ".sbss"}

// RodataSymbol is one labeled block of read-only data and the number of
// 32-bit words it emits.
type RodataSymbol struct {
	Name  string
	Words int
}

// Stats describes how much room the assembled output of one file will
// need: one slot per real instruction, plus the rodata word counts. The
// source rewriter sizes its placeholders from this.
type Stats struct {
	Instructions int
	Rodata       []*RodataSymbol
}

func isLabel(line string) bool {
	return strings.HasSuffix(line, ":")
}

func labelName(line string) string {
	if name, ok := strings.CutPrefix(line, "glabel "); ok {
		return strings.TrimSpace(name)
	}
	if name, ok := strings.CutPrefix(line, "dlabel "); ok {
		return strings.TrimSpace(name)
	}
	return strings.TrimSuffix(line, ":")
}

func isNumericLabel(line string) bool {
	body := strings.TrimSuffix(line, ":")
	if body == "" || !isLabel(line) {
		return false
	}
	for _, c := range body {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// sectionDirective classifies a line as entering .text, entering
// .rodata, or switching to a section this tool does not support. Both
// the bare ".text"/".rodata" spelling and the ".section" form count.
func sectionDirective(line string) (rodata bool, ok bool, err error) {
	fields := strings.FieldsFunc(line, func(c rune) bool {
		return c == ' ' || c == '\t' || c == ','
	})
	if len(fields) == 0 {
		return false, false, nil
	}

	target := fields[0]
	if target == ".section" {
		if len(fields) < 2 {
			return false, false, fmt.Errorf("%w: %s", UnsupportedSectionDirectiveErr, line)
		}
		target = fields[1]
	} else if target != ".text" && target != ".rodata" {
		if helpers.Find(unsupportedSections, target) != -1 {
			return false, false, fmt.Errorf("%w: %s", UnsupportedSectionDirectiveErr, line)
		}
		return false, false, nil
	}

	switch {
	case target == ".text" || strings.HasPrefix(target, ".text."):
		return false, true, nil
	case target == ".rodata" || strings.HasPrefix(target, ".rodata."):
		return true, true, nil
	}
	return false, false, fmt.Errorf("%w: %s", UnsupportedSectionDirectiveErr, line)
}

// Preprocess scans one hand-written assembly file that defines a single
// function and optionally one read-only data block. It counts how many
// instruction slots the function body occupies and how many words each
// rodata symbol emits, which is exactly the byte budget the assembled
// output has to fit into.
func Preprocess(source string) (*Stats, error) {
	stats := &Stats{}
	inRodata := false

	for _, rawLine := range strings.Split(source, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}

		rodata, isSection, err := sectionDirective(line)
		if err != nil {
			return nil, err
		}
		if isSection {
			inRodata = rodata
			continue
		}

		if inRodata {
			if err := stats.scanRodataLine(line); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, ".set"),
			strings.HasPrefix(line, ".include"),
			strings.HasPrefix(line, ".size"),
			strings.HasPrefix(line, ".align"),
			strings.HasPrefix(line, ".balign"):
			// assembler bookkeeping, emits nothing
		case strings.HasPrefix(line, "glabel"), strings.HasPrefix(line, "jlabel"):
			// function / jump-table labels
		case strings.HasPrefix(line, ".L") && isLabel(line):
			// branch target labels
		case isNumericLabel(line):
			// local numeric labels
		case strings.HasPrefix(line, "/* Generated by spimdisasm"):
			// disassembler banner
		default:
			stats.Instructions++
		}
	}

	return stats, nil
}

func (stats *Stats) scanRodataLine(line string) error {
	switch {
	case strings.HasPrefix(line, ".align"),
		strings.HasPrefix(line, ".balign"),
		strings.HasPrefix(line, ".size"):
		return nil
	case isLabel(line), strings.HasPrefix(line, "glabel "), strings.HasPrefix(line, "dlabel "):
		stats.Rodata = append(stats.Rodata, &RodataSymbol{Name: labelName(line)})
		return nil
	case strings.HasPrefix(line, ".word"):
		if len(stats.Rodata) == 0 {
			return fmt.Errorf("%w: .word before any label: %s", UnsupportedRodataEntryErr, line)
		}
		stats.Rodata[len(stats.Rodata)-1].Words++
		return nil
	}
	return fmt.Errorf("%w: %s", UnsupportedRodataEntryErr, line)
}
