package patch

import (
	"fmt"

	"github.com/ZacharyZcR/ILPatch/internal/clr"
)

// IndexRange is an inclusive range of positions in an instruction sequence.
type IndexRange struct {
	Start int
	End   int
}

// Len returns the number of instructions covered.
func (r IndexRange) Len() int {
	return r.End - r.Start + 1
}

// ResolveRange maps the start and end offsets onto the instructions recorded
// at exactly those offsets. Offsets are looked up, never used as positions:
// instruction widths vary, so a nearby boundary is never substituted.
func ResolveRange(instructions []*clr.Instruction, start, end uint32) (IndexRange, error) {
	startIndex := indexAt(instructions, start)
	if startIndex < 0 {
		return IndexRange{}, fmt.Errorf("%w: 起始偏移 IL_%04X 不是指令边界", ErrInvalidOffsetRange, start)
	}
	endIndex := indexAt(instructions, end)
	if endIndex < 0 {
		return IndexRange{}, fmt.Errorf("%w: 结束偏移 IL_%04X 不是指令边界", ErrInvalidOffsetRange, end)
	}
	if endIndex < startIndex {
		return IndexRange{}, fmt.Errorf("%w: IL_%04X 位于 IL_%04X 之后", ErrInvertedRange, start, end)
	}

	return IndexRange{Start: startIndex, End: endIndex}, nil
}

// indexAt scans for the instruction whose recorded offset equals offset.
func indexAt(instructions []*clr.Instruction, offset uint32) int {
	for i, ins := range instructions {
		if ins.Offset == offset {
			return i
		}
	}
	return -1
}

// ResolvePattern locates the range covered by the single match of p. No
// match and several matches are both failures; a pattern never guesses.
func ResolvePattern(instructions []*clr.Instruction, p *clr.Pattern) (IndexRange, error) {
	matches := p.FindAll(instructions)
	switch len(matches) {
	case 0:
		return IndexRange{}, fmt.Errorf("%w: %q", ErrPatternNotFound, p)
	case 1:
		return IndexRange{Start: matches[0], End: matches[0] + p.Len() - 1}, nil
	default:
		return IndexRange{}, fmt.Errorf("%w: %q 匹配了 %d 处", ErrAmbiguousPattern, p, len(matches))
	}
}
