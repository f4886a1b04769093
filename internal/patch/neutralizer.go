package patch

import (
	"github.com/ZacharyZcR/ILPatch/internal/clr"
)

// Replaced is the content an instruction slot held before it was neutralized.
type Replaced struct {
	Offset  uint32
	OpCode  clr.OpCode
	Operand any
}

// Neutralize turns every instruction in r into a nop without an operand. Slots
// are mutated in place: the sequence keeps its length and every *Instruction
// referenced by a branch or exception region stays the same object.
func Neutralize(instructions []*clr.Instruction, r IndexRange) []Replaced {
	replaced := make([]Replaced, 0, r.Len())
	for _, ins := range instructions[r.Start : r.End+1] {
		replaced = append(replaced, Replaced{
			Offset:  ins.Offset,
			OpCode:  ins.OpCode,
			Operand: ins.Operand,
		})
		ins.OpCode = clr.Nop
		ins.Operand = nil
	}
	return replaced
}

// AlreadyNeutral reports whether every instruction in r is already an
// operand-less nop.
func AlreadyNeutral(instructions []*clr.Instruction, r IndexRange) bool {
	for _, ins := range instructions[r.Start : r.End+1] {
		if ins.OpCode.Value != clr.Nop.Value || ins.Operand != nil {
			return false
		}
	}
	return true
}
