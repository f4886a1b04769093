package clr

import (
	"fmt"
	"strings"
)

// Token is a metadata token: table number in the high byte, row id below.
type Token uint32

// Table returns the metadata table the token refers to.
func (t Token) Table() uint8 {
	return uint8(t >> 24)
}

// RID returns the 1-based row id.
func (t Token) RID() uint32 {
	return uint32(t) & 0x00FFFFFF
}

func (t Token) String() string {
	return fmt.Sprintf("0x%08X", uint32(t))
}

// Instruction is one decoded CIL instruction.
//
// Offset is the position recorded when the body was loaded. It identifies the
// instruction and is never recomputed; encoding assigns fresh offsets on the fly.
//
// Operand holds uint8 (ShortInlineVar), uint16 (InlineVar), int8, int32, int64,
// float32, float64, Token, *Instruction (branch target), []*Instruction
// (switch targets) or nil.
type Instruction struct {
	Offset  uint32
	OpCode  OpCode
	Operand any
}

// Size returns the number of bytes the instruction occupies when encoded.
func (ins *Instruction) Size() int {
	size := ins.OpCode.Size() + ins.OpCode.OperandSize()
	if ins.OpCode.Operand == InlineSwitch {
		if targets, ok := ins.Operand.([]*Instruction); ok {
			size += 4 * len(targets)
		}
	}
	return size
}

func (ins *Instruction) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "IL_%04X: %s", ins.Offset, ins.OpCode.Name)

	switch v := ins.Operand.(type) {
	case nil:
	case *Instruction:
		fmt.Fprintf(&b, " IL_%04X", v.Offset)
	case []*Instruction:
		labels := make([]string, len(v))
		for i, target := range v {
			labels[i] = fmt.Sprintf("IL_%04X", target.Offset)
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(labels, ", "))
	default:
		fmt.Fprintf(&b, " %v", v)
	}

	return b.String()
}

// ExceptionClause is one entry of a method's exception handling table.
// Region ends are exclusive; a nil end means the region runs to the end of the body.
type ExceptionClause struct {
	Flags        uint32
	TryStart     *Instruction
	TryEnd       *Instruction
	HandlerStart *Instruction
	HandlerEnd   *Instruction
	FilterStart  *Instruction
	ClassToken   Token
}

// Exception clause kinds.
const (
	ClauseException uint32 = 0x0000
	ClauseFilter    uint32 = 0x0001
	ClauseFinally   uint32 = 0x0002
	ClauseFault     uint32 = 0x0004
)
