package clr

import (
	"fmt"
	"strings"
)

// wildcard matches any single instruction in a pattern.
const wildcard = "??"

// Pattern is a sequence of opcodes used to find a stable run of instructions
// without relying on byte offsets.
type Pattern struct {
	source string
	ops    []*OpCode // nil entries are wildcards
}

// CompilePattern parses whitespace-separated opcode mnemonics; "??" matches
// any instruction. Example: "ldarg.0 call ?? brfalse.s".
func CompilePattern(source string) (*Pattern, error) {
	fields := strings.Fields(source)
	if len(fields) == 0 {
		return nil, fmt.Errorf("指令模式为空")
	}

	p := &Pattern{source: source, ops: make([]*OpCode, len(fields))}
	for i, field := range fields {
		if field == wildcard {
			continue
		}
		op, err := LookupOpCode(strings.ToLower(field))
		if err != nil {
			return nil, err
		}
		p.ops[i] = &op
	}

	if p.ops[0] == nil || p.ops[len(p.ops)-1] == nil {
		return nil, fmt.Errorf("指令模式不能以通配符开头或结尾: %s", source)
	}

	return p, nil
}

// Len returns the number of instructions a match spans.
func (p *Pattern) Len() int {
	return len(p.ops)
}

func (p *Pattern) String() string {
	return p.source
}

// FindAll returns the start index of every match in instructions.
func (p *Pattern) FindAll(instructions []*Instruction) []int {
	var matches []int
	for i := 0; i+len(p.ops) <= len(instructions); i++ {
		if p.matchAt(instructions, i) {
			matches = append(matches, i)
		}
	}
	return matches
}

func (p *Pattern) matchAt(instructions []*Instruction, start int) bool {
	for j, op := range p.ops {
		if op != nil && instructions[start+j].OpCode.Value != op.Value {
			return false
		}
	}
	return true
}
