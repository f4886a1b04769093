package clr

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Method header and data section flags (ECMA-335 II.25.4).
const (
	headerTiny      = 0x2
	headerFat       = 0x3
	headerMoreSects = 0x08
	headerInitLocal = 0x10

	sectEHTable   = 0x01
	sectFatFormat = 0x40
	sectMoreSects = 0x80
)

// MethodBody is a decoded method body. Instructions is an arena of slots:
// patching mutates slot contents and never resizes it.
type MethodBody struct {
	Fat              bool
	Flags            uint16
	MaxStack         uint16
	LocalVarSigTok   Token
	Instructions     []*Instruction
	ExceptionClauses []*ExceptionClause

	fatSections bool
	codeSize    uint32
	size        int
}

// CodeSize returns the size of the IL stream as loaded.
func (b *MethodBody) CodeSize() uint32 {
	return b.codeSize
}

// InstructionAt returns the index of the instruction recorded at the given
// offset, or -1 when no instruction starts there.
func (b *MethodBody) InstructionAt(offset uint32) int {
	return indexOfOffset(b.Instructions, offset)
}

// indexOfOffset binary-searches the loader-assigned offsets, which are
// strictly increasing.
func indexOfOffset(instructions []*Instruction, offset uint32) int {
	i := sort.Search(len(instructions), func(i int) bool {
		return instructions[i].Offset >= offset
	})
	if i < len(instructions) && instructions[i].Offset == offset {
		return i
	}
	return -1
}

// DecodeBody decodes a method body starting at data[0].
func DecodeBody(data []byte) (*MethodBody, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("方法体为空")
	}

	body := &MethodBody{}
	var headerSize int

	switch data[0] & 0x3 {
	case headerTiny:
		headerSize = 1
		body.codeSize = uint32(data[0] >> 2)
		body.MaxStack = 8
	case headerFat:
		if len(data) < 12 {
			return nil, fmt.Errorf("fat方法头被截断")
		}
		flagsAndSize := binary.LittleEndian.Uint16(data[0:2])
		headerSize = int(flagsAndSize>>12) * 4
		if headerSize < 12 {
			return nil, fmt.Errorf("fat方法头大小无效: %d", headerSize)
		}
		body.Fat = true
		body.Flags = flagsAndSize & 0x0FFF
		body.MaxStack = binary.LittleEndian.Uint16(data[2:4])
		body.codeSize = binary.LittleEndian.Uint32(data[4:8])
		body.LocalVarSigTok = Token(binary.LittleEndian.Uint32(data[8:12]))
	default:
		return nil, fmt.Errorf("未知的方法头格式: 0x%02X", data[0])
	}

	codeEnd := uint64(headerSize) + uint64(body.codeSize)
	if codeEnd > uint64(len(data)) {
		return nil, fmt.Errorf("IL代码长度 %d 超出文件范围", body.codeSize)
	}

	instructions, err := decodeInstructions(data[headerSize:codeEnd])
	if err != nil {
		return nil, err
	}
	body.Instructions = instructions
	body.size = int(codeEnd)

	if body.Fat && body.Flags&headerMoreSects != 0 {
		if err := body.decodeSections(data, int(codeEnd)); err != nil {
			return nil, err
		}
	}

	return body, nil
}

type pendingTargets struct {
	ins     *Instruction
	targets []int64
}

func decodeInstructions(code []byte) ([]*Instruction, error) {
	var instructions []*Instruction
	var pending []pendingTargets

	pos := 0
	for pos < len(code) {
		ins := &Instruction{Offset: uint32(pos)}

		var op *OpCode
		if code[pos] == 0xFE {
			if pos+1 >= len(code) {
				return nil, fmt.Errorf("IL_%04X: 双字节操作码被截断", pos)
			}
			op = twoByteOpCodes[code[pos+1]]
			pos += 2
		} else {
			op = oneByteOpCodes[code[pos]]
			pos++
		}
		if op == nil {
			if code[ins.Offset] == 0xFE {
				return nil, fmt.Errorf("IL_%04X: 未知操作码 0xFE 0x%02X", ins.Offset, code[ins.Offset+1])
			}
			return nil, fmt.Errorf("IL_%04X: 未知操作码 0x%02X", ins.Offset, code[ins.Offset])
		}
		ins.OpCode = *op

		operandSize := op.OperandSize()
		if pos+operandSize > len(code) {
			return nil, fmt.Errorf("IL_%04X: %s 的操作数被截断", ins.Offset, op.Name)
		}
		raw := code[pos : pos+operandSize]
		pos += operandSize

		switch op.Operand {
		case InlineNone:
		case ShortInlineVar:
			ins.Operand = raw[0]
		case InlineVar:
			ins.Operand = binary.LittleEndian.Uint16(raw)
		case ShortInlineI:
			ins.Operand = int8(raw[0])
		case InlineI:
			ins.Operand = int32(binary.LittleEndian.Uint32(raw))
		case InlineI8:
			ins.Operand = int64(binary.LittleEndian.Uint64(raw))
		case ShortInlineR:
			ins.Operand = math.Float32frombits(binary.LittleEndian.Uint32(raw))
		case InlineR:
			ins.Operand = math.Float64frombits(binary.LittleEndian.Uint64(raw))
		case InlineMethod, InlineField, InlineType, InlineTok, InlineString, InlineSig:
			ins.Operand = Token(binary.LittleEndian.Uint32(raw))
		case ShortInlineBrTarget:
			pending = append(pending, pendingTargets{ins, []int64{int64(pos) + int64(int8(raw[0]))}})
		case InlineBrTarget:
			delta := int32(binary.LittleEndian.Uint32(raw))
			pending = append(pending, pendingTargets{ins, []int64{int64(pos) + int64(delta)}})
		case InlineSwitch:
			count := binary.LittleEndian.Uint32(raw)
			if uint64(pos)+uint64(count)*4 > uint64(len(code)) {
				return nil, fmt.Errorf("IL_%04X: switch 跳转表被截断", ins.Offset)
			}
			base := int64(pos) + int64(count)*4
			targets := make([]int64, count)
			for i := range targets {
				delta := int32(binary.LittleEndian.Uint32(code[pos+i*4:]))
				targets[i] = base + int64(delta)
			}
			pos += int(count) * 4
			pending = append(pending, pendingTargets{ins, targets})
		}

		instructions = append(instructions, ins)
	}

	for _, p := range pending {
		resolved := make([]*Instruction, len(p.targets))
		for i, target := range p.targets {
			idx := -1
			if target >= 0 && target <= math.MaxUint32 {
				idx = indexOfOffset(instructions, uint32(target))
			}
			if idx < 0 {
				return nil, fmt.Errorf("IL_%04X: 跳转目标 0x%X 不在指令边界上", p.ins.Offset, target)
			}
			resolved[i] = instructions[idx]
		}
		if p.ins.OpCode.Operand == InlineSwitch {
			p.ins.Operand = resolved
		} else {
			p.ins.Operand = resolved[0]
		}
	}

	return instructions, nil
}

func (b *MethodBody) decodeSections(data []byte, pos int) error {
	for {
		pos = alignUp(pos, 4)
		if pos+4 > len(data) {
			return fmt.Errorf("方法数据段被截断")
		}

		kind := data[pos]
		if kind&0x3F != sectEHTable {
			return fmt.Errorf("不支持的方法数据段类型: 0x%02X", kind)
		}

		fat := kind&sectFatFormat != 0
		var dataSize, clauseSize int
		if fat {
			dataSize = int(data[pos+1]) | int(data[pos+2])<<8 | int(data[pos+3])<<16
			clauseSize = 24
			b.fatSections = true
		} else {
			dataSize = int(data[pos+1])
			clauseSize = 12
		}
		if dataSize < 4 || pos+dataSize > len(data) {
			return fmt.Errorf("异常处理表大小无效: %d", dataSize)
		}

		for p := pos + 4; p+clauseSize <= pos+dataSize; p += clauseSize {
			clause, err := b.decodeClause(data[p:p+clauseSize], fat)
			if err != nil {
				return err
			}
			b.ExceptionClauses = append(b.ExceptionClauses, clause)
		}

		pos += dataSize
		b.size = pos
		if kind&sectMoreSects == 0 {
			return nil
		}
	}
}

func (b *MethodBody) decodeClause(raw []byte, fat bool) (*ExceptionClause, error) {
	var flags, tryOffset, tryLength, handlerOffset, handlerLength, extra uint32
	if fat {
		flags = binary.LittleEndian.Uint32(raw[0:4])
		tryOffset = binary.LittleEndian.Uint32(raw[4:8])
		tryLength = binary.LittleEndian.Uint32(raw[8:12])
		handlerOffset = binary.LittleEndian.Uint32(raw[12:16])
		handlerLength = binary.LittleEndian.Uint32(raw[16:20])
		extra = binary.LittleEndian.Uint32(raw[20:24])
	} else {
		flags = uint32(binary.LittleEndian.Uint16(raw[0:2]))
		tryOffset = uint32(binary.LittleEndian.Uint16(raw[2:4]))
		tryLength = uint32(raw[4])
		handlerOffset = uint32(binary.LittleEndian.Uint16(raw[5:7]))
		handlerLength = uint32(raw[7])
		extra = binary.LittleEndian.Uint32(raw[8:12])
	}

	clause := &ExceptionClause{Flags: flags}
	var err error
	if clause.TryStart, err = b.boundary(tryOffset, false); err != nil {
		return nil, err
	}
	if clause.TryEnd, err = b.boundary(tryOffset+tryLength, true); err != nil {
		return nil, err
	}
	if clause.HandlerStart, err = b.boundary(handlerOffset, false); err != nil {
		return nil, err
	}
	if clause.HandlerEnd, err = b.boundary(handlerOffset+handlerLength, true); err != nil {
		return nil, err
	}

	if flags&ClauseFilter != 0 {
		if clause.FilterStart, err = b.boundary(extra, false); err != nil {
			return nil, err
		}
	} else {
		clause.ClassToken = Token(extra)
	}

	return clause, nil
}

// boundary resolves an exception region offset to its instruction. An end
// boundary equal to the code size resolves to nil.
func (b *MethodBody) boundary(offset uint32, end bool) (*Instruction, error) {
	if end && offset == b.codeSize {
		return nil, nil
	}
	idx := indexOfOffset(b.Instructions, offset)
	if idx < 0 {
		return nil, fmt.Errorf("异常处理区域边界 0x%X 不在指令边界上", offset)
	}
	return b.Instructions[idx], nil
}

// alignUp aligns a value up to the nearest multiple of alignment.
func alignUp(value, alignment int) int {
	if alignment == 0 {
		return value
	}
	return ((value + alignment - 1) / alignment) * alignment
}
