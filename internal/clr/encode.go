package clr

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode serializes the body using the current instruction slots. Offsets are
// laid out afresh from instruction sizes and every branch and exception region
// is re-emitted from the instruction it references.
func (b *MethodBody) Encode() ([]byte, error) {
	offsets := make(map[*Instruction]uint32, len(b.Instructions))
	var codeSize uint32
	for _, ins := range b.Instructions {
		if err := checkOperand(ins); err != nil {
			return nil, err
		}
		offsets[ins] = codeSize
		codeSize += uint32(ins.Size())
	}

	var out []byte
	if b.Fat {
		flags := b.Flags &^ headerMoreSects
		if len(b.ExceptionClauses) > 0 {
			flags |= headerMoreSects
		}
		header := make([]byte, 12)
		binary.LittleEndian.PutUint16(header[0:2], flags|headerFat|3<<12)
		binary.LittleEndian.PutUint16(header[2:4], b.MaxStack)
		binary.LittleEndian.PutUint32(header[4:8], codeSize)
		binary.LittleEndian.PutUint32(header[8:12], uint32(b.LocalVarSigTok))
		out = append(out, header...)
	} else {
		if codeSize >= 64 || len(b.ExceptionClauses) > 0 {
			return nil, fmt.Errorf("tiny方法头无法容纳 %d 字节的代码", codeSize)
		}
		out = append(out, byte(codeSize<<2)|headerTiny)
	}

	for _, ins := range b.Instructions {
		var err error
		out, err = appendInstruction(out, ins, offsets)
		if err != nil {
			return nil, err
		}
	}

	if len(b.ExceptionClauses) > 0 {
		section, err := b.encodeSections(offsets, codeSize)
		if err != nil {
			return nil, err
		}
		for len(out)%4 != 0 {
			out = append(out, 0)
		}
		out = append(out, section...)
	}

	return out, nil
}

func checkOperand(ins *Instruction) error {
	ok := false
	switch ins.OpCode.Operand {
	case InlineNone:
		ok = ins.Operand == nil
	case ShortInlineVar:
		_, ok = ins.Operand.(uint8)
	case InlineVar:
		_, ok = ins.Operand.(uint16)
	case ShortInlineI:
		_, ok = ins.Operand.(int8)
	case InlineI:
		_, ok = ins.Operand.(int32)
	case InlineI8:
		_, ok = ins.Operand.(int64)
	case ShortInlineR:
		_, ok = ins.Operand.(float32)
	case InlineR:
		_, ok = ins.Operand.(float64)
	case InlineMethod, InlineField, InlineType, InlineTok, InlineString, InlineSig:
		_, ok = ins.Operand.(Token)
	case ShortInlineBrTarget, InlineBrTarget:
		target, isIns := ins.Operand.(*Instruction)
		ok = isIns && target != nil
	case InlineSwitch:
		_, ok = ins.Operand.([]*Instruction)
	}
	if !ok {
		return fmt.Errorf("IL_%04X: %s 的操作数类型无效: %T", ins.Offset, ins.OpCode.Name, ins.Operand)
	}
	return nil
}

func appendInstruction(out []byte, ins *Instruction, offsets map[*Instruction]uint32) ([]byte, error) {
	if ins.OpCode.Size() == 2 {
		out = append(out, 0xFE, byte(ins.OpCode.Value))
	} else {
		out = append(out, byte(ins.OpCode.Value))
	}

	next := int64(offsets[ins]) + int64(ins.Size())
	target := func(t *Instruction) (int64, error) {
		off, ok := offsets[t]
		if !ok {
			return 0, fmt.Errorf("IL_%04X: 跳转目标不属于此方法体", ins.Offset)
		}
		return int64(off) - next, nil
	}

	switch v := ins.Operand.(type) {
	case nil:
	case uint8:
		out = append(out, v)
	case uint16:
		out = binary.LittleEndian.AppendUint16(out, v)
	case int8:
		out = append(out, byte(v))
	case int32:
		out = binary.LittleEndian.AppendUint32(out, uint32(v))
	case int64:
		out = binary.LittleEndian.AppendUint64(out, uint64(v))
	case float32:
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	case float64:
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(v))
	case Token:
		out = binary.LittleEndian.AppendUint32(out, uint32(v))
	case *Instruction:
		delta, err := target(v)
		if err != nil {
			return nil, err
		}
		if ins.OpCode.Operand == ShortInlineBrTarget {
			if delta < math.MinInt8 || delta > math.MaxInt8 {
				return nil, fmt.Errorf("IL_%04X: 短跳转距离 %d 超出范围", ins.Offset, delta)
			}
			out = append(out, byte(int8(delta)))
		} else {
			out = binary.LittleEndian.AppendUint32(out, uint32(int32(delta)))
		}
	case []*Instruction:
		out = binary.LittleEndian.AppendUint32(out, uint32(len(v)))
		for _, t := range v {
			delta, err := target(t)
			if err != nil {
				return nil, err
			}
			out = binary.LittleEndian.AppendUint32(out, uint32(int32(delta)))
		}
	}

	return out, nil
}

type clauseBounds struct {
	tryOffset, tryLength, handlerOffset, handlerLength, extra uint32
}

func (b *MethodBody) encodeSections(offsets map[*Instruction]uint32, codeSize uint32) ([]byte, error) {
	at := func(ins *Instruction) (uint32, error) {
		if ins == nil {
			return codeSize, nil
		}
		off, ok := offsets[ins]
		if !ok {
			return 0, fmt.Errorf("异常处理区域引用了不属于此方法体的指令 IL_%04X", ins.Offset)
		}
		return off, nil
	}

	bounds := make([]clauseBounds, len(b.ExceptionClauses))
	fat := b.fatSections || 4+12*len(b.ExceptionClauses) > 0xFF
	for i, clause := range b.ExceptionClauses {
		tryStart, err := at(clause.TryStart)
		if err != nil {
			return nil, err
		}
		tryEnd, err := at(clause.TryEnd)
		if err != nil {
			return nil, err
		}
		handlerStart, err := at(clause.HandlerStart)
		if err != nil {
			return nil, err
		}
		handlerEnd, err := at(clause.HandlerEnd)
		if err != nil {
			return nil, err
		}
		if tryEnd < tryStart || handlerEnd < handlerStart {
			return nil, fmt.Errorf("异常处理区域倒置")
		}

		bnd := clauseBounds{
			tryOffset:     tryStart,
			tryLength:     tryEnd - tryStart,
			handlerOffset: handlerStart,
			handlerLength: handlerEnd - handlerStart,
			extra:         uint32(clause.ClassToken),
		}
		if clause.Flags&ClauseFilter != 0 {
			if bnd.extra, err = at(clause.FilterStart); err != nil {
				return nil, err
			}
		}
		if bnd.tryOffset > 0xFFFF || bnd.tryLength > 0xFF || bnd.handlerOffset > 0xFFFF || bnd.handlerLength > 0xFF {
			fat = true
		}
		bounds[i] = bnd
	}

	var out []byte
	if fat {
		dataSize := 4 + 24*len(bounds)
		out = append(out, sectEHTable|sectFatFormat, byte(dataSize), byte(dataSize>>8), byte(dataSize>>16))
		for i, bnd := range bounds {
			out = binary.LittleEndian.AppendUint32(out, b.ExceptionClauses[i].Flags)
			out = binary.LittleEndian.AppendUint32(out, bnd.tryOffset)
			out = binary.LittleEndian.AppendUint32(out, bnd.tryLength)
			out = binary.LittleEndian.AppendUint32(out, bnd.handlerOffset)
			out = binary.LittleEndian.AppendUint32(out, bnd.handlerLength)
			out = binary.LittleEndian.AppendUint32(out, bnd.extra)
		}
		return out, nil
	}

	dataSize := 4 + 12*len(bounds)
	out = append(out, sectEHTable, byte(dataSize), 0, 0)
	for i, bnd := range bounds {
		out = binary.LittleEndian.AppendUint16(out, uint16(b.ExceptionClauses[i].Flags))
		out = binary.LittleEndian.AppendUint16(out, uint16(bnd.tryOffset))
		out = append(out, byte(bnd.tryLength))
		out = binary.LittleEndian.AppendUint16(out, uint16(bnd.handlerOffset))
		out = append(out, byte(bnd.handlerLength))
		out = binary.LittleEndian.AppendUint32(out, bnd.extra)
	}
	return out, nil
}
