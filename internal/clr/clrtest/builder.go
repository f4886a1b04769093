// Package clrtest builds small but structurally valid managed assemblies for tests.
package clrtest

import (
	"bytes"
	"debug/pe"
	"encoding/binary"

	ilpe "github.com/ZacharyZcR/ILPatch/internal/pe"
)

// Layout of the generated image.
const (
	fileAlignment    = 0x200
	sectionAlignment = 0x2000
	textRVA          = 0x2000
	textOffset       = 0x200
	peHeaderOffset   = 0x80
	cliHeaderSize    = 72
	runtimeVersion   = "v4.0.30319"
)

// Clause is a raw exception clause with byte offsets into the method's IL.
type Clause struct {
	Flags         uint32
	TryOffset     uint32
	TryLength     uint32
	HandlerOffset uint32
	HandlerLength uint32
	ClassToken    uint32 // filter offset when Flags has the filter bit
}

// Method describes one method and its raw IL.
type Method struct {
	Name     string
	Code     []byte
	Fat      bool // force a fat header
	FatEH    bool // emit exception clauses in fat format
	MaxStack uint16
	Clauses  []Clause
	NoBody   bool // abstract or extern: RVA 0
	Native   bool // native code implementation flag
	RVA      uint32 // overrides the body's RVA in the MethodDef row
}

// Type describes a type, its methods and its nested types.
type Type struct {
	Namespace string
	Name      string
	Methods   []Method
	Nested    []Type
}

// Assembly describes the whole image.
type Assembly struct {
	Types []Type
	// Checksum stores a valid, non-zero PE checksum.
	Checksum bool
	// VirtualSize overrides the .text section's virtual size when larger
	// than its content.
	VirtualSize uint32
}

type typeRow struct {
	namespace string
	name      string
	methods   []Method
	enclosing uint32
}

// Build emits a PE32 image with a CLI header, method bodies and metadata
// containing the Module, TypeDef, MethodDef and NestedClass tables.
func Build(a Assembly) []byte {
	rows := []typeRow{{name: "<Module>"}}
	var flatten func(t Type, enclosing uint32)
	flatten = func(t Type, enclosing uint32) {
		rows = append(rows, typeRow{t.Namespace, t.Name, t.Methods, enclosing})
		rid := uint32(len(rows))
		for _, nested := range t.Nested {
			flatten(nested, rid)
		}
	}
	for _, t := range a.Types {
		flatten(t, 0)
	}

	sec := make([]byte, cliHeaderSize)
	var rvas []uint32
	for _, row := range rows {
		for _, m := range row.methods {
			if m.NoBody {
				rvas = append(rvas, 0)
				continue
			}
			sec = pad(sec, 4)
			rva := textRVA + uint32(len(sec))
			if m.RVA != 0 {
				rva = m.RVA
			}
			rvas = append(rvas, rva)
			sec = append(sec, encodeBody(m)...)
		}
	}

	sec = pad(sec, 4)
	metadataRVA := textRVA + uint32(len(sec))
	metadata := buildMetadata(rows, rvas)
	sec = append(sec, metadata...)

	cli := new(bytes.Buffer)
	writeLE(cli, uint32(cliHeaderSize))
	writeLE(cli, uint16(2))
	writeLE(cli, uint16(5))
	writeLE(cli, metadataRVA)
	writeLE(cli, uint32(len(metadata)))
	writeLE(cli, uint32(0x00000001)) // ILONLY
	copy(sec, cli.Bytes())

	virtualSize := uint32(len(sec))
	rawSize := alignUp(virtualSize, fileAlignment)
	sec = append(sec, make([]byte, rawSize-virtualSize)...)
	if a.VirtualSize > virtualSize {
		virtualSize = a.VirtualSize
	}

	headers := buildHeaders(virtualSize, rawSize, a.Checksum)
	image := append(headers, sec...)

	if a.Checksum {
		if err := ilpe.UpdateChecksum(image); err != nil {
			panic(err)
		}
	}

	return image
}

func buildHeaders(virtualSize, rawSize uint32, checksum bool) []byte {
	buf := new(bytes.Buffer)

	dos := make([]byte, peHeaderOffset)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3C:], peHeaderOffset)
	buf.Write(dos)
	buf.WriteString("PE\x00\x00")

	writeLE(buf, pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_I386,
		NumberOfSections:     1,
		SizeOfOptionalHeader: 224,
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_32BIT_MACHINE | pe.IMAGE_FILE_DLL,
	})

	oh := pe.OptionalHeader32{
		Magic:                 0x10B,
		MajorLinkerVersion:    8,
		SizeOfCode:            rawSize,
		BaseOfCode:            textRVA,
		ImageBase:             0x10000000,
		SectionAlignment:      sectionAlignment,
		FileAlignment:         fileAlignment,
		MajorSubsystemVersion: 4,
		SizeOfImage:           textRVA + alignUp(virtualSize, sectionAlignment),
		SizeOfHeaders:         textOffset,
		Subsystem:             pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
		SizeOfStackReserve:    0x100000,
		SizeOfStackCommit:     0x1000,
		SizeOfHeapReserve:     0x100000,
		SizeOfHeapCommit:      0x1000,
		NumberOfRvaAndSizes:   16,
	}
	if checksum {
		oh.CheckSum = 1 // placeholder, recomputed once the image is complete
	}
	oh.DataDirectory[ilpe.DirCOMDescriptor] = pe.DataDirectory{VirtualAddress: textRVA, Size: cliHeaderSize}
	writeLE(buf, oh)

	var name [8]uint8
	copy(name[:], ".text")
	writeLE(buf, pe.SectionHeader32{
		Name:             name,
		VirtualSize:      virtualSize,
		VirtualAddress:   textRVA,
		SizeOfRawData:    rawSize,
		PointerToRawData: textOffset,
		Characteristics:  pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ,
	})

	headers := buf.Bytes()
	return append(headers, make([]byte, textOffset-len(headers))...)
}

func encodeBody(m Method) []byte {
	if !m.Fat && len(m.Code) < 64 && len(m.Clauses) == 0 {
		return append([]byte{byte(len(m.Code)<<2) | 0x2}, m.Code...)
	}

	maxStack := m.MaxStack
	if maxStack == 0 {
		maxStack = 8
	}
	flags := uint16(0x3 | 0x10 | 3<<12)
	if len(m.Clauses) > 0 {
		flags |= 0x08
	}

	buf := new(bytes.Buffer)
	writeLE(buf, flags)
	writeLE(buf, maxStack)
	writeLE(buf, uint32(len(m.Code)))
	writeLE(buf, uint32(0))
	buf.Write(m.Code)

	if len(m.Clauses) == 0 {
		return buf.Bytes()
	}

	out := pad(buf.Bytes(), 4)
	if m.FatEH {
		size := 4 + 24*len(m.Clauses)
		out = append(out, 0x41, byte(size), byte(size>>8), byte(size>>16))
		for _, c := range m.Clauses {
			for _, v := range []uint32{c.Flags, c.TryOffset, c.TryLength, c.HandlerOffset, c.HandlerLength, c.ClassToken} {
				out = binary.LittleEndian.AppendUint32(out, v)
			}
		}
		return out
	}

	out = append(out, 0x01, byte(4+12*len(m.Clauses)), 0, 0)
	for _, c := range m.Clauses {
		out = binary.LittleEndian.AppendUint16(out, uint16(c.Flags))
		out = binary.LittleEndian.AppendUint16(out, uint16(c.TryOffset))
		out = append(out, byte(c.TryLength))
		out = binary.LittleEndian.AppendUint16(out, uint16(c.HandlerOffset))
		out = append(out, byte(c.HandlerLength))
		out = binary.LittleEndian.AppendUint32(out, c.ClassToken)
	}
	return out
}

type stringHeap struct {
	data  []byte
	index map[string]uint16
}

func (h *stringHeap) add(s string) uint16 {
	if s == "" {
		return 0
	}
	if i, ok := h.index[s]; ok {
		return i
	}
	i := uint16(len(h.data))
	h.data = append(append(h.data, s...), 0)
	h.index[s] = i
	return i
}

func buildMetadata(rows []typeRow, rvas []uint32) []byte {
	strs := &stringHeap{data: []byte{0}, index: map[string]uint16{}}
	blobs := pad([]byte{0x00, 0x03, 0x20, 0x00, 0x01}, 4) // void instance()
	const sigIndex = 1
	guids := bytes.Repeat([]byte{0xA5}, 16)

	var nested [][2]uint16
	methodCount := 0
	for i, row := range rows {
		methodCount += len(row.methods)
		if row.enclosing != 0 {
			nested = append(nested, [2]uint16{uint16(i + 1), uint16(row.enclosing)})
		}
	}

	tables := new(bytes.Buffer)
	writeLE(tables, uint32(0))
	tables.Write([]byte{2, 0, 0, 1})
	valid := uint64(1<<0x00 | 1<<0x02 | 1<<0x06)
	if len(nested) > 0 {
		valid |= 1 << 0x29
	}
	writeLE(tables, valid)
	writeLE(tables, uint64(1<<0x29))
	writeLE(tables, uint32(1))
	writeLE(tables, uint32(len(rows)))
	writeLE(tables, uint32(methodCount))
	if len(nested) > 0 {
		writeLE(tables, uint32(len(nested)))
	}

	// Module
	writeLE(tables, uint16(0))
	writeLE(tables, strs.add("test.dll"))
	writeLE(tables, uint16(1))
	writeLE(tables, uint16(0))
	writeLE(tables, uint16(0))

	// TypeDef
	methodList := uint16(1)
	for _, row := range rows {
		writeLE(tables, uint32(0x00100001))
		writeLE(tables, strs.add(row.name))
		writeLE(tables, strs.add(row.namespace))
		writeLE(tables, uint16(0))
		writeLE(tables, uint16(1))
		writeLE(tables, methodList)
		methodList += uint16(len(row.methods))
	}

	// MethodDef
	i := 0
	for _, row := range rows {
		for _, m := range row.methods {
			writeLE(tables, rvas[i])
			implFlags := uint16(0)
			if m.Native {
				implFlags = 0x0001
			}
			writeLE(tables, implFlags)
			writeLE(tables, uint16(0x0086))
			writeLE(tables, strs.add(m.Name))
			writeLE(tables, uint16(sigIndex))
			writeLE(tables, uint16(1))
			i++
		}
	}

	// NestedClass
	for _, n := range nested {
		writeLE(tables, n[0])
		writeLE(tables, n[1])
	}

	streams := []struct {
		name string
		data []byte
	}{
		{"#~", pad(tables.Bytes(), 4)},
		{"#Strings", pad(strs.data, 4)},
		{"#GUID", guids},
		{"#Blob", blobs},
	}

	version := pad([]byte(runtimeVersion+"\x00"), 4)
	headerSize := 16 + len(version) + 4
	for _, s := range streams {
		headerSize += 8 + int(alignUp(uint32(len(s.name)+1), 4))
	}

	root := new(bytes.Buffer)
	writeLE(root, uint32(0x424A5342))
	writeLE(root, uint16(1))
	writeLE(root, uint16(1))
	writeLE(root, uint32(0))
	writeLE(root, uint32(len(version)))
	root.Write(version)
	writeLE(root, uint16(0))
	writeLE(root, uint16(len(streams)))

	offset := uint32(headerSize)
	for _, s := range streams {
		writeLE(root, offset)
		writeLE(root, uint32(len(s.data)))
		root.Write(pad([]byte(s.name+"\x00"), 4))
		offset += uint32(len(s.data))
	}
	for _, s := range streams {
		root.Write(s.data)
	}

	return root.Bytes()
}

func writeLE(buf *bytes.Buffer, v any) {
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		panic(err)
	}
}

func pad(b []byte, alignment int) []byte {
	for len(b)%alignment != 0 {
		b = append(b, 0)
	}
	return b
}

func alignUp(value, alignment uint32) uint32 {
	return ((value + alignment - 1) / alignment) * alignment
}
