package clr

import (
	"encoding/binary"
	"fmt"
)

// Metadata table numbers (ECMA-335 II.22).
const (
	TableModule                 = 0x00
	TableTypeRef                = 0x01
	TableTypeDef                = 0x02
	TableFieldPtr               = 0x03
	TableField                  = 0x04
	TableMethodPtr              = 0x05
	TableMethodDef              = 0x06
	TableParamPtr               = 0x07
	TableParam                  = 0x08
	TableInterfaceImpl          = 0x09
	TableMemberRef              = 0x0A
	TableConstant               = 0x0B
	TableCustomAttribute        = 0x0C
	TableFieldMarshal           = 0x0D
	TableDeclSecurity           = 0x0E
	TableClassLayout            = 0x0F
	TableFieldLayout            = 0x10
	TableStandAloneSig          = 0x11
	TableEventMap               = 0x12
	TableEventPtr               = 0x13
	TableEvent                  = 0x14
	TablePropertyMap            = 0x15
	TablePropertyPtr            = 0x16
	TableProperty               = 0x17
	TableMethodSemantics        = 0x18
	TableMethodImpl             = 0x19
	TableModuleRef              = 0x1A
	TableTypeSpec               = 0x1B
	TableImplMap                = 0x1C
	TableFieldRVA               = 0x1D
	TableEncLog                 = 0x1E
	TableEncMap                 = 0x1F
	TableAssembly               = 0x20
	TableAssemblyProcessor      = 0x21
	TableAssemblyOS             = 0x22
	TableAssemblyRef            = 0x23
	TableAssemblyRefProcessor   = 0x24
	TableAssemblyRefOS          = 0x25
	TableFile                   = 0x26
	TableExportedType           = 0x27
	TableManifestResource       = 0x28
	TableNestedClass            = 0x29
	TableGenericParam           = 0x2A
	TableMethodSpec             = 0x2B
	TableGenericParamConstraint = 0x2C
)

// Heap size flags of the table stream header.
const (
	heapStringsWide = 0x01
	heapGUIDWide    = 0x02
	heapBlobWide    = 0x04
	heapExtraData   = 0x40
)

// noTable marks an unused tag value of a coded index.
const noTable = -1

type codedIndex struct {
	bits   int
	tables []int
}

var (
	ciTypeDefOrRef        = codedIndex{2, []int{TableTypeDef, TableTypeRef, TableTypeSpec}}
	ciHasConstant         = codedIndex{2, []int{TableField, TableParam, TableProperty}}
	ciHasCustomAttribute  = codedIndex{5, []int{TableMethodDef, TableField, TableTypeRef, TableTypeDef, TableParam, TableInterfaceImpl, TableMemberRef, TableModule, TableDeclSecurity, TableProperty, TableEvent, TableStandAloneSig, TableModuleRef, TableTypeSpec, TableAssembly, TableAssemblyRef, TableFile, TableExportedType, TableManifestResource, TableGenericParam, TableGenericParamConstraint, TableMethodSpec}}
	ciHasFieldMarshal     = codedIndex{1, []int{TableField, TableParam}}
	ciHasDeclSecurity     = codedIndex{2, []int{TableTypeDef, TableMethodDef, TableAssembly}}
	ciMemberRefParent     = codedIndex{3, []int{TableTypeDef, TableTypeRef, TableModuleRef, TableMethodDef, TableTypeSpec}}
	ciHasSemantics        = codedIndex{1, []int{TableEvent, TableProperty}}
	ciMethodDefOrRef      = codedIndex{1, []int{TableMethodDef, TableMemberRef}}
	ciMemberForwarded     = codedIndex{1, []int{TableField, TableMethodDef}}
	ciImplementation      = codedIndex{2, []int{TableFile, TableAssemblyRef, TableExportedType}}
	ciCustomAttributeType = codedIndex{3, []int{noTable, noTable, TableMethodDef, TableMemberRef, noTable}}
	ciResolutionScope     = codedIndex{2, []int{TableModule, TableModuleRef, TableAssemblyRef, TableTypeRef}}
	ciTypeOrMethodDef     = codedIndex{1, []int{TableTypeDef, TableMethodDef}}
)

type columnKind uint8

const (
	colFixed columnKind = iota
	colString
	colGUID
	colBlob
	colIndex
	colCoded
)

type column struct {
	kind  columnKind
	size  int
	table int
	coded codedIndex
}

func u8() column                 { return column{kind: colFixed, size: 1} }
func u16() column                { return column{kind: colFixed, size: 2} }
func u32() column                { return column{kind: colFixed, size: 4} }
func str() column                { return column{kind: colString} }
func guid() column               { return column{kind: colGUID} }
func blob() column               { return column{kind: colBlob} }
func idx(table int) column       { return column{kind: colIndex, table: table} }
func coded(ci codedIndex) column { return column{kind: colCoded, coded: ci} }

var tableSchemas = map[int][]column{
	TableModule:                 {u16(), str(), guid(), guid(), guid()},
	TableTypeRef:                {coded(ciResolutionScope), str(), str()},
	TableTypeDef:                {u32(), str(), str(), coded(ciTypeDefOrRef), idx(TableField), idx(TableMethodDef)},
	TableFieldPtr:               {idx(TableField)},
	TableField:                  {u16(), str(), blob()},
	TableMethodPtr:              {idx(TableMethodDef)},
	TableMethodDef:              {u32(), u16(), u16(), str(), blob(), idx(TableParam)},
	TableParamPtr:               {idx(TableParam)},
	TableParam:                  {u16(), u16(), str()},
	TableInterfaceImpl:          {idx(TableTypeDef), coded(ciTypeDefOrRef)},
	TableMemberRef:              {coded(ciMemberRefParent), str(), blob()},
	TableConstant:               {u8(), u8(), coded(ciHasConstant), blob()},
	TableCustomAttribute:        {coded(ciHasCustomAttribute), coded(ciCustomAttributeType), blob()},
	TableFieldMarshal:           {coded(ciHasFieldMarshal), blob()},
	TableDeclSecurity:           {u16(), coded(ciHasDeclSecurity), blob()},
	TableClassLayout:            {u16(), u32(), idx(TableTypeDef)},
	TableFieldLayout:            {u32(), idx(TableField)},
	TableStandAloneSig:          {blob()},
	TableEventMap:               {idx(TableTypeDef), idx(TableEvent)},
	TableEventPtr:               {idx(TableEvent)},
	TableEvent:                  {u16(), str(), coded(ciTypeDefOrRef)},
	TablePropertyMap:            {idx(TableTypeDef), idx(TableProperty)},
	TablePropertyPtr:            {idx(TableProperty)},
	TableProperty:               {u16(), str(), blob()},
	TableMethodSemantics:        {u16(), idx(TableMethodDef), coded(ciHasSemantics)},
	TableMethodImpl:             {idx(TableTypeDef), coded(ciMethodDefOrRef), coded(ciMethodDefOrRef)},
	TableModuleRef:              {str()},
	TableTypeSpec:               {blob()},
	TableImplMap:                {u16(), coded(ciMemberForwarded), str(), idx(TableModuleRef)},
	TableFieldRVA:               {u32(), idx(TableField)},
	TableEncLog:                 {u32(), u32()},
	TableEncMap:                 {u32()},
	TableAssembly:               {u32(), u16(), u16(), u16(), u16(), u32(), blob(), str(), str()},
	TableAssemblyProcessor:      {u32()},
	TableAssemblyOS:             {u32(), u32(), u32()},
	TableAssemblyRef:            {u16(), u16(), u16(), u16(), u32(), blob(), str(), str(), blob()},
	TableAssemblyRefProcessor:   {u32(), idx(TableAssemblyRef)},
	TableAssemblyRefOS:          {u32(), u32(), u32(), idx(TableAssemblyRef)},
	TableFile:                   {u32(), str(), blob()},
	TableExportedType:           {u32(), u32(), str(), str(), coded(ciImplementation)},
	TableManifestResource:       {u32(), u32(), str(), coded(ciImplementation)},
	TableNestedClass:            {idx(TableTypeDef), idx(TableTypeDef)},
	TableGenericParam:           {u16(), u16(), coded(ciTypeOrMethodDef), str()},
	TableMethodSpec:             {coded(ciMethodDefOrRef), blob()},
	TableGenericParamConstraint: {idx(TableGenericParam), coded(ciTypeDefOrRef)},
}

type table struct {
	rows      uint32
	rowSize   int
	offset    int
	widths    []int
	available bool
}

// tableStream is the decoded #~ (or uncompressed #-) stream.
type tableStream struct {
	data      []byte
	heapSizes uint8
	tables    [64]table
}

func parseTableStream(data []byte) (*tableStream, error) {
	if len(data) < 24 {
		return nil, fmt.Errorf("元数据表流被截断")
	}

	ts := &tableStream{
		data:      data,
		heapSizes: data[6],
	}
	valid := binary.LittleEndian.Uint64(data[8:16])

	pos := 24
	for i := 0; i < 64; i++ {
		if valid&(1<<uint(i)) == 0 {
			continue
		}
		if pos+4 > len(data) {
			return nil, fmt.Errorf("元数据表行数被截断")
		}
		ts.tables[i].rows = binary.LittleEndian.Uint32(data[pos:])
		pos += 4
	}
	if ts.heapSizes&heapExtraData != 0 {
		pos += 4
	}

	// Tables are stored back to back in table-number order. Offsets stop at the
	// first present table whose layout is unknown; nothing after it is readable.
	for i := 0; i < 64; i++ {
		t := &ts.tables[i]
		schema, known := tableSchemas[i]
		if !known {
			if t.rows > 0 {
				break
			}
			continue
		}

		t.widths = make([]int, len(schema))
		for c, col := range schema {
			t.widths[c] = ts.columnWidth(col)
			t.rowSize += t.widths[c]
		}
		t.offset = pos
		size := uint64(t.rowSize) * uint64(t.rows)
		if uint64(pos)+size > uint64(len(data)) {
			return nil, fmt.Errorf("元数据表 0x%02X 超出流范围", i)
		}
		pos += int(size)
		t.available = true
	}

	return ts, nil
}

func (ts *tableStream) columnWidth(col column) int {
	switch col.kind {
	case colFixed:
		return col.size
	case colString:
		return ts.heapWidth(heapStringsWide)
	case colGUID:
		return ts.heapWidth(heapGUIDWide)
	case colBlob:
		return ts.heapWidth(heapBlobWide)
	case colIndex:
		if ts.tables[col.table].rows < 1<<16 {
			return 2
		}
		return 4
	default:
		var maxRows uint32
		for _, t := range col.coded.tables {
			if t != noTable && ts.tables[t].rows > maxRows {
				maxRows = ts.tables[t].rows
			}
		}
		if maxRows < 1<<(16-col.coded.bits) {
			return 2
		}
		return 4
	}
}

func (ts *tableStream) heapWidth(flag uint8) int {
	if ts.heapSizes&flag != 0 {
		return 4
	}
	return 2
}

// Rows returns the row count of a table.
func (ts *tableStream) Rows(tableID int) uint32 {
	return ts.tables[tableID].rows
}

// cell reads column col of the 1-based row rid.
func (ts *tableStream) cell(tableID int, rid uint32, col int) (uint32, error) {
	t := &ts.tables[tableID]
	if !t.available {
		return 0, fmt.Errorf("元数据表 0x%02X 无法读取", tableID)
	}
	if rid == 0 || rid > t.rows {
		return 0, fmt.Errorf("元数据表 0x%02X 的行号 %d 越界", tableID, rid)
	}

	pos := t.offset + int(rid-1)*t.rowSize
	for c := 0; c < col; c++ {
		pos += t.widths[c]
	}

	switch t.widths[col] {
	case 1:
		return uint32(ts.data[pos]), nil
	case 2:
		return uint32(binary.LittleEndian.Uint16(ts.data[pos:])), nil
	default:
		return binary.LittleEndian.Uint32(ts.data[pos:]), nil
	}
}
