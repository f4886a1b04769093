// Package clr reads and rewrites method bodies of ECMA-335 managed assemblies.
package clr

import (
	"fmt"
	"strings"

	"github.com/ZacharyZcR/ILPatch/internal/pe"
)

// TypeDef is a type declared in the module.
type TypeDef struct {
	Token     Token
	Namespace string
	Name      string
	FullName  string
	Flags     uint32
	Methods   []*MethodDef

	enclosing uint32
}

// MethodDef is a method declared in the module.
type MethodDef struct {
	Token         Token
	Name          string
	RVA           uint32
	ImplFlags     uint16
	Flags         uint16
	DeclaringType *TypeDef

	module *Module
	body   *MethodBody
	offset uint32
}

// Method implementation flags.
const (
	methodImplCodeTypeMask = 0x0003
	methodImplIL           = 0x0000
)

// FullName returns "Namespace.Type::Method".
func (md *MethodDef) FullName() string {
	if md.DeclaringType == nil {
		return md.Name
	}
	return md.DeclaringType.FullName + "::" + md.Name
}

// Body decodes the method body on first use. Later calls return the same
// body, so edits made through it are what Bytes serializes.
func (md *MethodDef) Body() (*MethodBody, error) {
	if md.body != nil {
		return md.body, nil
	}
	if md.RVA == 0 {
		return nil, fmt.Errorf("方法 %s 没有方法体", md.FullName())
	}
	if md.ImplFlags&methodImplCodeTypeMask != methodImplIL {
		return nil, fmt.Errorf("方法 %s 不是IL方法", md.FullName())
	}

	offset, err := md.module.image.RVAToOffset(md.RVA)
	if err != nil {
		return nil, fmt.Errorf("定位方法 %s 的方法体失败: %w", md.FullName(), err)
	}

	body, err := DecodeBody(md.module.image.Bytes()[offset:])
	if err != nil {
		return nil, fmt.Errorf("解析方法 %s 的方法体失败: %w", md.FullName(), err)
	}

	md.body = body
	md.offset = offset
	md.module.loaded = append(md.module.loaded, md)
	return body, nil
}

// Module is an in-memory managed assembly. It owns its bytes exclusively and
// holds no file handle.
type Module struct {
	image   *pe.Image
	header  *cliHeader
	meta    *metadata
	types   []*TypeDef
	methods []*MethodDef
	loaded  []*MethodDef
}

// Parse loads a module from the raw bytes of an assembly file. Debug symbols
// are never consulted.
func Parse(filepath string, data []byte) (*Module, error) {
	img, err := pe.NewImage(filepath, data)
	if err != nil {
		return nil, err
	}

	header, err := readCLIHeader(img)
	if err != nil {
		return nil, err
	}

	meta, err := parseMetadata(img, header)
	if err != nil {
		return nil, err
	}

	m := &Module{
		image:  img,
		header: header,
		meta:   meta,
	}
	if err := m.readTypes(); err != nil {
		return nil, err
	}

	return m, nil
}

// Image returns the underlying PE image.
func (m *Module) Image() *pe.Image {
	return m.image
}

// RuntimeVersion returns the metadata version string, e.g. "v4.0.30319".
func (m *Module) RuntimeVersion() string {
	return m.meta.version
}

// StrongNameSigned reports whether the CLI header claims a strong name signature.
func (m *Module) StrongNameSigned() bool {
	return m.header.Flags&ComImageStrongNameSigned != 0
}

// Types returns every type declared in the module, in metadata order.
func (m *Module) Types() []*TypeDef {
	return m.types
}

// FindMethods returns the methods named methodName declared on any type whose
// full name contains classFragment, in metadata order.
func (m *Module) FindMethods(classFragment, methodName string) []*MethodDef {
	var found []*MethodDef
	for _, t := range m.types {
		if !strings.Contains(t.FullName, classFragment) {
			continue
		}
		for _, method := range t.Methods {
			if method.Name == methodName {
				found = append(found, method)
			}
		}
	}
	return found
}

func (m *Module) readTypes() error {
	ts := m.meta.tables

	methodCount := ts.Rows(TableMethodDef)
	m.methods = make([]*MethodDef, methodCount)
	for rid := uint32(1); rid <= methodCount; rid++ {
		method, err := m.readMethod(rid)
		if err != nil {
			return err
		}
		m.methods[rid-1] = method
	}

	typeCount := ts.Rows(TableTypeDef)
	m.types = make([]*TypeDef, typeCount)
	methodStarts := make([]uint32, typeCount+1)
	for rid := uint32(1); rid <= typeCount; rid++ {
		t, start, err := m.readType(rid)
		if err != nil {
			return err
		}
		m.types[rid-1] = t
		methodStarts[rid-1] = start
	}

	// The method list of a type runs up to the next type's list.
	listLength := methodCount
	if ptrRows := ts.Rows(TableMethodPtr); ptrRows > 0 {
		listLength = ptrRows
	}
	methodStarts[typeCount] = listLength + 1

	for i, t := range m.types {
		start, end := methodStarts[i], methodStarts[i+1]
		if end > listLength+1 {
			end = listLength + 1
		}
		for index := start; index > 0 && index < end; index++ {
			rid, err := m.methodRID(index)
			if err != nil {
				return err
			}
			if rid == 0 || rid > methodCount {
				return fmt.Errorf("类型 %s 的方法索引 %d 越界", t.Name, rid)
			}
			method := m.methods[rid-1]
			method.DeclaringType = t
			t.Methods = append(t.Methods, method)
		}
	}

	if err := m.readNesting(); err != nil {
		return err
	}
	for _, t := range m.types {
		t.FullName = m.fullName(t, 0)
	}

	return nil
}

func (m *Module) readMethod(rid uint32) (*MethodDef, error) {
	ts := m.meta.tables

	rva, err := ts.cell(TableMethodDef, rid, 0)
	if err != nil {
		return nil, err
	}
	implFlags, err := ts.cell(TableMethodDef, rid, 1)
	if err != nil {
		return nil, err
	}
	flags, err := ts.cell(TableMethodDef, rid, 2)
	if err != nil {
		return nil, err
	}
	nameIndex, err := ts.cell(TableMethodDef, rid, 3)
	if err != nil {
		return nil, err
	}
	name, err := m.meta.stringAt(nameIndex)
	if err != nil {
		return nil, err
	}

	return &MethodDef{
		Token:     Token(TableMethodDef<<24 | rid),
		Name:      name,
		RVA:       rva,
		ImplFlags: uint16(implFlags),
		Flags:     uint16(flags),
		module:    m,
	}, nil
}

func (m *Module) readType(rid uint32) (*TypeDef, uint32, error) {
	ts := m.meta.tables

	flags, err := ts.cell(TableTypeDef, rid, 0)
	if err != nil {
		return nil, 0, err
	}
	nameIndex, err := ts.cell(TableTypeDef, rid, 1)
	if err != nil {
		return nil, 0, err
	}
	namespaceIndex, err := ts.cell(TableTypeDef, rid, 2)
	if err != nil {
		return nil, 0, err
	}
	methodList, err := ts.cell(TableTypeDef, rid, 5)
	if err != nil {
		return nil, 0, err
	}

	name, err := m.meta.stringAt(nameIndex)
	if err != nil {
		return nil, 0, err
	}
	namespace, err := m.meta.stringAt(namespaceIndex)
	if err != nil {
		return nil, 0, err
	}

	return &TypeDef{
		Token:     Token(TableTypeDef<<24 | rid),
		Namespace: namespace,
		Name:      name,
		Flags:     flags,
	}, methodList, nil
}

// methodRID maps a MethodList position to a MethodDef row, going through
// MethodPtr when the stream is uncompressed.
func (m *Module) methodRID(index uint32) (uint32, error) {
	ts := m.meta.tables
	if ts.Rows(TableMethodPtr) == 0 {
		return index, nil
	}
	return ts.cell(TableMethodPtr, index, 0)
}

func (m *Module) readNesting() error {
	ts := m.meta.tables
	for rid := uint32(1); rid <= ts.Rows(TableNestedClass); rid++ {
		nested, err := ts.cell(TableNestedClass, rid, 0)
		if err != nil {
			return err
		}
		enclosing, err := ts.cell(TableNestedClass, rid, 1)
		if err != nil {
			return err
		}
		if nested == 0 || nested > uint32(len(m.types)) || enclosing > uint32(len(m.types)) {
			return fmt.Errorf("嵌套类型表第 %d 行越界", rid)
		}
		m.types[nested-1].enclosing = enclosing
	}
	return nil
}

// maxNestingDepth bounds the enclosing chain so a malformed cycle terminates.
const maxNestingDepth = 64

func (m *Module) fullName(t *TypeDef, depth int) string {
	if t.enclosing != 0 && depth < maxNestingDepth {
		return m.fullName(m.types[t.enclosing-1], depth+1) + "/" + t.Name
	}
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// Bytes serializes the module. Every body obtained through MethodDef.Body is
// re-encoded in place at its original location; the slack left by a shorter
// body is zero-filled. The result is a fresh slice.
func (m *Module) Bytes() ([]byte, error) {
	src := m.image.Bytes()
	out := make([]byte, len(src))
	copy(out, src)

	for _, method := range m.loaded {
		encoded, err := method.body.Encode()
		if err != nil {
			return nil, fmt.Errorf("编码方法 %s 失败: %w", method.FullName(), err)
		}
		if len(encoded) > method.body.size {
			return nil, fmt.Errorf("方法 %s 的新方法体 (%d 字节) 超出原空间 (%d 字节)",
				method.FullName(), len(encoded), method.body.size)
		}

		region := out[method.offset : int(method.offset)+method.body.size]
		n := copy(region, encoded)
		clear(region[n:])
	}

	if err := pe.UpdateChecksum(out); err != nil {
		return nil, fmt.Errorf("更新校验和失败: %w", err)
	}

	return out, nil
}
