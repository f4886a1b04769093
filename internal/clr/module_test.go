package clr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZacharyZcR/ILPatch/internal/clr/clrtest"
	"github.com/ZacharyZcR/ILPatch/internal/pe"
)

func demoAssembly(checksum bool) clrtest.Assembly {
	return clrtest.Assembly{
		Checksum: checksum,
		Types: []clrtest.Type{
			{
				Namespace: "Demo",
				Name:      "App",
				Methods: []clrtest.Method{
					{Name: ".ctor", Code: []byte{0x2A}},
					{Name: "OnStartup", Code: sampleCode},
					{Name: "Declared", NoBody: true},
					{Name: "Interop", Code: []byte{0x2A}, Native: true},
				},
				Nested: []clrtest.Type{
					{Name: "Inner", Methods: []clrtest.Method{{Name: "Run", Code: []byte{0x00, 0x2A}}}},
				},
			},
			{
				Namespace: "Demo.Sub",
				Name:      "Other",
				Methods: []clrtest.Method{
					{Name: "OnStartup", Code: finallyBody[12:28], Fat: true, Clauses: []clrtest.Clause{
						{Flags: ClauseFinally, TryOffset: 1, TryLength: 8, HandlerOffset: 9, HandlerLength: 6},
					}},
				},
			},
		},
	}
}

func parseDemo(t *testing.T, checksum bool) (*Module, []byte) {
	t.Helper()
	data := clrtest.Build(demoAssembly(checksum))
	m, err := Parse("demo.dll", data)
	require.NoError(t, err)
	return m, data
}

func TestParseTypes(t *testing.T) {
	m, _ := parseDemo(t, false)

	assert.Equal(t, "v4.0.30319", m.RuntimeVersion())
	assert.False(t, m.StrongNameSigned())

	var names []string
	for _, typ := range m.Types() {
		names = append(names, typ.FullName)
	}
	assert.Equal(t, []string{"<Module>", "Demo.App", "Demo.App/Inner", "Demo.Sub.Other"}, names)

	app := m.Types()[1]
	require.Len(t, app.Methods, 4)
	assert.Equal(t, "OnStartup", app.Methods[1].Name)
	assert.Equal(t, Token(0x06000002), app.Methods[1].Token)
	assert.Same(t, app, app.Methods[1].DeclaringType)
	assert.Equal(t, "Demo.App::OnStartup", app.Methods[1].FullName())
}

func TestFindMethods(t *testing.T) {
	m, _ := parseDemo(t, false)

	tests := []struct {
		name     string
		fragment string
		method   string
		want     []string
	}{
		{"exact type", "Demo.App", "OnStartup", []string{"Demo.App::OnStartup"}},
		{"fragment spans types", "Demo", "OnStartup", []string{"Demo.App::OnStartup", "Demo.Sub.Other::OnStartup"}},
		{"nested type", "Inner", "Run", []string{"Demo.App/Inner::Run"}},
		{"method name is exact", "App", "onstartup", nil},
		{"no such type", "Missing", "OnStartup", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, method := range m.FindMethods(tt.fragment, tt.method) {
				got = append(got, method.FullName())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMethodBody(t *testing.T) {
	m, _ := parseDemo(t, false)

	found := m.FindMethods("Demo.App", "OnStartup")
	require.Len(t, found, 1)
	body, err := found[0].Body()
	require.NoError(t, err)
	assert.Len(t, body.Instructions, 9)

	again, err := found[0].Body()
	require.NoError(t, err)
	assert.Same(t, body, again)

	other := m.FindMethods("Other", "OnStartup")
	require.Len(t, other, 1)
	otherBody, err := other[0].Body()
	require.NoError(t, err)
	assert.True(t, otherBody.Fat)
	assert.Len(t, otherBody.ExceptionClauses, 1)

	for _, name := range []string{"Declared", "Interop"} {
		methods := m.FindMethods("Demo.App", name)
		require.Len(t, methods, 1)
		_, err := methods[0].Body()
		assert.Error(t, err, name)
	}
}

func TestBytesUnchanged(t *testing.T) {
	m, data := parseDemo(t, false)

	out, err := m.Bytes()
	require.NoError(t, err)
	assert.Equal(t, data, out)

	for _, method := range m.FindMethods("Demo", "OnStartup") {
		_, err := method.Body()
		require.NoError(t, err)
	}
	out, err = m.Bytes()
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestBytesRewritesInPlace(t *testing.T) {
	m, data := parseDemo(t, true)

	method := m.FindMethods("Demo.App", "OnStartup")[0]
	body, err := method.Body()
	require.NoError(t, err)
	for _, ins := range body.Instructions[:5] {
		ins.OpCode = Nop
		ins.Operand = nil
	}

	out, err := m.Bytes()
	require.NoError(t, err)
	require.Len(t, out, len(data))

	offset, err := m.Image().RVAToOffset(method.RVA)
	require.NoError(t, err)
	want := []byte{
		0x36,
		0x00, 0x00, 0x00, 0x00, 0x00,
		0x02, 0x03, 0x28, 0x01, 0x00, 0x00, 0x0A, 0x2A,
		0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
	assert.Equal(t, want, out[offset:int(offset)+len(want)])
	// Headers differ only in the checksum field.
	assert.Equal(t, data[0x200:offset], out[0x200:offset])
	assert.Equal(t, data[int(offset)+len(want):], out[int(offset)+len(want):])

	// The source module is untouched and the result reparses.
	assert.Equal(t, data, m.Image().Bytes())
	reloaded, err := Parse("demo.dll", out)
	require.NoError(t, err)
	rebody, err := reloaded.FindMethods("Demo.App", "OnStartup")[0].Body()
	require.NoError(t, err)
	assert.Equal(t, uint32(13), rebody.CodeSize())
	assert.Len(t, rebody.Instructions, 9)

	img, err := pe.NewImage("demo.dll", out)
	require.NoError(t, err)
	checksum, err := pe.VerifyChecksum(img)
	require.NoError(t, err)
	assert.NotZero(t, checksum.Stored)
	assert.True(t, checksum.Valid)
}

func TestParseRejectsNonManaged(t *testing.T) {
	_, err := Parse("junk.bin", []byte("MZ but nothing else"))
	assert.Error(t, err)
}
