package patch

import (
	"errors"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/ZacharyZcR/ILPatch/internal/clr"
	"github.com/ZacharyZcR/ILPatch/internal/clr/clrtest"
)

const targetPath = "/opt/app/App.dll"

// startupIL:
//
//	IL_0000: ldarg.0
//	IL_0001: call 0x06000003
//	IL_0006: brfalse.s IL_000E
//	IL_0008: ldc.i4 100
//	IL_000D: pop
//	IL_000E: ldarg.0
//	IL_000F: ldarg.1
//	IL_0010: call 0x0A000001
//	IL_0015: ret
var startupIL = []byte{
	0x02,
	0x28, 0x03, 0x00, 0x00, 0x06,
	0x2C, 0x06,
	0x20, 0x64, 0x00, 0x00, 0x00,
	0x26,
	0x02,
	0x03,
	0x28, 0x01, 0x00, 0x00, 0x0A,
	0x2A,
}

// finallyIL has a finally clause: try [0x01, 0x09), handler [0x09, 0x0F).
//
//	IL_0000: nop
//	IL_0001: ldc.i4 1
//	IL_0006: pop
//	IL_0007: leave.s IL_000F
//	IL_0009: ldc.i4 2
//	IL_000E: endfinally
//	IL_000F: ret
var finallyIL = []byte{
	0x00,
	0x20, 0x01, 0x00, 0x00, 0x00,
	0x26,
	0xDE, 0x06,
	0x20, 0x02, 0x00, 0x00, 0x00,
	0xDC,
	0x2A,
}

func appAssembly() []byte {
	return clrtest.Build(clrtest.Assembly{
		Checksum: true,
		Types: []clrtest.Type{
			{
				Namespace: "Vendor.Desktop",
				Name:      "App",
				Methods: []clrtest.Method{
					{Name: ".ctor", Code: []byte{0x2A}},
					{Name: "OnStartup", Code: startupIL},
				},
			},
			{
				Namespace: "Vendor.Desktop",
				Name:      "Updater",
				Methods: []clrtest.Method{
					{Name: "Check", Code: finallyIL, Clauses: []clrtest.Clause{
						{Flags: clr.ClauseFinally, TryOffset: 0x01, TryLength: 0x08, HandlerOffset: 0x09, HandlerLength: 0x06},
					}},
					{Name: "Declared", NoBody: true},
				},
			},
		},
	})
}

// misplacedStartupAssembly points OnStartup's body at rva inside a .text
// section whose virtual size is stretched to virtualSize.
func misplacedStartupAssembly(rva, virtualSize uint32) []byte {
	return clrtest.Build(clrtest.Assembly{
		VirtualSize: virtualSize,
		Types: []clrtest.Type{{
			Namespace: "Vendor.Desktop",
			Name:      "App",
			Methods:   []clrtest.Method{{Name: "OnStartup", Code: startupIL, RVA: rva}},
		}},
	})
}

func defaultTarget() Target {
	return Target{Class: "Desktop.App", Method: "OnStartup", Start: 0x00, End: 0x0D}
}

func newFs(t *testing.T, data []byte) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/opt/app", 0o755))
	require.NoError(t, afero.WriteFile(fsys, targetPath, data, 0o644))
	return fsys
}

func readFile(t *testing.T, fsys afero.Fs, path string) []byte {
	t.Helper()
	data, err := afero.ReadFile(fsys, path)
	require.NoError(t, err)
	return data
}

func assertNoFile(t *testing.T, fsys afero.Fs, path string) {
	t.Helper()
	exists, err := afero.Exists(fsys, path)
	require.NoError(t, err)
	require.False(t, exists, "%s should not exist", path)
}

var errDiskFull = errors.New("no space left on device")

// faultyFs fails every write to files opened under failPath.
type faultyFs struct {
	afero.Fs
	failPath   string
	failRename bool
}

func (f *faultyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	file, err := f.Fs.OpenFile(name, flag, perm)
	if err != nil || name != f.failPath {
		return file, err
	}
	return &faultyFile{File: file}, nil
}

func (f *faultyFs) Rename(oldname, newname string) error {
	if f.failRename {
		return errDiskFull
	}
	return f.Fs.Rename(oldname, newname)
}

type faultyFile struct {
	afero.File
}

// Write accepts one byte before failing so the failure leaves a partial file.
func (f *faultyFile) Write(p []byte) (int, error) {
	n := 0
	if len(p) > 1 {
		n, _ = f.File.Write(p[:1])
	}
	return n, errDiskFull
}
