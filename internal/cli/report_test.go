package cli

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZacharyZcR/ILPatch/internal/clr"
	"github.com/ZacharyZcR/ILPatch/internal/patch"
	"github.com/ZacharyZcR/ILPatch/internal/pe"
)

func init() {
	color.NoColor = true
}

func opcode(t *testing.T, name string) clr.OpCode {
	t.Helper()
	op, err := clr.LookupOpCode(name)
	require.NoError(t, err)
	return op
}

func sampleResult(t *testing.T, replaced int) *patch.Result {
	t.Helper()
	res := &patch.Result{
		Path:           "/opt/app/App.dll",
		BackupPath:     "/opt/app/App.dll.bak",
		Backup:         patch.BackupCreated,
		Info:           &pe.Info{FileSize: 2048, Architecture: "x86 (32位)", Subsystem: "Windows GUI", Checksum: &pe.ChecksumInfo{Stored: 0x1234, Computed: 0x1234, Valid: true}},
		RuntimeVersion: "v4.0.30319",
		TypeCount:      3,
		Method:         "Vendor.Desktop.App::OnStartup",
		Range:          patch.IndexRange{Start: 0, End: replaced - 1},
		Count:          replaced + 2,
		Written:        true,
	}
	ldarg := opcode(t, "ldarg.0")
	for i := 0; i < replaced; i++ {
		res.Replaced = append(res.Replaced, patch.Replaced{Offset: uint32(i), OpCode: ldarg})
	}
	return res
}

func TestReporterPrint(t *testing.T) {
	var out bytes.Buffer
	NewReporter(sampleResult(t, 2), &out).Print()

	got := out.String()
	assert.Contains(t, got, "/opt/app/App.dll")
	assert.Contains(t, got, "v4.0.30319")
	assert.Contains(t, got, "2.0 KiB")
	assert.Contains(t, got, "✓ 有效 (0x00001234)")
	assert.Contains(t, got, "/opt/app/App.dll.bak (已创建)")
	assert.Contains(t, got, "IL_0000 - IL_0001")
	assert.Contains(t, got, "IL_0001: ldarg.0")
	assert.Contains(t, got, "✓ 成功修补方法: Vendor.Desktop.App::OnStartup")
	assert.NotContains(t, got, "【警告】")
}

func TestReporterListing(t *testing.T) {
	tests := []struct {
		name       string
		verbose    bool
		wantLast   string
		wantHidden bool
	}{
		{name: "truncated", verbose: false, wantLast: "IL_0009: ldarg.0", wantHidden: true},
		{name: "verbose", verbose: true, wantLast: "IL_000B: ldarg.0", wantHidden: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			r := NewReporter(sampleResult(t, 12), &out)
			r.SetVerbose(tt.verbose)
			r.Print()

			got := out.String()
			assert.Contains(t, got, tt.wantLast)
			if tt.wantHidden {
				assert.Contains(t, got, "还有 2 条指令")
				assert.NotContains(t, got, "IL_000A: ldarg.0")
			} else {
				assert.NotContains(t, got, "还有")
			}
		})
	}
}

func TestReporterVerboseSections(t *testing.T) {
	res := sampleResult(t, 1)
	res.Info.Sections = []pe.SectionInfo{
		{Name: ".text", VirtualAddress: 0x2000, VirtualSize: 0x400, Size: 0x400, Permissions: "R-X", Entropy: 5.5},
		{Name: ".rsrc", VirtualAddress: 0x4000, VirtualSize: 0x200, Size: 0x200, Permissions: "R--", Entropy: 3.25},
	}

	var quiet bytes.Buffer
	NewReporter(res, &quiet).Print()
	assert.NotContains(t, quiet.String(), "【节区信息】")

	var out bytes.Buffer
	r := NewReporter(res, &out)
	r.SetVerbose(true)
	r.Print()
	assert.Contains(t, out.String(), "【节区信息】(共 2 个)")
	assert.Contains(t, out.String(), ".rsrc")
	assert.Contains(t, out.String(), "3.25")
}

func TestReporterWarningsAndStatus(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*patch.Result)
		want   []string
	}{
		{
			name: "ambiguous method",
			modify: func(r *patch.Result) {
				r.Candidates = []string{"A.App::OnStartup", "B.App::OnStartup"}
			},
			want: []string{"找到 2 个匹配的方法", "B.App::OnStartup"},
		},
		{
			name:   "authenticode",
			modify: func(r *patch.Result) { r.Info.Signed = true },
			want:   []string{"数字签名"},
		},
		{
			name:   "strong name",
			modify: func(r *patch.Result) { r.StrongName = true },
			want:   []string{"强名称"},
		},
		{
			name:   "unchanged",
			modify: func(r *patch.Result) { r.Written, r.Unchanged = false, true },
			want:   []string{"已是修补后的状态"},
		},
		{
			name:   "dry run",
			modify: func(r *patch.Result) { r.Written, r.DryRun = false, true },
			want:   []string{"演练模式"},
		},
		{
			name:   "pattern range",
			modify: func(r *patch.Result) { r.ByPattern = true },
			want:   []string{"来源: 指令模式"},
		},
		{
			name: "packed body section",
			modify: func(r *patch.Result) {
				r.BodySection = &pe.SectionInfo{Name: ".text", Permissions: "R-X", Entropy: 7.8}
			},
			want: []string{"方法体所在节区", ".text (R-X, 熵 7.80)", "熵值过高"},
		},
		{
			name:   "checksum not set",
			modify: func(r *patch.Result) { r.Info.Checksum = &pe.ChecksumInfo{Valid: true} },
			want:   []string{"未设置"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := sampleResult(t, 1)
			tt.modify(res)

			var out bytes.Buffer
			NewReporter(res, &out).Print()
			for _, want := range tt.want {
				assert.Contains(t, out.String(), want)
			}
		})
	}
}

func TestPrintError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "stage error",
			err:  &patch.StageError{Stage: patch.StageMethodFound, Err: fmt.Errorf("%w: IL_0010", patch.ErrInvalidOffsetRange)},
			want: "停止于阶段: 已定位方法",
		},
		{
			name: "plain error",
			err:  patch.ErrMissingArgument,
			want: "错误: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			PrintError(&out, tt.err)
			assert.Contains(t, out.String(), tt.want)
		})
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, formatSize(tt.in))
		})
	}
}
