package config

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZacharyZcR/ILPatch/internal/patch"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(afero.NewMemMapFs(), "")
	require.NoError(t, err)

	target, err := cfg.PatchTarget()
	require.NoError(t, err)
	assert.Equal(t, patch.Target{Class: DefaultClass, Method: DefaultMethod, Start: 0x00, End: 0x3F}, target)
	assert.Equal(t, logrus.WarnLevel, cfg.Level())
}

func TestLoadConfigFile(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "yaml",
			file: "/etc/ilpatch.yaml",
			content: `target:
  class: Desktop.MainWindow
  method: OnLoaded
  start: 0x10
  end: IL_0024
  pattern: ldarg.0 call ?? brfalse.s
log_level: debug
`,
		},
		{
			name: "toml",
			file: "/etc/ilpatch.toml",
			content: `log_level = "debug"

[target]
class = "Desktop.MainWindow"
method = "OnLoaded"
start = "16"
end = "0x24"
pattern = "ldarg.0 call ?? brfalse.s"
`,
		},
		{
			name:    "json",
			file:    "/etc/ilpatch.json",
			content: `{"target": {"class": "Desktop.MainWindow", "method": "OnLoaded", "start": "0x10", "end": "36", "pattern": "ldarg.0 call ?? brfalse.s"}, "log_level": "debug"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fsys, tt.file, []byte(tt.content), 0o644))

			cfg, err := Load(fsys, tt.file)
			require.NoError(t, err)

			target, err := cfg.PatchTarget()
			require.NoError(t, err)
			assert.Equal(t, patch.Target{
				Class:   "Desktop.MainWindow",
				Method:  "OnLoaded",
				Start:   0x10,
				End:     0x24,
				Pattern: "ldarg.0 call ?? brfalse.s",
			}, target)
			assert.Equal(t, logrus.DebugLevel, cfg.Level())
		})
	}
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/ilpatch.yaml", []byte("target:\n  end: 0x20\n"), 0o644))
	t.Setenv("ILPATCH_TARGET_END", "0x40")
	t.Setenv("ILPATCH_TARGET_METHOD", "OnActivated")

	cfg, err := Load(fsys, "/ilpatch.yaml")
	require.NoError(t, err)

	target, err := cfg.PatchTarget()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x40), target.End)
	assert.Equal(t, "OnActivated", target.Method)
	assert.Equal(t, DefaultClass, target.Class)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		content string
		file    string
	}{
		{name: "missing config file", file: "/nowhere.yaml"},
		{name: "malformed config file", file: "/ilpatch.yaml", content: "target: [\n"},
		{name: "empty class", env: map[string]string{"ILPATCH_TARGET_CLASS": " "}},
		{name: "empty method", file: "/ilpatch.yaml", content: "target:\n  method: \"\"\n"},
		{name: "bad start", env: map[string]string{"ILPATCH_TARGET_START": "zero"}},
		{name: "end overflows", env: map[string]string{"ILPATCH_TARGET_END": "0x1FFFFFFFF"}},
		{name: "negative end", env: map[string]string{"ILPATCH_TARGET_END": "-1"}},
		{name: "bad log level", env: map[string]string{"ILPATCH_LOG_LEVEL": "chatty"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			fsys := afero.NewMemMapFs()
			if tt.content != "" {
				require.NoError(t, afero.WriteFile(fsys, tt.file, []byte(tt.content), 0o644))
			}

			_, err := Load(fsys, tt.file)
			assert.Error(t, err)
		})
	}
}

func TestParseOffset(t *testing.T) {
	tests := []struct {
		in   string
		want uint32
	}{
		{"0", 0},
		{"63", 63},
		{"0x3F", 0x3F},
		{"0X3f", 0x3F},
		{"IL_003F", 0x3F},
		{" 0x10 ", 0x10},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseOffset(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
