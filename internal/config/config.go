// Package config resolves the patch target from built-in defaults, an
// optional config file and ILPATCH_* environment variables.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/ZacharyZcR/ILPatch/internal/patch"
)

// Built-in target. The offsets were recorded against one specific build of
// the target assembly and must be updated together with it.
const (
	DefaultClass    = ".App"
	DefaultMethod   = "OnStartup"
	DefaultStart    = "0x0000"
	DefaultEnd      = "0x003F"
	DefaultLogLevel = "warn"
)

const envVarPrefix = "ILPATCH"

// Config holds every setting the patcher reads.
type Config struct {
	Target struct {
		// Substring of the declaring type's full name.
		Class string `mapstructure:"class"`
		// Exact method name.
		Method string `mapstructure:"method"`
		// IL offsets of the first and last instruction to neutralize, decimal or 0x-prefixed hex.
		Start string `mapstructure:"start"`
		End   string `mapstructure:"end"`
		// Optional opcode pattern used only when the offsets do not resolve.
		Pattern string `mapstructure:"pattern"`
	} `mapstructure:"target"`

	// Minimum level of diagnostic logs. Options: debug, info, warn, error
	LogLevel string `mapstructure:"log_level"`
}

// Load builds the configuration. configFile may be empty; when set it is read
// from fsys and its type follows the file extension (yaml, toml, json).
// Environment variables override both, e.g. ILPATCH_TARGET_END=0x40.
func Load(fsys afero.Fs, configFile string) (*Config, error) {
	v := viper.New()
	v.SetFs(fsys)

	v.SetDefault("target.class", DefaultClass)
	v.SetDefault("target.method", DefaultMethod)
	v.SetDefault("target.start", DefaultStart)
	v.SetDefault("target.end", DefaultEnd)
	v.SetDefault("target.pattern", "")
	v.SetDefault("log_level", DefaultLogLevel)

	v.SetEnvPrefix(envVarPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the target is complete and the offsets parse.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Target.Class) == "" {
		return fmt.Errorf("配置错误: target.class 不能为空")
	}
	if strings.TrimSpace(c.Target.Method) == "" {
		return fmt.Errorf("配置错误: target.method 不能为空")
	}
	if _, err := parseOffset(c.Target.Start); err != nil {
		return fmt.Errorf("配置错误: target.start: %w", err)
	}
	if _, err := parseOffset(c.Target.End); err != nil {
		return fmt.Errorf("配置错误: target.end: %w", err)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("配置错误: log_level: %w", err)
	}
	return nil
}

// PatchTarget converts the validated settings for the patch pipeline.
func (c *Config) PatchTarget() (patch.Target, error) {
	start, err := parseOffset(c.Target.Start)
	if err != nil {
		return patch.Target{}, err
	}
	end, err := parseOffset(c.Target.End)
	if err != nil {
		return patch.Target{}, err
	}

	return patch.Target{
		Class:   c.Target.Class,
		Method:  c.Target.Method,
		Start:   start,
		End:     end,
		Pattern: strings.TrimSpace(c.Target.Pattern),
	}, nil
}

// Level returns the configured log level; Validate has already checked it.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.WarnLevel
	}
	return level
}

// parseOffset accepts "63", "0x3F", "0X3f" and "IL_003F".
func parseOffset(raw string) (uint32, error) {
	s := strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(s, "IL_"); ok {
		s = "0x" + rest
	}

	base := 10
	if rest, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		s, base = rest, 16
	}

	v, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, fmt.Errorf("无效的偏移 %q", raw)
	}
	return uint32(v), nil
}
