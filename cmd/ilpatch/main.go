// Package main provides the ILPatch CLI tool.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ZacharyZcR/ILPatch/internal/cli"
	"github.com/ZacharyZcR/ILPatch/internal/config"
	"github.com/ZacharyZcR/ILPatch/internal/patch"
)

const usageText = `用法: ilpatch [选项] <程序集路径>

将目标方法中指定IL偏移范围内的指令替换为nop。
首次运行时在同目录创建 <程序集路径>.bak 备份。

选项:
  -c, --config <文件>   配置文件 (yaml/toml/json)
  -n, --dry-run        仅检查，不写入文件
  -v, --verbose        显示全部被替换的指令和调试日志

环境变量 (覆盖配置文件):
  ILPATCH_TARGET_CLASS    类型全名子串 (默认: .App)
  ILPATCH_TARGET_METHOD   方法名 (默认: OnStartup)
  ILPATCH_TARGET_START    起始IL偏移 (默认: 0x0000)
  ILPATCH_TARGET_END      结束IL偏移 (默认: 0x003F)
  ILPATCH_TARGET_PATTERN  偏移失效时使用的指令模式，例如 "ldarg.0 call ?? brfalse.s"
  ILPATCH_LOG_LEVEL       日志级别 (默认: warn)

示例:
  ilpatch "C:\Program Files\Vendor\App.dll"
  ilpatch -n -v ./App.dll
`

type options struct {
	configFile string
	dryRun     bool
	verbose    bool
}

func main() {
	err := newRootCmd(afero.NewOsFs()).Execute()
	if err != nil {
		cli.PrintError(os.Stderr, err)
	}
	os.Exit(patch.ExitCode(err))
}

func newRootCmd(fsys afero.Fs) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "ilpatch <path>",
		Short:         "将.NET程序集中目标方法的一段IL指令替换为nop",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				printUsage(cmd.ErrOrStderr())
				return fmt.Errorf("%w: 需要 1 个参数，实际 %d 个", patch.ErrMissingArgument, len(args))
			}
			path := args[0]
			if _, err := fsys.Stat(path); err != nil {
				printUsage(cmd.ErrOrStderr())
				return fmt.Errorf("%w: %s", patch.ErrFileNotFound, path)
			}
			return run(fsys, path, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		printUsage(c.ErrOrStderr())
		return fmt.Errorf("%w: %w", patch.ErrMissingArgument, err)
	})
	cmd.SetHelpFunc(func(c *cobra.Command, _ []string) {
		printUsage(c.OutOrStdout())
	})

	cmd.Flags().StringVarP(&opts.configFile, "config", "c", "", "配置文件路径")
	cmd.Flags().BoolVarP(&opts.dryRun, "dry-run", "n", false, "仅检查，不写入文件")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "详细模式")

	return cmd
}

func run(fsys afero.Fs, path string, opts *options, stdout, stderr io.Writer) error {
	cfg, err := config.Load(fsys, opts.configFile)
	if err != nil {
		return err
	}
	target, err := cfg.PatchTarget()
	if err != nil {
		return err
	}

	log := newLogger(stderr, cfg.Level())
	if opts.verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	log.WithFields(logrus.Fields{
		"class":  target.Class,
		"method": target.Method,
		"start":  fmt.Sprintf("IL_%04X", target.Start),
		"end":    fmt.Sprintf("IL_%04X", target.End),
	}).Debug("目标已配置")

	patcher, err := patch.NewPatcher(fsys, target, patch.WithLogger(log), patch.WithDryRun(opts.dryRun))
	if err != nil {
		return err
	}

	res, err := patcher.Run(path)
	if err != nil {
		return err
	}

	reporter := cli.NewReporter(res, stdout)
	reporter.SetVerbose(opts.verbose)
	reporter.Print()
	return nil
}

func newLogger(w io.Writer, level logrus.Level) *logrus.Logger {
	return &logrus.Logger{
		Out: w,
		Formatter: &logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
			DisableSorting:  true,
		},
		Hooks: make(logrus.LevelHooks),
		Level: level,
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, usageText)
}
