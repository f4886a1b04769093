// Package cli provides command-line interface utilities.
package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/ZacharyZcR/ILPatch/internal/clr"
	"github.com/ZacharyZcR/ILPatch/internal/patch"
)

// maxListed bounds the neutralized-instruction listing outside verbose mode.
const maxListed = 10

// Reporter formats and prints the outcome of a patch run.
type Reporter struct {
	res     *patch.Result
	out     io.Writer
	verbose bool
}

// NewReporter creates a new reporter writing to out.
func NewReporter(res *patch.Result, out io.Writer) *Reporter {
	return &Reporter{res: res, out: out}
}

// SetVerbose lists every neutralized instruction.
func (r *Reporter) SetVerbose(verbose bool) {
	r.verbose = verbose
}

// Print outputs the complete report.
func (r *Reporter) Print() {
	r.printHeader()
	r.printBasicInfo()
	if r.verbose {
		r.printSections()
	}
	r.printTarget()
	r.printReplaced()
	r.printWarnings()
	r.printStatus()
}

func (r *Reporter) printHeader() {
	cyan := color.New(color.FgCyan, color.Bold)
	_, _ = cyan.Fprintln(r.out, "\n╔════════════════════════════════════════╗")
	_, _ = cyan.Fprintln(r.out, "║          ILPatch 修补报告              ║")
	_, _ = cyan.Fprintln(r.out, "╚════════════════════════════════════════╝")
}

func (r *Reporter) printBasicInfo() {
	yellow := color.New(color.FgYellow, color.Bold)
	_, _ = yellow.Fprintln(r.out, "\n【程序集信息】")

	r.field("文件路径", r.res.Path)
	if info := r.res.Info; info != nil {
		r.field("文件大小", formatSize(info.FileSize))
		r.field("架构", info.Architecture)
		r.field("子系统", info.Subsystem)
		r.field("镜像基址", fmt.Sprintf("0x%X", info.ImageBase))
	}
	r.field("运行时版本", r.res.RuntimeVersion)
	r.field("类型数量", fmt.Sprintf("%d", r.res.TypeCount))

	if info := r.res.Info; info != nil && info.Checksum != nil {
		_, _ = fmt.Fprintf(r.out, "  %-20s: ", "校验和")
		switch {
		case info.Checksum.Stored == 0:
			_, _ = color.New(color.FgHiBlack).Fprint(r.out, "未设置")
		case info.Checksum.Valid:
			_, _ = color.New(color.FgGreen).Fprintf(r.out, "✓ 有效 (0x%08X)", info.Checksum.Stored)
		default:
			_, _ = color.New(color.FgRed, color.Bold).Fprintf(r.out, "✗ 无效 (存储: 0x%08X, 计算: 0x%08X)",
				info.Checksum.Stored, info.Checksum.Computed)
		}
		_, _ = fmt.Fprintln(r.out)
	}

	r.field("备份文件", fmt.Sprintf("%s (%s)", r.res.BackupPath, r.res.Backup))
}

func (r *Reporter) printSections() {
	if r.res.Info == nil {
		return
	}
	sections := r.res.Info.Sections

	yellow := color.New(color.FgYellow, color.Bold)
	_, _ = yellow.Fprintf(r.out, "\n【节区信息】(共 %d 个)\n", len(sections))

	_, _ = fmt.Fprintln(r.out, strings.Repeat("-", 70))
	_, _ = fmt.Fprintf(r.out, "  %-10s %-12s %-12s %-12s %-6s %s\n",
		"名称", "虚拟地址", "虚拟大小", "原始大小", "权限", "熵")
	_, _ = fmt.Fprintln(r.out, strings.Repeat("-", 70))

	for _, s := range sections {
		entropyColor := color.New(color.FgWhite)
		if s.Packed() {
			entropyColor = color.New(color.FgRed, color.Bold)
		}
		_, _ = fmt.Fprintf(r.out, "  %-10s 0x%-10X %-12s %-12s %-6s ",
			s.Name, s.VirtualAddress, formatSize(int64(s.VirtualSize)), formatSize(int64(s.Size)), s.Permissions)
		_, _ = entropyColor.Fprintf(r.out, "%.2f\n", s.Entropy)
	}
}

func (r *Reporter) printTarget() {
	yellow := color.New(color.FgYellow, color.Bold)
	_, _ = yellow.Fprintln(r.out, "\n【目标方法】")

	r.field("方法", r.res.Method)
	if s := r.res.BodySection; s != nil {
		r.field("方法体所在节区", fmt.Sprintf("%s (%s, 熵 %.2f)", s.Name, s.Permissions, s.Entropy))
	}
	if len(r.res.Replaced) > 0 {
		first := r.res.Replaced[0].Offset
		last := r.res.Replaced[len(r.res.Replaced)-1].Offset
		source := "配置偏移"
		if r.res.ByPattern {
			source = "指令模式"
		}
		r.field("范围", fmt.Sprintf("IL_%04X - IL_%04X (第 %d-%d 条指令, 来源: %s)",
			first, last, r.res.Range.Start, r.res.Range.End, source))
	}
	r.field("指令总数", fmt.Sprintf("%d", r.res.Count))
}

func (r *Reporter) printReplaced() {
	yellow := color.New(color.FgYellow, color.Bold)
	_, _ = yellow.Fprintf(r.out, "\n【已替换为nop】(共 %d 条)\n", len(r.res.Replaced))

	limit := len(r.res.Replaced)
	if !r.verbose && limit > maxListed {
		limit = maxListed
	}

	green := color.New(color.FgGreen)
	for _, rep := range r.res.Replaced[:limit] {
		old := &clr.Instruction{Offset: rep.Offset, OpCode: rep.OpCode, Operand: rep.Operand}
		_, _ = fmt.Fprintf(r.out, "  %-40s -> ", old)
		_, _ = green.Fprintln(r.out, "nop")
	}

	if hidden := len(r.res.Replaced) - limit; hidden > 0 {
		_, _ = color.New(color.FgHiBlack).Fprintf(r.out, "  ... (还有 %d 条指令，使用 -v 查看全部)\n", hidden)
	}
}

func (r *Reporter) printWarnings() {
	var warnings []string
	if len(r.res.Candidates) > 1 {
		warnings = append(warnings, fmt.Sprintf("找到 %d 个匹配的方法，已使用第一个: %s",
			len(r.res.Candidates), strings.Join(r.res.Candidates, ", ")))
	}
	if s := r.res.BodySection; s != nil && s.Packed() {
		warnings = append(warnings, fmt.Sprintf("节区 %s 熵值过高 (%.2f)，方法体可能经过加密或压缩，修补可能无效", s.Name, s.Entropy))
	}
	if r.res.Info != nil && r.res.Info.Signed {
		warnings = append(warnings, "文件带有数字签名，修补后签名将失效")
	}
	if r.res.StrongName {
		warnings = append(warnings, "程序集使用强名称签名，修补后强名称校验将失败")
	}
	if len(warnings) == 0 {
		return
	}

	yellow := color.New(color.FgYellow, color.Bold)
	_, _ = yellow.Fprintln(r.out, "\n【警告】")
	for _, w := range warnings {
		_, _ = color.New(color.FgYellow).Fprintf(r.out, "  ⚠ %s\n", w)
	}
}

func (r *Reporter) printStatus() {
	_, _ = fmt.Fprintln(r.out)
	switch {
	case r.res.Unchanged:
		_, _ = color.New(color.FgCyan).Fprintf(r.out, "✓ 方法 %s 已是修补后的状态，未写入文件\n", r.res.Method)
	case r.res.DryRun:
		_, _ = color.New(color.FgCyan).Fprintf(r.out, "演练模式: 方法 %s 可以修补，未写入文件\n", r.res.Method)
	case r.res.Written:
		_, _ = color.New(color.FgGreen, color.Bold).Fprintf(r.out, "✓ 成功修补方法: %s\n", r.res.Method)
	}
	_, _ = fmt.Fprintln(r.out)
}

func (r *Reporter) field(name, value string) {
	_, _ = fmt.Fprintf(r.out, "  %-20s: %s\n", name, value)
}

// PrintError reports a failed run, naming the stage the pipeline stopped at.
func PrintError(w io.Writer, err error) {
	red := color.New(color.FgRed, color.Bold)

	var stageErr *patch.StageError
	if errors.As(err, &stageErr) {
		_, _ = red.Fprintf(w, "\n错误 (停止于阶段: %s): %v\n\n", stageErr.Stage, stageErr.Err)
		return
	}
	_, _ = red.Fprintf(w, "\n错误: %v\n\n", err)
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
