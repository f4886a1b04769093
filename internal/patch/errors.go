package patch

import (
	"errors"
	"fmt"
)

// Failure classes. Components wrap one of these so callers can tell a stale
// build from a crash with errors.Is.
var (
	ErrMissingArgument     = errors.New("参数数量错误")
	ErrFileNotFound        = errors.New("目标文件不存在")
	ErrEmptyTargetNoBackup = errors.New("目标文件为空且没有可用备份")
	ErrBackupCreation      = errors.New("创建备份失败")
	ErrLoad                = errors.New("加载程序集失败")
	ErrMethodNotFound      = errors.New("未找到目标方法")
	ErrInvalidOffsetRange  = errors.New("偏移范围无效")
	ErrInvertedRange       = fmt.Errorf("%w: 范围倒置", ErrInvalidOffsetRange)
	ErrPatternNotFound     = errors.New("未找到指令模式")
	ErrAmbiguousPattern    = fmt.Errorf("%w: 模式匹配多处", ErrPatternNotFound)
	ErrWrite               = errors.New("写入失败")
)

// Stage is a state of the patch pipeline.
type Stage int

// Pipeline states in order. A failure leaves the pipeline at the last state
// it reached.
const (
	StageStart Stage = iota
	StageBackupEnsured
	StageLoaded
	StageMethodFound
	StageRangeValidated
	StageNeutralized
	StageWritten
)

func (s Stage) String() string {
	switch s {
	case StageStart:
		return "开始"
	case StageBackupEnsured:
		return "备份就绪"
	case StageLoaded:
		return "已加载"
	case StageMethodFound:
		return "已定位方法"
	case StageRangeValidated:
		return "范围已验证"
	case StageNeutralized:
		return "已替换为nop"
	case StageWritten:
		return "已写入"
	default:
		return fmt.Sprintf("未知阶段(%d)", int(s))
	}
}

// StageError records where the pipeline stopped.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Exit codes, one per failure class.
const (
	ExitOK           = 0
	ExitOther        = 1
	ExitUsage        = 2
	ExitEmptyTarget  = 3
	ExitBackup       = 4
	ExitLoad         = 5
	ExitNotFound     = 6
	ExitInvalidRange = 7
	ExitWrite        = 8
)

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrMissingArgument), errors.Is(err, ErrFileNotFound):
		return ExitUsage
	case errors.Is(err, ErrEmptyTargetNoBackup):
		return ExitEmptyTarget
	case errors.Is(err, ErrBackupCreation):
		return ExitBackup
	case errors.Is(err, ErrLoad):
		return ExitLoad
	case errors.Is(err, ErrMethodNotFound):
		return ExitNotFound
	case errors.Is(err, ErrInvalidOffsetRange), errors.Is(err, ErrPatternNotFound):
		return ExitInvalidRange
	case errors.Is(err, ErrWrite):
		return ExitWrite
	default:
		return ExitOther
	}
}
