// Package patch neutralizes a range of IL instructions in one method of a
// managed assembly and writes the result back safely.
package patch

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/ZacharyZcR/ILPatch/internal/clr"
	"github.com/ZacharyZcR/ILPatch/internal/pe"
)

// Target identifies the instructions to neutralize. Start and End are IL
// offsets recorded for one known build of the assembly. Pattern, when set,
// is consulted only if the offsets no longer resolve.
type Target struct {
	Class   string
	Method  string
	Start   uint32
	End     uint32
	Pattern string
}

// Result describes a completed run.
type Result struct {
	Path       string
	BackupPath string
	Backup     BackupOutcome

	Info           *pe.Info
	RuntimeVersion string
	TypeCount      int
	StrongName     bool

	Method      string
	Candidates  []string
	BodySection *pe.SectionInfo
	Range       IndexRange
	ByPattern   bool
	Replaced    []Replaced
	Count       int

	// Unchanged is set when the output equals the input, e.g. on a rerun
	// against an already patched file. Nothing is written then.
	Unchanged bool
	DryRun    bool
	Written   bool
}

// Patcher runs the pipeline against one file at a time.
type Patcher struct {
	fs     afero.Fs
	target Target
	log    logrus.FieldLogger
	dryRun bool

	pattern *clr.Pattern
	stage   Stage
}

// Option configures a Patcher.
type Option func(*Patcher)

// WithLogger sets the diagnostic logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Patcher) {
		p.log = log
	}
}

// WithDryRun runs every stage except the write.
func WithDryRun(dryRun bool) Option {
	return func(p *Patcher) {
		p.dryRun = dryRun
	}
}

// NewPatcher creates a patcher for target. An invalid pattern is rejected here
// so a run never starts with an unusable fallback.
func NewPatcher(fsys afero.Fs, target Target, opts ...Option) (*Patcher, error) {
	p := &Patcher{
		fs:     fsys,
		target: target,
		log:    discardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if target.Pattern != "" {
		pattern, err := clr.CompilePattern(target.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPatternNotFound, err)
		}
		p.pattern = pattern
	}

	return p, nil
}

// Stage returns the state the last run reached.
func (p *Patcher) Stage() Stage {
	return p.stage
}

// Run executes Backup → Load → Locate → Validate → Neutralize → Write on
// path. Any failure returns a *StageError and leaves path as it was before
// the run, except for a restore of an empty target from its backup.
func (p *Patcher) Run(path string) (*Result, error) {
	p.stage = StageStart
	res := &Result{Path: path, DryRun: p.dryRun}
	log := p.log.WithField("file", path)

	backup := NewBackup(p.fs, path)
	res.BackupPath = backup.Path()
	outcome, err := backup.Ensure()
	if err != nil {
		return nil, p.fail(err)
	}
	res.Backup = outcome
	p.advance(log, StageBackupEnsured, logrus.Fields{"backup": res.BackupPath, "outcome": outcome.String()})

	module, err := Load(p.fs, path)
	if err != nil {
		return nil, p.fail(err)
	}
	original := module.Image().Bytes()
	res.Info = pe.Describe(module.Image())
	res.RuntimeVersion = module.RuntimeVersion()
	res.TypeCount = len(module.Types())
	res.StrongName = module.StrongNameSigned()
	p.advance(log, StageLoaded, logrus.Fields{"runtime": res.RuntimeVersion, "types": res.TypeCount})

	loc, err := Locate(module, p.target.Class, p.target.Method)
	if err != nil {
		return nil, p.fail(err)
	}
	res.Method = loc.Method.FullName()
	for _, c := range loc.Candidates {
		res.Candidates = append(res.Candidates, c.FullName())
	}
	body, err := loc.Method.Body()
	if err != nil {
		return nil, p.fail(fmt.Errorf("%w: %v", ErrLoad, err))
	}
	if section, ok := pe.SectionAt(module.Image(), loc.Method.RVA); ok {
		res.BodySection = &section
	}
	p.advance(log, StageMethodFound, logrus.Fields{
		"method":       res.Method,
		"token":        loc.Method.Token.String(),
		"instructions": len(body.Instructions),
		"candidates":   len(loc.Candidates),
	})

	r, byPattern, err := p.resolve(body.Instructions)
	if err != nil {
		return nil, p.fail(err)
	}
	res.Range = r
	res.ByPattern = byPattern
	p.advance(log, StageRangeValidated, logrus.Fields{
		"start":   body.Instructions[r.Start].Offset,
		"end":     body.Instructions[r.End].Offset,
		"pattern": byPattern,
	})

	res.Replaced = Neutralize(body.Instructions, r)
	res.Count = len(body.Instructions)
	p.advance(log, StageNeutralized, logrus.Fields{"replaced": len(res.Replaced)})

	out, err := module.Bytes()
	if err != nil {
		return nil, p.fail(fmt.Errorf("%w: %v", ErrWrite, err))
	}
	if bytes.Equal(out, original) {
		res.Unchanged = true
		log.Debug("输出与输入相同，跳过写入")
		return res, nil
	}
	if p.dryRun {
		log.Debug("演练模式，跳过写入")
		return res, nil
	}

	if err := WriteAtomic(p.fs, path, writeBytes(out)); err != nil {
		return nil, p.fail(err)
	}
	res.Written = true
	p.advance(log, StageWritten, logrus.Fields{"size": len(out)})

	return res, nil
}

// resolve validates the configured offsets and, only when they do not
// resolve and a pattern is configured, falls back to the pattern.
func (p *Patcher) resolve(instructions []*clr.Instruction) (IndexRange, bool, error) {
	r, err := ResolveRange(instructions, p.target.Start, p.target.End)
	if err == nil {
		return r, false, nil
	}
	if p.pattern == nil || errors.Is(err, ErrInvertedRange) {
		return IndexRange{}, false, err
	}

	p.log.WithError(err).Debug("偏移无效，尝试指令模式")
	r, patternErr := ResolvePattern(instructions, p.pattern)
	if patternErr != nil {
		return IndexRange{}, false, fmt.Errorf("%w; %w", err, patternErr)
	}
	return r, true, nil
}

func (p *Patcher) advance(log logrus.FieldLogger, stage Stage, fields logrus.Fields) {
	p.stage = stage
	log.WithFields(fields).WithField("stage", stage.String()).Debug("阶段完成")
}

func (p *Patcher) fail(err error) error {
	return &StageError{Stage: p.stage, Err: err}
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
