package patch

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/afero"
)

// BackupSuffix is appended to the target path for the recovery copy.
const BackupSuffix = ".bak"

// BackupOutcome says what Ensure did.
type BackupOutcome int

const (
	// BackupKept means a usable backup already existed and was left alone.
	BackupKept BackupOutcome = iota
	// BackupCreated means the target was copied to a new backup.
	BackupCreated
	// TargetRestored means an empty target was restored from the backup.
	TargetRestored
)

func (o BackupOutcome) String() string {
	switch o {
	case BackupKept:
		return "已存在"
	case BackupCreated:
		return "已创建"
	case TargetRestored:
		return "已从备份恢复目标文件"
	default:
		return fmt.Sprintf("未知(%d)", int(o))
	}
}

// Backup is the <path>.bak recovery copy of one target. It is created once
// and never overwritten or rotated while it holds data.
type Backup struct {
	fs     afero.Fs
	target string
}

// NewBackup returns the backup for target.
func NewBackup(fsys afero.Fs, target string) *Backup {
	return &Backup{fs: fsys, target: target}
}

// Path returns the backup file path.
func (b *Backup) Path() string {
	return b.target + BackupSuffix
}

// Ensure guarantees a backup exists before the target is mutated. A
// zero-length target is the residue of an interrupted write: it is restored
// from the backup, or the run fails when there is nothing to restore from.
// A zero-length backup is never a restore source and is replaced.
func (b *Backup) Ensure() (BackupOutcome, error) {
	target, err := b.fs.Stat(b.target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrFileNotFound, b.target)
		}
		return 0, fmt.Errorf("%w: %v", ErrBackupCreation, err)
	}

	backupSize, err := b.backupSize()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackupCreation, err)
	}

	if target.Size() == 0 {
		if backupSize <= 0 {
			return 0, fmt.Errorf("%w: %s", ErrEmptyTargetNoBackup, b.Path())
		}
		if err := b.restore(); err != nil {
			return 0, err
		}
		return TargetRestored, nil
	}

	if backupSize > 0 {
		return BackupKept, nil
	}
	if backupSize == 0 {
		if err := b.fs.Remove(b.Path()); err != nil {
			return 0, fmt.Errorf("%w: 删除空备份失败: %v", ErrBackupCreation, err)
		}
	}
	if err := b.create(target.Mode().Perm()); err != nil {
		return 0, err
	}
	return BackupCreated, nil
}

// backupSize returns the backup's size, or -1 when it does not exist.
func (b *Backup) backupSize() (int64, error) {
	info, err := b.fs.Stat(b.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (b *Backup) create(mode os.FileMode) (err error) {
	src, err := b.fs.Open(b.target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackupCreation, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := b.fs.OpenFile(b.Path(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackupCreation, err)
	}

	// A partial backup would later pass for a good one.
	defer func() {
		if err != nil {
			_ = dst.Close()
			_ = b.fs.Remove(b.Path())
		}
	}()

	if _, err = io.Copy(dst, src); err != nil {
		return fmt.Errorf("%w: 复制失败: %v", ErrBackupCreation, err)
	}
	if err = dst.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackupCreation, err)
	}
	if err = dst.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackupCreation, err)
	}

	return nil
}

// restore replaces the target with the backup contents through the same
// staging path as a patch write.
func (b *Backup) restore() error {
	src, err := b.fs.Open(b.Path())
	if err != nil {
		return fmt.Errorf("%w: 打开备份失败: %v", ErrBackupCreation, err)
	}
	defer func() { _ = src.Close() }()

	err = WriteAtomic(b.fs, b.target, func(w io.Writer) error {
		_, err := io.Copy(w, src)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: 从备份恢复失败: %w", ErrBackupCreation, err)
	}
	return nil
}
