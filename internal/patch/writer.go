package patch

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/afero"
)

// TempSuffix is appended to the target path for the staging file.
const TempSuffix = ".tmp"

// WriteAtomic stages the output in <path>.tmp and renames it over path only
// after write, Sync and Close all succeed. On any failure the staging file is
// removed and path is left as it was. The target's permission bits are kept.
func WriteAtomic(fsys afero.Fs, path string, write func(io.Writer) error) (err error) {
	mode := os.FileMode(0o644)
	if info, statErr := fsys.Stat(path); statErr == nil {
		mode = info.Mode().Perm()
	} else if !errors.Is(statErr, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrWrite, statErr)
	}

	tmp := path + TempSuffix
	f, err := fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("%w: 创建临时文件失败: %v", ErrWrite, err)
	}

	closed := false
	defer func() {
		if err == nil {
			return
		}
		if !closed {
			_ = f.Close()
		}
		_ = fsys.Remove(tmp)
	}()

	if err = write(f); err != nil {
		return fmt.Errorf("%w: 写入临时文件失败: %v", ErrWrite, err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("%w: 同步临时文件失败: %v", ErrWrite, err)
	}
	closed = true
	if err = f.Close(); err != nil {
		return fmt.Errorf("%w: 关闭临时文件失败: %v", ErrWrite, err)
	}
	if err = fsys.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: 替换目标文件失败: %v", ErrWrite, err)
	}

	return nil
}

// writeBytes adapts a byte slice to WriteAtomic.
func writeBytes(data []byte) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}
}
