package patch

import (
	"fmt"

	"github.com/spf13/afero"

	"github.com/ZacharyZcR/ILPatch/internal/clr"
)

// Load reads the whole target into memory and parses it. The file is closed
// before Load returns, so the module holds no handle on the target path.
// Debug symbols are never opened.
func Load(fsys afero.Fs, path string) (*clr.Module, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("%w: 读取文件失败: %v", ErrLoad, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: 文件为空", ErrLoad)
	}

	m, err := clr.Parse(path, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	return m, nil
}
