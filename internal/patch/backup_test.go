package patch

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupCreatedOnce(t *testing.T) {
	original := []byte("original contents")
	fsys := newFs(t, original)
	backup := NewBackup(fsys, targetPath)
	assert.Equal(t, targetPath+".bak", backup.Path())

	outcome, err := backup.Ensure()
	require.NoError(t, err)
	assert.Equal(t, BackupCreated, outcome)
	assert.Equal(t, original, readFile(t, fsys, backup.Path()))

	first, err := fsys.Stat(backup.Path())
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fsys, targetPath, []byte("patched contents"), 0o644))
	outcome, err = backup.Ensure()
	require.NoError(t, err)
	assert.Equal(t, BackupKept, outcome)

	second, err := fsys.Stat(backup.Path())
	require.NoError(t, err)
	assert.Equal(t, first.ModTime(), second.ModTime())
	assert.Equal(t, original, readFile(t, fsys, backup.Path()))
}

func TestBackupRestoresEmptyTarget(t *testing.T) {
	original := []byte("original contents")
	fsys := newFs(t, nil)
	require.NoError(t, afero.WriteFile(fsys, targetPath+".bak", original, 0o644))

	outcome, err := NewBackup(fsys, targetPath).Ensure()
	require.NoError(t, err)
	assert.Equal(t, TargetRestored, outcome)
	assert.Equal(t, original, readFile(t, fsys, targetPath))
	assert.Equal(t, original, readFile(t, fsys, targetPath+".bak"))
	assertNoFile(t, fsys, targetPath+TempSuffix)
}

func TestBackupEnsureErrors(t *testing.T) {
	tests := []struct {
		name    string
		target  []byte
		backup  []byte // nil: no backup file
		missing bool
		wantErr error
	}{
		{name: "empty target without backup", target: []byte{}, wantErr: ErrEmptyTargetNoBackup},
		{name: "empty target with empty backup", target: []byte{}, backup: []byte{}, wantErr: ErrEmptyTargetNoBackup},
		{name: "missing target", missing: true, wantErr: ErrFileNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := newFs(t, tt.target)
			if tt.missing {
				require.NoError(t, fsys.Remove(targetPath))
			}
			if tt.backup != nil {
				require.NoError(t, afero.WriteFile(fsys, targetPath+".bak", tt.backup, 0o644))
			}

			_, err := NewBackup(fsys, targetPath).Ensure()
			assert.ErrorIs(t, err, tt.wantErr)
			if tt.backup == nil {
				assertNoFile(t, fsys, targetPath+".bak")
			}
		})
	}
}

func TestBackupReplacesEmptyBackup(t *testing.T) {
	original := []byte("original contents")
	fsys := newFs(t, original)
	require.NoError(t, afero.WriteFile(fsys, targetPath+".bak", nil, 0o644))

	outcome, err := NewBackup(fsys, targetPath).Ensure()
	require.NoError(t, err)
	assert.Equal(t, BackupCreated, outcome)
	assert.Equal(t, original, readFile(t, fsys, targetPath+".bak"))
}

func TestBackupCreationFailure(t *testing.T) {
	t.Run("partial copy is removed", func(t *testing.T) {
		fsys := &faultyFs{Fs: newFs(t, []byte("original contents")), failPath: targetPath + ".bak"}

		_, err := NewBackup(fsys, targetPath).Ensure()
		assert.ErrorIs(t, err, ErrBackupCreation)
		assert.ErrorContains(t, err, errDiskFull.Error())
		assertNoFile(t, fsys, targetPath+".bak")
	})

	t.Run("read-only filesystem", func(t *testing.T) {
		fsys := afero.NewReadOnlyFs(newFs(t, []byte("original contents")))

		_, err := NewBackup(fsys, targetPath).Ensure()
		assert.ErrorIs(t, err, ErrBackupCreation)
	})

	t.Run("restore cannot be written", func(t *testing.T) {
		base := newFs(t, nil)
		require.NoError(t, afero.WriteFile(base, targetPath+".bak", []byte("original contents"), 0o644))
		fsys := &faultyFs{Fs: base, failPath: targetPath + TempSuffix}

		_, err := NewBackup(fsys, targetPath).Ensure()
		assert.ErrorIs(t, err, ErrBackupCreation)
		assert.Empty(t, readFile(t, fsys, targetPath))
		assertNoFile(t, fsys, targetPath+TempSuffix)
	})
}

func TestBackupOutcomeString(t *testing.T) {
	assert.Equal(t, "已创建", BackupCreated.String())
	assert.Equal(t, "已存在", BackupKept.String())
	assert.Equal(t, "已从备份恢复目标文件", TargetRestored.String())
}
