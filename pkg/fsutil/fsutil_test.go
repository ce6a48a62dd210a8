package fsutil

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOwner(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *Owner
		wantErr bool
	}{
		{name: "empty", input: "", want: nil},
		{name: "valid", input: "1000:100", want: &Owner{UID: 1000, GID: 100}},
		{name: "missing gid", input: "1000", wantErr: true},
		{name: "bad uid", input: "root:100", wantErr: true},
		{name: "bad gid", input: "1000:users", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOwner(tt.input)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "table.csv")

	require.NoError(t, os.WriteFile(path, []byte("old"), 0o600))

	err := WriteAtomic(path, 0o644, nil, func(w io.Writer) error {
		_, err := io.WriteString(w, "new")

		return err
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteAtomic_FailureKeepsOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "table.csv")

	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	boom := errors.New("boom")

	err := WriteAtomic(path, 0o644, nil, func(w io.Writer) error {
		_, _ = io.WriteString(w, "partial")

		return boom
	})
	require.ErrorIs(t, err, boom)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMkdirAll(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "7", "ensembles")

	require.NoError(t, MkdirAll(path, 0o755, nil))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Existing directories are fine.
	require.NoError(t, MkdirAll(path, 0o755, nil))
}

func TestOwnerChown_Nil(t *testing.T) {
	var o *Owner

	assert.NoError(t, o.Chown(filepath.Join(t.TempDir(), "missing")))
}
