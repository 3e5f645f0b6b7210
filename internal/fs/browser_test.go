package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListDirectoriesFirst(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.ts"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.ts"), []byte("xyz"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "zlib"), 0o755))

	got, err := NewBrowser(0).List(dir, 0)
	require.NoError(t, err)
	require.Len(t, got.Entries, 3)
	assert.Equal(t, "zlib", got.Entries[0].Name)
	assert.Equal(t, "dir", got.Entries[0].Type)
	assert.Equal(t, "a.ts", got.Entries[1].Name)
	assert.Equal(t, int64(3), got.Entries[1].Size)
	assert.Equal(t, "b.ts", got.Entries[2].Name)
	assert.Equal(t, filepath.Dir(dir), got.Parent)
}

func TestListTruncates(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"1", "2", "3"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), nil, 0o644))
	}
	got, err := NewBrowser(2).List(dir, 10)
	require.NoError(t, err)
	assert.Len(t, got.Entries, 2)
	assert.True(t, got.Truncated)
}

func TestListRejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	_, err := NewBrowser(0).List(path, 0)
	assert.ErrorIs(t, err, ErrNotDirectory)
}
