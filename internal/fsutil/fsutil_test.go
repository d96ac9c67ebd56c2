package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(filepath.Base(path)), 0o644))
}

func TestIsImageFile(t *testing.T) {
	assert.True(t, IsImageFile("a.jpg"))
	assert.True(t, IsImageFile("a.JPEG"))
	assert.True(t, IsImageFile("dir/b.Png"))
	assert.False(t, IsImageFile("a.gif"))
	assert.False(t, IsImageFile("README"))
}

func TestListImages(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"c.png", "a.JPG", "b.jpeg", ".hidden.jpg", "notes.txt"} {
		touch(t, filepath.Join(dir, name))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.jpg"), 0o755))
	names, err := ListImages(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.JPG", "b.jpeg", "c.png"}, names)

	_, err = ListImages(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestListClassDirs(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"nv", "mel", ".cache", "bkl"} {
		require.NoError(t, os.Mkdir(filepath.Join(root, name), 0o755))
	}
	touch(t, filepath.Join(root, "file.jpg"))
	names, err := ListClassDirs(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"bkl", "mel", "nv"}, names)
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.jpg")
	touch(t, src)
	dst := filepath.Join(dir, "dst.jpg")
	require.NoError(t, CopyFile(src, dst))
	content, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "src.jpg", string(content))
	exists, err := FileExists(dst)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = FileExists(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReplaceTildeInDir(t *testing.T) {
	dir, err := ReplaceTildeInDir("/abs/path")
	require.NoError(t, err)
	assert.Equal(t, "/abs/path", dir)
	dir, err = ReplaceTildeInDir("~/data")
	require.NoError(t, err)
	assert.NotContains(t, dir, "~")
}
