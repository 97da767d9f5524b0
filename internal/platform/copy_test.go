package platform

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyWholeFile(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.bin")
	dstPath := filepath.Join(dir, "dst.bin")

	data := bytes.Repeat([]byte("platform copy "), 100_000)
	require.NoError(t, os.WriteFile(srcPath, data, 0o644))

	dst, err := os.Create(dstPath)
	require.NoError(t, err)

	result, err := Copy(CopyParams{Dst: dst, SrcPath: srcPath, SrcSize: int64(len(data))})
	require.NoError(t, err)
	require.NoError(t, dst.Close())

	assert.Equal(t, int64(len(data)), result.BytesCopied)

	got, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestCopyEmptyFile(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(srcPath, nil, 0o644))

	dst, err := os.Create(filepath.Join(dir, "out"))
	require.NoError(t, err)
	defer dst.Close()

	result, err := Copy(CopyParams{Dst: dst, SrcPath: srcPath, SrcSize: 0})
	require.NoError(t, err)
	assert.Zero(t, result.BytesCopied)
}

func TestCopyReadWriteDirect(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src")
	data := bytes.Repeat([]byte{0xAB}, 3*bufferSize+17)
	require.NoError(t, os.WriteFile(srcPath, data, 0o644))

	dst, err := os.Create(filepath.Join(dir, "dst"))
	require.NoError(t, err)

	result, err := copyReadWrite(CopyParams{Dst: dst, SrcPath: srcPath, SrcSize: int64(len(data))})
	require.NoError(t, err)
	require.NoError(t, dst.Close())
	assert.Equal(t, int64(len(data)), result.BytesCopied)

	got, err := os.ReadFile(filepath.Join(dir, "dst"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestMethodString(t *testing.T) {
	assert.Equal(t, "copy_file_range", CopyFileRange.String())
	assert.Equal(t, "sendfile", Sendfile.String())
	assert.Equal(t, "read_write", ReadWrite.String())
}
