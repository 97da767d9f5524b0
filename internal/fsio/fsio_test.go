package fsio

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relinkio/relink/internal/iostat"
)

func TestResolveBufferedIO(t *testing.T) {
	assert.True(t, ResolveBufferedIO(BufferedEnabled, 1<<30))
	assert.False(t, ResolveBufferedIO(BufferedDisabled, 10))
	assert.True(t, ResolveBufferedIO(BufferedAuto, NoBufferingThreshold-1))
	assert.False(t, ResolveBufferedIO(BufferedAuto, NoBufferingThreshold))
}

func TestParseBufferedIO(t *testing.T) {
	for _, s := range []string{"", "auto"} {
		m, err := ParseBufferedIO(s)
		require.NoError(t, err)
		assert.Equal(t, BufferedAuto, m)
	}
	m, err := ParseBufferedIO("on")
	require.NoError(t, err)
	assert.Equal(t, BufferedEnabled, m)
	_, err = ParseBufferedIO("sideways")
	assert.Error(t, err)
}

func TestReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.bin")
	var st iostat.IOStats

	w, err := OpenFileWrite(path, &st, WriteOptions{Buffered: true, CreateAlways: true})
	require.NoError(t, err)
	_, err = w.Write([]byte("hello fsio"))
	require.NoError(t, err)
	require.NoError(t, w.Close(AccessWrite))

	r, err := OpenFileRead(path, &st, ReadOptions{Buffered: true, Sequential: true})
	require.NoError(t, err)
	buf := make([]byte, 32)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello fsio", string(buf[:n]))
	_, err = r.Read(buf)
	assert.Equal(t, io.EOF, err)
	require.NoError(t, r.Close(AccessRead))

	assert.Equal(t, uint64(1), st.CreateWrite.Count)
	assert.Equal(t, uint64(1), st.CreateRead.Count)
	assert.Equal(t, uint64(1), st.Write.Count)
	assert.Equal(t, uint64(1), st.CloseRead.Count)
	assert.Equal(t, uint64(1), st.CloseWrite.Count)
}

func TestOpenFileWriteFailIfExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exists.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	var st iostat.IOStats

	_, err := OpenFileWrite(path, &st, WriteOptions{Buffered: true, CreateAlways: false})
	require.Error(t, err)
	assert.Equal(t, KindAlreadyExists, KindOf(err))
}

func TestSetLastWriteTime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stamped.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	var st iostat.IOStats

	want := time.Date(2021, 3, 14, 15, 9, 26, 535897932, time.UTC)
	require.NoError(t, SetLastWriteTime(path, want, &st))

	info, _, err := GetFileInfo(path, &st)
	require.NoError(t, err)
	assert.True(t, info.LastWriteTime.Equal(want))
}

func TestEqualIgnoresCreationTime(t *testing.T) {
	now := time.Now()
	a := FileInfo{LastWriteTime: now, Size: 7, CreationTime: now}
	b := FileInfo{LastWriteTime: now, Size: 7}
	assert.True(t, Equal(a, b))
	b.Size = 8
	assert.False(t, Equal(a, b))
}

func TestDeleteFileMissing(t *testing.T) {
	dir := t.TempDir()
	var st iostat.IOStats
	missing := filepath.Join(dir, "nope")

	assert.NoError(t, DeleteFile(missing, &st, false))
	err := DeleteFile(missing, &st, true)
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestDeleteAllFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a", "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "top.txt"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "mid.txt"), []byte("2"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "b", "leaf.txt"), []byte("3"), 0o644))
	var st iostat.IOStats

	n, err := DeleteAllFiles(dir, &st, true)
	require.NoError(t, err)
	assert.Equal(t, 5, n) // 3 files + 2 dirs

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEnsureDirectoryReplacesSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	require.NoError(t, os.Mkdir(target, 0o755))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(target, link))
	var st iostat.IOStats

	require.NoError(t, EnsureDirectory(link, &st, true))
	fi, err := os.Lstat(link)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestFindFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("abc"), 0o644))
	var st iostat.IOStats

	entries, err := FindFiles(dir, &st)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byName := map[string]FindData{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	assert.True(t, byName["sub"].IsDir)
	assert.False(t, byName["f.txt"].IsDir)
	assert.Equal(t, int64(3), byName["f.txt"].Info.Size)
	assert.Equal(t, uint64(1), st.FindFile.Count)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(fs.ErrNotExist))
	assert.Equal(t, KindCrossDevice, KindOf(&os.LinkError{Op: "link", Old: "a", New: "b", Err: syscall.EXDEV}))
	assert.Equal(t, KindUnsupported, KindOf(syscall.ENOTSUP))
	assert.Equal(t, KindAlreadyExists, KindOf(&os.PathError{Op: "open", Path: "x", Err: syscall.EEXIST}))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestSetFileWritable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ro.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	require.NoError(t, SetFileWritable(path, false))
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, fi.Mode().Perm()&0o222)

	require.NoError(t, SetFileWritable(path, true))
	fi, err = os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode().Perm()&0o200)
}
