// Package fsio provides the uniform file operations every copy flows
// through. All operations record counters and timings into a caller-owned
// iostat.IOStats; errors come back wrapped, classified by KindOf at the
// call site that needs to branch.
package fsio

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/relinkio/relink/internal/iostat"
)

// NoBufferingThreshold is the file size at and above which Auto selects
// unbuffered I/O. Unbuffered reads of large files skip the page cache;
// below the threshold the syscall savings of buffered I/O win.
const NoBufferingThreshold = 16 << 20

// UseBufferedIO selects the buffering strategy for a copy.
type UseBufferedIO int

const (
	BufferedAuto UseBufferedIO = iota
	BufferedEnabled
	BufferedDisabled
)

// ParseBufferedIO maps the CLI spelling to a mode.
func ParseBufferedIO(s string) (UseBufferedIO, error) {
	switch s {
	case "", "auto":
		return BufferedAuto, nil
	case "on", "enabled":
		return BufferedEnabled, nil
	case "off", "disabled":
		return BufferedDisabled, nil
	}
	return BufferedAuto, fmt.Errorf("invalid buffered-io mode %q", s)
}

// ResolveBufferedIO decides whether a file of the given size is copied
// through the page cache. The direct-I/O open falls back to buffered when
// the target filesystem rejects it.
func ResolveBufferedIO(mode UseBufferedIO, fileSize int64) bool {
	switch mode {
	case BufferedEnabled:
		return true
	case BufferedDisabled:
		return false
	default:
		return fileSize < NoBufferingThreshold
	}
}

// AccessType tags a handle close with the direction it was opened for, so
// the right counter is bumped.
type AccessType int

const (
	AccessRead AccessType = iota
	AccessWrite
)

// FileInfo is the attribute triple relink tracks per file.
type FileInfo struct {
	CreationTime  time.Time
	LastWriteTime time.Time
	Size          int64
}

// Equal reports whether two FileInfos describe the same file version.
// Creation time is advisory and not compared.
func Equal(a, b FileInfo) bool {
	return a.Size == b.Size && a.LastWriteTime.Equal(b.LastWriteTime)
}

// GetFileInfo stats path.
func GetFileInfo(path string, st *iostat.IOStats) (FileInfo, fs.FileMode, error) {
	defer st.FileInfo.Timer()()
	fi, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return infoFromOS(fi), fi.Mode(), nil
}

// File wraps an open handle and its stat recording.
type File struct {
	f      *os.File
	path   string
	direct bool
	st     *iostat.IOStats
}

// ReadOptions control OpenFileRead. SharedRead exists for API parity with
// the write side; POSIX opens are always shared.
type ReadOptions struct {
	Buffered   bool
	Sequential bool
	SharedRead bool
}

// WriteOptions control OpenFileWrite.
type WriteOptions struct {
	Buffered bool
	Hidden   bool
	// CreateAlways truncates an existing destination. When false the open
	// fails with KindAlreadyExists if the file is present.
	CreateAlways bool
	SharedRead   bool
}

// OpenFileRead opens path for reading. With Buffered false the open
// requests direct I/O and silently falls back to buffered when the
// filesystem refuses it.
func OpenFileRead(path string, st *iostat.IOStats, o ReadOptions) (*File, error) {
	defer st.CreateRead.Timer()()
	f, direct, err := openDirect(path, os.O_RDONLY, 0, !o.Buffered)
	if err != nil {
		return nil, fmt.Errorf("open %s for read: %w", path, err)
	}
	if o.Sequential {
		adviseSequential(f)
	}
	return &File{f: f, path: path, direct: direct, st: st}, nil
}

// OpenFileWrite opens path for writing, creating it.
func OpenFileWrite(path string, st *iostat.IOStats, o WriteOptions) (*File, error) {
	defer st.CreateWrite.Timer()()
	flags := os.O_WRONLY | os.O_CREATE
	if o.CreateAlways {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	f, direct, err := openDirect(path, flags, 0o644, !o.Buffered)
	if err != nil {
		return nil, fmt.Errorf("open %s for write: %w", path, err)
	}
	// Hidden is a Windows attribute with no POSIX bit; accepted for API
	// parity.
	return &File{f: f, path: path, direct: direct, st: st}, nil
}

// Path returns the path the file was opened with.
func (f *File) Path() string { return f.path }

// Direct reports whether the handle bypasses the page cache. Direct
// handles need length-aligned writes; the copy engine pads and truncates.
func (f *File) Direct() bool { return f.direct }

// OS exposes the underlying descriptor for the platform copy primitives.
func (f *File) OS() *os.File { return f.f }

// Read reads into p, recording stats.
func (f *File) Read(p []byte) (int, error) {
	defer f.st.Read.Timer()()
	n, err := f.f.Read(p)
	if err == io.EOF {
		return n, io.EOF
	}
	if err != nil {
		return n, fmt.Errorf("read %s: %w", f.path, err)
	}
	return n, nil
}

// Write writes p, recording stats. Short writes are errors.
func (f *File) Write(p []byte) (int, error) {
	defer f.st.Write.Timer()()
	n, err := f.f.Write(p)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", f.path, err)
	}
	return n, nil
}

// SetPosition seeks to an absolute offset.
func (f *File) SetPosition(offset int64) error {
	if _, err := f.f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w", f.path, err)
	}
	return nil
}

// Truncate sets the file length. Used to trim direct-I/O write padding.
func (f *File) Truncate(size int64) error {
	if err := f.f.Truncate(size); err != nil {
		return fmt.Errorf("truncate %s: %w", f.path, err)
	}
	return nil
}

// SetLastWriteTime stamps the open handle with t.
func (f *File) SetLastWriteTime(t time.Time) error {
	defer f.st.SetLastWriteTime.Timer()()
	if err := setHandleTimes(f.f, t); err != nil {
		return fmt.Errorf("set mtime %s: %w", f.path, err)
	}
	return nil
}

// Close closes the handle, bumping the counter for the given direction.
func (f *File) Close(access AccessType) error {
	if access == AccessRead {
		defer f.st.CloseRead.Timer()()
	} else {
		defer f.st.CloseWrite.Timer()()
	}
	if err := f.f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", f.path, err)
	}
	return nil
}

// SetLastWriteTime stamps path with t without holding a handle open.
func SetLastWriteTime(path string, t time.Time, st *iostat.IOStats) error {
	defer st.SetLastWriteTime.Timer()()
	if err := os.Chtimes(path, t, t); err != nil {
		return fmt.Errorf("set mtime %s: %w", path, err)
	}
	return nil
}

// CreateFile writes a whole small file with the given content and stamps
// it with info's write time.
func CreateFile(path string, info FileInfo, data []byte, st *iostat.IOStats) error {
	f, err := OpenFileWrite(path, st, WriteOptions{Buffered: true, CreateAlways: true})
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close(AccessWrite)
		_ = DeleteFile(path, st, false)
		return err
	}
	if err := f.SetLastWriteTime(info.LastWriteTime); err != nil {
		_ = f.Close(AccessWrite)
		return err
	}
	return f.Close(AccessWrite)
}

// DeleteFile removes path. With errorOnMissing false a missing file is
// not an error.
func DeleteFile(path string, st *iostat.IOStats, errorOnMissing bool) error {
	defer st.DeleteFile.Timer()()
	if err := os.Remove(path); err != nil {
		if !errorOnMissing && IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// MoveFile renames src to dst.
func MoveFile(src, dst string, st *iostat.IOStats) error {
	defer st.MoveFile.Timer()()
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move %s -> %s: %w", src, dst, err)
	}
	return nil
}

// SetFileWritable toggles the owner write bit.
func SetFileWritable(path string, writable bool) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	mode := fi.Mode().Perm()
	if writable {
		mode |= 0o200
	} else {
		mode &^= 0o222
	}
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

// SetFileHidden exists for API parity; hidden is a Windows attribute and
// POSIX filesystems have no equivalent bit to set.
func SetFileHidden(path string, hidden bool) error {
	_ = path
	_ = hidden
	return nil
}

// CreateDirectory creates dir and missing parents.
func CreateDirectory(dir string, st *iostat.IOStats) error {
	defer st.CreateDir.Timer()()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

// EnsureDirectory creates dir if absent. With replaceIfSymlink a symlink
// occupying the name is removed first.
func EnsureDirectory(dir string, st *iostat.IOStats, replaceIfSymlink bool) error {
	if fi, err := os.Lstat(dir); err == nil {
		if fi.IsDir() {
			return nil
		}
		if fi.Mode()&os.ModeSymlink != 0 && replaceIfSymlink {
			if err := DeleteFile(dir, st, true); err != nil {
				return err
			}
		} else {
			return fmt.Errorf("mkdir %s: %w", dir, fs.ErrExist)
		}
	}
	return CreateDirectory(dir, st)
}

// RemoveDirectory deletes an empty directory.
func RemoveDirectory(dir string, st *iostat.IOStats, errorOnMissing bool) error {
	defer st.RemoveDir.Timer()()
	if err := os.Remove(dir); err != nil {
		if !errorOnMissing && IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("rmdir %s: %w", dir, err)
	}
	return nil
}

// DeleteAllFiles removes everything below dir, leaving dir itself.
// Returns the number of entries removed.
func DeleteAllFiles(dir string, st *iostat.IOStats, errorOnMissing bool) (int, error) {
	entries, err := FindFiles(dir, st)
	if err != nil {
		if !errorOnMissing && IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	deleted := 0
	for _, e := range entries {
		full := filepath.Join(dir, e.Name)
		if e.IsDir {
			n, err := DeleteAllFiles(full, st, errorOnMissing)
			deleted += n
			if err != nil {
				return deleted, err
			}
			if err := RemoveDirectory(full, st, errorOnMissing); err != nil {
				return deleted, err
			}
			deleted++
			continue
		}
		if err := DeleteFile(full, st, errorOnMissing); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// FindData is one directory entry from FindFiles.
type FindData struct {
	Name  string
	Info  FileInfo
	Mode  fs.FileMode
	IsDir bool
}

// FindFiles enumerates dir in one shot. Dot and dot-dot never appear.
func FindFiles(dir string, st *iostat.IOStats) ([]FindData, error) {
	defer st.FindFile.Timer()()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("readdir %s: %w", dir, err)
	}
	out := make([]FindData, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			// Entry vanished between readdir and stat; skip it.
			continue
		}
		out = append(out, FindData{
			Name:  e.Name(),
			Info:  infoFromOS(fi),
			Mode:  fi.Mode(),
			IsDir: e.IsDir(),
		})
	}
	return out, nil
}

func infoFromOS(fi fs.FileInfo) FileInfo {
	info := FileInfo{
		LastWriteTime: fi.ModTime(),
		Size:          fi.Size(),
	}
	info.CreationTime = creationTime(fi)
	return info
}
