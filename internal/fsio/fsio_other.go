//go:build !linux

package fsio

import (
	"io/fs"
	"os"
	"time"
)

// openDirect has no portable direct-I/O flag outside Linux; opens are
// always buffered.
func openDirect(path string, flags int, perm os.FileMode, direct bool) (*os.File, bool, error) {
	_ = direct
	f, err := os.OpenFile(path, flags, perm)
	return f, false, err
}

func adviseSequential(*os.File) {}

func setHandleTimes(f *os.File, t time.Time) error {
	return os.Chtimes(f.Name(), t, t)
}

func creationTime(fs.FileInfo) time.Time {
	return time.Time{}
}

// ProcessesUsingResource is unsupported here; callers treat "" as
// unknown.
func ProcessesUsingResource(string) string { return "" }
