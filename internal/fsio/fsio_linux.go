//go:build linux

package fsio

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// openDirect opens path, requesting O_DIRECT when direct is set. Filesystems
// without direct-I/O support reject the flag with EINVAL; the open is then
// retried buffered and the fallback reported in the return value.
func openDirect(path string, flags int, perm os.FileMode, direct bool) (*os.File, bool, error) {
	if direct {
		f, err := os.OpenFile(path, flags|unix.O_DIRECT, perm)
		if err == nil {
			return f, true, nil
		}
		if !errors.Is(err, unix.EINVAL) {
			return nil, false, err
		}
	}
	f, err := os.OpenFile(path, flags, perm)
	return f, false, err
}

func adviseSequential(f *os.File) {
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
}

// setHandleTimes stamps the open descriptor. AT_EMPTY_PATH is the fast
// path; older kernels fall back to the path form.
func setHandleTimes(f *os.File, t time.Time) error {
	ts := unix.NsecToTimespec(t.UnixNano())
	times := []unix.Timespec{ts, ts}
	if err := unix.UtimesNanoAt(int(f.Fd()), "", times, unix.AT_EMPTY_PATH); err != nil {
		if err2 := unix.UtimesNanoAt(unix.AT_FDCWD, f.Name(), times, 0); err2 != nil {
			return err
		}
	}
	return nil
}

func creationTime(fi fs.FileInfo) time.Time {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
	}
	return time.Time{}
}

// ProcessesUsingResource scans /proc for processes holding an open handle
// to path. Best effort: unreadable pids are skipped and any failure yields
// an empty result.
func ProcessesUsingResource(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	procs, err := os.ReadDir("/proc")
	if err != nil {
		return ""
	}
	var holders []string
	for _, p := range procs {
		pid, err := strconv.Atoi(p.Name())
		if err != nil {
			continue
		}
		fdDir := fmt.Sprintf("/proc/%d/fd", pid)
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			target, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil || target != abs {
				continue
			}
			comm, _ := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
			name := strings.TrimSpace(string(comm))
			if name == "" {
				name = "?"
			}
			holders = append(holders, fmt.Sprintf("%s (pid %d)", name, pid))
			break
		}
	}
	return strings.Join(holders, ", ")
}
