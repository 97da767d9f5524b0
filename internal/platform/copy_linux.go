//go:build linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// Copy moves the whole source file into params.Dst using the cheapest
// strategy the kernel and filesystems allow: copy_file_range, then
// sendfile, then pread/pwrite.
func Copy(params CopyParams) (Result, error) {
	preallocate(params.Dst, params.SrcSize)

	result, err := copyFileRange(params)
	if err == nil {
		return result, nil
	}
	if !isFallbackErr(err) {
		return result, err
	}

	result, err = copySendfile(params)
	if err == nil {
		return result, nil
	}
	if !isFallbackErr(err) {
		return result, err
	}

	return copyReadWrite(params)
}

func copyFileRange(params CopyParams) (Result, error) {
	src, err := os.Open(params.SrcPath)
	if err != nil {
		return Result{}, err
	}
	defer src.Close()

	var roff, woff int64
	remaining := params.SrcSize
	var total int64
	for remaining > 0 {
		n, err := unix.CopyFileRange(int(src.Fd()), &roff, int(params.Dst.Fd()), &woff, int(remaining), 0)
		if err != nil {
			if total == 0 {
				return Result{Method: CopyFileRange}, err
			}
			return Result{BytesCopied: total, Method: CopyFileRange}, err
		}
		if n == 0 {
			break
		}
		remaining -= int64(n)
		total += int64(n)
	}
	return Result{BytesCopied: total, Method: CopyFileRange}, nil
}

func copySendfile(params CopyParams) (Result, error) {
	src, err := os.Open(params.SrcPath)
	if err != nil {
		return Result{}, err
	}
	defer src.Close()

	var offset int64
	remaining := params.SrcSize
	var total int64
	for remaining > 0 {
		n, err := unix.Sendfile(int(params.Dst.Fd()), int(src.Fd()), &offset, int(remaining))
		if err != nil {
			if total == 0 {
				return Result{Method: Sendfile}, err
			}
			return Result{BytesCopied: total, Method: Sendfile}, err
		}
		if n == 0 {
			break
		}
		remaining -= int64(n)
		total += int64(n)
	}
	return Result{BytesCopied: total, Method: Sendfile}, nil
}

// preallocate reserves destination space up front. Advisory: filesystems
// without fallocate just ignore us.
func preallocate(f *os.File, size int64) {
	if size <= 0 {
		return
	}
	_ = unix.Fallocate(int(f.Fd()), 0, 0, size)
}
