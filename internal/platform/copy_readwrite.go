package platform

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const bufferSize = 1 << 20

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, bufferSize)
		return &b
	},
}

// copyReadWrite is the portable fallback: pread/pwrite with a pooled
// buffer.
func copyReadWrite(params CopyParams) (Result, error) {
	src, err := os.Open(params.SrcPath)
	if err != nil {
		return Result{}, err
	}
	defer src.Close()

	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)
	buf := *bufp

	srcFd := int(src.Fd())
	dstFd := int(params.Dst.Fd())

	var offset, total int64
	for {
		n, err := unix.Pread(srcFd, buf, offset)
		if err != nil {
			return Result{BytesCopied: total}, err
		}
		if n == 0 {
			break
		}
		written := 0
		for written < n {
			w, err := unix.Pwrite(dstFd, buf[written:n], offset+int64(written))
			if err != nil {
				return Result{BytesCopied: total + int64(written)}, err
			}
			written += w
		}
		offset += int64(n)
		total += int64(n)
	}
	return Result{BytesCopied: total}, nil
}

// isFallbackErr reports whether err means "try the next copy strategy"
// rather than a real failure.
func isFallbackErr(err error) bool {
	switch err {
	case unix.ENOSYS, unix.EXDEV, unix.EINVAL, unix.ENOTSUP:
		return true
	}
	if e, ok := err.(*os.PathError); ok {
		return isFallbackErr(e.Err)
	}
	if e, ok := err.(*os.SyscallError); ok {
		return isFallbackErr(e.Err)
	}
	return false
}
