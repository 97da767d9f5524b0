package fsio

import (
	"errors"
	"io/fs"
	"os"
	"syscall"
)

// Kind classifies platform errors into the abstract set the engine
// branches on. Native codes are mapped here, at the boundary, so callers
// never test raw errno values.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAccessDenied
	KindAlreadyExists
	KindCrossDevice
	KindUnsupported
	KindIOFailure
	KindCorrupt
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAccessDenied:
		return "access denied"
	case KindAlreadyExists:
		return "already exists"
	case KindCrossDevice:
		return "cross device"
	case KindUnsupported:
		return "unsupported"
	case KindIOFailure:
		return "io failure"
	case KindCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// KindOf returns the abstract kind of err, unwrapping as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return KindNotFound
	case errors.Is(err, fs.ErrPermission):
		return KindAccessDenied
	case errors.Is(err, fs.ErrExist):
		return KindAlreadyExists
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ENOENT:
			return KindNotFound
		case syscall.EACCES, syscall.EPERM:
			return KindAccessDenied
		case syscall.EEXIST:
			return KindAlreadyExists
		case syscall.EXDEV:
			return KindCrossDevice
		case syscall.ENOTSUP, syscall.EINVAL, syscall.ENOSYS, syscall.EMLINK:
			return KindUnsupported
		case syscall.EIO, syscall.ENOSPC, syscall.EDQUOT:
			return KindIOFailure
		}
	}
	return KindUnknown
}

// ErrorText formats err for log output, including the abstract kind when
// one is known.
func ErrorText(err error) string {
	if err == nil {
		return ""
	}
	if k := KindOf(err); k != KindUnknown {
		return err.Error() + " (" + k.String() + ")"
	}
	return err.Error()
}

// IsNotExist reports whether err means the file or directory is missing.
func IsNotExist(err error) bool {
	return os.IsNotExist(err) || KindOf(err) == KindNotFound
}
