// Package platform holds the OS copy primitives used when the caller asks
// for a system copy instead of the pipelined engine.
package platform

import "os"

// Method identifies which syscall strategy performed a copy.
type Method int

const (
	ReadWrite Method = iota
	CopyFileRange
	Sendfile
)

func (m Method) String() string {
	switch m {
	case CopyFileRange:
		return "copy_file_range"
	case Sendfile:
		return "sendfile"
	default:
		return "read_write"
	}
}

// CopyParams describes a whole-file copy into an already-open destination.
type CopyParams struct {
	Dst     *os.File
	SrcPath string
	SrcSize int64
}

// Result reports the outcome of a copy.
type Result struct {
	BytesCopied int64
	Method      Method
}
