package copyengine

import (
	"fmt"
	"os"

	"github.com/relinkio/relink/internal/fsio"
	"github.com/relinkio/relink/internal/iostat"
)

// LinkResult says what CreateFileLink did.
type LinkResult int

const (
	// LinkCreated: a new hard link now carries the content.
	LinkCreated LinkResult = iota
	// LinkSkippedExisting: the destination already matches the source
	// FileInfo; nothing was touched.
	LinkSkippedExisting
	// LinkNotSupported: the volumes differ or the filesystem refuses hard
	// links; the caller falls back to a copy.
	LinkNotSupported
)

// CreateFileLink hard-links src to dst. An existing destination with equal
// FileInfo counts as done; any other collision is deleted and retried once
// when deleteAndRetry is set.
func CreateFileLink(dst string, info fsio.FileInfo, src string, st *iostat.IOStats, deleteAndRetry bool) (LinkResult, error) {
	for {
		stop := st.CreateLink.Timer()
		err := os.Link(src, dst)
		stop()
		if err == nil {
			return LinkCreated, nil
		}

		switch fsio.KindOf(err) {
		case fsio.KindAlreadyExists:
			other, _, statErr := fsio.GetFileInfo(dst, st)
			if statErr == nil && fsio.Equal(info, other) {
				return LinkSkippedExisting, nil
			}
			if !deleteAndRetry {
				return LinkNotSupported, fmt.Errorf("link %s -> %s: %w", src, dst, err)
			}
			if derr := fsio.DeleteFile(dst, st, true); derr != nil {
				return LinkNotSupported, derr
			}
			deleteAndRetry = false

		case fsio.KindCrossDevice, fsio.KindUnsupported, fsio.KindAccessDenied:
			return LinkNotSupported, nil

		default:
			return LinkNotSupported, fmt.Errorf("link %s -> %s: %w", src, dst, err)
		}
	}
}
