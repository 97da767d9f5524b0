package mirror

import (
	"context"
	"os"
	"path/filepath"

	"github.com/relinkio/relink/internal/hashx"
	"github.com/relinkio/relink/internal/iostat"
	"github.com/relinkio/relink/internal/logx"
)

// verify re-hashes every regular destination file against its source and
// returns the relative paths that differ.
func verify(ctx context.Context, cfg Config, st *iostat.IOStats, lc *logx.Context) ([]string, error) {
	var failed []string
	hc := hashx.NewContext(&st.Hash)

	err := filepath.WalkDir(cfg.Dst, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(cfg.Dst, path)
		if err != nil {
			return nil
		}
		srcPath := filepath.Join(cfg.Src, rel)
		if _, err := os.Lstat(srcPath); err != nil {
			return nil // extraneous file, not a copy failure
		}

		srcHash, err := hashx.FileHash(srcPath, nil, st, hc)
		if err != nil {
			lc.Errorf("verify %s: %v", rel, err)
			failed = append(failed, rel)
			return nil
		}
		dstHash, err := hashx.FileHash(path, nil, st, hc)
		if err != nil || srcHash != dstHash {
			lc.Errorf("verify %s: content mismatch", rel)
			failed = append(failed, rel)
		}
		return nil
	})
	return failed, err
}
