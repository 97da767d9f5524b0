package mirror

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/relinkio/relink/internal/event"
	"github.com/relinkio/relink/internal/fsio"
	"github.com/relinkio/relink/internal/iostat"
	"github.com/relinkio/relink/internal/logx"
	"github.com/relinkio/relink/internal/stats"
)

// purge removes destination entries that no longer exist in the source.
// Filtered-out paths were intentionally not copied and are kept. Files go
// first, directories bottom-up.
func purge(ctx context.Context, cfg Config, collector *stats.Collector, st *iostat.IOStats, lc *logx.Context) error {
	var files []string
	var dirs []string

	err := filepath.WalkDir(cfg.Dst, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if path == cfg.Dst {
			return nil
		}

		rel, err := filepath.Rel(cfg.Dst, path)
		if err != nil {
			return nil
		}

		var size int64
		if info, ierr := d.Info(); ierr == nil {
			size = info.Size()
		}
		if !cfg.Filter.Match(rel, d.IsDir(), size) {
			return nil
		}

		if _, err := os.Lstat(filepath.Join(cfg.Src, rel)); err == nil {
			return nil
		}

		if d.IsDir() {
			dirs = append(dirs, rel)
			return filepath.SkipDir
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return err
	}

	for _, rel := range files {
		if err := fsio.DeleteFile(filepath.Join(cfg.Dst, rel), st, false); err != nil {
			lc.Errorf("purge %s: %v", rel, err)
			continue
		}
		collector.AddFilesDeleted(1)
		event.Emit(cfg.Events, event.Event{Type: event.FileDeleted, Path: rel})
	}

	// Deepest first so children go before parents.
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, rel := range dirs {
		full := filepath.Join(cfg.Dst, rel)
		if _, err := fsio.DeleteAllFiles(full, st, false); err != nil {
			lc.Errorf("purge dir %s: %v", rel, err)
			continue
		}
		if err := fsio.RemoveDirectory(full, st, false); err != nil {
			lc.Errorf("purge dir %s: %v", rel, err)
			continue
		}
		collector.AddFilesDeleted(1)
		event.Emit(cfg.Events, event.Event{Type: event.FileDeleted, Path: rel})
	}
	return nil
}
