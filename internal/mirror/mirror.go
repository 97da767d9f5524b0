// Package mirror orchestrates a replication run: prime the database from
// the destination, scan the source, and drive a worker pool that picks
// the cheapest strategy per file — hard link to existing content, delta
// against a similar file, or full pipelined copy.
package mirror

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/relinkio/relink/internal/copyengine"
	"github.com/relinkio/relink/internal/event"
	"github.com/relinkio/relink/internal/filedb"
	"github.com/relinkio/relink/internal/filter"
	"github.com/relinkio/relink/internal/fsio"
	"github.com/relinkio/relink/internal/iostat"
	"github.com/relinkio/relink/internal/logx"
	"github.com/relinkio/relink/internal/stats"
)

// Config describes one mirror run.
type Config struct {
	Src string
	Dst string

	Workers      int
	PrimeWorkers int
	MaxHistory   int
	// DBPath persists the file database between runs; empty disables.
	DBPath string
	// PrimeDst scans the existing destination tree into the database
	// before/while copying.
	PrimeDst      bool
	UseSystemCopy bool
	Buffered      fsio.UseBufferedIO
	// BWLimit caps aggregate copy throughput in bytes/sec; 0 = unlimited.
	BWLimit int64
	Filter  *filter.Chain
	Purge   bool
	DryRun  bool
	Verify  bool
	// Resume skips files recorded as completed by a previous interrupted
	// run against the same roots.
	Resume bool

	Events chan<- event.Event
	Log    *logx.Log
}

// Result is the outcome of a run.
type Result struct {
	Stats   stats.Snapshot
	IOStats iostat.IOStats
	// VerifyFailed lists destination-relative paths whose post-copy hash
	// did not match the source.
	VerifyFailed []string
}

// Run executes a mirror, blocking until complete.
func Run(ctx context.Context, cfg Config) (Result, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = min(runtime.NumCPU(), 8)
	}
	if cfg.PrimeWorkers <= 0 {
		cfg.PrimeWorkers = 2
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 500_000
	}

	var lc *logx.Context
	if cfg.Log != nil {
		lc = cfg.Log.NewContext()
	} else {
		lc = logx.Discard()
	}

	var mainStats iostat.IOStats

	srcInfo, err := os.Stat(cfg.Src)
	if err != nil {
		return Result{}, fmt.Errorf("source: %w", err)
	}
	if !srcInfo.IsDir() {
		return Result{}, fmt.Errorf("source %s is not a directory", cfg.Src)
	}
	if err := fsio.CreateDirectory(cfg.Dst, &mainStats); err != nil {
		return Result{}, err
	}

	collector := stats.NewCollector()
	db := filedb.New(lc)
	if cfg.DBPath != "" {
		if err := db.ReadFrom(cfg.DBPath, &mainStats); err != nil {
			lc.Errorf("load database %s: %v", cfg.DBPath, err)
		}
	}

	var cp *Checkpoint
	if cfg.Resume && !cfg.DryRun {
		cp, err = OpenCheckpoint(cfg.Src, cfg.Dst)
		if err != nil {
			lc.Errorf("open checkpoint: %v", err)
			cp = nil
		} else {
			defer cp.Close()
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	// Prime the destination in the background while copies run.
	primeStats := make([]iostat.IOStats, cfg.PrimeWorkers)
	if cfg.PrimeDst {
		event.Emit(cfg.Events, event.Event{Type: event.PrimeStarted, Path: cfg.Dst})
		if err := db.PrimeDirectory(cfg.Dst, &mainStats, true, false); err != nil {
			return Result{}, err
		}
		var primeGroup errgroup.Group
		for i := 0; i < cfg.PrimeWorkers; i++ {
			st := &primeStats[i]
			primeGroup.Go(func() error {
				db.PrimeWait(st)
				return nil
			})
		}
		g.Go(func() error {
			_ = primeGroup.Wait()
			collector.AddFilesPrimed(db.PrimedFiles())
			event.Emit(cfg.Events, event.Event{Type: event.PrimeComplete, Path: cfg.Dst})
			return nil
		})
	}

	// Scan the source into the task channel.
	tasks := make(chan task, cfg.Workers*4)
	sc := &scanner{cfg: cfg, collector: collector, lc: lc}
	g.Go(func() error {
		defer close(tasks)
		return sc.run(gctx, tasks)
	})

	// Copy workers. One limiter instance keeps the bandwidth cap
	// aggregate across the whole pool.
	var limiter *rate.Limiter
	if cfg.BWLimit > 0 {
		limiter = copyengine.NewLimiter(cfg.BWLimit)
	}
	workers := make([]*worker, cfg.Workers)
	for i := range workers {
		workers[i] = newWorker(cfg, db, collector, cp, limiter, cfg.Log)
	}
	for _, w := range workers {
		w := w
		g.Go(func() error {
			return w.run(gctx, tasks)
		})
	}

	runErr := g.Wait()

	if cfg.PrimeDst {
		db.PrimeWait(&mainStats)
	}
	db.GarbageCollect(cfg.MaxHistory)

	result := Result{}

	if cfg.Purge && runErr == nil && !cfg.DryRun {
		if err := purge(ctx, cfg, collector, &mainStats, lc); err != nil {
			lc.Errorf("purge: %v", err)
			if runErr == nil {
				runErr = err
			}
		}
	}

	if cfg.Verify && runErr == nil {
		failed, err := verify(ctx, cfg, &mainStats, lc)
		if err != nil && runErr == nil {
			runErr = err
		}
		result.VerifyFailed = failed
	}

	if cfg.DBPath != "" && !cfg.DryRun {
		if err := db.WriteTo(cfg.DBPath, &mainStats); err != nil {
			lc.Errorf("save database %s: %v", cfg.DBPath, err)
		}
	}

	if cp != nil && runErr == nil {
		// Clean run: the checkpoint has served its purpose.
		_ = cp.Flush()
		_ = cp.Remove()
	}

	// Merge per-worker stats.
	result.IOStats = mainStats
	for _, w := range workers {
		result.IOStats.Merge(&w.st)
	}
	for i := range primeStats {
		result.IOStats.Merge(&primeStats[i])
	}
	result.IOStats.Merge(&sc.st)
	result.Stats = collector.Snapshot()

	event.Emit(cfg.Events, event.Event{Type: event.Done})
	return result, runErr
}

// task is one filesystem entry to replicate.
type task struct {
	relPath    string
	srcPath    string
	dstPath    string
	info       fsio.FileInfo
	symlink    bool
	linkTarget string
}

// scanner walks the source tree depth-first, creating destination
// directories inline and emitting file tasks.
type scanner struct {
	cfg       Config
	collector *stats.Collector
	lc        *logx.Context
	st        iostat.IOStats
}

func (s *scanner) run(ctx context.Context, tasks chan<- task) error {
	event.Emit(s.cfg.Events, event.Event{Type: event.ScanStarted, Path: s.cfg.Src})
	err := s.scanDir(ctx, tasks, s.cfg.Src, s.cfg.Dst, "")
	event.Emit(s.cfg.Events, event.Event{Type: event.ScanComplete})
	return err
}

func (s *scanner) scanDir(ctx context.Context, tasks chan<- task, srcDir, dstDir, rel string) error {
	entries, err := fsio.FindFiles(srcDir, &s.st)
	if err != nil {
		s.lc.Errorf("scan %s: %v", srcDir, err)
		s.collector.AddFilesFailed(1)
		return nil
	}

	for _, e := range entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entryRel := filepath.Join(rel, e.Name)
		srcPath := filepath.Join(srcDir, e.Name)
		dstPath := filepath.Join(dstDir, e.Name)

		if !s.cfg.Filter.Match(entryRel, e.IsDir, e.Info.Size) {
			if !e.IsDir {
				s.collector.AddFilesSkipped(1)
			}
			continue
		}

		switch {
		case e.IsDir:
			if !s.cfg.DryRun {
				if err := fsio.EnsureDirectory(dstPath, &s.st, true); err != nil {
					s.lc.Errorf("create dir %s: %v", dstPath, err)
					s.collector.AddFilesFailed(1)
					continue
				}
				s.collector.AddDirsCreated(1)
			}
			if err := s.scanDir(ctx, tasks, srcPath, dstPath, entryRel); err != nil {
				return err
			}

		case e.Mode&os.ModeSymlink != 0:
			target, err := os.Readlink(srcPath)
			if err != nil {
				s.lc.Errorf("readlink %s: %v", srcPath, err)
				s.collector.AddFilesFailed(1)
				continue
			}
			s.collector.AddFilesScanned(1)
			sendTask(ctx, tasks, task{
				relPath: entryRel, srcPath: srcPath, dstPath: dstPath,
				info: e.Info, symlink: true, linkTarget: target,
			})

		case e.Mode.IsRegular():
			s.collector.AddFilesScanned(1)
			sendTask(ctx, tasks, task{
				relPath: entryRel, srcPath: srcPath, dstPath: dstPath,
				info: e.Info,
			})
		}
	}
	return nil
}

func sendTask(ctx context.Context, tasks chan<- task, t task) {
	select {
	case tasks <- t:
	case <-ctx.Done():
	}
}
