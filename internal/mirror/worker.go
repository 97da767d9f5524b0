package mirror

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/relinkio/relink/internal/copyengine"
	"github.com/relinkio/relink/internal/delta"
	"github.com/relinkio/relink/internal/event"
	"github.com/relinkio/relink/internal/filedb"
	"github.com/relinkio/relink/internal/fsio"
	"github.com/relinkio/relink/internal/hashx"
	"github.com/relinkio/relink/internal/iostat"
	"github.com/relinkio/relink/internal/logx"
	"github.com/relinkio/relink/internal/stats"
)

// deltaLiteralCutoff: when more than this fraction (in fourths) of a file
// would travel as literal bytes, a full copy is cheaper than a delta.
const deltaLiteralCutoff = 3 // 3/4

// worker processes file tasks. Each worker owns its CopyContext,
// HashContext and IOStats for its whole lifetime.
type worker struct {
	cfg       Config
	db        *filedb.DB
	collector *stats.Collector
	cp        *Checkpoint

	cc *copyengine.Context
	hc *hashx.Context
	st iostat.IOStats
	lc *logx.Context
}

func newWorker(cfg Config, db *filedb.DB, collector *stats.Collector, cp *Checkpoint, limiter *rate.Limiter, log *logx.Log) *worker {
	w := &worker{
		cfg:       cfg,
		db:        db,
		collector: collector,
		cp:        cp,
		cc:        copyengine.NewContext(),
	}
	w.hc = hashx.NewContext(&w.st.Hash)
	// The limiter is shared by all workers so the cap stays aggregate.
	w.cc.SetLimiter(limiter)
	if log != nil {
		w.lc = log.NewContext()
	} else {
		w.lc = logx.Discard()
	}
	return w
}

// run drains the task channel. While no task is ready it helps with
// pending prime scans instead of idling.
func (w *worker) run(ctx context.Context, tasks <-chan task) error {
	for {
		select {
		case t, ok := <-tasks:
			if !ok {
				return nil
			}
			w.process(ctx, t)
		case <-ctx.Done():
			return ctx.Err()
		default:
			if !w.db.PrimeUpdate(&w.st) {
				select {
				case t, ok := <-tasks:
					if !ok {
						return nil
					}
					w.process(ctx, t)
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

func (w *worker) process(ctx context.Context, t task) {
	var err error
	if t.symlink {
		err = w.processSymlink(t)
	} else {
		err = w.processFile(ctx, t)
	}
	if err != nil {
		w.lc.Errorf("%s: %v", t.relPath, err)
		w.collector.AddFilesFailed(1)
		event.Emit(w.cfg.Events, event.Event{Type: event.FileFailed, Path: t.relPath, Error: err})
	}
}

func (w *worker) processSymlink(t task) error {
	if w.cfg.DryRun {
		w.collector.AddFilesSkipped(1)
		return nil
	}
	if err := fsio.DeleteFile(t.dstPath, &w.st, false); err != nil {
		return err
	}
	if err := os.Symlink(t.linkTarget, t.dstPath); err != nil {
		return fmt.Errorf("symlink %s -> %s: %w", t.dstPath, t.linkTarget, err)
	}
	w.collector.AddFilesCopied(1)
	event.Emit(w.cfg.Events, event.Event{Type: event.FileCopied, Path: t.relPath})
	return nil
}

func (w *worker) processFile(ctx context.Context, t task) error {
	destKey := filedb.FileKey{
		Name:          t.relPath,
		LastWriteTime: t.info.LastWriteTime,
		Size:          t.info.Size,
	}

	// A previous interrupted run already finished this file.
	if w.cp != nil && w.cp.IsCompleted(t.relPath, t.info.Size, t.info.LastWriteTime.UnixNano()) {
		w.collector.AddFilesSkipped(1)
		event.Emit(w.cfg.Events, event.Event{Type: event.FileSkipped, Path: t.relPath})
		return nil
	}

	// Unchanged destination: skip, but refresh the database entry so it
	// stays hot in the history.
	if dstInfo, _, err := fsio.GetFileInfo(t.dstPath, &w.st); err == nil && fsio.Equal(dstInfo, t.info) {
		if rec := w.db.GetRecord(destKey); rec.Hash.Valid() {
			w.db.AddToFilesHistory(destKey, rec.Hash, t.dstPath)
		}
		w.collector.AddFilesSkipped(1)
		event.Emit(w.cfg.Events, event.Event{Type: event.FileSkipped, Path: t.relPath})
		return nil
	}

	if w.cfg.DryRun {
		w.collector.AddFilesSkipped(1)
		event.Emit(w.cfg.Events, event.Event{Type: event.FileSkipped, Path: t.relPath})
		return nil
	}

	// Strategy 1: hard link to existing content. Worth a source hash pass
	// only when the database knows any content at all.
	var srcHash hashx.Hash
	if w.db.HistorySize() > 0 {
		h, err := hashx.FileHash(t.srcPath, w.cc.Buffer(0), &w.st, w.hc)
		if err != nil {
			return err
		}
		srcHash = h
		if done, err := w.tryLink(t, destKey, srcHash); err != nil {
			return err
		} else if done {
			return nil
		}
	}

	// Strategy 2: delta against a similar file.
	if !w.cfg.UseSystemCopy && t.info.Size >= delta.MinFileSize {
		if done, err := w.tryDelta(t, destKey, srcHash); err == nil && done {
			return nil
		} else if err != nil {
			w.lc.Debugf("delta %s failed, falling back to copy: %v", t.relPath, err)
		}
	}

	// Strategy 3: full copy, hashing in flight unless already hashed.
	opts := copyengine.Options{
		SrcInfo:       &t.info,
		UseSystemCopy: w.cfg.UseSystemCopy,
		Buffered:      w.cfg.Buffered,
	}
	if !srcHash.Valid() && !w.cfg.UseSystemCopy {
		opts.WithHash = true
		opts.HashContext = w.hc
	}
	result, err := copyengine.CopyFile(ctx, t.srcPath, t.dstPath, opts, w.cc, &w.st)
	if err != nil {
		return err
	}

	hash := srcHash
	if !hash.Valid() {
		hash = result.Hash
	}
	w.finish(t, destKey, hash)
	w.collector.AddFilesCopied(1)
	w.collector.AddBytesCopied(result.BytesCopied)
	event.Emit(w.cfg.Events, event.Event{Type: event.FileCopied, Path: t.relPath, Bytes: result.BytesCopied})
	return nil
}

// tryLink creates a hard link when the database already holds identical
// content somewhere in the destination tree.
func (w *worker) tryLink(t task, destKey filedb.FileKey, srcHash hashx.Hash) (bool, error) {
	rec := w.db.GetRecordByHash(srcHash)
	if !rec.Hash.Valid() || rec.Name == t.dstPath {
		return false, nil
	}

	result, err := copyengine.CreateFileLink(t.dstPath, t.info, rec.Name, &w.st, true)
	if err != nil {
		// A vanished or unusable link target is recoverable; fall through
		// to copy.
		w.lc.Debugf("link %s -> %s: %v", t.dstPath, rec.Name, err)
		return false, nil
	}
	if result == copyengine.LinkNotSupported {
		return false, nil
	}

	w.finish(t, destKey, srcHash)
	w.collector.AddLinksCreated(1)
	w.collector.AddBytesLinked(t.info.Size)
	event.Emit(w.cfg.Events, event.Event{Type: event.LinkCreated, Path: t.relPath, Bytes: t.info.Size})
	return true, nil
}

// tryDelta rebuilds the destination from a similar basis file plus the
// changed bytes. The basis content is verified against its database
// record first; a stale record is evicted and no candidate reported.
func (w *worker) tryDelta(t task, destKey filedb.FileKey, srcHash hashx.Hash) (bool, error) {
	cand, ok := w.db.DeltaCandidate(destKey)
	if !ok || !cand.Record.Hash.Valid() {
		return false, nil
	}

	basisHash, err := hashx.FileHash(cand.Record.Name, w.cc.Buffer(0), &w.st, w.hc)
	if err != nil || basisHash != cand.Record.Hash {
		w.db.RemoveFileHistory(cand.Key)
		if err != nil {
			return false, nil
		}
		w.lc.Debugf("basis %s no longer matches its record, evicted", cand.Record.Name)
		return false, nil
	}

	basis, err := os.Open(cand.Record.Name)
	if err != nil {
		return false, nil
	}
	defer basis.Close()

	basisInfo, err := basis.Stat()
	if err != nil {
		return false, nil
	}
	sig, err := delta.ComputeSignature(basis, basisInfo.Size())
	if err != nil {
		return false, err
	}

	src, err := os.Open(t.srcPath)
	if err != nil {
		return false, err
	}
	ops, err := delta.Match(src, sig)
	src.Close()
	if err != nil {
		return false, err
	}

	matched, literal := delta.Stats(ops)
	if literal*4 > t.info.Size*deltaLiteralCutoff {
		// Mostly-new content: the full copy pipeline wins.
		return false, nil
	}

	// Stage into a tmp name and rename: the destination never holds a
	// half-applied delta.
	tmp := filepath.Join(filepath.Dir(t.dstPath),
		fmt.Sprintf(".%s.%s.relink-tmp", filepath.Base(t.dstPath), uuid.New().String()[:8]))
	defer func() { _ = fsio.DeleteFile(tmp, &w.st, false) }()

	out, err := fsio.OpenFileWrite(tmp, &w.st, fsio.WriteOptions{Buffered: true, CreateAlways: true})
	if err != nil {
		return false, err
	}
	hb := w.hc.NewBuilder()
	if err := delta.Apply(basis, ops, applyWriter{f: out, hb: hb}); err != nil {
		_ = out.Close(fsio.AccessWrite)
		return false, err
	}
	if err := out.SetLastWriteTime(t.info.LastWriteTime); err != nil {
		_ = out.Close(fsio.AccessWrite)
		return false, err
	}
	if err := out.Close(fsio.AccessWrite); err != nil {
		return false, err
	}

	// Corruption gate: the rebuilt file must hash to the source content.
	rebuilt := hb.Sum()
	if srcHash.Valid() && rebuilt != srcHash {
		return false, fmt.Errorf("delta reconstruction of %s does not match source", t.relPath)
	}

	if err := fsio.DeleteFile(t.dstPath, &w.st, false); err != nil {
		return false, err
	}
	if err := fsio.MoveFile(tmp, t.dstPath, &w.st); err != nil {
		return false, err
	}

	hash := srcHash
	if !hash.Valid() {
		hash = rebuilt
	}
	w.finish(t, destKey, hash)
	w.collector.AddDeltasApplied(1)
	w.collector.AddBytesCopied(literal)
	w.collector.AddBytesDelta(t.info.Size - literal)
	w.lc.Debugf("delta %s: %d blocks reused, %d literal bytes", t.relPath, matched, literal)
	event.Emit(w.cfg.Events, event.Event{Type: event.DeltaApplied, Path: t.relPath, Bytes: t.info.Size - literal})
	return true, nil
}

// finish records a successful replication: database insert, bounded
// history, checkpoint mark.
func (w *worker) finish(t task, destKey filedb.FileKey, hash hashx.Hash) {
	w.db.AddToFilesHistory(destKey, hash, t.dstPath)
	if w.db.HistorySize() > w.cfg.MaxHistory {
		w.db.GarbageCollect(w.cfg.MaxHistory)
	}
	if w.cp != nil {
		if err := w.cp.MarkCompleted(t.relPath, t.info.Size, hash.String(), t.info.LastWriteTime.UnixNano()); err != nil {
			w.lc.Debugf("checkpoint %s: %v", t.relPath, err)
		}
	}
}

// applyWriter feeds delta output to both the tmp file and the hash
// builder so reconstruction is verified without a second read.
type applyWriter struct {
	f  *fsio.File
	hb *hashx.Builder
}

func (a applyWriter) Write(p []byte) (int, error) {
	a.hb.Add(p)
	return a.f.Write(p)
}
