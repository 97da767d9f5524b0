package copyengine

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/relinkio/relink/internal/fsio"
	"github.com/relinkio/relink/internal/hashx"
	"github.com/relinkio/relink/internal/iostat"
	"github.com/relinkio/relink/internal/platform"
)

// Options control one CopyFile call.
type Options struct {
	// SrcInfo, when set, skips the redundant source stat.
	SrcInfo *fsio.FileInfo
	// UseSystemCopy delegates to the OS copy primitive instead of the
	// pipeline.
	UseSystemCopy bool
	// FailIfExists makes an existing destination a reported collision
	// instead of an overwrite.
	FailIfExists bool
	Buffered     fsio.UseBufferedIO
	// WithHash hashes the bytes in flight; Result.Hash carries the digest.
	// Requires HashContext. Ignored for system copies.
	WithHash    bool
	HashContext *hashx.Context
}

// Result reports a finished (or collided) copy.
type Result struct {
	BytesCopied int64
	// Existed is set when FailIfExists stopped the copy.
	Existed bool
	Hash    hashx.Hash
}

// writeHook is a test seam: when non-nil it is consulted before every
// pipeline write with the byte count written so far.
var writeHook func(written int64) error

// CopyFile copies src to dst. On any error after the destination was
// created, the partial destination is deleted before returning.
func CopyFile(ctx context.Context, src, dst string, opts Options, cc *Context, st *iostat.IOStats) (Result, error) {
	srcInfo := opts.SrcInfo
	if srcInfo == nil {
		info, _, err := fsio.GetFileInfo(src, st)
		if err != nil {
			return Result{}, err
		}
		srcInfo = &info
	}

	if opts.UseSystemCopy {
		return systemCopy(src, dst, *srcInfo, opts.FailIfExists, st)
	}
	return pipelineCopy(ctx, src, dst, *srcInfo, opts, cc, st)
}

func systemCopy(src, dst string, srcInfo fsio.FileInfo, failIfExists bool, st *iostat.IOStats) (Result, error) {
	defer st.CopyFile.Timer()()

	dstFile, err := fsio.OpenFileWrite(dst, st, fsio.WriteOptions{
		Buffered:     true,
		CreateAlways: !failIfExists,
	})
	if err != nil {
		if failIfExists && fsio.KindOf(err) == fsio.KindAlreadyExists {
			return Result{Existed: true}, err
		}
		return Result{}, err
	}

	res, err := platform.Copy(platform.CopyParams{
		Dst:     dstFile.OS(),
		SrcPath: src,
		SrcSize: srcInfo.Size,
	})
	if err == nil {
		err = dstFile.SetLastWriteTime(srcInfo.LastWriteTime)
	}
	cerr := dstFile.Close(fsio.AccessWrite)
	if err == nil {
		err = cerr
	}
	if err != nil {
		_ = fsio.DeleteFile(dst, st, false)
		return Result{}, fmt.Errorf("system copy %s -> %s: %w", src, dst, err)
	}
	return Result{BytesCopied: res.BytesCopied}, nil
}

type block struct {
	buf []byte
	n   int
}

// pipelineCopy runs the triple-buffered pipeline. Stage R fills a buffer,
// stage H hashes/throttles it, stage W drains it; with three buffers all
// stages stay in flight at once and byte order is preserved because every
// channel is FIFO and every stage is a single goroutine.
func pipelineCopy(ctx context.Context, src, dst string, srcInfo fsio.FileInfo, opts Options, cc *Context, st *iostat.IOStats) (Result, error) {
	buffered := fsio.ResolveBufferedIO(opts.Buffered, srcInfo.Size)

	srcFile, err := fsio.OpenFileRead(src, st, fsio.ReadOptions{
		Buffered:   buffered,
		Sequential: true,
		SharedRead: true,
	})
	if err != nil {
		return Result{}, err
	}

	dstFile, err := fsio.OpenFileWrite(dst, st, fsio.WriteOptions{
		Buffered:     buffered,
		CreateAlways: !opts.FailIfExists,
	})
	if err != nil {
		_ = srcFile.Close(fsio.AccessRead)
		if opts.FailIfExists && fsio.KindOf(err) == fsio.KindAlreadyExists {
			return Result{Existed: true}, err
		}
		return Result{}, err
	}

	var builder *hashx.Builder
	if opts.WithHash && opts.HashContext != nil {
		builder = opts.HashContext.NewBuilder()
	}

	free := make(chan []byte, len(cc.buffers))
	for i := range cc.buffers {
		free <- cc.buffers[i]
	}
	toHash := make(chan block, len(cc.buffers))
	toWrite := make(chan block, len(cc.buffers))

	g, gctx := errgroup.WithContext(ctx)

	// Stage R.
	g.Go(func() error {
		defer close(toHash)
		for {
			var buf []byte
			select {
			case buf = <-free:
			case <-gctx.Done():
				return gctx.Err()
			}
			n, rerr := srcFile.Read(buf)
			if n > 0 {
				toHash <- block{buf: buf, n: n}
			}
			if rerr == io.EOF {
				return nil
			}
			if rerr != nil {
				return rerr
			}
			if n == 0 {
				// Short read without error: keep going until EOF.
				free <- buf
			}
		}
	})

	// Stage H.
	g.Go(func() error {
		defer close(toWrite)
		for b := range toHash {
			if builder != nil {
				builder.Add(b.buf[:b.n])
			}
			if cc.limiter != nil {
				if err := waitQuota(gctx, cc.limiter, b.n); err != nil {
					return err
				}
			}
			toWrite <- b
		}
		return nil
	})

	// Stage W.
	var written int64
	var padded bool
	g.Go(func() error {
		for b := range toWrite {
			if writeHook != nil {
				if err := writeHook(written); err != nil {
					return err
				}
			}
			p := b.buf[:b.n]
			if dstFile.Direct() && b.n%writeAlign != 0 {
				aligned := alignUp(b.n)
				zero(b.buf[b.n:aligned])
				p = b.buf[:aligned]
				padded = true
			}
			if _, werr := dstFile.Write(p); werr != nil {
				return werr
			}
			written += int64(b.n)
			free <- b.buf
		}
		return nil
	})

	err = g.Wait()
	if err == nil && padded {
		err = dstFile.Truncate(written)
	}
	if err == nil {
		err = dstFile.SetLastWriteTime(srcInfo.LastWriteTime)
	}

	rcerr := srcFile.Close(fsio.AccessRead)
	wcerr := dstFile.Close(fsio.AccessWrite)
	if err == nil {
		err = rcerr
	}
	if err == nil {
		err = wcerr
	}
	if err != nil {
		_ = fsio.DeleteFile(dst, st, false)
		return Result{}, fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}

	result := Result{BytesCopied: written}
	if builder != nil {
		result.Hash = builder.Sum()
	}
	return result, nil
}

// waitQuota reserves n bytes from the limiter in burst-sized pieces, since
// a single reservation may not exceed the limiter burst.
func waitQuota(ctx context.Context, l *rate.Limiter, n int) error {
	for n > 0 {
		chunk := n
		if chunk > l.Burst() {
			chunk = l.Burst()
		}
		if err := l.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func alignUp(n int) int {
	return (n + writeAlign - 1) &^ (writeAlign - 1)
}

func zero(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
