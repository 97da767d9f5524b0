// Package hashx computes the 128-bit content hashes the file database is
// keyed on. The digest is BLAKE3 truncated to 128 bits; link reuse dedups
// across unrelated trees, so the hash has to be collision resistant.
package hashx

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/zeebo/blake3"

	"github.com/relinkio/relink/internal/fsio"
	"github.com/relinkio/relink/internal/iostat"
)

// fileHashBufferSize is used by FileHash when the caller supplies no
// buffer.
const fileHashBufferSize = 512 * 1024

// Hash is a 128-bit content digest. The zero value means invalid/unset.
type Hash struct {
	First  uint64
	Second uint64
}

// Valid reports whether h carries a digest.
func (h Hash) Valid() bool {
	return h.First != 0 || h.Second != 0
}

// Less orders hashes lexicographically on (First, Second).
func (h Hash) Less(o Hash) bool {
	if h.First != o.First {
		return h.First < o.First
	}
	return h.Second < o.Second
}

func (h Hash) String() string {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], h.First)
	binary.LittleEndian.PutUint64(b[8:], h.Second)
	return hex.EncodeToString(b[:])
}

// FromBytes builds a Hash from the first 16 digest bytes.
func FromBytes(d [16]byte) Hash {
	return Hash{
		First:  binary.LittleEndian.Uint64(d[:8]),
		Second: binary.LittleEndian.Uint64(d[8:]),
	}
}

// Context is a per-worker hashing handle. The underlying hasher state is
// allocated lazily on the first builder and reused for every file the
// worker hashes. Time and count land in the worker's iostat.
type Context struct {
	op *iostat.Op
	h  *blake3.Hasher
}

// NewContext creates a worker hash context recording into op.
func NewContext(op *iostat.Op) *Context {
	return &Context{op: op}
}

// NewBuilder starts a hashing session for exactly one file.
func (c *Context) NewBuilder() *Builder {
	if c.h == nil {
		c.h = blake3.New()
	} else {
		c.h.Reset()
	}
	return &Builder{ctx: c}
}

// Builder accumulates one file's bytes into a digest.
type Builder struct {
	ctx *Context
}

// Add feeds data into the session.
func (b *Builder) Add(p []byte) {
	start := time.Now()
	_, _ = b.ctx.h.Write(p)
	b.ctx.op.Time += time.Since(start)
}

// Sum finalizes the session and returns the digest. The builder must not
// be used afterwards.
func (b *Builder) Sum() Hash {
	start := time.Now()
	var d [16]byte
	digest := b.ctx.h.Digest()
	_, _ = digest.Read(d[:])
	b.ctx.op.Time += time.Since(start)
	b.ctx.op.Count++
	return FromBytes(d)
}

// FileHash streams the file at path through a builder. buf is the scratch
// buffer to read with (one of the worker's copy buffers); nil allocates a
// private one.
func FileHash(path string, buf []byte, st *iostat.IOStats, c *Context) (Hash, error) {
	if c == nil {
		c = NewContext(&st.Hash)
	}
	if buf == nil {
		buf = make([]byte, fileHashBufferSize)
	}
	f, err := fsio.OpenFileRead(path, st, fsio.ReadOptions{Buffered: true, Sequential: true})
	if err != nil {
		return Hash{}, err
	}
	b := c.NewBuilder()
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			b.Add(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = f.Close(fsio.AccessRead)
			return Hash{}, fmt.Errorf("hash %s: %w", path, rerr)
		}
	}
	if err := f.Close(fsio.AccessRead); err != nil {
		return Hash{}, err
	}
	h := b.Sum()
	if !h.Valid() {
		// A real digest of all-zero words is vanishingly unlikely but would
		// collide with the unset sentinel; nudge it into validity.
		h.Second = 1
	}
	return h, nil
}
