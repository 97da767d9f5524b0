// Package copyengine is the bulk I/O engine: every byte a mirror moves
// flows through a triple-buffered read/hash/write pipeline owned by one
// worker.
package copyengine

import (
	"unsafe"

	"golang.org/x/time/rate"
)

// BufferSize is the transfer granularity of the pipeline.
const BufferSize = 8 << 20

// writeAlign is the alignment direct-I/O writes require. The final
// partial buffer is padded up to it and the file truncated back after.
const writeAlign = 4096

// limiterBurst caps a single rate-limiter reservation.
const limiterBurst = 1 << 20

// Context carries one worker's copy resources: three rotating buffers and
// the optional shared bandwidth limiter. A Context lives as long as its
// worker and is never shared.
type Context struct {
	buffers [3][]byte
	limiter *rate.Limiter
}

// NewContext allocates the buffer set.
func NewContext() *Context {
	c := &Context{}
	for i := range c.buffers {
		c.buffers[i] = alignedBuffer(BufferSize)
	}
	return c
}

// SetLimiter installs a shared bandwidth limiter. Pass nil to remove.
func (c *Context) SetLimiter(l *rate.Limiter) { c.limiter = l }

// NewLimiter builds a limiter capping aggregate throughput at
// bytesPerSec.
func NewLimiter(bytesPerSec int64) *rate.Limiter {
	burst := int64(limiterBurst)
	if bytesPerSec < burst {
		burst = bytesPerSec
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), int(burst))
}

// Buffer exposes one of the context buffers for callers that need scratch
// space between copies (hashing, delta staging).
func (c *Context) Buffer(i int) []byte { return c.buffers[i] }

// alignedBuffer returns a size-byte slice whose base address is aligned
// for direct I/O.
func alignedBuffer(size int) []byte {
	raw := make([]byte, size+writeAlign)
	off := 0
	if rem := uintptr(unsafe.Pointer(&raw[0])) % writeAlign; rem != 0 {
		off = writeAlign - int(rem)
	}
	return raw[off : off+size : off+size]
}
