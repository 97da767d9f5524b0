// Package delta implements block-level delta transfer against a basis
// file already present at the destination. Weak hashes (xxHash) find
// candidate blocks cheaply; strong hashes (BLAKE3) confirm them. Literal
// runs are held zstd-compressed so a mostly-changed file doesn't balloon
// memory while staged.
package delta

import (
	"fmt"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// MinFileSize is the smallest file worth a delta transfer. Below this a
// full copy beats computing signatures.
const MinFileSize = 64 * 1024

// compressThreshold is the smallest literal run worth compressing.
const compressThreshold = 512

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

// BlockSignature holds weak+strong hashes for one basis block.
type BlockSignature struct {
	Index      int
	Offset     int64
	WeakHash   uint64
	StrongHash [32]byte
}

// Signature is the block-level signature of a basis file.
type Signature struct {
	Blocks    []BlockSignature
	BlockSize int
	FileSize  int64
}

// Op is one reconstruction instruction. BlockIdx >= 0 copies a basis
// block; -1 emits literal data.
type Op struct {
	Literal    []byte
	Offset     int64
	BlockIdx   int
	Length     int
	Compressed bool
}

// ChooseBlockSize picks sqrt(fileSize) clamped to [512, 128K].
func ChooseBlockSize(fileSize int64) int {
	bs := int(math.Sqrt(float64(fileSize)))
	if bs < 512 {
		bs = 512
	}
	if bs > 131072 {
		bs = 131072
	}
	return bs
}

// ComputeSignature reads the basis file and hashes it block by block.
func ComputeSignature(r io.Reader, fileSize int64) (Signature, error) {
	blockSize := ChooseBlockSize(fileSize)
	sig := Signature{BlockSize: blockSize, FileSize: fileSize}

	buf := make([]byte, blockSize)
	var offset int64
	idx := 0
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			block := buf[:n]
			sig.Blocks = append(sig.Blocks, BlockSignature{
				Index:      idx,
				Offset:     offset,
				WeakHash:   xxhash.Sum64(block),
				StrongHash: blake3.Sum256(block),
			})
			offset += int64(n)
			idx++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return Signature{}, err
		}
	}
	return sig, nil
}

// Match reads the new file and produces ops against the basis signature.
// Matching blocks reference the basis; everything else becomes (possibly
// compressed) literal data.
func Match(src io.Reader, sig Signature) ([]Op, error) {
	srcData, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}

	if len(sig.Blocks) == 0 {
		if len(srcData) == 0 {
			return nil, nil
		}
		return []Op{literalOp(srcData)}, nil
	}

	type candidate struct {
		index  int
		strong [32]byte
		offset int64
	}
	weakMap := make(map[uint64][]candidate, len(sig.Blocks))
	for _, b := range sig.Blocks {
		weakMap[b.WeakHash] = append(weakMap[b.WeakHash], candidate{
			index:  b.Index,
			strong: b.StrongHash,
			offset: b.Offset,
		})
	}

	blockSize := sig.BlockSize
	var ops []Op
	var literalBuf []byte

	flushLiteral := func() {
		if len(literalBuf) > 0 {
			ops = append(ops, literalOp(literalBuf))
			literalBuf = nil
		}
	}

	i := 0
	for i < len(srcData) {
		end := i + blockSize
		if end > len(srcData) {
			end = len(srcData)
		}
		chunk := srcData[i:end]

		matched := false
		if len(chunk) >= blockSize || i+len(chunk) == len(srcData) {
			weak := xxhash.Sum64(chunk)
			if candidates, ok := weakMap[weak]; ok {
				strong := blake3.Sum256(chunk)
				for _, c := range candidates {
					if c.strong == strong {
						flushLiteral()
						ops = append(ops, Op{
							BlockIdx: c.index,
							Offset:   c.offset,
							Length:   len(chunk),
						})
						i += len(chunk)
						matched = true
						break
					}
				}
			}
		}
		if !matched {
			literalBuf = append(literalBuf, srcData[i])
			i++
		}
	}
	flushLiteral()
	return ops, nil
}

// Apply reconstructs the new file from ops against the basis.
func Apply(basis io.ReadSeeker, ops []Op, dst io.Writer) error {
	for _, op := range ops {
		if op.BlockIdx >= 0 {
			if _, err := basis.Seek(op.Offset, io.SeekStart); err != nil {
				return err
			}
			buf := make([]byte, op.Length)
			if _, err := io.ReadFull(basis, buf); err != nil {
				return err
			}
			if _, err := dst.Write(buf); err != nil {
				return err
			}
			continue
		}
		lit := op.Literal
		if op.Compressed {
			var err error
			lit, err = decoder.DecodeAll(lit, nil)
			if err != nil {
				return fmt.Errorf("decompress literal: %w", err)
			}
			if len(lit) != op.Length {
				return fmt.Errorf("literal length mismatch: got %d want %d", len(lit), op.Length)
			}
		}
		if _, err := dst.Write(lit); err != nil {
			return err
		}
	}
	return nil
}

// Stats reports matched blocks and uncompressed literal bytes.
func Stats(ops []Op) (matchedBlocks int, literalBytes int64) {
	for _, op := range ops {
		if op.BlockIdx >= 0 {
			matchedBlocks++
		} else {
			literalBytes += int64(op.Length)
		}
	}
	return matchedBlocks, literalBytes
}

func literalOp(data []byte) Op {
	op := Op{BlockIdx: -1, Length: len(data)}
	if len(data) >= compressThreshold {
		compressed := encoder.EncodeAll(data, nil)
		if len(compressed) < len(data) {
			op.Literal = compressed
			op.Compressed = true
			return op
		}
	}
	op.Literal = append([]byte(nil), data...)
	return op
}
