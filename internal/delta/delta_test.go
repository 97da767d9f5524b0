package delta

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChooseBlockSize(t *testing.T) {
	assert.Equal(t, 512, ChooseBlockSize(100))
	assert.Equal(t, 1024, ChooseBlockSize(1024*1024))
	assert.Equal(t, 131072, ChooseBlockSize(1<<40))
}

func roundTrip(t *testing.T, basis, src []byte) []Op {
	t.Helper()
	sig, err := ComputeSignature(bytes.NewReader(basis), int64(len(basis)))
	require.NoError(t, err)

	ops, err := Match(bytes.NewReader(src), sig)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, Apply(bytes.NewReader(basis), ops, &out))
	require.True(t, bytes.Equal(src, out.Bytes()), "reconstructed file differs")
	return ops
}

func TestIdenticalFilesAllBlocksMatch(t *testing.T) {
	data := bytes.Repeat([]byte("identical block content! "), 40_000) // ~1 MB
	ops := roundTrip(t, data, data)

	matched, literal := Stats(ops)
	assert.NotZero(t, matched)
	assert.Zero(t, literal)
}

func TestAppendOnlyChange(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	basis := make([]byte, 512*1024)
	_, _ = rng.Read(basis)

	src := append(append([]byte(nil), basis...), []byte("appended tail data")...)
	ops := roundTrip(t, basis, src)

	matched, literal := Stats(ops)
	assert.NotZero(t, matched)
	assert.Less(t, literal, int64(64*1024), "literal bytes should stay near the appended size")
}

func TestCompletelyDifferentFiles(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	basis := make([]byte, 128*1024)
	src := make([]byte, 128*1024)
	_, _ = rng.Read(basis)
	_, _ = rng.Read(src)

	ops := roundTrip(t, basis, src)
	matched, literal := Stats(ops)
	assert.Zero(t, matched)
	assert.Equal(t, int64(len(src)), literal)
}

func TestEmptyBasis(t *testing.T) {
	src := bytes.Repeat([]byte("no basis at all "), 1000)
	ops := roundTrip(t, nil, src)
	require.Len(t, ops, 1)
	assert.Equal(t, -1, ops[0].BlockIdx)
}

func TestEmptySource(t *testing.T) {
	basis := []byte("something")
	ops := roundTrip(t, basis, nil)
	assert.Empty(t, ops)
}

func TestLargeLiteralsAreCompressed(t *testing.T) {
	// Compressible source with no overlap with the basis.
	basis := bytes.Repeat([]byte{0xFF}, 64*1024)
	src := bytes.Repeat([]byte("compress me "), 16*1024)

	sig, err := ComputeSignature(bytes.NewReader(basis), int64(len(basis)))
	require.NoError(t, err)
	ops, err := Match(bytes.NewReader(src), sig)
	require.NoError(t, err)

	var sawCompressed bool
	for _, op := range ops {
		if op.BlockIdx < 0 && op.Compressed {
			sawCompressed = true
			assert.Less(t, len(op.Literal), op.Length)
		}
	}
	assert.True(t, sawCompressed)

	var out bytes.Buffer
	require.NoError(t, Apply(bytes.NewReader(basis), ops, &out))
	assert.True(t, bytes.Equal(src, out.Bytes()))
}

func TestMiddleEdit(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	basis := make([]byte, 256*1024)
	_, _ = rng.Read(basis)

	src := append([]byte(nil), basis...)
	copy(src[100_000:], []byte("surgical edit in the middle"))

	ops := roundTrip(t, basis, src)
	matched, _ := Stats(ops)
	assert.NotZero(t, matched)
}
