package hashx

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relinkio/relink/internal/iostat"
)

func TestHashValidity(t *testing.T) {
	assert.False(t, Hash{}.Valid())
	assert.True(t, Hash{First: 1}.Valid())
	assert.True(t, Hash{Second: 1}.Valid())
}

func TestHashOrdering(t *testing.T) {
	assert.True(t, Hash{First: 1, Second: 9}.Less(Hash{First: 2}))
	assert.True(t, Hash{First: 1, Second: 1}.Less(Hash{First: 1, Second: 2}))
	assert.False(t, Hash{First: 2}.Less(Hash{First: 1, Second: 9}))
}

func TestHashString(t *testing.T) {
	h := Hash{First: 0x0123456789abcdef, Second: 0xfedcba9876543210}
	assert.Len(t, h.String(), 32)

	raw, err := hex.DecodeString(h.String())
	require.NoError(t, err)
	var d [16]byte
	copy(d[:], raw)
	assert.Equal(t, h, FromBytes(d))
}

func TestBuilderDeterminism(t *testing.T) {
	var op iostat.Op
	ctx := NewContext(&op)

	b1 := ctx.NewBuilder()
	b1.Add([]byte("hello "))
	b1.Add([]byte("world"))
	h1 := b1.Sum()

	b2 := ctx.NewBuilder()
	b2.Add([]byte("hello world"))
	h2 := b2.Sum()

	assert.Equal(t, h1, h2)
	assert.True(t, h1.Valid())
	assert.Equal(t, uint64(2), op.Count)
}

func TestBuilderDistinguishesContent(t *testing.T) {
	var op iostat.Op
	ctx := NewContext(&op)

	b1 := ctx.NewBuilder()
	b1.Add([]byte("content a"))
	h1 := b1.Sum()

	b2 := ctx.NewBuilder()
	b2.Add([]byte("content b"))
	h2 := b2.Sum()

	assert.NotEqual(t, h1, h2)
}

func TestFileHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	data := bytes.Repeat([]byte("0123456789abcdef"), 64*1024) // 1 MiB
	require.NoError(t, os.WriteFile(path, data, 0o644))

	var st iostat.IOStats
	ctx := NewContext(&st.Hash)

	h1, err := FileHash(path, nil, &st, ctx)
	require.NoError(t, err)
	h2, err := FileHash(path, nil, &st, ctx)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.True(t, h1.Valid())

	// Matches a single in-memory builder pass.
	b := ctx.NewBuilder()
	b.Add(data)
	assert.Equal(t, b.Sum(), h1)
}

func TestFileHashEmptyFileIsValid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	var st iostat.IOStats
	h, err := FileHash(path, nil, &st, nil)
	require.NoError(t, err)
	assert.True(t, h.Valid())
}

func TestFileHashMissing(t *testing.T) {
	var st iostat.IOStats
	_, err := FileHash(filepath.Join(t.TempDir(), "gone"), nil, &st, nil)
	assert.Error(t, err)
}
