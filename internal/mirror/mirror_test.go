package mirror

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relinkio/relink/internal/filter"
	"github.com/relinkio/relink/internal/hashx"
	"github.com/relinkio/relink/internal/iostat"
)

func write(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func fileHash(t *testing.T, path string) hashx.Hash {
	t.Helper()
	var st iostat.IOStats
	h, err := hashx.FileHash(path, nil, &st, nil)
	require.NoError(t, err)
	return h
}

func TestFullCopy(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	small := bytes.Repeat([]byte("x"), 1024)
	big := bytes.Repeat([]byte("0123456789abcdef"), 1<<20) // 16 MiB
	tiny := bytes.Repeat([]byte("0123456789"), 10) // 100 bytes

	write(t, src, "small.bin", small)
	write(t, src, filepath.Join("nested", "big.bin"), big)
	write(t, src, filepath.Join("nested", "deep", "tiny.bin"), tiny)

	stamp := time.Date(2023, 11, 5, 6, 7, 8, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(src, "small.bin"), stamp, stamp))

	result, err := Run(context.Background(), Config{Src: src, Dst: dst, Workers: 2})
	require.NoError(t, err)

	assert.Equal(t, int64(3), result.Stats.FilesCopied)
	wantBytes := int64(len(small) + len(big) + len(tiny))
	assert.Equal(t, wantBytes, result.Stats.BytesCopied)

	for _, rel := range []string{"small.bin", "nested/big.bin", "nested/deep/tiny.bin"} {
		srcPath := filepath.Join(src, rel)
		dstPath := filepath.Join(dst, rel)

		srcFi, err := os.Stat(srcPath)
		require.NoError(t, err)
		dstFi, err := os.Stat(dstPath)
		require.NoError(t, err, rel)

		assert.Equal(t, srcFi.Size(), dstFi.Size(), rel)
		assert.True(t, srcFi.ModTime().Equal(dstFi.ModTime()), "mtime %s", rel)
		assert.Equal(t, fileHash(t, srcPath), fileHash(t, dstPath), rel)
	}
}

func TestLinkReuse(t *testing.T) {
	srcA := t.TempDir()
	srcB := t.TempDir()
	dst := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "relink.db")

	content := bytes.Repeat([]byte("shared content block "), 10_000)
	write(t, srcA, filepath.Join("a", "data.bin"), content)

	// First run fills the database.
	_, err := Run(context.Background(), Config{Src: srcA, Dst: dst, DBPath: dbPath, Workers: 1})
	require.NoError(t, err)

	// Second run copies different names with identical content: links, no
	// byte copies.
	write(t, srcB, filepath.Join("b", "other.bin"), content)
	result, err := Run(context.Background(), Config{Src: srcB, Dst: dst, DBPath: dbPath, Workers: 1})
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Stats.LinksCreated)
	assert.Equal(t, int64(0), result.Stats.FilesCopied)
	assert.Equal(t, int64(0), result.Stats.BytesCopied)
	assert.Equal(t, uint64(1), result.IOStats.CreateLink.Count)
	assert.Zero(t, result.IOStats.CopyFile.Count)

	// Same inode, same content.
	fiA, err := os.Stat(filepath.Join(dst, "a", "data.bin"))
	require.NoError(t, err)
	fiB, err := os.Stat(filepath.Join(dst, "b", "other.bin"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(fiA, fiB))
	assert.Equal(t,
		fileHash(t, filepath.Join(dst, "a", "data.bin")),
		fileHash(t, filepath.Join(dst, "b", "other.bin")))
}

func TestDeltaCopy(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "relink.db")

	rng := rand.New(rand.NewSource(17))
	v1 := make([]byte, 512*1024)
	_, _ = rng.Read(v1)
	write(t, src, "foo.bin", v1)

	_, err := Run(context.Background(), Config{Src: src, Dst: dst, DBPath: dbPath, Workers: 1})
	require.NoError(t, err)

	// Version 2: same file, small append.
	v2 := append(append([]byte(nil), v1...), []byte("fresh tail bytes")...)
	write(t, src, "foo.bin", v2)
	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(src, "foo.bin"), later, later))

	result, err := Run(context.Background(), Config{Src: src, Dst: dst, DBPath: dbPath, Workers: 1})
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Stats.DeltasApplied)
	assert.Equal(t, int64(0), result.Stats.FilesCopied)
	assert.Less(t, result.Stats.BytesCopied, int64(len(v2))/2, "delta should move far fewer bytes than a full copy")
	assert.Positive(t, result.Stats.BytesDelta)

	got, err := os.ReadFile(filepath.Join(dst, "foo.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(v2, got))
}

func TestSkipUnchanged(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	write(t, src, "same.bin", []byte("stable content"))

	_, err := Run(context.Background(), Config{Src: src, Dst: dst, Workers: 1})
	require.NoError(t, err)

	result, err := Run(context.Background(), Config{Src: src, Dst: dst, Workers: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Stats.FilesCopied)
	assert.Equal(t, int64(1), result.Stats.FilesSkipped)
}

func TestConcurrentPrimeAndCopy(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	// Pre-existing destination content to prime.
	for i := 0; i < 10; i++ {
		write(t, dst, filepath.Join("existing", fmt.Sprintf("old%d.bin", i)),
			bytes.Repeat([]byte{byte(i)}, 4096))
	}
	// Fresh source content to copy while priming runs.
	for i := 0; i < 10; i++ {
		write(t, src, filepath.Join("incoming", fmt.Sprintf("new%d.bin", i)),
			bytes.Repeat([]byte{byte(100 + i)}, 4096))
	}

	result, err := Run(context.Background(), Config{
		Src: src, Dst: dst,
		Workers: 4, PrimeWorkers: 2, PrimeDst: true,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(10), result.Stats.FilesCopied)
	// At least the pre-existing files were primed; files copied while the
	// prime was still scanning may be picked up too.
	assert.GreaterOrEqual(t, result.Stats.FilesPrimed, int64(10))
	for i := 0; i < 10; i++ {
		assert.FileExists(t, filepath.Join(dst, "incoming", fmt.Sprintf("new%d.bin", i)))
		assert.FileExists(t, filepath.Join(dst, "existing", fmt.Sprintf("old%d.bin", i)))
	}
}

func TestPrimeEnablesLinkReuseWithinOneRun(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	content := bytes.Repeat([]byte("dedup me "), 50_000)
	write(t, dst, filepath.Join("already", "here.bin"), content)
	write(t, src, filepath.Join("fresh", "copy.bin"), content)

	result, err := Run(context.Background(), Config{
		Src: src, Dst: dst,
		Workers: 1, PrimeWorkers: 1, PrimeDst: true,
	})
	require.NoError(t, err)

	// The primed content is found either by the prime finishing first
	// (link) or not (copy); both leave identical content in place.
	assert.Equal(t, int64(1), result.Stats.LinksCreated+result.Stats.FilesCopied)
	assert.Equal(t,
		fileHash(t, filepath.Join(dst, "already", "here.bin")),
		fileHash(t, filepath.Join(dst, "fresh", "copy.bin")))
}

func TestPurge(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	write(t, src, "keep.bin", []byte("keep"))
	write(t, dst, "stale.bin", []byte("stale"))
	write(t, dst, filepath.Join("dead", "branch.bin"), []byte("dead"))

	result, err := Run(context.Background(), Config{Src: src, Dst: dst, Workers: 1, Purge: true})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dst, "keep.bin"))
	assert.NoFileExists(t, filepath.Join(dst, "stale.bin"))
	assert.NoDirExists(t, filepath.Join(dst, "dead"))
	assert.Positive(t, result.Stats.FilesDeleted)
}

func TestFilterExcludes(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	write(t, src, "wanted.bin", []byte("wanted"))
	write(t, src, "scratch.tmp", []byte("scratch"))

	chain := filter.NewChain()
	require.NoError(t, chain.AddExclude("*.tmp"))

	result, err := Run(context.Background(), Config{Src: src, Dst: dst, Workers: 1, Filter: chain})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dst, "wanted.bin"))
	assert.NoFileExists(t, filepath.Join(dst, "scratch.tmp"))
	assert.Equal(t, int64(1), result.Stats.FilesCopied)
	assert.Equal(t, int64(1), result.Stats.FilesSkipped)
}

func TestDryRun(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	write(t, src, filepath.Join("sub", "file.bin"), []byte("not copied"))

	result, err := Run(context.Background(), Config{Src: src, Dst: dst, Workers: 1, DryRun: true})
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(dst, "sub", "file.bin"))
	assert.NoDirExists(t, filepath.Join(dst, "sub"))
	assert.Equal(t, int64(0), result.Stats.FilesCopied)
	assert.Equal(t, int64(1), result.Stats.FilesScanned)
}

func TestVerifyCleanRun(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	write(t, src, "v.bin", bytes.Repeat([]byte("verify"), 10_000))

	result, err := Run(context.Background(), Config{Src: src, Dst: dst, Workers: 1, Verify: true})
	require.NoError(t, err)
	assert.Empty(t, result.VerifyFailed)
}

func TestSymlinkReplicated(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	write(t, src, "target.bin", []byte("pointed at"))
	require.NoError(t, os.Symlink("target.bin", filepath.Join(src, "alias")))

	_, err := Run(context.Background(), Config{Src: src, Dst: dst, Workers: 1})
	require.NoError(t, err)

	target, err := os.Readlink(filepath.Join(dst, "alias"))
	require.NoError(t, err)
	assert.Equal(t, "target.bin", target)
}

func TestDatabasePersistsAcrossRuns(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "state.db")

	write(t, src, "persist.bin", bytes.Repeat([]byte("db"), 2048))

	_, err := Run(context.Background(), Config{Src: src, Dst: dst, DBPath: dbPath, Workers: 1})
	require.NoError(t, err)
	assert.FileExists(t, dbPath)

	// Third tree, same content, fresh names: only the persisted database
	// can know the content is already present.
	src2 := t.TempDir()
	write(t, src2, "renamed.bin", bytes.Repeat([]byte("db"), 2048))
	result, err := Run(context.Background(), Config{Src: src2, Dst: dst, DBPath: dbPath, Workers: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Stats.LinksCreated)
}

func TestResumeSkipsCompleted(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	src := t.TempDir()
	dst := t.TempDir()

	write(t, src, "finished.bin", []byte("already there"))
	fi, err := os.Stat(filepath.Join(src, "finished.bin"))
	require.NoError(t, err)

	// A previous run recorded this file as done.
	cp, err := OpenCheckpoint(src, dst)
	require.NoError(t, err)
	require.NoError(t, cp.MarkCompleted("finished.bin", fi.Size(), "h", fi.ModTime().UnixNano()))
	require.NoError(t, cp.Close())

	result, err := Run(context.Background(), Config{Src: src, Dst: dst, Workers: 1, Resume: true})
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Stats.FilesSkipped)
	assert.Equal(t, int64(0), result.Stats.FilesCopied)
	assert.NoFileExists(t, filepath.Join(dst, "finished.bin"))
}

func TestSourceMustExist(t *testing.T) {
	_, err := Run(context.Background(), Config{
		Src: filepath.Join(t.TempDir(), "absent"),
		Dst: t.TempDir(),
	})
	assert.Error(t, err)
}
