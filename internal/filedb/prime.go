package filedb

import (
	"os"
	"time"

	"github.com/relinkio/relink/internal/fsio"
	"github.com/relinkio/relink/internal/hashx"
	"github.com/relinkio/relink/internal/iostat"
)

// primeHashBufferSize is the scratch buffer each PrimeUpdate call reads
// with.
const primeHashBufferSize = 512 * 1024

// PrimeDirectory queues dir for a background scan that hashes every file
// below it into the database. With useRelativePath the stored key names
// are relative to dir; otherwise they are base names. With flush the call
// drains the queue before returning.
func (db *DB) PrimeDirectory(dir string, st *iostat.IOStats, useRelativePath, flush bool) error {
	dir = ensureTrailingSep(dir)
	rootLen := 0
	if useRelativePath {
		rootLen = len(dir)
	}

	db.primeMu.Lock()
	db.primeDirs = append(db.primeDirs, primeDir{dir: dir, rootLen: rootLen})
	db.primeMu.Unlock()

	if flush {
		for db.PrimeUpdate(st) {
		}
		db.PrimeWait(st)
	}
	return nil
}

// PrimeUpdate advances prime work by one directory. Returns true when any
// progress was made; false means the queue was empty.
func (db *DB) PrimeUpdate(st *iostat.IOStats) bool {
	db.primeMu.Lock()
	if len(db.primeDirs) == 0 {
		db.primeMu.Unlock()
		return false
	}
	rec := db.primeDirs[0]
	db.primeDirs = db.primeDirs[1:]
	db.primeActive++
	db.primeMu.Unlock()

	defer func() {
		db.primeMu.Lock()
		db.primeActive--
		db.primeMu.Unlock()
	}()

	entries, err := fsio.FindFiles(rec.dir, st)
	if err != nil {
		db.lc.Errorf("prime scan %s: %v", rec.dir, err)
		return true
	}

	hc := hashx.NewContext(&st.Hash)
	buf := make([]byte, primeHashBufferSize)

	for _, e := range entries {
		full := rec.dir + e.Name
		if e.IsDir {
			db.primeMu.Lock()
			db.primeDirs = append(db.primeDirs, primeDir{
				dir:     full + string(os.PathSeparator),
				rootLen: rec.rootLen,
			})
			db.primeMu.Unlock()
			continue
		}
		if !e.Mode.IsRegular() {
			continue
		}

		hash, err := hashx.FileHash(full, buf, st, hc)
		if err != nil {
			db.lc.Errorf("prime hash %s: %v", full, err)
			continue
		}

		name := e.Name
		if rec.rootLen > 0 && rec.rootLen <= len(full) {
			name = full[rec.rootLen:]
		}
		db.AddToFilesHistory(FileKey{
			Name:          name,
			LastWriteTime: e.Info.LastWriteTime,
			Size:          e.Info.Size,
		}, hash, full)
		db.primedFiles.Add(1)
	}
	return true
}

// PrimedFiles returns the number of files inserted by prime scans.
func (db *DB) PrimedFiles() int64 {
	return db.primedFiles.Load()
}

// PrimeWait blocks until the queue is empty and no scan is in flight,
// helping with the remaining work instead of spinning idle.
func (db *DB) PrimeWait(st *iostat.IOStats) {
	for {
		if db.PrimeUpdate(st) {
			continue
		}
		db.primeMu.Lock()
		idle := db.primeActive == 0 && len(db.primeDirs) == 0
		db.primeMu.Unlock()
		if idle {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// PrimeQueueLen reports queued directories plus scans in flight.
func (db *DB) PrimeQueueLen() int {
	db.primeMu.Lock()
	defer db.primeMu.Unlock()
	return len(db.primeDirs) + db.primeActive
}

func ensureTrailingSep(dir string) string {
	if len(dir) == 0 {
		return string(os.PathSeparator)
	}
	last := dir[len(dir)-1]
	if last == '/' || last == '\\' {
		return dir
	}
	return dir + string(os.PathSeparator)
}
