// Package filedb is the content-addressed index of destination files that
// link-based reuse and delta transfer decide against.
//
// Three structures move in lockstep under one mutex: the primary key map,
// the hash index into it, and the insertion-ordered history used for
// bounded eviction. Records are heap nodes that double as intrusive
// history links, so removal is O(1) with no back-pointer into a map
// (rehashing can never invalidate anything).
package filedb

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/relinkio/relink/internal/hashx"
	"github.com/relinkio/relink/internal/logx"
	"github.com/relinkio/relink/internal/pathx"
)

// FileKey identifies one version of a file: case-insensitive name, last
// write time, size.
type FileKey struct {
	Name          string
	LastWriteTime time.Time
	Size          int64
}

// Less orders keys by folded name, then write time, then size.
func (k FileKey) Less(o FileKey) bool {
	if c := pathx.CompareFold(k.Name, o.Name); c != 0 {
		return c < 0
	}
	if !k.LastWriteTime.Equal(o.LastWriteTime) {
		return k.LastWriteTime.Before(o.LastWriteTime)
	}
	return k.Size < o.Size
}

// Equal reports whether two keys identify the same file version.
func (k FileKey) Equal(o FileKey) bool {
	return pathx.EqualFold(k.Name, o.Name) &&
		k.LastWriteTime.Equal(o.LastWriteTime) &&
		k.Size == o.Size
}

// Record is what a lookup returns: the full path of the indexed file and
// its content hash. A zero-hash record means "not found".
type Record struct {
	Name string
	Hash hashx.Hash
}

// node is one database entry; prev/next are its history links.
type node struct {
	key        FileKey
	rec        Record
	seq        uint64
	prev, next *node
}

// mapKey is the folded form of a FileKey used as map key.
type mapKey struct {
	name  string
	mtime int64
	size  int64
}

func foldKey(k FileKey) mapKey {
	return mapKey{
		name:  pathx.Fold(k.Name),
		mtime: k.LastWriteTime.UnixNano(),
		size:  k.Size,
	}
}

type primeDir struct {
	dir     string
	rootLen int
}

// DB is the file database. The zero value is not usable; call New.
type DB struct {
	mu     sync.Mutex
	files  map[mapKey]*node
	hashes map[hashx.Hash]*node
	names  map[string]map[*node]struct{} // folded base name -> nodes
	head   *node
	tail   *node
	count  int
	seq    uint64

	primeMu     sync.Mutex
	primeDirs   []primeDir
	primeActive int
	primedFiles atomic.Int64

	lc *logx.Context
}

// New creates an empty database logging through lc (nil discards).
func New(lc *logx.Context) *DB {
	if lc == nil {
		lc = logx.Discard()
	}
	return &DB{
		files:  make(map[mapKey]*node),
		hashes: make(map[hashx.Hash]*node),
		names:  make(map[string]map[*node]struct{}),
		lc:     lc,
	}
}

// GetRecord returns the record for key, or a zero record if absent.
func (db *DB) GetRecord(key FileKey) Record {
	db.mu.Lock()
	defer db.mu.Unlock()
	if n, ok := db.files[foldKey(key)]; ok {
		return n.rec
	}
	return Record{}
}

// GetRecordByHash returns the record for a content hash, or a zero
// record.
func (db *DB) GetRecordByHash(hash hashx.Hash) Record {
	db.mu.Lock()
	defer db.mu.Unlock()
	if n, ok := db.hashes[hash]; ok {
		return n.rec
	}
	return Record{}
}

// HistorySize returns the number of entries.
func (db *DB) HistorySize() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.count
}

// Candidate is a delta basis: the entry's key plus its record.
type Candidate struct {
	Key    FileKey
	Record Record
}

// FindFileForDeltaCopy looks for a good delta basis for key: an entry
// with the same base name but a different key. The most recently touched
// candidate wins.
func (db *DB) FindFileForDeltaCopy(key FileKey) (string, bool) {
	c, ok := db.DeltaCandidate(key)
	if !ok {
		return "", false
	}
	return c.Record.Name, true
}

// DeltaCandidate is FindFileForDeltaCopy with the full entry, so the
// caller can verify the basis content and evict a stale record.
func (db *DB) DeltaCandidate(key FileKey) (Candidate, bool) {
	base := pathx.Fold(pathx.BaseName(key.Name))
	db.mu.Lock()
	defer db.mu.Unlock()

	var best *node
	for n := range db.names[base] {
		if n.key.Equal(key) {
			continue
		}
		if best == nil || n.seq > best.seq {
			best = n
		}
	}
	if best == nil {
		return Candidate{}, false
	}
	return Candidate{Key: best.key, Record: best.rec}, true
}

// AddToFilesHistory inserts or touches key. A touch moves the entry to
// the history tail and refreshes hash and name. Only valid hashes enter
// the hash index.
func (db *DB) AddToFilesHistory(key FileKey, hash hashx.Hash, fullFileName string) {
	mk := foldKey(key)
	db.mu.Lock()
	defer db.mu.Unlock()

	db.seq++
	if n, ok := db.files[mk]; ok {
		db.unlink(n)
		db.pushTail(n)
		if n.rec.Hash != hash && db.hashes[n.rec.Hash] == n {
			delete(db.hashes, n.rec.Hash)
		}
		n.rec = Record{Name: fullFileName, Hash: hash}
		n.seq = db.seq
		if hash.Valid() {
			db.hashes[hash] = n
		}
		return
	}

	n := &node{
		key: key,
		rec: Record{Name: fullFileName, Hash: hash},
		seq: db.seq,
	}
	db.files[mk] = n
	db.pushTail(n)
	db.count++
	if hash.Valid() {
		db.hashes[hash] = n
	}
	base := pathx.Fold(pathx.BaseName(key.Name))
	set := db.names[base]
	if set == nil {
		set = make(map[*node]struct{})
		db.names[base] = set
	}
	set[n] = struct{}{}
}

// RemoveFileHistory removes key from all three structures.
func (db *DB) RemoveFileHistory(key FileKey) {
	mk := foldKey(key)
	db.mu.Lock()
	defer db.mu.Unlock()

	n, ok := db.files[mk]
	if !ok {
		return
	}
	db.remove(mk, n)
}

// GarbageCollect evicts from the history head until at most maxHistory
// entries remain. Returns the number removed.
func (db *DB) GarbageCollect(maxHistory int) int {
	db.mu.Lock()
	defer db.mu.Unlock()

	removed := 0
	for db.count > maxHistory && db.head != nil {
		n := db.head
		db.remove(foldKey(n.key), n)
		removed++
	}
	return removed
}

// remove erases n from every index. Caller holds db.mu.
func (db *DB) remove(mk mapKey, n *node) {
	if db.hashes[n.rec.Hash] == n {
		delete(db.hashes, n.rec.Hash)
	}
	base := pathx.Fold(pathx.BaseName(n.key.Name))
	if set := db.names[base]; set != nil {
		delete(set, n)
		if len(set) == 0 {
			delete(db.names, base)
		}
	}
	db.unlink(n)
	delete(db.files, mk)
	db.count--
}

func (db *DB) pushTail(n *node) {
	n.prev = db.tail
	n.next = nil
	if db.tail != nil {
		db.tail.next = n
	} else {
		db.head = n
	}
	db.tail = n
}

func (db *DB) unlink(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		db.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		db.tail = n.prev
	}
	n.prev = nil
	n.next = nil
}

// historyKeys returns every key oldest-first. Test and persistence
// helper.
func (db *DB) historyKeys() []FileKey {
	db.mu.Lock()
	defer db.mu.Unlock()
	keys := make([]FileKey, 0, db.count)
	for n := db.head; n != nil; n = n.next {
		keys = append(keys, n.key)
	}
	return keys
}

// clearLocked resets the database to empty. Caller holds db.mu.
func (db *DB) clearLocked() {
	db.files = make(map[mapKey]*node)
	db.hashes = make(map[hashx.Hash]*node)
	db.names = make(map[string]map[*node]struct{})
	db.head = nil
	db.tail = nil
	db.count = 0
}
