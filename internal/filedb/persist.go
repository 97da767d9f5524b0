package filedb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/relinkio/relink/internal/fsio"
	"github.com/relinkio/relink/internal/hashx"
	"github.com/relinkio/relink/internal/iostat"
	"github.com/relinkio/relink/internal/pathx"
)

// On-disk format: header (magic, version, record count) followed by one
// record per entry in history order, oldest first. Each record stores the
// full file name plus the length of its key-name suffix; the hash index
// is rebuilt on load.
var dbMagic = [8]byte{'r', 'e', 'l', 'i', 'n', 'k', 'd', 'b'}

const dbVersion uint16 = 1

// WriteTo serializes the database. Entries whose key name is not a suffix
// of the full name cannot be reconstructed and are skipped with a debug
// note; the engine never produces such entries.
func (db *DB) WriteTo(path string, st *iostat.IOStats) error {
	f, err := fsio.OpenFileWrite(path, st, fsio.WriteOptions{Buffered: true, CreateAlways: true})
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(f, 64*1024)

	type entry struct {
		key FileKey
		rec Record
	}
	db.mu.Lock()
	var records []entry
	for n := db.head; n != nil; n = n.next {
		if !strings.HasSuffix(pathx.Fold(n.rec.Name), pathx.Fold(n.key.Name)) {
			db.lc.Debugf("database entry %s has detached key name, not persisted", n.rec.Name)
			continue
		}
		records = append(records, entry{key: n.key, rec: n.rec})
	}
	db.mu.Unlock()

	err = writeHeader(w, uint32(len(records)))
	for _, e := range records {
		if err != nil {
			break
		}
		err = writeRecord(w, e.key, e.rec)
	}
	if err == nil {
		err = w.Flush()
	}
	cerr := f.Close(fsio.AccessWrite)
	if err == nil {
		err = cerr
	}
	if err != nil {
		_ = fsio.DeleteFile(path, st, false)
		return fmt.Errorf("write database %s: %w", path, err)
	}
	return nil
}

// ReadFrom loads a previously written database, replacing the current
// contents. A malformed file leaves the database empty; a missing file
// leaves the current contents as they are. Neither is an error.
func (db *DB) ReadFrom(path string, st *iostat.IOStats) error {
	f, err := fsio.OpenFileRead(path, st, fsio.ReadOptions{Buffered: true, Sequential: true})
	if err != nil {
		if fsio.IsNotExist(err) {
			return nil
		}
		return err
	}
	r := bufio.NewReaderSize(f, 64*1024)

	count, err := readHeader(r)
	if err != nil {
		db.lc.Infof("database %s not loadable: %v", path, err)
		db.mu.Lock()
		db.clearLocked()
		db.mu.Unlock()
		_ = f.Close(fsio.AccessRead)
		return nil
	}

	db.mu.Lock()
	db.clearLocked()
	db.mu.Unlock()

	for i := uint32(0); i < count; i++ {
		key, rec, err := readRecord(r)
		if err != nil {
			db.lc.Infof("database %s truncated at record %d: %v", path, i, err)
			db.mu.Lock()
			db.clearLocked()
			db.mu.Unlock()
			_ = f.Close(fsio.AccessRead)
			return nil
		}
		db.AddToFilesHistory(key, rec.Hash, rec.Name)
	}
	return f.Close(fsio.AccessRead)
}

func writeHeader(w io.Writer, count uint32) error {
	if _, err := w.Write(dbMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dbVersion); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, count)
}

func readHeader(r io.Reader) (uint32, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return 0, err
	}
	if magic != dbMagic {
		return 0, fmt.Errorf("bad magic")
	}
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return 0, err
	}
	if version != dbVersion {
		return 0, fmt.Errorf("unsupported version %d", version)
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return 0, err
	}
	return count, nil
}

func writeRecord(w io.Writer, key FileKey, rec Record) error {
	name := []byte(rec.Name)
	keyLen := len([]byte(key.Name))
	if len(name) >= int(^uint16(0)) || keyLen > len(name) {
		return fmt.Errorf("record name too long: %d bytes", len(name))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(name))); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(keyLen)); err != nil {
		return err
	}
	if _, err := w.Write(name); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(key.Size)); err != nil {
		return err
	}
	nano := uint64(key.LastWriteTime.UnixNano())
	if err := binary.Write(w, binary.LittleEndian, uint32(nano)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(nano>>32)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, rec.Hash.First); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, rec.Hash.Second)
}

func readRecord(r io.Reader) (FileKey, Record, error) {
	var nameLen, keyLen uint16
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return FileKey{}, Record{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
		return FileKey{}, Record{}, err
	}
	if nameLen == 0 || int(nameLen) >= pathx.MaxPath || keyLen > nameLen {
		return FileKey{}, Record{}, fmt.Errorf("bad name lengths %d/%d", nameLen, keyLen)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return FileKey{}, Record{}, err
	}
	var size uint64
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return FileKey{}, Record{}, err
	}
	var lo, hi uint32
	if err := binary.Read(r, binary.LittleEndian, &lo); err != nil {
		return FileKey{}, Record{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &hi); err != nil {
		return FileKey{}, Record{}, err
	}
	var hash hashx.Hash
	if err := binary.Read(r, binary.LittleEndian, &hash.First); err != nil {
		return FileKey{}, Record{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &hash.Second); err != nil {
		return FileKey{}, Record{}, err
	}

	fullName := string(name)
	key := FileKey{
		Name:          fullName[len(fullName)-int(keyLen):],
		LastWriteTime: time.Unix(0, int64(uint64(hi)<<32|uint64(lo))),
		Size:          int64(size),
	}
	return key, Record{Name: fullName, Hash: hash}, nil
}
