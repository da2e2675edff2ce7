// Package kvfile implements the keyed blob store adapter: a thin,
// process-safe contract over a single on-disk file that maps opaque
// byte-string keys to opaque byte-string values, with OS-level advisory
// locking so that multiple server worker processes sharing a data
// directory serialize correctly (spec §4.2).
//
// Each collection name maps to one kvfile at <data_dir>/<name>. The
// on-disk record framing here is private to the adapter — it is not the
// collection blob format implemented by internal/blob, which is what
// gets stored as the *value* half of a record.
package kvfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Fetch when the key has no record.
var ErrNotFound = errors.New("kvfile: key not found")

// Mode selects how the underlying file is opened.
type Mode int

const (
	// ReadOnly opens an existing file for reading only; Open fails if
	// the file does not exist.
	ReadOnly Mode = iota
	// ReadWrite creates the file if it is missing and allows Store and
	// Delete.
	ReadWrite
)

// LockKind distinguishes the two advisory lock modes the adapter
// exposes: many readers may hold a Shared lock concurrently, but an
// Exclusive lock excludes all other lock holders.
type LockKind int

const (
	Shared LockKind = iota
	Exclusive
)

const (
	magic = "CKV1"

	opPut byte = iota
	opDelete

	crcSize    = 4
	keyLenSize = 4
	valLenSize = 4
	opSize     = 1

	recordPrefixSize = crcSize + keyLenSize + valLenSize + opSize
)

// File is one open keyed blob store file.
type File struct {
	path string
	mode Mode

	f    *os.File
	lock *flock.Flock
	log  *logrus.Logger

	index  map[string]int64 // key -> record offset of latest version
	offset int64            // current end of file

	iterKeys []string
	iterPos  int
}

// Open opens (or, in ReadWrite mode, creates) the keyed file at path and
// rebuilds its in-memory key index by scanning existing records.
func Open(path string, mode Mode, log *logrus.Logger) (*File, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	flags := os.O_RDONLY
	if mode == ReadWrite {
		flags = os.O_CREATE | os.O_RDWR
	}

	existed := true
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("kvfile: stat %s: %w", path, err)
		}
		existed = false
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("kvfile: open %s: %w", path, err)
	}

	kf := &File{
		path:  path,
		mode:  mode,
		f:     f,
		lock:  flock.New(path + ".lock"),
		log:   log,
		index: make(map[string]int64),
	}

	if !existed {
		if _, err := kf.f.WriteString(magic); err != nil {
			kf.f.Close()
			return nil, fmt.Errorf("kvfile: write header %s: %w", path, err)
		}
		kf.offset = int64(len(magic))
		return kf, nil
	}

	if err := kf.rebuildIndex(); err != nil {
		kf.f.Close()
		return nil, err
	}
	return kf, nil
}

func (kf *File) rebuildIndex() error {
	header := make([]byte, len(magic))
	n, err := io.ReadFull(kf.f, header)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("kvfile: read header %s: %w", kf.path, err)
	}
	if n < len(magic) || string(header) != magic {
		return fmt.Errorf("kvfile: %s: %w", kf.path, ErrBadHeader)
	}

	offset := int64(len(magic))
	r := bufio.NewReader(io.NewSectionReader(kf.f, offset, 1<<62))

	for {
		prefix := make([]byte, recordPrefixSize)
		if _, err := io.ReadFull(r, prefix); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("kvfile: read record at offset %d in %s: %w", offset, kf.path, err)
		}

		keyLen := int(binary.BigEndian.Uint32(prefix[crcSize:]))
		valLen := int(binary.BigEndian.Uint32(prefix[crcSize+keyLenSize:]))
		op := prefix[crcSize+keyLenSize+valLenSize]

		body := make([]byte, keyLen+valLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return fmt.Errorf("kvfile: read record body at offset %d in %s: %w", offset, kf.path, err)
		}

		crc := crc32.ChecksumIEEE(append(append([]byte{}, prefix[crcSize:]...), body...))
		if crc != binary.BigEndian.Uint32(prefix[:crcSize]) {
			return fmt.Errorf("kvfile: checksum mismatch at offset %d in %s: %w", offset, kf.path, ErrCorrupt)
		}

		key := string(body[:keyLen])
		recordSize := int64(recordPrefixSize + keyLen + valLen)
		switch op {
		case opPut:
			kf.index[key] = offset
		case opDelete:
			delete(kf.index, key)
		}
		offset += recordSize
	}

	kf.offset = offset
	return nil
}

// ErrBadHeader is returned when a file's magic header does not match.
var ErrBadHeader = errors.New("kvfile: bad file header")

// ErrCorrupt is returned when a record's checksum does not match.
var ErrCorrupt = errors.New("kvfile: checksum mismatch")

// Lock acquires the adapter's advisory, cross-process lock in the given
// mode. It blocks until the lock is available, then reloads the key
// index and end offset from disk so records appended by other processes
// since Open are seen.
func (kf *File) Lock(kind LockKind) error {
	var err error
	if kind == Exclusive {
		err = kf.lock.Lock()
	} else {
		err = kf.lock.RLock()
	}
	if err != nil {
		return fmt.Errorf("kvfile: lock %s: %w", kf.path, err)
	}
	if _, err := kf.f.Seek(0, io.SeekStart); err != nil {
		kf.lock.Unlock()
		return fmt.Errorf("kvfile: seek %s: %w", kf.path, err)
	}
	kf.index = make(map[string]int64)
	if err := kf.rebuildIndex(); err != nil {
		kf.lock.Unlock()
		return err
	}
	return nil
}

// Unlock releases a lock taken with Lock.
func (kf *File) Unlock() error {
	if err := kf.lock.Unlock(); err != nil {
		return fmt.Errorf("kvfile: unlock %s: %w", kf.path, err)
	}
	return nil
}

// Fetch returns the value stored for key, or ErrNotFound.
func (kf *File) Fetch(key []byte) ([]byte, error) {
	offset, ok := kf.index[string(key)]
	if !ok {
		return nil, ErrNotFound
	}

	prefix := make([]byte, recordPrefixSize)
	if _, err := kf.f.ReadAt(prefix, offset); err != nil {
		return nil, fmt.Errorf("kvfile: read record at offset %d in %s: %w", offset, kf.path, err)
	}
	keyLen := int(binary.BigEndian.Uint32(prefix[crcSize:]))
	valLen := int(binary.BigEndian.Uint32(prefix[crcSize+keyLenSize:]))

	body := make([]byte, keyLen+valLen)
	if _, err := kf.f.ReadAt(body, offset+recordPrefixSize); err != nil {
		return nil, fmt.Errorf("kvfile: read record body at offset %d in %s: %w", offset, kf.path, err)
	}

	value := make([]byte, valLen)
	copy(value, body[keyLen:])
	return value, nil
}

// Store writes value for key, atomically replacing any prior value for
// that key (replace is accepted for interface parity with spec §4.2;
// this adapter always replaces).
func (kf *File) Store(key, value []byte, replace bool) error {
	_ = replace
	return kf.append(opPut, key, value)
}

// Delete removes key. It is not an error to delete a key that is not
// present.
func (kf *File) Delete(key []byte) error {
	return kf.append(opDelete, key, nil)
}

func (kf *File) append(op byte, key, value []byte) error {
	rec := make([]byte, recordPrefixSize+len(key)+len(value))
	binary.BigEndian.PutUint32(rec[crcSize:], uint32(len(key)))
	binary.BigEndian.PutUint32(rec[crcSize+keyLenSize:], uint32(len(value)))
	rec[crcSize+keyLenSize+valLenSize] = op
	copy(rec[recordPrefixSize:], key)
	copy(rec[recordPrefixSize+len(key):], value)

	crc := crc32.ChecksumIEEE(rec[crcSize:])
	binary.BigEndian.PutUint32(rec, crc)

	offset := kf.offset
	if _, err := kf.f.WriteAt(rec, offset); err != nil {
		return fmt.Errorf("kvfile: write %s: %w", kf.path, err)
	}
	if err := kf.f.Sync(); err != nil {
		return fmt.Errorf("kvfile: sync %s: %w", kf.path, err)
	}

	kf.offset += int64(len(rec))
	switch op {
	case opPut:
		kf.index[string(key)] = offset
	case opDelete:
		delete(kf.index, string(key))
	}
	return nil
}

// FirstKey begins an iteration over the current keys (a snapshot taken
// at the time FirstKey is called) and returns the first one.
func (kf *File) FirstKey() ([]byte, bool) {
	kf.iterKeys = make([]string, 0, len(kf.index))
	for k := range kf.index {
		kf.iterKeys = append(kf.iterKeys, k)
	}
	sort.Strings(kf.iterKeys)
	kf.iterPos = 0
	return kf.nextFromCursor()
}

// NextKey continues the iteration started by FirstKey.
func (kf *File) NextKey() ([]byte, bool) {
	return kf.nextFromCursor()
}

func (kf *File) nextFromCursor() ([]byte, bool) {
	if kf.iterPos >= len(kf.iterKeys) {
		return nil, false
	}
	k := kf.iterKeys[kf.iterPos]
	kf.iterPos++
	return []byte(k), true
}

// Close releases the file handle. It does not release a held Lock;
// callers must Unlock before Close.
func (kf *File) Close() error {
	if err := kf.f.Close(); err != nil {
		return fmt.Errorf("kvfile: close %s: %w", kf.path, err)
	}
	return nil
}
