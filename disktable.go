package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zhangyunhao116/skipmap"
)

// ScratchFile is the backing store of a DiskTable. Closing it releases the
// storage.
type ScratchFile interface {
	io.ReaderAt
	io.WriteSeeker
	io.Closer
	Sync() error
}

// TableOptions tunes the in-memory structures of a DiskTable.
type TableOptions struct {
	BloomFalsePositiveRate float64
	// CacheSize is the number of decoded lookups kept in memory. Zero disables
	// the cache.
	CacheSize int
}

type offsetIndex = skipmap.FuncMap[string, int64]

// DiskTable is an immutable sorted segment with its whole key to offset index
// held in memory. A DiskTable is safe for concurrent lookups.
type DiskTable struct {
	f           ScratchFile
	size        int64
	indexOffset int64
	index       *offsetIndex
	filter      *bloom.BloomFilter
	cache       *lru.Cache[string, Record]
}

// BuildDiskTable writes entries to f and opens the result. Entries must be
// strictly ascending by key; anything else fails with ErrUnsortedInput before
// a byte is written.
func BuildDiskTable(f ScratchFile, entries []Entry, opts TableOptions) (*DiskTable, error) {
	if err := checkSorted(entries); err != nil {
		return nil, err
	}

	// Make room for the header
	if _, err := f.Seek(headerSize, io.SeekStart); err != nil {
		return nil, err
	}

	enc := newEncoder(f, headerSize)
	offsets := make([]int64, len(entries))
	for i, e := range entries {
		if err := enc.writeString(e.Key); err != nil {
			return nil, err
		}
		offsets[i] = enc.off
		if err := writeRecord(enc, e.Record); err != nil {
			return nil, err
		}
	}
	if err := enc.flush(); err != nil {
		return nil, err
	}

	// Jump back, record where the index starts, then return to it
	indexStart := enc.off
	var header [headerSize]byte
	binary.BigEndian.PutUint64(header[:], uint64(indexStart))
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := f.Write(header[:]); err != nil {
		return nil, err
	}
	if _, err := f.Seek(indexStart, io.SeekStart); err != nil {
		return nil, err
	}

	enc = newEncoder(f, indexStart)
	for i, e := range entries {
		if err := enc.writeString(e.Key); err != nil {
			return nil, err
		}
		if err := enc.writeUint64(uint64(offsets[i])); err != nil {
			return nil, err
		}
	}
	if err := enc.flush(); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}

	return OpenDiskTable(f, opts)
}

func checkSorted(entries []Entry) error {
	for i, e := range entries {
		if err := checkKey(e.Key); err != nil {
			return err
		}
		if uint64(len(e.Record.Bytes())) > math.MaxUint32 {
			return fmt.Errorf("sstable: value for %q exceeds %d bytes", e.Key, uint32(math.MaxUint32))
		}
		if i > 0 && entries[i-1].Key >= e.Key {
			return fmt.Errorf("%w: %q at position %d follows %q", ErrUnsortedInput, e.Key, i, entries[i-1].Key)
		}
	}
	return nil
}

func writeRecord(enc *encoder, r Record) error {
	if err := enc.writeByte(r.Kind()); err != nil {
		return err
	}
	if r.IsTombstone() {
		return nil
	}
	return enc.writeBytes(r.Bytes())
}

// OpenDiskTable materializes the index of a segment previously written to f.
func OpenDiskTable(f ScratchFile, opts TableOptions) (*DiskTable, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if size < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorruption, size)
	}

	var header [headerSize]byte
	if n, err := f.ReadAt(header[:], 0); n < headerSize {
		return nil, corrupt("header", err)
	}
	indexOffset := int64(binary.BigEndian.Uint64(header[:]))
	if indexOffset < headerSize || indexOffset > size {
		return nil, fmt.Errorf("%w: index offset %d outside [%d, %d]", ErrCorruption, indexOffset, headerSize, size)
	}

	t := &DiskTable{
		f:           f,
		size:        size,
		indexOffset: indexOffset,
		index: skipmap.NewFunc[string, int64](func(a, b string) bool {
			return a < b
		}),
	}
	if err := t.loadIndex(); err != nil {
		return nil, err
	}

	n := t.index.Len()
	if n == 0 {
		n = 1
	}
	rate := opts.BloomFalsePositiveRate
	if rate <= 0 || rate >= 1 {
		rate = DefaultBloomFalsePositiveRate
	}
	t.filter = bloom.NewWithEstimates(uint(n), rate)
	t.index.Range(func(key string, _ int64) bool {
		t.filter.AddString(key)
		return true
	})

	if opts.CacheSize > 0 {
		t.cache, err = lru.New[string, Record](opts.CacheSize)
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

// loadIndex decodes (key, offset) pairs until no bytes remain. A partial pair
// is corruption, not the end of the index.
func (t *DiskTable) loadIndex() error {
	limit := t.size - t.indexOffset
	r := bufio.NewReader(io.NewSectionReader(t.f, t.indexOffset, limit))
	for {
		key, err := readString(r, limit)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		off, err := readUint64(r)
		if err != nil {
			return corrupt("index offset", err)
		}
		if off < headerSize || int64(off) >= t.indexOffset {
			return fmt.Errorf("%w: offset %d for %q outside the entry section", ErrCorruption, off, key)
		}
		t.index.Store(key, int64(off))
	}
}

// Get returns a copy of the payload stored for key. A tombstone and a missing
// key both report false.
func (t *DiskTable) Get(key string) ([]byte, bool, error) {
	r, ok, err := t.lookup(key)
	if err != nil || !ok || r.IsTombstone() {
		return nil, false, err
	}
	return bytes.Clone(r.Bytes()), true, nil
}

// lookup returns the record for key, tombstones included, with a single
// positioned read of the tag and length followed by the payload.
func (t *DiskTable) lookup(key string) (Record, bool, error) {
	if !t.filter.TestString(key) {
		return Record{}, false, nil
	}
	if t.cache != nil {
		if r, ok := t.cache.Get(key); ok {
			return r, true, nil
		}
	}
	off, ok := t.index.Load(key)
	if !ok {
		return Record{}, false, nil
	}

	r, err := t.readAt(off)
	if err != nil {
		return Record{}, false, fmt.Errorf("lookup %q: %w", key, err)
	}
	if t.cache != nil {
		t.cache.Add(key, r)
	}
	return r, true, nil
}

func (t *DiskTable) readAt(off int64) (Record, error) {
	var head [5]byte
	n, err := t.f.ReadAt(head[:], off)
	if n < 1 {
		return Record{}, corrupt("type tag", err)
	}
	switch head[0] {
	case KindTombstone:
		return Tombstone(), nil
	case KindValue:
	default:
		return Record{}, fmt.Errorf("%w: unknown type tag %d at %d", ErrCorruption, head[0], off)
	}
	if n < len(head) {
		return Record{}, corrupt("value length", err)
	}

	start := off + int64(len(head))
	length := int64(binary.BigEndian.Uint32(head[1:]))
	if start+length > t.indexOffset {
		return Record{}, fmt.Errorf("%w: value at %d overruns the entry section", ErrCorruption, off)
	}
	v := make([]byte, length)
	if n, err := t.f.ReadAt(v, start); n < len(v) {
		return Record{}, corrupt("value", err)
	}
	return Record{kind: KindValue, value: v}, nil
}

func (t *DiskTable) offset(key string) (int64, bool) {
	return t.index.Load(key)
}

// Len returns the number of keys in the segment, tombstones included.
func (t *DiskTable) Len() int {
	return t.index.Len()
}

// IndexOffset returns the position of the trailing index, which is also the
// end of the entry section.
func (t *DiskTable) IndexOffset() int64 {
	return t.indexOffset
}

// Size returns the length of the backing store in bytes.
func (t *DiskTable) Size() int64 {
	return t.size
}

// Close releases the backing store.
func (t *DiskTable) Close() error {
	if t.cache != nil {
		t.cache.Purge()
	}
	return t.f.Close()
}
