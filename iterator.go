package sstable

import (
	"bufio"
	"errors"
	"io"

	"github.com/emirpasic/gods/trees/binaryheap"
)

// Iterator walks entries in ascending key order.
type Iterator interface {
	SeekToFirst()
	Valid() bool
	Next()
	Key() string
	Record() Record
	Error() error
	Close() error
}

// sliceIterator iterates a sorted entry snapshot.
type sliceIterator struct {
	entries []Entry
	pos     int
}

// NewIterator returns an iterator over a snapshot of the memtable taken now.
func (m *MemTable) NewIterator() Iterator {
	entries := m.Entries()
	return &sliceIterator{entries: entries, pos: len(entries)}
}

func (it *sliceIterator) SeekToFirst()   { it.pos = 0 }
func (it *sliceIterator) Valid() bool    { return it.pos < len(it.entries) }
func (it *sliceIterator) Next()          { it.pos++ }
func (it *sliceIterator) Key() string    { return it.entries[it.pos].Key }
func (it *sliceIterator) Record() Record { return it.entries[it.pos].Record }
func (it *sliceIterator) Error() error   { return nil }
func (it *sliceIterator) Close() error   { return nil }

// tableIterator scans the entry section of a DiskTable front to back without
// touching the index.
type tableIterator struct {
	t      *DiskTable
	reader *bufio.Reader
	key    string
	rec    Record
	valid  bool
	err    error
}

// NewIterator returns an iterator over the segment's entries. It is positioned
// by SeekToFirst.
func (t *DiskTable) NewIterator() Iterator {
	return &tableIterator{t: t}
}

func (it *tableIterator) SeekToFirst() {
	section := io.NewSectionReader(it.t.f, headerSize, it.t.indexOffset-headerSize)
	it.reader = bufio.NewReader(section)
	it.err = nil
	it.valid = true
	it.Next()
}

func (it *tableIterator) Next() {
	if !it.valid {
		return
	}
	limit := it.t.indexOffset - headerSize
	key, err := readString(it.reader, limit)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			it.err = err
		}
		it.valid = false
		return
	}
	rec, err := readRecord(it.reader, limit)
	if err != nil {
		it.err = err
		it.valid = false
		return
	}
	it.key, it.rec = key, rec
}

func (it *tableIterator) Valid() bool    { return it.valid }
func (it *tableIterator) Key() string    { return it.key }
func (it *tableIterator) Record() Record { return it.rec }
func (it *tableIterator) Error() error   { return it.err }
func (it *tableIterator) Close() error   { return nil }

type heapItem struct {
	iter Iterator
	key  string
	rec  Record
	rank int // position in the source list, higher is newer
}

// mergingIterator combines sources ordered oldest to newest into one sorted
// view holding only the newest record per key.
type mergingIterator struct {
	iters []Iterator
	h     *binaryheap.Heap
	purge bool

	key   string
	rec   Record
	valid bool
	err   error
}

// newMergingIterator merges iters, where iters[len(iters)-1] is the newest
// source. With purge set, keys whose newest record is a tombstone are skipped.
func newMergingIterator(iters []Iterator, purge bool) *mergingIterator {
	return &mergingIterator{iters: iters, purge: purge}
}

func newMergeHeap() *binaryheap.Heap {
	return binaryheap.NewWith(func(a, b any) int {
		ai := a.(*heapItem)
		bi := b.(*heapItem)
		switch {
		case ai.key < bi.key:
			return -1
		case ai.key > bi.key:
			return 1
		case ai.rank > bi.rank:
			return -1
		case ai.rank < bi.rank:
			return 1
		default:
			return 0
		}
	})
}

func (mi *mergingIterator) SeekToFirst() {
	mi.h = newMergeHeap()
	mi.err = nil
	for i, iter := range mi.iters {
		iter.SeekToFirst()
		if iter.Valid() {
			mi.h.Push(&heapItem{iter: iter, key: iter.Key(), rec: iter.Record(), rank: i})
		} else if err := iter.Error(); err != nil {
			mi.err = err
			mi.valid = false
			return
		}
	}
	mi.valid = false
	mi.findNextValid()
}

func (mi *mergingIterator) findNextValid() {
	haveLast := mi.valid
	lastKey := mi.key
	for {
		v, ok := mi.h.Pop()
		if !ok {
			break
		}
		item := v.(*heapItem)
		key, rec := item.key, item.rec

		item.iter.Next()
		if item.iter.Valid() {
			item.key, item.rec = item.iter.Key(), item.iter.Record()
			mi.h.Push(item)
		} else if err := item.iter.Error(); err != nil {
			mi.err = err
			break
		}

		// Older versions of a key already emitted or purged
		if haveLast && key == lastKey {
			continue
		}
		haveLast, lastKey = true, key
		if mi.purge && rec.IsTombstone() {
			continue
		}
		mi.key, mi.rec, mi.valid = key, rec, true
		return
	}
	mi.valid = false
	mi.rec = Record{}
}

func (mi *mergingIterator) Valid() bool    { return mi.valid }
func (mi *mergingIterator) Next()          { mi.findNextValid() }
func (mi *mergingIterator) Key() string    { return mi.key }
func (mi *mergingIterator) Record() Record { return mi.rec }
func (mi *mergingIterator) Error() error   { return mi.err }

func (mi *mergingIterator) Close() error {
	var errs []error
	for _, iter := range mi.iters {
		errs = append(errs, iter.Close())
	}
	return errors.Join(errs...)
}
