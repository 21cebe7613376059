package sstable

import (
	"bytes"
	"sync"

	"github.com/huandu/skiplist"
)

// MemTable is a sorted in-memory write buffer bounded by a count of distinct
// keys. It is safe for concurrent use.
type MemTable struct {
	mu       sync.RWMutex
	data     *skiplist.SkipList
	capacity int
}

// NewMemTable returns an empty memtable that reports AtCapacity once it holds
// capacity distinct keys.
func NewMemTable(capacity int) *MemTable {
	return &MemTable{
		data:     skiplist.New(skiplist.String),
		capacity: capacity,
	}
}

// Put inserts or overwrites a value record for key.
func (m *MemTable) Put(key string, value []byte) {
	m.set(key, Value(value))
}

// Remove records a tombstone for key. Nothing is physically deleted.
func (m *MemTable) Remove(key string) {
	m.set(key, Tombstone())
}

func (m *MemTable) set(key string, r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.Set(key, r)
}

// Get returns a copy of the payload when the latest record for key is a
// value. A tombstone and an unknown key both report false.
func (m *MemTable) Get(key string) ([]byte, bool) {
	r, ok := m.Lookup(key)
	if !ok || r.IsTombstone() {
		return nil, false
	}
	return bytes.Clone(r.Bytes()), true
}

// Lookup returns the record stored for key, tombstones included.
func (m *MemTable) Lookup(key string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	elem := m.data.Get(key)
	if elem == nil {
		return Record{}, false
	}
	return elem.Value.(Record), true
}

// Entries returns every key and record in ascending key order.
func (m *MemTable) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]Entry, 0, m.data.Len())
	for elem := m.data.Front(); elem != nil; elem = elem.Next() {
		entries = append(entries, Entry{
			Key:    elem.Key().(string),
			Record: elem.Value.(Record),
		})
	}
	return entries
}

// Len returns the number of distinct keys, tombstones included.
func (m *MemTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Len()
}

// Capacity returns the distinct-key bound given to NewMemTable.
func (m *MemTable) Capacity() int {
	return m.capacity
}

// AtCapacity reports whether the memtable holds at least Capacity keys.
func (m *MemTable) AtCapacity() bool {
	return m.Len() >= m.capacity
}
