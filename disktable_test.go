package sstable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"testing"

	"go-sstable/scratch"
)

func intToBytes(x int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(x))
	return b
}

func bytesToInt(b []byte) int {
	return int(binary.BigEndian.Uint32(b))
}

func newScratchFile(t testing.TB) *scratch.File {
	t.Helper()
	dir, err := scratch.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dir.Close() })

	f, err := dir.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func abcEntries() []Entry {
	return []Entry{
		{Key: "a", Record: Value(intToBytes(1))},
		{Key: "b", Record: Value(intToBytes(2))},
		{Key: "c", Record: Value(intToBytes(3))},
	}
}

func buildTable(t testing.TB, entries []Entry) (*DiskTable, *scratch.File) {
	t.Helper()
	f := newScratchFile(t)
	dt, err := BuildDiskTable(f, entries, TableOptions{BloomFalsePositiveRate: 0.01, CacheSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dt.Close() })
	return dt, f
}

func TestDiskTable_BuildLayout(t *testing.T) {
	_, f := buildTable(t, abcEntries())

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	mustUint64 := func(want uint64) {
		t.Helper()
		got, err := readUint64(f)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}
	mustString := func(want string) {
		t.Helper()
		got, err := readString(f, 1<<20)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}

	// Header: the index starts right after the three inline entries
	mustUint64(50)

	for i, key := range []string{"a", "b", "c"} {
		mustString(key)
		r, err := readRecord(f, 1<<20)
		if err != nil {
			t.Fatal(err)
		}
		if r.IsTombstone() || bytesToInt(r.Bytes()) != i+1 {
			t.Errorf("entry %s: expected value %d, got %v", key, i+1, r.Bytes())
		}
	}

	for _, want := range []struct {
		key string
		off uint64
	}{{"a", 13}, {"b", 27}, {"c", 41}} {
		mustString(want.key)
		mustUint64(want.off)
	}

	// Nothing else should be present
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		t.Fatal(err)
	}
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		t.Fatal(err)
	}
	if pos != end {
		t.Errorf("expected index to end the file at %d, stopped at %d", end, pos)
	}
}

func TestDiskTable_Index(t *testing.T) {
	dt, _ := buildTable(t, abcEntries())

	if dt.IndexOffset() != 50 {
		t.Errorf("expected index offset 50, got %d", dt.IndexOffset())
	}
	if dt.Len() != 3 {
		t.Errorf("expected 3 keys, got %d", dt.Len())
	}
	for key, want := range map[string]int64{"a": 13, "b": 27, "c": 41} {
		off, ok := dt.offset(key)
		if !ok || off != want {
			t.Errorf("offset(%s) = %d, %v; expected %d", key, off, ok, want)
		}
	}
}

func TestDiskTable_Get(t *testing.T) {
	dt, _ := buildTable(t, abcEntries())

	for key, want := range map[string]int{"a": 1, "b": 2, "c": 3} {
		v, ok, err := dt.Get(key)
		if err != nil {
			t.Fatal(err)
		}
		if !ok || bytesToInt(v) != want {
			t.Errorf("Get(%s) = %v, %v; expected %d", key, v, ok, want)
		}
	}

	if _, ok, err := dt.Get("missing"); err != nil || ok {
		t.Errorf("expected missing to be absent, got ok=%v err=%v", ok, err)
	}
}

func TestDiskTable_GetReturnsCopy(t *testing.T) {
	dt, _ := buildTable(t, abcEntries())

	// The first read fills the cache, the second is served from it
	for i := 0; i < 2; i++ {
		v, ok, err := dt.Get("a")
		if err != nil || !ok {
			t.Fatalf("Get(a) = %v, %v", ok, err)
		}
		v[3] = 0xff
	}
	v, _, _ := dt.Get("a")
	if bytesToInt(v) != 1 {
		t.Errorf("expected a=1 after mutating earlier results, got %d", bytesToInt(v))
	}
}

func TestDiskTable_RoundTrip(t *testing.T) {
	var entries []Entry
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("key%05d", i)
		switch {
		case i%7 == 0:
			entries = append(entries, Entry{Key: key, Record: Tombstone()})
		case i%11 == 0:
			entries = append(entries, Entry{Key: key, Record: Value(nil)})
		default:
			entries = append(entries, Entry{Key: key, Record: Value([]byte(fmt.Sprintf("value%05d", i)))})
		}
	}
	dt, _ := buildTable(t, entries)

	for _, e := range entries {
		// Twice, so the second read comes from the cache
		for pass := 0; pass < 2; pass++ {
			r, ok, err := dt.lookup(e.Key)
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				t.Fatalf("expected %s to be indexed", e.Key)
			}
			if r.IsTombstone() != e.Record.IsTombstone() {
				t.Fatalf("%s: tombstone=%v, expected %v", e.Key, r.IsTombstone(), e.Record.IsTombstone())
			}
			if string(r.Bytes()) != string(e.Record.Bytes()) {
				t.Fatalf("%s: expected %q, got %q", e.Key, e.Record.Bytes(), r.Bytes())
			}
		}

		v, ok, err := dt.Get(e.Key)
		if err != nil {
			t.Fatal(err)
		}
		if ok == e.Record.IsTombstone() {
			t.Errorf("Get(%s) found=%v for tombstone=%v", e.Key, ok, e.Record.IsTombstone())
		}
		if ok && string(v) != string(e.Record.Bytes()) {
			t.Errorf("Get(%s) = %q, expected %q", e.Key, v, e.Record.Bytes())
		}
	}
}

func TestDiskTable_OffsetPointsAtTag(t *testing.T) {
	entries := []Entry{
		{Key: "alpha", Record: Value([]byte("one"))},
		{Key: "beta", Record: Tombstone()},
		{Key: "gamma", Record: Value([]byte("three"))},
	}
	dt, f := buildTable(t, entries)

	for _, e := range entries {
		off, ok := dt.offset(e.Key)
		if !ok {
			t.Fatalf("%s not indexed", e.Key)
		}
		r, err := readRecord(io.NewSectionReader(f, off, dt.IndexOffset()-off), dt.IndexOffset())
		if err != nil {
			t.Fatal(err)
		}
		if r.Kind() != e.Record.Kind() || string(r.Bytes()) != string(e.Record.Bytes()) {
			t.Errorf("%s: record at %d is %v/%q, expected %v/%q", e.Key, off, r.Kind(), r.Bytes(), e.Record.Kind(), e.Record.Bytes())
		}

		// The key is written immediately before its tag
		key := make([]byte, len(e.Key))
		if _, err := f.ReadAt(key, off-int64(len(e.Key))); err != nil {
			t.Fatal(err)
		}
		if string(key) != e.Key {
			t.Errorf("expected %q before offset %d, got %q", e.Key, off, key)
		}
	}
}

func TestDiskTable_Empty(t *testing.T) {
	dt, _ := buildTable(t, nil)

	if dt.IndexOffset() != headerSize || dt.Size() != headerSize {
		t.Errorf("expected header-only table, got index=%d size=%d", dt.IndexOffset(), dt.Size())
	}
	if _, ok, err := dt.Get("a"); ok || err != nil {
		t.Errorf("expected empty table to miss, got ok=%v err=%v", ok, err)
	}
}

func TestDiskTable_RejectsUnsortedInput(t *testing.T) {
	cases := map[string][]Entry{
		"descending": {
			{Key: "b", Record: Value([]byte("2"))},
			{Key: "a", Record: Value([]byte("1"))},
		},
		"duplicate": {
			{Key: "a", Record: Value([]byte("1"))},
			{Key: "a", Record: Tombstone()},
		},
	}
	for name, entries := range cases {
		t.Run(name, func(t *testing.T) {
			f := newScratchFile(t)
			_, err := BuildDiskTable(f, entries, TableOptions{})
			if !errors.Is(err, ErrUnsortedInput) {
				t.Fatalf("expected ErrUnsortedInput, got %v", err)
			}
			size, _ := f.Seek(0, io.SeekEnd)
			if size != 0 {
				t.Errorf("expected nothing written, file has %d bytes", size)
			}
		})
	}
}

func TestDiskTable_CleanEndOfIndex(t *testing.T) {
	dt, f := buildTable(t, abcEntries())

	// Cut after the first index record: a shorter but well-formed index
	if err := f.Truncate(dt.IndexOffset() + 4 + 1 + 8); err != nil {
		t.Fatal(err)
	}
	reopened, err := OpenDiskTable(f, TableOptions{})
	if err != nil {
		t.Fatalf("expected clean end of index, got %v", err)
	}
	if reopened.Len() != 1 {
		t.Errorf("expected 1 indexed key, got %d", reopened.Len())
	}
}

func TestDiskTable_Corruption(t *testing.T) {
	t.Run("truncated index record", func(t *testing.T) {
		dt, f := buildTable(t, abcEntries())
		if err := f.Truncate(dt.Size() - 3); err != nil {
			t.Fatal(err)
		}
		if _, err := OpenDiskTable(f, TableOptions{}); !errors.Is(err, ErrCorruption) {
			t.Fatalf("expected ErrCorruption, got %v", err)
		}
	})

	t.Run("truncated index key", func(t *testing.T) {
		dt, f := buildTable(t, abcEntries())
		if err := f.Truncate(dt.IndexOffset() + 2); err != nil {
			t.Fatal(err)
		}
		if _, err := OpenDiskTable(f, TableOptions{}); !errors.Is(err, ErrCorruption) {
			t.Fatalf("expected ErrCorruption, got %v", err)
		}
	})

	t.Run("short header", func(t *testing.T) {
		_, f := buildTable(t, abcEntries())
		if err := f.Truncate(5); err != nil {
			t.Fatal(err)
		}
		if _, err := OpenDiskTable(f, TableOptions{}); !errors.Is(err, ErrCorruption) {
			t.Fatalf("expected ErrCorruption, got %v", err)
		}
	})

	t.Run("index offset past end", func(t *testing.T) {
		_, f := buildTable(t, abcEntries())
		var header [8]byte
		binary.BigEndian.PutUint64(header[:], 1<<40)
		if _, err := f.WriteAt(header[:], 0); err != nil {
			t.Fatal(err)
		}
		if _, err := OpenDiskTable(f, TableOptions{}); !errors.Is(err, ErrCorruption) {
			t.Fatalf("expected ErrCorruption, got %v", err)
		}
	})

	t.Run("unknown type tag", func(t *testing.T) {
		dt, f := buildTable(t, abcEntries())
		if _, err := f.WriteAt([]byte{7}, 13); err != nil {
			t.Fatal(err)
		}
		if _, _, err := dt.Get("a"); !errors.Is(err, ErrCorruption) {
			t.Fatalf("expected ErrCorruption, got %v", err)
		}
	})
}

func TestDiskTable_Iterator(t *testing.T) {
	entries := []Entry{
		{Key: "a", Record: Value([]byte("1"))},
		{Key: "b", Record: Tombstone()},
		{Key: "c", Record: Value([]byte("3"))},
	}
	dt, _ := buildTable(t, entries)

	it := dt.NewIterator()
	defer it.Close()

	i := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if it.Key() != entries[i].Key {
			t.Errorf("expected %s at position %d, got %s", entries[i].Key, i, it.Key())
		}
		if it.Record().IsTombstone() != entries[i].Record.IsTombstone() {
			t.Errorf("%s: tombstone mismatch", it.Key())
		}
		i++
	}
	if err := it.Error(); err != nil {
		t.Fatal(err)
	}
	if i != len(entries) {
		t.Errorf("expected %d entries, got %d", len(entries), i)
	}
}

func BenchmarkDiskTable_Get(b *testing.B) {
	n := 100000
	entries := make([]Entry, n)
	for i := range entries {
		entries[i] = Entry{Key: fmt.Sprintf("key%010d", i), Record: Value(intToBytes(i))}
	}
	dt, _ := buildTable(b, entries)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := dt.Get(entries[i%n].Key); err != nil {
			b.Fatal(err)
		}
	}
}
