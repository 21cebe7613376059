package sstable

// Kind is the on-disk type tag of a record.
type Kind = byte

const (
	KindTombstone Kind = 0
	KindValue     Kind = 1
)

// Record is either a stored payload or a tombstone marking the key deleted.
// The zero Record is a tombstone.
type Record struct {
	kind  Kind
	value []byte
}

// Value returns a value record owning a copy of b.
func Value(b []byte) Record {
	v := make([]byte, len(b))
	copy(v, b)
	return Record{kind: KindValue, value: v}
}

// Tombstone returns a deletion marker.
func Tombstone() Record {
	return Record{kind: KindTombstone}
}

func (r Record) Kind() Kind {
	return r.kind
}

func (r Record) IsTombstone() bool {
	return r.kind == KindTombstone
}

// Bytes returns the payload of a value record and nil for a tombstone.
// The returned slice must not be modified.
func (r Record) Bytes() []byte {
	if r.kind != KindValue {
		return nil
	}
	return r.value
}

// Entry pairs a key with its record.
type Entry struct {
	Key    string
	Record Record
}
