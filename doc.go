// Package sstable implements a write-optimized, sorted key-value storage
// engine built on a log-structured merge design.
//
// Writes land in an in-memory sorted buffer (the memtable). When the buffer
// reaches capacity it is swapped out as the staging memtable and written to
// an immutable sorted segment (a DiskTable) without holding any lock. Each
// segment keeps its full key to offset index in memory, so a point lookup is
// one positioned read.
//
//	Write path:  Put/Remove -> active memtable
//	Read path:   active -> staging -> segments (newest first)
//	Flush:       active --swap--> staging --build--> segment
//	Compaction:  oldest segments --merge--> one segment, tombstones purged
//
// Segment file layout, all integers big-endian:
//
//	header   index_offset u64
//	entries  key_len u32 | key | tag u8 (0 tombstone, 1 value) | [value_len u32 | value]
//	index    key_len u32 | key | record_offset u64
//
// record_offset points at the tag byte of the entry. The index runs to the
// end of the file.
package sstable
