package sstable

import "time"

const (
	// DefaultMemCapacity is the number of distinct keys the active memtable
	// holds before a flush is considered.
	DefaultMemCapacity                = 10000
	DefaultFlushPollInterval          = time.Second
	DefaultSegmentCompactionThreshold = 8
	DefaultCompactionPollInterval     = 5 * time.Second
	DefaultValueCacheSize             = 128 // Decoded lookups kept per segment
	DefaultBloomFalsePositiveRate     = 0.01
)

const (
	headerSize    = 8 // index offset
	segmentSuffix = ".seg"
)
