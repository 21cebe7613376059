package sstable

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// errSegmentsChanged aborts a compaction whose inputs were replaced while it
// was merging.
var errSegmentsChanged = errors.New("sstable: segments changed during compaction")

func (e *Engine) compactionLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.CompactionPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.compactChan:
		}
		if ctx.Err() != nil || !e.needsCompaction() {
			continue
		}
		if err := e.compact(); err != nil && !errors.Is(err, ErrClosed) {
			e.logger.Error("compaction failed", "error", err)
		}
	}
}

func (e *Engine) needsCompaction() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed && len(e.tiers.segments) >= e.opts.SegmentCompactionThreshold
}

// Compact merges every current segment into one regardless of the threshold.
func (e *Engine) Compact() error {
	return e.compact()
}

// compact merges the segments present when it starts into a single segment.
// They always form the oldest prefix of the list, since flushes only append,
// so no older record can be unmasked and tombstones are dropped. The merge
// runs with no lock held; the prefix is swapped under the write lock.
func (e *Engine) compact() error {
	e.compactMu.Lock()
	defer e.compactMu.Unlock()

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrClosed
	}
	inputs := make([]*DiskTable, len(e.tiers.segments))
	copy(inputs, e.tiers.segments)
	e.mu.RUnlock()

	if len(inputs) < 2 {
		return nil
	}

	start := time.Now()
	e.logger.Info("starting compaction", "segments", len(inputs))

	entries, err := mergeTables(inputs)
	if err != nil {
		return fmt.Errorf("merge segments: %w", err)
	}
	var merged *DiskTable
	if len(entries) > 0 {
		// Everything may have been deleted, in which case no segment is
		// written at all.
		merged, err = e.buildTable(entries)
		if err != nil {
			return fmt.Errorf("build compacted segment: %w", err)
		}
	}

	e.mu.Lock()
	if e.closed || !hasPrefix(e.tiers.segments, inputs) {
		e.mu.Unlock()
		if merged != nil {
			merged.Close()
		}
		if e.closed {
			return ErrClosed
		}
		return errSegmentsChanged
	}
	rest := e.tiers.segments[len(inputs):]
	segments := make([]*DiskTable, 0, len(rest)+1)
	if merged != nil {
		segments = append(segments, merged)
	}
	segments = append(segments, rest...)
	e.tiers.segments = segments
	e.mu.Unlock()

	// Readers hold the read lock for a whole lookup, so none is still
	// inside a replaced segment.
	for _, t := range inputs {
		if err := t.Close(); err != nil {
			e.logger.Warn("failed to release compacted segment", "error", err)
		}
	}

	e.compactions.Add(1)
	e.logger.Info("compaction completed",
		"inputs", len(inputs),
		"keys", len(entries),
		"segments", len(segments),
		"duration", time.Since(start))
	return nil
}

// mergeTables returns the newest live record of every key across tables,
// ordered oldest first, in ascending key order.
func mergeTables(tables []*DiskTable) ([]Entry, error) {
	iters := make([]Iterator, len(tables))
	for i, t := range tables {
		iters[i] = t.NewIterator()
	}
	return drain(newMergingIterator(iters, true))
}

// drain collects every entry of it in order and closes it.
func drain(it Iterator) ([]Entry, error) {
	defer it.Close()

	var entries []Entry
	for it.SeekToFirst(); it.Valid(); it.Next() {
		entries = append(entries, Entry{Key: it.Key(), Record: it.Record()})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return entries, nil
}

func hasPrefix(segments, prefix []*DiskTable) bool {
	if len(prefix) > len(segments) {
		return false
	}
	for i, t := range prefix {
		if segments[i] != t {
			return false
		}
	}
	return true
}
