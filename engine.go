package sstable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go-sstable/scratch"
)

// tiers is the state guarded by Engine.mu. Transitions between its fields
// happen only under the write lock.
type tiers struct {
	active *MemTable
	// staging is the previous active memtable while its segment is built.
	staging *MemTable
	// segments is ordered oldest first.
	segments []*DiskTable
}

// lookup returns the first record found for key, searching the active
// memtable, the staging memtable and then segments newest first. A tombstone
// ends the search.
func (t *tiers) lookup(key string) (Record, bool, error) {
	if r, ok := t.active.Lookup(key); ok {
		return r, true, nil
	}
	if t.staging != nil {
		if r, ok := t.staging.Lookup(key); ok {
			return r, true, nil
		}
	}
	for i := len(t.segments) - 1; i >= 0; i-- {
		r, ok, err := t.segments[i].lookup(key)
		if err != nil {
			return Record{}, false, err
		}
		if ok {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

// Engine coordinates the memtables, the segments and the background flush
// and compaction loops.
type Engine struct {
	opts   Options
	logger *slog.Logger
	dir    *scratch.Dir
	// newFile allocates the backing store of a new segment.
	newFile func() (ScratchFile, error)

	mu     sync.RWMutex
	tiers  tiers
	closed bool

	// One flush and one compaction in flight at a time
	flushMu   sync.Mutex
	compactMu sync.Mutex

	flushChan   chan struct{}
	compactChan chan struct{}
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	flushes       atomic.Uint64
	failedFlushes atomic.Uint64
	compactions   atomic.Uint64
}

// Open validates opts, prepares the segment directory and starts the
// background loops.
func Open(opts Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dir, err := scratch.Open(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:        opts,
		logger:      logger,
		dir:         dir,
		tiers:       tiers{active: NewMemTable(opts.MemCapacity)},
		flushChan:   make(chan struct{}, 1),
		compactChan: make(chan struct{}, 1),
		cancel:      cancel,
	}
	e.newFile = func() (ScratchFile, error) {
		return dir.Allocate()
	}

	e.wg.Add(2)
	go e.flushLoop(ctx)
	go e.compactionLoop(ctx)

	logger.Info("engine opened",
		"dir", dir.Path(),
		"mem_capacity", opts.MemCapacity,
		"segment_compaction_threshold", opts.SegmentCompactionThreshold)
	return e, nil
}

// Get returns a copy of the newest value for key, or ErrNotFound when no
// tier holds one or the newest record is a tombstone.
func (e *Engine) Get(key string) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}

	r, ok, err := e.tiers.lookup(key)
	if err != nil {
		return nil, err
	}
	if !ok || r.IsTombstone() {
		return nil, ErrNotFound
	}
	return bytes.Clone(r.Bytes()), nil
}

// ContainsKey reports whether Get would return a value.
func (e *Engine) ContainsKey(key string) (bool, error) {
	_, err := e.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Put writes value for key into the active memtable.
func (e *Engine) Put(key string, value []byte) error {
	return e.write(key, Value(value))
}

// Remove writes a tombstone for key into the active memtable. Removing a key
// that was never written is allowed.
func (e *Engine) Remove(key string) error {
	return e.write(key, Tombstone())
}

func (e *Engine) write(key string, r Record) error {
	if err := checkKey(key); err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.tiers.active.set(key, r)
	// A retained staging memtable is retried by the poll loop only
	full := e.tiers.staging == nil && e.tiers.active.AtCapacity()
	e.mu.Unlock()

	if full {
		e.triggerFlush()
	}
	return nil
}

func (e *Engine) triggerFlush() {
	select {
	case e.flushChan <- struct{}{}:
	default:
	}
}

func (e *Engine) triggerCompaction() {
	select {
	case e.compactChan <- struct{}{}:
	default:
	}
}

func (e *Engine) flushLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.FlushPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.flushChan:
		}
		if ctx.Err() != nil || !e.needsFlush() {
			continue
		}
		if err := e.flushMemtable(); err != nil && !errors.Is(err, ErrClosed) {
			e.logger.Error("flush failed, staging memtable retained", "error", err)
		}
	}
}

func (e *Engine) needsFlush() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	return e.tiers.staging != nil || e.tiers.active.AtCapacity()
}

// Flush writes the active memtable to a new segment regardless of its size.
// A staging memtable left by a failed flush is retried first.
func (e *Engine) Flush() error {
	return e.flushMemtable()
}

// flushMemtable swaps the active memtable into staging, builds its segment
// with no lock held and then publishes the segment. On a build failure the
// staging memtable stays readable and the next call retries it.
func (e *Engine) flushMemtable() error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	staging := e.tiers.staging
	retry := staging != nil
	if staging == nil {
		if e.tiers.active.Len() == 0 {
			e.mu.Unlock()
			return nil
		}
		staging = e.tiers.active
		e.tiers.staging = staging
		e.tiers.active = NewMemTable(e.opts.MemCapacity)
	}
	e.mu.Unlock()

	start := time.Now()
	entries, err := drain(staging.NewIterator())
	if err != nil {
		e.failedFlushes.Add(1)
		return fmt.Errorf("flush memtable: %w", err)
	}
	table, err := e.buildTable(entries)
	if err != nil {
		e.failedFlushes.Add(1)
		return fmt.Errorf("flush memtable: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		table.Close()
		return ErrClosed
	}
	e.tiers.segments = append(e.tiers.segments, table)
	e.tiers.staging = nil
	segments := len(e.tiers.segments)
	e.mu.Unlock()

	e.flushes.Add(1)
	e.logger.Info("memtable flushed",
		"keys", len(entries),
		"bytes", table.Size(),
		"segments", segments,
		"retry", retry,
		"duration", time.Since(start))

	if segments >= e.opts.SegmentCompactionThreshold {
		e.triggerCompaction()
	}
	return nil
}

// buildTable writes entries to a freshly allocated scratch file. The file is
// released again when the build fails.
func (e *Engine) buildTable(entries []Entry) (*DiskTable, error) {
	f, err := e.newFile()
	if err != nil {
		return nil, fmt.Errorf("allocate segment: %w", err)
	}
	t, err := BuildDiskTable(f, entries, e.opts.tableOptions())
	if err != nil {
		if cerr := f.Close(); cerr != nil {
			e.logger.Warn("failed to release segment file", "error", cerr)
		}
		return nil, err
	}
	return t, nil
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	ActiveKeys    int
	Staging       bool
	Segments      int
	SegmentKeys   int
	Flushes       uint64
	FailedFlushes uint64
	Compactions   uint64
}

// Stats returns the current tier sizes and flush and compaction counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Stats{
		Flushes:       e.flushes.Load(),
		FailedFlushes: e.failedFlushes.Load(),
		Compactions:   e.compactions.Load(),
	}
	if e.closed {
		return s
	}
	s.ActiveKeys = e.tiers.active.Len()
	s.Staging = e.tiers.staging != nil
	s.Segments = len(e.tiers.segments)
	for _, t := range e.tiers.segments {
		s.SegmentKeys += t.Len()
	}
	return s
}

// Close stops the background loops, waits for them and releases every
// segment. Operations after Close return ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	segments := e.tiers.segments
	e.tiers = tiers{}
	e.mu.Unlock()

	var errs []error
	for _, t := range segments {
		errs = append(errs, t.Close())
	}
	errs = append(errs, e.dir.Close())

	e.logger.Info("engine closed", "segments", len(segments))
	return errors.Join(errs...)
}
