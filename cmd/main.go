package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	sstable "go-sstable"
)

func main() {
	configPath := flag.String("config", "sstable.yaml", "path to a YAML options file")
	jsonLogs := flag.Bool("json", false, "log as JSON")
	flag.Parse()

	initLogger(*jsonLogs)

	opts, err := sstable.LoadOptions(*configPath)
	if err != nil {
		slog.Error("failed to load options", "error", err)
		os.Exit(1)
	}
	// Small enough that the demo crosses flush and compaction thresholds
	opts.MemCapacity = 3
	opts.SegmentCompactionThreshold = 2
	opts.FlushPollInterval = 50 * time.Millisecond
	opts.CompactionPollInterval = 50 * time.Millisecond

	stats, err := run(opts)
	if err != nil {
		slog.Error("demo failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("segments=%d flushes=%d compactions=%d\n", stats.Segments, stats.Flushes, stats.Compactions)
	fmt.Println("SUCCESS")
}

// run populates an engine, overwrites and deletes keys across two flushes and
// a compaction, and verifies the final view. The engine is closed before run
// returns.
func run(opts sstable.Options) (sstable.Stats, error) {
	db, err := sstable.Open(opts)
	if err != nil {
		return sstable.Stats{}, fmt.Errorf("failed to open engine: %w", err)
	}
	defer db.Close()

	slog.Info("populating engine with test data")
	writes := []struct {
		key, value string
	}{
		{"apple", "red"},
		{"banana", "yellow"},
		{"cherry", "red"},
	}
	for _, w := range writes {
		if err := db.Put(w.key, []byte(w.value)); err != nil {
			return sstable.Stats{}, fmt.Errorf("put failed: %w", err)
		}
	}
	if err := db.Flush(); err != nil {
		return sstable.Stats{}, fmt.Errorf("flush failed: %w", err)
	}

	if err := db.Put("apple", []byte("green")); err != nil {
		return sstable.Stats{}, fmt.Errorf("put failed: %w", err)
	}
	if err := db.Remove("banana"); err != nil {
		return sstable.Stats{}, fmt.Errorf("remove failed: %w", err)
	}
	if err := db.Flush(); err != nil {
		return sstable.Stats{}, fmt.Errorf("flush failed: %w", err)
	}
	if err := db.Compact(); err != nil {
		return sstable.Stats{}, fmt.Errorf("compaction failed: %w", err)
	}

	expected := map[string]string{
		"apple":  "green",
		"banana": "",
		"cherry": "red",
	}
	for _, key := range []string{"apple", "banana", "cherry"} {
		v, err := db.Get(key)
		switch {
		case errors.Is(err, sstable.ErrNotFound):
			fmt.Printf("  %s: <absent>\n", key)
			if expected[key] != "" {
				return sstable.Stats{}, fmt.Errorf("%s missing", key)
			}
		case err != nil:
			return sstable.Stats{}, fmt.Errorf("get failed: %w", err)
		default:
			fmt.Printf("  %s = %s\n", key, v)
			if string(v) != expected[key] {
				return sstable.Stats{}, fmt.Errorf("%s = %q, want %q", key, v, expected[key])
			}
		}
	}
	return db.Stats(), nil
}

func initLogger(json bool) {
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	} else {
		handler = slog.NewTextHandler(os.Stdout, nil)
	}
	slog.SetDefault(slog.New(handler))
}
