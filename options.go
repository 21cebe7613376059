package sstable

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Options configures an Engine.
type Options struct {
	// MemCapacity is the count of distinct keys at which the active memtable
	// is flushed.
	MemCapacity       int           `yaml:"mem_capacity"`
	FlushPollInterval time.Duration `yaml:"flush_poll_interval"`
	// SegmentCompactionThreshold is the segment count at which compaction
	// runs.
	SegmentCompactionThreshold int           `yaml:"segment_compaction_threshold"`
	CompactionPollInterval     time.Duration `yaml:"compaction_poll_interval"`

	// Dir holds segment files. Empty means a temporary directory removed on
	// Close.
	Dir                    string  `yaml:"dir"`
	ValueCacheSize         int     `yaml:"value_cache_size"`
	BloomFalsePositiveRate float64 `yaml:"bloom_fp_rate"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultOptions returns a baseline configuration.
func DefaultOptions() Options {
	return Options{
		MemCapacity:                DefaultMemCapacity,
		FlushPollInterval:          DefaultFlushPollInterval,
		SegmentCompactionThreshold: DefaultSegmentCompactionThreshold,
		CompactionPollInterval:     DefaultCompactionPollInterval,
		ValueCacheSize:             DefaultValueCacheSize,
		BloomFalsePositiveRate:     DefaultBloomFalsePositiveRate,
	}
}

// Validate reports the first misconfigured field.
func (o Options) Validate() error {
	switch {
	case o.MemCapacity < 1:
		return fmt.Errorf("%w: mem_capacity must be at least 1, got %d", ErrInvalidOptions, o.MemCapacity)
	case o.FlushPollInterval <= 0:
		return fmt.Errorf("%w: flush_poll_interval must be positive, got %s", ErrInvalidOptions, o.FlushPollInterval)
	case o.SegmentCompactionThreshold < 2:
		return fmt.Errorf("%w: segment_compaction_threshold must be at least 2, got %d", ErrInvalidOptions, o.SegmentCompactionThreshold)
	case o.CompactionPollInterval <= 0:
		return fmt.Errorf("%w: compaction_poll_interval must be positive, got %s", ErrInvalidOptions, o.CompactionPollInterval)
	case o.ValueCacheSize < 0:
		return fmt.Errorf("%w: value_cache_size must not be negative, got %d", ErrInvalidOptions, o.ValueCacheSize)
	case o.BloomFalsePositiveRate <= 0 || o.BloomFalsePositiveRate >= 1:
		return fmt.Errorf("%w: bloom_fp_rate must be in (0, 1), got %g", ErrInvalidOptions, o.BloomFalsePositiveRate)
	}
	return nil
}

func (o Options) tableOptions() TableOptions {
	return TableOptions{
		BloomFalsePositiveRate: o.BloomFalsePositiveRate,
		CacheSize:              o.ValueCacheSize,
	}
}

// LoadOptions decodes a YAML file over DefaultOptions. A missing file yields
// the defaults.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return opts, nil
		}
		return opts, err
	}

	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse %s: %w", path, err)
	}
	return opts, nil
}
