package sstable

import "errors"

var (
	// ErrNotFound is returned when no tier holds a live value for a key.
	ErrNotFound = errors.New("sstable: not found")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("sstable: closed")

	// ErrInvalidOptions is returned by Validate and Open for unusable options.
	ErrInvalidOptions = errors.New("sstable: invalid options")

	// ErrCorruption is returned when a segment holds truncated or malformed data.
	ErrCorruption = errors.New("sstable: corrupted segment")

	// ErrUnsortedInput is returned when a segment build receives keys that are
	// not strictly ascending.
	ErrUnsortedInput = errors.New("sstable: input not sorted by key")

	// ErrKeyTooLarge is returned for keys longer than a u32 length prefix allows.
	ErrKeyTooLarge = errors.New("sstable: key too large")
)
