// Package scratch hands out exclusively owned, randomly named files inside a
// locked directory. Every file is removed when it is closed, and whatever is
// left is removed when the directory is closed.
package scratch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const (
	lockName = "LOCK"
	suffix   = ".seg"
)

// ErrLocked is returned when another process holds the directory.
var ErrLocked = errors.New("scratch: directory is locked")

// Dir allocates scratch files. It is safe for concurrent use.
type Dir struct {
	path  string
	owned bool
	lock  *flock.Flock

	mu     sync.Mutex
	files  map[string]struct{}
	closed bool
}

// Open locks path for exclusive use, creating it when missing. An empty path
// creates a temporary directory that Close removes. Files with the scratch
// suffix left behind by an earlier process are deleted.
func Open(path string) (*Dir, error) {
	owned := false
	if path == "" {
		p, err := os.MkdirTemp("", "sstable-*")
		if err != nil {
			return nil, err
		}
		path, owned = p, true
	} else if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	lock := flock.New(filepath.Join(path, lockName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	d := &Dir{
		path:  path,
		owned: owned,
		lock:  lock,
		files: make(map[string]struct{}),
	}
	if err := d.sweep(); err != nil {
		lock.Unlock()
		return nil, err
	}
	return d, nil
}

func (d *Dir) sweep() error {
	stale, err := filepath.Glob(filepath.Join(d.path, "*"+suffix))
	if err != nil {
		return err
	}
	for _, p := range stale {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Path returns the directory holding the scratch files.
func (d *Dir) Path() string {
	return d.path
}

// Allocate creates a fresh file open for reading and writing.
func (d *Dir) Allocate() (*File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, os.ErrClosed
	}

	path := filepath.Join(d.path, uuid.NewString()+suffix)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	d.files[path] = struct{}{}
	return &File{File: f, dir: d}, nil
}

func (d *Dir) release(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.files, path)
}

// Len returns the number of live files.
func (d *Dir) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.files)
}

// Close removes every remaining file and releases the lock. A directory
// created by Open is removed as well.
func (d *Dir) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.files = make(map[string]struct{})
	d.mu.Unlock()

	var errs []error
	errs = append(errs, d.sweep())
	errs = append(errs, d.lock.Unlock())
	if d.owned {
		errs = append(errs, os.RemoveAll(d.path))
	} else {
		errs = append(errs, os.Remove(d.lock.Path()))
	}
	return errors.Join(errs...)
}

// File is a scratch file. Close removes it.
type File struct {
	*os.File
	dir  *Dir
	once sync.Once
	err  error
}

func (f *File) Close() error {
	f.once.Do(func() {
		name := f.Name()
		err := f.File.Close()
		if rmErr := os.Remove(name); rmErr != nil && !os.IsNotExist(rmErr) {
			err = errors.Join(err, rmErr)
		}
		f.dir.release(name)
		f.err = err
	})
	return f.err
}
