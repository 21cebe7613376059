package sstable

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// encoder buffers writes and tracks the absolute file position so callers can
// capture offsets without asking the file.
type encoder struct {
	bw  *bufio.Writer
	off int64
	buf [8]byte
}

func newEncoder(w io.Writer, off int64) *encoder {
	return &encoder{bw: bufio.NewWriterSize(w, 64*1024), off: off}
}

func (e *encoder) write(p []byte) error {
	n, err := e.bw.Write(p)
	e.off += int64(n)
	return err
}

func (e *encoder) writeByte(b byte) error {
	if err := e.bw.WriteByte(b); err != nil {
		return err
	}
	e.off++
	return nil
}

func (e *encoder) writeUint32(v uint32) error {
	binary.BigEndian.PutUint32(e.buf[:4], v)
	return e.write(e.buf[:4])
}

func (e *encoder) writeUint64(v uint64) error {
	binary.BigEndian.PutUint64(e.buf[:8], v)
	return e.write(e.buf[:8])
}

func (e *encoder) writeString(s string) error {
	if err := e.writeUint32(uint32(len(s))); err != nil {
		return err
	}
	n, err := e.bw.WriteString(s)
	e.off += int64(n)
	return err
}

func (e *encoder) writeBytes(b []byte) error {
	if err := e.writeUint32(uint32(len(b))); err != nil {
		return err
	}
	return e.write(b)
}

func (e *encoder) flush() error {
	return e.bw.Flush()
}

func checkKey(key string) error {
	if uint64(len(key)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(key))
	}
	return nil
}

// corrupt maps a short read to ErrCorruption. A clean io.EOF in the middle of
// a record is a truncation too, as is a short read that reported no error.
func corrupt(what string, err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated %s", ErrCorruption, what)
	}
	return fmt.Errorf("read %s: %w", what, err)
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// readString reads a length-prefixed string. It returns io.EOF only when no
// byte of the length prefix was available; any later shortfall is corruption.
func readString(r io.Reader, limit int64) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		return "", corrupt("key length", err)
	}
	if int64(n) > limit {
		return "", fmt.Errorf("%w: key length %d exceeds remaining %d bytes", ErrCorruption, n, limit)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", corrupt("key", err)
	}
	return string(b), nil
}

// readRecord decodes a tag and, for values, the length-prefixed payload.
func readRecord(r io.Reader, limit int64) (Record, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return Record{}, corrupt("type tag", err)
	}
	switch tag[0] {
	case KindTombstone:
		return Tombstone(), nil
	case KindValue:
		n, err := readUint32(r)
		if err != nil {
			return Record{}, corrupt("value length", err)
		}
		if int64(n) > limit {
			return Record{}, fmt.Errorf("%w: value length %d exceeds remaining %d bytes", ErrCorruption, n, limit)
		}
		v := make([]byte, n)
		if _, err := io.ReadFull(r, v); err != nil {
			return Record{}, corrupt("value", err)
		}
		return Record{kind: KindValue, value: v}, nil
	default:
		return Record{}, fmt.Errorf("%w: unknown type tag %d", ErrCorruption, tag[0])
	}
}
