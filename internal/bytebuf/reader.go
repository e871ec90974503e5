package bytebuf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated is returned when a read would run past the end of the buffer.
var ErrTruncated = errors.New("buffer truncated")

// Reader decodes little-endian values from a byte slice sequentially.
// Every read is bounds-checked; nothing is read through pointer casts, so the
// underlying buffer may have any alignment.
type Reader struct {
	data []byte
	pos  int
}

// NewReader creates a Reader positioned at the start of data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Len returns the total buffer length.
func (r *Reader) Len() int {
	return len(r.data)
}

// Pos returns the current cursor position.
func (r *Reader) Pos() int {
	return r.pos
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

// Seek moves the cursor to an absolute position. Seeking to Len() is allowed.
func (r *Reader) Seek(pos int) error {
	if pos < 0 || pos > len(r.data) {
		return fmt.Errorf("seek to %d of %d: %w", pos, len(r.data), ErrTruncated)
	}
	r.pos = pos
	return nil
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || n > r.Remaining() {
		return nil, fmt.Errorf("read %d bytes at %d of %d: %w", n, r.pos, len(r.data), ErrTruncated)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// U8 reads one byte.
func (r *Reader) U8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// U16 reads a little-endian uint16.
func (r *Reader) U16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// U32 reads a little-endian uint32.
func (r *Reader) U32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Bytes returns the next n bytes without copying.
func (r *Reader) Bytes(n int) ([]byte, error) {
	return r.take(n)
}

// Skip advances the cursor by n bytes.
func (r *Reader) Skip(n int) error {
	_, err := r.take(n)
	return err
}
