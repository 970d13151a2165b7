package zynq

import (
	"bytes"
	"encoding/binary"

	"github.com/c360/labctrl/errors"
)

// BufferReader decodes little-endian values from a reply. Reads past the
// end return zero and leave the reader in an error state.
type BufferReader struct {
	buf []byte
	pos int
	err error
}

// NewBufferReader creates a reader over buf
func NewBufferReader(buf []byte) *BufferReader {
	return &BufferReader{buf: buf}
}

// Remaining returns the number of unread bytes
func (r *BufferReader) Remaining() int {
	return len(r.buf) - r.pos
}

// Err returns ErrShortReply once a read ran past the end
func (r *BufferReader) Err() error {
	return r.err
}

func (r *BufferReader) take(n int) []byte {
	if r.err != nil || r.Remaining() < n {
		r.err = errors.ErrShortReply
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

// Str0 reads a NUL-terminated string. ok is false when no terminator
// remains; the position is then unchanged.
func (r *BufferReader) Str0() (string, bool) {
	if r.err != nil {
		return "", false
	}
	end := bytes.IndexByte(r.buf[r.pos:], 0)
	if end < 0 {
		return "", false
	}
	s := string(r.buf[r.pos : r.pos+end])
	r.pos += end + 1
	return s, true
}

// Int8 reads a signed byte
func (r *BufferReader) Int8() int8 {
	return int8(r.Uint8())
}

// Uint8 reads a byte
func (r *BufferReader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// Int32 reads a signed 32-bit integer
func (r *BufferReader) Int32() int32 {
	return int32(r.Uint32())
}

// Uint32 reads an unsigned 32-bit integer
func (r *BufferReader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// Int64 reads a signed 64-bit integer
func (r *BufferReader) Int64() int64 {
	return int64(r.Uint64())
}

// Uint64 reads an unsigned 64-bit integer
func (r *BufferReader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}
