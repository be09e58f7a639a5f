// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package gbx

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// maxStringLen bounds length-prefixed strings
// so that corrupt lengths fail fast.
const maxStringLen = 1 << 24

// Reader is a little-endian cursor over
// an in-memory buffer. Every read is
// bounds-checked; the position can be
// saved with Tell and restored with Seek.
type Reader struct {
	buf []byte
	off int
}

// NewReader constructs a Reader over buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Tell returns the current offset.
func (r *Reader) Tell() int { return r.off }

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.buf) - r.off }

// Rest returns the unread bytes
// without consuming them.
func (r *Reader) Rest() []byte { return r.buf[r.off:] }

// Seek moves the cursor to the absolute offset off.
func (r *Reader) Seek(off int) error {
	if off < 0 || off > len(r.buf) {
		return fmt.Errorf("gbx: seek to %d out of range [0, %d]", off, len(r.buf))
	}
	r.off = off
	return nil
}

// Skip moves the cursor by n bytes,
// which may be negative.
func (r *Reader) Skip(n int) error {
	return r.Seek(r.off + n)
}

func (r *Reader) need(n int) error {
	if n < 0 || r.Len() < n {
		return fmt.Errorf("gbx: reading %d bytes at offset %d: %w", n, r.off, io.ErrUnexpectedEOF)
	}
	return nil
}

// Peek calls fn with the reader and
// then restores the position, so fn
// can read without consuming.
func (r *Reader) Peek(fn func(r *Reader) error) error {
	off := r.off
	err := fn(r)
	r.off = off
	return err
}

// PeekUint32 returns the next uint32
// without consuming it.
func (r *Reader) PeekUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.buf[r.off:]), nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	v, err := r.PeekUint32()
	if err == nil {
		r.off += 4
	}
	return v, err
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadUint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	return math.Float32frombits(v), err
}

// ReadBool reads a boolean stored as a uint32.
// Values other than 0 and 1 are rejected so that
// re-encoding reproduces the input.
func (r *Reader) ReadBool() (bool, error) {
	off := r.off
	v, err := r.ReadUint32()
	if err != nil {
		return false, err
	}
	if v > 1 {
		return false, fmt.Errorf("gbx: invalid boolean %d at offset %d", v, off)
	}
	return v == 1, nil
}

// ReadBytes consumes the next n bytes.
// The returned slice aliases the Reader's buffer.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.buf[r.off : r.off+n : r.off+n]
	r.off += n
	return v, nil
}

// ReadString reads a uint32-length-prefixed string.
func (r *Reader) ReadString() (string, error) {
	off := r.off
	n, err := r.ReadUint32()
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		r.off = off
		return "", fmt.Errorf("gbx: string length %d at offset %d exceeds limit", n, off)
	}
	buf, err := r.ReadBytes(int(n))
	if err != nil {
		r.off = off
		return "", err
	}
	return string(buf), nil
}
