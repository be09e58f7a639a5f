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
	"fmt"

	"golang.org/x/exp/slices"
)

const (
	heavyBit = 1 << 31

	maxHeaderChunks    = 64
	maxHeaderChunkSize = 1 << 24
)

// headerSize recomputes the size of the header
// section from its entry table. It reports false
// if the table is implausible or does not fit in r.
func headerSize(r *Reader) (int, bool) {
	total := 0
	err := r.Peek(func(r *Reader) error {
		n, err := r.ReadUint32()
		if err != nil {
			return err
		}
		if n > maxHeaderChunks {
			return fmt.Errorf("%d header chunks", n)
		}
		sum := 0
		for i := uint32(0); i < n; i++ {
			if _, err := r.ReadUint32(); err != nil {
				return err
			}
			size, err := r.ReadUint32()
			if err != nil {
				return err
			}
			size &^= heavyBit
			if size > maxHeaderChunkSize {
				return fmt.Errorf("header chunk of %d bytes", size)
			}
			sum += int(size)
		}
		total = 4 + 8*int(n) + sum
		return nil
	})
	return total, err == nil && total <= r.Len()
}

func (c *Container) decodeHeader(r *Reader, ctx *DecodeContext) error {
	off := r.Tell()
	stored, err := r.ReadUint32()
	if err != nil {
		return formatErr(off, "reading header size: %v", err)
	}
	if stored == 0 {
		return nil
	}
	size := int(stored)
	expect, ok := headerSize(r)
	if size > r.Len() || (ok && size < expect) {
		if !ok {
			return formatErr(off, "header size %d does not fit in %d bytes", stored, r.Len())
		}
		ctx.warn(CorruptHeaderSize, fmt.Errorf("stored header size %d, recomputed %d", stored, expect))
		size = expect
	}
	section, _ := r.ReadBytes(size)
	hr := NewReader(section)
	count, err := hr.ReadUint32()
	if err != nil {
		return formatErr(off, "reading header chunk count: %v", err)
	}
	if count > maxHeaderChunks {
		return formatErr(off+4, "%d header chunks (limit %d)", count, maxHeaderChunks)
	}
	type entry struct {
		id    ChunkID
		size  int
		heavy bool
	}
	entries := make([]entry, count)
	for i := range entries {
		id, err := hr.ReadUint32()
		if err != nil {
			return formatErr(off, "header entry %d: %v", i, err)
		}
		sz, err := hr.ReadUint32()
		if err != nil {
			return formatErr(off, "header entry %d: %v", i, err)
		}
		entries[i] = entry{id: ChunkID(id), size: int(sz &^ heavyBit), heavy: sz&heavyBit != 0}
	}
	c.Headers = make([]*HeaderChunk, count)
	for i, e := range entries {
		payload, err := hr.ReadBytes(e.size)
		if err != nil {
			return formatErr(off+4+hr.Tell(), "header chunk %s: %v", e.id, err)
		}
		c.Headers[i] = ctx.decodeHeaderChunk(e.id, e.heavy, payload)
	}
	if hr.Len() > 0 {
		c.HeaderPad = slices.Clone(hr.Rest())
	}
	return nil
}

func (ctx *DecodeContext) decodeHeaderChunk(id ChunkID, heavy bool, payload []byte) *HeaderChunk {
	h := &HeaderChunk{ID: id, Heavy: heavy}
	schema, ok := ctx.Registry.LookupHeader(id)
	if !ok {
		h.Opaque, h.Raw = true, slices.Clone(payload)
		h.Err = ctx.warn(UnknownChunkID, fmt.Errorf("header chunk %s: no schema registered", id))
		return h
	}
	ctx.Lookbacks.Push()
	defer ctx.Lookbacks.Pop()
	r := NewReader(payload)
	v, err := schema.Decode(r, ctx)
	if err == nil && r.Len() > 0 {
		err = fmt.Errorf("%d bytes left over", r.Len())
	}
	if err != nil {
		h.Opaque, h.Raw = true, slices.Clone(payload)
		h.Err = ctx.warn(ChunkDecodeFailure, fmt.Errorf("header chunk %s: %w", id, err))
		return h
	}
	h.Value = v
	return h
}

func (c *Container) encodeHeader(w *Writer, reg *Registry) error {
	if len(c.Headers) == 0 && len(c.HeaderPad) == 0 {
		w.WriteUint32(0)
		return nil
	}
	payloads := make([][]byte, len(c.Headers))
	for i, h := range c.Headers {
		if h.Opaque {
			payloads[i] = h.Raw
			continue
		}
		schema, ok := reg.LookupHeader(h.ID)
		if !ok {
			return fmt.Errorf("header chunk %s: %w", h.ID, ErrNoSchema)
		}
		ctx := &EncodeContext{Registry: reg}
		var tmp Writer
		if err := schema.Encode(&tmp, ctx, h.Value); err != nil {
			return fmt.Errorf("header chunk %s: %w", h.ID, err)
		}
		payloads[i] = tmp.Bytes()
	}
	return w.WritePrefixed(func(w *Writer) error {
		w.WriteUint32(uint32(len(c.Headers)))
		for i, h := range c.Headers {
			size := uint32(len(payloads[i]))
			if h.Heavy {
				size |= heavyBit
			}
			w.WriteUint32(uint32(h.ID))
			w.WriteUint32(size)
		}
		for _, p := range payloads {
			w.WriteBytes(p)
		}
		w.WriteBytes(c.HeaderPad)
		return nil
	})
}

// Header returns the header chunk with
// the given identifier, or nil.
func (c *Container) Header(id ChunkID) *HeaderChunk {
	for _, h := range c.Headers {
		if h.ID == id {
			return h
		}
	}
	return nil
}

// HeaderValue returns the decoded value of a
// header chunk, or nil if it is absent or opaque.
func (c *Container) HeaderValue(id ChunkID) any {
	h := c.Header(id)
	if h == nil || h.Opaque {
		return nil
	}
	return h.Value
}
