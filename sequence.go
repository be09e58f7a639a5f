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

	"golang.org/x/exp/slices"
)

// RepeatUntil calls next until stop reports true
// for the returned item. The terminating item is
// included in the result. An error from next ends
// the loop and is returned with the items read so far.
func RepeatUntil[T any](next func() (T, error), stop func(T) bool) ([]T, error) {
	var out []T
	for {
		v, err := next()
		if err != nil {
			return out, err
		}
		out = append(out, v)
		if stop(v) {
			return out, nil
		}
	}
}

// EncodeUntil calls enc for each item up to and
// including the first one for which stop reports
// true. It returns ErrNoTerminator if no item stops
// the sequence.
func EncodeUntil[T any](items []T, enc func(T) error, stop func(T) bool) error {
	for _, v := range items {
		if err := enc(v); err != nil {
			return err
		}
		if stop(v) {
			return nil
		}
	}
	return ErrNoTerminator
}

func isTerminator(c *Chunk) bool { return c.ID == Terminator }

// decodeSequence reads chunks up to and including
// the terminator in a fresh lookback scope
func (ctx *DecodeContext) decodeSequence(r *Reader) ([]*Chunk, error) {
	ctx.Lookbacks.Push()
	defer ctx.Lookbacks.Pop()
	chunks, err := RepeatUntil(func() (*Chunk, error) { return ctx.decodeChunk(r) }, isTerminator)
	if err != nil {
		return nil, err
	}
	return chunks[:len(chunks)-1], nil
}

func (ctx *DecodeContext) decodeChunk(r *Reader) (*Chunk, error) {
	off := r.Tell()
	v, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("chunk identifier at offset %d: %w", off, err)
	}
	id := ChunkID(v)
	c := &Chunk{ID: id}
	if id == Terminator {
		return c, nil
	}
	schema, known := ctx.Registry.Lookup(id)
	if marker, err := r.PeekUint32(); err == nil && marker == skipMarker {
		return ctx.decodeSkippable(r, c, schema, known)
	}
	if known {
		m := ctx.save(r)
		val, err := schema.Decode(r, ctx)
		if err == nil {
			c.Value = val
			return c, nil
		}
		ctx.restore(r, m)
		raw, serr := ctx.scan(r, id)
		if serr != nil {
			return nil, fmt.Errorf("%w (decoding failed: %v)", serr, err)
		}
		c.Opaque, c.Raw = true, raw
		c.Err = ctx.warn(ChunkDecodeFailure, fmt.Errorf("chunk %s at offset %d: %w", id, off, err))
		return c, nil
	}
	raw, err := ctx.scan(r, id)
	if err != nil {
		return nil, err
	}
	c.Opaque, c.Raw = true, raw
	c.Err = ctx.warn(UnknownChunkID, fmt.Errorf("chunk %s at offset %d: no schema registered", id, off))
	return c, nil
}

func (ctx *DecodeContext) decodeSkippable(r *Reader, c *Chunk, schema Schema, known bool) (*Chunk, error) {
	r.Skip(4)
	size, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	payload, err := r.ReadBytes(int(size))
	if err != nil {
		return nil, fmt.Errorf("skippable chunk %s: %w", c.ID, err)
	}
	c.Skippable = true
	if !known {
		c.Opaque, c.Raw = true, slices.Clone(payload)
		c.Err = ctx.warn(UnknownChunkID, fmt.Errorf("skippable chunk %s: no schema registered", c.ID))
		return c, nil
	}
	sub := NewReader(payload)
	m := ctx.save(sub)
	val, err := schema.Decode(sub, ctx)
	if err == nil && sub.Len() > 0 {
		err = fmt.Errorf("%d bytes left over", sub.Len())
	}
	if err != nil {
		ctx.restore(sub, m)
		c.Opaque, c.Raw = true, slices.Clone(payload)
		c.Err = ctx.warn(ChunkDecodeFailure, fmt.Errorf("skippable chunk %s: %w", c.ID, err))
		return c, nil
	}
	c.Value = val
	return c, nil
}

// scan captures the bytes of an undecodable chunk.
// The chunk ends at the first terminator, or at the
// first registered chunk that decodes successfully
// and is itself followed by a plausible chunk.
func (ctx *DecodeContext) scan(r *Reader, id ChunkID) ([]byte, error) {
	start := r.Tell()
	rest := r.Rest()
	for i := 0; i+4 <= len(rest); i++ {
		next := ChunkID(binary.LittleEndian.Uint32(rest[i:]))
		if next != Terminator && !ctx.Registry.registered(next) {
			continue
		}
		r.Seek(start + i)
		if next == Terminator || ctx.probe(r) {
			return slices.Clone(rest[:i]), nil
		}
	}
	r.Seek(start)
	return nil, fmt.Errorf("chunk %s at offset %d: %w", id, start, ErrNoTerminator)
}

// probe reports whether the chunk at r decodes
// and is followed by a terminator, a registered
// chunk or a skippable chunk, leaving r and the
// session state unchanged
func (ctx *DecodeContext) probe(r *Reader) bool {
	m := ctx.save(r)
	defer ctx.restore(r, m)
	v, err := r.ReadUint32()
	if err != nil {
		return false
	}
	if marker, err := r.PeekUint32(); err == nil && marker == skipMarker {
		r.Skip(4)
		size, err := r.ReadUint32()
		if err != nil || int(size) > r.Len() {
			return false
		}
		r.Skip(int(size))
		return ctx.plausible(r)
	}
	schema, ok := ctx.Registry.Lookup(ChunkID(v))
	if !ok {
		return false
	}
	if _, err := schema.Decode(r, ctx); err != nil {
		return false
	}
	return ctx.plausible(r)
}

// plausible reports whether r is positioned
// at the start of a chunk or the terminator
func (ctx *DecodeContext) plausible(r *Reader) bool {
	rest := r.Rest()
	if len(rest) < 4 {
		return false
	}
	id := ChunkID(binary.LittleEndian.Uint32(rest))
	if id == Terminator || ctx.Registry.registered(id) {
		return true
	}
	return len(rest) >= 8 && binary.LittleEndian.Uint32(rest[4:]) == skipMarker
}

// encodeSequence writes chunks followed by the
// terminator in a fresh lookback scope
func (ctx *EncodeContext) encodeSequence(w *Writer, chunks []*Chunk) error {
	ctx.Lookbacks.Push()
	defer ctx.Lookbacks.Pop()
	items := make([]*Chunk, 0, len(chunks)+1)
	for _, c := range chunks {
		if c != nil && c.ID != Terminator {
			items = append(items, c)
		}
	}
	items = append(items, &Chunk{ID: Terminator})
	return EncodeUntil(items, func(c *Chunk) error { return ctx.encodeChunk(w, c) }, isTerminator)
}

func (ctx *EncodeContext) encodeChunk(w *Writer, c *Chunk) error {
	w.WriteUint32(uint32(c.ID))
	if c.ID == Terminator {
		return nil
	}
	payload := func(w *Writer) error {
		if c.Opaque {
			w.WriteBytes(c.Raw)
			return nil
		}
		schema, ok := ctx.Registry.Lookup(c.ID)
		if !ok {
			return fmt.Errorf("chunk %s: %w", c.ID, ErrNoSchema)
		}
		if err := schema.Encode(w, ctx, c.Value); err != nil {
			return fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		return nil
	}
	if !c.Skippable {
		return payload(w)
	}
	w.WriteUint32(skipMarker)
	return w.WritePrefixed(payload)
}
