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
)

// ClassID identifies the class of a node.
type ClassID uint32

func (c ClassID) String() string { return fmt.Sprintf("%08X", uint32(c)) }

// ChunkID identifies a chunk. The high 20 bits
// are the class that defines the chunk.
type ChunkID uint32

// Terminator ends every chunk sequence.
const Terminator ChunkID = 0xfacade01

// skipMarker ("PIKS") precedes the length
// of a skippable chunk
const skipMarker = 0x534b4950

// Class returns the class that defines id.
func (id ChunkID) Class() ClassID { return ClassID(id &^ 0xfff) }

func (id ChunkID) String() string { return fmt.Sprintf("%08X", uint32(id)) }

// Chunk is one record of a node body.
//
// Chunks decoded with a registered schema
// carry the decoded Value. Chunks that could
// not be decoded are Opaque and carry the exact
// Raw bytes that followed the identifier, which
// are written back unchanged.
type Chunk struct {
	ID ChunkID
	// Skippable chunks are written with the
	// "PIKS" marker and an explicit length.
	Skippable bool
	Value     any
	Opaque    bool
	Raw       []byte
	// Err is set when the chunk could not be
	// decoded with its schema.
	Err *Warning
}

// NewChunk returns a decoded chunk holding v.
func NewChunk(id ChunkID, v any) *Chunk {
	return &Chunk{ID: id, Value: v}
}

// RawChunk returns an opaque chunk holding raw.
func RawChunk(id ChunkID, raw []byte, skippable bool) *Chunk {
	return &Chunk{ID: id, Raw: raw, Opaque: true, Skippable: skippable}
}

// HeaderChunk is an entry of the header
// section. Its length on disk is always
// recomputed from the encoded payload.
type HeaderChunk struct {
	ID ChunkID
	// Heavy is the high bit of the stored size.
	Heavy  bool
	Value  any
	Opaque bool
	Raw    []byte
	Err    *Warning
}

// Schema decodes and encodes the
// payload of one kind of chunk.
type Schema interface {
	Decode(r *Reader, ctx *DecodeContext) (any, error)
	Encode(w *Writer, ctx *EncodeContext, v any) error
}

// SchemaFuncs adapts a pair of functions to a Schema.
type SchemaFuncs struct {
	DecodeFunc func(r *Reader, ctx *DecodeContext) (any, error)
	EncodeFunc func(w *Writer, ctx *EncodeContext, v any) error
}

func (s SchemaFuncs) Decode(r *Reader, ctx *DecodeContext) (any, error) {
	return s.DecodeFunc(r, ctx)
}

func (s SchemaFuncs) Encode(w *Writer, ctx *EncodeContext, v any) error {
	return s.EncodeFunc(w, ctx, v)
}

type registration struct {
	schema    Schema
	skippable bool
}

// ChunkOption configures a registration.
type ChunkOption func(*registration)

// Skippable marks newly created chunks of
// this identifier as skippable.
// Decoded chunks keep whatever framing
// they were read with.
func Skippable() ChunkOption {
	return func(r *registration) { r.skippable = true }
}

// Registry maps chunk identifiers to schemas.
// Body chunks and header chunks live in
// separate namespaces because the same
// identifier can have a different layout
// in each.
//
// A Registry must not be modified while
// it is in use by a decode or encode.
type Registry struct {
	body   map[ChunkID]registration
	header map[ChunkID]Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		body:   make(map[ChunkID]registration),
		header: make(map[ChunkID]Schema),
	}
}

// Register associates a body chunk identifier with s.
func (r *Registry) Register(id ChunkID, s Schema, opts ...ChunkOption) {
	reg := registration{schema: s}
	for _, o := range opts {
		o(&reg)
	}
	r.body[id] = reg
}

// RegisterHeader associates a header
// chunk identifier with s.
func (r *Registry) RegisterHeader(id ChunkID, s Schema) {
	r.header[id] = s
}

// Lookup returns the schema for a body chunk.
func (r *Registry) Lookup(id ChunkID) (Schema, bool) {
	if r == nil {
		return nil, false
	}
	reg, ok := r.body[id]
	return reg.schema, ok
}

// LookupHeader returns the schema for a header chunk.
func (r *Registry) LookupHeader(id ChunkID) (Schema, bool) {
	if r == nil {
		return nil, false
	}
	s, ok := r.header[id]
	return s, ok
}

// NewChunk returns a chunk holding v whose
// framing follows the registration of id.
func (r *Registry) NewChunk(id ChunkID, v any) *Chunk {
	c := NewChunk(id, v)
	if r != nil {
		c.Skippable = r.body[id].skippable
	}
	return c
}

// registered reports whether id is a
// registered body chunk
func (r *Registry) registered(id ChunkID) bool {
	if r == nil {
		return false
	}
	_, ok := r.body[id]
	return ok
}
