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

// scalar is a fixed-layout value read and written
// directly by the cursor
type scalar[T any] struct {
	name  string
	read  func(r *Reader) (T, error)
	write func(w *Writer, v T)
	conv  func(v any) (T, bool)
}

func (s *scalar[T]) Decode(r *Reader, _ *DecodeContext) (any, error) {
	v, err := s.read(r)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *scalar[T]) Encode(w *Writer, _ *EncodeContext, v any) error {
	t, ok := v.(T)
	if !ok && s.conv != nil {
		t, ok = s.conv(v)
	}
	if !ok {
		return fmt.Errorf("gbx: cannot encode %T as %s", v, s.name)
	}
	s.write(w, t)
	return nil
}

func toInt64(v any) (int64, bool) {
	switch v := v.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	}
	return 0, false
}

// integer returns a conversion that accepts
// any integer type holding a value in [lo, hi]
func integer[T ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int32](lo, hi int64) func(any) (T, bool) {
	return func(v any) (T, bool) {
		if u, ok := v.(uint64); ok {
			return T(u), hi < 0 || u <= uint64(hi)
		}
		i, ok := toInt64(v)
		if !ok || i < lo || (hi >= 0 && i > hi) {
			return 0, false
		}
		return T(i), true
	}
}

var (
	// Uint8 is a single byte.
	Uint8 Schema = &scalar[uint8]{
		name:  "uint8",
		read:  (*Reader).ReadUint8,
		write: (*Writer).WriteUint8,
		conv:  integer[uint8](0, 0xff),
	}
	// Uint16 is a little-endian uint16.
	Uint16 Schema = &scalar[uint16]{
		name:  "uint16",
		read:  (*Reader).ReadUint16,
		write: (*Writer).WriteUint16,
		conv:  integer[uint16](0, 0xffff),
	}
	// Uint32 is a little-endian uint32.
	Uint32 Schema = &scalar[uint32]{
		name:  "uint32",
		read:  (*Reader).ReadUint32,
		write: (*Writer).WriteUint32,
		conv:  integer[uint32](0, 0xffffffff),
	}
	// Int32 is a little-endian int32.
	Int32 Schema = &scalar[int32]{
		name:  "int32",
		read:  (*Reader).ReadInt32,
		write: (*Writer).WriteInt32,
		conv:  integer[int32](-1<<31, 1<<31-1),
	}
	// Uint64 is a little-endian uint64.
	Uint64 Schema = &scalar[uint64]{
		name:  "uint64",
		read:  (*Reader).ReadUint64,
		write: (*Writer).WriteUint64,
		conv:  integer[uint64](0, -1),
	}
	// Float32 is an IEEE 754 single.
	Float32 Schema = &scalar[float32]{
		name:  "float32",
		read:  (*Reader).ReadFloat32,
		write: (*Writer).WriteFloat32,
		conv: func(v any) (float32, bool) {
			f, ok := v.(float64)
			return float32(f), ok
		},
	}
	// Bool is a uint32 that must be 0 or 1.
	Bool Schema = &scalar[bool]{
		name:  "bool",
		read:  (*Reader).ReadBool,
		write: (*Writer).WriteBool,
	}
	// String is a uint32-length-prefixed string.
	String Schema = &scalar[string]{
		name:  "string",
		read:  (*Reader).ReadString,
		write: (*Writer).WriteString,
	}
	// Vec2 is two float32s.
	Vec2 Schema = &scalar[[2]float32]{
		name: "vec2",
		read: func(r *Reader) (v [2]float32, err error) {
			for i := range v {
				if v[i], err = r.ReadFloat32(); err != nil {
					break
				}
			}
			return v, err
		},
		write: func(w *Writer, v [2]float32) {
			w.WriteFloat32(v[0])
			w.WriteFloat32(v[1])
		},
	}
	// Vec3 is three float32s.
	Vec3 Schema = &scalar[[3]float32]{
		name: "vec3",
		read: func(r *Reader) (v [3]float32, err error) {
			for i := range v {
				if v[i], err = r.ReadFloat32(); err != nil {
					break
				}
			}
			return v, err
		},
		write: func(w *Writer, v [3]float32) {
			w.WriteFloat32(v[0])
			w.WriteFloat32(v[1])
			w.WriteFloat32(v[2])
		},
	}
)

type bytesSchema int

// Bytes returns a schema for n raw bytes.
// Decoded values alias the input buffer.
func Bytes(n int) Schema { return bytesSchema(n) }

func (n bytesSchema) Decode(r *Reader, _ *DecodeContext) (any, error) {
	return r.ReadBytes(int(n))
}

func (n bytesSchema) Encode(w *Writer, _ *EncodeContext, v any) error {
	b, ok := v.([]byte)
	if !ok || len(b) != int(n) {
		return fmt.Errorf("gbx: cannot encode %T as %d bytes", v, int(n))
	}
	w.WriteBytes(b)
	return nil
}

type lookbackSchema struct{}

func (lookbackSchema) Decode(r *Reader, ctx *DecodeContext) (any, error) {
	return ctx.Lookbacks.Resolve(r)
}

func (lookbackSchema) Encode(w *Writer, ctx *EncodeContext, v any) error {
	switch v := v.(type) {
	case Lookback:
		return ctx.Lookbacks.Encode(w, v)
	case string:
		return ctx.Lookbacks.Encode(w, NewLookback(v))
	}
	return fmt.Errorf("gbx: cannot encode %T as a lookback string", v)
}

type refSchema struct{}

func (refSchema) Decode(r *Reader, ctx *DecodeContext) (any, error) {
	return ctx.ReadRef(r)
}

func (refSchema) Encode(w *Writer, ctx *EncodeContext, v any) error {
	switch v := v.(type) {
	case Ref:
		return ctx.WriteRef(w, v)
	case *Node:
		return ctx.WriteRef(w, RefTo(v))
	case nil:
		return ctx.WriteRef(w, Ref{Index: NullIndex})
	}
	return fmt.Errorf("gbx: cannot encode %T as a node reference", v)
}

var (
	// LookbackString is an interned string.
	// Values are Lookback; encoding also
	// accepts a plain string.
	LookbackString Schema = lookbackSchema{}
	// NodeRef is a node reference. Values are
	// Ref; encoding also accepts a *Node.
	NodeRef Schema = refSchema{}
)

// Meta is the (id, collection, author) triple
// that identifies a game object.
type Meta struct {
	ID, Collection, Author Lookback
}

type metaSchema struct{}

func (metaSchema) Decode(r *Reader, ctx *DecodeContext) (any, error) {
	var m Meta
	var err error
	for _, p := range []*Lookback{&m.ID, &m.Collection, &m.Author} {
		if *p, err = ctx.Lookbacks.Resolve(r); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (metaSchema) Encode(w *Writer, ctx *EncodeContext, v any) error {
	m, ok := v.(Meta)
	if !ok {
		return fmt.Errorf("gbx: cannot encode %T as meta", v)
	}
	for _, l := range []Lookback{m.ID, m.Collection, m.Author} {
		if err := ctx.Lookbacks.Encode(w, l); err != nil {
			return err
		}
	}
	return nil
}

// MetaSchema is a Meta triple of interned strings.
var MetaSchema Schema = metaSchema{}

type bodySchema struct{}

func (bodySchema) Decode(r *Reader, ctx *DecodeContext) (any, error) {
	return ctx.decodeSequence(r)
}

func (bodySchema) Encode(w *Writer, ctx *EncodeContext, v any) error {
	chunks, ok := v.([]*Chunk)
	if !ok {
		return fmt.Errorf("gbx: cannot encode %T as a chunk sequence", v)
	}
	return ctx.encodeSequence(w, chunks)
}

// Body is an inline chunk sequence ending with
// the terminator. Values are []*Chunk.
var Body Schema = bodySchema{}

// Record is the decoded value of a Struct.
// Fields that were absent are not present.
type Record struct {
	Names  []string
	Values []any
}

func (r *Record) index(name string) int {
	for i := range r.Names {
		if r.Names[i] == name {
			return i
		}
	}
	return -1
}

// Has reports whether the field is present.
func (r *Record) Has(name string) bool { return r.index(name) >= 0 }

// Get returns the value of a field, or nil.
func (r *Record) Get(name string) any {
	if i := r.index(name); i >= 0 {
		return r.Values[i]
	}
	return nil
}

// Uint returns an integer field as a uint64,
// or zero if it is absent or not an integer.
func (r *Record) Uint(name string) uint64 {
	if u, ok := r.Get(name).(uint64); ok {
		return u
	}
	i, _ := toInt64(r.Get(name))
	return uint64(i)
}

// Set replaces or appends a field.
func (r *Record) Set(name string, v any) {
	if i := r.index(name); i >= 0 {
		r.Values[i] = v
		return
	}
	r.Names = append(r.Names, name)
	r.Values = append(r.Values, v)
}

// Field is a named member of a Struct.
type Field struct {
	Name   string
	schema Schema
	dyn    func(rec *Record) Schema
	conds  []func(rec *Record) bool
}

// F returns a field with a fixed schema.
func F(name string, s Schema) Field {
	return Field{Name: name, schema: s}
}

// Dyn returns a field whose schema is chosen
// from the fields that precede it. A nil
// schema leaves the field absent.
func Dyn(name string, fn func(rec *Record) Schema) Field {
	return Field{Name: name, dyn: fn}
}

// When makes the field conditional on pred.
func (f Field) When(pred func(rec *Record) bool) Field {
	f.conds = append(f.conds[:len(f.conds):len(f.conds)], pred)
	return f
}

// Since makes the field present only when the
// integer field named by field is at least v.
func (f Field) Since(field string, v uint64) Field {
	return f.When(func(rec *Record) bool { return rec.Uint(field) >= v })
}

// Until makes the field present only when the
// integer field named by field is below v.
func (f Field) Until(field string, v uint64) Field {
	return f.When(func(rec *Record) bool { return rec.Uint(field) < v })
}

func (f *Field) resolve(rec *Record) Schema {
	for _, c := range f.conds {
		if !c(rec) {
			return nil
		}
	}
	if f.dyn != nil {
		return f.dyn(rec)
	}
	return f.schema
}

type structSchema struct {
	fields []Field
}

// Struct returns a schema for a sequence of
// fields. Values are *Record.
func Struct(fields ...Field) Schema {
	return &structSchema{fields: fields}
}

func (s *structSchema) Decode(r *Reader, ctx *DecodeContext) (any, error) {
	rec := &Record{}
	for i := range s.fields {
		f := &s.fields[i]
		sch := f.resolve(rec)
		if sch == nil {
			continue
		}
		v, err := sch.Decode(r, ctx)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		rec.Names = append(rec.Names, f.Name)
		rec.Values = append(rec.Values, v)
	}
	return rec, nil
}

func (s *structSchema) Encode(w *Writer, ctx *EncodeContext, v any) error {
	rec, ok := v.(*Record)
	if !ok {
		return fmt.Errorf("gbx: cannot encode %T as a struct", v)
	}
	for i := range s.fields {
		f := &s.fields[i]
		sch := f.resolve(rec)
		if sch == nil {
			continue
		}
		j := rec.index(f.Name)
		if j < 0 {
			return fmt.Errorf("field %s: missing", f.Name)
		}
		if err := sch.Encode(w, ctx, rec.Values[j]); err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
	}
	return nil
}

type listSchema struct {
	elem  Schema
	count int // fixed element count, or -1
}

// List returns a schema for a uint32 count
// followed by that many elements. Values are []any.
func List(elem Schema) Schema { return &listSchema{elem: elem, count: -1} }

// Array returns a schema for exactly n
// elements. Values are []any.
func Array(elem Schema, n int) Schema { return &listSchema{elem: elem, count: n} }

func (s *listSchema) Decode(r *Reader, ctx *DecodeContext) (any, error) {
	n := s.count
	if n < 0 {
		off := r.Tell()
		c, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		if int64(c) > int64(r.Len()) {
			return nil, fmt.Errorf("gbx: list of %d elements at offset %d exceeds %d remaining bytes", c, off, r.Len())
		}
		n = int(c)
	}
	out := make([]any, n)
	for i := range out {
		v, err := s.elem.Decode(r, ctx)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func (s *listSchema) Encode(w *Writer, ctx *EncodeContext, v any) error {
	items, ok := v.([]any)
	if !ok {
		return fmt.Errorf("gbx: cannot encode %T as a list", v)
	}
	if s.count < 0 {
		w.WriteUint32(uint32(len(items)))
	} else if len(items) != s.count {
		return fmt.Errorf("gbx: array of %d elements has %d", s.count, len(items))
	}
	for i := range items {
		if err := s.elem.Encode(w, ctx, items[i]); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
	}
	return nil
}

type repeatSchema struct {
	elem Schema
	stop func(v any) bool
}

// Repeat returns a schema for elements repeated
// until one satisfies stop. The terminating
// element is part of the value, a []any.
func Repeat(elem Schema, stop func(v any) bool) Schema {
	return &repeatSchema{elem: elem, stop: stop}
}

func (s *repeatSchema) Decode(r *Reader, ctx *DecodeContext) (any, error) {
	items, err := RepeatUntil(func() (any, error) { return s.elem.Decode(r, ctx) }, s.stop)
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *repeatSchema) Encode(w *Writer, ctx *EncodeContext, v any) error {
	items, ok := v.([]any)
	if !ok {
		return fmt.Errorf("gbx: cannot encode %T as a repeated sequence", v)
	}
	return EncodeUntil(items, func(v any) error { return s.elem.Encode(w, ctx, v) }, s.stop)
}

// Alternative is the decoded value of an Alt schema.
type Alternative struct {
	Index int // which alternative matched
	Value any
}

type altSchema struct {
	alts []Schema
}

// Alt returns a schema that decodes the first
// alternative that succeeds. Each failed attempt
// is rolled back before the next is tried.
func Alt(alts ...Schema) Schema { return &altSchema{alts: alts} }

func (s *altSchema) Decode(r *Reader, ctx *DecodeContext) (any, error) {
	var errs []error
	for i, alt := range s.alts {
		var v any
		err := ctx.Speculate(r, func() (err error) {
			v, err = alt.Decode(r, ctx)
			return err
		})
		if err == nil {
			return Alternative{Index: i, Value: v}, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("gbx: no alternative matched: %v", errs)
}

func (s *altSchema) Encode(w *Writer, ctx *EncodeContext, v any) error {
	a, ok := v.(Alternative)
	if !ok || a.Index < 0 || a.Index >= len(s.alts) {
		return fmt.Errorf("gbx: cannot encode %v as one of %d alternatives", v, len(s.alts))
	}
	return s.alts[a.Index].Encode(w, ctx, a.Value)
}
